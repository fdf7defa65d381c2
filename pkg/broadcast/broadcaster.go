package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Envelope is the wire form of one published message. Sequence is
// monotonic per topic; gaps tell a reconnecting client it missed
// messages.
type Envelope struct {
	Topic     string          `json:"topic"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	// lagCount is nonzero only on lag notices; dropping a notice folds
	// its count back into the pending tally.
	lagCount uint64
}

// LagNotice is delivered out of band when a subscriber's buffer
// overflowed and old messages were dropped.
type LagNotice struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Dropped uint64 `json:"dropped"`
}

const lagNoticeType = "subscriber.lagging"

type subscriber struct {
	id string
	ch chan Envelope

	mu         sync.Mutex
	closed     bool
	dropped    uint64
	lagPending bool
}

// push enqueues with drop-oldest on overflow and reports whether a lag
// notice is due. Publishes racing an Unregister land here after the
// channel closed; the closed flag makes them silent no-ops.
func (s *subscriber) push(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.enqueue(env)
	return s.lagPending
}

// enqueue inserts env, evicting the oldest entries as needed. Caller
// holds mu.
func (s *subscriber) enqueue(env Envelope) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		select {
		case old := <-s.ch:
			if old.lagCount > 0 {
				s.dropped += old.lagCount
			} else {
				s.dropped++
			}
			s.lagPending = true
		default:
		}
	}
}

type topicState struct {
	mu       sync.Mutex
	sequence uint64
	subs     map[string]*subscriber
}

// Broadcaster is the in-process pub/sub hub. Subscribers register once
// for a delivery channel, then subscribe to individual topics.
type Broadcaster struct {
	mu          sync.RWMutex
	topics      map[string]*topicState
	subscribers map[string]*subscriber

	buffer int
	logger *slog.Logger
}

// New creates a broadcaster with the given per-subscriber buffer depth.
func New(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 256
	}
	return &Broadcaster{
		topics:      make(map[string]*topicState),
		subscribers: make(map[string]*subscriber),
		buffer:      buffer,
		logger:      slog.With("component", "broadcaster"),
	}
}

// Register creates the delivery channel for a subscriber. The caller
// drains the returned channel until Unregister closes it.
func (b *Broadcaster) Register(subscriberID string) (<-chan Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscribers[subscriberID]; exists {
		return nil, fmt.Errorf("subscriber %s already registered", subscriberID)
	}
	sub := &subscriber{id: subscriberID, ch: make(chan Envelope, b.buffer)}
	b.subscribers[subscriberID] = sub
	return sub.ch, nil
}

// Unregister removes the subscriber from every topic and closes its
// delivery channel.
func (b *Broadcaster) Unregister(subscriberID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, subscriberID)
	for _, topic := range b.topics {
		topic.mu.Lock()
		delete(topic.subs, subscriberID)
		topic.mu.Unlock()
	}
	b.mu.Unlock()

	// Close under the subscriber lock so an in-flight push observes the
	// closed flag instead of sending on a closed channel.
	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()
}

// Subscribe adds the subscriber to a topic.
func (b *Broadcaster) Subscribe(subscriberID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("subscriber %s not registered", subscriberID)
	}
	state, ok := b.topics[topic]
	if !ok {
		state = &topicState{subs: make(map[string]*subscriber)}
		b.topics[topic] = state
	}
	state.mu.Lock()
	state.subs[subscriberID] = sub
	state.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscriber from a topic. Messages already in
// its buffer stay deliverable.
func (b *Broadcaster) Unsubscribe(subscriberID, topic string) {
	b.mu.RLock()
	state, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}
	state.mu.Lock()
	delete(state.subs, subscriberID)
	state.mu.Unlock()
}

// Publish delivers payload to every current subscriber of the topic.
// The sequence is assigned under the topic lock, so subscribers observe
// it strictly increasing. Full buffers drop their oldest message and
// get a lag notice.
func (b *Broadcaster) Publish(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}

	b.mu.RLock()
	state, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	state.mu.Lock()
	state.sequence++
	env := Envelope{
		Topic:     topic,
		Sequence:  state.sequence,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	subs := make([]*subscriber, 0, len(state.subs))
	for _, sub := range state.subs {
		subs = append(subs, sub)
	}
	state.mu.Unlock()

	for _, sub := range subs {
		if lagged := sub.push(env); lagged {
			b.sendLagNotice(sub, topic)
		}
	}
	return nil
}

// sendLagNotice enqueues one out-of-band notice covering all drops
// since the last notice. The notice itself may evict a queued message;
// evicting an older notice folds its count into the next one.
func (b *Broadcaster) sendLagNotice(sub *subscriber, topic string) {
	sub.mu.Lock()
	dropped := sub.dropped
	sub.dropped = 0
	sub.lagPending = false
	if dropped == 0 {
		sub.mu.Unlock()
		return
	}

	raw, err := json.Marshal(LagNotice{Type: lagNoticeType, Topic: topic, Dropped: dropped})
	if err != nil {
		sub.mu.Unlock()
		return
	}
	sub.enqueue(Envelope{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		lagCount:  dropped,
	})
	sub.mu.Unlock()

	b.logger.Warn("Subscriber lagging, dropped messages",
		"subscriber", sub.id, "topic", topic, "dropped", dropped)
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	state, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.subs)
}

// Sequence returns the last sequence assigned on a topic.
func (b *Broadcaster) Sequence(topic string) uint64 {
	b.mu.RLock()
	state, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.sequence
}
