package broadcast

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Envelope, n int) []Envelope {
	out := make([]Envelope, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-ch)
	}
	return out
}

func TestSubscribePublishUnsubscribeRoundTrip(t *testing.T) {
	b := New(8)
	ch, err := b.Register("conn-1")
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("conn-1", TopicSecurityEvents))

	require.NoError(t, b.Publish(TopicSecurityEvents, map[string]string{"msg": "first"}))
	b.Unsubscribe("conn-1", TopicSecurityEvents)
	require.NoError(t, b.Publish(TopicSecurityEvents, map[string]string{"msg": "second"}))

	got := drain(ch, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, "first", payload["msg"])

	select {
	case env := <-ch:
		t.Fatalf("received message after unsubscribe: %s", env.Payload)
	default:
	}
}

func TestSequenceIsMonotonicPerTopic(t *testing.T) {
	b := New(16)
	ch, err := b.Register("conn-1")
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("conn-1", TopicSecurityEvents))
	require.NoError(t, b.Subscribe("conn-1", TopicCorrelationAlerts))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(TopicSecurityEvents, i))
	}
	require.NoError(t, b.Publish(TopicCorrelationAlerts, "alert"))

	var securitySeqs []uint64
	for _, env := range drain(ch, 6) {
		if env.Topic == TopicSecurityEvents {
			securitySeqs = append(securitySeqs, env.Sequence)
		} else {
			assert.Equal(t, uint64(1), env.Sequence, "sequences are per topic")
		}
		assert.False(t, env.Timestamp.IsZero())
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, securitySeqs)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New(8)
	require.NoError(t, b.Publish(TopicSystemMetrics, "nobody listening"))
	assert.Zero(t, b.Sequence(TopicSystemMetrics), "no topic state exists until a subscriber arrives")
}

func TestOverflowDropsOldestAndRaisesLagNotice(t *testing.T) {
	b := New(2)
	ch, err := b.Register("slow")
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("slow", TopicSecurityEvents))

	// Nobody drains; buffer of 2 overflows on the third publish.
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(TopicSecurityEvents, i))
	}
	b.Unregister("slow")

	var payloads []int
	var notices []LagNotice
	for env := range ch {
		var notice LagNotice
		if json.Unmarshal(env.Payload, &notice) == nil && notice.Type == lagNoticeType {
			notices = append(notices, notice)
			continue
		}
		var v int
		require.NoError(t, json.Unmarshal(env.Payload, &v))
		payloads = append(payloads, v)
	}

	require.NotEmpty(t, notices, "overflow must produce a lag notice")
	var droppedTotal uint64
	for _, n := range notices {
		droppedTotal += n.Dropped
	}
	assert.GreaterOrEqual(t, droppedTotal, uint64(2))
	require.NotEmpty(t, payloads)
	assert.Equal(t, 3, payloads[len(payloads)-1], "newest message survives drop-oldest")
}

func TestUnregisterClosesChannelAndRemovesSubscriptions(t *testing.T) {
	b := New(8)
	ch, err := b.Register("conn-1")
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("conn-1", TopicSecurityEvents))
	assert.Equal(t, 1, b.SubscriberCount(TopicSecurityEvents))

	b.Unregister("conn-1")
	assert.Equal(t, 0, b.SubscriberCount(TopicSecurityEvents))

	_, open := <-ch
	assert.False(t, open, "delivery channel must be closed")

	_, err = b.Register("conn-1")
	assert.NoError(t, err, "the id is reusable after unregister")
}

func TestRegisterTwiceFails(t *testing.T) {
	b := New(8)
	_, err := b.Register("conn-1")
	require.NoError(t, err)
	_, err = b.Register("conn-1")
	assert.Error(t, err)
}

func TestScanTopicName(t *testing.T) {
	assert.Equal(t, "Scan_abc123", ScanTopic("abc123"))
}

// Disconnects race in-flight publishes on the normal WebSocket teardown
// path; a publish landing after the channel closed must be a no-op, not
// a panic.
func TestPublishDuringUnregisterDoesNotPanic(t *testing.T) {
	for round := 0; round < 50; round++ {
		b := New(1)
		subscriberIDs := []string{"conn-1", "conn-2", "conn-3", "conn-4"}
		for _, id := range subscriberIDs {
			_, err := b.Register(id)
			require.NoError(t, err)
			require.NoError(t, b.Subscribe(id, TopicSecurityEvents))
		}

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					_ = b.Publish(TopicSecurityEvents, map[string]int{"n": j})
				}
			}()
		}
		for _, id := range subscriberIDs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				b.Unregister(id)
			}(id)
		}
		wg.Wait()

		require.NoError(t, b.Publish(TopicSecurityEvents, map[string]int{"n": -1}))
	}
}
