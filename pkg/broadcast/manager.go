package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ClientMessage is what a WebSocket client sends.
type ClientMessage struct {
	Action    string `json:"action"`
	ScanID    string `json:"scan_id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
}

// timeRanges maps the dashboard request vocabulary to durations.
var timeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// DashboardSource answers dashboard data requests. Implemented over the
// event store.
type DashboardSource interface {
	Snapshot(ctx context.Context, timeRange string, from, to time.Time) (DashboardData, error)
}

// ConnectionManager owns the WebSocket connections and bridges them to
// the broadcaster. Each process has one instance.
type ConnectionManager struct {
	broadcaster *Broadcaster
	dashboard   DashboardSource

	// Active connections: connection id → *Connection.
	connections map[string]*Connection
	mu          sync.RWMutex

	// anonymousTopics lists topics viewable without a bearer token.
	anonymousTopics map[string]bool

	writeTimeout time.Duration
	logger       *slog.Logger
}

// Connection is a single WebSocket client.
//
// subscriptions is accessed without a lock: all reads and writes happen
// on the goroutine that owns the connection (HandleConnection's read
// loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc

	// writeMu serialises socket writes between the read loop's direct
	// replies and the broadcaster delivery loop.
	writeMu sync.Mutex
}

// NewConnectionManager creates the manager.
func NewConnectionManager(b *Broadcaster, dashboard DashboardSource, anonymousTopics []string, writeTimeout time.Duration) *ConnectionManager {
	anon := make(map[string]bool, len(anonymousTopics))
	for _, t := range anonymousTopics {
		anon[t] = true
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		broadcaster:     b,
		dashboard:       dashboard,
		connections:     make(map[string]*Connection),
		anonymousTopics: anon,
		writeTimeout:    writeTimeout,
		logger:          slog.With("component", "ws-manager"),
	}
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Called by the HTTP handler after upgrade and auth; blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, authenticated bool) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		Authenticated: authenticated,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	deliveries, err := m.broadcaster.Register(connID)
	if err != nil {
		m.logger.Error("Failed to register connection", "connection_id", connID, "error", err)
		cancel()
		return
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	go m.writeLoop(c, deliveries)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// writeLoop drains broadcaster deliveries into the socket. Exits when
// Unregister closes the channel.
func (m *ConnectionManager) writeLoop(c *Connection, deliveries <-chan Envelope) {
	for env := range deliveries {
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, raw); err != nil {
			m.logger.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "error", err)
		}
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	m.logger.Info("WebSocket connected", "connection_id", c.ID, "authenticated", c.Authenticated)
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	m.broadcaster.Unregister(c.ID)
	c.cancel()
	m.logger.Info("WebSocket disconnected", "connection_id", c.ID)
}

// ActiveConnections returns the count of open connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches one client action.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "JoinScanUpdates":
		if msg.ScanID == "" {
			m.sendError(c, "scan_id is required for JoinScanUpdates")
			return
		}
		m.join(c, TopicScanProgressUpdates)
		m.join(c, ScanTopic(msg.ScanID))
	case "LeaveScanUpdates":
		if msg.ScanID == "" {
			m.sendError(c, "scan_id is required for LeaveScanUpdates")
			return
		}
		m.leave(c, ScanTopic(msg.ScanID))
		m.leave(c, TopicScanProgressUpdates)
	case "JoinSystemMetrics":
		m.join(c, TopicSystemMetrics)
	case "LeaveSystemMetrics":
		m.leave(c, TopicSystemMetrics)
	case "JoinDashboardUpdates":
		m.join(c, TopicDashboardUpdates)
	case "LeaveDashboardUpdates":
		m.leave(c, TopicDashboardUpdates)
	case "JoinSecurityEvents":
		m.join(c, TopicSecurityEvents)
	case "LeaveSecurityEvents":
		m.leave(c, TopicSecurityEvents)
	case "JoinCorrelationAlerts":
		m.join(c, TopicCorrelationAlerts)
	case "LeaveCorrelationAlerts":
		m.leave(c, TopicCorrelationAlerts)
	case "RequestDashboardData":
		m.handleDashboardRequest(ctx, c, msg.TimeRange)
	case "subscribe":
		if msg.Topic == "" {
			m.sendError(c, "topic is required for subscribe")
			return
		}
		m.join(c, msg.Topic)
	case "unsubscribe":
		if msg.Topic == "" {
			m.sendError(c, "topic is required for unsubscribe")
			return
		}
		m.leave(c, msg.Topic)
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	default:
		m.sendError(c, "unknown action: "+msg.Action)
	}
}

// join subscribes the connection to a topic, enforcing the anonymous
// read-only topic policy.
func (m *ConnectionManager) join(c *Connection, topic string) {
	if !c.Authenticated && !m.anonymousTopics[topic] {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"topic":   topic,
			"message": "authentication required for this topic",
		})
		return
	}
	if err := m.broadcaster.Subscribe(c.ID, topic); err != nil {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"topic":   topic,
			"message": "failed to subscribe",
		})
		return
	}
	c.subscriptions[topic] = true
	m.sendJSON(c, map[string]string{
		"type":  "subscription.confirmed",
		"topic": topic,
	})
}

func (m *ConnectionManager) leave(c *Connection, topic string) {
	m.broadcaster.Unsubscribe(c.ID, topic)
	delete(c.subscriptions, topic)
	m.sendJSON(c, map[string]string{
		"type":  "subscription.removed",
		"topic": topic,
	})
}

// handleDashboardRequest answers on the requesting connection only.
func (m *ConnectionManager) handleDashboardRequest(ctx context.Context, c *Connection, timeRange string) {
	window, ok := timeRanges[timeRange]
	if !ok {
		m.sendError(c, "time_range must be one of 1h, 6h, 24h, 7d, 30d")
		return
	}
	if m.dashboard == nil {
		m.sendError(c, "dashboard data unavailable")
		return
	}

	now := time.Now().UTC()
	data, err := m.dashboard.Snapshot(ctx, timeRange, now.Add(-window), now)
	if err != nil {
		m.logger.Error("Dashboard snapshot failed", "connection_id", c.ID, "error", err)
		m.sendError(c, "failed to build dashboard data")
		return
	}

	m.sendJSON(c, DashboardDataRequested{
		Type:      TypeDashboardDataRequested,
		Data:      data,
		Timestamp: Stamp(),
	})
}

func (m *ConnectionManager) sendError(c *Connection, message string) {
	m.sendJSON(c, map[string]string{"type": "error", "message": message})
}

func (m *ConnectionManager) sendJSON(c *Connection, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := m.sendRaw(c, raw); err != nil {
		m.logger.Warn("Failed to send to WebSocket client", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
