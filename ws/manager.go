// Package ws maintains driver websocket connections: telemetry in,
// route updates and heartbeats out. Connections are ephemeral; the
// session in state is the source of truth, so a dropped connection
// loses nothing.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medtransit/routed/ingest"
	"github.com/medtransit/routed/storage"
)

// Heartbeat defaults: an app-level ping every interval, and the
// connection is closed when no pong arrives within the wait after a
// ping.
const (
	DefaultPingInterval = 60 * time.Second
	DefaultPongWait     = 30 * time.Second

	writeWait     = 10 * time.Second
	sendQueueSize = 32
)

// CodeUnsupported is sent for frames that decode but have no known
// type. The connection survives.
const CodeUnsupported = "UNSUPPORTED_MESSAGE"

// Sink receives validated telemetry events. *ingest.Dispatcher is the
// production implementation.
type Sink interface {
	Enqueue(ev ingest.Event) bool
}

// Manager upgrades, registers and supervises driver connections. At
// most one connection per driver: a newer connection replaces and
// closes the older one.
type Manager struct {
	Bus    storage.PubSub
	Sink   Sink
	Logger *zap.Logger

	PingInterval time.Duration
	PongWait     time.Duration

	// Now is overridable in tests.
	Now func() time.Time

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

func NewManager(bus storage.PubSub, sink Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Bus:          bus,
		Sink:         sink,
		Logger:       logger,
		PingInterval: DefaultPingInterval,
		PongWait:     DefaultPongWait,
		Now:          time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: map[string]*conn{},
	}
}

// ServeHTTP handles GET /ws/driver/{driver_id}.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driver_id")
	if driverID == "" {
		http.Error(w, "missing driver_id", http.StatusBadRequest)
		return
	}

	sock, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.Logger.Debug("websocket upgrade failed",
			zap.String("driver_id", driverID), zap.Error(err))
		return
	}

	c := &conn{
		id:       uuid.NewString(),
		driverID: driverID,
		sock:     sock,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		lastPong: m.Now(),
	}

	// Subscribe before registering so that a publication racing the
	// connect is not lost between the two.
	sub, err := m.Bus.Subscribe(r.Context(), ingest.Topic(driverID))
	if err != nil {
		m.Logger.Error("subscribing to route updates",
			zap.String("driver_id", driverID), zap.Error(err))
		sock.Close()
		return
	}

	m.register(c)

	m.Logger.Info("driver connected",
		zap.String("driver_id", driverID), zap.String("conn_id", c.id))

	go m.writeLoop(c)
	go m.forwardLoop(c, sub)
	m.readLoop(c)

	sub.Close()
	m.unregister(c)
	m.Logger.Info("driver disconnected",
		zap.String("driver_id", driverID), zap.String("conn_id", c.id))
}

// register installs c as the driver's connection, closing any previous
// one.
func (m *Manager) register(c *conn) {
	m.mu.Lock()
	old := m.conns[c.driverID]
	m.conns[c.driverID] = c
	m.mu.Unlock()

	if old != nil {
		m.Logger.Info("replacing existing connection",
			zap.String("driver_id", c.driverID),
			zap.String("old_conn_id", old.id),
			zap.String("new_conn_id", c.id))
		old.shutdown()
	}
}

// unregister removes c unless a newer connection already replaced it.
func (m *Manager) unregister(c *conn) {
	m.mu.Lock()
	if m.conns[c.driverID] == c {
		delete(m.conns, c.driverID)
	}
	m.mu.Unlock()
	c.shutdown()
}

// Connected reports whether a driver currently has a connection.
func (m *Manager) Connected(driverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[driverID] != nil
}

// CloseAll tears down every connection, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = map[string]*conn{}
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

func (m *Manager) readLoop(c *conn) {
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		m.handleFrame(c, raw)
	}
}

func (m *Manager) handleFrame(c *conn, raw []byte) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.sendError(CodeUnsupported, "frame is not valid JSON")
		return
	}

	switch f.Type {
	case "pong":
		c.pongAt(m.Now())

	case "gps_update":
		if f.Location == nil || f.Location.Validate() != nil {
			c.sendError(ingest.CodeInvalidGPS, "gps_update requires a valid location")
			return
		}
		ts := m.Now()
		if f.Timestamp != nil {
			ts = *f.Timestamp
		}
		m.Sink.Enqueue(ingest.Event{
			DriverID:        c.driverID,
			Location:        *f.Location,
			Timestamp:       ts,
			CompletedStopID: f.CompletedStopID,
			Notify:          c.sendError,
		})

	case "stop_completed":
		if f.CompletedStopID == "" {
			c.sendError(ingest.CodeInvalidStopID, "stop_completed requires completed_stop_id")
			return
		}
		m.Sink.Enqueue(ingest.Event{
			DriverID:        c.driverID,
			CompletedStopID: f.CompletedStopID,
			Notify:          c.sendError,
		})

	default:
		c.sendError(CodeUnsupported, "unknown frame type "+f.Type)
	}
}

// writeLoop owns all writes to the socket: queued frames and the
// heartbeat.
func (m *Manager) writeLoop(c *conn) {
	ticker := time.NewTicker(m.PingInterval)
	defer ticker.Stop()

	var pongCheck <-chan time.Time
	var pingSent time.Time

	for {
		select {
		case <-c.done:
			c.sock.Close()
			return

		case msg := <-c.send:
			c.sock.SetWriteDeadline(m.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown()
			}

		case <-ticker.C:
			pingSent = m.Now()
			ping, _ := json.Marshal(pingFrame{Type: "ping", ServerTime: pingSent})
			c.sock.SetWriteDeadline(pingSent.Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, ping); err != nil {
				c.shutdown()
				continue
			}
			pongCheck = time.After(m.PongWait)

		case <-pongCheck:
			pongCheck = nil
			if c.pongBefore(pingSent) {
				m.Logger.Info("heartbeat timed out",
					zap.String("driver_id", c.driverID),
					zap.String("conn_id", c.id))
				c.shutdown()
			}
		}
	}
}

// forwardLoop pipes published route updates to the socket verbatim.
func (m *Manager) forwardLoop(c *conn, sub *storage.Subscription) {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.enqueue(msg, m.Logger)
		}
	}
}
