package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medtransit/routed/geo"
)

// inboundFrame is the superset of frames a driver client may send.
type inboundFrame struct {
	Type            string          `json:"type"`
	Location        *geo.Coordinate `json:"location,omitempty"`
	Timestamp       *time.Time      `json:"timestamp,omitempty"`
	CompletedStopID string          `json:"completed_stop_id,omitempty"`
}

type pingFrame struct {
	Type       string    `json:"type"`
	ServerTime time.Time `json:"server_time"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// conn is one live driver connection. The writeLoop is the only
// goroutine touching the socket for writes; everything else goes
// through the send queue.
type conn struct {
	id       string
	driverID string
	sock     *websocket.Conn
	send     chan []byte
	done     chan struct{}

	mu       sync.Mutex
	lastPong time.Time

	closeOnce sync.Once
}

// shutdown ends the connection once. The socket close itself happens
// in the writeLoop.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *conn) pongAt(t time.Time) {
	c.mu.Lock()
	c.lastPong = t
	c.mu.Unlock()
}

func (c *conn) pongBefore(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong.Before(t)
}

// enqueue queues an outbound frame without blocking. A client that
// cannot drain its queue loses frames; it resyncs from state on
// reconnect.
func (c *conn) enqueue(msg []byte, logger *zap.Logger) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		logger.Warn("send queue full, dropping frame",
			zap.String("driver_id", c.driverID),
			zap.String("conn_id", c.id))
	}
}

// sendError queues an error frame. Safe to call from any goroutine;
// never blocks, so it satisfies the telemetry Notify contract.
func (c *conn) sendError(code, message string) {
	raw, err := json.Marshal(errorFrame{Type: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(raw, zap.NewNop())
}
