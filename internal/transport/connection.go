// Package transport implements the WebSocket edge of the hub
// (spec.md §4.2, §4.3): frame I/O, per-connection back-pressure, and
// the authorization-then-dispatch state machine that multiplexes many
// documents over a single socket.
//
// The connection/session shape follows transport.WSHandler/
// session.Session in Polqt-golang-journey/projects/03-crdt-collab-backend,
// rewritten against gorilla/websocket and the streamspace API's
// handlers.WebSocketSession readPump/writePump pair instead of that
// package's hand-rolled RFC 6455 framing.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	huberrors "github.com/Polqt/lorohub/internal/errors"
	"github.com/Polqt/lorohub/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	defaultMaxSize = 8 << 20
)

// state is the connection state machine named in spec.md §4.3.
type state int

const (
	stateConnecting state = iota
	stateActive
	stateClosing
	stateClosed
)

// Connection wraps one *websocket.Conn and satisfies hub.Connection,
// so internal/hub never imports this package. It multiplexes every
// document the underlying socket has authenticated for.
type Connection struct {
	id         string
	conn       *websocket.Conn
	remote     string
	outbound   chan []byte
	queueLimit int
	metrics    *metrics.Counters

	mu         sync.Mutex
	state      state
	authorized map[string]string // documentName -> scope
	closeOnce  sync.Once
	closeErr   error
}

func newConnection(conn *websocket.Conn, queueLimit int, m *metrics.Counters) *Connection {
	if queueLimit <= 0 {
		queueLimit = 256
	}
	return &Connection{
		id:         uuid.NewString(),
		conn:       conn,
		remote:     conn.RemoteAddr().String(),
		outbound:   make(chan []byte, queueLimit),
		queueLimit: queueLimit,
		metrics:    m,
		state:      stateConnecting,
		authorized: make(map[string]string),
	}
}

// ID implements hub.Connection.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer's network address, for logging.
func (c *Connection) RemoteAddr() string { return c.remote }

// Send implements hub.Connection: enqueues frame on the outbound
// channel without blocking. A full queue means a slow consumer
// (spec.md §4.3); the connection is closed with CloseSlowConsumer
// rather than letting the queue grow unbounded.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return huberrors.ErrSlowConsumer
	}
	c.mu.Unlock()

	select {
	case c.outbound <- frame:
		return nil
	default:
		if c.metrics != nil {
			c.metrics.SlowConsumerDrop()
		}
		c.closeWithError(huberrors.Newf(huberrors.SlowConsumer, "outbound queue exceeded %d frames", c.queueLimit))
		return huberrors.ErrSlowConsumer
	}
}

// authorize records that documentName is authenticated for this
// connection under scope.
func (c *Connection) authorize(documentName, scope string) {
	c.mu.Lock()
	c.authorized[documentName] = scope
	c.state = stateActive
	c.mu.Unlock()
}

// closeWithError marks the connection closing and records the cause
// that will determine the outgoing WebSocket close code. Idempotent.
func (c *Connection) closeWithError(cause error) {
	c.mu.Lock()
	c.closeErr = cause
	c.mu.Unlock()

	closeCode := websocket.CloseNormalClosure
	if he, ok := cause.(*huberrors.HubError); ok {
		if code, fatal := huberrors.CloseCodeFor(he.Kind); fatal {
			closeCode = int(code)
		}
	}
	c.closeWithCode(closeCode, errString(cause))
}

// Close implements hub.Connection: force-closes the socket with an
// explicit application close code. Used by a Document to tear down
// every attached connection when persistence's retry budget is
// exhausted (spec.md §4.4 step 5, §7 — StoreFailure is "fatal to every
// connection attached to the document").
func (c *Connection) Close(code huberrors.CloseCode, reason string) {
	c.closeWithCode(int(code), reason)
}

// closeWithCode writes a close frame with the given code and tears
// down the socket. Idempotent: only the first caller's code/reason
// wins, later callers are no-ops.
func (c *Connection) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosing
		c.mu.Unlock()

		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// writePump drains the outbound queue to the socket and sends
// keepalive pings, mirroring the streamspace API's
// WebSocketSession.writePump.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.closeWithError(nil)

	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames off the socket and hands each one to handle,
// until the connection closes or handle reports a fatal error.
func (c *Connection) readPump(maxFrameSize int64, handle func(raw []byte) error) {
	defer func() {
		c.mu.Lock()
		cause := c.closeErr
		c.mu.Unlock()
		c.closeWithError(cause)
	}()

	if maxFrameSize <= 0 {
		maxFrameSize = defaultMaxSize
	}
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			c.closeWithError(huberrors.Newf(huberrors.ProtocolError, "unexpected websocket message type %d", msgType))
			return
		}
		if err := handle(raw); err != nil {
			c.closeWithError(err)
			return
		}
	}
}

// serveFallback is used only when a websocket Upgrade has not
// happened (e.g. plain HTTP probing /ws); kept here so Server's
// ServeHTTP has a single place to send a trivial error response.
func serveFallback(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	w.Write([]byte(msg))
}
