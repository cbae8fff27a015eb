package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Polqt/lorohub/internal/wire"
)

// Listener is a fixed set of typed lifecycle callbacks a Provider (or
// any other caller) can register on a SharedSocket. spec.md's REDESIGN
// FLAGS call out the source's free-form event emitter
// ("open/status/close/disconnect/destroy/message/outgoingMessage") as
// the thing to replace with exactly this shape: named fields, no
// dynamic event-name dispatch. Any field may be left nil.
type Listener struct {
	OnOpen       func()
	OnStatus     func(status string)
	OnClose      func(err error)
	OnDisconnect func()
	OnDestroy    func()
}

// dialer is satisfied by *websocket.Dialer; narrowed to an interface
// so tests can substitute a fake without opening a real socket.
type dialer interface {
	Dial(url string, header map[string][]string) (*websocket.Conn, error)
}

type realDialer struct{ *websocket.Dialer }

func (d realDialer) Dial(url string, header map[string][]string) (*websocket.Conn, error) {
	conn, _, err := d.Dialer.Dial(url, header)
	return conn, err
}

// SharedSocket is the "Global WebSocket singleton" design note from
// spec.md §9, made explicit: one transport, reference-counted across
// every Provider attached to it, created by the first Provider that
// needs it and torn down when the last one detaches.
type SharedSocket struct {
	url    string
	dial   dialer
	framer *wire.Framer

	mu        sync.Mutex
	conn      *websocket.Conn
	refCount  int
	providers map[string]*Provider // documentName -> provider
	listeners map[*Provider]Listener
	outbound  chan []byte
	closed    bool
}

// NewSharedSocket constructs a SharedSocket that will dial url on
// first Provider attach. framer must match the server's envelope
// configuration (maximum document name length in particular).
func NewSharedSocket(url string, framer *wire.Framer) *SharedSocket {
	return &SharedSocket{
		url:       url,
		dial:      realDialer{websocket.DefaultDialer},
		framer:    framer,
		providers: make(map[string]*Provider),
		listeners: make(map[*Provider]Listener),
	}
}

// acquire registers p for documentName and dials the socket if this is
// the first Provider to attach. Returns an error if the document name
// is already claimed by a different Provider on this socket.
func (s *SharedSocket) acquire(documentName string, p *Provider, l Listener) error {
	s.mu.Lock()
	if existing, ok := s.providers[documentName]; ok && existing != p {
		s.mu.Unlock()
		return fmt.Errorf("client: document %q already attached on this socket", documentName)
	}
	s.providers[documentName] = p
	s.listeners[p] = l
	s.refCount++
	needsDial := s.conn == nil && !s.closed
	s.mu.Unlock()

	if needsDial {
		return s.dialAndRun()
	}
	if s.isOpen() {
		l.emitOpen()
	}
	return nil
}

func (s *SharedSocket) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *SharedSocket) dialAndRun() error {
	conn, err := s.dial.Dial(s.url, nil)
	if err != nil {
		s.emitClose(err)
		return fmt.Errorf("client: dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.outbound = make(chan []byte, 256)
	s.mu.Unlock()

	go s.writePump()
	go s.readPump()

	s.emitOpen()
	s.emitStatus("connected")
	return nil
}

// release drops documentName's Provider. Once refCount reaches zero
// the underlying socket is closed.
func (s *SharedSocket) release(documentName string, p *Provider) {
	s.mu.Lock()
	if s.providers[documentName] == p {
		delete(s.providers, documentName)
	}
	delete(s.listeners, p)
	s.refCount--
	shouldClose := s.refCount <= 0 && !s.closed
	if shouldClose {
		s.closed = true
	}
	conn := s.conn
	s.mu.Unlock()

	if shouldClose && conn != nil {
		_ = conn.Close()
	}
}

// send encodes and enqueues a frame for documentName. Returns an error
// without sending if the socket isn't open yet; the caller (Provider.send) already checks
// attachment state before calling this.
func (s *SharedSocket) send(documentName string, typ wire.MessageType, payload []byte) error {
	s.mu.Lock()
	out := s.outbound
	s.mu.Unlock()
	if out == nil {
		return fmt.Errorf("client: socket not connected")
	}

	frame := s.framer.EncodeEnvelope(documentName, typ, payload)
	select {
	case out <- frame:
		return nil
	default:
		return fmt.Errorf("client: outbound queue full")
	}
}

func (s *SharedSocket) writePump() {
	for frame := range s.outbound {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.emitClose(err)
			return
		}
	}
}

func (s *SharedSocket) readPump() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			s.emitDisconnect()
			s.emitClose(err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := s.framer.DecodeEnvelope(raw)
		if err != nil {
			continue // malformed frame from server: drop, keep the socket alive
		}

		s.mu.Lock()
		p := s.providers[frame.DocumentName]
		s.mu.Unlock()
		if p != nil {
			p.handleInbound(frame)
		}
	}
}

func (s *SharedSocket) emitOpen() {
	for _, l := range s.snapshotListeners() {
		l.emitOpen()
	}
}

func (s *SharedSocket) emitStatus(status string) {
	for _, l := range s.snapshotListeners() {
		l.emitStatus(status)
	}
}

func (s *SharedSocket) emitClose(err error) {
	for _, l := range s.snapshotListeners() {
		l.emitClose(err)
	}
}

func (s *SharedSocket) emitDisconnect() {
	for _, l := range s.snapshotListeners() {
		l.emitDisconnect()
	}
}

func (s *SharedSocket) snapshotListeners() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func (l Listener) emitOpen() {
	if l.OnOpen != nil {
		l.OnOpen()
	}
}

func (l Listener) emitStatus(status string) {
	if l.OnStatus != nil {
		l.OnStatus(status)
	}
}

func (l Listener) emitClose(err error) {
	if l.OnClose != nil {
		l.OnClose(err)
	}
}

func (l Listener) emitDisconnect() {
	if l.OnDisconnect != nil {
		l.OnDisconnect()
	}
}

func (l Listener) emitDestroy() {
	if l.OnDestroy != nil {
		l.OnDestroy()
	}
}
