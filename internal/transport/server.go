package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Polqt/lorohub/internal/auth"
	huberrors "github.com/Polqt/lorohub/internal/errors"
	"github.com/Polqt/lorohub/internal/hub"
	"github.com/Polqt/lorohub/internal/logger"
	"github.com/Polqt/lorohub/internal/metrics"
	"github.com/Polqt/lorohub/internal/registry"
	"github.com/Polqt/lorohub/internal/wire"
)

// Server upgrades incoming HTTP requests to WebSocket connections and
// runs the per-connection protocol state machine from spec.md §4.2:
// every frame names a document; the first frame for a given document
// must be Auth; only after admission does the hub see any other
// message kind for that document.
type Server struct {
	registry *registry.Registry
	auth     auth.Authenticator
	framer   *wire.Framer
	metrics  *metrics.Counters

	upgrader     websocket.Upgrader
	queueLimit   int
	maxFrameSize int64
}

// Options configures a Server.
type Options struct {
	OutboundQueueLimit int
	MaxFrameSize       int64
	CheckOrigin        func(r *http.Request) bool
}

// NewServer constructs a Server around an already-running Registry.
func NewServer(reg *registry.Registry, authenticator auth.Authenticator, framer *wire.Framer, m *metrics.Counters, opts Options) *Server {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		registry: reg,
		auth:     authenticator,
		framer:   framer,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		queueLimit:   opts.OutboundQueueLimit,
		maxFrameSize: opts.MaxFrameSize,
	}
}

// ServeHTTP implements http.Handler, upgrading the request and
// running the connection's read/write pumps until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		serveFallback(w, http.StatusBadRequest, "websocket upgrade failed")
		return
	}

	conn := newConnection(wsConn, s.queueLimit, s.metrics)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	logger.Transport().Info().Str("connection", conn.id).Str("remote", conn.remote).Msg("connection opened")

	go conn.writePump()

	attached := make(map[string]*hub.Document)
	defer s.detachAll(conn, attached)

	conn.readPump(s.maxFrameSize, func(raw []byte) error {
		return s.handleFrame(r.Context(), conn, attached, raw)
	})

	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
	logger.Transport().Info().Str("connection", conn.id).Msg("connection closed")
}

// handleFrame decodes one envelope and dispatches it per spec.md
// §4.2/§4.3's protocol state machine.
func (s *Server) handleFrame(ctx context.Context, conn *Connection, attached map[string]*hub.Document, raw []byte) error {
	frame, err := s.framer.DecodeEnvelope(raw)
	if err != nil {
		return huberrors.Newf(huberrors.ProtocolError, "decode envelope").WithDetails(err.Error())
	}

	if frame.Type == wire.Auth {
		return s.handleAuth(ctx, conn, attached, frame)
	}

	doc, ok := attached[frame.DocumentName]
	if !ok {
		// spec.md §4.3: a non-Auth frame for a document this connection
		// hasn't authenticated is fatal to that attachment only, and
		// there is no attachment here to begin with, so the frame is
		// simply dropped. Frames for the socket's other authenticated
		// documents must keep flowing (end-to-end scenario 6).
		logger.Transport().Warn().Str("connection", conn.id).Str("document", frame.DocumentName).
			Msg("dropping frame for unauthenticated document")
		return nil
	}

	switch frame.Type {
	case wire.LoroUpdate:
		update, err := wire.DecodeLoroUpdate(frame.Payload)
		if err != nil {
			return huberrors.Newf(huberrors.ProtocolError, "decode update").WithDocument(frame.DocumentName).WithDetails(err.Error())
		}
		doc.HandleClientUpdate(update, conn)
		return nil

	case wire.LoroSyncRequest:
		vv, err := wire.DecodeSyncRequest(frame.Payload)
		if err != nil {
			return huberrors.Newf(huberrors.ProtocolError, "decode sync request").WithDocument(frame.DocumentName).WithDetails(err.Error())
		}
		return doc.HandleSyncRequest(vv, conn)

	case wire.LoroEphemeral:
		delta, err := wire.DecodeEphemeral(frame.Payload)
		if err != nil {
			return huberrors.Newf(huberrors.ProtocolError, "decode ephemeral delta").WithDocument(frame.DocumentName).WithDetails(err.Error())
		}
		doc.HandleEphemeral(delta, conn)
		return nil

	case wire.LoroSyncBatch:
		return huberrors.Newf(huberrors.ProtocolError, "LoroSyncBatch is server-to-client only").WithDocument(frame.DocumentName)

	default:
		return huberrors.Newf(huberrors.ProtocolError, "unhandled message type %s", frame.Type).WithDocument(frame.DocumentName)
	}
}

// handleAuth implements spec.md §4.2's admission step: authenticate
// the token against the document, and on denial reply with a
// PermissionDenied Auth frame. On success acquire the document, attach
// the connection so it starts receiving broadcasts, and reply with an
// Authenticated Auth frame.
func (s *Server) handleAuth(ctx context.Context, conn *Connection, attached map[string]*hub.Document, frame wire.Frame) error {
	req, err := wire.DecodeAuthRequest(frame.Payload)
	if err != nil {
		return huberrors.Newf(huberrors.ProtocolError, "decode auth request").WithDetails(err.Error())
	}

	decision, err := s.auth.Authenticate(ctx, frame.DocumentName, req.Token)
	if err != nil {
		return huberrors.Newf(huberrors.AuthDenied, "authenticator error").WithDocument(frame.DocumentName).WithDetails(err.Error())
	}

	if !decision.Allow {
		reply := wire.EncodeAuthReply(wire.AuthReply{Code: wire.PermissionDenied, Reason: decision.Reason})
		_ = conn.Send(s.framer.EncodeEnvelope(frame.DocumentName, wire.Auth, reply))
		return nil
	}

	doc, err := s.registry.Acquire(ctx, frame.DocumentName)
	if err != nil {
		return huberrors.Newf(huberrors.LoadFailure, "acquire document %s", frame.DocumentName).WithDocument(frame.DocumentName).WithDetails(err.Error())
	}

	conn.authorize(frame.DocumentName, decision.Scope)
	doc.Attach(conn)
	attached[frame.DocumentName] = doc

	reply := wire.EncodeAuthReply(wire.AuthReply{Code: wire.Authenticated})
	return conn.Send(s.framer.EncodeEnvelope(frame.DocumentName, wire.Auth, reply))
}

// detachAll releases every document this connection attached to,
// mirroring Hub.unregister's cleanup.
func (s *Server) detachAll(conn *Connection, attached map[string]*hub.Document) {
	for name, doc := range attached {
		doc.Detach(conn)
		s.registry.Release(name)
	}
}
