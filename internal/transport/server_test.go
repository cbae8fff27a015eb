package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/lorohub/internal/auth"
	"github.com/Polqt/lorohub/internal/crdt"
	"github.com/Polqt/lorohub/internal/persistence"
	"github.com/Polqt/lorohub/internal/registry"
	"github.com/Polqt/lorohub/internal/wire"
)

func testServer(t *testing.T, authenticator auth.Authenticator) (*httptest.Server, *registry.Registry) {
	t.Helper()
	factory := func() crdt.Replica {
		return crdt.NewMockReplica("server")
	}
	reg := registry.New(factory, persistence.NewMemoryHooks(), &wire.Framer{}, nil, registry.Config{})
	srv := NewServer(reg, authenticator, &wire.Framer{}, nil, Options{OutboundQueueLimit: 32})

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return httpSrv, reg
}

func dial(t *testing.T, httpSrv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAuth(t *testing.T, conn *gorillaws.Conn, framer *wire.Framer, document, token string) {
	t.Helper()
	payload := wire.EncodeAuthRequest(wire.AuthRequest{Token: token})
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, framer.EncodeEnvelope(document, wire.Auth, payload)))
}

func readFrame(t *testing.T, conn *gorillaws.Conn, framer *wire.Framer) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := framer.DecodeEnvelope(raw)
	require.NoError(t, err)
	return frame
}

func TestAuthAcceptedAttachesConnection(t *testing.T) {
	httpSrv, _ := testServer(t, auth.AllowAll)
	conn := dial(t, httpSrv)
	framer := &wire.Framer{}

	sendAuth(t, conn, framer, "doc-1", "any-token")

	frame := readFrame(t, conn, framer)
	assert.Equal(t, wire.Auth, frame.Type)
	reply, err := wire.DecodeAuthReply(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.Authenticated, reply.Code)
}

func TestAuthDeniedKeepsSocketOpen(t *testing.T) {
	authenticator := &auth.StaticTokens{Tokens: map[string]string{"good": "rw"}}
	httpSrv, _ := testServer(t, authenticator)
	conn := dial(t, httpSrv)
	framer := &wire.Framer{}

	sendAuth(t, conn, framer, "doc-1", "bad-token")

	frame := readFrame(t, conn, framer)
	reply, err := wire.DecodeAuthReply(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.PermissionDenied, reply.Code)

	// Socket stays open: a second Auth attempt for a different
	// document still gets processed.
	sendAuth(t, conn, framer, "doc-2", "good")
	frame2 := readFrame(t, conn, framer)
	reply2, err := wire.DecodeAuthReply(frame2.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.Authenticated, reply2.Code)
}

func TestUpdateBroadcastsToOtherConnectionExcludingOrigin(t *testing.T) {
	httpSrv, _ := testServer(t, auth.AllowAll)
	framer := &wire.Framer{}

	connA := dial(t, httpSrv)
	sendAuth(t, connA, framer, "doc-1", "tok")
	readFrame(t, connA, framer) // auth reply

	connB := dial(t, httpSrv)
	sendAuth(t, connB, framer, "doc-1", "tok")
	readFrame(t, connB, framer) // auth reply

	remote := crdt.NewMockReplica("peer-a")
	update := remote.LocalUpdate([]byte("hello"))
	require.NoError(t, connA.WriteMessage(gorillaws.BinaryMessage,
		framer.EncodeEnvelope("doc-1", wire.LoroUpdate, wire.EncodeLoroUpdate(update))))

	frame := readFrame(t, connB, framer)
	assert.Equal(t, wire.LoroUpdate, frame.Type)
	got, err := wire.DecodeLoroUpdate(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, update, got)

	connA.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = connA.ReadMessage()
	assert.Error(t, err, "origin must not receive its own update back")
}

func TestSyncRequestReturnsBatch(t *testing.T) {
	httpSrv, _ := testServer(t, auth.AllowAll)
	framer := &wire.Framer{}

	conn := dial(t, httpSrv)
	sendAuth(t, conn, framer, "doc-1", "tok")
	readFrame(t, conn, framer)

	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage,
		framer.EncodeEnvelope("doc-1", wire.LoroSyncRequest, wire.EncodeSyncRequest(""))))

	frame := readFrame(t, conn, framer)
	assert.Equal(t, wire.LoroSyncBatch, frame.Type)
	batch, err := wire.DecodeSyncBatch(frame.Payload)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestEphemeralBroadcastsExcludingOrigin(t *testing.T) {
	httpSrv, _ := testServer(t, auth.AllowAll)
	framer := &wire.Framer{}

	connA := dial(t, httpSrv)
	sendAuth(t, connA, framer, "doc-1", "tok")
	readFrame(t, connA, framer)

	connB := dial(t, httpSrv)
	sendAuth(t, connB, framer, "doc-1", "tok")
	readFrame(t, connB, framer)

	require.NoError(t, connA.WriteMessage(gorillaws.BinaryMessage,
		framer.EncodeEnvelope("doc-1", wire.LoroEphemeral, wire.EncodeEphemeral([]byte("cursor")))))

	frame := readFrame(t, connB, framer)
	assert.Equal(t, wire.LoroEphemeral, frame.Type)
	delta, err := wire.DecodeEphemeral(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("cursor"), delta)
}

func TestProtocolErrorClosesWithPrivateCloseCode(t *testing.T) {
	httpSrv, _ := testServer(t, auth.AllowAll)
	conn := dial(t, httpSrv)

	// Empty frame: undecodable envelope (no document name).
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, []byte{}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*gorillaws.CloseError)
	require.True(t, ok, "expected a websocket close error, got %T: %v", err, err)
	assert.Equal(t, 4000, closeErr.Code)
}

func TestFrameForUnauthenticatedDocumentIsDroppedWithoutClosingSocket(t *testing.T) {
	httpSrv, _ := testServer(t, auth.AllowAll)
	framer := &wire.Framer{}
	conn := dial(t, httpSrv)

	// Stray update for a document this connection never authenticated.
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage,
		framer.EncodeEnvelope("doc-unauthed", wire.LoroUpdate, wire.EncodeLoroUpdate([]byte("x")))))

	// The socket stays open: an Auth for a different document still
	// gets processed and replied to (spec.md §4.3, end-to-end scenario
	// 6 — only the offending attachment is affected, not the socket).
	sendAuth(t, conn, framer, "doc-1", "any-token")
	frame := readFrame(t, conn, framer)
	assert.Equal(t, wire.Auth, frame.Type)
	reply, err := wire.DecodeAuthReply(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.Authenticated, reply.Code)
}

func TestStrayFrameOnOneDocumentDoesNotAffectOtherAttachedDocuments(t *testing.T) {
	httpSrv, _ := testServer(t, auth.AllowAll)
	framer := &wire.Framer{}

	connA := dial(t, httpSrv)
	sendAuth(t, connA, framer, "doc-1", "tok")
	readFrame(t, connA, framer) // auth reply

	connB := dial(t, httpSrv)
	sendAuth(t, connB, framer, "doc-1", "tok")
	readFrame(t, connB, framer) // auth reply

	// connA sends a stray update for doc-2, which it never authenticated.
	require.NoError(t, connA.WriteMessage(gorillaws.BinaryMessage,
		framer.EncodeEnvelope("doc-2", wire.LoroUpdate, wire.EncodeLoroUpdate([]byte("stray")))))

	// doc-1 traffic still flows across the same multiplexed socket.
	remote := crdt.NewMockReplica("peer-a")
	update := remote.LocalUpdate([]byte("hello"))
	require.NoError(t, connA.WriteMessage(gorillaws.BinaryMessage,
		framer.EncodeEnvelope("doc-1", wire.LoroUpdate, wire.EncodeLoroUpdate(update))))

	frame := readFrame(t, connB, framer)
	assert.Equal(t, wire.LoroUpdate, frame.Type)
	got, err := wire.DecodeLoroUpdate(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, update, got)
}
