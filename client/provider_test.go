package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/lorohub/internal/crdt"
	"github.com/Polqt/lorohub/internal/ephemeral"
	"github.com/Polqt/lorohub/internal/wire"
)

// testPeer upgrades one connection and records every frame it
// receives, while letting the test push frames back at will.
type testPeer struct {
	received chan wire.Frame
	outbound chan []byte
}

func startTestPeer(t *testing.T, framer *wire.Framer) (*httptest.Server, *testPeer) {
	t.Helper()
	peer := &testPeer{
		received: make(chan wire.Frame, 16),
		outbound: make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for raw := range peer.outbound {
				if conn.WriteMessage(websocket.BinaryMessage, raw) != nil {
					return
				}
			}
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := framer.DecodeEnvelope(raw)
			if err != nil {
				continue
			}
			peer.received <- frame
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(peer.outbound) })
	return srv, peer
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func recvFrame(t *testing.T, ch chan wire.Frame) wire.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func TestAttachSendsAuthThenSyncRequest(t *testing.T) {
	framer := &wire.Framer{}
	srv, peer := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	p := New("doc-1", socket, replica, nil, StaticToken("tok-123"), Listener{}, Config{DisableForceSync: true})

	require.NoError(t, p.Attach(context.Background()))
	t.Cleanup(p.Destroy)

	authFrame := recvFrame(t, peer.received)
	assert.Equal(t, wire.Auth, authFrame.Type)
	req, err := wire.DecodeAuthRequest(authFrame.Payload)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", req.Token)

	syncFrame := recvFrame(t, peer.received)
	assert.Equal(t, wire.LoroSyncRequest, syncFrame.Type)
	vvJSON, err := wire.DecodeSyncRequest(syncFrame.Payload)
	require.NoError(t, err)
	vv, err := crdt.ParseVV(vvJSON)
	require.NoError(t, err)
	assert.Empty(t, vv)
}

func TestFailingTokenSourceProceedsWithEmptyToken(t *testing.T) {
	framer := &wire.Framer{}
	srv, peer := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	failing := SyncTokenFunc(func() (string, error) { return "", errors.New("token store down") })
	p := New("doc-1", socket, replica, nil, failing, Listener{}, Config{DisableForceSync: true})

	require.NoError(t, p.Attach(context.Background()))
	t.Cleanup(p.Destroy)

	authFrame := recvFrame(t, peer.received)
	req, err := wire.DecodeAuthRequest(authFrame.Payload)
	require.NoError(t, err)
	assert.Empty(t, req.Token)
}

func TestLocalReplicaUpdatePublishesLoroUpdate(t *testing.T) {
	framer := &wire.Framer{}
	srv, peer := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	p := New("doc-1", socket, replica, nil, StaticToken("tok"), Listener{}, Config{DisableForceSync: true})
	require.NoError(t, p.Attach(context.Background()))
	t.Cleanup(p.Destroy)

	recvFrame(t, peer.received) // auth
	recvFrame(t, peer.received) // sync request

	update := replica.LocalUpdate([]byte("hello"))

	frame := recvFrame(t, peer.received)
	assert.Equal(t, wire.LoroUpdate, frame.Type)
	got, err := wire.DecodeLoroUpdate(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, update, got)
}

func TestInboundSyncBatchImportsEveryUpdateInOrder(t *testing.T) {
	framer := &wire.Framer{}
	srv, peer := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	p := New("doc-1", socket, replica, nil, StaticToken("tok"), Listener{}, Config{DisableForceSync: true})
	require.NoError(t, p.Attach(context.Background()))
	t.Cleanup(p.Destroy)

	recvFrame(t, peer.received) // auth
	recvFrame(t, peer.received) // sync request

	remote := crdt.NewMockReplica("peer-b")
	u1 := remote.LocalUpdate([]byte("a"))
	u2 := remote.LocalUpdate([]byte("b"))

	peer.outbound <- framer.EncodeEnvelope("doc-1", wire.LoroSyncBatch, wire.EncodeSyncBatch([][]byte{u1, u2}))

	require.Eventually(t, func() bool {
		return replica.Version()["peer-b"] == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboundEphemeralAppliesToStore(t *testing.T) {
	framer := &wire.Framer{}
	srv, peer := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	store := ephemeral.NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)
	p := New("doc-1", socket, replica, store, StaticToken("tok"), Listener{}, Config{DisableForceSync: true})
	require.NoError(t, p.Attach(context.Background()))
	t.Cleanup(p.Destroy)

	recvFrame(t, peer.received) // auth
	recvFrame(t, peer.received) // sync request

	delta := ephemeral.EncodeDelta("cursor", []byte("42"))
	peer.outbound <- framer.EncodeEnvelope("doc-1", wire.LoroEphemeral, wire.EncodeEphemeral(delta))

	require.Eventually(t, func() bool {
		return store.Encode("cursor") != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalEphemeralUpdatePublishesLoroEphemeral(t *testing.T) {
	framer := &wire.Framer{}
	srv, peer := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	store := ephemeral.NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)
	p := New("doc-1", socket, replica, store, StaticToken("tok"), Listener{}, Config{DisableForceSync: true})
	require.NoError(t, p.Attach(context.Background()))
	t.Cleanup(p.Destroy)

	recvFrame(t, peer.received) // auth
	recvFrame(t, peer.received) // sync request

	store.Set("cursor", []byte("7"))

	frame := recvFrame(t, peer.received)
	assert.Equal(t, wire.LoroEphemeral, frame.Type)
}

func TestDetachStopsOutboundSends(t *testing.T) {
	framer := &wire.Framer{}
	srv, peer := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	p := New("doc-1", socket, replica, nil, StaticToken("tok"), Listener{}, Config{DisableForceSync: true})
	require.NoError(t, p.Attach(context.Background()))

	recvFrame(t, peer.received) // auth
	recvFrame(t, peer.received) // sync request

	p.Detach()
	assert.False(t, p.IsAttached())

	replica.LocalUpdate([]byte("after-detach"))

	select {
	case <-peer.received:
		t.Fatal("expected no frame after detach")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDestroyIsIdempotentAndCallsOnDestroyOnce(t *testing.T) {
	framer := &wire.Framer{}
	srv, _ := startTestPeer(t, framer)

	socket := NewSharedSocket(wsURL(srv.URL), framer)
	replica := crdt.NewMockReplica("client-a")
	destroyed := 0
	listener := Listener{OnDestroy: func() { destroyed++ }}
	p := New("doc-1", socket, replica, nil, StaticToken("tok"), listener, Config{DisableForceSync: true})
	require.NoError(t, p.Attach(context.Background()))

	p.Destroy()
	p.Destroy()
	assert.Equal(t, 1, destroyed)
	assert.False(t, p.IsAttached())

	require.NoError(t, p.Attach(context.Background()), "attach after destroy must be a harmless no-op")
	assert.False(t, p.IsAttached())
}
