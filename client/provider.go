package client

import (
	"context"
	"sync"
	"time"

	"github.com/Polqt/lorohub/internal/crdt"
	"github.com/Polqt/lorohub/internal/ephemeral"
	"github.com/Polqt/lorohub/internal/wire"
)

// DefaultForceSyncInterval is the periodic LoroSyncRequest interval
// used when Config.ForceSyncInterval is zero and force-sync isn't
// explicitly disabled (spec.md §4.7 point 9).
const DefaultForceSyncInterval = 15 * time.Second

// Config tunes a Provider. The zero value uses DefaultForceSyncInterval;
// set DisableForceSync to turn the keep-alive timer off entirely
// (spec.md's "forceSyncInterval=false").
type Config struct {
	ForceSyncInterval time.Duration
	DisableForceSync  bool
}

func (c Config) normalize() Config {
	if c.ForceSyncInterval <= 0 && !c.DisableForceSync {
		c.ForceSyncInterval = DefaultForceSyncInterval
	}
	return c
}

// Provider is the client-side orchestrator from spec.md §4.7: one
// instance per (document, socket) pair, bridging a local CRDT replica
// and an optional ephemeral store to the wire protocol carried by a
// SharedSocket.
type Provider struct {
	documentName string
	socket       *SharedSocket
	replica      crdt.Replica
	store        ephemeral.Store // nil means no ephemeral participation
	tokens       TokenSource
	cfg          Config
	listener     Listener // caller-supplied lifecycle re-emission target

	mu             sync.Mutex
	ctx            context.Context
	attached       bool
	destroyed      bool
	unsubLocal     crdt.UnsubscribeFunc
	unsubEphemeral ephemeral.UnsubscribeFunc
	stopSync       chan struct{}
}

// New constructs a Provider for documentName over socket. store may be
// nil (no ephemeral participation); tokens may be nil (no Auth token
// is ever sent, relying on server policy to admit untokened clients).
func New(documentName string, socket *SharedSocket, replica crdt.Replica, store ephemeral.Store, tokens TokenSource, listener Listener, cfg Config) *Provider {
	return &Provider{
		documentName: documentName,
		socket:       socket,
		replica:      replica,
		store:        store,
		tokens:       tokens,
		cfg:          cfg.normalize(),
		listener:     listener,
	}
}

// Attach wires the local-update/ephemeral subscriptions, joins the
// shared socket, and (once the socket is open) sends Auth followed by
// a LoroSyncRequest carrying the replica's current version. Idempotent:
// calling Attach while already attached is a no-op.
func (p *Provider) Attach(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	if p.attached {
		p.mu.Unlock()
		return nil
	}
	p.ctx = ctx
	p.attached = true
	p.unsubLocal = p.replica.SubscribeLocalUpdates(p.onLocalUpdate)
	if p.store != nil {
		p.unsubEphemeral = p.store.SubscribeLocalUpdates(p.onLocalEphemeral)
	}
	p.mu.Unlock()

	socketListener := Listener{
		OnOpen:       p.onSocketOpen,
		OnStatus:     p.listener.OnStatus,
		OnClose:      p.listener.OnClose,
		OnDisconnect: p.listener.OnDisconnect,
	}
	if err := p.socket.acquire(p.documentName, p, socketListener); err != nil {
		p.mu.Lock()
		p.attached = false
		p.mu.Unlock()
		return err
	}

	if !p.cfg.DisableForceSync {
		p.startForceSync()
	}
	return nil
}

// Detach unsubscribes from the replica/ephemeral store, stops the
// force-sync timer, and releases the shared socket, without marking
// the Provider as permanently destroyed. Idempotent.
func (p *Provider) Detach() {
	p.mu.Lock()
	if !p.attached {
		p.mu.Unlock()
		return
	}
	p.attached = false
	unsubLocal := p.unsubLocal
	unsubEphemeral := p.unsubEphemeral
	p.unsubLocal = nil
	p.unsubEphemeral = nil
	stopSync := p.stopSync
	p.stopSync = nil
	p.mu.Unlock()

	if stopSync != nil {
		close(stopSync)
	}
	if unsubLocal != nil {
		unsubLocal()
	}
	if unsubEphemeral != nil {
		unsubEphemeral()
	}
	p.socket.release(p.documentName, p)
}

// Destroy detaches and marks the Provider permanently unusable.
// Idempotent; re-calling Attach after Destroy is a no-op.
func (p *Provider) Destroy() {
	p.Detach()
	p.mu.Lock()
	already := p.destroyed
	p.destroyed = true
	p.mu.Unlock()
	if !already {
		p.listener.emitDestroy()
	}
}

// send encodes and forwards payload through the shared socket. A
// detached Provider silently drops outbound sends, per spec.md §4.7's
// "send() silently no-ops while detached".
func (p *Provider) send(typ wire.MessageType, payload []byte) error {
	p.mu.Lock()
	attached := p.attached
	p.mu.Unlock()
	if !attached {
		return nil
	}
	return p.socket.send(p.documentName, typ, payload)
}

func (p *Provider) onLocalUpdate(update []byte) {
	_ = p.send(wire.LoroUpdate, wire.EncodeLoroUpdate(update))
}

func (p *Provider) onLocalEphemeral(delta []byte) {
	_ = p.send(wire.LoroEphemeral, wire.EncodeEphemeral(delta))
}

// onSocketOpen fetches the current token (if any), sends Auth, then
// requests a sync against the replica's current version vector.
func (p *Provider) onSocketOpen() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	token := ""
	if p.tokens != nil {
		if t, err := p.tokens.Token(ctx); err == nil {
			token = t
		}
		// A failed producer means "no token available" (spec.md §4.8);
		// the flow proceeds with an empty token rather than aborting.
	}
	_ = p.send(wire.Auth, wire.EncodeAuthRequest(wire.AuthRequest{Token: token}))
	p.requestSync()

	if p.listener.OnOpen != nil {
		p.listener.OnOpen()
	}
}

func (p *Provider) requestSync() {
	vvJSON, err := p.replica.Version().MarshalCanonicalJSON()
	if err != nil {
		vvJSON = ""
	}
	_ = p.send(wire.LoroSyncRequest, wire.EncodeSyncRequest(vvJSON))
}

func (p *Provider) startForceSync() {
	stop := make(chan struct{})
	p.mu.Lock()
	p.stopSync = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.cfg.ForceSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.requestSync()
			case <-stop:
				return
			}
		}
	}()
}

// handleInbound dispatches one decoded frame addressed to this
// Provider's document, per spec.md §4.7 points 5-8.
func (p *Provider) handleInbound(frame wire.Frame) {
	switch frame.Type {
	case wire.LoroUpdate:
		update, err := wire.DecodeLoroUpdate(frame.Payload)
		if err != nil {
			return
		}
		_, _ = p.replica.Import(update)

	case wire.LoroSyncBatch:
		batch, err := wire.DecodeSyncBatch(frame.Payload)
		if err != nil {
			return
		}
		for _, update := range batch {
			_, _ = p.replica.Import(update)
		}

	case wire.LoroEphemeral:
		if p.store == nil {
			return
		}
		delta, err := wire.DecodeEphemeral(frame.Payload)
		if err != nil {
			return
		}
		_ = p.store.Apply(delta)

	case wire.Auth:
		reply, err := wire.DecodeAuthReply(frame.Payload)
		if err != nil {
			return
		}
		if p.listener.OnStatus != nil {
			if reply.Code == wire.Authenticated {
				p.listener.OnStatus("authenticated")
			} else {
				p.listener.OnStatus("auth-denied: " + reply.Reason)
			}
		}
	}
}

// IsAttached reports whether Attach has been called without a
// matching Detach/Destroy since.
func (p *Provider) IsAttached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}
