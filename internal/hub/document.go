// Package hub implements the per-document synchronization engine
// (spec.md §4.4, §4.6): the authoritative server-side CRDT replica,
// the connection set, the version-vector sync algorithm, origin-eliding
// broadcast, and persistence coalescing.
//
// Document's connection set and broadcast shape follow the
// session.Hub/session.Document/session.Session trio in
// Polqt-golang-journey/projects/03-crdt-collab-backend/session,
// generalized from that package's hand-rolled RGA text CRDT to the
// external crdt.Replica capability interface spec.md §6.2 requires.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/Polqt/lorohub/internal/crdt"
	huberrors "github.com/Polqt/lorohub/internal/errors"
	"github.com/Polqt/lorohub/internal/logger"
	"github.com/Polqt/lorohub/internal/metrics"
	"github.com/Polqt/lorohub/internal/persistence"
	"github.com/Polqt/lorohub/internal/wire"
)

// Connection is the contract Document needs from a transport peer,
// mirroring session.Sender so Document never depends on the WebSocket
// layer directly.
type Connection interface {
	// ID uniquely identifies this connection, used for origin
	// elision (object identity in spec.md; Go interfaces compare by
	// identity-plus-type, so a string ID keeps the set/map logic
	// simple and avoids relying on pointer equality semantics that
	// would break if a Connection were ever passed by value).
	ID() string
	// Send enqueues frame for transmission. Implementations must be
	// safe to call concurrently with themselves and must not block
	// the caller on network I/O — back-pressure is the transport
	// layer's concern (spec.md §4.3).
	Send(frame []byte) error
	// Close force-closes the connection with an application close
	// code, used when a Document tears itself down after a fatal
	// StoreFailure (spec.md §4.4 step 5, §7).
	Close(code huberrors.CloseCode, reason string)
}

// Config bundles the tunables spec.md §6.4 and §4.4 name for a single
// Document. Zero values fall back to spec defaults via Normalize.
type Config struct {
	Debounce           time.Duration
	MaxDebounce        time.Duration
	MaxDocumentNameLen int
}

// Normalize returns a copy of c with zero fields replaced by spec.md
// defaults (2s / 10s).
func (c Config) Normalize() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MaxDebounce <= 0 {
		c.MaxDebounce = 10 * time.Second
	}
	return c
}

// UpdateCallback is invoked after a client update has been applied
// and broadcast, mirroring spec.md §4.4's "Invoke onLoroUpdate
// callback" step. origin is nil when the hub itself introduced the
// update (spec.md §4.6's server-origin case).
type UpdateCallback func(doc *Document, origin Connection, update []byte)

// Document is the authoritative per-document state described in
// spec.md's Data Model: name, replica, connections, pendingUpdates,
// lastPersistedVV, and the persist-coalescing machinery, all guarded
// by a single logical lock per invariant and §5's concurrency model.
type Document struct {
	name        string
	cfg         Config
	framer      *wire.Framer
	hooks       persistence.Hooks
	metrics     *metrics.Counters
	onApply     UpdateCallback
	onDestroyed func(doc *Document, cause error)

	mu              sync.Mutex // the single logical lock (spec.md §5)
	replica         crdt.Replica
	connections     map[string]Connection
	pendingUpdates  [][]byte
	lastPersistedVV crdt.VV
	persistTimer    *time.Timer
	firstPendingAt  time.Time
	isLoading       bool
	isDestroyed     bool
	retryCount      int
	persisting      bool          // true while a StoreDocument call is in flight
	persistDone     chan struct{} // closed when the in-flight persist finishes
}

// OnDestroyed registers a callback fired once, from the persistence
// goroutine, when the document's retry budget is exhausted (spec.md's
// fatal StoreFailure path) — after Document has already force-closed
// every attached connection with CloseStoreFailure. The registry uses
// this callback only to drop its own entry for the document.
func (d *Document) OnDestroyed(fn func(doc *Document, cause error)) {
	d.mu.Lock()
	d.onDestroyed = fn
	d.mu.Unlock()
}

// New constructs a Document around an already-hydrated replica. Load
// hydrates a fresh replica from persistence.Hooks and calls New itself;
// the registry's load-on-demand path goes through Load.
func New(name string, replica crdt.Replica, framer *wire.Framer, hooks persistence.Hooks, cfg Config, m *metrics.Counters, onApply UpdateCallback) *Document {
	return &Document{
		name:            name,
		cfg:             cfg.Normalize(),
		framer:          framer,
		hooks:           hooks,
		metrics:         m,
		onApply:         onApply,
		replica:         replica,
		connections:     make(map[string]Connection),
		lastPersistedVV: crdt.VV{},
	}
}

// Name returns the document's registry key.
func (d *Document) Name() string { return d.name }

// Load hydrates replica from hooks.LoadDocument, importing each
// update blob (or the snapshot) in order, per spec.md §4.4 "Load".
func Load(ctx context.Context, name string, factory crdt.Factory, hooks persistence.Hooks, framer *wire.Framer, cfg Config, m *metrics.Counters, onApply UpdateCallback) (*Document, error) {
	result, err := hooks.LoadDocument(ctx, name)
	if err != nil {
		return nil, huberrors.Newf(huberrors.LoadFailure, "load %s", name).WithDocument(name).WithDetails(err.Error())
	}

	replica := factory()
	if len(result.Snapshot) > 0 {
		// The persistence coalescer stores a document's history as a
		// wire-encoded LoroSyncBatch (see internal/hub's persist.go),
		// so reloading unpacks it the same way a client sync reply
		// would be decoded.
		updates, err := wire.DecodeSyncBatch(result.Snapshot)
		if err != nil {
			return nil, huberrors.Newf(huberrors.LoadFailure, "decode snapshot for %s", name).WithDocument(name).WithDetails(err.Error())
		}
		result.Updates = append(updates, result.Updates...)
	}
	for i, u := range result.Updates {
		if _, err := replica.Import(u); err != nil {
			return nil, huberrors.Newf(huberrors.LoadFailure, "import update %d for %s", i, name).WithDocument(name).WithDetails(err.Error())
		}
	}

	doc := New(name, replica, framer, hooks, cfg, m, onApply)
	doc.lastPersistedVV = replica.Version()
	return doc, nil
}

// Attach adds conn to the document's connection set. O(1).
func (d *Document) Attach(conn Connection) {
	d.mu.Lock()
	d.connections[conn.ID()] = conn
	d.mu.Unlock()
}

// Detach removes conn from the connection set.
func (d *Document) Detach(conn Connection) {
	d.mu.Lock()
	delete(d.connections, conn.ID())
	d.mu.Unlock()
}

// ConnectionCount returns the number of attached connections.
func (d *Document) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections)
}

// PendingCount returns the number of updates accepted since the last
// successful persist. Used by the registry's unload-eligibility check
// (invariant 3).
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendingUpdates)
}

// IsDestroyed reports whether a fatal StoreFailure has torn this
// document down.
func (d *Document) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isDestroyed
}

// HandleClientUpdate implements spec.md §4.4's broadcast algorithm:
// import into replica, append to pendingUpdates, broadcast to every
// connection but origin, invoke onApply, arm the persist timer.
func (d *Document) HandleClientUpdate(update []byte, origin Connection) {
	d.mu.Lock()
	if _, err := d.replica.Import(update); err != nil {
		// ImportError: logged, not fatal. The update still ships to
		// peers — see spec.md §9 open question 2.
		logger.Hub().Warn().Err(err).Str("document", d.name).Msg("crdt import rejected update")
		if d.metrics != nil {
			d.metrics.ImportError()
		}
	}
	d.pendingUpdates = append(d.pendingUpdates, update)
	if d.firstPendingAt.IsZero() {
		d.firstPendingAt = time.Now()
	}
	conns := d.snapshotConnectionsLocked()
	d.armPersistLocked()
	d.mu.Unlock()

	var originID string
	if origin != nil {
		originID = origin.ID()
	}
	d.broadcast(conns, originID, wire.LoroUpdate, wire.EncodeLoroUpdate(update))

	if d.onApply != nil {
		d.onApply(d, origin, update)
	}
}

// HandleSyncRequest implements spec.md §4.4's sync algorithm: parse
// (or fall back to empty on parse failure) the requesting peer's
// version vector, diff against the replica, and reply only to origin
// with a LoroSyncBatch.
func (d *Document) HandleSyncRequest(vvJSON string, origin Connection) error {
	from, err := crdt.ParseVV(vvJSON)
	if err != nil {
		// Unparsable versionJSON: spec.md §9 open question 1 — fall
		// back to empty VV rather than failing the connection.
		logger.Sync().Warn().Err(err).Str("document", d.name).Msg("unparsable version vector, treating as empty")
		from = crdt.VV{}
	}

	d.mu.Lock()
	replica := d.replica
	d.mu.Unlock()

	updates, err := replica.Export(crdt.ExportRequest{Mode: crdt.ModeUpdate, From: from})
	if err != nil {
		return huberrors.Newf(huberrors.LoadFailure, "export sync batch").WithDocument(d.name).WithDetails(err.Error())
	}

	return origin.Send(d.framer.EncodeEnvelope(d.name, wire.LoroSyncBatch, wire.EncodeSyncBatch(updates)))
}

// HandleEphemeral implements spec.md §4.4: broadcast to every
// connection but origin; never stored, never fed through the
// persistence pipeline (invariant 5).
func (d *Document) HandleEphemeral(delta []byte, origin Connection) {
	d.mu.Lock()
	conns := d.snapshotConnectionsLocked()
	d.mu.Unlock()

	var originID string
	if origin != nil {
		originID = origin.ID()
	}
	d.broadcast(conns, originID, wire.LoroEphemeral, wire.EncodeEphemeral(delta))
}

// BroadcastStateless sends an out-of-band server push to every
// connection satisfying predicate (nil predicate means "all"),
// without touching replica or pendingUpdates state at all.
func (d *Document) BroadcastStateless(typ wire.MessageType, payload []byte, predicate func(Connection) bool) {
	d.mu.Lock()
	conns := d.snapshotConnectionsLocked()
	d.mu.Unlock()

	frame := d.framer.EncodeEnvelope(d.name, typ, payload)
	for _, c := range conns {
		if predicate != nil && !predicate(c) {
			continue
		}
		_ = c.Send(frame)
	}
}

// InjectServerUpdate applies an update with no originating connection
// (spec.md §4.6: "When the server itself introduces an update ...
// the origin is null and the update fans out to all connections"),
// e.g. after a persistence reload surfaces a differing snapshot.
func (d *Document) InjectServerUpdate(update []byte) {
	d.HandleClientUpdate(update, nil)
}

func (d *Document) snapshotConnectionsLocked() []Connection {
	conns := make([]Connection, 0, len(d.connections))
	for _, c := range d.connections {
		conns = append(conns, c)
	}
	return conns
}

// broadcast enqueues frame on every connection in conns except the one
// whose ID equals excludeID (origin elision, spec.md invariant 2).
func (d *Document) broadcast(conns []Connection, excludeID string, typ wire.MessageType, payload []byte) {
	frame := d.framer.EncodeEnvelope(d.name, typ, payload)
	sent := 0
	for _, c := range conns {
		if excludeID != "" && c.ID() == excludeID {
			continue
		}
		if err := c.Send(frame); err != nil {
			logger.Hub().Debug().Err(err).Str("document", d.name).Str("connection", c.ID()).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	if d.metrics != nil {
		d.metrics.BroadcastFanout(sent)
	}
}
