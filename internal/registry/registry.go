// Package registry implements the document registry (spec.md §4.5):
// load-on-demand, reference counting across attached connections, and
// idle unload once a document's connection count reaches zero.
//
// session.Hub kept a flat map[string]*Document under a single mutex;
// this generalizes that with reference counting and debounced unload,
// plus the streamspace API's plugins.PluginScheduler pattern for
// driving a periodic sweep off a single shared robfig/cron/v3 instance
// instead of one goroutine per document.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Polqt/lorohub/internal/crdt"
	"github.com/Polqt/lorohub/internal/hub"
	"github.com/Polqt/lorohub/internal/logger"
	"github.com/Polqt/lorohub/internal/metrics"
	"github.com/Polqt/lorohub/internal/persistence"
	"github.com/Polqt/lorohub/internal/wire"
)

// DefaultUnloadDelay is how long a document with zero attached
// connections waits before it is unloaded, per spec.md §6.4.
const DefaultUnloadDelay = 30 * time.Second

// DefaultSweepInterval is how often the backstop cron sweep runs,
// independent of each document's own unload timer.
const DefaultSweepInterval = 15 * time.Second

// Config bundles registry-wide tunables.
type Config struct {
	UnloadDelay   time.Duration
	SweepInterval time.Duration
	Document      hub.Config
}

func (c Config) normalize() Config {
	if c.UnloadDelay <= 0 {
		c.UnloadDelay = DefaultUnloadDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type entry struct {
	doc       *hub.Document
	refCount  int
	unloadAt  time.Time // zero means not scheduled
	destroyed bool
}

// Registry owns every loaded Document, keyed by name. A document is
// loaded on first Acquire and unloaded cfg.UnloadDelay (default
// DefaultUnloadDelay) after its last Release, with a periodic sweep as
// a backstop against timers
// that never fired (e.g. after a missed wakeup).
type Registry struct {
	cfg     Config
	factory crdt.Factory
	hooks   persistence.Hooks
	metrics *metrics.Counters
	framer  *wire.Framer

	mu       sync.Mutex
	entries  map[string]*entry
	inFlight map[string]chan struct{} // load coalescing, see Acquire

	cron *cron.Cron
}

// New constructs a Registry. factory produces a fresh Replica for
// brand-new documents; hooks is the persistence backend every document
// loads from and stores to; framer encodes the envelopes each
// Document's broadcasts are wrapped in.
func New(factory crdt.Factory, hooks persistence.Hooks, framer *wire.Framer, m *metrics.Counters, cfg Config) *Registry {
	r := &Registry{
		cfg:      cfg.normalize(),
		factory:  factory,
		hooks:    hooks,
		metrics:  m,
		framer:   framer,
		entries:  make(map[string]*entry),
		inFlight: make(map[string]chan struct{}),
		cron:     cron.New(),
	}
	return r
}

// Start launches the backstop sweep on the registry's own cron
// schedule. Safe to call once; a second call is a no-op.
func (r *Registry) Start() {
	if len(r.cron.Entries()) > 0 {
		return
	}
	spec := fmt.Sprintf("@every %s", r.cfg.SweepInterval)
	if _, err := r.cron.AddFunc(spec, r.sweep); err != nil {
		// @every accepts any parseable duration string, so this can
		// only fail if SweepInterval somehow normalized to zero.
		logger.Hub().Error().Err(err).Msg("registry: failed to schedule idle sweep")
		return
	}
	r.cron.Start()
}

// Stop halts the sweep. Loaded documents are left as-is; callers that
// want a clean shutdown should flush them explicitly (see Shutdown).
func (r *Registry) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Shutdown stops the sweep and flushes every loaded document to
// persistence, for use during graceful server shutdown.
func (r *Registry) Shutdown(ctx context.Context) {
	r.Stop()

	r.mu.Lock()
	docs := make([]*hub.Document, 0, len(r.entries))
	for _, e := range r.entries {
		docs = append(docs, e.doc)
	}
	r.mu.Unlock()

	for _, d := range docs {
		if err := d.FlushAndStop(ctx); err != nil {
			logger.Hub().Error().Err(err).Str("document", d.Name()).Msg("registry: flush on shutdown failed")
		}
	}
}

// Acquire returns the Document for name, loading it on first access.
// Concurrent Acquire calls for the same never-yet-loaded name
// coalesce onto a single Load (spec.md §4.5's "in-flight load"
// requirement); no example repo in this module's lineage imports
// golang.org/x/sync/singleflight, so this hand-rolls the same
// single-flight shape with a map of wait channels (see DESIGN.md).
func (r *Registry) Acquire(ctx context.Context, name string) (*hub.Document, error) {
	for {
		r.mu.Lock()
		if e, ok := r.entries[name]; ok {
			e.refCount++
			e.unloadAt = time.Time{}
			r.mu.Unlock()
			return e.doc, nil
		}
		if wait, loading := r.inFlight[name]; loading {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		wait := make(chan struct{})
		r.inFlight[name] = wait
		r.mu.Unlock()

		doc, err := r.load(ctx, name)

		r.mu.Lock()
		delete(r.inFlight, name)
		if err == nil {
			r.entries[name] = &entry{doc: doc, refCount: 1}
			if r.metrics != nil {
				r.metrics.DocumentLoaded()
			}
		}
		r.mu.Unlock()
		close(wait)

		return doc, err
	}
}

func (r *Registry) load(ctx context.Context, name string) (*hub.Document, error) {
	doc, err := hub.Load(ctx, name, r.factory, r.hooks, r.framer, r.cfg.Document, r.metrics, nil)
	if err != nil {
		return nil, err
	}
	doc.OnDestroyed(func(d *hub.Document, cause error) {
		r.forceUnload(d.Name(), cause)
	})
	return doc, nil
}

// Release drops a reference to name's document. Once the reference
// count reaches zero, the document is scheduled for unload after
// cfg.UnloadDelay rather than unloaded immediately, so a quick
// reconnect (e.g. a page refresh) doesn't thrash persistence.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		e.refCount = 0
		e.unloadAt = time.Now().Add(r.cfg.UnloadDelay)
		time.AfterFunc(r.cfg.UnloadDelay, r.sweep)
	}
}

// sweep unloads every document whose scheduled unloadAt has passed.
// Each Release that drops a document to zero references arms a
// one-shot timer that runs sweep at that deadline; the cron schedule
// also runs it periodically as a backstop, so all unload decisions
// live in this one place.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	due := make([]string, 0)
	for name, e := range r.entries {
		if e.refCount == 0 && !e.unloadAt.IsZero() && !e.unloadAt.After(now) {
			due = append(due, name)
		}
	}
	r.mu.Unlock()

	for _, name := range due {
		r.unload(name)
	}
}

// unload flushes and removes name's document, provided it is still
// eligible (refCount still zero; a racing Acquire may have revived it
// since the sweep decided to unload).
func (r *Registry) unload(name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || e.refCount != 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, name)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	persistence.CallBeforeUnload(ctx, r.hooks, name)
	if err := e.doc.FlushAndStop(ctx); err != nil {
		logger.Hub().Error().Err(err).Str("document", name).Msg("registry: flush on unload failed")
	}
	persistence.CallAfterUnload(ctx, r.hooks, name)

	if r.metrics != nil {
		r.metrics.DocumentUnloaded()
	}
}

// forceUnload removes a document's registry entry immediately after a
// fatal StoreFailure (spec.md's error taxonomy), skipping the usual
// reference-count grace period since the document can no longer
// safely accept writes. By the time this runs, the Document itself
// has already force-closed every attached connection with
// CloseStoreFailure; this only drops the now-dead entry.
func (r *Registry) forceUnload(name string, cause error) {
	r.mu.Lock()
	_, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	logger.Hub().Error().Err(cause).Str("document", name).Msg("registry: force-unloading document after fatal error")
	if r.metrics != nil {
		r.metrics.DocumentUnloaded()
	}
}

// Loaded reports whether name currently has a loaded Document, for
// tests and diagnostics.
func (r *Registry) Loaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// RefCount reports name's current reference count (0 if not loaded).
func (r *Registry) RefCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return 0
	}
	return e.refCount
}

// Admin is a narrow interface for operator tooling that needs to
// inject a server-originated update (spec.md §4.6's "server itself
// introduces an update" case, e.g. reconciling a document against an
// out-of-band snapshot) without otherwise touching the registry.
type Admin interface {
	InjectUpdate(ctx context.Context, documentName string, update []byte) error
}

// Admin returns this Registry's Admin view.
func (r *Registry) Admin() Admin { return (*adminView)(r) }

type adminView Registry

// InjectUpdate acquires documentName (loading it if necessary),
// injects update with a nil origin so it fans out to every attached
// connection, and releases the reference it took.
func (a *adminView) InjectUpdate(ctx context.Context, documentName string, update []byte) error {
	r := (*Registry)(a)
	doc, err := r.Acquire(ctx, documentName)
	if err != nil {
		return err
	}
	defer r.Release(documentName)
	doc.InjectServerUpdate(update)
	return nil
}
