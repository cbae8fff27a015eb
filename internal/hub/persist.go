package hub

import (
	"context"
	"time"

	"github.com/Polqt/lorohub/internal/crdt"
	huberrors "github.com/Polqt/lorohub/internal/errors"
	"github.com/Polqt/lorohub/internal/logger"
	"github.com/Polqt/lorohub/internal/wire"
)

// armPersistLocked (re)schedules the debounce timer per spec.md §4.4:
// each accepted update restarts a cfg.Debounce timer, but the timer is
// capped so a document under constant write pressure still persists
// at least every cfg.MaxDebounce, measured from firstPendingAt.
//
// Caller must hold d.mu.
func (d *Document) armPersistLocked() {
	if d.persistTimer != nil {
		d.persistTimer.Stop()
	}

	wait := d.cfg.Debounce
	if elapsed := time.Since(d.firstPendingAt); elapsed+wait > d.cfg.MaxDebounce {
		if remaining := d.cfg.MaxDebounce - elapsed; remaining > 0 {
			wait = remaining
		} else {
			wait = 0
		}
	}

	d.persistTimer = time.AfterFunc(wait, d.firePersist)
}

// waitForPersistGate blocks until no StoreDocument call is in flight
// for this document, then marks the gate held, and returns only once
// the caller is clear to persist. Callers must not already hold d.mu.
// This is the dedicated serialization point spec.md §5 requires
// ("persist operations serialize per Document"): the debounce timer
// and an explicit FlushAndStop can otherwise race the same
// StoreDocument call.
func (d *Document) waitForPersistGate() {
	d.mu.Lock()
	for d.persisting {
		done := d.persistDone
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}
	d.persisting = true
	d.persistDone = make(chan struct{})
	d.mu.Unlock()
}

// tryAcquirePersistGate is firePersist's non-blocking counterpart: a
// debounce tick should never block waiting on another persist, since
// the next tick (or the backoff retry) will simply pick up whatever
// is still pending.
func (d *Document) tryAcquirePersistGate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.persisting {
		return false
	}
	d.persisting = true
	d.persistDone = make(chan struct{})
	return true
}

// releasePersistGate clears the in-flight marker and wakes any
// waitForPersistGate callers blocked behind it.
func (d *Document) releasePersistGate() {
	d.mu.Lock()
	done := d.persistDone
	d.persisting = false
	d.persistDone = nil
	d.mu.Unlock()
	close(done)
}

// firePersist runs outside d.mu (time.AfterFunc callback) and performs
// the actual StoreDocument call, retrying with exponential backoff
// bounded at 3×MaxDebounce (spec.md §4.4's persistence coalescing
// note) before escalating to a fatal StoreFailure.
func (d *Document) firePersist() {
	d.mu.Lock()
	empty := d.isDestroyed || len(d.pendingUpdates) == 0
	pendingLen := len(d.pendingUpdates)
	replica := d.replica
	d.mu.Unlock()
	if empty {
		return
	}
	if !d.tryAcquirePersistGate() {
		// A flush is already in flight (e.g. FlushAndStop); this tick
		// will be superseded by that call's own persist.
		return
	}

	snapshot, err := replica.Export(crdt.ExportRequest{Mode: crdt.ModeUpdate})
	if err != nil {
		d.releasePersistGate()
		d.schedulePersistRetry(huberrors.Newf(huberrors.StoreFailure, "export snapshot for %s", d.name).WithDocument(d.name).WithDetails(err.Error()))
		return
	}

	blob := wire.EncodeSyncBatch(snapshot)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = d.hooks.StoreDocument(ctx, d.name, blob)
	cancel()
	if err != nil {
		d.releasePersistGate()
		d.schedulePersistRetry(huberrors.Newf(huberrors.StoreFailure, "store %s", d.name).WithDocument(d.name).WithDetails(err.Error()))
		return
	}

	d.mu.Lock()
	// Only drop the prefix that was actually persisted; a concurrent
	// HandleClientUpdate may have appended more while StoreDocument
	// was in flight.
	if pendingLen > len(d.pendingUpdates) {
		pendingLen = len(d.pendingUpdates)
	}
	d.pendingUpdates = d.pendingUpdates[pendingLen:]
	d.lastPersistedVV = replica.Version()
	d.retryCount = 0
	if len(d.pendingUpdates) > 0 {
		d.firstPendingAt = time.Now()
	} else {
		d.firstPendingAt = time.Time{}
	}
	d.mu.Unlock()
	d.releasePersistGate()
}

// schedulePersistRetry backs off exponentially (debounce * 2^n) up to
// 3×MaxDebounce total budget; beyond that the document is torn down
// with a fatal StoreFailure, per spec.md's error taxonomy (StoreFailure
// is fatal, unlike ImportError).
func (d *Document) schedulePersistRetry(cause *huberrors.HubError) {
	if d.metrics != nil {
		d.metrics.PersistFailure()
	}

	d.mu.Lock()
	d.retryCount++
	budget := d.cfg.MaxDebounce * 3
	shift := d.retryCount
	if shift > 6 {
		shift = 6
	}
	backoff := d.cfg.Debounce * time.Duration(int64(1)<<uint(shift))
	elapsed := time.Since(d.firstPendingAt)
	exhausted := elapsed+backoff > budget

	var conns []Connection
	if exhausted {
		d.isDestroyed = true
		conns = d.snapshotConnectionsLocked()
		d.connections = make(map[string]Connection)
	}
	onDestroyed := d.onDestroyed
	d.mu.Unlock()

	if exhausted {
		logger.Hub().Error().Err(cause).Str("document", d.name).Msg("persistence retry budget exhausted, destroying document")
		for _, c := range conns {
			c.Close(huberrors.CloseStoreFailure, cause.Error())
		}
		if onDestroyed != nil {
			onDestroyed(d, cause)
		}
		return
	}

	logger.Hub().Warn().Err(cause).Str("document", d.name).Int("retry", d.retryCount).Msg("persist failed, retrying")
	d.mu.Lock()
	d.persistTimer = time.AfterFunc(backoff, d.firePersist)
	d.mu.Unlock()
}

// FlushAndStop cancels any pending debounce timer and, if updates are
// still unpersisted, performs one synchronous StoreDocument call. Used
// by the registry before unloading a document (spec.md §4.5's "flush
// before unload" requirement).
func (d *Document) FlushAndStop(ctx context.Context) error {
	d.mu.Lock()
	if d.persistTimer != nil {
		d.persistTimer.Stop()
	}
	d.mu.Unlock()

	// Wait out any debounce-driven persist already in flight rather
	// than racing it with this call's own StoreDocument (spec.md §5).
	d.waitForPersistGate()
	defer d.releasePersistGate()

	d.mu.Lock()
	if len(d.pendingUpdates) == 0 || d.isDestroyed {
		d.mu.Unlock()
		return nil
	}
	replica := d.replica
	d.mu.Unlock()

	snapshot, err := replica.Export(crdt.ExportRequest{Mode: crdt.ModeUpdate})
	if err != nil {
		return huberrors.Newf(huberrors.StoreFailure, "export snapshot for %s", d.name).WithDocument(d.name).WithDetails(err.Error())
	}
	if err := d.hooks.StoreDocument(ctx, d.name, wire.EncodeSyncBatch(snapshot)); err != nil {
		return huberrors.Newf(huberrors.StoreFailure, "flush %s", d.name).WithDocument(d.name).WithDetails(err.Error())
	}

	d.mu.Lock()
	d.pendingUpdates = nil
	d.lastPersistedVV = replica.Version()
	d.firstPendingAt = time.Time{}
	d.mu.Unlock()
	return nil
}
