// Package metrics provides small in-process counters surfaced by the
// health endpoint. None of the pack's example repos pull in a metrics
// exporter for a non-Kubernetes service, so this stays atomic
// counters rather than a Prometheus client — see DESIGN.md.
package metrics

import "sync/atomic"

// Counters holds the hub's operational counters. The zero value is
// ready to use.
type Counters struct {
	connectionsActive  atomic.Int64
	documentsLoaded    atomic.Int64
	broadcastFanout    atomic.Int64
	persistFailures    atomic.Int64
	importErrors       atomic.Int64
	slowConsumerDrops  atomic.Int64
}

// ConnectionOpened records a new connection.
func (c *Counters) ConnectionOpened() { c.connectionsActive.Add(1) }

// ConnectionClosed records a connection going away.
func (c *Counters) ConnectionClosed() { c.connectionsActive.Add(-1) }

// DocumentLoaded records a document entering the registry.
func (c *Counters) DocumentLoaded() { c.documentsLoaded.Add(1) }

// DocumentUnloaded records a document leaving the registry.
func (c *Counters) DocumentUnloaded() { c.documentsLoaded.Add(-1) }

// BroadcastFanout records n frames enqueued by a single broadcast.
func (c *Counters) BroadcastFanout(n int) { c.broadcastFanout.Add(int64(n)) }

// PersistFailure records a failed storeDocument attempt.
func (c *Counters) PersistFailure() { c.persistFailures.Add(1) }

// ImportError records a CRDT import rejection.
func (c *Counters) ImportError() { c.importErrors.Add(1) }

// SlowConsumerDrop records a connection closed for outbound overflow.
func (c *Counters) SlowConsumerDrop() { c.slowConsumerDrops.Add(1) }

// Snapshot is a point-in-time read of every counter, suitable for JSON
// serialization by the health handler.
type Snapshot struct {
	ConnectionsActive int64 `json:"connections_active"`
	DocumentsLoaded   int64 `json:"documents_loaded"`
	BroadcastFanout   int64 `json:"broadcast_fanout_total"`
	PersistFailures   int64 `json:"persist_failures_total"`
	ImportErrors      int64 `json:"import_errors_total"`
	SlowConsumerDrops int64 `json:"slow_consumer_drops_total"`
}

// Snapshot reads all counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsActive: c.connectionsActive.Load(),
		DocumentsLoaded:   c.documentsLoaded.Load(),
		BroadcastFanout:   c.broadcastFanout.Load(),
		PersistFailures:   c.persistFailures.Load(),
		ImportErrors:      c.importErrors.Load(),
		SlowConsumerDrops: c.slowConsumerDrops.Load(),
	}
}
