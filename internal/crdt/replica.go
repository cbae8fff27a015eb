// Package crdt describes the capability interface the hub requires
// from an external CRDT implementation (spec.md §6.2). The hub never
// interprets document content, resolves conflicts, or computes a
// version vector itself — it only imports/exports opaque update bytes
// and treats the version vector as a JSON-serializable opaque value
// produced by the replica.
//
// A statically typed rewrite models the source's dynamic capability
// probing (does this object have importUpdateBatch? oplogVersion?) as
// this fixed interface: any CRDT adapter that cannot satisfy it fails
// at startup, not at a scattered set of runtime type switches.
package crdt

import (
	"encoding/json"
	"fmt"
)

// VV is a version vector: peer identifier → highest observed logical
// counter for that peer. The CRDT engine computes and compares VVs;
// the hub treats VV as an opaque, JSON-serializable value.
type VV map[string]uint64

// Clone returns an independent copy of v.
func (v VV) Clone() VV {
	c := make(VV, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}

// MarshalCanonicalJSON renders v as canonical JSON: keys are encoded
// in sorted order by encoding/json's default map handling, which
// already sorts string keys. Kept as a named method so callers don't
// have to remember that detail.
func (v VV) MarshalCanonicalJSON() (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("crdt: marshal version vector: %w", err)
	}
	return string(b), nil
}

// ParseVV parses a canonical-JSON version vector. An empty string
// decodes to an empty (non-nil) VV rather than an error — callers
// implementing spec.md §4.4's sync algorithm rely on this.
func ParseVV(s string) (VV, error) {
	if s == "" {
		return VV{}, nil
	}
	var v VV
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("crdt: parse version vector: %w", err)
	}
	if v == nil {
		v = VV{}
	}
	return v, nil
}

// PeerRange describes a contiguous run of per-peer operations, as
// returned by Replica.Import to report what was actually applied vs.
// held back pending causal dependencies. The hub logs this but does
// not interpret it further.
type PeerRange map[string][2]uint64

// ImportStatus is the result of Replica.Import.
type ImportStatus struct {
	// Success lists the peer ranges that were applied.
	Success PeerRange
	// Pending lists peer ranges held back pending dependencies not
	// yet seen by this replica. Nil when nothing is pending.
	Pending PeerRange
}

// ExportMode selects what Replica.Export produces. The hub only ever
// requests ModeUpdate; the field exists so a Replica adapter can
// assert on it defensively.
type ExportMode int

// ModeUpdate is the only export mode the hub requests: an incremental
// update since a given version vector (or the full history when From
// is empty/nil).
const ModeUpdate ExportMode = 0

// ExportRequest parameterizes Replica.Export.
type ExportRequest struct {
	Mode ExportMode
	// From is the version vector to diff against. A nil or empty VV
	// requests the full update history.
	From VV
}

// UnsubscribeFunc cancels a subscription registered with
// SubscribeLocalUpdates. It MUST NOT fail — spec.md §9's "catch and
// ignore on unsubscribe" design note requires unsubscribe to be a
// best-effort, non-throwing operation; any CRDT adapter that can fail
// on unsubscribe must swallow that error internally before returning
// this func.
type UnsubscribeFunc func()

// Replica is the capability interface the hub requires from an
// external CRDT implementation (spec.md §6.2). Implementations are
// expected to be safe for concurrent use from the hub's single
// logical per-Document lock plus the replica's own internal update
// subscription callback.
type Replica interface {
	// Import applies a remote update to the replica. A failed import
	// (spec.md's ImportError) must return a non-nil error; the hub
	// logs it and continues rather than treating it as fatal.
	Import(update []byte) (ImportStatus, error)

	// Export produces the bytes needed to bring a peer at req.From up
	// to this replica's current state. Implementations that can only
	// produce a single monolithic export may return a one-element
	// slice.
	Export(req ExportRequest) ([][]byte, error)

	// Version returns the replica's current version vector.
	Version() VV

	// SubscribeLocalUpdates registers cb to be invoked with every
	// update produced by local mutation of the replica (e.g. from an
	// editor integration). Returns an UnsubscribeFunc.
	SubscribeLocalUpdates(cb func(update []byte)) UnsubscribeFunc
}

// Factory constructs a fresh, empty Replica. The hub calls this once
// per Document on first load (spec.md's `new() → Replica`).
type Factory func() Replica
