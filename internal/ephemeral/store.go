// Package ephemeral adapts the hub to an external ephemeral-state
// store (spec.md §4.9): last-writer-wins keyed presence state that is
// broadcast but never persisted and never fed through the document's
// persistence pipeline. The hub relays payloads opaquely; it never
// interprets them.
package ephemeral

import "time"

// UnsubscribeFunc cancels a subscription. Per spec.md §9, unsubscribe
// must never fail — implementations swallow their own errors before
// returning this func.
type UnsubscribeFunc func()

// Store is the external contract spec.md §4.9 requires. A Store
// instance is scoped to one document. A client Provider may hold one;
// the server-side hub holds none and only relays deltas.
type Store interface {
	// Apply merges a received ephemeral delta into local state. The
	// hub calls this only on the client-side Provider's inbound path;
	// the server-side hub never applies ephemeral payloads to
	// anything, it only relays them (invariant 5: ephemeral payloads
	// are neither stored nor fed through the persistence pipeline).
	Apply(delta []byte) error

	// SubscribeLocalUpdates registers cb to be invoked whenever local
	// ephemeral state changes, so a Provider can forward it as a
	// LoroEphemeral frame.
	SubscribeLocalUpdates(cb func(delta []byte)) UnsubscribeFunc

	// Encode returns the delta needed to describe a single key's
	// current value, or nil if absent.
	Encode(key string) []byte

	// EncodeAll returns deltas describing every currently-live key,
	// for seeding a newly joined peer.
	EncodeAll() [][]byte
}

// TTLStore is a Store that also exposes the time-to-live used for its
// last-writer-wins eviction, so callers wiring monitoring or tests can
// introspect it.
type TTLStore interface {
	Store
	TTL() time.Duration
}
