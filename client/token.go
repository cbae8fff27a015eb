// Package client implements the browser/editor-facing half of the
// collaboration protocol (spec.md §4.7): a Provider per (document,
// socket) pair, multiplexed over a SharedSocket, driving a CRDT
// replica and an optional ephemeral store from inbound frames.
package client

import (
	"context"
	"errors"
)

// ErrNoToken is returned by a TokenSource when no token is currently
// available. Per spec.md §4.8, this is not fatal: the Provider
// proceeds to send Auth with an empty token and lets server policy
// decide admission.
var ErrNoToken = errors.New("client: no token available")

// TokenSource supplies the bearer token a Provider sends in its Auth
// frame. spec.md §4.8 describes the source's token as one of three
// shapes (a plain string, a synchronous producer, an asynchronous
// producer); rather than branch on a runtime union, each shape gets
// its own concrete type satisfying this one interface.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same fixed
// value, for deployments where the token never rotates mid-session.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// SyncTokenFunc adapts a zero-argument token producer (spec.md §4.8's
// "synchronous producer") to TokenSource.
type SyncTokenFunc func() (string, error)

// Token implements TokenSource.
func (f SyncTokenFunc) Token(context.Context) (string, error) {
	return f()
}

// AsyncTokenFunc adapts a context-aware token producer (spec.md §4.8's
// "asynchronous producer", e.g. one that refreshes an OAuth token) to
// TokenSource.
type AsyncTokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f AsyncTokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
