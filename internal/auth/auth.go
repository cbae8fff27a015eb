// Package auth adapts the hub to an external authentication
// subsystem (spec.md §4.8, §1 non-goals: the hub only consumes a
// token-producing function and a reply frame; it never mints or
// verifies tokens itself).
package auth

import "context"

// Decision is the server's admission result for one (documentName,
// token) pair.
type Decision struct {
	Allow  bool
	Scope  string
	Reason string
}

// Allow constructs an admitting Decision with the given scope.
func Allow(scope string) Decision {
	return Decision{Allow: true, Scope: scope}
}

// Deny constructs a rejecting Decision with the given human-readable
// reason.
func Deny(reason string) Decision {
	return Decision{Allow: false, Reason: reason}
}

// Authenticator verifies a token against a target document and
// returns an admission Decision. Implementations may call out to a
// database, an external IdP, or simply a static allow-list; the hub
// does not care which.
type Authenticator interface {
	Authenticate(ctx context.Context, documentName, token string) (Decision, error)
}

// AuthenticatorFunc adapts a plain function to the Authenticator
// interface.
type AuthenticatorFunc func(ctx context.Context, documentName, token string) (Decision, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, documentName, token string) (Decision, error) {
	return f(ctx, documentName, token)
}

// AllowAll is an Authenticator that admits every request. It exists
// for local development and tests where no real auth subsystem is
// wired up yet.
var AllowAll Authenticator = AuthenticatorFunc(func(ctx context.Context, documentName, token string) (Decision, error) {
	return Allow("default"), nil
})

// StaticTokens is an Authenticator backed by a fixed
// token → scope map, useful for tests and small deployments that
// don't need a full IdP integration.
type StaticTokens struct {
	Tokens map[string]string // token -> scope
}

// Authenticate implements Authenticator.
func (s *StaticTokens) Authenticate(_ context.Context, _ string, token string) (Decision, error) {
	scope, ok := s.Tokens[token]
	if !ok {
		return Deny("unknown token"), nil
	}
	return Allow(scope), nil
}
