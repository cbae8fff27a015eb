// Package errors provides the hub's error taxonomy (spec.md §7).
//
// Unlike an HTTP API, the hub has no status-code boundary to map
// errors onto; instead every error kind maps either to a WebSocket
// close code (fatal to a connection) or to a protocol reply message
// (an admission decision). This mirrors the shape of the streamspace
// API's internal/errors package — a machine-readable Code, a
// human Message, optional Details — generalized from HTTP status
// codes to WebSocket close codes.
package errors

import "fmt"

// Kind is a machine-readable error classification, one of the six
// kinds spec.md §7 names.
type Kind string

const (
	// ProtocolError: malformed frame, unknown type, trailing bytes,
	// oversize frame. Fatal to the offending connection.
	ProtocolError Kind = "PROTOCOL_ERROR"
	// AuthDenied: admission refused. Fatal to the attachment only.
	AuthDenied Kind = "AUTH_DENIED"
	// LoadFailure: persistence hook failed or timed out on load.
	LoadFailure Kind = "LOAD_FAILURE"
	// StoreFailure: persistence hook failed on write beyond the retry
	// budget. Fatal to every connection attached to the document.
	StoreFailure Kind = "STORE_FAILURE"
	// SlowConsumer: outbound queue overflow. Fatal to the offending
	// connection.
	SlowConsumer Kind = "SLOW_CONSUMER"
	// ImportError: the CRDT engine rejected an update. Logged, not
	// fatal — see spec.md §9 open question 2.
	ImportError Kind = "IMPORT_ERROR"
)

// CloseCode is the numeric WebSocket close code used when a Kind is
// fatal to a connection. These occupy the private-use range
// (4000-4999) reserved by RFC 6455 for application protocols.
type CloseCode int

const (
	CloseProtocolError CloseCode = 4000
	CloseAuthDenied    CloseCode = 4001
	CloseSlowConsumer  CloseCode = 4002
	CloseStoreFailure  CloseCode = 4003
	CloseLoadFailure   CloseCode = 4004
)

// closeCodes maps each Kind to the close code used when that kind is
// fatal to a connection. ImportError has no entry: it is never fatal.
var closeCodes = map[Kind]CloseCode{
	ProtocolError: CloseProtocolError,
	AuthDenied:    CloseAuthDenied,
	SlowConsumer:  CloseSlowConsumer,
	StoreFailure:  CloseStoreFailure,
	LoadFailure:   CloseLoadFailure,
}

// CloseCodeFor returns the WebSocket close code for kind and reports
// whether kind is fatal to a connection at all.
func CloseCodeFor(kind Kind) (CloseCode, bool) {
	code, ok := closeCodes[kind]
	return code, ok
}

// HubError is the hub's structured error type. It implements error and
// supports errors.Is against its Kind via Is().
type HubError struct {
	Kind    Kind
	Message string
	Details string
	// Document is the document name this error pertains to, when
	// applicable (empty for connection-level errors with no specific
	// document, such as a bad envelope before auth).
	Document string
}

// Error implements error.
func (e *HubError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is supports errors.Is(err, SomeKindSentinel) by kind comparison,
// letting callers write errors.Is(err, errors.ErrProtocol) instead of
// type-asserting and checking Kind manually.
func (e *HubError) Is(target error) bool {
	other, ok := target.(*HubError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newKind(kind Kind, message string) *HubError {
	return &HubError{Kind: kind, Message: message}
}

// Sentinel errors for use with errors.Is. Each carries only a Kind;
// compare with errors.Is(err, ErrProtocol), not ==.
var (
	ErrProtocol     = newKind(ProtocolError, "protocol error")
	ErrAuthDenied   = newKind(AuthDenied, "authentication denied")
	ErrLoadFailure  = newKind(LoadFailure, "document load failed")
	ErrStoreFailure = newKind(StoreFailure, "document store failed")
	ErrSlowConsumer = newKind(SlowConsumer, "outbound queue overflow")
	ErrImport       = newKind(ImportError, "crdt import rejected update")
)

// Newf builds a HubError of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *HubError {
	return &HubError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDocument returns a copy of e scoped to the given document name.
func (e *HubError) WithDocument(name string) *HubError {
	c := *e
	c.Document = name
	return &c
}

// WithDetails returns a copy of e with Details set.
func (e *HubError) WithDetails(details string) *HubError {
	c := *e
	c.Details = details
	return &c
}
