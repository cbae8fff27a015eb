// Package wire implements the framed protocol carried by a single
// WebSocket binary frame: envelope encode/decode and the five message
// kinds' payload layouts.
package wire

import (
	"errors"
	"fmt"

	"github.com/Polqt/lorohub/internal/codec"
)

// MessageType identifies the payload layout of a frame. Values are
// part of the wire contract and MUST NOT be renumbered.
type MessageType uint64

const (
	// Auth carries an authentication token (client→server) or a
	// decision (server→client).
	Auth MessageType = iota
	// LoroUpdate carries a single opaque CRDT incremental update.
	LoroUpdate
	// LoroSyncRequest carries a UTF-8 version-vector descriptor.
	LoroSyncRequest
	// LoroSyncBatch carries a count followed by that many updates.
	LoroSyncBatch
	// LoroEphemeral carries an opaque ephemeral-state delta.
	LoroEphemeral
)

// String implements fmt.Stringer for readable logs.
func (t MessageType) String() string {
	switch t {
	case Auth:
		return "Auth"
	case LoroUpdate:
		return "LoroUpdate"
	case LoroSyncRequest:
		return "LoroSyncRequest"
	case LoroSyncBatch:
		return "LoroSyncBatch"
	case LoroEphemeral:
		return "LoroEphemeral"
	default:
		return fmt.Sprintf("MessageType(%d)", uint64(t))
	}
}

// IsKnown reports whether t is one of the five declared message kinds.
// The framer treats any other value as a protocol error.
func (t MessageType) IsKnown() bool {
	return t <= LoroEphemeral
}

// AuthCode is the server's admission decision, carried in an Auth
// reply frame's payload.
type AuthCode uint64

const (
	// PermissionDenied rejects the attachment; the socket itself stays
	// open for other documents.
	PermissionDenied AuthCode = 0
	// Authenticated admits the attachment.
	Authenticated AuthCode = 1
)

// DefaultMaxDocumentNameLen is the default ceiling on documentName
// byte length, per spec.md §4.2.
const DefaultMaxDocumentNameLen = 1024

// ErrEmptyDocumentName is a protocol error: every frame must name a
// document.
var ErrEmptyDocumentName = errors.New("wire: empty document name")

// ErrDocumentNameTooLong is a protocol error.
var ErrDocumentNameTooLong = errors.New("wire: document name exceeds maximum length")

// ErrUnknownType is a protocol error: the type tag is outside the
// declared contiguous block.
var ErrUnknownType = errors.New("wire: unknown message type")

// ErrTrailingBytes is a protocol error: the payload did not consume
// the entire frame.
var ErrTrailingBytes = errors.New("wire: trailing bytes after payload")

// Frame is a fully decoded envelope: documentName, type, and the
// type-specific payload bytes (not yet parsed into a typed payload).
type Frame struct {
	DocumentName string
	Type         MessageType
	Payload      []byte
}

// Framer encodes and decodes frames, enforcing the envelope
// invariants from spec.md §4.2. The zero value uses
// DefaultMaxDocumentNameLen.
type Framer struct {
	// MaxDocumentNameLen bounds documentName's encoded byte length.
	// Zero means DefaultMaxDocumentNameLen.
	MaxDocumentNameLen int
}

func (f *Framer) maxNameLen() int {
	if f.MaxDocumentNameLen <= 0 {
		return DefaultMaxDocumentNameLen
	}
	return f.MaxDocumentNameLen
}

// EncodeEnvelope writes documentName, type, and the already-encoded
// payload bytes as a single frame.
func (f *Framer) EncodeEnvelope(documentName string, typ MessageType, payload []byte) []byte {
	w := codec.NewWriter(len(documentName) + 16 + len(payload))
	w.WriteString(documentName)
	w.WriteUvarint(uint64(typ))
	w.WriteRaw(payload)
	return w.Bytes()
}

// DecodeEnvelope parses a raw WebSocket binary frame into a Frame,
// validating the invariants in spec.md §4.2: non-empty documentName
// within the configured maximum, a known type tag, and no length
// prefix left unconsumed (the payload is simply "the rest of the
// bytes" — trailing-byte validation happens in the per-type decoders,
// which know how much of Payload they actually need).
func (f *Framer) DecodeEnvelope(raw []byte) (Frame, error) {
	r := codec.NewReader(raw)

	name, err := r.ReadString()
	if err != nil {
		return Frame{}, fmt.Errorf("wire: decode document name: %w", err)
	}
	if name == "" {
		return Frame{}, ErrEmptyDocumentName
	}
	if len(name) > f.maxNameLen() {
		return Frame{}, ErrDocumentNameTooLong
	}

	typVal, err := r.ReadUvarint()
	if err != nil {
		return Frame{}, fmt.Errorf("wire: decode type: %w", err)
	}
	typ := MessageType(typVal)
	if !typ.IsKnown() {
		return Frame{}, ErrUnknownType
	}

	return Frame{DocumentName: name, Type: typ, Payload: r.ReadRaw()}, nil
}
