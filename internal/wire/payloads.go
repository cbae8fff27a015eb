package wire

import (
	"fmt"

	"github.com/Polqt/lorohub/internal/codec"
)

// AuthRequest is the client→server payload of an Auth frame: a bearer
// token for the targeted document.
type AuthRequest struct {
	Token string
}

// EncodeAuthRequest serializes an AuthRequest payload: varstring(token).
func EncodeAuthRequest(a AuthRequest) []byte {
	w := codec.NewWriter(len(a.Token) + 4)
	w.WriteString(a.Token)
	return w.Bytes()
}

// DecodeAuthRequest parses an AuthRequest payload, rejecting trailing
// bytes per the framer's "payload consumes the entire frame" rule.
func DecodeAuthRequest(payload []byte) (AuthRequest, error) {
	r := codec.NewReader(payload)
	token, err := r.ReadString()
	if err != nil {
		return AuthRequest{}, fmt.Errorf("wire: decode auth token: %w", err)
	}
	if !r.AtEnd() {
		return AuthRequest{}, ErrTrailingBytes
	}
	return AuthRequest{Token: token}, nil
}

// AuthReply is the server→client payload of an Auth frame: the
// admission decision and an optional human-readable reason.
type AuthReply struct {
	Code   AuthCode
	Reason string
}

// EncodeAuthReply serializes an AuthReply: varuint(authCode) varstring(reason).
func EncodeAuthReply(a AuthReply) []byte {
	w := codec.NewWriter(len(a.Reason) + 8)
	w.WriteUvarint(uint64(a.Code))
	w.WriteString(a.Reason)
	return w.Bytes()
}

// DecodeAuthReply parses an AuthReply payload.
func DecodeAuthReply(payload []byte) (AuthReply, error) {
	r := codec.NewReader(payload)
	code, err := r.ReadUvarint()
	if err != nil {
		return AuthReply{}, fmt.Errorf("wire: decode auth code: %w", err)
	}
	reason, err := r.ReadString()
	if err != nil {
		return AuthReply{}, fmt.Errorf("wire: decode auth reason: %w", err)
	}
	if !r.AtEnd() {
		return AuthReply{}, ErrTrailingBytes
	}
	return AuthReply{Code: AuthCode(code), Reason: reason}, nil
}

// EncodeLoroUpdate serializes a LoroUpdate payload: varbytes(update).
func EncodeLoroUpdate(update []byte) []byte {
	w := codec.NewWriter(len(update) + 4)
	w.WriteBytes(update)
	return w.Bytes()
}

// DecodeLoroUpdate parses a LoroUpdate payload.
func DecodeLoroUpdate(payload []byte) ([]byte, error) {
	r := codec.NewReader(payload)
	update, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("wire: decode update: %w", err)
	}
	if !r.AtEnd() {
		return nil, ErrTrailingBytes
	}
	return update, nil
}

// EncodeSyncRequest serializes a LoroSyncRequest payload:
// varstring(versionVectorJSON | ""). An empty string means "no
// version vector, send me everything".
func EncodeSyncRequest(versionVectorJSON string) []byte {
	w := codec.NewWriter(len(versionVectorJSON) + 4)
	w.WriteString(versionVectorJSON)
	return w.Bytes()
}

// DecodeSyncRequest parses a LoroSyncRequest payload.
func DecodeSyncRequest(payload []byte) (string, error) {
	r := codec.NewReader(payload)
	vv, err := r.ReadString()
	if err != nil {
		return "", fmt.Errorf("wire: decode sync request: %w", err)
	}
	if !r.AtEnd() {
		return "", ErrTrailingBytes
	}
	return vv, nil
}

// EncodeSyncBatch serializes a LoroSyncBatch payload: varuint(N) then
// N×varbytes(update).
func EncodeSyncBatch(updates [][]byte) []byte {
	size := 8
	for _, u := range updates {
		size += len(u) + 4
	}
	w := codec.NewWriter(size)
	w.WriteUvarint(uint64(len(updates)))
	for _, u := range updates {
		w.WriteBytes(u)
	}
	return w.Bytes()
}

// maxSyncBatchPrealloc caps how many slice slots DecodeSyncBatch
// preallocates from the untrusted count prefix; a payload claiming a
// huge N but carrying few actual bytes still fails in the read loop
// below, it just grows the slice instead of over-allocating up front.
const maxSyncBatchPrealloc = 4096

// DecodeSyncBatch parses a LoroSyncBatch payload.
func DecodeSyncBatch(payload []byte) ([][]byte, error) {
	r := codec.NewReader(payload)
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("wire: decode batch count: %w", err)
	}
	prealloc := n
	if prealloc > maxSyncBatchPrealloc {
		prealloc = maxSyncBatchPrealloc
	}
	updates := make([][]byte, 0, prealloc)
	for i := uint64(0); i < n; i++ {
		u, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("wire: decode batch update %d: %w", i, err)
		}
		updates = append(updates, u)
	}
	if !r.AtEnd() {
		return nil, ErrTrailingBytes
	}
	return updates, nil
}

// EncodeEphemeral serializes a LoroEphemeral payload: varbytes(delta).
func EncodeEphemeral(delta []byte) []byte {
	w := codec.NewWriter(len(delta) + 4)
	w.WriteBytes(delta)
	return w.Bytes()
}

// DecodeEphemeral parses a LoroEphemeral payload.
func DecodeEphemeral(payload []byte) ([]byte, error) {
	r := codec.NewReader(payload)
	delta, err := r.ReadBytes()
	if err != nil {
		return nil, fmt.Errorf("wire: decode ephemeral delta: %w", err)
	}
	if !r.AtEnd() {
		return nil, ErrTrailingBytes
	}
	return delta, nil
}
