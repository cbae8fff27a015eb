package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfOrderUpdate is returned by MockReplica.Import when an update
// arrives before its causal predecessor from the same peer has been
// seen. A real CRDT engine would buffer it; MockReplica reports it as
// pending instead (see ImportStatus.Pending).
var ErrOutOfOrderUpdate = errors.New("crdt: out-of-order update")

type logEntry struct {
	peer    string
	seq     uint64
	raw     []byte
	payload []byte
}

// MockReplica is a minimal, deterministic Replica implementation
// (spec.md §6.2) used by this repo's own tests and by callers wiring
// the hub up without a real Loro binding. Every local update is
// tagged with (peerID, sequence) so Export can answer "what has peer
// X not seen yet" without understanding document content at all.
//
// Wire format of one MockReplica update (not part of the public wire
// protocol — purely an implementation detail of this adapter):
//
//	varstring(peerID) varuint(seq) varbytes(payload)
type MockReplica struct {
	mu       sync.Mutex
	peerID   string
	seq      uint64
	versions map[string]uint64
	log      []logEntry
	subs     []func(update []byte)
}

// NewMockReplica constructs an empty replica identified by peerID.
// Two MockReplicas must use distinct peerIDs to simulate independent
// collaborators.
func NewMockReplica(peerID string) *MockReplica {
	return &MockReplica{
		peerID:   peerID,
		versions: make(map[string]uint64),
	}
}

func encodeMockUpdate(peer string, seq uint64, payload []byte) []byte {
	buf := make([]byte, 0, len(peer)+binary.MaxVarintLen64+len(payload)+8)
	buf = appendUvarint(buf, uint64(len(peer)))
	buf = append(buf, peer...)
	buf = appendUvarint(buf, seq)
	buf = appendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func decodeMockUpdate(raw []byte) (peer string, seq uint64, payload []byte, err error) {
	nameLen, n := binary.Uvarint(raw)
	if n <= 0 {
		return "", 0, nil, fmt.Errorf("crdt: decode mock update: bad peer length")
	}
	raw = raw[n:]
	if uint64(len(raw)) < nameLen {
		return "", 0, nil, fmt.Errorf("crdt: decode mock update: short peer")
	}
	peer = string(raw[:nameLen])
	raw = raw[nameLen:]

	seq, n = binary.Uvarint(raw)
	if n <= 0 {
		return "", 0, nil, fmt.Errorf("crdt: decode mock update: bad seq")
	}
	raw = raw[n:]

	payLen, n := binary.Uvarint(raw)
	if n <= 0 {
		return "", 0, nil, fmt.Errorf("crdt: decode mock update: bad payload length")
	}
	raw = raw[n:]
	if uint64(len(raw)) < payLen {
		return "", 0, nil, fmt.Errorf("crdt: decode mock update: short payload")
	}
	payload = raw[:payLen]
	return peer, seq, payload, nil
}

// LocalUpdate simulates a local edit: it allocates the next sequence
// number for this replica's own peer, appends it to the log, encodes
// it onto the wire, notifies subscribers, and returns the encoded
// bytes (the same bytes a caller would send as a LoroUpdate frame).
func (r *MockReplica) LocalUpdate(payload []byte) []byte {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	raw := encodeMockUpdate(r.peerID, seq, payload)
	r.log = append(r.log, logEntry{peer: r.peerID, seq: seq, raw: raw, payload: payload})
	r.versions[r.peerID] = seq
	subs := make([]func([]byte), 0, len(r.subs))
	for _, cb := range r.subs {
		if cb != nil {
			subs = append(subs, cb)
		}
	}
	r.mu.Unlock()

	for _, cb := range subs {
		cb(raw)
	}
	return raw
}

// Import implements Replica.
func (r *MockReplica) Import(update []byte) (ImportStatus, error) {
	peer, seq, payload, err := decodeMockUpdate(update)
	if err != nil {
		return ImportStatus{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.versions[peer]
	if seq <= current {
		// Already applied; idempotent success.
		return ImportStatus{Success: PeerRange{peer: {seq, seq}}}, nil
	}
	if seq != current+1 {
		return ImportStatus{Pending: PeerRange{peer: {current + 1, seq}}}, ErrOutOfOrderUpdate
	}

	r.log = append(r.log, logEntry{peer: peer, seq: seq, raw: append([]byte(nil), update...), payload: payload})
	r.versions[peer] = seq
	return ImportStatus{Success: PeerRange{peer: {seq, seq}}}, nil
}

// Export implements Replica.
func (r *MockReplica) Export(req ExportRequest) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := req.From
	var out [][]byte
	for _, e := range r.log {
		if seen, ok := from[e.peer]; ok && e.seq <= seen {
			continue
		}
		out = append(out, append([]byte(nil), e.raw...))
	}
	return out, nil
}

// Version implements Replica.
func (r *MockReplica) Version() VV {
	r.mu.Lock()
	defer r.mu.Unlock()
	return VV(r.versions).Clone()
}

// SubscribeLocalUpdates implements Replica.
func (r *MockReplica) SubscribeLocalUpdates(cb func(update []byte)) UnsubscribeFunc {
	r.mu.Lock()
	r.subs = append(r.subs, cb)
	idx := len(r.subs) - 1
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if idx < len(r.subs) {
				r.subs[idx] = nil
			}
		})
	}
}
