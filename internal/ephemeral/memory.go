package ephemeral

import (
	"sync"
	"time"

	"github.com/Polqt/lorohub/internal/codec"
)

// DefaultTTL is the default eviction window for a key that has not
// been refreshed.
const DefaultTTL = 30 * time.Second

type entry struct {
	value    []byte
	expires  time.Time
}

// MemoryStore is an in-process, single-instance Store: a
// last-writer-wins map with TTL eviction, in the same spirit as the
// streamspace API's Redis cache adapter but without the network hop.
// Deltas are encoded as
// varstring(key) varbytes(value); MemoryStore is the canonical owner
// of that encoding — callers never need to know it.
type MemoryStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]entry
	subs []func(delta []byte)

	stopSweep chan struct{}
}

// NewMemoryStore creates a store evicting keys ttl after their last
// write. A zero ttl uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{ttl: ttl, data: make(map[string]entry), stopSweep: make(chan struct{})}
	go s.sweepLoop()
	return s
}

// EncodeDelta builds the wire representation for one key/value pair.
// Exported so callers producing local ephemeral updates (e.g. a
// Provider publishing cursor position) can build deltas without
// reaching into MemoryStore internals.
func EncodeDelta(key string, value []byte) []byte {
	w := codec.NewWriter(len(key) + len(value) + 8)
	w.WriteString(key)
	w.WriteBytes(value)
	return w.Bytes()
}

func decodeDelta(delta []byte) (key string, value []byte, err error) {
	r := codec.NewReader(delta)
	key, err = r.ReadString()
	if err != nil {
		return "", nil, err
	}
	value, err = r.ReadBytes()
	if err != nil {
		return "", nil, err
	}
	return key, value, nil
}

// Set writes key locally, refreshing its TTL, and notifies
// subscribers so a Provider can relay it outward.
func (s *MemoryStore) Set(key string, value []byte) {
	delta := EncodeDelta(key, value)
	s.mu.Lock()
	s.data[key] = entry{value: value, expires: time.Now().Add(s.ttl)}
	subs := append([]func([]byte){}, s.subs...)
	s.mu.Unlock()

	for _, cb := range subs {
		cb(delta)
	}
}

// Apply implements Store: merges a received delta (last-writer-wins —
// a later Apply for the same key simply overwrites it).
func (s *MemoryStore) Apply(delta []byte) error {
	key, value, err := decodeDelta(delta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = entry{value: value, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// SubscribeLocalUpdates implements Store.
func (s *MemoryStore) SubscribeLocalUpdates(cb func(delta []byte)) UnsubscribeFunc {
	s.mu.Lock()
	s.subs = append(s.subs, cb)
	idx := len(s.subs) - 1
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if idx < len(s.subs) {
				s.subs[idx] = nil
			}
		})
	}
}

// Encode implements Store.
func (s *MemoryStore) Encode(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || time.Now().After(e.expires) {
		return nil
	}
	return EncodeDelta(key, e.value)
}

// EncodeAll implements Store.
func (s *MemoryStore) EncodeAll() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([][]byte, 0, len(s.data))
	for k, e := range s.data {
		if now.After(e.expires) {
			continue
		}
		out = append(out, EncodeDelta(k, e.value))
	}
	return out
}

// TTL implements TTLStore.
func (s *MemoryStore) TTL() time.Duration { return s.ttl }

// Close stops the background eviction sweep. Idempotent.
func (s *MemoryStore) Close() {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
}

func (s *MemoryStore) sweepLoop() {
	interval := s.ttl / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.data {
		if now.After(e.expires) {
			delete(s.data, k)
		}
	}
}
