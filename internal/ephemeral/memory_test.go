package ephemeral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetAndEncode(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()

	s.Set("cursor-alice", []byte("row=3,col=10"))
	got := s.Encode("cursor-alice")
	require.NotNil(t, got)

	key, value, err := decodeDelta(got)
	require.NoError(t, err)
	assert.Equal(t, "cursor-alice", key)
	assert.Equal(t, []byte("row=3,col=10"), value)
}

func TestMemoryStoreApplyFromDelta(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()

	delta := EncodeDelta("cursor-bob", []byte("row=1,col=1"))
	require.NoError(t, s.Apply(delta))

	got := s.Encode("cursor-bob")
	require.NotNil(t, got)
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	defer s.Close()

	s.Set("cursor-alice", []byte("x"))
	assert.NotNil(t, s.Encode("cursor-alice"))

	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, s.Encode("cursor-alice"))
}

func TestMemoryStoreSubscribeLocalUpdates(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()

	var got []byte
	unsub := s.SubscribeLocalUpdates(func(delta []byte) { got = delta })
	s.Set("cursor-alice", []byte("x"))
	unsub()

	require.NotNil(t, got)
	key, _, err := decodeDelta(got)
	require.NoError(t, err)
	assert.Equal(t, "cursor-alice", key)
}

func TestMemoryStoreEncodeAllSkipsExpired(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	defer s.Close()

	s.Set("a", []byte("1"))
	time.Sleep(100 * time.Millisecond)
	s.Set("b", []byte("2"))

	all := s.EncodeAll()
	require.Len(t, all, 1)
	key, _, err := decodeDelta(all[0])
	require.NoError(t, err)
	assert.Equal(t, "b", key)
}
