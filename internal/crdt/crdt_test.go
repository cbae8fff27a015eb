package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVVEmptyString(t *testing.T) {
	vv, err := ParseVV("")
	require.NoError(t, err)
	assert.Empty(t, vv)
	assert.NotNil(t, vv)
}

func TestParseVVRoundTrip(t *testing.T) {
	vv := VV{"peer-1": 3, "peer-2": 7}
	s, err := vv.MarshalCanonicalJSON()
	require.NoError(t, err)

	got, err := ParseVV(s)
	require.NoError(t, err)
	assert.Equal(t, vv, got)
}

func TestMockReplicaLocalUpdateAndImport(t *testing.T) {
	a := NewMockReplica("peer-a")
	b := NewMockReplica("peer-b")

	u1 := a.LocalUpdate([]byte("hello"))
	status, err := b.Import(u1)
	require.NoError(t, err)
	assert.Equal(t, PeerRange{"peer-a": {1, 1}}, status.Success)
	assert.Equal(t, VV{"peer-a": 1}, b.Version())
}

func TestMockReplicaOutOfOrderIsPending(t *testing.T) {
	a := NewMockReplica("peer-a")
	b := NewMockReplica("peer-b")

	a.LocalUpdate([]byte("one"))
	u2 := a.LocalUpdate([]byte("two"))

	status, err := b.Import(u2)
	assert.ErrorIs(t, err, ErrOutOfOrderUpdate)
	assert.Equal(t, PeerRange{"peer-a": {1, 2}}, status.Pending)
}

func TestMockReplicaExportDiff(t *testing.T) {
	a := NewMockReplica("peer-a")
	a.LocalUpdate([]byte("one"))
	u2 := a.LocalUpdate([]byte("two"))
	u3 := a.LocalUpdate([]byte("three"))

	updates, err := a.Export(ExportRequest{From: VV{"peer-a": 1}})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{u2, u3}, updates)

	full, err := a.Export(ExportRequest{})
	require.NoError(t, err)
	assert.Len(t, full, 3)
}

func TestMockReplicaSubscribeLocalUpdates(t *testing.T) {
	a := NewMockReplica("peer-a")
	var seen [][]byte
	unsub := a.SubscribeLocalUpdates(func(u []byte) { seen = append(seen, u) })

	a.LocalUpdate([]byte("first"))
	unsub()
	unsub() // idempotent
	a.LocalUpdate([]byte("second"))

	assert.Len(t, seen, 1)
}
