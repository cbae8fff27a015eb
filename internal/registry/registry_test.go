package registry

import (
	"context"
	"testing"
	"time"

	"github.com/Polqt/lorohub/internal/crdt"
	"github.com/Polqt/lorohub/internal/persistence"
	"github.com/Polqt/lorohub/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory() crdt.Factory {
	n := 0
	return func() crdt.Replica {
		n++
		return crdt.NewMockReplica("server")
	}
}

func TestAcquireLoadsOnFirstAccessAndReusesAfter(t *testing.T) {
	r := New(testFactory(), persistence.NewMemoryHooks(), &wire.Framer{}, nil, Config{})

	doc1, err := r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.RefCount("doc-1"))

	doc2, err := r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Same(t, doc1, doc2)
	assert.Equal(t, 2, r.RefCount("doc-1"))
}

func TestReleaseSchedulesUnloadAfterLastReference(t *testing.T) {
	r := New(testFactory(), persistence.NewMemoryHooks(), &wire.Framer{}, nil, Config{UnloadDelay: 10 * time.Millisecond})

	_, err := r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	r.Release("doc-1")

	assert.True(t, r.Loaded("doc-1"))

	r.sweep()
	assert.True(t, r.Loaded("doc-1"), "sweep should not unload before unloadAt passes")

	time.Sleep(15 * time.Millisecond)
	r.sweep()
	assert.False(t, r.Loaded("doc-1"))
}

func TestReacquireBeforeUnloadCancelsIt(t *testing.T) {
	r := New(testFactory(), persistence.NewMemoryHooks(), &wire.Framer{}, nil, Config{UnloadDelay: 20 * time.Millisecond})

	_, err := r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)
	r.Release("doc-1")

	_, err = r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	r.sweep()
	assert.True(t, r.Loaded("doc-1"), "re-acquired document must not be swept")
}

func TestConcurrentAcquireCoalescesLoad(t *testing.T) {
	loadCount := 0
	factory := func() crdt.Replica {
		loadCount++
		return crdt.NewMockReplica("server")
	}

	r := New(factory, persistence.NewMemoryHooks(), &wire.Framer{}, nil, Config{})

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := r.Acquire(context.Background(), "shared-doc")
			results <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}

	assert.Equal(t, n, r.RefCount("shared-doc"))
}

func TestShutdownFlushesLoadedDocuments(t *testing.T) {
	hooks := persistence.NewMemoryHooks()
	r := New(testFactory(), hooks, &wire.Framer{}, nil, Config{})

	doc, err := r.Acquire(context.Background(), "doc-1")
	require.NoError(t, err)

	remote := crdt.NewMockReplica("peer-a")
	update := remote.LocalUpdate([]byte("x"))
	doc.HandleClientUpdate(update, nil)
	require.Equal(t, 1, doc.PendingCount())

	r.Shutdown(context.Background())

	assert.Equal(t, 0, doc.PendingCount())
}
