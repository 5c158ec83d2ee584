package operator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaCachesPerSnapshot(t *testing.T) {
	m := gridMesh(t, 3, 3)
	var ar Arena

	a, err := ar.Get(m, Config{})
	require.NoError(t, err)
	b, err := ar.Get(m, Config{})
	require.NoError(t, err)
	require.Same(t, a, b, "same snapshot and scheme must share one set")
	require.Equal(t, 1, ar.Len())

	// A different normalization is a different cache entry.
	c, err := ar.Get(m, Config{Normalization: Unit})
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.Equal(t, 2, ar.Len())
}

func TestArenaInvalidate(t *testing.T) {
	m := gridMesh(t, 3, 3)
	var ar Arena

	a, err := ar.Get(m, Config{})
	require.NoError(t, err)
	_, err = ar.Get(m, Config{Normalization: Unit})
	require.NoError(t, err)

	ar.Invalidate(m.ID())
	require.Equal(t, 0, ar.Len(), "invalidation drops all schemes for the mesh")

	b, err := ar.Get(m, Config{})
	require.NoError(t, err)
	require.NotSame(t, a, b, "invalidation forces a rebuild")
	require.True(t, a.Gradient(0).Equal(b.Gradient(0)), "rebuild is still deterministic")
}

func TestArenaRebuildIsNewEntry(t *testing.T) {
	m := gridMesh(t, 3, 3)
	var ar Arena

	a, err := ar.Get(m, Config{})
	require.NoError(t, err)

	moved := make([][]float64, m.NumNodes())
	for i := range moved {
		p := m.Position(i)
		moved[i] = []float64{p[0] * 2, p[1] * 2}
	}
	m2, err := m.Rebuild(moved)
	require.NoError(t, err)

	b, err := ar.Get(m2, Config{})
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, 2, ar.Len(), "old and new snapshots coexist until invalidated")
}

func TestArenaConcurrentGet(t *testing.T) {
	m := gridMesh(t, 4, 4)
	var ar Arena

	const goroutines = 16
	sets := make([]*Set, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			s, err := ar.Get(m, Config{})
			if err != nil {
				t.Error(err)
				return
			}
			sets[g] = s
		}(g)
	}
	wg.Wait()

	require.Equal(t, 1, ar.Len())
	for g := 1; g < goroutines; g++ {
		require.Same(t, sets[0], sets[g])
	}
}
