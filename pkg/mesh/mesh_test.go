package mesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func square2D() ([][]float64, [][2]int) {
	positions := [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	edges := [][2]int{
		{0, 1}, {1, 0},
		{1, 2}, {2, 1},
		{2, 3}, {3, 2},
		{3, 0}, {0, 3},
	}
	return positions, edges
}

func TestNewComputesDisplacements(t *testing.T) {
	positions, edges := square2D()
	m, err := New(positions, edges, Options{})
	require.NoError(t, err)

	require.Equal(t, 4, m.NumNodes())
	require.Equal(t, 2, m.Dim())
	require.Len(t, m.Edges(), 8)

	e := m.Edges()[0] // (0,1)
	require.Equal(t, []float64{1, 0}, e.Delta)
	e = m.Edges()[7] // (0,3)
	require.Equal(t, []float64{0, 1}, e.Delta)

	require.Equal(t, 2, m.Degree(0))
	require.ElementsMatch(t, []int{1, 3}, m.Neighbors(0))
	require.False(t, m.IsIsolated(0))
}

func TestNewRejectsBadTopology(t *testing.T) {
	positions, edges := square2D()

	_, err := New(nil, nil, Options{})
	require.ErrorIs(t, err, ErrInvalidTopology)

	_, err = New(positions, [][2]int{{0, 9}}, Options{})
	require.ErrorIs(t, err, ErrInvalidTopology)

	_, err = New(positions, [][2]int{{-1, 0}}, Options{})
	require.ErrorIs(t, err, ErrInvalidTopology)

	_, err = New(positions, [][2]int{{0, 1}, {0, 1}}, Options{})
	require.ErrorIs(t, err, ErrInvalidTopology)

	_, err = New(positions, [][2]int{{2, 2}}, Options{})
	require.ErrorIs(t, err, ErrInvalidTopology, "explicit self-loops are rejected")

	_, err = New([][]float64{{0, 0}, {1}}, edges, Options{})
	require.ErrorIs(t, err, ErrInvalidTopology, "ragged positions are rejected")

	_, err = New([][]float64{{0, 0, 0, 0}}, nil, Options{})
	require.ErrorIs(t, err, ErrInvalidTopology, "4D positions are rejected")
}

func TestSelfLoopInjection(t *testing.T) {
	positions, edges := square2D()
	m, err := New(positions, edges, Options{SelfLoops: true})
	require.NoError(t, err)
	require.Len(t, m.Edges(), 12)

	loops := 0
	for _, e := range m.Edges() {
		if e.From == e.To {
			loops++
			require.Equal(t, []float64{0, 0}, e.Delta, "self-loops carry zero displacement")
		}
	}
	require.Equal(t, 4, loops)
	// Self-loops do not count toward degree.
	require.Equal(t, 2, m.Degree(0))
}

func TestRebuildRefreshesGeometryAndIdentity(t *testing.T) {
	positions, edges := square2D()
	m, err := New(positions, edges, Options{SelfLoops: true})
	require.NoError(t, err)

	scaled := [][]float64{{0, 0}, {2, 0}, {2, 2}, {0, 2}}
	m2, err := m.Rebuild(scaled)
	require.NoError(t, err)

	require.NotEqual(t, m.ID(), m2.ID(), "a geometry change is a new snapshot")
	require.Equal(t, []float64{2, 0}, m2.Edges()[0].Delta)
	require.Equal(t, []float64{1, 0}, m.Edges()[0].Delta, "old snapshot untouched")
	require.Len(t, m2.Edges(), len(m.Edges()), "self-loops survive a rebuild")

	_, err = m.Rebuild([][]float64{{0, 0}})
	require.ErrorIs(t, err, ErrInvalidTopology)
}

func TestIsolatedNode(t *testing.T) {
	positions := [][]float64{{0, 0}, {1, 0}, {5, 5}}
	m, err := New(positions, [][2]int{{0, 1}, {1, 0}}, Options{})
	require.NoError(t, err)
	require.True(t, m.IsIsolated(2))
	require.Equal(t, 0.0, m.MeanNeighborDistance(2))
	require.Equal(t, 1.0, m.MeanNeighborDistance(0))
}

func TestPositionsAreCopied(t *testing.T) {
	positions, edges := square2D()
	m, err := New(positions, edges, Options{})
	require.NoError(t, err)

	positions[1][0] = 99
	require.Equal(t, 1.0, m.Position(1)[0], "mesh must snapshot positions, not alias them")
}
