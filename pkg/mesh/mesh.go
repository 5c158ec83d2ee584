// Package mesh defines the graph model the operator builder consumes: node
// positions in 1, 2 or 3 spatial dimensions plus a directed edge list with
// per-edge displacement vectors.
//
// A Mesh is an immutable snapshot. Displacements are computed from the node
// positions at construction time and are never updated in place; when the
// geometry moves, Rebuild produces a new snapshot with a new identity so that
// operator caches keyed by mesh ID can never serve stale matrices.
package mesh

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTopology indicates a malformed graph: an edge referencing a
	// node that does not exist, a duplicate edge, inconsistent position
	// dimensions, or an unsupported spatial dimension.
	ErrInvalidTopology = errors.New("mesh: invalid topology")
	// ErrDegenerateGraph indicates a node with no neighbors where the
	// requested configuration cannot tolerate one (strict operator builds).
	ErrDegenerateGraph = errors.New("mesh: degenerate graph")
)

// Edge is a directed edge with the displacement vector from its source node
// to its destination node, recomputed from positions at snapshot time.
type Edge struct {
	From, To int
	Delta    []float64 // position[To] - position[From], length Dim
}

// Options controls mesh construction.
type Options struct {
	// SelfLoops injects an (i, i) edge with zero displacement at every node.
	// Self-loops carry no directional information; they exist for
	// rank-preserving passthrough terms, not differentiation.
	SelfLoops bool
}

// Mesh is an immutable geometric graph snapshot.
type Mesh struct {
	id        uuid.UUID
	dim       int
	positions [][]float64
	edges     []Edge
	adjacency [][]int   // neighbor node indices per node, input order
	degree    []int     // out-degree excluding self-loops
	distSum   []float64 // sum of edge lengths leaving each node
}

// New builds a mesh snapshot from node positions (one slice per node, all of
// equal length D in {1, 2, 3}) and a directed edge list. Self-loops must not
// appear in the edge list; enable Options.SelfLoops to have them injected.
func New(positions [][]float64, edges [][2]int, opts Options) (*Mesh, error) {
	n := len(positions)
	if n == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidTopology)
	}
	dim := len(positions[0])
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("%w: unsupported spatial dimension %d", ErrInvalidTopology, dim)
	}
	for i, p := range positions {
		if len(p) != dim {
			return nil, fmt.Errorf("%w: node %d has %d coordinates, want %d",
				ErrInvalidTopology, i, len(p), dim)
		}
	}

	m := &Mesh{
		id:        uuid.New(),
		dim:       dim,
		positions: clonePositions(positions),
		adjacency: make([][]int, n),
		degree:    make([]int, n),
		distSum:   make([]float64, n),
	}

	seen := make(map[[2]int]struct{}, len(edges))
	m.edges = make([]Edge, 0, len(edges))
	for _, e := range edges {
		i, j := e[0], e[1]
		if i < 0 || i >= n || j < 0 || j >= n {
			return nil, fmt.Errorf("%w: edge (%d,%d) out of range for %d nodes",
				ErrInvalidTopology, i, j, n)
		}
		if i == j {
			return nil, fmt.Errorf("%w: explicit self-loop at node %d (use Options.SelfLoops)",
				ErrInvalidTopology, i)
		}
		if _, dup := seen[e]; dup {
			return nil, fmt.Errorf("%w: duplicate edge (%d,%d)", ErrInvalidTopology, i, j)
		}
		seen[e] = struct{}{}

		delta := make([]float64, dim)
		var sq float64
		for a := 0; a < dim; a++ {
			delta[a] = m.positions[j][a] - m.positions[i][a]
			sq += delta[a] * delta[a]
		}
		m.edges = append(m.edges, Edge{From: i, To: j, Delta: delta})
		m.adjacency[i] = append(m.adjacency[i], j)
		m.degree[i]++
		m.distSum[i] += math.Sqrt(sq)
	}

	if opts.SelfLoops {
		for i := 0; i < n; i++ {
			m.edges = append(m.edges, Edge{From: i, To: i, Delta: make([]float64, dim)})
		}
	}
	return m, nil
}

// Rebuild returns a new snapshot with the same topology but new node
// positions. Displacements are recomputed and the snapshot gets a fresh
// identity, invalidating any operators cached for the old one.
func (m *Mesh) Rebuild(positions [][]float64) (*Mesh, error) {
	if len(positions) != len(m.positions) {
		return nil, fmt.Errorf("%w: rebuild with %d positions, mesh has %d nodes",
			ErrInvalidTopology, len(positions), len(m.positions))
	}
	edges := make([][2]int, 0, len(m.edges))
	hasSelfLoops := false
	for _, e := range m.edges {
		if e.From == e.To {
			hasSelfLoops = true
			continue
		}
		edges = append(edges, [2]int{e.From, e.To})
	}
	return New(positions, edges, Options{SelfLoops: hasSelfLoops})
}

// ID returns the snapshot identity. Two meshes with identical content still
// have distinct IDs; identity tracks snapshots, not values.
func (m *Mesh) ID() uuid.UUID { return m.id }

// NumNodes returns the node count.
func (m *Mesh) NumNodes() int { return len(m.positions) }

// Dim returns the spatial dimension D.
func (m *Mesh) Dim() int { return m.dim }

// Edges returns the edge list, self-loops (if enabled) last.
// The returned slice must not be modified.
func (m *Mesh) Edges() []Edge { return m.edges }

// Degree returns the out-degree of node i, excluding self-loops.
func (m *Mesh) Degree(i int) int { return m.degree[i] }

// Neighbors returns the destination nodes of edges leaving node i,
// excluding self-loops. The returned slice must not be modified.
func (m *Mesh) Neighbors(i int) []int { return m.adjacency[i] }

// IsIsolated reports whether node i has no neighbors.
func (m *Mesh) IsIsolated(i int) bool { return m.degree[i] == 0 }

// Position returns the coordinates of node i.
// The returned slice must not be modified.
func (m *Mesh) Position(i int) []float64 { return m.positions[i] }

// MeanNeighborDistance returns the mean Euclidean edge length at node i,
// zero for isolated nodes. The operator builder's mean-distance normalization
// scheme reads this per edge, so it is precomputed at snapshot time.
func (m *Mesh) MeanNeighborDistance(i int) float64 {
	if m.degree[i] == 0 {
		return 0
	}
	return m.distSum[i] / float64(m.degree[i])
}

func clonePositions(ps [][]float64) [][]float64 {
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = append([]float64(nil), p...)
	}
	return out
}
