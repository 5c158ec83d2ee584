// Package operator derives sparse directional-derivative matrices from mesh
// geometry.
//
// A Set holds one NxN matrix G_a per spatial axis a, with G_a[i][j] =
// w_ij * delta_ij[a] for every edge (i, j) and a diagonal chosen so each row
// sums to zero. Applying G_a to a constant field therefore yields zero, and
// because the weights depend only on distances and degrees, a rotation R of
// the mesh rotates the operator family as a vector: G'_a = sum_b R_ab G_b.
// That is the property the convolution core's equivariance rests on.
//
// Sets are immutable and deterministic: building twice from the same mesh
// snapshot produces bit-identical matrices.
package operator

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mversi/equimesh/pkg/mesh"
	"github.com/mversi/equimesh/pkg/metrics"
	"github.com/mversi/equimesh/pkg/sparse"

	"github.com/google/uuid"
)

// Scheme identifies an edge-weight normalization.
type Scheme string

const (
	// InvSquareDegree weights each edge by 1/(|delta|^2 * deg(i)), the
	// normalized-least-squares default: applied to a linear scalar field it
	// reproduces the exact directional derivative under the local geometry.
	InvSquareDegree Scheme = "inv-square-degree"
	// Unit applies no geometric weighting (w = 1). Mainly for diagnostics
	// and graph-Laplacian-style smoothing.
	Unit Scheme = "unit"
	// InvDistance weights each edge by 1/(|delta| * deg(i)).
	InvDistance Scheme = "inv-distance"
	// InvMeanDistance weights each edge by 1/(|delta| * meanDist(i) * deg(i)),
	// where meanDist(i) is the mean neighbor distance at the source node. Like
	// InvSquareDegree it carries units of 1/length^2, but normalizes against
	// the local mesh resolution instead of each edge individually, which damps
	// the influence of a single unusually short edge.
	InvMeanDistance Scheme = "inv-mean-distance"
)

func (s Scheme) valid() bool {
	switch s {
	case InvSquareDegree, Unit, InvDistance, InvMeanDistance:
		return true
	}
	return false
}

// Config controls operator construction.
type Config struct {
	// Normalization selects the edge-weight scheme. Empty means
	// InvSquareDegree.
	Normalization Scheme
	// Strict makes a zero-degree node a build error instead of an all-zero
	// operator row. Zero rows propagate zero through the convolution, which
	// is the documented non-strict policy for degenerate regions.
	Strict bool
	// WithLaplacian also assembles the composite operator sum_a G_a^T G_a at
	// build time. When false it is still available via Set.Laplacian, built
	// lazily on first use.
	WithLaplacian bool
}

func (c Config) normalization() Scheme {
	if c.Normalization == "" {
		return InvSquareDegree
	}
	return c.Normalization
}

// Set is the family of directional operators for one mesh snapshot, plus the
// derived Laplacian-like composite. Read-only after Build; safe for
// concurrent use across any number of forward and backward passes.
type Set struct {
	meshID uuid.UUID
	dim    int
	nodes  int
	gs     []*sparse.CSR

	lapOnce sync.Once
	lap     *sparse.CSR
}

// Build assembles the operator set for a mesh snapshot. It is O(E) per axis
// and idempotent: the same snapshot and config always reproduce bit-identical
// matrices.
func Build(m *mesh.Mesh, cfg Config) (*Set, error) {
	start := time.Now()
	scheme := cfg.normalization()
	if !scheme.valid() {
		return nil, fmt.Errorf("operator: unknown normalization scheme %q", cfg.Normalization)
	}
	if cfg.Strict {
		for i := 0; i < m.NumNodes(); i++ {
			if m.IsIsolated(i) {
				return nil, fmt.Errorf("%w: node %d has no neighbors (mesh %s)",
					mesh.ErrDegenerateGraph, i, m.ID())
			}
		}
	}
	if scheme != Unit {
		// Coincident endpoints would make the distance-normalized weights
		// infinite regardless of strictness.
		for _, e := range m.Edges() {
			if e.From != e.To && normSq(e.Delta) == 0 {
				return nil, fmt.Errorf("%w: edge (%d,%d) has zero length (mesh %s)",
					mesh.ErrDegenerateGraph, e.From, e.To, m.ID())
			}
		}
	}

	n := m.NumNodes()
	dim := m.Dim()
	s := &Set{meshID: m.ID(), dim: dim, nodes: n, gs: make([]*sparse.CSR, dim)}

	for a := 0; a < dim; a++ {
		ts := make([]sparse.Triplet, 0, 2*len(m.Edges())+n)
		diag := make([]float64, n)
		for _, e := range m.Edges() {
			if e.From == e.To {
				// Self-loops carry zero displacement and contribute nothing
				// to a directional derivative.
				continue
			}
			w := edgeWeight(scheme, e.Delta, m.Degree(e.From), m.MeanNeighborDistance(e.From))
			v := w * e.Delta[a]
			ts = append(ts, sparse.Triplet{Row: e.From, Col: e.To, Val: v})
			diag[e.From] -= v
		}
		for i, d := range diag {
			// Row sums to zero by construction; isolated nodes keep an
			// all-zero row (d == 0), the defined non-strict policy.
			ts = append(ts, sparse.Triplet{Row: i, Col: i, Val: d})
		}
		s.gs[a] = sparse.FromTriplets(n, ts)
	}

	if cfg.WithLaplacian {
		s.Laplacian()
	}

	metrics.OperatorBuilds.WithLabelValues(string(scheme)).Inc()
	metrics.OperatorBuildDuration.Observe(time.Since(start).Seconds())
	return s, nil
}

func normSq(delta []float64) float64 {
	var sq float64
	for _, d := range delta {
		sq += d * d
	}
	return sq
}

func edgeWeight(scheme Scheme, delta []float64, degree int, meanDist float64) float64 {
	sq := normSq(delta)
	switch scheme {
	case Unit:
		return 1
	case InvDistance:
		return 1 / (math.Sqrt(sq) * float64(degree))
	case InvMeanDistance:
		return 1 / (math.Sqrt(sq) * meanDist * float64(degree))
	default: // InvSquareDegree
		return 1 / (sq * float64(degree))
	}
}

// MeshID returns the identity of the snapshot the set was built from.
func (s *Set) MeshID() uuid.UUID { return s.meshID }

// Dim returns the spatial dimension D (and the number of directional
// operators).
func (s *Set) Dim() int { return s.dim }

// Nodes returns the node count N.
func (s *Set) Nodes() int { return s.nodes }

// Gradient returns the directional operator for axis a.
func (s *Set) Gradient(a int) *sparse.CSR {
	return s.gs[a]
}

// Laplacian returns the composite operator sum_a G_a^T G_a, assembling it on
// first use. The result is cached on the set and shared read-only.
func (s *Set) Laplacian() *sparse.CSR {
	s.lapOnce.Do(func() {
		lap := s.gs[0].T().MulCSR(s.gs[0])
		for a := 1; a < s.dim; a++ {
			lap = lap.Add(s.gs[a].T().MulCSR(s.gs[a]))
		}
		s.lap = lap
	})
	return s.lap
}
