// Package tensor defines the rank-tagged feature fields the convolution core
// operates on.
//
// A Field stores one value per (node, spatial indices..., channel). The rank
// (number of spatial indices) is part of the value, not inferred from data
// length: rank 0 is a scalar field, rank 1 a vector field with D components,
// rank 2 a DxD matrix field. Supported ranks form a small closed set (0..3)
// dispatched by explicit switches; there is deliberately no open-ended
// broadcasting, and shape mismatches are rejected at the API boundary.
package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MaxSupportedRank is the hard ceiling on feature rank. The engine's index
// bookkeeping is written out explicitly per rank, so anything above this is
// rejected rather than silently truncated.
const MaxSupportedRank = 3

// ErrShapeMismatch indicates a node-count, dimension, rank or channel
// mismatch between a field and the operation applied to it.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Field is a feature tensor over the nodes of one mesh.
//
// Data is laid out node-major: for node n, spatial multi-index s (row-major
// over rank axes, each of extent dim) and channel c, the value lives at
// data[(n*dim^rank+s)*channels+c]. The first spatial axis is the one a
// gradient transform most recently introduced, and the one a divergence
// transform contracts.
type Field struct {
	rank     int
	dim      int
	nodes    int
	channels int
	data     []float64
}

// NewField allocates a zero field.
func NewField(rank, dim, nodes, channels int) (*Field, error) {
	if rank < 0 || rank > MaxSupportedRank {
		return nil, fmt.Errorf("%w: rank %d outside supported range 0..%d",
			ErrShapeMismatch, rank, MaxSupportedRank)
	}
	if dim < 1 || dim > 3 || nodes <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid field shape (dim=%d nodes=%d channels=%d)",
			ErrShapeMismatch, dim, nodes, channels)
	}
	f := &Field{rank: rank, dim: dim, nodes: nodes, channels: channels}
	f.data = make([]float64, nodes*f.SpatialSize()*channels)
	return f, nil
}

// FromSlice wraps existing data as a field. The slice is used directly, not
// copied; its length must match the declared shape exactly.
func FromSlice(rank, dim, nodes, channels int, data []float64) (*Field, error) {
	f, err := NewField(rank, dim, nodes, channels)
	if err != nil {
		return nil, err
	}
	if len(data) != len(f.data) {
		return nil, fmt.Errorf("%w: data length %d, want %d", ErrShapeMismatch, len(data), len(f.data))
	}
	f.data = data
	return f, nil
}

// Rank returns the number of spatial indices per node.
func (f *Field) Rank() int { return f.rank }

// Dim returns the spatial dimension D.
func (f *Field) Dim() int { return f.dim }

// Nodes returns the node count.
func (f *Field) Nodes() int { return f.nodes }

// Channels returns the channel count.
func (f *Field) Channels() int { return f.channels }

// SpatialSize returns dim^rank, the number of spatial components per
// (node, channel) pair.
func (f *Field) SpatialSize() int {
	size := 1
	for r := 0; r < f.rank; r++ {
		size *= f.dim
	}
	return size
}

// Data exposes the backing slice. Callers must treat it as read-only unless
// they own the field.
func (f *Field) Data() []float64 { return f.data }

// Clone returns a deep copy.
func (f *Field) Clone() *Field {
	out := *f
	out.data = append([]float64(nil), f.data...)
	return &out
}

// CheckCompatible verifies the field matches an operator's node count and
// spatial dimension.
func (f *Field) CheckCompatible(nodes, dim int) error {
	if f.nodes != nodes {
		return fmt.Errorf("%w: field has %d nodes, operator has %d", ErrShapeMismatch, f.nodes, nodes)
	}
	if f.dim != dim {
		return fmt.Errorf("%w: field dimension %d, operator dimension %d", ErrShapeMismatch, f.dim, dim)
	}
	return nil
}

// flat converts a spatial multi-index to its row-major offset. The switch is
// exhaustive over the supported ranks.
func (f *Field) flat(spatial []int) int {
	if len(spatial) != f.rank {
		panic(fmt.Sprintf("tensor: %d spatial indices for rank-%d field", len(spatial), f.rank))
	}
	switch f.rank {
	case 0:
		return 0
	case 1:
		return spatial[0]
	case 2:
		return spatial[0]*f.dim + spatial[1]
	case 3:
		return (spatial[0]*f.dim+spatial[1])*f.dim + spatial[2]
	default:
		panic(fmt.Sprintf("tensor: unsupported rank %d", f.rank))
	}
}

// At returns the value at (node, spatial..., channel).
func (f *Field) At(node, channel int, spatial ...int) float64 {
	return f.data[(node*f.SpatialSize()+f.flat(spatial))*f.channels+channel]
}

// Set writes the value at (node, spatial..., channel).
func (f *Field) Set(node, channel int, v float64, spatial ...int) {
	f.data[(node*f.SpatialSize()+f.flat(spatial))*f.channels+channel] = v
}

// Scale multiplies every value by s in place.
func (f *Field) Scale(s float64) {
	for i := range f.data {
		f.data[i] *= s
	}
}

// AddScaled adds s*g to f in place. The fields must have identical shape.
func (f *Field) AddScaled(g *Field, s float64) error {
	if f.rank != g.rank || f.dim != g.dim || f.nodes != g.nodes || f.channels != g.channels {
		return fmt.Errorf("%w: add of rank %d (%dx%dx%d) and rank %d (%dx%dx%d)",
			ErrShapeMismatch, f.rank, f.nodes, f.dim, f.channels, g.rank, g.nodes, g.dim, g.channels)
	}
	for i, v := range g.data {
		f.data[i] += s * v
	}
	return nil
}

// Contract reduces a field to its rank-0 invariant: the per-node, per-channel
// Frobenius norm over all spatial components. For a rank-0 input it returns a
// copy of the absolute values. This is the only quantity nonlinearities may
// see; it is unchanged under any rotation or reflection of the ambient space.
func Contract(f *Field) *Field {
	out, _ := NewField(0, f.dim, f.nodes, f.channels)
	ss := f.SpatialSize()
	for n := 0; n < f.nodes; n++ {
		base := n * ss * f.channels
		for c := 0; c < f.channels; c++ {
			var sq float64
			for s := 0; s < ss; s++ {
				v := f.data[base+s*f.channels+c]
				sq += v * v
			}
			out.data[n*f.channels+c] = math.Sqrt(sq)
		}
	}
	return out
}

// BroadcastMul scales every spatial component of f by a per-(node, channel)
// scalar taken from the rank-0 field s, in place. This is how nonlinear
// functions of invariants re-enter higher-rank features without touching
// individual components: a common scalar multiplier cannot break
// equivariance.
func BroadcastMul(f *Field, s *Field) error {
	if s.rank != 0 || s.nodes != f.nodes || s.channels != f.channels {
		return fmt.Errorf("%w: broadcast of rank-%d %dx%d onto rank-%d %dx%d",
			ErrShapeMismatch, s.rank, s.nodes, s.channels, f.rank, f.nodes, f.channels)
	}
	ss := f.SpatialSize()
	for n := 0; n < f.nodes; n++ {
		for c := 0; c < f.channels; c++ {
			m := s.data[n*f.channels+c]
			base := n * ss * f.channels
			for sp := 0; sp < ss; sp++ {
				f.data[base+sp*f.channels+c] *= m
			}
		}
	}
	return nil
}

// MixChannels applies a dense (in, out) channel map independently at every
// (node, spatial index) pair. The geometric structure is untouched, so the
// mixing commutes with any isometry of the ambient space.
func MixChannels(f *Field, w *mat.Dense) (*Field, error) {
	wr, wc := w.Dims()
	if wr != f.channels {
		return nil, fmt.Errorf("%w: mixing %d input channels with %dx%d weights",
			ErrShapeMismatch, f.channels, wr, wc)
	}
	out, err := NewField(f.rank, f.dim, f.nodes, wc)
	if err != nil {
		return nil, err
	}
	rows := f.nodes * f.SpatialSize()
	src := mat.NewDense(rows, f.channels, f.data)
	dst := mat.NewDense(rows, wc, out.data)
	dst.Mul(src, w)
	return out, nil
}
