// Package conv implements the rank-aware contraction at the heart of the
// engine: applying a mesh's directional operators to a tensor-valued feature
// field.
//
// Four transforms are supported. Gradient raises the rank by one, stacking
// G_a * f along a new leading spatial axis. Divergence lowers it by one,
// contracting the leading axis with the adjoint operators G_a^T; using the
// transpose makes gradient and divergence an adjoint pair satisfying the
// discrete integration-by-parts identity <grad s, v> = <s, div v>. Laplacian
// preserves rank, applying the composite operator per channel. Rotation is
// the discrete curl of a 3D vector field: rank-preserving, equivariant under
// rotations, and a pseudo-vector under reflections (the output picks up the
// determinant sign, as a curl must).
//
// Every transform is a pure function of its inputs: fields are never mutated,
// operators are read-only, and the output depends on nothing else. That makes
// the transforms safe to reuse across forward and backward passes and across
// goroutines.
package conv

import (
	"errors"
	"fmt"
	"time"

	"github.com/mversi/equimesh/pkg/metrics"
	"github.com/mversi/equimesh/pkg/operator"
	"github.com/mversi/equimesh/pkg/tensor"
)

var (
	// ErrRankOverflow indicates a rank increase past the configured maximum.
	ErrRankOverflow = errors.New("conv: rank overflow")
	// ErrRankUnderflow indicates a rank decrease on a rank-0 field.
	ErrRankUnderflow = errors.New("conv: rank underflow")
)

// Kind selects a transform.
type Kind string

const (
	// Gradient is the rank-raising transform (rank R -> R+1).
	Gradient Kind = "gradient"
	// Divergence is the rank-lowering transform (rank R -> R-1), the
	// adjoint of Gradient.
	Divergence Kind = "divergence"
	// Laplacian is the rank-preserving smoothing transform.
	Laplacian Kind = "laplacian"
	// Rotation is the discrete curl of a rank-1 field in three dimensions.
	Rotation Kind = "rotation"
)

// DefaultMaxRank bounds rank raises unless overridden in Options.
const DefaultMaxRank = 2

// Options tunes a transform application.
type Options struct {
	// MaxRank is the highest rank a Gradient may produce. Zero means
	// DefaultMaxRank; values above tensor.MaxSupportedRank are rejected at
	// apply time rather than clamped.
	MaxRank int
	// Factor scales the output. Zero means 1.
	Factor float64
}

func (o Options) maxRank() int {
	if o.MaxRank == 0 {
		return DefaultMaxRank
	}
	return o.MaxRank
}

func (o Options) factor() float64 {
	if o.Factor == 0 {
		return 1
	}
	return o.Factor
}

// Apply runs one transform of the given kind on f using the mesh's operator
// set. The input field is not modified.
func Apply(kind Kind, ops *operator.Set, f *tensor.Field, o Options) (*tensor.Field, error) {
	start := time.Now()
	if err := f.CheckCompatible(ops.Nodes(), ops.Dim()); err != nil {
		return nil, err
	}

	var (
		out *tensor.Field
		err error
	)
	switch kind {
	case Gradient:
		out, err = gradient(ops, f, o)
	case Divergence:
		out, err = divergence(ops, f)
	case Laplacian:
		out, err = laplacian(ops, f)
	case Rotation:
		out, err = rotation(ops, f)
	default:
		return nil, fmt.Errorf("conv: unknown transform kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	if s := o.factor(); s != 1 {
		out.Scale(s)
	}
	metrics.Convolutions.WithLabelValues(string(kind)).Inc()
	metrics.ConvolutionDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	return out, nil
}

func gradient(ops *operator.Set, f *tensor.Field, o Options) (*tensor.Field, error) {
	maxRank := o.maxRank()
	if maxRank > tensor.MaxSupportedRank {
		return nil, fmt.Errorf("%w: configured max rank %d exceeds supported %d",
			ErrRankOverflow, maxRank, tensor.MaxSupportedRank)
	}
	outRank := f.Rank() + 1
	if outRank > maxRank {
		return nil, fmt.Errorf("%w: rank %d -> %d exceeds max rank %d",
			ErrRankOverflow, f.Rank(), outRank, maxRank)
	}

	dim := f.Dim()
	nodes := f.Nodes()
	out, err := tensor.NewField(outRank, dim, nodes, f.Channels())
	if err != nil {
		return nil, err
	}

	// Per node, the output block is dim chunks of the input block size; the
	// chunk at offset a*w holds G_a applied to the whole input field.
	w := f.SpatialSize() * f.Channels()
	tmp := make([]float64, nodes*w)
	for a := 0; a < dim; a++ {
		ops.Gradient(a).MulMat(tmp, f.Data(), w)
		for n := 0; n < nodes; n++ {
			copy(out.Data()[(n*dim+a)*w:(n*dim+a+1)*w], tmp[n*w:(n+1)*w])
		}
	}
	return out, nil
}

func divergence(ops *operator.Set, f *tensor.Field) (*tensor.Field, error) {
	if f.Rank() == 0 {
		return nil, fmt.Errorf("%w: divergence of a rank-0 field", ErrRankUnderflow)
	}

	dim := f.Dim()
	nodes := f.Nodes()
	out, err := tensor.NewField(f.Rank()-1, dim, nodes, f.Channels())
	if err != nil {
		return nil, err
	}

	// Contract the leading spatial axis with the adjoint operators:
	// out = sum_a G_a^T f[:, a, ...].
	w := out.SpatialSize() * f.Channels()
	slice := make([]float64, nodes*w)
	tmp := make([]float64, nodes*w)
	for a := 0; a < dim; a++ {
		for n := 0; n < nodes; n++ {
			copy(slice[n*w:(n+1)*w], f.Data()[(n*dim+a)*w:(n*dim+a+1)*w])
		}
		ops.Gradient(a).MulMatT(tmp, slice, w)
		for i, v := range tmp {
			out.Data()[i] += v
		}
	}
	return out, nil
}

func rotation(ops *operator.Set, f *tensor.Field) (*tensor.Field, error) {
	if f.Dim() != 3 {
		return nil, fmt.Errorf("%w: rotation requires dim 3, field has dim %d",
			tensor.ErrShapeMismatch, f.Dim())
	}
	if f.Rank() != 1 {
		return nil, fmt.Errorf("%w: rotation requires a rank-1 field, got rank %d",
			tensor.ErrShapeMismatch, f.Rank())
	}

	nodes := f.Nodes()
	ch := f.Channels()
	out, err := tensor.NewField(1, 3, nodes, ch)
	if err != nil {
		return nil, err
	}

	// out_a = G_b f_c - G_c f_b for cyclic (a, b, c).
	slice := make([]float64, nodes*ch)
	tmp := make([]float64, nodes*ch)
	for a := 0; a < 3; a++ {
		b, c := (a+1)%3, (a+2)%3
		curlTerm(out, ops, f, a, b, c, 1, slice, tmp)
		curlTerm(out, ops, f, a, c, b, -1, slice, tmp)
	}
	return out, nil
}

// curlTerm accumulates sign * G_axis f[comp] into out[outComp].
func curlTerm(out *tensor.Field, ops *operator.Set, f *tensor.Field, outComp, axis, comp int, sign float64, slice, tmp []float64) {
	nodes := f.Nodes()
	ch := f.Channels()
	for n := 0; n < nodes; n++ {
		copy(slice[n*ch:(n+1)*ch], f.Data()[(n*3+comp)*ch:(n*3+comp+1)*ch])
	}
	ops.Gradient(axis).MulMat(tmp, slice, ch)
	for n := 0; n < nodes; n++ {
		dst := out.Data()[(n*3+outComp)*ch : (n*3+outComp+1)*ch]
		for i, v := range tmp[n*ch : (n+1)*ch] {
			dst[i] += sign * v
		}
	}
}

func laplacian(ops *operator.Set, f *tensor.Field) (*tensor.Field, error) {
	out, err := tensor.NewField(f.Rank(), f.Dim(), f.Nodes(), f.Channels())
	if err != nil {
		return nil, err
	}
	w := f.SpatialSize() * f.Channels()
	ops.Laplacian().MulMat(out.Data(), f.Data(), w)
	return out, nil
}

// ApplyBatch runs the same transform over independent samples. Sample i uses
// only sets[i] and fields[i]; there is no shared state that could leak values
// between samples, each output is produced by its own Apply call.
func ApplyBatch(kind Kind, sets []*operator.Set, fields []*tensor.Field, o Options) ([]*tensor.Field, error) {
	if len(sets) != len(fields) {
		return nil, fmt.Errorf("%w: %d operator sets for %d fields",
			tensor.ErrShapeMismatch, len(sets), len(fields))
	}
	out := make([]*tensor.Field, len(fields))
	for i := range fields {
		res, err := Apply(kind, sets[i], fields[i], o)
		if err != nil {
			return nil, fmt.Errorf("sample %d (mesh %s): %w", i, sets[i].MeshID(), err)
		}
		out[i] = res
	}
	return out, nil
}
