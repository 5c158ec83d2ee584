// Stack construction and the forward pass.

package layer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/mversi/equimesh/pkg/conv"
	"github.com/mversi/equimesh/pkg/operator"
	"github.com/mversi/equimesh/pkg/tensor"

	"gonum.org/v1/gonum/mat"
)

// Weights holds the learned parameters of one layer. Mix is the channel
// mixing map; Coeff is the coefficient-network map, nil when the layer has no
// coefficient step. The harness's optimizer mutates these between training
// steps, never concurrently with a running Forward.
type Weights struct {
	Mix   *mat.Dense
	Coeff *mat.Dense
}

type builtLayer struct {
	cfg LayerConfig
	act Activation
	w   Weights
}

// Stack is a validated sequence of physics-encoded equivariant layers.
type Stack struct {
	cfg    Config
	layers []builtLayer
}

// NewStack validates the config, allocates weights (Glorot-uniform, seeded
// deterministically) and returns a ready stack. Use SetWeights or InitWeights
// to replace the initial parameters.
func NewStack(cfg Config) (*Stack, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Stack{cfg: cfg, layers: make([]builtLayer, len(cfg.Layers))}
	rank := cfg.InputRank
	for i, lc := range cfg.Layers {
		inRank := rank
		for _, p := range lc.Propagations {
			switch p {
			case conv.Gradient:
				rank++
			case conv.Divergence:
				rank--
			}
		}
		if lc.Residual && (rank != inRank || lc.Channels.In != lc.Channels.Out) {
			return nil, fmt.Errorf("layer %d (%s): residual requires matching input/output shape",
				i, lc.Name)
		}

		act, _ := lookupActivation(lc.Activation)
		s.layers[i] = builtLayer{cfg: lc, act: act}
	}
	s.InitWeights(1)
	return s, nil
}

// InitWeights reinitializes all learned parameters with Glorot-uniform values
// drawn from a deterministic generator.
func (s *Stack) InitWeights(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range s.layers {
		ch := s.layers[i].cfg.Channels
		s.layers[i].w.Mix = glorot(rng, ch.In, ch.Out)
		if s.layers[i].cfg.Coefficient {
			s.layers[i].w.Coeff = glorot(rng, ch.In, ch.Out)
		} else {
			s.layers[i].w.Coeff = nil
		}
	}
}

func glorot(rng *rand.Rand, in, out int) *mat.Dense {
	limit := math.Sqrt(6 / float64(in+out))
	data := make([]float64, in*out)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return mat.NewDense(in, out, data)
}

// Weights exposes the learned parameters per layer. The returned structs
// alias the stack's own matrices so an external optimizer can update them in
// place between steps.
func (s *Stack) Weights() []Weights {
	out := make([]Weights, len(s.layers))
	for i := range s.layers {
		out[i] = s.layers[i].w
	}
	return out
}

// SetWeights replaces all learned parameters. Dimensions must match the
// layer channel declarations.
func (s *Stack) SetWeights(ws []Weights) error {
	if len(ws) != len(s.layers) {
		return fmt.Errorf("layer: %d weight sets for %d layers", len(ws), len(s.layers))
	}
	for i, w := range ws {
		ch := s.layers[i].cfg.Channels
		if r, c := w.Mix.Dims(); r != ch.In || c != ch.Out {
			return fmt.Errorf("layer %d: mix weights %dx%d, want %dx%d", i, r, c, ch.In, ch.Out)
		}
		if s.layers[i].cfg.Coefficient {
			if w.Coeff == nil {
				return fmt.Errorf("layer %d: missing coefficient weights", i)
			}
			if r, c := w.Coeff.Dims(); r != ch.In || c != ch.Out {
				return fmt.Errorf("layer %d: coefficient weights %dx%d, want %dx%d", i, r, c, ch.In, ch.Out)
			}
		}
		s.layers[i].w = w
	}
	return nil
}

// Forward runs the stack on one sample. The input field is not modified; the
// operator set must come from the mesh the field lives on.
func (s *Stack) Forward(ops *operator.Set, f *tensor.Field) (*tensor.Field, error) {
	if ops.Dim() != s.cfg.Dim {
		return nil, fmt.Errorf("%w: stack built for dim %d, operators have dim %d",
			tensor.ErrShapeMismatch, s.cfg.Dim, ops.Dim())
	}
	if f.Rank() != s.cfg.InputRank || f.Channels() != s.cfg.InputChannels {
		return nil, fmt.Errorf("%w: stack expects rank-%d %d-channel input, got rank-%d %d-channel",
			tensor.ErrShapeMismatch, s.cfg.InputRank, s.cfg.InputChannels, f.Rank(), f.Channels())
	}

	h := f
	for i := range s.layers {
		var err error
		h, err = s.forwardLayer(&s.layers[i], ops, h)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, s.layers[i].cfg.Name, err)
		}
	}
	return h, nil
}

// ForwardBatch runs the stack over independent samples, each with its own
// operator set. Samples never share intermediate buffers.
func (s *Stack) ForwardBatch(sets []*operator.Set, fields []*tensor.Field) ([]*tensor.Field, error) {
	if len(sets) != len(fields) {
		return nil, fmt.Errorf("%w: %d operator sets for %d fields",
			tensor.ErrShapeMismatch, len(sets), len(fields))
	}
	out := make([]*tensor.Field, len(fields))
	for i := range fields {
		res, err := s.Forward(sets[i], fields[i])
		if err != nil {
			return nil, fmt.Errorf("sample %d (mesh %s): %w", i, sets[i].MeshID(), err)
		}
		out[i] = res
	}
	return out, nil
}

func (s *Stack) forwardLayer(l *builtLayer, ops *operator.Set, in *tensor.Field) (*tensor.Field, error) {
	h := in
	var err error

	mixOrder := l.cfg.MixOrder
	if mixOrder == "" {
		mixOrder = MixFirst
	}
	if mixOrder == MixFirst {
		if h, err = tensor.MixChannels(h, l.w.Mix); err != nil {
			return nil, err
		}
	}

	opts := conv.Options{MaxRank: s.cfg.maxRank(), Factor: l.cfg.Factor}
	for _, p := range l.cfg.Propagations {
		if h, err = conv.Apply(p, ops, h, opts); err != nil {
			return nil, err
		}
	}

	if mixOrder == MixLast {
		if h, err = tensor.MixChannels(h, l.w.Mix); err != nil {
			return nil, err
		}
	}

	if l.cfg.Symmetric {
		symmetrize(h)
	}

	if l.cfg.Residual {
		if err := h.AddScaled(in, 1); err != nil {
			return nil, err
		}
	}

	switch {
	case l.cfg.Coefficient:
		// The coefficient step: mix the invariant contraction of the layer
		// input, squash it with the activation and broadcast the resulting
		// per-(node, channel) scalar onto the propagated output.
		invariant := in
		if in.Rank() > 0 {
			invariant = tensor.Contract(in)
		}
		coeff, err := tensor.MixChannels(invariant, l.w.Coeff)
		if err != nil {
			return nil, err
		}
		applyPointwise(coeff, l.act)
		if err := tensor.BroadcastMul(h, coeff); err != nil {
			return nil, err
		}
	case h.Rank() == 0:
		applyPointwise(h, l.act)
	}
	// Rank > 0 without a coefficient step keeps the identity activation;
	// validation rejects anything else.

	return h, nil
}

// symmetrize averages a rank-2 field with its spatial transpose in place.
func symmetrize(f *tensor.Field) {
	dim := f.Dim()
	for n := 0; n < f.Nodes(); n++ {
		for a := 0; a < dim; a++ {
			for b := a + 1; b < dim; b++ {
				for c := 0; c < f.Channels(); c++ {
					ab := f.At(n, c, a, b)
					ba := f.At(n, c, b, a)
					avg := (ab + ba) / 2
					f.Set(n, c, avg, a, b)
					f.Set(n, c, avg, b, a)
				}
			}
		}
	}
}

func applyPointwise(f *tensor.Field, act Activation) {
	data := f.Data()
	for i, v := range data {
		data[i] = act(v)
	}
}
