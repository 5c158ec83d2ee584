// Package layer composes convolution transforms into physics-encoded
// equivariant layers.
//
// A Stack is built from a declarative YAML config: per layer, an ordered
// propagation sequence drawn from the enabled operator set, channel counts
// for the learned mixing, and an activation that only ever sees rank-0
// invariants. The stack validates the rank arithmetic up front so that a
// mis-specified model fails at construction, not mid-training.

package layer

import (
	"fmt"

	"github.com/mversi/equimesh/pkg/conv"
	"github.com/mversi/equimesh/pkg/operator"
	"github.com/mversi/equimesh/pkg/tensor"

	"gopkg.in/yaml.v3"
)

// Channels declares the learned mixing width of one layer.
type Channels struct {
	In  int `yaml:"in"`
	Out int `yaml:"out"`
}

// MixOrder selects when channel mixing runs relative to the propagation
// sequence: "a_hw" mixes first (A (H W)), "ah_w" mixes after ((A H) W).
type MixOrder string

const (
	MixFirst MixOrder = "a_hw"
	MixLast  MixOrder = "ah_w"
)

// LayerConfig declares one physics-encoded layer.
type LayerConfig struct {
	Name string `yaml:"name"`
	// Propagations is the ordered transform sequence, e.g.
	// [gradient, divergence] for a learned Laplace-like layer.
	Propagations []conv.Kind `yaml:"propagations"`
	Channels     Channels    `yaml:"channels"`
	// Activation names an entry of the invariant-safe activation table.
	// Non-identity activations on layers with rank > 0 output require
	// Coefficient.
	Activation string `yaml:"activation"`
	// Coefficient enables the coefficient step: a learned map of the layer
	// input's invariant contraction, passed through the activation and
	// broadcast-multiplied onto the output.
	Coefficient bool `yaml:"coefficient"`
	// Factor scales each propagation output (default 1).
	Factor float64 `yaml:"factor"`
	// Symmetric averages a rank-2 output with its transpose.
	Symmetric bool `yaml:"symmetric"`
	// MixOrder defaults to a_hw.
	MixOrder MixOrder `yaml:"mix_order"`
	// Residual adds the layer input to the output when shapes match.
	Residual bool `yaml:"residual"`
}

// Config declares a full stack.
type Config struct {
	// Dim is the spatial dimension the stack expects (1, 2 or 3).
	Dim int `yaml:"dim"`
	// InputRank and InputChannels describe the field fed to the first layer.
	InputRank     int `yaml:"input_rank"`
	InputChannels int `yaml:"input_channels"`
	// MaxRank bounds rank raises anywhere in the stack (default
	// conv.DefaultMaxRank).
	MaxRank int `yaml:"max_rank"`
	// Ranks optionally pins the expected rank after each layer, in order.
	// Validation fails if the propagation sequences produce anything else.
	Ranks []int `yaml:"ranks"`
	// OperatorSet restricts which transform kinds layers may use. Empty
	// means all of gradient, divergence, laplacian, rotation.
	OperatorSet []conv.Kind `yaml:"operator_set"`
	// SelfLoop asks the mesh layer for passthrough self-loops.
	SelfLoop bool `yaml:"self_loop"`
	// Normalization selects the operator edge-weight scheme.
	Normalization operator.Scheme `yaml:"normalization"`
	// Strict makes degenerate meshes a build error.
	Strict bool `yaml:"strict"`

	Layers []LayerConfig `yaml:"layers"`
}

// ParseConfig decodes a YAML stack declaration.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("layer: parsing config: %w", err)
	}
	return cfg, nil
}

// OperatorConfig returns the operator build settings implied by the stack
// config.
func (c Config) OperatorConfig() operator.Config {
	return operator.Config{
		Normalization: c.Normalization,
		Strict:        c.Strict,
		WithLaplacian: c.allowsKind(conv.Laplacian),
	}
}

func (c Config) maxRank() int {
	if c.MaxRank == 0 {
		return conv.DefaultMaxRank
	}
	return c.MaxRank
}

func (c Config) allowsKind(k conv.Kind) bool {
	if len(c.OperatorSet) == 0 {
		return true
	}
	for _, allowed := range c.OperatorSet {
		if allowed == k {
			return true
		}
	}
	return false
}

// validate checks the declarative config before any weights are allocated.
// It mirrors the rank arithmetic the transforms perform at runtime: each
// gradient raises the running rank, each divergence lowers it, laplacian
// keeps it.
func (c Config) validate() error {
	if c.Dim < 1 || c.Dim > 3 {
		return fmt.Errorf("layer: unsupported dim %d", c.Dim)
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("layer: stack has no layers")
	}
	if c.MaxRank < 0 || c.maxRank() > tensor.MaxSupportedRank {
		return fmt.Errorf("layer: max rank %d outside 0..%d", c.MaxRank, tensor.MaxSupportedRank)
	}
	if c.InputRank < 0 || c.InputRank > c.maxRank() {
		return fmt.Errorf("layer: input rank %d outside 0..%d", c.InputRank, c.maxRank())
	}
	if c.InputChannels <= 0 {
		return fmt.Errorf("layer: input channels must be positive")
	}
	if len(c.Ranks) > 0 && len(c.Ranks) != len(c.Layers) {
		return fmt.Errorf("layer: %d rank pins for %d layers", len(c.Ranks), len(c.Layers))
	}

	rank := c.InputRank
	channels := c.InputChannels
	for i, lc := range c.Layers {
		if len(lc.Propagations) == 0 {
			return fmt.Errorf("layer %d (%s): no propagations", i, lc.Name)
		}
		for _, p := range lc.Propagations {
			switch p {
			case conv.Gradient:
				rank++
			case conv.Divergence:
				rank--
			case conv.Laplacian:
				// rank preserved
			case conv.Rotation:
				if c.Dim != 3 {
					return fmt.Errorf("layer %d (%s): rotation requires dim 3, stack has dim %d",
						i, lc.Name, c.Dim)
				}
				if rank != 1 {
					return fmt.Errorf("layer %d (%s): rotation requires rank-1 features, have rank %d",
						i, lc.Name, rank)
				}
			default:
				return fmt.Errorf("layer %d (%s): unknown propagation %q", i, lc.Name, p)
			}
			if !c.allowsKind(p) {
				return fmt.Errorf("layer %d (%s): propagation %q not in operator_set", i, lc.Name, p)
			}
			if rank < 0 {
				return fmt.Errorf("layer %d (%s): propagation sequence underflows rank 0", i, lc.Name)
			}
			if rank > c.maxRank() {
				return fmt.Errorf("layer %d (%s): propagation sequence exceeds max rank %d",
					i, lc.Name, c.maxRank())
			}
		}
		if len(c.Ranks) > 0 && c.Ranks[i] != rank {
			return fmt.Errorf("layer %d (%s): produces rank %d, config pins rank %d",
				i, lc.Name, rank, c.Ranks[i])
		}

		if lc.Channels.In != channels {
			return fmt.Errorf("layer %d (%s): expects %d input channels, previous layer emits %d",
				i, lc.Name, lc.Channels.In, channels)
		}
		if lc.Channels.Out <= 0 {
			return fmt.Errorf("layer %d (%s): output channels must be positive", i, lc.Name)
		}
		channels = lc.Channels.Out

		if _, err := lookupActivation(lc.Activation); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, lc.Name, err)
		}
		if lc.Activation != "" && lc.Activation != "identity" && rank > 0 && !lc.Coefficient {
			return fmt.Errorf("layer %d (%s): non-identity activation on rank-%d output requires coefficient",
				i, lc.Name, rank)
		}
		if lc.Symmetric && rank != 2 {
			return fmt.Errorf("layer %d (%s): symmetric output requires rank 2, have %d", i, lc.Name, rank)
		}
		switch lc.MixOrder {
		case "", MixFirst, MixLast:
		default:
			return fmt.Errorf("layer %d (%s): unknown mix_order %q", i, lc.Name, lc.MixOrder)
		}
	}
	return nil
}
