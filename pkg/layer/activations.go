// Invariant-safe activation table. Activations apply either to rank-0 fields
// directly or to the rank-0 contraction of a higher-rank field inside the
// coefficient step; they are never applied to raw vector or tensor
// components.

package layer

import (
	"fmt"
	"math"
)

// leakySlope matches the engine's historical LeakyReLU default.
const leakySlope = 0.5

// Activation is a pointwise scalar nonlinearity.
type Activation func(float64) float64

var activations = map[string]Activation{
	"identity": func(x float64) float64 { return x },
	"relu": func(x float64) float64 {
		return math.Max(0, x)
	},
	"tanh":    math.Tanh,
	"sigmoid": sigmoid,
	"softplus": func(x float64) float64 {
		return math.Log1p(math.Exp(x))
	},
	"mish": func(x float64) float64 {
		return x * math.Tanh(math.Log1p(math.Exp(x)))
	},
	"leaky_relu": func(x float64) float64 {
		if x < 0 {
			return leakySlope * x
		}
		return x
	},
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func lookupActivation(name string) (Activation, error) {
	if name == "" {
		name = "identity"
	}
	act, ok := activations[name]
	if !ok {
		return nil, fmt.Errorf("layer: unknown activation %q", name)
	}
	return act, nil
}
