package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewFieldRejectsBadShapes(t *testing.T) {
	_, err := NewField(-1, 2, 4, 1)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewField(MaxSupportedRank+1, 2, 4, 1)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewField(0, 4, 4, 1)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewField(0, 2, 0, 1)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewField(0, 2, 4, 0)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFromSliceLengthCheck(t *testing.T) {
	_, err := FromSlice(1, 2, 3, 2, make([]float64, 12))
	require.NoError(t, err)
	_, err = FromSlice(1, 2, 3, 2, make([]float64, 11))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAtSetRoundTrip(t *testing.T) {
	f, err := NewField(2, 3, 4, 2)
	require.NoError(t, err)
	require.Equal(t, 9, f.SpatialSize())

	f.Set(2, 1, 42.5, 1, 2)
	require.Equal(t, 42.5, f.At(2, 1, 1, 2))
	require.Equal(t, 0.0, f.At(2, 1, 2, 1))

	// The flat layout places (node, a, b, channel) at
	// ((node*9 + a*3 + b) * 2 + channel).
	require.Equal(t, 42.5, f.Data()[(2*9+1*3+2)*2+1])
}

func TestCheckCompatible(t *testing.T) {
	f, _ := NewField(1, 2, 5, 3)
	require.NoError(t, f.CheckCompatible(5, 2))
	require.ErrorIs(t, f.CheckCompatible(6, 2), ErrShapeMismatch)
	require.ErrorIs(t, f.CheckCompatible(5, 3), ErrShapeMismatch)
}

func TestContractIsRotationInvariant(t *testing.T) {
	const nodes, channels = 6, 2
	rng := rand.New(rand.NewSource(9))

	v, _ := NewField(1, 2, nodes, channels)
	for i := range v.Data() {
		v.Data()[i] = rng.NormFloat64()
	}

	theta := 0.83
	r := mat.NewDense(2, 2, []float64{
		math.Cos(theta), -math.Sin(theta),
		math.Sin(theta), math.Cos(theta),
	})

	rotated, _ := NewField(1, 2, nodes, channels)
	for n := 0; n < nodes; n++ {
		for c := 0; c < channels; c++ {
			for a := 0; a < 2; a++ {
				var s float64
				for b := 0; b < 2; b++ {
					s += r.At(a, b) * v.At(n, c, b)
				}
				rotated.Set(n, c, s, a)
			}
		}
	}

	inv := Contract(v)
	invRot := Contract(rotated)
	for i := range inv.Data() {
		require.InDelta(t, inv.Data()[i], invRot.Data()[i], 1e-12)
	}
}

func TestContractRankZero(t *testing.T) {
	f, _ := NewField(0, 2, 2, 1)
	f.Data()[0] = -3
	f.Data()[1] = 4
	out := Contract(f)
	require.Equal(t, 3.0, out.Data()[0])
	require.Equal(t, 4.0, out.Data()[1])
}

func TestMixChannels(t *testing.T) {
	f, _ := NewField(1, 2, 2, 2)
	// node 0: vectors (1,0) and (0,1) in channels 0 and 1.
	f.Set(0, 0, 1, 0)
	f.Set(0, 1, 1, 1)

	w := mat.NewDense(2, 3, []float64{
		1, 0, 2,
		0, 1, 2,
	})
	out, err := MixChannels(f, w)
	require.NoError(t, err)
	require.Equal(t, 3, out.Channels())
	require.Equal(t, 1, out.Rank())

	require.Equal(t, 1.0, out.At(0, 0, 0))
	require.Equal(t, 0.0, out.At(0, 1, 0))
	require.Equal(t, 2.0, out.At(0, 2, 0))
	require.Equal(t, 1.0, out.At(0, 1, 1))
	require.Equal(t, 2.0, out.At(0, 2, 1))

	_, err = MixChannels(f, mat.NewDense(3, 2, make([]float64, 6)))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBroadcastMul(t *testing.T) {
	v, _ := NewField(1, 2, 2, 1)
	v.Set(0, 0, 3, 0)
	v.Set(0, 0, -4, 1)
	v.Set(1, 0, 1, 0)

	s, _ := NewField(0, 2, 2, 1)
	s.Data()[0] = 2
	s.Data()[1] = -1

	require.NoError(t, BroadcastMul(v, s))
	require.Equal(t, 6.0, v.At(0, 0, 0))
	require.Equal(t, -8.0, v.At(0, 0, 1))
	require.Equal(t, -1.0, v.At(1, 0, 0))

	bad, _ := NewField(1, 2, 2, 1)
	require.ErrorIs(t, BroadcastMul(v, bad), ErrShapeMismatch)
}

func TestAddScaledShapeCheck(t *testing.T) {
	a, _ := NewField(1, 2, 3, 1)
	b, _ := NewField(1, 2, 3, 1)
	b.Set(1, 0, 5, 1)
	require.NoError(t, a.AddScaled(b, -2))
	require.Equal(t, -10.0, a.At(1, 0, 1))

	c, _ := NewField(0, 2, 3, 1)
	require.ErrorIs(t, a.AddScaled(c, 1), ErrShapeMismatch)
}

func TestPrecisionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	f, _ := NewField(1, 3, 5, 2)
	for i := range f.Data() {
		f.Data()[i] = rng.NormFloat64()
	}

	// float64 is lossless.
	b, err := f.Encode(Float64)
	require.NoError(t, err)
	back, err := Decode(1, 3, 5, 2, Float64, b)
	require.NoError(t, err)
	require.Equal(t, f.Data(), back.Data())

	// float16 keeps ~3 decimal digits.
	b, err = f.Encode(Float16)
	require.NoError(t, err)
	back, err = Decode(1, 3, 5, 2, Float16, b)
	require.NoError(t, err)
	for i := range f.Data() {
		require.InDelta(t, f.Data()[i], back.Data()[i], 1e-2)
	}

	_, err = Decode(1, 3, 5, 2, Float16, b[:len(b)-1])
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = f.Encode("int8")
	require.Error(t, err)
}
