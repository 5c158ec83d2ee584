package sparse

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromTripletsMergesDuplicates(t *testing.T) {
	m := FromTriplets(3, []Triplet{
		{Row: 0, Col: 1, Val: 2},
		{Row: 2, Col: 2, Val: -1},
		{Row: 0, Col: 1, Val: 3},
	})
	require.Equal(t, 2, m.NNZ())
	require.Equal(t, 5.0, m.At(0, 1))
	require.Equal(t, -1.0, m.At(2, 2))
	require.Equal(t, 0.0, m.At(1, 1))
}

func TestFromTripletsOrderIndependent(t *testing.T) {
	ts := []Triplet{
		{Row: 1, Col: 0, Val: 1},
		{Row: 0, Col: 2, Val: 2},
		{Row: 2, Col: 1, Val: 3},
		{Row: 0, Col: 0, Val: 4},
	}
	a := FromTriplets(3, ts)

	shuffled := []Triplet{ts[2], ts[0], ts[3], ts[1]}
	b := FromTriplets(3, shuffled)
	require.True(t, a.Equal(b), "assembly must not depend on triplet order")
}

func TestRowSum(t *testing.T) {
	m := FromTriplets(2, []Triplet{
		{Row: 0, Col: 0, Val: -3},
		{Row: 0, Col: 1, Val: 3},
		{Row: 1, Col: 0, Val: 0.5},
	})
	require.Equal(t, 0.0, m.RowSum(0))
	require.Equal(t, 0.5, m.RowSum(1))
}

func TestTranspose(t *testing.T) {
	m := FromTriplets(3, []Triplet{
		{Row: 0, Col: 1, Val: 2},
		{Row: 1, Col: 2, Val: -1},
		{Row: 2, Col: 0, Val: 7},
	})
	tr := m.T()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			require.Equal(t, m.At(i, j), tr.At(j, i))
		}
	}
	require.True(t, m.T().T().Equal(m))
}

// denseMul is the reference implementation the sparse kernels are checked
// against.
func denseMul(m *CSR, x []float64) []float64 {
	out := make([]float64, m.N())
	for i := 0; i < m.N(); i++ {
		for j := 0; j < m.N(); j++ {
			out[i] += m.At(i, j) * x[j]
		}
	}
	return out
}

func randomCSR(rng *rand.Rand, n, nnz int) *CSR {
	ts := make([]Triplet, nnz)
	for i := range ts {
		ts[i] = Triplet{Row: rng.Intn(n), Col: rng.Intn(n), Val: rng.NormFloat64()}
	}
	return FromTriplets(n, ts)
}

func TestMulVecAgainstDense(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := randomCSR(rng, 20, 60)
	x := make([]float64, 20)
	for i := range x {
		x[i] = rng.NormFloat64()
	}

	got := make([]float64, 20)
	m.MulVec(got, x)
	want := denseMul(m, x)
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-12)
	}

	m.MulVecT(got, x)
	want = denseMul(m.T(), x)
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-12)
	}
}

func TestMulMatMatchesPerColumnMulVec(t *testing.T) {
	const n, w = 15, 4
	rng := rand.New(rand.NewSource(11))
	m := randomCSR(rng, n, 40)

	x := make([]float64, n*w)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	got := make([]float64, n*w)
	m.MulMat(got, x, w)

	col := make([]float64, n)
	out := make([]float64, n)
	for c := 0; c < w; c++ {
		for i := 0; i < n; i++ {
			col[i] = x[i*w+c]
		}
		m.MulVec(out, col)
		for i := 0; i < n; i++ {
			require.InDelta(t, out[i], got[i*w+c], 1e-12, "column %d row %d", c, i)
		}
	}
}

func TestMulCSRAgainstDense(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := randomCSR(rng, 12, 30)
	b := randomCSR(rng, 12, 30)
	p := a.MulCSR(b)

	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			var want float64
			for k := 0; k < 12; k++ {
				want += a.At(i, k) * b.At(k, j)
			}
			require.InDelta(t, want, p.At(i, j), 1e-12)
		}
	}
}

func TestScaleAndAdd(t *testing.T) {
	a := FromTriplets(2, []Triplet{{Row: 0, Col: 1, Val: 2}})
	b := FromTriplets(2, []Triplet{{Row: 0, Col: 1, Val: -2}, {Row: 1, Col: 1, Val: 1}})

	sum := a.Add(b)
	require.Equal(t, 0.0, sum.At(0, 1))
	require.Equal(t, 1.0, sum.At(1, 1))

	scaled := a.Scale(-0.5)
	require.Equal(t, -1.0, scaled.At(0, 1))
	require.Equal(t, 2.0, a.At(0, 1), "Scale must not mutate the receiver")
}

func BenchmarkMulMat(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	const n, w = 5000, 16
	m := randomCSR(rng, n, 8*n)
	x := make([]float64, n*w)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	dst := make([]float64, n*w)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.MulMat(dst, x, w)
	}
}
