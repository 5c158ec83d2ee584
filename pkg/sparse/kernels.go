// Kernels for sparse-dense products. These are the hot loops of the engine:
// every convolution reduces to a handful of MulMat/MulMatT calls with the
// feature field laid out as a dense row-major block per node.
//
// The implementation picks its inner loop once at package init: the
// gonum-backed axpy (SIMD) when the CPU advertises AVX2, a plain scalar loop
// otherwise. Both paths perform the
// same operations in the same order, so results are bitwise identical and
// operator determinism is preserved across machines within one arch/path.

package sparse

import (
	"fmt"
	"log"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/floats"
)

var useVectorAxpy bool

func init() {
	useVectorAxpy = cpuid.CPU.Has(cpuid.AVX2)
	if useVectorAxpy {
		log.Println("equimesh sparse kernels: gonum (SIMD) axpy path")
	} else {
		log.Println("equimesh sparse kernels: pure Go axpy path")
	}
}

// axpyRow computes dst += a * x for equally sized row slices.
func axpyRow(dst []float64, a float64, x []float64) {
	if useVectorAxpy {
		floats.AddScaled(dst, a, x)
		return
	}
	for i, v := range x {
		dst[i] += a * v
	}
}

// MulVec computes dst = M x. dst and x must have length N and must not alias.
func (m *CSR) MulVec(dst, x []float64) {
	m.MulMat(dst, x, 1)
}

// MulVecT computes dst = Mᵀ x without materializing the transpose.
// This is the adjoint product used by divergence-type transforms.
func (m *CSR) MulVecT(dst, x []float64) {
	m.MulMatT(dst, x, 1)
}

// MulMat computes dst = M X where X is an n x w dense matrix stored row-major
// in x (node-major, w values per node). dst must be n*w long and is
// overwritten. x and dst must not alias.
func (m *CSR) MulMat(dst, x []float64, w int) {
	m.checkDense(len(dst), len(x), w)
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < m.n; i++ {
		di := dst[i*w : (i+1)*w]
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			j := m.indices[k]
			axpyRow(di, m.data[k], x[j*w:(j+1)*w])
		}
	}
}

// MulMatT computes dst = Mᵀ X with the same layout conventions as MulMat.
// It scatters row contributions instead of gathering, which keeps the
// traversal order fixed by the CSR layout and therefore deterministic.
func (m *CSR) MulMatT(dst, x []float64, w int) {
	m.checkDense(len(dst), len(x), w)
	for i := range dst {
		dst[i] = 0
	}
	for i := 0; i < m.n; i++ {
		xi := x[i*w : (i+1)*w]
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			j := m.indices[k]
			axpyRow(dst[j*w:(j+1)*w], m.data[k], xi)
		}
	}
}

func (m *CSR) checkDense(lenDst, lenX, w int) {
	if w <= 0 || lenDst != m.n*w || lenX != m.n*w {
		panic(fmt.Sprintf("sparse: dense operand size mismatch (n=%d w=%d dst=%d x=%d)",
			m.n, w, lenDst, lenX))
	}
}
