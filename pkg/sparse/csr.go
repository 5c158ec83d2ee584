// Package sparse provides the compressed sparse row (CSR) matrices that back
// the mesh differential operators.
//
// Matrices are immutable once assembled: the operator builder constructs them
// once per mesh snapshot and many forward/backward passes read them
// concurrently without locking. Assembly from triplets is fully deterministic
// (stable ordering, fixed accumulation order) so that rebuilding from the same
// mesh reproduces bit-identical matrices, which gradient-check tooling relies
// on.
package sparse

import (
	"fmt"
	"sort"
)

// Triplet is a single (row, col, value) entry used during assembly.
type Triplet struct {
	Row, Col int
	Val      float64
}

// CSR is an n x n sparse matrix in compressed sparse row format.
//
// The zero value is not usable; build instances with FromTriplets or the
// derived operations (T, Add, MulCSR). All fields are private and never
// mutated after construction, so a *CSR is safe for concurrent reads.
type CSR struct {
	n       int
	indptr  []int     // len n+1, indptr[i]..indptr[i+1] bounds row i
	indices []int     // column index per stored entry, ascending within a row
	data    []float64 // value per stored entry
}

// FromTriplets assembles an n x n CSR matrix from the given entries.
// Duplicate (row, col) pairs are summed. Entries are sorted by (row, col)
// before accumulation, so the result does not depend on input order.
// Out-of-range indices panic: assembly happens after topology validation,
// so an out-of-range triplet is a programming error, not a data error.
func FromTriplets(n int, ts []Triplet) *CSR {
	sorted := make([]Triplet, len(ts))
	copy(sorted, ts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Row != sorted[j].Row {
			return sorted[i].Row < sorted[j].Row
		}
		return sorted[i].Col < sorted[j].Col
	})

	m := &CSR{
		n:       n,
		indptr:  make([]int, n+1),
		indices: make([]int, 0, len(sorted)),
		data:    make([]float64, 0, len(sorted)),
	}
	row := 0
	for _, t := range sorted {
		if t.Row < 0 || t.Row >= n || t.Col < 0 || t.Col >= n {
			panic(fmt.Sprintf("sparse: triplet (%d,%d) out of range for n=%d", t.Row, t.Col, n))
		}
		// Merge consecutive duplicates: the sort guarantees equal (row, col)
		// pairs are adjacent.
		if last := len(m.indices) - 1; last >= 0 && t.Row == row && m.indices[last] == t.Col && m.indptr[row] <= last {
			m.data[last] += t.Val
			continue
		}
		for row < t.Row {
			row++
			m.indptr[row] = len(m.indices)
		}
		m.indices = append(m.indices, t.Col)
		m.data = append(m.data, t.Val)
	}
	for row < n {
		row++
		m.indptr[row] = len(m.indices)
	}
	return m
}

// N returns the matrix dimension.
func (m *CSR) N() int { return m.n }

// NNZ returns the number of stored entries.
func (m *CSR) NNZ() int { return len(m.data) }

// At returns the value at (i, j), zero if no entry is stored.
// It is O(log nnz(row)) and intended for tests and diagnostics, not kernels.
func (m *CSR) At(i, j int) float64 {
	lo, hi := m.indptr[i], m.indptr[i+1]
	k := lo + sort.SearchInts(m.indices[lo:hi], j)
	if k < hi && m.indices[k] == j {
		return m.data[k]
	}
	return 0
}

// RowSum returns the sum of the stored entries in row i.
func (m *CSR) RowSum(i int) float64 {
	var s float64
	for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
		s += m.data[k]
	}
	return s
}

// Equal reports whether two matrices have bit-identical structure and values.
func (m *CSR) Equal(b *CSR) bool {
	if m.n != b.n || len(m.data) != len(b.data) {
		return false
	}
	for i := range m.indptr {
		if m.indptr[i] != b.indptr[i] {
			return false
		}
	}
	for k := range m.data {
		if m.indices[k] != b.indices[k] || m.data[k] != b.data[k] {
			return false
		}
	}
	return true
}

// T returns the transpose as a new CSR matrix.
func (m *CSR) T() *CSR {
	ts := make([]Triplet, 0, len(m.data))
	for i := 0; i < m.n; i++ {
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			ts = append(ts, Triplet{Row: m.indices[k], Col: i, Val: m.data[k]})
		}
	}
	return FromTriplets(m.n, ts)
}

// Add returns m + b as a new matrix. Panics on dimension mismatch.
func (m *CSR) Add(b *CSR) *CSR {
	if m.n != b.n {
		panic(fmt.Sprintf("sparse: dimension mismatch %d vs %d", m.n, b.n))
	}
	ts := make([]Triplet, 0, len(m.data)+len(b.data))
	for _, src := range []*CSR{m, b} {
		for i := 0; i < src.n; i++ {
			for k := src.indptr[i]; k < src.indptr[i+1]; k++ {
				ts = append(ts, Triplet{Row: i, Col: src.indices[k], Val: src.data[k]})
			}
		}
	}
	return FromTriplets(m.n, ts)
}

// Scale returns s * m as a new matrix.
func (m *CSR) Scale(s float64) *CSR {
	out := &CSR{
		n:       m.n,
		indptr:  m.indptr, // structure shared, values copied
		indices: m.indices,
		data:    make([]float64, len(m.data)),
	}
	for k, v := range m.data {
		out.data[k] = s * v
	}
	return out
}

// MulCSR returns the sparse-sparse product m * b.
//
// The row-merge uses a dense accumulator of size n, and output columns are
// sorted per row, so the result layout is deterministic regardless of the
// operand entry order.
func (m *CSR) MulCSR(b *CSR) *CSR {
	if m.n != b.n {
		panic(fmt.Sprintf("sparse: dimension mismatch %d vs %d", m.n, b.n))
	}
	n := m.n
	acc := make([]float64, n)
	mark := make([]int, n)
	for i := range mark {
		mark[i] = -1
	}

	out := &CSR{n: n, indptr: make([]int, n+1)}
	cols := make([]int, 0, n)
	for i := 0; i < n; i++ {
		cols = cols[:0]
		for k := m.indptr[i]; k < m.indptr[i+1]; k++ {
			j := m.indices[k]
			v := m.data[k]
			for kb := b.indptr[j]; kb < b.indptr[j+1]; kb++ {
				c := b.indices[kb]
				if mark[c] != i {
					mark[c] = i
					acc[c] = 0
					cols = append(cols, c)
				}
				acc[c] += v * b.data[kb]
			}
		}
		sort.Ints(cols)
		for _, c := range cols {
			out.indices = append(out.indices, c)
			out.data = append(out.data, acc[c])
		}
		out.indptr[i+1] = len(out.indices)
	}
	return out
}
