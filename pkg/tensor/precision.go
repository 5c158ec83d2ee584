// Storage encodings for feature fields. The engine computes in float64; the
// half-precision encoding exists for harnesses that archive large field
// snapshots, trading precision for size. Persistence itself (files, wire
// formats) is the harness's concern.

package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Precision tags a storage encoding for field values.
type Precision string

const (
	// Float64 stores values verbatim, 8 bytes each.
	Float64 Precision = "float64"
	// Float16 stores IEEE 754 half-precision values, 2 bytes each.
	// Round-trips lose precision beyond ~3 decimal digits.
	Float16 Precision = "float16"
)

func (p Precision) valueSize() (int, error) {
	switch p {
	case Float64:
		return 8, nil
	case Float16:
		return 2, nil
	default:
		return 0, fmt.Errorf("tensor: unknown precision %q", p)
	}
}

// Encode serializes the field values in the given precision, little-endian,
// in data layout order. Shape metadata is not included.
func (f *Field) Encode(p Precision) ([]byte, error) {
	size, err := p.valueSize()
	if err != nil {
		return nil, err
	}
	out := make([]byte, size*len(f.data))
	switch p {
	case Float64:
		for i, v := range f.data {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
	case Float16:
		for i, v := range f.data {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	}
	return out, nil
}

// Decode reconstructs a field of the given shape from bytes produced by
// Encode with the same precision.
func Decode(rank, dim, nodes, channels int, p Precision, b []byte) (*Field, error) {
	size, err := p.valueSize()
	if err != nil {
		return nil, err
	}
	f, err := NewField(rank, dim, nodes, channels)
	if err != nil {
		return nil, err
	}
	if len(b) != size*len(f.data) {
		return nil, fmt.Errorf("%w: %d bytes for %d %s values",
			ErrShapeMismatch, len(b), len(f.data), p)
	}
	switch p {
	case Float64:
		for i := range f.data {
			f.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	case Float16:
		for i := range f.data {
			f.data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32())
		}
	}
	return f, nil
}
