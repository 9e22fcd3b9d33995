package tensor

import (
	"github.com/pkg/errors"
)

func fold(shape Shape, dim int) (outer, mid, inner uint32) {
	outer, inner = 1, 1
	for _, d := range shape[:dim] {
		outer *= d
	}
	for _, d := range shape[dim+1:] {
		inner *= d
	}
	return outer, shape[dim], inner
}

// Chunk splits row-major host data along dim into parts equal pieces.
func Chunk(shape Shape, data []float32, dim, parts int) (Shape, [][]float32, error) {
	if dim < 0 || dim >= shape.Rank() {
		return nil, nil, errors.Errorf("chunk dim %d out of range for rank %d", dim, shape.Rank())
	}
	if parts <= 0 || shape[dim]%uint32(parts) != 0 {
		return nil, nil, errors.Errorf("dim %d of %s does not split into %d parts", dim, shape, parts)
	}
	if uint64(len(data)) != shape.Volume() {
		return nil, nil, errors.Errorf("%d values for shape %s", len(data), shape)
	}

	outer, mid, inner := fold(shape, dim)
	step := mid / uint32(parts)
	piece := shape.Clone()
	piece[dim] = step

	out := make([][]float32, parts)
	for p := range out {
		buf := make([]float32, 0, piece.Volume())
		for o := uint32(0); o < outer; o++ {
			start := (o*mid + uint32(p)*step) * inner
			buf = append(buf, data[start:start+step*inner]...)
		}
		out[p] = buf
	}
	return piece, out, nil
}

// Concat joins equally shaped pieces along dim. It is the inverse of Chunk.
func Concat(piece Shape, pieces [][]float32, dim int) (Shape, []float32, error) {
	if dim < 0 || dim >= piece.Rank() {
		return nil, nil, errors.Errorf("concat dim %d out of range for rank %d", dim, piece.Rank())
	}
	outer, mid, inner := fold(piece, dim)
	full := piece.Clone()
	full[dim] = mid * uint32(len(pieces))

	out := make([]float32, 0, full.Volume())
	for o := uint32(0); o < outer; o++ {
		for i, p := range pieces {
			if uint64(len(p)) != piece.Volume() {
				return nil, nil, errors.Errorf("piece %d has %d values, want %d", i, len(p), piece.Volume())
			}
			start := o * mid * inner
			out = append(out, p[start:start+mid*inner]...)
		}
	}
	return full, out, nil
}
