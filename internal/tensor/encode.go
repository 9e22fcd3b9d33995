package tensor

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// PutElement stores v at the start of dst using the encoding of dt.
func PutElement(dt DataType, dst []byte, v float32) {
	switch dt {
	case Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
	case BFloat16:
		binary.LittleEndian.PutUint16(dst, toBFloat16(v))
	case Float16:
		binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(v).Bits())
	case UInt32:
		if v < 0 {
			v = 0
		}
		binary.LittleEndian.PutUint32(dst, uint32(v))
	}
}

// Element decodes the value at the start of src.
func Element(dt DataType, src []byte) float32 {
	switch dt {
	case Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(src))
	case BFloat16:
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(src)) << 16)
	case Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(src)).Float32()
	case UInt32:
		return float32(binary.LittleEndian.Uint32(src))
	}
	return 0
}

// toBFloat16 truncates to the upper half of the float32 with round to
// nearest even. NaN stays NaN.
func toBFloat16(v float32) uint16 {
	bits := math.Float32bits(v)
	if math.IsNaN(float64(v)) {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7FFF + (bits>>16)&1
	return uint16(bits >> 16)
}

// Encode packs host data (logical row-major order) into the page image
// described by spec. Tiled tensors are tilized and zero padded.
func Encode(spec Spec, data []float32) []byte {
	es := spec.DType.Size()
	out := make([]byte, spec.NumPages()*spec.PageSize())
	batch, h, w := spec.Shape.dims()

	if spec.Layout == RowMajor {
		for i, v := range data {
			PutElement(spec.DType, out[uint32(i)*es:], v)
		}
		return out
	}

	_, ht, wt := spec.TileGrid()
	page := uint32(0)
	for b := uint32(0); b < batch; b++ {
		for tr := uint32(0); tr < ht; tr++ {
			for tc := uint32(0); tc < wt; tc++ {
				base := page * TileHW * es
				for i := uint32(0); i < TileHeight; i++ {
					row := tr*TileHeight + i
					if row >= h {
						break
					}
					for j := uint32(0); j < TileWidth; j++ {
						col := tc*TileWidth + j
						if col >= w {
							break
						}
						PutElement(spec.DType, out[base+(i*TileWidth+j)*es:], data[(b*h+row)*w+col])
					}
				}
				page++
			}
		}
	}
	return out
}

// Decode is the inverse of Encode; padding is dropped.
func Decode(spec Spec, raw []byte) []float32 {
	es := spec.DType.Size()
	batch, h, w := spec.Shape.dims()
	out := make([]float32, spec.Shape.Volume())

	if spec.Layout == RowMajor {
		for i := range out {
			out[i] = Element(spec.DType, raw[uint32(i)*es:])
		}
		return out
	}

	_, ht, wt := spec.TileGrid()
	page := uint32(0)
	for b := uint32(0); b < batch; b++ {
		for tr := uint32(0); tr < ht; tr++ {
			for tc := uint32(0); tc < wt; tc++ {
				base := page * TileHW * es
				for i := uint32(0); i < TileHeight; i++ {
					row := tr*TileHeight + i
					if row >= h {
						break
					}
					for j := uint32(0); j < TileWidth; j++ {
						col := tc*TileWidth + j
						if col >= w {
							break
						}
						out[(b*h+row)*w+col] = Element(spec.DType, raw[base+(i*TileWidth+j)*es:])
					}
				}
				page++
			}
		}
	}
	return out
}

// DecodePage unpacks every element of a page, padding included.
func DecodePage(dt DataType, page []byte) []float32 {
	es := dt.Size()
	out := make([]float32, uint32(len(page))/es)
	for i := range out {
		out[i] = Element(dt, page[uint32(i)*es:])
	}
	return out
}

// EncodePage packs vals into page element by element.
func EncodePage(dt DataType, vals []float32, page []byte) {
	es := dt.Size()
	for i, v := range vals {
		PutElement(dt, page[uint32(i)*es:], v)
	}
}
