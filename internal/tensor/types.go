// Package tensor holds the tensor description types consumed by the dispatch
// layer and the host<->device conversions behind them.
package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-mesh/internal/device"
)

const (
	TileHeight = 32
	TileWidth  = 32
	TileHW     = TileHeight * TileWidth
)

// DataType is the element encoding in device memory.
type DataType uint8

const (
	Float32 DataType = iota
	BFloat16
	Float16
	UInt32
)

// Size returns the bytes per element.
func (d DataType) Size() uint32 {
	switch d {
	case BFloat16, Float16:
		return 2
	default:
		return 4
	}
}

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case BFloat16:
		return "bfloat16"
	case Float16:
		return "float16"
	case UInt32:
		return "uint32"
	default:
		return fmt.Sprintf("DataType(%d)", uint8(d))
	}
}

// Layout is the page organization of a tensor.
type Layout uint8

const (
	// RowMajor stores one row of the last dimension per page.
	RowMajor Layout = iota
	// Tile stores 32x32 tiles, one tile per page, padding the last two
	// dimensions up to tile multiples.
	Tile
)

func (l Layout) String() string {
	if l == Tile {
		return "tile"
	}
	return "row_major"
}

// MemoryLayout says how pages spread over storage.
type MemoryLayout uint8

const (
	Interleaved MemoryLayout = iota
	HeightSharded
	WidthSharded
	BlockSharded
)

func (m MemoryLayout) String() string {
	switch m {
	case Interleaved:
		return "interleaved"
	case HeightSharded:
		return "height_sharded"
	case WidthSharded:
		return "width_sharded"
	case BlockSharded:
		return "block_sharded"
	default:
		return fmt.Sprintf("MemoryLayout(%d)", uint8(m))
	}
}

// IsSharded reports whether pages are split across shard cores.
func (m MemoryLayout) IsSharded() bool {
	return m != Interleaved
}

// BufferType is the memory a tensor is placed in.
type BufferType uint8

const (
	DRAM BufferType = iota
	L1
)

func (b BufferType) String() string {
	if b == L1 {
		return "l1"
	}
	return "dram"
}

// ShardSpec lists the cores a sharded tensor is split across, in shard order.
type ShardSpec struct {
	Cores []device.CoreCoord `cbor:"cores"`
}

// MemoryConfig is the placement of a tensor.
type MemoryConfig struct {
	Layout MemoryLayout `cbor:"layout"`
	Buffer BufferType   `cbor:"buffer"`
	Shard  *ShardSpec   `cbor:"shard,omitempty"`
}

// DRAMMemoryConfig is the default interleaved DRAM placement.
var DRAMMemoryConfig = MemoryConfig{Layout: Interleaved, Buffer: DRAM}

// ShardedL1 returns an L1 placement split across cores.
func ShardedL1(layout MemoryLayout, cores []device.CoreCoord) MemoryConfig {
	return MemoryConfig{Layout: layout, Buffer: L1, Shard: &ShardSpec{Cores: cores}}
}

// Equal compares placements by value.
func (m MemoryConfig) Equal(o MemoryConfig) bool {
	if m.Layout != o.Layout || m.Buffer != o.Buffer {
		return false
	}
	if (m.Shard == nil) != (o.Shard == nil) {
		return false
	}
	if m.Shard == nil {
		return true
	}
	if len(m.Shard.Cores) != len(o.Shard.Cores) {
		return false
	}
	for i := range m.Shard.Cores {
		if m.Shard.Cores[i] != o.Shard.Cores[i] {
			return false
		}
	}
	return true
}

func (m MemoryConfig) String() string {
	if m.Shard == nil {
		return fmt.Sprintf("%s/%s", m.Layout, m.Buffer)
	}
	return fmt.Sprintf("%s/%s%v", m.Layout, m.Buffer, m.Shard.Cores)
}

// Validate checks that the placement can be realised on the device.
func (m MemoryConfig) Validate() error {
	switch {
	case m.Layout == Interleaved && m.Buffer != DRAM:
		return errors.Errorf("interleaved tensors must live in DRAM, got %s", m.Buffer)
	case m.Layout == BlockSharded:
		return errors.New("block sharding is not supported")
	case m.Layout.IsSharded() && m.Buffer != L1:
		return errors.Errorf("%s tensors must live in L1", m.Layout)
	case m.Layout.IsSharded() && (m.Shard == nil || len(m.Shard.Cores) == 0):
		return errors.Errorf("%s tensor without shard cores", m.Layout)
	}
	return nil
}

// Shape is a logical tensor shape, outermost dimension first.
type Shape []uint32

// Rank is the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// Volume is the element count.
func (s Shape) Volume() uint64 {
	v := uint64(1)
	for _, d := range s {
		v *= uint64(d)
	}
	return v
}

// Equal compares shapes by value.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// dims folds a shape into (batch, height, width) where height and width are
// the last two dimensions.
func (s Shape) dims() (batch, h, w uint32) {
	switch len(s) {
	case 0:
		return 1, 1, 1
	case 1:
		return 1, 1, s[0]
	}
	batch = 1
	for _, d := range s[:len(s)-2] {
		batch *= d
	}
	return batch, s[len(s)-2], s[len(s)-1]
}

func roundUp(v, m uint32) uint32 {
	return (v + m - 1) / m * m
}

// Spec fully describes a tensor operand: shape, element type, page layout
// and placement.
type Spec struct {
	Shape  Shape        `cbor:"shape"`
	DType  DataType     `cbor:"dtype"`
	Layout Layout       `cbor:"layout"`
	Memory MemoryConfig `cbor:"memory"`
}

// Equal compares specs by value.
func (s Spec) Equal(o Spec) bool {
	return s.Shape.Equal(o.Shape) && s.DType == o.DType && s.Layout == o.Layout && s.Memory.Equal(o.Memory)
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %s %s %s", s.Shape, s.DType, s.Layout, s.Memory)
}

// PaddedShape rounds the last two dimensions of a tiled tensor up to tile
// multiples. Row-major shapes are returned unchanged.
func (s Spec) PaddedShape() Shape {
	out := s.Shape.Clone()
	if s.Layout != Tile || len(out) == 0 {
		return out
	}
	out[len(out)-1] = roundUp(out[len(out)-1], TileWidth)
	if len(out) >= 2 {
		out[len(out)-2] = roundUp(out[len(out)-2], TileHeight)
	}
	return out
}

// PageSize is the size in bytes of one page.
func (s Spec) PageSize() uint32 {
	if s.Layout == Tile {
		return TileHW * s.DType.Size()
	}
	_, _, w := s.Shape.dims()
	return w * s.DType.Size()
}

// TileGrid returns the number of tiles along (batch, height, width).
func (s Spec) TileGrid() (batch, ht, wt uint32) {
	batch, h, w := s.Shape.dims()
	return batch, roundUp(h, TileHeight) / TileHeight, roundUp(w, TileWidth) / TileWidth
}

// NumPages is the page count of the tensor.
func (s Spec) NumPages() uint32 {
	if s.Layout == Tile {
		b, ht, wt := s.TileGrid()
		return b * ht * wt
	}
	b, h, _ := s.Shape.dims()
	return b * h
}

// PageShape is the shape counted in pages: tiles along the last two
// dimensions of a tiled tensor, whole rows of a row-major one. Dimension i of
// the result is dimension i of Shape. Its volume is NumPages.
func (s Spec) PageShape() Shape {
	if len(s.Shape) == 0 {
		return Shape{}
	}
	if s.Layout == RowMajor {
		return s.Shape[:len(s.Shape)-1].Clone()
	}
	_, ht, wt := s.TileGrid()
	if len(s.Shape) == 1 {
		return Shape{wt}
	}
	return append(s.Shape[:len(s.Shape)-2].Clone(), ht, wt)
}

// Validate checks the spec is internally consistent.
func (s Spec) Validate() error {
	if s.Shape.Rank() == 0 {
		return errors.New("tensor shape has rank 0")
	}
	if s.Shape.Volume() == 0 {
		return errors.Errorf("tensor shape %s is empty", s.Shape)
	}
	if err := s.Memory.Validate(); err != nil {
		return err
	}
	if s.Memory.Layout == WidthSharded {
		b, ht, _ := s.TileGrid()
		if s.Layout != Tile || b*ht != 1 {
			return errors.Errorf("width sharding needs a tiled tensor one tile row high, got %s", s.Shape)
		}
	}
	if s.Memory.Layout.IsSharded() && s.NumPages()%uint32(len(s.Memory.Shard.Cores)) != 0 {
		return errors.Errorf("%d pages do not split evenly across %d shard cores", s.NumPages(), len(s.Memory.Shard.Cores))
	}
	return nil
}

// BufferConfig translates the spec into a device allocation request.
func (s Spec) BufferConfig() device.BufferConfig {
	cfg := device.BufferConfig{
		Kind:     device.DRAMInterleaved,
		PageSize: s.PageSize(),
		NumPages: s.NumPages(),
	}
	if s.Memory.Layout.IsSharded() {
		cfg.Kind = device.L1Sharded
		cfg.Cores = s.Memory.Shard.Cores
	}
	return cfg
}
