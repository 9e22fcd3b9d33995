package ccl

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// Gather maps the input pages of every chip to their place in the gathered
// output. In page space the input is viewed as Outer chunks of Inner pages;
// the output interleaves the chunks of all chips, chip order inside each
// outer index.
type Gather struct {
	Chips int
	Inner uint32
	Outer uint32
	Out   device.PageLayout
}

// NewGather derives the mapping for gathering in along dim across chips into
// an output placed by out.
func NewGather(in tensor.Spec, out device.PageLayout, dim, chips int) (Gather, error) {
	rank := in.Shape.Rank()
	if dim < 0 || dim >= rank {
		return Gather{}, errors.Errorf("gather dim %d out of range for rank %d", dim, rank)
	}
	if in.Layout == tensor.RowMajor && dim == rank-1 {
		return Gather{}, errors.New("row-major tensors cannot be gathered along the row dimension")
	}
	if in.Layout == tensor.Tile && dim >= rank-2 {
		tile := uint32(tensor.TileHeight)
		if dim == rank-1 {
			tile = tensor.TileWidth
		}
		if in.Shape[dim]%tile != 0 {
			return Gather{}, errors.Errorf("gather dim %d of %s is not a whole number of tiles", dim, in.Shape)
		}
	}

	ps := in.PageShape()
	g := Gather{Chips: chips, Inner: 1, Outer: 1, Out: out}
	for i, d := range ps {
		if i < dim {
			g.Outer *= d
		} else {
			g.Inner *= d
		}
	}
	if want := g.Inner * g.Outer * uint32(chips); out.NumPages != want {
		return Gather{}, errors.Errorf("gathered output has %d pages, want %d", out.NumPages, want)
	}
	return g, nil
}

// InputPages is the number of pages each chip contributes.
func (g Gather) InputPages() uint32 {
	return g.Inner * g.Outer
}

// OutputPage is the output page receiving input page of chip.
func (g Gather) OutputPage(chip int, page uint32) uint32 {
	o, r := page/g.Inner, page%g.Inner
	return (o*uint32(g.Chips)+uint32(chip))*g.Inner + r
}

// Run is how many input pages starting at page land back to back on one
// destination core.
func (g Gather) Run(chip int, page uint32) uint32 {
	return min(g.Inner-page%g.Inner, g.Out.Contiguous(g.OutputPage(chip, page)))
}

// Dest is the NoC address of input page of chip in an output based at base.
// Allocation is lockstep, so the address is the same on every chip.
func (g Gather) Dest(base uint32, chip int, page uint32) device.NocAddr {
	return g.Out.Addr(base, g.OutputPage(chip, page))
}

// LinearHops returns how many chips lie ahead of and behind chip on a line.
func LinearHops(chip, chips int) (forward, backward uint8) {
	return uint8(chips - 1 - chip), uint8(chip)
}

// PageRange is a contiguous slice of a chip's input pages.
type PageRange struct {
	First uint32
	Count uint32
}

// SplitLinks divides pages between links, earlier links taking the
// remainder.
func SplitLinks(pages uint32, links int) []PageRange {
	out := make([]PageRange, links)
	per, extra := pages/uint32(links), pages%uint32(links)
	var next uint32
	for i := range out {
		n := per
		if uint32(i) < extra {
			n++
		}
		out[i] = PageRange{First: next, Count: n}
		next += n
	}
	return out
}
