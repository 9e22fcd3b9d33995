package ops

import (
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// PadAttrs place the input at offset Front inside a tensor of OutputShape
// filled with Value. Tiled tensors can only be padded at the end.
type PadAttrs struct {
	OutputShape  tensor.Shape         `cbor:"output_shape"`
	Front        tensor.Shape         `cbor:"front,omitempty"`
	Value        float32              `cbor:"value"`
	OutputMemory *tensor.MemoryConfig `cbor:"output_memory,omitempty"`
}

func (PadAttrs) Kind() Kind { return KindPad }

// front returns the offset of every dimension, zero when unset.
func (a PadAttrs) front(rank int) tensor.Shape {
	if len(a.Front) == 0 {
		return make(tensor.Shape, rank)
	}
	return a.Front
}

func (a PadAttrs) memory() tensor.MemoryConfig {
	if a.OutputMemory == nil {
		return tensor.DRAMMemoryConfig
	}
	return *a.OutputMemory
}

type padOp struct{}

func (padOp) numInputs() int { return 1 }

func (padOp) validateOnMiss(_ *Dispatcher, attrs Attributes, args TensorArgs) error {
	a, err := as[PadAttrs](attrs)
	if err != nil {
		return err
	}
	in := args.Inputs[0].Spec()
	rank := in.Shape.Rank()
	if a.OutputShape.Rank() != rank {
		return validationf("pad output %s has rank %d, input %s has %d", a.OutputShape, a.OutputShape.Rank(), in.Shape, rank)
	}
	if len(a.Front) != 0 && len(a.Front) != rank {
		return validationf("pad front %s has rank %d, want %d", a.Front, len(a.Front), rank)
	}
	front := a.front(rank)
	for i := range in.Shape {
		if front[i]+in.Shape[i] > a.OutputShape[i] {
			return validationf("input %s at %s does not fit in %s", in.Shape, front, a.OutputShape)
		}
	}
	if in.DType == tensor.UInt32 && a.Value < 0 {
		return validationf("pad value %v does not fit %s", a.Value, in.DType)
	}
	if in.Layout == tensor.Tile {
		for _, f := range front {
			if f != 0 {
				return validationf("tiled pad needs a zero front offset, got %s", front)
			}
		}
	}
	if a.memory().Layout.IsSharded() {
		if in.Layout != tensor.RowMajor || a.memory().Layout != tensor.HeightSharded {
			return validationf("sharded pad needs row-major input and a height sharded output")
		}
	}
	return nil
}

func (padOp) validateOnHit(_ *Dispatcher, attrs Attributes, _ TensorArgs) error {
	_, err := as[PadAttrs](attrs)
	return err
}

func (padOp) outputSpec(_ *Dispatcher, attrs Attributes, inputs []tensor.Spec) (tensor.Spec, error) {
	a := mustAs[PadAttrs](attrs)
	out := inputs[0]
	out.Shape = a.OutputShape.Clone()
	out.Memory = a.memory()
	return out, nil
}

func (padOp) selectFactory(attrs Attributes, inputs []tensor.Spec) factory {
	a := mustAs[PadAttrs](attrs)
	switch {
	case inputs[0].Layout == tensor.Tile:
		return factory{name: "PadTile", build: buildPadTile}
	case a.memory().Layout.IsSharded():
		return factory{name: "PadRowMajorSharded", build: buildPadRowMajorSharded}
	default:
		return factory{name: "PadRowMajor", build: buildPadRowMajor}
	}
}

func buildPadRowMajor(r *buildRequest) (*program.Program, error) {
	return buildPadRows(r, "PadRowMajor", gridWork(r.d.mesh, r.output.NumPages()))
}

// buildPadRowMajorSharded has every shard core produce its own output rows.
func buildPadRowMajorSharded(r *buildRequest) (*program.Program, error) {
	return buildPadRows(r, "PadRowMajorSharded", shardWork(r.output.Memory.Shard.Cores, r.output.NumPages()))
}

// buildPadRows assembles each output row in the reader from the matching
// input row, if any, and the pad value.
func buildPadRows(r *buildRequest, name string, items []work) (*program.Program, error) {
	a := mustAs[PadAttrs](r.attrs)
	in, out := r.inputs[0], r.output
	front := a.front(in.Shape.Rank())
	b := r.builder(name).CircularBuffer(doubleBuffered(cbOut, out.PageSize()))
	chips := r.d.mesh.NumChips()
	perChip(b, chips, items, "pad_reader", func(w work) program.KernelFunc {
		return func(env *program.Env) {
			src := env.Input(0)
			q := env.CB(cbOut)
			for p := w.first; p < w.first+w.count; p++ {
				row := q.Reserve(1)[0]
				fill(in.DType, row, a.Value)
				if ip, ok := sourcePage(in.Shape, front, out.Shape, p); ok {
					es := in.DType.Size()
					copy(row[front[len(front)-1]*es:], src.ReadPage(env.ChipID, ip))
				}
				q.Commit(1)
			}
		}
	})
	perChip(b, chips, items, "pad_writer", func(w work) program.KernelFunc { return writePages(cbOut, w) })
	return b.Build()
}

// sourcePage maps output row page to the input row it holds. The last
// dimension is the row itself and is ignored.
func sourcePage(in, front, out tensor.Shape, page uint32) (uint32, bool) {
	rank := out.Rank()
	ip, stride := uint32(0), uint32(1)
	for d := rank - 2; d >= 0; d-- {
		idx := page % out[d]
		page /= out[d]
		if idx < front[d] || idx-front[d] >= in[d] {
			return 0, false
		}
		ip += (idx - front[d]) * stride
		stride *= in[d]
	}
	return ip, true
}

// buildPadTile rebuilds every output tile from the input tile at the same
// position. Elements outside the input get Value, tile padding stays zero.
func buildPadTile(r *buildRequest) (*program.Program, error) {
	a := mustAs[PadAttrs](r.attrs)
	in, out := r.inputs[0], r.output
	items := gridWork(r.d.mesh, out.NumPages())
	b := r.builder("PadTile").
		CircularBuffer(doubleBuffered(cbIn, in.PageSize())).
		CircularBuffer(doubleBuffered(cbOut, out.PageSize()))
	chips := r.d.mesh.NumChips()
	inPS, outPS := in.PageShape(), out.PageShape()
	perChip(b, chips, items, "pad_reader", func(w work) program.KernelFunc {
		return func(env *program.Env) {
			src := env.Input(0)
			q := env.CB(cbIn)
			for p := w.first; p < w.first+w.count; p++ {
				slot := q.Reserve(1)[0]
				if ip, ok := samePosition(inPS, outPS, p); ok {
					copy(slot, src.ReadPage(env.ChipID, ip))
				} else {
					clear(slot)
				}
				q.Commit(1)
			}
		}
	})
	perChip(b, chips, items, "pad_compute", func(w work) program.KernelFunc {
		return func(env *program.Env) {
			qi, qo := env.CB(cbIn), env.CB(cbOut)
			for p := w.first; p < w.first+w.count; p++ {
				vals := tensor.DecodePage(in.DType, qi.Wait(1)[0])
				qi.Release(1)
				padTile(vals, in, out, p, a.Value)
				tensor.EncodePage(out.DType, vals, qo.Reserve(1)[0])
				qo.Commit(1)
			}
		}
	})
	perChip(b, chips, items, "pad_writer", func(w work) program.KernelFunc { return writePages(cbOut, w) })
	return b.Build()
}

// samePosition maps a page of the output page grid to the input page at the
// same index, if the input has one.
func samePosition(in, out tensor.Shape, page uint32) (uint32, bool) {
	ip, stride := uint32(0), uint32(1)
	for d := out.Rank() - 1; d >= 0; d-- {
		idx := page % out[d]
		page /= out[d]
		if idx >= in[d] {
			return 0, false
		}
		ip += idx * stride
		stride *= in[d]
	}
	return ip, true
}

// padTile overwrites the elements of output tile page that lie outside the
// input with v.
func padTile(vals []float32, in, out tensor.Spec, page uint32, v float32) {
	orows, ocols := tileExtent(out, page)
	irows, icols := uint32(0), uint32(0)
	if ip, ok := samePosition(in.PageShape(), out.PageShape(), page); ok {
		irows, icols = tileExtent(in, ip)
	}
	for i := uint32(0); i < tensor.TileHeight; i++ {
		for j := uint32(0); j < tensor.TileWidth; j++ {
			k := i*tensor.TileWidth + j
			switch {
			case i >= orows || j >= ocols:
				vals[k] = 0
			case i >= irows || j >= icols:
				vals[k] = v
			}
		}
	}
}

func fill(dt tensor.DataType, row []byte, v float32) {
	es := dt.Size()
	for off := uint32(0); off+es <= uint32(len(row)); off += es {
		tensor.PutElement(dt, row[off:], v)
	}
}
