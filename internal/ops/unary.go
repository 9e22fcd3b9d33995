package ops

import (
	"github.com/23skdu/longbow-mesh/internal/kernels"
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// UnaryAttrs apply Op to every element. OutputMemory defaults to the input
// placement.
type UnaryAttrs struct {
	Op           kernels.Op           `cbor:"op"`
	OutputMemory *tensor.MemoryConfig `cbor:"output_memory,omitempty"`
}

func (UnaryAttrs) Kind() Kind { return KindUnary }

func (a UnaryAttrs) memory(in tensor.Spec) tensor.MemoryConfig {
	if a.OutputMemory == nil {
		return in.Memory
	}
	return *a.OutputMemory
}

type unaryOp struct{}

func (unaryOp) numInputs() int { return 1 }

func (unaryOp) validateOnMiss(_ *Dispatcher, attrs Attributes, args TensorArgs) error {
	a, err := as[UnaryAttrs](attrs)
	if err != nil {
		return err
	}
	in := args.Inputs[0].Spec()
	switch {
	case !a.Op.Valid():
		return validationf("unknown unary op %d", uint8(a.Op))
	case in.DType == tensor.UInt32:
		return validationf("unary %s needs a floating point input, got %s", a.Op, in.DType)
	case a.Op.RowWise() && in.Layout != tensor.RowMajor:
		return validationf("unary %s needs a row-major input", a.Op)
	}
	return nil
}

func (unaryOp) validateOnHit(_ *Dispatcher, attrs Attributes, _ TensorArgs) error {
	_, err := as[UnaryAttrs](attrs)
	return err
}

func (unaryOp) outputSpec(_ *Dispatcher, attrs Attributes, inputs []tensor.Spec) (tensor.Spec, error) {
	a := mustAs[UnaryAttrs](attrs)
	out := inputs[0]
	out.Memory = a.memory(inputs[0])
	return out, nil
}

// selectFactory keeps sharded tensors on their shard cores when the output
// keeps the same placement.
func (unaryOp) selectFactory(attrs Attributes, inputs []tensor.Spec) factory {
	a := mustAs[UnaryAttrs](attrs)
	in := inputs[0]
	if in.Memory.Layout.IsSharded() && a.memory(in).Equal(in.Memory) {
		return factory{name: "UnarySharded", build: buildUnarySharded}
	}
	return factory{name: "UnaryMultiCore", build: buildUnaryMultiCore}
}

func buildUnaryMultiCore(r *buildRequest) (*program.Program, error) {
	in := r.inputs[0]
	return buildUnary(r, "UnaryMultiCore", gridWork(r.d.mesh, in.NumPages()))
}

func buildUnarySharded(r *buildRequest) (*program.Program, error) {
	in := r.inputs[0]
	return buildUnary(r, "UnarySharded", shardWork(in.Memory.Shard.Cores, in.NumPages()))
}

func buildUnary(r *buildRequest, name string, items []work) (*program.Program, error) {
	a := mustAs[UnaryAttrs](r.attrs)
	in := r.inputs[0]
	b := r.builder(name).
		CircularBuffer(doubleBuffered(cbIn, in.PageSize())).
		CircularBuffer(doubleBuffered(cbOut, in.PageSize()))
	chips := r.d.mesh.NumChips()
	perChip(b, chips, items, "unary_reader", func(w work) program.KernelFunc { return readPages(0, cbIn, w) })
	perChip(b, chips, items, "unary_compute", func(w work) program.KernelFunc { return computePages(a.Op, in, w) })
	perChip(b, chips, items, "unary_writer", func(w work) program.KernelFunc { return writePages(cbOut, w) })
	return b.Build()
}

// computePages applies op to the pages of w flowing from cbIn to cbOut.
// Tile padding stays zero.
func computePages(op kernels.Op, spec tensor.Spec, w work) program.KernelFunc {
	return func(env *program.Env) {
		in, out := env.CB(cbIn), env.CB(cbOut)
		for p := w.first; p < w.first+w.count; p++ {
			vals := tensor.DecodePage(spec.DType, in.Wait(1)[0])
			in.Release(1)
			op.Apply(vals)
			if spec.Layout == tensor.Tile {
				rows, cols := tileExtent(spec, p)
				zeroPadding(vals, rows, cols)
			}
			tensor.EncodePage(spec.DType, vals, out.Reserve(1)[0])
			out.Commit(1)
		}
	}
}

// tileExtent is the logical part of tile page: the first rows rows and
// cols columns.
func tileExtent(spec tensor.Spec, page uint32) (rows, cols uint32) {
	_, ht, wt := spec.TileGrid()
	h, w := uint32(1), spec.Shape[spec.Shape.Rank()-1]
	if spec.Shape.Rank() >= 2 {
		h = spec.Shape[spec.Shape.Rank()-2]
	}
	tr, tc := (page/wt)%ht, page%wt
	return min(tensor.TileHeight, h-tr*tensor.TileHeight), min(tensor.TileWidth, w-tc*tensor.TileWidth)
}

func zeroPadding(vals []float32, rows, cols uint32) {
	for i := uint32(0); i < tensor.TileHeight; i++ {
		for j := uint32(0); j < tensor.TileWidth; j++ {
			if i >= rows || j >= cols {
				vals[i*tensor.TileWidth+j] = 0
			}
		}
	}
}
