package ops

import (
	"bytes"
	"math"

	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// RepeatAttrs concatenate Repeats copies of the input along Dim.
type RepeatAttrs struct {
	Dim          int                  `cbor:"dim"`
	Repeats      uint32               `cbor:"repeats"`
	OutputMemory *tensor.MemoryConfig `cbor:"output_memory,omitempty"`
}

func (RepeatAttrs) Kind() Kind { return KindRepeat }

type repeatOp struct{}

func (repeatOp) numInputs() int { return 1 }

func (repeatOp) validateOnMiss(_ *Dispatcher, attrs Attributes, args TensorArgs) error {
	a, err := as[RepeatAttrs](attrs)
	if err != nil {
		return err
	}
	in := args.Inputs[0].Spec()
	dim, err := checkDim(a.Dim, in.Shape.Rank())
	if err != nil {
		return err
	}
	if a.Repeats == 0 {
		return validationf("repeat count must be at least 1")
	}
	if uint64(in.Shape[dim])*uint64(a.Repeats) > math.MaxUint32 {
		return validationf("repeating dim %d of %s %d times overflows", dim, in.Shape, a.Repeats)
	}
	if uint64(in.NumPages())*uint64(in.PageSize())*uint64(a.Repeats) > math.MaxUint32 {
		return validationf("output of repeating %s %d times does not fit in device memory", in.Shape, a.Repeats)
	}
	rank := in.Shape.Rank()
	if in.Layout == tensor.Tile && dim >= rank-2 && rank >= 2 {
		tile := uint32(tensor.TileHeight)
		if dim == rank-1 {
			tile = tensor.TileWidth
		}
		if in.Shape[dim]%tile != 0 {
			return validationf("repeat along dim %d of %s needs whole tiles", dim, in.Shape)
		}
	}
	if in.Layout == tensor.Tile && rank == 1 && in.Shape[0]%tensor.TileWidth != 0 {
		return validationf("repeat of %s needs whole tiles", in.Shape)
	}
	return nil
}

func (repeatOp) validateOnHit(_ *Dispatcher, attrs Attributes, _ TensorArgs) error {
	_, err := as[RepeatAttrs](attrs)
	return err
}

func (repeatOp) outputSpec(_ *Dispatcher, attrs Attributes, inputs []tensor.Spec) (tensor.Spec, error) {
	a := mustAs[RepeatAttrs](attrs)
	out := inputs[0]
	dim, err := checkDim(a.Dim, out.Shape.Rank())
	if err != nil {
		return tensor.Spec{}, err
	}
	out.Shape = out.Shape.Clone()
	out.Shape[dim] *= a.Repeats
	out.Memory = tensor.DRAMMemoryConfig
	if a.OutputMemory != nil {
		out.Memory = *a.OutputMemory
	}
	return out, nil
}

func (repeatOp) selectFactory(attrs Attributes, inputs []tensor.Spec) factory {
	a := mustAs[RepeatAttrs](attrs)
	rank := inputs[0].Shape.Rank()
	if a.Dim == rank-1 || a.Dim == -1 {
		return factory{name: "RepeatLastDim", build: buildRepeatLastDim}
	}
	return factory{name: "RepeatHigherDim", build: buildRepeatHigherDim}
}

// buildRepeatLastDim repeats inside each row-major page. Tiled input is
// repeated a whole tile column at a time like a higher dimension.
func buildRepeatLastDim(r *buildRequest) (*program.Program, error) {
	if r.inputs[0].Layout == tensor.Tile {
		return buildRepeatPages(r, "RepeatLastDim")
	}
	a := mustAs[RepeatAttrs](r.attrs)
	in := r.inputs[0]
	items := gridWork(r.d.mesh, in.NumPages())
	b := r.builder("RepeatLastDim").CircularBuffer(doubleBuffered(cbIn, in.PageSize()))
	chips := r.d.mesh.NumChips()
	perChip(b, chips, items, "repeat_reader", func(w work) program.KernelFunc { return readPages(0, cbIn, w) })
	perChip(b, chips, items, "repeat_writer", func(w work) program.KernelFunc {
		return func(env *program.Env) {
			out := env.Output(0)
			q := env.CB(cbIn)
			for p := w.first; p < w.first+w.count; p++ {
				out.WritePage(env.ChipID, p, bytes.Repeat(q.Wait(1)[0], int(a.Repeats)))
				q.Release(1)
			}
		}
	})
	return b.Build()
}

func buildRepeatHigherDim(r *buildRequest) (*program.Program, error) {
	return buildRepeatPages(r, "RepeatHigherDim")
}

// buildRepeatPages repeats in page space: page p = o*inner + i of the input
// lands on output pages (o*repeats + k)*inner + i for every k.
func buildRepeatPages(r *buildRequest, name string) (*program.Program, error) {
	a := mustAs[RepeatAttrs](r.attrs)
	in := r.inputs[0]
	dim, err := checkDim(a.Dim, in.Shape.Rank())
	if err != nil {
		return nil, err
	}
	inner := uint32(1)
	for _, d := range in.PageShape()[dim:] {
		inner *= d
	}
	items := gridWork(r.d.mesh, in.NumPages())
	b := r.builder(name).CircularBuffer(doubleBuffered(cbIn, in.PageSize()))
	chips := r.d.mesh.NumChips()
	perChip(b, chips, items, "repeat_reader", func(w work) program.KernelFunc { return readPages(0, cbIn, w) })
	perChip(b, chips, items, "repeat_writer", func(w work) program.KernelFunc {
		return func(env *program.Env) {
			out := env.Output(0)
			q := env.CB(cbIn)
			for p := w.first; p < w.first+w.count; p++ {
				page := q.Wait(1)[0]
				o, i := p/inner, p%inner
				for k := uint32(0); k < a.Repeats; k++ {
					out.WritePage(env.ChipID, (o*a.Repeats+k)*inner+i, page)
				}
				q.Release(1)
			}
		}
	})
	return b.Build()
}
