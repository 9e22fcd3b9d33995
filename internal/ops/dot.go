package ops

import (
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// DotAttrs configure the inner product of two vectors. The result is a
// single value in a tiled tensor whose last dimension is 1.
type DotAttrs struct {
	OutputMemory *tensor.MemoryConfig `cbor:"output_memory,omitempty"`
}

func (DotAttrs) Kind() Kind { return KindDot }

type dotOp struct{}

func (dotOp) numInputs() int { return 2 }

// is1D reports whether every dimension but the last is 1.
func is1D(s tensor.Shape) bool {
	for _, d := range s[:s.Rank()-1] {
		if d != 1 {
			return false
		}
	}
	return true
}

func (dotOp) validateOnMiss(_ *Dispatcher, attrs Attributes, args TensorArgs) error {
	if _, err := as[DotAttrs](attrs); err != nil {
		return err
	}
	a, b := args.Inputs[0].Spec(), args.Inputs[1].Spec()
	for i, s := range []tensor.Spec{a, b} {
		switch {
		case !is1D(s.Shape):
			return validationf("dot input %d must be 1-D, got %s", i, s.Shape)
		case s.DType != tensor.BFloat16 && s.DType != tensor.Float32:
			return validationf("dot input %d must be bfloat16 or float32, got %s", i, s.DType)
		case s.Layout != tensor.Tile:
			return validationf("dot input %d must be tiled", i)
		}
	}
	if a.Shape[a.Shape.Rank()-1] != b.Shape[b.Shape.Rank()-1] {
		return validationf("dot inputs differ in width: %s and %s", a.Shape, b.Shape)
	}
	if a.DType != b.DType {
		return validationf("dot inputs differ in data type: %s and %s", a.DType, b.DType)
	}
	return nil
}

func (dotOp) validateOnHit(_ *Dispatcher, attrs Attributes, _ TensorArgs) error {
	_, err := as[DotAttrs](attrs)
	return err
}

func (dotOp) outputSpec(_ *Dispatcher, attrs Attributes, inputs []tensor.Spec) (tensor.Spec, error) {
	a := mustAs[DotAttrs](attrs)
	out := inputs[0]
	out.Shape = inputs[0].Shape.Clone()
	out.Shape[out.Shape.Rank()-1] = 1
	out.Memory = tensor.DRAMMemoryConfig
	if a.OutputMemory != nil {
		out.Memory = *a.OutputMemory
	}
	return out, nil
}

func (dotOp) selectFactory(Attributes, []tensor.Spec) factory {
	return factory{name: "DotSingleCore", build: buildDot}
}

func buildDot(r *buildRequest) (*program.Program, error) {
	in := r.inputs[0]
	core := r.d.mesh.Cores(1)[0]
	b := r.builder("DotSingleCore").
		CircularBuffer(doubleBuffered(cbIn, in.PageSize())).
		CircularBuffer(doubleBuffered(cbAux, in.PageSize()))
	items := []work{{core: core, count: in.NumPages()}}
	perChip(b, r.d.mesh.NumChips(), items, "dot_reader", func(w work) program.KernelFunc {
		return func(env *program.Env) {
			readPair(env, w)
		}
	})
	perChip(b, r.d.mesh.NumChips(), items, "dot_compute", func(w work) program.KernelFunc {
		return func(env *program.Env) {
			dot(env, in.DType, r.output, w)
		}
	})
	return b.Build()
}

// readPair streams matching pages of both inputs.
func readPair(env *program.Env, w work) {
	pairs := []struct {
		buf *device.Buffer
		cb  int
	}{{env.Input(0), cbIn}, {env.Input(1), cbAux}}
	for p := w.first; p < w.first+w.count; p++ {
		for _, in := range pairs {
			q := env.CB(in.cb)
			copy(q.Reserve(1)[0], in.buf.ReadPage(env.ChipID, p))
			q.Commit(1)
		}
	}
}

// dot accumulates the page products and writes the sum to element [0,0] of
// the single output tile. Input padding is zero and adds nothing.
func dot(env *program.Env, dt tensor.DataType, out tensor.Spec, w work) {
	qa, qb := env.CB(cbIn), env.CB(cbAux)
	var acc float64
	for i := uint32(0); i < w.count; i++ {
		x := widen(tensor.DecodePage(dt, qa.Wait(1)[0]))
		y := widen(tensor.DecodePage(dt, qb.Wait(1)[0]))
		qa.Release(1)
		qb.Release(1)
		acc += blas64.Dot(
			blas64.Vector{N: len(x), Inc: 1, Data: x},
			blas64.Vector{N: len(y), Inc: 1, Data: y},
		)
	}
	result := make([]byte, out.PageSize())
	tensor.PutElement(dt, result, float32(acc))
	env.Output(0).WritePage(env.ChipID, 0, result)
}

func widen(vals []float32) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out
}
