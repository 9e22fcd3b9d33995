// Package ops is the dispatch layer: a closed set of device operations, each
// validated, compiled into a program once per signature and run on a mesh.
//
// An operation is described by its attributes (plain values that are part of
// the cache key) and its tensor arguments. Dispatch validates the call,
// fetches or builds the program for its signature, materializes the output
// and runs the program against the call's buffers.
package ops

import (
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// ErrValidation is wrapped by every error that rejects a call before
// anything runs on the device.
var ErrValidation = errors.New("ops: invalid call")

func validationf(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// Kind names an operation.
type Kind string

const (
	KindAllGatherAsync Kind = "all_gather_async"
	KindDot            Kind = "dot"
	KindRepeat         Kind = "repeat"
	KindPad            Kind = "pad"
	KindUnary          Kind = "unary"
)

var folder = cases.Fold()

// ParseKind accepts any case and '-' for '_'.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(folder.String(strings.TrimSpace(s)), "-", "_"))
	if _, ok := registry[k]; !ok {
		return "", validationf("unknown operation %q", s)
	}
	return k, nil
}

// Kinds lists the registered operations.
func Kinds() []Kind {
	return []Kind{KindAllGatherAsync, KindDot, KindRepeat, KindPad, KindUnary}
}

// Attributes are the non-tensor arguments of an operation. Every field that
// is not tagged `cbor:"-"` is part of the program signature.
type Attributes interface {
	Kind() Kind
}

// DecodeAttributes decodes CBOR encoded attributes of kind k.
func DecodeAttributes(k Kind, raw []byte) (Attributes, error) {
	var (
		a   Attributes
		err error
	)
	switch k {
	case KindAllGatherAsync:
		var v AllGatherAttrs
		err = cbor.Unmarshal(raw, &v)
		a = v
	case KindDot:
		var v DotAttrs
		err = cbor.Unmarshal(raw, &v)
		a = v
	case KindRepeat:
		var v RepeatAttrs
		err = cbor.Unmarshal(raw, &v)
		a = v
	case KindPad:
		var v PadAttrs
		err = cbor.Unmarshal(raw, &v)
		a = v
	case KindUnary:
		var v UnaryAttrs
		err = cbor.Unmarshal(raw, &v)
		a = v
	default:
		return nil, validationf("unknown operation %q", k)
	}
	if err != nil {
		return nil, validationf("decode %s attributes: %v", k, err)
	}
	return a, nil
}

// TensorArgs are the tensors of a call. Output is optional; when set it is
// checked against the computed output spec and written in place.
type TensorArgs struct {
	Inputs []*tensor.Tensor
	Output *tensor.Tensor
}

func (a TensorArgs) specs() []tensor.Spec {
	out := make([]tensor.Spec, len(a.Inputs))
	for i, t := range a.Inputs {
		out[i] = t.Spec()
	}
	return out
}

func (a TensorArgs) buffers() []*device.Buffer {
	out := make([]*device.Buffer, len(a.Inputs))
	for i, t := range a.Inputs {
		out[i] = t.Buffer()
	}
	return out
}

// factory builds the program for one strategy of an operation.
type factory struct {
	name  string
	build func(r *buildRequest) (*program.Program, error)
}

// buildRequest is everything a factory may read. Buffers are not part of it.
type buildRequest struct {
	d      *Dispatcher
	sig    program.Signature
	attrs  Attributes
	inputs []tensor.Spec
	output tensor.Spec
}

func (r *buildRequest) builder(name string) *program.Builder {
	return program.NewBuilder(name, r.sig).Expect(program.Expectations{
		Inputs:   r.inputs,
		Outputs:  []tensor.Spec{r.output},
		NumChips: r.d.mesh.NumChips(),
	})
}

// operation is implemented by every registered kind.
type operation interface {
	// numInputs is the exact number of input tensors.
	numInputs() int
	// validateOnMiss runs every check, before a program is built.
	validateOnMiss(d *Dispatcher, a Attributes, args TensorArgs) error
	// validateOnHit runs the checks a cached program cannot vouch for.
	validateOnHit(d *Dispatcher, a Attributes, args TensorArgs) error
	outputSpec(d *Dispatcher, a Attributes, inputs []tensor.Spec) (tensor.Spec, error)
	// selectFactory must depend on nothing but its arguments.
	selectFactory(a Attributes, inputs []tensor.Spec) factory
}

var registry = map[Kind]operation{
	KindAllGatherAsync: allGatherOp{},
	KindDot:            dotOp{},
	KindRepeat:         repeatOp{},
	KindPad:            padOp{},
	KindUnary:          unaryOp{},
}

// FactoryName reports which program factory a call would use.
func FactoryName(a Attributes, inputs []tensor.Spec) (string, error) {
	op, ok := registry[a.Kind()]
	if !ok {
		return "", validationf("unknown operation %q", a.Kind())
	}
	return op.selectFactory(a, inputs).name, nil
}

// as recovers the concrete attributes of an operation, accepting a pointer
// as well.
func as[T Attributes](a Attributes) (T, error) {
	if v, ok := a.(T); ok {
		return v, nil
	}
	if p, ok := any(a).(*T); ok && p != nil {
		return *p, nil
	}
	var zero T
	return zero, validationf("attributes %T do not belong to %s", a, zero.Kind())
}

func mustAs[T Attributes](a Attributes) T {
	v, err := as[T](a)
	if err != nil {
		panic(err)
	}
	return v
}

// checkDim resolves a possibly negative dimension against rank.
func checkDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return 0, validationf("dimension %d out of range for rank %d", dim, rank)
	}
	return dim, nil
}
