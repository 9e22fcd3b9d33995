package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-mesh/internal/cache"
	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/fabric"
	"github.com/23skdu/longbow-mesh/internal/program"
	"github.com/23skdu/longbow-mesh/internal/spin"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

var tracer = otel.Tracer("meshop-ops")

// Options configures a Dispatcher.
type Options struct {
	// Cache holds compiled programs. Nil selects the process-wide cache.
	Cache *cache.ProgramCache
	// Watchdog bounds every device wait. Nil waits forever.
	Watchdog *spin.Watchdog
}

// Dispatcher runs operations on one mesh.
type Dispatcher struct {
	mesh  *device.Mesh
	fab   *fabric.Fabric
	cache *cache.ProgramCache
	wd    *spin.Watchdog
}

// NewDispatcher returns a dispatcher for mesh. fab may be nil when no
// collective operation is dispatched.
func NewDispatcher(mesh *device.Mesh, fab *fabric.Fabric, opts Options) *Dispatcher {
	c := opts.Cache
	if c == nil {
		c = cache.Shared()
	}
	return &Dispatcher{mesh: mesh, fab: fab, cache: c, wd: opts.Watchdog}
}

// Mesh returns the mesh calls run on.
func (d *Dispatcher) Mesh() *device.Mesh {
	return d.mesh
}

// Cache returns the program cache.
func (d *Dispatcher) Cache() *cache.ProgramCache {
	return d.cache
}

// Dispatch validates and runs one call, returning its output tensor. When
// args.Output is set the same tensor is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, attrs Attributes, args TensorArgs) (out *tensor.Tensor, err error) {
	if attrs == nil {
		return nil, validationf("nil attributes")
	}
	kind := attrs.Kind()
	ctx, span := tracer.Start(ctx, "ops.dispatch")
	span.SetAttributes(attribute.String("kind", string(kind)))
	start := time.Now()
	hit := false
	defer func() {
		dispatchDuration.WithLabelValues(string(kind), cacheLabel(hit)).Observe(time.Since(start).Seconds())
		if err != nil {
			dispatchErrors.WithLabelValues(string(kind), errorClass(err)).Inc()
			log.Error().Err(err).Str("kind", string(kind)).Msg("dispatch failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	op, ok := registry[kind]
	if !ok {
		return nil, validationf("unknown operation %q", kind)
	}
	if err := d.checkInputs(op, args); err != nil {
		return nil, err
	}
	inputs := args.specs()
	sig, err := program.NewSignature(string(kind), attrs, inputs)
	if err != nil {
		return nil, validationf("signature: %v", err)
	}
	span.SetAttributes(attribute.String("signature", sig.String()))

	prog, hit, err := d.cache.GetOrBuild(ctx, sig, func(ctx context.Context) (*program.Program, error) {
		return d.build(op, sig, attrs, args, inputs)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("cache_hit", hit), attribute.String("factory", prog.Name()))

	if hit {
		if err := op.validateOnHit(d, attrs, args); err != nil {
			return nil, err
		}
		if err := prog.CheckInputs(inputs, d.mesh.NumChips()); err != nil {
			return nil, errors.Wrap(ErrValidation, err.Error())
		}
	}

	outSpec := prog.Expectations().Outputs[0]
	out, fresh, err := d.materialize(outSpec, args.Output)
	if err != nil {
		return nil, err
	}
	bind := program.Bindings{
		Inputs:    args.buffers(),
		Outputs:   []*device.Buffer{out.Buffer()},
		Semaphore: semaphoreOf(attrs),
	}
	rt := program.Runtime{Mesh: d.mesh, Fabric: d.fab, Watchdog: d.wd}
	if err := program.Run(ctx, rt, prog, bind); err != nil {
		if fresh {
			out.Deallocate()
		}
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return out, nil
}

// checkInputs runs the checks every call needs before its specs can be read.
func (d *Dispatcher) checkInputs(op operation, args TensorArgs) error {
	if len(args.Inputs) != op.numInputs() {
		return validationf("expected %d input tensors, got %d", op.numInputs(), len(args.Inputs))
	}
	for i, t := range args.Inputs {
		if !t.IsAllocated() {
			return validationf("input %d is not allocated on device", i)
		}
		if t.Mesh() != d.mesh {
			return validationf("input %d lives on a different mesh", i)
		}
	}
	return nil
}

// build is the cache miss path: full validation, then the selected factory.
func (d *Dispatcher) build(op operation, sig program.Signature, attrs Attributes, args TensorArgs, inputs []tensor.Spec) (*program.Program, error) {
	if err := op.validateOnMiss(d, attrs, args); err != nil {
		return nil, err
	}
	outSpec, err := op.outputSpec(d, attrs, inputs)
	if err != nil {
		return nil, err
	}
	if err := outSpec.Validate(); err != nil {
		return nil, validationf("output %s: %v", outSpec, err)
	}
	if args.Output != nil {
		if err := args.Output.CheckReusable(d.mesh, outSpec); err != nil {
			return nil, errors.Wrap(ErrValidation, err.Error())
		}
	}
	f := op.selectFactory(attrs, inputs)
	log.Debug().Str("kind", string(attrs.Kind())).Str("factory", f.name).Str("signature", sig.String()).Msg("building program")
	prog, err := f.build(&buildRequest{d: d, sig: sig, attrs: attrs, inputs: inputs, output: outSpec})
	if err != nil {
		return nil, errors.Wrapf(ErrValidation, "%s: %v", f.name, err)
	}
	return prog, nil
}

// materialize returns the tensor the program writes: pre when supplied,
// otherwise a fresh allocation.
func (d *Dispatcher) materialize(spec tensor.Spec, pre *tensor.Tensor) (*tensor.Tensor, bool, error) {
	if pre != nil {
		if err := pre.CheckReusable(d.mesh, spec); err != nil {
			return nil, false, errors.Wrap(ErrValidation, err.Error())
		}
		return pre, false, nil
	}
	t, err := tensor.Allocate(d.mesh, spec)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func semaphoreOf(a Attributes) *device.GlobalSemaphore {
	if g, err := as[AllGatherAttrs](a); err == nil {
		return g.Semaphore
	}
	return nil
}

func cacheLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func errorClass(err error) string {
	var ke *program.KernelError
	var bp *cache.BuildPanic
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.As(err, &ke):
		return "kernel"
	case errors.As(err, &bp):
		return "build"
	default:
		return "other"
	}
}
