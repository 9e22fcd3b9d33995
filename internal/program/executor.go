package program

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/ringbuf"
)

var tracer = otel.Tracer("meshop-program")

// KernelError is returned by Run when a kernel aborted.
type KernelError struct {
	Kernel string
	Chip   int
	Core   device.CoreCoord
	Value  any
	Stack  []byte
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel %s on chip %d core %s aborted: %v", e.Kernel, e.Chip, e.Core, e.Value)
}

// Unwrap exposes an error panic value to errors.Is and errors.As.
func (e *KernelError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

type coreKey struct {
	chip int
	core device.CoreCoord
}

// Run launches every kernel of p concurrently and waits for all of them.
// Once launched, kernels cannot be cancelled; ctx is only checked before.
// A kernel that panics is reported as a *KernelError. Peers waiting on it
// keep spinning unless the runtime's watchdog aborts them.
func Run(ctx context.Context, rt Runtime, p *Program, bind Bindings) error {
	ctx, span := tracer.Start(ctx, "program.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("program", p.name),
		attribute.String("signature", p.sig.String()),
		attribute.Int("kernels", len(p.kernels)),
	)

	if err := ctx.Err(); err != nil {
		return err
	}
	if rt.Mesh == nil {
		return fmt.Errorf("program %s: no mesh", p.name)
	}
	if n := rt.Mesh.NumChips(); n != p.expect.NumChips {
		return fmt.Errorf("program %s compiled for %d chips, mesh has %d", p.name, p.expect.NumChips, n)
	}

	cbs := make(map[coreKey]map[int]*ringbuf.Buffer)
	for _, k := range p.kernels {
		if !rt.Mesh.HasCore(k.Core) {
			return fmt.Errorf("program %s: kernel %s placed on core %s outside the grid", p.name, k.Name, k.Core)
		}
		key := coreKey{k.Chip, k.Core}
		if _, ok := cbs[key]; ok {
			continue
		}
		m := make(map[int]*ringbuf.Buffer, len(p.cbs))
		for _, cfg := range p.cbs {
			m[cfg.ID] = ringbuf.New(cfg, rt.Watchdog)
		}
		cbs[key] = m
	}

	start := time.Now()
	var g errgroup.Group
	for _, k := range p.kernels {
		env := &Env{
			Kernel:   k.Name,
			ChipID:   k.Chip,
			Core:     k.Core,
			Mesh:     rt.Mesh,
			Fabric:   rt.Fabric,
			Watchdog: rt.Watchdog,
			bind:     bind,
			cbs:      cbs[coreKey{k.Chip, k.Core}],
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					kerr := &KernelError{Kernel: k.Name, Chip: k.Chip, Core: k.Core, Value: r, Stack: debug.Stack()}
					log.Error().Str("kernel", k.Name).Int("chip", k.Chip).Stringer("core", k.Core).
						Interface("panic", r).Msg("Kernel aborted")
					kernelAborts.Inc()
					span.AddEvent("kernel aborted", trace.WithAttributes(
						attribute.String("kernel", k.Name),
						attribute.Int("chip", k.Chip),
						attribute.String("core", k.Core.String()),
					))
					err = kerr
				}
			}()
			k.Run(env)
			return nil
		})
	}

	err := g.Wait()
	runDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	log.Debug().Str("program", p.name).Int("kernels", len(p.kernels)).Dur("elapsed", time.Since(start)).Msg("Program finished")
	return nil
}
