package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-mesh/internal/client"
	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/fabric"
	"github.com/23skdu/longbow-mesh/internal/kernels"
	"github.com/23skdu/longbow-mesh/internal/ops"
	"github.com/23skdu/longbow-mesh/internal/spin"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

var (
	numChips      = flag.Int("chips", 2, "Number of chips in the mesh")
	gridX         = flag.Uint("grid-x", 8, "Core grid width per chip")
	gridY         = flag.Uint("grid-y", 8, "Core grid height per chip")
	l1Size        = flag.String("l1-size", "1MB", "L1 size per core (e.g. 1MB, 512KB)")
	dramSize      = flag.String("dram-size", "256MB", "DRAM size per chip")
	numLinks      = flag.Int("links", 2, "Fabric links per direction between neighbouring chips")
	fabricSlots   = flag.Uint("fabric-buffers", 8, "Write slots per fabric connection")
	watchdogAfter = flag.Duration("watchdog", 30*time.Second, "Abort kernels spinning longer than this (0 disables)")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of requests admitted at once")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	demoKind      = flag.String("demo", "all_gather_async", "Operation run by the demo (all_gather_async, unary)")
	dumpPath      = flag.String("dump", "", "Write the demo output as an Arrow IPC stream to this file ('-' for stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
)

// parseBytes reads sizes such as 1MB, 64KB or 4096.
func parseBytes(s string) (uint32, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	var val uint64
	var unit string
	if n, _ := fmt.Sscanf(s, "%d%s", &val, &unit); n == 0 {
		return 0, errors.Errorf("invalid size %q", s)
	}

	switch unit {
	case "GB", "G":
		val <<= 30
	case "MB", "M":
		val <<= 20
	case "KB", "K":
		val <<= 10
	case "", "B":
	default:
		return 0, errors.Errorf("invalid size unit %q", unit)
	}
	if val > 1<<32-1 {
		return 0, errors.Errorf("size %q does not fit in 32 bits", s)
	}
	return uint32(val), nil
}

func meshConfig() (device.Config, error) {
	cfg := device.DefaultConfig()
	cfg.NumChips = *numChips
	cfg.GridX = uint32(*gridX)
	cfg.GridY = uint32(*gridY)
	var err error
	if cfg.L1Size, err = parseBytes(*l1Size); err != nil {
		return cfg, err
	}
	if cfg.DRAMSize, err = parseBytes(*dramSize); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := meshConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid mesh configuration")
	}
	mesh, err := device.NewMesh(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create mesh")
	}

	var wd *spin.Watchdog
	if *watchdogAfter > 0 {
		wd = spin.PanicOnStall(*watchdogAfter)
	}
	fopts := fabric.DefaultOptions()
	fopts.Links = *numLinks
	fopts.Slots = uint32(*fabricSlots)
	fopts.Watchdog = wd
	fab, err := fabric.New(mesh, fopts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start fabric")
	}
	defer fab.Close()

	log.Info().
		Int("chips", cfg.NumChips).
		Uint32("grid_x", cfg.GridX).
		Uint32("grid_y", cfg.GridY).
		Int("links", fopts.Links).
		Msg("Mesh ready")

	runner, err := newMeshRunner(ops.NewDispatcher(mesh, fab, ops.Options{Watchdog: wd}))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create runner")
	}

	if *listenAddr != "" {
		go startServer(*listenAddr, runner, mesh, *maxConcurrent)
	}
	if *flightAddr != "" {
		StartFlightServer(*flightAddr, runner)
		return
	}
	if *listenAddr != "" {
		select {}
	}

	if err := runDemo(context.Background(), runner, cfg.NumChips); err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
}

// runDemo dispatches one operation on a generated input and logs the result.
func runDemo(ctx context.Context, runner Dispatcher, chips int) error {
	kind, err := ops.ParseKind(*demoKind)
	if err != nil {
		return err
	}

	var (
		input client.HostTensor
		attrs any
	)
	switch kind {
	case ops.KindAllGatherAsync:
		// Each chip contributes one 32x32 tile; the gather concatenates
		// them along the width.
		input = demoInput(chips, tensor.Shape{1, 1, 32, 32}, tensor.Tile)
		attrs = ops.AllGatherAttrs{
			Dim:              3,
			NumLinks:         1,
			OutputMemory:     tensor.DRAMMemoryConfig,
			WaitForSemaphore: true,
			ResetSemaphore:   true,
		}
	case ops.KindUnary:
		input = demoInput(1, tensor.Shape{1, 1, 64, 64}, tensor.Tile)
		attrs = ops.UnaryAttrs{Op: kernels.Gelu}
	default:
		return errors.Errorf("no demo for %s", kind)
	}

	raw, err := encodeAttrs(attrs)
	if err != nil {
		return err
	}
	start := time.Now()
	out, err := runner.Dispatch(ctx, string(kind), raw, []client.HostTensor{input})
	if err != nil {
		return err
	}
	log.Info().
		Str("kind", string(kind)).
		Stringer("output", out.Spec).
		Int("chips", len(out.Chips)).
		Dur("elapsed", time.Since(start)).
		Msg("Demo dispatch complete")

	if *dumpPath == "" {
		return nil
	}
	w := os.Stdout
	if *dumpPath != "-" {
		if w, err = os.Create(*dumpPath); err != nil {
			return err
		}
		defer w.Close()
	}
	return writeArrowStream(w, out)
}

// demoInput fills one slice per chip with chip-distinct values that survive
// bfloat16 exactly.
func demoInput(chips int, shape tensor.Shape, layout tensor.Layout) client.HostTensor {
	h := client.HostTensor{
		Spec: tensor.Spec{
			Shape:  shape,
			DType:  tensor.BFloat16,
			Layout: layout,
			Memory: tensor.DRAMMemoryConfig,
		},
		Chips: make([][]float32, chips),
	}
	for c := range h.Chips {
		vals := make([]float32, shape.Volume())
		for i := range vals {
			vals[i] = float32((c*37 + i) % 251)
		}
		h.Chips[c] = vals
	}
	return h
}

func writeArrowStream(w *os.File, out client.HostTensor) error {
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(out.Chips)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("meshop"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
