package main

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-mesh/internal/client"
	"github.com/23skdu/longbow-mesh/internal/device"
	"github.com/23skdu/longbow-mesh/internal/ops"
	"github.com/23skdu/longbow-mesh/internal/tensor"
)

var (
	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshop_request_duration_seconds",
		Help:    "Time spent serving dispatch requests",
		Buckets: prometheus.DefBuckets,
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshop_requests_total",
		Help: "Dispatch requests by response status",
	}, []string{"code"})
)

// Dispatcher runs one operation on host tensors. kind and attrs are the
// wire forms accepted by ops.ParseKind and ops.DecodeAttributes.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, attrs cbor.RawMessage, inputs []client.HostTensor) (client.HostTensor, error)
}

// meshRunner serves Dispatcher calls on one mesh. Calls are serialized:
// programs assume they own every core they run on.
type meshRunner struct {
	mu  sync.Mutex
	d   *ops.Dispatcher
	sem *device.GlobalSemaphore
}

// newMeshRunner creates the semaphore handed to collectives whose callers
// cannot supply one over the wire.
func newMeshRunner(d *ops.Dispatcher) (*meshRunner, error) {
	mesh := d.Mesh()
	sem, err := mesh.CreateGlobalSemaphore(mesh.Cores(1), 0)
	if err != nil {
		return nil, errors.Wrap(err, "create collective semaphore")
	}
	return &meshRunner{d: d, sem: sem}, nil
}

func (r *meshRunner) Dispatch(ctx context.Context, kind string, raw cbor.RawMessage, inputs []client.HostTensor) (client.HostTensor, error) {
	k, err := ops.ParseKind(kind)
	if err != nil {
		return client.HostTensor{}, err
	}
	attrs, err := ops.DecodeAttributes(k, raw)
	if err != nil {
		return client.HostTensor{}, err
	}
	for i, in := range inputs {
		if err := in.Check(); err != nil {
			return client.HostTensor{}, errors.Wrapf(ops.ErrValidation, "input %d: %v", i, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := attrs.(ops.AllGatherAttrs); ok && g.Semaphore == nil {
		// Counts left by an earlier call would satisfy this call's wait.
		r.sem.Reset()
		g.Semaphore = r.sem
		attrs = g
	}

	mesh := r.d.Mesh()
	args := ops.TensorArgs{Inputs: make([]*tensor.Tensor, 0, len(inputs))}
	defer func() {
		for _, t := range args.Inputs {
			t.Deallocate()
		}
	}()
	for i, in := range inputs {
		t, err := in.ToDevice(mesh)
		if err != nil {
			return client.HostTensor{}, errors.Wrapf(err, "upload input %d", i)
		}
		args.Inputs = append(args.Inputs, t)
	}

	out, err := r.d.Dispatch(ctx, attrs, args)
	if err != nil {
		return client.HostTensor{}, err
	}
	defer out.Deallocate()
	return client.FromDevice(out), nil
}

// Server is the HTTP front end of a Dispatcher.
type Server struct {
	runner Dispatcher
	sem    *semaphore.Weighted
}

func NewServer(runner Dispatcher, maxConcurrent int) *Server {
	return &Server{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, runner Dispatcher, mesh *device.Mesh, maxConcurrent int) {
	srv := NewServer(runner, maxConcurrent)

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "meshop_mesh_dram_bytes_in_use",
			Help: "DRAM bytes allocated on each chip of the mesh",
		},
		func() float64 {
			_, dram := mesh.MemoryUsage()
			return float64(dram)
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "meshop_mesh_l1_bytes_in_use",
			Help: "L1 bytes allocated on each core of the mesh",
		},
		func() float64 {
			l1, _ := mesh.MemoryUsage()
			return float64(l1)
		},
	))

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/dispatch", srv.handleDispatch)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting meshop server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("meshop-server")

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleDispatch")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req client.DispatchRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		s.reply(w, http.StatusBadRequest, client.DispatchResponse{Error: "CBOR decode: " + err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("kind", req.Kind),
		attribute.Int("inputs", len(req.Inputs)),
	)

	// Admission Control
	if !s.sem.TryAcquire(1) {
		log.Warn().Str("kind", req.Kind).Msg("Rejecting dispatch, server busy")
		s.reply(w, http.StatusServiceUnavailable, client.DispatchResponse{Error: "server busy"})
		return
	}
	defer s.sem.Release(1)

	out, err := s.runner.Dispatch(ctx, req.Kind, req.Attrs, req.Inputs)
	if err != nil {
		span.RecordError(err)
		code := http.StatusInternalServerError
		if errors.Is(err, ops.ErrValidation) {
			code = http.StatusBadRequest
		}
		s.reply(w, code, client.DispatchResponse{Error: err.Error()})
		return
	}
	s.reply(w, http.StatusOK, client.DispatchResponse{Output: &out})
}

func (s *Server) reply(w http.ResponseWriter, code int, resp client.DispatchResponse) {
	requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	body, err := cbor.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// encodeAttrs turns typed attributes into their wire form.
func encodeAttrs(attrs any) (cbor.RawMessage, error) {
	raw, err := cbor.Marshal(attrs)
	if err != nil {
		return nil, errors.Wrap(err, "encode attributes")
	}
	return raw, nil
}
