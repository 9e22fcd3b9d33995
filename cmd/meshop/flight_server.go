package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-mesh/internal/client"
	"github.com/23skdu/longbow-mesh/internal/ops"
)

// MeshFlightServer runs client.Command exchanges. The descriptor carries the
// command; one record batch per input follows, and the reply is a single
// batch whose app metadata is the CBOR output spec.
type MeshFlightServer struct {
	flight.BaseFlightServer
	runner Dispatcher
	alloc  memory.Allocator
}

func NewMeshFlightServer(runner Dispatcher) *MeshFlightServer {
	return &MeshFlightServer{
		runner: runner,
		alloc:  memory.NewGoAllocator(),
	}
}

func (s *MeshFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var cmd client.Command
	if err := cbor.Unmarshal(reader.LatestFlightDescriptor().GetCmd(), &cmd); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode command: %v", err)
	}

	inputs := make([]client.HostTensor, len(cmd.Inputs))
	for i, spec := range cmd.Inputs {
		if !reader.Next() {
			if err := reader.Err(); err != nil {
				return err
			}
			return status.Errorf(codes.InvalidArgument, "missing input %d of %d", i, len(cmd.Inputs))
		}
		chips, err := client.ReadRecordBatch(reader.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "input %d: %v", i, err)
		}
		inputs[i] = client.HostTensor{Spec: spec, Chips: chips}
	}

	out, err := s.runner.Dispatch(stream.Context(), cmd.Kind, cmd.Attrs, inputs)
	if err != nil {
		if errors.Is(err, ops.ErrValidation) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(out.Chips)
	if err != nil {
		return err
	}
	defer rec.Release()
	meta, err := cbor.Marshal(out.Spec)
	if err != nil {
		return err
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(client.TensorSchema), ipc.WithAllocator(s.alloc))
	if err := w.WriteWithAppMetadata(rec, meta); err != nil {
		return err
	}
	log.Debug().Str("kind", cmd.Kind).Int("inputs", len(inputs)).Msg("Flight dispatch complete")
	return w.Close()
}

func StartFlightServer(addr string, runner Dispatcher) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewMeshFlightServer(runner))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting meshop Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
