package client

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

// ErrRejected wraps errors for calls the server refused as invalid.
var ErrRejected = errors.New("client: call rejected by server")

// FlightClient runs operations on a meshop server over Arrow Flight.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	breaker *Breaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		alloc:   memory.NewGoAllocator(),
		breaker: NewBreaker(5, 10*time.Second),
	}, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *Breaker {
	return c.breaker
}

// Dispatch runs kind with attrs on the server. attrs is any value that
// CBOR-encodes to the operation's attributes.
func (c *FlightClient) Dispatch(ctx context.Context, kind string, attrs any, inputs []HostTensor) (HostTensor, error) {
	desc, err := describe(kind, attrs, inputs)
	if err != nil {
		return HostTensor{}, err
	}
	if !c.breaker.Allow() {
		return HostTensor{}, ErrCircuitOpen
	}
	out, err := c.exchange(ctx, desc, inputs)
	switch {
	case err == nil, errors.Is(err, ErrRejected):
		c.breaker.Success()
	default:
		c.breaker.Failure()
		log.Warn().Err(err).Str("kind", kind).Stringer("breaker", c.breaker.State()).Msg("Flight dispatch failed")
	}
	return out, err
}

// describe checks the inputs and encodes the command descriptor.
func describe(kind string, attrs any, inputs []HostTensor) (*flight.FlightDescriptor, error) {
	rawAttrs, err := cbor.Marshal(attrs)
	if err != nil {
		return nil, errors.Wrap(err, "encode attributes")
	}
	cmd := Command{Kind: kind, Attrs: rawAttrs, Inputs: make([]tensor.Spec, len(inputs))}
	for i, in := range inputs {
		if err := in.Check(); err != nil {
			return nil, errors.Wrapf(err, "input %d", i)
		}
		cmd.Inputs[i] = in.Spec
	}
	rawCmd, err := cbor.Marshal(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: rawCmd}, nil
}

func (c *FlightClient) exchange(ctx context.Context, desc *flight.FlightDescriptor, inputs []HostTensor) (HostTensor, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return HostTensor{}, classify(err)
	}
	if err := c.send(stream, desc, inputs); err != nil {
		// A server that ended the call early reports why on the receive side.
		if _, rerr := stream.Recv(); rerr != nil && status.Code(rerr) == codes.InvalidArgument {
			return HostTensor{}, classify(rerr)
		}
		return HostTensor{}, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return HostTensor{}, classify(err)
	}
	defer reader.Release()
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return HostTensor{}, classify(err)
		}
		return HostTensor{}, errors.New("server sent no output")
	}

	var out HostTensor
	if err := cbor.Unmarshal(reader.LatestAppMetadata(), &out.Spec); err != nil {
		return HostTensor{}, errors.Wrap(err, "decode output spec")
	}
	if out.Chips, err = ReadRecordBatch(reader.Record()); err != nil {
		return HostTensor{}, err
	}
	return out, out.Check()
}

// send writes the descriptor and one record batch per input, then half
// closes the stream.
func (c *FlightClient) send(stream flight.FlightService_DoExchangeClient, desc *flight.FlightDescriptor, inputs []HostTensor) error {
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(TensorSchema), ipc.WithAllocator(c.alloc))
	writer.SetFlightDescriptor(desc)
	builder := NewRecordBatchBuilder(c.alloc)
	for i, in := range inputs {
		rec, err := builder.BuildRecordBatch(in.Chips)
		if err != nil {
			return errors.Wrapf(err, "input %d", i)
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return stream.CloseSend()
}

// classify marks server-side rejections so they do not count against the
// breaker.
func classify(err error) error {
	if s, ok := status.FromError(err); ok && s.Code() == codes.InvalidArgument {
		return errors.Wrap(ErrRejected, s.Message())
	}
	return err
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
