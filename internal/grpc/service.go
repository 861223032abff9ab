// Package grpc serves vehicle update streams and position publishing over gRPC. Messages
// are google.protobuf.Struct values carrying the same JSON envelopes as the websocket.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/session"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "transit.tracker.v1.Tracker"
	// MethodStreamVehicleUpdates is the full method name of the subscriber stream.
	MethodStreamVehicleUpdates = "/" + ServiceName + "/StreamVehicleUpdates"
	// MethodPublishPositions is the full method name of the publisher stream.
	MethodPublishPositions = "/" + ServiceName + "/PublishPositions"
	// TransportKind labels gRPC subscribers in the session manager.
	TransportKind = "grpc"

	publishTimeout = 2 * time.Second
)

// TrackerServer is the handler surface bound to the service descriptor.
type TrackerServer interface {
	StreamVehicleUpdates(req *structpb.Struct, stream grpclib.ServerStream) error
	PublishPositions(stream grpclib.ServerStream) error
}

// ServiceDesc describes the tracker service for registration and for hand-built clients.
var ServiceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackerServer)(nil),
	Streams: []grpclib.StreamDesc{
		{StreamName: "StreamVehicleUpdates", Handler: streamVehicleUpdatesHandler, ServerStreams: true},
		{StreamName: "PublishPositions", Handler: publishPositionsHandler, ClientStreams: true},
	},
	Metadata: "transit/tracker/v1/tracker.proto",
}

func streamVehicleUpdatesHandler(srv any, stream grpclib.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TrackerServer).StreamVehicleUpdates(req, stream)
}

func publishPositionsHandler(srv any, stream grpclib.ServerStream) error {
	return srv.(TrackerServer).PublishPositions(stream)
}

// Option customises the behaviour of the gRPC service.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements TrackerServer on top of the session manager and the ingestor.
type Service struct {
	sessions Sessions
	ingester Ingester
	log      *logging.Logger
}

// NewService wires the gRPC service to its collaborators.
func NewService(sessions Sessions, ingester Ingester, opts ...Option) *Service {
	service := &Service{sessions: sessions, ingester: ingester, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	service.log = service.log.With(logging.String("component", "grpc"))
	return service
}

// Register attaches the service to a gRPC server.
func Register(registrar grpclib.ServiceRegistrar, service *Service) {
	registrar.RegisterService(&ServiceDesc, service)
}

// StreamVehicleUpdates subscribes the caller to the requested routes and relays every
// frame its connection receives until either side ends the stream.
func (s *Service) StreamVehicleUpdates(req *structpb.Struct, stream grpclib.ServerStream) error {
	if s == nil || s.sessions == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	//1.- Reuse the websocket route selection rules for the request body.
	raw, err := protojson.Marshal(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	sel, err := session.DecodeRouteSelection(raw)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if len(sel.RouteIDs) == 0 {
		return status.Error(codes.InvalidArgument, "routeIds are required")
	}

	//2.- Open a connection whose transport writes onto this stream.
	transport := newStreamTransport(stream)
	conn, err := s.sessions.Open(transport, TransportKind)
	if errors.Is(err, session.ErrTooManyConnections) {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	if err != nil {
		return status.Errorf(codes.Internal, "open subscription: %v", err)
	}
	ctx := stream.Context()
	if err := conn.Subscribe(ctx, sel.RouteIDs, sel.Destination); err != nil {
		conn.Close(session.ReasonWriteError)
		return status.Errorf(codes.Unavailable, "subscribe: %v", err)
	}

	//3.- Hold the stream open until the client leaves or the server drops the connection.
	// Closing the transport before returning waits out any in-flight send.
	defer transport.Close()
	select {
	case <-ctx.Done():
		conn.Close(session.ReasonClientClosed)
		if errors.Is(ctx.Err(), context.Canceled) {
			return status.Error(codes.Canceled, "stream cancelled")
		}
		return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
	case <-conn.Done():
		return status.Error(codes.Unavailable, "subscription closed by server")
	}
}

// PublishPositions ingests a stream of position updates and answers with a summary
// once the client half-closes.
func (s *Service) PublishPositions(stream grpclib.ServerStream) error {
	if s == nil || s.ingester == nil {
		return status.Error(codes.FailedPrecondition, "publishing unavailable")
	}
	ctx := stream.Context()
	var summary PublishSummary

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			//1.- Return the aggregated acknowledgement once the client closes the stream.
			out, err := structpb.NewStruct(summary.asMap())
			if err != nil {
				return status.Errorf(codes.Internal, "encode summary: %v", err)
			}
			return stream.SendMsg(out)
		}
		if err != nil {
			return err
		}

		//2.- Decode through JSON so the websocket and gRPC payloads share one schema.
		var update ingest.PositionUpdate
		raw, err := protojson.Marshal(msg)
		if err == nil {
			err = json.Unmarshal(raw, &update)
		}
		if err != nil {
			summary.reject("MALFORMED")
			continue
		}

		//3.- Bound each ingest so one slow rehydration cannot stall the stream.
		publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		_, err = s.ingester.Ingest(publishCtx, update)
		cancel()
		if err != nil {
			reason := string(ingest.ReasonOf(err))
			if reason == "" {
				reason = "INTERNAL"
				s.log.Warn("grpc publish failed", logging.String("vehicle_id", update.VehicleID), logging.Error(err))
			}
			summary.reject(reason)
			continue
		}
		summary.Accepted++
	}
}

// streamTransport adapts a server stream to session.Transport. Frames are JSON objects
// and travel as Struct messages.
type streamTransport struct {
	stream grpclib.ServerStream
	mu     sync.Mutex
	closed bool
}

func newStreamTransport(stream grpclib.ServerStream) *streamTransport {
	return &streamTransport{stream: stream}
}

func (t *streamTransport) Send(_ context.Context, frame []byte) error {
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(frame, msg); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	return t.stream.SendMsg(msg)
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

var _ TrackerServer = (*Service)(nil)
