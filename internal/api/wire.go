// Package api exposes the daemon's control plane over gRPC.
//
// Services are described by hand-written grpc.ServiceDesc values. Every
// request and response travels as a google.protobuf.Struct holding the JSON
// form of the Go types in types.go, so no generated stubs are needed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/courier/internal/outbox"
	"github.com/matheus3301/courier/internal/schedule"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/templates"
)

const pkg = "courier.v1."

// Service names.
const (
	StatusServiceName   = pkg + "Status"
	OutboxServiceName   = pkg + "Outbox"
	ScheduleServiceName = pkg + "Schedule"
	TemplateServiceName = pkg + "Templates"
	ReaperServiceName   = pkg + "Reaper"
	CacheServiceName    = pkg + "Cache"
)

// FullMethod returns the gRPC method path for service and method.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Service is a control-plane service that can be registered on a server.
type Service interface {
	Desc() *grpc.ServiceDesc
}

// Register adds services to srv.
func Register(srv *grpc.Server, services ...Service) {
	for _, s := range services {
		srv.RegisterService(s.Desc(), s)
	}
}

// Encode converts v to its Struct envelope.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Decode fills v from a Struct envelope.
func Decode(st *structpb.Struct, v any) error {
	if st == nil {
		return nil
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func unary[Req, Resp any](service, name string, fn func(context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := FullMethod(service, name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := Decode(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
				}
				resp, err := fn(ctx, req)
				if err != nil {
					return nil, toStatus(err)
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "encode %s: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, call)
		},
	}
}

// Sender writes typed messages to a server stream.
type Sender[T any] struct {
	stream grpc.ServerStream
}

// Context returns the stream's context.
func (s *Sender[T]) Context() context.Context { return s.stream.Context() }

// Send encodes and writes one message.
func (s *Sender[T]) Send(v *T) error {
	st, err := Encode(v)
	if err != nil {
		return err
	}
	return s.stream.SendMsg(st)
}

func serverStream[Req, Resp any](name string, fn func(*Req, *Sender[Resp]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(_ any, stream grpc.ServerStream) error {
			in := &structpb.Struct{}
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			req := new(Req)
			if err := Decode(in, req); err != nil {
				return grpcstatus.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			return toStatus(fn(req, &Sender[Resp]{stream: stream}))
		},
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// toStatus maps domain errors to gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, outbox.ErrInvalid),
		errors.Is(err, schedule.ErrInvalid),
		errors.Is(err, schedule.ErrInPast),
		errors.Is(err, templates.ErrInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, outbox.ErrNotFound),
		errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, templates.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, schedule.ErrNotPending):
		code = codes.FailedPrecondition
	case errors.Is(err, templates.ErrDuplicateName):
		code = codes.AlreadyExists
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Error(code, err.Error())
}
