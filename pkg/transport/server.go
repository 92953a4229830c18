package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Handler receives protocol messages. Implementations should return quickly;
// anything slow belongs on another goroutine.
type Handler interface {
	HandleRequestRound(ctx context.Context, m *RequestRound) error
	HandleStartRound(ctx context.Context, m *StartRound) error
	HandleRequestList(ctx context.Context, m *RequestList) error
	HandleObjectLookup(ctx context.Context, m *ObjectLookup) error
	HandleAck(ctx context.Context, m *Ack) error
	HandleRehash(ctx context.Context, m *Rehash) error
	HandleSetCoolDown(ctx context.Context, m *SetCoolDown) error
}

// Dispatch calls the method of h which handles msg.
func Dispatch(ctx context.Context, h Handler, msg Message) error {
	switch m := msg.(type) {
	case *RequestRound:
		return h.HandleRequestRound(ctx, m)
	case *StartRound:
		return h.HandleStartRound(ctx, m)
	case *RequestList:
		return h.HandleRequestList(ctx, m)
	case *ObjectLookup:
		return h.HandleObjectLookup(ctx, m)
	case *Ack:
		return h.HandleAck(ctx, m)
	case *Rehash:
		return h.HandleRehash(ctx, m)
	case *SetCoolDown:
		return h.HandleSetCoolDown(ctx, m)
	}

	return status.Errorf(codes.Unimplemented, "unknown message: %T", msg)
}

// Register adds the placement service to the given server, backed by h.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&placementServiceDesc, h)
}

// validate rejects messages which could never be valid, before they reach the
// handler.
func validate(msg Message) error {
	switch m := msg.(type) {
	case *StartRound:
		if m.Round == 0 {
			return status.Error(codes.InvalidArgument, "missing round")
		}
		if len(m.Members) == 0 {
			return status.Error(codes.InvalidArgument, "missing members")
		}
	case *RequestList:
		if m.Round == 0 {
			return status.Error(codes.InvalidArgument, "missing round")
		}
	case *ObjectLookup:
		if m.Round == 0 {
			return status.Error(codes.InvalidArgument, "missing round")
		}
	case *Ack:
		if m.Round == 0 {
			return status.Error(codes.InvalidArgument, "missing round")
		}
	case *Rehash:
		if m.Round == 0 {
			return status.Error(codes.InvalidArgument, "missing round")
		}
	}

	return nil
}

func unaryHandler[T any, PT interface {
	*T
	Message
}](method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PT(new(T))
		if err := dec(in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "error decoding %s: %v", method, err)
		}

		call := func(ctx context.Context, req interface{}) (interface{}, error) {
			msg := req.(PT)
			if err := validate(msg); err != nil {
				return nil, err
			}
			if err := Dispatch(ctx, srv.(Handler), msg); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}

		if interceptor == nil {
			return call(ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}

		return interceptor(ctx, in, info, call)
	}
}

var placementServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestRound", Handler: unaryHandler[RequestRound](methodRequestRound)},
		{MethodName: "StartRound", Handler: unaryHandler[StartRound](methodStartRound)},
		{MethodName: "RequestList", Handler: unaryHandler[RequestList](methodRequestList)},
		{MethodName: "ObjectLookup", Handler: unaryHandler[ObjectLookup](methodObjectLookup)},
		{MethodName: "Ack", Handler: unaryHandler[Ack](methodAck)},
		{MethodName: "Rehash", Handler: unaryHandler[Rehash](methodRehash)},
		{MethodName: "SetCoolDown", Handler: unaryHandler[SetCoolDown](methodSetCoolDown)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "placer/placement",
}
