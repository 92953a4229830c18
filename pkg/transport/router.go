package transport

import (
	"context"

	"github.com/adammck/placer/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The router service is how the store (and placerctl) talks to a node. It is
// not part of the round protocol.
const (
	routerServiceName = "placer.Router"

	methodLocate = "/" + routerServiceName + "/Locate"
	methodInfo   = "/" + routerServiceName + "/Info"
)

type LocateRequest struct {
	Key api.Key `msgpack:"key"`
	N   int     `msgpack:"n"`

	// Whether to count this as an access for placement purposes.
	Record bool `msgpack:"record"`
}

type LocateResponse struct {
	Nodes []api.NodeID `msgpack:"nodes"`
}

type InfoRequest struct{}

type InfoResponse struct {
	Node        api.NodeID   `msgpack:"node"`
	Coordinator api.NodeID   `msgpack:"coordinator"`
	Enabled     bool         `msgpack:"enabled"`
	Round       api.RoundID  `msgpack:"round"`
	InProgress  bool         `msgpack:"in_progress"`
	CoolDownMs  uint64       `msgpack:"cool_down_ms"`
	Members     []api.NodeID `msgpack:"members"`
	Lookups     []api.NodeID `msgpack:"lookups"`
	MovedIn     int          `msgpack:"moved_in"`
}

type Router interface {
	Locate(ctx context.Context, req *LocateRequest) (*LocateResponse, error)
	Info(ctx context.Context, req *InfoRequest) (*InfoResponse, error)
}

func RegisterRouter(s grpc.ServiceRegistrar, r Router) {
	s.RegisterService(&routerServiceDesc, r)
}

func routerLocateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &LocateRequest{}
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "error decoding request: %v", err)
	}

	if in.N < 1 {
		in.N = 1
	}

	if interceptor == nil {
		return srv.(Router).Locate(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLocate}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Router).Locate(ctx, req.(*LocateRequest))
	})
}

func routerInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &InfoRequest{}
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "error decoding request: %v", err)
	}

	if interceptor == nil {
		return srv.(Router).Info(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInfo}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Router).Info(ctx, req.(*InfoRequest))
	})
}

var routerServiceDesc = grpc.ServiceDesc{
	ServiceName: routerServiceName,
	HandlerType: (*Router)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Locate", Handler: routerLocateHandler},
		{MethodName: "Info", Handler: routerInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "placer/router",
}
