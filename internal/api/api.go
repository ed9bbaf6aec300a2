// Package api declares the gophcal.v1.Calendar gRPC service.
//
// Messages are google.protobuf.Struct documents so the service needs no generated code; their
// field layout is defined by internal/convert.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gophcal.v1.Calendar"

// Method names.
const (
	MethodRegister        = "Register"
	MethodLogin           = "Login"
	MethodListOccurrences = "ListOccurrences"
	MethodGetEvent        = "GetEvent"
	MethodCreateEvent     = "CreateEvent"
	MethodUpdateEvent     = "UpdateEvent"
	MethodDeleteEvent     = "DeleteEvent"
	MethodExportICS       = "ExportICS"
)

// FullMethod returns "/gophcal.v1.Calendar/<method>".
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// Public reports whether a method is callable without a bearer token.
func Public(fullMethod string) bool {
	return fullMethod == FullMethod(MethodRegister) || fullMethod == FullMethod(MethodLogin)
}

// CalendarServer is implemented by the transport handlers.
type CalendarServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOccurrences(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportICS(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(CalendarServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(CalendarServer), ctx, req.(*structpb.Struct))
			}
			if ic == nil {
				return h(ctx, in)
			}
			return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}, h)
		},
	}
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CalendarServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodRegister, CalendarServer.Register),
		unary(MethodLogin, CalendarServer.Login),
		unary(MethodListOccurrences, CalendarServer.ListOccurrences),
		unary(MethodGetEvent, CalendarServer.GetEvent),
		unary(MethodCreateEvent, CalendarServer.CreateEvent),
		unary(MethodUpdateEvent, CalendarServer.UpdateEvent),
		unary(MethodDeleteEvent, CalendarServer.DeleteEvent),
		unary(MethodExportICS, CalendarServer.ExportICS),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gophcal/v1/calendar",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv CalendarServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client invokes the service over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Call invokes method with in and returns the response document.
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
