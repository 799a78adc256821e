package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "telescope.v1.Telescope"

// Full method names.
const (
	MethodGetStatus           = "/" + ServiceName + "/GetStatus"
	MethodGetInactivePrefixes = "/" + ServiceName + "/GetInactivePrefixes"
	MethodGetAddress          = "/" + ServiceName + "/GetAddress"
	MethodGetRates            = "/" + ServiceName + "/GetRates"
	MethodGetEvents           = "/" + ServiceName + "/GetEvents"
	MethodStreamEvents        = "/" + ServiceName + "/StreamEvents"
)

// TelescopeServer is the server API for the Telescope service. Requests and
// responses use the protobuf well-known types so no generated code is needed.
type TelescopeServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetInactivePrefixes takes an optional prefix or address scope.
	GetInactivePrefixes(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetAddress(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetRates(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetEvents and StreamEvents take a filter struct with optional
	// "limit", "type" and "prefix" fields.
	GetEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterTelescopeServer registers srv on s.
func RegisterTelescopeServer(s grpc.ServiceRegistrar, srv TelescopeServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelescopeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "GetInactivePrefixes", Handler: getInactivePrefixesHandler},
		{MethodName: "GetAddress", Handler: getAddressHandler},
		{MethodName: "GetRates", Handler: getRatesHandler},
		{MethodName: "GetEvents", Handler: getEventsHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "telescope/v1/telescope.proto",
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelescopeServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelescopeServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getInactivePrefixesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelescopeServer).GetInactivePrefixes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetInactivePrefixes}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelescopeServer).GetInactivePrefixes(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getAddressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelescopeServer).GetAddress(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetAddress}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelescopeServer).GetAddress(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getRatesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelescopeServer).GetRates(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetRates}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelescopeServer).GetRates(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getEventsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelescopeServer).GetEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetEvents}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelescopeServer).GetEvents(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TelescopeServer).StreamEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
