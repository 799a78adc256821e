package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a Telescope service client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a telescoped gRPC endpoint without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in any) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, MethodGetStatus, &emptypb.Empty{})
}

// GetInactivePrefixes queries inactive prefixes within scope, or across the
// whole address space when scope is empty.
func (c *Client) GetInactivePrefixes(ctx context.Context, scope string) (*structpb.Struct, error) {
	return c.call(ctx, MethodGetInactivePrefixes, wrapperspb.String(scope))
}

func (c *Client) GetAddress(ctx context.Context, addr string) (*structpb.Struct, error) {
	return c.call(ctx, MethodGetAddress, wrapperspb.String(addr))
}

func (c *Client) GetRates(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, MethodGetRates, &emptypb.Empty{})
}

// EventQuery selects events. Zero values mean no filter.
type EventQuery struct {
	Limit  int
	Type   string
	Prefix string
}

func (q EventQuery) toStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{}
	if q.Limit > 0 {
		fields["limit"] = structpb.NewNumberValue(float64(q.Limit))
	}
	if q.Type != "" {
		fields["type"] = structpb.NewStringValue(q.Type)
	}
	if q.Prefix != "" {
		fields["prefix"] = structpb.NewStringValue(q.Prefix)
	}
	return &structpb.Struct{Fields: fields}
}

func (c *Client) GetEvents(ctx context.Context, q EventQuery) ([]*structpb.Struct, error) {
	out, err := c.call(ctx, MethodGetEvents, q.toStruct())
	if err != nil {
		return nil, err
	}
	var events []*structpb.Struct
	for _, v := range out.GetFields()["events"].GetListValue().GetValues() {
		if st := v.GetStructValue(); st != nil {
			events = append(events, st)
		}
	}
	return events, nil
}

// StreamEvents subscribes to new events. The stream ends when ctx is
// cancelled.
func (c *Client) StreamEvents(ctx context.Context, q EventQuery) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], MethodStreamEvents)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(q.toStruct()); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
