package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wabridge.v1.Bridge"

// BridgeServer is the control surface of the daemon.
type BridgeServer interface {
	GetState(context.Context, *Empty) (*GetStateResponse, error)
	Restart(context.Context, *Empty) (*Result, error)
	Logout(context.Context, *Empty) (*Result, error)
	ConfirmAccountReset(context.Context, *Empty) (*GroupsResponse, error)
	DismissAccountReset(context.Context, *Empty) (*Result, error)
	ListGroups(context.Context, *Empty) (*GroupsResponse, error)
	RefreshGroups(context.Context, *Empty) (*GroupsResponse, error)
	ListMappings(context.Context, *Empty) (*MappingsResponse, error)
	AddMapping(context.Context, *AddMappingRequest) (*MappingResponse, error)
	ToggleMappingActive(context.Context, *MappingRequest) (*MappingResponse, error)
	SetMappingDirection(context.Context, *MappingRequest) (*MappingResponse, error)
	DeleteMapping(context.Context, *MappingRequest) (*Result, error)
	GetSyncStats(context.Context, *Empty) (*SyncStatsResponse, error)
	GetReconcileSummary(context.Context, *Empty) (*SummaryResponse, error)
	FetchMissedMessages(context.Context, *FetchRequest) (*FetchResponse, error)
	FetchMoreMissedMessages(context.Context, *FetchRequest) (*FetchResponse, error)
	SyncMessages(context.Context, *SelectRequest) (*SyncResponse, error)
	IgnoreMessages(context.Context, *SelectRequest) (*IgnoreResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[Event]) error
}

// BridgeServiceDesc describes the service for grpc.Server.RegisterService.
var BridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetState", BridgeServer.GetState),
		unary("Restart", BridgeServer.Restart),
		unary("Logout", BridgeServer.Logout),
		unary("ConfirmAccountReset", BridgeServer.ConfirmAccountReset),
		unary("DismissAccountReset", BridgeServer.DismissAccountReset),
		unary("ListGroups", BridgeServer.ListGroups),
		unary("RefreshGroups", BridgeServer.RefreshGroups),
		unary("ListMappings", BridgeServer.ListMappings),
		unary("AddMapping", BridgeServer.AddMapping),
		unary("ToggleMappingActive", BridgeServer.ToggleMappingActive),
		unary("SetMappingDirection", BridgeServer.SetMappingDirection),
		unary("DeleteMapping", BridgeServer.DeleteMapping),
		unary("GetSyncStats", BridgeServer.GetSyncStats),
		unary("GetReconcileSummary", BridgeServer.GetReconcileSummary),
		unary("FetchMissedMessages", BridgeServer.FetchMissedMessages),
		unary("FetchMoreMissedMessages", BridgeServer.FetchMoreMissedMessages),
		unary("SyncMessages", BridgeServer.SyncMessages),
		unary("IgnoreMessages", BridgeServer.IgnoreMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "wabridge/v1/bridge.proto",
}

// RegisterBridgeServer registers srv on s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&BridgeServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(BridgeServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BridgeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BridgeServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BridgeServer).WatchEvents(in, &grpc.GenericServerStream[WatchEventsRequest, Event]{ServerStream: stream})
}

// Client is the control client used by wabridgectl.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection. Calls use the JSON codec.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, c *Client, name string, in *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetState(ctx context.Context) (*GetStateResponse, error) {
	return invoke[Empty, GetStateResponse](ctx, c, "GetState", &Empty{})
}

func (c *Client) Restart(ctx context.Context) (*Result, error) {
	return invoke[Empty, Result](ctx, c, "Restart", &Empty{})
}

func (c *Client) Logout(ctx context.Context) (*Result, error) {
	return invoke[Empty, Result](ctx, c, "Logout", &Empty{})
}

func (c *Client) ConfirmAccountReset(ctx context.Context) (*GroupsResponse, error) {
	return invoke[Empty, GroupsResponse](ctx, c, "ConfirmAccountReset", &Empty{})
}

func (c *Client) DismissAccountReset(ctx context.Context) (*Result, error) {
	return invoke[Empty, Result](ctx, c, "DismissAccountReset", &Empty{})
}

func (c *Client) ListGroups(ctx context.Context) (*GroupsResponse, error) {
	return invoke[Empty, GroupsResponse](ctx, c, "ListGroups", &Empty{})
}

func (c *Client) RefreshGroups(ctx context.Context) (*GroupsResponse, error) {
	return invoke[Empty, GroupsResponse](ctx, c, "RefreshGroups", &Empty{})
}

func (c *Client) ListMappings(ctx context.Context) (*MappingsResponse, error) {
	return invoke[Empty, MappingsResponse](ctx, c, "ListMappings", &Empty{})
}

func (c *Client) AddMapping(ctx context.Context, in *AddMappingRequest) (*MappingResponse, error) {
	return invoke[AddMappingRequest, MappingResponse](ctx, c, "AddMapping", in)
}

func (c *Client) ToggleMappingActive(ctx context.Context, mappingID int64) (*MappingResponse, error) {
	return invoke[MappingRequest, MappingResponse](ctx, c, "ToggleMappingActive", &MappingRequest{MappingID: mappingID})
}

func (c *Client) SetMappingDirection(ctx context.Context, mappingID int64, bidirectional bool) (*MappingResponse, error) {
	return invoke[MappingRequest, MappingResponse](ctx, c, "SetMappingDirection", &MappingRequest{MappingID: mappingID, Bidirectional: bidirectional})
}

func (c *Client) DeleteMapping(ctx context.Context, mappingID int64) (*Result, error) {
	return invoke[MappingRequest, Result](ctx, c, "DeleteMapping", &MappingRequest{MappingID: mappingID})
}

func (c *Client) GetSyncStats(ctx context.Context) (*SyncStatsResponse, error) {
	return invoke[Empty, SyncStatsResponse](ctx, c, "GetSyncStats", &Empty{})
}

func (c *Client) GetReconcileSummary(ctx context.Context) (*SummaryResponse, error) {
	return invoke[Empty, SummaryResponse](ctx, c, "GetReconcileSummary", &Empty{})
}

func (c *Client) FetchMissedMessages(ctx context.Context, in *FetchRequest) (*FetchResponse, error) {
	return invoke[FetchRequest, FetchResponse](ctx, c, "FetchMissedMessages", in)
}

func (c *Client) FetchMoreMissedMessages(ctx context.Context, in *FetchRequest) (*FetchResponse, error) {
	return invoke[FetchRequest, FetchResponse](ctx, c, "FetchMoreMissedMessages", in)
}

func (c *Client) SyncMessages(ctx context.Context, in *SelectRequest) (*SyncResponse, error) {
	return invoke[SelectRequest, SyncResponse](ctx, c, "SyncMessages", in)
}

func (c *Client) IgnoreMessages(ctx context.Context, in *SelectRequest) (*IgnoreResponse, error) {
	return invoke[SelectRequest, IgnoreResponse](ctx, c, "IgnoreMessages", in)
}

// WatchEvents opens the event stream. Receive until it returns an error.
func (c *Client) WatchEvents(ctx context.Context, in *WatchEventsRequest) (grpc.ServerStreamingClient[Event], error) {
	stream, err := c.cc.NewStream(ctx, &BridgeServiceDesc.Streams[0], fullMethod("WatchEvents"), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchEventsRequest, Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
