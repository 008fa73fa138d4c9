package service

import (
	"context"

	"fvgscanner/internal/model"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// The GapStream service is declared by hand and carried with a JSON codec,
// so messages are the plain model types.
const (
	ServiceName     = "fvg.GapStream"
	SubscribeMethod = "/fvg.GapStream/Subscribe"
	RescanMethod    = "/fvg.GapStream/Rescan"

	// CodecName is the gRPC content-subtype of the JSON codec
	// (content-type application/grpc+json).
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// SubscriptionRequest selects the symbols a stream receives. An empty list
// receives every symbol.
type SubscriptionRequest struct {
	Symbols []string `json:"symbols"`
}

// RescanRequest asks for an immediate rescan of one symbol.
type RescanRequest struct {
	Symbol string `json:"symbol"`
}

// GapStreamServer is the server API of the GapStream service.
type GapStreamServer interface {
	Subscribe(*SubscriptionRequest, SubscribeServer) error
	Rescan(context.Context, *RescanRequest) (*model.ScanReport, error)
}

// SubscribeServer is the server side of a Subscribe stream.
type SubscribeServer interface {
	Send(*model.Message) error
	grpc.ServerStream
}

type subscribeServer struct {
	grpc.ServerStream
}

func (x *subscribeServer) Send(m *model.Message) error {
	return x.ServerStream.SendMsg(m)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscriptionRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GapStreamServer).Subscribe(in, &subscribeServer{stream})
}

func rescanHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RescanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GapStreamServer).Rescan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RescanMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GapStreamServer).Rescan(ctx, req.(*RescanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// GapStreamServiceDesc describes the GapStream service.
var GapStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GapStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Rescan",
			Handler:    rescanHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fvg/gapstream",
}

// RegisterGapStreamServer registers srv on s.
func RegisterGapStreamServer(s grpc.ServiceRegistrar, srv GapStreamServer) {
	s.RegisterService(&GapStreamServiceDesc, srv)
}

// SubscribeClient is the client side of a Subscribe stream.
type SubscribeClient interface {
	Recv() (*model.Message, error)
	grpc.ClientStream
}

type subscribeClient struct {
	grpc.ClientStream
}

func (x *subscribeClient) Recv() (*model.Message, error) {
	m := new(model.Message)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// GapStreamClient calls the GapStream service.
type GapStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewGapStreamClient creates a client on an established connection.
func NewGapStreamClient(cc grpc.ClientConnInterface) *GapStreamClient {
	return &GapStreamClient{cc: cc}
}

// Subscribe opens a message stream for the requested symbols.
func (c *GapStreamClient) Subscribe(ctx context.Context, in *SubscriptionRequest, opts ...grpc.CallOption) (SubscribeClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &GapStreamServiceDesc.Streams[0], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &subscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Rescan forces an immediate rescan of one symbol.
func (c *GapStreamClient) Rescan(ctx context.Context, in *RescanRequest, opts ...grpc.CallOption) (*model.ScanReport, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	out := new(model.ScanReport)
	if err := c.cc.Invoke(ctx, RescanMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
