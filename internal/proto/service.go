package proto

import (
	"context"

	"google.golang.org/grpc"
)

// SyncServer receives the group protocol messages of one peer.
type SyncServer interface {
	Push(context.Context, *Envelope) (*Empty, error)
}

func RegisterSyncServer(s *grpc.Server, srv SyncServer) {
	s.RegisterService(&syncServiceDesc, srv)
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: "vsync.Sync",
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vsync.proto",
}

func pushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SyncServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vsync.Sync/Push"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SyncServer).Push(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

type SyncClient struct {
	cc *grpc.ClientConn
}

func NewSyncClient(cc *grpc.ClientConn) *SyncClient {
	return &SyncClient{cc: cc}
}

func (c *SyncClient) Push(ctx context.Context, in *Envelope, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/vsync.Sync/Push", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClientServer is the application facing service of a node.
type ClientServer interface {
	Publish(context.Context, *PublishRequest) (*PublishReply, error)
	Status(context.Context, *Empty) (*StatusReply, error)
	Leave(context.Context, *Empty) (*Empty, error)
}

func RegisterClientServer(s *grpc.Server, srv ClientServer) {
	s.RegisterService(&clientServiceDesc, srv)
}

var clientServiceDesc = grpc.ServiceDesc{
	ServiceName: "vsync.Client",
	HandlerType: (*ClientServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Leave", Handler: leaveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vsync.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vsync.Client/Publish"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClientServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vsync.Client/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClientServer).Status(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func leaveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientServer).Leave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vsync.Client/Leave"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClientServer).Leave(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type ClientClient struct {
	cc *grpc.ClientConn
}

func NewClientClient(cc *grpc.ClientConn) *ClientClient {
	return &ClientClient{cc: cc}
}

func (c *ClientClient) Publish(ctx context.Context, in *PublishRequest, opts ...grpc.CallOption) (*PublishReply, error) {
	out := new(PublishReply)
	if err := c.cc.Invoke(ctx, "/vsync.Client/Publish", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClientClient) Status(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.cc.Invoke(ctx, "/vsync.Client/Status", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClientClient) Leave(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/vsync.Client/Leave", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
