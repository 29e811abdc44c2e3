package api

import (
	"context"

	"google.golang.org/grpc"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary adapts a Service method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, fn func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", (*Service).Status),
		unary("Start", (*Service).Start),
		unary("Stop", (*Service).Stop),
		unary("Interrupt", (*Service).Interrupt),
		unary("Snapshot", (*Service).Snapshot),
		unary("Configure", (*Service).Configure),
		unary("Chats", (*Service).Chats),
		unary("Messages", (*Service).Messages),
		unary("Send", (*Service).Send),
		unary("Accept", (*Service).Accept),
		unary("Block", (*Service).Block),
		unary("MarkSeen", (*Service).MarkSeen),
		unary("MarkNoticed", (*Service).MarkNoticed),
		unary("Invite", (*Service).Invite),
		unary("Join", (*Service).Join),
		unary("Contacts", (*Service).Contacts),
		unary("Peerstate", (*Service).Peerstate),
		unary("Search", (*Service).Search),
		unary("Housekeeping", (*Service).Housekeeping),
		unary("GetConfig", (*Service).GetConfig),
		unary("SetConfig", (*Service).SetConfig),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := new(EventsRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(*Service).Events(req, stream)
			},
		},
	},
	Metadata: "postbox/v1/control",
}
