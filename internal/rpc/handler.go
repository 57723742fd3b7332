// ABOUTME: Generic unary handler builder for the hand-written service descriptors
// ABOUTME: Decodes the request and runs it through any configured interceptor

package rpc

import (
	"context"

	"google.golang.org/grpc"
)

func unaryHandler[S any, Req any, Resp any](fullMethod string, call func(S, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
