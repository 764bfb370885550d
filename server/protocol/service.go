package protocol

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ocram.TrustedApp"

const (
	methodOpenSession   = "/" + ServiceName + "/OpenSession"
	methodInvokeCommand = "/" + ServiceName + "/InvokeCommand"
	methodCloseSession  = "/" + ServiceName + "/CloseSession"
)

// TrustedAppServer is the server API for the TrustedApp service.
type TrustedAppServer interface {
	OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error)
	InvokeCommand(context.Context, *InvokeCommandRequest) (*InvokeCommandResponse, error)
	CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error)
}

// RegisterTrustedAppServer registers srv with s.
func RegisterTrustedAppServer(s grpc.ServiceRegistrar, srv TrustedAppServer) {
	s.RegisterService(&TrustedAppServiceDesc, srv)
}

func openSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(OpenSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrustedAppServer).OpenSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodOpenSession}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrustedAppServer).OpenSession(ctx, req.(*OpenSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func invokeCommandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(InvokeCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrustedAppServer).InvokeCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInvokeCommand}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrustedAppServer).InvokeCommand(ctx, req.(*InvokeCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func closeSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(CloseSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrustedAppServer).CloseSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCloseSession}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrustedAppServer).CloseSession(ctx, req.(*CloseSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// TrustedAppServiceDesc describes the TrustedApp service to gRPC.
var TrustedAppServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrustedAppServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenSession", Handler: openSessionHandler},
		{MethodName: "InvokeCommand", Handler: invokeCommandHandler},
		{MethodName: "CloseSession", Handler: closeSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ocram.proto",
}

// TrustedAppClient is the client API for the TrustedApp service.
type TrustedAppClient interface {
	OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error)
	InvokeCommand(ctx context.Context, in *InvokeCommandRequest, opts ...grpc.CallOption) (*InvokeCommandResponse, error)
	CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error)
}

type trustedAppClient struct {
	cc grpc.ClientConnInterface
}

// NewTrustedAppClient returns a client calling the service over cc.
func NewTrustedAppClient(cc grpc.ClientConnInterface) TrustedAppClient {
	return &trustedAppClient{cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *trustedAppClient) OpenSession(ctx context.Context, in *OpenSessionRequest,
	opts ...grpc.CallOption) (*OpenSessionResponse, error) {

	out := new(OpenSessionResponse)
	if err := c.cc.Invoke(ctx, methodOpenSession, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *trustedAppClient) InvokeCommand(ctx context.Context, in *InvokeCommandRequest,
	opts ...grpc.CallOption) (*InvokeCommandResponse, error) {

	out := new(InvokeCommandResponse)
	if err := c.cc.Invoke(ctx, methodInvokeCommand, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *trustedAppClient) CloseSession(ctx context.Context, in *CloseSessionRequest,
	opts ...grpc.CallOption) (*CloseSessionResponse, error) {

	out := new(CloseSessionResponse)
	if err := c.cc.Invoke(ctx, methodCloseSession, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
