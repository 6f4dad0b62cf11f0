package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

type JoinRequest struct {
	NodeId  uint64 `json:"node_id"`
	Address string `json:"address"`
}

type JoinResponse struct{}

type LeaveRequest struct {
	NodeId uint64 `json:"node_id"`
}

type LeaveResponse struct{}

type Member struct {
	NodeId  uint64 `json:"node_id"`
	Address string `json:"address"`
}

type MembersRequest struct{}

type MembersResponse struct {
	Members []*Member `json:"members"`
}

type AdminServer interface {
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	Leave(context.Context, *LeaveRequest) (*LeaveResponse, error)
	Members(context.Context, *MembersRequest) (*MembersResponse, error)
}

type UnimplementedAdminServer struct{}

func (UnimplementedAdminServer) Join(context.Context, *JoinRequest) (*JoinResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedAdminServer) Leave(context.Context, *LeaveRequest) (*LeaveResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedAdminServer) Members(context.Context, *MembersRequest) (*MembersResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

type AdminClient interface {
	Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error)
	Leave(ctx context.Context, in *LeaveRequest, opts ...grpc.CallOption) (*LeaveResponse, error)
	Members(ctx context.Context, in *MembersRequest, opts ...grpc.CallOption) (*MembersResponse, error)
}

type adminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) AdminClient {
	return &adminClient{cc: cc}
}

func (c *adminClient) Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error) {
	out := new(JoinResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Admin/Join", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) Leave(ctx context.Context, in *LeaveRequest, opts ...grpc.CallOption) (*LeaveResponse, error) {
	out := new(LeaveResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Admin/Leave", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) Members(ctx context.Context, in *MembersRequest, opts ...grpc.CallOption) (*MembersResponse, error) {
	out := new(MembersResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Admin/Members", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "tabula.api.Admin",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: _Admin_Join_Handler},
		{MethodName: "Leave", Handler: _Admin_Leave_Handler},
		{MethodName: "Members", Handler: _Admin_Members_Handler},
	},
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

func _Admin_Join_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Admin/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_Leave_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LeaveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Leave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Admin/Leave"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).Leave(ctx, req.(*LeaveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_Members_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MembersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Members(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Admin/Members"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).Members(ctx, req.(*MembersRequest))
	}
	return interceptor(ctx, in, info, handler)
}
