package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// --- Wire types ---

// Shard is one entry of a desired table configuration.
type Shard struct {
	Start          []byte   `json:"start,omitempty"`
	End            []byte   `json:"end,omitempty"`
	Replicas       []uint64 `json:"replicas"`
	PrimaryReplica uint64   `json:"primary_replica"`
}

// PrimaryState mirrors the primary slot of a contract.
type PrimaryState struct {
	Server       uint64  `json:"server"`
	WarmShutdown bool    `json:"warm_shutdown,omitempty"`
	HandOver     *uint64 `json:"hand_over,omitempty"`
}

// ContractEntry is one published contract together with its region.
type ContractEntry struct {
	Id         string        `json:"id"`
	Start      []byte        `json:"start,omitempty"`
	End        []byte        `json:"end,omitempty"`
	Replicas   []uint64      `json:"replicas"`
	Voters     []uint64      `json:"voters"`
	TempVoters []uint64      `json:"temp_voters,omitempty"`
	Primary    *PrimaryState `json:"primary,omitempty"`
	Branch     string        `json:"branch,omitempty"`
}

// AckVersion is the (branch, timestamp) position a replica reports.
type AckVersion struct {
	Branch    string `json:"branch,omitempty"`
	Timestamp uint64 `json:"timestamp"`
}

type ReportAckRequest struct {
	Server     uint64      `json:"server"`
	ContractId string      `json:"contract_id"`
	State      string      `json:"state"`
	Version    *AckVersion `json:"version,omitempty"`
	NewBranch  string      `json:"new_branch,omitempty"`
}

type ReportAckResponse struct{}

type SetTableRequest struct {
	Shards []*Shard `json:"shards"`
}

type SetTableResponse struct{}

type GetContractsRequest struct{}

type GetContractsResponse struct {
	Contracts []*ContractEntry `json:"contracts"`
}

type GetContractByKeyRequest struct {
	Key []byte `json:"key,omitempty"`
}

type GetContractByKeyResponse struct {
	Contract *ContractEntry `json:"contract,omitempty"`
	Found    bool           `json:"found"`
}

type StatusRequest struct{}

type StatusResponse struct {
	NodeId        uint64 `json:"node_id"`
	IsLeader      bool   `json:"is_leader"`
	LeaderAddress string `json:"leader_address,omitempty"`
	Contracts     int    `json:"contracts"`
	Branches      int    `json:"branches"`
	Recomputes    uint64 `json:"recomputes"`
	Published     uint64 `json:"published"`
	Retired       uint64 `json:"retired"`
	Elections     uint64 `json:"elections"`
	HandOvers     uint64 `json:"hand_overs"`
	PendingAcks   int    `json:"pending_acks"`
}

// --- Interfaces ---

type CoordinatorServer interface {
	ReportAck(context.Context, *ReportAckRequest) (*ReportAckResponse, error)
	SetTable(context.Context, *SetTableRequest) (*SetTableResponse, error)
	GetContracts(context.Context, *GetContractsRequest) (*GetContractsResponse, error)
	GetContractByKey(context.Context, *GetContractByKeyRequest) (*GetContractByKeyResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

type UnimplementedCoordinatorServer struct{}

func (UnimplementedCoordinatorServer) ReportAck(context.Context, *ReportAckRequest) (*ReportAckResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedCoordinatorServer) SetTable(context.Context, *SetTableRequest) (*SetTableResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedCoordinatorServer) GetContracts(context.Context, *GetContractsRequest) (*GetContractsResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedCoordinatorServer) GetContractByKey(context.Context, *GetContractByKeyRequest) (*GetContractByKeyResponse, error) {
	return nil, fmt.Errorf("not implemented")
}
func (UnimplementedCoordinatorServer) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	return nil, fmt.Errorf("not implemented")
}

// --- Client ---

type CoordinatorClient interface {
	ReportAck(ctx context.Context, in *ReportAckRequest, opts ...grpc.CallOption) (*ReportAckResponse, error)
	SetTable(ctx context.Context, in *SetTableRequest, opts ...grpc.CallOption) (*SetTableResponse, error)
	GetContracts(ctx context.Context, in *GetContractsRequest, opts ...grpc.CallOption) (*GetContractsResponse, error)
	GetContractByKey(ctx context.Context, in *GetContractByKeyRequest, opts ...grpc.CallOption) (*GetContractByKeyResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc: cc}
}

func (c *coordinatorClient) ReportAck(ctx context.Context, in *ReportAckRequest, opts ...grpc.CallOption) (*ReportAckResponse, error) {
	out := new(ReportAckResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Coordinator/ReportAck", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) SetTable(ctx context.Context, in *SetTableRequest, opts ...grpc.CallOption) (*SetTableResponse, error) {
	out := new(SetTableResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Coordinator/SetTable", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) GetContracts(ctx context.Context, in *GetContractsRequest, opts ...grpc.CallOption) (*GetContractsResponse, error) {
	out := new(GetContractsResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Coordinator/GetContracts", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) GetContractByKey(ctx context.Context, in *GetContractByKeyRequest, opts ...grpc.CallOption) (*GetContractByKeyResponse, error) {
	out := new(GetContractByKeyResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Coordinator/GetContractByKey", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, "/tabula.api.Coordinator/Status", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Service registration ---

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "tabula.api.Coordinator",
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportAck", Handler: _Coordinator_ReportAck_Handler},
		{MethodName: "SetTable", Handler: _Coordinator_SetTable_Handler},
		{MethodName: "GetContracts", Handler: _Coordinator_GetContracts_Handler},
		{MethodName: "GetContractByKey", Handler: _Coordinator_GetContractByKey_Handler},
		{MethodName: "Status", Handler: _Coordinator_Status_Handler},
	},
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

func _Coordinator_ReportAck_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReportAckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).ReportAck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Coordinator/ReportAck"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).ReportAck(ctx, req.(*ReportAckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_SetTable_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SetTableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).SetTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Coordinator/SetTable"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).SetTable(ctx, req.(*SetTableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_GetContracts_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetContractsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).GetContracts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Coordinator/GetContracts"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).GetContracts(ctx, req.(*GetContractsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_GetContractByKey_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetContractByKeyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).GetContractByKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Coordinator/GetContractByKey"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).GetContractByKey(ctx, req.(*GetContractByKeyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tabula.api.Coordinator/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}
