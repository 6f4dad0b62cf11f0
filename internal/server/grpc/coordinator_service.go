package grpcserver

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	contractpkg "tabula/internal/contract"
	"tabula/internal/coordinator"
	api "tabula/pkg/api"
)

// coordinatorCluster is what the services need from the cluster manager.
type coordinatorCluster interface {
	SetTable(contractpkg.Table) error
	ReportAck(contractpkg.ServerID, contractpkg.ID, contractpkg.Ack) error
	Coordinator() *coordinator.Coordinator
	IsLeader() bool
	LeaderAddress() string
	AddMember(uint64, string) error
	RemoveMember(uint64) error
	Members() map[uint64]string
}

// CoordinatorService exposes the contract coordinator over gRPC.
type CoordinatorService struct {
	api.UnimplementedCoordinatorServer
	nodeID  uint64
	cluster coordinatorCluster
}

func NewCoordinatorService(nodeID uint64, cl coordinatorCluster) *CoordinatorService {
	return &CoordinatorService{nodeID: nodeID, cluster: cl}
}

func (s *CoordinatorService) ReportAck(ctx context.Context, req *api.ReportAckRequest) (*api.ReportAckResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	server, contractID, ack, err := ackFromAPI(req)
	if err != nil {
		return nil, err
	}
	if err := s.cluster.ReportAck(server, contractID, ack); err != nil {
		return nil, err
	}
	return &api.ReportAckResponse{}, nil
}

func (s *CoordinatorService) SetTable(ctx context.Context, req *api.SetTableRequest) (*api.SetTableResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	table, err := tableFromAPI(req.Shards)
	if err != nil {
		return nil, err
	}
	if err := s.cluster.SetTable(table); err != nil {
		return nil, err
	}
	return &api.SetTableResponse{}, nil
}

func (s *CoordinatorService) GetContracts(ctx context.Context, req *api.GetContractsRequest) (*api.GetContractsResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	contracts := s.cluster.Coordinator().Contracts()
	resp := &api.GetContractsResponse{
		Contracts: make([]*api.ContractEntry, 0, len(contracts)),
	}
	for id, rc := range contracts {
		resp.Contracts = append(resp.Contracts, contractEntryToAPI(id, rc))
	}
	sort.Slice(resp.Contracts, func(i, j int) bool {
		return bytes.Compare(resp.Contracts[i].Start, resp.Contracts[j].Start) < 0
	})
	return resp, nil
}

func (s *CoordinatorService) GetContractByKey(ctx context.Context, req *api.GetContractByKeyRequest) (*api.GetContractByKeyResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	id, rc, ok := s.cluster.Coordinator().ContractForKey(req.Key)
	if !ok {
		return &api.GetContractByKeyResponse{Found: false}, nil
	}
	return &api.GetContractByKeyResponse{
		Contract: contractEntryToAPI(id, rc),
		Found:    true,
	}, nil
}

func (s *CoordinatorService) Status(ctx context.Context, req *api.StatusRequest) (*api.StatusResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	diag := s.cluster.Coordinator().Diagnostics()
	return &api.StatusResponse{
		NodeId:        s.nodeID,
		IsLeader:      s.cluster.IsLeader(),
		LeaderAddress: s.cluster.LeaderAddress(),
		Contracts:     diag.Contracts,
		Branches:      diag.Branches,
		Recomputes:    diag.Recomputes,
		Published:     diag.Published,
		Retired:       diag.Retired,
		Elections:     diag.Elections,
		HandOvers:     diag.HandOvers,
		PendingAcks:   diag.PendingAcks,
	}, nil
}

// AdminService exposes cluster membership commands.
type AdminService struct {
	api.UnimplementedAdminServer
	cluster coordinatorCluster
}

func NewAdminService(cl coordinatorCluster) *AdminService {
	return &AdminService{cluster: cl}
}

func (s *AdminService) Join(ctx context.Context, req *api.JoinRequest) (*api.JoinResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	if err := s.cluster.AddMember(req.NodeId, req.Address); err != nil {
		return nil, err
	}
	return &api.JoinResponse{}, nil
}

func (s *AdminService) Leave(ctx context.Context, req *api.LeaveRequest) (*api.LeaveResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	if err := s.cluster.RemoveMember(req.NodeId); err != nil {
		return nil, err
	}
	return &api.LeaveResponse{}, nil
}

func (s *AdminService) Members(ctx context.Context, req *api.MembersRequest) (*api.MembersResponse, error) {
	if s.cluster == nil {
		return nil, fmt.Errorf("cluster not available")
	}
	resp := &api.MembersResponse{}
	for id, addr := range s.cluster.Members() {
		resp.Members = append(resp.Members, &api.Member{NodeId: id, Address: addr})
	}
	sort.Slice(resp.Members, func(i, j int) bool {
		return resp.Members[i].NodeId < resp.Members[j].NodeId
	})
	return resp, nil
}
