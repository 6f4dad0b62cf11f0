package grpcserver

import (
	"google.golang.org/grpc"

	"tabula/internal/cluster"
	rafttransport "tabula/internal/raft"
	api "tabula/pkg/api"
)

// DefaultBinder registers the built-in services: the raft transport, the
// coordinator API and cluster administration.
type DefaultBinder struct{}

func (DefaultBinder) Register(s *grpc.Server, nodeID uint64, m *cluster.Manager) {
	if m == nil {
		return
	}
	rafttransport.RegisterGRPCTransportServer(s, m.RaftNode())
	api.RegisterCoordinatorServer(s, NewCoordinatorService(nodeID, m))
	api.RegisterAdminServer(s, NewAdminService(m))
}
