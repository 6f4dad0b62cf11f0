package grpcserver

import (
	"fmt"

	branchpkg "tabula/internal/branch"
	contractpkg "tabula/internal/contract"
	"tabula/internal/coordinator"
	regionpkg "tabula/internal/region"
	api "tabula/pkg/api"
)

func tableFromAPI(shards []*api.Shard) (contractpkg.Table, error) {
	table := make(contractpkg.Table, 0, len(shards))
	for i, sh := range shards {
		if sh == nil {
			return nil, fmt.Errorf("shard %d is nil", i)
		}
		replicas := contractpkg.NewServerSet()
		for _, id := range sh.Replicas {
			replicas.Add(contractpkg.ServerID(id))
		}
		table = append(table, contractpkg.Shard{
			Range: regionpkg.KeyRange{
				Start: append(regionpkg.Key(nil), sh.Start...),
				End:   append(regionpkg.Key(nil), sh.End...),
			},
			Replicas:       replicas,
			PrimaryReplica: contractpkg.ServerID(sh.PrimaryReplica),
		})
	}
	return table, nil
}

func tableToAPI(table contractpkg.Table) []*api.Shard {
	shards := make([]*api.Shard, 0, len(table))
	for _, sh := range table {
		shards = append(shards, &api.Shard{
			Start:          append([]byte(nil), sh.Range.Start...),
			End:            append([]byte(nil), sh.Range.End...),
			Replicas:       serversToAPI(sh.Replicas),
			PrimaryReplica: uint64(sh.PrimaryReplica),
		})
	}
	return shards
}

func contractEntryToAPI(id contractpkg.ID, rc coordinator.RegionContract) *api.ContractEntry {
	entry := &api.ContractEntry{
		Id:       id.String(),
		Start:    append([]byte(nil), rc.Region.Start...),
		End:      append([]byte(nil), rc.Region.End...),
		Replicas: serversToAPI(rc.Contract.Replicas),
		Voters:   serversToAPI(rc.Contract.Voters),
	}
	if tv, ok := rc.Contract.TempVoters.Get(); ok {
		entry.TempVoters = serversToAPI(tv)
	}
	if p, ok := rc.Contract.Primary.Get(); ok {
		primary := &api.PrimaryState{
			Server:       uint64(p.Server),
			WarmShutdown: p.WarmShutdown,
		}
		if ho, ok := p.HandOver.Get(); ok {
			target := uint64(ho)
			primary.HandOver = &target
		}
		entry.Primary = primary
	}
	if !rc.Contract.Branch.IsNil() {
		entry.Branch = rc.Contract.Branch.String()
	}
	return entry
}

func ackFromAPI(req *api.ReportAckRequest) (contractpkg.ServerID, contractpkg.ID, contractpkg.Ack, error) {
	var contractID contractpkg.ID
	if err := contractID.UnmarshalText([]byte(req.ContractId)); err != nil {
		return 0, contractpkg.ID{}, contractpkg.Ack{}, fmt.Errorf("contract id: %w", err)
	}
	state, err := contractpkg.ParseAckState(req.State)
	if err != nil {
		return 0, contractpkg.ID{}, contractpkg.Ack{}, err
	}
	ack := contractpkg.Ack{State: state}
	if req.Version != nil {
		branch, err := parseBranchID(req.Version.Branch)
		if err != nil {
			return 0, contractpkg.ID{}, contractpkg.Ack{}, fmt.Errorf("version branch: %w", err)
		}
		ack.Version = branchpkg.Version{Branch: branch, Timestamp: branchpkg.Timestamp(req.Version.Timestamp)}
	}
	if req.NewBranch != "" {
		branch, err := parseBranchID(req.NewBranch)
		if err != nil {
			return 0, contractpkg.ID{}, contractpkg.Ack{}, fmt.Errorf("new branch: %w", err)
		}
		ack.NewBranch = branch
	}
	return contractpkg.ServerID(req.Server), contractID, ack, nil
}

func parseBranchID(s string) (branchpkg.ID, error) {
	if s == "" {
		return branchpkg.ID{}, nil
	}
	var id branchpkg.ID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return branchpkg.ID{}, err
	}
	return id, nil
}

func serversToAPI(set contractpkg.ServerSet) []uint64 {
	sorted := set.Sorted()
	out := make([]uint64, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, uint64(id))
	}
	return out
}
