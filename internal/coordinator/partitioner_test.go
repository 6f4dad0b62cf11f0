package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"

	branchpkg "tabula/internal/branch"
	contractpkg "tabula/internal/contract"
	regionpkg "tabula/internal/region"
)

func krange(start, end string) regionpkg.KeyRange {
	return regionpkg.KeyRange{Start: regionpkg.Key(start), End: regionpkg.Key(end)}
}

func needPrimary(ts branchpkg.Timestamp) contractpkg.Ack {
	return contractpkg.Ack{
		State:   contractpkg.AckSecondaryNeedPrimary,
		Version: branchpkg.Version{Timestamp: ts},
	}
}

func singleID(t *testing.T, state *State) contractpkg.ID {
	t.Helper()
	ids := state.IDs()
	require.Len(t, ids, 1)
	return ids[0]
}

func singleBranch(t *testing.T, minted map[branchpkg.ID]branchpkg.Record) (branchpkg.ID, branchpkg.Record) {
	t.Helper()
	require.Len(t, minted, 1)
	for id, rec := range minted {
		return id, rec
	}
	return branchpkg.ID{}, branchpkg.Record{}
}

func TestRecomputeSeedsFreshTable(t *testing.T) {
	table := contractpkg.Table{
		{Range: krange("", ""), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 1},
	}
	state := NewState()
	history := branchpkg.NewHistory()

	diff, minted := Recompute(state, table, Acks{}, history)

	require.Len(t, diff.Updated, 1)
	require.Empty(t, diff.Removed)
	require.Empty(t, minted)
	for _, rc := range diff.Updated {
		require.True(t, rc.Region.Equal(regionpkg.Universe()))
		require.True(t, rc.Contract.Replicas.Equal(contractpkg.NewServerSet(1, 2, 3)))
		require.True(t, rc.Contract.Voters.Equal(contractpkg.NewServerSet(1, 2, 3)))
		require.False(t, rc.Contract.Primary.IsSet())
		require.True(t, rc.Contract.Branch.IsNil())
	}
}

func TestRecomputeCoalescesIdenticalShards(t *testing.T) {
	table := contractpkg.Table{
		{Range: krange("", "m"), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 1},
		{Range: krange("m", ""), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 1},
	}
	state := NewState()

	diff, _ := Recompute(state, table, Acks{}, branchpkg.NewHistory())

	// Both chunks produce the same contract, so the shard boundary does not
	// fragment the published map.
	require.Len(t, diff.Updated, 1)
	for _, rc := range diff.Updated {
		require.True(t, rc.Region.Equal(regionpkg.Universe()))
	}
}

func TestRecomputeIsStableWithoutInputChanges(t *testing.T) {
	table := contractpkg.Table{
		{Range: krange("", ""), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 1},
	}
	state := NewState()
	history := branchpkg.NewHistory()

	diff, _ := Recompute(state, table, Acks{}, history)
	state.Apply(diff)

	again, minted := Recompute(state, table, Acks{}, history)
	require.True(t, again.Empty())
	require.Empty(t, minted)
}

func TestRecomputeElectsAndRetires(t *testing.T) {
	table := contractpkg.Table{
		{Range: krange("", ""), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 3},
	}
	state := NewState()
	history := branchpkg.NewHistory()

	diff, _ := Recompute(state, table, Acks{}, history)
	state.Apply(diff)
	seedID := singleID(t, state)

	acks := Acks{seedID: {
		1: needPrimary(10),
		2: needPrimary(10),
		3: needPrimary(10),
	}}
	diff, minted := Recompute(state, table, acks, history)

	require.Len(t, diff.Updated, 1)
	require.Equal(t, []contractpkg.ID{seedID}, diff.Removed)
	branchID, rec := singleBranch(t, minted)
	for _, rc := range diff.Updated {
		p, ok := rc.Contract.Primary.Get()
		require.True(t, ok)
		require.Equal(t, contractpkg.ServerID(3), p.Server)
		require.Equal(t, branchID, rc.Contract.Branch)
	}

	require.Len(t, rec.Origins, 1)
	require.True(t, rec.Origins[0].Parent.IsNil())
	require.Equal(t, branchpkg.Timestamp(10), rec.Origins[0].Timestamp)
	// The record travels with the diff; the history itself is not written.
	require.Zero(t, history.Len())
}

func TestRecomputeKeepsUntouchedContracts(t *testing.T) {
	table := contractpkg.Table{
		{Range: krange("", "m"), Replicas: contractpkg.NewServerSet(1, 2), PrimaryReplica: 1},
		{Range: krange("m", ""), Replicas: contractpkg.NewServerSet(3, 4), PrimaryReplica: 3},
	}
	state := NewState()
	history := branchpkg.NewHistory()

	diff, _ := Recompute(state, table, Acks{}, history)
	state.Apply(diff)
	require.Equal(t, 2, state.Len())

	leftID, _, ok := state.ContractForKey(regionpkg.Key(""))
	require.True(t, ok)
	rightID, _, ok := state.ContractForKey(regionpkg.Key("m"))
	require.True(t, ok)

	acks := Acks{leftID: {
		1: needPrimary(10),
		2: needPrimary(20),
	}}
	diff, _ = Recompute(state, table, acks, history)

	require.Len(t, diff.Updated, 1)
	require.Equal(t, []contractpkg.ID{leftID}, diff.Removed)
	_, ok = state.Get(rightID)
	require.True(t, ok)
}

func TestRecomputeBatchesElectionBranches(t *testing.T) {
	table := contractpkg.Table{
		{Range: krange("", "m"), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 1},
		{Range: krange("m", ""), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 1},
	}
	state := NewState()
	history := branchpkg.NewHistory()

	diff, _ := Recompute(state, table, Acks{}, history)
	state.Apply(diff)
	seedID := singleID(t, state)

	acks := Acks{seedID: {
		1: needPrimary(10),
		2: needPrimary(10),
		3: needPrimary(10),
	}}
	diff, minted := Recompute(state, table, acks, history)

	// Both chunks elect the same server at the same version; one branch is
	// minted and gains an origin per chunk, and the results coalesce back
	// into a single contract.
	require.Len(t, diff.Updated, 1)
	_, rec := singleBranch(t, minted)
	require.Len(t, rec.Origins, 2)
	require.Zero(t, history.Len())
}

func TestRecomputeMintsSeparateBranchesPerElection(t *testing.T) {
	table := contractpkg.Table{
		{Range: krange("", "m"), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 2},
		{Range: krange("m", ""), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: 1},
	}
	state := NewState()
	history := branchpkg.NewHistory()

	diff, _ := Recompute(state, table, Acks{}, history)
	state.Apply(diff)
	seedID := singleID(t, state)

	acks := Acks{seedID: {
		1: needPrimary(30),
		2: needPrimary(20),
		3: needPrimary(10),
	}}
	diff, minted := Recompute(state, table, acks, history)

	// The two chunks elect different primaries, so their branches cannot be
	// shared and their contracts stay separate.
	require.Len(t, minted, 2)
	require.Len(t, diff.Updated, 2)
	require.Equal(t, []contractpkg.ID{seedID}, diff.Removed)
}
