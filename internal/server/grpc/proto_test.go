package grpcserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	branchpkg "tabula/internal/branch"
	contractpkg "tabula/internal/contract"
	"tabula/internal/coordinator"
	regionpkg "tabula/internal/region"
	api "tabula/pkg/api"
)

func TestTableConversionRoundTrip(t *testing.T) {
	table := contractpkg.Table{
		{
			Range:          regionpkg.KeyRange{Start: regionpkg.Key(""), End: regionpkg.Key("m")},
			Replicas:       contractpkg.NewServerSet(1, 2),
			PrimaryReplica: 1,
		},
		{
			Range:          regionpkg.KeyRange{Start: regionpkg.Key("m")},
			Replicas:       contractpkg.NewServerSet(2, 3),
			PrimaryReplica: 3,
		},
	}

	shards := tableToAPI(table)
	require.Len(t, shards, 2)
	require.Equal(t, []uint64{1, 2}, shards[0].Replicas)

	restored, err := tableFromAPI(shards)
	require.NoError(t, err)
	require.NoError(t, restored.Validate())
	require.True(t, restored[0].Replicas.Equal(table[0].Replicas))
	require.Equal(t, table[1].PrimaryReplica, restored[1].PrimaryReplica)

	_, err = tableFromAPI([]*api.Shard{nil})
	require.Error(t, err)
}

func TestContractEntryToAPI(t *testing.T) {
	id := contractpkg.NewID()
	branch := branchpkg.NewID()
	rc := coordinator.RegionContract{
		Region: regionpkg.KeyRange{Start: regionpkg.Key("a"), End: regionpkg.Key("m")},
		Contract: contractpkg.Contract{
			Replicas:   contractpkg.NewServerSet(1, 2, 3),
			Voters:     contractpkg.NewServerSet(1, 2),
			TempVoters: contractpkg.Some(contractpkg.NewServerSet(1, 2, 3)),
			Primary: contractpkg.Some(contractpkg.Primary{
				Server:   2,
				HandOver: contractpkg.Some(contractpkg.ServerID(3)),
			}),
			Branch: branch,
		},
	}

	entry := contractEntryToAPI(id, rc)

	require.Equal(t, id.String(), entry.Id)
	require.Equal(t, []byte("a"), entry.Start)
	require.Equal(t, []uint64{1, 2, 3}, entry.Replicas)
	require.Equal(t, []uint64{1, 2}, entry.Voters)
	require.Equal(t, []uint64{1, 2, 3}, entry.TempVoters)
	require.NotNil(t, entry.Primary)
	require.Equal(t, uint64(2), entry.Primary.Server)
	require.NotNil(t, entry.Primary.HandOver)
	require.Equal(t, uint64(3), *entry.Primary.HandOver)
	require.Equal(t, branch.String(), entry.Branch)

	bare := contractEntryToAPI(id, coordinator.RegionContract{
		Region: regionpkg.Universe(),
		Contract: contractpkg.Contract{
			Replicas: contractpkg.NewServerSet(1),
			Voters:   contractpkg.NewServerSet(1),
		},
	})
	require.Nil(t, bare.Primary)
	require.Empty(t, bare.TempVoters)
	require.Empty(t, bare.Branch)
}

func TestAckFromAPI(t *testing.T) {
	contractID := contractpkg.NewID()
	branch := branchpkg.NewID()
	proposed := branchpkg.NewID()

	server, id, ack, err := ackFromAPI(&api.ReportAckRequest{
		Server:     4,
		ContractId: contractID.String(),
		State:      "primary-need-branch",
		Version:    &api.AckVersion{Branch: branch.String(), Timestamp: 17},
		NewBranch:  proposed.String(),
	})
	require.NoError(t, err)
	require.Equal(t, contractpkg.ServerID(4), server)
	require.Equal(t, contractID, id)
	require.Equal(t, contractpkg.AckPrimaryNeedBranch, ack.State)
	require.Equal(t, branch, ack.Version.Branch)
	require.Equal(t, branchpkg.Timestamp(17), ack.Version.Timestamp)
	require.Equal(t, proposed, ack.NewBranch)

	// An empty branch string denotes the root of history.
	_, _, ack, err = ackFromAPI(&api.ReportAckRequest{
		Server:     1,
		ContractId: contractID.String(),
		State:      "secondary-need-primary",
		Version:    &api.AckVersion{Timestamp: 3},
	})
	require.NoError(t, err)
	require.True(t, ack.Version.Branch.IsNil())

	_, _, _, err = ackFromAPI(&api.ReportAckRequest{
		ContractId: "not-a-uuid",
		State:      "secondary-streaming",
	})
	require.Error(t, err)

	_, _, _, err = ackFromAPI(&api.ReportAckRequest{
		ContractId: contractID.String(),
		State:      "bogus",
	})
	require.Error(t, err)
}
