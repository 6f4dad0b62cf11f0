package coordinator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	branchpkg "tabula/internal/branch"
	contractpkg "tabula/internal/contract"
	regionpkg "tabula/internal/region"
)

type capturePublisher struct {
	updates []Update
	err     error
}

func (p *capturePublisher) Publish(u Update) error {
	if p.err != nil {
		return p.err
	}
	p.updates = append(p.updates, u)
	return nil
}

func testTable(primary contractpkg.ServerID) contractpkg.Table {
	return contractpkg.Table{
		{Range: krange("", ""), Replicas: contractpkg.NewServerSet(1, 2, 3), PrimaryReplica: primary},
	}
}

func TestSetTablePublishesSeedContracts(t *testing.T) {
	pub := &capturePublisher{}
	coord := New(nil, nil, pub)

	require.NoError(t, coord.SetTable(testTable(1)))

	// The update is proposed but takes effect only once it commits.
	require.Len(t, pub.updates, 1)
	require.Empty(t, coord.Contracts())

	require.NoError(t, coord.ApplyUpdate(pub.updates[0]))
	contracts := coord.Contracts()
	require.Len(t, contracts, 1)
	for _, rc := range contracts {
		require.False(t, rc.Contract.Primary.IsSet())
	}

	require.Error(t, coord.SetTable(contractpkg.Table{}))
}

func TestRecomputeRequiresTable(t *testing.T) {
	coord := New(nil, nil, nil)
	require.ErrorIs(t, coord.Recompute(), ErrNoTable)
}

func TestReportAckRejectsUnknownContract(t *testing.T) {
	coord := New(nil, nil, nil)
	require.NoError(t, coord.SetTable(testTable(1)))

	err := coord.ReportAck(1, contractpkg.NewID(), contractpkg.Ack{
		State: contractpkg.AckSecondaryStreaming,
	})
	require.ErrorIs(t, err, ErrUnknownContract)
}

func TestReportAckDrivesElection(t *testing.T) {
	coord := New(nil, nil, nil)
	require.NoError(t, coord.SetTable(testTable(1)))

	id, _, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)

	// A single report is not a majority; nothing changes.
	require.NoError(t, coord.ReportAck(1, id, needPrimary(10)))
	after, _, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.Equal(t, id, after)

	// The second report completes a majority and the election runs.
	require.NoError(t, coord.ReportAck(2, id, needPrimary(10)))
	elected, rc, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.NotEqual(t, id, elected)
	require.True(t, rc.Contract.Primary.IsSet())
	require.False(t, rc.Contract.Branch.IsNil())

	// The superseded contract no longer accepts acks.
	err := coord.ReportAck(3, id, needPrimary(10))
	require.ErrorIs(t, err, ErrUnknownContract)
}

func TestPublishFailureLeavesStateUntouched(t *testing.T) {
	pub := &capturePublisher{err: errors.New("no quorum")}
	coord := New(nil, nil, pub)

	require.Error(t, coord.SetTable(testTable(1)))
	require.Empty(t, coord.Contracts())
}

func TestPublishedUpdateCarriesBranchRecords(t *testing.T) {
	pub := &capturePublisher{}
	coord := New(nil, nil, pub)
	require.NoError(t, coord.SetTable(testTable(1)))
	require.NoError(t, coord.ApplyUpdate(pub.updates[0]))

	id, _, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.NoError(t, coord.ReportAck(1, id, needPrimary(10)))
	require.NoError(t, coord.ReportAck(2, id, needPrimary(10)))

	last := pub.updates[len(pub.updates)-1]
	require.Len(t, last.Branches, 1)
	for bid, rec := range last.Branches {
		require.False(t, bid.IsNil())
		require.NotEmpty(t, rec.Origins)
	}
	// The minted branch enters the history together with the diff, not at
	// publication time.
	require.Zero(t, coord.History().Len())
	require.NoError(t, coord.ApplyUpdate(last))
	require.Equal(t, 1, coord.History().Len())
}

func TestUncommittedPublishLeavesStateUntouched(t *testing.T) {
	pub := &capturePublisher{}
	coord := New(nil, nil, pub)
	require.NoError(t, coord.SetTable(testTable(1)))
	require.NoError(t, coord.ApplyUpdate(pub.updates[0]))

	id, _, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)

	// The acks drive an election whose update is proposed but never commits:
	// leadership moved away before the entry was appended.
	require.NoError(t, coord.ReportAck(1, id, needPrimary(10)))
	require.NoError(t, coord.ReportAck(2, id, needPrimary(10)))
	require.Len(t, pub.updates, 2)

	before, _, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.Equal(t, id, before)
	require.Len(t, coord.Contracts(), 1)

	// The new leader ran the same election and its update commits. The local
	// map must end up with exactly that contract, not the orphaned proposal.
	theirBranch := branchpkg.NewID()
	theirID := contractpkg.NewID()
	theirs := Update{
		Diff: Diff{
			Updated: map[contractpkg.ID]RegionContract{
				theirID: {
					Region: regionpkg.Universe(),
					Contract: contractpkg.Contract{
						Replicas: contractpkg.NewServerSet(1, 2, 3),
						Voters:   contractpkg.NewServerSet(1, 2, 3),
						Primary:  contractpkg.Some(contractpkg.Primary{Server: 1}),
						Branch:   theirBranch,
					},
				},
			},
			Removed: []contractpkg.ID{id},
		},
		Branches: map[branchpkg.ID]branchpkg.Record{
			theirBranch: {Origins: []branchpkg.Origin{{
				Region:    regionpkg.Universe(),
				Timestamp: 10,
			}}},
		},
	}
	require.NoError(t, coord.ApplyUpdate(theirs))

	require.Len(t, coord.Contracts(), 1)
	got, rc, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.Equal(t, theirID, got)
	require.Equal(t, theirBranch, rc.Contract.Branch)
}

func TestRecomputeDeferredWhileUpdateInFlight(t *testing.T) {
	pub := &capturePublisher{}
	coord := New(nil, nil, pub)
	require.NoError(t, coord.SetTable(testTable(3)))
	require.NoError(t, coord.ApplyUpdate(pub.updates[0]))

	id, _, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.NoError(t, coord.ReportAck(1, id, needPrimary(10)))
	require.NoError(t, coord.ReportAck(2, id, needPrimary(10)))
	require.Len(t, pub.updates, 2)

	// A further ack while the election update is in flight does not produce
	// a second proposal built on unagreed state.
	require.NoError(t, coord.ReportAck(3, id, needPrimary(10)))
	require.Len(t, pub.updates, 2)

	// Once the in-flight update commits, the deferred recomputation runs
	// over the applied state; the folded inputs are a fixpoint here.
	require.NoError(t, coord.ApplyUpdate(pub.updates[1]))
	require.Len(t, pub.updates, 2)
	_, rc, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.True(t, rc.Contract.Primary.IsSet())
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	coord := New(nil, nil, nil)

	branchID := branchpkg.NewID()
	update := Update{
		Diff: Diff{Updated: map[contractpkg.ID]RegionContract{
			contractpkg.NewID(): {
				Region: regionpkg.Universe(),
				Contract: contractpkg.Contract{
					Replicas: contractpkg.NewServerSet(1, 2),
					Voters:   contractpkg.NewServerSet(1, 2),
					Branch:   branchID,
				},
			},
		}},
		Branches: map[branchpkg.ID]branchpkg.Record{
			branchID: {Origins: []branchpkg.Origin{{Region: regionpkg.Universe()}}},
		},
	}

	require.NoError(t, coord.ApplyUpdate(update))
	require.NoError(t, coord.ApplyUpdate(update))

	require.Len(t, coord.Contracts(), 1)
	require.Equal(t, 1, coord.History().Len())
}

func TestDiagnosticsCountElectionsAndHandOvers(t *testing.T) {
	coord := New(nil, nil, nil)
	require.NoError(t, coord.SetTable(testTable(1)))

	id, _, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	require.NoError(t, coord.ReportAck(1, id, needPrimary(10)))
	require.NoError(t, coord.ReportAck(2, id, needPrimary(10)))

	diag := coord.Diagnostics()
	require.Equal(t, uint64(1), diag.Elections)
	require.Zero(t, diag.HandOvers)

	// The elected server is not the configured primary; once the configured
	// one reports streaming, a hand-over is initiated.
	electedID, rc, ok := coord.ContractForKey([]byte(""))
	require.True(t, ok)
	p, _ := rc.Contract.Primary.Get()
	require.NotEqual(t, contractpkg.ServerID(1), p.Server)

	require.NoError(t, coord.ReportAck(1, electedID, contractpkg.Ack{
		State: contractpkg.AckSecondaryStreaming,
	}))

	diag = coord.Diagnostics()
	require.Equal(t, uint64(1), diag.HandOvers)

	_, rc, ok = coord.ContractForKey([]byte(""))
	require.True(t, ok)
	p, _ = rc.Contract.Primary.Get()
	handOver, set := p.HandOver.Get()
	require.True(t, set)
	require.Equal(t, contractpkg.ServerID(1), handOver)
}
