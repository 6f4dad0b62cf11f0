package raftnode

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func entry(index, term uint64, data string) raftpb.Entry {
	return raftpb.Entry{Index: index, Term: term, Data: []byte(data)}
}

func TestOpenStorageEmpty(t *testing.T) {
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)

	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Zero(t, last)

	hs, cs, err := st.InitialState()
	require.NoError(t, err)
	require.True(t, raft.IsEmptyHardState(hs))
	require.Empty(t, cs.Voters)

	_, err = OpenStorage("")
	require.Error(t, err)
}

func TestStorageAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStorage(dir)
	require.NoError(t, err)

	require.NoError(t, st.Append([]raftpb.Entry{
		entry(1, 1, "a"),
		entry(2, 1, "b"),
		entry(3, 2, "c"),
	}))
	require.NoError(t, st.SetHardState(raftpb.HardState{Term: 2, Commit: 3, Vote: 1}))
	require.NoError(t, st.SetConfState(&raftpb.ConfState{Voters: []uint64{1, 2}}))

	term, err := st.Term(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	ents, err := st.Entries(1, 4, 0)
	require.NoError(t, err)
	require.Len(t, ents, 3)
	require.Equal(t, []byte("b"), ents[1].Data)

	// A fresh open from the same directory sees everything.
	reloaded, err := OpenStorage(dir)
	require.NoError(t, err)

	last, err := reloaded.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	hs, cs, err := reloaded.InitialState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), hs.Term)
	require.Equal(t, uint64(3), hs.Commit)
	require.Equal(t, []uint64{1, 2}, cs.Voters)

	ents, err = reloaded.Entries(2, 4, 0)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.Equal(t, []byte("c"), ents[1].Data)
}

func TestStorageTruncatesConflictingSuffix(t *testing.T) {
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.Append([]raftpb.Entry{
		entry(1, 1, "a"),
		entry(2, 1, "b"),
		entry(3, 1, "c"),
	}))
	require.NoError(t, st.Append([]raftpb.Entry{
		entry(2, 2, "b2"),
	}))

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	term, err := st.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	ents, err := st.Entries(1, 3, 0)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	require.Equal(t, []byte("b2"), ents[1].Data)
}

func TestStorageRejectsGaps(t *testing.T) {
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.Append([]raftpb.Entry{entry(1, 1, "a")}))
	require.Error(t, st.Append([]raftpb.Entry{entry(5, 1, "z")}))
}

func TestStorageEntriesBounds(t *testing.T) {
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Append([]raftpb.Entry{
		entry(1, 1, "a"),
		entry(2, 1, "b"),
	}))

	_, err = st.Entries(0, 2, 0)
	require.ErrorIs(t, err, raft.ErrCompacted)

	_, err = st.Entries(1, 5, 0)
	require.ErrorIs(t, err, raft.ErrUnavailable)

	// maxSize keeps at least a prefix.
	ents, err := st.Entries(1, 3, 1)
	require.NoError(t, err)
	require.LessOrEqual(t, len(ents), 1)
}

func TestStorageApplySnapshot(t *testing.T) {
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.Append([]raftpb.Entry{
		entry(1, 1, "a"),
		entry(2, 1, "b"),
		entry(3, 1, "c"),
	}))

	snap := raftpb.Snapshot{
		Data: []byte("state"),
		Metadata: raftpb.SnapshotMetadata{
			Index:     2,
			Term:      1,
			ConfState: raftpb.ConfState{Voters: []uint64{1}},
		},
	}
	require.NoError(t, st.ApplySnapshot(snap))

	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	// Out-of-date snapshots are refused.
	stale := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 1, Term: 1}}
	require.ErrorIs(t, st.ApplySnapshot(stale), raft.ErrSnapOutOfDate)
}
