package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRosterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := openRoster(dir)
	require.NoError(t, err)

	loaded, err := r.Load()
	require.NoError(t, err)
	require.Empty(t, loaded)

	members := map[uint64]string{
		1: "127.0.0.1:1001",
		2: "127.0.0.1:1002",
	}
	require.NoError(t, r.Save(members))

	restored, err := r.Load()
	require.NoError(t, err)
	require.Equal(t, members, restored)

	// Saving leaves no stray temp file behind.
	_, err = os.Stat(filepath.Join(dir, rosterFileName+".tmp"))
	require.True(t, os.IsNotExist(err))
}

func TestRosterRejectsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	r, err := openRoster(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, rosterFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"seven":"127.0.0.1:1007"}`), 0o644))
	_, err = r.Load()
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = r.Load()
	require.Error(t, err)
}

func TestOpenRosterRequiresDirectory(t *testing.T) {
	_, err := openRoster("")
	require.Error(t, err)
}
