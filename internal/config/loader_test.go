package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	contractpkg "tabula/internal/contract"
)

const sampleConfig = `
nodeID: 3
dataDir: /var/lib/tabula/node3

cluster:
  clusterMode: true
  nodeAddress: 127.0.0.1:10003
  clusterAddresses:
    - 1@127.0.0.1:10001
    - 2@127.0.0.1:10002
    - 3@127.0.0.1:10003
  electionTick: 20

grpc:
  address: 127.0.0.1:10003

metrics:
  enabled: true
  address: 127.0.0.1:2112

table:
  - start: ""
    end: m
    replicas: [1, 2]
    primaryReplica: 1
  - start: m
    end: ""
    replicas: [2, 3]
    primaryReplica: 3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, uint64(3), cfg.NodeID)
	require.Equal(t, "/var/lib/tabula/node3", cfg.DataDir)
	require.True(t, cfg.Cluster.ClusterMode)
	require.Len(t, cfg.Cluster.ClusterAddresses, 3)
	require.True(t, cfg.Metrics.Enabled)

	opts := cfg.ClusterOptions()
	require.Equal(t, uint64(3), opts.NodeID)
	require.Equal(t, "127.0.0.1:10003", opts.NodeAddress)
	require.Equal(t, 20, opts.ElectionTick)
	require.Zero(t, opts.HeartbeatTick)

	grpcCfg := cfg.GRPCConfig()
	require.Equal(t, uint64(3), grpcCfg.NodeID)
	require.Equal(t, "127.0.0.1:10003", grpcCfg.Address)
}

func TestTableConfig(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	table := cfg.TableConfig()
	require.NoError(t, table.Validate())
	require.Len(t, table, 2)
	require.True(t, table[0].Replicas.Equal(contractpkg.NewServerSet(1, 2)))
	require.Equal(t, contractpkg.ServerID(1), table[0].PrimaryReplica)
	require.Empty(t, table[0].Range.Start)
	require.Equal(t, "m", string(table[0].Range.End))
	require.Empty(t, table[1].Range.End)

	empty := &ServerConfig{}
	require.Nil(t, empty.TableConfig())
}

func TestLoadServerConfigErrors(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadServerConfig(writeConfig(t, "nodeID: [not a number"))
	require.Error(t, err)
}
