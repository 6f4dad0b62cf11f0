package config

import (
	"tabula/internal/cluster"
	contractpkg "tabula/internal/contract"
	"tabula/internal/observability/tracing"
	regionpkg "tabula/internal/region"
	grpcserver "tabula/internal/server/grpc"
)

type ServerConfig struct {
	NodeID  uint64        `yaml:"nodeID"`
	DataDir string        `yaml:"dataDir"`
	Cluster ClusterConfig `yaml:"cluster"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Table   []ShardConfig `yaml:"table"`
}

type ClusterConfig struct {
	ClusterMode      bool     `yaml:"clusterMode"`
	NodeAddress      string   `yaml:"nodeAddress"`
	ClusterAddresses []string `yaml:"clusterAddresses"`
	ElectionTick     int      `yaml:"electionTick"`
	HeartbeatTick    int      `yaml:"heartbeatTick"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// ShardConfig describes one shard of the bootstrap table configuration.
// Start and End are plain key strings; an empty End means the shard extends
// to the end of the key space.
type ShardConfig struct {
	Start          string   `yaml:"start"`
	End            string   `yaml:"end"`
	Replicas       []uint64 `yaml:"replicas"`
	PrimaryReplica uint64   `yaml:"primaryReplica"`
}

func (c *ServerConfig) ClusterOptions() cluster.Options {
	return cluster.Options{
		NodeID:           c.NodeID,
		DataDir:          c.DataDir,
		ClusterMode:      c.Cluster.ClusterMode,
		NodeAddress:      c.Cluster.NodeAddress,
		ClusterAddresses: c.Cluster.ClusterAddresses,
		ElectionTick:     c.Cluster.ElectionTick,
		HeartbeatTick:    c.Cluster.HeartbeatTick,
	}
}

func (c *ServerConfig) GRPCConfig() grpcserver.Config {
	return grpcserver.Config{NodeID: c.NodeID, Address: c.GRPC.Address}
}

func (c *ServerConfig) TracingOptions() tracing.Config {
	return tracing.Config{
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		ServiceName: c.Tracing.ServiceName,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// TableConfig converts the bootstrap shards into a table configuration. An
// empty shard list yields a nil table and no error; validation is left to
// the coordinator.
func (c *ServerConfig) TableConfig() contractpkg.Table {
	if len(c.Table) == 0 {
		return nil
	}
	table := make(contractpkg.Table, 0, len(c.Table))
	for _, sh := range c.Table {
		replicas := contractpkg.NewServerSet()
		for _, id := range sh.Replicas {
			replicas.Add(contractpkg.ServerID(id))
		}
		table = append(table, contractpkg.Shard{
			Range: regionpkg.KeyRange{
				Start: regionpkg.Key(sh.Start),
				End:   regionpkg.Key(sh.End),
			},
			Replicas:       replicas,
			PrimaryReplica: contractpkg.ServerID(sh.PrimaryReplica),
		})
	}
	return table
}
