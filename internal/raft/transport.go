package raft

import "go.etcd.io/etcd/raft/v3/raftpb"

// Transport moves raft messages between cluster members.
type Transport interface {
	// Send delivers messages to the given node.
	Send(to uint64, messages []raftpb.Message) error

	// AddMember registers the addresses of a new member.
	AddMember(id uint64, peerURLs []string) error

	// RemoveMember forgets a member and tears down its connection.
	RemoveMember(id uint64) error
}

// NoopTransport discards all messages; used by single-node deployments and
// tests where messages never leave the process.
type NoopTransport struct{}

func (t *NoopTransport) Send(to uint64, messages []raftpb.Message) error { return nil }

func (t *NoopTransport) AddMember(id uint64, peerURLs []string) error { return nil }

func (t *NoopTransport) RemoveMember(id uint64) error { return nil }

// NewNoopTransport creates a transport for in-process use.
func NewNoopTransport() Transport {
	return &NoopTransport{}
}
