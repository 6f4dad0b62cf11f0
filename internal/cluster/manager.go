package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	contractpkg "tabula/internal/contract"
	"tabula/internal/coordinator"
	rafttransport "tabula/internal/raft"
	"tabula/internal/raftnode"
)

// ErrNotLeader indicates a mutating request landed on a follower.
var ErrNotLeader = errors.New("cluster: not leader")

// Options configures a cluster manager.
type Options struct {
	NodeID  uint64
	DataDir string

	ClusterMode      bool
	NodeAddress      string
	ClusterAddresses []string

	ElectionTick  int
	HeartbeatTick int
}

// Manager replicates coordinator updates through a raft group. The leader's
// coordinator publishes each recomputed update here; every member, the leader
// included, folds the update into its coordinator when the entry commits.
type Manager struct {
	nodeID  uint64
	options Options

	coord     *coordinator.Coordinator
	store     *coordinator.Store
	raftNode  *raftnode.Node
	transport rafttransport.Transport
	storage   *raftnode.Storage

	members   map[uint64]string
	membersMu sync.RWMutex
	roster    *roster

	commitC chan *raftnode.Commit
	errorC  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type peerAddress struct {
	id   uint64
	addr string
}

func parsePeerAddresses(entries []string) []peerAddress {
	peers := make([]peerAddress, 0, len(entries))
	for idx, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var (
			id   uint64
			addr string
			err  error
		)
		if strings.Contains(entry, "@") {
			parts := strings.SplitN(entry, "@", 2)
			id, err = strconv.ParseUint(parts[0], 10, 64)
			if err == nil {
				addr = parts[1]
			}
		} else if strings.Contains(entry, "=") {
			parts := strings.SplitN(entry, "=", 2)
			id, err = strconv.ParseUint(parts[0], 10, 64)
			if err == nil {
				addr = parts[1]
			}
		} else {
			id = uint64(idx + 1)
			addr = entry
		}
		if err != nil || addr == "" {
			continue
		}
		peers = append(peers, peerAddress{id: id, addr: addr})
	}
	return peers
}

// NewManager wires a coordinator to a raft group. A nil transport selects
// gRPC in cluster mode and the in-process noop transport otherwise.
func NewManager(options Options, coord *coordinator.Coordinator, store *coordinator.Store, transport rafttransport.Transport) (*Manager, error) {
	if coord == nil {
		return nil, fmt.Errorf("cluster: coordinator is nil")
	}
	ctx, cancel := context.WithCancel(context.Background())

	if transport == nil {
		if options.ClusterMode {
			transport = rafttransport.NewGRPCTransport(options.NodeID, nil)
		} else {
			transport = rafttransport.NewNoopTransport()
		}
	}
	if options.ElectionTick == 0 {
		options.ElectionTick = 10
	}
	if options.HeartbeatTick == 0 {
		options.HeartbeatTick = 1
	}

	m := &Manager{
		nodeID:    options.NodeID,
		options:   options,
		coord:     coord,
		store:     store,
		transport: transport,
		members:   make(map[uint64]string),
		commitC:   make(chan *raftnode.Commit, 100),
		errorC:    make(chan error, 100),
		ctx:       ctx,
		cancel:    cancel,
	}

	roster, err := openRoster(filepath.Join(options.DataDir, "cluster"))
	if err != nil {
		cancel()
		return nil, err
	}
	m.roster = roster
	if err := m.restoreMembers(); err != nil {
		cancel()
		return nil, err
	}
	if options.NodeAddress != "" {
		m.membersMu.Lock()
		if m.members[options.NodeID] == "" {
			m.members[options.NodeID] = options.NodeAddress
		}
		m.membersMu.Unlock()
	}

	storage, err := raftnode.OpenStorage(filepath.Join(options.DataDir, "raft"))
	if err != nil {
		cancel()
		return nil, err
	}
	m.storage = storage

	if err := m.persistMembers(); err != nil {
		cancel()
		return nil, err
	}

	m.raftNode = raftnode.New(&raftnode.Config{
		ID:            options.NodeID,
		Peers:         m.buildRaftPeers(),
		Storage:       storage,
		Transport:     transport,
		ElectionTick:  options.ElectionTick,
		HeartbeatTick: options.HeartbeatTick,
	})

	return m, nil
}

// Start launches the raft loop and the commit handlers.
func (m *Manager) Start() error {
	m.raftNode.Start(m.commitC, m.errorC)

	m.wg.Add(2)
	go m.handleCommits()
	go m.handleErrors()
	return nil
}

// Stop tears down the raft loop and closes the store.
func (m *Manager) Stop() error {
	m.cancel()
	m.wg.Wait()
	if m.raftNode != nil {
		m.raftNode.Stop()
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Publish replicates a coordinator update. Only the leader may publish, and
// publishing only proposes: the update takes effect on every member, the
// proposer included, when the entry commits and comes back through
// applyCommand.
func (m *Manager) Publish(update coordinator.Update) error {
	if !m.IsLeader() {
		return m.notLeaderErr()
	}
	cmd := &Command{Update: &update}
	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	return m.raftNode.Propose(data)
}

// SetTable replicates a new desired configuration. The recomputation it
// triggers runs when the entry commits on the leader.
func (m *Manager) SetTable(table contractpkg.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if !m.IsLeader() {
		return m.notLeaderErr()
	}
	cmd := &Command{Table: table}
	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	return m.raftNode.Propose(data)
}

// ReportAck feeds a replica acknowledgment into the leader's coordinator.
func (m *Manager) ReportAck(server contractpkg.ServerID, id contractpkg.ID, ack contractpkg.Ack) error {
	if !m.IsLeader() {
		return m.notLeaderErr()
	}
	return m.coord.ReportAck(server, id, ack)
}

// Coordinator returns the coordinator this manager replicates for.
func (m *Manager) Coordinator() *coordinator.Coordinator {
	return m.coord
}

// RaftNode exposes the underlying raft node.
func (m *Manager) RaftNode() *raftnode.Node {
	return m.raftNode
}

// IsLeader reports whether this node currently leads the group.
func (m *Manager) IsLeader() bool {
	return m.raftNode.IsLeader()
}

// LeaderAddress returns the best-known leader address, or empty if unknown.
func (m *Manager) LeaderAddress() string {
	if m.raftNode == nil {
		return ""
	}
	leaderID := m.raftNode.Status().Lead
	if leaderID == 0 {
		return ""
	}
	m.membersMu.RLock()
	addr := m.members[leaderID]
	m.membersMu.RUnlock()
	return addr
}

// AddMember proposes adding a member to the raft group.
func (m *Manager) AddMember(nodeID uint64, address string) error {
	cc := raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  nodeID,
		Context: []byte(address),
	}
	return m.raftNode.ProposeConfChange(cc)
}

// RemoveMember proposes removing a member from the raft group.
func (m *Manager) RemoveMember(nodeID uint64) error {
	cc := raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: nodeID,
	}
	return m.raftNode.ProposeConfChange(cc)
}

// Members returns the known member addresses.
func (m *Manager) Members() map[uint64]string {
	m.membersMu.RLock()
	defer m.membersMu.RUnlock()
	members := make(map[uint64]string, len(m.members))
	for id, addr := range m.members {
		members[id] = addr
	}
	return members
}

func (m *Manager) notLeaderErr() error {
	if addr := m.LeaderAddress(); addr != "" {
		return fmt.Errorf("%w: leader=%s", ErrNotLeader, addr)
	}
	return ErrNotLeader
}

func (m *Manager) handleCommits() {
	defer m.wg.Done()

	for {
		select {
		case commit := <-m.commitC:
			if commit == nil {
				continue
			}
			if commit.ConfChange != nil {
				m.applyConfChange(commit.ConfChange, commit.ConfState)
				continue
			}
			if len(commit.Data) == 0 {
				continue
			}
			cmd, err := UnmarshalCommand(commit.Data)
			if err != nil {
				log.Printf("cluster: failed to decode command at index %d: %v", commit.Index, err)
				continue
			}
			m.applyCommand(cmd)

		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) applyCommand(cmd *Command) {
	if len(cmd.Table) > 0 {
		if m.store != nil {
			if err := m.store.SaveTable(cmd.Table); err != nil {
				log.Printf("cluster: failed to persist table: %v", err)
			}
		}
		// The leader recomputes against the new configuration; followers only
		// track it until they are elected.
		if m.IsLeader() {
			if err := m.coord.SetTable(cmd.Table); err != nil {
				log.Printf("cluster: failed to apply table: %v", err)
			}
		} else if err := m.coord.AdoptTable(cmd.Table); err != nil {
			log.Printf("cluster: failed to adopt table: %v", err)
		}
	}
	if cmd.Update != nil {
		if m.store != nil {
			if err := m.store.SaveUpdate(*cmd.Update); err != nil {
				log.Printf("cluster: failed to persist update: %v", err)
			}
		}
		if err := m.coord.ApplyUpdate(*cmd.Update); err != nil {
			log.Printf("cluster: recompute after commit: %v", err)
		}
	}
}

func (m *Manager) handleErrors() {
	defer m.wg.Done()

	for {
		select {
		case err := <-m.errorC:
			if err != nil {
				log.Printf("cluster: raft error: %v", err)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) buildRaftPeers() []etcdraft.Peer {
	m.membersMu.Lock()
	defer m.membersMu.Unlock()

	if m.options.ClusterMode {
		for _, p := range parsePeerAddresses(m.options.ClusterAddresses) {
			if _, exists := m.members[p.id]; !exists || m.members[p.id] == "" {
				m.members[p.id] = p.addr
			}
		}
	}

	peers := make([]etcdraft.Peer, 0, len(m.members))
	for id, addr := range m.members {
		peers = append(peers, etcdraft.Peer{ID: id})
		_ = m.transport.AddMember(id, []string{addr})
	}
	if len(peers) == 0 {
		peers = append(peers, etcdraft.Peer{ID: m.nodeID})
	}
	return peers
}

func (m *Manager) applyConfChange(cc *raftpb.ConfChange, cs *raftpb.ConfState) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode, raftpb.ConfChangeUpdateNode:
		addr := string(cc.Context)
		m.membersMu.Lock()
		m.members[cc.NodeID] = addr
		m.membersMu.Unlock()
		_ = m.transport.AddMember(cc.NodeID, []string{addr})
	case raftpb.ConfChangeRemoveNode:
		m.membersMu.Lock()
		delete(m.members, cc.NodeID)
		m.membersMu.Unlock()
		_ = m.transport.RemoveMember(cc.NodeID)
	}
	if err := m.persistMembers(); err != nil {
		log.Printf("cluster: failed to persist members: %v", err)
	}
	if cs != nil && m.storage != nil {
		if err := m.storage.SetConfState(cs); err != nil {
			log.Printf("cluster: failed to update raft conf state: %v", err)
		}
	}
}

func (m *Manager) restoreMembers() error {
	if m.roster == nil {
		return nil
	}
	stored, err := m.roster.Load()
	if err != nil {
		return err
	}
	m.membersMu.Lock()
	for id, addr := range stored {
		m.members[id] = addr
	}
	m.membersMu.Unlock()
	return nil
}

func (m *Manager) persistMembers() error {
	if m.roster == nil {
		return nil
	}
	m.membersMu.RLock()
	snapshot := make(map[uint64]string, len(m.members))
	for id, addr := range m.members {
		snapshot[id] = addr
	}
	m.membersMu.RUnlock()
	return m.roster.Save(snapshot)
}
