package raftnode

import (
	"context"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	rafttransport "tabula/internal/raft"
)

// Node drives a single raft group replicating coordinator updates.
type Node struct {
	id        uint64
	raftNode  raft.Node
	storage   *Storage
	transport rafttransport.Transport

	mu      sync.RWMutex
	applied uint64

	commitC chan<- *Commit
	errorC  chan<- error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Commit is one applied raft entry handed to the state machine.
type Commit struct {
	Data       []byte
	Index      uint64
	Term       uint64
	ConfChange *raftpb.ConfChange
	ConfState  *raftpb.ConfState
}

// Config carries what a Node needs to start.
type Config struct {
	ID            uint64
	Peers         []raft.Peer
	Storage       *Storage
	Transport     rafttransport.Transport
	ElectionTick  int
	HeartbeatTick int
}

// New creates a raft node. With a non-empty peer list the group is
// bootstrapped; otherwise the node restarts from its persisted state.
func New(cfg *Config) *Node {
	raftConfig := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         cfg.Storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	transport := cfg.Transport
	if transport == nil {
		transport = rafttransport.NewNoopTransport()
	}

	n := &Node{
		id:        cfg.ID,
		storage:   cfg.Storage,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if len(cfg.Peers) > 0 {
		n.raftNode = raft.StartNode(raftConfig, cfg.Peers)
	} else {
		n.raftNode = raft.RestartNode(raftConfig)
	}
	return n
}

// Start begins the raft loop, delivering commits and errors on the channels.
func (n *Node) Start(commitC chan<- *Commit, errorC chan<- error) {
	n.commitC = commitC
	n.errorC = errorC
	go n.run()
}

// Stop terminates the raft loop.
func (n *Node) Stop() {
	n.cancel()
	n.raftNode.Stop()
	<-n.done
}

// Propose submits data for replication.
func (n *Node) Propose(data []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	return n.raftNode.Propose(ctx, data)
}

// ProposeConfChange submits a membership change for replication.
func (n *Node) ProposeConfChange(cc raftpb.ConfChange) error {
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	return n.raftNode.ProposeConfChange(ctx, cc)
}

// Step feeds an incoming raft message from a peer into the node.
func (n *Node) Step(ctx context.Context, msg raftpb.Message) error {
	return n.raftNode.Step(ctx, msg)
}

// IsLeader reports whether this node currently leads the group.
func (n *Node) IsLeader() bool {
	return n.raftNode.Status().Lead == n.id
}

// Status returns the raft status for diagnostics.
func (n *Node) Status() raft.Status {
	return n.raftNode.Status()
}

// AppliedIndex returns the index of the latest applied entry.
func (n *Node) AppliedIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.applied
}

func (n *Node) run() {
	defer close(n.done)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.raftNode.Tick()

		case rd := <-n.raftNode.Ready():
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := n.storage.SetHardState(rd.HardState); err != nil {
					n.sendError(err)
				}
			}
			if len(rd.Entries) > 0 {
				if err := n.storage.Append(rd.Entries); err != nil {
					n.sendError(err)
				}
			}
			n.sendMessages(rd.Messages)
			if !raft.IsEmptySnap(rd.Snapshot) {
				if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
					n.sendError(err)
				}
				n.observeApplied(rd.Snapshot.Metadata.Index)
			}
			n.applyCommits(rd.CommittedEntries)
			n.raftNode.Advance()

		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) sendMessages(messages []raftpb.Message) {
	for _, msg := range messages {
		if msg.To == 0 {
			continue
		}
		if err := n.transport.Send(msg.To, []raftpb.Message{msg}); err != nil {
			n.sendError(err)
		}
	}
}

func (n *Node) applyCommits(entries []raftpb.Entry) {
	for _, entry := range entries {
		switch entry.Type {
		case raftpb.EntryNormal:
			if len(entry.Data) > 0 {
				commit := &Commit{Data: entry.Data, Index: entry.Index, Term: entry.Term}
				select {
				case n.commitC <- commit:
				case <-n.ctx.Done():
					return
				}
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				n.sendError(err)
				continue
			}
			cs := n.raftNode.ApplyConfChange(cc)
			ccCopy := cc
			commit := &Commit{
				Index:      entry.Index,
				Term:       entry.Term,
				ConfChange: &ccCopy,
				ConfState:  cs,
			}
			select {
			case n.commitC <- commit:
			case <-n.ctx.Done():
				return
			}
		}
		n.observeApplied(entry.Index)
	}
}

func (n *Node) observeApplied(index uint64) {
	n.mu.Lock()
	if index > n.applied {
		n.applied = index
	}
	n.mu.Unlock()
}

func (n *Node) sendError(err error) {
	if n.errorC == nil {
		return
	}
	select {
	case n.errorC <- err:
	default:
	}
}
