package coordinator

import (
	"errors"
	"fmt"
	"sync"

	branchpkg "tabula/internal/branch"
	contractpkg "tabula/internal/contract"
)

var (
	// ErrNoTable indicates no desired configuration has been supplied yet.
	ErrNoTable = errors.New("coordinator: no table configuration")
	// ErrUnknownContract indicates an ack referenced a contract id that is
	// not currently published.
	ErrUnknownContract = errors.New("coordinator: unknown contract")
)

// Update is the unit handed to the publisher: the contract diff plus the
// records of branches minted while computing it.
type Update struct {
	Diff     Diff                              `json:"diff"`
	Branches map[branchpkg.ID]branchpkg.Record `json:"branches,omitempty"`
}

// Publisher hands a recomputed update to the replication substrate. Publish
// only proposes; the update takes effect, on every member including the
// proposer, when it comes back through ApplyUpdate as a committed entry.
type Publisher interface {
	Publish(Update) error
}

// NoopPublisher discards updates. With it there is no substrate to echo a
// commit back, so the coordinator applies each update as soon as it is
// published; used for standalone operation and tests.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Update) error { return nil }

// Diagnostics samples the coordinator's counters for observability.
type Diagnostics struct {
	Contracts   int
	Branches    int
	Recomputes  uint64
	Published   uint64
	Retired     uint64
	Elections   uint64
	HandOvers   uint64
	PendingAcks int
}

// Coordinator owns the evolving contract map for one table. Every input
// change is folded into a snapshot and a recomputation runs over it;
// recomputations are serialized, so each one sees a single consistent view.
type Coordinator struct {
	mu        sync.Mutex
	state     *State
	table     contractpkg.Table
	acks      Acks
	history   *branchpkg.History
	publisher Publisher

	// pending is set between publishing an update and applying its committed
	// copy; dirty remembers that inputs changed in that window.
	pending bool
	dirty   bool

	recomputes uint64
	published  uint64
	retired    uint64
	elections  uint64
	handOvers  uint64
}

// New creates a coordinator over the given published state and history.
// Either may be nil to start empty.
func New(state *State, history *branchpkg.History, publisher Publisher) *Coordinator {
	if state == nil {
		state = NewState()
	}
	if history == nil {
		history = branchpkg.NewHistory()
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Coordinator{
		state:     state,
		acks:      make(Acks),
		history:   history,
		publisher: publisher,
	}
}

// SetPublisher swaps the publisher. Used to close the loop with a replication
// layer that itself needs the coordinator at construction time.
func (c *Coordinator) SetPublisher(publisher Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	c.publisher = publisher
}

// SetTable replaces the desired configuration and recomputes.
func (c *Coordinator) SetTable(table contractpkg.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = table
	return c.recomputeLocked()
}

// ReportAck records a replica's acknowledgment for a published contract and
// recomputes. Acks for superseded contracts are rejected; the replica will
// observe the replacement contract and ack that instead.
func (c *Coordinator) ReportAck(server contractpkg.ServerID, id contractpkg.ID, ack contractpkg.Ack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContract, id)
	}
	set, ok := c.acks[id]
	if !ok {
		set = make(contractpkg.AckSet)
		c.acks[id] = set
	}
	set[server] = ack
	if len(c.table) == 0 {
		return ErrNoTable
	}
	return c.recomputeLocked()
}

// AdoptTable installs a desired configuration without recomputing. Followers
// track the configuration this way so a later leader change starts from the
// right inputs.
func (c *Coordinator) AdoptTable(table contractpkg.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = table
	return nil
}

// Table returns the current desired configuration.
func (c *Coordinator) Table() contractpkg.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table
}

// Recompute forces a recomputation over the current inputs.
func (c *Coordinator) Recompute() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.table) == 0 {
		return ErrNoTable
	}
	return c.recomputeLocked()
}

func (c *Coordinator) recomputeLocked() error {
	if c.pending {
		// An update is already in flight. Recomputing now would build on
		// state the group has not agreed to yet; run again once the commit
		// lands and folds the in-flight diff in.
		c.dirty = true
		return nil
	}
	c.recomputes++
	diff, minted := Recompute(c.state, c.table, c.acks, c.history)
	if diff.Empty() {
		return nil
	}

	update := Update{Diff: diff}
	if len(minted) > 0 {
		update.Branches = minted
	}
	if _, standalone := c.publisher.(NoopPublisher); standalone {
		return c.applyUpdateLocked(update)
	}
	if err := c.publisher.Publish(update); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	c.pending = true
	return nil
}

func (c *Coordinator) observeDiffLocked(diff Diff) {
	c.published += uint64(len(diff.Updated))
	c.retired += uint64(len(diff.Removed))
	for _, rc := range diff.Updated {
		newP, hasNew := rc.Contract.Primary.Get()
		_, oldRC, hadOld := c.state.ContractForKey(rc.Region.Start)
		if !hasNew {
			continue
		}
		if !hadOld {
			c.elections++
			continue
		}
		oldP, hadPrimary := oldRC.Contract.Primary.Get()
		if !hadPrimary {
			c.elections++
			continue
		}
		if newP.HandOver.IsSet() && !oldP.HandOver.IsSet() {
			c.handOvers++
		}
	}
}

// ApplyUpdate folds a committed update into the local state. This is the
// only place contracts and branch records actually change: the proposing
// leader consumes its own committed copy here, the same as every follower.
// Re-applying an update leaves the contracts and history unchanged. The
// returned error comes from the recomputation re-run when inputs changed
// while the update was in flight.
func (c *Coordinator) ApplyUpdate(update Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyUpdateLocked(update)
}

func (c *Coordinator) applyUpdateLocked(update Update) error {
	for id, rec := range update.Branches {
		c.history.Add(id, rec)
	}
	c.observeDiffLocked(update.Diff)
	c.state.Apply(update.Diff)
	for _, id := range update.Diff.Removed {
		delete(c.acks, id)
	}
	c.pending = false
	if c.dirty {
		c.dirty = false
		if len(c.table) > 0 {
			return c.recomputeLocked()
		}
	}
	return nil
}

// Contracts returns a snapshot of the published contracts.
func (c *Coordinator) Contracts() map[contractpkg.ID]RegionContract {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Contracts()
}

// ContractForKey returns the published contract containing the key.
func (c *Coordinator) ContractForKey(key []byte) (contractpkg.ID, RegionContract, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ContractForKey(key)
}

// History returns the branch history the coordinator maintains.
func (c *Coordinator) History() *branchpkg.History {
	return c.history
}

// Diagnostics samples the coordinator's counters.
func (c *Coordinator) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := 0
	for _, set := range c.acks {
		pending += len(set)
	}
	return Diagnostics{
		Contracts:   c.state.Len(),
		Branches:    c.history.Len(),
		Recomputes:  c.recomputes,
		Published:   c.published,
		Retired:     c.retired,
		Elections:   c.elections,
		HandOvers:   c.handOvers,
		PendingAcks: pending,
	}
}
