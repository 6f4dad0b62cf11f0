package contract

import (
	"sort"

	branchpkg "tabula/internal/branch"
	regionpkg "tabula/internal/region"
)

// BranchAllocator mints a new branch of write history rooted at an existing
// version, to be hosted on the given server. Calculate calls it at most once
// per invocation; the caller is responsible for merging adjacent identical
// requests into one branch.
type BranchAllocator interface {
	NewBranch(server ServerID, at branchpkg.Version) branchpkg.ID
}

// Calculate computes the next contract for one region. The region never
// contains split points: the desired shard, the old contract and the acks are
// homogeneous across it. Acks are the reports replicas sent specifically for
// the old contract; a missing entry means the server has not acked it.
//
// The function is deterministic and never fails: inputs outside the expected
// shape are ignored. Whenever the result equals the old contract the caller
// keeps the old contract id, so an unchanged region produces no churn.
func Calculate(
	rng regionpkg.KeyRange,
	old Contract,
	cfg Shard,
	acks AckSet,
	history *branchpkg.History,
	alloc BranchAllocator,
) Contract {
	next := old.Clone()

	// If the desired configuration names servers the contract does not know
	// yet, add them to the replica set. Nothing is removed here.
	for server := range cfg.Replicas {
		if !next.Replicas.Has(server) {
			next.Replicas.Add(server)
		}
	}

	// If the voter set disagrees with the desired replicas and no transition
	// is in flight, consider starting one. The transition must not begin
	// before a majority of the new set can serve, or committing it would
	// open a write-availability gap.
	if !old.TempVoters.IsSet() && !old.Voters.Equal(cfg.Replicas) {
		streaming := 0
		for server := range cfg.Replicas {
			ack, ok := acks[server]
			if !ok {
				continue
			}
			if ack.State == AckSecondaryStreaming {
				streaming++
				continue
			}
			if p, hasPrimary := old.Primary.Get(); hasPrimary && p.Server == server {
				streaming++
			}
		}
		if streaming > cfg.Replicas.Len()/2 {
			next.TempVoters = Some(cfg.Replicas.Clone())
		}
	}

	// An in-flight transition commits once the primary reports PrimaryReady:
	// that is its promise that it already requires acks from a majority of
	// both voter sets and has backfilled every previously acked write to a
	// majority of the new set. The calculator trusts the signal rather than
	// verifying it.
	if tempVoters, ok := old.TempVoters.Get(); ok {
		if p, hasPrimary := old.Primary.Get(); hasPrimary {
			if ack, acked := acks[p.Server]; acked && ack.State == AckPrimaryReady {
				next.Voters = tempVoters.Clone()
				next.TempVoters = None[ServerSet]()
			}
		}
	}

	// A server no longer desired and holding no voting role is dropped from
	// the replica set. A primary in that position is not dropped directly;
	// it is replaced first, further down.
	removePrimary := false
	for server := range old.Replicas {
		if cfg.Replicas.Has(server) || old.Voters.Has(server) {
			continue
		}
		if tempVoters, ok := old.TempVoters.Get(); ok && tempVoters.Has(server) {
			continue
		}
		if p, hasPrimary := old.Primary.Get(); hasPrimary && p.Server == server {
			removePrimary = true
			continue
		}
		next.Replicas.Remove(server)
	}

	if !old.Primary.IsSet() {
		next.electPrimary(rng, old, cfg, acks, history, alloc)
	} else {
		next.reviewPrimary(old, cfg, acks, removePrimary)
	}

	// A live, unchanged primary is authoritative to self-assign the branch
	// it proposes; no allocator call is involved.
	if oldP, ok := old.Primary.Get(); ok {
		if newP, stillSet := next.Primary.Get(); stillSet && newP.Server == oldP.Server {
			if ack, acked := acks[oldP.Server]; acked &&
				ack.State == AckPrimaryNeedBranch && !ack.NewBranch.IsNil() {
				next.Branch = ack.NewBranch
			}
		}
	}

	return next
}

// electPrimary chooses a primary when none is set. Every acked write is on
// the path from the root of history to the old contract's branch, so each
// candidate's acked version is projected onto that path and candidates are
// ranked by position along it. The server id is a secondary sort key purely
// so repeated runs pick the same server.
func (c *Contract) electPrimary(
	rng regionpkg.KeyRange,
	old Contract,
	cfg Shard,
	acks AckSet,
	history *branchpkg.History,
	alloc BranchAllocator,
) {
	type candidate struct {
		ts     branchpkg.Timestamp
		server ServerID
	}
	candidates := make([]candidate, 0, c.Voters.Len())
	for server := range c.Voters {
		ack, ok := acks[server]
		if !ok || ack.State != AckSecondaryNeedPrimary {
			continue
		}
		ts, ok := history.Project(ack.Version, old.Branch, rng)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{ts: ts, server: server})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ts != candidates[j].ts {
			return candidates[i].ts < candidates[j].ts
		}
		return candidates[i].server < candidates[j].server
	})

	// A candidate is eligible only if it is at least as up to date as more
	// than half of the voters, itself included. No candidate clears that bar
	// unless a majority of voters responded at all. Among eligibles the
	// desired primary wins, otherwise the most up-to-date one.
	var elected ServerID
	haveElected := false
	for i := c.Voters.Len() / 2; i < len(candidates); i++ {
		elected = candidates[i].server
		haveElected = true
		if elected == cfg.PrimaryReplica {
			break
		}
	}
	if !haveElected {
		return
	}
	c.Primary = Some(Primary{Server: elected})
	c.Branch = alloc.NewBranch(elected, acks[elected].Version)
}

// reviewPrimary decides whether a live primary stays, hands over, or goes.
// Removal only clears the primary; the election happens on a later
// recomputation, once a majority of replicas have promised (by acking the
// primaryless contract) to stop accepting writes from the old primary.
func (c *Contract) reviewPrimary(old Contract, cfg Shard, acks AckSet, removePrimary bool) {
	oldP, _ := old.Primary.Get()

	// Quorum-based failover: when a majority of voters cannot reach the
	// primary, drop it. The precise condition only affects availability,
	// never safety.
	unreachable := 0
	for server := range c.Voters {
		if ack, ok := acks[server]; ok && ack.State == AckSecondaryNeedPrimary {
			unreachable++
		}
	}
	if unreachable > c.Voters.Len()/2 {
		removePrimary = true
	}

	desired := cfg.PrimaryReplica
	desiredAck, desiredAcked := acks[desired]
	switch {
	case removePrimary:
		c.Primary = None[Primary]()
	case oldP.Server != desired && desiredAcked && desiredAck.State == AckSecondaryStreaming:
		// The old primary is a valid replica but not the desired one, and
		// the desired one is ready to take over. Hand over first so that
		// after the old primary stops, the desired server is a candidate.
		handOver, handingOver := oldP.HandOver.Get()
		ack, acked := acks[oldP.Server]
		if handingOver && handOver == desired && acked && ack.State == AckPrimaryReady {
			// Hand-over complete; safe to retire the old primary.
			c.Primary = None[Primary]()
		} else {
			p := c.Primary.Value()
			p.HandOver = Some(desired)
			c.Primary = Some(p)
		}
	default:
		// Sticking with the current primary. If a hand-over was in progress
		// and conditions changed, clear it.
		p := c.Primary.Value()
		p.HandOver = None[ServerID]()
		c.Primary = Some(p)
	}
}
