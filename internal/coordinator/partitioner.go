package coordinator

import (
	"bytes"
	"sort"

	branchpkg "tabula/internal/branch"
	contractpkg "tabula/internal/contract"
	regionpkg "tabula/internal/region"
)

// Acks holds all acknowledgments the coordinator currently knows, keyed by
// the contract each ack was sent for.
type Acks map[contractpkg.ID]contractpkg.AckSet

// Recompute breaks the key space into chunks small enough that the desired
// table configuration, the old contracts, the acks and the branch history
// are homogeneous across each chunk, runs the contract calculator once per
// chunk, coalesces adjacent identical results, and assembles the diff
// against the previously published contracts.
//
// Neither the state nor the history is mutated; the caller applies the
// returned diff. Branches minted by elections during this recomputation are
// returned as records alongside the diff, and enter the history only when
// the diff does.
func Recompute(
	state *State,
	table contractpkg.Table,
	acks Acks,
	history *branchpkg.History,
) (Diff, map[branchpkg.ID]branchpkg.Record) {
	splits := splitPoints(state, table, history)
	alloc := &batchAllocator{records: make(map[branchpkg.ID]branchpkg.Record)}

	type chunkResult struct {
		rng      regionpkg.KeyRange
		contract contractpkg.Contract
		oldID    contractpkg.ID
		hasOld   bool
	}
	results := make([]chunkResult, 0, len(splits))
	for i, start := range splits {
		var end regionpkg.Key
		if i+1 < len(splits) {
			end = splits[i+1]
		}
		chunk := regionpkg.KeyRange{Start: start, End: end}

		shard, ok := table.ShardFor(start)
		if !ok {
			continue
		}
		oldID, oldRC, hasOld := state.ContractForKey(start)
		oldContract := oldRC.Contract
		if !hasOld {
			// A chunk newly carved out by a configuration change starts from
			// a seed contract derived from the shard alone.
			oldContract = seedContract(shard)
		}

		alloc.chunk = chunk
		next := contractpkg.Calculate(chunk, oldContract, shard, acks[oldID], history, alloc)
		results = append(results, chunkResult{
			rng:      chunk,
			contract: next,
			oldID:    oldID,
			hasOld:   hasOld,
		})
	}

	// Coalesce adjacent chunks whose computed contracts are identical, so a
	// long run of identical inputs does not fragment the table over time.
	type run struct {
		rng      regionpkg.KeyRange
		contract contractpkg.Contract
		oldIDs   []contractpkg.ID
	}
	runs := make([]run, 0, len(results))
	for _, res := range results {
		if n := len(runs); n > 0 &&
			runs[n-1].rng.Adjoins(res.rng) &&
			runs[n-1].contract.Equal(res.contract) {
			runs[n-1].rng.End = res.rng.End
			if res.hasOld {
				runs[n-1].oldIDs = appendID(runs[n-1].oldIDs, res.oldID)
			}
			continue
		}
		r := run{rng: res.rng, contract: res.contract}
		if res.hasOld {
			r.oldIDs = []contractpkg.ID{res.oldID}
		}
		runs = append(runs, r)
	}

	// Contract identity is stable: a run that reproduces one old contract
	// over exactly its old region keeps the old id and stays out of the
	// diff. Everything else gets a fresh id, and every old contract not
	// kept is retired in the same diff.
	kept := make(map[contractpkg.ID]struct{})
	updated := make(map[contractpkg.ID]RegionContract)
	for _, r := range runs {
		if len(r.oldIDs) == 1 {
			if old, ok := state.Get(r.oldIDs[0]); ok &&
				old.Region.Equal(r.rng) && old.Contract.Equal(r.contract) {
				kept[r.oldIDs[0]] = struct{}{}
				continue
			}
		}
		updated[contractpkg.NewID()] = RegionContract{Region: r.rng, Contract: r.contract}
	}

	var removed []contractpkg.ID
	for _, id := range state.IDs() {
		if _, ok := kept[id]; !ok {
			removed = append(removed, id)
		}
	}

	return Diff{Updated: updated, Removed: removed}, alloc.records
}

// seedContract synthesizes the initial contract for a region that has no
// predecessor: every desired replica is immediately a voter, there is no
// primary, and writes are on the root of history.
func seedContract(shard contractpkg.Shard) contractpkg.Contract {
	return contractpkg.Contract{
		Replicas: shard.Replicas.Clone(),
		Voters:   shard.Replicas.Clone(),
	}
}

// splitPoints returns the ordered union of every key at which any input may
// change: shard boundaries, old region boundaries, and the boundaries of
// regions referenced as origins in the branch history. No other points are
// introduced.
func splitPoints(state *State, table contractpkg.Table, history *branchpkg.History) []regionpkg.Key {
	seen := map[string]struct{}{"": {}}
	add := func(k regionpkg.Key) {
		seen[string(k)] = struct{}{}
	}
	for _, shard := range table {
		add(shard.Range.Start)
	}
	for _, start := range state.RegionStarts() {
		add(start)
	}
	for _, start := range history.OriginStarts() {
		add(start)
	}
	keys := make([]regionpkg.Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, regionpkg.Key(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
	return keys
}

func appendID(ids []contractpkg.ID, id contractpkg.ID) []contractpkg.ID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// batchAllocator hands out branch ids during one recomputation, collecting
// the new records instead of writing them into the shared history. Requests
// from contiguous chunks with the same server and source version share one
// branch, so an election spanning several chunks does not proliferate
// branches; the shared branch simply gains one origin per chunk.
type batchAllocator struct {
	records map[branchpkg.ID]branchpkg.Record
	chunk   regionpkg.KeyRange

	havePrev   bool
	prevServer contractpkg.ServerID
	prevAt     branchpkg.Version
	prevEnd    regionpkg.Key
	prevID     branchpkg.ID
}

func (a *batchAllocator) NewBranch(server contractpkg.ServerID, at branchpkg.Version) branchpkg.ID {
	origin := branchpkg.Origin{
		Region:    a.chunk.Clone(),
		Parent:    at.Branch,
		Timestamp: at.Timestamp,
	}
	if a.havePrev && a.prevServer == server && a.prevAt == at &&
		len(a.prevEnd) > 0 && bytes.Equal(a.prevEnd, a.chunk.Start) {
		rec := a.records[a.prevID]
		rec.Origins = append(rec.Origins, origin)
		a.records[a.prevID] = rec
		a.prevEnd = a.chunk.End
		return a.prevID
	}
	id := branchpkg.NewID()
	a.records[id] = branchpkg.Record{Origins: []branchpkg.Origin{origin}}
	a.havePrev = true
	a.prevServer = server
	a.prevAt = at
	a.prevEnd = a.chunk.End
	a.prevID = id
	return id
}
