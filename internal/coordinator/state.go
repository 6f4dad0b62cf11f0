package coordinator

import (
	"bytes"
	"sort"

	"github.com/google/btree"

	contractpkg "tabula/internal/contract"
	regionpkg "tabula/internal/region"
)

// RegionContract pairs a published contract with the region it covers.
type RegionContract struct {
	Region   regionpkg.KeyRange   `json:"region"`
	Contract contractpkg.Contract `json:"contract"`
}

// Diff is the atomic change set produced by one recomputation: contracts to
// publish and ids of contracts they supersede.
type Diff struct {
	Updated map[contractpkg.ID]RegionContract `json:"updated,omitempty"`
	Removed []contractpkg.ID                  `json:"removed,omitempty"`
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return len(d.Updated) == 0 && len(d.Removed) == 0
}

type indexEntry struct {
	start regionpkg.Key
	id    contractpkg.ID
}

func indexLess(a, b indexEntry) bool {
	return bytes.Compare(a.start, b.start) < 0
}

// State is the map of contracts last published for a table, indexed by the
// start key of each region for covering-contract lookup. Regions are
// disjoint, so start keys are unique.
type State struct {
	contracts map[contractpkg.ID]RegionContract
	index     *btree.BTreeG[indexEntry]
}

// NewState creates an empty published state.
func NewState() *State {
	return &State{
		contracts: make(map[contractpkg.ID]RegionContract),
		index:     btree.NewG(2, indexLess),
	}
}

// NewStateFromContracts builds a state from a persisted contract map.
func NewStateFromContracts(contracts map[contractpkg.ID]RegionContract) *State {
	s := NewState()
	for id, rc := range contracts {
		s.put(id, rc)
	}
	return s
}

func (s *State) put(id contractpkg.ID, rc RegionContract) {
	s.contracts[id] = RegionContract{
		Region:   rc.Region.Clone(),
		Contract: rc.Contract.Clone(),
	}
	s.index.ReplaceOrInsert(indexEntry{start: rc.Region.Start, id: id})
}

func (s *State) remove(id contractpkg.ID) {
	rc, ok := s.contracts[id]
	if !ok {
		return
	}
	if entry, found := s.index.Get(indexEntry{start: rc.Region.Start}); found && entry.id == id {
		s.index.Delete(entry)
	}
	delete(s.contracts, id)
}

// Apply folds a diff into the state. Applying the same diff twice is a no-op.
func (s *State) Apply(d Diff) {
	for _, id := range d.Removed {
		s.remove(id)
	}
	for id, rc := range d.Updated {
		s.put(id, rc)
	}
}

// Len returns the number of published contracts.
func (s *State) Len() int {
	return len(s.contracts)
}

// Get returns the published contract with the given id.
func (s *State) Get(id contractpkg.ID) (RegionContract, bool) {
	rc, ok := s.contracts[id]
	if !ok {
		return RegionContract{}, false
	}
	return RegionContract{Region: rc.Region.Clone(), Contract: rc.Contract.Clone()}, true
}

// ContractForKey returns the contract whose region contains the key.
func (s *State) ContractForKey(key regionpkg.Key) (contractpkg.ID, RegionContract, bool) {
	var found *indexEntry
	s.index.DescendLessOrEqual(indexEntry{start: key}, func(entry indexEntry) bool {
		found = &entry
		return false
	})
	if found == nil {
		return contractpkg.ID{}, RegionContract{}, false
	}
	rc := s.contracts[found.id]
	if !rc.Region.Contains(key) {
		return contractpkg.ID{}, RegionContract{}, false
	}
	return found.id, RegionContract{Region: rc.Region.Clone(), Contract: rc.Contract.Clone()}, true
}

// Contracts returns a snapshot of all published contracts.
func (s *State) Contracts() map[contractpkg.ID]RegionContract {
	out := make(map[contractpkg.ID]RegionContract, len(s.contracts))
	for id, rc := range s.contracts {
		out[id] = RegionContract{Region: rc.Region.Clone(), Contract: rc.Contract.Clone()}
	}
	return out
}

// RegionStarts returns the start key of every published region.
func (s *State) RegionStarts() []regionpkg.Key {
	out := make([]regionpkg.Key, 0, len(s.contracts))
	s.index.Ascend(func(entry indexEntry) bool {
		out = append(out, append(regionpkg.Key(nil), entry.start...))
		return true
	})
	return out
}

// IDs returns all published contract ids in a deterministic order.
func (s *State) IDs() []contractpkg.ID {
	ids := make([]contractpkg.ID, 0, len(s.contracts))
	for id := range s.contracts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}
