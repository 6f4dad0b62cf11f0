package branch

import (
	"sync"

	"github.com/google/uuid"

	regionpkg "tabula/internal/region"
)

// ID uniquely identifies a branch of write history. The zero value is the
// root of history that every table starts on.
type ID uuid.UUID

// NewID allocates a fresh branch identifier.
func NewID() ID {
	return ID(uuid.New())
}

// IsNil reports whether the id is the root-of-history sentinel.
func (id ID) IsNil() bool {
	return id == ID{}
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(data []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(data); err != nil {
		return err
	}
	*id = ID(u)
	return nil
}

// Timestamp orders writes within a single branch.
type Timestamp uint64

// Version is a position in write history: a timestamp on a branch.
type Version struct {
	Branch    ID        `json:"branch"`
	Timestamp Timestamp `json:"timestamp"`
}

// Origin records, for one region, the parent branch and the timestamp at
// which a branch diverged from it.
type Origin struct {
	Region    regionpkg.KeyRange `json:"region"`
	Parent    ID                 `json:"parent"`
	Timestamp Timestamp          `json:"timestamp"`
}

// Record is the per-branch entry in the history DAG. A branch created for
// several contiguous regions in one batch carries one origin per region.
type Record struct {
	Origins []Origin `json:"origins"`
}

func (r Record) originFor(rng regionpkg.KeyRange) (Origin, bool) {
	for _, org := range r.Origins {
		if org.Region.Contains(rng.Start) {
			return org, true
		}
	}
	return Origin{}, false
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{Origins: make([]Origin, len(r.Origins))}
	for i, org := range r.Origins {
		out.Origins[i] = Origin{
			Region:    org.Region.Clone(),
			Parent:    org.Parent,
			Timestamp: org.Timestamp,
		}
	}
	return out
}

// History is the append-only DAG of write-history branches.
type History struct {
	mu      sync.RWMutex
	records map[ID]Record
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{records: make(map[ID]Record)}
}

// Add registers a branch record. Existing records are never replaced; the
// history is append-only.
func (h *History) Add(id ID, rec Record) {
	if id.IsNil() {
		return
	}
	h.mu.Lock()
	if _, exists := h.records[id]; !exists {
		h.records[id] = rec.Clone()
	}
	h.mu.Unlock()
}

// Record returns the stored record for a branch.
func (h *History) Record(id ID) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Records returns a snapshot of all branch records.
func (h *History) Records() map[ID]Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[ID]Record, len(h.records))
	for id, rec := range h.records {
		out[id] = rec.Clone()
	}
	return out
}

// Len returns the number of registered branches.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// OriginStarts returns the start key of every region referenced as an origin
// anywhere in the history. These are the points where version comparability
// changes.
func (h *History) OriginStarts() []regionpkg.Key {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []regionpkg.Key
	for _, rec := range h.records {
		for _, org := range rec.Origins {
			out = append(out, append(regionpkg.Key(nil), org.Region.Start...))
		}
	}
	return out
}

// Allocate mints a new branch rooted at the given version for one region.
func (h *History) Allocate(at Version, rng regionpkg.KeyRange) ID {
	id := NewID()
	h.mu.Lock()
	h.records[id] = Record{Origins: []Origin{{
		Region:    rng.Clone(),
		Parent:    at.Branch,
		Timestamp: at.Timestamp,
	}}}
	h.mu.Unlock()
	return id
}

// AddOrigin extends an existing branch with an origin for another region.
// Used when one allocation batch spans several contiguous regions.
func (h *History) AddOrigin(id ID, at Version, rng regionpkg.KeyRange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		return
	}
	rec.Origins = append(rec.Origins, Origin{
		Region:    rng.Clone(),
		Parent:    at.Branch,
		Timestamp: at.Timestamp,
	})
	h.records[id] = rec
}

// Project computes the timestamp of a version along the ancestry of the
// target branch within one region. It walks parent links from the target
// until it reaches the version's branch, clamping at every divergence point
// passed on the way. The second return is false when the version's branch is
// not an ancestor of the target for this region.
func (h *History) Project(v Version, target ID, rng regionpkg.KeyRange) (Timestamp, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	limit := Timestamp(^uint64(0))
	cur := target
	for steps := 0; steps <= len(h.records); steps++ {
		if cur == v.Branch {
			if v.Timestamp < limit {
				return v.Timestamp, true
			}
			return limit, true
		}
		rec, ok := h.records[cur]
		if !ok {
			return 0, false
		}
		org, ok := rec.originFor(rng)
		if !ok {
			return 0, false
		}
		if org.Timestamp < limit {
			limit = org.Timestamp
		}
		cur = org.Parent
	}
	return 0, false
}
