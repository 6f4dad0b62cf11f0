package contract

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	branchpkg "tabula/internal/branch"
)

// ServerID identifies a replica server hosting part of the table.
type ServerID uint64

// ID identifies a published contract. Identity is stable: a contract keeps
// its id for as long as its region and content are unchanged.
type ID uuid.UUID

// NewID allocates a fresh contract identifier.
func NewID() ID {
	return ID(uuid.New())
}

// IsNil reports whether the id is unset.
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

// ServerSet is an unordered set of servers.
type ServerSet map[ServerID]struct{}

// NewServerSet builds a set from the given ids.
func NewServerSet(ids ...ServerID) ServerSet {
	s := make(ServerSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s ServerSet) Has(id ServerID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts a server into the set.
func (s ServerSet) Add(id ServerID) {
	s[id] = struct{}{}
}

// Remove deletes a server from the set.
func (s ServerSet) Remove(id ServerID) {
	delete(s, id)
}

// Len returns the number of members.
func (s ServerSet) Len() int {
	return len(s)
}

// Clone returns an independent copy of the set.
func (s ServerSet) Clone() ServerSet {
	out := make(ServerSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Equal reports whether two sets have the same members.
func (s ServerSet) Equal(other ServerSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the members in ascending id order.
func (s ServerSet) Sorted() []ServerID {
	ids := maps.Keys(s)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarshalJSON encodes the set as a sorted array.
func (s ServerSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes the set from an array.
func (s *ServerSet) UnmarshalJSON(data []byte) error {
	var ids []ServerID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewServerSet(ids...)
	return nil
}

// Opt is an explicit optional value. The zero Opt is empty. Presence and
// absence are distinct states the calculator branches on, so they are never
// encoded as nil-pointer sentinels.
type Opt[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Opt[T] {
	return Opt[T]{value: v, ok: true}
}

// None returns the empty option.
func None[T any]() Opt[T] {
	return Opt[T]{}
}

// IsSet reports whether a value is present.
func (o Opt[T]) IsSet() bool {
	return o.ok
}

// Get returns the value and whether it is present.
func (o Opt[T]) Get() (T, bool) {
	return o.value, o.ok
}

// Value returns the value, or the zero value when absent.
func (o Opt[T]) Value() T {
	return o.value
}

// MarshalJSON encodes absence as null.
func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON decodes null as absence.
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Opt[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Primary records the server currently elected to accept writes for a region.
type Primary struct {
	Server ServerID `json:"server"`
	// WarmShutdown flags a pending graceful shutdown of this primary.
	WarmShutdown bool `json:"warmShutdown,omitempty"`
	// HandOver names the server this primary has been asked to transfer
	// its role to.
	HandOver Opt[ServerID] `json:"handOver"`
}

// Contract assigns replicas, voters and a primary to one region of the table.
type Contract struct {
	// Replicas is the monotonically managed membership: servers are added as
	// soon as they are desired and removed only once they hold no role.
	Replicas ServerSet `json:"replicas"`
	// Voters is the current write-quorum set.
	Voters ServerSet `json:"voters"`
	// TempVoters is present only while a two-phase voter transition is in
	// flight; it holds the target voter set.
	TempVoters Opt[ServerSet] `json:"tempVoters"`
	// Primary is present while a server is elected for this region.
	Primary Opt[Primary] `json:"primary"`
	// Branch identifies the segment of write history that is authoritative
	// for this region under this contract.
	Branch branchpkg.ID `json:"branch"`
}

// Clone returns a deep copy of the contract.
func (c Contract) Clone() Contract {
	out := c
	out.Replicas = c.Replicas.Clone()
	out.Voters = c.Voters.Clone()
	if tv, ok := c.TempVoters.Get(); ok {
		out.TempVoters = Some(tv.Clone())
	}
	return out
}

// Equal reports whether two contracts have identical content.
func (c Contract) Equal(other Contract) bool {
	if !c.Replicas.Equal(other.Replicas) || !c.Voters.Equal(other.Voters) {
		return false
	}
	tv, ok := c.TempVoters.Get()
	otv, ook := other.TempVoters.Get()
	if ok != ook || (ok && !tv.Equal(otv)) {
		return false
	}
	p, ok := c.Primary.Get()
	op, ook := other.Primary.Get()
	if ok != ook || (ok && p != op) {
		return false
	}
	return c.Branch == other.Branch
}
