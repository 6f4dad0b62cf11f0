package contract

import (
	"fmt"

	regionpkg "tabula/internal/region"
)

// Shard is the user-desired placement for one contiguous slice of the table.
type Shard struct {
	Range          regionpkg.KeyRange `json:"range"`
	Replicas       ServerSet          `json:"replicas"`
	PrimaryReplica ServerID           `json:"primaryReplica"`
}

// Table is the full desired configuration: shards ordered by start key,
// covering the whole key space with no gaps or overlaps.
type Table []Shard

// ShardFor returns the shard whose range contains the provided key.
func (t Table) ShardFor(key regionpkg.Key) (Shard, bool) {
	for _, sh := range t {
		if sh.Range.Contains(key) {
			return sh, true
		}
	}
	return Shard{}, false
}

// Validate checks that the shards are ordered and cover the key space.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("contract: table has no shards")
	}
	if len(t[0].Range.Start) != 0 {
		return fmt.Errorf("contract: first shard must start at the beginning of the key space")
	}
	for i, sh := range t {
		if sh.Replicas.Len() == 0 {
			return fmt.Errorf("contract: shard %d has no replicas", i)
		}
		if !sh.Replicas.Has(sh.PrimaryReplica) {
			return fmt.Errorf("contract: shard %d primary %d is not a replica", i, sh.PrimaryReplica)
		}
		if i+1 < len(t) {
			if len(sh.Range.End) == 0 {
				return fmt.Errorf("contract: shard %d is unbounded but not last", i)
			}
			if !sh.Range.Adjoins(t[i+1].Range) {
				return fmt.Errorf("contract: shard %d does not adjoin shard %d", i, i+1)
			}
		} else if len(sh.Range.End) != 0 {
			return fmt.Errorf("contract: last shard must extend to the end of the key space")
		}
	}
	return nil
}
