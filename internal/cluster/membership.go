package cluster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const rosterFileName = "members.json"

// roster is the durable record of peer addresses. It is rewritten on every
// membership change so a restarted node can dial the group before raft has
// replayed the conf changes to it.
type roster struct {
	mu   sync.Mutex
	path string
}

func openRoster(dir string) (*roster, error) {
	if dir == "" {
		return nil, fmt.Errorf("cluster: roster directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: create roster directory: %w", err)
	}
	return &roster{path: filepath.Join(dir, rosterFileName)}, nil
}

// Load reads the persisted addresses; a missing file is an empty roster.
func (r *roster) Load() (map[uint64]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[uint64]string{}, nil
		}
		return nil, fmt.Errorf("cluster: read roster: %w", err)
	}
	var byID map[string]string
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("cluster: decode roster: %w", err)
	}
	members := make(map[uint64]string, len(byID))
	for key, addr := range byID {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cluster: roster entry %q: %w", key, err)
		}
		members[id] = addr
	}
	return members, nil
}

// Save replaces the roster file through a rename so readers never observe a
// partial write.
func (r *roster) Save(members map[uint64]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := make(map[string]string, len(members))
	for id, addr := range members {
		byID[strconv.FormatUint(id, 10)] = addr
	}
	data, err := json.MarshalIndent(byID, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
