package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	branchpkg "tabula/internal/branch"
	contractpkg "tabula/internal/contract"
)

const (
	storeFileName = "coordinator.meta"
	lockFileName  = "flock"

	contractBucketKey = "contracts"
	branchBucketKey   = "branches"
	metaBucketKey     = "meta"

	tableMetaKey = "table"
)

// ErrStoreInUse indicates another process holds the coordinator data dir.
var ErrStoreInUse = errors.New("coordinator: data directory is in use")

// Store persists the published contract map and branch history under one
// data directory, guarded by a file lock against concurrent processes.
type Store struct {
	db   *bolt.DB
	lock *flock.Flock
}

// OpenStore opens (creating if necessary) the store rooted at dir.
func OpenStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("coordinator: store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fileLock := flock.New(filepath.Join(dir, lockFileName))
	held, err := fileLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, ErrStoreInUse
	}

	db, err := bolt.Open(filepath.Join(dir, storeFileName), 0o600, &bolt.Options{Timeout: 0})
	if err != nil {
		_ = fileLock.Unlock()
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(contractBucketKey)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(branchBucketKey)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucketKey))
		return err
	}); err != nil {
		_ = db.Close()
		_ = fileLock.Unlock()
		return nil, err
	}
	return &Store{db: db, lock: fileLock}, nil
}

// SaveUpdate persists a replicated update: branch records first, then the
// contract diff, in one transaction.
func (s *Store) SaveUpdate(update Update) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		branches := tx.Bucket([]byte(branchBucketKey))
		if branches == nil {
			return fmt.Errorf("bucket %s missing", branchBucketKey)
		}
		for id, rec := range update.Branches {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := branches.Put(branchKey(id), data); err != nil {
				return err
			}
		}

		contracts := tx.Bucket([]byte(contractBucketKey))
		if contracts == nil {
			return fmt.Errorf("bucket %s missing", contractBucketKey)
		}
		for _, id := range update.Diff.Removed {
			if err := contracts.Delete(contractKey(id)); err != nil {
				return err
			}
		}
		for id, rc := range update.Diff.Updated {
			data, err := json.Marshal(rc)
			if err != nil {
				return err
			}
			if err := contracts.Put(contractKey(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadState rebuilds the published state from disk.
func (s *Store) LoadState() (*State, error) {
	contracts := make(map[contractpkg.ID]RegionContract)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(contractBucketKey))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var id contractpkg.ID
			if err := id.UnmarshalText(k); err != nil {
				return fmt.Errorf("decode contract id %q: %w", k, err)
			}
			var rc RegionContract
			if err := json.Unmarshal(v, &rc); err != nil {
				return fmt.Errorf("decode contract %s: %w", id, err)
			}
			contracts[id] = rc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return NewStateFromContracts(contracts), nil
}

// LoadHistory rebuilds the branch history from disk.
func (s *Store) LoadHistory() (*branchpkg.History, error) {
	history := branchpkg.NewHistory()
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(branchBucketKey))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var id branchpkg.ID
			if err := id.UnmarshalText(k); err != nil {
				return fmt.Errorf("decode branch id %q: %w", k, err)
			}
			var rec branchpkg.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode branch %s: %w", id, err)
			}
			history.Add(id, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// SaveTable persists the desired table configuration.
func (s *Store) SaveTable(table contractpkg.Table) error {
	data, err := json.Marshal(table)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucketKey))
		if meta == nil {
			return fmt.Errorf("bucket %s missing", metaBucketKey)
		}
		return meta.Put([]byte(tableMetaKey), data)
	})
}

// LoadTable reads the persisted table configuration, if any.
func (s *Store) LoadTable() (contractpkg.Table, error) {
	var table contractpkg.Table
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucketKey))
		if meta == nil {
			return nil
		}
		data := meta.Get([]byte(tableMetaKey))
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, &table)
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// Close releases the database and the directory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

func contractKey(id contractpkg.ID) []byte {
	return []byte(id.String())
}

func branchKey(id branchpkg.ID) []byte {
	return []byte(id.String())
}
