package permission

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// storeKey is the fixed key the last observed permission state is persisted
// under. One origin, one microphone permission, one key.
const storeKey = "micbooth.permission.microphone"

// Store persists the last observed permission state so the UI can be
// pre-populated on the next startup without waiting for a live query. It is a
// cache, never a source of truth: callers must reconcile against a live query
// result whenever one is available.
type Store struct {
	db   *badger.DB
	path string
}

// OpenStore opens (or creates) the permission store at the given path. Badger
// holds an exclusive directory lock, so at most one open store may exist per
// path.
func OpenStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open permission store: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the directory the store was opened at.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// Save records the last observed permission state.
func (s *Store) Save(state State) error {
	if !state.Valid() {
		return fmt.Errorf("refusing to persist invalid permission state %q", state)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(storeKey), []byte(state))
	})
}

// Load returns the persisted state, or ok=false when nothing was persisted
// yet or the persisted value is not a valid state.
func (s *Store) Load() (State, bool, error) {
	var state State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(storeKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = State(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load permission state: %w", err)
	}
	if !state.Valid() {
		return "", false, nil
	}
	return state, true, nil
}

// Reconcile compares the persisted state against a live query result, updates
// the store when they diverge, and returns the authoritative state.
func (s *Store) Reconcile(live State) (State, error) {
	cached, ok, err := s.Load()
	if err != nil {
		return live, err
	}
	if !ok || cached != live {
		if err := s.Save(live); err != nil {
			return live, err
		}
	}
	return live, nil
}
