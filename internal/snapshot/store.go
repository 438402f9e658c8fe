// Package snapshot holds the most recent fetched option chain per
// symbol plus its freshness metadata. The store is the only mutable
// shared resource in the fetch pipeline: the dispatcher writes it on
// worker success, the coalescer and API read it.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cmazur/dealspread/internal/models"
)

// Store is an in-memory per-symbol snapshot cache, safe for concurrent
// use. Writes replace the whole snapshot; snapshots must be treated as
// immutable once stored.
type Store struct {
	mu    sync.RWMutex
	snaps map[string]*models.ChainSnapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{snaps: make(map[string]*models.ChainSnapshot)}
}

// Get returns the most recent snapshot for a symbol, or false if the
// symbol has never been populated.
func (s *Store) Get(symbol string) (*models.ChainSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[symbol]
	return snap, ok
}

// Put adopts a snapshot for a symbol. Writes are monotonic in
// FetchedAt: a snapshot older than the one already stored is rejected,
// so a slow worker finishing late cannot clobber a newer refresh. The
// return value reports whether the write was adopted.
func (s *Store) Put(symbol string, snap *models.ChainSnapshot) bool {
	if snap == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[symbol]; ok && snap.FetchedAt.Before(cur.FetchedAt) {
		return false
	}
	s.snaps[symbol] = snap
	return true
}

// AgeOf returns how old the stored snapshot for a symbol is, or false
// if the symbol has never been populated.
func (s *Store) AgeOf(symbol string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[symbol]
	if !ok {
		return 0, false
	}
	return time.Since(snap.FetchedAt), true
}

// Symbols returns the populated symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.snaps))
	for sym := range s.snaps {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

type persistedState struct {
	Snapshots map[string]*models.ChainSnapshot `json:"snapshots"`
	SavedAt   time.Time                        `json:"saved_at"`
}

// SaveTo writes the store contents to a JSON file so a restart can
// start warm. The write goes through a temp file and an atomic rename.
func (s *Store) SaveTo(path string) error {
	s.mu.RLock()
	state := persistedState{
		Snapshots: make(map[string]*models.ChainSnapshot, len(s.snaps)),
		SavedAt:   time.Now(),
	}
	for sym, snap := range s.snaps {
		state.Snapshots[sym] = snap
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshots: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating snapshot dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshots: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFrom merges persisted snapshots into the store. A missing file is
// not an error; existing newer entries win per the Put monotonicity.
func (s *Store) LoadFrom(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshots: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding snapshots: %w", err)
	}
	for sym, snap := range state.Snapshots {
		if sym == "" || snap == nil {
			continue
		}
		s.Put(sym, snap)
	}
	return nil
}
