// Package state persists the per-strategy snapshot the engine needs to
// survive a restart. Writes are synchronous and atomic: the caller does
// not proceed until the new state is durably on disk.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halcyonlabs/spreadkeeper/internal/models"
)

// Store is the snapshot persistence contract.
type Store interface {
	// Load reads the snapshot, returning a fresh one when none exists.
	Load() (*models.PersistedState, error)
	// Save writes the snapshot durably before returning.
	Save(*models.PersistedState) error
}

// JSONStore persists the snapshot as a JSON file, written to a temp file
// and renamed into place so a crash mid-write cannot corrupt the
// previous snapshot.
type JSONStore struct {
	mu         sync.Mutex
	path       string
	strategyID string
}

// NewJSONStore creates a store for one strategy's snapshot file.
func NewJSONStore(path, strategyID string) (*JSONStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &JSONStore{path: path, strategyID: strategyID}, nil
}

// Load reads the snapshot from disk. A missing file yields a fresh empty
// snapshot; a corrupt or foreign file is an error, never silently reset.
func (s *JSONStore) Load() (*models.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return models.NewPersistedState(s.strategyID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var snap models.PersistedState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}

	if snap.StrategyID != "" && snap.StrategyID != s.strategyID {
		return nil, fmt.Errorf("state file %s belongs to strategy %q, not %q",
			s.path, snap.StrategyID, s.strategyID)
	}

	if err := migrate(&snap); err != nil {
		return nil, err
	}
	snap.StrategyID = s.strategyID

	return &snap, nil
}

// Save writes the snapshot atomically. It returns only after the rename
// has completed, so a state the caller considers persisted actually is.
func (s *JSONStore) Save(snap *models.PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = models.CurrentStateVersion
	snap.StrategyID = s.strategyID
	snap.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// migrate upgrades older snapshot schemas in place.
func migrate(snap *models.PersistedState) error {
	switch {
	case snap.Version == models.CurrentStateVersion:
		return nil
	case snap.Version < models.CurrentStateVersion:
		// Version 1 predates the trading_day field; leaving it empty makes
		// the next event of the day run the rollover, which is correct.
		snap.Version = models.CurrentStateVersion
		return nil
	default:
		return fmt.Errorf("state file version %d is newer than this build supports (%d)",
			snap.Version, models.CurrentStateVersion)
	}
}

// Ensure JSONStore implements Store at compile time.
var _ Store = (*JSONStore)(nil)
