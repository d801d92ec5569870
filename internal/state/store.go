package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists a RunState to a single JSON file.
//
// There is exactly one writer per run (the orchestrator and the interrupt
// handler live in the same process), so no locking beyond the atomic
// rename is needed.
type Store struct {
	path   string
	logger *zap.Logger
	run    *RunState
}

// NewStore creates a store backed by the given file path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a persisted run is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Create starts a new run over the given items. It refuses to overwrite
// an existing run; callers must Reset first.
func (s *Store) Create(sourceListHash string, items []Item) (*RunState, error) {
	if s.Exists() {
		return nil, ErrRunExists
	}
	for i := range items {
		if items[i].Status == "" {
			items[i].Status = StatusPending
		}
	}
	s.run = &RunState{
		RunID:          uuid.New().String(),
		SourceListHash: sourceListHash,
		StartedAt:      time.Now().UTC(),
		Items:          items,
	}
	if err := s.save(); err != nil {
		s.run = nil
		return nil, err
	}
	s.logger.Info("run state created",
		zap.String("path", s.path),
		zap.Int("items", len(items)))
	return s.run, nil
}

// Load reads the persisted run and verifies it was created from the same
// task list content. A mismatch fails loudly without mutating anything.
func (s *Store) Load(sourceListHash string) (*RunState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("reading run state: %w", err)
	}

	var run RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run state %s: %w", s.path, err)
	}

	if run.SourceListHash != sourceListHash {
		return nil, fmt.Errorf("%w: stored %.12s, supplied %.12s",
			ErrListChanged, run.SourceListHash, sourceListHash)
	}

	s.run = &run
	return s.run, nil
}

// LoadAny reads the persisted run without a fingerprint check. Used by
// status reporting, which must be able to inspect any run.
func (s *Store) LoadAny() (*RunState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	var run RunState
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run state %s: %w", s.path, err)
	}
	s.run = &run
	return s.run, nil
}

// Reset removes the persisted run.
func (s *Store) Reset() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing run state: %w", err)
	}
	s.run = nil
	return nil
}

// Run returns the in-memory run. Mutations must go through Update so
// they are persisted.
func (s *Store) Run() *RunState {
	return s.run
}

// Len returns the number of items in the run, zero when none is loaded.
func (s *Store) Len() int {
	if s.run == nil {
		return 0
	}
	return len(s.run.Items)
}

// Item returns a copy of the item at index i.
func (s *Store) Item(i int) (Item, error) {
	if s.run == nil || i < 0 || i >= len(s.run.Items) {
		return Item{}, ErrIndexOutOfRange
	}
	return s.run.Items[i], nil
}

// Update mutates the item at index i and persists the whole run
// atomically. The mutation is applied in memory first; if the write
// fails the in-memory change is kept and the error reported, so a later
// write can still land it.
func (s *Store) Update(i int, mutate func(*Item)) error {
	if s.run == nil || i < 0 || i >= len(s.run.Items) {
		return ErrIndexOutOfRange
	}
	mutate(&s.run.Items[i])
	return s.save()
}

// save writes the run to a temp file and renames it over the target.
func (s *Store) save() error {
	if s.run == nil {
		return ErrNoRun
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(s.run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing run state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing run state: %w", err)
	}
	return nil
}
