package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/open-aasx-index/harvester/internal/harvest"
)

// StateFile persists the harvest state as pretty-printed JSON.
type StateFile struct {
	path string
}

// NewStateFile binds the state document to its file path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the underlying file path.
func (s *StateFile) Path() string { return s.path }

// Load reads the persisted state. A missing file yields a fresh state, not
// an error, so first runs need no setup step.
func (s *StateFile) Load() (harvest.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return harvest.NewState(), nil
		}
		return harvest.State{}, fmt.Errorf("read state: %w", err)
	}
	st, err := harvest.UnmarshalState(data)
	if err != nil {
		return harvest.State{}, fmt.Errorf("parse state %s: %w", s.path, err)
	}
	return st, nil
}

// Save writes the state atomically: to a temp file first, then renamed over
// the old one, so a crash mid-write never truncates the state.
func (s *StateFile) Save(st harvest.State) error {
	data, err := harvest.MarshalState(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Reconcile folds the catalog's URLs and hashes into the state's seen sets.
// The catalog is the durable record; running this at load time means a
// state file lost or reset out of band cannot cause re-downloads.
func Reconcile(st *harvest.State, entries []harvest.CatalogEntry) {
	st.Normalize()
	for _, entry := range entries {
		if entry.File.URL != "" {
			st.SeenURLs.Add(entry.File.URL)
		}
		if entry.File.SHA256 != "" {
			st.SeenSHA256.Add(entry.File.SHA256)
		}
	}
}

// Deduplicate drops candidates whose URL was already harvested or appears
// earlier in the same batch. Order is preserved.
func Deduplicate(candidates []harvest.Candidate, st harvest.State) []harvest.Candidate {
	var fresh []harvest.Candidate
	inBatch := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if c.URL == "" || st.SeenURLs.Has(c.URL) {
			continue
		}
		if _, dup := inBatch[c.URL]; dup {
			continue
		}
		inBatch[c.URL] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh
}
