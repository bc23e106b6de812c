// Package runstate persists one durable, resumable state record per
// run. Records are plain JSON files under a run-scoped directory;
// every save is atomic (write-new-then-rename) and version-checked so
// an accidental second writer is rejected rather than interleaved.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
)

const (
	stateFile  = "state.json"
	cancelFile = "cancel"
)

// Store reads and writes run state records under a root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir. Directories are created
// lazily on first save.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// RunDir returns the run-scoped directory for a run id.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

func (s *Store) statePath(runID string) string {
	return filepath.Join(s.RunDir(runID), stateFile)
}

func (s *Store) archivePath(runID string) string {
	return filepath.Join(s.root, "archive", runID+".json")
}

// Load returns the state record for a run, or ErrRunNotFound.
func (s *Store) Load(runID string) (*domain.Run, error) {
	data, err := os.ReadFile(s.statePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", runID, domain.ErrRunNotFound)
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}

	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run state %s: %w", runID, err)
	}
	return &run, nil
}

// Save persists a run record. The caller's copy must carry the version
// it loaded; a mismatch with the stored record returns
// ErrStateConflict and leaves the stored record untouched. The phase
// history may only grow.
func (s *Store) Save(run *domain.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}

	existing, err := s.Load(run.ID)
	if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
		return err
	}

	if existing != nil {
		if existing.Version != run.Version {
			return fmt.Errorf("run %s: stored version %d, caller has %d: %w",
				run.ID, existing.Version, run.Version, domain.ErrStateConflict)
		}
		if len(run.PhaseHistory) < len(existing.PhaseHistory) {
			return fmt.Errorf("run %s: phase history shrank from %d to %d: %w",
				run.ID, len(existing.PhaseHistory), len(run.PhaseHistory), domain.ErrStateConflict)
		}
	} else if run.Version != 0 {
		return fmt.Errorf("run %s: no stored record for version %d: %w",
			run.ID, run.Version, domain.ErrStateConflict)
	}

	run.Version++
	run.UpdatedAt = time.Now().UTC()

	dir := s.RunDir(run.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}

	return atomicWrite(s.statePath(run.ID), data)
}

// atomicWrite writes data to a temp file in the target directory,
// syncs it, then renames over the destination.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, stateFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// List returns all non-archived run records.
func (s *Store) List() ([]*domain.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var runs []*domain.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := s.Load(e.Name())
		if err != nil {
			if errors.Is(err, domain.ErrRunNotFound) {
				continue // directory without a state file yet
			}
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// RequestCancel marks a run for termination. The marker is a separate
// file so the single-writer rule on the state record holds; the
// executor observes it between phases.
func (s *Store) RequestCancel(runID string) error {
	dir := s.RunDir(runID)
	if _, err := os.Stat(filepath.Join(dir, stateFile)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", runID, domain.ErrRunNotFound)
		}
		return err
	}
	return os.WriteFile(filepath.Join(dir, cancelFile), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644)
}

// CancelRequested reports whether a cancel marker exists for the run.
func (s *Store) CancelRequested(runID string) bool {
	_, err := os.Stat(filepath.Join(s.RunDir(runID), cancelFile))
	return err == nil
}

// ClearCancel removes the cancel marker if present.
func (s *Store) ClearCancel(runID string) error {
	err := os.Remove(filepath.Join(s.RunDir(runID), cancelFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Archive moves a terminal run's record out of the active set. The
// record is preserved under archive/, never deleted.
func (s *Store) Archive(runID string) (*domain.Run, error) {
	run, err := s.Load(runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, fmt.Errorf("run %s is %s, only terminal runs can be archived", runID, run.Status)
	}

	now := time.Now().UTC()
	run.ArchivedAt = &now

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode run state: %w", err)
	}

	dest := s.archivePath(runID)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	if err := atomicWrite(dest, data); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(s.RunDir(runID)); err != nil {
		return nil, fmt.Errorf("remove run dir after archive: %w", err)
	}
	return run, nil
}

// LoadArchived returns an archived run record.
func (s *Store) LoadArchived(runID string) (*domain.Run, error) {
	data, err := os.ReadFile(s.archivePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", runID, domain.ErrRunNotFound)
		}
		return nil, err
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse archived run %s: %w", runID, err)
	}
	return &run, nil
}
