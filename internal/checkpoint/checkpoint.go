// Package checkpoint persists resumable run state: which specialists
// have finished, the plan they were given, and the last finish payload
// to seed the next one. Writes are atomic (temp file + rename), the
// same pattern the teacher uses for its small JSON stores.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ausmarton/agentforge/pkg/runtypes"
)

const fileName = "checkpoint.json"

// Store reads and writes a single run's checkpoint file.
type Store struct {
	runDir string
}

// NewStore binds a Store to one run's directory.
func NewStore(runDir string) *Store {
	return &Store{runDir: runDir}
}

func (s *Store) path() string {
	return filepath.Join(s.runDir, fileName)
}

// Save atomically overwrites the checkpoint. UpdatedAt is stamped here
// so callers never forget it.
func (s *Store) Save(cp *runtypes.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := os.MkdirAll(s.runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	tmp := s.path() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open checkpoint temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync checkpoint temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// Load reads the checkpoint, if any. A missing file is not an error:
// it returns (nil, nil), meaning "nothing to resume".
func (s *Store) Load() (*runtypes.Checkpoint, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp runtypes.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Delete removes the checkpoint file once a run has fully completed.
// A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// MarkSpecialistDone appends id to CompletedSpecialistIDs (if not
// already present), records its finish payload as the seed for
// whichever specialist runs next, and saves the result.
func (s *Store) MarkSpecialistDone(cp *runtypes.Checkpoint, specialistID string, finishPayload json.RawMessage) error {
	if !containsID(cp.CompletedSpecialistIDs, specialistID) {
		cp.CompletedSpecialistIDs = append(cp.CompletedSpecialistIDs, specialistID)
	}
	cp.LastFinishPayload = finishPayload
	return s.Save(cp)
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// Pending returns the subset of plan.Briefs whose specialist id is not
// yet in CompletedSpecialistIDs, preserving plan order so a resumed
// sequential run continues where it left off.
func Pending(cp *runtypes.Checkpoint) []runtypes.SpecialistBrief {
	var pending []runtypes.SpecialistBrief
	for _, brief := range cp.Plan.Briefs {
		if !containsID(cp.CompletedSpecialistIDs, brief.SpecialistID) {
			pending = append(pending, brief)
		}
	}
	return pending
}
