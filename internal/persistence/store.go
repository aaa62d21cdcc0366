// Package persistence durably snapshots plan state to disk as JSON, one
// file per plan, written atomically so a reader never observes a partial
// write (spec.md section 4.7).
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harrison/conductor/internal/filelock"
	"github.com/harrison/conductor/internal/models"
)

// Store persists PlanInstance snapshots under a directory, one JSON file
// per plan ID.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(planID string) string {
	return filepath.Join(s.dir, planID+".json")
}

// Save writes plan's current state to disk atomically. encoding/json
// already emits map[string]T keys in sorted order, so the Nodes/
// NodeStates/Groups/GroupStates maps round-trip as byte-identical JSON
// whenever plan state is unchanged (spec.md section 8, round-trip
// stability) without any extra ordering bookkeeping here.
func (s *Store) Save(plan *models.PlanInstance) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan snapshot: %w", err)
	}

	return filelock.LockAndWrite(s.pathFor(plan.ID), data)
}

// Load reads a plan's last-saved state back into a PlanInstance.
func (s *Store) Load(planID string) (*models.PlanInstance, error) {
	data, err := os.ReadFile(s.pathFor(planID))
	if err != nil {
		return nil, fmt.Errorf("read plan snapshot: %w", err)
	}

	var plan models.PlanInstance
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan snapshot: %w", err)
	}
	return &plan, nil
}

// Delete removes a plan's snapshot file, if present.
func (s *Store) Delete(planID string) error {
	err := os.Remove(s.pathFor(planID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete plan snapshot: %w", err)
	}
	return nil
}

// List returns the plan IDs with a persisted snapshot.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list persistence dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
