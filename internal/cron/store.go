package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	catalogFile    = "jobs.json"
	catalogVersion = 1
)

type catalog struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Store persists the whole job catalog as cron/jobs.json, rewritten via
// temp-then-rename on every mutation. A corrupt catalog is fatal at
// startup: there is no automatic repair.
type Store struct {
	dir string
}

// NewStore creates a catalog store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load reads the catalog. A missing file is an empty catalog.
func (s *Store) Load() ([]*Job, error) {
	path := filepath.Join(s.dir, catalogFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron catalog: %w", err)
	}

	var cat catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("cron catalog %s is corrupt (operator action required): %w", path, err)
	}
	if cat.Version != catalogVersion {
		return nil, fmt.Errorf("cron catalog %s has unsupported version %d (operator action required)", path, cat.Version)
	}
	return cat.Jobs, nil
}

// Save rewrites the catalog atomically.
func (s *Store) Save(jobs []*Job) error {
	sorted := make([]*Job, len(jobs))
	copy(sorted, jobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := json.MarshalIndent(catalog{Version: catalogVersion, Jobs: sorted}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron catalog: %w", err)
	}

	path := filepath.Join(s.dir, catalogFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cron catalog: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cron catalog: %w", err)
	}
	return nil
}
