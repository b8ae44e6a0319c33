// Package sessions maps conversation identities to active sessions and
// stores the per-session transcripts.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

const indexFile = "index.json"

// Metadata describes the conversation on first contact. It is only used
// when GetOrCreate has to create a new entry.
type Metadata struct {
	Channel     models.ChannelType
	ChatType    models.ChatType
	GroupID     string
	DisplayName string
}

// Registry maps session keys to their active SessionEntry.
//
// Mutations (GetOrCreate, Rotate, SetModel) take an exclusive lock and
// rewrite the on-disk index via temp-then-rename. List reads an
// immutable snapshot and never blocks on the lock.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*models.SessionEntry
	snapshot atomic.Value // []models.SessionEntry
	dir      string
	logger   *slog.Logger
	now      func() time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithRegistryNow overrides the clock, for tests.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry loads the session index from dir, creating the directory
// if needed. A corrupt index is a fatal configuration error: the caller
// must repair or remove the file by hand.
func NewRegistry(dir string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*models.SessionEntry),
		dir:     dir,
		logger:  slog.Default().With("component", "sessions"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	path := filepath.Join(dir, indexFile)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh start.
	case err != nil:
		return nil, fmt.Errorf("read session index: %w", err)
	default:
		if err := json.Unmarshal(data, &r.entries); err != nil {
			return nil, fmt.Errorf("session index %s is corrupt (operator action required): %w", path, err)
		}
	}

	r.swapSnapshot()
	return r, nil
}

// GetOrCreate returns the active entry for key, creating it atomically
// if none exists. Concurrent first calls for the same key all observe
// the single created entry.
func (r *Registry) GetOrCreate(key string, meta Metadata) (*models.SessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return cloneEntry(e), nil
	}

	e := &models.SessionEntry{
		SessionKey:  key,
		SessionID:   uuid.NewString(),
		Channel:     meta.Channel,
		ChatType:    meta.ChatType,
		GroupID:     meta.GroupID,
		DisplayName: meta.DisplayName,
		CreatedAt:   r.now(),
	}
	r.entries[key] = e

	if err := r.persistLocked(); err != nil {
		delete(r.entries, key)
		return nil, err
	}
	r.swapSnapshot()

	r.logger.Info("session created", "key", key, "session_id", e.SessionID)
	return cloneEntry(e), nil
}

// Rotate allocates a fresh session id for key and returns the new
// entry. The old transcript stays on disk under the previous id.
func (r *Registry) Rotate(key string) (*models.SessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("rotate: no session for key %q", key)
	}

	old := e.SessionID
	e.SessionID = uuid.NewString()
	e.RotatedCount++
	e.CreatedAt = r.now()

	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	r.swapSnapshot()

	r.logger.Info("session rotated",
		"key", key,
		"old_session_id", old,
		"new_session_id", e.SessionID,
		"rotated_count", e.RotatedCount)
	return cloneEntry(e), nil
}

// SetModel records a per-session model override.
func (r *Registry) SetModel(key, model string) (*models.SessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("set model: no session for key %q", key)
	}
	e.Model = model
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	r.swapSnapshot()
	return cloneEntry(e), nil
}

// Get returns the active entry for key, if any.
func (r *Registry) Get(key string) (*models.SessionEntry, bool) {
	for _, e := range r.List() {
		if e.SessionKey == key {
			return &e, true
		}
	}
	return nil, false
}

// List returns a point-in-time snapshot of all active entries, sorted
// by session key.
func (r *Registry) List() []models.SessionEntry {
	snap, _ := r.snapshot.Load().([]models.SessionEntry)
	return snap
}

func (r *Registry) swapSnapshot() {
	snap := make([]models.SessionEntry, 0, len(r.entries))
	for _, e := range r.entries {
		snap = append(snap, *e)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].SessionKey < snap[j].SessionKey })
	r.snapshot.Store(snap)
}

// persistLocked rewrites the index via temp-then-rename. Caller holds mu.
func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	path := filepath.Join(r.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session index: %w", err)
	}
	return nil
}

func cloneEntry(e *models.SessionEntry) *models.SessionEntry {
	c := *e
	return &c
}
