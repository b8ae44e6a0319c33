package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// TranscriptStore persists one append-only record-per-line file per
// session id. Appends to the same session are serialized; different
// sessions proceed in parallel.
type TranscriptStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewTranscriptStore creates the store rooted at dir.
func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &TranscriptStore{
		dir:    dir,
		logger: slog.Default().With("component", "transcripts"),
		locks:  make(map[string]*sessionLock),
	}, nil
}

// Append writes one message record and syncs it to disk before
// returning, so the append survives a crash immediately after.
func (s *TranscriptStore) Append(sessionID string, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	f, err := os.OpenFile(s.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}
	return nil
}

// Read returns the last limit messages (all when limit <= 0) in append
// order. A corrupt line is skipped with a warning; it never fails the
// read.
func (s *TranscriptStore) Read(sessionID string, limit int) ([]*models.Message, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	f, err := os.Open(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var messages []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("skipping corrupt transcript line",
				"session_id", sessionID, "line", line, "error", err)
			continue
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *TranscriptStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".transcript")
}

// lockSession acquires the per-session lock, creating it on demand.
// Locks are refcounted so the map does not grow without bound.
func (s *TranscriptStore) lockSession(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}
