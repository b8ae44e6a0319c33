package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxRunRecords bounds the per-job run history ring.
const maxRunRecords = 50

// RunLog keeps the last maxRunRecords run records per job, one JSON
// record per line under cron/runs/<jobID>.log. It is persisted
// out-of-band from the catalog so run history churn never rewrites
// jobs.json.
type RunLog struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewRunLog creates a run log rooted at dir.
func NewRunLog(dir string) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cron runs dir: %w", err)
	}
	return &RunLog{
		dir:    dir,
		logger: slog.Default().With("component", "cron"),
	}, nil
}

// Append adds one record, trimming the file to the ring bound.
func (l *RunLog) Append(rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readLocked(rec.JobID)
	if err != nil {
		return err
	}
	records = append(records, rec)
	if len(records) > maxRunRecords {
		records = records[len(records)-maxRunRecords:]
	}
	return l.writeLocked(rec.JobID, records)
}

// Read returns the retained records for jobID in append order.
func (l *RunLog) Read(jobID string) ([]RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(jobID)
}

// Remove deletes the run history for jobID.
func (l *RunLog) Remove(jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Remove(l.path(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run log: %w", err)
	}
	return nil
}

func (l *RunLog) readLocked(jobID string) ([]RunRecord, error) {
	f, err := os.Open(l.path(jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var records []RunRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			l.logger.Warn("skipping corrupt run record", "job_id", jobID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	return records, nil
}

func (l *RunLog) writeLocked(jobID string, records []RunRecord) error {
	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run record: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	path := l.path(jobID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename run log: %w", err)
	}
	return nil
}

func (l *RunLog) path(jobID string) string {
	return filepath.Join(l.dir, jobID+".log")
}
