package render

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pagemill/pagemill/pkg/logger"
)

// flushDebounce is how long the store waits after a mutation before writing
// the snapshot. Every mutation supersedes a pending flush.
const flushDebounce = 100 * time.Millisecond

// Store is the single source of truth for the set of known jobs. All reads
// return copies; mutations go through Put/Update/Delete so the persisted
// snapshot stays in sync. One mutex covers both the map and the debounce
// timer handle.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	path     string
	debounce time.Duration
	timer    *time.Timer
	dirty    bool
	closed   bool
	flushErr error
	now      func() time.Time
}

// NewStore creates a store persisting to the snapshot file at path. The file
// and its directory are created on the first flush.
func NewStore(path string) *Store {
	return &Store{
		jobs:     make(map[string]*Job),
		path:     path,
		debounce: flushDebounce,
		now:      time.Now,
	}
}

// Put inserts or replaces a job record.
func (s *Store) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Key] = job.Clone()
	s.markDirtyLocked()
}

// Get returns a copy of the job for key.
func (s *Store) Get(key string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Delete removes the record for key. It does not touch artifact files.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[key]; !ok {
		return false
	}
	delete(s.jobs, key)
	s.markDirtyLocked()
	return true
}

// DeleteIfNotProcessing removes the record for key unless the job is
// currently processing. Returns the removed record so the caller can clean
// up its artifact file.
func (s *Store) DeleteIfNotProcessing(key string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || j.Status == StatusProcessing {
		return nil, false
	}
	delete(s.jobs, key)
	s.markDirtyLocked()
	return j, true
}

// List returns a copy of every job record.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// Len returns the number of records, terminal ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Update atomically applies fn to the job for key and bumps UpdatedAt.
// Returns a copy of the updated job, or false when the key is unknown.
func (s *Store) Update(key string, fn func(*Job)) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return nil, false
	}
	fn(j)
	j.UpdatedAt = s.now()
	s.markDirtyLocked()
	return j.Clone(), true
}

// Admit performs the duplicate / capacity admission check and inserts the job
// when it passes. When a completed job with the same key exists it is
// returned as an idempotent hit and nothing is inserted.
func (s *Store) Admit(job *Job, maxSize int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[job.Key]; ok {
		if existing.Status == StatusCompleted {
			return existing.Clone(), nil
		}
		if !existing.Status.Terminal() {
			return nil, ErrDuplicateKey
		}
		// Failed or cancelled records are replaced by a fresh submission.
	} else if maxSize > 0 && len(s.jobs) >= maxSize {
		// Capacity counts every record, terminal ones included.
		return nil, ErrQueueFull
	}
	now := s.now()
	job.Status = StatusQueued
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.Key] = job.Clone()
	s.markDirtyLocked()
	return nil, nil
}

// TryMarkProcessing atomically transitions key from queued to processing,
// refusing when the job is no longer queued or when maxConcurrent jobs are
// already processing. This is what makes the concurrency ceiling exact even
// when several selection passes race.
func (s *Store) TryMarkProcessing(key string, maxConcurrent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || j.Status != StatusQueued {
		return false
	}
	processing := 0
	for _, other := range s.jobs {
		if other.Status == StatusProcessing {
			processing++
		}
	}
	if maxConcurrent > 0 && processing >= maxConcurrent {
		return false
	}
	j.Status = StatusProcessing
	j.UpdatedAt = s.now()
	s.markDirtyLocked()
	return true
}

// CleanupOlderThan deletes terminal jobs whose UpdatedAt is older than age
// and returns the count removed. Artifact files are left to the filesystem
// housekeeping pass.
func (s *Store) CleanupOlderThan(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-age)
	removed := 0
	for key, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, key)
			removed++
		}
	}
	if removed > 0 {
		s.markDirtyLocked()
	}
	return removed
}

// Load reads the snapshot from disk. Jobs found in processing state had their
// browser work interrupted and are rewritten to queued with zero progress.
// A missing file is a normal first start; a corrupted file is logged and
// treated as empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	var records []*Job
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Warnf("store: snapshot %s is corrupted, starting empty: %v", s.path, err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range records {
		if j == nil || j.Key == "" {
			continue
		}
		if j.Status == StatusProcessing {
			j.Status = StatusQueued
			j.Progress = 0
		}
		s.jobs[j.Key] = j
	}
	return nil
}

// Flush writes the snapshot synchronously. Used on shutdown; routine
// persistence goes through the debounced path.
func (s *Store) Flush() error {
	s.mu.Lock()
	records := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()
	err := s.write(records)
	s.mu.Lock()
	s.flushErr = err
	s.mu.Unlock()
	return err
}

// LastFlushErr returns the error from the most recent snapshot write, or nil
// when it succeeded. Surfaced by the readiness probe.
func (s *Store) LastFlushErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushErr
}

// Close stops the debounce timer and performs a final flush.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.Flush()
}

// markDirtyLocked schedules a debounced flush. Callers must hold s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Reset(s.debounce)
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.flushDebounced)
}

func (s *Store) flushDebounced() {
	s.mu.Lock()
	if s.closed || !s.dirty {
		s.mu.Unlock()
		return
	}
	records := s.snapshotLocked()
	s.dirty = false
	s.timer = nil
	s.mu.Unlock()

	err := s.write(records)
	s.mu.Lock()
	s.flushErr = err
	if err != nil {
		// Log-only: a disk error never fails the mutation that caused the
		// flush. Re-arm so the write is retried.
		s.markDirtyLocked()
	}
	s.mu.Unlock()
	if err != nil {
		logger.Errorf("store: snapshot flush failed: %v", err)
	}
}

// snapshotLocked copies all records sorted by creation time for a stable
// on-disk layout. Callers must hold s.mu.
func (s *Store) snapshotLocked() []*Job {
	records := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		records = append(records, j.Clone())
	}
	sort.Slice(records, func(i, k int) bool {
		if records[i].CreatedAt.Equal(records[k].CreatedAt) {
			return records[i].Key < records[k].Key
		}
		return records[i].CreatedAt.Before(records[k].CreatedAt)
	})
	return records
}

// write serialises records and replaces the snapshot atomically
// (tmp file + rename) so a crash mid-write never leaves a torn file.
func (s *Store) write(records []*Job) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
