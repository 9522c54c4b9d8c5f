package render

import (
	"os"
	"sort"
	"sync"

	"github.com/pagemill/pagemill/pkg/logger"
)

// Scheduler decides which queued job runs next, enforces the concurrency
// ceiling and hands selected jobs to the registered worker. One scheduler
// serves one kind; PDF and screenshot scheduling are independent.
type Scheduler struct {
	store         *Store
	maxConcurrent int

	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	process func(*Job)

	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler creates a scheduler over store with the given ceiling.
func NewScheduler(store *Store, maxConcurrent int) *Scheduler {
	return &Scheduler{
		store:         store,
		maxConcurrent: maxConcurrent,
		// Buffered size-1 channel: a pending trigger coalesces every further
		// Trigger call into the same selection pass.
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// OnProcess registers the worker callback invoked with each selected job.
// Must be called before Start.
func (s *Scheduler) OnProcess(fn func(*Job)) {
	s.process = fn
}

// Start launches the selection loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.started = true
		go s.run()
	})
}

// Stop terminates the selection loop. In-flight workers are not interrupted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started {
			<-s.done
		}
	})
}

// Trigger requests a selection pass. Non-blocking; a pass already pending
// absorbs the call.
func (s *Scheduler) Trigger() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
			s.pass()
		}
	}
}

// pass picks at most one runnable job and dispatches it. The job is still
// queued when handed over; the worker reserves it via MarkProcessing and
// exits silently when it lost that race.
func (s *Scheduler) pass() {
	if s.process == nil {
		return
	}
	job := s.selectNext()
	if job == nil {
		return
	}
	go s.process(job)
}

// selectNext returns the unique maximum of the ready set under
// (priority desc, createdAt asc, key asc), or nil when the ceiling is
// reached or nothing is queued.
func (s *Scheduler) selectNext() *Job {
	jobs := s.store.List()
	processing := 0
	ready := jobs[:0]
	for _, j := range jobs {
		switch j.Status {
		case StatusProcessing:
			processing++
		case StatusQueued:
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 || (s.maxConcurrent > 0 && processing >= s.maxConcurrent) {
		return nil
	}
	sort.Slice(ready, func(i, k int) bool {
		a, b := ready[i], ready[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return ready[0]
}

// MarkProcessing atomically reserves a slot for key. Returns false when the
// job was cancelled or removed between selection and execution, or when the
// ceiling is already met.
func (s *Scheduler) MarkProcessing(key string) bool {
	return s.store.TryMarkProcessing(key, s.maxConcurrent)
}

// Cancel sets the job to cancelled unless it is already terminal. A
// processing job observes the change cooperatively at its next checkpoint.
func (s *Scheduler) Cancel(key string) bool {
	cancelled := false
	s.store.Update(key, func(j *Job) {
		if !j.Status.Terminal() {
			j.Status = StatusCancelled
			cancelled = true
		}
	})
	if cancelled {
		s.Trigger()
	}
	return cancelled
}

// Remove deletes the job record and its artifact file. Removal is refused
// for jobs that are currently processing.
func (s *Scheduler) Remove(key string) bool {
	job, ok := s.store.DeleteIfNotProcessing(key)
	if !ok {
		return false
	}
	if job.FilePath != "" {
		if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
			// Log-only: the store-level removal stands even when the file
			// delete fails.
			logger.Warnf("scheduler: failed to remove artifact %s: %v", job.FilePath, err)
		}
	}
	return true
}

// Stats returns the per-status census for this kind.
func (s *Scheduler) Stats() Stats {
	var st Stats
	for _, j := range s.store.List() {
		st.Total++
		switch j.Status {
		case StatusQueued:
			st.Queued++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}
