package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pagemill/pagemill/internal/artifact"
	"github.com/pagemill/pagemill/pkg/logger"
	"github.com/pagemill/pagemill/pkg/metrics"
)

// WorkerConfig carries the scheduling tunables a worker needs.
type WorkerConfig struct {
	OutputDir         string
	ProcessingTimeout time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
}

// Worker executes one job per process event: it reserves a slot, drives a
// browser session through load, prepare and capture, writes the artifact and
// records the terminal state. Failures are retried; only the last failed
// attempt reaches the store.
type Worker struct {
	kind   Kind
	store  *Store
	sched  *Scheduler
	engine Engine
	cfg    WorkerConfig
	now    func() time.Time
}

// NewWorker wires a worker for one kind. Register its Process method on the
// scheduler.
func NewWorker(kind Kind, store *Store, sched *Scheduler, engine Engine, cfg WorkerConfig) *Worker {
	return &Worker{
		kind:   kind,
		store:  store,
		sched:  sched,
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Process runs the full attempt loop for one selected job. It is invoked by
// the scheduler on its own goroutine.
func (w *Worker) Process(job *Job) {
	if !w.sched.MarkProcessing(job.Key) {
		// Cancelled or raced between selection and execution.
		return
	}
	metrics.JobsProcessing.WithLabelValues(string(w.kind)).Inc()
	defer metrics.JobsProcessing.WithLabelValues(string(w.kind)).Dec()
	// Let the scheduler fill the next free slot while this one runs.
	w.sched.Trigger()
	defer w.sched.Trigger()

	start := w.now()
	attempts := w.cfg.RetryAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := w.attempt(job)
		if err == nil {
			metrics.RendersCompleted.WithLabelValues(string(w.kind)).Inc()
			metrics.RenderDuration.WithLabelValues(string(w.kind)).Observe(time.Since(start).Seconds())
			return
		}
		if errors.Is(err, ErrCancelled) {
			logger.Infof("worker[%s]: job %s cancelled", w.kind, job.Key)
			metrics.RendersCancelled.WithLabelValues(string(w.kind)).Inc()
			return
		}
		lastErr = err
		if attempt < attempts {
			logger.Warnf("worker[%s]: job %s attempt %d/%d failed: %v", w.kind, job.Key, attempt, attempts, err)
			if w.sleepCancelled(job.Key, w.cfg.RetryDelay) {
				metrics.RendersCancelled.WithLabelValues(string(w.kind)).Inc()
				return
			}
		}
	}

	// A cancellation that raced the failing attempt wins over the failure.
	if cur, ok := w.store.Get(job.Key); !ok || cur.Status == StatusCancelled {
		metrics.RendersCancelled.WithLabelValues(string(w.kind)).Inc()
		return
	}

	logger.Errorf("worker[%s]: job %s failed after %d attempts: %v", w.kind, job.Key, attempts, lastErr)
	msg := lastErr.Error()
	w.store.Update(job.Key, func(j *Job) {
		j.Status = StatusFailed
		j.Error = msg
	})
	metrics.RendersFailed.WithLabelValues(string(w.kind)).Inc()
}

// attempt drives one bounded render attempt. A nil return means the job is
// completed and recorded; ErrCancelled means the cooperative abort was taken.
func (w *Worker) attempt(job *Job) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ProcessingTimeout)
	defer cancel()

	var sess Session
	if job.Options.Browser.Launch != nil {
		// Per-job launch options force a private browser; the shared pool
		// instance cannot be reconfigured per job.
		sess, err = w.engine.NewDedicatedSession(ctx, job.Options.Browser)
	} else {
		sess, err = w.engine.NewSession(ctx, job.Options.Browser)
	}
	if err != nil {
		return w.describe(err, "acquire browser")
	}
	defer sess.Close()

	defer func() {
		if err != nil && !errors.Is(err, ErrCancelled) && w.kind == KindPDF {
			err = w.attachDiagnostic(sess, job, err)
		}
	}()

	w.progress(job.Key, 10)
	if err := sess.Load(ctx, job); err != nil {
		return w.describe(err, "load content")
	}
	w.progress(job.Key, 40)

	if err := sess.Prepare(ctx, job, func(p int) { w.progress(job.Key, p) }); err != nil {
		return w.describe(err, "prepare page")
	}

	// Cancellation checkpoint: re-read the job just before capture.
	if cur, ok := w.store.Get(job.Key); !ok || cur.Status == StatusCancelled {
		return ErrCancelled
	}

	data, err := sess.Capture(ctx, job)
	if err != nil {
		return w.describe(err, "capture")
	}
	w.progress(job.Key, 70)

	now := w.now()
	dir := filepath.Join(w.cfg.OutputDir, artifact.DateFolder(now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, artifact.Filename(job.Key, job.Extension(), now))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}

	w.store.Update(job.Key, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = 100
		j.FilePath = path
		j.Error = ""
	})
	logger.Infof("worker[%s]: job %s completed: %s", w.kind, job.Key, path)
	return nil
}

// attachDiagnostic takes a best-effort screenshot of the failed page and
// suffixes its path onto the attempt error. Diagnostic failures are logged
// and swallowed.
func (w *Worker) attachDiagnostic(sess Session, job *Job, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shot, err := sess.Diagnostic(ctx)
	if err != nil || len(shot) == 0 {
		if err != nil {
			logger.Debugf("worker[%s]: diagnostic screenshot for %s failed: %v", w.kind, job.Key, err)
		}
		return cause
	}
	now := w.now()
	dir := filepath.Join(w.cfg.OutputDir, artifact.DateFolder(now))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Debugf("worker[%s]: diagnostic dir for %s failed: %v", w.kind, job.Key, err)
		return cause
	}
	path := filepath.Join(dir, artifact.ErrorScreenshotFilename(job.Key, now))
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		logger.Debugf("worker[%s]: diagnostic write for %s failed: %v", w.kind, job.Key, err)
		return cause
	}
	return fmt.Errorf("%w (screenshot: %s)", cause, path)
}

// describe classifies attempt errors, surfacing the timeout case distinctly.
func (w *Worker) describe(err error, stage string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w during %s", ErrTimedOut, stage)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// sleepCancelled waits out the retry delay and reports whether the job was
// cancelled in the meantime.
func (w *Worker) sleepCancelled(key string, d time.Duration) bool {
	if d > 0 {
		time.Sleep(d)
	}
	cur, ok := w.store.Get(key)
	return !ok || cur.Status == StatusCancelled
}

// progress records a progress step. Progress never moves a terminal job.
func (w *Worker) progress(key string, p int) {
	w.store.Update(key, func(j *Job) {
		if j.Status == StatusProcessing {
			j.Progress = p
		}
	})
}
