package render

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagemill/pagemill/internal/safety"
)

type serviceRig struct {
	store  *Store
	sched  *Scheduler
	svc    *Service
	engine *fakeEngine
	out    string
}

func newServiceRig(t *testing.T, kind Kind, maxQueue int, engine *fakeEngine) *serviceRig {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "jobs.json"))
	t.Cleanup(func() { store.Close() })
	sched := NewScheduler(store, 1)
	out := filepath.Join(dir, "output")
	worker := NewWorker(kind, store, sched, engine, WorkerConfig{
		OutputDir:         out,
		ProcessingTimeout: 5 * time.Second,
	})
	sched.OnProcess(worker.Process)
	sched.Start()
	t.Cleanup(sched.Stop)

	svc := NewService(kind, store, sched, maxQueue,
		safety.SanitizeHTML,
		func(raw string) error { return safety.ValidateURL(raw, true) },
		PDFDefaults{Format: "A4", PrintBackground: true},
	)
	return &serviceRig{store: store, sched: sched, svc: svc, engine: engine, out: out}
}

func pdfEngine() *fakeEngine {
	return &fakeEngine{make: func() *fakeSession {
		return &fakeSession{data: []byte("%PDF-1.4")}
	}}
}

func waitTerminal(t *testing.T, rig *serviceRig, key string) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, ok := rig.svc.Status(key)
		if !ok || !j.Status.Terminal() {
			return false
		}
		job = j
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitValidation(t *testing.T) {
	rig := newServiceRig(t, KindPDF, 10, pdfEngine())

	_, err := rig.svc.Submit(SubmitRequest{Key: "bad key!", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = rig.svc.Submit(SubmitRequest{Key: "a", SourceKind: SourceInlineHTML, Source: "   "})
	require.ErrorIs(t, err, ErrUnsafeSource)

	_, err = rig.svc.Submit(SubmitRequest{Key: "a", SourceKind: SourceRemoteURL, Source: "ftp://example.com/x"})
	require.ErrorIs(t, err, ErrUnsafeSource)

	_, err = rig.svc.Submit(SubmitRequest{Key: "a", SourceKind: "carrier-pigeon", Source: "<p>x</p>"})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSubmitRendersBasicPDF(t *testing.T) {
	rig := newServiceRig(t, KindPDF, 10, pdfEngine())

	job, err := rig.svc.Submit(SubmitRequest{
		Key:        "invoice-1",
		SourceKind: SourceInlineHTML,
		Source:     "<h1>Hi</h1>",
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, job.Status)
	// config defaults were merged in
	require.Equal(t, "A4", job.Options.PDF.Format)
	require.True(t, job.Options.PDF.PrintBackground)

	done := waitTerminal(t, rig, "invoice-1")
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, 100, done.Progress)
	require.Regexp(t, `\d{2}-\d{2}-\d{4}[/\\]invoice-1__\d{2}-\d{2}-\d{2}\.pdf$`, done.FilePath)
	info, err := os.Stat(done.FilePath)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestSubmitPriorityJump(t *testing.T) {
	var mu sync.Mutex
	var order []string
	hold := make(chan struct{})

	engine := &fakeEngine{}
	engine.make = func() *fakeSession {
		s := &fakeSession{data: []byte("%PDF")}
		s.onLoad = func(job *Job) {
			mu.Lock()
			order = append(order, job.Key)
			block := job.Key == "blocker"
			mu.Unlock()
			if block {
				<-hold
			}
		}
		return s
	}
	rig := newServiceRig(t, KindPDF, 10, engine)

	// occupy the single slot
	_, err := rig.svc.Submit(SubmitRequest{Key: "blocker", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := rig.svc.Status("blocker")
		return j != nil && j.Status == StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	// A first at priority 1, then B at priority 10
	_, err = rig.svc.Submit(SubmitRequest{Key: "a-low", SourceKind: SourceInlineHTML, Source: "<p>a</p>",
		Options: Options{Priority: 1}})
	require.NoError(t, err)
	_, err = rig.svc.Submit(SubmitRequest{Key: "b-high", SourceKind: SourceInlineHTML, Source: "<p>b</p>",
		Options: Options{Priority: 10}})
	require.NoError(t, err)

	close(hold)
	waitTerminal(t, rig, "a-low")
	waitTerminal(t, rig, "b-high")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"blocker", "b-high", "a-low"}, order)
}

func TestSubmitIdempotentHit(t *testing.T) {
	rig := newServiceRig(t, KindPDF, 10, pdfEngine())

	_, err := rig.svc.Submit(SubmitRequest{Key: "x", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)
	done := waitTerminal(t, rig, "x")
	require.Equal(t, StatusCompleted, done.Status)
	statsBefore := rig.svc.Stats()

	again, err := rig.svc.Submit(SubmitRequest{Key: "x", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, again.Status)
	require.Equal(t, done.FilePath, again.FilePath)
	require.Equal(t, statsBefore, rig.svc.Stats())
}

func TestSubmitReCreate(t *testing.T) {
	rig := newServiceRig(t, KindPDF, 10, pdfEngine())

	_, err := rig.svc.Submit(SubmitRequest{Key: "x", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)
	first := waitTerminal(t, rig, "x")
	require.Equal(t, StatusCompleted, first.Status)

	// hold the re-render: within the same second the new artifact gets the
	// same filename as the old one, so removal is observed before it exists
	hold := make(chan struct{})
	rig.engine.make = func() *fakeSession {
		s := &fakeSession{data: []byte("%PDF-1.4")}
		s.onLoad = func(*Job) { <-hold }
		return s
	}
	job, err := rig.svc.Submit(SubmitRequest{Key: "x", SourceKind: SourceInlineHTML, Source: "<p>x</p>", ReCreate: true})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, job.Status)
	// the old artifact is gone
	_, err = os.Stat(first.FilePath)
	require.True(t, os.IsNotExist(err))

	close(hold)
	second := waitTerminal(t, rig, "x")
	require.Equal(t, StatusCompleted, second.Status)
	_, err = os.Stat(second.FilePath)
	require.NoError(t, err)
}

func TestSubmitDuplicateAndQueueFull(t *testing.T) {
	engine := &fakeEngine{}
	hold := make(chan struct{})
	engine.make = func() *fakeSession {
		s := &fakeSession{data: []byte("%PDF")}
		s.onLoad = func(*Job) { <-hold }
		return s
	}
	defer close(hold)
	rig := newServiceRig(t, KindPDF, 2, engine)

	_, err := rig.svc.Submit(SubmitRequest{Key: "a", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)
	_, err = rig.svc.Submit(SubmitRequest{Key: "a", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.ErrorIs(t, err, ErrDuplicateKey)

	_, err = rig.svc.Submit(SubmitRequest{Key: "b", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)
	_, err = rig.svc.Submit(SubmitRequest{Key: "c", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestSubmitClampsPriority(t *testing.T) {
	engine := &fakeEngine{}
	hold := make(chan struct{})
	engine.make = func() *fakeSession {
		s := &fakeSession{data: []byte("%PDF")}
		s.onLoad = func(*Job) { <-hold }
		return s
	}
	defer close(hold)
	rig := newServiceRig(t, KindPDF, 10, engine)

	job, err := rig.svc.Submit(SubmitRequest{Key: "hot", SourceKind: SourceInlineHTML, Source: "<p>x</p>",
		Options: Options{Priority: 99}})
	require.NoError(t, err)
	require.Equal(t, PriorityMax, job.Priority)

	job, err = rig.svc.Submit(SubmitRequest{Key: "default", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)
	require.Equal(t, PriorityDefault, job.Priority)
}

func TestOpenArtifact(t *testing.T) {
	rig := newServiceRig(t, KindPDF, 10, pdfEngine())

	_, err := rig.svc.OpenArtifact("missing")
	require.ErrorIs(t, err, ErrNotFound)

	hold := make(chan struct{})
	rig.engine.make = func() *fakeSession {
		s := &fakeSession{data: []byte("%PDF-1.4 artifact")}
		s.onLoad = func(*Job) { <-hold }
		return s
	}
	_, err = rig.svc.Submit(SubmitRequest{Key: "doc", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := rig.svc.Status("doc")
		return j != nil && j.Status == StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	// not ready while processing, and the error carries the status
	_, err = rig.svc.OpenArtifact("doc")
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	require.Equal(t, StatusProcessing, notReady.Status)

	close(hold)
	done := waitTerminal(t, rig, "doc")
	require.Equal(t, StatusCompleted, done.Status)

	h, err := rig.svc.OpenArtifact("doc")
	require.NoError(t, err)
	data, err := io.ReadAll(h.Reader())
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Equal(t, "%PDF-1.4 artifact", string(data))
	require.Equal(t, int64(len(data)), h.Size)
	require.Equal(t, "application/pdf", h.MIME)

	// the completed record survives, but the file vanished
	require.NoError(t, os.Remove(done.FilePath))
	_, err = rig.svc.OpenArtifact("doc")
	require.ErrorIs(t, err, ErrArtifactMissing)
}

func TestCancelDuringProcessing(t *testing.T) {
	rig := &serviceRig{}
	engine := &fakeEngine{}
	engine.make = func() *fakeSession {
		s := &fakeSession{data: []byte("%PDF")}
		s.onPrepare = func() { rig.svc.Cancel("victim") }
		return s
	}
	*rig = *newServiceRig(t, KindPDF, 10, engine)

	_, err := rig.svc.Submit(SubmitRequest{Key: "victim", SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
	require.NoError(t, err)

	done := waitTerminal(t, rig, "victim")
	require.Equal(t, StatusCancelled, done.Status)
	matches, _ := filepath.Glob(filepath.Join(rig.out, "*", "victim__*"))
	require.Empty(t, matches)
}

func TestCrashRecoveryResumesQueuedJobs(t *testing.T) {
	dir := t.TempDir()
	snapshot := filepath.Join(dir, "jobs.json")

	// seed a snapshot with queued, processing and completed jobs, the way a
	// crashed instance would have left it
	seed := NewStore(snapshot)
	seed.Put(testJob("was-queued", StatusQueued))
	inFlight := testJob("was-processing", StatusProcessing)
	inFlight.Progress = 40
	seed.Put(inFlight)
	doneJob := testJob("was-done", StatusCompleted)
	doneJob.Progress = 100
	doneJob.FilePath = filepath.Join(dir, "was-done.pdf")
	seed.Put(doneJob)
	require.NoError(t, seed.Close())

	// restart: load the snapshot and let the scheduler resume
	store := NewStore(snapshot)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Load())

	sched := NewScheduler(store, 1)
	engine := pdfEngine()
	worker := NewWorker(KindPDF, store, sched, engine, WorkerConfig{
		OutputDir:         filepath.Join(dir, "output"),
		ProcessingTimeout: 5 * time.Second,
	})
	sched.OnProcess(worker.Process)
	sched.Start()
	t.Cleanup(sched.Stop)

	recovered, ok := store.Get("was-processing")
	require.True(t, ok)
	require.Equal(t, StatusQueued, recovered.Status)
	require.Equal(t, 0, recovered.Progress)
	untouched, _ := store.Get("was-done")
	require.Equal(t, StatusCompleted, untouched.Status)

	sched.Trigger()
	require.Eventually(t, func() bool {
		a, _ := store.Get("was-queued")
		b, _ := store.Get("was-processing")
		return a.Status == StatusCompleted && b.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrencyCeilingHolds(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	engine := &fakeEngine{}
	engine.make = func() *fakeSession {
		s := &fakeSession{data: []byte("%PDF")}
		s.onLoad = func(*Job) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}
		return s
	}
	rig := newServiceRig(t, KindPDF, 50, engine)

	for _, key := range []string{"j1", "j2", "j3", "j4", "j5", "j6"} {
		_, err := rig.svc.Submit(SubmitRequest{Key: key, SourceKind: SourceInlineHTML, Source: "<p>x</p>"})
		require.NoError(t, err)
	}
	for _, key := range []string{"j1", "j2", "j3", "j4", "j5", "j6"} {
		require.Equal(t, StatusCompleted, waitTerminal(t, rig, key).Status)
	}
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 1)
}

func TestSubmitUnsafeURLRejected(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "jobs.json"))
	defer store.Close()
	sched := NewScheduler(store, 1)
	svc := NewService(KindScreenshot, store, sched, 10,
		safety.SanitizeHTML,
		func(raw string) error { return safety.ValidateURL(raw, false) },
		PDFDefaults{},
	)

	_, err := svc.Submit(SubmitRequest{Key: "snoop", SourceKind: SourceRemoteURL, Source: "http://127.0.0.1:8080/admin"})
	require.ErrorIs(t, err, ErrUnsafeSource)
	require.True(t, errors.Is(err, ErrUnsafeSource))
	require.Equal(t, 0, store.Len())
}
