package render

import (
	"fmt"
	"os"

	"github.com/pagemill/pagemill/internal/artifact"
	"github.com/pagemill/pagemill/pkg/metrics"
)

// SanitizeFunc cleans inline or uploaded HTML before admission.
type SanitizeFunc func(html string) (string, error)

// ValidateURLFunc vets a remote URL before admission.
type ValidateURLFunc func(rawURL string) error

// PDFDefaults are the config-snapshot PDF settings merged into submissions
// that leave the corresponding options unset.
type PDFDefaults struct {
	Format          string
	MarginTop       string
	MarginRight     string
	MarginBottom    string
	MarginLeft      string
	PrintBackground bool
}

// Service is the idempotent entry point for one render kind: it validates,
// sanitizes, de-duplicates and enqueues submissions, and serves job queries
// and artifact downloads. The HTTP adapter talks only to this type.
type Service struct {
	kind         Kind
	store        *Store
	sched        *Scheduler
	maxQueueSize int
	sanitize     SanitizeFunc
	validateURL  ValidateURLFunc
	pdfDefaults  PDFDefaults
}

// NewService wires the facade for one kind. pdfDefaults only matters for the
// PDF kind; the screenshot service passes the zero value.
func NewService(kind Kind, store *Store, sched *Scheduler, maxQueueSize int, sanitize SanitizeFunc, validateURL ValidateURLFunc, pdfDefaults PDFDefaults) *Service {
	return &Service{
		kind:         kind,
		store:        store,
		sched:        sched,
		maxQueueSize: maxQueueSize,
		sanitize:     sanitize,
		validateURL:  validateURL,
		pdfDefaults:  pdfDefaults,
	}
}

// Kind returns the render kind this service schedules.
func (s *Service) Kind() Kind { return s.kind }

// SubmitRequest is one rendering submission.
type SubmitRequest struct {
	Key        string
	SourceKind SourceKind
	Source     string
	Options    Options
	ReCreate   bool
}

// Submit admits a job and returns the live record. With ReCreate the prior
// record and artifact are removed first; otherwise an existing completed job
// is returned as-is (idempotent hit).
func (s *Service) Submit(req SubmitRequest) (*Job, error) {
	if !ValidKey(req.Key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, req.Key)
	}

	source := req.Source
	switch req.SourceKind {
	case SourceInlineHTML, SourceUploadedHTML:
		clean, err := s.sanitize(source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsafeSource, err)
		}
		source = clean
	case SourceRemoteURL:
		if err := s.validateURL(source); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsafeSource, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", ErrInvalidKey, req.SourceKind)
	}

	if req.ReCreate {
		// Removal deletes the store entry and the old artifact; it refuses
		// when the job is processing, which surfaces below as duplicate-key.
		s.sched.Remove(req.Key)
	}

	opts := req.Options
	opts.Priority = ClampPriority(opts.Priority)
	if opts.Browser.TimeoutMs > 120000 {
		opts.Browser.TimeoutMs = 120000
	}
	if opts.Browser.WaitAfterMs > 60000 {
		opts.Browser.WaitAfterMs = 60000
	}
	if s.kind == KindPDF {
		s.applyPDFDefaults(&opts.PDF)
	}
	job := &Job{
		Key:        req.Key,
		Kind:       s.kind,
		SourceKind: req.SourceKind,
		Source:     source,
		Options:    opts,
		Priority:   opts.Priority,
	}

	existing, err := s.store.Admit(job, s.maxQueueSize)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Idempotent hit on a completed record.
		return existing, nil
	}

	metrics.SubmissionsTotal.WithLabelValues(string(s.kind)).Inc()
	s.sched.Trigger()
	admitted, _ := s.store.Get(req.Key)
	return admitted, nil
}

// applyPDFDefaults fills unset PDF options from the config snapshot. The
// default format is skipped when the submission carries explicit dimensions.
func (s *Service) applyPDFDefaults(p *PDFOptions) {
	if p.Format == "" && p.Width == "" && p.Height == "" {
		p.Format = s.pdfDefaults.Format
	}
	if p.MarginTop == "" && p.MarginRight == "" && p.MarginBottom == "" && p.MarginLeft == "" {
		p.MarginTop = s.pdfDefaults.MarginTop
		p.MarginRight = s.pdfDefaults.MarginRight
		p.MarginBottom = s.pdfDefaults.MarginBottom
		p.MarginLeft = s.pdfDefaults.MarginLeft
	}
	if !p.PrintBackground {
		p.PrintBackground = s.pdfDefaults.PrintBackground
	}
}

// Status returns a copy of the job for key.
func (s *Service) Status(key string) (*Job, bool) {
	return s.store.Get(key)
}

// Cancel requests cancellation; see Scheduler.Cancel for semantics.
func (s *Service) Cancel(key string) bool {
	return s.sched.Cancel(key)
}

// Remove force-deletes the record and artifact; refused while processing.
func (s *Service) Remove(key string) bool {
	return s.sched.Remove(key)
}

// Stats returns the queue census for this kind.
func (s *Service) Stats() Stats {
	return s.sched.Stats()
}

// OpenArtifact returns a streaming handle over a completed job's file.
// Errors: ErrNotFound, NotReadyError (carrying the current status) and
// ErrArtifactMissing when the file has since disappeared.
func (s *Service) OpenArtifact(key string) (*artifact.Handle, error) {
	job, ok := s.store.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != StatusCompleted {
		return nil, &NotReadyError{Status: job.Status}
	}
	h, err := artifact.Open(job.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactMissing
		}
		return nil, err
	}
	return h, nil
}
