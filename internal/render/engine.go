package render

import "context"

// Session is one isolated browser context driving a single render attempt.
// Implementations are not safe for concurrent use; a session belongs to the
// worker that created it and is closed before the worker returns.
type Session interface {
	// Load brings the job's source into the page and waits for network idle.
	Load(ctx context.Context, job *Job) error
	// Prepare applies the pre-capture waits (animation kill, selector wait,
	// post-load sleep), reporting progress through report.
	Prepare(ctx context.Context, job *Job, report func(progress int)) error
	// Capture produces the artifact bytes for the job's kind.
	Capture(ctx context.Context, job *Job) ([]byte, error)
	// Diagnostic takes a best-effort screenshot of the current page state.
	Diagnostic(ctx context.Context) ([]byte, error)
	// Close releases the page and context. Safe to call more than once.
	Close()
}

// Engine creates browser sessions. The shared variant draws a context from
// the long-lived per-kind browser; the dedicated variant launches a private
// browser for jobs that carry their own launch options and tears it down
// with the session.
type Engine interface {
	NewSession(ctx context.Context, opts BrowserOptions) (Session, error)
	NewDedicatedSession(ctx context.Context, opts BrowserOptions) (Session, error)
}
