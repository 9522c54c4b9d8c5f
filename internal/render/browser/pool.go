// Package browser implements the chromedp-backed render engine: a lazily
// launched, long-lived headless browser per render kind, with isolated
// per-job tab sessions. Jobs carrying their own launch options get a
// dedicated ephemeral browser instead of the shared one.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/pagemill/pagemill/internal/render"
	"github.com/pagemill/pagemill/pkg/logger"
)

// Pool owns the shared browser for one render kind. The browser is launched
// on first demand; concurrent first-use requests coalesce on the pool mutex.
// Contexts and pages are never shared across jobs.
type Pool struct {
	kind            render.Kind
	headless        bool
	args            []string
	viewportWidth   int
	viewportHeight  int
	defaultTimeout  time.Duration

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewPool creates an unlaunched pool from the config snapshot's launch
// options and defaults.
func NewPool(kind render.Kind, headless bool, args []string, viewportWidth, viewportHeight int, defaultTimeout time.Duration) *Pool {
	return &Pool{
		kind:           kind,
		headless:       headless,
		args:           args,
		viewportWidth:  viewportWidth,
		viewportHeight: viewportHeight,
		defaultTimeout: defaultTimeout,
	}
}

// browser returns the shared browser context, launching it on first use.
func (p *Pool) browser() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCtx != nil {
		return p.browserCtx, nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(p.headless, p.args)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(string, ...interface{}) {}),
		chromedp.WithErrorf(func(string, ...interface{}) {}),
	)
	// Start the browser process now so launch failures surface here rather
	// than inside the first job.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch %s browser: %w", p.kind, err)
	}
	logger.Infof("browser[%s]: launched shared instance (headless=%v)", p.kind, p.headless)

	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	return p.browserCtx, nil
}

// Running reports whether the shared browser has been launched. Used by the
// readiness probe.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.browserCtx != nil
}

// NewSession opens an isolated tab in the shared browser, configured from
// opts merged with the pool defaults.
func (p *Pool) NewSession(ctx context.Context, opts render.BrowserOptions) (render.Session, error) {
	browserCtx, err := p.browser()
	if err != nil {
		return nil, err
	}
	tab, tabCancel := chromedp.NewContext(browserCtx)
	s := p.newSession(tab, opts, tabCancel)
	if err := s.init(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewDedicatedSession launches a private browser for one job, applying the
// job's launch override. The whole browser is torn down with the session.
func (p *Pool) NewDedicatedSession(ctx context.Context, opts render.BrowserOptions) (render.Session, error) {
	headless := p.headless
	var args []string
	if opts.Launch != nil {
		if opts.Launch.Headless != nil {
			headless = *opts.Launch.Headless
		}
		args = opts.Launch.Args
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(headless, args)...)
	tab, tabCancel := chromedp.NewContext(allocCtx)
	s := p.newSession(tab, opts, tabCancel, allocCancel)
	if err := s.init(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	logger.Debugf("browser[%s]: dedicated instance launched (headless=%v)", p.kind, headless)
	return s, nil
}

func (p *Pool) newSession(tab context.Context, opts render.BrowserOptions, cancels ...context.CancelFunc) *session {
	navTimeout := p.defaultTimeout
	if opts.TimeoutMs > 0 {
		navTimeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	width, height := p.viewportWidth, p.viewportHeight
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		width, height = opts.ViewportWidth, opts.ViewportHeight
	}
	return &session{
		tab:        tab,
		cancels:    cancels,
		idle:       make(chan struct{}, 1),
		navTimeout: navTimeout,
		width:      width,
		height:     height,
	}
}

// Close tears down the shared browser. Active sessions observe a
// context-closed error on their next browser call.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCtx == nil {
		return
	}
	p.browserCancel()
	p.allocCancel()
	p.browserCtx = nil
	p.browserCancel = nil
	p.allocCancel = nil
	logger.Infof("browser[%s]: shared instance closed", p.kind)
}

// allocatorOptions merges the chromedp defaults with the headless flag and
// raw command-line args ("--disable-gpu", "--lang=de", ...).
func allocatorOptions(headless bool, args []string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
	)
	for _, arg := range args {
		name := strings.TrimPrefix(arg, "--")
		if name == "" {
			continue
		}
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			opts = append(opts, chromedp.Flag(name[:eq], name[eq+1:]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}
