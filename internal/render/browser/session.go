package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/pagemill/pagemill/internal/render"
)

// disableAnimationsCSS nulls every animation and transition, pseudo-elements
// included, so captures are deterministic.
const disableAnimationsCSS = `*, *::before, *::after {
	animation: none !important;
	animation-duration: 0s !important;
	transition: none !important;
	transition-duration: 0s !important;
}`

// session is one isolated tab driving a single render attempt.
type session struct {
	tab        context.Context
	cancels    []context.CancelFunc
	idle       chan struct{}
	navTimeout time.Duration
	width      int
	height     int
	closeOnce  sync.Once
}

// init configures the tab: lifecycle events for the network-idle condition,
// viewport, user agent, extra headers and emulated media features.
func (s *session) init(ctx context.Context, opts render.BrowserOptions) error {
	// The lifecycle listener feeds the network-idle channel; Chrome fires
	// the event after a short quiescence window with no in-flight requests.
	chromedp.ListenTarget(s.tab, func(ev interface{}) {
		if lc, ok := ev.(*page.EventLifecycleEvent); ok && lc.Name == "networkIdle" {
			select {
			case s.idle <- struct{}{}:
			default:
			}
		}
	})

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			return page.SetLifecycleEventsEnabled(true).Do(ctx)
		}),
		chromedp.EmulateViewport(int64(s.width), int64(s.height)),
	}
	if opts.UserAgent != "" {
		ua := opts.UserAgent
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}))
	}
	if len(opts.ExtraHeaders) > 0 {
		hdrs := make(network.Headers, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			hdrs[k] = v
		}
		actions = append(actions,
			chromedp.ActionFunc(func(ctx context.Context) error {
				return network.Enable().Do(ctx)
			}),
			chromedp.ActionFunc(func(ctx context.Context) error {
				return network.SetExtraHTTPHeaders(hdrs).Do(ctx)
			}),
		)
	}
	var features []*emulation.MediaFeature
	if opts.ColorScheme != "" {
		features = append(features, &emulation.MediaFeature{Name: "prefers-color-scheme", Value: opts.ColorScheme})
	}
	if opts.DisableAnimations {
		features = append(features, &emulation.MediaFeature{Name: "prefers-reduced-motion", Value: "reduce"})
	}
	if len(features) > 0 {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetEmulatedMedia().WithFeatures(features).Do(ctx)
		}))
	}
	return s.run(ctx, actions...)
}

// Load brings the job source into the page and waits for network idle.
func (s *session) Load(ctx context.Context, job *render.Job) error {
	loadCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()

	switch job.SourceKind {
	case render.SourceRemoteURL:
		s.drainIdle()
		if err := s.run(loadCtx, chromedp.Navigate(job.Source)); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
	default:
		// Inline and uploaded HTML both load through the blank page.
		if err := s.run(loadCtx, chromedp.Navigate("about:blank")); err != nil {
			return fmt.Errorf("open blank page: %w", err)
		}
		s.drainIdle()
		html := job.Source
		err := s.run(loadCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}))
		if err != nil {
			return fmt.Errorf("set content: %w", err)
		}
	}
	return s.waitIdle(loadCtx)
}

// Prepare applies the pre-capture waits in order: animation kill, selector
// wait, explicit post-load sleep.
func (s *session) Prepare(ctx context.Context, job *render.Job, report func(int)) error {
	opts := job.Options.Browser
	if opts.DisableAnimations {
		var injected bool
		err := s.run(ctx, chromedp.Evaluate(fmt.Sprintf(
			`(() => { const st = document.createElement('style'); st.textContent = %q; document.head.appendChild(st); return true; })()`,
			disableAnimationsCSS), &injected))
		if err != nil {
			return fmt.Errorf("disable animations: %w", err)
		}
		if err := s.sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}
	if opts.WaitForSelector != "" {
		if err := s.run(ctx, chromedp.WaitVisible(opts.WaitForSelector, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("wait for selector %q: %w", opts.WaitForSelector, err)
		}
	}
	report(50)
	if opts.WaitAfterMs > 0 {
		if err := s.sleep(ctx, time.Duration(opts.WaitAfterMs)*time.Millisecond); err != nil {
			return err
		}
	}
	report(60)
	return nil
}

// Capture produces the artifact bytes for the job's kind.
func (s *session) Capture(ctx context.Context, job *render.Job) ([]byte, error) {
	if job.Kind == render.KindPDF {
		return s.capturePDF(ctx, job.Options.PDF)
	}
	return s.captureScreenshot(ctx, job.Options.Screenshot)
}

func (s *session) capturePDF(ctx context.Context, opts render.PDFOptions) ([]byte, error) {
	params, err := printParams(opts)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		data, _, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("print to pdf: %w", err)
	}
	return data, nil
}

func (s *session) captureScreenshot(ctx context.Context, opts render.ScreenshotOptions) ([]byte, error) {
	params := page.CaptureScreenshot()
	if opts.Type == "jpeg" {
		params = params.WithFormat(page.CaptureScreenshotFormatJpeg)
		quality := int64(opts.Quality)
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		params = params.WithQuality(quality)
	} else {
		params = params.WithFormat(page.CaptureScreenshotFormatPng)
	}

	switch {
	case opts.Clip != nil:
		// An explicit clip wins over full-page.
		scale := 1.0
		if opts.Scale == "device" {
			var dpr float64
			if err := s.run(ctx, chromedp.Evaluate(`window.devicePixelRatio`, &dpr)); err == nil && dpr > 0 {
				scale = dpr
			}
		}
		params = params.WithClip(&page.Viewport{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
			Scale:  scale,
		})
	case opts.FullPage == nil || *opts.FullPage:
		params = params.WithCaptureBeyondViewport(true)
	}

	omitBackground := opts.OmitBackground && opts.Type != "jpeg"
	var data []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if omitBackground {
			clear := &cdp.RGBA{R: 0, G: 0, B: 0, A: 0}
			if err := emulation.SetDefaultBackgroundColorOverride().WithColor(clear).Do(ctx); err != nil {
				return err
			}
			defer emulation.SetDefaultBackgroundColorOverride().Do(ctx)
		}
		var err error
		data, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

// Diagnostic takes a plain screenshot of whatever state the page is in.
func (s *session) Diagnostic(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close releases the tab and, for dedicated sessions, the private browser.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		for _, cancel := range s.cancels {
			cancel()
		}
	})
}

// run executes actions on the tab bounded by the caller's deadline. A tripped
// deadline cancels the derived context, which aborts the in-flight CDP call.
func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := s.tab
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// drainIdle clears a stale network-idle signal from a previous load.
func (s *session) drainIdle() {
	select {
	case <-s.idle:
	default:
	}
}

// waitIdle blocks until the page reports network idle or ctx expires.
func (s *session) waitIdle(ctx context.Context) error {
	select {
	case <-s.idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for network idle: %w", ctx.Err())
	}
}

func (s *session) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
