// Package render implements the render-job core: the job store with its
// persisted snapshot, the priority scheduler, the browser-driven worker and
// the submission facade. The HTTP layer in handlers/ is a thin adapter over
// the Service type defined here.
package render

import (
	"regexp"
	"time"
)

// Kind selects the renderer and the artifact file extension.
type Kind string

const (
	KindPDF        Kind = "pdf"
	KindScreenshot Kind = "screenshot"
)

// SourceKind describes how the source payload should be interpreted.
type SourceKind string

const (
	SourceInlineHTML   SourceKind = "inline_html"
	SourceRemoteURL    SourceKind = "remote_url"
	SourceUploadedHTML SourceKind = "uploaded_html"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// keyPattern is the allowed character class for caller-chosen job keys. Keys
// are embedded in artifact filenames, so anything outside this set is refused
// at submission.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidKey reports whether key is an acceptable requested key.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// LaunchOptions is a per-job browser launch override. When a job carries one
// the worker bypasses the shared pool and launches a dedicated browser.
type LaunchOptions struct {
	Headless *bool    `json:"headless,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// BrowserOptions configures navigation and the page environment.
type BrowserOptions struct {
	TimeoutMs         int               `json:"timeoutMs,omitempty"` // navigation timeout, capped at 120000
	ViewportWidth     int               `json:"viewportWidth,omitempty"`
	ViewportHeight    int               `json:"viewportHeight,omitempty"`
	UserAgent         string            `json:"userAgent,omitempty"`
	ExtraHeaders      map[string]string `json:"extraHeaders,omitempty"`
	WaitForSelector   string            `json:"waitForSelector,omitempty"`
	WaitAfterMs       int               `json:"waitAfterMs,omitempty"` // post-load wait, capped at 60000
	DisableAnimations bool              `json:"disableAnimations,omitempty"`
	ColorScheme       string            `json:"colorScheme,omitempty"` // light | dark | no-preference
	Launch            *LaunchOptions    `json:"launch,omitempty"`
}

// PDFOptions configures PDF production. Width/Height and Format are mutually
// exclusive; explicit dimensions win when both are supplied.
type PDFOptions struct {
	Format              string  `json:"format,omitempty"` // A4 | A3 | A5 | Letter | Legal
	Width               string  `json:"width,omitempty"`  // "210mm", "8.5in", "794px" or bare pixels
	Height              string  `json:"height,omitempty"`
	Landscape           bool    `json:"landscape,omitempty"`
	MarginTop           string  `json:"marginTop,omitempty"`
	MarginRight         string  `json:"marginRight,omitempty"`
	MarginBottom        string  `json:"marginBottom,omitempty"`
	MarginLeft          string  `json:"marginLeft,omitempty"`
	PrintBackground     bool    `json:"printBackground,omitempty"`
	Scale               float64 `json:"scale,omitempty"` // 0 < scale <= 2, 0 means default
	HeaderTemplate      string  `json:"headerTemplate,omitempty"`
	FooterTemplate      string  `json:"footerTemplate,omitempty"`
	DisplayHeaderFooter bool    `json:"displayHeaderFooter,omitempty"`
}

// ClipRect is an explicit screenshot clip region in CSS pixels.
type ClipRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ScreenshotOptions configures raster capture. Clip and FullPage are mutually
// exclusive; the clip wins when both are supplied.
type ScreenshotOptions struct {
	Type           string    `json:"type,omitempty"`    // png | jpeg
	Quality        int       `json:"quality,omitempty"` // jpeg only, 0..100
	FullPage       *bool     `json:"fullPage,omitempty"`
	Clip           *ClipRect `json:"clip,omitempty"`
	OmitBackground bool      `json:"omitBackground,omitempty"` // png only
	Scale          string    `json:"scale,omitempty"`          // css | device
}

// Options groups all per-job tunables.
type Options struct {
	Browser    BrowserOptions    `json:"browser,omitempty"`
	PDF        PDFOptions        `json:"pdf,omitempty"`
	Screenshot ScreenshotOptions `json:"screenshot,omitempty"`
	Priority   int               `json:"priority,omitempty"` // 1..10, higher runs earlier
}

// Job is the central entity: one rendering request from submission to
// terminal state. Jobs are owned by the Store; everything else holds keys.
type Job struct {
	Key        string     `json:"key"`
	Kind       Kind       `json:"kind"`
	SourceKind SourceKind `json:"sourceKind"`
	Source     string     `json:"source"`
	Options    Options    `json:"options"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Priority   int        `json:"priority"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FilePath   string     `json:"filePath,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Clone returns an independent copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.Options.Browser.ExtraHeaders != nil {
		hdrs := make(map[string]string, len(j.Options.Browser.ExtraHeaders))
		for k, v := range j.Options.Browser.ExtraHeaders {
			hdrs[k] = v
		}
		c.Options.Browser.ExtraHeaders = hdrs
	}
	if j.Options.Screenshot.Clip != nil {
		clip := *j.Options.Screenshot.Clip
		c.Options.Screenshot.Clip = &clip
	}
	if j.Options.Screenshot.FullPage != nil {
		fp := *j.Options.Screenshot.FullPage
		c.Options.Screenshot.FullPage = &fp
	}
	if j.Options.Browser.Launch != nil {
		l := *j.Options.Browser.Launch
		if l.Headless != nil {
			h := *l.Headless
			l.Headless = &h
		}
		l.Args = append([]string(nil), l.Args...)
		c.Options.Browser.Launch = &l
	}
	return &c
}

// Extension returns the artifact file extension for the job.
func (j *Job) Extension() string {
	if j.Kind == KindPDF {
		return "pdf"
	}
	if j.Options.Screenshot.Type == "jpeg" {
		return "jpeg"
	}
	return "png"
}

// ClampPriority forces p into the allowed range, defaulting when unset.
func ClampPriority(p int) int {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// Stats is a per-kind queue census.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
