// Package artifact derives the date-partitioned on-disk layout for rendered
// output and opens completed artifacts for download. Layout:
//
//	<outputDir>/<dd-mm-yyyy>/<key>__<HH-MM-SS>.<ext>
//	<outputDir>/<dd-mm-yyyy>/<key>__error__<HH-MM-SS>.png
package artifact

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	dateFolderLayout = "02-01-2006"
	timeLayout       = "15-04-05"
	errorMarker      = "__error"
)

var ErrBadFilename = errors.New("not an artifact filename")

// DateFolder returns the folder name for the given instant, local time.
func DateFolder(t time.Time) string {
	return t.Format(dateFolderLayout)
}

// Filename returns the artifact filename for a key captured at t.
func Filename(key, ext string, t time.Time) string {
	return fmt.Sprintf("%s__%s.%s", key, t.Format(timeLayout), ext)
}

// ErrorScreenshotFilename returns the name of the diagnostic screenshot
// written when a PDF render fails.
func ErrorScreenshotFilename(key string, t time.Time) string {
	return fmt.Sprintf("%s%s__%s.png", key, errorMarker, t.Format(timeLayout))
}

// Parsed is the result of decoding an artifact filename.
type Parsed struct {
	Key       string
	Ext       string
	Timestamp time.Time
	Error     bool // diagnostic error screenshot
}

// Parse is the inverse of Filename/ErrorScreenshotFilename, used by offline
// tooling. When dateFolder is non-empty the returned timestamp carries the
// full date; otherwise only the time of day is set (date fields zero).
func Parse(filename, dateFolder string) (Parsed, error) {
	var p Parsed
	dot := strings.LastIndexByte(filename, '.')
	if dot < 0 {
		return p, ErrBadFilename
	}
	p.Ext = filename[dot+1:]
	stem := filename[:dot]

	sep := strings.LastIndex(stem, "__")
	if sep < 0 {
		return p, ErrBadFilename
	}
	stamp := stem[sep+2:]
	p.Key = stem[:sep]
	if strings.HasSuffix(p.Key, errorMarker) {
		p.Key = strings.TrimSuffix(p.Key, errorMarker)
		p.Error = true
	}
	if p.Key == "" {
		return p, ErrBadFilename
	}

	layout := timeLayout
	value := stamp
	if dateFolder != "" {
		layout = dateFolderLayout + " " + timeLayout
		value = dateFolder + " " + stamp
	}
	ts, err := time.ParseInLocation(layout, value, time.Local)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadFilename, err)
	}
	p.Timestamp = ts
	return p, nil
}
