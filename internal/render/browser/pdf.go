package browser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/page"

	"github.com/pagemill/pagemill/internal/render"
)

// paperSizes maps the supported named formats to width×height in inches.
var paperSizes = map[string][2]float64{
	"A3":     {11.69, 16.54},
	"A4":     {8.27, 11.69},
	"A5":     {5.83, 8.27},
	"Letter": {8.5, 11},
	"Legal":  {8.5, 14},
}

const pixelsPerInch = 96

// printParams translates PDFOptions into CDP print parameters. Explicit
// width/height win over a named format when both are supplied.
func printParams(opts render.PDFOptions) (*page.PrintToPDFParams, error) {
	params := page.PrintToPDF().
		WithLandscape(opts.Landscape).
		WithPrintBackground(opts.PrintBackground)

	if opts.Scale > 0 {
		if opts.Scale > 2 {
			return nil, fmt.Errorf("pdf scale %v out of range (0, 2]", opts.Scale)
		}
		params = params.WithScale(opts.Scale)
	}

	switch {
	case opts.Width != "" && opts.Height != "":
		w, err := parseLength(opts.Width)
		if err != nil {
			return nil, fmt.Errorf("pdf width: %w", err)
		}
		h, err := parseLength(opts.Height)
		if err != nil {
			return nil, fmt.Errorf("pdf height: %w", err)
		}
		params = params.WithPaperWidth(w).WithPaperHeight(h)
	case opts.Format != "":
		size, ok := paperSizes[opts.Format]
		if !ok {
			return nil, fmt.Errorf("unknown pdf format %q", opts.Format)
		}
		params = params.WithPaperWidth(size[0]).WithPaperHeight(size[1])
	}

	margin := func(v string) (float64, bool, error) {
		if v == "" {
			return 0, false, nil
		}
		in, err := parseLength(v)
		return in, err == nil, err
	}
	if in, ok, err := margin(opts.MarginTop); err != nil {
		return nil, fmt.Errorf("pdf margin: %w", err)
	} else if ok {
		params = params.WithMarginTop(in)
	}
	if in, ok, err := margin(opts.MarginRight); err != nil {
		return nil, fmt.Errorf("pdf margin: %w", err)
	} else if ok {
		params = params.WithMarginRight(in)
	}
	if in, ok, err := margin(opts.MarginBottom); err != nil {
		return nil, fmt.Errorf("pdf margin: %w", err)
	} else if ok {
		params = params.WithMarginBottom(in)
	}
	if in, ok, err := margin(opts.MarginLeft); err != nil {
		return nil, fmt.Errorf("pdf margin: %w", err)
	} else if ok {
		params = params.WithMarginLeft(in)
	}

	if opts.DisplayHeaderFooter {
		params = params.WithDisplayHeaderFooter(true).
			WithHeaderTemplate(opts.HeaderTemplate).
			WithFooterTemplate(opts.FooterTemplate)
	}
	return params, nil
}

// parseLength converts a dimension string ("210mm", "8.5in", "794px", "21cm"
// or bare pixels) into inches, the unit CDP expects.
func parseLength(v string) (float64, error) {
	v = strings.TrimSpace(v)
	unit := "px"
	num := v
	for _, u := range []string{"px", "in", "cm", "mm"} {
		if strings.HasSuffix(v, u) {
			unit = u
			num = strings.TrimSuffix(v, u)
			break
		}
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("bad length %q", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative length %q", v)
	}
	switch unit {
	case "px":
		return n / pixelsPerInch, nil
	case "in":
		return n, nil
	case "cm":
		return n / 2.54, nil
	default: // mm
		return n / 25.4, nil
	}
}
