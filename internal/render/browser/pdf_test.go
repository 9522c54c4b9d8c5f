package browser

import (
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"

	"github.com/pagemill/pagemill/internal/render"
)

func TestParseLength(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"96px", 1},
		{"96", 1},
		{"1in", 1},
		{"2.54cm", 1},
		{"25.4mm", 1},
		{" 8.5in ", 8.5},
	}
	for _, c := range cases {
		got, err := parseLength(c.in)
		require.NoError(t, err, "input %q", c.in)
		require.InDelta(t, c.want, got, 1e-9, "input %q", c.in)
	}

	for _, bad := range []string{"", "abc", "-3mm", "10pt"} {
		_, err := parseLength(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestPrintParamsNamedFormat(t *testing.T) {
	params, err := printParams(render.PDFOptions{Format: "A4", PrintBackground: true, Landscape: true})
	require.NoError(t, err)
	require.InDelta(t, 8.27, params.PaperWidth, 0.01)
	require.InDelta(t, 11.69, params.PaperHeight, 0.01)
	require.True(t, params.PrintBackground)
	require.True(t, params.Landscape)

	_, err = printParams(render.PDFOptions{Format: "B5"})
	require.Error(t, err)
}

func TestPrintParamsExplicitDimensionsWin(t *testing.T) {
	params, err := printParams(render.PDFOptions{
		Format: "A4",
		Width:  "4in",
		Height: "6in",
	})
	require.NoError(t, err)
	require.InDelta(t, 4.0, params.PaperWidth, 1e-9)
	require.InDelta(t, 6.0, params.PaperHeight, 1e-9)
}

func TestPrintParamsMarginsAndTemplates(t *testing.T) {
	params, err := printParams(render.PDFOptions{
		MarginTop:           "25.4mm",
		MarginRight:         "1in",
		MarginBottom:        "2.54cm",
		MarginLeft:          "96px",
		DisplayHeaderFooter: true,
		HeaderTemplate:      "<span>header</span>",
		FooterTemplate:      "<span>footer</span>",
	})
	require.NoError(t, err)
	require.InDelta(t, 1.0, params.MarginTop, 1e-9)
	require.InDelta(t, 1.0, params.MarginRight, 1e-9)
	require.InDelta(t, 1.0, params.MarginBottom, 1e-9)
	require.InDelta(t, 1.0, params.MarginLeft, 1e-9)
	require.True(t, params.DisplayHeaderFooter)
	require.Equal(t, "<span>header</span>", params.HeaderTemplate)
}

func TestPrintParamsScaleRange(t *testing.T) {
	params, err := printParams(render.PDFOptions{Scale: 1.5})
	require.NoError(t, err)
	require.InDelta(t, 1.5, params.Scale, 1e-9)

	_, err = printParams(render.PDFOptions{Scale: 2.5})
	require.Error(t, err)
}

func TestAllocatorOptionsParsesArgs(t *testing.T) {
	opts := allocatorOptions(true, []string{"--no-sandbox", "--lang=de", "", "--disable-dev-shm-usage"})
	// defaults + headless flag + three parsed flags; the empty arg is dropped
	require.Len(t, opts, len(chromedp.DefaultExecAllocatorOptions)+4)
}
