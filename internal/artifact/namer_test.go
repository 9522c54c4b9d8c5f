package artifact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDateFolderAndFilename(t *testing.T) {
	at := time.Date(2025, time.March, 7, 14, 5, 9, 0, time.Local)
	require.Equal(t, "07-03-2025", DateFolder(at))
	require.Equal(t, "invoice-1__14-05-09.pdf", Filename("invoice-1", "pdf", at))
	require.Equal(t, "shot_2__14-05-09.jpeg", Filename("shot_2", "jpeg", at))
	require.Equal(t, "invoice-1__error__14-05-09.png", ErrorScreenshotFilename("invoice-1", at))
}

func TestParseRoundTrip(t *testing.T) {
	at := time.Date(2025, time.March, 7, 14, 5, 9, 123456, time.Local)
	name := Filename("invoice-1", "pdf", at)

	p, err := Parse(name, DateFolder(at))
	require.NoError(t, err)
	require.Equal(t, "invoice-1", p.Key)
	require.Equal(t, "pdf", p.Ext)
	require.False(t, p.Error)
	// round trip agrees at second resolution
	require.Equal(t, at.Truncate(time.Second), p.Timestamp)
}

func TestParseErrorScreenshot(t *testing.T) {
	at := time.Date(2025, time.March, 7, 23, 59, 58, 0, time.Local)
	p, err := Parse(ErrorScreenshotFilename("doomed", at), DateFolder(at))
	require.NoError(t, err)
	require.Equal(t, "doomed", p.Key)
	require.True(t, p.Error)
	require.Equal(t, "png", p.Ext)
	require.Equal(t, at, p.Timestamp)
}

func TestParseKeyWithUnderscores(t *testing.T) {
	at := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.Local)
	p, err := Parse(Filename("a__b__c", "png", at), DateFolder(at))
	require.NoError(t, err)
	require.Equal(t, "a__b__c", p.Key)
}

func TestParseWithoutDateFolder(t *testing.T) {
	p, err := Parse("report__08-15-30.pdf", "")
	require.NoError(t, err)
	require.Equal(t, "report", p.Key)
	require.Equal(t, 8, p.Timestamp.Hour())
	require.Equal(t, 15, p.Timestamp.Minute())
	require.Equal(t, 30, p.Timestamp.Second())
}

func TestParseRejectsJunk(t *testing.T) {
	for _, name := range []string{
		"",
		"noextension",
		"nodelimiter.pdf",
		"__99-99-99.pdf",
		"key__notatime.pdf",
	} {
		_, err := Parse(name, "07-03-2025")
		require.ErrorIs(t, err, ErrBadFilename, "input %q", name)
	}
}
