package artifact

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Handle exposes a completed artifact for streaming download.
type Handle struct {
	file     *os.File
	Size     int64
	Filename string
	MIME     string
}

// Open returns a handle over the artifact at path. The caller must Close it.
func Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	name := filepath.Base(path)
	return &Handle{
		file:     f,
		Size:     info.Size(),
		Filename: name,
		MIME:     mimeFor(name),
	}, nil
}

// Reader returns the underlying byte stream.
func (h *Handle) Reader() io.Reader { return h.file }

// Close releases the underlying file.
func (h *Handle) Close() error { return h.file.Close() }

func mimeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpeg", ".jpg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
