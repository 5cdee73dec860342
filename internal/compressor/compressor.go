package compressor

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Already compressed formats gain nothing from another lz4 pass.
var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".bz2": true, ".xz": true, ".zst": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

func ShouldSkipCompression(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return skipExtensions[ext]
}

// NewWriter returns an lz4 frame writer. Close must be called to flush the
// frame; it does not close w.
func NewWriter(w io.Writer) io.WriteCloser {
	return lz4.NewWriter(w)
}

// NewReader returns a reader that decompresses an lz4 frame from r.
func NewReader(r io.Reader) io.Reader {
	return lz4.NewReader(r)
}
