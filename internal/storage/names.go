package storage

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxNameLength bounds identifiers and file names used as path components.
const MaxNameLength = 255

// ErrUnsafeName is returned for identifiers or file names that cannot be used
// as a single path component under the upload root.
var ErrUnsafeName = errors.New("unsafe path component")

// ErrNameConflict is returned when a session directory and an artifact would
// occupy the same path under the upload root.
var ErrNameConflict = errors.New("name conflicts with an existing upload")

// ValidateName checks that a client supplied identifier or file name is a
// single, non-hidden path component.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrUnsafeName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrUnsafeName, MaxNameLength)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrUnsafeName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.HasPrefix(name, "."):
		// Hidden names collide with lock markers, temp files and metadata.
		return fmt.Errorf("%w: leading dot", ErrUnsafeName)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: contains a path separator or NUL", ErrUnsafeName)
	}
	return nil
}

// ChunkName is the deterministic file name of chunk number within a session.
func ChunkName(fileName string, number int) string {
	return fmt.Sprintf("%s_part_%03d", fileName, number)
}

// LockName is the name of the marker present while chunk number is written.
func LockName(number int) string {
	return fmt.Sprintf(".lock_%d", number)
}
