package upload

import (
	"errors"
	"io"

	"github.com/jaywantadh/chunkdock/internal/storage"
)

// ChunkRef identifies one chunk of an upload session.
type ChunkRef struct {
	SessionID string
	FileName  string
	Number    int
}

// ChunkUpload is one inbound chunk together with the session's declared size.
type ChunkUpload struct {
	ChunkRef
	TotalChunks int
	Data        io.Reader
}

// Validate checks every field before it is used as a path component.
func (r ChunkRef) Validate() error {
	if err := validateName("identifier", r.SessionID); err != nil {
		return err
	}
	if err := validateName("filename", r.FileName); err != nil {
		return err
	}
	if r.SessionID == r.FileName {
		return &ParameterError{Field: "identifier", Reason: "must differ from filename"}
	}
	if r.Number < 1 {
		return &ParameterError{Field: "chunkNumber", Reason: "must be at least 1"}
	}
	return nil
}

func (u ChunkUpload) Validate() error {
	if err := u.ChunkRef.Validate(); err != nil {
		return err
	}
	if u.TotalChunks < 1 {
		return &ParameterError{Field: "totalChunks", Reason: "must be at least 1"}
	}
	if u.Number > u.TotalChunks {
		return &ParameterError{Field: "chunkNumber", Reason: "exceeds totalChunks"}
	}
	if u.Data == nil {
		return &ParameterError{Field: "file", Reason: "is required"}
	}
	return nil
}

func validateName(field, name string) error {
	if name == "" {
		return &ParameterError{Field: field, Reason: "is required"}
	}
	if err := storage.ValidateName(name); err != nil {
		if errors.Is(err, storage.ErrUnsafeName) {
			return &ParameterError{Field: field, Reason: "is not a safe name: " + err.Error()}
		}
		return err
	}
	return nil
}
