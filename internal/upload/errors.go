package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter matches every *ParameterError.
	ErrInvalidParameter = errors.New("parameter error")
	// ErrChunkNotFound tells the client that a chunk still has to be sent.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrRace matches every *RaceFailure.
	ErrRace = errors.New("chunk vanished during reassembly")
	// ErrPendingWrites is wrapped in a *StorageError when lock markers never
	// cleared within the configured wait.
	ErrPendingWrites = errors.New("chunk writes still pending")
)

// ParameterError reports a missing or malformed request field. It is raised
// before any storage is touched.
type ParameterError struct {
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter error: %s %s", e.Field, e.Reason)
}

func (e *ParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// StorageError wraps an I/O failure of the current request.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// RaceFailure reports a chunk that disappeared between the completion check
// and the moment the reassembler read it. The session is left intact so the
// client can resend the chunk.
type RaceFailure struct {
	SessionID   string
	ChunkNumber int
	Err         error
}

func (e *RaceFailure) Error() string {
	return fmt.Sprintf("chunk %d of session %s vanished during reassembly: %v", e.ChunkNumber, e.SessionID, e.Err)
}

func (e *RaceFailure) Is(target error) bool {
	return target == ErrRace
}

func (e *RaceFailure) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
