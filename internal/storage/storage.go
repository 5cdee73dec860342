package storage

import (
	"io"
)

// Storage defines the on-disk layout shared by the existence check, the chunk
// writer and the reassembler. Every session lives in its own directory under
// the upload root; final artifacts live directly under the root.
type Storage interface {
	// CheckNames reports ErrNameConflict when the session directory or the
	// artifact of fileName would land on a path the other kind already holds.
	CheckNames(sessionID, fileName string) error
	// EnsureSession creates the session directory if it does not exist yet.
	EnsureSession(sessionID string) error
	// WriteChunk persists one chunk. The chunk file only becomes visible once
	// its bytes are flushed; the lock marker is held for the whole write.
	WriteChunk(sessionID, fileName string, number int, data io.Reader, compress bool) (int64, error)
	// ChunkExists reports whether a fully written chunk file is present.
	ChunkExists(sessionID, fileName string, number int) (bool, error)
	// OpenChunk opens a chunk for reading. A missing chunk yields an error
	// matching fs.ErrNotExist.
	OpenChunk(sessionID, fileName string, number int, compressed bool) (io.ReadCloser, error)
	// PendingLocks lists the sequence numbers in [1, total] that still carry
	// a lock marker.
	PendingLocks(sessionID string, total int) ([]int, error)
	// RemoveSession deletes the session directory and everything inside it.
	RemoveSession(sessionID string) error
	// CreateArtifact starts writing a final artifact named fileName.
	CreateArtifact(fileName string) (ArtifactWriter, error)
	// RemoveArtifact deletes a prior artifact. It reports whether one existed.
	RemoveArtifact(fileName string) (bool, error)
	// RemoveStaleArtifacts deletes partial artifacts of interrupted runs.
	RemoveStaleArtifacts() (int, error)
}

// ArtifactWriter receives the reassembled bytes. Nothing is visible under the
// final name until Commit succeeds.
type ArtifactWriter interface {
	io.Writer
	// Sync flushes what has been written so far to stable storage.
	Sync() error
	// Commit flushes the artifact and moves it into place.
	Commit() (string, error)
	// Abort discards the partial artifact.
	Abort() error
}
