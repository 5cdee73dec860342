// Package upload receives the chunks of resumable uploads, detects when a
// session is complete and reassembles it into the final artifact.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/jaywantadh/chunkdock/internal/compressor"
	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/jaywantadh/chunkdock/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLockWaitAttempts = 10
	DefaultLockWaitInitial  = 50 * time.Millisecond
	DefaultLockWaitMax      = time.Second
)

// Options tunes the service. Zero values fall back to the defaults.
type Options struct {
	// CompressChunks stores chunk files lz4 compressed, except for file
	// names whose extension marks them as already compressed.
	CompressChunks bool
	// LockWaitAttempts bounds how often the reassembler looks for lock
	// markers left by other writers before giving up.
	LockWaitAttempts int
	LockWaitInitial  time.Duration
	LockWaitMax      time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockWaitAttempts <= 0 {
		o.LockWaitAttempts = DefaultLockWaitAttempts
	}
	if o.LockWaitInitial <= 0 {
		o.LockWaitInitial = DefaultLockWaitInitial
	}
	if o.LockWaitMax < o.LockWaitInitial {
		o.LockWaitMax = DefaultLockWaitMax
		if o.LockWaitMax < o.LockWaitInitial {
			o.LockWaitMax = o.LockWaitInitial
		}
	}
	return o
}

// Receipt is the outcome of a chunk upload.
type Receipt struct {
	FileName string
	// Reassembled is true only for the request that produced the artifact.
	Reassembled bool
	Artifact    *metadata.ArtifactRecord
}

// Service owns the upload root and the per-session coordination state. One
// Service must be shared by every request handler of a process.
type Service struct {
	store      storage.Storage
	meta       *metadata.MetadataStore
	coord      *coordinator
	opts       Options
	instanceID string
	logger     *logrus.Logger
}

// NewService creates the service. instance ids tag durable claims so a
// restarted process can tell its own claims from stale ones.
func NewService(store storage.Storage, meta *metadata.MetadataStore, opts Options, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:      store,
		meta:       meta,
		coord:      newCoordinator(),
		opts:       opts.withDefaults(),
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// InstanceID identifies this process in durable claim records.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// CheckChunk returns nil when the chunk is persisted and ErrChunkNotFound when
// the client still has to send it.
func (s *Service) CheckChunk(ctx context.Context, ref ChunkRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	exists, err := s.store.ChunkExists(ref.SessionID, ref.FileName, ref.Number)
	if err != nil {
		return storageError("check chunk", err)
	}
	if !exists {
		return ErrChunkNotFound
	}
	return nil
}

// ReceiveChunk persists one chunk, then checks inline whether the session is
// complete and reassembles it if so.
func (s *Service) ReceiveChunk(ctx context.Context, up ChunkUpload) (*Receipt, error) {
	if err := up.Validate(); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"session_id": up.SessionID,
		"file_name":  up.FileName,
		"chunk":      up.Number,
	})

	if err := s.store.CheckNames(up.SessionID, up.FileName); err != nil {
		if errors.Is(err, storage.ErrNameConflict) {
			return nil, &ParameterError{Field: "identifier", Reason: err.Error()}
		}
		return nil, storageError("check names", err)
	}
	rec, err := s.session(up)
	if err != nil {
		return nil, err
	}
	if err := s.store.EnsureSession(up.SessionID); err != nil {
		return nil, storageError("create session", err)
	}

	written, err := s.writeChunk(up, rec.Compressed)
	if err != nil {
		return nil, storageError("write chunk", err)
	}
	log.Debugf("stored chunk %d/%d (%s)", up.Number, rec.TotalChunks, units.HumanSize(float64(written)))

	receipt := &Receipt{FileName: up.FileName}

	complete, err := s.isComplete(rec)
	if err != nil {
		return nil, err
	}
	if !complete {
		return receipt, nil
	}

	artifact, err := s.reassemble(ctx, rec)
	if errors.Is(err, errClaimLost) {
		log.Debug("session complete, reassembly handled by another request")
		return receipt, nil
	}
	if err != nil {
		return nil, err
	}
	receipt.Reassembled = true
	receipt.Artifact = artifact
	return receipt, nil
}

// writeChunk holds the session's writer count for exactly the write.
func (s *Service) writeChunk(up ChunkUpload, compress bool) (int64, error) {
	defer s.coord.beginWrite(up.SessionID)()
	return s.store.WriteChunk(up.SessionID, up.FileName, up.Number, up.Data, compress)
}

// session loads the durable session record, creating it from the first
// chunk. Every later chunk must agree with what the first one declared.
func (s *Service) session(up ChunkUpload) (metadata.SessionRecord, error) {
	rec, created, err := s.meta.EnsureSession(metadata.SessionRecord{
		SessionID:   up.SessionID,
		FileName:    up.FileName,
		TotalChunks: up.TotalChunks,
		Compressed:  s.opts.CompressChunks && !compressor.ShouldSkipCompression(up.FileName),
	})
	if err != nil {
		return metadata.SessionRecord{}, storageError("record session", err)
	}
	if created {
		s.logger.WithFields(logrus.Fields{
			"session_id":   up.SessionID,
			"file_name":    up.FileName,
			"total_chunks": up.TotalChunks,
			"compressed":   rec.Compressed,
		}).Info("📦 upload session started")
	}

	if rec.TotalChunks != up.TotalChunks {
		return metadata.SessionRecord{}, &ParameterError{
			Field:  "totalChunks",
			Reason: fmt.Sprintf("is %d but the session declared %d", up.TotalChunks, rec.TotalChunks),
		}
	}
	if rec.FileName != up.FileName {
		return metadata.SessionRecord{}, &ParameterError{
			Field:  "filename",
			Reason: fmt.Sprintf("is %q but the session uploads %q", up.FileName, rec.FileName),
		}
	}
	return rec, nil
}

// isComplete reports whether a chunk file exists for every number in
// [1, total]. A present file may still be rewritten; reassemble re-validates.
func (s *Service) isComplete(rec metadata.SessionRecord) (bool, error) {
	for n := 1; n <= rec.TotalChunks; n++ {
		exists, err := s.store.ChunkExists(rec.SessionID, rec.FileName, n)
		if err != nil {
			return false, storageError("check completion", err)
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}

// Sessions lists uploads that have not been reassembled yet.
func (s *Service) Sessions() ([]metadata.SessionRecord, error) {
	sessions, err := s.meta.ListSessions()
	if err != nil {
		return nil, storageError("list sessions", err)
	}
	return sessions, nil
}

// Artifacts lists reassembled files.
func (s *Service) Artifacts() ([]metadata.ArtifactRecord, error) {
	artifacts, err := s.meta.ListArtifacts()
	if err != nil {
		return nil, storageError("list artifacts", err)
	}
	return artifacts, nil
}

// Recover runs once at startup, before requests are served. It drops
// reassembly claims and partial artifacts left by a previous process, then
// finishes every session that is complete on disk, whether or not the
// previous process got as far as claiming it.
func (s *Service) Recover(ctx context.Context) error {
	cleared, err := s.meta.ClearForeignClaims(s.instanceID)
	if err != nil {
		return storageError("clear stale claims", err)
	}
	removed, err := s.store.RemoveStaleArtifacts()
	if err != nil {
		return storageError("remove stale artifacts", err)
	}
	if len(cleared) > 0 || removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"claims":    len(cleared),
			"artifacts": removed,
		}).Warn("⚠️ cleaned up after an interrupted reassembly")
	}

	sessions, err := s.meta.ListSessions()
	if err != nil {
		return storageError("list sessions", err)
	}
	resumed := 0
	for _, rec := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		complete, err := s.isComplete(rec)
		if err != nil {
			return err
		}
		if !complete {
			continue
		}
		resumed++
		if _, err := s.reassemble(ctx, rec); err != nil && !errors.Is(err, errClaimLost) {
			s.logger.WithField("session_id", rec.SessionID).WithError(err).Error("❌ resumed reassembly failed")
		}
	}
	if resumed > 0 {
		s.logger.Infof("🔧 resumed %d complete sessions", resumed)
	}
	return nil
}
