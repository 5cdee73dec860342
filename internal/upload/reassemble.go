package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	units "github.com/docker/go-units"
	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// errClaimLost means another caller is reassembling, or already reassembled,
// the session.
var errClaimLost = errors.New("reassembly claimed elsewhere")

// reassemble concatenates the chunks of a complete session into the final
// artifact and deletes the session. At most one caller per session gets past
// the claim; everyone else receives errClaimLost.
func (s *Service) reassemble(ctx context.Context, rec metadata.SessionRecord) (*metadata.ArtifactRecord, error) {
	if !s.coord.tryClaim(rec.SessionID) {
		return nil, errClaimLost
	}
	defer s.coord.release(rec.SessionID)

	// The winner of an earlier claim may already have removed the session.
	if _, err := s.meta.GetSession(rec.SessionID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, errClaimLost
		}
		return nil, storageError("load session", err)
	}

	if err := s.meta.AcquireClaim(rec.SessionID, s.instanceID); err != nil {
		if errors.Is(err, metadata.ErrClaimHeld) {
			return nil, errClaimLost
		}
		return nil, storageError("record claim", err)
	}
	finished := false
	defer func() {
		if finished {
			return
		}
		if err := s.meta.ReleaseClaim(rec.SessionID, s.instanceID); err != nil {
			s.logger.WithField("session_id", rec.SessionID).WithError(err).Error("failed to release reassembly claim")
		}
	}()

	log := s.logger.WithFields(logrus.Fields{
		"session_id": rec.SessionID,
		"file_name":  rec.FileName,
	})
	log.Infof("🔧 reassembling %d chunks", rec.TotalChunks)
	start := time.Now()

	if err := s.waitForWriters(ctx, rec, log); err != nil {
		return nil, err
	}

	replaced, err := s.store.RemoveArtifact(rec.FileName)
	if err != nil {
		return nil, storageError("remove previous artifact", err)
	}
	if replaced {
		log.Info("replacing existing artifact")
	}

	artifact, err := s.writeArtifact(rec)
	if err != nil {
		return nil, err
	}

	if err := s.store.RemoveSession(rec.SessionID); err != nil {
		return nil, storageError("remove session", err)
	}
	if err := s.meta.CompleteSession(*artifact); err != nil {
		return nil, storageError("record artifact", err)
	}
	finished = true

	log.WithFields(logrus.Fields{
		"size":     units.HumanSize(float64(artifact.Size)),
		"checksum": artifact.Checksum,
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("✅ artifact reassembled")
	return artifact, nil
}

// waitForWriters returns once no chunk of the session is being written.
// Writers in this process are awaited directly; lock markers on disk, which
// may belong to other processes, are polled with bounded backoff.
func (s *Service) waitForWriters(ctx context.Context, rec metadata.SessionRecord, log logrus.FieldLogger) error {
	if err := s.coord.waitIdle(ctx, rec.SessionID); err != nil {
		return err
	}

	delay := s.opts.LockWaitInitial
	for attempt := 1; ; attempt++ {
		pending, err := s.store.PendingLocks(rec.SessionID, rec.TotalChunks)
		if err != nil {
			return storageError("list lock markers", err)
		}
		if len(pending) == 0 {
			return nil
		}
		if attempt >= s.opts.LockWaitAttempts {
			return storageError("wait for writers", fmt.Errorf("%w: chunks %v", ErrPendingWrites, pending))
		}
		log.Debugf("waiting %s for lock markers on chunks %v", delay, pending)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.opts.LockWaitMax {
			delay = s.opts.LockWaitMax
		}
	}
}

// writeArtifact streams every chunk, in ascending order, into a new artifact.
func (s *Service) writeArtifact(rec metadata.SessionRecord) (*metadata.ArtifactRecord, error) {
	out, err := s.store.CreateArtifact(rec.FileName)
	if err != nil {
		return nil, storageError("create artifact", err)
	}

	hash, err := blake2b.New256(nil)
	if err != nil {
		out.Abort()
		return nil, storageError("create checksum", err)
	}
	dst := io.MultiWriter(out, hash)

	var size int64
	for n := 1; n <= rec.TotalChunks; n++ {
		written, err := s.copyChunk(dst, rec, n)
		if err == nil {
			err = out.Sync()
		}
		if err != nil {
			if abortErr := out.Abort(); abortErr != nil {
				s.logger.WithField("session_id", rec.SessionID).WithError(abortErr).Warn("failed to discard partial artifact")
			}
			return nil, err
		}
		size += written
	}

	path, err := out.Commit()
	if err != nil {
		return nil, storageError("commit artifact", err)
	}
	return &metadata.ArtifactRecord{
		FileName:    rec.FileName,
		SessionID:   rec.SessionID,
		Path:        path,
		Size:        size,
		TotalChunks: rec.TotalChunks,
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
		CompletedAt: time.Now().Unix(),
	}, nil
}

func (s *Service) copyChunk(dst io.Writer, rec metadata.SessionRecord, n int) (int64, error) {
	chunk, err := s.store.OpenChunk(rec.SessionID, rec.FileName, n, rec.Compressed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, &RaceFailure{SessionID: rec.SessionID, ChunkNumber: n, Err: err}
		}
		return 0, storageError(fmt.Sprintf("open chunk %d", n), err)
	}
	defer chunk.Close()

	written, err := io.Copy(dst, chunk)
	if err != nil {
		return 0, storageError(fmt.Sprintf("copy chunk %d", n), err)
	}
	return written, nil
}
