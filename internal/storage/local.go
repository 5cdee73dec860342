package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jaywantadh/chunkdock/internal/compressor"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	artifactTempPrefix = ".artifact-"
	artifactTempSuffix = ".tmp"
)

// LocalStorage implements the Storage interface on the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create upload root: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Root returns the upload root directory.
func (s *LocalStorage) Root() string {
	return s.basePath
}

// SessionDir returns the directory holding the chunks of a session.
func (s *LocalStorage) SessionDir(sessionID string) string {
	return filepath.Join(s.basePath, sessionID)
}

// ChunkPath returns the path of chunk number of fileName within a session.
func (s *LocalStorage) ChunkPath(sessionID, fileName string, number int) string {
	return filepath.Join(s.SessionDir(sessionID), ChunkName(fileName, number))
}

// LockPath returns the path of the lock marker for chunk number.
func (s *LocalStorage) LockPath(sessionID string, number int) string {
	return filepath.Join(s.SessionDir(sessionID), LockName(number))
}

// ArtifactPath returns the final location of a reassembled file.
func (s *LocalStorage) ArtifactPath(fileName string) string {
	return filepath.Join(s.basePath, fileName)
}

// CheckNames keeps session directories and artifacts, which share the upload
// root, from shadowing each other.
func (s *LocalStorage) CheckNames(sessionID, fileName string) error {
	if sessionID == fileName {
		return fmt.Errorf("%w: identifier equals filename %q", ErrNameConflict, fileName)
	}
	if info, err := os.Stat(s.SessionDir(sessionID)); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: identifier %q is an existing file", ErrNameConflict, sessionID)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat session directory: %w", err)
	}
	if info, err := os.Stat(s.ArtifactPath(fileName)); err == nil && info.IsDir() {
		return fmt.Errorf("%w: filename %q is an upload in progress", ErrNameConflict, fileName)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat artifact path: %w", err)
	}
	return nil
}

func (s *LocalStorage) EnsureSession(sessionID string) error {
	if err := os.MkdirAll(s.SessionDir(sessionID), dirPerm); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	return nil
}

// WriteChunk writes into a temp file, fsyncs it and renames it onto the chunk
// path. The lock marker is removed only after the rename.
func (s *LocalStorage) WriteChunk(sessionID, fileName string, number int, data io.Reader, compress bool) (written int64, err error) {
	lockPath := s.LockPath(sessionID, number)
	if err := touch(lockPath); err != nil {
		return 0, fmt.Errorf("failed to set lock marker: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = fmt.Errorf("failed to clear lock marker: %w", rmErr)
		}
	}()

	tmpPath := filepath.Join(s.SessionDir(sessionID), fmt.Sprintf(".tmp_%d_%s", number, uuid.NewString()))
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	var dst io.Writer = tmp
	var zw io.WriteCloser
	if compress {
		zw = compressor.NewWriter(tmp)
		dst = zw
	}

	written, err = io.Copy(dst, data)
	if err != nil {
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return 0, fmt.Errorf("failed to finish compressed chunk: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("failed to flush chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close chunk: %w", err)
	}
	if err := os.Rename(tmpPath, s.ChunkPath(sessionID, fileName, number)); err != nil {
		os.Remove(tmpPath)
		committed = true
		return 0, fmt.Errorf("failed to publish chunk: %w", err)
	}
	committed = true
	return written, nil
}

func (s *LocalStorage) ChunkExists(sessionID, fileName string, number int) (bool, error) {
	info, err := os.Stat(s.ChunkPath(sessionID, fileName, number))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat chunk: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalStorage) OpenChunk(sessionID, fileName string, number int, compressed bool) (io.ReadCloser, error) {
	file, err := os.Open(s.ChunkPath(sessionID, fileName, number))
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %d: %w", number, err)
	}
	if !compressed {
		return file, nil
	}
	return struct {
		io.Reader
		io.Closer
	}{compressor.NewReader(file), file}, nil
}

func (s *LocalStorage) PendingLocks(sessionID string, total int) ([]int, error) {
	entries, err := os.ReadDir(s.SessionDir(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var pending []int
	for _, entry := range entries {
		rest, ok := strings.CutPrefix(entry.Name(), ".lock_")
		if !ok {
			continue
		}
		number, err := strconv.Atoi(rest)
		if err != nil || number < 1 || number > total {
			continue
		}
		pending = append(pending, number)
	}
	sort.Ints(pending)
	return pending, nil
}

func (s *LocalStorage) RemoveSession(sessionID string) error {
	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}

func (s *LocalStorage) RemoveArtifact(fileName string) (bool, error) {
	err := os.Remove(s.ArtifactPath(fileName))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to remove previous artifact: %w", err)
	}
}

func (s *LocalStorage) CreateArtifact(fileName string) (ArtifactWriter, error) {
	tmpPath := filepath.Join(s.basePath, artifactTempPrefix+uuid.NewString()+artifactTempSuffix)
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	return &localArtifact{
		file:      file,
		tmpPath:   tmpPath,
		finalPath: s.ArtifactPath(fileName),
	}, nil
}

// RemoveStaleArtifacts deletes partial artifacts left behind by an
// interrupted reassembly. It must only run while no reassembly is active.
func (s *LocalStorage) RemoveStaleArtifacts() (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, fmt.Errorf("failed to list upload root: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, artifactTempPrefix) || !strings.HasSuffix(name, artifactTempSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.basePath, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove stale artifact %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

type localArtifact struct {
	file      *os.File
	tmpPath   string
	finalPath string
	done      bool
}

func (a *localArtifact) Write(p []byte) (int, error) {
	return a.file.Write(p)
}

func (a *localArtifact) Sync() error {
	return a.file.Sync()
}

func (a *localArtifact) Commit() (string, error) {
	if a.done {
		return "", errors.New("artifact already finished")
	}
	a.done = true
	if err := a.file.Sync(); err != nil {
		a.file.Close()
		os.Remove(a.tmpPath)
		return "", fmt.Errorf("failed to flush artifact: %w", err)
	}
	if err := a.file.Close(); err != nil {
		os.Remove(a.tmpPath)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(a.tmpPath, a.finalPath); err != nil {
		os.Remove(a.tmpPath)
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return a.finalPath, nil
}

func (a *localArtifact) Abort() error {
	if a.done {
		return nil
	}
	a.done = true
	a.file.Close()
	if err := os.Remove(a.tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to discard partial artifact: %w", err)
	}
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		return err
	}
	return f.Close()
}
