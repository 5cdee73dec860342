package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	sessionPrefix  = "session:"
	claimPrefix    = "claim:"
	artifactPrefix = "artifact:"

	// Badger reports concurrent writers of the same key as ErrConflict.
	maxConflictRetries = 16
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("metadata: record not found")
	// ErrClaimHeld is returned when another owner holds a session claim.
	ErrClaimHeld = errors.New("metadata: claim already held")
)

// SessionRecord is the durable description of an upload session, written by
// its first chunk.
type SessionRecord struct {
	SessionID   string `json:"session_id"`
	FileName    string `json:"file_name"`
	TotalChunks int    `json:"total_chunks"`
	Compressed  bool   `json:"compressed"`
	CreatedAt   int64  `json:"created_at"` // Unix timestamp
}

// ClaimRecord marks a session whose reassembly is in progress.
type ClaimRecord struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
	ClaimedAt int64  `json:"claimed_at"`
}

// ArtifactRecord describes a reassembled file.
type ArtifactRecord struct {
	FileName    string `json:"file_name"`
	SessionID   string `json:"session_id"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"total_chunks"`
	Checksum    string `json:"checksum"` // hex BLAKE2b-256
	CompletedAt int64  `json:"completed_at"`
}

// MetadataStore wraps BadgerDB for session, claim and artifact records.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemoryStore opens a BadgerDB that lives only in memory.
func OpenInMemoryStore() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// EnsureSession stores rec unless a record for the session already exists.
// It returns the stored record, which is the first writer's record when
// several chunks race to create the session.
func (ms *MetadataStore) EnsureSession(rec SessionRecord) (SessionRecord, bool, error) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	key := []byte(sessionPrefix + rec.SessionID)

	var stored SessionRecord
	var created bool
	err := ms.updateWithRetry(func(txn *badger.Txn) error {
		created = false
		err := getJSON(txn, key, &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		stored = rec
		created = true
		return setJSON(txn, key, rec)
	})
	if err != nil {
		return SessionRecord{}, false, err
	}
	return stored, created, nil
}

// GetSession retrieves a session record by id.
func (ms *MetadataStore) GetSession(sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(sessionPrefix+sessionID), &rec)
	})
	return rec, err
}

// DeleteSession removes a session record and any claim on it.
func (ms *MetadataStore) DeleteSession(sessionID string) error {
	return ms.updateWithRetry(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(sessionPrefix + sessionID)); err != nil {
			return err
		}
		return txn.Delete([]byte(claimPrefix + sessionID))
	})
}

// ListSessions returns every open session record.
func (ms *MetadataStore) ListSessions() ([]SessionRecord, error) {
	var sessions []SessionRecord
	err := ms.scan(sessionPrefix, func(val []byte) error {
		var rec SessionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		sessions = append(sessions, rec)
		return nil
	})
	return sessions, err
}

// AcquireClaim records owner as the reassembler of a session. It returns
// ErrClaimHeld when the session is already claimed, by any owner.
func (ms *MetadataStore) AcquireClaim(sessionID, owner string) error {
	key := []byte(claimPrefix + sessionID)
	err := ms.db.Update(func(txn *badger.Txn) error {
		var existing ClaimRecord
		err := getJSON(txn, key, &existing)
		if err == nil {
			return ErrClaimHeld
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return setJSON(txn, key, ClaimRecord{
			SessionID: sessionID,
			Owner:     owner,
			ClaimedAt: time.Now().Unix(),
		})
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction wrote the same claim first.
		return ErrClaimHeld
	}
	return err
}

// ReleaseClaim removes the claim on a session if owner still holds it.
func (ms *MetadataStore) ReleaseClaim(sessionID, owner string) error {
	key := []byte(claimPrefix + sessionID)
	return ms.updateWithRetry(func(txn *badger.Txn) error {
		var existing ClaimRecord
		if err := getJSON(txn, key, &existing); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if existing.Owner != owner {
			return nil
		}
		return txn.Delete(key)
	})
}

// ListClaims returns every claim record.
func (ms *MetadataStore) ListClaims() ([]ClaimRecord, error) {
	var claims []ClaimRecord
	err := ms.scan(claimPrefix, func(val []byte) error {
		var rec ClaimRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		claims = append(claims, rec)
		return nil
	})
	return claims, err
}

// ClearForeignClaims deletes claims not held by owner. They belong to a
// previous process that stopped mid-reassembly.
func (ms *MetadataStore) ClearForeignClaims(owner string) ([]ClaimRecord, error) {
	claims, err := ms.ListClaims()
	if err != nil {
		return nil, err
	}
	var cleared []ClaimRecord
	for _, claim := range claims {
		if claim.Owner == owner {
			continue
		}
		if err := ms.ReleaseClaim(claim.SessionID, claim.Owner); err != nil {
			return cleared, err
		}
		cleared = append(cleared, claim)
	}
	return cleared, nil
}

// CompleteSession atomically records an artifact and drops the session and
// its claim.
func (ms *MetadataStore) CompleteSession(artifact ArtifactRecord) error {
	if artifact.CompletedAt == 0 {
		artifact.CompletedAt = time.Now().Unix()
	}
	return ms.updateWithRetry(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(sessionPrefix + artifact.SessionID)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(claimPrefix + artifact.SessionID)); err != nil {
			return err
		}
		return setJSON(txn, []byte(artifactPrefix+artifact.FileName), artifact)
	})
}

// GetArtifact retrieves the latest artifact record for a file name.
func (ms *MetadataStore) GetArtifact(fileName string) (ArtifactRecord, error) {
	var rec ArtifactRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(artifactPrefix+fileName), &rec)
	})
	return rec, err
}

// ListArtifacts returns every artifact record ordered by file name.
func (ms *MetadataStore) ListArtifacts() ([]ArtifactRecord, error) {
	var artifacts []ArtifactRecord
	err := ms.scan(artifactPrefix, func(val []byte) error {
		var rec ArtifactRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		artifacts = append(artifacts, rec)
		return nil
	})
	return artifacts, err
}

func (ms *MetadataStore) updateWithRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = ms.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("metadata: too many transaction conflicts: %w", err)
}

func (ms *MetadataStore) scan(prefix string, fn func(val []byte) error) error {
	return ms.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}
