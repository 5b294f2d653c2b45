// internal/uploader/state.go
package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eduflow/mediaupload/internal/media"
	"github.com/eduflow/mediaupload/pkg/schema"
)

// leaseTTL is how long a lease file is honored without a touch. A crashed
// uploader's lease goes stale and can be taken over.
const leaseTTL = 10 * time.Minute

// ErrLeaseHeld means another uploader currently owns this (resource, item,
// field) tuple. At most one active session may exist per tuple.
var ErrLeaseHeld = errors.New("upload already in progress for this field")

// SessionRecord is the durable, reload-survivable record of one in-flight
// upload: its identity plus the last-known progress snapshot.
type SessionRecord struct {
	ClientID  string          `json:"client_id"`
	Resource  string          `json:"resource"`
	ItemID    string          `json:"item_id"`
	FieldName string          `json:"field_name"`
	FileName  string          `json:"file_name"`
	Snapshot  schema.Snapshot `json:"snapshot"`
}

// CursorRecord is the resumability cursor for one chunked transfer.
// Invariant: 0 <= NextChunkIndex <= TotalChunks.
type CursorRecord struct {
	UploadID       string `json:"upload_id"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunks"`
	NextChunkIndex int    `json:"next_chunk_index"`
	Fingerprint    string `json:"fingerprint"`
	UpdatedAt      int64  `json:"updated_at"`
}

// StateStore persists upload state as JSON files in a client-local directory,
// one record set per (resource, itemID, fieldName) tuple.
type StateStore struct {
	dir string
}

func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

// Key derives the file-name-safe storage key for a tuple.
func Key(resource, itemID, fieldName string) string {
	return media.Slugify(resource) + "_" + media.Slugify(itemID) + "_" + media.Slugify(fieldName)
}

func (s *StateStore) path(key, suffix string) string {
	return filepath.Join(s.dir, key+suffix)
}

func (s *StateStore) SaveSession(key string, rec SessionRecord) error {
	return s.writeJSON(s.path(key, ".session.json"), rec)
}

func (s *StateStore) LoadSession(key string) (SessionRecord, bool, error) {
	var rec SessionRecord
	ok, err := s.readJSON(s.path(key, ".session.json"), &rec)
	return rec, ok, err
}

func (s *StateStore) ClearSession(key string) {
	_ = os.Remove(s.path(key, ".session.json"))
}

func (s *StateStore) SaveCursor(key string, rec CursorRecord) error {
	return s.writeJSON(s.path(key, ".cursor.json"), rec)
}

func (s *StateStore) LoadCursor(key string) (CursorRecord, bool, error) {
	var rec CursorRecord
	ok, err := s.readJSON(s.path(key, ".cursor.json"), &rec)
	return rec, ok, err
}

func (s *StateStore) ClearCursor(key string) {
	_ = os.Remove(s.path(key, ".cursor.json"))
}

// Clear removes every record for the tuple. Called on terminal done/error.
func (s *StateStore) Clear(key string) {
	s.ClearSession(key)
	s.ClearCursor(key)
}

// AcquireLease takes the per-tuple mutual-exclusion guard so two concurrent
// resumers cannot both read the cursor before either advances it. A lease
// untouched for longer than leaseTTL is considered abandoned and taken over.
func (s *StateStore) AcquireLease(key string) (release func(), err error) {
	lockPath := s.path(key, ".lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) < leaseTTL {
			return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
		}
		// Stale lease: take it over.
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lease: %w", err)
		}
		f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
		}
	} else if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}

	_, _ = f.WriteString(strconv.FormatInt(time.Now().Unix(), 10))
	_ = f.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}

// TouchLease extends the lease while a long transfer makes progress.
func (s *StateStore) TouchLease(key string) {
	now := time.Now()
	_ = os.Chtimes(s.path(key, ".lock"), now, now)
}

func (s *StateStore) writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *StateStore) readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		// Corrupt state is treated as absent; a fresh upload will rewrite it.
		return false, nil
	}
	return true, nil
}
