// Package uploader drives the client side of the resumable chunked-upload
// protocol: one chunk in flight at a time, durable resume state, bounded
// retries, and a single automatic chunk-size degrade on structural failure.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/eduflow/mediaupload/internal/media"
	"github.com/eduflow/mediaupload/pkg/schema"
)

const (
	// DefaultChunkSize is the initial chunk size for large transfers.
	DefaultChunkSize = 10 << 20
	// MinChunkSize is the floor the degrade-and-retry path shrinks to.
	MinChunkSize = 1 << 20
	// maxChunkAttempts bounds per-chunk delivery attempts.
	maxChunkAttempts = 3
	// chunkRetryBackoff is the base of the linear per-chunk backoff
	// (attempt × base).
	chunkRetryBackoff = time.Second
	// ResumeFreshness is how old persisted resume state may be before it is
	// discarded and the transfer starts over.
	ResumeFreshness = 6 * time.Hour
)

var (
	// ErrChunkTransmission is a transient per-chunk failure, retried in place.
	ErrChunkTransmission = errors.New("chunk transmission failed")
	// ErrStructuralUpload is a whole-transfer failure that survives per-chunk
	// retries; it triggers exactly one chunk-size degrade-and-restart.
	ErrStructuralUpload = errors.New("upload failed")
)

// Target identifies what the uploaded artifact is attached to.
type Target struct {
	Resource    string
	ItemID      string
	FieldName   string
	Title       string
	ContentType string
	IsEdit      bool
}

// File is the payload abstraction the manager slices chunks from.
type File interface {
	io.ReaderAt
	Name() string
	Size() int64
	ModTime() time.Time
}

// Transport delivers protocol messages to the assembler.
type Transport interface {
	Init(ctx context.Context, req schema.UploadInit) error
	SendChunk(ctx context.Context, meta schema.ChunkMeta, data io.Reader) (*schema.UploadResult, error)
	SendDirect(ctx context.Context, req schema.UploadInit, data io.Reader) (*schema.UploadResult, error)
}

// Manager is the chunk upload manager. It runs a strictly sequential loop per
// upload; resumability state is persisted after every acknowledged chunk so a
// crash re-sends at most one chunk.
type Manager struct {
	transport Transport
	store     *StateStore
	policy    media.SizePolicy
	logger    *slog.Logger

	chunkSize    int64
	minChunkSize int64
	backoff      time.Duration
	freshness    time.Duration
	now          func() time.Time
}

func NewManager(transport Transport, store *StateStore, logger *slog.Logger) *Manager {
	return &Manager{
		transport:    transport,
		store:        store,
		policy:       media.DefaultSizePolicy(),
		logger:       logger,
		chunkSize:    DefaultChunkSize,
		minChunkSize: MinChunkSize,
		backoff:      chunkRetryBackoff,
		freshness:    ResumeFreshness,
		now:          time.Now,
	}
}

// Begin starts (or resumes) the upload of file to target and runs it to its
// outcome. The returned clientId is the correlation id to subscribe with; a
// result with status "processing" means a background job now owns the
// artifact and completion arrives via the progress relay.
func (m *Manager) Begin(ctx context.Context, file File, target Target) (string, *schema.UploadResult, error) {
	kind, err := media.ClassifyStrict(target.ContentType, file.Name())
	if err != nil {
		return "", nil, err
	}
	if err := m.policy.CheckSize(kind, file.Size()); err != nil {
		return "", nil, err
	}

	key := Key(target.Resource, target.ItemID, target.FieldName)
	release, err := m.store.AcquireLease(key)
	if err != nil {
		return "", nil, err
	}
	defer release()

	clientID := m.clientIDFor(key)
	if err := m.saveSession(key, clientID, target, file, schema.StatusUploading, 0); err != nil {
		return clientID, nil, err
	}

	var result *schema.UploadResult
	if file.Size() <= m.chunkSize {
		result, err = m.uploadDirect(ctx, file, target, clientID)
	} else {
		result, err = m.uploadChunked(ctx, file, target, clientID, key, m.chunkSize, false)
		if err != nil && !errors.Is(err, context.Canceled) && m.chunkSize > m.minChunkSize {
			// One automatic degrade-and-retry: fresh uploadId, minimum chunk
			// size, restart from chunk 0.
			m.logger.Warn("structural upload failure, degrading chunk size", "client_id", clientID, "err", err)
			m.store.ClearCursor(key)
			result, err = m.uploadChunked(ctx, file, target, clientID, key, m.minChunkSize, true)
		}
	}
	if err != nil {
		// Keep the cursor: a later attempt with the same file resumes from
		// the last durably recorded chunk.
		_ = m.saveSession(key, clientID, target, file, schema.StatusError, 0)
		return clientID, nil, err
	}

	switch result.Status {
	case schema.ResultProcessing:
		// The write is not complete yet; keep the record so a reload can
		// reconcile against the relay.
		m.store.ClearCursor(key)
		_ = m.saveSession(key, clientID, target, file, schema.StatusProcessing, 0)
	default:
		m.store.Clear(key)
	}
	return clientID, result, nil
}

// ResumeIfPending returns the clientId of a persisted in-flight session for
// the tuple, or "" when none is fresh enough to reconcile.
func (m *Manager) ResumeIfPending(resource, itemID, fieldName string) string {
	key := Key(resource, itemID, fieldName)
	rec, ok, err := m.store.LoadSession(key)
	if err != nil || !ok {
		return ""
	}
	if m.now().Sub(time.Unix(rec.Snapshot.UpdatedAt, 0)) > m.freshness {
		m.store.Clear(key)
		return ""
	}
	return rec.ClientID
}

// Finish clears durable state for the tuple after a terminal relay event.
func (m *Manager) Finish(resource, itemID, fieldName string) {
	m.store.Clear(Key(resource, itemID, fieldName))
}

// clientIDFor reuses the persisted clientId when a session for the tuple
// already exists, so a resumed attempt keeps its correlation id.
func (m *Manager) clientIDFor(key string) string {
	if rec, ok, _ := m.store.LoadSession(key); ok && rec.ClientID != "" {
		return rec.ClientID
	}
	return uuid.NewString()
}

func (m *Manager) uploadDirect(ctx context.Context, file File, target Target, clientID string) (*schema.UploadResult, error) {
	req := m.initRequest(file, target, clientID, file.Size(), 1)
	data := io.NewSectionReader(file, 0, file.Size())
	result, err := m.transport.SendDirect(ctx, req, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructuralUpload, err)
	}
	return result, nil
}

// uploadChunked runs the sequential chunk loop from the resume point.
func (m *Manager) uploadChunked(ctx context.Context, file File, target Target, clientID, key string, chunkSize int64, degraded bool) (*schema.UploadResult, error) {
	totalChunks := int((file.Size() + chunkSize - 1) / chunkSize)
	fingerprint := Fingerprint(file)

	cursor, resumed := m.loadCursor(key, fingerprint, chunkSize, totalChunks)
	if !resumed {
		cursor = CursorRecord{
			UploadID:    uuid.NewString(),
			ChunkSize:   chunkSize,
			TotalChunks: totalChunks,
			Fingerprint: fingerprint,
			UpdatedAt:   m.now().Unix(),
		}
		if err := m.store.SaveCursor(key, cursor); err != nil {
			return nil, fmt.Errorf("persist cursor: %w", err)
		}
	}
	m.logger.Info("chunked upload starting",
		"client_id", clientID, "upload_id", cursor.UploadID,
		"total_chunks", totalChunks, "from_chunk", cursor.NextChunkIndex,
		"resumed", resumed, "degraded", degraded)

	req := m.initRequest(file, target, clientID, chunkSize, totalChunks)
	req.UploadID = cursor.UploadID
	if err := m.transport.Init(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: init: %v", ErrStructuralUpload, err)
	}

	var final *schema.UploadResult
	for i := cursor.NextChunkIndex; i < totalChunks; i++ {
		result, err := m.sendChunkWithRetry(ctx, file, cursor, clientID, i)
		if err != nil {
			return nil, err
		}

		// Persist the advanced cursor before moving on: a crash after this
		// point never re-sends chunk i, a crash before it re-sends at most
		// this one chunk.
		cursor.NextChunkIndex = i + 1
		cursor.UpdatedAt = m.now().Unix()
		if err := m.store.SaveCursor(key, cursor); err != nil {
			return nil, fmt.Errorf("persist cursor: %w", err)
		}
		m.store.TouchLease(key)
		final = result
	}
	if final == nil {
		return nil, fmt.Errorf("%w: no chunks to send", ErrStructuralUpload)
	}
	return final, nil
}

// sendChunkWithRetry delivers one chunk with up to maxChunkAttempts attempts
// and linear backoff. Retryable failures are contained here and never surface
// as intermediate noise.
func (m *Manager) sendChunkWithRetry(ctx context.Context, file File, cursor CursorRecord, clientID string, index int) (*schema.UploadResult, error) {
	offset := int64(index) * cursor.ChunkSize
	length := cursor.ChunkSize
	if remaining := file.Size() - offset; remaining < length {
		length = remaining
	}
	meta := schema.ChunkMeta{
		ClientID:    clientID,
		UploadID:    cursor.UploadID,
		ChunkIndex:  index,
		TotalChunks: cursor.TotalChunks,
		FileName:    file.Name(),
	}

	var result *schema.UploadResult
	attempt := 0
	backoff := retry.WithMaxRetries(maxChunkAttempts-1, linearBackoff(m.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := m.transport.SendChunk(ctx, meta, io.NewSectionReader(file, offset, length))
		if err != nil {
			m.logger.Warn("chunk attempt failed", "chunk", index, "attempt", attempt, "err", err)
			return retry.RetryableError(fmt.Errorf("%w: chunk %d: %v", ErrChunkTransmission, index, err))
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d failed after %d attempts: %v", ErrStructuralUpload, index, attempt, err)
	}
	return result, nil
}

func (m *Manager) initRequest(file File, target Target, clientID string, chunkSize int64, totalChunks int) schema.UploadInit {
	return schema.UploadInit{
		ClientID:    clientID,
		Resource:    target.Resource,
		ItemID:      target.ItemID,
		FieldName:   target.FieldName,
		FileName:    file.Name(),
		ContentType: target.ContentType,
		FileSize:    file.Size(),
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Title:       target.Title,
		IsEdit:      target.IsEdit,
	}
}

// loadCursor accepts persisted resume state only when fingerprint, chunk
// size, and chunk count all match and the record is fresh. Anything else is
// silently discarded; a mismatched file must start a fresh uploadId at 0.
func (m *Manager) loadCursor(key, fingerprint string, chunkSize int64, totalChunks int) (CursorRecord, bool) {
	cursor, ok, err := m.store.LoadCursor(key)
	if err != nil || !ok {
		return CursorRecord{}, false
	}
	valid := cursor.Fingerprint == fingerprint &&
		cursor.ChunkSize == chunkSize &&
		cursor.TotalChunks == totalChunks &&
		cursor.NextChunkIndex >= 0 && cursor.NextChunkIndex <= totalChunks &&
		m.now().Sub(time.Unix(cursor.UpdatedAt, 0)) < m.freshness
	if !valid {
		m.logger.Info("discarding stale resume state", "key", key)
		m.store.ClearCursor(key)
		return CursorRecord{}, false
	}
	return cursor, true
}

func (m *Manager) saveSession(key, clientID string, target Target, file File, status schema.Status, progress int) error {
	return m.store.SaveSession(key, SessionRecord{
		ClientID:  clientID,
		Resource:  target.Resource,
		ItemID:    target.ItemID,
		FieldName: target.FieldName,
		FileName:  file.Name(),
		Snapshot: schema.Snapshot{
			ClientID:  clientID,
			Status:    status,
			Progress:  progress,
			UpdatedAt: m.now().Unix(),
		},
	})
}

// Fingerprint composes name, size, and mtime to detect whether a resumed
// upload is the same file as the interrupted one.
func Fingerprint(file File) string {
	return fmt.Sprintf("%s:%d:%d", file.Name(), file.Size(), file.ModTime().Unix())
}

// linearBackoff waits attempt × base between retries.
func linearBackoff(base time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * base, false
	})
}
