// Package assemble accumulates uploaded chunks by upload id, assembles the
// final artifact when the set is complete, and decides between synchronous
// placement and asynchronous pipeline handoff.
package assemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"context"

	"github.com/eduflow/mediaupload/internal/media"
	"github.com/eduflow/mediaupload/internal/pipeline"
	"github.com/eduflow/mediaupload/internal/storage"
	"github.com/eduflow/mediaupload/pkg/schema"
)

var (
	ErrUnknownUpload = errors.New("unknown upload id")
	ErrChunkIndex    = errors.New("chunk index out of range")
)

const (
	metaFileName   = "meta.json"
	resultFileName = "result.json"
)

// imageThumbBox bounds the thumbnail written next to placed images.
const imageThumbBox = 512

// JobRunner is the pipeline handoff. Enqueue must return immediately; the
// upload response never blocks on pipeline completion.
type JobRunner interface {
	Enqueue(job pipeline.Job)
}

// Assembler stages chunks on local disk under stagingDir/{uploadID}/ and
// finalizes artifacts through the storage layer.
type Assembler struct {
	stagingDir string
	store      storage.Store
	policy     media.SizePolicy
	resolver   *media.Resolver
	jobs       JobRunner
	quality    string
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(stagingDir string, store storage.Store, policy media.SizePolicy, resolver *media.Resolver, jobs JobRunner, quality string, logger *slog.Logger) *Assembler {
	return &Assembler{
		stagingDir: stagingDir,
		store:      store,
		policy:     policy,
		resolver:   resolver,
		jobs:       jobs,
		quality:    quality,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

// lockFor serializes all work on one uploadId's chunk set.
func (a *Assembler) lockFor(uploadID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[uploadID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[uploadID] = l
	}
	return l
}

func (a *Assembler) uploadDir(uploadID string) string {
	return filepath.Join(a.stagingDir, filepath.Base(uploadID))
}

// Init validates the declared file against the size policy and registers the
// upload id. Rejections happen here, before any chunk is accepted.
func (a *Assembler) Init(ctx context.Context, req schema.UploadInit) error {
	kind, err := media.ClassifyStrict(req.ContentType, req.FileName)
	if err != nil {
		return err
	}
	if err := a.policy.CheckSize(kind, req.FileSize); err != nil {
		return err
	}
	if req.UploadID == "" || req.TotalChunks <= 0 || req.ChunkSize <= 0 {
		return fmt.Errorf("invalid upload init: id=%q chunks=%d size=%d", req.UploadID, req.TotalChunks, req.ChunkSize)
	}

	dir := a.uploadDir(req.UploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), b, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	a.logger.Info("upload registered", "upload_id", req.UploadID, "kind", kind, "total_chunks", req.TotalChunks)
	return nil
}

func (a *Assembler) loadMeta(uploadID string) (schema.UploadInit, error) {
	b, err := os.ReadFile(filepath.Join(a.uploadDir(uploadID), metaFileName))
	if err != nil {
		return schema.UploadInit{}, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	var req schema.UploadInit
	if err := json.Unmarshal(b, &req); err != nil {
		return schema.UploadInit{}, fmt.Errorf("corrupt meta for %s: %w", uploadID, err)
	}
	return req, nil
}

// SaveChunk stores one chunk. Replaying an index that is already on disk is a
// no-op, which is what makes at-least-once client delivery safe. When the
// chunk set is complete the artifact is assembled and completed.
func (a *Assembler) SaveChunk(ctx context.Context, meta schema.ChunkMeta, r io.Reader) (*schema.UploadResult, error) {
	l := a.lockFor(meta.UploadID)
	l.Lock()
	defer l.Unlock()

	// A client that crashed between the final ack and its cursor write will
	// replay the last chunk of an already-assembled upload. Answer with the
	// recorded result instead of rejecting the id.
	if res, ok := a.loadResult(meta.UploadID); ok {
		a.logger.Info("chunk replay after completion, returning recorded result", "upload_id", meta.UploadID, "index", meta.ChunkIndex)
		return res, nil
	}

	init, err := a.loadMeta(meta.UploadID)
	if err != nil {
		return nil, err
	}
	if meta.ChunkIndex < 0 || meta.ChunkIndex >= init.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkIndex, meta.ChunkIndex, init.TotalChunks)
	}

	dir := a.uploadDir(meta.UploadID)
	chunkPath := filepath.Join(dir, fmt.Sprintf("%06d.part", meta.ChunkIndex))
	if _, err := os.Stat(chunkPath); err == nil {
		a.logger.Info("duplicate chunk, skipping", "upload_id", meta.UploadID, "index", meta.ChunkIndex)
	} else {
		if err := writeFileAtomic(chunkPath, r); err != nil {
			return nil, fmt.Errorf("store chunk %d: %w", meta.ChunkIndex, err)
		}
	}

	if !a.allChunksPresent(dir, init.TotalChunks) {
		return &schema.UploadResult{Status: schema.ResultPartial}, nil
	}
	return a.assembleAndComplete(ctx, init)
}

// Direct handles the single-shot path for files at or under one chunk size.
func (a *Assembler) Direct(ctx context.Context, req schema.UploadInit, r io.Reader) (*schema.UploadResult, error) {
	kind, err := media.ClassifyStrict(req.ContentType, req.FileName)
	if err != nil {
		return nil, err
	}
	if err := a.policy.CheckSize(kind, req.FileSize); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(a.stagingDir, "direct-*")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("receive file: %w", err)
	}
	return a.complete(ctx, req, kind, tmp.Name(), size)
}

func (a *Assembler) allChunksPresent(dir string, total int) bool {
	for i := 0; i < total; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("%06d.part", i))); err != nil {
			return false
		}
	}
	return true
}

// assembleAndComplete concatenates the chunk set in index order and hands the
// artifact to completion. The staging dir is removed on success.
func (a *Assembler) assembleAndComplete(ctx context.Context, init schema.UploadInit) (*schema.UploadResult, error) {
	dir := a.uploadDir(init.UploadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}

	var parts []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".part" {
			parts = append(parts, e.Name())
		}
	}
	sort.Strings(parts)

	out, err := os.CreateTemp(a.stagingDir, "assembled-*")
	if err != nil {
		return nil, fmt.Errorf("create assembled file: %w", err)
	}
	var size int64
	for _, name := range parts {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			out.Close()
			os.Remove(out.Name())
			return nil, fmt.Errorf("open chunk %s: %w", name, err)
		}
		n, err := io.Copy(out, f)
		f.Close()
		if err != nil {
			out.Close()
			os.Remove(out.Name())
			return nil, fmt.Errorf("concat chunk %s: %w", name, err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("close assembled file: %w", err)
	}

	kind, err := media.ClassifyStrict(init.ContentType, init.FileName)
	if err != nil {
		os.Remove(out.Name())
		return nil, err
	}

	result, err := a.complete(ctx, init, kind, out.Name(), size)
	if err != nil {
		os.Remove(out.Name())
		return nil, err
	}

	// Drop the chunks but leave a completion marker behind so a replayed
	// final chunk stays a no-op. GC removes the marker with the dir.
	if err := a.recordResult(dir, result); err != nil {
		a.logger.Warn("record completion marker failed", "upload_id", init.UploadID, "err", err)
	}
	for _, name := range parts {
		os.Remove(filepath.Join(dir, name))
	}
	os.Remove(filepath.Join(dir, metaFileName))

	a.logger.Info("upload assembled", "upload_id", init.UploadID, "size", size, "status", result.Status)
	return result, nil
}

func (a *Assembler) recordResult(dir string, result *schema.UploadResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, resultFileName), b, 0o644)
}

// loadResult returns the recorded outcome of an already-assembled upload.
func (a *Assembler) loadResult(uploadID string) (*schema.UploadResult, bool) {
	b, err := os.ReadFile(filepath.Join(a.uploadDir(uploadID), resultFileName))
	if err != nil {
		return nil, false
	}
	var res schema.UploadResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// complete finalizes an assembled artifact. Video goes to the background
// pipeline and returns immediately with status "processing"; everything else
// is placed synchronously. complete takes ownership of artifactPath.
func (a *Assembler) complete(ctx context.Context, init schema.UploadInit, kind media.Kind, artifactPath string, size int64) (*schema.UploadResult, error) {
	placement, err := a.resolver.Resolve(kind, init.Resource, init.ItemID, media.NamingHint{
		Title:    init.Title,
		Fallback: init.FileName,
	}, init.FileName, init.IsEdit)
	if err != nil {
		os.Remove(artifactPath)
		return nil, err
	}

	if kind == media.KindVideo {
		a.jobs.Enqueue(pipeline.Job{
			ClientID:   init.ClientID,
			InputPath:  artifactPath,
			FolderPath: placement.FolderPath,
			FileName:   placement.FileName,
			Quality:    a.quality,
		})
		return &schema.UploadResult{Status: schema.ResultProcessing}, nil
	}

	defer os.Remove(artifactPath)

	if kind == media.KindImage {
		normalized := artifactPath + ".jpg"
		if err := pipeline.NormalizeImage(artifactPath, normalized); err != nil {
			return nil, fmt.Errorf("normalize image: %w", err)
		}
		defer os.Remove(normalized)
		artifactPath = normalized
	}

	if err := a.store.EnsureDir(ctx, placement.FolderPath); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	itemPath := path.Join(placement.FolderPath, placement.FileName)
	if err := a.store.Write(ctx, itemPath, f); err != nil {
		return nil, fmt.Errorf("place artifact: %w", err)
	}

	if kind == media.KindImage {
		a.placeImageThumbnail(ctx, artifactPath, placement)
	}

	return &schema.UploadResult{
		Status: schema.ResultOK,
		Item: &schema.Item{
			Name: placement.FileName,
			Path: itemPath,
			Kind: string(kind),
			Size: size,
		},
	}, nil
}

// placeImageThumbnail writes a fitted thumbnail next to a placed image.
// Failure is logged and absorbed, as with video thumbnails.
func (a *Assembler) placeImageThumbnail(ctx context.Context, artifactPath string, placement media.Placement) {
	thumbPath := artifactPath + ".thumb.jpg"
	if _, _, err := pipeline.StillThumbnail(artifactPath, thumbPath, imageThumbBox, imageThumbBox); err != nil {
		a.logger.Warn("image thumbnail failed, continuing without", "err", err)
		return
	}
	defer os.Remove(thumbPath)

	tf, err := os.Open(thumbPath)
	if err != nil {
		a.logger.Warn("open image thumbnail failed", "err", err)
		return
	}
	defer tf.Close()

	ext := path.Ext(placement.FileName)
	thumbName := placement.FileName[:len(placement.FileName)-len(ext)] + "-thumb.jpg"
	if err := a.store.Write(ctx, path.Join(placement.FolderPath, thumbName), tf); err != nil {
		a.logger.Warn("write image thumbnail failed", "err", err)
	}
}

// GC removes staging directories for uploads that have seen no activity
// within maxAge. Incomplete transfers older than the client freshness window
// will never resume, so their chunks are dead weight.
func (a *Assembler) GC(maxAge time.Duration) {
	entries, err := os.ReadDir(a.stagingDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(a.stagingDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			a.logger.Warn("gc staging dir failed", "dir", dir, "err", err)
			continue
		}
		a.logger.Info("gc removed stale upload", "upload_id", e.Name())
	}
}

func writeFileAtomic(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".part-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
