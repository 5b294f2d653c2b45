package assemble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eduflow/mediaupload/internal/media"
	"github.com/eduflow/mediaupload/internal/pipeline"
	"github.com/eduflow/mediaupload/internal/storage"
	"github.com/eduflow/mediaupload/pkg/schema"
)

type fakeRunner struct {
	jobs []pipeline.Job
}

func (f *fakeRunner) Enqueue(job pipeline.Job) {
	f.jobs = append(f.jobs, job)
}

func newTestAssembler(t *testing.T) (*Assembler, *storage.MemoryStore, *fakeRunner) {
	t.Helper()
	store := storage.NewMemoryStore()
	runner := &fakeRunner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	asm := New(t.TempDir(), store, media.DefaultSizePolicy(), media.NewResolver(), runner, "medium", logger)
	return asm, store, runner
}

func docInit(uploadID string, totalChunks int, chunkSize int64, size int64) schema.UploadInit {
	return schema.UploadInit{
		ClientID:    "courses-3-syllabus",
		UploadID:    uploadID,
		Resource:    "courses",
		ItemID:      "3",
		FieldName:   "syllabus",
		FileName:    "syllabus.pdf",
		ContentType: "application/pdf",
		FileSize:    size,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Title:       "Syllabus",
	}
}

func TestInitRejectsOversizedFile(t *testing.T) {
	asm, _, _ := newTestAssembler(t)
	req := docInit("u1", 1, 1024, 60<<20)
	req.FileName = "photo.jpg"
	req.ContentType = "image/jpeg"
	if err := asm.Init(context.Background(), req); !errors.Is(err, media.ErrSizeLimitExceeded) {
		t.Fatalf("expected ErrSizeLimitExceeded, got %v", err)
	}
}

func TestInitRejectsUnsupportedType(t *testing.T) {
	asm, _, _ := newTestAssembler(t)
	req := docInit("u1", 1, 1024, 10)
	req.FileName = "blob.xyz"
	req.ContentType = "application/octet-stream"
	if err := asm.Init(context.Background(), req); !errors.Is(err, media.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestChunkedUploadAssemblesInOrder(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	ctx := context.Background()

	chunks := []string{"alpha-", "beta-", "gamma"}
	var total int64
	for _, c := range chunks {
		total += int64(len(c))
	}
	req := docInit("u1", len(chunks), int64(len(chunks[0])), total)
	if err := asm.Init(ctx, req); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	// Deliver out of order; assembly must still be index order.
	for _, i := range []int{2, 0, 1} {
		res, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: i}, strings.NewReader(chunks[i]))
		if err != nil {
			t.Fatalf("SaveChunk(%d) returned error: %v", i, err)
		}
		if i != 1 && res.Status != schema.ResultPartial {
			t.Fatalf("chunk %d: expected partial, got %s", i, res.Status)
		}
		if i == 1 {
			if res.Status != schema.ResultOK {
				t.Fatalf("final chunk: expected ok, got %s", res.Status)
			}
			if res.Item == nil || res.Item.Size != total {
				t.Fatalf("unexpected item: %+v", res.Item)
			}
			var buf bytes.Buffer
			r, err := store.Read(ctx, res.Item.Path)
			if err != nil {
				t.Fatalf("artifact not in store: %v", err)
			}
			io.Copy(&buf, r)
			r.Close()
			if buf.String() != "alpha-beta-gamma" {
				t.Fatalf("assembled out of order: %q", buf.String())
			}
		}
	}

	// Chunks are gone after completion; only the completion marker remains.
	entries, err := os.ReadDir(filepath.Join(asm.stagingDir, "u1"))
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".part" {
			t.Fatalf("chunk survived completion: %s", e.Name())
		}
	}
}

func TestFinalChunkReplayAfterCompletionIsNoOp(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	ctx := context.Background()

	if err := asm.Init(ctx, docInit("u1", 2, 5, 10)); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if _, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 0}, strings.NewReader("first")); err != nil {
		t.Fatalf("SaveChunk returned error: %v", err)
	}
	first, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 1}, strings.NewReader("-last"))
	if err != nil {
		t.Fatalf("SaveChunk returned error: %v", err)
	}

	// The ack for the final chunk was lost; the client sends it again.
	replayed, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 1}, strings.NewReader("-last"))
	if err != nil {
		t.Fatalf("replayed final chunk returned error: %v", err)
	}
	if replayed.Status != schema.ResultOK {
		t.Fatalf("expected ok on replay, got %s", replayed.Status)
	}
	if replayed.Item == nil || replayed.Item.Path != first.Item.Path {
		t.Fatalf("replay returned a different item: %+v", replayed.Item)
	}
	if store.Len() != 1 {
		t.Fatalf("replay placed a duplicate artifact, store has %d objects", store.Len())
	}
}

func TestVideoReplayDoesNotEnqueueSecondJob(t *testing.T) {
	asm, _, runner := newTestAssembler(t)
	ctx := context.Background()

	req := docInit("u1", 1, 8, 8)
	req.FileName = "lecture.mov"
	req.ContentType = "video/quicktime"
	req.Resource = "lessons"
	req.ItemID = "42"
	req.Title = "Lecture One"
	if err := asm.Init(ctx, req); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	meta := schema.ChunkMeta{UploadID: "u1", ChunkIndex: 0}
	if _, err := asm.SaveChunk(ctx, meta, strings.NewReader("videodat")); err != nil {
		t.Fatalf("SaveChunk returned error: %v", err)
	}
	res, err := asm.SaveChunk(ctx, meta, strings.NewReader("videodat"))
	if err != nil {
		t.Fatalf("replayed final chunk returned error: %v", err)
	}
	if res.Status != schema.ResultProcessing {
		t.Fatalf("expected processing on replay, got %s", res.Status)
	}
	if len(runner.jobs) != 1 {
		t.Fatalf("replay enqueued a second pipeline job: %d jobs", len(runner.jobs))
	}
}

func TestChunkReplayIsIdempotent(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	ctx := context.Background()

	req := docInit("u1", 2, 5, 10)
	if err := asm.Init(ctx, req); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if _, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 0}, strings.NewReader("first")); err != nil {
		t.Fatalf("SaveChunk returned error: %v", err)
	}
	// Replay of chunk 0 with different bytes must not clobber the stored chunk.
	if _, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 0}, strings.NewReader("WRONG")); err != nil {
		t.Fatalf("replayed SaveChunk returned error: %v", err)
	}
	res, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 1}, strings.NewReader("-last"))
	if err != nil {
		t.Fatalf("SaveChunk returned error: %v", err)
	}

	var buf bytes.Buffer
	r, err := store.Read(ctx, res.Item.Path)
	if err != nil {
		t.Fatalf("artifact not in store: %v", err)
	}
	io.Copy(&buf, r)
	r.Close()
	if buf.String() != "first-last" {
		t.Fatalf("replay corrupted artifact: %q", buf.String())
	}
}

func TestSaveChunkValidation(t *testing.T) {
	asm, _, _ := newTestAssembler(t)
	ctx := context.Background()

	if _, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "nope", ChunkIndex: 0}, strings.NewReader("x")); !errors.Is(err, ErrUnknownUpload) {
		t.Fatalf("expected ErrUnknownUpload, got %v", err)
	}

	if err := asm.Init(ctx, docInit("u1", 2, 5, 10)); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if _, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 5}, strings.NewReader("x")); !errors.Is(err, ErrChunkIndex) {
		t.Fatalf("expected ErrChunkIndex, got %v", err)
	}
}

func TestVideoHandsOffToPipeline(t *testing.T) {
	asm, store, runner := newTestAssembler(t)
	ctx := context.Background()

	req := schema.UploadInit{
		ClientID:    "lessons-42-video",
		UploadID:    "u1",
		Resource:    "lessons",
		ItemID:      "42",
		FieldName:   "video",
		FileName:    "lecture.mov",
		ContentType: "video/quicktime",
		FileSize:    8,
		ChunkSize:   8,
		TotalChunks: 1,
		Title:       "Lecture One",
	}
	if err := asm.Init(ctx, req); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	res, err := asm.SaveChunk(ctx, schema.ChunkMeta{UploadID: "u1", ChunkIndex: 0}, strings.NewReader("videodat"))
	if err != nil {
		t.Fatalf("SaveChunk returned error: %v", err)
	}
	if res.Status != schema.ResultProcessing {
		t.Fatalf("expected processing, got %s", res.Status)
	}
	if res.Item != nil {
		t.Fatalf("processing result must not carry an item")
	}
	if store.Len() != 0 {
		t.Fatalf("video placed synchronously")
	}

	if len(runner.jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(runner.jobs))
	}
	job := runner.jobs[0]
	if job.ClientID != "lessons-42-video" {
		t.Fatalf("unexpected job client id: %s", job.ClientID)
	}
	if job.FolderPath != "videos/lessons-42" {
		t.Fatalf("unexpected job folder: %s", job.FolderPath)
	}
	// The assembled artifact is handed over intact for the pipeline to consume.
	b, err := os.ReadFile(job.InputPath)
	if err != nil {
		t.Fatalf("job input missing: %v", err)
	}
	if string(b) != "videodat" {
		t.Fatalf("job input corrupted: %q", b)
	}
}

func TestDirectUploadPlacesDocument(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	ctx := context.Background()

	req := docInit("", 0, 0, 9)
	res, err := asm.Direct(ctx, req, strings.NewReader("pdf-bytes"))
	if err != nil {
		t.Fatalf("Direct returned error: %v", err)
	}
	if res.Status != schema.ResultOK {
		t.Fatalf("expected ok, got %s", res.Status)
	}
	if res.Item == nil || res.Item.Size != 9 {
		t.Fatalf("unexpected item: %+v", res.Item)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", store.Len())
	}
}

func TestGCRemovesStaleUploads(t *testing.T) {
	asm, _, _ := newTestAssembler(t)
	ctx := context.Background()

	if err := asm.Init(ctx, docInit("stale", 2, 5, 10)); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if err := asm.Init(ctx, docInit("fresh", 2, 5, 10)); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	staleDir := filepath.Join(asm.stagingDir, "stale")
	if err := os.Chtimes(staleDir, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	asm.GC(time.Hour)

	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Fatalf("stale staging dir survived gc")
	}
	if _, err := os.Stat(filepath.Join(asm.stagingDir, "fresh")); err != nil {
		t.Fatalf("fresh staging dir removed by gc: %v", err)
	}
}
