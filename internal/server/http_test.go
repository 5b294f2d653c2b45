package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eduflow/mediaupload/internal/assemble"
	"github.com/eduflow/mediaupload/internal/media"
	"github.com/eduflow/mediaupload/internal/pipeline"
	"github.com/eduflow/mediaupload/internal/relay"
	"github.com/eduflow/mediaupload/internal/storage"
	"github.com/eduflow/mediaupload/internal/uploader"
	"github.com/eduflow/mediaupload/pkg/schema"
)

type noopRunner struct{}

func (noopRunner) Enqueue(pipeline.Job) {}

func newTestServer(t *testing.T) (*httptest.Server, *storage.MemoryStore, *relay.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	r := relay.NewMemory(logger)
	asm := assemble.New(t.TempDir(), store, media.DefaultSizePolicy(), media.NewResolver(), noopRunner{}, "medium", logger)
	h := NewHandlers(asm, r, logger)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store, r
}

// TestDirectUploadOverHTTP runs the whole client stack against the server: a
// small file goes through the single-shot endpoint and lands in storage.
func TestDirectUploadOverHTTP(t *testing.T) {
	srv, store, _ := newTestServer(t)

	stateStore, err := uploader.NewStateStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	mgr := uploader.NewManager(uploader.NewHTTPTransport(srv.URL, srv.Client()), stateStore, slog.New(slog.NewTextHandler(io.Discard, nil)))

	path := filepath.Join(t.TempDir(), "syllabus.pdf")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 3000)), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	f, closeFile, err := uploader.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFile()

	_, res, err := mgr.Begin(context.Background(), f, uploader.Target{
		Resource:    "courses",
		ItemID:      "3",
		FieldName:   "syllabus",
		Title:       "Syllabus",
		ContentType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if res.Status != schema.ResultOK {
		t.Fatalf("expected ok, got %s", res.Status)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", store.Len())
	}
}

// TestChunkedProtocolOverHTTP drives the wire protocol itself: init, then
// chunks, with the partial/ok progression the client relies on.
func TestChunkedProtocolOverHTTP(t *testing.T) {
	srv, store, _ := newTestServer(t)
	tr := uploader.NewHTTPTransport(srv.URL, srv.Client())
	ctx := context.Background()

	init := schema.UploadInit{
		ClientID:    "c1",
		UploadID:    "u1",
		Resource:    "courses",
		ItemID:      "3",
		FieldName:   "syllabus",
		FileName:    "syllabus.pdf",
		ContentType: "application/pdf",
		FileSize:    10,
		ChunkSize:   5,
		TotalChunks: 2,
		Title:       "Syllabus",
	}
	if err := tr.Init(ctx, init); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	meta := schema.ChunkMeta{ClientID: "c1", UploadID: "u1", TotalChunks: 2, FileName: "syllabus.pdf"}

	meta.ChunkIndex = 0
	res, err := tr.SendChunk(ctx, meta, strings.NewReader("first"))
	if err != nil {
		t.Fatalf("SendChunk(0) returned error: %v", err)
	}
	if res.Status != schema.ResultPartial {
		t.Fatalf("expected partial, got %s", res.Status)
	}

	meta.ChunkIndex = 1
	res, err = tr.SendChunk(ctx, meta, strings.NewReader("-last"))
	if err != nil {
		t.Fatalf("SendChunk(1) returned error: %v", err)
	}
	if res.Status != schema.ResultOK {
		t.Fatalf("expected ok, got %s", res.Status)
	}
	if res.Item == nil || res.Item.Size != 10 {
		t.Fatalf("unexpected item: %+v", res.Item)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one stored object, got %d", store.Len())
	}
}

func TestInitRejectsUnsupportedAndOversized(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := []struct {
		req  schema.UploadInit
		code int
	}{
		{
			req: schema.UploadInit{
				UploadID: "u1", FileName: "blob.xyz", ContentType: "application/octet-stream",
				FileSize: 10, ChunkSize: 10, TotalChunks: 1,
			},
			code: http.StatusUnsupportedMediaType,
		},
		{
			req: schema.UploadInit{
				UploadID: "u2", FileName: "photo.jpg", ContentType: "image/jpeg",
				FileSize: 60 << 20, ChunkSize: 10, TotalChunks: 1,
			},
			code: http.StatusRequestEntityTooLarge,
		},
	}
	for _, c := range cases {
		b, _ := json.Marshal(c.req)
		resp, err := srv.Client().Post(srv.URL+"/api/upload/init", "application/json", strings.NewReader(string(b)))
		if err != nil {
			t.Fatalf("POST init: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != c.code {
			t.Fatalf("%s: got status %d, want %d", c.req.FileName, resp.StatusCode, c.code)
		}
	}
}

func TestChunkForUnknownUploadIsBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := srv.Client().Post(srv.URL+"/api/upload/chunk?upload_id=nope&chunk_index=0&total_chunks=1", "application/octet-stream", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST chunk: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	var result schema.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if result.Error == "" {
		t.Fatalf("error response carries no message")
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, r := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/upload/unknown/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown client: got %d, want 404", resp.StatusCode)
	}

	_ = r.Publish(context.Background(), schema.ProgressEvent{
		ClientID: "c1", Kind: schema.EventProgress, Percent: 55, HappenedAt: 1,
	})

	resp, err = srv.Client().Get(srv.URL + "/api/upload/c1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var snap schema.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Progress != 55 || snap.Status != schema.StatusProcessing {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestEventsWebsocketSyncThenStream(t *testing.T) {
	srv, _, r := newTestServer(t)
	ctx := context.Background()

	// State that exists before the viewer connects arrives as a sync frame.
	_ = r.Publish(ctx, schema.ProgressEvent{
		ClientID: "c1", Kind: schema.EventStage, Stage: schema.StageCompressing, HappenedAt: 1,
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/upload/c1/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var sync wsMessage
	if err := conn.ReadJSON(&sync); err != nil {
		t.Fatalf("read sync: %v", err)
	}
	if sync.Type != "sync" || sync.Snapshot == nil || sync.Snapshot.Stage != schema.StageCompressing {
		t.Fatalf("unexpected sync frame: %+v", sync)
	}

	_ = r.Publish(ctx, schema.ProgressEvent{
		ClientID: "c1", Kind: schema.EventProgress, Percent: 90, HappenedAt: 2,
	})

	var live wsMessage
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if live.Type != "event" || live.Event == nil || live.Event.Percent != 90 {
		t.Fatalf("unexpected event frame: %+v", live)
	}
}
