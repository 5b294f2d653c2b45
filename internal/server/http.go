// Package server exposes the upload and progress-subscription boundary over
// HTTP: chunk protocol endpoints for the upload manager and a websocket
// stream for progress viewers.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/eduflow/mediaupload/internal/assemble"
	"github.com/eduflow/mediaupload/internal/media"
	"github.com/eduflow/mediaupload/internal/relay"
	"github.com/eduflow/mediaupload/pkg/schema"
)

// Handlers wires the assembler and relay into HTTP routes.
type Handlers struct {
	asm      *assemble.Assembler
	relay    relay.Relay
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandlers(asm *assemble.Assembler, r relay.Relay, logger *slog.Logger) *Handlers {
	return &Handlers{
		asm:   asm,
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes mounts the upload API.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/api/upload", h.handleDirect)
	r.Post("/api/upload/init", h.handleInit)
	r.Post("/api/upload/chunk", h.handleChunk)
	r.Get("/api/upload/{clientID}/status", h.handleStatus)
	r.Get("/api/upload/{clientID}/events", h.handleEvents)
	return r
}

func (h *Handlers) handleInit(w http.ResponseWriter, r *http.Request) {
	var req schema.UploadInit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.asm.Init(r.Context(), req); err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, schema.UploadResult{Status: schema.ResultOK})
}

func (h *Handlers) handleChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chunkIndex, err := strconv.Atoi(q.Get("chunk_index"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid chunk_index")
		return
	}
	totalChunks, err := strconv.Atoi(q.Get("total_chunks"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid total_chunks")
		return
	}
	meta := schema.ChunkMeta{
		ClientID:    q.Get("client_id"),
		UploadID:    q.Get("upload_id"),
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		FileName:    q.Get("name"),
	}

	result, err := h.asm.SaveChunk(r.Context(), meta, r.Body)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	code := http.StatusOK
	if result.Status == schema.ResultProcessing {
		code = http.StatusAccepted
	}
	h.writeJSON(w, code, result)
}

func (h *Handlers) handleDirect(w http.ResponseWriter, r *http.Request) {
	var req schema.UploadInit
	if err := json.Unmarshal([]byte(r.Header.Get("X-Upload-Meta")), &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid X-Upload-Meta header")
		return
	}
	result, err := h.asm.Direct(r.Context(), req, r.Body)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	code := http.StatusOK
	if result.Status == schema.ResultProcessing {
		code = http.StatusAccepted
	}
	h.writeJSON(w, code, result)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	snap, ok := h.relay.Snapshot(clientID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no session for client id")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// wsMessage frames both the initial snapshot sync and live events on the
// websocket.
type wsMessage struct {
	Type     string                `json:"type"`
	Snapshot *schema.Snapshot      `json:"snapshot,omitempty"`
	Event    *schema.ProgressEvent `json:"event,omitempty"`
}

// handleEvents upgrades to a websocket, sends a snapshot sync, then streams
// live events until the viewer disconnects. Disconnecting never cancels the
// underlying job.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	sub, err := h.relay.Subscribe(r.Context(), clientID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "client_id", clientID, "err", err)
		return
	}
	defer conn.Close()

	if sub.Snapshot != nil {
		if err := conn.WriteJSON(wsMessage{Type: "sync", Snapshot: sub.Snapshot}); err != nil {
			return
		}
	}

	// Reader goroutine notices the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-sub.Events:
			if err := conn.WriteJSON(wsMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response failed", "err", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, schema.UploadResult{Status: "error", Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, media.ErrSizeLimitExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, assemble.ErrUnknownUpload), errors.Is(err, assemble.ErrChunkIndex):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
