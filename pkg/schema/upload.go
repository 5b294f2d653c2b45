// pkg/schema/upload.go
package schema

// UploadInit is sent once before a chunked transfer to validate the file and
// register the upload id grouping its chunks.
type UploadInit struct {
	ClientID    string `json:"client_id"`
	UploadID    string `json:"upload_id"`
	Resource    string `json:"resource"`
	ItemID      string `json:"item_id"`
	FieldName   string `json:"field_name"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Title       string `json:"title,omitempty"`
	IsEdit      bool   `json:"is_edit,omitempty"`
}

// ChunkMeta identifies one chunk within a registered upload.
type ChunkMeta struct {
	ClientID    string `json:"client_id"`
	UploadID    string `json:"upload_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	FileName    string `json:"file_name"`
}

// Upload result statuses returned by the assembler.
const (
	ResultOK         = "ok"
	ResultPartial    = "partial"
	ResultProcessing = "processing"
)

// Item describes a finalized artifact placed in storage.
type Item struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

// UploadResult is the assembler's response to a chunk or direct upload.
// Status "processing" means a background job owns the artifact now and
// completion will arrive via the progress relay; the caller must not treat
// the write as finished.
type UploadResult struct {
	Status string `json:"status"`
	Item   *Item  `json:"item,omitempty"`
	Error  string `json:"error,omitempty"`
}
