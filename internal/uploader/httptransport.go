// internal/uploader/httptransport.go
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/eduflow/mediaupload/pkg/schema"
)

// HTTPTransport speaks the assembler's HTTP protocol.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: baseURL, client: client}
}

func (t *HTTPTransport) Init(ctx context.Context, req schema.UploadInit) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/upload/init", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func (t *HTTPTransport) SendChunk(ctx context.Context, meta schema.ChunkMeta, data io.Reader) (*schema.UploadResult, error) {
	q := url.Values{}
	q.Set("client_id", meta.ClientID)
	q.Set("upload_id", meta.UploadID)
	q.Set("chunk_index", strconv.Itoa(meta.ChunkIndex))
	q.Set("total_chunks", strconv.Itoa(meta.TotalChunks))
	q.Set("name", meta.FileName)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/upload/chunk?"+q.Encode(), data)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	return t.do(httpReq)
}

func (t *HTTPTransport) SendDirect(ctx context.Context, req schema.UploadInit, data io.Reader) (*schema.UploadResult, error) {
	meta, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/upload", data)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Upload-Meta", string(meta))
	return t.do(httpReq)
}

func (t *HTTPTransport) do(req *http.Request) (*schema.UploadResult, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, decodeError(resp)
	}
	var result schema.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

func decodeError(resp *http.Response) error {
	var result schema.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Error != "" {
		return fmt.Errorf("server rejected upload: %s", result.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}
