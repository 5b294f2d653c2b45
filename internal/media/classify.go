// Package media classifies uploaded files into semantic kinds and resolves
// collision-resistant names and placement paths for their artifacts.
package media

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind is the semantic category of an uploaded file.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

var (
	ErrUnsupportedType   = errors.New("unsupported file type")
	ErrSizeLimitExceeded = errors.New("size limit exceeded")
)

// SizePolicy holds the per-kind upload ceilings in bytes.
type SizePolicy struct {
	Image    int64
	Video    int64
	Audio    int64
	Document int64
	Other    int64
}

// DefaultSizePolicy mirrors the storefront defaults: images and documents up
// to 50MB, audio up to 500MB, video up to 8GB.
func DefaultSizePolicy() SizePolicy {
	return SizePolicy{
		Image:    50 << 20,
		Video:    8 << 30,
		Audio:    500 << 20,
		Document: 50 << 20,
		Other:    0,
	}
}

// Limit returns the ceiling for a kind, 0 meaning "not accepted".
func (p SizePolicy) Limit(k Kind) int64 {
	switch k {
	case KindImage:
		return p.Image
	case KindVideo:
		return p.Video
	case KindAudio:
		return p.Audio
	case KindDocument:
		return p.Document
	}
	return p.Other
}

var mimeKinds = map[string]Kind{
	"image/jpeg":         KindImage,
	"image/png":          KindImage,
	"image/gif":          KindImage,
	"image/webp":         KindImage,
	"image/bmp":          KindImage,
	"image/tiff":         KindImage,
	"video/mp4":          KindVideo,
	"video/mpeg":         KindVideo,
	"video/quicktime":    KindVideo,
	"video/x-msvideo":    KindVideo,
	"video/webm":         KindVideo,
	"video/x-matroska":   KindVideo,
	"video/x-flv":        KindVideo,
	"audio/mpeg":         KindAudio,
	"audio/mp4":          KindAudio,
	"audio/ogg":          KindAudio,
	"audio/wav":          KindAudio,
	"audio/x-wav":        KindAudio,
	"application/pdf":    KindDocument,
	"application/msword": KindDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": KindDocument,
	"application/zip": KindDocument,
}

var extKinds = map[string]Kind{
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".bmp":  KindImage,
	".tiff": KindImage,
	".mp4":  KindVideo,
	".mpeg": KindVideo,
	".mov":  KindVideo,
	".avi":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
	".flv":  KindVideo,
	".mp3":  KindAudio,
	".m4a":  KindAudio,
	".ogg":  KindAudio,
	".wav":  KindAudio,
	".pdf":  KindDocument,
	".doc":  KindDocument,
	".docx": KindDocument,
	".zip":  KindDocument,
}

// Classify maps a declared content type and/or file name to a semantic kind.
// The MIME table wins; the extension table is the fallback. Files matching
// neither classify as KindOther.
func Classify(contentType, fileName string) Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if k, ok := mimeKinds[ct]; ok {
		return k
	}
	// Generic prefixes cover declared types missing from the table.
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "video/"):
		return KindVideo
	case strings.HasPrefix(ct, "audio/"):
		return KindAudio
	}
	if k, ok := extKinds[strings.ToLower(filepath.Ext(fileName))]; ok {
		return k
	}
	return KindOther
}

// ClassifyStrict is Classify for workflows that require a concrete kind.
func ClassifyStrict(contentType, fileName string) (Kind, error) {
	k := Classify(contentType, fileName)
	if k == KindOther {
		return KindOther, fmt.Errorf("%w: %q (%s)", ErrUnsupportedType, fileName, contentType)
	}
	return k, nil
}

// CheckSize enforces the per-kind ceiling before any chunking begins.
func (p SizePolicy) CheckSize(k Kind, size int64) error {
	limit := p.Limit(k)
	if limit <= 0 {
		return fmt.Errorf("%w: kind %s not accepted", ErrUnsupportedType, k)
	}
	if size >= limit {
		return fmt.Errorf("%w: %s of %d bytes, limit %d", ErrSizeLimitExceeded, k, size, limit)
	}
	return nil
}
