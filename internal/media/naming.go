// internal/media/naming.go
package media

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"
)

// ErrNamingResolution means neither an owner slug nor a title hint was
// available and no explicit fallback name was supplied.
var ErrNamingResolution = errors.New("cannot resolve file name")

// NamingHint carries the candidate sources for a human-traceable file name,
// in priority order: owner slug, then title, then explicit fallback.
type NamingHint struct {
	OwnerSlug string
	Title     string
	Fallback  string
}

// Placement is the resolved destination of one artifact.
type Placement struct {
	FileName   string
	FolderPath string
}

// Resolver derives collision-resistant file names and deterministic folder
// paths. Names are timestamp-qualified so an edit never overwrites the
// previous asset in place; deleting the stale file is the storage layer's
// explicit follow-up step.
type Resolver struct {
	BaseFolders map[Kind]string

	now func() time.Time
}

// NewResolver returns a resolver with the default per-kind base folders.
func NewResolver() *Resolver {
	return &Resolver{
		BaseFolders: map[Kind]string{
			KindImage:    "images",
			KindVideo:    "videos",
			KindAudio:    "audio",
			KindDocument: "documents",
		},
		now: time.Now,
	}
}

// Resolve derives (fileName, folderPath) for an artifact attached to
// resource/ownerEntityID. Video placements get a per-entity subfolder so one
// lesson's video and thumbnail set never collides with another's.
func (r *Resolver) Resolve(kind Kind, resource, ownerEntityID string, hint NamingHint, originalName string, isEdit bool) (Placement, error) {
	base := hint.OwnerSlug
	if base == "" {
		base = Slugify(hint.Title)
	}
	if base == "" {
		base = Slugify(hint.Fallback)
	}
	if base == "" {
		return Placement{}, fmt.Errorf("%w: no owner slug, title, or fallback for %s/%s", ErrNamingResolution, resource, ownerEntityID)
	}

	name := fmt.Sprintf("%s-%d%s", base, r.now().UnixMilli(), NormalizedExt(kind, originalName))

	folder := path.Join(r.BaseFolders[kind], Slugify(resource))
	if kind == KindVideo && ownerEntityID != "" {
		folder = fmt.Sprintf("%s-%s", folder, Slugify(ownerEntityID))
	}
	return Placement{FileName: name, FolderPath: folder}, nil
}

// NormalizedExt picks the output extension for a kind. Images are always
// re-encoded to a single format; videos and documents keep a normalized
// extension without forcing a re-encode.
func NormalizedExt(kind Kind, originalName string) string {
	switch kind {
	case KindImage:
		return ".jpg"
	case KindVideo:
		return ".mp4"
	case KindAudio:
		return ".mp3"
	}
	ext := strings.ToLower(path.Ext(originalName))
	if ext == "" {
		ext = ".bin"
	}
	return ext
}

// Slugify lowercases s and collapses every run of non-alphanumeric characters
// into a single hyphen.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) && r < 128 || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
