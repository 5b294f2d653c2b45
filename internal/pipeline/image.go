// internal/pipeline/image.go
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// NormalizeImage re-encodes an uploaded image to JPEG at dstPath, honoring
// EXIF orientation. Every image artifact goes through this so the public
// extension is uniform regardless of the source format.
func NormalizeImage(srcPath, dstPath string) error {
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(src, dstPath, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// StillThumbnail fits an image into a boxW×boxH bounding box without
// upscaling and writes it to dstPath.
func StillThumbnail(srcPath, dstPath string, boxW, boxH int) (w int, h int, _ error) {
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, fmt.Errorf("open: %w", err)
	}

	thumb := imaging.Fit(src, boxW, boxH, imaging.Lanczos)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, 0, fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(thumb, dstPath); err != nil {
		return 0, 0, fmt.Errorf("save: %w", err)
	}

	b := thumb.Bounds()
	return b.Dx(), b.Dy(), nil
}
