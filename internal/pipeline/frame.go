// internal/pipeline/frame.go
package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// FrameExtractor pulls a representative still frame out of a video with
// ffmpeg's thumbnail filter.
type FrameExtractor struct {
	ffmpeg   string
	seekTime int
}

func NewFrameExtractor() *FrameExtractor {
	return &FrameExtractor{
		ffmpeg:   "ffmpeg",
		seekTime: 5, // skip intros and fade-ins
	}
}

// ExtractFrame writes a single JPEG frame scaled into a size×size box.
func (f *FrameExtractor) ExtractFrame(ctx context.Context, input, output string, size int) error {
	if _, err := exec.LookPath(f.ffmpeg); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", f.ffmpeg, err)
	}

	videoFilter := "thumbnail"
	if size > 0 {
		videoFilter = fmt.Sprintf("thumbnail,scale=%d:%d:force_original_aspect_ratio=decrease", size, size)
	}

	args := []string{
		"-ss", strconv.Itoa(f.seekTime),
		"-i", input,
		"-vf", videoFilter,
		"-frames:v", "1",
		"-pix_fmt", "yuvj420p",
		"-q:v", "2",
		"-y",
		output,
	}

	cmd := exec.CommandContext(ctx, f.ffmpeg, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(out))
	}
	return nil
}
