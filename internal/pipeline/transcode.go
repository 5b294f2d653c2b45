// internal/pipeline/transcode.go
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Capability is the tri-state result of probing for the transcoder, so the
// pipeline's "continue anyway" behavior is a normal code path rather than an
// error handler.
type Capability int

const (
	// CapabilityAvailable means ffmpeg and ffprobe are both present.
	CapabilityAvailable Capability = iota
	// CapabilityDegraded means ffmpeg is present but ffprobe is not:
	// transcoding works, granular progress does not.
	CapabilityDegraded
	// CapabilityUnavailable means ffmpeg is missing; compression is skipped
	// and the original file is used.
	CapabilityUnavailable
)

// QualityPolicy bounds one encode tier.
type QualityPolicy struct {
	Name         string
	MaxHeight    int
	VideoBitrate string
	AudioBitrate string
}

var qualityPolicies = map[string]QualityPolicy{
	"high":   {Name: "high", MaxHeight: 1080, VideoBitrate: "5000k", AudioBitrate: "192k"},
	"medium": {Name: "medium", MaxHeight: 720, VideoBitrate: "2500k", AudioBitrate: "128k"},
	"low":    {Name: "low", MaxHeight: 480, VideoBitrate: "1000k", AudioBitrate: "96k"},
}

// PolicyFor returns the encode policy for a quality level, defaulting to
// medium for unknown levels.
func PolicyFor(level string) QualityPolicy {
	if p, ok := qualityPolicies[strings.ToLower(level)]; ok {
		return p
	}
	return qualityPolicies["medium"]
}

// Transcoder shells out to ffmpeg/ffprobe. The binary names are fields so
// tests can point them at nonexistent commands.
type Transcoder struct {
	ffmpeg  string
	ffprobe string
}

func NewTranscoder() *Transcoder {
	return &Transcoder{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
}

// Capability probes the PATH for the transcoder commands.
func (t *Transcoder) Capability() Capability {
	if _, err := exec.LookPath(t.ffmpeg); err != nil {
		return CapabilityUnavailable
	}
	if _, err := exec.LookPath(t.ffprobe); err != nil {
		return CapabilityDegraded
	}
	return CapabilityAvailable
}

// ProbeDuration returns the stream duration in seconds.
func (t *Transcoder) ProbeDuration(ctx context.Context, input string) (float64, error) {
	cmd := exec.CommandContext(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(out))
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

// Transcode re-encodes input to the policy's bitrate/resolution bounds.
// onProgress receives 0-100 percentage ticks parsed from ffmpeg's progress
// stream; it is never called when the duration cannot be probed.
func (t *Transcoder) Transcode(ctx context.Context, input, output string, q QualityPolicy, onProgress func(percent int)) error {
	duration := 0.0
	if d, err := t.ProbeDuration(ctx, input); err == nil {
		duration = d
	}

	// -b:v/-b:a: target bitrates per the quality tier
	// scale=-2:'min(H,ih)': cap height without upscaling, keep width even
	// -movflags +faststart: front-load the moov atom for web playback
	// -progress pipe:1: machine-readable key=value progress on stdout
	args := []string{
		"-i", input,
		"-vf", fmt.Sprintf("scale=-2:'min(%d,ih)'", q.MaxHeight),
		"-c:v", "libx264",
		"-b:v", q.VideoBitrate,
		"-c:a", "aac",
		"-b:a", q.AudioBitrate,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		"-y",
		output,
	}

	cmd := exec.CommandContext(ctx, t.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if duration <= 0 || onProgress == nil {
			continue
		}
		if pct, ok := parseProgressLine(scanner.Text(), duration); ok {
			onProgress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, stderr.String())
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// parseProgressLine extracts a percentage from one "out_time_ms=N" line of
// ffmpeg's progress stream.
func parseProgressLine(line string, duration float64) (int, bool) {
	const key = "out_time_ms="
	if !strings.HasPrefix(line, key) {
		return 0, false
	}
	us, err := strconv.ParseInt(strings.TrimSpace(line[len(key):]), 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	pct := int(float64(us) / 1e6 / duration * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}
