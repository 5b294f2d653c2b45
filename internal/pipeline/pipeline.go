// Package pipeline runs the asynchronous media processing job for heavy
// artifacts: compress, generate derived assets, assemble into public paths.
// Jobs are owned exclusively by the pipeline; the outside world sees only the
// events it emits through the progress relay.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/eduflow/mediaupload/internal/relay"
	"github.com/eduflow/mediaupload/internal/storage"
	"github.com/eduflow/mediaupload/pkg/schema"
)

// jobTimeout bounds one job end to end; the stall watchdog catches hung jobs
// well before this, it only exists so goroutines cannot leak forever.
const jobTimeout = 2 * time.Hour

const thumbFrameSize = 640

// Job is one video/heavy-asset processing job. InputPath is a private temp
// file the pipeline takes ownership of and removes when the job terminates.
type Job struct {
	ClientID   string
	InputPath  string
	FolderPath string
	FileName   string
	Quality    string
}

// Encoder is the transcoder contract the pipeline drives.
type Encoder interface {
	Capability() Capability
	Transcode(ctx context.Context, input, output string, q QualityPolicy, onProgress func(percent int)) error
}

// FrameGrabber derives a still-frame thumbnail from a video.
type FrameGrabber interface {
	ExtractFrame(ctx context.Context, input, output string, size int) error
}

// Pipeline executes jobs in background goroutines, one per job, decoupled
// from the request that triggered them.
type Pipeline struct {
	encoder Encoder
	frames  FrameGrabber
	store   storage.Store
	relay   relay.Relay
	logger  *slog.Logger

	wg sync.WaitGroup
}

func New(encoder Encoder, frames FrameGrabber, store storage.Store, r relay.Relay, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		encoder: encoder,
		frames:  frames,
		store:   store,
		relay:   r,
		logger:  logger,
	}
}

// Enqueue hands a job to the pipeline and returns immediately. The job runs
// to completion or failure independently of any viewer.
func (p *Pipeline) Enqueue(job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		p.run(ctx, job)
	}()
}

// Wait blocks until all enqueued jobs have terminated.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(ctx context.Context, job Job) {
	logger := p.logger.With("client_id", job.ClientID, "file", job.FileName)
	defer os.Remove(job.InputPath)

	workPath, cleanupWork, err := p.compress(ctx, job, logger)
	if err != nil {
		logger.Error("compression failed", "err", err)
		p.fail(ctx, job, "video compression failed")
		return
	}
	defer cleanupWork()

	thumbPath := p.generateAssets(ctx, job, workPath, logger)
	if thumbPath != "" {
		defer os.Remove(thumbPath)
	}

	if err := p.assemble(ctx, job, workPath, thumbPath, logger); err != nil {
		logger.Error("assembly failed", "err", err)
		p.fail(ctx, job, "failed to finalize processed video")
		return
	}

	p.emit(ctx, job, schema.ProgressEvent{Kind: schema.EventDone})
	logger.Info("job complete", "folder", job.FolderPath)
}

// compress runs the encode stage. When the transcoder is unavailable the
// original file is used as-is; that is a deliberate fallback, not an error.
func (p *Pipeline) compress(ctx context.Context, job Job, logger *slog.Logger) (string, func(), error) {
	p.emit(ctx, job, schema.ProgressEvent{Kind: schema.EventStage, Stage: schema.StageCompressing})

	if p.encoder.Capability() == CapabilityUnavailable {
		logger.Warn("transcoder unavailable, using original file")
		return job.InputPath, func() {}, nil
	}

	out, err := os.CreateTemp("", "mediaupload-encode-*.mp4")
	if err != nil {
		return "", nil, fmt.Errorf("create temp: %w", err)
	}
	out.Close()

	policy := PolicyFor(job.Quality)
	lastPct := -1
	err = p.encoder.Transcode(ctx, job.InputPath, out.Name(), policy, func(pct int) {
		if pct == lastPct {
			return
		}
		lastPct = pct
		p.emit(ctx, job, schema.ProgressEvent{Kind: schema.EventProgress, Stage: schema.StageCompressing, Percent: pct})
	})
	if err != nil {
		os.Remove(out.Name())
		return "", nil, err
	}
	logger.Info("compressed", "quality", policy.Name)
	return out.Name(), func() { os.Remove(out.Name()) }, nil
}

// generateAssets derives the thumbnail frame. Failure here is logged and
// absorbed: the main artifact is still usable without a thumbnail.
func (p *Pipeline) generateAssets(ctx context.Context, job Job, workPath string, logger *slog.Logger) string {
	p.emit(ctx, job, schema.ProgressEvent{Kind: schema.EventStage, Stage: schema.StageGeneratingAssets})

	thumb, err := os.CreateTemp("", "mediaupload-thumb-*.jpg")
	if err != nil {
		logger.Warn("thumbnail temp file failed", "err", err)
		return ""
	}
	thumb.Close()

	if err := p.frames.ExtractFrame(ctx, workPath, thumb.Name(), thumbFrameSize); err != nil {
		logger.Warn("thumbnail generation failed, continuing without", "err", err)
		os.Remove(thumb.Name())
		return ""
	}
	return thumb.Name()
}

// assemble moves the artifacts into their public paths. Only after this does
// the job reach done; failure here is fatal.
func (p *Pipeline) assemble(ctx context.Context, job Job, workPath, thumbPath string, logger *slog.Logger) error {
	p.emit(ctx, job, schema.ProgressEvent{Kind: schema.EventStage, Stage: schema.StageAssembling})

	if err := p.store.EnsureDir(ctx, job.FolderPath); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}

	src, err := os.Open(workPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()
	if err := p.store.Write(ctx, path.Join(job.FolderPath, job.FileName), src); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}

	if thumbPath != "" {
		tf, err := os.Open(thumbPath)
		if err != nil {
			logger.Warn("open thumbnail failed", "err", err)
			return nil
		}
		defer tf.Close()
		thumbName := thumbnailName(job.FileName)
		if err := p.store.Write(ctx, path.Join(job.FolderPath, thumbName), tf); err != nil {
			logger.Warn("write thumbnail failed", "err", err)
		}
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, job Job, message string) {
	p.emit(ctx, job, schema.ProgressEvent{Kind: schema.EventError, Message: message})
}

func (p *Pipeline) emit(ctx context.Context, job Job, ev schema.ProgressEvent) {
	ev.ClientID = job.ClientID
	ev.HappenedAt = time.Now().Unix()
	if err := p.relay.Publish(ctx, ev); err != nil {
		p.logger.Error("publish progress failed", "client_id", job.ClientID, "kind", ev.Kind, "err", err)
	}
}

func thumbnailName(fileName string) string {
	ext := path.Ext(fileName)
	return fileName[:len(fileName)-len(ext)] + "-thumb.jpg"
}
