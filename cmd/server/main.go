// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/eduflow/mediaupload/internal/assemble"
	"github.com/eduflow/mediaupload/internal/bus"
	"github.com/eduflow/mediaupload/internal/media"
	"github.com/eduflow/mediaupload/internal/pipeline"
	"github.com/eduflow/mediaupload/internal/relay"
	"github.com/eduflow/mediaupload/internal/server"
	"github.com/eduflow/mediaupload/internal/storage"
)

type config struct {
	ListenAddr   string
	StagingDir   string
	Quality      string
	RelayBackend string
	NATSURL      string

	StorageBackend string
	MediaDir       string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PathStyle    bool

	GCInterval time.Duration
	GCMaxAge   time.Duration
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("server starting", "addr", cfg.ListenAddr, "staging_dir", cfg.StagingDir, "storage", cfg.StorageBackend, "relay", cfg.RelayBackend)

	store, err := buildStore(cfg)
	if err != nil {
		fatal(logger, "build storage backend", err)
	}

	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		fatal(logger, "ensure staging directory", err, "staging_dir", cfg.StagingDir)
	}

	var progressRelay relay.Relay
	var watchdog *relay.Watchdog
	switch cfg.RelayBackend {
	case "nats":
		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
		}
		defer nc.Close()
		natsRelay, err := relay.NewNATS(nc, logger)
		if err != nil {
			fatal(logger, "build NATS relay", err)
		}
		defer natsRelay.Close()
		progressRelay = natsRelay
		watchdog = relay.NewWatchdog(natsRelay, logger)
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	default:
		mem := relay.NewMemory(logger)
		progressRelay = mem
		watchdog = relay.NewWatchdog(mem, logger)
	}

	transcoder := pipeline.NewTranscoder()
	switch transcoder.Capability() {
	case pipeline.CapabilityUnavailable:
		logger.Warn("ffmpeg not found, video compression disabled")
	case pipeline.CapabilityDegraded:
		logger.Warn("ffprobe not found, encode progress reporting disabled")
	}

	jobs := pipeline.New(transcoder, pipeline.NewFrameExtractor(), store, progressRelay, logger)
	asm := assemble.New(cfg.StagingDir, store, media.DefaultSizePolicy(), media.NewResolver(), jobs, cfg.Quality, logger)
	handlers := server.NewHandlers(asm, progressRelay, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watchdog.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				asm.GC(cfg.GCMaxAge)
			}
		}
	}()

	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, handlers.Routes()); err != nil {
		fatal(logger, "serve", err)
	}
}

func buildStore(cfg config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3Store(context.Background(), cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, cfg.S3PathStyle)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewLocalStore(cfg.MediaDir), nil
	}
}

func loadConfig() (config, error) {
	cfg := config{
		ListenAddr:     getenv("LISTEN_ADDR", ":8080"),
		StagingDir:     getenv("STAGING_DIR", "./data/staging"),
		Quality:        getenv("VIDEO_QUALITY", "medium"),
		RelayBackend:   getenv("RELAY_BACKEND", "memory"),
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		StorageBackend: getenv("STORAGE_BACKEND", "local"),
		MediaDir:       getenv("MEDIA_DIR", "./data/media"),
		S3Bucket:       getenv("AWS_S3_BUCKET", "eduflow-media"),
		S3Region:       getenv("AWS_S3_REGION", "us-east-1"),
		S3Endpoint:     getenv("AWS_S3_ENDPOINT", ""),
		S3PathStyle:    getenvBool("AWS_S3_USE_PATH_STYLE", true),
	}

	gcIntervalMin, err := parsePositiveInt(getenv("GC_INTERVAL_MINUTES", "60"), "GC_INTERVAL_MINUTES")
	if err != nil {
		return config{}, err
	}
	cfg.GCInterval = time.Duration(gcIntervalMin) * time.Minute

	gcMaxAgeHours, err := parsePositiveInt(getenv("GC_MAX_AGE_HOURS", "6"), "GC_MAX_AGE_HOURS")
	if err != nil {
		return config{}, err
	}
	cfg.GCMaxAge = time.Duration(gcMaxAgeHours) * time.Hour

	switch cfg.RelayBackend {
	case "memory", "nats":
	default:
		return config{}, fmt.Errorf("invalid RELAY_BACKEND %q (want memory or nats)", cfg.RelayBackend)
	}
	switch cfg.StorageBackend {
	case "local", "s3", "memory":
	default:
		return config{}, fmt.Errorf("invalid STORAGE_BACKEND %q (want local, s3, or memory)", cfg.StorageBackend)
	}

	return cfg, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
