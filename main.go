// Package main runs the stream zone monitor: it captures frames from up to a
// handful of video streams, detects and tracks people in them and reports
// whether each configured zone is worked, idle or crowded.
//
// Settings come from ZONEWATCH_* environment variables (optionally loaded
// from a .env file) and can be overridden with command-line flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/api"
	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/config"
	"github.com/clalos/stream-zone-monitor/internal/detect"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/pipeline"
	"github.com/clalos/stream-zone-monitor/internal/service"
	"github.com/clalos/stream-zone-monitor/internal/sink"
	"github.com/clalos/stream-zone-monitor/internal/stream"
)

const (
	httpShutdownTimeout = 5 * time.Second

	breakerMaxFailures = 5
	breakerCooldown    = 30 * time.Second
	breakerRecovery    = 3
)

// parseFlags applies command-line overrides on top of the environment
// settings.
func parseFlags(args []string, base config.Settings) (config.Settings, error) {
	// Create a new FlagSet to avoid global flag conflicts in tests
	fs := flag.NewFlagSet("zonewatch", flag.ContinueOnError)

	s := base
	fs.StringVar(&s.HTTPAddr, "addr", base.HTTPAddr, "HTTP listen address")
	fs.StringVar(&s.LogFormat, "logfmt", base.LogFormat, "Log format: json or kv")
	fs.StringVar(&s.LogLevel, "loglevel", base.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&s.StreamsFile, "streams", base.StreamsFile, "YAML file with streams to start at boot")
	fs.IntVar(&s.Workers, "workers", base.Workers, "Number of processing workers")
	fs.StringVar(&s.DetectorCommand, "detector", base.DetectorCommand, "Detector process command; empty disables detection")
	fs.Float64Var(&s.DetectorConfidence, "confidence", base.DetectorConfidence, "Minimum detection confidence")
	fs.Float64Var(&s.CPUThreshold, "cpu-threshold", base.CPUThreshold, "CPU percent above which workers pause; 0 disables")
	fs.DurationVar(&s.Retention, "retention", base.Retention, "How long zone history is kept")

	if err := fs.Parse(args); err != nil {
		return config.Settings{}, err
	}

	if s.LogFormat != "json" && s.LogFormat != "kv" {
		return config.Settings{}, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		return config.Settings{}, err
	}
	if s.Workers < 1 {
		return config.Settings{}, fmt.Errorf("workers must be at least 1")
	}
	if s.DetectorConfidence < 0.0 || s.DetectorConfidence > 1.0 {
		return config.Settings{}, fmt.Errorf("confidence must be between 0.0 and 1.0")
	}
	if s.CPUThreshold < 0 || s.CPUThreshold > 100 {
		return config.Settings{}, fmt.Errorf("cpu-threshold must be between 0 and 100")
	}
	if s.Retention <= 0 {
		return config.Settings{}, fmt.Errorf("retention must be positive")
	}
	limits := stream.Limits{
		MaxStreams:        s.MaxStreams,
		MaxZonesPerStream: s.MaxZonesPerStream,
		MaxTotalZones:     s.MaxTotalZones,
	}
	if err := limits.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format, level string) *slog.Logger {
	var handler slog.Handler

	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	switch format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// buildDetector starts the external detector behind a circuit breaker. With
// no command configured every frame yields zero detections.
func buildDetector(s config.Settings, logger *slog.Logger) (detect.Detector, func(), error) {
	if s.DetectorCommand == "" {
		logger.Warn("No detector command configured, zones will always report idle")
		return detect.Nop{}, func() {}, nil
	}
	bridge, err := detect.StartBridge(detect.BridgeConfig{
		Command:        s.DetectorCommand,
		Args:           s.DetectorArgs,
		Confidence:     s.DetectorConfidence,
		RequestTimeout: s.DetectorTimeout,
	}, logger.With("component", "detector"))
	if err != nil {
		return nil, nil, err
	}
	breaker := detect.NewBreaker(bridge, breakerMaxFailures, breakerCooldown, breakerRecovery, logger.With("component", "breaker"))
	return breaker, func() {
		if err := bridge.Close(); err != nil {
			logger.Warn("Failed to stop detector process", "error", err)
		}
	}, nil
}

// bootstrapStreams starts the streams listed in the streams file. A stream
// the registry rejects is logged and skipped.
func bootstrapStreams(svc *service.Service, path string, logger *slog.Logger) error {
	specs, err := config.LoadStreams(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		cfg, rects, err := spec.ToStream()
		if err == nil {
			err = svc.AddStream(cfg, rects)
		}
		if err != nil {
			logger.Error("Failed to start stream from file", "stream_id", spec.ID, "error", err)
			continue
		}
		logger.Info("Stream started from file", "stream_id", cfg.ID, "source", cfg.Source, "zones", len(rects))
	}
	return nil
}

func run(ctx context.Context, s config.Settings, logger *slog.Logger) error {
	m := metrics.New()

	detector, closeDetector, err := buildDetector(s, logger)
	if err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}
	defer closeDetector()

	hub := api.NewHub(logger.With("component", "websocket"))
	latest := api.NewLatestCache(api.DefaultLatestTTL)
	sinks := []pipeline.Sink{hub, latest}

	if s.Kafka.Enabled() {
		kp, err := sink.NewKafkaPublisher(s.Kafka, m, logger.With("component", "kafka"))
		if err != nil {
			return err
		}
		defer kp.Close()
		sinks = append(sinks, kp)
	}

	var throttle *pipeline.Throttle
	if s.CPUThreshold > 0 {
		throttle, err = pipeline.NewProcessThrottle(s.CPUThreshold, 0)
		if err != nil {
			logger.Warn("CPU throttling disabled", "error", err)
		}
	}

	svc := service.New(service.Options{
		Limits: stream.Limits{
			MaxStreams:        s.MaxStreams,
			MaxZonesPerStream: s.MaxZonesPerStream,
			MaxTotalZones:     s.MaxTotalZones,
		},
		Opener:   capture.GoCV{JPEGQuality: s.JPEGQuality},
		Detector: detector,
		Pipeline: pipeline.Options{
			Workers:  s.Workers,
			Throttle: throttle,
			Sinks:    sinks,
		},
		Retention:       s.Retention,
		PruneInterval:   s.PruneInterval,
		SummaryInterval: s.SummaryInterval,
		Metrics:         m,
		Logger:          logger,
	})
	svc.Start(ctx)
	defer svc.Shutdown()

	if s.StreamsFile != "" {
		if err := bootstrapStreams(svc, s.StreamsFile, logger); err != nil {
			return err
		}
	}

	server := api.NewServer(svc, hub, latest, logger.With("component", "http"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(s.HTTPAddr)
	}()
	logger.Info("HTTP server listening", "addr", s.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case <-svc.Done():
		logger.Info("Service stopped, closing HTTP server")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	return serveErr
}

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}

	settings, err := parseFlags(os.Args[1:], config.FromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(settings.LogFormat, settings.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting stream zone monitor",
		"addr", settings.HTTPAddr,
		"workers", settings.Workers,
		"max_streams", settings.MaxStreams,
		"max_zones_per_stream", settings.MaxZonesPerStream,
		"max_total_zones", settings.MaxTotalZones,
		"detector", settings.DetectorCommand,
		"cpu_threshold", settings.CPUThreshold,
		"kafka_enabled", settings.Kafka.Enabled(),
		"log_format", settings.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	if err := run(ctx, settings, logger); err != nil {
		logger.Error("Zone monitor failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Stream zone monitor stopped")
}
