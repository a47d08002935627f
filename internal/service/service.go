// Package service wires the stream registry, the processing pipeline and the
// zone analyzer into one object and exposes the operations the HTTP layer
// needs. A Service is built once at startup and passed explicitly; there are
// no package-level instances.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/analyzer"
	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/detect"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/pipeline"
	"github.com/clalos/stream-zone-monitor/internal/stream"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

// Efficiency windows accepted by ZoneEfficiency, in minutes.
const (
	MinWindowMinutes = 1
	MaxWindowMinutes = 1440
)

var (
	ErrZoneNotFound     = errors.New("zone not found")
	ErrInvalidWindow    = fmt.Errorf("time window must be between %d and %d minutes", MinWindowMinutes, MaxWindowMinutes)
	ErrInvalidRetention = errors.New("retention must be positive")
)

// Options configures a Service. Zero values select defaults.
type Options struct {
	Limits   stream.Limits
	Opener   capture.Opener
	Detector detect.Detector
	Pipeline pipeline.Options
	// Retention is the history horizon used by the periodic pruning.
	Retention       time.Duration
	PruneInterval   time.Duration
	SummaryInterval time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Statistics combines the registry and pipeline statistics.
type Statistics struct {
	Streams    stream.Statistics   `json:"streams"`
	Processing pipeline.Statistics `json:"processing"`
	Uptime     string              `json:"uptime"`
}

// Service is the running zone monitor.
type Service struct {
	registry  *stream.Registry
	analyzer  *analyzer.Analyzer
	processor *pipeline.Processor

	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	started time.Time

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	startOnce    sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds the service. Nothing runs until Start.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Detector == nil {
		opts.Detector = detect.Nop{}
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = 30 * time.Second
	}

	registry := stream.NewRegistry(stream.RegistryOptions{
		Opener:  opts.Opener,
		Metrics: opts.Metrics,
		Logger:  opts.Logger.With("component", "registry"),
		Limits:  opts.Limits,
	})
	an := analyzer.New(analyzer.Options{Logger: opts.Logger.With("component", "analyzer")})

	popts := opts.Pipeline
	popts.Metrics = opts.Metrics
	popts.Logger = opts.Logger.With("component", "pipeline")
	processor := pipeline.New(registry, opts.Detector, an, popts)

	s := &Service{
		registry:  registry,
		analyzer:  an,
		processor: processor,
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	s.registerGauges()
	return s
}

func (s *Service) registerGauges() {
	s.metrics.RegisterGauge("active_streams", "Registered video streams",
		func() float64 { return float64(s.registry.ActiveStreams()) })
	s.metrics.RegisterGauge("zones", "Configured zones across all streams",
		func() float64 { return float64(s.registry.Statistics().TotalZones) })
	s.metrics.RegisterGauge("processing_queue_size", "Frames waiting for a processing worker",
		func() float64 { n, _ := s.processor.QueueSizes(); return float64(n) })
	s.metrics.RegisterGauge("results_queue_size", "Results waiting for a consumer",
		func() float64 { _, n := s.processor.QueueSizes(); return float64(n) })
}

// Start launches the processing pipeline and the maintenance loops.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.processor.Start(ctx)

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.pruneHistory(ctx)
		}()
		go func() {
			defer s.wg.Done()
			s.reportSummary(ctx)
		}()
	})
}

// Shutdown stops every stream, the pipeline and the maintenance loops. It is
// idempotent and safe to call from a signal handler or an HTTP request.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down zone monitor")
		s.startOnce.Do(func() {})
		if s.cancel != nil {
			s.cancel()
		}
		s.registry.Shutdown()
		s.processor.Shutdown()
		s.wg.Wait()
		close(s.done)
		s.logger.Info("Zone monitor stopped")
	})
}

// Done is closed once Shutdown has completed.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the service still accepts streams.
func (s *Service) Running() bool {
	return s.registry.Running()
}

// Metrics returns the metrics shared by every component.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Limits returns the registry ceilings.
func (s *Service) Limits() stream.Limits {
	return s.registry.Limits()
}

// AddStream registers and starts a stream.
func (s *Service) AddStream(cfg stream.Config, rects []zone.Rectangle) error {
	return s.registry.AddStream(cfg, rects)
}

// UpdateStream hot-updates a running stream.
func (s *Service) UpdateStream(id string, u stream.Update) error {
	return s.registry.UpdateStream(id, u)
}

// RemoveStream stops and forgets a stream. Its analysis history ages out.
func (s *Service) RemoveStream(id string) error {
	return s.registry.RemoveStream(id)
}

// Streams lists every registered stream.
func (s *Service) Streams() []stream.Info {
	return s.registry.Streams()
}

// Stream returns one stream's configuration and zones.
func (s *Service) Stream(id string) (stream.Info, error) {
	info, ok := s.registry.Stream(id)
	if !ok {
		return stream.Info{}, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	return info, nil
}

// StreamStatus returns one stream's status.
func (s *Service) StreamStatus(id string) (stream.Status, error) {
	st, ok := s.registry.StreamStatus(id)
	if !ok {
		return stream.Status{}, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	return st, nil
}

// LatestResults consumes up to n results from the results queue.
func (s *Service) LatestResults(n int) []pipeline.Result {
	return s.processor.LatestResults(n)
}

// StreamResults consumes results and returns up to n for one stream.
func (s *Service) StreamResults(id string, n int) ([]pipeline.Result, error) {
	if _, ok := s.registry.Stream(id); !ok {
		return nil, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	return s.processor.StreamResults(id, n), nil
}

// ZoneEfficiency reports one zone's efficiency over the last minutes. Only
// zones currently configured on the stream are reported: a zone dropped by
// UpdateStream yields ErrZoneNotFound even while its history is retained.
func (s *Service) ZoneEfficiency(id string, zoneID, minutes int) (analyzer.Efficiency, error) {
	if minutes < MinWindowMinutes || minutes > MaxWindowMinutes {
		return analyzer.Efficiency{}, ErrInvalidWindow
	}
	info, ok := s.registry.Stream(id)
	if !ok {
		return analyzer.Efficiency{}, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	found := false
	for _, z := range info.Zones {
		if z.ID == zoneID {
			found = true
			break
		}
	}
	if !found {
		return analyzer.Efficiency{}, fmt.Errorf("%w: stream %s has no zone %d", ErrZoneNotFound, id, zoneID)
	}
	return s.processor.ZoneEfficiency(id, zoneID, minutes), nil
}

// ZoneStatusHistory returns the recorded status changes of one zone.
func (s *Service) ZoneStatusHistory(id string, zoneID int) ([]analyzer.StatusEntry, error) {
	if _, ok := s.registry.Stream(id); !ok {
		return nil, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	return s.analyzer.ZoneStatusHistory(id, zoneID), nil
}

// TrackHistory returns the zones one track was seen in, oldest first.
func (s *Service) TrackHistory(id string, trackID int) ([]analyzer.MovementEntry, error) {
	if _, ok := s.registry.Stream(id); !ok {
		return nil, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	return s.analyzer.TrackHistory(id, trackID), nil
}

// Statistics aggregates the registry and pipeline state.
func (s *Service) Statistics() Statistics {
	return Statistics{
		Streams:    s.registry.Statistics(),
		Processing: s.processor.Statistics(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}
}

// PruneHistory drops analysis history older than retention and returns the
// number of removed entries.
func (s *Service) PruneHistory(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, ErrInvalidRetention
	}
	return s.analyzer.ClearOldData(retention), nil
}

func (s *Service) pruneHistory(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.analyzer.ClearOldData(s.opts.Retention)
		}
	}
}

// reportSummary logs the pipeline state on every interval and warns about
// conditions that usually need attention.
func (s *Service) reportSummary(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SummaryInterval)
	defer ticker.Stop()

	var lastProcessed int64
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Summary reporting stopped")
			return
		case <-ticker.C:
		}

		st := s.Statistics()
		rate := float64(st.Processing.FramesProcessed-lastProcessed) / s.opts.SummaryInterval.Seconds()
		lastProcessed = st.Processing.FramesProcessed

		s.logger.Info("Pipeline summary",
			"active_streams", st.Streams.ActiveStreams,
			"total_zones", st.Streams.TotalZones,
			"frames_captured", s.metrics.FramesCaptured.Load(),
			"frames_processed", st.Processing.FramesProcessed,
			"frames_failed", st.Processing.FramesFailed,
			"processing_rate_fps", rate,
			"average_fps", st.Processing.AverageFPS,
			"avg_processing_time_ms", s.metrics.AvgProcessingTimeMs(),
			"processing_queue_size", st.Processing.ProcessingQueueSize,
			"processing_queue_dropped", st.Processing.ProcessingDropped,
			"results_queue_size", st.Processing.ResultsQueueSize,
			"results_queue_dropped", st.Processing.ResultsDropped)

		for id, ds := range st.Streams.StreamDetails {
			if ds.State == stream.StateError || ds.State == stream.StateStopped {
				s.logger.Warn("Stream is not capturing", "stream_id", id, "state", ds.State, "last_error", ds.LastError)
			}
		}
		if peak := s.metrics.PeakQueueUsage(); peak > 90 {
			s.logger.Warn("High processing queue utilization detected",
				"max_utilization_pct", peak,
				"consider_increasing_workers", true)
		}
		if avg := s.metrics.AvgProcessingTimeMs(); avg > 500 {
			s.logger.Warn("Slow frame processing detected", "avg_processing_time_ms", avg)
		}
	}
}
