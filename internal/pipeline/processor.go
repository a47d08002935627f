// Package pipeline moves frames from the stream workers through detection and
// zone analysis.
//
// A collector drains every stream into one bounded processing queue and a
// fixed pool of workers turns frames into results:
//
//	streams -> collector -> processing queue -> workers -> results queue -> consumers
//
// Both queues drop their oldest element when full, so neither the collector
// nor the workers ever block on a slow consumer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/analyzer"
	"github.com/clalos/stream-zone-monitor/internal/detect"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/queue"
	"github.com/clalos/stream-zone-monitor/internal/stream"
)

// Defaults for Options.
const (
	DefaultWorkers             = 2
	DefaultProcessingQueueSize = 1000
	DefaultResultsQueueSize    = 1000
	DefaultCollectInterval     = time.Millisecond
	DefaultPopTimeout          = 100 * time.Millisecond
	DefaultShutdownTimeout     = 2 * time.Second

	// statsWindow is how often, in frames, the average fps is recomputed.
	statsWindow = 100
)

// FrameSource hands out buffered frames without blocking. The stream
// registry implements it.
type FrameSource interface {
	CollectFrames(dst []stream.Frame) []stream.Frame
}

// Result is the outcome of processing one frame.
type Result struct {
	StreamID         string            `json:"stream_id"`
	Timestamp        time.Time         `json:"timestamp"`
	FrameNumber      int64             `json:"frame_number"`
	TraceID          string            `json:"trace_id"`
	FrameWidth       int               `json:"frame_width"`
	FrameHeight      int               `json:"frame_height"`
	PersonCount      int               `json:"person_count"`
	Trackings        []detect.Tracking `json:"trackings"`
	ZoneAnalysis     analyzer.Snapshot `json:"zone_analysis"`
	ProcessingTimeMs float64           `json:"processing_time_ms"`
	FPSCurrent       float64           `json:"fps_current"`
}

// Sink receives every result. Publish must not block the calling worker.
type Sink interface {
	Publish(Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Result)

// Publish calls f(r).
func (f SinkFunc) Publish(r Result) { f(r) }

// Statistics describes the pipeline.
type Statistics struct {
	FramesProcessed       int64     `json:"frames_processed"`
	TotalProcessingTimeMs float64   `json:"total_processing_time_ms"`
	AverageFPS            float64   `json:"average_fps"`
	LastUpdate            time.Time `json:"last_update"`
	FramesFailed          int64     `json:"frames_failed"`
	ProcessingQueueSize   int       `json:"processing_queue_size"`
	ProcessingDropped     int64     `json:"processing_queue_dropped"`
	ResultsQueueSize      int       `json:"results_queue_size"`
	ResultsDropped        int64     `json:"results_queue_dropped"`
	WorkersCount          int       `json:"workers_count"`
	Running               bool      `json:"running"`
}

// Options configures a Processor. Zero values select the defaults.
type Options struct {
	Workers             int
	ProcessingQueueSize int
	ResultsQueueSize    int
	CollectInterval     time.Duration
	PopTimeout          time.Duration
	ShutdownTimeout     time.Duration
	// Throttle, when set, pauses workers while CPU usage is high.
	Throttle *Throttle
	Sinks    []Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Processor runs the collector and the processing workers.
type Processor struct {
	source   FrameSource
	detector detect.Detector
	analyzer *analyzer.Analyzer

	processing *queue.Ring[stream.Frame]
	results    *queue.Ring[Result]

	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	statsMu sync.Mutex
	stats   Statistics

	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Processor. It does not start any goroutine.
func New(source FrameSource, detector detect.Detector, an *analyzer.Analyzer, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ProcessingQueueSize <= 0 {
		opts.ProcessingQueueSize = DefaultProcessingQueueSize
	}
	if opts.ResultsQueueSize <= 0 {
		opts.ResultsQueueSize = DefaultResultsQueueSize
	}
	if opts.CollectInterval <= 0 {
		opts.CollectInterval = DefaultCollectInterval
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = DefaultPopTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Processor{
		source:     source,
		detector:   detector,
		analyzer:   an,
		processing: queue.New[stream.Frame](opts.ProcessingQueueSize),
		results:    queue.New[Result](opts.ResultsQueueSize),
		opts:       opts,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	p.stats.LastUpdate = p.now()
	return p
}

// Start launches the collector and the workers. Later calls do nothing.
func (p *Processor) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		p.running.Store(true)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.collect(ctx)
		}()
		for i := 0; i < p.opts.Workers; i++ {
			p.wg.Add(1)
			go func(id int) {
				defer p.wg.Done()
				p.work(ctx, id)
			}(i)
		}

		p.logger.Info("Processing pipeline started",
			"workers", p.opts.Workers,
			"processing_queue_size", p.opts.ProcessingQueueSize,
			"results_queue_size", p.opts.ResultsQueueSize)
	})
}

// Shutdown stops the collector and the workers and waits for them up to the
// shutdown timeout. It reports whether every goroutine exited in time. Safe
// to call more than once and before Start.
func (p *Processor) Shutdown() bool {
	graceful := true
	p.stopOnce.Do(func() {
		p.running.Store(false)
		// Block a Start that has not run yet.
		p.startOnce.Do(func() {})
		if p.cancel == nil {
			return
		}
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Processing pipeline stopped")
		case <-time.After(p.opts.ShutdownTimeout):
			graceful = false
			p.logger.Warn("Processing worker shutdown timeout reached",
				"timeout", p.opts.ShutdownTimeout,
				"workers_may_still_be_running", true)
		}
	})
	return graceful
}

// Running reports whether the pipeline has started and not been shut down.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// LatestResults removes and returns up to n results in queue order.
func (p *Processor) LatestResults(n int) []Result {
	out := make([]Result, 0, n)
	for len(out) < n {
		r, ok := p.results.TryPop()
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}

// StreamResults removes up to 5n results and returns at most n of them that
// belong to streamID. Results of other streams taken in the process are
// discarded.
func (p *Processor) StreamResults(streamID string, n int) []Result {
	all := p.LatestResults(n * 5)
	out := make([]Result, 0, n)
	for _, r := range all {
		if r.StreamID != streamID {
			continue
		}
		out = append(out, r)
		if len(out) == n {
			break
		}
	}
	return out
}

// ZoneEfficiency reports the efficiency of one zone.
func (p *Processor) ZoneEfficiency(streamID string, zoneID, minutes int) analyzer.Efficiency {
	return p.analyzer.ZoneEfficiency(streamID, zoneID, minutes)
}

// Statistics returns a snapshot of the pipeline statistics.
func (p *Processor) Statistics() Statistics {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()

	s.ProcessingQueueSize = p.processing.Len()
	s.ProcessingDropped = p.processing.Evicted()
	s.ResultsQueueSize = p.results.Len()
	s.ResultsDropped = p.results.Evicted()
	s.WorkersCount = p.opts.Workers
	s.Running = p.running.Load()
	return s
}

// QueueSizes returns the current processing and results queue depths.
func (p *Processor) QueueSizes() (processing, results int) {
	return p.processing.Len(), p.results.Len()
}

// collect moves every available frame into the processing queue once per
// interval. It never blocks on a stream.
func (p *Processor) collect(ctx context.Context) {
	ticker := time.NewTicker(p.opts.CollectInterval)
	defer ticker.Stop()

	var buf []stream.Frame
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Frame collector stopped")
			return
		case <-ticker.C:
		}

		buf = p.source.CollectFrames(buf[:0])
		for _, f := range buf {
			evicted, dropped := p.processing.Push(f)
			p.metrics.FramesCollected.Add(1)
			if dropped {
				p.metrics.CollectorEvicted.Add(1)
				p.logger.Debug("Processing queue full, dropped oldest frame",
					"stream_id", evicted.StreamID,
					"frame_number", evicted.Number)
			}
		}
		if len(buf) > 0 {
			p.metrics.UpdateQueueUsage(int64(p.processing.Len() * 100 / p.processing.Cap()))
		}
		// Release payloads before the next tick.
		clear(buf)
	}
}

func (p *Processor) work(ctx context.Context, id int) {
	processed := 0
	defer func() {
		p.logger.Debug("Processing worker stopped", "worker_id", id, "frames_processed", processed)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if p.opts.Throttle != nil && p.opts.Throttle.Pause(ctx) {
			p.metrics.ThrottleEvents.Add(1)
			p.logger.Debug("CPU throttling activated", "worker_id", id, "cpu_percent", p.opts.Throttle.LastCPU())
		}

		frame, ok := p.processing.PopTimeout(p.opts.PopTimeout)
		if !ok {
			continue
		}
		if p.handle(ctx, id, frame) {
			processed++
		}
	}
}

// handle processes one frame. A failure or panic drops the frame and never
// ends the worker.
func (p *Processor) handle(ctx context.Context, workerID int, frame stream.Frame) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(workerID, frame, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	result, err := p.process(ctx, frame)
	if err != nil {
		p.fail(workerID, frame, err)
		return false
	}

	if evicted, dropped := p.results.Push(result); dropped {
		p.metrics.ResultsEvicted.Add(1)
		p.logger.Debug("Results queue full, dropped oldest result",
			"stream_id", evicted.StreamID,
			"frame_number", evicted.FrameNumber)
	}
	for _, s := range p.opts.Sinks {
		s.Publish(result)
	}

	p.metrics.FramesProcessed.Add(1)
	p.metrics.ObserveProcessing(time.Duration(result.ProcessingTimeMs * float64(time.Millisecond)))
	p.recordStats(result.ProcessingTimeMs)
	return true
}

// process runs detection and zone analysis for one frame.
func (p *Processor) process(ctx context.Context, frame stream.Frame) (Result, error) {
	start := p.now()

	trackings, err := p.detector.Detect(ctx, frame.StreamID, frame.Data)
	if err != nil {
		return Result{}, fmt.Errorf("detection failed: %w", err)
	}
	snapshot := p.analyzer.Analyze(frame.StreamID, trackings, frame.Zones)

	elapsed := p.now().Sub(start)
	ms := float64(elapsed) / float64(time.Millisecond)
	var fps float64
	if ms > 0 {
		fps = 1000 / ms
	}

	return Result{
		StreamID:         frame.StreamID,
		Timestamp:        frame.Timestamp,
		FrameNumber:      frame.Number,
		TraceID:          frame.TraceID,
		FrameWidth:       frame.Width,
		FrameHeight:      frame.Height,
		PersonCount:      len(trackings),
		Trackings:        trackings,
		ZoneAnalysis:     snapshot,
		ProcessingTimeMs: ms,
		FPSCurrent:       fps,
	}, nil
}

func (p *Processor) recordStats(ms float64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.FramesProcessed++
	p.stats.TotalProcessingTimeMs += ms
	if p.stats.FramesProcessed%statsWindow == 0 {
		avg := p.stats.TotalProcessingTimeMs / float64(p.stats.FramesProcessed)
		if avg > 0 {
			p.stats.AverageFPS = 1000 / avg
		} else {
			p.stats.AverageFPS = 0
		}
		p.stats.LastUpdate = p.now()
	}
}

func (p *Processor) fail(workerID int, frame stream.Frame, err error) {
	p.metrics.ProcessErrors.Add(1)
	p.statsMu.Lock()
	p.stats.FramesFailed++
	p.statsMu.Unlock()

	// An open circuit fails every frame; keep that out of the warning log.
	level := slog.LevelWarn
	if errors.Is(err, detect.ErrCircuitOpen) {
		level = slog.LevelDebug
	}
	p.logger.Log(context.Background(), level, "Frame processing failed, frame dropped",
		"worker_id", workerID,
		"stream_id", frame.StreamID,
		"frame_number", frame.Number,
		"trace_id", frame.TraceID,
		"error", err)
}
