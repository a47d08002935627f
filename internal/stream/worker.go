package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/queue"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

const (
	// DefaultQueueCapacity is the per-stream frame buffer size.
	DefaultQueueCapacity = 100

	// escalateAfter is the consecutive error count from which failures are
	// logged at error level. Workers keep retrying past it.
	escalateAfter = 10
)

var errScheduleExhausted = errors.New("reconnect schedule exhausted")

// settings are the hot-updatable parts of a stream. A value is never mutated
// once published; updates swap in a new one.
type settings struct {
	name          string
	targetFPS     int
	autoReconnect bool
	zones         []zone.Rectangle
}

// WorkerOptions carries the collaborators of a Worker.
type WorkerOptions struct {
	Opener        capture.Opener
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	QueueCapacity int

	// Schedule overrides the reconnect delays. Nil uses BackoffSchedule scaled
	// by the stream's ReconnectDelay.
	Schedule []time.Duration
	// Now and Sleep replace the wall clock and the interruptible backoff sleep.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Worker owns one video source. It connects, paces frames to the target rate,
// buffers them in a bounded drop-oldest queue and reconnects with backoff when
// the source fails. Its run loop executes on its own goroutine; every other
// method is safe to call concurrently with it.
type Worker struct {
	// cfg holds the immutable part of the configuration.
	cfg Config
	// settings holds the current hot-updatable configuration.
	settings atomic.Pointer[settings]

	opener   capture.Opener
	queue    *queue.Ring[Frame]
	metrics  *metrics.Metrics
	logger   *slog.Logger
	schedule []time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool

	// source is only touched by the run goroutine.
	source capture.Source

	state       atomic.Int32
	frameNumber atomic.Int64
	// errorCount counts consecutive failures and resets on a successful connect.
	errorCount atomic.Int64
	fpsBits    atomic.Uint64
	lastErr    atomic.Pointer[string]

	// Pacing and fps window, owned by the run goroutine.
	lastAccepted time.Time
	windowStart  time.Time
	windowFrames int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker for cfg. The config must already be validated.
// The worker does nothing until Start is called.
func NewWorker(cfg Config, rects []zone.Rectangle, opts WorkerOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = ScaledSchedule(cfg.ReconnectDelay)
	}

	w := &Worker{
		cfg:      cfg,
		opener:   opts.Opener,
		queue:    queue.New[Frame](opts.QueueCapacity),
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("stream_id", cfg.ID),
		schedule: schedule,
		now:      opts.Now,
		sleep:    opts.Sleep,
		done:     make(chan struct{}),
	}
	w.settings.Store(&settings{
		name:          cfg.Name,
		targetFPS:     cfg.TargetFPS,
		autoReconnect: cfg.AutoReconnect,
		zones:         zone.Clone(rects),
	})
	w.state.Store(int32(StateDisconnected))
	return w
}

// Start launches the run loop. It must be called once.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop asks the run loop to exit. It does not wait.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Wait blocks until the run loop has exited or timeout elapses. It reports
// whether the loop exited. A capture read that hangs in the backend can keep
// the loop alive past any timeout.
func (w *Worker) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed when the run loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// ID returns the stream identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// ZoneCount returns the number of configured zones.
func (w *Worker) ZoneCount() int {
	return len(w.settings.Load().zones)
}

// Info returns the current configuration including hot-updated fields.
func (w *Worker) Info() Info {
	s := w.settings.Load()
	cfg := w.cfg
	cfg.Name = s.name
	cfg.TargetFPS = s.targetFPS
	cfg.AutoReconnect = s.autoReconnect
	return Info{Config: cfg, Zones: zone.Clone(s.zones)}
}

// TryFrame pops the oldest buffered frame without waiting.
func (w *Worker) TryFrame() (Frame, bool) {
	return w.queue.TryPop()
}

// QueueLen returns the number of buffered frames.
func (w *Worker) QueueLen() int {
	return w.queue.Len()
}

// Status returns a snapshot built from atomics only, so it never waits on the
// capture loop.
func (w *Worker) Status() Status {
	s := w.settings.Load()
	st := Status{
		StreamID:   w.cfg.ID,
		Name:       s.name,
		State:      w.State(),
		FPSActual:  math.Round(math.Float64frombits(w.fpsBits.Load())*100) / 100,
		FPSTarget:  s.targetFPS,
		FrameCount: w.frameNumber.Load(),
		ErrorCount: w.errorCount.Load(),
		QueueSize:  w.queue.Len(),
		ZonesCount: len(s.zones),
	}
	if msg := w.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

// apply publishes a new settings value. The registry validates the update
// and the zone ceilings before calling it.
func (w *Worker) apply(u Update) {
	cur := w.settings.Load()
	next := *cur
	if u.Name != nil {
		next.name = *u.Name
	}
	if u.TargetFPS != nil {
		next.targetFPS = *u.TargetFPS
	}
	if u.AutoReconnect != nil {
		next.autoReconnect = *u.AutoReconnect
	}
	if u.Zones != nil {
		next.zones = zone.Clone(*u.Zones)
	}
	w.settings.Store(&next)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.cleanup()

	w.logger.Info("Stream worker started",
		"source", w.cfg.Source,
		"stream_type", w.cfg.Kind,
		"fps_target", w.settings.Load().targetFPS)

	if !w.connect() {
		if !w.settings.Load().autoReconnect || !w.reconnect(ctx) {
			return
		}
	}

	for {
		err := w.captureLoop(ctx)
		if err == nil {
			return
		}
		w.metrics.ReadErrors.Add(1)
		w.recordError("Frame read failed", err)
		w.closeSource()

		if !w.settings.Load().autoReconnect {
			w.logger.Info("Auto-reconnect disabled, stopping stream")
			return
		}
		if !w.reconnect(ctx) {
			return
		}
	}
}

// connect opens the source. On success the consecutive error counter resets.
func (w *Worker) connect() bool {
	w.setState(StateConnecting)

	src, err := w.opener.Open(w.cfg.Kind, w.cfg.Source, w.settings.Load().targetFPS)
	if err != nil {
		w.setState(StateError)
		w.metrics.ConnectErrors.Add(1)
		w.recordError("Failed to connect to stream", err)
		return false
	}

	w.source = src
	w.errorCount.Store(0)
	w.lastAccepted = time.Time{}
	w.windowStart = w.now()
	w.windowFrames = 0
	w.setState(StateConnected)
	w.logger.Info("Connected to stream", "source", w.cfg.Source)
	return true
}

// reconnect walks the backoff schedule, one connect attempt per delay. It
// returns false when a stop was requested, auto-reconnect was switched off,
// or the schedule ran out.
func (w *Worker) reconnect(ctx context.Context) bool {
	for attempt, delay := range w.schedule {
		if ctx.Err() != nil || !w.settings.Load().autoReconnect {
			return false
		}
		w.metrics.Reconnects.Add(1)
		w.logger.Info("Reconnecting to stream",
			"attempt", attempt+1,
			"max_attempts", len(w.schedule),
			"retry_in", delay)

		if !w.sleep(ctx, delay) {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		if w.connect() {
			w.logger.Info("Stream reconnection successful", "attempt", attempt+1)
			return true
		}
	}

	w.setState(StateError)
	msg := errScheduleExhausted.Error()
	w.lastErr.Store(&msg)
	w.logger.Error("Stream reconnection failed after all attempts",
		"max_attempts", len(w.schedule),
		"error_count", w.errorCount.Load())
	return false
}

// captureLoop reads until a stop is requested (nil) or a read fails (the error).
// Frames are paced right after the grab so that dropped ones are never encoded.
func (w *Worker) captureLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.source.Grab(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		now := w.now()
		s := w.settings.Load()
		interval := time.Second / time.Duration(s.targetFPS)
		if !w.lastAccepted.IsZero() && now.Sub(w.lastAccepted) < interval {
			w.metrics.FramesPaced.Add(1)
			continue
		}

		img, err := w.source.Retrieve()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.lastAccepted = now

		frame := Frame{
			StreamID:  w.cfg.ID,
			Number:    w.frameNumber.Add(1),
			Timestamp: now,
			TraceID:   uuid.NewString(),
			Data:      img.Data,
			Width:     img.Width,
			Height:    img.Height,
			Zones:     s.zones,
		}
		if old, dropped := w.queue.Push(frame); dropped {
			w.metrics.FramesEvicted.Add(1)
			w.logger.Debug("Dropped oldest frame from full queue",
				"dropped_frame", old.Number,
				"frame_number", frame.Number)
		}
		w.metrics.FramesCaptured.Add(1)
		w.updateFPS(now)
	}
}

func (w *Worker) updateFPS(now time.Time) {
	w.windowFrames++
	elapsed := now.Sub(w.windowStart)
	if elapsed < time.Second {
		return
	}
	fps := float64(w.windowFrames) / elapsed.Seconds()
	w.fpsBits.Store(math.Float64bits(fps))
	w.windowStart = now
	w.windowFrames = 0
}

func (w *Worker) recordError(msg string, err error) {
	count := w.errorCount.Add(1)
	text := err.Error()
	w.lastErr.Store(&text)

	if count >= escalateAfter {
		w.logger.Error(msg, "error", err, "error_count", count, "escalated", true)
		return
	}
	w.logger.Warn(msg, "error", err, "error_count", count)
}

func (w *Worker) closeSource() {
	if w.source == nil {
		return
	}
	if err := w.source.Close(); err != nil {
		w.logger.Warn("Failed to release video source", "error", err)
	}
	w.source = nil
}

// cleanup runs once the loop exits: it releases the source, discards frames
// nobody will collect and moves to the terminal state.
func (w *Worker) cleanup() {
	w.closeSource()
	dropped := len(w.queue.Drain())
	w.fpsBits.Store(0)
	w.setState(StateStopped)
	w.logger.Info("Stream worker stopped",
		"frame_count", w.frameNumber.Load(),
		"discarded_frames", dropped)
}

func (w *Worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	if prev != s {
		w.logger.Debug("Stream state transition", "from", prev, "to", s)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// String identifies the worker in logs.
func (w *Worker) String() string {
	return fmt.Sprintf("stream %s (%s)", w.cfg.ID, w.cfg.Kind)
}
