package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

// DefaultJoinTimeout bounds how long RemoveStream and Shutdown wait for a
// worker to exit.
const DefaultJoinTimeout = 5 * time.Second

// Limits are the registry ceilings.
type Limits struct {
	MaxStreams        int `json:"max_streams"`
	MaxZonesPerStream int `json:"max_zones_per_stream"`
	MaxTotalZones     int `json:"max_total_zones"`
}

// DefaultLimits returns the standard ceilings of 4 streams, 10 zones per
// stream and 40 zones overall.
func DefaultLimits() Limits {
	return Limits{
		MaxStreams:        4,
		MaxZonesPerStream: zone.MaxPerStream,
		MaxTotalZones:     zone.MaxTotal,
	}
}

// Validate checks that every ceiling is positive and does not exceed the
// default, which is the most the service supports.
func (l Limits) Validate() error {
	ceil := DefaultLimits()
	if l.MaxStreams < 1 || l.MaxStreams > ceil.MaxStreams {
		return fmt.Errorf("max streams must be between 1 and %d, got %d", ceil.MaxStreams, l.MaxStreams)
	}
	if l.MaxZonesPerStream < 1 || l.MaxZonesPerStream > ceil.MaxZonesPerStream {
		return fmt.Errorf("max zones per stream must be between 1 and %d, got %d", ceil.MaxZonesPerStream, l.MaxZonesPerStream)
	}
	if l.MaxTotalZones < 1 || l.MaxTotalZones > ceil.MaxTotalZones {
		return fmt.Errorf("max total zones must be between 1 and %d, got %d", ceil.MaxTotalZones, l.MaxTotalZones)
	}
	return nil
}

// RegistryOptions configures a Registry. Zero values select defaults.
type RegistryOptions struct {
	Opener      capture.Opener
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Limits      Limits
	JoinTimeout time.Duration
	// Worker carries clock, sleep and queue overrides passed to every worker.
	Worker WorkerOptions
}

// Statistics aggregates the registry state.
type Statistics struct {
	ActiveStreams int               `json:"active_streams"`
	MaxStreams    int               `json:"max_streams"`
	TotalZones    int               `json:"total_zones"`
	MaxTotalZones int               `json:"max_total_zones"`
	Running       bool              `json:"running"`
	StreamDetails map[string]Status `json:"stream_details"`
}

// Registry owns the running stream workers.
type Registry struct {
	mu           sync.Mutex
	workers      map[string]*Worker
	shuttingDown bool
	shutdownOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	limits      Limits
	joinTimeout time.Duration
	workerOpts  WorkerOptions
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Opener == nil {
		opts.Opener = capture.GoCV{}
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}

	wo := opts.Worker
	wo.Opener = opts.Opener
	wo.Metrics = opts.Metrics
	wo.Logger = opts.Logger

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		workers:     make(map[string]*Worker),
		ctx:         ctx,
		cancel:      cancel,
		limits:      opts.Limits,
		joinTimeout: opts.JoinTimeout,
		workerOpts:  wo,
		logger:      opts.Logger,
	}
}

// Limits returns the configured ceilings.
func (r *Registry) Limits() Limits {
	return r.limits
}

// AddStream validates cfg and rects, starts a worker and registers it. On
// any error nothing is started and the registry is unchanged.
func (r *Registry) AddStream(cfg Config, rects []zone.Rectangle) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := zone.ValidateSet(rects); err != nil {
		return fmt.Errorf("%w: stream %s: %v", ErrInvalidConfig, cfg.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return ErrShuttingDown
	}
	if len(r.workers) >= r.limits.MaxStreams {
		return fmt.Errorf("%w: limit is %d", ErrStreamLimit, r.limits.MaxStreams)
	}
	if len(rects) > r.limits.MaxZonesPerStream {
		return fmt.Errorf("%w: %d zones, limit is %d", ErrZoneLimit, len(rects), r.limits.MaxZonesPerStream)
	}
	if total := r.totalZonesLocked(); total+len(rects) > r.limits.MaxTotalZones {
		return fmt.Errorf("%w: %d configured, adding %d exceeds %d", ErrTotalZoneLimit, total, len(rects), r.limits.MaxTotalZones)
	}
	if _, exists := r.workers[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStream, cfg.ID)
	}

	w := NewWorker(cfg, rects, r.workerOpts)
	w.Start(r.ctx)
	r.workers[cfg.ID] = w

	r.logger.Info("Stream added",
		"stream_id", cfg.ID,
		"stream_type", cfg.Kind,
		"zones", len(rects),
		"active_streams", len(r.workers))
	return nil
}

// UpdateStream applies a hot update to a running stream. Zone changes are
// checked against the same ceilings as AddStream.
func (r *Registry) UpdateStream(id string, u Update) error {
	if u.TargetFPS != nil && *u.TargetFPS < 1 {
		return fmt.Errorf("%w: fps must be at least 1, got %d", ErrInvalidConfig, *u.TargetFPS)
	}
	if u.Zones != nil {
		if err := zone.ValidateSet(*u.Zones); err != nil {
			return fmt.Errorf("%w: stream %s: %v", ErrInvalidConfig, id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return ErrShuttingDown
	}
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if u.Zones != nil {
		n := len(*u.Zones)
		if n > r.limits.MaxZonesPerStream {
			return fmt.Errorf("%w: %d zones, limit is %d", ErrZoneLimit, n, r.limits.MaxZonesPerStream)
		}
		others := r.totalZonesLocked() - w.ZoneCount()
		if others+n > r.limits.MaxTotalZones {
			return fmt.Errorf("%w: %d configured on other streams, %d requested, limit is %d",
				ErrTotalZoneLimit, others, n, r.limits.MaxTotalZones)
		}
	}

	w.apply(u)
	r.logger.Info("Stream updated", "stream_id", id, "zones", w.ZoneCount())
	return nil
}

// RemoveStream stops a worker and unregisters it. The entry is removed even
// if the worker does not exit within the join timeout.
func (r *Registry) RemoveStream(id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}

	w.Stop()
	if !w.Wait(r.joinTimeout) {
		r.logger.Warn("Stream worker did not stop within timeout, abandoning it",
			"stream_id", id,
			"timeout", r.joinTimeout)
	}
	r.logger.Info("Stream removed", "stream_id", id)
	return nil
}

// Stream returns the configuration of a registered stream.
func (r *Registry) Stream(id string) (Info, bool) {
	w, ok := r.worker(id)
	if !ok {
		return Info{}, false
	}
	return w.Info(), true
}

// Streams returns the configuration of every registered stream ordered by id.
func (r *Registry) Streams() []Info {
	workers := r.snapshot()
	out := make([]Info, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Info())
	}
	return out
}

// StreamStatus returns the status of one stream.
func (r *Registry) StreamStatus(id string) (Status, bool) {
	w, ok := r.worker(id)
	if !ok {
		return Status{}, false
	}
	return w.Status(), true
}

// CollectFrames appends to dst at most one buffered frame per stream without
// waiting. Streams with nothing buffered contribute nothing.
func (r *Registry) CollectFrames(dst []Frame) []Frame {
	for _, w := range r.snapshot() {
		if f, ok := w.TryFrame(); ok {
			dst = append(dst, f)
		}
	}
	return dst
}

// ActiveStreams returns the number of registered streams.
func (r *Registry) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Running reports whether the registry still accepts streams.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.shuttingDown
}

// Statistics aggregates the registry state. The lock is held only to copy
// the worker list; each status is read from the worker's own atomics.
func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	running := !r.shuttingDown
	r.mu.Unlock()

	workers := r.snapshot()
	stats := Statistics{
		ActiveStreams: len(workers),
		MaxStreams:    r.limits.MaxStreams,
		MaxTotalZones: r.limits.MaxTotalZones,
		Running:       running,
		StreamDetails: make(map[string]Status, len(workers)),
	}
	for _, w := range workers {
		st := w.Status()
		stats.TotalZones += st.ZonesCount
		stats.StreamDetails[st.StreamID] = st
	}
	return stats
}

// Shutdown stops every worker, waits for them in parallel up to the join
// timeout and clears the registry. Later calls return immediately.
func (r *Registry) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.shuttingDown = true
		workers := make([]*Worker, 0, len(r.workers))
		for _, w := range r.workers {
			workers = append(workers, w)
		}
		r.workers = make(map[string]*Worker)
		r.mu.Unlock()

		r.logger.Info("Stopping all streams", "count", len(workers))
		r.cancel()

		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				if !w.Wait(r.joinTimeout) {
					r.logger.Warn("Stream worker did not stop within timeout, abandoning it",
						"stream_id", w.ID(),
						"timeout", r.joinTimeout)
				}
			}(w)
		}
		wg.Wait()
		r.logger.Info("Stream registry shut down")
	})
}

func (r *Registry) worker(id string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	return w, ok
}

func (r *Registry) snapshot() []*Worker {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID() < workers[j].ID() })
	return workers
}

func (r *Registry) totalZonesLocked() int {
	total := 0
	for _, w := range r.workers {
		total += w.ZoneCount()
	}
	return total
}
