package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource yields frames sent on frames and fails once release is closed.
// encodes counts the frames handed out by Retrieve.
type fakeSource struct {
	frames  chan capture.Frame
	release chan struct{}
	once    sync.Once
	closed  chan struct{}

	current capture.Frame
	grabbed bool
	encodes atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames:  make(chan capture.Frame),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSource) Grab() error {
	s.grabbed = false
	select {
	case f := <-s.frames:
		s.current, s.grabbed = f, true
		return nil
	case <-s.release:
		return capture.ErrReadFailed
	}
}

func (s *fakeSource) Retrieve() (capture.Frame, error) {
	if !s.grabbed {
		return capture.Frame{}, capture.ErrReadFailed
	}
	s.grabbed = false
	s.encodes.Add(1)
	return s.current, nil
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) fail() {
	select {
	case <-s.release:
	default:
		close(s.release)
	}
}

// fakeOpener fails the first failures opens and then hands out sources.
// After releaseAll every source, including later ones, fails its reads.
type fakeOpener struct {
	mu       sync.Mutex
	failures int
	opens    int
	sources  []*fakeSource
	released bool
	opened   chan *fakeSource
}

func newFakeOpener(failures int) *fakeOpener {
	return &fakeOpener{failures: failures, opened: make(chan *fakeSource, 16)}
}

func (o *fakeOpener) Open(kind capture.Kind, locator string, fps int) (capture.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.opens <= o.failures {
		return nil, errors.New("connection refused")
	}
	src := newFakeSource()
	if o.released {
		src.fail()
	}
	o.sources = append(o.sources, src)
	o.opened <- src
	return src, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) releaseAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = true
	for _, s := range o.sources {
		s.fail()
	}
}

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// recordingSleeper records requested delays and returns immediately.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testConfig(id string) Config {
	return Config{
		ID:            id,
		Source:        "/videos/" + id + ".mp4",
		Kind:          capture.KindFile,
		TargetFPS:     10,
		AutoReconnect: true,
	}
}

func newTestWorker(t *testing.T, cfg Config, opener capture.Opener, opts WorkerOptions) *Worker {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	opts.Opener = opener
	opts.Logger = discardLogger()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return NewWorker(cfg, nil, opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// logStore collects records from every logger derived from a recordingHandler.
type logStore struct {
	mu      sync.Mutex
	records []slog.Record
}

type recordingHandler struct {
	store *logStore
}

func (h recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.records = append(h.store.records, r.Clone())
	return nil
}

func (h recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h recordingHandler) WithGroup(string) slog.Handler      { return h }

// withMessage returns the records logged with msg, in order.
func (s *logStore) withMessage(msg string) []slog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []slog.Record
	for _, r := range s.records {
		if r.Message == msg {
			out = append(out, r)
		}
	}
	return out
}

func recordAttr(r slog.Record, key string) (slog.Value, bool) {
	var v slog.Value
	found := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			v, found = a.Value, true
			return false
		}
		return true
	})
	return v, found
}
