package stream

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

func TestWorkerQueueDropsOldest(t *testing.T) {
	opener := newFakeOpener(0)
	clock := &fakeClock{now: time.Unix(0, 0), step: time.Second}
	m := metrics.New()
	w := newTestWorker(t, testConfig("cam"), opener, WorkerOptions{Now: clock.Now, Metrics: m})
	w.Start(context.Background())
	defer func() {
		w.Stop()
		opener.releaseAll()
		w.Wait(time.Second)
	}()

	src := <-opener.opened
	for i := 1; i <= 101; i++ {
		src.frames <- capture.Frame{Data: []byte{byte(i)}}
	}
	waitFor(t, "101 frames", func() bool { return m.FramesCaptured.Load() == 101 })

	if got := w.QueueLen(); got != DefaultQueueCapacity {
		t.Fatalf("QueueLen() = %d, want %d", got, DefaultQueueCapacity)
	}
	first, ok := w.TryFrame()
	if !ok || first.Number != 2 {
		t.Errorf("oldest buffered frame = %d, want 2 (frame 1 evicted)", first.Number)
	}
	var last Frame
	for {
		f, ok := w.TryFrame()
		if !ok {
			break
		}
		last = f
	}
	if last.Number != 101 {
		t.Errorf("newest buffered frame = %d, want 101", last.Number)
	}
}

func TestWorkerPacing(t *testing.T) {
	tests := []struct {
		name     string
		fps      int
		step     time.Duration
		frames   int
		accepted int64
	}{
		{"every frame slower than ceiling", 10, 100 * time.Millisecond, 5, 5},
		{"ten times faster than ceiling", 10, 10 * time.Millisecond, 50, 5},
		{"twice as fast", 5, 100 * time.Millisecond, 10, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := newFakeOpener(0)
			clock := &fakeClock{now: time.Unix(0, 0), step: tt.step}
			m := metrics.New()
			cfg := testConfig("cam")
			cfg.TargetFPS = tt.fps
			w := newTestWorker(t, cfg, opener, WorkerOptions{Now: clock.Now, Metrics: m})
			w.Start(context.Background())

			src := <-opener.opened
			for i := 0; i < tt.frames; i++ {
				src.frames <- capture.Frame{}
			}
			// The last frame was already received, so it is handled before
			// the stop is observed.
			w.Stop()
			opener.releaseAll()
			if !w.Wait(time.Second) {
				t.Fatal("worker did not stop")
			}

			if got := w.Status().FrameCount; got != tt.accepted {
				t.Errorf("FrameCount = %d, want %d", got, tt.accepted)
			}
			if got := m.FramesPaced.Load(); got != uint64(int64(tt.frames)-tt.accepted) {
				t.Errorf("FramesPaced = %d, want %d", got, int64(tt.frames)-tt.accepted)
			}
			if got := src.encodes.Load(); got != tt.accepted {
				t.Errorf("encoded frames = %d, want %d (paced frames must not be encoded)", got, tt.accepted)
			}
		})
	}
}

func TestWorkerFPSWindow(t *testing.T) {
	opener := newFakeOpener(0)
	// One clock read on connect opens the window, then one per grabbed frame.
	clock := &fakeClock{now: time.Unix(0, 0), step: 100 * time.Millisecond}
	m := metrics.New()
	w := newTestWorker(t, testConfig("cam"), opener, WorkerOptions{Now: clock.Now, Metrics: m})
	w.Start(context.Background())

	src := <-opener.opened
	for i := 0; i < 9; i++ {
		src.frames <- capture.Frame{}
	}
	waitFor(t, "nine frames", func() bool { return m.FramesCaptured.Load() == 9 })
	if got := w.Status().FPSActual; got != 0 {
		t.Errorf("FPSActual before the window closes = %v, want 0", got)
	}

	src.frames <- capture.Frame{}
	// The rate is published after the frame is counted.
	waitFor(t, "fps after 10 frames in 1s", func() bool { return w.Status().FPSActual == 10 })

	w.Stop()
	opener.releaseAll()
	if !w.Wait(time.Second) {
		t.Fatal("worker did not stop")
	}
	if got := w.Status().FPSActual; got != 0 {
		t.Errorf("FPSActual after stop = %v, want 0", got)
	}
}

func TestWorkerErrorEscalation(t *testing.T) {
	opener := newFakeOpener(1000)
	store := &logStore{}
	schedule := make([]time.Duration, 12)
	cfg := testConfig("cam")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(cfg, nil, WorkerOptions{
		Opener:   opener,
		Logger:   slog.New(recordingHandler{store: store}),
		Schedule: schedule,
		Sleep:    (&recordingSleeper{}).Sleep,
	})
	w.Start(context.Background())
	if !w.Wait(time.Second) {
		t.Fatal("worker did not exit")
	}

	records := store.withMessage("Failed to connect to stream")
	if len(records) != len(schedule)+1 {
		t.Fatalf("connect failures logged = %d, want %d", len(records), len(schedule)+1)
	}
	for i, r := range records {
		count := int64(i + 1)
		want := slog.LevelWarn
		if count >= escalateAfter {
			want = slog.LevelError
		}
		if r.Level != want {
			t.Errorf("failure %d logged at %v, want %v", count, r.Level, want)
		}
		if v, ok := recordAttr(r, "error_count"); !ok || v.Int64() != count {
			t.Errorf("failure %d error_count = %v, want %d", count, v, count)
		}
		_, escalated := recordAttr(r, "escalated")
		if escalated != (count >= escalateAfter) {
			t.Errorf("failure %d escalated = %v", count, escalated)
		}
	}
	if got := w.Status().ErrorCount; got != int64(len(schedule)+1) {
		t.Errorf("ErrorCount = %d, want %d", got, len(schedule)+1)
	}
}

func TestWorkerReconnectBackoff(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantDelays []time.Duration
		wantState  State
		connected  bool
	}{
		{
			name:       "connects after three failures",
			failures:   3,
			wantDelays: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
			connected:  true,
		},
		{
			name:       "first attempt succeeds",
			failures:   0,
			wantDelays: nil,
			connected:  true,
		},
		{
			name:       "schedule exhausted",
			failures:   100,
			wantDelays: BackoffSchedule,
			wantState:  StateStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := newFakeOpener(tt.failures)
			sleeper := &recordingSleeper{}
			w := newTestWorker(t, testConfig("cam"), opener, WorkerOptions{Sleep: sleeper.Sleep})
			w.Start(context.Background())

			if tt.connected {
				<-opener.opened
				waitFor(t, "connected", func() bool { return w.State() == StateConnected })
				if got := w.Status().ErrorCount; got != 0 {
					t.Errorf("ErrorCount after connect = %d, want 0", got)
				}
				w.Stop()
				opener.releaseAll()
			}
			if !w.Wait(time.Second) {
				t.Fatal("worker did not exit")
			}

			got := sleeper.recorded()
			if len(got) != len(tt.wantDelays) {
				t.Fatalf("delays = %v, want %v", got, tt.wantDelays)
			}
			for i := range got {
				if got[i] != tt.wantDelays[i] {
					t.Errorf("delay[%d] = %v, want %v", i, got[i], tt.wantDelays[i])
				}
			}
			if !tt.connected {
				if got := opener.openCount(); got != len(BackoffSchedule)+1 {
					t.Errorf("open attempts = %d, want %d", got, len(BackoffSchedule)+1)
				}
				st := w.Status()
				if st.State != tt.wantState {
					t.Errorf("State = %v, want %v", st.State, tt.wantState)
				}
				if st.LastError != errScheduleExhausted.Error() {
					t.Errorf("LastError = %q, want %q", st.LastError, errScheduleExhausted.Error())
				}
			}
		})
	}
}

func TestWorkerReadFailureReconnects(t *testing.T) {
	opener := newFakeOpener(0)
	sleeper := &recordingSleeper{}
	w := newTestWorker(t, testConfig("cam"), opener, WorkerOptions{Sleep: sleeper.Sleep})
	w.Start(context.Background())

	first := <-opener.opened
	first.fail()

	second := <-opener.opened
	waitFor(t, "reconnected", func() bool { return w.State() == StateConnected })
	select {
	case <-first.closed:
	default:
		t.Error("failed source was not released")
	}
	if got := sleeper.recorded(); len(got) != 1 || got[0] != time.Second {
		t.Errorf("delays = %v, want [1s]", got)
	}

	w.Stop()
	second.fail()
	if !w.Wait(time.Second) {
		t.Fatal("worker did not stop")
	}
	if got := w.State(); got != StateStopped {
		t.Errorf("State() = %v, want %v", got, StateStopped)
	}
}

func TestWorkerNoAutoReconnectStops(t *testing.T) {
	opener := newFakeOpener(1)
	sleeper := &recordingSleeper{}
	cfg := testConfig("cam")
	cfg.AutoReconnect = false
	w := newTestWorker(t, cfg, opener, WorkerOptions{Sleep: sleeper.Sleep})
	w.Start(context.Background())

	if !w.Wait(time.Second) {
		t.Fatal("worker did not exit")
	}
	if got := opener.openCount(); got != 1 {
		t.Errorf("open attempts = %d, want 1", got)
	}
	if got := len(sleeper.recorded()); got != 0 {
		t.Errorf("backoff sleeps = %d, want 0", got)
	}
	if st := w.Status(); st.State != StateStopped || st.ErrorCount != 1 {
		t.Errorf("Status() = %+v, want stopped with one error", st)
	}
}

func TestWorkerZoneSnapshot(t *testing.T) {
	opener := newFakeOpener(0)
	clock := &fakeClock{now: time.Unix(0, 0), step: time.Second}
	cfg := testConfig("cam")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	original := []zone.Rectangle{{ID: 1, XMax: 100, YMax: 100}}
	w := NewWorker(cfg, original, WorkerOptions{Opener: opener, Now: clock.Now, Logger: discardLogger()})
	w.Start(context.Background())
	defer func() {
		w.Stop()
		opener.releaseAll()
		w.Wait(time.Second)
	}()

	src := <-opener.opened
	src.frames <- capture.Frame{}
	waitFor(t, "first frame", func() bool { return w.QueueLen() == 1 })

	updated := []zone.Rectangle{{ID: 1, XMax: 10, YMax: 10}, {ID: 2, XMin: 20, XMax: 30, YMax: 30}}
	w.apply(Update{Zones: &updated})
	original[0].XMax = 5

	src.frames <- capture.Frame{}
	waitFor(t, "second frame", func() bool { return w.QueueLen() == 2 })

	f1, _ := w.TryFrame()
	f2, _ := w.TryFrame()
	if len(f1.Zones) != 1 || f1.Zones[0].XMax != 100 {
		t.Errorf("frame 1 zones = %+v, want the zones active at capture", f1.Zones)
	}
	if len(f2.Zones) != 2 {
		t.Errorf("frame 2 zones = %+v, want the updated zones", f2.Zones)
	}
	if f1.TraceID == "" || f1.TraceID == f2.TraceID {
		t.Errorf("trace ids = %q, %q, want distinct non-empty ids", f1.TraceID, f2.TraceID)
	}
}

func TestScaledSchedule(t *testing.T) {
	if got := ScaledSchedule(time.Second); got[0] != time.Second || got[6] != 60*time.Second {
		t.Errorf("ScaledSchedule(1s) = %v, want the base schedule", got)
	}
	got := ScaledSchedule(500 * time.Millisecond)
	if got[0] != 500*time.Millisecond || got[6] != 30*time.Second {
		t.Errorf("ScaledSchedule(500ms) = %v, want halved delays", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", testConfig("a"), false},
		{"missing id", Config{Source: "x", Kind: capture.KindFile, TargetFPS: 1}, true},
		{"missing source", Config{ID: "a", Kind: capture.KindFile, TargetFPS: 1}, true},
		{"bad kind", Config{ID: "a", Source: "x", Kind: "hls", TargetFPS: 1}, true},
		{"zero fps", Config{ID: "a", Source: "x", Kind: capture.KindRTSP}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (cfg.Name != cfg.ID || cfg.ReconnectDelay != time.Second) {
				t.Errorf("Validate() defaults = name %q delay %v", cfg.Name, cfg.ReconnectDelay)
			}
		})
	}
}
