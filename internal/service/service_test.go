package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/detect"
	"github.com/clalos/stream-zone-monitor/internal/stream"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

// tickingSource produces a frame every few milliseconds until closed.
type tickingSource struct {
	mu     sync.Mutex
	closed bool
}

func (s *tickingSource) Grab() error {
	time.Sleep(2 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capture.ErrReadFailed
	}
	return nil
}

func (s *tickingSource) Retrieve() (capture.Frame, error) {
	return capture.Frame{Data: []byte("jpeg"), Width: 640, Height: 480}, nil
}

func (s *tickingSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var tickingOpener = capture.OpenerFunc(func(capture.Kind, string, int) (capture.Source, error) {
	return &tickingSource{}, nil
})

// seatedPerson reports track 7 centered on (50,50).
var seatedPerson = detect.Func(func(context.Context, string, []byte) ([]detect.Tracking, error) {
	return []detect.Tracking{{
		BBox:       detect.BBox{X1: 40, Y1: 30, X2: 60, Y2: 70},
		Confidence: 0.8,
		Class:      "person",
		TrackID:    detect.IntPtr(7),
	}}, nil
})

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(Options{
		Opener:   tickingOpener,
		Detector: seatedPerson,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.Start(context.Background())
	t.Cleanup(s.Shutdown)
	return s
}

func testStream(id string) stream.Config {
	return stream.Config{ID: id, Source: "/videos/" + id + ".mp4", Kind: capture.KindFile, TargetFPS: 50, AutoReconnect: true}
}

var desk = []zone.Rectangle{{ID: 1, Name: "Desk", XMin: 0, YMin: 0, XMax: 100, YMax: 100}}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceEndToEnd(t *testing.T) {
	s := newTestService(t)
	if err := s.AddStream(testStream("cam"), desk); err != nil {
		t.Fatalf("AddStream() error = %v", err)
	}

	waitFor(t, "processed frames", func() bool { return s.Statistics().Processing.FramesProcessed >= 3 })

	results, err := s.StreamResults("cam", 5)
	if err != nil {
		t.Fatalf("StreamResults() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("StreamResults() returned nothing")
	}
	r := results[0]
	z, ok := r.ZoneAnalysis.Zone(1)
	if r.StreamID != "cam" || r.PersonCount != 1 || !ok || z.Status != zone.StatusWork {
		t.Errorf("result = %+v", r)
	}
	if r.TraceID == "" || r.FrameNumber < 1 {
		t.Errorf("result lacks frame identity: %+v", r)
	}

	eff, err := s.ZoneEfficiency("cam", 1, 60)
	if err != nil {
		t.Fatalf("ZoneEfficiency() error = %v", err)
	}
	if eff.IdleMinutes != 0 || eff.OtherMinutes != 0 {
		t.Errorf("ZoneEfficiency() = %+v, want only work time", eff)
	}

	history, err := s.ZoneStatusHistory("cam", 1)
	if err != nil || len(history) != 1 || history[0].Status != zone.StatusWork {
		t.Errorf("ZoneStatusHistory() = %+v, %v", history, err)
	}

	moves, err := s.TrackHistory("cam", 7)
	if err != nil || len(moves) == 0 || moves[0].ZoneID != 1 {
		t.Errorf("TrackHistory(cam, 7) = %+v, %v, want entries in zone 1", moves, err)
	}
	if moves, err := s.TrackHistory("cam", 99); err != nil || len(moves) != 0 {
		t.Errorf("TrackHistory(cam, 99) = %+v, %v, want empty", moves, err)
	}

	st, err := s.StreamStatus("cam")
	if err != nil {
		t.Fatalf("StreamStatus() error = %v", err)
	}
	if st.State != stream.StateConnected || st.ZonesCount != 1 || st.FrameCount == 0 {
		t.Errorf("StreamStatus() = %+v", st)
	}

	stats := s.Statistics()
	if stats.Streams.ActiveStreams != 1 || stats.Streams.TotalZones != 1 || !stats.Processing.Running {
		t.Errorf("Statistics() = %+v", stats)
	}
}

func TestServiceQueryErrors(t *testing.T) {
	s := newTestService(t)
	if err := s.AddStream(testStream("cam"), desk); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"status of unknown stream", func() error { _, err := s.StreamStatus("nope"); return err }, stream.ErrStreamNotFound},
		{"get unknown stream", func() error { _, err := s.Stream("nope"); return err }, stream.ErrStreamNotFound},
		{"results of unknown stream", func() error { _, err := s.StreamResults("nope", 5); return err }, stream.ErrStreamNotFound},
		{"efficiency of unknown stream", func() error { _, err := s.ZoneEfficiency("nope", 1, 60); return err }, stream.ErrStreamNotFound},
		{"efficiency of unknown zone", func() error { _, err := s.ZoneEfficiency("cam", 9, 60); return err }, ErrZoneNotFound},
		{"zero minute window", func() error { _, err := s.ZoneEfficiency("cam", 1, 0); return err }, ErrInvalidWindow},
		{"window over a day", func() error { _, err := s.ZoneEfficiency("cam", 1, 1441); return err }, ErrInvalidWindow},
		{"history of unknown stream", func() error { _, err := s.ZoneStatusHistory("nope", 1); return err }, stream.ErrStreamNotFound},
		{"track history of unknown stream", func() error { _, err := s.TrackHistory("nope", 7); return err }, stream.ErrStreamNotFound},
		{"zero retention", func() error { _, err := s.PruneHistory(0); return err }, ErrInvalidRetention},
		{"remove unknown stream", func() error { return s.RemoveStream("nope") }, stream.ErrStreamNotFound},
		{"duplicate stream", func() error { return s.AddStream(testStream("cam"), nil) }, stream.ErrDuplicateStream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := s.ZoneEfficiency("cam", 1, 1440); err != nil {
		t.Errorf("ZoneEfficiency(1440) error = %v", err)
	}
}

func TestServiceEfficiencyOfRemovedZone(t *testing.T) {
	s := newTestService(t)
	if err := s.AddStream(testStream("cam"), desk); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "history", func() bool {
		h, _ := s.ZoneStatusHistory("cam", 1)
		return len(h) > 0
	})

	moved := []zone.Rectangle{{ID: 2, XMin: 200, XMax: 300, YMax: 100}}
	if err := s.UpdateStream("cam", stream.Update{Zones: &moved}); err != nil {
		t.Fatalf("UpdateStream() error = %v", err)
	}

	if _, err := s.ZoneEfficiency("cam", 1, 60); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("ZoneEfficiency(removed zone) error = %v, want %v", err, ErrZoneNotFound)
	}
	if h, err := s.ZoneStatusHistory("cam", 1); err != nil || len(h) == 0 {
		t.Errorf("ZoneStatusHistory(removed zone) = %+v, %v, want retained history", h, err)
	}
	if _, err := s.ZoneEfficiency("cam", 2, 60); err != nil {
		t.Errorf("ZoneEfficiency(new zone) error = %v", err)
	}
}

func TestServicePruneHistory(t *testing.T) {
	s := newTestService(t)
	if err := s.AddStream(testStream("cam"), desk); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "history", func() bool {
		h, _ := s.ZoneStatusHistory("cam", 1)
		return len(h) > 0
	})

	if removed, err := s.PruneHistory(time.Hour); err != nil || removed != 0 {
		t.Errorf("PruneHistory(1h) = %d, %v, want nothing removed", removed, err)
	}
}

func TestServiceShutdown(t *testing.T) {
	s := newTestService(t)
	for _, id := range []string{"a", "b"} {
		if err := s.AddStream(testStream(id), desk); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	s.Shutdown()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done() not closed after Shutdown")
	}
	<-done

	if s.Running() {
		t.Error("Running() = true after Shutdown")
	}
	if err := s.AddStream(testStream("c"), nil); !errors.Is(err, stream.ErrShuttingDown) {
		t.Errorf("AddStream() after Shutdown error = %v, want ErrShuttingDown", err)
	}
	if got := s.Statistics().Streams.ActiveStreams; got != 0 {
		t.Errorf("ActiveStreams = %d after Shutdown", got)
	}
}
