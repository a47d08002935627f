package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveProcessingAverage(t *testing.T) {
	m := New()
	m.ObserveProcessing(100 * time.Millisecond)
	if got := m.AvgProcessingTimeMs(); got != 100 {
		t.Fatalf("AvgProcessingTimeMs() = %v, want 100", got)
	}

	m.ObserveProcessing(200 * time.Millisecond)
	if got := m.AvgProcessingTimeMs(); got < 109.9 || got > 110.1 {
		t.Errorf("AvgProcessingTimeMs() = %v, want 110", got)
	}
}

func TestUpdateQueueUsageKeepsPeak(t *testing.T) {
	m := New()
	for _, v := range []int64{10, 70, 40} {
		m.UpdateQueueUsage(v)
	}
	if got := m.PeakQueueUsage(); got != 70 {
		t.Errorf("PeakQueueUsage() = %d, want 70", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesCaptured.Add(3)
	m.RegisterGauge("active_streams", "Registered streams", func() float64 { return 2 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"zonemonitor_frames_captured_total 3",
		"zonemonitor_active_streams 2",
		"zonemonitor_processing_latency_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
