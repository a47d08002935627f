package sink

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/clalos/stream-zone-monitor/internal/analyzer"
	"github.com/clalos/stream-zone-monitor/internal/config"
	"github.com/clalos/stream-zone-monitor/internal/detect"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/pipeline"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

func TestNewMessage(t *testing.T) {
	captured := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	published := captured.Add(40 * time.Millisecond)
	r := pipeline.Result{
		StreamID:    "camera_001",
		Timestamp:   captured,
		FrameNumber: 42,
		TraceID:     "0b7e2a4c-trace",
		PersonCount: 1,
		Trackings: []detect.Tracking{{
			BBox:       detect.BBox{X1: 10, Y1: 10, X2: 30, Y2: 50},
			Confidence: 0.87,
			Class:      "person",
			TrackID:    detect.IntPtr(3),
		}},
		ZoneAnalysis: analyzer.Snapshot{
			StreamID: "camera_001",
			Zones: []analyzer.ZoneOccupancy{{
				ZoneID:      1,
				PersonCount: 1,
				Status:      zone.StatusWork,
				TrackIDs:    []int{3},
			}},
			TrackedPersons: 1,
		},
		ProcessingTimeMs: 40,
		FPSCurrent:       25,
	}

	msg, err := newMessage("results", r, published)
	if err != nil {
		t.Fatalf("newMessage() error = %v", err)
	}
	if *msg.TopicPartition.Topic != "results" || msg.TopicPartition.Partition != kafka.PartitionAny {
		t.Errorf("TopicPartition = %+v", msg.TopicPartition)
	}
	if string(msg.Key) != r.TraceID {
		t.Errorf("Key = %q, want the trace id", msg.Key)
	}
	if !msg.Timestamp.Equal(captured) {
		t.Errorf("Timestamp = %v, want capture time", msg.Timestamp)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["stream_id"] != "camera_001" || headers["frame_number"] != "42" {
		t.Errorf("Headers = %v", headers)
	}

	var body map[string]any
	if err := json.Unmarshal(msg.Value, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	for _, key := range []string{"stream_id", "frame_number", "trace_id", "person_count", "trackings", "zone_analysis", "processing_time_ms", "fps_current", "published_at"} {
		if _, ok := body[key]; !ok {
			t.Errorf("payload lacks %q: %s", key, msg.Value)
		}
	}
	zones := body["zone_analysis"].(map[string]any)["zones"].([]any)
	if status := zones[0].(map[string]any)["status"]; status != "work" {
		t.Errorf("zone status = %v, want work", status)
	}
}

func TestNewKafkaPublisherRequiresServers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewKafkaPublisher(config.KafkaSettings{}, metrics.New(), logger); err == nil {
		t.Error("NewKafkaPublisher() without servers error = nil")
	}
}
