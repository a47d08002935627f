// Package sink publishes processing results to external systems.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/clalos/stream-zone-monitor/internal/config"
	"github.com/clalos/stream-zone-monitor/internal/metrics"
	"github.com/clalos/stream-zone-monitor/internal/pipeline"
)

const flushTimeout = 10 * time.Second

// ResultMessage is the JSON value of every published record.
type ResultMessage struct {
	pipeline.Result
	PublishedAt time.Time `json:"published_at"`
}

// KafkaPublisher sends every result to a Kafka topic. Publish only enqueues
// into the client's local queue; delivery reports arrive on a separate
// goroutine.
type KafkaPublisher struct {
	producer   *kafka.Producer
	topic      string
	deliveries chan kafka.Event

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewKafkaPublisher connects a producer using cfg.
func NewKafkaPublisher(cfg config.KafkaSettings, m *metrics.Metrics, logger *slog.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("kafka bootstrap servers not configured")
	}

	cm := &kafka.ConfigMap{
		"bootstrap.servers":   cfg.BootstrapServers,
		"security.protocol":   cfg.SecurityProtocol,
		"compression.type":    cfg.CompressionType,
		"acks":                cfg.Acks,
		"linger.ms":           cfg.LingerMS,
		"request.timeout.ms":  30000,
		"delivery.timeout.ms": 30000,
	}
	if cfg.SASLUsername != "" {
		_ = cm.SetKey("sasl.mechanism", cfg.SASLMechanism)
		_ = cm.SetKey("sasl.username", cfg.SASLUsername)
		_ = cm.SetKey("sasl.password", cfg.SASLPassword)
	}

	p, err := kafka.NewProducer(cm)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaPublisher{
		producer:   p,
		topic:      cfg.Topic,
		deliveries: make(chan kafka.Event, 10000),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	kp.wg.Add(1)
	go kp.handleDeliveryReports()

	logger.Info("Kafka result sink initialized", "topic", cfg.Topic, "servers", cfg.BootstrapServers)
	return kp, nil
}

// Publish enqueues r. It never blocks; a full local queue drops the result.
func (kp *KafkaPublisher) Publish(r pipeline.Result) {
	msg, err := newMessage(kp.topic, r, kp.now())
	if err != nil {
		kp.recordFailure("Failed to encode result", r, err)
		return
	}
	if err := kp.producer.Produce(msg, kp.deliveries); err != nil {
		kp.recordFailure("Failed to enqueue result", r, err)
		return
	}
	kp.sent.Add(1)
}

// Stats returns sent, acknowledged and failed message counts.
func (kp *KafkaPublisher) Stats() (sent, acked, failed int64) {
	return kp.sent.Load(), kp.acked.Load(), kp.failed.Load()
}

// Close flushes pending messages and releases the producer.
func (kp *KafkaPublisher) Close() {
	kp.closeOnce.Do(func() {
		if remaining := kp.producer.Flush(int(flushTimeout.Milliseconds())); remaining > 0 {
			kp.logger.Warn("Kafka messages still queued after flush timeout", "remaining", remaining)
		}
		close(kp.done)
		kp.wg.Wait()
		kp.producer.Close()

		sent, acked, failed := kp.Stats()
		kp.logger.Info("Kafka result sink closed", "sent", sent, "acked", acked, "failed", failed)
	})
}

func (kp *KafkaPublisher) handleDeliveryReports() {
	defer kp.wg.Done()
	for {
		select {
		case <-kp.done:
			return
		case e := <-kp.deliveries:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				kp.failed.Add(1)
				kp.metrics.SinkErrors.Add(1)
				kp.logger.Warn("Kafka delivery failed", "key", string(m.Key), "error", m.TopicPartition.Error)
				continue
			}
			kp.acked.Add(1)
			kp.metrics.SinkPublished.Add(1)
		}
	}
}

func (kp *KafkaPublisher) recordFailure(msg string, r pipeline.Result, err error) {
	kp.failed.Add(1)
	kp.metrics.SinkErrors.Add(1)
	kp.logger.Warn(msg, "stream_id", r.StreamID, "frame_number", r.FrameNumber, "error", err)
}

// newMessage builds the record for r, keyed by the frame trace id so retries
// of the same result land on the same partition.
func newMessage(topic string, r pipeline.Result, now time.Time) (*kafka.Message, error) {
	payload, err := json.Marshal(ResultMessage{Result: r, PublishedAt: now})
	if err != nil {
		return nil, err
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.TraceID),
		Value:          payload,
		Timestamp:      r.Timestamp,
		Headers: []kafka.Header{
			{Key: "stream_id", Value: []byte(r.StreamID)},
			{Key: "frame_number", Value: []byte(strconv.FormatInt(r.FrameNumber, 10))},
		},
	}, nil
}
