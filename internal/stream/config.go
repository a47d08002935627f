// Package stream owns video sources: one capture worker per stream and the
// registry that enforces the global ceilings on streams and zones.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

var (
	ErrShuttingDown    = errors.New("stream registry is shutting down")
	ErrStreamLimit     = errors.New("maximum number of streams reached")
	ErrZoneLimit       = errors.New("too many zones for one stream")
	ErrTotalZoneLimit  = errors.New("maximum number of zones across streams reached")
	ErrDuplicateStream = errors.New("stream already exists")
	ErrStreamNotFound  = errors.New("stream not found")
	ErrInvalidConfig   = errors.New("invalid stream config")
)

// Config describes one video stream. ID, Source, Kind and ReconnectDelay are
// fixed for the lifetime of a worker; the rest can be changed with an Update.
type Config struct {
	ID            string       `json:"stream_id" yaml:"id"`
	Source        string       `json:"source_url" yaml:"source"`
	Name          string       `json:"name" yaml:"name"`
	Kind          capture.Kind `json:"stream_type" yaml:"type"`
	TargetFPS     int          `json:"fps_target" yaml:"fps"`
	AutoReconnect bool         `json:"auto_reconnect" yaml:"auto_reconnect"`
	// ReconnectDelay scales the backoff schedule; the default of one second
	// yields delays of 1, 2, 4, 8, 16, 32 and 60 seconds.
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
}

// Validate checks the config and fills defaults for the display name and
// reconnect delay.
func (c *Config) Validate() error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("%w: stream %s: source is required", ErrInvalidConfig, c.ID)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: stream %s: unknown stream type %q", ErrInvalidConfig, c.ID, c.Kind)
	}
	if c.TargetFPS < 1 {
		return fmt.Errorf("%w: stream %s: fps must be at least 1, got %d", ErrInvalidConfig, c.ID, c.TargetFPS)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("%w: stream %s: negative reconnect delay", ErrInvalidConfig, c.ID)
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	return nil
}

// Update is a hot change to a running stream. Nil fields are left alone.
type Update struct {
	Name          *string           `json:"name,omitempty"`
	TargetFPS     *int              `json:"fps,omitempty"`
	AutoReconnect *bool             `json:"auto_reconnect,omitempty"`
	Zones         *[]zone.Rectangle `json:"zones,omitempty"`
}

// State is the lifecycle state of a stream worker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Frame is one accepted frame on its way to processing. Zones is the zone set
// that was active when the frame was captured; later zone updates do not
// change it.
type Frame struct {
	StreamID  string
	Number    int64
	Timestamp time.Time
	TraceID   string
	Data      []byte
	Width     int
	Height    int
	Zones     []zone.Rectangle
}

// Status is a point-in-time view of one worker.
type Status struct {
	StreamID   string  `json:"stream_id"`
	Name       string  `json:"name"`
	State      State   `json:"status"`
	FPSActual  float64 `json:"fps_actual"`
	FPSTarget  int     `json:"fps_target"`
	FrameCount int64   `json:"frame_count"`
	ErrorCount int64   `json:"error_count"`
	QueueSize  int     `json:"queue_size"`
	ZonesCount int     `json:"zones_count"`
	LastError  string  `json:"last_error,omitempty"`
}

// Info is the current configuration of a registered stream.
type Info struct {
	Config
	Zones []zone.Rectangle `json:"zones"`
}
