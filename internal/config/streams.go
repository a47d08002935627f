package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clalos/stream-zone-monitor/internal/capture"
	"github.com/clalos/stream-zone-monitor/internal/stream"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

// DefaultTargetFPS applies to bootstrap streams that do not set fps.
const DefaultTargetFPS = 15

// StreamSpec is one stream in the bootstrap file.
//
//	streams:
//	  - id: camera_001
//	    source: rtsp://10.0.0.5/live
//	    type: rtsp
//	    fps: 15
//	    zones:
//	      - {zone_id: 1, name: Desk, x_min: 0, y_min: 0, x_max: 320, y_max: 240}
//	      - {zone_id: 2, points: [[400, 50], [600, 60], [580, 300]]}
type StreamSpec struct {
	ID             string            `yaml:"id"`
	Source         string            `yaml:"source"`
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	FPS            int               `yaml:"fps"`
	AutoReconnect  *bool             `yaml:"auto_reconnect"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	Zones          []zone.Definition `yaml:"zones"`
}

type streamsFile struct {
	Streams []StreamSpec `yaml:"streams"`
}

// ToStream converts the entry into a validated stream config and its zones.
// Polygon zones are reduced to their bounding boxes.
func (s StreamSpec) ToStream() (stream.Config, []zone.Rectangle, error) {
	kind, err := capture.ParseKind(s.Type)
	if err != nil {
		return stream.Config{}, nil, fmt.Errorf("%w: stream %s: %v", stream.ErrInvalidConfig, s.ID, err)
	}
	cfg := stream.Config{
		ID:             s.ID,
		Source:         s.Source,
		Name:           s.Name,
		Kind:           kind,
		TargetFPS:      s.FPS,
		AutoReconnect:  true,
		ReconnectDelay: s.ReconnectDelay,
	}
	if cfg.TargetFPS == 0 {
		cfg.TargetFPS = DefaultTargetFPS
	}
	if s.AutoReconnect != nil {
		cfg.AutoReconnect = *s.AutoReconnect
	}
	if err := cfg.Validate(); err != nil {
		return stream.Config{}, nil, err
	}

	rects, err := zone.ResolveAll(s.Zones)
	if err != nil {
		return stream.Config{}, nil, fmt.Errorf("stream %s: %w", s.ID, err)
	}
	return cfg, rects, nil
}

// LoadStreams reads and validates the bootstrap file. Limits on the number of
// streams and zones are left to the registry.
func LoadStreams(path string) ([]StreamSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read streams file: %w", err)
	}

	var f streamsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse streams file: %w", err)
	}

	seen := make(map[string]bool, len(f.Streams))
	for _, s := range f.Streams {
		if _, _, err := s.ToStream(); err != nil {
			return nil, fmt.Errorf("invalid streams file %s: %w", path, err)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("invalid streams file %s: %w: %s", path, stream.ErrDuplicateStream, s.ID)
		}
		seen[s.ID] = true
	}
	return f.Streams, nil
}
