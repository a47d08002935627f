// Package detect defines the person detection and tracking capability the
// pipeline consumes, together with the adapters that provide it.
package detect

import "context"

// BBox is a bounding box in frame pixel coordinates with X1<=X2 and Y1<=Y2.
type BBox struct {
	X1 float64 `json:"x1" msgpack:"x1"`
	Y1 float64 `json:"y1" msgpack:"y1"`
	X2 float64 `json:"x2" msgpack:"x2"`
	Y2 float64 `json:"y2" msgpack:"y2"`
}

// Center returns the midpoint of the box.
func (b BBox) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Tracking is one detected person. TrackID is nil when the tracker could not
// associate the detection with a persistent identity.
type Tracking struct {
	BBox       BBox    `json:"bbox" msgpack:"bbox"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	Class      string  `json:"class" msgpack:"class"`
	TrackID    *int    `json:"track_id" msgpack:"track_id"`
}

// Tracked reports whether the detection carries a persistent track id.
func (t Tracking) Tracked() bool {
	return t.TrackID != nil
}

// Detector runs detection and tracking on one encoded frame. Implementations
// must be safe for concurrent use by several processing workers. The stream
// id lets trackers keep identities apart per source.
type Detector interface {
	Detect(ctx context.Context, streamID string, frame []byte) ([]Tracking, error)
}

// Func adapts a function to the Detector interface.
type Func func(ctx context.Context, streamID string, frame []byte) ([]Tracking, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, streamID string, frame []byte) ([]Tracking, error) {
	return f(ctx, streamID, frame)
}

// Nop never finds anyone. It keeps the pipeline running when no detection
// backend is configured.
type Nop struct{}

// Detect returns no trackings.
func (Nop) Detect(context.Context, string, []byte) ([]Tracking, error) {
	return nil, nil
}

// IntPtr returns a pointer to v, for building track ids.
func IntPtr(v int) *int {
	return &v
}
