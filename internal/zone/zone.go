// Package zone defines the rectangular regions monitored inside a video frame
// and the occupancy status derived for each of them.
package zone

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidZone is returned when a zone definition cannot be turned into a
// usable rectangle.
var ErrInvalidZone = errors.New("invalid zone")

// Default ceilings on configured zones.
const (
	MaxPerStream = 10
	MaxTotal     = 40
)

// Status is the classification of a zone derived from its occupant count.
type Status string

const (
	// StatusIdle means nobody is inside the zone.
	StatusIdle Status = "idle"
	// StatusWork means exactly one person is inside the zone.
	StatusWork Status = "work"
	// StatusOther means two or more people are inside the zone.
	StatusOther Status = "other"
)

// StatusFor maps an occupant count to a zone status.
func StatusFor(occupants int) Status {
	switch {
	case occupants <= 0:
		return StatusIdle
	case occupants == 1:
		return StatusWork
	default:
		return StatusOther
	}
}

// Rectangle is an axis-aligned zone in frame pixel coordinates.
type Rectangle struct {
	ID   int     `json:"zone_id" yaml:"zone_id"`
	Name string  `json:"name,omitempty" yaml:"name,omitempty"`
	XMin float64 `json:"x_min" yaml:"x_min"`
	YMin float64 `json:"y_min" yaml:"y_min"`
	XMax float64 `json:"x_max" yaml:"x_max"`
	YMax float64 `json:"y_max" yaml:"y_max"`
}

// Contains reports whether the point lies inside the rectangle, edges included.
func (r Rectangle) Contains(x, y float64) bool {
	return r.XMin <= x && x <= r.XMax && r.YMin <= y && y <= r.YMax
}

// Validate checks the coordinate ordering of the rectangle.
func (r Rectangle) Validate() error {
	if math.IsNaN(r.XMin) || math.IsNaN(r.YMin) || math.IsNaN(r.XMax) || math.IsNaN(r.YMax) {
		return fmt.Errorf("zone %d: %w: NaN coordinate", r.ID, ErrInvalidZone)
	}
	if r.XMin > r.XMax {
		return fmt.Errorf("zone %d: %w: x_min %.1f > x_max %.1f", r.ID, ErrInvalidZone, r.XMin, r.XMax)
	}
	if r.YMin > r.YMax {
		return fmt.Errorf("zone %d: %w: y_min %.1f > y_max %.1f", r.ID, ErrInvalidZone, r.YMin, r.YMax)
	}
	return nil
}

// ValidateSet validates every rectangle of one stream and checks that zone
// ids are unique. Count ceilings are enforced by the stream registry.
func ValidateSet(rects []Rectangle) error {
	seen := make(map[int]struct{}, len(rects))
	for _, r := range rects {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate zone id %d", ErrInvalidZone, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Clone returns a copy of rects that shares no memory with the input.
func Clone(rects []Rectangle) []Rectangle {
	if rects == nil {
		return nil
	}
	out := make([]Rectangle, len(rects))
	copy(out, rects)
	return out
}
