package zone

import "fmt"

// Definition is the on-the-wire form of a zone. It is either a rectangle
// (the four bounds set) or a legacy polygon given as a list of points. Resolve
// turns both into the canonical Rectangle used for containment checks.
type Definition struct {
	ID     int          `json:"zone_id" yaml:"zone_id"`
	Name   string       `json:"name,omitempty" yaml:"name,omitempty"`
	XMin   *float64     `json:"x_min,omitempty" yaml:"x_min,omitempty"`
	YMin   *float64     `json:"y_min,omitempty" yaml:"y_min,omitempty"`
	XMax   *float64     `json:"x_max,omitempty" yaml:"x_max,omitempty"`
	YMax   *float64     `json:"y_max,omitempty" yaml:"y_max,omitempty"`
	Points [][2]float64 `json:"points,omitempty" yaml:"points,omitempty"`
}

// IsPolygon reports whether the definition uses the legacy point list.
func (d Definition) IsPolygon() bool {
	return len(d.Points) > 0
}

// Resolve converts the definition into a Rectangle. A polygon is reduced to
// its axis-aligned bounding box; this is not a point-in-polygon test and
// callers relying on the legacy format get the box semantics.
func (d Definition) Resolve() (Rectangle, error) {
	if d.IsPolygon() {
		return d.resolvePolygon()
	}
	if d.XMin == nil || d.YMin == nil || d.XMax == nil || d.YMax == nil {
		return Rectangle{}, fmt.Errorf("zone %d: %w: rectangle needs x_min, y_min, x_max and y_max", d.ID, ErrInvalidZone)
	}
	r := Rectangle{
		ID:   d.ID,
		Name: d.Name,
		XMin: *d.XMin,
		YMin: *d.YMin,
		XMax: *d.XMax,
		YMax: *d.YMax,
	}
	return r, r.Validate()
}

func (d Definition) resolvePolygon() (Rectangle, error) {
	if len(d.Points) < 3 {
		return Rectangle{}, fmt.Errorf("zone %d: %w: polygon needs at least 3 points, got %d", d.ID, ErrInvalidZone, len(d.Points))
	}
	r := Rectangle{
		ID:   d.ID,
		Name: d.Name,
		XMin: d.Points[0][0],
		YMin: d.Points[0][1],
		XMax: d.Points[0][0],
		YMax: d.Points[0][1],
	}
	for _, p := range d.Points[1:] {
		r.XMin = min(r.XMin, p[0])
		r.YMin = min(r.YMin, p[1])
		r.XMax = max(r.XMax, p[0])
		r.YMax = max(r.YMax, p[1])
	}
	return r, r.Validate()
}

// ResolveAll resolves a list of definitions and validates the resulting set.
func ResolveAll(defs []Definition) ([]Rectangle, error) {
	rects := make([]Rectangle, 0, len(defs))
	for _, d := range defs {
		r, err := d.Resolve()
		if err != nil {
			return nil, err
		}
		rects = append(rects, r)
	}
	if err := ValidateSet(rects); err != nil {
		return nil, err
	}
	return rects, nil
}

// FromRectangle builds the rectangle form of a definition.
func FromRectangle(r Rectangle) Definition {
	xMin, yMin, xMax, yMax := r.XMin, r.YMin, r.XMax, r.YMax
	return Definition{ID: r.ID, Name: r.Name, XMin: &xMin, YMin: &yMin, XMax: &xMax, YMax: &yMax}
}
