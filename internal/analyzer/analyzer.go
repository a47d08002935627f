// Package analyzer turns tracked detections into per-zone occupancy and keeps
// the bounded history used for zone efficiency reporting.
//
// History is partitioned by stream and each partition has its own lock, so
// processing workers analyzing frames of different streams never contend,
// while two workers handling frames of the same stream are serialized.
package analyzer

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/clalos/stream-zone-monitor/internal/detect"
	"github.com/clalos/stream-zone-monitor/internal/zone"
)

// Retention defaults.
const (
	DefaultMovementEntries = 100
	DefaultMovementMaxAge  = time.Hour
	DefaultStatusEntries   = 1000
	DefaultStatusMaxAge    = 24 * time.Hour
)

// ZoneOccupancy is the result of one analysis pass for one zone.
type ZoneOccupancy struct {
	ZoneID      int            `json:"zone_id"`
	Name        string         `json:"name,omitempty"`
	PersonCount int            `json:"person_count"`
	Status      zone.Status    `json:"status"`
	TrackIDs    []int          `json:"track_ids"`
	Rectangle   zone.Rectangle `json:"rectangle"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Snapshot is the occupancy of every zone of a stream at one instant.
type Snapshot struct {
	StreamID string          `json:"stream_id"`
	Zones    []ZoneOccupancy `json:"zones"`
	// TrackedPersons counts detections that carry a track id.
	TrackedPersons int       `json:"total_persons_detected"`
	AnalyzedAt     time.Time `json:"analysis_timestamp"`
}

// Zone returns the occupancy of the zone with the given id.
func (s Snapshot) Zone(id int) (ZoneOccupancy, bool) {
	for _, z := range s.Zones {
		if z.ZoneID == id {
			return z, true
		}
	}
	return ZoneOccupancy{}, false
}

// StatusEntry records the time a zone entered a status.
type StatusEntry struct {
	Status    zone.Status `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// MovementEntry records a track seen inside a zone.
type MovementEntry struct {
	ZoneID    int       `json:"zone_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Efficiency summarizes how a zone's time split across statuses.
type Efficiency struct {
	StreamID      string  `json:"stream_id"`
	ZoneID        int     `json:"zone_id"`
	WindowMinutes int     `json:"time_window_minutes"`
	Percentage    float64 `json:"efficiency_percentage"`
	WorkMinutes   float64 `json:"work_time_minutes"`
	IdleMinutes   float64 `json:"idle_time_minutes"`
	OtherMinutes  float64 `json:"other_time_minutes"`
	TotalMinutes  float64 `json:"total_time_minutes"`
}

// Options configures retention. Zero values select the defaults.
type Options struct {
	MovementEntries int
	MovementMaxAge  time.Duration
	StatusEntries   int
	StatusMaxAge    time.Duration
	Logger          *slog.Logger
	// Now replaces the wall clock.
	Now func() time.Time
}

// streamHistory is the history of one stream, guarded by its own lock.
type streamHistory struct {
	mu        sync.Mutex
	movements map[int][]MovementEntry // by track id
	statuses  map[int][]StatusEntry   // by zone id
	last      time.Time
	// retired is set once ClearOldData has unlinked the partition. Writers
	// holding a stale pointer must fetch a fresh one.
	retired bool
}

// Analyzer computes zone occupancy and keeps bounded history per stream.
type Analyzer struct {
	mu      sync.RWMutex
	streams map[string]*streamHistory

	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Analyzer.
func New(opts Options) *Analyzer {
	if opts.MovementEntries <= 0 {
		opts.MovementEntries = DefaultMovementEntries
	}
	if opts.MovementMaxAge <= 0 {
		opts.MovementMaxAge = DefaultMovementMaxAge
	}
	if opts.StatusEntries <= 0 {
		opts.StatusEntries = DefaultStatusEntries
	}
	if opts.StatusMaxAge <= 0 {
		opts.StatusMaxAge = DefaultStatusMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Analyzer{
		streams: make(map[string]*streamHistory),
		opts:    opts,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Analyze places every tracked person into the zones containing the center
// of its bounding box and records the resulting history. Detections without
// a track id are not placed in zones.
func (a *Analyzer) Analyze(streamID string, trackings []detect.Tracking, rects []zone.Rectangle) Snapshot {
	type point struct {
		trackID int
		x, y    float64
	}
	people := make([]point, 0, len(trackings))
	for _, t := range trackings {
		if !t.Tracked() {
			continue
		}
		x, y := t.BBox.Center()
		people = append(people, point{trackID: *t.TrackID, x: x, y: y})
	}

	h := a.history(streamID)
	h.mu.Lock()
	for h.retired {
		h.mu.Unlock()
		h = a.history(streamID)
		h.mu.Lock()
	}
	defer h.mu.Unlock()

	// Timestamps are taken under the stream lock so history stays ordered
	// even when several workers analyze frames of this stream.
	now := a.now()
	if now.Before(h.last) {
		now = h.last
	}
	h.last = now

	snap := Snapshot{
		StreamID:       streamID,
		Zones:          make([]ZoneOccupancy, 0, len(rects)),
		TrackedPersons: len(people),
		AnalyzedAt:     now,
	}

	for _, r := range rects {
		seen := make(map[int]struct{})
		ids := []int{}
		for _, p := range people {
			if !r.Contains(p.x, p.y) {
				continue
			}
			if _, dup := seen[p.trackID]; dup {
				continue
			}
			seen[p.trackID] = struct{}{}
			ids = append(ids, p.trackID)
			h.recordMovement(p.trackID, r.ID, now, a.opts)
		}
		sort.Ints(ids)

		status := zone.StatusFor(len(ids))
		h.recordStatus(r.ID, status, now, a.opts)

		snap.Zones = append(snap.Zones, ZoneOccupancy{
			ZoneID:      r.ID,
			Name:        r.Name,
			PersonCount: len(ids),
			Status:      status,
			TrackIDs:    ids,
			Rectangle:   r,
			Timestamp:   now,
		})
	}
	return snap
}

// ZoneEfficiency reports how the zone's time within the last windowMinutes
// split across statuses. Each status entry lasts until the next one, the
// latest until now. Without history in the window every field is zero.
func (a *Analyzer) ZoneEfficiency(streamID string, zoneID, windowMinutes int) Efficiency {
	eff := Efficiency{StreamID: streamID, ZoneID: zoneID, WindowMinutes: windowMinutes}

	h, ok := a.lookup(streamID)
	if !ok {
		return eff
	}

	h.mu.Lock()
	now := a.now()
	if now.Before(h.last) {
		now = h.last
	}
	cutoff := now.Add(-time.Duration(windowMinutes) * time.Minute)
	var window []StatusEntry
	for _, e := range h.statuses[zoneID] {
		if e.Timestamp.After(cutoff) {
			window = append(window, e)
		}
	}
	h.mu.Unlock()

	if len(window) == 0 {
		return eff
	}

	var work, idle, other time.Duration
	for i, e := range window {
		end := now
		if i+1 < len(window) {
			end = window[i+1].Timestamp
		}
		d := end.Sub(e.Timestamp)
		switch e.Status {
		case zone.StatusWork:
			work += d
		case zone.StatusIdle:
			idle += d
		case zone.StatusOther:
			other += d
		}
	}

	total := work + idle + other
	eff.WorkMinutes = round2(work.Minutes())
	eff.IdleMinutes = round2(idle.Minutes())
	eff.OtherMinutes = round2(other.Minutes())
	eff.TotalMinutes = round2(total.Minutes())
	if total > 0 {
		eff.Percentage = round2(float64(work) / float64(total) * 100)
	}
	return eff
}

// TrackHistory returns a copy of the movement history of one track.
func (a *Analyzer) TrackHistory(streamID string, trackID int) []MovementEntry {
	h, ok := a.lookup(streamID)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]MovementEntry(nil), h.movements[trackID]...)
}

// ZoneStatusHistory returns a copy of the status history of one zone.
func (a *Analyzer) ZoneStatusHistory(streamID string, zoneID int) []StatusEntry {
	h, ok := a.lookup(streamID)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StatusEntry(nil), h.statuses[zoneID]...)
}

// ClearOldData drops movement and status entries older than retention across
// all streams and forgets tracks, zones and streams left without history.
// Streams are locked one at a time so analysis of other streams continues
// meanwhile.
func (a *Analyzer) ClearOldData(retention time.Duration) (removed int) {
	a.mu.RLock()
	histories := make(map[string]*streamHistory, len(a.streams))
	for id, h := range a.streams {
		histories[id] = h
	}
	a.mu.RUnlock()

	cutoff := a.now().Add(-retention)
	var empty []string
	for id, h := range histories {
		h.mu.Lock()
		for track, entries := range h.movements {
			kept := pruneBefore(entries, cutoff, func(e MovementEntry) time.Time { return e.Timestamp })
			removed += len(entries) - len(kept)
			if len(kept) == 0 {
				delete(h.movements, track)
			} else {
				h.movements[track] = kept
			}
		}
		for zoneID, entries := range h.statuses {
			kept := pruneBefore(entries, cutoff, func(e StatusEntry) time.Time { return e.Timestamp })
			removed += len(entries) - len(kept)
			if len(kept) == 0 {
				delete(h.statuses, zoneID)
			} else {
				h.statuses[zoneID] = kept
			}
		}
		if h.empty() {
			empty = append(empty, id)
		}
		h.mu.Unlock()
	}

	streams := 0
	if len(empty) > 0 {
		a.mu.Lock()
		for _, id := range empty {
			h := histories[id]
			h.mu.Lock()
			// Analyze may have refilled the partition since it was pruned.
			if a.streams[id] == h && h.empty() {
				h.retired = true
				delete(a.streams, id)
				streams++
			}
			h.mu.Unlock()
		}
		a.mu.Unlock()
	}

	a.logger.Info("Cleared old analysis data",
		"retention", retention,
		"removed_entries", removed,
		"removed_streams", streams)
	return removed
}

func (a *Analyzer) history(streamID string) *streamHistory {
	if h, ok := a.lookup(streamID); ok {
		return h
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.streams[streamID]
	if !ok {
		h = &streamHistory{
			movements: make(map[int][]MovementEntry),
			statuses:  make(map[int][]StatusEntry),
		}
		a.streams[streamID] = h
	}
	return h
}

func (a *Analyzer) lookup(streamID string) (*streamHistory, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.streams[streamID]
	return h, ok
}

func (h *streamHistory) empty() bool {
	return len(h.movements) == 0 && len(h.statuses) == 0
}

func (h *streamHistory) recordMovement(trackID, zoneID int, now time.Time, opts Options) {
	entries := append(h.movements[trackID], MovementEntry{ZoneID: zoneID, Timestamp: now})
	entries = pruneBefore(entries, now.Add(-opts.MovementMaxAge), func(e MovementEntry) time.Time { return e.Timestamp })
	if len(entries) > opts.MovementEntries {
		entries = entries[len(entries)-opts.MovementEntries:]
	}
	h.movements[trackID] = entries
}

// recordStatus appends an entry only when the status changed.
func (h *streamHistory) recordStatus(zoneID int, status zone.Status, now time.Time, opts Options) {
	entries := h.statuses[zoneID]
	if n := len(entries); n > 0 && entries[n-1].Status == status {
		return
	}
	entries = append(entries, StatusEntry{Status: status, Timestamp: now})
	entries = pruneBefore(entries, now.Add(-opts.StatusMaxAge), func(e StatusEntry) time.Time { return e.Timestamp })
	if len(entries) > opts.StatusEntries {
		entries = entries[len(entries)-opts.StatusEntries:]
	}
	h.statuses[zoneID] = entries
}

// pruneBefore drops the leading entries older than cutoff. Entries are time
// ordered, so the result is a suffix of the input.
func pruneBefore[T any](entries []T, cutoff time.Time, ts func(T) time.Time) []T {
	i := sort.Search(len(entries), func(i int) bool { return !ts(entries[i]).Before(cutoff) })
	if i == 0 {
		return entries
	}
	out := make([]T, len(entries)-i)
	copy(out, entries[i:])
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
