package api

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/clalos/stream-zone-monitor/internal/pipeline"
)

// DefaultLatestTTL is how long a stream's last result stays readable.
const DefaultLatestTTL = 5 * time.Minute

// LatestCache keeps the newest result of every stream so that reads do not
// consume the results queue. Entries expire when a stream goes quiet.
type LatestCache struct {
	mu sync.Mutex
	c  *cache.Cache
}

// NewLatestCache returns a cache whose entries live for ttl.
func NewLatestCache(ttl time.Duration) *LatestCache {
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}
	return &LatestCache{c: cache.New(ttl, 2*ttl)}
}

// Publish stores r unless a newer frame of the same stream is already held.
// Workers finish frames out of order.
func (l *LatestCache) Publish(r pipeline.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.c.Get(r.StreamID); ok && v.(pipeline.Result).FrameNumber > r.FrameNumber {
		return
	}
	l.c.SetDefault(r.StreamID, r)
}

// Latest returns the newest result of a stream.
func (l *LatestCache) Latest(streamID string) (pipeline.Result, bool) {
	v, ok := l.c.Get(streamID)
	if !ok {
		return pipeline.Result{}, false
	}
	return v.(pipeline.Result), true
}

// Forget drops a removed stream.
func (l *LatestCache) Forget(streamID string) {
	l.c.Delete(streamID)
}

// Len returns the number of cached streams, expired ones included until
// the janitor runs.
func (l *LatestCache) Len() int {
	return l.c.ItemCount()
}
