package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Throttle pauses processing workers while the process CPU usage is above a
// threshold. The CPU is sampled at most once per interval no matter how many
// workers ask.
type Throttle struct {
	threshold float64
	delay     time.Duration
	interval  time.Duration
	sample    func() (float64, error)
	now       func() time.Time

	mu       sync.Mutex
	lastTime time.Time
	hot      bool
	lastCPU  float64
}

// NewProcessThrottle samples this process with gopsutil. threshold is a
// percentage of the whole machine, so 80 means 80% of all cores.
func NewProcessThrottle(threshold float64, delay time.Duration) (*Throttle, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}
	cores := float64(runtime.NumCPU())
	sample := func() (float64, error) {
		// Percent(0) reports usage since the previous call.
		pct, err := proc.Percent(0)
		if err != nil {
			return 0, err
		}
		return pct / cores, nil
	}
	return newThrottle(threshold, delay, sample), nil
}

func newThrottle(threshold float64, delay time.Duration, sample func() (float64, error)) *Throttle {
	if threshold <= 0 {
		threshold = 80
	}
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	return &Throttle{
		threshold: threshold,
		delay:     delay,
		interval:  100 * time.Millisecond,
		sample:    sample,
		now:       time.Now,
	}
}

// Hot reports whether the last sample exceeded the threshold and refreshes
// the sample when it is older than the check interval.
func (t *Throttle) Hot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.lastTime.IsZero() && now.Sub(t.lastTime) < t.interval {
		return t.hot
	}
	t.lastTime = now

	pct, err := t.sample()
	if err != nil {
		// Keep the previous decision on a failed sample.
		return t.hot
	}
	t.lastCPU = pct
	t.hot = pct > t.threshold
	return t.hot
}

// LastCPU returns the most recent CPU sample in percent.
func (t *Throttle) LastCPU() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCPU
}

// Pause sleeps for the throttle delay when the process is hot. It returns
// true if it paused and false if it did not or ctx was cancelled.
func (t *Throttle) Pause(ctx context.Context) bool {
	if !t.Hot() {
		return false
	}
	timer := time.NewTimer(t.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
