package stream

import "time"

// BackoffSchedule is the sequence of delays between reconnect attempts. One
// connect is attempted after each delay; running out of delays is terminal.
var BackoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	60 * time.Second,
}

// ScaledSchedule returns BackoffSchedule with every step multiplied by
// base/1s. A zero or one-second base returns the schedule unchanged.
func ScaledSchedule(base time.Duration) []time.Duration {
	out := make([]time.Duration, len(BackoffSchedule))
	copy(out, BackoffSchedule)
	if base <= 0 || base == time.Second {
		return out
	}
	for i, d := range out {
		out[i] = time.Duration(float64(d) * base.Seconds())
	}
	return out
}
