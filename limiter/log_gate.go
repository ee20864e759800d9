package limiter

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// LogGate throttles a repeating diagnostic message with a token bucket. Calls
// over the budget are counted and reported by the next call that passes.
type LogGate struct {
	bucket     *ratelimit.Bucket
	suppressed atomic.Int64
}

// NewLogGate allows perSecond messages on average with bursts up to burst.
func NewLogGate(perSecond float64, burst int64) *LogGate {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &LogGate{bucket: ratelimit.NewBucketWithRate(perSecond, burst)}
}

// Allow reports whether a message may be logged now and how many messages
// were dropped since the last allowed one. A nil gate allows everything.
func (g *LogGate) Allow() (bool, int64) {
	if g == nil {
		return true, 0
	}
	if g.bucket.TakeAvailable(1) == 0 {
		g.suppressed.Add(1)
		return false, 0
	}
	return true, g.suppressed.Swap(0)
}
