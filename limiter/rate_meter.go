package limiter

import (
	"sync/atomic"
	"time"
)

const numBuckets = 5 // 5 one-second buckets for 5-second window

// timeBucket holds bytes for a 1-second window
type timeBucket struct {
	bytes     int64 // atomic
	timestamp int64 // atomic, unix timestamp
}

// RateMeter measures relayed bytes per second over a short rolling window.
// Record is called from the forwarding loop, ActiveRate from status readers.
type RateMeter struct {
	buckets    [numBuckets]timeBucket
	currentIdx int64 // atomic, current bucket index
	lastRotate int64 // atomic, last rotation unix timestamp
	windowSize time.Duration
	total      atomic.Int64
	now        func() time.Time
}

func NewRateMeter() *RateMeter {
	return newRateMeter(time.Now)
}

func newRateMeter(now func() time.Time) *RateMeter {
	ts := now().Unix()
	m := &RateMeter{
		windowSize: numBuckets * time.Second,
		lastRotate: ts,
		now:        now,
	}
	for i := range m.buckets {
		atomic.StoreInt64(&m.buckets[i].timestamp, ts)
	}
	return m
}

// Record adds n relayed bytes. A nil meter ignores the call.
func (m *RateMeter) Record(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.total.Add(n)

	now := m.now().Unix()
	lastRotate := atomic.LoadInt64(&m.lastRotate)

	if now > lastRotate {
		// Only one caller wins the rotation.
		if atomic.CompareAndSwapInt64(&m.lastRotate, lastRotate, now) {
			currentIdx := atomic.LoadInt64(&m.currentIdx)
			nextIdx := (currentIdx + 1) % numBuckets
			atomic.StoreInt64(&m.buckets[nextIdx].bytes, 0)
			atomic.StoreInt64(&m.buckets[nextIdx].timestamp, now)
			atomic.StoreInt64(&m.currentIdx, nextIdx)
		}
	}

	idx := atomic.LoadInt64(&m.currentIdx)
	atomic.AddInt64(&m.buckets[idx].bytes, n)
}

// ActiveRate returns bytes per second over the buckets still inside the
// window.
func (m *RateMeter) ActiveRate() int64 {
	if m == nil {
		return 0
	}
	now := m.now().Unix()
	cutoff := now - int64(m.windowSize.Seconds())

	var totalBytes int64
	oldestTimestamp := now
	for i := 0; i < numBuckets; i++ {
		ts := atomic.LoadInt64(&m.buckets[i].timestamp)
		if ts >= cutoff {
			totalBytes += atomic.LoadInt64(&m.buckets[i].bytes)
			if ts < oldestTimestamp {
				oldestTimestamp = ts
			}
		}
	}

	duration := now - oldestTimestamp
	if duration > 0 {
		return totalBytes / duration
	}
	return totalBytes
}

// Total is the number of bytes recorded since the meter was created.
func (m *RateMeter) Total() int64 {
	if m == nil {
		return 0
	}
	return m.total.Load()
}
