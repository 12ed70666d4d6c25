package resilience

import (
	"sync"
	"time"
)

// slidingWindow implements a sliding window counter used for the breaker's
// per-operation-class rate limits.
//
// The window tracks admissions over a rolling time period using a fixed
// number of time-stamped buckets; buckets older than the window are pruned
// on every access, which avoids the reset spike of fixed windows.
type slidingWindow struct {
	window     time.Duration
	bucketSize time.Duration
	buckets    []windowBucket
	mu         sync.Mutex

	// now is injectable for tests.
	now func() time.Time
}

// windowBucket is a single time-stamped counter bucket.
type windowBucket struct {
	timestamp time.Time
	value     int64
}

// newSlidingWindow creates a sliding window counter. The number of buckets
// is window/bucketSize; smaller buckets trade memory for accuracy.
func newSlidingWindow(window, bucketSize time.Duration) *slidingWindow {
	numBuckets := int(window / bucketSize)
	if numBuckets == 0 {
		numBuckets = 1
	}
	return &slidingWindow{
		window:     window,
		bucketSize: bucketSize,
		buckets:    make([]windowBucket, numBuckets),
		now:        time.Now,
	}
}

// Add increments the counter in the current time bucket.
func (sw *slidingWindow) Add(value int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.pruneLocked(now)
	sw.bucketForLocked(now).value += value
}

// Sum returns the total count across all buckets in the window.
func (sw *slidingWindow) Sum() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pruneLocked(sw.now())

	var sum int64
	for i := range sw.buckets {
		if !sw.buckets[i].timestamp.IsZero() {
			sum += sw.buckets[i].value
		}
	}
	return sum
}

// Reset clears all buckets.
func (sw *slidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.buckets {
		sw.buckets[i] = windowBucket{}
	}
}

// pruneLocked clears buckets older than the window. Caller holds the lock.
func (sw *slidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	for i := range sw.buckets {
		if !sw.buckets[i].timestamp.IsZero() && sw.buckets[i].timestamp.Before(cutoff) {
			sw.buckets[i] = windowBucket{}
		}
	}
}

// bucketForLocked finds or creates the bucket for the current time. Caller
// holds the lock.
func (sw *slidingWindow) bucketForLocked(now time.Time) *windowBucket {
	bucketTime := now.Truncate(sw.bucketSize)

	for i := range sw.buckets {
		if sw.buckets[i].timestamp.Equal(bucketTime) {
			return &sw.buckets[i]
		}
	}

	// Prefer an empty slot, then evict the oldest.
	target := -1
	for i := range sw.buckets {
		if sw.buckets[i].timestamp.IsZero() {
			target = i
			break
		}
	}
	if target == -1 {
		oldest := 0
		for i := 1; i < len(sw.buckets); i++ {
			if sw.buckets[i].timestamp.Before(sw.buckets[oldest].timestamp) {
				oldest = i
			}
		}
		target = oldest
	}

	sw.buckets[target] = windowBucket{timestamp: bucketTime}
	return &sw.buckets[target]
}

// RateClass caps admissions for one operation class over a sliding window.
type RateClass struct {
	// Limit is the maximum admissions per window.
	Limit int64

	// Window is the sliding window length.
	Window time.Duration
}

// rateLimiter enforces per-operation-class sliding-window caps.
type rateLimiter struct {
	mu      sync.RWMutex
	classes map[string]*classWindow
}

type classWindow struct {
	limit  int64
	window *slidingWindow
}

// newRateLimiter builds a limiter from class definitions. Unknown classes
// are always admitted.
func newRateLimiter(classes map[string]RateClass) *rateLimiter {
	rl := &rateLimiter{classes: make(map[string]*classWindow, len(classes))}
	for name, rc := range classes {
		bucket := rc.Window / 60
		if bucket < time.Second {
			bucket = time.Second
		}
		rl.classes[name] = &classWindow{
			limit:  rc.Limit,
			window: newSlidingWindow(rc.Window, bucket),
		}
	}
	return rl
}

// Admit records one admission for class if the cap allows it, and reports
// whether the call may proceed.
func (rl *rateLimiter) Admit(class string) bool {
	rl.mu.RLock()
	cw, ok := rl.classes[class]
	rl.mu.RUnlock()
	if !ok {
		return true
	}

	// Check-then-add races only within a single bucket granule, which is
	// acceptable for hourly operational budgets.
	if cw.window.Sum() >= cw.limit {
		return false
	}
	cw.window.Add(1)
	return true
}

// Usage returns the current admission count for class.
func (rl *rateLimiter) Usage(class string) int64 {
	rl.mu.RLock()
	cw, ok := rl.classes[class]
	rl.mu.RUnlock()
	if !ok {
		return 0
	}
	return cw.window.Sum()
}
