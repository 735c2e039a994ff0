package shaper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MinChangeLimit is the smallest positive limit ChangeLimits accepts; anything
// at or below it keeps the previous value.
const MinChangeLimit = 1024

// DefaultCheckInterval is used when a zero interval is configured.
const DefaultCheckInterval = time.Second

// Limits holds byte-per-second limits. Zero means unlimited.
type Limits struct {
	Write         int64
	Read          int64
	CheckInterval time.Duration
}

// Shaper throttles reads and writes with token buckets. A Shaper created with
// Channel also charges its parent, so per-channel traffic is bounded by both
// the channel limit and the global limit.
type Shaper struct {
	mu     sync.Mutex
	now    func() time.Time
	limits Limits
	// nil limiters are unlimited.
	write  *rate.Limiter
	read   *rate.Limiter
	parent *Shaper
}

// New returns a shaper using the wall clock.
func New(l Limits) *Shaper {
	return NewWithNow(l, time.Now)
}

// NewWithNow returns a shaper with a custom time source (for tests).
func NewWithNow(l Limits, now func() time.Time) *Shaper {
	if now == nil {
		now = time.Now
	}
	s := &Shaper{now: now}
	s.Configure(l.Write, l.Read, l.CheckInterval)
	return s
}

// Channel returns a child shaper with its own limits that also draws from s.
func (s *Shaper) Channel(l Limits) *Shaper {
	c := NewWithNow(l, s.now)
	c.parent = s
	return c
}

// Configure replaces the limits. Tokens already reserved stay reserved, so
// data in flight is never dropped; the new rate applies from now on.
func (s *Shaper) Configure(writeLimit, readLimit int64, checkInterval time.Duration) {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.limits = Limits{Write: max(writeLimit, 0), Read: max(readLimit, 0), CheckInterval: checkInterval}
	s.write = apply(s.write, now, s.limits.Write, checkInterval)
	s.read = apply(s.read, now, s.limits.Read, checkInterval)
}

// ChangeLimits reconfigures with the legacy policy: a limit <= 0 means
// unlimited and a positive limit <= MinChangeLimit keeps the previous value.
func (s *Shaper) ChangeLimits(writeLimit, readLimit int64, checkInterval time.Duration) Limits {
	cur := s.Limits()
	if checkInterval <= 0 {
		checkInterval = cur.CheckInterval
	}
	s.Configure(adjust(cur.Write, writeLimit), adjust(cur.Read, readLimit), checkInterval)
	return s.Limits()
}

func adjust(prev, next int64) int64 {
	switch {
	case next <= 0:
		return 0
	case next <= MinChangeLimit:
		return prev
	default:
		return next
	}
}

// Limits returns the current configuration.
func (s *Shaper) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// apply returns the limiter for limit. An existing limiter is retuned in
// place so outstanding reservations keep counting against the new rate.
func apply(l *rate.Limiter, now time.Time, limit int64, interval time.Duration) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	burst := max(int(float64(limit)*interval.Seconds()), 1)
	if l == nil {
		return rate.NewLimiter(rate.Limit(limit), burst)
	}
	l.SetLimitAt(now, rate.Limit(limit))
	l.SetBurstAt(now, burst)
	return l
}

// WriteDelay reserves n bytes of write budget and returns how long the caller
// must wait before sending them.
func (s *Shaper) WriteDelay(n int) time.Duration {
	return s.delay(n, func(x *Shaper) *rate.Limiter { return x.write })
}

// ReadDelay is WriteDelay for the read direction.
func (s *Shaper) ReadDelay(n int) time.Duration {
	return s.delay(n, func(x *Shaper) *rate.Limiter { return x.read })
}

// WaitWrite blocks until n bytes may be written or ctx is done.
func (s *Shaper) WaitWrite(ctx context.Context, n int) error {
	return sleep(ctx, s.WriteDelay(n))
}

// WaitRead blocks until n bytes may be consumed or ctx is done.
func (s *Shaper) WaitRead(ctx context.Context, n int) error {
	return sleep(ctx, s.ReadDelay(n))
}

func (s *Shaper) delay(n int, pick func(*Shaper) *rate.Limiter) time.Duration {
	if s == nil || n <= 0 {
		return 0
	}
	var d time.Duration
	for x := s; x != nil; x = x.parent {
		x.mu.Lock()
		now := x.now()
		if dd := reserve(pick(x), now, n); dd > d {
			d = dd
		}
		x.mu.Unlock()
	}
	return d
}

// reserve charges n tokens, splitting the request when it exceeds the burst.
func reserve(l *rate.Limiter, now time.Time, n int) time.Duration {
	if l == nil {
		return 0
	}
	burst := l.Burst()
	var d time.Duration
	for n > 0 {
		chunk := min(n, burst)
		r := l.ReserveN(now, chunk)
		if !r.OK() {
			return 0
		}
		d = r.DelayFrom(now)
		n -= chunk
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
