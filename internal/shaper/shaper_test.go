package shaper

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestUnlimitedHasNoDelay(t *testing.T) {
	s := NewWithNow(Limits{}, newClock().now)
	for i := 0; i < 100; i++ {
		if d := s.WriteDelay(1 << 20); d != 0 {
			t.Fatalf("WriteDelay = %v, want 0", d)
		}
		if d := s.ReadDelay(1 << 20); d != 0 {
			t.Fatalf("ReadDelay = %v, want 0", d)
		}
	}
}

func TestThroughputBoundedByLimit(t *testing.T) {
	const limit = 10_000
	interval := 100 * time.Millisecond
	clock := newClock()
	s := NewWithNow(Limits{Write: limit, CheckInterval: interval}, clock.now)

	start := clock.t
	window := 10 * time.Second
	var sent int64
	for clock.t.Sub(start) < window {
		d := s.WriteDelay(512)
		clock.advance(d)
		if clock.t.Sub(start) >= window {
			break
		}
		sent += 512
	}
	burst := int64(float64(limit) * interval.Seconds())
	maxAllowed := int64(float64(limit)*window.Seconds()*1.01) + burst
	if sent > maxAllowed {
		t.Fatalf("sent %d bytes in %v, limit allows %d", sent, window, maxAllowed)
	}
	if minExpected := int64(float64(limit) * window.Seconds() * 0.9); sent < minExpected {
		t.Fatalf("sent %d bytes in %v, expected at least %d", sent, window, minExpected)
	}
}

func TestLargeReservationIsSplit(t *testing.T) {
	clock := newClock()
	s := NewWithNow(Limits{Write: 1000, CheckInterval: time.Second}, clock.now)
	d := s.WriteDelay(5000)
	if d < 3900*time.Millisecond || d > 5*time.Second {
		t.Fatalf("WriteDelay(5000) = %v, want about 5s", d)
	}
}

func TestChannelChargesGlobal(t *testing.T) {
	clock := newClock()
	global := NewWithNow(Limits{Read: 1000, CheckInterval: time.Second}, clock.now)
	ch := global.Channel(Limits{})

	ch.ReadDelay(1000)
	if d := ch.ReadDelay(1000); d < 900*time.Millisecond {
		t.Fatalf("channel ReadDelay = %v, want global limit to apply", d)
	}
	if d := global.WriteDelay(1 << 20); d != 0 {
		t.Fatalf("global WriteDelay = %v, want unlimited", d)
	}
}

func TestChangeLimitsPolicy(t *testing.T) {
	s := NewWithNow(Limits{Write: 0x800000, Read: 0x800000}, newClock().now)

	tests := []struct {
		name        string
		write, read int64
		want        Limits
	}{
		{"tiny keeps previous", 500, 1024, Limits{Write: 0x800000, Read: 0x800000, CheckInterval: time.Second}},
		{"raise", 4096, 0x100000, Limits{Write: 4096, Read: 0x100000, CheckInterval: time.Second}},
		{"zero unlimited", 0, -1, Limits{CheckInterval: time.Second}},
	}
	for _, tt := range tests {
		got := s.ChangeLimits(tt.write, tt.read, 0)
		if got != tt.want {
			t.Errorf("%s: ChangeLimits = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestReconfigureTakesEffect(t *testing.T) {
	clock := newClock()
	s := NewWithNow(Limits{Write: 1000, CheckInterval: time.Second}, clock.now)
	s.WriteDelay(1000)
	s.Configure(0, 0, time.Second)
	if d := s.WriteDelay(1 << 20); d != 0 {
		t.Fatalf("WriteDelay after unlimiting = %v, want 0", d)
	}
	s.Configure(100, 0, time.Second)
	s.WriteDelay(100)
	if d := s.WriteDelay(100); d < 900*time.Millisecond {
		t.Fatalf("WriteDelay after limiting = %v, want about 1s", d)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	s := New(Limits{Write: 1, CheckInterval: time.Second})
	s.WriteDelay(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.WaitWrite(ctx, 10); err == nil {
		t.Fatalf("WaitWrite with canceled context returned nil")
	}
}
