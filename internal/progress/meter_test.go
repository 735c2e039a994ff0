package progress

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func TestMeterRateAndETA(t *testing.T) {
	clk := newClock()
	m := NewMeterWithNow(clk.Now)
	m.Start(2000, 0)

	clk.Advance(time.Second)
	m.Add(1000)

	st := m.Snapshot()
	if st.Done != 1000 {
		t.Fatalf("Done = %d, want 1000", st.Done)
	}
	if st.RateBps < 900 || st.RateBps > 1100 {
		t.Fatalf("RateBps = %.2f, want about 1000", st.RateBps)
	}
	if st.ETA < 900*time.Millisecond || st.ETA > 1100*time.Millisecond {
		t.Fatalf("ETA = %s, want about 1s", st.ETA)
	}
}

func TestMeterEWMASmoothing(t *testing.T) {
	clk := newClock()
	m := NewMeterWithNow(clk.Now)
	m.Start(10000, 0)

	clk.Advance(time.Second)
	m.Add(1000)
	clk.Advance(time.Second)
	m.Add(3000)

	if st := m.Snapshot(); st.RateBps < 1300 || st.RateBps > 1500 {
		t.Fatalf("RateBps = %.2f, want about 1400", st.RateBps)
	}
}

func TestMeterResumedBytesExcludedFromRate(t *testing.T) {
	clk := newClock()
	m := NewMeterWithNow(clk.Now)
	m.Start(10000, 6000)

	st := m.Snapshot()
	if st.Done != 6000 || st.Percent != 60 || st.RateBps != 0 || st.ETA != 0 {
		t.Fatalf("resumed snapshot = %+v", st)
	}

	clk.Advance(2 * time.Second)
	m.Add(2000)
	st = m.Snapshot()
	if st.AvgBps != 1000 {
		t.Errorf("AvgBps = %.2f, want 1000", st.AvgBps)
	}
	if st.Done != 8000 {
		t.Errorf("Done = %d, want 8000", st.Done)
	}
}

func TestMeterRewind(t *testing.T) {
	clk := newClock()
	m := NewMeterWithNow(clk.Now)
	m.Start(4000, 0)
	clk.Advance(time.Second)
	m.Add(3000)
	m.Rewind(1000)
	if st := m.Snapshot(); st.Done != 1000 {
		t.Fatalf("Done after Rewind = %d, want 1000", st.Done)
	}
	m.Rewind(2000)
	if st := m.Snapshot(); st.Done != 1000 {
		t.Fatalf("Rewind forward moved Done to %d", st.Done)
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 B/s"},
		{2048, "2.0 KiB/s"},
		{3 * 1024 * 1024, "3.00 MiB/s"},
	}
	for _, tt := range tests {
		if got := FormatRate(tt.in); got != tt.want {
			t.Errorf("FormatRate(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNilMeter(t *testing.T) {
	var m *Meter
	m.Add(10)
	m.Rewind(0)
	if st := m.Snapshot(); st != (Stats{}) {
		t.Fatalf("nil Snapshot = %+v", st)
	}
}
