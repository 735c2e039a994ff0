// Package progress measures the byte rate of a running transfer.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Stats is a point-in-time view of a transfer's progress.
type Stats struct {
	// Done counts every byte of the file already in place, Resumed
	// included.
	Done    int64
	Total   int64
	Resumed int64
	// RateBps is smoothed over recent blocks; AvgBps covers the whole run.
	RateBps   float64
	AvgBps    float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
	Elapsed   time.Duration
}

// Meter tracks one transfer. It is safe for concurrent use so a status
// reporter can read it while the session writes. A nil Meter records
// nothing.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	resumed   int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a file of total bytes of which resumed are
// already in place. Resumed bytes never count toward the rate.
func (m *Meter) Start(total, resumed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.resumed = max(resumed, 0)
	m.done = m.resumed
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = m.done
	m.rateBps = 0
}

// Add records n bytes moved.
func (m *Meter) Add(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += int64(n)
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Rewind moves the byte count back to done after the partner asked for
// blocks again.
func (m *Meter) Rewind(done int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if done < m.done {
		m.done = done
		m.lastDone = min(m.lastDone, done)
	}
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Done:      m.done,
		Total:     m.total,
		Resumed:   m.resumed,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if !m.startedAt.IsZero() {
		st.Elapsed = m.now().Sub(m.startedAt)
	}
	if secs := st.Elapsed.Seconds(); secs > 0 {
		st.AvgBps = float64(m.done-m.resumed) / secs
	}
	if m.total > 0 {
		st.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		st.ETA = time.Duration(float64(m.total-m.done) / m.rateBps * float64(time.Second))
	}
	return st
}

// FormatRate renders a byte rate for logs.
func FormatRate(bps float64) string {
	const mib = 1024 * 1024
	switch {
	case bps >= mib:
		return fmt.Sprintf("%.2f MiB/s", bps/mib)
	case bps >= 1024:
		return fmt.Sprintf("%.1f KiB/s", bps/1024)
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}
