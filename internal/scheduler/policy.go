package scheduler

import (
	"sort"
	"time"

	"github.com/sheerbytes/rankflux/internal/registry"
)

const (
	classSmall  = "small"
	classMedium = "medium"
	classLarge  = "large"
)

// PolicyConfig orders due transfers. Smaller remainders go first so short
// transfers are not stuck behind large resumptions; an entry waiting longer
// than AgingAfter is promoted one class.
type PolicyConfig struct {
	SmallThreshold  int64
	MediumThreshold int64
	AgingAfter      time.Duration
}

func normalizePolicy(cfg PolicyConfig) PolicyConfig {
	if cfg.SmallThreshold <= 0 {
		cfg.SmallThreshold = 4 * 1024 * 1024
	}
	if cfg.MediumThreshold <= 0 {
		cfg.MediumThreshold = 64 * 1024 * 1024
	}
	if cfg.AgingAfter <= 0 {
		cfg.AgingAfter = 5 * time.Minute
	}
	return cfg
}

// remaining estimates the bytes left from the persisted rank. Unknown sizes
// count as one byte.
func remaining(e registry.Entry) int64 {
	if e.OriginalSize <= 0 {
		return 1
	}
	left := e.OriginalSize - int64(e.Rank)*int64(e.BlockSize)
	if left < 1 {
		return 1
	}
	return left
}

func (p PolicyConfig) classFor(left int64) string {
	if left <= p.SmallThreshold {
		return classSmall
	}
	if left <= p.MediumThreshold {
		return classMedium
	}
	return classLarge
}

func (p PolicyConfig) effectiveClass(e registry.Entry, now time.Time) string {
	class := p.classFor(remaining(e))
	waiting := e.NextRetry
	if waiting.IsZero() {
		waiting = e.CreatedAt
	}
	if !waiting.IsZero() && now.Sub(waiting) > p.AgingAfter {
		switch class {
		case classLarge:
			return classMedium
		case classMedium:
			return classSmall
		}
	}
	return class
}

func classRank(class string) int {
	switch class {
	case classSmall:
		return 0
	case classMedium:
		return 1
	case classLarge:
		return 2
	default:
		return 3
	}
}

// order sorts entries by effective class, then remaining bytes, then id.
func (p PolicyConfig) order(entries []registry.Entry, now time.Time) {
	sort.SliceStable(entries, func(i, j int) bool {
		ci := classRank(p.effectiveClass(entries[i], now))
		cj := classRank(p.effectiveClass(entries[j], now))
		if ci != cj {
			return ci < cj
		}
		ri, rj := remaining(entries[i]), remaining(entries[j])
		if ri != rj {
			return ri < rj
		}
		return entries[i].ID < entries[j].ID
	})
}
