package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store held in memory. FileStore builds on it.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]Entry
	nextID  int64
	now     func() time.Time
	// persist runs with mu held after every mutation; a failure rolls the
	// mutation back.
	persist func() error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithNow(time.Now)
}

// NewMemoryStoreWithNow returns an empty store with a custom time source (for tests).
func NewMemoryStoreWithNow(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[Key]Entry), now: now}
}

func (s *MemoryStore) Load(ctx context.Context, key Key) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e, nil
}

func (s *MemoryStore) Save(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.Key]
	if ok && cur.Owner != e.Owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, e.Key)
	}
	now := s.now()
	if !ok && e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if ok {
		e.CreatedAt = cur.CreatedAt
	}
	e.UpdatedAt = now
	return s.put(e, cur, ok)
}

func (s *MemoryStore) Acquire(ctx context.Context, e Entry, owner string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.Key]
	next := e
	if ok {
		if cur.Owner != "" && cur.Owner != owner {
			return Entry{}, fmt.Errorf("%w: %s", ErrBusy, e.Key)
		}
		next = cur
	} else {
		next.CreatedAt = s.now()
	}
	next.Owner = owner
	next.UpdatedAt = s.now()
	if err := s.put(next, cur, ok); err != nil {
		return Entry{}, err
	}
	return next, nil
}

func (s *MemoryStore) ClaimForRetry(ctx context.Context, key Key, owner string, now time.Time) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return Entry{}, false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !runnable(cur, now) {
		return Entry{}, false, nil
	}
	next := cur
	next.Owner = owner
	next.UpdatedAt = s.now()
	if err := s.put(next, cur, true); err != nil {
		return Entry{}, false, err
	}
	return next, true, nil
}

func (s *MemoryStore) Release(ctx context.Context, key Key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if cur.Owner != owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	next := cur
	next.Owner = ""
	next.UpdatedAt = s.now()
	return s.put(next, cur, true)
}

func (s *MemoryStore) ListRunnable(ctx context.Context, now time.Time) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if runnable(e, now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetry.Equal(out[j].NextRetry) {
			return out[i].NextRetry.Before(out[j].NextRetry)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) NextID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if s.persist != nil {
		if err := s.persist(); err != nil {
			s.nextID--
			return 0, err
		}
	}
	return s.nextID, nil
}

func (s *MemoryStore) Close() error { return nil }

func runnable(e Entry, now time.Time) bool {
	return e.Initiator && e.Owner == "" && e.Status.Runnable() && !e.NextRetry.After(now)
}

// put stores next and persists; prev/had restore the old state on failure.
func (s *MemoryStore) put(next, prev Entry, had bool) error {
	s.entries[next.Key] = next
	if s.persist == nil {
		return nil
	}
	if err := s.persist(); err != nil {
		if had {
			s.entries[next.Key] = prev
		} else {
			delete(s.entries, next.Key)
		}
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}
