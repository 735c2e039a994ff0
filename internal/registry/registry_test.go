package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/rankflux/pkg/protocol"
)

func sampleEntry(id int64) Entry {
	return Entry{
		Key:          Key{Requester: "hostA", Requested: "hostB", Rule: "R1", ID: id},
		Initiator:    true,
		Mode:         protocol.ModeSend,
		Filename:     "a.txt",
		Path:         "/data/out/a.txt",
		BlockSize:    65536,
		OriginalSize: 1000,
		Status:       StatusToSubmit,
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := OpenFileStore(filepath.Join(t.TempDir(), "registry.bin"))
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	return map[string]Store{"memory": NewMemoryStore(), "file": fs}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		e := sampleEntry(42)
		if err := s.Save(ctx, e); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		got, err := s.Load(ctx, e.Key)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if got.Filename != "a.txt" || got.Status != StatusToSubmit || got.CreatedAt.IsZero() {
			t.Errorf("%s: loaded %+v", name, got)
		}
		if _, err := s.Load(ctx, Key{ID: 7}); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: load missing = %v, want ErrNotFound", name, err)
		}
	}
}

func TestOwnershipGuardsSave(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		e := sampleEntry(1)
		if err := s.Save(ctx, e); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		owned, err := s.Acquire(ctx, e, "session-1")
		if err != nil {
			t.Fatalf("%s: acquire: %v", name, err)
		}
		if _, err := s.Acquire(ctx, e, "session-2"); !errors.Is(err, ErrBusy) {
			t.Errorf("%s: second acquire = %v, want ErrBusy", name, err)
		}
		stale := e
		stale.Status = StatusDone
		if err := s.Save(ctx, stale); !errors.Is(err, ErrNotOwner) {
			t.Errorf("%s: save without owner = %v, want ErrNotOwner", name, err)
		}
		owned.Rank = 5
		owned.Status = StatusRunning
		if err := s.Save(ctx, owned); err != nil {
			t.Errorf("%s: owner save: %v", name, err)
		}
		if err := s.Release(ctx, e.Key, "session-2"); !errors.Is(err, ErrNotOwner) {
			t.Errorf("%s: foreign release = %v, want ErrNotOwner", name, err)
		}
		if err := s.Release(ctx, e.Key, "session-1"); err != nil {
			t.Errorf("%s: release: %v", name, err)
		}
		got, _ := s.Load(ctx, e.Key)
		if got.Owner != "" || got.Rank != 5 {
			t.Errorf("%s: after release owner=%q rank=%d", name, got.Owner, got.Rank)
		}
	}
}

func TestClaimForRetryIsExclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range stores(t) {
		e := sampleEntry(9)
		e.Status = StatusInterrupted
		if err := s.Save(ctx, e); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, ok, err := s.ClaimForRetry(ctx, e.Key, "worker-"+string(rune('a'+i)), now)
				if err != nil {
					t.Errorf("%s: claim: %v", name, err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("%s: %d claims succeeded, want exactly 1", name, wins)
		}
	}
}

func TestListRunnable(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for name, s := range stores(t) {
		due := sampleEntry(1)
		later := sampleEntry(2)
		later.Status = StatusInterrupted
		later.NextRetry = now.Add(time.Hour)
		done := sampleEntry(3)
		done.Status = StatusDone
		remote := sampleEntry(4)
		remote.Initiator = false
		interrupted := sampleEntry(5)
		interrupted.Status = StatusInterrupted
		interrupted.NextRetry = now.Add(-time.Minute)
		for _, e := range []Entry{due, later, done, remote, interrupted} {
			if err := s.Save(ctx, e); err != nil {
				t.Fatalf("%s: save: %v", name, err)
			}
		}
		got, err := s.ListRunnable(ctx, now)
		if err != nil {
			t.Fatalf("%s: list: %v", name, err)
		}
		if len(got) != 2 || got[0].ID != 1 || got[1].ID != 5 {
			t.Errorf("%s: runnable = %+v, want ids 1 and 5", name, got)
		}
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reg", "registry.bin")
	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := fs.NextID(ctx)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	e := sampleEntry(id)
	e.Status = StatusInterrupted
	e.Rank = 5
	e.NextRetry = time.Now().Add(time.Minute).Round(0)
	if err := fs.Save(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Load(ctx, e.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Rank != 5 || got.Status != StatusInterrupted || !got.NextRetry.Equal(e.NextRetry) {
		t.Errorf("reloaded %+v", got)
	}
	next, _ := reopened.NextID(ctx)
	if next != id+1 {
		t.Errorf("NextID after reopen = %d, want %d", next, id+1)
	}
}

func TestFileStoreReleasesTransfersLeftRunning(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.bin")
	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sent := sampleEntry(42)
	if err := fs.Save(ctx, sent); err != nil {
		t.Fatalf("save: %v", err)
	}
	claimed, ok, err := fs.ClaimForRetry(ctx, sent.Key, "worker-1", time.Now())
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	claimed.Status = StatusRunning
	claimed.Rank = 5
	if err := fs.Save(ctx, claimed); err != nil {
		t.Fatalf("save running: %v", err)
	}

	received := sampleEntry(43)
	received.Initiator = false
	received.Status = StatusRunning
	received.Rank = 3
	if _, err := fs.Acquire(ctx, received, "session-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := sampleEntry(44)
	done.Status = StatusDone
	if err := fs.Save(ctx, done); err != nil {
		t.Fatalf("save done: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Load(ctx, sent.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != StatusInterrupted || got.Owner != "" || got.Rank != 5 || got.Code != protocol.CodeDisconnection {
		t.Fatalf("recovered entry = %s owner %q rank %d code %s", got.Status, got.Owner, got.Rank, got.Code)
	}
	due, err := reopened.ListRunnable(ctx, time.Now())
	if err != nil {
		t.Fatalf("list runnable: %v", err)
	}
	if len(due) != 1 || due[0].ID != 42 {
		t.Fatalf("runnable after reopen = %v, want entry 42", due)
	}
	if _, ok, err := reopened.ClaimForRetry(ctx, sent.Key, "worker-2", time.Now()); err != nil || !ok {
		t.Fatalf("claim after reopen = %v, %v", ok, err)
	}
	if _, err := reopened.Acquire(ctx, Entry{Key: received.Key}, "session-2"); err != nil {
		t.Fatalf("acquire requested entry after reopen: %v", err)
	}
	if d, _ := reopened.Load(ctx, done.Key); d.Status != StatusDone {
		t.Errorf("done entry status = %s", d.Status)
	}

	// The recovery is persisted, not repeated on every open.
	again, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("third open: %v", err)
	}
	if e, _ := again.Load(ctx, received.Key); e.Status != StatusInterrupted || e.Rank != 3 {
		t.Errorf("requested entry = %s rank %d", e.Status, e.Rank)
	}
}

func TestFileStoreRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := fs.Save(context.Background(), sampleEntry(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("expected corrupt snapshot to be rejected")
	}
}
