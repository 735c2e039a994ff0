package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sheerbytes/rankflux/pkg/protocol"
)

// Status is the lifecycle state of a transfer record.
type Status string

const (
	StatusToSubmit    Status = "toSubmit"
	StatusInit        Status = "init"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusDone        Status = "done"
	StatusError       Status = "error"
)

// Terminal reports whether the transfer will never run again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Runnable reports whether the scheduler may pick the transfer up.
func (s Status) Runnable() bool {
	return s == StatusToSubmit || s == StatusInterrupted
}

var (
	ErrNotFound = errors.New("transfer not found")
	ErrNotOwner = errors.New("transfer owned by another session")
	ErrBusy     = errors.New("transfer already running")
)

// Key identifies a transfer across both partners.
type Key struct {
	Requester string `json:"requester"`
	Requested string `json:"requested"`
	Rule      string `json:"rule"`
	ID        int64  `json:"id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s/%s#%d", k.Requester, k.Requested, k.Rule, k.ID)
}

// Entry is one persisted transfer attempt.
type Entry struct {
	Key
	// Initiator is true when this node is the requester. Only initiator
	// entries are retried.
	Initiator    bool               `json:"initiator"`
	Mode         protocol.Mode      `json:"mode"`
	Filename     string             `json:"filename"`
	Path         string             `json:"path,omitempty"`
	FileInfo     string             `json:"file_info,omitempty"`
	BlockSize    int                `json:"block_size"`
	OriginalSize int64              `json:"original_size"`
	Rank         uint32             `json:"rank"`
	Status       Status             `json:"status"`
	Code         protocol.ErrorCode `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
	RetryCount   int                `json:"retry_count"`
	NextRetry    time.Time          `json:"next_retry"`
	Owner        string             `json:"owner,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Store persists transfer entries. An entry with a non-empty Owner is being
// driven by exactly one session or scheduler worker; only that owner may save
// it until it is released.
type Store interface {
	// Load returns the entry for key or ErrNotFound.
	Load(ctx context.Context, key Key) (Entry, error)
	// Save inserts e or updates it. Updating an owned entry requires
	// e.Owner to match; otherwise ErrNotOwner.
	Save(ctx context.Context, e Entry) error
	// Acquire inserts e owned by owner, or takes ownership of the existing
	// unowned entry and returns it. ErrBusy if another owner holds it.
	Acquire(ctx context.Context, e Entry, owner string) (Entry, error)
	// ClaimForRetry atomically takes a runnable, due, unowned entry.
	ClaimForRetry(ctx context.Context, key Key, owner string, now time.Time) (Entry, bool, error)
	// Release drops ownership held by owner.
	Release(ctx context.Context, key Key, owner string) error
	// ListRunnable returns unowned initiator entries in toSubmit or
	// interrupted status whose next retry time is not after now.
	ListRunnable(ctx context.Context, now time.Time) ([]Entry, error)
	// List returns every entry.
	List(ctx context.Context) ([]Entry, error)
	// NextID allocates a transfer id.
	NextID(ctx context.Context) (int64, error)
	Close() error
}
