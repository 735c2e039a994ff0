package transfer

import (
	"time"

	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const (
	DefaultWindow      = 32
	DefaultAckInterval = 8
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 10 * time.Millisecond
	maxWindow          = 1024
)

// Params are the effective per-transfer engine settings.
type Params struct {
	BlockSize int
	// Window bounds unacknowledged blocks in flight on the sending side.
	Window int
	// AckInterval is how many blocks the receiving side writes between
	// rank acknowledgements.
	AckInterval int
	// MaxRetries is the number of checksum failures tolerated on one rank;
	// reaching it is fatal.
	MaxRetries int
	RetryDelay time.Duration
	HashAlg    byte
}

// NormalizeParams applies defaults and clamps engine parameters.
func NormalizeParams(p Params) Params {
	out := p
	if out.BlockSize < protocol.MinBlockSize {
		out.BlockSize = protocol.DefaultBlockSize
	}
	if out.BlockSize > protocol.MaxFrameSize/2 {
		out.BlockSize = protocol.MaxFrameSize / 2
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.Window > maxWindow {
		out.Window = maxWindow
	}
	if out.AckInterval <= 0 {
		out.AckInterval = DefaultAckInterval
	}
	if out.AckInterval > out.Window {
		out.AckInterval = out.Window
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	switch {
	case out.RetryDelay == 0:
		out.RetryDelay = DefaultRetryDelay
	case out.RetryDelay < 0:
		out.RetryDelay = 0
	}
	return out
}

// Offset returns the byte offset of rank.
func (p Params) Offset(rank uint32) int64 {
	return int64(rank) * int64(p.BlockSize)
}
