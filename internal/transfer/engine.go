package transfer

import (
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/rankflux/internal/bufpool"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

var (
	// ErrRankGap is returned for a block that skips ahead of the expected rank.
	ErrRankGap = errors.New("data block out of sequence")
	// ErrRetriesExhausted is returned once a rank has failed MaxRetries times.
	ErrRetriesExhausted = errors.New("block retries exhausted")
	// ErrSizeMismatch is returned when the received size differs from the
	// announced original size.
	ErrSizeMismatch = errors.New("file size mismatch")
	// ErrRankOutOfWindow is returned for an ack or retry outside the sent range.
	ErrRankOutOfWindow = errors.New("rank outside send window")
)

// Outcome is what the receiver did with one Data packet.
type Outcome int

const (
	Written Outcome = iota
	Duplicate
	// Rejected blocks were not applied; the sender must go back.
	Rejected
	// ChecksumRetry asks the sender to resend from the block's rank.
	ChecksumRetry
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	case ChecksumRetry:
		return "checksum_retry"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Sender produces ranked Data packets from a BlockReader and keeps every
// unacknowledged block so it can go back to any rank in its window.
type Sender struct {
	r        BlockReader
	p        Params
	checksum bool
	bufs     *bufpool.Sized

	next    uint32
	acked   uint32
	eof     bool
	window  []protocol.Data
	bufsOut [][]byte
	sent    int64

	retryRank  uint32
	retryCount int
}

// NewSender starts sending at startRank; r must already be positioned at
// p.Offset(startRank).
func NewSender(r BlockReader, p Params, startRank uint32, checksum bool, bufs *bufpool.Sized) *Sender {
	p = NormalizeParams(p)
	if bufs == nil {
		bufs = bufpool.NewSized(p.BlockSize, p.BlockSize)
	}
	return &Sender{r: r, p: p, checksum: checksum, bufs: bufs, next: startRank, acked: startRank}
}

// Next reads the next block if the window has room. ok is false when the
// window is full or the file is exhausted.
func (s *Sender) Next() (d protocol.Data, ok bool, err error) {
	if s.eof || int(s.next-s.acked) >= s.p.Window {
		return protocol.Data{}, false, nil
	}
	buf := s.bufs.Get(s.p.BlockSize)
	n, err := s.r.ReadBlock(buf)
	if errors.Is(err, io.EOF) {
		s.bufs.Put(buf)
		s.eof = true
		return protocol.Data{}, false, nil
	}
	if err != nil {
		s.bufs.Put(buf)
		return protocol.Data{}, false, err
	}
	if n < s.p.BlockSize {
		s.eof = true
	}
	d = protocol.Data{Rank: s.next, Payload: buf[:n]}
	if s.checksum {
		alg := s.p.HashAlg
		if alg == HashAlgNone {
			alg = HashAlgCRC32C
		}
		if d.Checksum, err = BlockChecksum(alg, d.Payload); err != nil {
			s.bufs.Put(buf)
			return protocol.Data{}, false, err
		}
	}
	s.window = append(s.window, d)
	s.bufsOut = append(s.bufsOut, buf)
	s.next++
	s.sent += int64(n)
	return d, true, nil
}

// Ack records that every rank below rank was written by the peer.
func (s *Sender) Ack(rank uint32) error {
	if rank < s.acked {
		return nil
	}
	if rank > s.next {
		return fmt.Errorf("%w: ack %d, sent up to %d", ErrRankOutOfWindow, rank, s.next)
	}
	drop := int(rank - s.acked)
	for i := 0; i < drop; i++ {
		s.bufs.Put(s.bufsOut[i])
	}
	s.window = s.window[drop:]
	s.bufsOut = s.bufsOut[drop:]
	s.acked = rank
	if s.retryRank < rank {
		s.retryCount = 0
	}
	return nil
}

// Retry returns the blocks to resend when the peer rejected rank. Blocks
// below rank are treated as acknowledged.
func (s *Sender) Retry(rank uint32) ([]protocol.Data, error) {
	if err := s.Ack(rank); err != nil {
		return nil, err
	}
	if rank >= s.next {
		return nil, fmt.Errorf("%w: retry %d, sent up to %d", ErrRankOutOfWindow, rank, s.next)
	}
	if rank == s.retryRank && s.retryCount > 0 {
		s.retryCount++
	} else {
		s.retryRank, s.retryCount = rank, 1
	}
	if s.retryCount >= s.p.MaxRetries {
		return nil, fmt.Errorf("%w: rank %d failed %d times", ErrRetriesExhausted, rank, s.retryCount)
	}
	return append([]protocol.Data(nil), s.window...), nil
}

// CanSend reports whether Next would read a new block.
func (s *Sender) CanSend() bool {
	return !s.eof && int(s.next-s.acked) < s.p.Window
}

// Done reports whether the whole file was read and acknowledged.
func (s *Sender) Done() bool { return s.eof && s.acked == s.next }

// Exhausted reports whether the reader hit end of file.
func (s *Sender) Exhausted() bool { return s.eof }

// Acked returns the lowest rank not yet acknowledged.
func (s *Sender) Acked() uint32 { return s.acked }

// NextRank returns the rank the next new block will carry.
func (s *Sender) NextRank() uint32 { return s.next }

// BytesSent counts payload bytes read from the file, excluding resends.
func (s *Sender) BytesSent() int64 { return s.sent }

// Close releases the reader and buffered blocks.
func (s *Sender) Close() error {
	for _, b := range s.bufsOut {
		s.bufs.Put(b)
	}
	s.window, s.bufsOut = nil, nil
	return s.r.Close()
}

// Receiver applies Data packets to a BlockWriter strictly in rank order.
type Receiver struct {
	w        BlockWriter
	p        Params
	checksum bool

	expected     uint32
	acked        uint32
	sinceAck     int
	failures     int
	retryPending bool
}

// NewReceiver expects startRank next; w must hold exactly p.Offset(startRank) bytes.
func NewReceiver(w BlockWriter, p Params, startRank uint32, checksum bool) *Receiver {
	return &Receiver{w: w, p: NormalizeParams(p), checksum: checksum, expected: startRank, acked: startRank}
}

// ReceiveBlock applies d. A block below the expected rank is a duplicate and
// is never rewritten. Exhausting the checksum budget or skipping ahead
// without a pending retry returns an error.
func (r *Receiver) ReceiveBlock(d protocol.Data) (Outcome, error) {
	switch {
	case d.Rank < r.expected:
		return Duplicate, nil
	case d.Rank > r.expected:
		if r.retryPending {
			return Rejected, nil
		}
		return Rejected, fmt.Errorf("%w: got rank %d, expected %d", ErrRankGap, d.Rank, r.expected)
	}
	if r.checksum {
		if err := VerifyBlock(d.Checksum, d.Payload); err != nil {
			r.failures++
			if r.failures >= r.p.MaxRetries {
				return Rejected, fmt.Errorf("%w: rank %d failed %d times: %v", ErrRetriesExhausted, d.Rank, r.failures, err)
			}
			r.retryPending = true
			return ChecksumRetry, nil
		}
	}
	if err := r.w.WriteBlock(d.Payload); err != nil {
		return Rejected, err
	}
	r.expected++
	r.sinceAck++
	r.failures = 0
	r.retryPending = false
	return Written, nil
}

// NeedAck reports whether AckInterval blocks were written since the last checkpoint.
func (r *Receiver) NeedAck() bool { return r.sinceAck >= r.p.AckInterval }

// Pending reports whether blocks were written since the last checkpoint.
func (r *Receiver) Pending() bool { return r.expected > r.acked }

// Checkpoint flushes written blocks and returns the rank to acknowledge and
// persist: every rank below it is durable.
func (r *Receiver) Checkpoint() (uint32, error) {
	if err := r.w.Flush(); err != nil {
		return r.acked, err
	}
	r.acked = r.expected
	r.sinceAck = 0
	return r.acked, nil
}

// Expected returns the next rank the receiver will apply.
func (r *Receiver) Expected() uint32 { return r.expected }

// Finish checks the received size against originalSize (ignored when
// negative) and publishes the file.
func (r *Receiver) Finish(originalSize int64) error {
	if _, err := r.Checkpoint(); err != nil {
		return err
	}
	if originalSize >= 0 && r.w.Size() != originalSize {
		return fmt.Errorf("%w: received %d bytes, expected %d", ErrSizeMismatch, r.w.Size(), originalSize)
	}
	return r.w.Commit()
}

// Size returns the bytes held by the destination so far.
func (r *Receiver) Size() int64 { return r.w.Size() }

// Close releases the writer, keeping partial data for resume.
func (r *Receiver) Close() error { return r.w.Close() }

// ResumeRank aligns the local and peer views of progress. A fresh request
// (peerRank 0 with fresh set) always starts over. Otherwise the larger rank
// wins, bounded by what the local partial file actually holds when this side
// receives.
func ResumeRank(localRank, peerRank uint32, fresh bool, partial int64, receiving bool, blockSize int) uint32 {
	if fresh {
		return 0
	}
	rank := max(localRank, peerRank)
	if receiving && blockSize > 0 {
		if held := uint32(partial / int64(blockSize)); held < rank {
			rank = held
		}
	}
	return rank
}
