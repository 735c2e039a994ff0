package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/rankflux/internal/bufpool"
	"github.com/sheerbytes/rankflux/internal/mux"
	"github.com/sheerbytes/rankflux/internal/progress"
	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/shaper"
	"github.com/sheerbytes/rankflux/internal/tasks"
	"github.com/sheerbytes/rankflux/internal/transfer"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const (
	DefaultIdleTimeout = 2 * time.Minute
	drainWait          = 2 * time.Second
	Version            = "1.0"
)

// State is the position of a session in the transfer handshake.
type State int32

const (
	StateInit State = iota
	StateAuthenticated
	StateRequestSent
	StateRequestReceived
	StateRequestValidated
	StateTransfer
	StateTransferDone
	StateEnd
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateRequestReceived:
		return "REQUEST_RECEIVED"
	case StateRequestValidated:
		return "REQUEST_VALIDATED"
	case StateTransfer:
		return "TRANSFER"
	case StateTransferDone:
		return "TRANSFER_DONE"
	case StateEnd:
		return "END"
	default:
		return "ERROR"
	}
}

// Role says which side opened the session.
type Role int

const (
	RoleRequester Role = iota
	RoleRequested
)

func (r Role) String() string {
	if r == RoleRequested {
		return "requested"
	}
	return "requester"
}

// Op is what a requester session asks for once authenticated.
type Op int

const (
	OpTransfer Op = iota
	OpBusiness
	OpBlock
	OpShutdown
)

// Verifier checks partner and administrator keys.
type Verifier interface {
	Verify(hostID string, key []byte) error
	VerifyAdmin(key []byte) error
}

// Admin is the node-level control surface reached by BlockRequest and
// Shutdown packets. Shutdown must not block.
type Admin interface {
	Blocked() bool
	SetBlocked(blocked bool)
	Shutdown(restart bool)
}

// ThroughProvider supplies external streams for through-mode transfers.
type ThroughProvider interface {
	Sink(ctx context.Context, rule, path string) (io.WriteCloser, error)
	Source(ctx context.Context, rule, path string) (io.ReadCloser, error)
}

// Options are the collaborators shared by every session of a node.
type Options struct {
	HostID string
	// Keys holds the key this node presents to each partner.
	Keys     map[string][]byte
	Rules    Rules
	Store    registry.Store
	Auth     Verifier
	Hooks    tasks.Hooks
	Through  ThroughProvider
	Business tasks.BusinessHandler
	Admin    Admin
	// FS defaults to transfer.LocalFS.
	FS transfer.Filesystem
	// Shaper is the node-wide limiter; each session charges a child of it.
	Shaper        *shaper.Shaper
	ChannelLimits shaper.Limits
	Params        transfer.Params
	Buffers       *bufpool.Sized
	IdleTimeout   time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Partner identifies the requested side from the requester's view.
type Partner struct {
	HostID string
	Key    []byte
}

// Request describes the work of a requester session.
type Request struct {
	Op      Op
	Partner Partner
	// Entry is the transfer to run; it must already be owned by Owner.
	Entry registry.Entry
	Owner string
	// Payload is sent with OpBusiness.
	Payload []byte
	// AdminKey authorizes OpBlock and OpShutdown.
	AdminKey []byte
	Block    bool
	Restart  bool
}

// Result is what a finished session leaves behind.
type Result struct {
	Entry registry.Entry
	// Answer is the business reply or block acknowledgement.
	Answer []byte
}

// Session drives one logical channel through the handshake. All of its
// state is owned by the goroutine calling Run.
type Session struct {
	opts   Options
	ch     *mux.Channel
	role   Role
	req    Request
	log    *slog.Logger
	state  atomic.Int32
	shaper *shaper.Shaper

	remote   string
	owner    string
	acquired bool
	entry    registry.Entry
	hasEntry bool

	fs       transfer.Filesystem
	params   transfer.Params
	path     string
	size     int64
	sending  bool
	sender   *transfer.Sender
	receiver *transfer.Receiver
	endSent  bool
	preRan   bool
	info     tasks.Info
	received int64
	meter    *progress.Meter

	answer   []byte
	draining bool
	onEnd    func()
}

// NewRequester returns a session that authenticates to req.Partner and then
// runs req.Op over ch.
func NewRequester(ch *mux.Channel, opts Options, req Request) *Session {
	s := newSession(ch, opts, RoleRequester)
	s.req = req
	s.owner = req.Owner
	if req.Op == OpTransfer {
		s.entry = req.Entry
		s.entry.Owner = req.Owner
		s.hasEntry = true
	}
	s.log = s.log.With("partner", req.Partner.HostID)
	return s
}

// NewRequested returns a session answering a channel opened by a partner.
func NewRequested(ch *mux.Channel, opts Options) *Session {
	s := newSession(ch, opts, RoleRequested)
	s.owner = uuid.NewString()
	return s
}

func newSession(ch *mux.Channel, opts Options, role Role) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FS == nil {
		opts.FS = transfer.LocalFS{}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Rules == nil {
		opts.Rules = RuleSet{}
	}
	s := &Session{
		opts: opts,
		ch:   ch,
		role: role,
		log:  opts.Logger.With("channel", ch.ID(), "role", role.String()),
		size: -1,
	}
	if opts.Shaper != nil {
		s.shaper = opts.Shaper.Channel(opts.ChannelLimits)
	}
	return s
}

// State returns the current state. It is safe to call from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("session state", "from", prev.String(), "to", st.String())
	}
}

// Run drives the session until it ends, fails or ctx is canceled. Canceling
// ctx flushes the open file, then tells the peer the session is shutting down.
func (s *Session) Run(ctx context.Context) (Result, error) {
	defer s.ch.Close()
	defer s.releaseEntry()
	defer s.releaseFiles()

	if s.role == RoleRequester {
		if err := s.start(); err != nil {
			return s.abort(err)
		}
	}
	idle := time.NewTimer(s.opts.IdleTimeout)
	defer idle.Stop()

	for s.State() != StateEnd {
		if s.canSend() {
			select {
			case f := <-s.ch.Inbox():
				if err := s.handle(ctx, f); err != nil {
					return s.abort(s.settle(ctx, err))
				}
				continue
			case <-ctx.Done():
				return s.abort(newError(KindShutdown, protocol.CodeShutdown, ctx.Err()))
			default:
			}
			if err := s.sendNext(ctx); err != nil {
				return s.abort(s.settle(ctx, err))
			}
			resetTimer(idle, s.opts.IdleTimeout)
			continue
		}

		select {
		case f := <-s.ch.Inbox():
			if err := s.handle(ctx, f); err != nil {
				return s.abort(s.settle(ctx, err))
			}
			resetTimer(idle, s.opts.IdleTimeout)
		case <-s.ch.Done():
			if err := s.drain(ctx); err != nil {
				return s.abort(err)
			}
			if s.State() != StateEnd {
				return s.abort(newError(KindNetworkInterrupted, protocol.CodeDisconnection, s.ch.Err()))
			}
		case <-idle.C:
			return s.abort(errorf(KindNetworkInterrupted, protocol.CodeDisconnection, "no frame for %s", s.opts.IdleTimeout))
		case <-ctx.Done():
			return s.abort(newError(KindShutdown, protocol.CodeShutdown, ctx.Err()))
		}
	}
	if s.onEnd != nil {
		s.onEnd()
	}
	return s.result(), nil
}

// drain handles frames that were already queued when the channel went away.
func (s *Session) drain(ctx context.Context) error {
	s.draining = true
	m := s.ch.Mux()
	select {
	case <-m.Done():
		t := time.NewTimer(drainWait)
		select {
		case <-m.Drained():
		case <-t.C:
		}
		t.Stop()
	default:
	}
	for {
		select {
		case f := <-s.ch.Inbox():
			if err := s.handle(ctx, f); err != nil {
				return err
			}
			if s.State() == StateEnd {
				return nil
			}
		default:
			return nil
		}
	}
}

// settle applies frames that arrived before a connection loss was noticed,
// so the partial file holds everything the peer managed to send.
func (s *Session) settle(ctx context.Context, err error) error {
	if !IsKind(err, KindNetworkInterrupted) || s.draining {
		return err
	}
	if derr := s.drain(ctx); derr != nil {
		s.log.Debug("dropping queued frames", "error", derr)
	}
	return err
}

func (s *Session) canSend() bool {
	if s.State() != StateTransfer || s.sender == nil || s.endSent {
		return false
	}
	return s.sender.CanSend() || s.sender.Done()
}

func (s *Session) result() Result {
	return Result{Entry: s.entry, Answer: s.answer}
}

func (s *Session) codec() *protocol.Codec { return s.ch.Mux().Codec() }

func (s *Session) send(p protocol.Packet) error {
	if s.draining {
		return nil
	}
	frame, err := s.codec().Encode(p)
	if err != nil {
		return errorf(KindProtocol, protocol.CodeInternal, "failed to encode %s: %w", p.Type(), err)
	}
	if err := s.ch.Send(frame); err != nil {
		return newError(KindNetworkInterrupted, protocol.CodeDisconnection, err)
	}
	return nil
}

func (s *Session) now() time.Time { return s.opts.Now() }

func (s *Session) save(ctx context.Context) error {
	s.entry.UpdatedAt = s.now()
	if err := s.opts.Store.Save(context.WithoutCancel(ctx), s.entry); err != nil {
		return errorf(KindTransferIO, protocol.CodeInternal, "failed to save transfer %s: %w", s.entry.Key, err)
	}
	return nil
}

func (s *Session) hooks() tasks.Hooks {
	if s.opts.Hooks == nil {
		return noHooks{}
	}
	return s.opts.Hooks
}

// fail moves the session to ERROR. Open files are flushed and released
// before the peer is told, and the registry entry records whether the
// transfer may be retried.
func (s *Session) fail(err error) error {
	prev := s.State()
	s.setState(StateError)
	s.releaseFiles()
	if errors.Is(err, ErrNoAnswer) {
		s.log.Debug("closing channel without answer", "state", prev.String())
		return err
	}
	se := asError(err)
	if prev >= StateAuthenticated && !se.Remote && se.Kind != KindNetworkInterrupted {
		_ = s.send(protocol.Error{Code: se.Code, Message: se.Err.Error(), Action: protocol.ActionForwardClose})
	}
	if s.preRan {
		s.hooks().RunOnError(context.Background(), &s.info, se)
	}
	s.recordFailure(se)

	attrs := []any{"state", prev.String(), "kind", se.Kind.String(), "code", se.Code.String(), "error", se.Err}
	if s.hasEntry {
		attrs = append(attrs, "transfer", s.entry.Key.String(), "rank", s.entry.Rank, "status", string(s.entry.Status))
	}
	if Retryable(se) {
		s.log.Warn("session interrupted", attrs...)
	} else {
		s.log.Error("session failed", attrs...)
	}
	return se
}

func (s *Session) abort(err error) (Result, error) {
	err = s.fail(err)
	return s.result(), err
}

func (s *Session) recordFailure(se *Error) {
	if !s.hasEntry || s.entry.Status == registry.StatusDone {
		return
	}
	s.entry.Status = registry.StatusError
	if Retryable(se) {
		s.entry.Status = registry.StatusInterrupted
	}
	s.entry.Code = se.Code
	s.entry.Message = se.Err.Error()
	if err := s.save(context.Background()); err != nil {
		s.log.Warn("failed to record transfer failure", "error", err)
	}
}

// releaseFiles flushes and closes open file handles. Blocks written by the
// receiver survive as the partial file and advance the persisted rank.
func (s *Session) releaseFiles() {
	if s.receiver != nil {
		if rank, err := s.receiver.Checkpoint(); err == nil && rank > s.entry.Rank {
			s.entry.Rank = rank
		} else if err != nil {
			s.log.Warn("failed to flush partial file", "error", err)
		}
		if err := s.receiver.Close(); err != nil {
			s.log.Warn("failed to close partial file", "error", err)
		}
		s.receiver = nil
	}
	if s.sender != nil {
		if err := s.sender.Close(); err != nil {
			s.log.Warn("failed to close source file", "error", err)
		}
		s.sender = nil
	}
}

func (s *Session) releaseEntry() {
	if !s.acquired {
		return
	}
	s.acquired = false
	if err := s.opts.Store.Release(context.Background(), s.entry.Key, s.owner); err != nil {
		s.log.Warn("failed to release transfer", "transfer", s.entry.Key.String(), "error", err)
	}
}

func (s *Session) complete(ctx context.Context) error {
	s.entry.Status = registry.StatusDone
	s.entry.Code = protocol.CodeCompleteOk
	s.entry.Message = ""
	if err := s.save(ctx); err != nil {
		return err
	}
	st := s.meter.Snapshot()
	s.log.Info("transfer complete",
		"transfer", s.entry.Key.String(),
		"file", s.entry.Filename,
		"bytes", s.received,
		"resumed", st.Resumed,
		"duration", st.Elapsed.String(),
		"rate", progress.FormatRate(st.AvgBps),
	)
	return nil
}

func (s *Session) waitWrite(ctx context.Context, n int) error {
	if s.shaper == nil {
		return nil
	}
	if err := s.shaper.WaitWrite(ctx, n); err != nil {
		return newError(KindShutdown, protocol.CodeShutdown, err)
	}
	return nil
}

func (s *Session) waitRead(ctx context.Context, n int) error {
	if s.shaper == nil {
		return nil
	}
	if err := s.shaper.WaitRead(ctx, n); err != nil {
		return newError(KindShutdown, protocol.CodeShutdown, err)
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

type noHooks struct{}

func (noHooks) RunPre(context.Context, *tasks.Info) error       { return nil }
func (noHooks) RunPost(context.Context, *tasks.Info) error      { return nil }
func (noHooks) RunOnError(context.Context, *tasks.Info, error) {}
