package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"time"

	"github.com/sheerbytes/rankflux/internal/progress"
	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/tasks"
	"github.com/sheerbytes/rankflux/internal/transfer"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

// start sends the requester's Authent.
func (s *Session) start() error {
	key := s.req.Partner.Key
	if len(key) == 0 {
		return errorf(KindAuthentication, protocol.CodeBadAuthent, "no key configured for %s", s.req.Partner.HostID)
	}
	if (s.req.Op == OpBlock || s.req.Op == OpShutdown) && len(s.req.AdminKey) == 0 {
		return errorf(KindAuthentication, protocol.CodeBadAuthent, "no administrator key")
	}
	return s.send(protocol.Authent{
		HostID:  s.opts.HostID,
		Version: Version,
		Key:     key,
		Way:     protocol.WayRequest,
	})
}

// handle decodes one frame and dispatches it on the current state. Framing
// errors drop the frame only.
func (s *Session) handle(ctx context.Context, frame []byte) error {
	p, err := s.codec().Decode(frame)
	if err != nil {
		s.log.Warn("dropping malformed frame", "error", err)
		return nil
	}
	st := s.State()
	if s.role == RoleRequested && st == StateInit {
		a, ok := p.(protocol.Authent)
		if !ok || a.Way != protocol.WayRequest {
			s.log.Debug("packet before authentication", "type", p.Type().String())
			return ErrNoAnswer
		}
		return s.onAuthent(a)
	}
	if e, ok := p.(protocol.Error); ok {
		return s.onRemoteError(ctx, e)
	}

	switch pk := p.(type) {
	case protocol.Authent:
		if s.role == RoleRequester && st == StateInit && pk.Way == protocol.WayAnswer {
			return s.onAuthentAnswer(ctx, pk)
		}
	case protocol.Request:
		if s.role == RoleRequested && st == StateAuthenticated {
			return s.onRequest(ctx, pk)
		}
	case protocol.Valid:
		return s.onValid(ctx, pk)
	case protocol.Data:
		switch {
		case st == StateTransfer && s.receiver != nil:
			return s.onData(ctx, pk)
		case st == StateTransferDone:
			return nil
		}
	case protocol.EndTransfer:
		if st == StateTransfer {
			return s.onEndTransfer(ctx, pk)
		}
	case protocol.EndRequest:
		if st == StateTransferDone {
			return s.onEndRequest(ctx, pk)
		}
	case protocol.Business:
		return s.onBusiness(ctx, pk)
	case protocol.BlockRequest:
		if s.role == RoleRequested && st == StateAuthenticated {
			return s.onBlockRequest(pk)
		}
	case protocol.Shutdown:
		if s.role == RoleRequested && st == StateAuthenticated {
			return s.onShutdown(pk)
		}
	}
	return s.violation(p)
}

func (s *Session) violation(p protocol.Packet) error {
	st := s.State()
	if st == StateInit {
		s.log.Debug("packet before authentication", "type", p.Type().String())
		return ErrNoAnswer
	}
	return errorf(KindProtocol, protocol.CodeCommandNotFound, "unexpected %s in state %s", p.Type(), st)
}

func (s *Session) onAuthent(a protocol.Authent) error {
	if s.opts.Auth == nil {
		return ErrNoAnswer
	}
	if err := s.opts.Auth.Verify(a.HostID, a.Key); err != nil {
		_ = s.send(protocol.Error{Code: protocol.CodeBadAuthent, Message: "authentication failed", Action: protocol.ActionForwardClose})
		return newError(KindAuthentication, protocol.CodeBadAuthent, fmt.Errorf("host %q: %w", a.HostID, err))
	}
	key := s.opts.Keys[a.HostID]
	if len(key) == 0 {
		_ = s.send(protocol.Error{Code: protocol.CodeNotKnownHost, Message: "no key for answer", Action: protocol.ActionForwardClose})
		return errorf(KindAuthentication, protocol.CodeNotKnownHost, "no key configured for %s", a.HostID)
	}
	s.remote = a.HostID
	s.log = s.log.With("partner", a.HostID)
	if err := s.send(protocol.Authent{HostID: s.opts.HostID, Version: Version, Key: key, Way: protocol.WayAnswer}); err != nil {
		return err
	}
	s.setState(StateAuthenticated)
	return nil
}

func (s *Session) onAuthentAnswer(ctx context.Context, a protocol.Authent) error {
	if a.HostID != s.req.Partner.HostID {
		return errorf(KindAuthentication, protocol.CodeBadAuthent, "partner answered as %q", a.HostID)
	}
	if s.opts.Auth != nil {
		if err := s.opts.Auth.Verify(a.HostID, a.Key); err != nil {
			return newError(KindAuthentication, protocol.CodeBadAuthent, fmt.Errorf("partner %q: %w", a.HostID, err))
		}
	}
	s.remote = a.HostID
	s.setState(StateAuthenticated)

	var err error
	switch s.req.Op {
	case OpTransfer:
		return s.sendRequest(ctx)
	case OpBusiness:
		err = s.send(protocol.Business{Payload: s.req.Payload, Way: protocol.WayRequest})
	case OpBlock:
		err = s.send(protocol.BlockRequest{Block: s.req.Block, Key: s.req.AdminKey})
	case OpShutdown:
		err = s.send(protocol.Shutdown{Key: s.req.AdminKey, Restart: s.req.Restart})
	}
	if err != nil {
		return err
	}
	s.setState(StateRequestSent)
	return nil
}

func (s *Session) onRemoteError(ctx context.Context, e protocol.Error) error {
	if s.role == RoleRequester && s.req.Op == OpTransfer && s.State() == StateRequestSent &&
		e.Code == protocol.CodeQueryAlreadyFinished {
		s.log.Info("partner reports transfer already finished", "transfer", s.entry.Key.String())
		if err := s.complete(ctx); err != nil {
			return err
		}
		s.setState(StateEnd)
		return nil
	}
	return &Error{
		Kind:   remoteKind(e.Code, s.State()),
		Code:   e.Code,
		Remote: true,
		Err:    errors.New(e.Message),
	}
}

// filesystem picks local files or the through-mode endpoints of rule.
func (s *Session) filesystem(ctx context.Context, mode protocol.Mode, rule string) (transfer.Filesystem, error) {
	if !mode.IsThrough() {
		return s.opts.FS, nil
	}
	if s.opts.Through == nil {
		return nil, errorf(KindNegotiation, protocol.CodePassThroughMode, "through mode is not available")
	}
	return transfer.ThroughFS{
		Source: func(path string) (io.ReadCloser, error) { return s.opts.Through.Source(ctx, rule, path) },
		Sink:   func(path string) (io.WriteCloser, error) { return s.opts.Through.Sink(ctx, rule, path) },
	}, nil
}

func (s *Session) sendRequest(ctx context.Context) error {
	e := s.entry
	fsys, err := s.filesystem(ctx, e.Mode, e.Rule)
	if err != nil {
		return err
	}
	s.fs = fsys
	s.path = e.Path
	s.sending = e.Mode.IsSend()
	s.params = s.opts.Params
	if e.BlockSize > 0 {
		s.params.BlockSize = e.BlockSize
	}
	s.params = transfer.NormalizeParams(s.params)

	rank := e.Rank
	size := int64(-1)
	switch {
	case e.Mode.IsThrough():
		rank = 0
	case s.sending:
		if size, err = s.fs.Size(s.path); err != nil {
			return errorf(KindTransferIO, protocol.CodeFileNotFound, "failed to stat %s: %w", s.path, err)
		}
	default:
		partial, err := s.fs.PartialSize(s.path)
		if err != nil {
			return errorf(KindTransferIO, protocol.CodeTransferError, "failed to stat partial file: %w", err)
		}
		rank = transfer.ResumeRank(rank, 0, false, partial, true, s.params.BlockSize)
	}

	if s.sending {
		s.entry.OriginalSize = size
	}
	s.entry.BlockSize = s.params.BlockSize
	s.entry.Rank = rank
	s.entry.Status = registry.StatusRunning
	s.entry.Code = protocol.CodeRunning
	if err := s.save(ctx); err != nil {
		return err
	}
	if err := s.send(protocol.Request{
		Rule:         e.Rule,
		Mode:         e.Mode,
		Filename:     e.Filename,
		BlockSize:    s.params.BlockSize,
		Rank:         rank,
		TransferID:   e.ID,
		Way:          protocol.WayRequest,
		Code:         protocol.CodeRunning,
		OriginalSize: size,
		FileInfo:     e.FileInfo,
	}); err != nil {
		return err
	}
	s.setState(StateRequestSent)
	return nil
}

func (s *Session) onRequest(ctx context.Context, r protocol.Request) error {
	s.setState(StateRequestReceived)
	if s.opts.Admin != nil && s.opts.Admin.Blocked() {
		return errorf(KindTransferIO, protocol.CodeServerOverloaded, "new requests are blocked")
	}
	rule, ok := s.opts.Rules.Rule(r.Rule)
	if !ok {
		return errorf(KindNegotiation, protocol.CodeQueryRemotelyUnknown, "unknown rule %q", r.Rule)
	}
	if !protocol.Compatible(r.Mode, rule.Mode) {
		return errorf(KindNegotiation, protocol.CodeIncorrectCommand, "mode %s is not compatible with rule %s mode %s", r.Mode, rule.Name, rule.Mode)
	}
	if err := transfer.ValidateFilename(r.Filename); err != nil {
		return newError(KindNegotiation, protocol.CodeFileNotAllowed, err)
	}

	through := r.Mode.IsThrough()
	s.sending = !r.Mode.IsSend()
	path := r.Filename
	if !through {
		dir := rule.RecvDir
		if s.sending {
			dir = rule.SendDir
		}
		var err error
		if path, err = transfer.ResolvePath(dir, r.Filename); err != nil {
			return newError(KindNegotiation, protocol.CodeFileNotAllowed, err)
		}
	}
	fsys, err := s.filesystem(ctx, r.Mode, r.Rule)
	if err != nil {
		return err
	}
	s.fs = fsys
	s.path = path
	s.params = s.opts.Params
	s.params.BlockSize = r.BlockSize
	s.params = transfer.NormalizeParams(s.params)

	now := s.now()
	e, err := s.opts.Store.Acquire(ctx, registry.Entry{
		Key: registry.Key{
			Requester: s.remote,
			Requested: s.opts.HostID,
			Rule:      r.Rule,
			ID:        r.TransferID,
		},
		Mode:         r.Mode,
		Filename:     r.Filename,
		Path:         path,
		FileInfo:     r.FileInfo,
		BlockSize:    s.params.BlockSize,
		OriginalSize: r.OriginalSize,
		Status:       registry.StatusInit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, s.owner)
	switch {
	case errors.Is(err, registry.ErrBusy):
		return errorf(KindTransferIO, protocol.CodeQueryStillRunning, "transfer %d is already running", r.TransferID)
	case err != nil:
		return errorf(KindTransferIO, protocol.CodeInternal, "failed to register transfer: %w", err)
	}
	s.entry, s.hasEntry, s.acquired = e, true, true
	if e.Status == registry.StatusDone {
		return errorf(KindNegotiation, protocol.CodeQueryAlreadyFinished, "transfer %s already finished", e.Key)
	}

	fresh := r.Rank == 0 || through
	var partial int64
	if !s.sending && !fresh {
		if partial, err = s.fs.PartialSize(path); err != nil {
			return errorf(KindTransferIO, protocol.CodeTransferError, "failed to stat partial file: %w", err)
		}
	}
	start := transfer.ResumeRank(e.Rank, r.Rank, fresh, partial, !s.sending, s.params.BlockSize)

	s.size = r.OriginalSize
	if s.sending {
		if s.size, err = s.fs.Size(path); err != nil {
			return errorf(KindNegotiation, protocol.CodeFileNotFound, "failed to stat %s: %w", r.Filename, err)
		}
	}
	s.entry.Mode = r.Mode
	s.entry.Path = path
	s.entry.BlockSize = s.params.BlockSize
	s.entry.OriginalSize = s.size
	s.entry.Status = registry.StatusRunning
	s.entry.Code = protocol.CodeRunning
	s.entry.Message = ""
	s.setState(StateRequestValidated)

	if err := s.prepare(ctx, start); err != nil {
		return err
	}
	if err := s.send(protocol.Valid{
		Kind:    protocol.ValidRequest,
		Code:    protocol.CodeInitOk,
		Rank:    start,
		Size:    s.size,
		Message: strconv.Itoa(s.params.BlockSize),
	}); err != nil {
		return err
	}
	s.setState(StateTransfer)
	return nil
}

// onValidated handles the requested side's acceptance. Its message carries
// the block size the requested side settled on.
func (s *Session) onValidated(ctx context.Context, v protocol.Valid) error {
	if bs, err := strconv.Atoi(v.Message); err == nil && bs != s.params.BlockSize {
		s.log.Warn("partner changed block size", "requested", s.params.BlockSize, "used", bs)
		s.params.BlockSize = bs
		s.params = transfer.NormalizeParams(s.params)
		s.entry.BlockSize = s.params.BlockSize
	}
	if s.entry.Mode.IsThrough() && v.Rank != 0 {
		return errorf(KindProtocol, protocol.CodeIncorrectCommand, "through transfer validated at rank %d", v.Rank)
	}
	if !s.sending {
		s.size = v.Size
		s.entry.OriginalSize = v.Size
	} else {
		s.size = s.entry.OriginalSize
	}
	s.setState(StateRequestValidated)
	if err := s.prepare(ctx, v.Rank); err != nil {
		if errors.Is(err, transfer.ErrPartialTooShort) {
			s.entry.Rank = 0
		}
		return err
	}
	s.setState(StateTransfer)
	return nil
}

// prepare runs pre-tasks and opens the file at start.
func (s *Session) prepare(ctx context.Context, start uint32) error {
	s.info = tasks.Info{
		TransferID:       s.entry.ID,
		Rule:             s.entry.Rule,
		Mode:             s.entry.Mode.String(),
		RemoteHost:       s.remote,
		Requester:        s.role == RoleRequester,
		Path:             s.path,
		OriginalFilename: s.entry.Filename,
		Size:             s.size,
	}
	s.preRan = true
	if err := s.hooks().RunPre(ctx, &s.info); err != nil {
		return errorf(KindBusiness, protocol.CodeExternalOp, "pre-tasks failed: %w", err)
	}
	s.path = s.info.Path
	s.entry.Path = s.path

	offset := s.params.Offset(start)
	checksum := s.entry.Mode.IsChecksum()
	if s.sending {
		r, err := s.fs.OpenForRead(s.path, offset)
		if err != nil {
			code := protocol.CodeTransferError
			if errors.Is(err, fs.ErrNotExist) {
				code = protocol.CodeFileNotFound
			}
			return errorf(KindTransferIO, code, "failed to open %s: %w", s.path, err)
		}
		s.sender = transfer.NewSender(r, s.params, start, checksum, s.opts.Buffers)
	} else {
		w, err := s.fs.OpenForWrite(s.path, offset)
		if err != nil {
			return errorf(KindTransferIO, protocol.CodeTransferError, "failed to open %s: %w", s.path, err)
		}
		s.receiver = transfer.NewReceiver(w, s.params, start, checksum)
	}
	s.meter = progress.NewMeterWithNow(s.opts.Now)
	s.meter.Start(s.size, offset)
	s.entry.Rank = start
	if err := s.save(ctx); err != nil {
		return err
	}
	s.log.Info("transfer started",
		"transfer", s.entry.Key.String(),
		"file", s.entry.Filename,
		"mode", s.entry.Mode.String(),
		"rank", start,
		"size", s.size,
	)
	return nil
}

func (s *Session) onValid(ctx context.Context, v protocol.Valid) error {
	st := s.State()
	asked := s.role == RoleRequester && st == StateRequestSent
	switch {
	case v.Kind == protocol.ValidRequest && asked && s.req.Op == OpTransfer:
		return s.onValidated(ctx, v)
	case v.Kind == protocol.ValidBlock && asked && s.req.Op == OpBlock,
		v.Kind == protocol.ValidShutdown && asked && s.req.Op == OpShutdown:
		s.answer = []byte(v.Message)
		s.setState(StateEnd)
		return nil
	case v.Kind == protocol.ValidRankAck && st == StateTransfer && s.sender != nil:
		return s.onAck(ctx, v.Rank)
	case v.Kind == protocol.ValidRankAck && st == StateTransferDone:
		return nil
	case v.Kind == protocol.ValidRetry && st == StateTransfer && s.sender != nil:
		return s.onRetry(ctx, v.Rank)
	}
	return s.violation(v)
}

func (s *Session) sendNext(ctx context.Context) error {
	d, ok, err := s.sender.Next()
	if err != nil {
		return errorf(KindTransferIO, protocol.CodeTransferError, "failed to read block: %w", err)
	}
	if ok {
		return s.sendData(ctx, d)
	}
	if s.sender.Done() {
		s.endSent = true
		return s.send(protocol.EndTransfer{Way: protocol.WayRequest})
	}
	return nil
}

func (s *Session) sendData(ctx context.Context, d protocol.Data) error {
	if err := s.waitWrite(ctx, len(d.Payload)); err != nil {
		return err
	}
	if err := s.send(d); err != nil {
		return err
	}
	s.meter.Add(len(d.Payload))
	return nil
}

func (s *Session) onAck(ctx context.Context, rank uint32) error {
	if err := s.sender.Ack(rank); err != nil {
		return errorf(KindProtocol, protocol.CodeTransferError, "bad acknowledgement: %w", err)
	}
	if rank <= s.entry.Rank {
		return nil
	}
	s.entry.Rank = rank
	return s.save(ctx)
}

func (s *Session) onRetry(ctx context.Context, rank uint32) error {
	blocks, err := s.sender.Retry(rank)
	if err != nil {
		return asError(err)
	}
	s.log.Warn("partner rejected block checksum", "rank", rank, "resend", len(blocks))
	s.meter.Rewind(s.params.Offset(rank))
	if rank > s.entry.Rank {
		s.entry.Rank = rank
		if err := s.save(ctx); err != nil {
			return err
		}
	}
	if d := s.params.RetryDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return newError(KindShutdown, protocol.CodeShutdown, ctx.Err())
		}
	}
	for _, d := range blocks {
		if err := s.sendData(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) onData(ctx context.Context, d protocol.Data) error {
	if err := s.waitRead(ctx, len(d.Payload)); err != nil {
		return err
	}
	out, err := s.receiver.ReceiveBlock(d)
	if err != nil {
		return asError(err)
	}
	switch out {
	case transfer.ChecksumRetry:
		s.log.Warn("block checksum mismatch", "rank", d.Rank)
		return s.send(protocol.Valid{Kind: protocol.ValidRetry, Code: protocol.CodeMD5Error, Rank: d.Rank})
	case transfer.Written:
		s.received += int64(len(d.Payload))
		s.meter.Add(len(d.Payload))
	default:
		return nil
	}
	// Acknowledge on the interval, and whenever nothing else is queued so a
	// sender with a small window never stalls.
	if s.receiver.NeedAck() || len(s.ch.Inbox()) == 0 {
		return s.checkpoint(ctx)
	}
	return nil
}

func (s *Session) checkpoint(ctx context.Context) error {
	if !s.receiver.Pending() {
		return nil
	}
	rank, err := s.receiver.Checkpoint()
	if err != nil {
		return errorf(KindTransferIO, protocol.CodeTransferError, "failed to flush: %w", err)
	}
	s.entry.Rank = rank
	if err := s.save(ctx); err != nil {
		return err
	}
	return s.send(protocol.Valid{Kind: protocol.ValidRankAck, Code: protocol.CodeRunning, Rank: rank})
}

func (s *Session) onEndTransfer(ctx context.Context, et protocol.EndTransfer) error {
	switch {
	case et.Way == protocol.WayRequest && s.receiver != nil:
		r := s.receiver
		s.receiver = nil
		if err := r.Finish(s.size); err != nil {
			_ = r.Close()
			return asError(err)
		}
		s.entry.Rank = r.Expected()
		s.info.Size = r.Size()
		if err := s.hooks().RunPost(ctx, &s.info); err != nil {
			return errorf(KindBusiness, protocol.CodeExternalOp, "post-tasks failed: %w", err)
		}
		s.entry.Path = s.info.Path
		s.entry.Code = protocol.CodeTransferOk
		if err := s.save(ctx); err != nil {
			return err
		}
		if err := s.send(protocol.EndTransfer{Way: protocol.WayAnswer}); err != nil {
			return err
		}
	case et.Way == protocol.WayAnswer && s.sender != nil && s.endSent:
		s.received = s.sender.BytesSent()
		if err := s.sender.Close(); err != nil {
			s.log.Warn("failed to close source file", "error", err)
		}
		s.sender = nil
		if err := s.hooks().RunPost(ctx, &s.info); err != nil {
			return errorf(KindBusiness, protocol.CodeExternalOp, "post-tasks failed: %w", err)
		}
		s.entry.Code = protocol.CodeTransferOk
		if err := s.save(ctx); err != nil {
			return err
		}
	default:
		return s.violation(et)
	}
	s.setState(StateTransferDone)
	if s.role == RoleRequester {
		return s.send(protocol.EndRequest{Code: protocol.CodeCompleteOk, Way: protocol.WayRequest})
	}
	return nil
}

func (s *Session) onEndRequest(ctx context.Context, er protocol.EndRequest) error {
	switch {
	case s.role == RoleRequested && er.Way == protocol.WayRequest:
		if err := s.complete(ctx); err != nil {
			return err
		}
		if err := s.send(protocol.EndRequest{Code: protocol.CodeCompleteOk, Way: protocol.WayAnswer}); err != nil {
			return err
		}
	case s.role == RoleRequester && er.Way == protocol.WayAnswer:
		if err := s.complete(ctx); err != nil {
			return err
		}
	default:
		return s.violation(er)
	}
	s.setState(StateEnd)
	return nil
}

func (s *Session) onBusiness(ctx context.Context, b protocol.Business) error {
	st := s.State()
	switch {
	case s.role == RoleRequested && st == StateAuthenticated && b.Way == protocol.WayRequest:
		if s.opts.Business == nil {
			return errorf(KindBusiness, protocol.CodeUnimplemented, "no business handler")
		}
		answer, err := s.opts.Business.HandleBusiness(ctx, s.remote, b.Payload)
		if err != nil {
			return errorf(KindBusiness, protocol.CodeExternalOp, "business handler failed: %w", err)
		}
		if err := s.send(protocol.Business{Payload: answer, Way: protocol.WayAnswer}); err != nil {
			return err
		}
	case s.role == RoleRequester && st == StateRequestSent && s.req.Op == OpBusiness && b.Way == protocol.WayAnswer:
		s.answer = append([]byte(nil), b.Payload...)
	default:
		return s.violation(b)
	}
	s.setState(StateEnd)
	return nil
}

func (s *Session) onBlockRequest(b protocol.BlockRequest) error {
	if err := s.verifyAdmin(b.Key); err != nil {
		return err
	}
	s.opts.Admin.SetBlocked(b.Block)
	msg := "unblocked"
	if b.Block {
		msg = "blocked"
	}
	s.log.Info("request admission changed", "state", msg)
	if err := s.send(protocol.Valid{Kind: protocol.ValidBlock, Code: protocol.CodeCompleteOk, Message: msg}); err != nil {
		return err
	}
	s.setState(StateEnd)
	return nil
}

func (s *Session) onShutdown(sd protocol.Shutdown) error {
	if err := s.verifyAdmin(sd.Key); err != nil {
		return err
	}
	s.log.Info("shutdown requested by partner", "restart", sd.Restart)
	if err := s.send(protocol.Valid{Kind: protocol.ValidShutdown, Code: protocol.CodeCompleteOk, Message: "shutdown"}); err != nil {
		return err
	}
	admin := s.opts.Admin
	s.onEnd = func() { admin.Shutdown(sd.Restart) }
	s.setState(StateEnd)
	return nil
}

func (s *Session) verifyAdmin(key []byte) error {
	if s.opts.Admin == nil || s.opts.Auth == nil {
		return errorf(KindProtocol, protocol.CodeUnimplemented, "administration is not available")
	}
	if err := s.opts.Auth.VerifyAdmin(key); err != nil {
		return newError(KindAuthentication, protocol.CodeBadAuthent, err)
	}
	return nil
}
