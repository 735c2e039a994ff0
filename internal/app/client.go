package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sheerbytes/rankflux/internal/mux"
	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/session"
	"github.com/sheerbytes/rankflux/internal/transfer"
)

// TransferRequest names a file to move with a partner under a rule.
type TransferRequest struct {
	Partner string
	Rule    string
	// Filename is the name the partner resolves in its rule directory.
	Filename string
	// Path is the local file. It defaults to Filename inside the local
	// rule's send or receive directory.
	Path string
	// ID defaults to a fresh registry id.
	ID        int64
	BlockSize int
	FileInfo  string
}

// Transfer runs one transfer now and returns its final registry entry. An
// interrupted transfer is left for the scheduler to resume.
func (n *Node) Transfer(ctx context.Context, req TransferRequest) (registry.Entry, error) {
	e, err := n.newEntry(ctx, req)
	if err != nil {
		return registry.Entry{}, err
	}
	owner := uuid.NewString()
	key := e.Key
	e, err = n.store.Acquire(ctx, e, owner)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("failed to acquire transfer %s: %w", key.String(), err)
	}
	defer func() {
		if err := n.store.Release(context.WithoutCancel(ctx), e.Key, owner); err != nil {
			n.logger.Warn("failed to release transfer", "transfer", e.Key.String(), "error", err)
		}
	}()
	if e.Status.Terminal() {
		return e, nil
	}
	res, err := n.request(ctx, e.Requested, session.Request{Op: session.OpTransfer, Entry: e, Owner: owner})
	if res.Entry.ID == 0 {
		res.Entry = e
	}
	return res.Entry, err
}

// Submit records a transfer for the scheduler to run.
func (n *Node) Submit(ctx context.Context, req TransferRequest) (registry.Entry, error) {
	e, err := n.newEntry(ctx, req)
	if err != nil {
		return registry.Entry{}, err
	}
	if err := n.store.Save(ctx, e); err != nil {
		return registry.Entry{}, fmt.Errorf("failed to submit transfer %s: %w", e.Key.String(), err)
	}
	n.logger.Info("transfer submitted", "transfer", e.Key.String(), "filename", e.Filename)
	return n.store.Load(ctx, e.Key)
}

// RunTransfer drives an entry claimed by the scheduler.
func (n *Node) RunTransfer(ctx context.Context, e registry.Entry, owner string) error {
	_, err := n.request(ctx, e.Requested, session.Request{Op: session.OpTransfer, Entry: e, Owner: owner})
	return err
}

// SendBusiness delivers payload to the partner's business handler and
// returns its answer.
func (n *Node) SendBusiness(ctx context.Context, partner string, payload []byte) ([]byte, error) {
	res, err := n.request(ctx, partner, session.Request{Op: session.OpBusiness, Payload: payload})
	return res.Answer, err
}

// SendBlock blocks or unblocks new requests on the partner.
func (n *Node) SendBlock(ctx context.Context, partner string, adminKey []byte, block bool) error {
	_, err := n.request(ctx, partner, session.Request{Op: session.OpBlock, AdminKey: adminKey, Block: block})
	return err
}

// SendShutdown asks the partner to stop, and optionally restart.
func (n *Node) SendShutdown(ctx context.Context, partner string, adminKey []byte, restart bool) error {
	_, err := n.request(ctx, partner, session.Request{Op: session.OpShutdown, AdminKey: adminKey, Restart: restart})
	return err
}

// request runs a requester session on a fresh channel to partner. A pooled
// connection that died since its last use is replaced once.
func (n *Node) request(ctx context.Context, partner string, req session.Request) (session.Result, error) {
	if !n.track() {
		return session.Result{Entry: req.Entry}, ErrNodeClosed
	}
	defer n.wg.Done()
	ctx, cancel := n.bind(ctx)
	defer cancel()

	var ch *mux.Channel
	var p Partner
	for attempt := 0; ; attempt++ {
		m, pp, err := n.dial(ctx, partner)
		if err != nil {
			return session.Result{Entry: req.Entry}, err
		}
		p = pp
		ch, err = m.Open()
		if err == nil {
			break
		}
		if attempt > 0 || !(errors.Is(err, mux.ErrConnLost) || errors.Is(err, mux.ErrMuxClosed)) {
			return session.Result{Entry: req.Entry}, fmt.Errorf("failed to open channel to %s: %w", partner, err)
		}
	}
	req.Partner = session.Partner{HostID: p.HostID, Key: p.Key}

	n.sessions.Add(1)
	defer n.sessions.Add(-1)
	return session.NewRequester(ch, n.sessOpts, req).Run(ctx)
}

func (n *Node) newEntry(ctx context.Context, req TransferRequest) (registry.Entry, error) {
	if _, ok := n.partners[req.Partner]; !ok {
		return registry.Entry{}, fmt.Errorf("%w: %s", ErrUnknownPartner, req.Partner)
	}
	rule, ok := n.rules.Rule(req.Rule)
	if !ok {
		return registry.Entry{}, fmt.Errorf("%w: %s", ErrUnknownRule, req.Rule)
	}
	if err := transfer.ValidateFilename(req.Filename); err != nil {
		return registry.Entry{}, err
	}
	path := req.Path
	if path == "" && !rule.Mode.IsThrough() {
		dir := rule.SendDir
		if rule.Mode.IsRecv() {
			dir = rule.RecvDir
		}
		var err error
		if path, err = transfer.ResolvePath(dir, req.Filename); err != nil {
			return registry.Entry{}, err
		}
	}
	if path == "" {
		path = req.Filename
	}
	id := req.ID
	if id == 0 {
		var err error
		if id, err = n.store.NextID(ctx); err != nil {
			return registry.Entry{}, fmt.Errorf("failed to allocate transfer id: %w", err)
		}
	}
	blockSize := req.BlockSize
	if blockSize <= 0 {
		blockSize = n.sessOpts.Params.BlockSize
	}
	return registry.Entry{
		Key: registry.Key{
			Requester: n.hostID,
			Requested: req.Partner,
			Rule:      req.Rule,
			ID:        id,
		},
		Initiator: true,
		Mode:      rule.Mode,
		Filename:  req.Filename,
		Path:      path,
		FileInfo:  req.FileInfo,
		BlockSize: blockSize,
		Status:    registry.StatusToSubmit,
	}, nil
}
