// Package app wires listeners, partner connections, sessions and the retry
// scheduler into a node.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/rankflux/internal/mux"
	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/scheduler"
	"github.com/sheerbytes/rankflux/internal/session"
	"github.com/sheerbytes/rankflux/internal/transport"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

var (
	// ErrUnknownPartner is returned for a host id with no partner entry.
	ErrUnknownPartner = errors.New("unknown partner")
	// ErrUnknownRule is returned for a rule this node does not define.
	ErrUnknownRule = errors.New("unknown rule")
	// ErrShutdown is returned by Serve after a partner asked the node to stop.
	ErrShutdown = errors.New("shutdown requested")
	// ErrNodeClosed is returned by operations on a closed node.
	ErrNodeClosed = errors.New("node closed")
)

// Endpoint is one listening address.
type Endpoint struct {
	Kind transport.Kind
	Addr string
}

// Partner is a remote host this node exchanges transfers with.
type Partner struct {
	HostID  string
	Address string
	Kind    transport.Kind
	// Key is presented to the partner in Authent packets.
	Key       []byte
	Encoding  protocol.Encoding
	Separator string
}

// Options configures a Node.
type Options struct {
	Listen   []Endpoint
	Partners []Partner
	// Session holds the collaborators shared by every session. Admin and
	// Keys are filled in by the node.
	Session session.Options
	// Codec sets the block size policy and the default encoding of
	// accepted connections.
	Codec           protocol.CodecOptions
	Scheduler       scheduler.Config
	EnableScheduler bool
	StatusInterval  time.Duration
	Logger          *slog.Logger
	// closers run after the node has stopped.
	closers []io.Closer
}

// Node accepts partner connections, runs requested sessions on them and
// drives outgoing transfers over a pool of partner connections.
type Node struct {
	opts     Options
	logger   *slog.Logger
	hostID   string
	store    registry.Store
	rules    session.Rules
	partners map[string]Partner
	sessOpts session.Options
	sched    *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	blocked  atomic.Bool
	restart  atomic.Bool
	stopped  atomic.Bool
	sessions atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	closed bool
	addrs  []string
	conns  map[string]*mux.Mux
	muxes  map[*mux.Mux]struct{}
	// wg tracks outgoing sessions and the readers of dialed connections.
	wg sync.WaitGroup
}

// New builds a node. It does not listen until Serve is called, but can
// start outgoing transfers right away.
func New(opts Options) *Node {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Session.Store == nil {
		opts.Session.Store = registry.NewMemoryStore()
	}
	if opts.Session.Rules == nil {
		opts.Session.Rules = session.RuleSet{}
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Minute
	}
	n := &Node{
		opts:     opts,
		logger:   opts.Logger,
		hostID:   opts.Session.HostID,
		store:    opts.Session.Store,
		rules:    opts.Session.Rules,
		partners: make(map[string]Partner, len(opts.Partners)),
		conns:    make(map[string]*mux.Mux),
		muxes:    make(map[*mux.Mux]struct{}),
		ready:    make(chan struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	keys := make(map[string][]byte, len(opts.Partners))
	for k, v := range opts.Session.Keys {
		keys[k] = v
	}
	for _, p := range opts.Partners {
		n.partners[p.HostID] = p
		if _, ok := keys[p.HostID]; !ok && len(p.Key) > 0 {
			keys[p.HostID] = p.Key
		}
	}
	n.sessOpts = opts.Session
	n.sessOpts.Keys = keys
	n.sessOpts.Admin = nodeAdmin{n}
	if n.sessOpts.Logger == nil {
		n.sessOpts.Logger = opts.Logger
	}
	n.opts.Codec.OnClamp = func(requested, used int) {
		n.logger.Warn("request block size below minimum, using default",
			"requested", requested,
			"used", used,
			"min", n.opts.Codec.MinBlockSize,
		)
	}
	n.sched = scheduler.New(n.store, n, opts.Scheduler, opts.Logger)
	return n
}

// HostID returns the id this node authenticates as.
func (n *Node) HostID() string { return n.hostID }

// Store returns the transfer registry.
func (n *Node) Store() registry.Store { return n.store }

// Scheduler returns the retry scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.sched }

// Blocked reports whether new inbound requests are refused.
func (n *Node) Blocked() bool { return n.blocked.Load() }

// RestartRequested reports whether the partner that stopped the node asked
// for a restart.
func (n *Node) RestartRequested() bool { return n.restart.Load() }

// Serve listens on every configured endpoint and answers partner sessions
// until ctx is done or a partner shuts the node down. The retry scheduler
// runs alongside when enabled.
func (n *Node) Serve(ctx context.Context) error {
	ctx, cancel := n.bind(ctx)
	defer cancel()

	var listeners []transport.Listener
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}
	for _, ep := range n.opts.Listen {
		ln, err := transport.Listen(ctx, ep.Kind, ep.Addr, n.logger)
		if err != nil {
			closeAll()
			return err
		}
		listeners = append(listeners, ln)
	}
	n.mu.Lock()
	for _, ln := range listeners {
		n.addrs = append(n.addrs, ln.Addr())
	}
	n.mu.Unlock()
	n.readyOnce.Do(func() { close(n.ready) })

	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln transport.Listener) {
			defer wg.Done()
			n.acceptLoop(ctx, ln, &wg)
		}(ln)
	}
	if n.opts.EnableScheduler {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.sched.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.reportStatus(ctx, n.opts.StatusInterval)
	}()

	n.logger.Info("node started", "host_id", n.hostID, "listeners", len(listeners), "scheduler", n.opts.EnableScheduler)
	<-ctx.Done()
	closeAll()
	wg.Wait()
	n.logger.Info("node stopped", "host_id", n.hostID)
	if n.stopped.Load() {
		return ErrShutdown
	}
	return nil
}

// Ready is closed once Serve is listening.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// Addrs returns the bound listening addresses after Ready.
func (n *Node) Addrs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.addrs...)
}

func (n *Node) acceptLoop(ctx context.Context, ln transport.Listener, wg *sync.WaitGroup) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrListenerClosed) {
				n.logger.Error("accept failed", "addr", ln.Addr(), "error", err)
			}
			return
		}
		m := mux.New(conn, mux.Options{
			Role:    mux.RoleListener,
			Codec:   protocol.NewCodec(n.opts.Codec),
			Buffers: n.sessOpts.Buffers,
			Logger:  n.logger,
		})
		n.logger.Info("partner connected", "conn", m.ID(), "remote_addr", conn.RemoteAddr())
		n.addMux(m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.serveMux(ctx, m)
			m.Close()
			n.dropMux(m)
		}()
	}
}

// serveMux answers every channel the peer opens on m until m or ctx ends,
// then waits for the sessions it started.
func (n *Node) serveMux(ctx context.Context, m *mux.Mux) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		ch, err := m.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, mux.ErrMuxClosed) {
				n.logger.Debug("connection ended", "conn", m.ID(), "error", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.sessions.Add(1)
			defer n.sessions.Add(-1)
			res, err := session.NewRequested(ch, n.sessOpts).Run(ctx)
			if err != nil && !errors.Is(err, session.ErrNoAnswer) {
				n.logger.Debug("requested session ended", "transfer", res.Entry.Key.String(), "error", err)
			}
		}()
	}
}

// dial returns the live connection to host, opening one if needed. Each
// partner connection speaks the partner's configured encoding.
func (n *Node) dial(ctx context.Context, host string) (*mux.Mux, Partner, error) {
	p, ok := n.partners[host]
	if !ok {
		return nil, Partner{}, fmt.Errorf("%w: %s", ErrUnknownPartner, host)
	}
	if m := n.liveConn(host); m != nil {
		return m, p, nil
	}
	conn, err := transport.Dial(ctx, p.Kind, p.Address, n.logger)
	if err != nil {
		return nil, p, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	copts := n.opts.Codec
	copts.Encoding = p.Encoding
	copts.Separator = p.Separator
	m := mux.New(conn, mux.Options{
		Role:    mux.RoleDialer,
		Codec:   protocol.NewCodec(copts),
		Buffers: n.sessOpts.Buffers,
		Logger:  n.logger.With("partner", host),
	})

	n.mu.Lock()
	if cur := n.conns[host]; cur != nil && !isDone(cur) {
		n.mu.Unlock()
		m.Close()
		return cur, p, nil
	}
	if n.closed {
		n.mu.Unlock()
		m.Close()
		return nil, p, ErrNodeClosed
	}
	n.conns[host] = m
	n.muxes[m] = struct{}{}
	n.wg.Add(1)
	n.mu.Unlock()

	n.logger.Info("connected to partner", "partner", host, "conn", m.ID(), "transport", string(p.Kind))
	go func() {
		defer n.wg.Done()
		n.serveMux(n.ctx, m)
		n.dropMux(m)
	}()
	return m, p, nil
}

func (n *Node) liveConn(host string) *mux.Mux {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.conns[host]
	if m == nil {
		return nil
	}
	if isDone(m) {
		delete(n.conns, host)
		delete(n.muxes, m)
		return nil
	}
	return m
}

func isDone(m *mux.Mux) bool {
	select {
	case <-m.Done():
		return true
	default:
		return false
	}
}

// track registers an outgoing session, failing once the node is closed.
func (n *Node) track() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	return true
}

func (n *Node) addMux(m *mux.Mux) {
	n.mu.Lock()
	n.muxes[m] = struct{}{}
	n.mu.Unlock()
}

func (n *Node) dropMux(m *mux.Mux) {
	n.mu.Lock()
	delete(n.muxes, m)
	n.mu.Unlock()
}

func (n *Node) connCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.muxes)
}

// bind returns a context that also ends when the node stops.
func (n *Node) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(n.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close stops every session, closes all connections and releases the
// resources the node was built with.
func (n *Node) Close() error {
	n.cancel()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.mu.Lock()
	conns := make([]*mux.Mux, 0, len(n.conns))
	for _, m := range n.conns {
		conns = append(conns, m)
	}
	n.conns = map[string]*mux.Mux{}
	n.mu.Unlock()
	n.wg.Wait()
	for _, m := range conns {
		m.Close()
	}

	var errs []error
	for _, c := range n.opts.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
