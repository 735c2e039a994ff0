// Package transport opens the physical connections that carry multiplexed
// channels: plain TCP, a single QUIC stream, or a WebSocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Kind names a physical transport.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindQUIC Kind = "quic"
	KindWS   Kind = "ws"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// ParseKind maps a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindTCP, nil
	case KindTCP, KindQUIC, KindWS:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Conn is one physical connection: an ordered, reliable byte stream.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() string
}

// Listener accepts physical connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Listen opens a listener of the given kind on addr.
func Listen(ctx context.Context, kind Kind, addr string, logger *slog.Logger) (Listener, error) {
	if logger == nil {
		logger = discard()
	}
	logger = logger.With("transport", string(kind))
	switch kind {
	case KindTCP, "":
		return ListenTCP(ctx, addr, logger)
	case KindQUIC:
		return ListenQUIC(ctx, addr, logger)
	case KindWS:
		return ListenWS(ctx, addr, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Dial connects to addr with the given kind.
func Dial(ctx context.Context, kind Kind, addr string, logger *slog.Logger) (Conn, error) {
	if logger == nil {
		logger = discard()
	}
	logger = logger.With("transport", string(kind))
	switch kind {
	case KindTCP, "":
		return DialTCP(ctx, addr, logger)
	case KindQUIC:
		return DialQUIC(ctx, addr, logger)
	case KindWS:
		return DialWS(ctx, addr, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// acceptQueue hands connections from a background accept loop to Accept.
type acceptQueue struct {
	conns  chan Conn
	closed chan struct{}
	once   sync.Once
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{conns: make(chan Conn, 16), closed: make(chan struct{})}
}

func (q *acceptQueue) push(c Conn) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.conns <- c:
		select {
		case <-q.closed:
			// Lost a race with close; whatever is left is ours to close.
			q.drain()
		default:
		}
		return true
	case <-q.closed:
		return false
	}
}

func (q *acceptQueue) pop(ctx context.Context) (Conn, error) {
	select {
	case c := <-q.conns:
		return c, nil
	case <-q.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close stops the queue and closes connections nobody accepted.
func (q *acceptQueue) close() {
	q.once.Do(func() { close(q.closed) })
	q.drain()
}

func (q *acceptQueue) drain() {
	for {
		select {
		case c := <-q.conns:
			_ = c.Close()
		default:
			return
		}
	}
}
