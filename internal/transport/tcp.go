package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const tcpKeepAlive = 30 * time.Second

type tcpConn struct {
	net.Conn
}

func (c tcpConn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }

type tcpListener struct {
	ln     net.Listener
	queue  *acceptQueue
	logger *slog.Logger
}

// ListenTCP listens for plain TCP connections.
func ListenTCP(ctx context.Context, addr string, logger *slog.Logger) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: tcpKeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	l := &tcpListener{ln: ln, queue: newAcceptQueue(), logger: logger}
	go l.acceptLoop()
	logger.Info("listening", "addr", ln.Addr().String())
	return l, nil
}

func (l *tcpListener) acceptLoop() {
	defer l.queue.close()
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error("accept failed", "error", err)
			}
			return
		}
		l.logger.Debug("connection accepted", "remote_addr", c.RemoteAddr().String())
		if !l.queue.push(tcpConn{c}) {
			c.Close()
			return
		}
	}
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) { return l.queue.pop(ctx) }

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error {
	l.queue.close()
	return l.ln.Close()
}

// DialTCP connects over TCP.
func DialTCP(ctx context.Context, addr string, logger *slog.Logger) (Conn, error) {
	d := net.Dialer{KeepAlive: tcpKeepAlive}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	logger.Debug("connection established", "remote_addr", addr)
	return tcpConn{c}, nil
}
