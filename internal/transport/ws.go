package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSPath is the HTTP path the WebSocket listener upgrades.
const WSPath = "/rankflux"

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var wsDialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
	ReadBufferSize:   64 * 1024,
	WriteBufferSize:  64 * 1024,
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn exposes a WebSocket as a byte stream. Every Write is one binary
// message; Read concatenates incoming binary messages.
type wsConn struct {
	conn   *websocket.Conn
	remote string

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, remote: conn.RemoteAddr().String(), done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			typ, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) RemoteAddr() string { return c.remote }

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	queue  *acceptQueue
	logger *slog.Logger
}

// ListenWS serves WebSocket upgrades on WSPath at addr.
func ListenWS(ctx context.Context, addr string, logger *slog.Logger) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	l := &wsListener{ln: ln, queue: newAcceptQueue(), logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, l.upgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		defer l.queue.close()
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server failed", "error", err)
		}
	}()
	logger.Info("listening", "addr", ln.Addr().String(), "path", WSPath)
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	l.logger.Debug("connection accepted", "remote_addr", r.RemoteAddr)
	c := newWSConn(conn)
	if !l.queue.push(c) {
		c.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) { return l.queue.pop(ctx) }

func (l *wsListener) Addr() string { return l.ln.Addr().String() }

func (l *wsListener) Close() error {
	l.queue.close()
	return l.srv.Close()
}

// wsURL accepts either a bare host:port or a full ws:// or wss:// URL.
func wsURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr + WSPath
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid websocket address %q: %w", addr, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid websocket scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = WSPath
	}
	return u.String(), nil
}

// DialWS upgrades an HTTP connection to addr into a WebSocket.
func DialWS(ctx context.Context, addr string, logger *slog.Logger) (Conn, error) {
	target, err := wsURL(addr)
	if err != nil {
		return nil, err
	}
	conn, resp, err := wsDialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	logger.Debug("connection established", "remote_addr", target)
	return newWSConn(conn), nil
}
