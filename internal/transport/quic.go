package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol identifies rankflux on QUIC connections.
const ALPNProtocol = "rankflux-v1"

// serverTLS returns a TLS configuration with a fresh self-signed certificate.
// Partners authenticate each other in the session layer, so the certificate
// only keys the QUIC handshake.
func serverTLS() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

func clientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"rankflux"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// closeLinger bounds how long Close waits for the peer to finish reading
// before the connection is torn down.
const closeLinger = 2 * time.Second

// quicConn carries one bidirectional stream of a QUIC connection. Closing it
// closes the whole connection once the peer has read what was written.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	// udp is the dialer's own socket; nil on accepted connections.
	udp *net.UDPConn
	// onClose runs after the connection is gone.
	onClose func()

	readMu  sync.Mutex
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (c *quicConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.Write(p)
}

func (c *quicConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Close sends FIN after the queued data, waits up to closeLinger for the
// peer's FIN or its connection close, and only then closes the connection.
// Closing straight away would discard data the peer has not received yet.
func (c *quicConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(closeLinger)
	_ = c.stream.SetWriteDeadline(deadline)
	_ = c.stream.SetReadDeadline(deadline)
	c.writeMu.Lock()
	_ = c.stream.Close()
	c.writeMu.Unlock()

	drained := make(chan struct{})
	go c.drain(drained)
	timer := time.NewTimer(closeLinger)
	select {
	case <-drained:
	case <-c.conn.Context().Done():
	case <-timer.C:
	}
	timer.Stop()

	c.stream.CancelRead(0)
	err := c.conn.CloseWithError(0, "")
	if c.udp != nil {
		_ = c.udp.Close()
	}
	if c.onClose != nil {
		c.onClose()
	}
	if err != nil {
		return fmt.Errorf("failed to close QUIC connection: %w", err)
	}
	return nil
}

// drain discards inbound data until the peer's FIN or the read deadline.
func (c *quicConn) drain(done chan<- struct{}) {
	defer close(done)
	c.readMu.Lock()
	defer c.readMu.Unlock()
	_, _ = io.Copy(io.Discard, c.stream)
}

type quicListener struct {
	tr       *quic.Transport
	ln       *quic.Listener
	udp      *net.UDPConn
	queue    *acceptQueue
	logger   *slog.Logger
	cancel   context.CancelFunc
	loopDone chan struct{}
	// live counts accepted connections; the socket outlives the listener
	// until the last one is closed.
	live sync.WaitGroup
}

// ListenQUIC listens for QUIC connections on a UDP address. Each accepted
// connection yields a Conn once the dialer's stream carries its first bytes.
func ListenQUIC(ctx context.Context, addr string, logger *slog.Logger) (Listener, error) {
	tlsConf, err := serverTLS()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logUDPTune(logger, udp, tuneUDP(udp, udpBuffer))
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &quicListener{
		tr:       tr,
		ln:       ln,
		udp:      udp,
		queue:    newAcceptQueue(),
		logger:   logger,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go l.acceptLoop(loopCtx)
	logger.Info("listening", "addr", ln.Addr().String())
	return l, nil
}

func (l *quicListener) acceptLoop(ctx context.Context) {
	defer close(l.loopDone)
	defer l.queue.close()
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if !errors.Is(err, quic.ErrServerClosed) && ctx.Err() == nil {
				l.logger.Error("accept failed", "error", err)
			}
			return
		}
		l.live.Add(1)
		go l.acceptStream(ctx, conn)
	}
}

func (l *quicListener) acceptStream(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Debug("connection closed before opening a stream", "remote_addr", conn.RemoteAddr().String(), "error", err)
		_ = conn.CloseWithError(0, "")
		l.live.Done()
		return
	}
	l.logger.Debug("connection accepted", "remote_addr", conn.RemoteAddr().String())
	c := &quicConn{conn: conn, stream: stream, onClose: l.live.Done}
	if !l.queue.push(c) {
		_ = c.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) { return l.queue.pop(ctx) }

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting. Connections already handed out keep running until
// their owners close them; the UDP socket is released after the last one.
func (l *quicListener) Close() error {
	l.cancel()
	l.queue.close()
	err := l.ln.Close()
	go func() {
		<-l.loopDone
		l.live.Wait()
		_ = l.tr.Close()
		_ = l.udp.Close()
	}()
	return err
}

// DialQUIC connects to a QUIC listener and opens the connection's stream.
func DialQUIC(ctx context.Context, addr string, logger *slog.Logger) (Conn, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	logUDPTune(logger, udp, tuneUDP(udp, udpBuffer))
	conn, err := quic.Dial(ctx, udp, remote, clientTLS(), quicConfig())
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		_ = udp.Close()
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	logger.Debug("connection established", "remote_addr", addr)
	return &quicConn{conn: conn, stream: stream, udp: udp}, nil
}
