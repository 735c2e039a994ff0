package transport

import (
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicConnWindow    = 64 * 1024 * 1024
	quicStreamWindow  = 16 * 1024 * 1024
	quicInitialWindow = 2 * 1024 * 1024
	// One mux stream per connection; the rest is headroom for stray opens.
	quicMaxStreams = 16

	udpBuffer    = 8 * 1024 * 1024
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             quicMaxStreams,
		InitialConnectionReceiveWindow: min(quicInitialWindow, quicConnWindow),
		MaxConnectionReceiveWindow:     quicConnWindow,
		InitialStreamReceiveWindow:     min(quicInitialWindow, quicStreamWindow),
		MaxStreamReceiveWindow:         quicStreamWindow,
	}
}

// udpTuneResult reports what the kernel accepted for a socket's buffers.
type udpTuneResult struct {
	Requested int
	ReadErr   error
	WriteErr  error
}

func (r udpTuneResult) ok() bool { return r.ReadErr == nil && r.WriteErr == nil }

// tuneUDP raises the socket buffers of conn on a best-effort basis. QUIC
// throughput collapses with the small defaults of most kernels.
func tuneUDP(conn *net.UDPConn, size int) udpTuneResult {
	size = clampUDPBuffer(size)
	res := udpTuneResult{Requested: size}
	res.ReadErr = conn.SetReadBuffer(size)
	res.WriteErr = conn.SetWriteBuffer(size)
	return res
}

func logUDPTune(logger *slog.Logger, conn *net.UDPConn, res udpTuneResult) {
	if res.ok() {
		logger.Debug("udp buffers set", "local_addr", conn.LocalAddr().String(), "bytes", res.Requested)
		return
	}
	logger.Warn("udp buffers not raised",
		"local_addr", conn.LocalAddr().String(),
		"bytes", res.Requested,
		"read_error", res.ReadErr,
		"write_error", res.WriteErr,
	)
}

func clampUDPBuffer(n int) int {
	if n < minUDPBuffer {
		return minUDPBuffer
	}
	if n > maxUDPBuffer {
		return maxUDPBuffer
	}
	return n
}
