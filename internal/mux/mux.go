package mux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/sheerbytes/rankflux/internal/bufpool"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const envelopeHeaderSize = 8

// DefaultInboxSize is the per-channel receive queue depth.
const DefaultInboxSize = 256

var (
	// ErrConnLost is reported by every channel of a mux whose physical
	// connection failed.
	ErrConnLost = errors.New("physical connection lost")
	// ErrMuxClosed is returned after Close.
	ErrMuxClosed = errors.New("mux closed")
	// ErrChannelClosed is returned when using a released channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrIDsExhausted is returned when the id space of a connection is used up.
	ErrIDsExhausted = errors.New("channel ids exhausted")
)

// Role decides which half of the id space a side allocates from.
type Role int

const (
	// RoleDialer allocates odd channel ids.
	RoleDialer Role = iota
	// RoleListener allocates even channel ids.
	RoleListener
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "dialer"
}

// Options configures a Mux.
type Options struct {
	Role      Role
	InboxSize int
	// Codec is the encoding this side speaks. A listener switches to the
	// encoding of the first textual frame it receives.
	Codec   *protocol.Codec
	Buffers *bufpool.Sized
	Logger  *slog.Logger
}

// Mux carries many logical channels over one physical connection.
// Envelope: [channelID:4][frameLength:4][frame].
type Mux struct {
	id     string
	conn   io.ReadWriteCloser
	role   Role
	inbox  int
	bufs   *bufpool.Sized
	logger *slog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	channels      map[uint32]*Channel
	nextID        uint32
	highestRemote uint32
	codec         *protocol.Codec
	learned       bool

	accept    chan *Channel
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	err       error
}

// New wraps conn and starts its read loop.
func New(conn io.ReadWriteCloser, opts Options) *Mux {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(protocol.CodecOptions{})
	}
	if opts.Buffers == nil {
		opts.Buffers = bufpool.NewSized(4096, protocol.MaxFrameSize+envelopeHeaderSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	first := uint32(1)
	if opts.Role == RoleListener {
		first = 2
	}
	m := &Mux{
		id:       uuid.NewString(),
		conn:     conn,
		role:     opts.Role,
		inbox:    opts.InboxSize,
		bufs:     opts.Buffers,
		channels: make(map[uint32]*Channel),
		nextID:   first,
		codec:    opts.Codec,
		accept:   make(chan *Channel, opts.InboxSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	m.logger = opts.Logger.With("conn", m.id, "role", opts.Role.String())
	go m.readLoop()
	return m
}

// ID identifies the physical connection in logs.
func (m *Mux) ID() string { return m.id }

// Role reports which side of the connection this mux is.
func (m *Mux) Role() Role { return m.role }

// Codec returns the codec for frames sent on this connection.
func (m *Mux) Codec() *protocol.Codec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codec
}

// Done is closed when the mux stops.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Drained is closed once the read loop has stopped; every frame read before
// the connection failed has been delivered by then.
func (m *Mux) Drained() <-chan struct{} { return m.readDone }

// Err reports why the mux stopped.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Open allocates a new locally-initiated channel.
func (m *Mux) Open() (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return nil, m.err
	default:
	}
	id := m.nextID
	if id > ^uint32(0)-2 {
		return nil, ErrIDsExhausted
	}
	m.nextID += 2
	ch := newChannel(m, id)
	m.channels[id] = ch
	m.logger.Debug("channel opened", "channel", id)
	return ch, nil
}

// Accept waits for a channel opened by the peer.
func (m *Mux) Accept(ctx context.Context) (*Channel, error) {
	select {
	case ch := <-m.accept:
		return ch, nil
	case <-m.done:
		return nil, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of open channels.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Close shuts the physical connection. Open channels observe ErrMuxClosed.
func (m *Mux) Close() error {
	m.fail(ErrMuxClosed)
	return nil
}

func (m *Mux) fail(err error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		chans := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			chans = append(chans, ch)
		}
		m.mu.Unlock()

		close(m.done)
		_ = m.conn.Close()
		for _, ch := range chans {
			ch.shut(err)
		}
		if errors.Is(err, ErrMuxClosed) {
			m.logger.Debug("connection closed", "channels", len(chans))
		} else {
			m.logger.Warn("connection lost", "channels", len(chans), "error", err)
		}
	})
}

func (m *Mux) readLoop() {
	defer close(m.readDone)
	var hdr [envelopeHeaderSize]byte
	for {
		if _, err := io.ReadFull(m.conn, hdr[:]); err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrConnLost, err))
			return
		}
		id := binary.BigEndian.Uint32(hdr[0:4])
		n := binary.BigEndian.Uint32(hdr[4:8])
		if n > protocol.MaxFrameSize {
			m.fail(fmt.Errorf("%w: frame length %d exceeds %d", ErrConnLost, n, protocol.MaxFrameSize))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(m.conn, frame); err != nil {
			m.fail(fmt.Errorf("%w: %v", ErrConnLost, err))
			return
		}
		m.demux(id, frame)
	}
}

// demux routes one frame to its channel, creating the channel when the peer
// opens a new id.
func (m *Mux) demux(id uint32, frame []byte) {
	m.mu.Lock()
	if m.role == RoleListener && !m.learned {
		if enc, ok := protocol.DetectEncoding(frame); ok {
			m.codec = m.codec.WithEncoding(enc)
			m.learned = true
		}
	}
	ch, ok := m.channels[id]
	if !ok {
		if !m.isRemote(id) || id <= m.highestRemote {
			m.mu.Unlock()
			m.logger.Debug("dropping frame for unknown channel", "channel", id)
			return
		}
		m.highestRemote = id
		ch = newChannel(m, id)
		m.channels[id] = ch
		m.mu.Unlock()
		select {
		case m.accept <- ch:
		case <-m.done:
			return
		}
	} else {
		m.mu.Unlock()
	}
	ch.deliver(frame)
}

func (m *Mux) isRemote(id uint32) bool {
	odd := id%2 == 1
	if m.role == RoleDialer {
		return !odd && id != 0
	}
	return odd
}

func (m *Mux) write(id uint32, frame []byte) error {
	if len(frame) > protocol.MaxFrameSize {
		return fmt.Errorf("frame length %d exceeds %d", len(frame), protocol.MaxFrameSize)
	}
	buf := m.bufs.Get(envelopeHeaderSize + len(frame))
	defer m.bufs.Put(buf)
	binary.BigEndian.PutUint32(buf[0:4], id)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(frame)))
	copy(buf[envelopeHeaderSize:], frame)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	select {
	case <-m.done:
		return m.err
	default:
	}
	if _, err := m.conn.Write(buf); err != nil {
		err = fmt.Errorf("%w: %v", ErrConnLost, err)
		m.fail(err)
		return err
	}
	return nil
}

func (m *Mux) release(id uint32) {
	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()
	m.logger.Debug("channel released", "channel", id)
}
