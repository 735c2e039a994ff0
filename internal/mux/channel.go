package mux

import (
	"context"
	"sync"
)

// Channel is one logical session slot on a Mux. Frames are delivered in
// arrival order.
type Channel struct {
	id    uint32
	mux   *Mux
	inbox chan []byte

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newChannel(m *Mux, id uint32) *Channel {
	return &Channel{
		id:    id,
		mux:   m,
		inbox: make(chan []byte, m.inbox),
		done:  make(chan struct{}),
	}
}

// ID returns the channel id, unique on its connection while open.
func (c *Channel) ID() uint32 { return c.id }

// Mux returns the connection carrying c.
func (c *Channel) Mux() *Mux { return c.mux }

// Inbox yields frames received for this channel.
func (c *Channel) Inbox() <-chan []byte { return c.inbox }

// Done is closed when the channel is released or its connection stops.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the channel stopped.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes one frame to the peer's end of the channel.
func (c *Channel) Send(frame []byte) error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrChannelClosed
	default:
	}
	return c.mux.write(c.id, frame)
}

// Recv waits for the next frame.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the channel id on this side. Frames arriving later for the
// same id are dropped.
func (c *Channel) Close() error {
	c.mux.release(c.id)
	c.shut(ErrChannelClosed)
	return nil
}

func (c *Channel) shut(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Channel) deliver(frame []byte) {
	select {
	case c.inbox <- frame:
		return
	default:
	}
	select {
	case c.inbox <- frame:
	case <-c.done:
	case <-c.mux.done:
	}
}
