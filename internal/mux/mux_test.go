package mux

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sheerbytes/rankflux/pkg/protocol"
)

func newPair(t *testing.T, dialerCodec *protocol.Codec) (*Mux, *Mux, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	d := New(a, Options{Role: RoleDialer, Codec: dialerCodec})
	l := New(b, Options{Role: RoleListener})
	t.Cleanup(func() {
		d.Close()
		l.Close()
	})
	return d, l, a
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenAcceptExchange(t *testing.T) {
	d, l, _ := newPair(t, nil)
	ch, err := d.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ch.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx := ctxTimeout(t, 2*time.Second)
	peer, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if peer.ID() != ch.ID() {
		t.Fatalf("peer channel id = %d, want %d", peer.ID(), ch.ID())
	}
	got, err := peer.Recv(ctx)
	if err != nil || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("recv = %q, %v", got, err)
	}
	if err := peer.Send([]byte("world")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	got, err = ch.Recv(ctx)
	if err != nil || !bytes.Equal(got, []byte("world")) {
		t.Fatalf("recv reply = %q, %v", got, err)
	}
}

func TestChannelIDsNeverCollideOrRepeat(t *testing.T) {
	d, l, _ := newPair(t, nil)
	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		ch, err := d.Open()
		if err != nil {
			t.Fatalf("dialer open: %v", err)
		}
		if ch.ID()%2 != 1 {
			t.Errorf("dialer id %d is not odd", ch.ID())
		}
		seen[ch.ID()] = true
		ch.Close()
	}
	for i := 0; i < 3; i++ {
		ch, err := l.Open()
		if err != nil {
			t.Fatalf("listener open: %v", err)
		}
		if ch.ID()%2 != 0 {
			t.Errorf("listener id %d is not even", ch.ID())
		}
		if seen[ch.ID()] {
			t.Errorf("id %d reused", ch.ID())
		}
		seen[ch.ID()] = true
	}
	ch, _ := d.Open()
	if seen[ch.ID()] {
		t.Errorf("id %d reused after close", ch.ID())
	}
	if len(seen) != 6 {
		t.Errorf("saw %d distinct ids, want 6", len(seen))
	}
}

func TestLateFramesForReleasedChannelAreDropped(t *testing.T) {
	d, l, _ := newPair(t, nil)
	ch, _ := d.Open()
	ch.Send([]byte("one"))
	peer, err := l.Accept(ctxTimeout(t, 2*time.Second))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	peer.Close()
	if err := ch.Send([]byte("late")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := l.Accept(ctxTimeout(t, 100*time.Millisecond)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("accept after release = %v, want deadline exceeded", err)
	}
	if n := l.Len(); n != 0 {
		t.Fatalf("listener has %d channels, want 0", n)
	}
}

func TestConnectionLossInterruptsChannels(t *testing.T) {
	d, l, raw := newPair(t, nil)
	ch, _ := d.Open()
	ch.Send([]byte("x"))
	peer, err := l.Accept(ctxTimeout(t, 2*time.Second))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	raw.Close()

	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer channel not stopped after connection loss")
	}
	if !errors.Is(peer.Err(), ErrConnLost) {
		t.Fatalf("peer.Err() = %v, want ErrConnLost", peer.Err())
	}
	<-ch.Done()
	if err := ch.Send([]byte("y")); err == nil {
		t.Fatal("send on lost connection succeeded")
	}
	if _, err := d.Open(); err == nil {
		t.Fatal("open on lost connection succeeded")
	}
}

func TestListenerLearnsPeerEncoding(t *testing.T) {
	jsonCodec := protocol.NewCodec(protocol.CodecOptions{Encoding: protocol.EncodingJSON})
	d, l, _ := newPair(t, jsonCodec)
	frame, err := d.Codec().Encode(protocol.Authent{HostID: "a", Key: []byte("k")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ch, _ := d.Open()
	ch.Send(frame)
	peer, err := l.Accept(ctxTimeout(t, 2*time.Second))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := peer.Recv(ctxTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if enc := l.Codec().Encoding(); enc != protocol.EncodingJSON {
		t.Fatalf("listener encoding = %s, want json", enc)
	}
}
