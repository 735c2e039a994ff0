package bufpool

import (
	"testing"
)

func TestPool_GetPut(t *testing.T) {
	bufSize := 4096
	pool := New(bufSize)

	buf1 := pool.Get()
	if len(buf1) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(buf1))
	}
	pool.Put(buf1)

	buf2 := pool.Get()
	if len(buf2) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(buf2))
	}
	if pool.BufSize() != bufSize {
		t.Errorf("expected BufSize %d, got %d", bufSize, pool.BufSize())
	}
}

func TestPool_DiscardsUndersized(t *testing.T) {
	pool := New(1024)
	pool.Put(make([]byte, 10))
	for i := 0; i < 4; i++ {
		if buf := pool.Get(); len(buf) != 1024 {
			t.Fatalf("expected buffer length 1024, got %d", len(buf))
		}
	}
}

func TestSized_Classes(t *testing.T) {
	s := NewSized(512, 1<<20)
	tests := []struct {
		n       int
		wantCap int
	}{
		{1, 512},
		{512, 512},
		{513, 1024},
		{65536, 65536},
		{65549, 131072},
	}
	for _, tt := range tests {
		buf := s.Get(tt.n)
		if len(buf) != tt.n {
			t.Errorf("Get(%d): len = %d", tt.n, len(buf))
		}
		if cap(buf) != tt.wantCap {
			t.Errorf("Get(%d): cap = %d, want %d", tt.n, cap(buf), tt.wantCap)
		}
		s.Put(buf)
	}
}

func TestSized_Oversized(t *testing.T) {
	s := NewSized(512, 4096)
	buf := s.Get(10000)
	if len(buf) != 10000 {
		t.Fatalf("len = %d, want 10000", len(buf))
	}
	s.Put(buf)
	s.Put(make([]byte, 700))
	if got := s.Get(700); cap(got) != 1024 {
		t.Fatalf("cap = %d, want 1024", cap(got))
	}
}
