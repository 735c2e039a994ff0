package bufpool

import (
	"math/bits"
	"sync"
)

// Pool provides byte buffers of one fixed size, typically a transfer's block size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer obtained from Get. Undersized buffers are discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Sized hands out buffers of arbitrary length from power-of-two size classes.
// Frames and blocks vary with the negotiated block size, so one Sized serves
// every session on a node.
type Sized struct {
	mu      sync.Mutex
	minSize int
	maxSize int
	classes map[int]*Pool
}

// NewSized creates a pool whose smallest class is minSize bytes. Requests above
// maxSize are allocated directly and never pooled.
func NewSized(minSize, maxSize int) *Sized {
	if minSize <= 0 || maxSize < minSize {
		panic("invalid size class bounds")
	}
	return &Sized{minSize: classOf(minSize), maxSize: maxSize, classes: make(map[int]*Pool)}
}

// Get returns a buffer of length n.
func (s *Sized) Get(n int) []byte {
	if n > s.maxSize {
		return make([]byte, n)
	}
	return s.class(max(classOf(n), s.minSize)).Get()[:n]
}

// Put recycles a buffer obtained from Get.
func (s *Sized) Put(buf []byte) {
	c := cap(buf)
	if c < s.minSize || c > s.maxSize || c&(c-1) != 0 {
		return
	}
	s.class(c).Put(buf)
}

func (s *Sized) class(size int) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.classes[size]
	if !ok {
		p = New(size)
		s.classes[size] = p
	}
	return p
}

func classOf(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
