// Package termio serializes console output through background writers so
// log bursts from many sessions never block a transfer on a slow terminal.
package termio

import (
	"io"
	"os"
	"sync"
	"time"
)

type writer struct {
	file    *os.File
	ch      chan []byte
	pending sync.WaitGroup
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.pending.Add(1)
	w.ch <- buf
	return len(p), nil
}

func (w *writer) loop() {
	for buf := range w.ch {
		_, _ = w.file.Write(buf)
		w.pending.Done()
	}
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file: f,
		ch:   make(chan []byte, 1024),
	}
	go w.loop()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush waits up to timeout for queued output to reach the terminal.
// Call it before os.Exit.
func Flush(timeout time.Duration) bool {
	Init()
	done := make(chan struct{})
	go func() {
		global.stdout.pending.Wait()
		global.stderr.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
