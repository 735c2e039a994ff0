package tasks

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// SinkFunc consumes the data of a through-mode receive.
type SinkFunc func(ctx context.Context, path string, r io.Reader) error

// SourceFunc produces the data of a through-mode send.
type SourceFunc func(ctx context.Context, path string, w io.Writer) error

// Through connects through-mode transfers of a rule to in-process handlers
// over pipes, so data never touches the local filesystem.
type Through struct {
	mu      sync.RWMutex
	sinks   map[string]SinkFunc
	sources map[string]SourceFunc
}

// NewThrough returns an empty provider.
func NewThrough() *Through {
	return &Through{sinks: make(map[string]SinkFunc), sources: make(map[string]SourceFunc)}
}

// HandleSink registers the consumer for rule.
func (t *Through) HandleSink(rule string, fn SinkFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks[rule] = fn
}

// HandleSource registers the producer for rule.
func (t *Through) HandleSource(rule string, fn SourceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[rule] = fn
}

// Sink opens a writer whose data is handed to the rule's SinkFunc. Close
// waits for the handler and returns its error.
func (t *Through) Sink(ctx context.Context, rule, path string) (io.WriteCloser, error) {
	t.mu.RLock()
	fn, ok := t.sinks[rule]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no through sink for rule %s", rule)
	}
	pr, pw := io.Pipe()
	s := &sinkWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		err := fn(ctx, path, pr)
		pr.CloseWithError(err)
		s.done <- err
	}()
	return s, nil
}

// Source opens a reader fed by the rule's SourceFunc.
func (t *Through) Source(ctx context.Context, rule, path string) (io.ReadCloser, error) {
	t.mu.RLock()
	fn, ok := t.sources[rule]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no through source for rule %s", rule)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(fn(ctx, path, pw))
	}()
	return pr, nil
}

type sinkWriter struct {
	pw   *io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

func (s *sinkWriter) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *sinkWriter) Close() error {
	s.once.Do(func() {
		s.pw.Close()
		s.err = <-s.done
	})
	return s.err
}

// BusinessHandler answers opaque Business packets.
type BusinessHandler interface {
	HandleBusiness(ctx context.Context, remoteHost string, payload []byte) ([]byte, error)
}

// BusinessFunc adapts a function to BusinessHandler.
type BusinessFunc func(ctx context.Context, remoteHost string, payload []byte) ([]byte, error)

func (f BusinessFunc) HandleBusiness(ctx context.Context, remoteHost string, payload []byte) ([]byte, error) {
	return f(ctx, remoteHost, payload)
}
