package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TempSuffix marks a file still being received.
	TempSuffix = ".r66"

	maxFilenameLength = 256
	writeBufferSize   = 256 * 1024
)

var (
	// ErrInvalidFilename indicates the filename escapes its directory or is empty.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrFilenameTooLong indicates the filename exceeds the maximum length.
	ErrFilenameTooLong = errors.New("filename too long")
	// ErrPartialTooShort means the partial file holds fewer bytes than the
	// resume offset requires.
	ErrPartialTooShort = errors.New("partial file shorter than resume offset")
	// ErrNoResume is returned by filesystems that cannot reposition.
	ErrNoResume = errors.New("resume not supported")
)

// BlockReader yields a file block by block.
type BlockReader interface {
	// ReadBlock fills buf and returns the byte count. A short count marks the
	// final block; (0, io.EOF) means nothing is left.
	ReadBlock(buf []byte) (int, error)
	Close() error
}

// BlockWriter accepts blocks in rank order.
type BlockWriter interface {
	WriteBlock(b []byte) error
	// Flush makes every written block durable.
	Flush() error
	// Commit flushes and publishes the file under its final name.
	Commit() error
	// Close releases the handle, keeping partial data for a later resume.
	Close() error
	// Size is the total bytes in the file, including the resume offset.
	Size() int64
}

// Filesystem is the block-level storage a transfer reads from or writes to.
type Filesystem interface {
	OpenForRead(path string, offset int64) (BlockReader, error)
	OpenForWrite(path string, offset int64) (BlockWriter, error)
	// PartialSize reports how many bytes of path were already received.
	PartialSize(path string) (int64, error)
	// Size reports the size of a file to send, or -1 when unknown.
	Size(path string) (int64, error)
}

// ValidateFilename rejects names that could escape a transfer directory.
func ValidateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}
	if len(filename) > maxFilenameLength {
		return ErrFilenameTooLong
	}
	clean := filepath.ToSlash(filepath.Clean(filename))
	if filepath.IsAbs(filename) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(filename, "\\") {
		return ErrInvalidFilename
	}
	return nil
}

// ResolvePath joins a validated request filename under dir.
func ResolvePath(dir, filename string) (string, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(filename)), nil
}

// LocalFS stores files on the local disk. Received data goes to
// path+TempSuffix and is renamed on Commit.
type LocalFS struct{}

func (LocalFS) OpenForRead(path string, offset int64) (BlockReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek to %d: %w", offset, err)
		}
	}
	return &localReader{f: f}, nil
}

func (LocalFS) OpenForWrite(path string, offset int64) (BlockWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	temp := path + TempSuffix
	flags := os.O_CREATE | os.O_RDWR
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(temp, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	if offset > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if info.Size() < offset {
			f.Close()
			return nil, fmt.Errorf("%w: have %d, need %d", ErrPartialTooShort, info.Size(), offset)
		}
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate to %d: %w", offset, err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek to %d: %w", offset, err)
		}
	}
	return &localWriter{f: f, w: bufio.NewWriterSize(f, writeBufferSize), temp: temp, final: path, size: offset}, nil
}

func (LocalFS) PartialSize(path string) (int64, error) {
	info, err := os.Stat(path + TempSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (LocalFS) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type localReader struct {
	f *os.File
}

func (r *localReader) ReadBlock(buf []byte) (int, error) {
	n, err := io.ReadFull(r.f, buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	case err != nil:
		return n, fmt.Errorf("failed to read block: %w", err)
	}
	return n, nil
}

func (r *localReader) Close() error { return r.f.Close() }

type localWriter struct {
	f      *os.File
	w      *bufio.Writer
	temp   string
	final  string
	size   int64
	closed bool
}

func (w *localWriter) WriteBlock(b []byte) error {
	n, err := w.w.Write(b)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

func (w *localWriter) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

func (w *localWriter) Commit() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.temp, w.final); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (w *localWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.w.Flush()
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return flushErr
}

func (w *localWriter) Size() int64 { return w.size }

// ThroughFS streams blocks to and from external endpoints instead of files.
// Through transfers always start at offset zero.
type ThroughFS struct {
	Source func(path string) (io.ReadCloser, error)
	Sink   func(path string) (io.WriteCloser, error)
}

func (t ThroughFS) OpenForRead(path string, offset int64) (BlockReader, error) {
	if offset != 0 {
		return nil, ErrNoResume
	}
	if t.Source == nil {
		return nil, fmt.Errorf("no through source for %s", path)
	}
	rc, err := t.Source(path)
	if err != nil {
		return nil, err
	}
	return &throughReader{rc: rc}, nil
}

func (t ThroughFS) OpenForWrite(path string, offset int64) (BlockWriter, error) {
	if offset != 0 {
		return nil, ErrNoResume
	}
	if t.Sink == nil {
		return nil, fmt.Errorf("no through sink for %s", path)
	}
	wc, err := t.Sink(path)
	if err != nil {
		return nil, err
	}
	return &throughWriter{wc: wc}, nil
}

func (ThroughFS) PartialSize(string) (int64, error) { return 0, nil }

func (ThroughFS) Size(string) (int64, error) { return -1, nil }

type throughReader struct {
	rc io.ReadCloser
}

func (r *throughReader) ReadBlock(buf []byte) (int, error) {
	n, err := io.ReadFull(r.rc, buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	}
	return n, err
}

func (r *throughReader) Close() error { return r.rc.Close() }

type throughWriter struct {
	wc   io.WriteCloser
	size int64
	done bool
}

func (w *throughWriter) WriteBlock(b []byte) error {
	n, err := w.wc.Write(b)
	w.size += int64(n)
	return err
}

func (w *throughWriter) Flush() error {
	if f, ok := w.wc.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (w *throughWriter) Commit() error { return w.Close() }

func (w *throughWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.wc.Close()
}

func (w *throughWriter) Size() int64 { return w.size }
