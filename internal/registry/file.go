package registry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const (
	snapshotMagic   = "RFRG"
	snapshotVersion = uint16(1)
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type snapshot struct {
	NextID  int64   `json:"next_id"`
	Entries []Entry `json:"entries"`
}

// FileStore is a MemoryStore that rewrites a snapshot file after every
// mutation. The file is [magic][version:2][cbor body][crc32c:4], replaced
// atomically through a temp file and rename.
type FileStore struct {
	*MemoryStore
	path string
	enc  cbor.EncMode
	dec  cbor.DecMode
}

// OpenFileStore loads path if it exists, or starts empty.
func OpenFileStore(path string) (*FileStore, error) {
	return OpenFileStoreWithNow(path, time.Now)
}

// OpenFileStoreWithNow is OpenFileStore with a custom time source (for tests).
func OpenFileStoreWithNow(path string, now func() time.Time) (*FileStore, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	fs := &FileStore{MemoryStore: NewMemoryStoreWithNow(now), path: path, enc: enc, dec: dec}
	snap, err := fs.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		fs.nextID = snap.NextID
		recovered := 0
		for _, e := range snap.Entries {
			if r, ok := recoverEntry(e, now()); ok {
				e = r
				recovered++
			}
			fs.entries[e.Key] = e
		}
		if recovered > 0 {
			if err := fs.flush(); err != nil {
				return nil, fmt.Errorf("persist recovered transfers: %w", err)
			}
		}
	}
	fs.persist = fs.flush
	return fs, nil
}

// recoverEntry releases an entry left owned by a process that stopped
// without releasing it. A transfer caught mid-run becomes interrupted at its
// persisted rank so the scheduler resumes it.
func recoverEntry(e Entry, now time.Time) (Entry, bool) {
	live := e.Status == StatusRunning || e.Status == StatusInit
	if e.Owner == "" && !live {
		return e, false
	}
	e.Owner = ""
	if live {
		e.Status = StatusInterrupted
		e.Code = protocol.CodeDisconnection
		e.Message = "interrupted by node restart"
		e.UpdatedAt = now
	}
	return e, true
}

// Path returns the snapshot location.
func (fs *FileStore) Path() string { return fs.path }

func (fs *FileStore) read() (snapshot, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return snapshot{}, err
	}
	if len(data) < len(snapshotMagic)+2+4 {
		return snapshot{}, fmt.Errorf("registry snapshot too small")
	}
	if string(data[:4]) != snapshotMagic {
		return snapshot{}, fmt.Errorf("invalid registry snapshot magic")
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != snapshotVersion {
		return snapshot{}, fmt.Errorf("unsupported registry snapshot version %d", v)
	}
	body := data[6 : len(data)-4]
	crc := binary.BigEndian.Uint32(data[len(data)-4:])
	if checksum := crc32.Checksum(data[:len(data)-4], crc32cTable); checksum != crc {
		return snapshot{}, fmt.Errorf("registry snapshot checksum mismatch")
	}
	var snap snapshot
	if err := fs.dec.Unmarshal(body, &snap); err != nil {
		return snapshot{}, fmt.Errorf("decode registry snapshot: %w", err)
	}
	return snap, nil
}

// flush runs with the store lock held.
func (fs *FileStore) flush() error {
	snap := snapshot{NextID: fs.nextID, Entries: make([]Entry, 0, len(fs.entries))}
	for _, e := range fs.entries {
		snap.Entries = append(snap.Entries, e)
	}
	body, err := fs.enc.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode registry snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0755); err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	buf.WriteString(snapshotMagic)
	if err := binary.Write(buf, binary.BigEndian, snapshotVersion); err != nil {
		return err
	}
	buf.Write(body)
	crc := crc32.Checksum(buf.Bytes(), crc32cTable)
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return err
	}
	temp := fs.path + ".tmp"
	if err := os.WriteFile(temp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(temp, fs.path)
}
