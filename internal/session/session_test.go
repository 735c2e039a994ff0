package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sheerbytes/rankflux/internal/auth"
	"github.com/sheerbytes/rankflux/internal/mux"
	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/tasks"
	"github.com/sheerbytes/rankflux/internal/transfer"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const testBlock = 1024

var (
	keyA     = []byte("key-of-a")
	keyB     = []byte("key-of-b")
	adminKey = []byte("admin")
)

type outcome struct {
	res Result
	err error
}

type fakeAdmin struct {
	mu       sync.Mutex
	blocked  bool
	restarts []bool
}

func (a *fakeAdmin) Blocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocked
}

func (a *fakeAdmin) SetBlocked(b bool) {
	a.mu.Lock()
	a.blocked = b
	a.mu.Unlock()
}

func (a *fakeAdmin) Shutdown(restart bool) {
	a.mu.Lock()
	a.restarts = append(a.restarts, restart)
	a.mu.Unlock()
}

type harness struct {
	t      *testing.T
	dirA   string
	dirB   string
	storeA *registry.MemoryStore
	storeB *registry.MemoryStore
	optsA  Options
	optsB  Options
	admin  *fakeAdmin
}

func hash(t *testing.T, key []byte) string {
	t.Helper()
	h, err := auth.HashKey(key, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	return h
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		dirA:   t.TempDir(),
		dirB:   t.TempDir(),
		storeA: registry.NewMemoryStore(),
		storeB: registry.NewMemoryStore(),
		admin:  &fakeAdmin{},
	}
	params := transfer.Params{Window: 4, AckInterval: 2, MaxRetries: 3, RetryDelay: time.Millisecond}
	h.optsA = Options{
		HostID: "hostA",
		Store:  h.storeA,
		Auth:   auth.New(map[string]string{"hostB": hash(t, keyB)}, ""),
		Params: params,
	}
	h.optsB = Options{
		HostID: "hostB",
		Keys:   map[string][]byte{"hostA": keyB},
		Store:  h.storeB,
		Auth:   auth.New(map[string]string{"hostA": hash(t, keyA)}, hash(t, adminKey)),
		Rules: RuleSet{
			"R1": {Name: "R1", Mode: protocol.ModeSend, RecvDir: filepath.Join(h.dirB, "in")},
			"R2": {Name: "R2", Mode: protocol.ModeRecvChk, SendDir: filepath.Join(h.dirB, "out")},
		},
		Admin: h.admin,
		Business: tasks.BusinessFunc(func(_ context.Context, host string, p []byte) ([]byte, error) {
			return []byte(host + ":" + strings.ToUpper(string(p))), nil
		}),
		Params: params,
	}
	return h
}

// connect joins a dialer and a listener over an in-memory pipe and serves
// every accepted channel with a requested session.
func (h *harness) connect(ctx context.Context) (*mux.Mux, net.Conn, <-chan outcome) {
	h.t.Helper()
	a, b := net.Pipe()
	dm := mux.New(a, mux.Options{Role: mux.RoleDialer})
	lm := mux.New(b, mux.Options{Role: mux.RoleListener})
	h.t.Cleanup(func() {
		dm.Close()
		lm.Close()
	})
	out := make(chan outcome, 8)
	go func() {
		for {
			ch, err := lm.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				res, err := NewRequested(ch, h.optsB).Run(ctx)
				out <- outcome{res, err}
			}()
		}
	}()
	return dm, a, out
}

func (h *harness) entry(rule string, mode protocol.Mode, filename, path string, owner string) registry.Entry {
	h.t.Helper()
	e, err := h.storeA.Acquire(context.Background(), registry.Entry{
		Key:       registry.Key{Requester: "hostA", Requested: "hostB", Rule: rule, ID: 42},
		Initiator: true,
		Mode:      mode,
		Filename:  filename,
		Path:      path,
		BlockSize: testBlock,
		Status:    registry.StatusToSubmit,
	}, owner)
	if err != nil {
		h.t.Fatalf("acquire: %v", err)
	}
	return e
}

func (h *harness) request(ctx context.Context, dm *mux.Mux, req Request) (Result, error) {
	h.t.Helper()
	ch, err := dm.Open()
	if err != nil {
		h.t.Fatalf("open channel: %v", err)
	}
	if req.Partner.HostID == "" {
		req.Partner = Partner{HostID: "hostB", Key: keyA}
	}
	return NewRequester(ch, h.optsA, req).Run(ctx)
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("requested session did not finish")
		return outcome{}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/testBlock)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return data
}

func TestSendTransferCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	src := filepath.Join(h.dirA, "report.bin")
	data := writeFile(t, src, 10*testBlock+300)

	dm, _, served := h.connect(ctx)
	e := h.entry("R1", protocol.ModeSend, "report.bin", src, "w1")
	res, err := h.request(ctx, dm, Request{Op: OpTransfer, Entry: e, Owner: "w1"})
	if err != nil {
		t.Fatalf("requester: %v", err)
	}
	if res.Entry.Status != registry.StatusDone {
		t.Errorf("requester status = %s, want done", res.Entry.Status)
	}
	o := waitOutcome(t, served)
	if o.err != nil {
		t.Fatalf("requested: %v", o.err)
	}
	if o.res.Entry.Status != registry.StatusDone || o.res.Entry.ID != 42 {
		t.Errorf("requested entry = %+v", o.res.Entry)
	}

	got, err := os.ReadFile(filepath.Join(h.dirB, "in", "report.bin"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("received %d bytes, content differs from source", len(got))
	}
	if _, err := os.Stat(filepath.Join(h.dirB, "in", "report.bin"+transfer.TempSuffix)); !os.IsNotExist(err) {
		t.Errorf("temp file still present: %v", err)
	}
	stored, err := h.storeB.Load(ctx, registry.Key{Requester: "hostA", Requested: "hostB", Rule: "R1", ID: 42})
	if err != nil || stored.Owner != "" {
		t.Errorf("requested entry not released: %+v, %v", stored, err)
	}
}

func TestReceiveTransferWithChecksum(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	data := writeFile(t, filepath.Join(h.dirB, "out", "daily.csv"), 3*testBlock)
	dst := filepath.Join(h.dirA, "daily.csv")

	dm, _, served := h.connect(ctx)
	e := h.entry("R2", protocol.ModeRecvChk, "daily.csv", dst, "w1")
	res, err := h.request(ctx, dm, Request{Op: OpTransfer, Entry: e, Owner: "w1"})
	if err != nil {
		t.Fatalf("requester: %v", err)
	}
	if res.Entry.Status != registry.StatusDone || res.Entry.OriginalSize != int64(len(data)) {
		t.Errorf("requester entry = %+v", res.Entry)
	}
	if o := waitOutcome(t, served); o.err != nil {
		t.Fatalf("requested: %v", o.err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("received file mismatch: %v", err)
	}
}

// dropFS cuts the connection when the sender reaches dropAt.
type dropFS struct {
	transfer.LocalFS
	dropAt  int64
	conn    net.Conn
	offsets []int64
}

func (f *dropFS) OpenForRead(path string, offset int64) (transfer.BlockReader, error) {
	f.offsets = append(f.offsets, offset)
	r, err := f.LocalFS.OpenForRead(path, offset)
	if err != nil {
		return nil, err
	}
	return &dropReader{BlockReader: r, fs: f, pos: offset}, nil
}

type dropReader struct {
	transfer.BlockReader
	fs  *dropFS
	pos int64
}

func (r *dropReader) ReadBlock(buf []byte) (int, error) {
	if r.fs.conn != nil && r.pos >= r.fs.dropAt {
		r.fs.conn.Close()
		r.fs.conn = nil
	}
	n, err := r.BlockReader.ReadBlock(buf)
	r.pos += int64(n)
	return n, err
}

func TestConnectionLossInterruptsAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	src := filepath.Join(h.dirA, "big.bin")
	data := writeFile(t, src, 12*testBlock)
	fsys := &dropFS{dropAt: 5 * testBlock}
	h.optsA.FS = fsys

	dm, conn, served := h.connect(ctx)
	fsys.conn = conn
	e := h.entry("R1", protocol.ModeSend, "big.bin", src, "w1")
	res, err := h.request(ctx, dm, Request{Op: OpTransfer, Entry: e, Owner: "w1"})
	if !IsKind(err, KindNetworkInterrupted) {
		t.Fatalf("requester error = %v, want network interrupted", err)
	}
	if res.Entry.Status != registry.StatusInterrupted || res.Entry.Rank > 5 {
		t.Errorf("requester entry = %s rank %d", res.Entry.Status, res.Entry.Rank)
	}
	o := waitOutcome(t, served)
	if !IsKind(o.err, KindNetworkInterrupted) {
		t.Fatalf("requested error = %v, want network interrupted", o.err)
	}
	if o.res.Entry.Status != registry.StatusInterrupted || o.res.Entry.Rank != 5 {
		t.Fatalf("requested entry = %s rank %d, want interrupted rank 5", o.res.Entry.Status, o.res.Entry.Rank)
	}
	if err := h.storeA.Release(ctx, e.Key, "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	retry, err := h.storeA.Acquire(ctx, res.Entry, "w2")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	dm2, _, served2 := h.connect(ctx)
	res, err = h.request(ctx, dm2, Request{Op: OpTransfer, Entry: retry, Owner: "w2"})
	if err != nil {
		t.Fatalf("resumed requester: %v", err)
	}
	if o := waitOutcome(t, served2); o.err != nil {
		t.Fatalf("resumed requested: %v", o.err)
	}
	if res.Entry.Status != registry.StatusDone {
		t.Errorf("resumed status = %s", res.Entry.Status)
	}
	if len(fsys.offsets) != 2 || fsys.offsets[1] != 5*testBlock {
		t.Errorf("read offsets = %v, want second open at %d", fsys.offsets, 5*testBlock)
	}
	got, err := os.ReadFile(filepath.Join(h.dirB, "in", "big.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("resumed file mismatch: %v", err)
	}
}

func TestIncompatibleModeFailsBothSides(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	dm, _, served := h.connect(ctx)
	e := h.entry("R1", protocol.ModeRecv, "x.bin", filepath.Join(h.dirA, "x.bin"), "w1")

	res, err := h.request(ctx, dm, Request{Op: OpTransfer, Entry: e, Owner: "w1"})
	if !IsKind(err, KindNegotiation) {
		t.Fatalf("requester error = %v, want negotiation", err)
	}
	if res.Entry.Status != registry.StatusError {
		t.Errorf("requester status = %s, want error", res.Entry.Status)
	}
	if o := waitOutcome(t, served); !IsKind(o.err, KindNegotiation) {
		t.Errorf("requested error = %v, want negotiation", o.err)
	}
}

func TestBadKeyIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	dm, _, served := h.connect(ctx)
	e := h.entry("R1", protocol.ModeSend, "x.bin", filepath.Join(h.dirA, "x.bin"), "w1")

	res, err := h.request(ctx, dm, Request{
		Op: OpTransfer, Entry: e, Owner: "w1",
		Partner: Partner{HostID: "hostB", Key: []byte("wrong")},
	})
	if !IsKind(err, KindAuthentication) || Retryable(err) {
		t.Fatalf("requester error = %v, want non-retryable authentication", err)
	}
	if res.Entry.Status != registry.StatusError {
		t.Errorf("status = %s, want error", res.Entry.Status)
	}
	if o := waitOutcome(t, served); !IsKind(o.err, KindAuthentication) {
		t.Errorf("requested error = %v", o.err)
	}
}

func TestPacketBeforeAuthentClosesSilently(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	dm, _, served := h.connect(ctx)
	ch, err := dm.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	frame, err := dm.Codec().Encode(protocol.Request{Rule: "R1", Mode: protocol.ModeSend, Filename: "x", BlockSize: testBlock, TransferID: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ch.Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	if o := waitOutcome(t, served); !errors.Is(o.err, ErrNoAnswer) {
		t.Fatalf("requested error = %v, want ErrNoAnswer", o.err)
	}
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if f, err := ch.Recv(short); err == nil {
		t.Fatalf("got answer frame %q, want none", f)
	}
	if entries, _ := h.storeB.List(ctx); len(entries) != 0 {
		t.Errorf("registry has %d entries, want 0", len(entries))
	}
}

// scripted authenticates by hand and returns the raw channel.
func scripted(t *testing.T, ctx context.Context, dm *mux.Mux) *mux.Channel {
	t.Helper()
	ch, err := dm.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sendPacket(t, dm, ch, protocol.Authent{HostID: "hostA", Version: Version, Key: keyA, Way: protocol.WayRequest})
	if a, ok := recvPacket(t, ctx, dm, ch).(protocol.Authent); !ok || a.Way != protocol.WayAnswer {
		t.Fatalf("expected authent answer, got %+v", a)
	}
	return ch
}

func sendPacket(t *testing.T, dm *mux.Mux, ch *mux.Channel, p protocol.Packet) {
	t.Helper()
	frame, err := dm.Codec().Encode(p)
	if err != nil {
		t.Fatalf("encode %s: %v", p.Type(), err)
	}
	if err := ch.Send(frame); err != nil {
		t.Fatalf("send %s: %v", p.Type(), err)
	}
}

func recvPacket(t *testing.T, ctx context.Context, dm *mux.Mux, ch *mux.Channel) protocol.Packet {
	t.Helper()
	frame, err := ch.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	p, err := dm.Codec().Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return p
}

func TestChecksumFailuresAreBounded(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	dm, _, served := h.connect(ctx)
	ch := scripted(t, ctx, dm)

	payload := bytes.Repeat([]byte("a"), testBlock)
	sendPacket(t, dm, ch, protocol.Request{
		Rule: "R1", Mode: protocol.ModeSendChk, Filename: "chk.bin", BlockSize: testBlock,
		TransferID: 7, Way: protocol.WayRequest, Code: protocol.CodeRunning, OriginalSize: int64(len(payload)),
	})
	if v, ok := recvPacket(t, ctx, dm, ch).(protocol.Valid); !ok || v.Kind != protocol.ValidRequest || v.Rank != 0 {
		t.Fatalf("expected request validation, got %+v", v)
	}
	bad, err := transfer.BlockChecksum(transfer.HashAlgCRC32C, []byte("something else"))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	for i := 1; i <= 3; i++ {
		sendPacket(t, dm, ch, protocol.Data{Rank: 0, Payload: payload, Checksum: bad})
		p := recvPacket(t, ctx, dm, ch)
		if i < 3 {
			if v, ok := p.(protocol.Valid); !ok || v.Kind != protocol.ValidRetry || v.Rank != 0 {
				t.Fatalf("attempt %d: got %+v, want retry of rank 0", i, p)
			}
			continue
		}
		if e, ok := p.(protocol.Error); !ok || e.Code != protocol.CodeMD5Error {
			t.Fatalf("attempt %d: got %+v, want checksum error", i, p)
		}
	}
	o := waitOutcome(t, served)
	if !IsKind(o.err, KindChecksum) || Retryable(o.err) {
		t.Fatalf("requested error = %v, want fatal checksum error", o.err)
	}
	if o.res.Entry.Status != registry.StatusError {
		t.Errorf("status = %s, want error", o.res.Entry.Status)
	}
}

func TestUnexpectedPacketAfterAuthentIsAnswered(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	dm, _, served := h.connect(ctx)
	ch := scripted(t, ctx, dm)

	sendPacket(t, dm, ch, protocol.Data{Rank: 0, Payload: []byte("early")})
	if e, ok := recvPacket(t, ctx, dm, ch).(protocol.Error); !ok || e.Code != protocol.CodeCommandNotFound {
		t.Fatalf("got %+v, want CommandNotFound error", e)
	}
	if o := waitOutcome(t, served); !IsKind(o.err, KindProtocol) {
		t.Errorf("requested error = %v, want protocol error", o.err)
	}
}

func TestBusinessBlockAndShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	dm, _, served := h.connect(ctx)

	res, err := h.request(ctx, dm, Request{Op: OpBusiness, Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("business: %v", err)
	}
	if string(res.Answer) != "hostA:PING" {
		t.Errorf("answer = %q", res.Answer)
	}
	waitOutcome(t, served)

	if _, err := h.request(ctx, dm, Request{Op: OpBlock, Block: true, AdminKey: adminKey}); err != nil {
		t.Fatalf("block: %v", err)
	}
	waitOutcome(t, served)
	if !h.admin.Blocked() {
		t.Fatalf("node not blocked")
	}

	src := filepath.Join(h.dirA, "late.bin")
	writeFile(t, src, testBlock)
	e := h.entry("R1", protocol.ModeSend, "late.bin", src, "w1")
	res, err = h.request(ctx, dm, Request{Op: OpTransfer, Entry: e, Owner: "w1"})
	if err == nil || !Retryable(err) {
		t.Fatalf("blocked transfer error = %v, want retryable", err)
	}
	if res.Entry.Status != registry.StatusInterrupted {
		t.Errorf("blocked transfer status = %s, want interrupted", res.Entry.Status)
	}
	waitOutcome(t, served)

	if _, err := h.request(ctx, dm, Request{Op: OpShutdown, Restart: true, AdminKey: []byte("nope")}); !IsKind(err, KindAuthentication) {
		t.Fatalf("shutdown with bad key = %v", err)
	}
	waitOutcome(t, served)
	if _, err := h.request(ctx, dm, Request{Op: OpShutdown, Restart: true, AdminKey: adminKey}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	waitOutcome(t, served)
	h.admin.mu.Lock()
	defer h.admin.mu.Unlock()
	if len(h.admin.restarts) != 1 || !h.admin.restarts[0] {
		t.Errorf("shutdown calls = %v", h.admin.restarts)
	}
}

// cancelFS cancels the requester's context once reading reaches cancelAt.
type cancelFS struct {
	transfer.LocalFS
	cancelAt int64
	cancel   context.CancelFunc
}

func (f *cancelFS) OpenForRead(path string, offset int64) (transfer.BlockReader, error) {
	r, err := f.LocalFS.OpenForRead(path, offset)
	if err != nil {
		return nil, err
	}
	return &cancelReader{BlockReader: r, fs: f, pos: offset}, nil
}

type cancelReader struct {
	transfer.BlockReader
	fs  *cancelFS
	pos int64
}

func (r *cancelReader) ReadBlock(buf []byte) (int, error) {
	if r.pos >= r.fs.cancelAt {
		r.fs.cancel()
	}
	n, err := r.BlockReader.ReadBlock(buf)
	r.pos += int64(n)
	return n, err
}

func TestLocalCancelSignalsShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	src := filepath.Join(h.dirA, "long.bin")
	writeFile(t, src, 64*testBlock)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.optsA.FS = &cancelFS{cancelAt: 3 * testBlock, cancel: cancel}

	dm, _, served := h.connect(ctx)
	e := h.entry("R1", protocol.ModeSend, "long.bin", src, "w1")
	res, err := h.request(runCtx, dm, Request{Op: OpTransfer, Entry: e, Owner: "w1"})
	if !IsKind(err, KindShutdown) {
		t.Fatalf("requester error = %v, want shutdown", err)
	}
	if res.Entry.Status != registry.StatusInterrupted {
		t.Errorf("requester status = %s, want interrupted", res.Entry.Status)
	}
	o := waitOutcome(t, served)
	if !IsKind(o.err, KindShutdown) || !Retryable(o.err) {
		t.Fatalf("requested error = %v, want retryable shutdown", o.err)
	}
	if o.res.Entry.Status != registry.StatusInterrupted {
		t.Errorf("requested status = %s, want interrupted", o.res.Entry.Status)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", newError(KindNetworkInterrupted, protocol.CodeDisconnection, errors.New("eof")), true},
		{"shutdown", newError(KindShutdown, protocol.CodeShutdown, context.Canceled), true},
		{"transient io", newError(KindTransferIO, protocol.CodeTransferError, errors.New("disk")), true},
		{"size mismatch", asError(transfer.ErrSizeMismatch), false},
		{"auth", newError(KindAuthentication, protocol.CodeBadAuthent, errors.New("bad")), false},
		{"negotiation", newError(KindNegotiation, protocol.CodeIncorrectCommand, errors.New("mode")), false},
		{"checksum", asError(transfer.ErrRetriesExhausted), false},
		{"remote overloaded", &Error{Kind: KindTransferIO, Code: protocol.CodeServerOverloaded, Remote: true, Err: errors.New("busy")}, true},
		{"remote canceled", &Error{Kind: KindTransferIO, Code: protocol.CodeCanceledTransfer, Remote: true, Err: errors.New("stop")}, false},
		{"silent", ErrNoAnswer, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("%s: Retryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
