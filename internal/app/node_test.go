package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sheerbytes/rankflux/internal/auth"
	"github.com/sheerbytes/rankflux/internal/config"
	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/scheduler"
	"github.com/sheerbytes/rankflux/internal/session"
	"github.com/sheerbytes/rankflux/internal/tasks"
	"github.com/sheerbytes/rankflux/internal/transfer"
	"github.com/sheerbytes/rankflux/internal/transport"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const testBlock = 1024

var (
	keyA     = []byte("key-of-a")
	keyB     = []byte("key-of-b")
	adminKey = []byte("admin")
)

func hash(t *testing.T, key []byte) string {
	t.Helper()
	h, err := auth.HashKey(key, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	return h
}

func testParams() transfer.Params {
	return transfer.Params{BlockSize: testBlock, Window: 4, AckInterval: 2, MaxRetries: 3, RetryDelay: time.Millisecond}
}

type pair struct {
	a, b       *Node
	dirA, dirB string
	served     chan error
}

// newPair starts node B listening on loopback TCP and builds node A with B
// as its partner.
func newPair(t *testing.T) *pair {
	t.Helper()
	return newPairOver(t, transport.KindTCP)
}

func newPairOver(t *testing.T, kind transport.Kind) *pair {
	t.Helper()
	p := &pair{dirA: t.TempDir(), dirB: t.TempDir(), served: make(chan error, 1)}

	p.b = New(Options{
		Listen:   []Endpoint{{Kind: kind, Addr: "127.0.0.1:0"}},
		Partners: []Partner{{HostID: "hostA", Key: keyB}},
		Session: session.Options{
			HostID: "hostB",
			Auth:   auth.New(map[string]string{"hostA": hash(t, keyA)}, hash(t, adminKey)),
			Rules: session.RuleSet{
				"R1": {Name: "R1", Mode: protocol.ModeSend, RecvDir: filepath.Join(p.dirB, "in")},
			},
			Business: tasks.BusinessFunc(func(_ context.Context, host string, payload []byte) ([]byte, error) {
				return append([]byte(host+":"), payload...), nil
			}),
			Params: testParams(),
		},
	})
	go func() { p.served <- p.b.Serve(context.Background()) }()
	select {
	case <-p.b.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("node B did not start")
	}
	t.Cleanup(func() { p.b.Close() })

	p.a = New(Options{
		Partners: []Partner{{HostID: "hostB", Address: p.b.Addrs()[0], Kind: kind, Key: keyA}},
		Session: session.Options{
			HostID: "hostA",
			Auth:   auth.New(map[string]string{"hostB": hash(t, keyB)}, ""),
			Rules: session.RuleSet{
				"R1": {Name: "R1", Mode: protocol.ModeSend, SendDir: filepath.Join(p.dirA, "out")},
			},
			Params: testParams(),
		},
		Scheduler: scheduler.Config{RetryDelay: time.Millisecond},
	})
	t.Cleanup(func() { p.a.Close() })
	return p
}

func writeFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/testBlock)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return data
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTransferBetweenNodes(t *testing.T) {
	for _, kind := range []transport.Kind{transport.KindTCP, transport.KindQUIC, transport.KindWS} {
		t.Run(string(kind), func(t *testing.T) { testTransferOver(t, kind) })
	}
}

func testTransferOver(t *testing.T, kind transport.Kind) {
	p := newPairOver(t, kind)
	ctx := testContext(t)
	want := writeFile(t, filepath.Join(p.dirA, "out", "a.txt"), 3*testBlock+17)

	e, err := p.a.Transfer(ctx, TransferRequest{Partner: "hostB", Rule: "R1", Filename: "a.txt", ID: 42})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if e.Status != registry.StatusDone || e.ID != 42 {
		t.Fatalf("entry = %s id %d, want done 42", e.Status, e.ID)
	}
	got, err := os.ReadFile(filepath.Join(p.dirB, "in", "a.txt"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("received %d bytes, want %d identical bytes", len(got), len(want))
	}

	// The connection is pooled: a second transfer reuses it.
	writeFile(t, filepath.Join(p.dirA, "out", "b.txt"), testBlock)
	if _, err := p.a.Transfer(ctx, TransferRequest{Partner: "hostB", Rule: "R1", Filename: "b.txt"}); err != nil {
		t.Fatalf("second Transfer: %v", err)
	}
	st, err := p.a.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Connections != 1 || st.ByStatus[registry.StatusDone] != 2 {
		t.Errorf("status = %+v, want one connection and two done transfers", st)
	}
}

func TestSubmittedTransferRunsFromScheduler(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)
	writeFile(t, filepath.Join(p.dirA, "out", "queued.bin"), 2*testBlock)

	e, err := p.a.Submit(ctx, TransferRequest{Partner: "hostB", Rule: "R1", Filename: "queued.bin"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if e.Status != registry.StatusToSubmit {
		t.Fatalf("submitted status = %s", e.Status)
	}
	if n := p.a.Scheduler().Tick(ctx); n != 1 {
		t.Fatalf("Tick started %d, want 1", n)
	}
	p.a.Scheduler().Wait()

	got, err := p.a.Store().Load(ctx, e.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != registry.StatusDone || got.Owner != "" {
		t.Fatalf("entry = %s owner %q, want done and released", got.Status, got.Owner)
	}
}

func TestBlockedNodeRefusesRequests(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)
	writeFile(t, filepath.Join(p.dirA, "out", "a.txt"), testBlock)

	if err := p.a.SendBlock(ctx, "hostB", adminKey, true); err != nil {
		t.Fatalf("SendBlock: %v", err)
	}
	if !p.b.Blocked() {
		t.Fatalf("node B is not blocked")
	}
	e, err := p.a.Transfer(ctx, TransferRequest{Partner: "hostB", Rule: "R1", Filename: "a.txt"})
	if err == nil || !session.Retryable(err) {
		t.Fatalf("Transfer while blocked = %v, want retryable error", err)
	}
	if e.Status != registry.StatusInterrupted || e.Code != protocol.CodeServerOverloaded {
		t.Fatalf("entry = %s code %s, want interrupted ServerOverloaded", e.Status, e.Code)
	}

	if err := p.a.SendBlock(ctx, "hostB", adminKey, false); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	e, err = p.a.Transfer(ctx, TransferRequest{Partner: "hostB", Rule: "R1", Filename: "a.txt", ID: e.ID})
	if err != nil || e.Status != registry.StatusDone {
		t.Fatalf("Transfer after unblock = %s, %v", e.Status, err)
	}
}

func TestBadAdminKeyIsRejected(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)
	err := p.a.SendBlock(ctx, "hostB", []byte("guess"), true)
	if !session.IsKind(err, session.KindAuthentication) {
		t.Fatalf("SendBlock with bad key = %v, want authentication error", err)
	}
	if p.b.Blocked() {
		t.Fatalf("node B blocked by a bad key")
	}
}

func TestBusinessRoundTrip(t *testing.T) {
	p := newPair(t)
	answer, err := p.a.SendBusiness(testContext(t), "hostB", []byte("ping"))
	if err != nil {
		t.Fatalf("SendBusiness: %v", err)
	}
	if string(answer) != "hostA:ping" {
		t.Fatalf("answer = %q", answer)
	}
}

func TestRemoteShutdownStopsNode(t *testing.T) {
	p := newPair(t)
	if err := p.a.SendShutdown(testContext(t), "hostB", adminKey, true); err != nil {
		t.Fatalf("SendShutdown: %v", err)
	}
	select {
	case err := <-p.served:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("Serve = %v, want ErrShutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("node B did not stop")
	}
	if !p.b.RestartRequested() {
		t.Errorf("restart flag lost")
	}
}

func TestTransferRejectsUnknownNames(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)
	if _, err := p.a.Transfer(ctx, TransferRequest{Partner: "hostZ", Rule: "R1", Filename: "a"}); !errors.Is(err, ErrUnknownPartner) {
		t.Errorf("unknown partner = %v", err)
	}
	if _, err := p.a.Transfer(ctx, TransferRequest{Partner: "hostB", Rule: "R9", Filename: "a"}); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("unknown rule = %v", err)
	}
	if _, err := p.a.Transfer(ctx, TransferRequest{Partner: "hostB", Rule: "R1", Filename: "../etc/passwd"}); !errors.Is(err, transfer.ErrInvalidFilename) {
		t.Errorf("escaping filename = %v", err)
	}
}

func TestClosedNodeRefusesWork(t *testing.T) {
	p := newPair(t)
	p.a.Close()
	if _, err := p.a.SendBusiness(context.Background(), "hostB", nil); !errors.Is(err, ErrNodeClosed) {
		t.Fatalf("SendBusiness after Close = %v, want ErrNodeClosed", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HostID = "hostA"
	cfg.Transfer.Hash = "xxhash64"
	cfg.Scheduler.Backoff = "exponential"
	cfg.Partners = []config.PartnerConfig{{HostID: "hostB", Address: "10.0.0.2:6666", Transport: "quic", Key: "k", Encoding: "json", Separator: " "}}
	cfg.Rules = []config.RuleConfig{{Name: "R1", Mode: "RECV_CHK", RecvDir: "/in", Tasks: tasks.Chains{Post: []tasks.Task{{Kind: tasks.KindLog, Args: "done"}}}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	opts, err := OptionsFromConfig(cfg, nil, Extras{})
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	n := New(opts)
	defer n.Close()

	if len(opts.Partners) != 1 || opts.Partners[0].Kind != transport.KindQUIC || opts.Partners[0].Encoding != protocol.EncodingJSON {
		t.Errorf("partners = %+v", opts.Partners)
	}
	r, ok := opts.Session.Rules.Rule("R1")
	if !ok || r.Mode != protocol.ModeRecvChk || r.RecvDir != "/in" {
		t.Errorf("rule = %+v, %v", r, ok)
	}
	if opts.Session.Params.HashAlg != transfer.HashAlgXXHash64 || opts.Session.Params.BlockSize != protocol.DefaultBlockSize {
		t.Errorf("params = %+v", opts.Session.Params)
	}
	if opts.Codec.MinBlockSize != protocol.MinBlockSize || !opts.EnableScheduler {
		t.Errorf("codec = %+v scheduler %v", opts.Codec, opts.EnableScheduler)
	}
	if string(n.sessOpts.Keys["hostB"]) != "k" {
		t.Errorf("presented key = %q", n.sessOpts.Keys["hostB"])
	}
}
