package tasks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSubstitute(t *testing.T) {
	info := &Info{TransferID: 42, Rule: "R1", RemoteHost: "hostB", Path: "/in/a.txt", OriginalFilename: "dir/a.txt", Mode: "SEND"}
	now := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	got := Substitute("/archive/#RULE#/#DATE#/#TRANSFERID#_#ORIGINALFILENAME#.#REMOTEHOST#", info, now)
	want := "/archive/R1/20240309/42_a.txt.hostB"
	if got != want {
		t.Errorf("Substitute = %s, want %s", got, want)
	}
}

func TestRunnerPostRenameAndCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewRunner(map[string]Chains{
		"R1": {Post: []Task{
			{Kind: KindCopy, Args: filepath.Join(dir, "backup", "#ORIGINALFILENAME#")},
			{Kind: KindRename, Args: filepath.Join(dir, "done", "#TRANSFERID#.txt")},
			{Kind: KindLog, Args: "moved to #TRUEFULLPATH#"},
		}},
	}, nil)
	info := &Info{TransferID: 7, Rule: "R1", Path: src, OriginalFilename: "a.txt"}
	if err := r.RunPost(context.Background(), info); err != nil {
		t.Fatalf("RunPost: %v", err)
	}
	if want := filepath.Join(dir, "done", "7.txt"); info.Path != want {
		t.Errorf("Path = %s, want %s", info.Path, want)
	}
	for _, p := range []string{info.Path, filepath.Join(dir, "backup", "a.txt")} {
		if b, err := os.ReadFile(p); err != nil || string(b) != "payload" {
			t.Errorf("%s: %q, %v", p, b, err)
		}
	}
	if _, err := os.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("source still present after rename")
	}
}

func TestRunnerReportsFailureWithoutPanicking(t *testing.T) {
	r := NewRunner(map[string]Chains{
		"R1": {Pre: []Task{{Kind: KindCopy, Args: "/nonexistent/target"}}},
		"R2": {Pre: []Task{{Kind: "BOGUS"}}},
	}, nil)
	if err := r.RunPre(context.Background(), &Info{Rule: "R1", Path: "/does/not/exist"}); err == nil {
		t.Error("expected copy of missing file to fail")
	}
	if err := r.RunPre(context.Background(), &Info{Rule: "R2"}); err == nil {
		t.Error("expected unknown task to fail")
	}
	if err := r.RunPre(context.Background(), &Info{Rule: "unconfigured"}); err != nil {
		t.Errorf("rule without tasks = %v", err)
	}
	r.RunOnError(context.Background(), &Info{Rule: "R1"}, errors.New("boom"))
}

func TestRunnerRecoversPanic(t *testing.T) {
	r := NewRunner(map[string]Chains{"R1": {Pre: []Task{{Kind: KindLog, Args: "x"}}}}, nil)
	r.now = func() time.Time { panic("clock exploded") }
	err := r.RunPre(context.Background(), &Info{Rule: "R1"})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("RunPre = %v, want recovered panic", err)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" rename "); err != nil || k != KindRename {
		t.Errorf("ParseKind = %s, %v", k, err)
	}
	if _, err := ParseKind("exec"); err == nil {
		t.Error("expected unknown kind to fail")
	}
}

func TestThroughSinkAndSource(t *testing.T) {
	th := NewThrough()
	var got bytes.Buffer
	th.HandleSink("R1", func(ctx context.Context, path string, r io.Reader) error {
		_, err := io.Copy(&got, r)
		return err
	})
	th.HandleSource("R1", func(ctx context.Context, path string, w io.Writer) error {
		_, err := io.WriteString(w, "from "+path)
		return err
	})
	ctx := context.Background()

	w, err := th.Sink(ctx, "R1", "x")
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	io.WriteString(w, "hello ")
	io.WriteString(w, "through")
	if err := w.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}
	if got.String() != "hello through" {
		t.Errorf("sink got %q", got.String())
	}

	rc, err := th.Source(ctx, "R1", "y")
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "from y" {
		t.Errorf("source produced %q", b)
	}
	if _, err := th.Sink(ctx, "R9", "z"); err == nil {
		t.Error("expected missing sink to fail")
	}
}

func TestThroughSinkError(t *testing.T) {
	th := NewThrough()
	th.HandleSink("R1", func(ctx context.Context, path string, r io.Reader) error {
		return errors.New("rejected")
	})
	w, _ := th.Sink(context.Background(), "R1", "x")
	if err := w.Close(); err == nil || err.Error() != "rejected" {
		t.Fatalf("Close = %v, want handler error", err)
	}
}
