package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
)

// Kind names a task implementation.
type Kind string

const (
	KindLog    Kind = "LOG"
	KindRename Kind = "RENAME"
	KindCopy   Kind = "COPY"
)

// Task is one configured step, e.g. {RENAME, "/archive/#RULE#/#ORIGINALFILENAME#"}.
type Task struct {
	Kind Kind   `mapstructure:"type" json:"type"`
	Args string `mapstructure:"args" json:"args"`
}

// Chains holds the task lists of one rule.
type Chains struct {
	Pre   []Task `mapstructure:"pre" json:"pre,omitempty"`
	Post  []Task `mapstructure:"post" json:"post,omitempty"`
	Error []Task `mapstructure:"error" json:"error,omitempty"`
}

// ParseKind validates a configured task type.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindLog, KindRename, KindCopy:
		return k, nil
	default:
		return "", fmt.Errorf("unknown task type %q", s)
	}
}

// Info is the view of a session that tasks operate on. RENAME updates Path.
type Info struct {
	TransferID       int64
	Rule             string
	Mode             string
	RemoteHost       string
	Requester        bool
	Path             string
	OriginalFilename string
	Size             int64
}

// Hooks are invoked by a session at negotiation, completion and error.
type Hooks interface {
	RunPre(ctx context.Context, info *Info) error
	RunPost(ctx context.Context, info *Info) error
	RunOnError(ctx context.Context, info *Info, cause error)
}

// Runner executes configured task chains per rule.
type Runner struct {
	chains map[string]Chains
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner returns a Runner for the given rule chains.
func NewRunner(chains map[string]Chains, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{chains: chains, logger: logger, now: time.Now}
}

func (r *Runner) RunPre(ctx context.Context, info *Info) error {
	return r.run(ctx, "pre", r.chains[info.Rule].Pre, info)
}

func (r *Runner) RunPost(ctx context.Context, info *Info) error {
	return r.run(ctx, "post", r.chains[info.Rule].Post, info)
}

// RunOnError runs the error chain; its own failures are only logged.
func (r *Runner) RunOnError(ctx context.Context, info *Info, cause error) {
	if err := r.run(ctx, "error", r.chains[info.Rule].Error, info); err != nil {
		r.logger.Warn("error tasks failed", "transfer_id", info.TransferID, "rule", info.Rule, "cause", cause, "error", err)
	}
}

func (r *Runner) run(ctx context.Context, phase string, chain []Task, info *Info) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panic", "phase", phase, "transfer_id", info.TransferID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s task panic: %v", phase, p)
		}
	}()
	for i, t := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.exec(t, info); err != nil {
			return fmt.Errorf("%s task %d (%s): %w", phase, i, t.Kind, err)
		}
	}
	return nil
}

func (r *Runner) exec(t Task, info *Info) error {
	arg := Substitute(t.Args, info, r.now())
	switch t.Kind {
	case KindLog:
		r.logger.Info(arg, "transfer_id", info.TransferID, "rule", info.Rule, "remote", info.RemoteHost)
		return nil
	case KindRename:
		if err := moveFile(info.Path, arg); err != nil {
			return err
		}
		info.Path = arg
		return nil
	case KindCopy:
		return copyFile(info.Path, arg)
	default:
		return fmt.Errorf("unknown task type %q", t.Kind)
	}
}

// Substitute expands #...# placeholders in s.
func Substitute(s string, info *Info, now time.Time) string {
	if !strings.Contains(s, "#") {
		return s
	}
	return strings.NewReplacer(
		"#TRUEFULLPATH#", info.Path,
		"#FILENAME#", filepath.Base(info.Path),
		"#ORIGINALFILENAME#", filepath.Base(info.OriginalFilename),
		"#TRANSFERID#", strconv.FormatInt(info.TransferID, 10),
		"#REMOTEHOST#", info.RemoteHost,
		"#RULE#", info.Rule,
		"#MODE#", info.Mode,
		"#DATE#", now.Format("20060102"),
		"#HOUR#", now.Format("150405"),
	).Replace(s)
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	return out.Close()
}
