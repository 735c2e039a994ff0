// Package cli implements the rank client commands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sheerbytes/rankflux/internal/app"
	"github.com/sheerbytes/rankflux/internal/config"
	"github.com/sheerbytes/rankflux/internal/logging"
	"github.com/sheerbytes/rankflux/internal/registry"
)

// Version is printed by -version.
const Version = "v0.1.0"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *runEnv, args []string) error
}

var commands = []command{
	{"send", "run a transfer now: -partner P -rule R -file NAME [-path LOCAL] [-id N]", runSend},
	{"submit", "queue a transfer for the scheduler: same flags as send", runSubmit},
	{"business", "send a business payload: -partner P -payload TEXT", runBusiness},
	{"block", "refuse new requests on a partner: -partner P -admin-key K", runBlock(true)},
	{"unblock", "accept requests again: -partner P -admin-key K", runBlock(false)},
	{"shutdown", "stop a partner node: -partner P -admin-key K [-restart]", runShutdown},
	{"list", "list transfers in the local registry", runList},
}

// errUsage marks argument errors; Run exits with status 2 for them.
var errUsage = errors.New("usage")

type runEnv struct {
	stdout io.Writer
	stderr io.Writer
}

// Run executes one command and returns the process exit status.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	env := &runEnv{stdout: stdout, stderr: stderr}
	if len(args) == 0 || hasHelpFlag(args[:1]) {
		env.usage()
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	if args[0] == "-version" || args[0] == "--version" {
		fmt.Fprintln(stdout, Version)
		return 0
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		err := c.run(ctx, env, args[1:])
		switch {
		case err == nil:
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 0
		case errors.Is(err, errUsage):
			fmt.Fprintf(stderr, "%s: %v\n", c.name, err)
			return 2
		default:
			fmt.Fprintf(stderr, "%s failed: %v\n", c.name, err)
			return 1
		}
	}
	fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
	env.usage()
	return 2
}

func (e *runEnv) usage() {
	fmt.Fprintln(e.stderr, "usage: rank <command> [flags]")
	fmt.Fprintln(e.stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(e.stderr, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(e.stderr, "common flags: -config FILE -log-level LEVEL -host-id ID")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "help" {
			return true
		}
	}
	return false
}

// common parses the shared flags plus the command's own and loads the
// configuration.
type common struct {
	fs    *flag.FlagSet
	flags config.Flags
	cfg   *config.Config
}

func newCommon(name string, env *runEnv) *common {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return &common{fs: fs}
}

func (c *common) parse(args []string) error {
	f, err := config.ParseFlags(c.fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	c.flags = f
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Apply(f); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *common) node() (*app.Node, error) {
	logger := logging.NewWithOptions(logging.Options{
		App:        "rank",
		Level:      c.cfg.Log.Level,
		Format:     c.cfg.Log.Format,
		File:       c.cfg.Log.File,
		MaxSizeMB:  c.cfg.Log.MaxSizeMB,
		MaxBackups: c.cfg.Log.MaxBackups,
		MaxAgeDays: c.cfg.Log.MaxAgeDays,
		Compress:   c.cfg.Log.Compress,
	})
	return app.NewFromConfig(c.cfg, logger, app.Extras{})
}

func transferFlags(c *common) *app.TransferRequest {
	req := &app.TransferRequest{}
	c.fs.StringVar(&req.Partner, "partner", "", "partner host id")
	c.fs.StringVar(&req.Rule, "rule", "", "rule name")
	c.fs.StringVar(&req.Filename, "file", "", "file name as known to the partner")
	c.fs.StringVar(&req.Path, "path", "", "local file (default: inside the rule directory)")
	c.fs.Int64Var(&req.ID, "id", 0, "transfer id (default: next free id)")
	c.fs.IntVar(&req.BlockSize, "block-size", 0, "block size in bytes")
	c.fs.StringVar(&req.FileInfo, "info", "", "free-form file information")
	return req
}

func checkTransfer(req *app.TransferRequest) error {
	var missing []string
	if req.Partner == "" {
		missing = append(missing, "-partner")
	}
	if req.Rule == "" {
		missing = append(missing, "-rule")
	}
	if req.Filename == "" {
		missing = append(missing, "-file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", errUsage, strings.Join(missing, ", "))
	}
	return nil
}

func runSend(ctx context.Context, env *runEnv, args []string) error {
	c := newCommon("send", env)
	req := transferFlags(c)
	if err := c.parse(args); err != nil {
		return err
	}
	if err := checkTransfer(req); err != nil {
		return err
	}
	n, err := c.node()
	if err != nil {
		return err
	}
	defer n.Close()

	start := time.Now()
	e, err := n.Transfer(ctx, *req)
	if err != nil {
		if e.ID == 0 {
			return err
		}
		return fmt.Errorf("transfer %s left %s at rank %d: %w", e.Key.String(), e.Status, e.Rank, err)
	}
	fmt.Fprintf(env.stdout, "transfer %s %s rank=%d bytes=%d elapsed=%s\n",
		e.Key.String(), e.Status, e.Rank, e.OriginalSize, time.Since(start).Round(time.Millisecond))
	return nil
}

func runSubmit(ctx context.Context, env *runEnv, args []string) error {
	c := newCommon("submit", env)
	req := transferFlags(c)
	if err := c.parse(args); err != nil {
		return err
	}
	if err := checkTransfer(req); err != nil {
		return err
	}
	n, err := c.node()
	if err != nil {
		return err
	}
	defer n.Close()
	e, err := n.Submit(ctx, *req)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "submitted %s\n", e.Key.String())
	return nil
}

func runBusiness(ctx context.Context, env *runEnv, args []string) error {
	c := newCommon("business", env)
	partner := c.fs.String("partner", "", "partner host id")
	payload := c.fs.String("payload", "", "payload text")
	if err := c.parse(args); err != nil {
		return err
	}
	if *partner == "" {
		return fmt.Errorf("%w: missing -partner", errUsage)
	}
	n, err := c.node()
	if err != nil {
		return err
	}
	defer n.Close()
	answer, err := n.SendBusiness(ctx, *partner, []byte(*payload))
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "%s\n", answer)
	return nil
}

func adminFlags(c *common) (*string, *string) {
	partner := c.fs.String("partner", "", "partner host id")
	key := c.fs.String("admin-key", os.Getenv("RANKFLUX_ADMIN_KEY"), "administrator key of the partner")
	return partner, key
}

func checkAdmin(partner, key string) error {
	if partner == "" || key == "" {
		return fmt.Errorf("%w: -partner and -admin-key are required", errUsage)
	}
	return nil
}

func runBlock(block bool) func(context.Context, *runEnv, []string) error {
	name := "unblock"
	if block {
		name = "block"
	}
	return func(ctx context.Context, env *runEnv, args []string) error {
		c := newCommon(name, env)
		partner, key := adminFlags(c)
		if err := c.parse(args); err != nil {
			return err
		}
		if err := checkAdmin(*partner, *key); err != nil {
			return err
		}
		n, err := c.node()
		if err != nil {
			return err
		}
		defer n.Close()
		if err := n.SendBlock(ctx, *partner, []byte(*key), block); err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "%s: %sed\n", *partner, name)
		return nil
	}
}

func runShutdown(ctx context.Context, env *runEnv, args []string) error {
	c := newCommon("shutdown", env)
	partner, key := adminFlags(c)
	restart := c.fs.Bool("restart", false, "ask the partner to restart")
	if err := c.parse(args); err != nil {
		return err
	}
	if err := checkAdmin(*partner, *key); err != nil {
		return err
	}
	n, err := c.node()
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.SendShutdown(ctx, *partner, []byte(*key), *restart); err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "%s: shutdown accepted\n", *partner)
	return nil
}

func runList(ctx context.Context, env *runEnv, args []string) error {
	c := newCommon("list", env)
	status := c.fs.String("status", "", "only show transfers in this status")
	if err := c.parse(args); err != nil {
		return err
	}
	if c.cfg.Registry.Path == "" {
		return fmt.Errorf("%w: registry.path is not configured", errUsage)
	}
	store, err := registry.OpenFileStore(c.cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREQUESTER\tREQUESTED\tRULE\tFILE\tSTATUS\tRANK\tRETRIES\tCODE")
	for _, e := range entries {
		if *status != "" && string(e.Status) != *status {
			continue
		}
		code := ""
		if e.Code != 0 {
			code = e.Code.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.Requester, e.Requested, e.Rule, e.Filename, e.Status, e.Rank, e.RetryCount, code)
	}
	return tw.Flush()
}
