package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/sheerbytes/rankflux/internal/auth"
	"github.com/sheerbytes/rankflux/internal/bufpool"
	"github.com/sheerbytes/rankflux/internal/config"
	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/scheduler"
	"github.com/sheerbytes/rankflux/internal/session"
	"github.com/sheerbytes/rankflux/internal/shaper"
	"github.com/sheerbytes/rankflux/internal/tasks"
	"github.com/sheerbytes/rankflux/internal/transfer"
	"github.com/sheerbytes/rankflux/internal/transport"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

// Extras are the in-process handlers a program may attach to a node built
// from configuration.
type Extras struct {
	Business tasks.BusinessHandler
	Through  *tasks.Through
}

// NewFromConfig builds a node from a validated configuration.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, extras Extras) (*Node, error) {
	opts, err := OptionsFromConfig(cfg, logger, extras)
	if err != nil {
		return nil, err
	}
	return New(opts), nil
}

// OptionsFromConfig translates a validated configuration into node options.
// The returned options own the registry; Node.Close closes it.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger, extras Extras) (Options, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var store registry.Store
	if cfg.Registry.Path != "" {
		fs, err := registry.OpenFileStore(cfg.Registry.Path)
		if err != nil {
			return Options{}, fmt.Errorf("failed to open registry: %w", err)
		}
		store = fs
	} else {
		store = registry.NewMemoryStore()
	}

	opts, err := optionsFromConfig(cfg, logger, extras, store)
	if err != nil {
		store.Close()
		return Options{}, err
	}
	opts.closers = append(opts.closers, store)
	return opts, nil
}

func optionsFromConfig(cfg *config.Config, logger *slog.Logger, extras Extras, store registry.Store) (Options, error) {
	enc, err := protocol.ParseEncoding(cfg.Protocol.Encoding)
	if err != nil {
		return Options{}, err
	}
	hashAlg, err := transfer.ParseHashAlg(cfg.Transfer.Hash)
	if err != nil {
		return Options{}, err
	}
	backoff, err := scheduler.ParseBackoff(cfg.Scheduler.Backoff)
	if err != nil {
		return Options{}, err
	}

	var listen []Endpoint
	for _, l := range cfg.Listen {
		kind, err := transport.ParseKind(l.Transport)
		if err != nil {
			return Options{}, err
		}
		listen = append(listen, Endpoint{Kind: kind, Addr: l.Addr})
	}

	hashes := make(map[string]string, len(cfg.Partners))
	var partners []Partner
	for _, p := range cfg.Partners {
		kind, err := transport.ParseKind(p.Transport)
		if err != nil {
			return Options{}, err
		}
		penc, err := protocol.ParseEncoding(p.Encoding)
		if err != nil {
			return Options{}, err
		}
		if p.KeyHash != "" {
			hashes[p.HostID] = p.KeyHash
		}
		partners = append(partners, Partner{
			HostID:    p.HostID,
			Address:   p.Address,
			Kind:      kind,
			Key:       []byte(p.Key),
			Encoding:  penc,
			Separator: p.Separator,
		})
	}

	rules := make(session.RuleSet, len(cfg.Rules))
	chains := make(map[string]tasks.Chains, len(cfg.Rules))
	for _, r := range cfg.Rules {
		mode, err := protocol.ParseMode(r.Mode)
		if err != nil {
			return Options{}, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		rules[r.Name] = session.Rule{Name: r.Name, Mode: mode, RecvDir: r.RecvDir, SendDir: r.SendDir}
		chains[r.Name] = r.Tasks
	}

	through := extras.Through
	if through == nil {
		through = tasks.NewThrough()
	}
	global := shaper.New(shaper.Limits{
		Write:         cfg.Limits.GlobalWrite,
		Read:          cfg.Limits.GlobalRead,
		CheckInterval: cfg.Limits.CheckInterval,
	})

	return Options{
		Listen:   listen,
		Partners: partners,
		Session: session.Options{
			HostID:   cfg.HostID,
			Rules:    rules,
			Store:    store,
			Auth:     auth.New(hashes, cfg.AdminHash),
			Hooks:    tasks.NewRunner(chains, logger),
			Through:  through,
			Business: extras.Business,
			Shaper:   global,
			ChannelLimits: shaper.Limits{
				Write:         cfg.Limits.ChannelWrite,
				Read:          cfg.Limits.ChannelRead,
				CheckInterval: cfg.Limits.CheckInterval,
			},
			Params: transfer.Params{
				BlockSize:   cfg.Protocol.BlockSize,
				Window:      cfg.Transfer.Window,
				AckInterval: cfg.Transfer.AckInterval,
				MaxRetries:  cfg.Transfer.BlockRetries,
				RetryDelay:  cfg.Transfer.BlockRetryDelay,
				HashAlg:     hashAlg,
			},
			Buffers:     bufpool.NewSized(4096, protocol.MaxFrameSize+64),
			IdleTimeout: cfg.Transfer.IdleTimeout,
			Logger:      logger,
		},
		Codec: protocol.CodecOptions{
			Encoding:         enc,
			Separator:        cfg.Protocol.Separator,
			DefaultBlockSize: cfg.Protocol.BlockSize,
			MinBlockSize:     cfg.Protocol.MinBlockSize,
		},
		Scheduler: scheduler.Config{
			Interval:   cfg.Scheduler.Interval,
			Workers:    cfg.Scheduler.Workers,
			MaxRetries: cfg.Scheduler.MaxRetries,
			RetryDelay: cfg.Scheduler.RetryDelay,
			MaxDelay:   cfg.Scheduler.MaxDelay,
			Backoff:    backoff,
			Policy: scheduler.PolicyConfig{
				SmallThreshold:  cfg.Scheduler.SmallThreshold,
				MediumThreshold: cfg.Scheduler.MediumThreshold,
				AgingAfter:      cfg.Scheduler.AgingAfter,
			},
		},
		EnableScheduler: cfg.Scheduler.Enabled,
		Logger:          logger,
	}, nil
}
