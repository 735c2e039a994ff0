package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/rankflux/internal/registry"
	"github.com/sheerbytes/rankflux/internal/session"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultWorkers    = 4
	DefaultMaxRetries = 5
	DefaultRetryDelay = 30 * time.Second
	DefaultMaxDelay   = 10 * time.Minute
)

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// ParseBackoff maps a configuration value to a Backoff.
func ParseBackoff(s string) (Backoff, error) {
	switch s {
	case "", "fixed":
		return BackoffFixed, nil
	case "exponential":
		return BackoffExponential, nil
	default:
		return BackoffFixed, fmt.Errorf("unknown backoff %q", s)
	}
}

// Config controls the retry loop.
type Config struct {
	Interval   time.Duration
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Backoff    Backoff
	Policy     PolicyConfig
}

func normalizeConfig(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxDelay < cfg.RetryDelay {
		cfg.MaxDelay = max(DefaultMaxDelay, cfg.RetryDelay)
	}
	cfg.Policy = normalizePolicy(cfg.Policy)
	return cfg
}

// Runner executes one claimed transfer. e is owned by owner for the whole
// call; the runner must not release it.
type Runner interface {
	RunTransfer(ctx context.Context, e registry.Entry, owner string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, e registry.Entry, owner string) error

func (f RunnerFunc) RunTransfer(ctx context.Context, e registry.Entry, owner string) error {
	return f(ctx, e, owner)
}

// Scheduler periodically resubmits interrupted and pending initiator
// transfers. Each attempt claims its entry with a fresh owner token, so an
// entry is never driven by two workers or by a worker and a live session.
type Scheduler struct {
	store  registry.Store
	runner Runner
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	slots chan struct{}
	wg    sync.WaitGroup
}

// New returns a Scheduler over store.
func New(store registry.Store, runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	return NewWithNow(store, runner, cfg, logger, time.Now)
}

// NewWithNow is New with an injected clock.
func NewWithNow(store registry.Store, runner Runner, cfg Config, logger *slog.Logger, now func() time.Time) *Scheduler {
	cfg = normalizeConfig(cfg)
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:  store,
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		now:    now,
		slots:  make(chan struct{}, cfg.Workers),
	}
}

// Run ticks until ctx is done, then waits for running attempts.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.Wait()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Wait blocks until every started attempt has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick starts attempts for due entries while worker slots are free and
// returns how many it started.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	due, err := s.store.ListRunnable(ctx, now)
	if err != nil {
		s.logger.Warn("failed to list runnable transfers", "error", err)
		return 0
	}
	s.cfg.Policy.order(due, now)

	started := 0
	for _, e := range due {
		select {
		case s.slots <- struct{}{}:
		default:
			return started
		}
		owner := uuid.NewString()
		claimed, ok, err := s.store.ClaimForRetry(ctx, e.Key, owner, now)
		if err != nil || !ok {
			<-s.slots
			if err != nil {
				s.logger.Warn("failed to claim transfer", "transfer", e.Key.String(), "error", err)
			}
			continue
		}
		started++
		s.wg.Add(1)
		go s.attempt(ctx, claimed, owner)
	}
	return started
}

// Delay returns the wait before attempt number retry (1-based).
func (s *Scheduler) Delay(retry int) time.Duration {
	if s.cfg.Backoff == BackoffFixed || retry <= 1 {
		return min(s.cfg.RetryDelay, s.cfg.MaxDelay)
	}
	d := s.cfg.RetryDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	return d
}

func (s *Scheduler) attempt(ctx context.Context, e registry.Entry, owner string) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := s.store.Release(bg, e.Key, owner); err != nil {
			s.logger.Warn("failed to release transfer", "transfer", e.Key.String(), "error", err)
		}
	}()

	s.logger.Info("retrying transfer", "transfer", e.Key.String(), "attempt", e.RetryCount+1, "rank", e.Rank)
	runErr := s.runner.RunTransfer(ctx, e, owner)

	cur, err := s.store.Load(bg, e.Key)
	if err != nil {
		s.logger.Warn("failed to reload transfer", "transfer", e.Key.String(), "error", err)
		return
	}
	if cur.Status == registry.StatusDone || cur.Status == registry.StatusError {
		return
	}
	if runErr != nil && !session.Retryable(runErr) {
		cur.Status = registry.StatusError
		cur.Message = runErr.Error()
		s.save(bg, cur)
		return
	}
	if runErr == nil && cur.Status != registry.StatusInterrupted {
		return
	}

	cur.RetryCount++
	if cur.RetryCount > s.cfg.MaxRetries {
		cur.Status = registry.StatusError
		cur.Message = fmt.Sprintf("gave up after %d retries: %s", s.cfg.MaxRetries, cur.Message)
		s.logger.Error("transfer retries exhausted",
			"transfer", cur.Key.String(),
			"retries", s.cfg.MaxRetries,
			"code", cur.Code.String(),
		)
		s.save(bg, cur)
		return
	}
	cur.Status = registry.StatusInterrupted
	if cur.Code == 0 {
		cur.Code = protocol.CodeConnectionImpossible
	}
	if runErr != nil && cur.Message == "" {
		cur.Message = runErr.Error()
	}
	cur.NextRetry = s.now().Add(s.Delay(cur.RetryCount))
	s.logger.Info("transfer interrupted, retry scheduled",
		"transfer", cur.Key.String(),
		"retry", cur.RetryCount,
		"next", cur.NextRetry.Format(time.RFC3339),
	)
	s.save(bg, cur)
}

func (s *Scheduler) save(ctx context.Context, e registry.Entry) {
	if err := s.store.Save(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to save transfer", "transfer", e.Key.String(), "error", err)
	}
}
