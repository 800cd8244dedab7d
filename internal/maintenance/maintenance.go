// Package maintenance runs housekeeping on cron schedules: pruning expired
// dedup keys, forgetting identities nobody subscribes to, and compacting the
// store.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"steamwatch/internal/metrics"
	"steamwatch/internal/presence"
	logx "steamwatch/pkg/logx"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

const (
	JobPruneDedup = "prune_dedup"
	JobForget     = "forget"
	JobCompact    = "compact"
)

// Config holds one cron spec per job; an empty spec disables the job.
// Specs accept 5 or 6 fields and descriptors such as "@hourly".
type Config struct {
	Enabled    bool
	Timezone   string
	PruneDedup string
	Forget     string
	Compact    string
	Timeout    time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

type Store interface {
	PruneDedup(ctx context.Context, now time.Time) (int, error)
	Compact(ctx context.Context) error
}

type Forgetter interface {
	Forget(ctx context.Context) ([]presence.Identity, error)
}

type Service struct {
	log    logx.Logger
	clock  clockwork.Clock
	store  Store
	forget Forgetter
	parser cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, store Store, forget Forgetter, clock clockwork.Clock, log logx.Logger) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		clock:  clock,
		store:  store,
		forget: forget,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks the specs and timezone without starting anything.
func (s *Service) Validate(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for job, spec := range specs(cfg) {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("maintenance.%s: %w", job, err)
		}
	}
	return nil
}

func specs(cfg Config) map[string]string {
	return map[string]string{
		JobPruneDedup: cfg.PruneDedup,
		JobForget:     cfg.Forget,
		JobCompact:    cfg.Compact,
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("maintenance.timezone: %w", err)
	}
	return loc, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	cfg := s.cfg
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	n := 0
	for job, spec := range specs(cfg) {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		job := job
		if _, err := c.AddFunc(spec, func() { _ = s.Run(context.WithoutCancel(ctx), job) }); err != nil {
			return fmt.Errorf("maintenance.%s: %w", job, err)
		}
		n++
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", n))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// Apply swaps the config and re-registers jobs when running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg.defaults()
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.c
	s.c = nil
	s.cfg = cfg
	s.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}
	if !cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked(ctx)
}

// Run executes one job now.
func (s *Service) Run(ctx context.Context, job string) error {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.clock.Now()
	log := s.log.With(logx.String("job", job))
	var (
		n   int
		err error
	)
	switch job {
	case JobPruneDedup:
		n, err = s.store.PruneDedup(ctx, start)
	case JobForget:
		var gone []presence.Identity
		gone, err = s.forget.Forget(ctx)
		n = len(gone)
	case JobCompact:
		err = s.store.Compact(ctx)
	default:
		err = fmt.Errorf("unknown maintenance job %q", job)
	}

	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(job, "error").Inc()
		log.Warn("maintenance job failed", logx.Err(err))
		return err
	}
	metrics.MaintenanceRuns.WithLabelValues(job, "ok").Inc()
	log.Info("maintenance job done", logx.Int("affected", n), logx.Duration("took", s.clock.Since(start)))
	return nil
}
