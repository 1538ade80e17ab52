package correlate

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const (
	DefaultMaxAge        = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Reporter is told about every record that aged out before completing.
type Reporter interface {
	Evicted(Expired)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Expired)

func (f ReporterFunc) Evicted(e Expired) {
	f(e)
}

type SweeperConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
	Reporter Reporter
	// AfterSweep is called after each pass, e.g. to export the store size.
	AfterSweep func(c *Correlator)
	Log        *slog.Logger
}

// Sweeper evicts stale partial records on a fixed interval.
type Sweeper struct {
	c   *Correlator
	cfg SweeperConfig
	log *slog.Logger
}

func NewSweeper(c *Correlator, cfg SweeperConfig) *Sweeper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{
		c:   c,
		cfg: cfg,
		log: log.With("component", "sweeper"),
	}
}

// Run sweeps until ctx is cancelled. It always returns nil.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("Sweeper started", "max_age", s.cfg.MaxAge, "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs a single eviction pass and returns what was removed.
func (s *Sweeper) Sweep() []Expired {
	expired := s.c.Evict(s.cfg.MaxAge)
	for _, e := range expired {
		s.log.Warn("Evicted incomplete record",
			"key", e.Key,
			"age", e.Age,
			"present", e.Present,
			"missing", e.Missing)
		if s.cfg.Reporter != nil {
			s.cfg.Reporter.Evicted(e)
		}
	}
	if s.cfg.AfterSweep != nil {
		s.cfg.AfterSweep(s.c)
	}
	return expired
}
