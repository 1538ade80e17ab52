// Package emit publishes completed composites. Composites are staged in an
// outbox before the correlator drops their partial record, so a failed
// publish is retried instead of lost.
package emit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/internal/metrics"
	"github.com/cenkalti/backoff/v4"
)

var ErrEncode = errors.New("emit: encode composite")

const (
	DefaultSource          = "kcorrelate"
	DefaultSubject         = "CompositeReady"
	DefaultMaxRetries      = 5
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultRedriveInterval = 10 * time.Second
)

// OutboundMessage is what a Publisher puts on the wire.
type OutboundMessage struct {
	ID            string
	CorrelationID string
	Subject       string
	ContentType   string
	Body          []byte
	Properties    map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, msg OutboundMessage) error
}

// Encoder turns a composite into the data of the outgoing event.
type Encoder func(correlate.Composite) (any, error)

type SinkConfig struct {
	Encoder Encoder
	// Source and Subject become the CloudEvents source and type.
	Source  string
	Subject string
	// Origin is added as the "origin" property of every message.
	Origin          string
	MaxRetries      uint64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RedriveInterval time.Duration
	Log             *slog.Logger
}

// Sink is the emission side of the correlator. It implements
// correlate.Stager.
type Sink struct {
	pub    Publisher
	cfg    SinkConfig
	outbox *Outbox
	log    *slog.Logger
}

func NewSink(pub Publisher, cfg SinkConfig) *Sink {
	if cfg.Encoder == nil {
		cfg.Encoder = DefaultEncoder
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Origin == "" {
		cfg.Origin = cfg.Source
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.RedriveInterval <= 0 {
		cfg.RedriveInterval = DefaultRedriveInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Sink{
		pub:    pub,
		cfg:    cfg,
		outbox: NewOutbox(),
		log:    log.With("component", "sink"),
	}
}

// Stage write-ahead logs c into the outbox. It only touches memory.
func (s *Sink) Stage(c correlate.Composite) {
	s.outbox.Stage(c)
}

// Publish sends c, retrying with exponential backoff. On success the outbox
// entry is removed; on failure it stays staged for the redrive loop. If
// another goroutine is already publishing the key, Publish returns nil and
// the staged c is left to the redrive loop.
func (s *Sink) Publish(ctx context.Context, c correlate.Composite) error {
	if !s.outbox.Claim(c) {
		return nil
	}
	return s.publishClaimed(ctx, c)
}

func (s *Sink) publishClaimed(ctx context.Context, c correlate.Composite) error {
	defer metrics.SetStagedComposites(s.outbox.Len())

	msg, err := s.encode(c)
	if err != nil {
		s.outbox.Remove(c.Key)
		s.log.Error("Dropping composite that cannot be encoded", "key", c.Key, "error", err)
		return err
	}

	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := s.pub.Publish(ctx, msg); err != nil {
			s.log.Warn("Publish failed", "key", c.Key, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.cfg.MaxRetries), ctx))

	metrics.Published(err == nil, time.Since(start).Seconds())
	if err != nil {
		s.outbox.Release(c.Key)
		return fmt.Errorf("publish composite %s: %w", c.Key, err)
	}

	s.outbox.Remove(c.Key)
	s.log.Info("Published composite", "key", c.Key, "attempts", attempt)
	return nil
}

// Redrive publishes staged composites that nobody is currently publishing and
// that were staged at least one redrive interval ago. It returns the number
// published.
func (s *Sink) Redrive(ctx context.Context) int {
	published := 0
	for _, c := range s.outbox.ClaimStale(time.Now().Add(-s.cfg.RedriveInterval)) {
		if err := s.publishClaimed(ctx, c); err != nil {
			s.log.Error("Redrive failed", "key", c.Key, "attempts", s.outbox.Attempts(c.Key), "error", err)
			continue
		}
		published++
	}
	return published
}

// Run redrives the outbox until ctx is cancelled. It always returns nil.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RedriveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := s.outbox.Len(); n > 0 {
				s.log.Warn("Stopping with unpublished composites", "count", n)
			}
			return nil
		case <-ticker.C:
			if n := s.Redrive(ctx); n > 0 {
				s.log.Info("Redrove staged composites", "count", n)
			}
		}
	}
}

// Pending returns the number of staged, unpublished composites.
func (s *Sink) Pending() int {
	return s.outbox.Len()
}
