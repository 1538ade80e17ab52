// Package config loads the kcorrelate configuration from a YAML file and
// KCORRELATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/birdayz/kcorrelate"
	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/emit"
	"github.com/birdayz/kcorrelate/fulfillment"
	"github.com/birdayz/kcorrelate/internal/execution"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "KCORRELATE_"

type Config struct {
	Brokers       []string         `yaml:"brokers"`
	Group         string           `yaml:"group"`
	Streams       []Stream         `yaml:"streams"`
	RequiredKinds []correlate.Kind `yaml:"requiredKinds"`
	OutputTopic   string           `yaml:"outputTopic"`
	DLQTopic      string           `yaml:"dlqTopic"`

	MaxAge             time.Duration `yaml:"maxAge"`
	SweepInterval      time.Duration `yaml:"sweepInterval"`
	CompletedRetention time.Duration `yaml:"completedRetention"`

	Concurrency     int           `yaml:"concurrency"`
	PollTimeout     time.Duration `yaml:"pollTimeout"`
	RecordTimeout   time.Duration `yaml:"recordTimeout"`
	MaxPollRecords  int           `yaml:"maxPollRecords"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	Publish      Publish      `yaml:"publish"`
	CreateTopics CreateTopics `yaml:"createTopics"`

	// Fulfillment decodes order, inventory and payment events into their
	// typed form and emits FulfillmentReady composites.
	Fulfillment bool `yaml:"fulfillment"`

	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`
}

type Stream struct {
	Kind  correlate.Kind `yaml:"kind"`
	Topic string         `yaml:"topic"`
	Group string         `yaml:"group"`
}

type Publish struct {
	MaxRetries      uint64        `yaml:"maxRetries"`
	InitialBackoff  time.Duration `yaml:"initialBackoff"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	RedriveInterval time.Duration `yaml:"redriveInterval"`
}

type CreateTopics struct {
	Enabled           bool  `yaml:"enabled"`
	Partitions        int32 `yaml:"partitions"`
	ReplicationFactor int16 `yaml:"replicationFactor"`
}

// Default returns built-in defaults: the order, inventory and payment
// streams of the fulfillment pipeline.
func Default() Config {
	return Config{
		Brokers: []string{"localhost:9092"},
		Group:   "kcorrelate",
		Streams: []Stream{
			{Kind: correlate.KindOrder, Topic: "orders"},
			{Kind: correlate.KindInventory, Topic: "inventory"},
			{Kind: correlate.KindPayment, Topic: "payments"},
		},
		OutputTopic:        "fulfillment-ready",
		DLQTopic:           "correlator-dlq",
		MaxAge:             correlate.DefaultMaxAge,
		SweepInterval:      correlate.DefaultSweepInterval,
		CompletedRetention: correlate.DefaultCompletedRetention,
		Concurrency:        execution.DefaultConcurrency,
		PollTimeout:        execution.DefaultPollTimeout,
		MaxPollRecords:     execution.DefaultMaxPollRecords,
		ShutdownTimeout:    execution.DefaultShutdownTimeout,
		Publish: Publish{
			MaxRetries:      emit.DefaultMaxRetries,
			InitialBackoff:  emit.DefaultInitialBackoff,
			MaxBackoff:      emit.DefaultMaxBackoff,
			RedriveInterval: emit.DefaultRedriveInterval,
		},
		CreateTopics: CreateTopics{
			Partitions:        1,
			ReplicationFactor: 1,
		},
		Fulfillment: true,
		LogLevel:    "info",
		MetricsAddr: ":9090",
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KCORRELATE_* variables. Streams are bound
// with KCORRELATE_STREAM_<KIND>=<topic>.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	if v, ok := lookup(EnvPrefix + "BROKERS"); ok && v != "" {
		c.Brokers = splitList(v)
	}
	str("GROUP", &c.Group)
	str("OUTPUT_TOPIC", &c.OutputTopic)
	str("DLQ_TOPIC", &c.DLQTopic)
	str("LOG_LEVEL", &c.LogLevel)
	str("METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup(EnvPrefix + "REQUIRED_KINDS"); ok && v != "" {
		c.RequiredKinds = nil
		for _, k := range splitList(v) {
			c.RequiredKinds = append(c.RequiredKinds, correlate.Kind(k))
		}
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"MAX_AGE", &c.MaxAge},
		{"SWEEP_INTERVAL", &c.SweepInterval},
		{"COMPLETED_RETENTION", &c.CompletedRetention},
		{"POLL_TIMEOUT", &c.PollTimeout},
		{"RECORD_TIMEOUT", &c.RecordTimeout},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	} {
		if err := dur(d.name, d.dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCONCURRENCY: %w", EnvPrefix, err)
		}
		c.Concurrency = n
	}

	for _, kind := range []correlate.Kind{correlate.KindOrder, correlate.KindInventory, correlate.KindPayment} {
		if v, ok := lookup(EnvPrefix + "STREAM_" + strings.ToUpper(string(kind))); ok && v != "" {
			c.setStream(kind, v)
		}
	}
	for _, kind := range c.RequiredKinds {
		if v, ok := lookup(EnvPrefix + "STREAM_" + strings.ToUpper(string(kind))); ok && v != "" {
			c.setStream(kind, v)
		}
	}
	return nil
}

func (c *Config) setStream(kind correlate.Kind, topic string) {
	for i := range c.Streams {
		if c.Streams[i].Kind == kind {
			c.Streams[i].Topic = topic
			return
		}
	}
	c.Streams = append(c.Streams, Stream{Kind: kind, Topic: topic})
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers: at least one broker is required"))
	}
	if len(c.Streams) == 0 {
		errs = append(errs, errors.New("streams: at least one stream is required"))
	}
	seen := map[correlate.Kind]bool{}
	for i, s := range c.Streams {
		if s.Kind == "" {
			errs = append(errs, fmt.Errorf("streams[%d]: kind is required", i))
		}
		if s.Topic == "" {
			errs = append(errs, fmt.Errorf("streams[%d]: topic is required", i))
		}
		if seen[s.Kind] {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate kind %q", i, s.Kind))
		}
		seen[s.Kind] = true
	}
	for _, k := range c.RequiredKinds {
		if !seen[k] {
			errs = append(errs, fmt.Errorf("requiredKinds: %q has no stream", k))
		}
	}
	if c.Fulfillment {
		required := c.RequiredKinds
		if len(required) == 0 {
			for _, s := range c.Streams {
				required = append(required, s.Kind)
			}
		}
		if missing := fulfillment.MissingKinds(correlate.NewKindSet(required...)); len(missing) > 0 {
			errs = append(errs, fmt.Errorf("fulfillment: required kinds lack %v", missing))
		}
	}
	if c.OutputTopic == "" {
		errs = append(errs, errors.New("outputTopic is required"))
	}
	if c.DLQTopic == "" {
		errs = append(errs, errors.New("dlqTopic is required"))
	}
	if c.MaxAge <= 0 {
		errs = append(errs, errors.New("maxAge must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweepInterval must be positive"))
	}
	if c.CompletedRetention < 0 {
		errs = append(errs, errors.New("completedRetention must not be negative"))
	}
	if c.RecordTimeout < 0 {
		errs = append(errs, errors.New("recordTimeout must not be negative"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}
	return multierr.Combine(errs...)
}

// AppOptions translates the configuration into App options.
func (c Config) AppOptions(log *slog.Logger) []kcorrelate.Option {
	opts := []kcorrelate.Option{
		kcorrelate.WithLog(log),
		kcorrelate.WithBrokers(c.Brokers),
		kcorrelate.WithGroup(c.Group),
		kcorrelate.WithOutputTopic(c.OutputTopic),
		kcorrelate.WithDLQTopic(c.DLQTopic),
		kcorrelate.WithMaxAge(c.MaxAge),
		kcorrelate.WithSweepInterval(c.SweepInterval),
		kcorrelate.WithCompletedRetention(c.CompletedRetention),
		kcorrelate.WithConcurrency(c.Concurrency),
		kcorrelate.WithPollTimeout(c.PollTimeout),
		kcorrelate.WithRecordTimeout(c.RecordTimeout),
		kcorrelate.WithMaxPollRecords(c.MaxPollRecords),
		kcorrelate.WithShutdownTimeout(c.ShutdownTimeout),
		kcorrelate.WithPublishRetry(c.Publish.MaxRetries, c.Publish.InitialBackoff, c.Publish.MaxBackoff),
		kcorrelate.WithRedriveInterval(c.Publish.RedriveInterval),
	}
	for _, s := range c.Streams {
		opts = append(opts, kcorrelate.WithStream(s.Kind, s.Topic, s.Group))
	}
	if len(c.RequiredKinds) > 0 {
		opts = append(opts, kcorrelate.WithRequiredKinds(c.RequiredKinds...))
	}
	if c.Fulfillment {
		opts = append(opts, kcorrelate.WithFulfillment())
	}
	if c.CreateTopics.Enabled {
		opts = append(opts, kcorrelate.WithCreateTopics(c.CreateTopics.Partitions, c.CreateTopics.ReplicationFactor))
	}
	return opts
}
