// Package kcorrelate joins events from several Kafka topics that share a
// correlation key and publishes one composite event per key.
package kcorrelate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/emit"
	"github.com/birdayz/kcorrelate/fulfillment"
	"github.com/birdayz/kcorrelate/ingest"
	"github.com/birdayz/kcorrelate/internal/execution"
	"github.com/birdayz/kcorrelate/internal/metrics"
	"github.com/birdayz/kcorrelate/kserde"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoStreams           = errors.New("kcorrelate: at least one stream is required")
	ErrMissingStream       = errors.New("kcorrelate: required kind has no stream")
	ErrOutputTopicRequired = errors.New("kcorrelate: WithOutputTopic() is required")
	ErrDLQTopicRequired    = errors.New("kcorrelate: WithDLQTopic() is required")
	ErrAlreadyRunning      = errors.New("kcorrelate: app is already running")
	ErrFulfillmentKinds    = errors.New("kcorrelate: WithFulfillment() requires the order, inventory and payment kinds")
)

// Stream binds a kind to the topic it is consumed from.
type Stream struct {
	Kind  correlate.Kind
	Topic string
	// Group is the consumer group of the stream. Empty means "<group>-<kind>".
	Group string
}

type App struct {
	brokers []string
	group   string
	streams []Stream

	required *correlate.KindSet

	outputTopic string
	dlqTopic    string

	maxAge             time.Duration
	sweepInterval      time.Duration
	completedRetention time.Duration

	concurrency     int
	pollTimeout     time.Duration
	recordTimeout   time.Duration
	maxPollRecords  int
	shutdownTimeout time.Duration

	decoders     map[correlate.Kind]kserde.Deserializer[any]
	fulfillment  bool
	sink         emit.SinkConfig
	errorHandler execution.ErrorHandler

	createTopics      bool
	partitions        int32
	replicationFactor int16

	clientOpts []kgo.Opt

	log *slog.Logger

	mu      sync.Mutex
	running bool
	workers []*execution.Worker
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new correlator application.
// Returns an error if the configuration is invalid.
func New(opts ...Option) (*App, error) {
	s := &App{
		brokers:            []string{"localhost:9092"},
		group:              "kcorrelate",
		maxAge:             correlate.DefaultMaxAge,
		sweepInterval:      correlate.DefaultSweepInterval,
		completedRetention: correlate.DefaultCompletedRetention,
		concurrency:        execution.DefaultConcurrency,
		pollTimeout:        execution.DefaultPollTimeout,
		maxPollRecords:     execution.DefaultMaxPollRecords,
		shutdownTimeout:    execution.DefaultShutdownTimeout,
		decoders:           map[correlate.Kind]kserde.Deserializer[any]{},
		partitions:         1,
		replicationFactor:  1,
		log:                NullLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// MustNew creates a new application, panicking on configuration errors.
func MustNew(opts ...Option) *App {
	app, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return app
}

func (s *App) validate() error {
	if len(s.streams) == 0 {
		return ErrNoStreams
	}
	if s.outputTopic == "" {
		return ErrOutputTopicRequired
	}
	if s.dlqTopic == "" {
		return ErrDLQTopicRequired
	}
	for _, st := range s.streams {
		if st.Topic == "" {
			return fmt.Errorf("kcorrelate: stream %s has no topic", st.Kind)
		}
	}
	required := s.Required()
	for _, kind := range required.Kinds() {
		if _, ok := s.stream(kind); !ok {
			return fmt.Errorf("%w: %s", ErrMissingStream, kind)
		}
	}
	if s.fulfillment {
		if missing := fulfillment.MissingKinds(required); len(missing) > 0 {
			return fmt.Errorf("%w: missing %v", ErrFulfillmentKinds, missing)
		}
	}
	return nil
}

func (s *App) stream(kind correlate.Kind) (Stream, bool) {
	for _, st := range s.streams {
		if st.Kind == kind {
			return st, true
		}
	}
	return Stream{}, false
}

// Required returns the kinds every composite is made of.
func (s *App) Required() correlate.KindSet {
	if s.required != nil {
		return *s.required
	}
	kinds := make([]correlate.Kind, 0, len(s.streams))
	for _, st := range s.streams {
		kinds = append(kinds, st.Kind)
	}
	return correlate.NewKindSet(kinds...)
}

// Streams returns the configured streams with their effective groups.
func (s *App) Streams() []Stream {
	out := make([]Stream, 0, len(s.streams))
	for _, st := range s.streams {
		if st.Group == "" {
			st.Group = fmt.Sprintf("%s-%s", s.group, st.Kind)
		}
		out = append(out, st)
	}
	return out
}

// RecordTimeout returns the per-record handling deadline. Zero means none.
func (s *App) RecordTimeout() time.Duration {
	return s.recordTimeout
}

// Topics returns every topic the application reads or writes.
func (s *App) Topics() []string {
	topics := make([]string, 0, len(s.streams)+2)
	for _, st := range s.streams {
		topics = append(topics, st.Topic)
	}
	return append(topics, s.outputTopic, s.dlqTopic)
}

// Run blocks until it's exited, either by an error or by a graceful shutdown
// triggered by a call to Close or by cancelling ctx.
func (s *App) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	defer close(s.done)
	defer cancel()

	producer, err := kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(s.brokers...)}, s.clientOpts...)...)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()

	if s.createTopics {
		if err := CreateTopics(ctx, producer, s.partitions, s.replicationFactor, s.Topics()...); err != nil {
			return err
		}
	}

	sinkCfg := s.sink
	sinkCfg.Log = s.log
	sink := emit.NewSink(emit.NewKafkaPublisher(producer, s.outputTopic), sinkCfg)

	correlator := correlate.New(s.Required(),
		correlate.WithStager(sink),
		correlate.WithCompletedRetention(s.completedRetention),
		correlate.WithLog(s.log),
	)

	sweeper := correlate.NewSweeper(correlator, correlate.SweeperConfig{
		MaxAge:   s.maxAge,
		Interval: s.sweepInterval,
		Reporter: correlate.ReporterFunc(func(e correlate.Expired) {
			missing := make([]string, 0, len(e.Missing))
			for _, k := range e.Missing {
				missing = append(missing, string(k))
			}
			metrics.Evicted(missing)
		}),
		AfterSweep: func(c *correlate.Correlator) {
			metrics.SetPartialRecords(c.Len())
		},
		Log: s.log,
	})

	workers := make([]*execution.Worker, 0, len(s.streams))
	for _, st := range s.Streams() {
		handler := ingest.NewHandler(ingest.HandlerConfig{
			Kind:       st.Kind,
			Decode:     s.decoders[st.Kind],
			Correlator: correlator,
			Emitter:    sink,
			Log:        s.log,
		})

		w, err := execution.NewWorker(execution.WorkerConfig{
			Kind:            string(st.Kind),
			Topic:           st.Topic,
			Group:           st.Group,
			Brokers:         s.brokers,
			Handler:         handler,
			Concurrency:     s.concurrency,
			PollTimeout:     s.pollTimeout,
			RecordTimeout:   s.recordTimeout,
			MaxPollRecords:  s.maxPollRecords,
			ErrorHandler:    s.errorHandler,
			DLQTopic:        s.dlqTopic,
			ShutdownTimeout: s.shutdownTimeout,
			Log:             s.log.WithGroup("worker"),
		}, s.clientOpts...)
		if err != nil {
			discardWorkers(workers)
			return fmt.Errorf("create worker for %s: %w", st.Kind, err)
		}
		workers = append(workers, w)
	}

	s.mu.Lock()
	s.workers = workers
	s.mu.Unlock()

	s.log.Info("Starting",
		"required", s.Required().String(),
		"output_topic", s.outputTopic,
		"dlq_topic", s.dlqTopic)

	grp, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		grp.Go(func() error {
			return w.Run(gctx)
		})
	}
	grp.Go(func() error {
		return sweeper.Run(gctx)
	})
	grp.Go(func() error {
		return sink.Run(gctx)
	})

	return grp.Wait()
}

// Close gracefully shuts down the application. Workers finish their
// in-flight batch before the sweeper and the redrive loop are stopped.
func (s *App) Close() error {
	s.mu.Lock()
	workers := s.workers
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	err := closeWorkers(workers)

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return err
}

// closeWorkers signals all workers to close in parallel
func closeWorkers(workers []*execution.Worker) error {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		err error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *execution.Worker) {
			defer wg.Done()
			if cerr := w.Close(); cerr != nil {
				mu.Lock()
				err = multierr.Append(err, cerr)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return err
}

// discardWorkers releases the clients of workers that were never started.
func discardWorkers(workers []*execution.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, w := range workers {
		_ = w.Run(ctx)
	}
}
