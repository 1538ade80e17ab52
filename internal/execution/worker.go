package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
)

type RoutineState string

const (
	StateCreated        = "CREATED"
	StateRunning        = "RUNNING"
	StateCloseRequested = "CLOSE_REQUESTED"
	StateClosed         = "CLOSED"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second
	DefaultPollTimeout     = 5 * time.Second
	DefaultMaxPollRecords  = 500
	DefaultConcurrency     = 16

	commitTimeout = 10 * time.Second
)

// Worker consumes the topic of one stream kind in its own consumer group.
// Every polled batch is handled with bounded concurrency and committed once
// all of its records are settled.
type Worker struct {
	coordinator CommitCoordinator
	producer    Producer
	handler     Handler
	log         *slog.Logger

	kind  string
	state RoutineState

	closeRequested chan struct{}

	cancelPollMtx sync.Mutex
	cancelPoll    func()

	closed    sync.WaitGroup
	closeOnce sync.Once

	maxPollRecords int
	concurrency    int

	pollTimeout   time.Duration
	recordTimeout time.Duration

	errorHandler ErrorHandler
	dlqTopic     string

	shutdownTimeout time.Duration

	err error
}

// WorkerConfig holds configuration for a Worker
type WorkerConfig struct {
	Kind    string
	Topic   string
	Group   string
	Brokers []string

	Handler Handler

	// Concurrency bounds the records of one batch handled in parallel.
	Concurrency    int
	PollTimeout    time.Duration
	MaxPollRecords int
	// RecordTimeout bounds a single Handle call. Zero means no limit.
	RecordTimeout time.Duration

	ErrorHandler    ErrorHandler
	DLQTopic        string
	ShutdownTimeout time.Duration

	Log *slog.Logger
}

// NewWorker creates a consumer group client for cfg.Topic and a Worker
// driving it. Dead letters are produced through the same client.
func NewWorker(cfg WorkerConfig, opts ...kgo.Opt) (*Worker, error) {
	if cfg.Topic == "" {
		return nil, errors.New("worker topic is required")
	}
	if cfg.Group == "" {
		return nil, errors.New("worker group is required")
	}

	consumerOpts := append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}, opts...)

	client, err := kgo.NewClient(consumerOpts...)
	if err != nil {
		return nil, err
	}

	return newWorker(NewClientCoordinator(client), client, cfg), nil
}

func newWorker(coordinator CommitCoordinator, producer Producer, cfg WorkerConfig) *Worker {
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// Default to fail-fast error handler if none specified
	errorHandler := cfg.ErrorHandler
	if errorHandler == nil {
		errorHandler = DefaultErrorHandler()
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	maxPollRecords := cfg.MaxPollRecords
	if maxPollRecords <= 0 {
		maxPollRecords = DefaultMaxPollRecords
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	w := &Worker{
		coordinator:     coordinator,
		producer:        producer,
		handler:         cfg.Handler,
		log:             log.With("worker", cfg.Kind, "topic", cfg.Topic),
		kind:            cfg.Kind,
		state:           StateCreated,
		closeRequested:  make(chan struct{}, 1),
		maxPollRecords:  maxPollRecords,
		concurrency:     concurrency,
		pollTimeout:     pollTimeout,
		recordTimeout:   cfg.RecordTimeout,
		errorHandler:    errorHandler,
		dlqTopic:        cfg.DLQTopic,
		shutdownTimeout: shutdownTimeout,
	}

	w.closed.Add(1)
	return w
}

func (r *Worker) changeState(newState RoutineState) {
	r.log.Info("Change state", "from", r.state, "to", newState)
	r.state = newState
}

// Run drives the worker until Close is called or ctx is cancelled. It returns
// the error that stopped the worker, or nil on a requested shutdown.
func (r *Worker) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		r.requestClose()
	}
	stop := context.AfterFunc(ctx, r.requestClose)
	defer stop()
	return r.loop()
}

// State transitions may only be done from within the loop
func (r *Worker) loop() error {
	for {
		switch r.state {
		case StateCreated:
			r.changeState(StateRunning)
		case StateRunning:
			r.handleRunning()
		case StateCloseRequested:
			r.handleCloseRequested()
		case StateClosed:
			r.closed.Done()
			return r.err
		}
	}
}

func (r *Worker) requestClose() {
	r.closeOnce.Do(func() {
		r.cancelPollMtx.Lock()
		select {
		case r.closeRequested <- struct{}{}:
		default:
		}
		if r.cancelPoll != nil {
			r.cancelPoll()
		}
		r.cancelPollMtx.Unlock()
	})
}

// Close stops polling, lets the in-flight batch finish and closes the
// client. It is safe to call more than once and from several goroutines.
func (r *Worker) Close() error {
	r.requestClose()

	done := make(chan struct{})
	go func() {
		r.closed.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.shutdownTimeout):
		r.log.Error("Shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		return ErrShutdownTimeout
	}
}

func (r *Worker) handleRunning() {
	r.cancelPollMtx.Lock()

	select {
	case <-r.closeRequested:
		r.changeState(StateCloseRequested)
		r.cancelPollMtx.Unlock()
		return
	default:
	}

	pollCtx, cancel := context.WithTimeout(context.Background(), r.pollTimeout)
	defer cancel()
	r.cancelPoll = cancel

	r.cancelPollMtx.Unlock()

	r.log.Debug("Polling Records")
	f := r.coordinator.PollRecords(pollCtx, r.maxPollRecords)
	defer r.coordinator.AllowRebalance()

	if f.IsClientClosed() {
		r.changeState(StateCloseRequested)
		return
	}

	if errors.Is(f.Err(), context.Canceled) || errors.Is(f.Err(), context.DeadlineExceeded) {
		return
	}

	for _, fetchError := range f.Errors() {
		if errors.Is(fetchError.Err, context.DeadlineExceeded) || errors.Is(fetchError.Err, context.Canceled) {
			continue
		}
		r.log.Error("fetch error", "error", fetchError.Err, "topic", fetchError.Topic, "partition", fetchError.Partition)
		r.err = fmt.Errorf("fetch error on topic %s, partition %d: %w", fetchError.Topic, fetchError.Partition, fetchError.Err)
		r.changeState(StateCloseRequested)
		return
	}

	records := f.Records()
	if len(records) == 0 {
		return
	}

	r.log.Debug("Processing", "len", len(records))
	if err := r.processBatch(records); err != nil {
		r.log.Error("Failed to process batch, closing worker", "error", err)
		r.err = err
		r.changeState(StateCloseRequested)
		return
	}

	commitCtx, cancelCommit := context.WithTimeout(context.Background(), commitTimeout)
	defer cancelCommit()

	if err := r.coordinator.Commit(commitCtx, records); err != nil {
		r.log.Error("failed to commit", "error", err)
		r.changeState(StateCloseRequested)
		r.err = err
		return
	}
	r.log.Debug("Committed", "len", len(records))
}

func (r *Worker) handleCloseRequested() {
	r.coordinator.Close()
	r.changeState(StateClosed)
}

// processBatch handles records concurrently. The batch context is not tied to
// Close, so a requested shutdown lets the batch finish.
func (r *Worker) processBatch(records []*kgo.Record) error {
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(r.concurrency)

	for _, record := range records {
		g.Go(func() error {
			return r.processRecord(ctx, record)
		})
	}

	return g.Wait()
}

func (r *Worker) processRecord(ctx context.Context, record *kgo.Record) error {
	if r.recordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.recordTimeout)
		defer cancel()
	}

	ack := &recordAck{worker: r, record: record}
	err := r.handler.Handle(ctx, toMessage(record), ack)
	if err == nil && !ack.isSettled() {
		err = ErrUnsettled
	}
	if err == nil {
		return nil
	}

	recovery := r.errorHandler(ctx, err, record)
	switch recovery {
	case RecoverySkip:
		r.log.Warn("Skipping failed record", "error", err,
			"topic", record.Topic, "partition", record.Partition, "offset", record.Offset)
		return nil
	case RecoveryDLQ:
		if sendErr := r.sendToDLQ(ctx, record, ReasonProcessingFailed, err.Error()); sendErr != nil {
			return NewProcessingError(fmt.Errorf("failed to send to DLQ: %w", sendErr), r.kind, record)
		}
		r.log.Warn("Sent failed record to DLQ", "dlq_topic", r.dlqTopic,
			"topic", record.Topic, "partition", record.Partition, "offset", record.Offset, "error", err)
		return nil
	default:
		return NewProcessingError(err, r.kind, record)
	}
}
