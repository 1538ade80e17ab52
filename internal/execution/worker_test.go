package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kcorrelate/ingest"
	"github.com/birdayz/kcorrelate/internal/headers"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	committed []*kgo.Record
	allowed   int
	closed    bool
	commitErr error
}

func (c *fakeCoordinator) PollRecords(ctx context.Context, maxRecords int) kgo.Fetches {
	c.mu.Lock()
	if len(c.batches) > 0 {
		f := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return f
	}
	c.mu.Unlock()
	<-ctx.Done()
	return kgo.NewErrFetch(ctx.Err())
}

func (c *fakeCoordinator) Commit(ctx context.Context, records []*kgo.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return c.commitErr
	}
	c.committed = append(c.committed, records...)
	return nil
}

func (c *fakeCoordinator) AllowRebalance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowed++
}

func (c *fakeCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeCoordinator) committedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed)
}

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	var results kgo.ProduceResults
	for _, r := range rs {
		if p.err == nil {
			p.records = append(p.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) produced() []*kgo.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*kgo.Record(nil), p.records...)
}

type handlerFunc func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error

func (f handlerFunc) Handle(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
	return f(ctx, msg, ack)
}

func completeAll() Handler {
	return handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		return ack.Complete(ctx, msg)
	})
}

func batch(topic string, records ...*kgo.Record) kgo.Fetches {
	for i, r := range records {
		r.Topic = topic
		r.Offset = int64(i)
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
	}}}}
}

func startWorker(t *testing.T, coord *fakeCoordinator, producer Producer, cfg WorkerConfig) (*Worker, chan error) {
	t.Helper()
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Minute
	}
	cfg.Kind = "order"
	cfg.Topic = "orders"
	w := newWorker(coord, producer, cfg)
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(context.Background())
	}()
	return w, errc
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWorker_CommitsSettledBatch(t *testing.T) {
	coord := &fakeCoordinator{batches: []kgo.Fetches{
		batch("orders", &kgo.Record{Key: []byte("K1")}, &kgo.Record{Key: []byte("K2")}, &kgo.Record{Key: []byte("K3")}),
	}}

	var mu sync.Mutex
	var seen []string
	handler := handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		mu.Lock()
		seen = append(seen, msg.CorrelationID)
		mu.Unlock()
		return ack.Complete(ctx, msg)
	})

	w, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{Handler: handler, Concurrency: 2})
	eventually(t, func() bool { return coord.committedCount() == 3 })

	assert.NoError(t, w.Close())
	assert.NoError(t, <-errc)
	assert.True(t, coord.closed)
	assert.Equal(t, 3, len(seen))
}

func TestWorker_DeadLetterProducesAndCommits(t *testing.T) {
	coord := &fakeCoordinator{batches: []kgo.Fetches{
		batch("orders", &kgo.Record{
			Key:     []byte("K1"),
			Value:   []byte("not json"),
			Headers: []kgo.RecordHeader{{Key: headers.MessageID, Value: []byte("m1")}},
		}),
	}}
	producer := &fakeProducer{}
	handler := handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		return ack.DeadLetter(ctx, msg, "DecodeFailed", "invalid character")
	})

	w, errc := startWorker(t, coord, producer, WorkerConfig{Handler: handler, DLQTopic: "dlq"})
	eventually(t, func() bool { return coord.committedCount() == 1 })
	assert.NoError(t, w.Close())
	assert.NoError(t, <-errc)

	dlq := producer.produced()
	assert.Equal(t, 1, len(dlq))
	r := dlq[0]
	assert.Equal(t, "dlq", r.Topic)
	assert.Equal(t, []byte("K1"), r.Key)
	assert.Equal(t, []byte("not json"), r.Value)
	assert.Equal(t, map[string]string{
		headers.MessageID:            "m1",
		headers.DLQReason:            "DecodeFailed",
		headers.DLQDescription:       "invalid character",
		headers.DLQOriginalTopic:     "orders",
		headers.DLQOriginalPartition: "0",
		headers.DLQOriginalOffset:    "0",
	}, headers.Map(r))
}

func TestWorker_UnsettledRecordStopsWorkerWithoutCommit(t *testing.T) {
	coord := &fakeCoordinator{batches: []kgo.Fetches{
		batch("orders", &kgo.Record{Key: []byte("K1")}),
	}}
	handler := handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		return nil
	})

	_, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{Handler: handler})
	err := <-errc
	assert.IsError(t, err, ErrUnsettled)

	var perr *ProcessingError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, "orders", perr.Topic)
	assert.Equal(t, 0, coord.committedCount())
	assert.True(t, coord.closed)
}

func TestWorker_ErrorRecovery(t *testing.T) {
	handlerErr := errors.New("dead-letter failed")
	failing := handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		return handlerErr
	})

	t.Run("skip", func(t *testing.T) {
		coord := &fakeCoordinator{batches: []kgo.Fetches{batch("orders", &kgo.Record{Key: []byte("K1")})}}
		w, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{
			Handler: failing,
			ErrorHandler: func(ctx context.Context, err error, record *kgo.Record) ErrorRecovery {
				return RecoverySkip
			},
		})
		eventually(t, func() bool { return coord.committedCount() == 1 })
		assert.NoError(t, w.Close())
		assert.NoError(t, <-errc)
	})

	t.Run("dlq", func(t *testing.T) {
		coord := &fakeCoordinator{batches: []kgo.Fetches{batch("orders", &kgo.Record{Key: []byte("K1")})}}
		producer := &fakeProducer{}
		w, errc := startWorker(t, coord, producer, WorkerConfig{
			Handler:  failing,
			DLQTopic: "dlq",
			ErrorHandler: func(ctx context.Context, err error, record *kgo.Record) ErrorRecovery {
				return RecoveryDLQ
			},
		})
		eventually(t, func() bool { return coord.committedCount() == 1 })
		assert.NoError(t, w.Close())
		assert.NoError(t, <-errc)

		dlq := producer.produced()
		assert.Equal(t, 1, len(dlq))
		reason, _ := headers.Get(dlq[0], headers.DLQReason)
		assert.Equal(t, ReasonProcessingFailed, reason)
		description, _ := headers.Get(dlq[0], headers.DLQDescription)
		assert.Equal(t, handlerErr.Error(), description)
	})

	t.Run("dlq without topic", func(t *testing.T) {
		coord := &fakeCoordinator{batches: []kgo.Fetches{batch("orders", &kgo.Record{Key: []byte("K1")})}}
		_, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{
			Handler: failing,
			ErrorHandler: func(ctx context.Context, err error, record *kgo.Record) ErrorRecovery {
				return RecoveryDLQ
			},
		})
		assert.IsError(t, <-errc, ErrNoDLQTopic)
		assert.Equal(t, 0, coord.committedCount())
	})
}

func TestWorker_CommitFailureStopsWorker(t *testing.T) {
	commitErr := errors.New("rebalance in progress")
	coord := &fakeCoordinator{
		batches:   []kgo.Fetches{batch("orders", &kgo.Record{Key: []byte("K1")})},
		commitErr: commitErr,
	}

	_, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{Handler: completeAll()})
	assert.IsError(t, <-errc, commitErr)
}

func TestWorker_FetchErrorStopsWorker(t *testing.T) {
	fetchErr := errors.New("unknown topic")
	coord := &fakeCoordinator{batches: []kgo.Fetches{kgo.NewErrFetch(fetchErr)}}

	_, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{Handler: completeAll()})
	assert.IsError(t, <-errc, fetchErr)
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	coord := &fakeCoordinator{}
	w := newWorker(coord, &fakeProducer{}, WorkerConfig{Handler: completeAll(), PollTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx)
	}()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, coord.closed)
}

func TestWorker_RecordTimeoutCancelsHandlerContext(t *testing.T) {
	coord := &fakeCoordinator{batches: []kgo.Fetches{batch("orders", &kgo.Record{Key: []byte("K1")})}}
	handlerErr := make(chan error, 1)
	handler := handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		select {
		case <-ctx.Done():
			handlerErr <- ctx.Err()
		case <-time.After(2 * time.Second):
			handlerErr <- nil
		}
		return ack.Complete(context.Background(), msg)
	})

	w, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{Handler: handler, RecordTimeout: 10 * time.Millisecond})
	assert.IsError(t, <-handlerErr, context.DeadlineExceeded)
	eventually(t, func() bool { return coord.committedCount() == 1 })

	assert.NoError(t, w.Close())
	assert.NoError(t, <-errc)
}

func TestWorker_CloseWaitsForInFlightBatch(t *testing.T) {
	coord := &fakeCoordinator{batches: []kgo.Fetches{batch("orders", &kgo.Record{Key: []byte("K1")})}}
	started := make(chan struct{})
	release := make(chan struct{})
	handler := handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		close(started)
		<-release
		return ack.Complete(ctx, msg)
	})

	w, errc := startWorker(t, coord, &fakeProducer{}, WorkerConfig{Handler: handler})
	<-started

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- w.Close()
	}()
	close(release)

	assert.NoError(t, <-closeErr)
	assert.NoError(t, <-errc)
	assert.Equal(t, 1, coord.committedCount())
}

func TestWorker_ShutdownTimeout(t *testing.T) {
	coord := &fakeCoordinator{batches: []kgo.Fetches{batch("orders", &kgo.Record{Key: []byte("K1")})}}
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	handler := handlerFunc(func(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error {
		close(started)
		<-release
		return ack.Complete(ctx, msg)
	})

	w, _ := startWorker(t, coord, &fakeProducer{}, WorkerConfig{Handler: handler, ShutdownTimeout: 10 * time.Millisecond})
	<-started

	assert.IsError(t, w.Close(), ErrShutdownTimeout)
}

// TestWorker_DoubleClose verifies that calling Close() twice doesn't block or panic
func TestWorker_DoubleClose(t *testing.T) {
	w, errc := startWorker(t, &fakeCoordinator{}, &fakeProducer{}, WorkerConfig{Handler: completeAll()})

	assert.NoError(t, w.Close())
	assert.NoError(t, <-errc)

	done := make(chan struct{})
	go func() {
		_ = w.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Second Close() blocked")
	}
}

// TestWorker_ConcurrentClose verifies that concurrent Close() calls don't panic or deadlock
func TestWorker_ConcurrentClose(t *testing.T) {
	w, errc := startWorker(t, &fakeCoordinator{}, &fakeProducer{}, WorkerConfig{Handler: completeAll()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Concurrent Close() calls deadlocked")
	}
	assert.NoError(t, <-errc)
}

func TestToMessage(t *testing.T) {
	t.Run("headers", func(t *testing.T) {
		msg := toMessage(&kgo.Record{
			Topic: "orders",
			Key:   []byte("record-key"),
			Value: []byte(`{}`),
			Headers: []kgo.RecordHeader{
				{Key: headers.MessageID, Value: []byte("m1")},
				{Key: headers.CorrelationID, Value: []byte("K1")},
				{Key: headers.Kind, Value: []byte("payment")},
			},
		})
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "K1", msg.CorrelationID)
		assert.Equal(t, "payment", string(msg.Kind))
		assert.Equal(t, []byte(`{}`), msg.Body)
	})

	t.Run("fallbacks", func(t *testing.T) {
		msg := toMessage(&kgo.Record{Topic: "orders", Partition: 3, Offset: 42, Key: []byte("K2")})
		assert.Equal(t, "orders/3/42", msg.ID)
		assert.Equal(t, "K2", msg.CorrelationID)
		assert.Equal(t, "", string(msg.Kind))
	})
}

func TestWorker_RunWithCancelledContextClosesImmediately(t *testing.T) {
	coord := &fakeCoordinator{}
	w := newWorker(coord, &fakeProducer{}, WorkerConfig{Handler: completeAll(), PollTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, w.Run(ctx))
	assert.True(t, coord.closed)
	assert.NoError(t, w.Close())
}
