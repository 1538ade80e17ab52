package execution

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/ingest"
	"github.com/birdayz/kcorrelate/internal/headers"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ReasonProcessingFailed is the DLQ reason used for RecoveryDLQ.
const ReasonProcessingFailed = "ProcessingFailed"

// toMessage maps a record onto the transport-neutral message. The
// correlation id comes from the correlation_id header, falling back to the
// record key.
func toMessage(record *kgo.Record) *ingest.Message {
	props := headers.Map(record)

	id, ok := props[headers.MessageID]
	if !ok || id == "" {
		id = fmt.Sprintf("%s/%d/%d", record.Topic, record.Partition, record.Offset)
	}

	correlationID, ok := props[headers.CorrelationID]
	if !ok || correlationID == "" {
		correlationID = string(record.Key)
	}

	return &ingest.Message{
		ID:            id,
		CorrelationID: correlationID,
		Kind:          correlate.Kind(props[headers.Kind]),
		Body:          record.Value,
		Properties:    props,
	}
}

// recordAck settles one record. Complete marks the offset committable,
// DeadLetter produces the record to the DLQ topic first.
type recordAck struct {
	worker *Worker
	record *kgo.Record

	mu      sync.Mutex
	settled bool
}

func (a *recordAck) Complete(ctx context.Context, msg *ingest.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = true
	return nil
}

func (a *recordAck) DeadLetter(ctx context.Context, msg *ingest.Message, reason, description string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.worker.sendToDLQ(ctx, a.record, reason, description); err != nil {
		return err
	}
	a.settled = true
	return nil
}

func (a *recordAck) isSettled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

// sendToDLQ sends a record to the dead letter topic with its original key,
// value and headers plus the reason it was rejected.
func (r *Worker) sendToDLQ(ctx context.Context, record *kgo.Record, reason, description string) error {
	if r.dlqTopic == "" || r.producer == nil {
		return ErrNoDLQTopic
	}

	dlqRecord := &kgo.Record{
		Topic: r.dlqTopic,
		Key:   record.Key,
		Value: record.Value,
		Headers: append(slices.Clone(record.Headers),
			kgo.RecordHeader{Key: headers.DLQReason, Value: []byte(reason)},
			kgo.RecordHeader{Key: headers.DLQDescription, Value: []byte(description)},
			kgo.RecordHeader{Key: headers.DLQOriginalTopic, Value: []byte(record.Topic)},
			kgo.RecordHeader{Key: headers.DLQOriginalPartition, Value: []byte(strconv.FormatInt(int64(record.Partition), 10))},
			kgo.RecordHeader{Key: headers.DLQOriginalOffset, Value: []byte(strconv.FormatInt(record.Offset, 10))},
		),
	}

	if err := r.producer.ProduceSync(ctx, dlqRecord).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", r.dlqTopic, err)
	}
	return nil
}
