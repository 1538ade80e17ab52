package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/birdayz/kcorrelate/ingest"
	"github.com/twmb/franz-go/pkg/kgo"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the timeout
	ErrShutdownTimeout = errors.New("worker shutdown timed out")

	// ErrUnsettled is returned for a record the handler neither completed nor
	// dead-lettered.
	ErrUnsettled = errors.New("record was not settled")

	ErrNoDLQTopic = errors.New("no DLQ topic configured")
)

// Handler processes one message and settles it through the acknowledger.
type Handler interface {
	Handle(ctx context.Context, msg *ingest.Message, ack ingest.Acknowledger) error
}

// ErrorRecovery determines how to handle a processing error
type ErrorRecovery int

const (
	// RecoveryFail closes the worker without committing the batch (default behavior)
	RecoveryFail ErrorRecovery = iota
	// RecoverySkip treats the record as settled and continues processing
	RecoverySkip
	// RecoveryDLQ sends the record to the dead letter topic and continues
	RecoveryDLQ
)

func (r ErrorRecovery) String() string {
	switch r {
	case RecoveryFail:
		return "fail"
	case RecoverySkip:
		return "skip"
	case RecoveryDLQ:
		return "dlq"
	default:
		return fmt.Sprintf("ErrorRecovery(%d)", int(r))
	}
}

// ErrorHandler is called when handling a record fails.
// Returns the desired recovery action.
type ErrorHandler func(ctx context.Context, err error, record *kgo.Record) ErrorRecovery

// DefaultErrorHandler returns RecoveryFail for all errors (fail-fast behavior)
func DefaultErrorHandler() ErrorHandler {
	return func(ctx context.Context, err error, record *kgo.Record) ErrorRecovery {
		return RecoveryFail
	}
}

// ProcessingError wraps an error with source attribution for debugging.
type ProcessingError struct {
	Cause error

	// Kind is the stream kind the worker is bound to
	Kind string

	Topic     string
	Partition int32
	Offset    int64
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s record (topic=%s partition=%d offset=%d): %v",
		e.Kind, e.Topic, e.Partition, e.Offset, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func NewProcessingError(cause error, kind string, record *kgo.Record) *ProcessingError {
	return &ProcessingError{
		Cause:     cause,
		Kind:      kind,
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
	}
}
