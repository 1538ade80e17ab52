package kcorrelate

import (
	"log/slog"
	"time"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/emit"
	"github.com/birdayz/kcorrelate/fulfillment"
	"github.com/birdayz/kcorrelate/internal/execution"
	"github.com/birdayz/kcorrelate/kserde"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Option is a function that configures an App
type Option func(*App)

// WithLog sets the logger for the application
var WithLog = func(log *slog.Logger) Option {
	return func(s *App) {
		s.log = log
	}
}

// WithBrokers sets the Kafka broker addresses
var WithBrokers = func(brokers []string) Option {
	return func(s *App) {
		s.brokers = brokers
	}
}

// WithGroup sets the prefix of the per-stream consumer groups. A stream
// without an explicit group consumes as "<prefix>-<kind>".
var WithGroup = func(group string) Option {
	return func(s *App) {
		s.group = group
	}
}

// WithStream binds kind to topic. group may be empty.
var WithStream = func(kind correlate.Kind, topic, group string) Option {
	return func(s *App) {
		for i, st := range s.streams {
			if st.Kind == kind {
				s.streams[i] = Stream{Kind: kind, Topic: topic, Group: group}
				return
			}
		}
		s.streams = append(s.streams, Stream{Kind: kind, Topic: topic, Group: group})
	}
}

// WithRequiredKinds sets the kinds a composite needs. Defaults to the kinds
// of all configured streams.
var WithRequiredKinds = func(kinds ...correlate.Kind) Option {
	return func(s *App) {
		required := correlate.NewKindSet(kinds...)
		s.required = &required
	}
}

// WithOutputTopic sets the topic composites are published to
var WithOutputTopic = func(topic string) Option {
	return func(s *App) {
		s.outputTopic = topic
	}
}

// WithDLQTopic sets the dead letter topic for rejected records.
var WithDLQTopic = func(topic string) Option {
	return func(s *App) {
		s.dlqTopic = topic
	}
}

// WithRecordTimeout bounds the handling of a single record. Zero means no
// limit.
var WithRecordTimeout = func(d time.Duration) Option {
	return func(s *App) {
		s.recordTimeout = d
	}
}

// WithMaxAge sets how long a partial record may wait for its missing kinds
var WithMaxAge = func(d time.Duration) Option {
	return func(s *App) {
		s.maxAge = d
	}
}

// WithSweepInterval sets how often stale partial records are evicted
var WithSweepInterval = func(d time.Duration) Option {
	return func(s *App) {
		s.sweepInterval = d
	}
}

// WithCompletedRetention sets how long completed keys are remembered to
// suppress duplicate composites. Zero disables it.
var WithCompletedRetention = func(d time.Duration) Option {
	return func(s *App) {
		s.completedRetention = d
	}
}

// WithConcurrency sets how many records of one batch are handled in parallel
var WithConcurrency = func(n int) Option {
	return func(s *App) {
		s.concurrency = n
	}
}

// WithPollTimeout sets the timeout for polling records from Kafka
var WithPollTimeout = func(timeout time.Duration) Option {
	return func(s *App) {
		s.pollTimeout = timeout
	}
}

// WithMaxPollRecords sets the maximum number of records to poll at once
var WithMaxPollRecords = func(n int) Option {
	return func(s *App) {
		s.maxPollRecords = n
	}
}

// WithShutdownTimeout bounds how long Close waits for each worker
var WithShutdownTimeout = func(timeout time.Duration) Option {
	return func(s *App) {
		s.shutdownTimeout = timeout
	}
}

// WithDecoder sets the payload decoder for kind. Kinds without a decoder
// keep the payload as raw JSON.
var WithDecoder = func(kind correlate.Kind, d kserde.Deserializer[any]) Option {
	return func(s *App) {
		s.decoders[kind] = d
	}
}

// WithEncoder sets how a composite becomes the data of the outgoing event
var WithEncoder = func(e emit.Encoder) Option {
	return func(s *App) {
		s.sink.Encoder = e
	}
}

// WithEventType sets the CloudEvents source and type of composite events
var WithEventType = func(source, eventType string) Option {
	return func(s *App) {
		s.sink.Source = source
		s.sink.Subject = eventType
	}
}

// WithPublishRetry configures the backoff of composite publishing
var WithPublishRetry = func(maxRetries uint64, initial, max time.Duration) Option {
	return func(s *App) {
		s.sink.MaxRetries = maxRetries
		s.sink.InitialBackoff = initial
		s.sink.MaxBackoff = max
	}
}

// WithRedriveInterval sets how often unpublished composites are retried
var WithRedriveInterval = func(d time.Duration) Option {
	return func(s *App) {
		s.sink.RedriveInterval = d
	}
}

// WithFulfillment decodes the well-known kinds into the fulfillment events
// and emits FulfillmentReady composites. The required kinds must include
// order, inventory and payment.
var WithFulfillment = func() Option {
	return func(s *App) {
		for kind, d := range fulfillment.Decoders() {
			s.decoders[kind] = d
		}
		s.fulfillment = true
		s.sink.Encoder = fulfillment.Assemble
		s.sink.Source = fulfillment.SourceAggregator
		s.sink.Subject = fulfillment.EventTypeFulfillmentReady
		s.sink.Origin = fulfillment.SourceAggregator
	}
}

// ErrorRecovery determines how to handle a processing error
type ErrorRecovery = execution.ErrorRecovery

// Error recovery constants
const (
	RecoveryFail = execution.RecoveryFail
	RecoverySkip = execution.RecoverySkip
	RecoveryDLQ  = execution.RecoveryDLQ
)

// ErrorHandler is called when a record cannot be handled or settled
type ErrorHandler = execution.ErrorHandler

// WithErrorHandler sets a custom error handler for processing failures.
// Default behavior is fail-fast (RecoveryFail).
var WithErrorHandler = func(handler ErrorHandler) Option {
	return func(s *App) {
		s.errorHandler = handler
	}
}

// WithCreateTopics makes Run create all topics it uses before consuming.
var WithCreateTopics = func(partitions int32, replicationFactor int16) Option {
	return func(s *App) {
		s.createTopics = true
		s.partitions = partitions
		s.replicationFactor = replicationFactor
	}
}

// WithClientOpts adds options to every Kafka client the App creates
var WithClientOpts = func(opts ...kgo.Opt) Option {
	return func(s *App) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write(p []byte) (int, error) { return len(p), nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
