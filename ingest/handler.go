// Package ingest turns transport messages into correlator input. One Handler
// is bound to each stream kind.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/internal/metrics"
	"github.com/birdayz/kcorrelate/kserde"
)

// Dead-letter reasons.
const (
	ReasonMissingCorrelationID = "MissingCorrelationId"
	ReasonUnexpectedKind       = "UnexpectedKind"
	ReasonDecodeFailed         = "DecodeFailed"
)

// Message is one inbound event, independent of the transport it came from.
type Message struct {
	ID            string
	CorrelationID string
	// Kind is the kind the transport claims for the message. Empty means the
	// handler's bound kind.
	Kind       correlate.Kind
	Body       []byte
	Properties map[string]string
}

// Acknowledger settles a message with the transport. Exactly one of Complete
// or DeadLetter is called per handled message.
type Acknowledger interface {
	Complete(ctx context.Context, msg *Message) error
	DeadLetter(ctx context.Context, msg *Message, reason, description string) error
}

// Emitter publishes a completed composite.
type Emitter interface {
	Publish(ctx context.Context, c correlate.Composite) error
}

type HandlerConfig struct {
	Kind       correlate.Kind
	Decode     kserde.Deserializer[any]
	Correlator *correlate.Correlator
	Emitter    Emitter
	Log        *slog.Logger
}

type Handler struct {
	cfg HandlerConfig
	log *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Decode == nil {
		cfg.Decode = kserde.Erased(kserde.RawJSON())
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		cfg: cfg,
		log: log.With("component", "ingest", "kind", string(cfg.Kind)),
	}
}

func (h *Handler) Kind() correlate.Kind {
	return h.cfg.Kind
}

// Handle decodes msg, feeds it to the correlator and settles it. Poison
// messages are dead-lettered. The returned error is non-nil when settling
// the message failed.
func (h *Handler) Handle(ctx context.Context, msg *Message, ack Acknowledger) error {
	if msg.CorrelationID == "" {
		return h.deadLetter(ctx, msg, ack, ReasonMissingCorrelationID, "message has no correlation id")
	}

	if msg.Kind != "" && msg.Kind != h.cfg.Kind {
		return h.deadLetter(ctx, msg, ack, ReasonUnexpectedKind,
			fmt.Sprintf("message kind %q on stream bound to %q", msg.Kind, h.cfg.Kind))
	}

	payload, err := h.cfg.Decode(msg.Body)
	if err != nil {
		return h.deadLetter(ctx, msg, ack, ReasonDecodeFailed, err.Error())
	}

	res, err := h.cfg.Correlator.Ingest(msg.CorrelationID, h.cfg.Kind, payload)
	switch {
	case errors.Is(err, correlate.ErrUnknownKind):
		return h.deadLetter(ctx, msg, ack, ReasonUnexpectedKind, err.Error())
	case errors.Is(err, correlate.ErrEmptyKey):
		return h.deadLetter(ctx, msg, ack, ReasonMissingCorrelationID, err.Error())
	case err != nil:
		return fmt.Errorf("ingest message %s: %w", msg.ID, err)
	}

	metrics.Ingested(string(h.cfg.Kind), res.Outcome.String())

	switch res.Outcome {
	case correlate.Completed:
		h.log.Info("Correlation completed", "key", msg.CorrelationID)
		if h.cfg.Emitter != nil {
			if err := h.cfg.Emitter.Publish(ctx, res.Composite); err != nil {
				// The composite stays staged and is redriven.
				h.log.Error("Publishing composite failed", "key", msg.CorrelationID, "error", err)
			}
		}
	case correlate.AlreadyCompleted:
		h.log.Debug("Dropping message for completed key", "key", msg.CorrelationID, "message_id", msg.ID)
	default:
		h.log.Debug("Stored partial", "key", msg.CorrelationID, "present", res.Present)
	}

	if err := ack.Complete(ctx, msg); err != nil {
		return fmt.Errorf("complete message %s: %w", msg.ID, err)
	}
	return nil
}

func (h *Handler) deadLetter(ctx context.Context, msg *Message, ack Acknowledger, reason, description string) error {
	metrics.DeadLettered(string(h.cfg.Kind), reason)
	h.log.Warn("Dead-lettering message", "message_id", msg.ID, "reason", reason, "description", description)
	if err := ack.DeadLetter(ctx, msg, reason, description); err != nil {
		return fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
	}
	return nil
}
