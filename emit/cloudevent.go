package emit

import (
	"encoding/json"
	"fmt"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/internal/headers"
	"github.com/cloudevents/sdk-go/v2/event"
)

// ExtensionCorrelationID carries the correlation key on every composite event.
const ExtensionCorrelationID = "correlationid"

// DefaultEncoder emits the parts keyed by kind.
func DefaultEncoder(c correlate.Composite) (any, error) {
	parts := make(map[string]any, len(c.Parts))
	for k, v := range c.Parts {
		parts[string(k)] = v
	}
	return map[string]any{
		"correlationId": c.Key,
		"parts":         parts,
	}, nil
}

// encode wraps the encoder output in a structured-mode CloudEvent. The event
// id is the correlation key, so redelivered composites share an id.
func (s *Sink) encode(c correlate.Composite) (OutboundMessage, error) {
	data, err := s.cfg.Encoder(c)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("%w %s: %w", ErrEncode, c.Key, err)
	}

	e := event.New()
	e.SetID(c.Key)
	e.SetSource(s.cfg.Source)
	e.SetType(s.cfg.Subject)
	e.SetSubject(c.Key)
	e.SetTime(c.CompletedAt)
	e.SetExtension(ExtensionCorrelationID, c.Key)
	if err := e.SetData(event.ApplicationJSON, data); err != nil {
		return OutboundMessage{}, fmt.Errorf("%w %s: %w", ErrEncode, c.Key, err)
	}
	if err := e.Validate(); err != nil {
		return OutboundMessage{}, fmt.Errorf("%w %s: %w", ErrEncode, c.Key, err)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("%w %s: %w", ErrEncode, c.Key, err)
	}

	return OutboundMessage{
		ID:            c.Key,
		CorrelationID: c.Key,
		Subject:       s.cfg.Subject,
		ContentType:   event.ApplicationCloudEventsJSON,
		Body:          body,
		Properties: map[string]string{
			headers.EventType: s.cfg.Subject,
			headers.Origin:    s.cfg.Origin,
		},
	}, nil
}

// DecodeEvent parses a structured-mode CloudEvent and unmarshals its data
// into out.
func DecodeEvent(body []byte, out any) (event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("decode cloudevent: %w", err)
	}
	if err := e.DataAs(out); err != nil {
		return e, fmt.Errorf("decode cloudevent data: %w", err)
	}
	return e, nil
}
