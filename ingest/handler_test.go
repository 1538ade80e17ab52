package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/fulfillment"
	"github.com/birdayz/kcorrelate/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type settlement struct {
	id          string
	deadLetter  bool
	reason      string
	description string
}

type fakeAck struct {
	mu      sync.Mutex
	settled []settlement
	err     error
}

func (a *fakeAck) Complete(ctx context.Context, msg *Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{id: msg.ID})
	return a.err
}

func (a *fakeAck) DeadLetter(ctx context.Context, msg *Message, reason, description string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settlement{id: msg.ID, deadLetter: true, reason: reason, description: description})
	return a.err
}

type fakeEmitter struct {
	mu        sync.Mutex
	published []correlate.Composite
	err       error
}

func (e *fakeEmitter) Publish(ctx context.Context, c correlate.Composite) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, c)
	return e.err
}

func newHandlers(emitter Emitter) map[correlate.Kind]*Handler {
	c := correlate.New(correlate.DefaultKinds())
	decoders := fulfillment.Decoders()
	hs := map[correlate.Kind]*Handler{}
	for _, k := range correlate.DefaultKinds().Kinds() {
		hs[k] = NewHandler(HandlerConfig{
			Kind:       k,
			Decode:     decoders[k],
			Correlator: c,
			Emitter:    emitter,
		})
	}
	return hs
}

var bodies = map[correlate.Kind]string{
	correlate.KindOrder:     `{"orderId":"O1","customerId":"C1","correlationId":"K1","productName":"Widget","quantity":2,"price":9.5}`,
	correlate.KindInventory: `{"reservationId":"R1","orderId":"O1","customerId":"C1","correlationId":"K1","itemIds":["I1"]}`,
	correlate.KindPayment:   `{"paymentId":"P1","orderId":"O1","customerId":"C1","correlationId":"K1","amount":19}`,
}

func TestHandle_CompletesAndPublishesOnce(t *testing.T) {
	emitter := &fakeEmitter{}
	hs := newHandlers(emitter)
	ack := &fakeAck{}
	ctx := context.Background()

	for _, k := range []correlate.Kind{correlate.KindPayment, correlate.KindOrder, correlate.KindInventory, correlate.KindOrder} {
		err := hs[k].Handle(ctx, &Message{ID: string(k), CorrelationID: "K1", Body: []byte(bodies[k])}, ack)
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, len(emitter.published))
	assert.Equal(t, "K1", emitter.published[0].Key)
	assert.Equal(t, 4, len(ack.settled))
	for _, s := range ack.settled {
		assert.False(t, s.deadLetter)
	}

	ready, err := fulfillment.Assemble(emitter.published[0])
	assert.NoError(t, err)
	assert.Equal(t, "C1", ready.(fulfillment.FulfillmentReady).CustomerID)
}

func TestHandle_DeadLetters(t *testing.T) {
	tests := []struct {
		name   string
		kind   correlate.Kind
		msg    Message
		reason string
	}{
		{
			name:   "missing correlation id",
			kind:   correlate.KindOrder,
			msg:    Message{ID: "m1", Body: []byte(bodies[correlate.KindOrder])},
			reason: ReasonMissingCorrelationID,
		},
		{
			name:   "kind mismatch",
			kind:   correlate.KindOrder,
			msg:    Message{ID: "m2", CorrelationID: "K1", Kind: correlate.KindPayment, Body: []byte(bodies[correlate.KindPayment])},
			reason: ReasonUnexpectedKind,
		},
		{
			name:   "malformed json",
			kind:   correlate.KindOrder,
			msg:    Message{ID: "m3", CorrelationID: "K1", Body: []byte(`{"orderId":`)},
			reason: ReasonDecodeFailed,
		},
		{
			name:   "empty body",
			kind:   correlate.KindPayment,
			msg:    Message{ID: "m4", CorrelationID: "K1"},
			reason: ReasonDecodeFailed,
		},
		{
			name:   "invalid payload",
			kind:   correlate.KindInventory,
			msg:    Message{ID: "m5", CorrelationID: "K1", Body: []byte(`{"correlationId":"K1"}`)},
			reason: ReasonDecodeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emitter := &fakeEmitter{}
			hs := newHandlers(emitter)
			ack := &fakeAck{}

			err := hs[tt.kind].Handle(context.Background(), &tt.msg, ack)
			assert.NoError(t, err)
			assert.Equal(t, 1, len(ack.settled))
			assert.True(t, ack.settled[0].deadLetter)
			assert.Equal(t, tt.reason, ack.settled[0].reason)
			assert.NotEqual(t, "", ack.settled[0].description)
			assert.Equal(t, 0, hs[tt.kind].cfg.Correlator.Len())
		})
	}
}

func TestHandle_KindNotRequired(t *testing.T) {
	c := correlate.New(correlate.NewKindSet(correlate.KindOrder, correlate.KindPayment))
	h := NewHandler(HandlerConfig{Kind: correlate.KindInventory, Correlator: c})
	ack := &fakeAck{}

	err := h.Handle(context.Background(), &Message{ID: "m1", CorrelationID: "K1", Body: []byte(`{}`)}, ack)
	assert.NoError(t, err)
	assert.Equal(t, ReasonUnexpectedKind, ack.settled[0].reason)
}

func TestHandle_PublishFailureStillAcks(t *testing.T) {
	emitter := &fakeEmitter{err: errors.New("broker down")}
	hs := newHandlers(emitter)
	ack := &fakeAck{}

	for _, k := range correlate.DefaultKinds().Kinds() {
		err := hs[k].Handle(context.Background(), &Message{ID: string(k), CorrelationID: "K1", Body: []byte(bodies[k])}, ack)
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, len(emitter.published))
	assert.Equal(t, 3, len(ack.settled))
	assert.False(t, ack.settled[2].deadLetter)
}

func TestHandle_AckFailureIsReturned(t *testing.T) {
	hs := newHandlers(nil)
	ack := &fakeAck{err: errors.New("commit failed")}

	err := hs[correlate.KindOrder].Handle(context.Background(),
		&Message{ID: "m1", CorrelationID: "K1", Body: []byte(bodies[correlate.KindOrder])}, ack)
	assert.Error(t, err)

	err = hs[correlate.KindOrder].Handle(context.Background(), &Message{ID: "m2"}, ack)
	assert.Error(t, err)
}

func TestNewHandler_DefaultDecoderKeepsRawJSON(t *testing.T) {
	c := correlate.New(correlate.NewKindSet(correlate.KindOrder))
	emitter := &fakeEmitter{}
	h := NewHandler(HandlerConfig{Kind: correlate.KindOrder, Correlator: c, Emitter: emitter})

	err := h.Handle(context.Background(), &Message{ID: "m1", CorrelationID: "K1", Body: []byte(`{"a":1}`)}, &fakeAck{})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(emitter.published))
	assert.Equal(t, correlate.KindOrder, h.Kind())
}

func partialRecordsGauge(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	assert.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "kcorrelate_partial_records" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("kcorrelate_partial_records not registered")
	return 0
}

func TestHandle_LeavesPartialRecordGaugeToSweeper(t *testing.T) {
	hs := newHandlers(&fakeEmitter{})
	metrics.SetPartialRecords(0)

	err := hs[correlate.KindOrder].Handle(context.Background(),
		&Message{ID: "m1", CorrelationID: "K1", Body: []byte(bodies[correlate.KindOrder])}, &fakeAck{})
	assert.NoError(t, err)
	assert.Equal(t, 0.0, partialRecordsGauge(t))
}
