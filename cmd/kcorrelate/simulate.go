package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/fulfillment"
	"github.com/birdayz/kcorrelate/internal/headers"
	"github.com/birdayz/kcorrelate/kserde"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

var products = []string{"Keyboard", "Monitor", "Headset", "Dock", "Webcam"}

// simulatedEvent is one event of a simulated order, addressed to the stream
// of its kind.
type simulatedEvent struct {
	kind          correlate.Kind
	messageID     string
	correlationID string
	eventType     string
	origin        string
	payload       any
}

type simulator struct {
	rng *rand.Rand
	now func() time.Time
	ser kserde.Serializer[any]
}

func newSimulator(seed uint64) *simulator {
	return &simulator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: time.Now,
		ser: kserde.JSONSerializer[any](),
	}
}

// order returns the order, inventory and payment events of one order.
func (s *simulator) order() []simulatedEvent {
	correlationID := uuid.NewString()
	orderID := fmt.Sprintf("ORD-%06d", s.rng.IntN(1_000_000))
	customerID := fmt.Sprintf("CUST-%04d", s.rng.IntN(10_000))
	quantity := 1 + s.rng.IntN(5)
	price := float64(1+s.rng.IntN(50_000)) / 100
	ts := s.now().UTC()

	order := fulfillment.OrderCreated{
		OrderID:       orderID,
		CustomerID:    customerID,
		CorrelationID: correlationID,
		SourceSystem:  "OrderService",
		EventType:     fulfillment.EventTypeOrderCreated,
		Timestamp:     ts,
		ProductName:   products[s.rng.IntN(len(products))],
		Quantity:      quantity,
		Price:         price,
		CreatedAt:     ts,
	}
	inventory := fulfillment.InventoryReserved{
		ReservationID: "RES-" + uuid.NewString()[:8],
		OrderID:       orderID,
		CustomerID:    customerID,
		CorrelationID: correlationID,
		SourceSystem:  "InventoryService",
		EventType:     fulfillment.EventTypeInventoryReserved,
		ItemIDs:       []string{fmt.Sprintf("ITEM-%04d", s.rng.IntN(10_000))},
		Timestamp:     ts,
	}
	payment := fulfillment.PaymentConfirmed{
		PaymentID:     "PAY-" + uuid.NewString()[:8],
		OrderID:       orderID,
		CustomerID:    customerID,
		CorrelationID: correlationID,
		SourceSystem:  "PaymentService",
		EventType:     fulfillment.EventTypePaymentConfirmed,
		Amount:        price * float64(quantity),
		Timestamp:     ts,
	}

	return []simulatedEvent{
		s.event(correlate.KindOrder, correlationID, order.EventType, order.SourceSystem, order),
		s.event(correlate.KindInventory, correlationID, inventory.EventType, inventory.SourceSystem, inventory),
		s.event(correlate.KindPayment, correlationID, payment.EventType, payment.SourceSystem, payment),
	}
}

func (s *simulator) event(kind correlate.Kind, correlationID, eventType, origin string, payload any) simulatedEvent {
	return simulatedEvent{
		kind:          kind,
		messageID:     uuid.NewString(),
		correlationID: correlationID,
		eventType:     eventType,
		origin:        origin,
		payload:       payload,
	}
}

// batch simulates n orders. Each event is redelivered with probability
// duplicates, and the events of all orders arrive shuffled.
func (s *simulator) batch(n int, duplicates float64) []simulatedEvent {
	events := make([]simulatedEvent, 0, n*3)
	for i := 0; i < n; i++ {
		for _, e := range s.order() {
			events = append(events, e)
			if duplicates > 0 && s.rng.Float64() < duplicates {
				events = append(events, e)
			}
		}
	}
	s.rng.Shuffle(len(events), func(i, j int) {
		events[i], events[j] = events[j], events[i]
	})
	return events
}

func (s *simulator) record(e simulatedEvent, topic string) (*kgo.Record, error) {
	value, err := s.ser(e.payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.eventType, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.correlationID),
		Value: value,
		Headers: headers.FromMap(map[string]string{
			headers.MessageID:     e.messageID,
			headers.CorrelationID: e.correlationID,
			headers.ContentType:   "application/json",
			headers.Subject:       e.eventType,
			headers.EventType:     e.eventType,
			headers.Origin:        e.origin,
			headers.Kind:          string(e.kind),
		}, headers.MessageID, headers.CorrelationID),
	}, nil
}
