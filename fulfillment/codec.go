package fulfillment

import (
	"fmt"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/birdayz/kcorrelate/kserde"
)

// Decoders returns the typed payload decoder for each well-known kind.
func Decoders() map[correlate.Kind]kserde.Deserializer[any] {
	return map[correlate.Kind]kserde.Deserializer[any]{
		correlate.KindOrder: kserde.Erased(kserde.Validated(
			kserde.JSONDeserializer[OrderCreated](), OrderCreated.Validate)),
		correlate.KindInventory: kserde.Erased(kserde.Validated(
			kserde.JSONDeserializer[InventoryReserved](), InventoryReserved.Validate)),
		correlate.KindPayment: kserde.Erased(kserde.Validated(
			kserde.JSONDeserializer[PaymentConfirmed](), PaymentConfirmed.Validate)),
	}
}

// MissingKinds returns the kinds Assemble needs that required lacks. A
// composite completed without them cannot be assembled.
func MissingKinds(required correlate.KindSet) []correlate.Kind {
	var missing []correlate.Kind
	for _, k := range []correlate.Kind{correlate.KindOrder, correlate.KindInventory, correlate.KindPayment} {
		if !required.Contains(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Assemble builds the FulfillmentReady event from a completed composite.
func Assemble(c correlate.Composite) (any, error) {
	order, err := part[OrderCreated](c, correlate.KindOrder)
	if err != nil {
		return nil, err
	}
	inventory, err := part[InventoryReserved](c, correlate.KindInventory)
	if err != nil {
		return nil, err
	}
	payment, err := part[PaymentConfirmed](c, correlate.KindPayment)
	if err != nil {
		return nil, err
	}

	return FulfillmentReady{
		OrderID:          order.OrderID,
		CustomerID:       order.CustomerID,
		CorrelationID:    c.Key,
		SourceSystem:     SourceAggregator,
		EventType:        EventTypeFulfillmentReady,
		OrderDetails:     order,
		PaymentDetails:   payment,
		InventoryDetails: inventory,
	}, nil
}

func part[T any](c correlate.Composite, kind correlate.Kind) (T, error) {
	v, ok := c.Part(kind)
	if !ok {
		return *new(T), fmt.Errorf("%w: composite %s has no %s part", ErrInvalidEvent, c.Key, kind)
	}
	typed, ok := v.(T)
	if !ok {
		return *new(T), fmt.Errorf("%w: %s part of %s is %T", ErrInvalidEvent, kind, c.Key, v)
	}
	return typed, nil
}
