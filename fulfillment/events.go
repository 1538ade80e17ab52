// Package fulfillment holds the order, inventory and payment events that are
// joined into a FulfillmentReady event.
package fulfillment

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEvent = errors.New("fulfillment: invalid event")

// Event type names, also used as message subjects and eventType properties.
const (
	EventTypeOrderCreated      = "OrderCreated"
	EventTypeInventoryReserved = "InventoryReserved"
	EventTypePaymentConfirmed  = "PaymentConfirmed"
	EventTypeFulfillmentReady  = "FulfillmentReady"
)

// SourceAggregator is the origin stamped on composite events.
const SourceAggregator = "Aggregator"

type OrderCreated struct {
	OrderID       string    `json:"orderId"`
	CustomerID    string    `json:"customerId"`
	CorrelationID string    `json:"correlationId"`
	SourceSystem  string    `json:"sourceSystem"`
	EventType     string    `json:"eventType"`
	Timestamp     time.Time `json:"timestamp"`
	ProductName   string    `json:"productName"`
	Quantity      int       `json:"quantity"`
	Price         float64   `json:"price"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (e OrderCreated) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidEvent)
	}
	if e.Quantity < 0 {
		return fmt.Errorf("%w: negative quantity %d", ErrInvalidEvent, e.Quantity)
	}
	return nil
}

type InventoryReserved struct {
	ReservationID string    `json:"reservationId"`
	OrderID       string    `json:"orderId"`
	CustomerID    string    `json:"customerId"`
	CorrelationID string    `json:"correlationId"`
	SourceSystem  string    `json:"sourceSystem"`
	EventType     string    `json:"eventType"`
	ItemIDs       []string  `json:"itemIds"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e InventoryReserved) Validate() error {
	if e.ReservationID == "" {
		return fmt.Errorf("%w: reservationId is required", ErrInvalidEvent)
	}
	return nil
}

type PaymentConfirmed struct {
	PaymentID     string    `json:"paymentId"`
	OrderID       string    `json:"orderId"`
	CustomerID    string    `json:"customerId"`
	CorrelationID string    `json:"correlationId"`
	SourceSystem  string    `json:"sourceSystem"`
	EventType     string    `json:"eventType"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e PaymentConfirmed) Validate() error {
	if e.PaymentID == "" {
		return fmt.Errorf("%w: paymentId is required", ErrInvalidEvent)
	}
	if e.Amount < 0 {
		return fmt.Errorf("%w: negative amount %v", ErrInvalidEvent, e.Amount)
	}
	return nil
}

// FulfillmentReady is emitted once all three parts of an order are known.
type FulfillmentReady struct {
	OrderID          string            `json:"orderId"`
	CustomerID       string            `json:"customerId"`
	CorrelationID    string            `json:"correlationId"`
	SourceSystem     string            `json:"sourceSystem"`
	EventType        string            `json:"eventType"`
	OrderDetails     OrderCreated      `json:"orderDetails"`
	PaymentDetails   PaymentConfirmed  `json:"paymentDetails"`
	InventoryDetails InventoryReserved `json:"inventoryDetails"`
}
