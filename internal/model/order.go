// Package model defines the order record persisted by the store and
// returned by the API, together with its state transitions.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// PaymentStatus is the payment state of an order.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentError   PaymentStatus = "error"
)

// GenerationStatus is the aggregate generation state of an order.
type GenerationStatus string

const (
	GenerationWaitingPayment GenerationStatus = "waiting_payment"
	GenerationInProgress     GenerationStatus = "in_progress"
	GenerationCompleted      GenerationStatus = "completed"
)

// Order is a paid request for one generation job per input image.
type Order struct {
	OrderID    string          `json:"order_id"`
	CustomerID string          `json:"customer_id"`
	Email      string          `json:"email"`
	Price      decimal.Decimal `json:"price"`
	Payment    Payment         `json:"payment"`
	Generation Generation      `json:"generation"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	// Revision counts saves. Stores reject a save whose revision is not
	// the stored one, so a stale copy cannot overwrite a newer record.
	Revision int64 `json:"revision"`
}

// Payment tracks the payment provider side of an order.
type Payment struct {
	Provider  string        `json:"provider"`
	Status    PaymentStatus `json:"status"`
	PaymentID string        `json:"payment_id,omitempty"`
	URL       string        `json:"url,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Generation holds the items of an order and their aggregate status.
type Generation struct {
	Status GenerationStatus `json:"status"`
	Items  []Item           `json:"items"`
}

// New returns an order waiting for payment with all items pending.
func New(orderID, customerID, email string, price decimal.Decimal, items []Item, now time.Time) *Order {
	now = now.UTC()
	its := make([]Item, len(items))
	for i, it := range items {
		its[i] = Item{InputLocator: it.InputLocator, Prompt: it.Prompt, Status: ItemPending}
	}
	return &Order{
		OrderID:    orderID,
		CustomerID: customerID,
		Email:      email,
		Price:      price,
		Payment:    Payment{Status: PaymentPending},
		Generation: Generation{Status: GenerationWaitingPayment, Items: its},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// PartitionDate returns the creation date used to partition persisted orders.
func (o *Order) PartitionDate() string {
	return o.CreatedAt.UTC().Format(PartitionLayout)
}

// PartitionLayout is the time layout of a partition key.
const PartitionLayout = "2006-01-02"

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Generation.Items = append([]Item(nil), o.Generation.Items...)
	return &c
}

// Touch sets UpdatedAt.
func (o *Order) Touch(now time.Time) { o.UpdatedAt = now.UTC() }

// Item returns a pointer to the item at index i.
func (o *Order) Item(i int) (*Item, error) {
	if i < 0 || i >= len(o.Generation.Items) {
		return nil, fmt.Errorf("order %s item %d: %w", o.OrderID, i, apperr.ErrItemNotFound)
	}
	return &o.Generation.Items[i], nil
}

// AllTerminal reports whether every item reached succeeded or failed.
func (g *Generation) AllTerminal() bool {
	for _, it := range g.Items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// Links returns the result locators of succeeded items in item order.
func (g *Generation) Links() []string {
	links := make([]string, 0, len(g.Items))
	for _, it := range g.Items {
		if it.Status == ItemSucceeded && it.ResultLocator != "" {
			links = append(links, it.ResultLocator)
		}
	}
	return links
}

// Complete moves the generation to completed.
// It returns false when the generation was already completed or
// some item is still in flight.
func (g *Generation) Complete() bool {
	if g.Status == GenerationCompleted || !g.AllTerminal() {
		return false
	}
	g.Status = GenerationCompleted
	return true
}

// MarkPaid moves the payment from pending to paid.
func (p *Payment) MarkPaid(paymentID string) error {
	if p.Status != PaymentPending {
		return fmt.Errorf("payment %s -> %s: %w", p.Status, PaymentPaid, apperr.ErrInvalidTransition)
	}
	p.Status = PaymentPaid
	if paymentID != "" {
		p.PaymentID = paymentID
	}
	p.Error = ""
	return nil
}

// MarkError moves the payment from pending to error.
func (p *Payment) MarkError(reason string) error {
	if p.Status != PaymentPending {
		return fmt.Errorf("payment %s -> %s: %w", p.Status, PaymentError, apperr.ErrInvalidTransition)
	}
	p.Status = PaymentError
	p.Error = reason
	return nil
}

// Validate checks the structural invariants of a record.
func (o *Order) Validate() error {
	switch {
	case o.OrderID == "":
		return fmt.Errorf("order_id is required: %w", apperr.ErrBadRequest)
	case o.Email == "":
		return fmt.Errorf("order %s: email is required: %w", o.OrderID, apperr.ErrBadRequest)
	case len(o.Generation.Items) == 0:
		return fmt.Errorf("order %s: at least one item is required: %w", o.OrderID, apperr.ErrBadRequest)
	case o.Price.IsNegative():
		return fmt.Errorf("order %s: negative price: %w", o.OrderID, apperr.ErrBadRequest)
	}

	switch o.Payment.Status {
	case PaymentPending, PaymentPaid, PaymentError:
	default:
		return fmt.Errorf("order %s: payment status %q: %w", o.OrderID, o.Payment.Status, apperr.ErrBadRequest)
	}

	for i, it := range o.Generation.Items {
		if !it.Status.valid() {
			return fmt.Errorf("order %s item %d: status %q: %w", o.OrderID, i, it.Status, apperr.ErrBadRequest)
		}
	}

	switch o.Generation.Status {
	case GenerationWaitingPayment, GenerationInProgress:
		if o.Generation.Status == GenerationInProgress && o.Generation.AllTerminal() {
			return fmt.Errorf("order %s: all items terminal but generation %s: %w",
				o.OrderID, o.Generation.Status, apperr.ErrInvalidTransition)
		}
	case GenerationCompleted:
		if !o.Generation.AllTerminal() {
			return fmt.Errorf("order %s: completed with items in flight: %w", o.OrderID, apperr.ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("order %s: generation status %q: %w", o.OrderID, o.Generation.Status, apperr.ErrBadRequest)
	}
	return nil
}
