// Package payment defines the payment provider contract used by
// fulfillment and the webhook signature scheme shared by providers.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// Outcome classifies a provider notification.
type Outcome string

const (
	// OutcomeSucceeded means the money was captured.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed is any terminal non-success (canceled, declined, expired).
	OutcomeFailed Outcome = "failed"
	// OutcomePending is a non-terminal or unrelated event.
	OutcomePending Outcome = "pending"
)

// Event is a verified, decoded provider notification.
type Event struct {
	Provider  string
	Name      string
	OrderID   string
	PaymentID string
	Outcome   Outcome
	Reason    string
	Amount    decimal.Decimal
}

// CreateRequest asks a provider for a payment page.
type CreateRequest struct {
	OrderID    string
	CustomerID string
	Email      string
	Amount     decimal.Decimal
	// Quantity is the number of generated items the amount pays for.
	Quantity    int
	Description string
	ReturnURL   string
}

// Created is a payment awaiting the customer.
type Created struct {
	PaymentID string
	URL       string
}

// Provider is a payment channel.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) (Created, error)
	// Verify authenticates a raw notification body.
	Verify(raw []byte, signature string) error
	// ParseEvent decodes an authenticated notification body.
	ParseEvent(raw []byte) (Event, error)
}

// SignaturePrefix may precede the hex digest in the signature header.
const SignaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of raw under secret.
func Sign(secret, raw []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks signature against raw in constant time.
// An empty secret rejects every notification.
func VerifyHMAC(secret, raw []byte, signature string) error {
	if len(secret) == 0 {
		return fmt.Errorf("payment: no webhook secret configured: %w", apperr.ErrInvalidSignature)
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), SignaturePrefix)
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return fmt.Errorf("payment: malformed signature: %w", apperr.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("payment: signature mismatch: %w", apperr.ErrInvalidSignature)
	}
	return nil
}
