// Package yookassa implements the YooKassa payment channel.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment"
)

// Name identifies the channel in order records.
const Name = "yookassa"

// DefaultAPIBase is the production API root.
const DefaultAPIBase = "https://api.yookassa.ru"

// Config holds shop credentials.
type Config struct {
	ShopID        string
	APIKey        string
	APIBase       string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

// Channel creates payments and decodes notifications.
type Channel struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

var _ payment.Provider = (*Channel)(nil)

// New returns a Channel. A nil httpClient uses http.DefaultClient.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) *Channel {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{cfg: cfg, http: httpClient, log: log.With("component", "yookassa")}
}

func (c *Channel) Name() string { return Name }

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type receiptItem struct {
	Description    string `json:"description"`
	Amount         amount `json:"amount"`
	Quantity       string `json:"quantity"`
	VATCode        int    `json:"vat_code"`
	PaymentSubject string `json:"payment_subject"`
	PaymentMode    string `json:"payment_mode"`
}

type receipt struct {
	Customer      map[string]string `json:"customer"`
	TaxSystemCode int               `json:"tax_system_code"`
	Items         []receiptItem     `json:"items"`
}

type createPaymentRequest struct {
	Amount       amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
	Confirmation map[string]string `json:"confirmation"`
	Receipt      *receipt          `json:"receipt,omitempty"`
}

type createPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		URL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// CreatePayment registers a redirect payment with a capture on success.
// Each call carries a fresh idempotence key.
func (c *Channel) CreatePayment(ctx context.Context, req payment.CreateRequest) (payment.Created, error) {
	if c.cfg.ShopID == "" || c.cfg.APIKey == "" {
		return payment.Created{}, errors.New("yookassa: credentials not configured")
	}

	value := req.Amount.StringFixed(2)
	description := req.Description
	if description == "" {
		description = "Video generation"
	}
	body := createPaymentRequest{
		Amount:       amount{Value: value, Currency: c.cfg.Currency},
		Capture:      true,
		Description:  description,
		Metadata:     map[string]string{"order_id": req.OrderID, "email": req.Email, "customer_id": req.CustomerID},
		Confirmation: map[string]string{"type": "redirect", "return_url": req.ReturnURL},
	}
	if req.Email != "" {
		itemDescription := description
		if len(itemDescription) > 128 {
			itemDescription = itemDescription[:128]
		}
		body.Receipt = &receipt{
			Customer:      map[string]string{"email": req.Email},
			TaxSystemCode: 1,
			Items: []receiptItem{{
				Description:    itemDescription,
				Amount:         amount{Value: value, Currency: c.cfg.Currency},
				Quantity:       "1.00",
				VATCode:        1,
				PaymentSubject: "service",
				PaymentMode:    "full_payment",
			}},
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return payment.Created{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/v3/payments", bytes.NewReader(data))
	if err != nil {
		return payment.Created{}, err
	}
	httpReq.SetBasicAuth(c.cfg.ShopID, c.cfg.APIKey)
	httpReq.Header.Set("Idempotence-Key", uuid.NewString())
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return payment.Created{}, apperr.Transient(fmt.Errorf("yookassa: create payment: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("yookassa: create payment: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return payment.Created{}, apperr.Transient(err)
		}
		return payment.Created{}, fmt.Errorf("%w: %w", err, apperr.ErrProviderRejected)
	}

	var out createPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return payment.Created{}, fmt.Errorf("yookassa: decode payment: %w", err)
	}
	if out.ID == "" || out.Confirmation.URL == "" {
		return payment.Created{}, fmt.Errorf("yookassa: confirmation_url or payment id missing: %w", apperr.ErrProviderRejected)
	}

	c.log.Info("payment created", "order_id", req.OrderID, "payment_id", out.ID, "amount", value)
	return payment.Created{PaymentID: out.ID, URL: out.Confirmation.URL}, nil
}

// Verify checks the HMAC signature of a notification body.
func (c *Channel) Verify(raw []byte, signature string) error {
	return payment.VerifyHMAC([]byte(c.cfg.WebhookSecret), raw, signature)
}

type notification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID                  string            `json:"id"`
		Status              string            `json:"status"`
		Amount              amount            `json:"amount"`
		Metadata            map[string]string `json:"metadata"`
		CancellationDetails *struct {
			Party  string `json:"party"`
			Reason string `json:"reason"`
		} `json:"cancellation_details"`
	} `json:"object"`
}

// ParseEvent decodes a notification. Only payment.succeeded and
// payment.canceled are terminal; everything else is pending.
func (c *Channel) ParseEvent(raw []byte) (payment.Event, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return payment.Event{}, fmt.Errorf("yookassa: notification: %w: %w", apperr.ErrBadRequest, err)
	}

	ev := payment.Event{
		Provider:  Name,
		Name:      n.Event,
		OrderID:   n.Object.Metadata["order_id"],
		PaymentID: n.Object.ID,
		Outcome:   payment.OutcomePending,
	}
	if n.Object.Amount.Value != "" {
		if amt, err := decimal.NewFromString(n.Object.Amount.Value); err == nil {
			ev.Amount = amt
		}
	}

	switch n.Event {
	case "payment.succeeded":
		ev.Outcome = payment.OutcomeSucceeded
	case "payment.canceled":
		ev.Outcome = payment.OutcomeFailed
		ev.Reason = "canceled"
		if d := n.Object.CancellationDetails; d != nil && d.Reason != "" {
			ev.Reason = d.Reason
		}
	}
	return ev, nil
}
