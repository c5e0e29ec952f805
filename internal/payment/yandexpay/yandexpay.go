// Package yandexpay implements the Yandex Pay merchant order channel.
package yandexpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment"
)

// Name identifies the channel in order records.
const Name = "yandexpay"

// DefaultCreateURL is the sandbox order endpoint.
const DefaultCreateURL = "https://sandbox.pay.yandex.ru/api/merchant/v1/orders"

// Config holds merchant credentials.
type Config struct {
	MerchantID    string
	APIKey        string
	CreateURL     string
	WebhookSecret string
	Currency      string
	// OrderTTL is how long the payment page stays valid.
	OrderTTL time.Duration
	Timeout  time.Duration
}

// Channel creates merchant orders and decodes status notifications.
type Channel struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

var _ payment.Provider = (*Channel)(nil)

// New returns a Channel. A nil httpClient uses http.DefaultClient.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) *Channel {
	if cfg.CreateURL == "" {
		cfg.CreateURL = DefaultCreateURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = 30 * time.Minute
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
	return &Channel{cfg: cfg, http: httpClient, log: log.With("component", "yandexpay")}
}

func (c *Channel) Name() string { return Name }

type cartItem struct {
	ProductID string   `json:"productId"`
	Title     string   `json:"title"`
	Quantity  quantity `json:"quantity"`
	Total     string   `json:"total"`
}

type quantity struct {
	Count string `json:"count"`
}

type cart struct {
	Items []cartItem `json:"items"`
	Total struct {
		Amount string `json:"amount"`
	} `json:"total"`
}

type createOrderRequest struct {
	OrderID                 string   `json:"orderId"`
	MerchantID              string   `json:"merchantId"`
	CurrencyCode            string   `json:"currencyCode"`
	Cart                    cart     `json:"cart"`
	RedirectURLs            *urls    `json:"redirectUrls,omitempty"`
	AvailablePaymentMethods []string `json:"availablePaymentMethods"`
	TTL                     int      `json:"ttl"`
}

type urls struct {
	OnSuccess string `json:"onSuccess"`
	OnError   string `json:"onError"`
}

type createOrderResponse struct {
	PaymentURL string `json:"paymentUrl"`
	Data       struct {
		PaymentURL string `json:"paymentUrl"`
	} `json:"data"`
}

func (r createOrderResponse) url() string {
	if r.Data.PaymentURL != "" {
		return r.Data.PaymentURL
	}
	return r.PaymentURL
}

// CreatePayment registers a merchant order keyed by the order id. Yandex Pay
// has no separate payment id, so the order id is returned as one.
func (c *Channel) CreatePayment(ctx context.Context, req payment.CreateRequest) (payment.Created, error) {
	if c.cfg.MerchantID == "" || c.cfg.APIKey == "" {
		return payment.Created{}, errors.New("yandexpay: credentials not configured")
	}

	count := req.Quantity
	if count <= 0 {
		count = 1
	}
	total := req.Amount.StringFixed(2)
	body := createOrderRequest{
		OrderID:      req.OrderID,
		MerchantID:   c.cfg.MerchantID,
		CurrencyCode: c.cfg.Currency,
		Cart: cart{Items: []cartItem{{
			ProductID: "gen-video",
			Title:     fmt.Sprintf("Video generation x%d", count),
			Quantity:  quantity{Count: strconv.Itoa(count)},
			Total:     total,
		}}},
		AvailablePaymentMethods: []string{"CARD"},
		TTL:                     int(c.cfg.OrderTTL / time.Second),
	}
	body.Cart.Total.Amount = total
	if req.ReturnURL != "" {
		body.RedirectURLs = &urls{OnSuccess: req.ReturnURL, OnError: req.ReturnURL}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return payment.Created{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CreateURL, bytes.NewReader(data))
	if err != nil {
		return payment.Created{}, err
	}
	httpReq.Header.Set("Authorization", "Api-Key "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return payment.Created{}, apperr.Transient(fmt.Errorf("yandexpay: create order: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("yandexpay: create order: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return payment.Created{}, apperr.Transient(err)
		}
		return payment.Created{}, fmt.Errorf("%w: %w", err, apperr.ErrProviderRejected)
	}

	var out createOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return payment.Created{}, fmt.Errorf("yandexpay: decode order: %w", err)
	}
	link := out.url()
	if link == "" {
		return payment.Created{}, fmt.Errorf("yandexpay: paymentUrl missing: %w", apperr.ErrProviderRejected)
	}

	c.log.Info("payment created", "order_id", req.OrderID, "amount", total)
	return payment.Created{PaymentID: req.OrderID, URL: link}, nil
}

// Verify checks the HMAC signature of a notification body.
func (c *Channel) Verify(raw []byte, signature string) error {
	return payment.VerifyHMAC([]byte(c.cfg.WebhookSecret), raw, signature)
}

type notification struct {
	Event      string `json:"event"`
	MerchantID string `json:"merchantId"`
	Order      struct {
		OrderID       string `json:"orderId"`
		PaymentStatus string `json:"paymentStatus"`
		OrderAmount   string `json:"orderAmount"`
		Reason        string `json:"reason"`
	} `json:"order"`
}

// ParseEvent decodes an order status notification. CAPTURED is the only
// success; FAILED and VOIDED end the payment.
func (c *Channel) ParseEvent(raw []byte) (payment.Event, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return payment.Event{}, fmt.Errorf("yandexpay: notification: %w: %w", apperr.ErrBadRequest, err)
	}

	ev := payment.Event{
		Provider:  Name,
		Name:      n.Event,
		OrderID:   n.Order.OrderID,
		PaymentID: n.Order.OrderID,
		Outcome:   payment.OutcomePending,
	}
	if n.MerchantID != "" && n.MerchantID != c.cfg.MerchantID {
		c.log.Warn("notification for another merchant", "merchant_id", n.MerchantID)
		ev.OrderID = ""
		return ev, nil
	}
	if n.Order.OrderAmount != "" {
		if amt, err := decimal.NewFromString(n.Order.OrderAmount); err == nil {
			ev.Amount = amt
		}
	}

	switch n.Order.PaymentStatus {
	case "CAPTURED":
		ev.Outcome = payment.OutcomeSucceeded
	case "FAILED", "VOIDED":
		ev.Outcome = payment.OutcomeFailed
		ev.Reason = n.Order.Reason
		if ev.Reason == "" {
			ev.Reason = "payment " + n.Order.PaymentStatus
		}
	}
	return ev, nil
}
