// Package fulfillment drives paid orders through generation to the final
// customer notification.
package fulfillment

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/backoff"
	"github.com/iliamunaev/media-order-fulfillment/internal/blob"
	"github.com/iliamunaev/media-order-fulfillment/internal/generation"
	"github.com/iliamunaev/media-order-fulfillment/internal/keylock"
	"github.com/iliamunaev/media-order-fulfillment/internal/model"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment"
	"github.com/iliamunaev/media-order-fulfillment/internal/store"
)

// Generator runs asynchronous generation jobs.
type Generator interface {
	Submit(ctx context.Context, prompt, imageURL, callbackURL string) (string, error)
	Status(ctx context.Context, handle string) (generation.QueueState, error)
	Result(ctx context.Context, handle string) (generation.Outcome, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Blob stores generated media and signs links to stored objects.
type Blob interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Presign(ctx context.Context, locator string, ttl time.Duration) (string, time.Duration, error)
	ResultKey(customerID, orderID string, index int, ext string) string
	UploadKey(customerID, requestID, filename string) string
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, string, error)
}

// Notifier emails customers.
type Notifier interface {
	NotifyCompletion(ctx context.Context, email string, links []string) error
	SendPaymentReceipt(ctx context.Context, email string, amount decimal.Decimal, orderID, paymentID string) error
}

// Config holds the service settings.
type Config struct {
	// PublicBaseURL is where the generation provider reaches the callback.
	PublicBaseURL string
	// CallbackToken authenticates generation callbacks.
	CallbackToken string
	// UnitPrice is charged per item.
	UnitPrice decimal.Decimal
	// ReturnURLBase is where the payment page sends the customer back.
	ReturnURLBase string
	// LinkTTL bounds presigned links; zero uses the blob store default.
	LinkTTL time.Duration
	// UploadTTL bounds presigned upload links; zero means ten minutes.
	UploadTTL time.Duration
	// WorkTimeout bounds dispatch and completion once they started. That
	// work is detached from the request that triggered it.
	WorkTimeout time.Duration
	// NotifyTimeout bounds one customer email.
	NotifyTimeout time.Duration
}

// conflictRetries bounds how often a mutation is replayed after another
// process saved the same order first.
const conflictRetries = 5

var conflictBackoff = backoff.Policy{Base: 20 * time.Millisecond, Max: 500 * time.Millisecond}

// Service owns every mutation of an order record. Mutations of one order
// are serialized, so concurrent signals never lose an update.
type Service struct {
	cfg      Config
	store    store.Store
	gen      Generator
	blob     Blob
	notifier Notifier
	payments payment.Provider
	locks    *keylock.Locker
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Service. It panics on a missing dependency.
func New(cfg Config, st store.Store, gen Generator, bl Blob, n Notifier, p payment.Provider, log *slog.Logger) *Service {
	switch {
	case st == nil:
		panic("nil store")
	case gen == nil:
		panic("nil generator")
	case bl == nil:
		panic("nil blob store")
	case n == nil:
		panic("nil notifier")
	case p == nil:
		panic("nil payment provider")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = 10 * time.Minute
	}
	if cfg.WorkTimeout <= 0 {
		cfg.WorkTimeout = 6 * time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = time.Minute
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		gen:      gen,
		blob:     bl,
		notifier: n,
		payments: p,
		locks:    keylock.New(),
		now:      time.Now,
		log:      log.With("component", "fulfillment"),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// withOrder runs fn while holding the order's lock. The lock only covers
// this process, so fn is replayed when a save hits store.ErrConflict; fn
// must reload the order on every call.
func (s *Service) withOrder(ctx context.Context, orderID string, fn func() error) error {
	if err := s.locks.Acquire(ctx, orderID); err != nil {
		return fmt.Errorf("fulfillment: lock order %s: %w", orderID, err)
	}
	defer s.locks.Release(orderID)

	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if attempt > 0 {
			s.log.Info("order changed concurrently, replaying", "order_id", orderID, "attempt", attempt)
			if serr := backoff.SleepOrDone(ctx, conflictBackoff.Delay(attempt)); serr != nil {
				return err
			}
		}
		if err = fn(); !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}

// detach returns a context that survives the caller's cancellation and is
// bounded by d instead.
func detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func (s *Service) save(ctx context.Context, o *model.Order) error {
	o.Touch(s.now())
	if err := s.store.Save(ctx, o); err != nil {
		return fmt.Errorf("fulfillment: save order %s: %w", o.OrderID, err)
	}
	return nil
}

// OrderRequest is a new order as submitted by a customer.
type OrderRequest struct {
	CustomerID string
	Email      string
	Items      []model.Item
}

// CreateOrder persists a new order and opens a payment for it. The order is
// stored before the payment exists so that an early payment notification
// always finds it.
func (s *Service) CreateOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if req.CustomerID == "" {
		req.CustomerID = "anonymous"
	}
	for i, it := range req.Items {
		if strings.TrimSpace(it.InputLocator) == "" {
			return nil, fmt.Errorf("item %d: input_locator is required: %w", i, apperr.ErrBadRequest)
		}
	}

	id := uuid.NewString()
	price := s.cfg.UnitPrice.Mul(decimal.NewFromInt(int64(len(req.Items))))
	o := model.New(id, req.CustomerID, strings.TrimSpace(req.Email), price, req.Items, s.now())
	o.Payment.Provider = s.payments.Name()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if err := s.withOrder(ctx, id, func() error { return s.save(ctx, o) }); err != nil {
		return nil, err
	}

	created, err := s.payments.CreatePayment(ctx, payment.CreateRequest{
		OrderID:     id,
		CustomerID:  o.CustomerID,
		Email:       o.Email,
		Amount:      price,
		Quantity:    len(o.Generation.Items),
		Description: fmt.Sprintf("Video generation, %d item(s)", len(o.Generation.Items)),
		ReturnURL:   s.returnURL(id),
	})

	// The order is visible to payment notifications from here on, so the
	// outcome is applied to a freshly loaded record.
	wctx, cancel := detach(ctx, s.cfg.WorkTimeout)
	defer cancel()
	uerr := s.withOrder(wctx, id, func() error {
		cur, found, lerr := s.store.Load(wctx, id)
		if lerr != nil {
			return lerr
		}
		if !found {
			return fmt.Errorf("order %s: %w", id, apperr.ErrOrderNotFound)
		}
		o = cur
		switch {
		case err != nil:
			if o.Payment.MarkError(err.Error()) != nil {
				return nil
			}
		case o.Payment.URL == "":
			if o.Payment.PaymentID == "" {
				o.Payment.PaymentID = created.PaymentID
			}
			o.Payment.URL = created.URL
		default:
			return nil
		}
		return s.save(wctx, o)
	})
	if err != nil {
		if uerr != nil {
			s.log.Error("record payment failure", "order_id", id, "error", uerr)
		}
		return nil, fmt.Errorf("fulfillment: create payment for %s: %w", id, err)
	}
	if uerr != nil {
		return nil, uerr
	}

	s.log.Info("order created", "order_id", id, "items", len(o.Generation.Items), "price", price.StringFixed(2))
	return o, nil
}

// GetOrder returns the order with freshly signed links for its results.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, found, err := s.store.Load(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fulfillment: load order %s: %w", orderID, err)
	}
	if !found {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrOrderNotFound)
	}
	for i := range o.Generation.Items {
		it := &o.Generation.Items[i]
		if it.Status != model.ItemSucceeded || !blob.IsLocator(it.ResultLocator) {
			continue
		}
		link, _, err := s.blob.Presign(ctx, it.ResultLocator, s.cfg.LinkTTL)
		if err != nil {
			s.log.Warn("presign result", "order_id", orderID, "item_index", i, "error", err)
			continue
		}
		it.ResultLocator = link
	}
	return o, nil
}

// VerifyCallbackToken checks the shared secret carried by generation
// callbacks. An unset secret rejects every callback.
func (s *Service) VerifyCallbackToken(token string) error {
	want := s.cfg.CallbackToken
	if want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return fmt.Errorf("generation callback: %w", apperr.ErrUnauthorized)
	}
	return nil
}

func (s *Service) callbackURL(orderID string, index int) string {
	q := url.Values{
		"order_id":   {orderID},
		"item_index": {strconv.Itoa(index)},
		"token":      {s.cfg.CallbackToken},
	}
	return s.cfg.PublicBaseURL + "/webhooks/generation?" + q.Encode()
}

func (s *Service) returnURL(orderID string) string {
	base := s.cfg.ReturnURLBase
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + url.Values{"order_id": {orderID}}.Encode()
}

// links signs the stored result locators of an order for the customer.
func (s *Service) links(ctx context.Context, o *model.Order) []string {
	stored := o.Generation.Links()
	out := make([]string, 0, len(stored))
	for _, loc := range stored {
		if !blob.IsLocator(loc) {
			out = append(out, loc)
			continue
		}
		link, _, err := s.blob.Presign(ctx, loc, s.cfg.LinkTTL)
		if err != nil {
			s.log.Warn("presign result", "order_id", o.OrderID, "locator", loc, "error", err)
			continue
		}
		out = append(out, link)
	}
	return out
}

// notifyCompletion is called once per order, after the completed record
// is persisted. Delivery failures are logged and not retried.
func (s *Service) notifyCompletion(ctx context.Context, o *model.Order) {
	ctx, cancel := detach(ctx, s.cfg.NotifyTimeout)
	defer cancel()

	links := s.links(ctx, o)
	if err := s.notifier.NotifyCompletion(ctx, o.Email, links); err != nil {
		s.log.Error("completion notification failed", "order_id", o.OrderID, "email", o.Email, "error", err)
		return
	}
	s.log.Info("order completed", "order_id", o.OrderID, "links", len(links), "items", len(o.Generation.Items))
}
