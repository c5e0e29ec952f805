// Package httptransport exposes order intake, order status and the
// payment and generation webhooks over HTTP.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cast"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/fulfillment"
	"github.com/iliamunaev/media-order-fulfillment/internal/generation"
	"github.com/iliamunaev/media-order-fulfillment/internal/middleware"
	"github.com/iliamunaev/media-order-fulfillment/internal/model"
	"github.com/iliamunaev/media-order-fulfillment/internal/tracker"
)

// SignatureHeader carries the payment notification signature.
const SignatureHeader = "X-Signature"

type orderService interface {
	CreateOrder(ctx context.Context, req fulfillment.OrderRequest) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	CreateUpload(ctx context.Context, req fulfillment.UploadRequest) (fulfillment.Upload, error)
	HandlePaymentNotification(ctx context.Context, raw []byte, signature string) (fulfillment.Ack, error)
	VerifyCallbackToken(token string) error
	Complete(ctx context.Context, c fulfillment.Completion) error
}

// Options tunes the handler.
type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Handler serves the public API.
type Handler struct {
	svc            orderService
	tr             *tracker.Tracker
	requestTimeout time.Duration
	maxBody        int64
	log            *slog.Logger
}

// New returns a Handler.
//
// It panics if svc is nil. Non-positive options fall back to defaults.
func New(svc orderService, tr *tracker.Tracker, opts Options, log *slog.Logger) *Handler {
	if svc == nil {
		panic("httptransport.New: nil order service")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 6 * time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if tr == nil {
		tr = &tracker.Tracker{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		svc:            svc,
		tr:             tr,
		requestTimeout: opts.RequestTimeout,
		maxBody:        opts.MaxBodyBytes,
		log:            log.With("component", "http"),
	}
}

// Routes returns the router with logging and panic recovery installed.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(h.log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Post("/orders", h.HandleCreateOrder)
	r.Get("/orders/{orderID}", h.HandleGetOrder)
	r.Post("/uploads", h.HandleCreateUpload)
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/payment", h.HandlePaymentWebhook)
		r.Post("/generation", h.HandleGenerationWebhook)
	})
	return r
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response is the envelope of every API answer.
type Response struct {
	Status  string              `json:"status"`
	OrderID string              `json:"order_id,omitempty"`
	Result  string              `json:"result,omitempty"`
	Order   *model.Order        `json:"order,omitempty"`
	Upload  *fulfillment.Upload `json:"upload,omitempty"`
	Error   *ErrorPayload       `json:"error,omitempty"`
}

type createOrderRequest struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Items      []struct {
		InputLocator string `json:"input_locator"`
		Prompt       string `json:"prompt"`
	} `json:"items"`
}

// HandleCreateOrder registers an order and returns its payment link.
func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, "", err)
		return
	}

	items := make([]model.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = model.Item{InputLocator: it.InputLocator, Prompt: it.Prompt}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	o, err := h.svc.CreateOrder(ctx, fulfillment.OrderRequest{
		CustomerID: req.CustomerID,
		Email:      req.Email,
		Items:      items,
	})
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Status: "ok", OrderID: o.OrderID, Order: o})
}

// HandleGetOrder returns an order with fresh result links.
func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	o, err := h.svc.GetOrder(ctx, orderID)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok", OrderID: o.OrderID, Order: o})
}

// HandleCreateUpload issues a presigned link for a source image.
func (h *Handler) HandleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req fulfillment.UploadRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, "", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	up, err := h.svc.CreateUpload(ctx, req)
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Status: "ok", Upload: &up})
}

// HandlePaymentWebhook applies a payment provider notification.
// Only a bad signature is refused; everything else the service accepts
// is acknowledged with 200 so the provider stops redelivering.
func (h *Handler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeError(w, "", fmt.Errorf("read body: %w", apperr.ErrBadRequest))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	ack, err := h.svc.HandlePaymentNotification(ctx, raw, r.Header.Get(SignatureHeader))
	if err != nil {
		h.writeError(w, ack.OrderID, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok", OrderID: ack.OrderID, Result: string(ack.Result)})
}

// HandleGenerationWebhook records the outcome of a generation job.
// The query identifies the item and carries the shared token.
func (h *Handler) HandleGenerationWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.svc.VerifyCallbackToken(q.Get("token")); err != nil {
		h.writeError(w, "", err)
		return
	}

	orderID := q.Get("order_id")
	if orderID == "" {
		h.writeError(w, "", fmt.Errorf("order_id is required: %w", apperr.ErrBadRequest))
		return
	}
	index, err := cast.ToIntE(q.Get("item_index"))
	if q.Get("item_index") == "" || err != nil || index < 0 {
		h.writeError(w, orderID, fmt.Errorf("item_index %q: %w", q.Get("item_index"), apperr.ErrBadRequest))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeError(w, orderID, fmt.Errorf("read body: %w", apperr.ErrBadRequest))
		return
	}
	wh, outcome, err := generation.ParseWebhook(body)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	if !outcome.State.Terminal() {
		h.log.Info("non-terminal generation callback", "order_id", orderID, "item_index", index, "status", wh.Status)
		writeJSON(w, http.StatusOK, Response{Status: "ok", OrderID: orderID, Result: "ignored"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	err = h.svc.Complete(ctx, fulfillment.Completion{
		OrderID:   orderID,
		ItemIndex: index,
		State:     outcome.State,
		ResultRef: outcome.ResultRef,
		Error:     outcome.Error,
		Source:    "webhook",
	})
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok", OrderID: orderID, Result: string(outcome.State)})
}

type healthResponse struct {
	Status        string `json:"status"`
	InFlight      int64  `json:"inflight"`
	ProviderCalls int64  `json:"provider_calls"`
}

// HandleHealth reports liveness and provider call counters.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		InFlight:      h.tr.Running(),
		ProviderCalls: h.tr.Total(),
	})
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", apperr.ErrBadRequest)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", apperr.ErrBadRequest)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, orderID string, err error) {
	status := httpStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "order_id", orderID, "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, Response{
		Status:  "error",
		OrderID: orderID,
		Error:   &ErrorPayload{Kind: errorKind(err), Message: msg},
	})
}

// writeJSON writes v as a JSON response with the given status code.
// The Content-Type is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
