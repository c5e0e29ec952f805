package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/media-order-fulfillment/internal/generation"
	"github.com/iliamunaev/media-order-fulfillment/internal/model"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment"
	"github.com/iliamunaev/media-order-fulfillment/internal/store"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/filestore"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/storetest"
)

const (
	testSecret = "whsec"
	testToken  = "cb-token"
)

var testNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

type fakeGen struct {
	mu         sync.Mutex
	next       int
	submitErr  map[string]error // by prompt
	callbacks  []string
	status     map[string]generation.QueueState
	statusErr  map[string]error
	results    map[string]generation.Outcome
	fetches    map[string]int
	fetchErr   error
	fetchDelay time.Duration
	// onSubmit runs after the n-th successful submission, outside the lock.
	onSubmit func(n int)
}

func newFakeGen() *fakeGen {
	return &fakeGen{
		submitErr: map[string]error{},
		status:    map[string]generation.QueueState{},
		statusErr: map[string]error{},
		results:   map[string]generation.Outcome{},
		fetches:   map[string]int{},
	}
}

func (g *fakeGen) Submit(ctx context.Context, prompt, imageURL, callbackURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	if err := g.submitErr[prompt]; err != nil {
		g.mu.Unlock()
		return "", err
	}
	if !strings.HasPrefix(imageURL, "https://") {
		g.mu.Unlock()
		return "", fmt.Errorf("unfetchable image %q", imageURL)
	}
	h := fmt.Sprintf("job-%d", g.next)
	g.next++
	n, hook := g.next, g.onSubmit
	g.callbacks = append(g.callbacks, callbackURL)
	g.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return h, nil
}

func (g *fakeGen) Status(_ context.Context, handle string) (generation.QueueState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.statusErr[handle]; err != nil {
		return "", err
	}
	if st, ok := g.status[handle]; ok {
		return st, nil
	}
	return generation.QueueInProgress, nil
}

func (g *fakeGen) Result(_ context.Context, handle string) (generation.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.results[handle], nil
}

func (g *fakeGen) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.fetches[ref]++
	err, delay := g.fetchErr, g.fetchDelay
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return []byte("media:" + ref), nil
}

// finish makes the poller see handle as done with outcome.
func (g *fakeGen) finish(handle string, outcome generation.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[handle] = generation.QueueCompleted
	g.results[handle] = outcome
}

func (g *fakeGen) submitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}

func (g *fakeGen) totalFetches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.fetches {
		n += c
	}
	return n
}

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (b *fakeBlob) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[key] = data
	return "s3://bucket/" + key, nil
}

func (b *fakeBlob) Presign(_ context.Context, locator string, _ time.Duration) (string, time.Duration, error) {
	return "https://cdn.example/" + strings.TrimPrefix(locator, "s3://") + "?sig", 72 * time.Hour, nil
}

func (b *fakeBlob) UploadKey(customerID, requestID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", customerID, requestID, filename)
}

func (b *fakeBlob) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (string, string, error) {
	if b.putErr != nil {
		return "", "", b.putErr
	}
	link := fmt.Sprintf("https://bucket.s3.example/%s?ct=%s&ttl=%d", key, contentType, int(ttl.Seconds()))
	return link, "s3://bucket/" + key, nil
}

func (b *fakeBlob) ResultKey(customerID, orderID string, index int, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("video/%s/%s/%d%s", customerID, orderID, index, ext)
}

type sent struct {
	email string
	links []string
}

type fakeNotifier struct {
	mu          sync.Mutex
	completions []sent
	receipts    []string
	// ctxErrs holds the context state seen by every send.
	ctxErrs []error
	err     error
}

func (n *fakeNotifier) NotifyCompletion(ctx context.Context, email string, links []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ctxErrs = append(n.ctxErrs, ctx.Err())
	n.completions = append(n.completions, sent{email: email, links: links})
	return n.err
}

func (n *fakeNotifier) SendPaymentReceipt(ctx context.Context, _ string, _ decimal.Decimal, orderID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ctxErrs = append(n.ctxErrs, ctx.Err())
	n.receipts = append(n.receipts, orderID)
	return nil
}

func (n *fakeNotifier) contextErrors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.ctxErrs...)
}

func (n *fakeNotifier) sentCompletions() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.completions...)
}

type fakeProvider struct {
	createErr error
	// onCreate runs while the payment is being opened.
	onCreate func(orderID string)
}

type fakeEvent struct {
	Event     string `json:"event"`
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason,omitempty"`
}

func (fakeProvider) Name() string { return "fake" }

func (p fakeProvider) CreatePayment(_ context.Context, req payment.CreateRequest) (payment.Created, error) {
	if p.onCreate != nil {
		p.onCreate(req.OrderID)
	}
	if p.createErr != nil {
		return payment.Created{}, p.createErr
	}
	return payment.Created{PaymentID: "pay-" + req.OrderID, URL: "https://pay.example/" + req.OrderID}, nil
}

func (fakeProvider) Verify(raw []byte, signature string) error {
	return payment.VerifyHMAC([]byte(testSecret), raw, signature)
}

func (fakeProvider) ParseEvent(raw []byte) (payment.Event, error) {
	var e fakeEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return payment.Event{}, err
	}
	ev := payment.Event{Provider: "fake", Name: e.Event, OrderID: e.OrderID, PaymentID: e.PaymentID, Outcome: payment.OutcomePending}
	switch e.Event {
	case "payment.succeeded":
		ev.Outcome = payment.OutcomeSucceeded
	case "payment.canceled":
		ev.Outcome = payment.OutcomeFailed
		ev.Reason = e.Reason
	}
	return ev, nil
}

type harness struct {
	svc      *Service
	dir      string
	store    *filestore.Store
	gen      *fakeGen
	blob     *fakeBlob
	notifier *fakeNotifier
	provider *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := filestore.New(dir, nil)
	require.NoError(t, err)

	h := &harness{
		dir:      dir,
		store:    st,
		gen:      newFakeGen(),
		blob:     &fakeBlob{},
		notifier: &fakeNotifier{},
		provider: &fakeProvider{},
	}
	h.svc = h.service(st)
	return h
}

func (h *harness) service(st store.Store) *Service {
	return New(Config{
		PublicBaseURL: "https://api.example/",
		CallbackToken: testToken,
		UnitPrice:     decimal.NewFromInt(300),
		ReturnURLBase: "https://shop.example/return",
	}, st, h.gen, h.blob, h.notifier, h.provider, nil).WithClock(func() time.Time { return testNow })
}

// peer returns a second service over the same order directory, as a
// separate process would run it. It shares no locks with h.svc.
func (h *harness) peer(t *testing.T) *Service {
	t.Helper()
	st, err := filestore.New(h.dir, nil)
	require.NoError(t, err)
	return h.service(st)
}

// seed stores a pending order with n items.
func (h *harness) seed(t *testing.T, id string, n int) *model.Order {
	t.Helper()
	o := storetest.NewOrder(id, testNow, n)
	require.NoError(t, h.store.Save(context.Background(), o))
	return o
}

func (h *harness) load(t *testing.T, id string) *model.Order {
	t.Helper()
	o, found, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	return o
}

func paymentEvent(t *testing.T, event, orderID string) (raw []byte, sig string) {
	t.Helper()
	raw, err := json.Marshal(fakeEvent{Event: event, OrderID: orderID, PaymentID: "pay-" + orderID, Reason: "expired_on_confirmation"})
	require.NoError(t, err)
	return raw, payment.Sign([]byte(testSecret), raw)
}

// pay delivers a signed payment.succeeded notification.
func (h *harness) pay(t *testing.T, orderID string) Ack {
	t.Helper()
	raw, sig := paymentEvent(t, "payment.succeeded", orderID)
	ack, err := h.svc.HandlePaymentNotification(context.Background(), raw, sig)
	require.NoError(t, err)
	return ack
}

func succeeded(orderID string, index int, ref string) Completion {
	return Completion{OrderID: orderID, ItemIndex: index, State: generation.StateSucceeded, ResultRef: ref, Source: "webhook"}
}

func failed(orderID string, index int, reason string) Completion {
	return Completion{OrderID: orderID, ItemIndex: index, State: generation.StateFailed, Error: reason, Source: "webhook"}
}
