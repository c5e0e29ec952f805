package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/backoff"
	"github.com/iliamunaev/media-order-fulfillment/internal/tracker"
)

const testEndpoint = "fal-ai/kling-video/v1/standard/image-to-video"

func newTestClient(t *testing.T, h http.Handler) (*Client, *tracker.Tracker) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tr := &tracker.Tracker{}
	c := New(Config{Key: "k-1", Endpoint: testEndpoint, QueueURL: srv.URL}, srv.Client(), tr, nil).
		WithRetry(backoff.Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond})
	return c, tr
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, tr := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/"+testEndpoint {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Key k-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("fal_webhook"); got != "https://api/cb?order_id=o-1&item_index=0" {
			t.Errorf("unexpected webhook %q", got)
		}
		var body submitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Prompt != "animate" || body.ImageURL != "https://img/1.png" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = io.WriteString(w, `{"request_id":"req-1","status_url":"x"}`)
	}))

	handle, err := c.Submit(context.Background(), "animate", "https://img/1.png", "https://api/cb?order_id=o-1&item_index=0")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle != "req-1" {
		t.Fatalf("expected req-1, got %s", handle)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a retry after 503, got %d calls", calls.Load())
	}
	if tr.Running() != 0 || tr.Total() != 2 {
		t.Fatalf("unexpected tracker state running=%d total=%d", tr.Running(), tr.Total())
	}
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"image_url is not reachable"}`)
	}))

	_, err := c.Submit(context.Background(), "p", "https://img", "")
	if !errors.Is(err, apperr.ErrProviderRejected) {
		t.Fatalf("expected %v, got %v", apperr.ErrProviderRejected, err)
	}
	if apperr.IsTransient(err) {
		t.Fatal("expected rejection to be permanent")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry on 422, got %d calls", calls.Load())
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fal-ai/kling-video/requests/req-1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"status":"COMPLETED"}`)
	}))

	st, err := c.Status(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Done() {
		t.Fatalf("expected done, got %s", st)
	}
}

func TestResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantState State
		wantRef   string
		wantErr   bool
		transient bool
	}{
		{name: "video", status: 200, body: `{"video":{"url":"https://cdn/v.mp4"}}`, wantState: StateSucceeded, wantRef: "https://cdn/v.mp4"},
		{name: "no_media", status: 200, body: `{"seed":1}`, wantState: StateFailed},
		{name: "failed_job", status: 422, body: `{"detail":"nsfw"}`, wantState: StateFailed},
		{name: "not_ready", status: 404, body: `{"detail":"not found"}`, wantErr: true, transient: true},
		{name: "provider_down", status: 502, body: `bad gateway`, wantErr: true, transient: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))

			out, err := c.Result(context.Background(), "req-1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if apperr.IsTransient(err) != tt.transient {
					t.Fatalf("expected transient=%v, got %v", tt.transient, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.State != tt.wantState || out.ResultRef != tt.wantRef {
				t.Fatalf("unexpected outcome %+v", out)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "mp4-bytes")
	}))

	data, err := c.Fetch(context.Background(), c.cfg.QueueURL+"/v.mp4")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "mp4-bytes" {
		t.Fatalf("unexpected body %q", data)
	}

	if _, err := c.Fetch(context.Background(), c.cfg.QueueURL+"/missing"); !errors.Is(err, apperr.ErrProviderRejected) {
		t.Fatalf("expected %v, got %v", apperr.ErrProviderRejected, err)
	}
}

func TestAppID(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"fal-ai/kling-video/v1/standard/image-to-video": "fal-ai/kling-video",
		"fal-ai/flux-pro": "fal-ai/flux-pro",
		"single":          "single",
	}
	for in, want := range tests {
		if got := appID(in); got != want {
			t.Fatalf("appID(%q): expected %q, got %q", in, want, got)
		}
	}
}
