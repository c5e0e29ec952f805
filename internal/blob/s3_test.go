package blob

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

func TestParseLocator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		ref        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{name: "ok", ref: "s3://media/video/c-1/o-1/0.mp4", wantBucket: "media", wantKey: "video/c-1/o-1/0.mp4"},
		{name: "https", ref: "https://example.com/a.png", wantErr: true},
		{name: "no_key", ref: "s3://media", wantErr: true},
		{name: "empty_key", ref: "s3://media/", wantErr: true},
		{name: "no_bucket", ref: "s3:///key", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bucket, key, err := ParseLocator(tt.ref)
			if tt.wantErr {
				if !errors.Is(err, apperr.ErrBadRequest) {
					t.Fatalf("expected %v, got %v", apperr.ErrBadRequest, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bucket != tt.wantBucket || key != tt.wantKey {
				t.Fatalf("expected %s/%s, got %s/%s", tt.wantBucket, tt.wantKey, bucket, key)
			}
		})
	}
}

func TestLocatorRoundTrip(t *testing.T) {
	t.Parallel()

	ref := Locator("media", "uploads/c-1/r-1/cat.png")
	bucket, key, err := ParseLocator(ref)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if bucket != "media" || key != "uploads/c-1/r-1/cat.png" {
		t.Fatalf("unexpected %s %s", bucket, key)
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()

	if got := ContentType("video/0.mp4"); got != "video/mp4" {
		t.Fatalf("expected video/mp4, got %s", got)
	}
	if got := ContentType("blob"); got != "application/octet-stream" {
		t.Fatalf("expected octet-stream, got %s", got)
	}
}

func newTestS3(t *testing.T) *S3 {
	t.Helper()
	s, err := NewS3(context.Background(), Config{
		Endpoint:        "http://127.0.0.1:9000",
		Region:          "ru-central1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Bucket:          "media",
		PresignTTL:      72 * time.Hour,
		UploadsPrefix:   "uploads/",
		ResultsPrefix:   "video/",
	}, nil)
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	return s
}

func TestKeys(t *testing.T) {
	t.Parallel()

	s := newTestS3(t)
	if got := s.ResultKey("c-1", "o-1", 2, ""); got != "video/c-1/o-1/2.mp4" {
		t.Fatalf("unexpected result key %s", got)
	}
	if got := s.UploadKey("c-1", "r-1", "../../etc/cat.png"); got != "uploads/c-1/r-1/cat.png" {
		t.Fatalf("unexpected upload key %s", got)
	}
}

func TestPresign(t *testing.T) {
	t.Parallel()

	s := newTestS3(t)
	link, ttl, err := s.Presign(context.Background(), "s3://media/video/c-1/o-1/0.mp4", 0)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if ttl != 72*time.Hour {
		t.Fatalf("expected default ttl, got %v", ttl)
	}

	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/media/video/c-1/o-1/0.mp4") {
		t.Fatalf("expected path-style url, got %s", u.Path)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "259200" {
		t.Fatalf("expected X-Amz-Expires=259200, got %q", got)
	}

	if _, _, err := s.Presign(context.Background(), "https://x/y", time.Minute); err == nil {
		t.Fatal("expected error for non-s3 locator")
	}
}

func TestPresignPut(t *testing.T) {
	t.Parallel()

	s := newTestS3(t)
	key := s.UploadKey("c-1", "r-1", "cat.png")
	link, locator, err := s.PresignPut(context.Background(), key, "", 10*time.Minute)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if locator != "s3://media/uploads/c-1/r-1/cat.png" {
		t.Fatalf("unexpected locator %s", locator)
	}

	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/media/uploads/c-1/r-1/cat.png") {
		t.Fatalf("expected path-style url, got %s", u.Path)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "600" {
		t.Fatalf("expected X-Amz-Expires=600, got %q", got)
	}
	if got := u.Query().Get("X-Amz-SignedHeaders"); !strings.Contains(got, "content-type") {
		t.Fatalf("expected content-type to be signed, got %q", got)
	}
}
