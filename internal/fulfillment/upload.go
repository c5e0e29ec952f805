package fulfillment

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// UploadRequest asks for a place to upload one source image.
type UploadRequest struct {
	CustomerID  string `json:"customer_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// Upload is a presigned PUT target. InputLocator goes into an order item
// once the client has uploaded the file.
type Upload struct {
	UploadURL    string `json:"upload_url"`
	InputLocator string `json:"input_locator"`
	ContentType  string `json:"content_type"`
	ExpiresIn    int    `json:"expires_in"`
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// CreateUpload returns a presigned link for uploading a source image under
// the customer's uploads prefix. Only image files are accepted.
func (s *Service) CreateUpload(ctx context.Context, req UploadRequest) (Upload, error) {
	if req.CustomerID == "" {
		req.CustomerID = "anonymous"
	}
	name := path.Base(strings.TrimSpace(req.Filename))
	if name == "." || name == "/" || name == "" {
		return Upload{}, fmt.Errorf("filename is required: %w", apperr.ErrBadRequest)
	}
	ct, ok := imageTypes[strings.ToLower(path.Ext(name))]
	if !ok {
		return Upload{}, fmt.Errorf("file %q is not a supported image: %w", name, apperr.ErrBadRequest)
	}
	if req.ContentType != "" && req.ContentType != ct {
		return Upload{}, fmt.Errorf("content type %q does not match %q: %w", req.ContentType, name, apperr.ErrBadRequest)
	}

	key := s.blob.UploadKey(req.CustomerID, uuid.NewString(), name)
	link, locator, err := s.blob.PresignPut(ctx, key, ct, s.cfg.UploadTTL)
	if err != nil {
		return Upload{}, err
	}
	s.log.Info("upload link issued", "customer_id", req.CustomerID, "key", key)
	return Upload{
		UploadURL:    link,
		InputLocator: locator,
		ContentType:  ct,
		ExpiresIn:    int(s.cfg.UploadTTL / time.Second),
	}, nil
}
