// Package blob stores source images and generated media in S3-compatible
// object storage and hands out time-limited links to them.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// Scheme prefixes internal storage locators.
const Scheme = "s3://"

// Config holds connection settings for the object store.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PresignTTL      time.Duration
	UploadsPrefix   string
	ResultsPrefix   string
}

// S3 is an object store backed by an S3-compatible service.
type S3 struct {
	cfg     Config
	client  *s3.Client
	presign *s3.PresignClient
	log     *slog.Logger
}

// NewS3 builds a client from cfg. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg Config, log *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}
	if log == nil {
		log = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		log:     log.With("component", "blob", "bucket", cfg.Bucket),
	}, nil
}

// Put uploads data under key and returns its s3:// locator.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentType(key)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", apperr.Transient(fmt.Errorf("blob: put %s: %w", key, err))
	}
	s.log.Info("object stored", "key", key, "bytes", len(data))
	return Locator(s.cfg.Bucket, key), nil
}

// Presign returns a GET link for locator valid for ttl, and that ttl.
// A non-positive ttl uses the configured default.
func (s *S3) Presign(ctx context.Context, locator string, ttl time.Duration) (string, time.Duration, error) {
	bucket, key, err := ParseLocator(locator)
	if err != nil {
		return "", 0, err
	}
	if ttl <= 0 {
		ttl = s.cfg.PresignTTL
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", 0, fmt.Errorf("blob: presign %s: %w", locator, err)
	}
	return req.URL, ttl, nil
}

// PresignPut returns a PUT link that lets a client upload one object under
// key with the given content type, and the locator it will be stored at.
func (s *S3) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, string, error) {
	if contentType == "" {
		contentType = ContentType(key)
	}
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", "", fmt.Errorf("blob: presign upload %s: %w", key, err)
	}
	return req.URL, Locator(s.cfg.Bucket, key), nil
}

// UploadKey is the key of a customer's source image.
func (s *S3) UploadKey(customerID, requestID, filename string) string {
	return s.cfg.UploadsPrefix + customerID + "/" + requestID + "/" + path.Base(filename)
}

// ResultKey is the key of the media generated for an order item.
func (s *S3) ResultKey(customerID, orderID string, index int, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("%s%s/%s/%d%s", s.cfg.ResultsPrefix, customerID, orderID, index, ext)
}

// Locator formats an s3:// locator.
func Locator(bucket, key string) string {
	return Scheme + bucket + "/" + key
}

// IsLocator reports whether ref points into object storage.
func IsLocator(ref string) bool {
	return strings.HasPrefix(ref, Scheme)
}

// ParseLocator splits s3://bucket/key into its parts.
func ParseLocator(ref string) (bucket, key string, err error) {
	if !IsLocator(ref) {
		return "", "", fmt.Errorf("blob: %q is not an s3 locator: %w", ref, apperr.ErrBadRequest)
	}
	bucket, key, _ = strings.Cut(strings.TrimPrefix(ref, Scheme), "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("blob: invalid locator %q: %w", ref, apperr.ErrBadRequest)
	}
	return bucket, key, nil
}

// ContentType guesses a MIME type from the key's extension.
func ContentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
