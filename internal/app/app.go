// Package app wires configuration into the running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iliamunaev/media-order-fulfillment/internal/blob"
	"github.com/iliamunaev/media-order-fulfillment/internal/config"
	"github.com/iliamunaev/media-order-fulfillment/internal/fulfillment"
	"github.com/iliamunaev/media-order-fulfillment/internal/generation"
	"github.com/iliamunaev/media-order-fulfillment/internal/notify"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment/yandexpay"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment/yookassa"
	"github.com/iliamunaev/media-order-fulfillment/internal/store"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/filestore"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/sqlstore"
	"github.com/iliamunaev/media-order-fulfillment/internal/tracker"
	httptransport "github.com/iliamunaev/media-order-fulfillment/internal/transport/http"
)

// App holds the wired service.
type App struct {
	Service *fulfillment.Service
	Poller  *fulfillment.Poller
	Handler *httptransport.Handler
	Store   store.Store
	Tracker *tracker.Tracker

	closers []func() error
}

// New builds every dependency from cfg.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	price, err := cfg.UnitPriceDecimal()
	if err != nil {
		return nil, err
	}

	st, closeStore, err := OpenStore(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	a := &App{Store: st, Tracker: &tracker.Tracker{}}
	a.closers = append(a.closers, closeStore)

	bl, err := blob.NewS3(ctx, blob.Config{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		Bucket:          cfg.S3.Bucket,
		PresignTTL:      cfg.S3.PresignTTL,
		UploadsPrefix:   cfg.S3.UploadsPrefix,
		ResultsPrefix:   cfg.S3.ResultsPrefix,
	}, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	mailer, err := notify.New(notify.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	httpClient := &http.Client{}
	gen := generation.New(generation.Config{
		Key:           cfg.Generation.Key,
		Endpoint:      cfg.Generation.Endpoint,
		QueueURL:      cfg.Generation.QueueURL,
		SubmitTimeout: cfg.Generation.SubmitTimeout,
		StatusTimeout: cfg.Generation.StatusTimeout,
		FetchTimeout:  cfg.Generation.FetchTimeout,
	}, httpClient, a.Tracker, log)

	payments, err := newPaymentProvider(cfg.Payment, httpClient, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Service = fulfillment.New(fulfillment.Config{
		PublicBaseURL: cfg.Generation.PublicBaseURL,
		CallbackToken: cfg.Generation.WebhookToken,
		UnitPrice:     price,
		ReturnURLBase: cfg.Payment.ReturnURLBase,
		LinkTTL:       cfg.S3.PresignTTL,
		UploadTTL:     cfg.S3.UploadTTL,
		WorkTimeout:   cfg.Server.RequestTimeout,
	}, st, gen, bl, mailer, payments, log)

	a.Poller = fulfillment.NewPoller(a.Service, fulfillment.PollerConfig{
		Interval:    cfg.Poller.Interval,
		Partitions:  cfg.Poller.Partitions,
		Concurrency: cfg.Poller.Concurrency,
		RPS:         cfg.Poller.RPS,
		Burst:       cfg.Poller.Burst,
	}, log)

	a.Handler = httptransport.New(a.Service, a.Tracker, httptransport.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, log)

	return a, nil
}

// newPaymentProvider builds the channel named by cfg.Provider.
func newPaymentProvider(cfg config.PaymentConfig, httpClient *http.Client, log *slog.Logger) (payment.Provider, error) {
	switch cfg.Provider {
	case yookassa.Name:
		return yookassa.New(yookassa.Config{
			ShopID:        cfg.ShopID,
			APIKey:        cfg.APIKey,
			APIBase:       cfg.APIBase,
			WebhookSecret: cfg.WebhookSecret,
			Currency:      cfg.Currency,
			Timeout:       cfg.Timeout,
		}, httpClient, log), nil
	case yandexpay.Name:
		return yandexpay.New(yandexpay.Config{
			MerchantID:    cfg.YandexPay.MerchantID,
			APIKey:        cfg.YandexPay.APIKey,
			CreateURL:     cfg.YandexPay.CreateURL,
			WebhookSecret: cfg.YandexPay.WebhookSecret,
			Currency:      cfg.Currency,
			OrderTTL:      cfg.YandexPay.OrderTTL,
			Timeout:       cfg.Timeout,
		}, httpClient, log), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}

// Close releases the store.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenStore opens the configured order store and returns its closer.
func OpenStore(cfg config.StoreConfig, log *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Driver {
	case "file":
		st, err := filestore.New(cfg.Dir, log)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { return nil }, nil
	case "sqlite":
		st, err := sqlstore.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewLogger builds the process logger.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
