// Package config loads service settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FULFILL_SERVER_ADDR.
const EnvPrefix = "FULFILL"

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Payment    PaymentConfig    `yaml:"payment" mapstructure:"payment"`
	S3         S3Config         `yaml:"s3" mapstructure:"s3"`
	SMTP       SMTPConfig       `yaml:"smtp" mapstructure:"smtp"`
	Poller     PollerConfig     `yaml:"poller" mapstructure:"poller"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr" mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds webhook and API handlers. Result downloads run
	// inside the generation webhook, so it must cover FetchTimeout.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json | text
}

// StoreConfig selects the order store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // file | sqlite
	Dir    string `yaml:"dir" mapstructure:"dir"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// GenerationConfig configures the generation provider and its callback.
type GenerationConfig struct {
	Key           string        `yaml:"key" mapstructure:"key"`
	Endpoint      string        `yaml:"endpoint" mapstructure:"endpoint"`
	QueueURL      string        `yaml:"queue_url" mapstructure:"queue_url"`
	PublicBaseURL string        `yaml:"public_base_url" mapstructure:"public_base_url"`
	WebhookToken  string        `yaml:"webhook_token" mapstructure:"webhook_token"`
	SubmitTimeout time.Duration `yaml:"submit_timeout" mapstructure:"submit_timeout"`
	StatusTimeout time.Duration `yaml:"status_timeout" mapstructure:"status_timeout"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// PaymentConfig configures the payment provider. The top-level keys
// configure YooKassa; Provider selects which one takes orders.
type PaymentConfig struct {
	Provider      string          `yaml:"provider" mapstructure:"provider"` // yookassa | yandexpay
	YandexPay     YandexPayConfig `yaml:"yandex_pay" mapstructure:"yandex_pay"`
	ShopID        string          `yaml:"shop_id" mapstructure:"shop_id"`
	APIKey        string          `yaml:"api_key" mapstructure:"api_key"`
	APIBase       string          `yaml:"api_base" mapstructure:"api_base"`
	WebhookSecret string          `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	ReturnURLBase string          `yaml:"return_url_base" mapstructure:"return_url_base"`
	UnitPrice     string          `yaml:"unit_price" mapstructure:"unit_price"`
	Currency      string          `yaml:"currency" mapstructure:"currency"`
	Timeout       time.Duration   `yaml:"timeout" mapstructure:"timeout"`
}

// YandexPayConfig configures Yandex Pay merchant orders.
type YandexPayConfig struct {
	MerchantID    string        `yaml:"merchant_id" mapstructure:"merchant_id"`
	APIKey        string        `yaml:"api_key" mapstructure:"api_key"`
	CreateURL     string        `yaml:"create_url" mapstructure:"create_url"`
	WebhookSecret string        `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	OrderTTL      time.Duration `yaml:"order_ttl" mapstructure:"order_ttl"`
}

// S3Config configures object storage.
type S3Config struct {
	Endpoint        string        `yaml:"endpoint" mapstructure:"endpoint"`
	Region          string        `yaml:"region" mapstructure:"region"`
	AccessKeyID     string        `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	Bucket          string        `yaml:"bucket" mapstructure:"bucket"`
	PresignTTL      time.Duration `yaml:"presign_ttl" mapstructure:"presign_ttl"`
	UploadTTL       time.Duration `yaml:"upload_ttl" mapstructure:"upload_ttl"`
	UploadsPrefix   string        `yaml:"uploads_prefix" mapstructure:"uploads_prefix"`
	ResultsPrefix   string        `yaml:"results_prefix" mapstructure:"results_prefix"`
}

// SMTPConfig configures outgoing mail.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
}

// PollerConfig configures reconciliation.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	Partitions  int           `yaml:"partitions" mapstructure:"partitions"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	RPS         float64       `yaml:"rps" mapstructure:"rps"`
	Burst       int           `yaml:"burst" mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 6*time.Minute)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 6*time.Minute)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "data/orders")
	v.SetDefault("store.dsn", "file:orders.db?_busy_timeout=5000&_txlock=immediate")

	v.SetDefault("generation.key", "")
	v.SetDefault("generation.endpoint", "fal-ai/kling-video/v1/standard/image-to-video")
	v.SetDefault("generation.queue_url", "https://queue.fal.run")
	v.SetDefault("generation.public_base_url", "")
	v.SetDefault("generation.webhook_token", "")
	v.SetDefault("generation.submit_timeout", 30*time.Second)
	v.SetDefault("generation.status_timeout", 30*time.Second)
	v.SetDefault("generation.fetch_timeout", 5*time.Minute)

	v.SetDefault("payment.provider", "yookassa")
	v.SetDefault("payment.yandex_pay.merchant_id", "")
	v.SetDefault("payment.yandex_pay.api_key", "")
	v.SetDefault("payment.yandex_pay.create_url", "https://sandbox.pay.yandex.ru/api/merchant/v1/orders")
	v.SetDefault("payment.yandex_pay.webhook_secret", "")
	v.SetDefault("payment.yandex_pay.order_ttl", 30*time.Minute)
	v.SetDefault("payment.shop_id", "")
	v.SetDefault("payment.api_key", "")
	v.SetDefault("payment.api_base", "https://api.yookassa.ru")
	v.SetDefault("payment.webhook_secret", "")
	v.SetDefault("payment.return_url_base", "")
	v.SetDefault("payment.unit_price", "300.00")
	v.SetDefault("payment.currency", "RUB")
	v.SetDefault("payment.timeout", 20*time.Second)

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "ru-central1")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.presign_ttl", 259200*time.Second)
	v.SetDefault("s3.upload_ttl", 10*time.Minute)
	v.SetDefault("s3.uploads_prefix", "uploads/")
	v.SetDefault("s3.results_prefix", "video/")

	v.SetDefault("smtp.host", "smtp.yandex.ru")
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")

	v.SetDefault("poller.interval", 20*time.Second)
	v.SetDefault("poller.partitions", 2)
	v.SetDefault("poller.concurrency", 4)
	v.SetDefault("poller.rps", 5.0)
	v.SetDefault("poller.burst", 5)
}

// legacyEnv maps keys to the unprefixed variable names deployments
// already set. The prefixed name wins when both are present.
var legacyEnv = map[string][]string{
	"server.addr":                       {"ADDR"},
	"generation.key":                    {"FAL_KEY"},
	"generation.endpoint":               {"FAL_ENDPOINT"},
	"generation.public_base_url":        {"PUBLIC_API_BASE_URL"},
	"generation.webhook_token":          {"FAL_WEBHOOK_TOKEN"},
	"payment.shop_id":                   {"YOOKASSA_SHOP_ID"},
	"payment.api_key":                   {"YOOKASSA_API_KEY"},
	"payment.api_base":                  {"YOOKASSA_API_BASE"},
	"payment.webhook_secret":            {"YOOKASSA_WEBHOOK_SECRET"},
	"payment.return_url_base":           {"FRONTEND_RETURN_URL_BASE"},
	"payment.yandex_pay.merchant_id":    {"YANDEX_PAY_MERCHANT_ID"},
	"payment.yandex_pay.api_key":        {"YANDEX_PAY_API_KEY"},
	"payment.yandex_pay.create_url":     {"YANDEX_PAY_CREATE_URL"},
	"payment.yandex_pay.webhook_secret": {"YANDEX_PAY_WEBHOOK_SECRET"},
	"s3.endpoint":                       {"S3_ENDPOINT_URL"},
	"s3.region":                         {"S3_REGION_NAME"},
	"s3.access_key_id":                  {"S3_ACCESS_KEY_ID"},
	"s3.secret_access_key":              {"S3_SECRET_ACCESS_KEY"},
	"s3.bucket":                         {"S3_BUCKET_NAME"},
	"s3.uploads_prefix":                 {"UPLOADS_PREFIX"},
	"s3.results_prefix":                 {"VIDEOS_PREFIX"},
	"smtp.host":                         {"SMTP_SERVER", "SMTP_HOST"},
	"smtp.port":                         {"SMTP_PORT"},
	"smtp.username":                     {"SMTP_EMAIL", "SMTP_USERNAME"},
	"smtp.password":                     {"SMTP_PASSWORD"},
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key, envName(key)}, names...)...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if err := v.BindEnv("s3_presign_ttl_seconds", "S3_PRESIGN_TTL_SECONDS"); err != nil {
		return nil, fmt.Errorf("config: bind presign ttl: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	// S3_PRESIGN_TTL_SECONDS is a bare number of seconds.
	if secs := v.GetInt("s3_presign_ttl_seconds"); secs > 0 {
		cfg.S3.PresignTTL = time.Duration(secs) * time.Second
	}
	return &cfg, nil
}

// UnitPriceDecimal parses the per-item price.
func (c *Config) UnitPriceDecimal() (decimal.Decimal, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(c.Payment.UnitPrice))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("payment.unit_price %q: %w", c.Payment.UnitPrice, err)
	}
	return p, nil
}

// Validate reports every missing or inconsistent setting the server needs.
func (c *Config) Validate() error {
	var errs []error
	req := func(val, key string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	req(c.Server.Addr, "server.addr")
	req(c.Generation.Key, "generation.key")
	req(c.Generation.Endpoint, "generation.endpoint")
	req(c.Generation.PublicBaseURL, "generation.public_base_url")
	req(c.Generation.WebhookToken, "generation.webhook_token")
	req(c.S3.Bucket, "s3.bucket")

	switch c.Payment.Provider {
	case "yookassa":
		req(c.Payment.WebhookSecret, "payment.webhook_secret")
	case "yandexpay":
		req(c.Payment.YandexPay.MerchantID, "payment.yandex_pay.merchant_id")
		req(c.Payment.YandexPay.CreateURL, "payment.yandex_pay.create_url")
		req(c.Payment.YandexPay.WebhookSecret, "payment.yandex_pay.webhook_secret")
	default:
		errs = append(errs, fmt.Errorf("payment.provider %q: want yookassa or yandexpay", c.Payment.Provider))
	}

	switch c.Store.Driver {
	case "file":
		req(c.Store.Dir, "store.dir")
	case "sqlite":
		req(c.Store.DSN, "store.dsn")
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want file or sqlite", c.Store.Driver))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}

	if p, err := c.UnitPriceDecimal(); err != nil {
		errs = append(errs, err)
	} else if !p.IsPositive() {
		errs = append(errs, fmt.Errorf("payment.unit_price must be positive"))
	}
	if c.Server.RequestTimeout < c.Generation.FetchTimeout {
		errs = append(errs, fmt.Errorf("server.request_timeout %s is shorter than generation.fetch_timeout %s",
			c.Server.RequestTimeout, c.Generation.FetchTimeout))
	}
	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("poller.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&c.Generation.Key)
	mask(&c.Generation.WebhookToken)
	mask(&c.Payment.APIKey)
	mask(&c.Payment.WebhookSecret)
	mask(&c.Payment.YandexPay.APIKey)
	mask(&c.Payment.YandexPay.WebhookSecret)
	mask(&c.S3.SecretAccessKey)
	mask(&c.SMTP.Password)
	return c
}

// WriteYAML renders the configuration with secrets masked.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return err
	}
	return enc.Close()
}
