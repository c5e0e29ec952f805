// Package notify emails customers about their orders over SMTP.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wneessen/go-mail"
)

// Config holds SMTP settings. Port 465 uses implicit TLS.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// sender delivers rendered messages.
type sender interface {
	DialAndSendWithContext(ctx context.Context, msgs ...*mail.Msg) error
}

// Mailer sends order emails.
type Mailer struct {
	from   string
	sender sender
	log    *slog.Logger
}

// New returns a Mailer connected lazily to the configured server.
func New(cfg Config, log *slog.Logger) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	opts := []mail.Option{mail.WithPort(cfg.Port), mail.WithTimeout(cfg.Timeout)}
	if cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: smtp client: %w", err)
	}
	return newMailer(from, client, log), nil
}

func newMailer(from string, s sender, log *slog.Logger) *Mailer {
	if s == nil {
		panic("nil sender")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mailer{from: from, sender: s, log: log.With("component", "notify")}
}

// NotifyCompletion sends the result links of a finished order.
func (m *Mailer) NotifyCompletion(ctx context.Context, email string, links []string) error {
	if err := m.send(ctx, email, "Your videos are ready", CompletionBody(links)); err != nil {
		return fmt.Errorf("notify: completion to %s: %w", email, err)
	}
	m.log.Info("completion sent", "email", email, "links", len(links))
	return nil
}

// SendPaymentReceipt confirms a received payment.
func (m *Mailer) SendPaymentReceipt(ctx context.Context, email string, amount decimal.Decimal, orderID, paymentID string) error {
	if err := m.send(ctx, email, "Payment received", ReceiptBody(amount, orderID, paymentID)); err != nil {
		return fmt.Errorf("notify: receipt to %s: %w", email, err)
	}
	m.log.Info("receipt sent", "email", email, "order_id", orderID)
	return nil
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return m.sender.DialAndSendWithContext(ctx, msg)
}

// CompletionBody renders one link per line. Orders whose items all failed
// get an apology instead of an empty list.
func CompletionBody(links []string) string {
	if len(links) == 0 {
		return "Unfortunately we could not generate your videos.\n"
	}
	return "Video links:\n" + strings.Join(links, "\n") + "\n"
}

// ReceiptBody renders the payment receipt text.
func ReceiptBody(amount decimal.Decimal, orderID, paymentID string) string {
	var b strings.Builder
	b.WriteString("Thank you for your payment!\n\n")
	fmt.Fprintf(&b, "Amount: %s RUB\n", amount.StringFixed(2))
	fmt.Fprintf(&b, "Order: %s\n", orderID)
	fmt.Fprintf(&b, "Payment: %s\n", paymentID)
	return b.String()
}
