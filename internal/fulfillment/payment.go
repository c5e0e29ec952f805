package fulfillment

import (
	"context"
	"errors"

	"github.com/iliamunaev/media-order-fulfillment/internal/model"
	"github.com/iliamunaev/media-order-fulfillment/internal/payment"
	"github.com/iliamunaev/media-order-fulfillment/internal/store"
)

// AckResult tells what an acknowledged payment notification did.
type AckResult string

const (
	AckPaid      AckResult = "paid"
	AckFailed    AckResult = "payment_failed"
	AckDuplicate AckResult = "duplicate"
	AckIgnored   AckResult = "ignored"
)

// Ack is the answer to an authenticated payment notification.
type Ack struct {
	OrderID string    `json:"order_id,omitempty"`
	Result  AckResult `json:"result"`
}

// HandlePaymentNotification verifies a provider notification and applies it.
// Only an invalid signature and storage failures return an error; unknown
// orders, replays and non-terminal events are acknowledged so the provider
// stops redelivering them. Once verified, the notification is applied to
// completion even if the caller goes away.
func (s *Service) HandlePaymentNotification(ctx context.Context, raw []byte, signature string) (Ack, error) {
	if err := s.payments.Verify(raw, signature); err != nil {
		s.log.Warn("payment notification rejected", "provider", s.payments.Name(), "error", err)
		return Ack{}, err
	}

	ev, err := s.payments.ParseEvent(raw)
	if err != nil {
		s.log.Warn("payment notification unreadable", "error", err)
		return Ack{Result: AckIgnored}, nil
	}
	log := s.log.With("order_id", ev.OrderID, "payment_id", ev.PaymentID, "event", ev.Name)

	if ev.OrderID == "" || ev.Outcome == payment.OutcomePending {
		log.Info("payment notification ignored", "outcome", ev.Outcome)
		return Ack{OrderID: ev.OrderID, Result: AckIgnored}, nil
	}

	ctx, cancel := detach(ctx, s.cfg.WorkTimeout)
	defer cancel()

	var (
		ack  Ack
		paid *model.Order
		done *model.Order
	)
	err = s.withOrder(ctx, ev.OrderID, func() error {
		ack, done = Ack{OrderID: ev.OrderID, Result: AckIgnored}, nil
		o, found, err := s.store.Load(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		if !found {
			log.Warn("payment for unknown order")
			return nil
		}

		switch ev.Outcome {
		case payment.OutcomeSucceeded:
			switch {
			case paid != nil:
				// Replayed after a conflict; this call recorded the payment.
				ack.Result = AckPaid
			case o.Payment.Status == model.PaymentPaid:
				ack.Result = AckDuplicate
			default:
				if err := o.Payment.MarkPaid(ev.PaymentID); err != nil {
					log.Warn("payment success after terminal state", "status", o.Payment.Status)
					return nil
				}
				if err := s.save(ctx, o); err != nil {
					return err
				}
				ack.Result = AckPaid
				paid = o.Clone()
			}

			// A duplicate also resumes a dispatch that was cut short.
			completed, err := s.dispatchLocked(ctx, o)
			if errors.Is(err, store.ErrConflict) {
				return err
			}
			if err != nil {
				// The poller re-dispatches paid orders left waiting.
				log.Error("dispatch after payment failed", "error", err)
			}
			if completed {
				done = o
			}

		case payment.OutcomeFailed:
			if o.Payment.Status != model.PaymentPending {
				ack.Result = AckDuplicate
				return nil
			}
			if err := o.Payment.MarkError(ev.Reason); err != nil {
				return nil
			}
			if err := s.save(ctx, o); err != nil {
				return err
			}
			ack.Result = AckFailed
		}
		return nil
	})
	if err != nil {
		log.Error("payment notification failed", "error", err)
		return Ack{}, err
	}

	log.Info("payment notification handled", "result", ack.Result)
	if paid != nil {
		amount := paid.Price
		if !ev.Amount.IsZero() {
			amount = ev.Amount
		}
		nctx, ncancel := detach(ctx, s.cfg.NotifyTimeout)
		defer ncancel()
		if err := s.notifier.SendPaymentReceipt(nctx, paid.Email, amount, paid.OrderID, paid.Payment.PaymentID); err != nil {
			log.Warn("payment receipt failed", "error", err)
		}
	}
	if done != nil {
		s.notifyCompletion(ctx, done)
	}
	return ack, nil
}
