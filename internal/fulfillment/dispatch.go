package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/blob"
	"github.com/iliamunaev/media-order-fulfillment/internal/model"
)

// Dispatch submits one generation job per pending item of a paid order.
// It is a no-op once the order left waiting_payment.
func (s *Service) Dispatch(ctx context.Context, orderID string) error {
	ctx, cancel := detach(ctx, s.cfg.WorkTimeout)
	defer cancel()

	var done *model.Order
	err := s.withOrder(ctx, orderID, func() error {
		done = nil
		o, found, err := s.store.Load(ctx, orderID)
		if err != nil {
			return fmt.Errorf("fulfillment: load order %s: %w", orderID, err)
		}
		if !found {
			return fmt.Errorf("dispatch %s: %w", orderID, apperr.ErrOrderNotFound)
		}
		completed, err := s.dispatchLocked(ctx, o)
		if completed {
			done = o
		}
		return err
	})
	if done != nil {
		s.notifyCompletion(ctx, done)
	}
	return err
}

// dispatchLocked submits the pending items of o. Each job handle is saved
// as soon as its job exists, so an interrupted dispatch never submits an
// item twice. Submission failures fail the item and never stop its siblings.
// It reports whether the order completed because no job could be started.
func (s *Service) dispatchLocked(ctx context.Context, o *model.Order) (bool, error) {
	if o.Generation.Status != model.GenerationWaitingPayment {
		return false, nil
	}
	if o.Payment.Status != model.PaymentPaid {
		return false, fmt.Errorf("dispatch %s: payment %s: %w", o.OrderID, o.Payment.Status, apperr.ErrInvalidTransition)
	}

	log := s.log.With("order_id", o.OrderID)
	for i := range o.Generation.Items {
		it := &o.Generation.Items[i]
		if it.Status != model.ItemPending {
			continue
		}

		imageURL, err := s.resolveInput(ctx, it.InputLocator)
		if err != nil {
			log.Warn("resolve input failed", "item_index", i, "error", err)
			_ = it.Fail(err.Error())
			continue
		}

		handle, err := s.gen.Submit(ctx, it.Prompt, imageURL, s.callbackURL(o.OrderID, i))
		if err != nil {
			log.Warn("submit failed", "item_index", i, "error", err, "kind", apperr.Kind(err))
			_ = it.Fail(err.Error())
			continue
		}
		_ = it.Start(handle)
		if err := s.save(ctx, o); err != nil {
			log.Error("job started but not recorded", "item_index", i, "job_handle", handle, "error", err)
			return false, err
		}
		log.Info("item dispatched", "item_index", i, "job_handle", handle)
	}

	o.Generation.Status = model.GenerationInProgress
	completed := o.Generation.Complete()
	if err := s.save(ctx, o); err != nil {
		return false, err
	}
	return completed, nil
}

// resolveInput turns an input locator into a URL the provider can fetch.
func (s *Service) resolveInput(ctx context.Context, locator string) (string, error) {
	switch {
	case blob.IsLocator(locator):
		u, _, err := s.blob.Presign(ctx, locator, s.cfg.LinkTTL)
		if err != nil {
			return "", err
		}
		return u, nil
	case strings.HasPrefix(locator, "https://"), strings.HasPrefix(locator, "http://"):
		return locator, nil
	default:
		return "", fmt.Errorf("input %q is not fetchable: %w", locator, apperr.ErrBadRequest)
	}
}
