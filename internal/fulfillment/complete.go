package fulfillment

import (
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/iliamunaev/media-order-fulfillment/internal/generation"
	"github.com/iliamunaev/media-order-fulfillment/internal/model"
)

// Completion is a terminal report for one item, from the provider's
// callback or from a status poll.
type Completion struct {
	OrderID   string
	ItemIndex int
	State     generation.State
	ResultRef string
	Error     string
	// Source names the signal for logs: "webhook" or "poll".
	Source string
}

// Complete moves an item to its terminal state and, when it was the last
// item in flight, completes the order and notifies the customer.
// Reports for unknown orders, non-running items and non-terminal states are
// no-ops, so duplicate, racing and forged signals are harmless.
func (s *Service) Complete(ctx context.Context, c Completion) error {
	if !c.State.Terminal() {
		return nil
	}

	ctx, cancel := detach(ctx, s.cfg.WorkTimeout)
	defer cancel()

	log := s.log.With("order_id", c.OrderID, "item_index", c.ItemIndex, "source", c.Source)
	var (
		done    *model.Order
		locator string
		getErr  error
		fetched bool
	)
	err := s.withOrder(ctx, c.OrderID, func() error {
		done = nil
		o, found, err := s.store.Load(ctx, c.OrderID)
		if err != nil {
			return fmt.Errorf("fulfillment: load order %s: %w", c.OrderID, err)
		}
		if !found {
			log.Warn("completion for unknown order")
			return nil
		}
		it, err := o.Item(c.ItemIndex)
		if err != nil {
			return err
		}
		if it.Status != model.ItemRunning {
			log.Debug("item not running, completion ignored", "status", it.Status)
			return nil
		}

		if c.State == generation.StateSucceeded && c.ResultRef != "" {
			// A replay after a store conflict reuses the stored copy.
			if !fetched {
				locator, getErr = s.storeResult(ctx, o, c.ItemIndex, c.ResultRef)
				fetched = true
			}
			if getErr != nil {
				log.Warn("result retrieval failed", "error", getErr)
				err = it.Fail(getErr.Error())
			} else {
				err = it.Succeed(locator)
			}
			if err != nil {
				return err
			}
		} else {
			if err := it.Fail(c.Error); err != nil {
				return err
			}
		}
		log.Info("item finished", "status", it.Status, "error", it.Error)

		completed := o.Generation.Complete()
		if err := s.save(ctx, o); err != nil {
			return err
		}
		if completed {
			done = o
		}
		return nil
	})
	if err != nil {
		return err
	}
	if done != nil {
		s.notifyCompletion(ctx, done)
	}
	return nil
}

// storeResult copies a finished job's media into durable storage and
// returns its locator.
func (s *Service) storeResult(ctx context.Context, o *model.Order, index int, ref string) (string, error) {
	data, err := s.gen.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	key := s.blob.ResultKey(o.CustomerID, o.OrderID, index, resultExt(ref))
	return s.blob.Put(ctx, key, data, "")
}

func resultExt(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	switch ext := path.Ext(u.Path); ext {
	case ".mp4", ".webm", ".mov", ".gif", ".png", ".jpg", ".jpeg", ".webp":
		return ext
	}
	return ""
}
