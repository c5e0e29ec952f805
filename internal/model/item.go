package model

import (
	"fmt"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// ItemStatus is the generation state of a single input image.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
)

// UnknownError is recorded when a failure carries no reason.
const UnknownError = "unknown"

// Terminal reports whether the status can no longer change.
func (s ItemStatus) Terminal() bool {
	return s == ItemSucceeded || s == ItemFailed
}

func (s ItemStatus) valid() bool {
	switch s {
	case ItemPending, ItemRunning, ItemSucceeded, ItemFailed:
		return true
	}
	return false
}

// Item is one input image and the job generated from it.
type Item struct {
	InputLocator  string     `json:"input_locator"`
	Prompt        string     `json:"prompt"`
	Status        ItemStatus `json:"status"`
	JobHandle     string     `json:"job_handle,omitempty"`
	ResultLocator string     `json:"result_locator,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Start records a submitted job: pending -> running.
func (it *Item) Start(handle string) error {
	if it.Status != ItemPending {
		return it.invalid(ItemRunning)
	}
	it.Status = ItemRunning
	it.JobHandle = handle
	return nil
}

// Succeed records the stored result: running -> succeeded.
func (it *Item) Succeed(locator string) error {
	if it.Status != ItemRunning {
		return it.invalid(ItemSucceeded)
	}
	it.Status = ItemSucceeded
	it.ResultLocator = locator
	it.Error = ""
	return nil
}

// Fail records a failure from any non-terminal status.
// An empty reason is stored as UnknownError.
func (it *Item) Fail(reason string) error {
	if it.Status.Terminal() {
		return it.invalid(ItemFailed)
	}
	if reason == "" {
		reason = UnknownError
	}
	it.Status = ItemFailed
	it.Error = reason
	return nil
}

func (it *Item) invalid(to ItemStatus) error {
	return fmt.Errorf("item %s -> %s: %w", it.Status, to, apperr.ErrInvalidTransition)
}
