// Package store defines the order persistence contract and the record codec
// shared by its backends.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/iliamunaev/media-order-fulfillment/internal/model"
)

var (
	// ErrDuplicateID is returned when an order id is already stored
	// under a different creation date.
	ErrDuplicateID = errors.New("order id already stored in another partition")
	// ErrConflict is returned when the stored record changed since the
	// caller loaded it.
	ErrConflict = errors.New("order record changed concurrently")
)

// Store persists full order records partitioned by creation date.
type Store interface {
	// Save upserts the record if the stored revision equals o.Revision
	// (zero for a new order) and increments o.Revision on success.
	// Otherwise it returns ErrConflict and leaves o unchanged.
	Save(ctx context.Context, o *model.Order) error
	// Load returns the latest record for orderID.
	// A missing order is reported with found == false and a nil error.
	Load(ctx context.Context, orderID string) (o *model.Order, found bool, err error)
	// ListRecentlyActive returns the orders of the newest partitions,
	// newest partition first.
	ListRecentlyActive(ctx context.Context, partitions int) ([]*model.Order, error)
}

// DecodeRecord decodes one order record, rejecting unknown fields.
func DecodeRecord(data []byte) (*model.Order, error) {
	var o model.Order
	if err := decodeStrict(bytes.NewReader(data), &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &o, nil
}

// DecodePartition decodes a partition holding a list of records.
func DecodePartition(r io.Reader) ([]*model.Order, error) {
	var orders []*model.Order
	if err := decodeStrict(r, &orders); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode partition: %w", err)
	}
	return orders, nil
}

// EncodePartition writes a partition as an indented JSON list.
func EncodePartition(w io.Writer, orders []*model.Order) error {
	if orders == nil {
		orders = []*model.Order{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(orders)
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data after record")
	}
	return nil
}
