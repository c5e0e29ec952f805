// Package filestore persists orders as JSON files, one per creation date.
//
// Each partition file holds a list of order records. Writers are serialized
// within the process by a partition mutex and across processes by an
// advisory lock on the directory's lock file. Every read goes to disk, so a
// restarted process sees exactly what was last saved.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iliamunaev/media-order-fulfillment/internal/model"
	"github.com/iliamunaev/media-order-fulfillment/internal/store"
)

const (
	filePrefix = "orders-"
	fileSuffix = ".json"
	lockName   = ".orders.lock"
)

// Store is a date-partitioned file store.
type Store struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	parts map[string]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New returns a Store rooted at dir, creating it if needed.
func New(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filestore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir:   dir,
		log:   log.With("component", "filestore"),
		parts: make(map[string]*sync.Mutex),
	}, nil
}

// Save replaces any prior record with the same id in the order's partition
// and appends the new revision.
func (s *Store) Save(ctx context.Context, o *model.Order) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("filestore: save: %w", err)
	}

	date := o.PartitionDate()
	lock := s.partitionLock(date)
	lock.Lock()
	defer lock.Unlock()

	unlock, err := lockFile(filepath.Join(s.dir, lockName))
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("filestore: unlock: %w", uerr)
		}
	}()

	orders, err := s.readPartition(date)
	if err != nil {
		return err
	}

	kept := orders[:0]
	replaced := false
	for _, existing := range orders {
		if existing.OrderID != o.OrderID {
			kept = append(kept, existing)
			continue
		}
		if existing.Revision != o.Revision {
			return fmt.Errorf("filestore: order %s stored at revision %d, saving %d: %w",
				o.OrderID, existing.Revision, o.Revision, store.ErrConflict)
		}
		replaced = true
	}

	if !replaced {
		other, err := s.findElsewhere(o.OrderID, date)
		if err != nil {
			return err
		}
		if other != "" {
			return fmt.Errorf("filestore: order %s in %s: %w", o.OrderID, other, store.ErrDuplicateID)
		}
		if o.Revision != 0 {
			return fmt.Errorf("filestore: order %s is not stored: %w", o.OrderID, store.ErrConflict)
		}
	}

	rec := o.Clone()
	rec.Revision++
	kept = append(kept, rec)
	if err := s.writePartition(date, kept); err != nil {
		return err
	}
	o.Revision = rec.Revision

	s.log.Debug("order saved", "order_id", o.OrderID, "partition", date, "revision", o.Revision)
	return nil
}

// Load scans partitions from newest to oldest and returns the first match.
func (s *Store) Load(ctx context.Context, orderID string) (*model.Order, bool, error) {
	dates, err := s.partitions()
	if err != nil {
		return nil, false, err
	}
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		orders, err := s.readPartition(date)
		if err != nil {
			return nil, false, err
		}
		for _, o := range orders {
			if o.OrderID == orderID {
				return o, true, nil
			}
		}
	}
	return nil, false, nil
}

// ListRecentlyActive returns orders from the newest n partitions.
// Within a partition the most recently saved record comes first.
func (s *Store) ListRecentlyActive(ctx context.Context, n int) ([]*model.Order, error) {
	if n <= 0 {
		return nil, nil
	}
	dates, err := s.partitions()
	if err != nil {
		return nil, err
	}
	if len(dates) > n {
		dates = dates[:n]
	}

	var out []*model.Order
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		orders, err := s.readPartition(date)
		if err != nil {
			return nil, err
		}
		for i := len(orders) - 1; i >= 0; i-- {
			out = append(out, orders[i])
		}
	}
	return out, nil
}

func (s *Store) partitionLock(date string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.parts[date]
	if !ok {
		l = &sync.Mutex{}
		s.parts[date] = l
	}
	return l
}

// partitions returns partition dates, newest first.
func (s *Store) partitions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list partitions: %w", err)
	}
	dates := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(model.PartitionLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func (s *Store) findElsewhere(orderID, skip string) (string, error) {
	dates, err := s.partitions()
	if err != nil {
		return "", err
	}
	for _, date := range dates {
		if date == skip {
			continue
		}
		orders, err := s.readPartition(date)
		if err != nil {
			return "", err
		}
		for _, o := range orders {
			if o.OrderID == orderID {
				return date, nil
			}
		}
	}
	return "", nil
}

func (s *Store) path(date string) string {
	return filepath.Join(s.dir, filePrefix+date+fileSuffix)
}

func (s *Store) readPartition(date string) ([]*model.Order, error) {
	f, err := os.Open(s.path(date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", date, err)
	}
	defer f.Close()

	orders, err := store.DecodePartition(f)
	if err != nil {
		return nil, fmt.Errorf("filestore: partition %s: %w", date, err)
	}
	return orders, nil
}

// writePartition replaces the partition file atomically.
func (s *Store) writePartition(date string, orders []*model.Order) error {
	tmp, err := os.CreateTemp(s.dir, "."+filePrefix+date+"-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: write %s: %w", date, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := store.EncodePartition(tmp, orders); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: encode %s: %w", date, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: sync %s: %w", date, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close %s: %w", date, err)
	}
	if err := os.Rename(tmpName, s.path(date)); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", date, err)
	}
	return nil
}
