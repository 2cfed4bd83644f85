package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const maxRetries = 5

type badgerStore struct {
	db *badgerhold.Store
}

// NewBadgerStore opens a badgerhold store in dir, or in memory when dir is
// empty.
func NewBadgerStore(dir string) (Store, error) {
	db, err := createDB(dir, log.WithField("component", "badger"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %s", err)
	}
	return &badgerStore{db}, nil
}

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	}

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}

func (s *badgerStore) Purchases() PurchaseRepository     { return (*badgerPurchases)(s) }
func (s *badgerStore) Capsules() CapsuleRepository       { return (*badgerCapsules)(s) }
func (s *badgerStore) QualityMetrics() QualityRepository { return (*badgerQuality)(s) }
func (s *badgerStore) Watermarks() WatermarkRepository   { return (*badgerWatermarks)(s) }

func (s *badgerStore) Close() error {
	return s.db.Close()
}

// retryConflict reruns fn while badger reports a transaction conflict.
func retryConflict(fn func() error) error {
	err := fn()
	for attempts := 1; errors.Is(err, badger.ErrConflict) && attempts <= maxRetries; attempts++ {
		time.Sleep(100 * time.Millisecond)
		err = fn()
	}
	return err
}

func insert(db *badgerhold.Store, key string, v interface{}) error {
	err := retryConflict(func() error { return db.Insert(key, v) })
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return ErrDuplicate
	}
	return err
}

type badgerPurchases badgerStore

func (r *badgerPurchases) Get(ctx context.Context, record string) (*Purchase, error) {
	var p Purchase
	err := r.db.Get(record, &p)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase %s: %w", record, err)
	}
	return &p, nil
}

func (r *badgerPurchases) Upsert(ctx context.Context, p Purchase) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return retryConflict(func() error { return r.db.Upsert(p.Record, &p) })
}

func (r *badgerPurchases) ListByStatus(ctx context.Context, status PurchaseStatus) ([]Purchase, error) {
	var out []Purchase
	if err := r.db.Find(&out, badgerhold.Where("Status").Eq(status).Index("Status")); err != nil {
		return nil, err
	}
	return out, nil
}

type badgerCapsules badgerStore

func (r *badgerCapsules) Insert(ctx context.Context, c ResealedCapsule) error {
	c.ID = CapsuleID(c.Signature, c.Record)
	return insert(r.db, c.ID, &c)
}

func (r *badgerCapsules) FindByRecord(ctx context.Context, record string) (*ResealedCapsule, error) {
	var c ResealedCapsule
	err := r.db.FindOne(&c, badgerhold.Where("Record").Eq(record))
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *badgerCapsules) Count(ctx context.Context) (int64, error) {
	n, err := r.db.Count(&ResealedCapsule{}, nil)
	return int64(n), err
}

type badgerQuality badgerStore

func (r *badgerQuality) Insert(ctx context.Context, m QualityMetric) error {
	m.ID = QualityMetricID(m.Signature, m.Device)
	return insert(r.db, m.ID, &m)
}

func (r *badgerQuality) Count(ctx context.Context) (int64, error) {
	n, err := r.db.Count(&QualityMetric{}, nil)
	return int64(n), err
}

type badgerWatermarks badgerStore

func (r *badgerWatermarks) Get(ctx context.Context, key string) (*Watermark, error) {
	var w Watermark
	err := r.db.Get(key, &w)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark %s: %w", key, err)
	}
	return &w, nil
}

func (r *badgerWatermarks) Advance(ctx context.Context, w Watermark) error {
	w.UpdatedAt = time.Now().UTC()
	return retryConflict(func() error {
		return r.db.Badger().Update(func(txn *badger.Txn) error {
			var current Watermark
			err := r.db.TxGet(txn, w.Key, &current)
			if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
			if err == nil && current.LastProcessedSlot > w.LastProcessedSlot {
				return nil
			}
			return r.db.TxUpsert(txn, w.Key, &w)
		})
	})
}
