// Package storage persists purchases, indexed events and indexer watermarks.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicate is returned by Insert when the unique key already exists.
var ErrDuplicate = errors.New("duplicate record")

const (
	BadgerStoreType = "badger"
	MongoStoreType  = "mongo"
)

type PurchaseRepository interface {
	// Get returns nil, nil when the purchase is unknown.
	Get(ctx context.Context, record string) (*Purchase, error)
	Upsert(ctx context.Context, p Purchase) error
	ListByStatus(ctx context.Context, status PurchaseStatus) ([]Purchase, error)
}

type CapsuleRepository interface {
	Insert(ctx context.Context, c ResealedCapsule) error
	// FindByRecord returns nil, nil when no capsule exists for record.
	FindByRecord(ctx context.Context, record string) (*ResealedCapsule, error)
	Count(ctx context.Context) (int64, error)
}

type QualityRepository interface {
	Insert(ctx context.Context, m QualityMetric) error
	Count(ctx context.Context) (int64, error)
}

type WatermarkRepository interface {
	// Get returns nil, nil when nothing has been indexed yet.
	Get(ctx context.Context, key string) (*Watermark, error)
	// Advance stores w unless the stored slot is already higher.
	Advance(ctx context.Context, w Watermark) error
}

type Store interface {
	Purchases() PurchaseRepository
	Capsules() CapsuleRepository
	QualityMetrics() QualityRepository
	Watermarks() WatermarkRepository
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Type string
	// Dir is the badger directory; empty means in-memory.
	Dir string
	// MongoURI and MongoDatabase configure the mongo backend.
	MongoURI      string
	MongoDatabase string
}

// NewStore opens the backend named by cfg.Type.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", BadgerStoreType:
		return NewBadgerStore(cfg.Dir)
	case MongoStoreType:
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
