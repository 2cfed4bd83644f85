// Package blobstore stores capsules by content-derived identifiers, either
// on Walrus or in a local badger database.
package blobstore

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("blob not found")

const (
	WalrusType = "walrus"
	LocalType  = "local"
)

type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

type Config struct {
	Type          string
	PublisherURL  string
	AggregatorURL string
	Epochs        int
	// Dir is the local store directory; empty means in-memory.
	Dir string
}

func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", WalrusType:
		return NewWalrus(cfg.PublisherURL, cfg.AggregatorURL, cfg.Epochs)
	case LocalType:
		return NewLocal(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown blob store type %q", cfg.Type)
	}
}
