package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	log "github.com/sirupsen/logrus"
)

// Local keeps blobs in badger under their CIDv1 (raw codec, sha2-256).
type Local struct {
	db *badger.DB
}

func NewLocal(dir string) (*Local, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = log.WithField("component", "blobstore")
	if dir == "" {
		opts.InMemory = true
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return &Local{db: db}, nil
}

// BlobID returns the CID a blob is stored under.
func BlobID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

func (l *Local) Put(ctx context.Context, data []byte) (string, error) {
	c, err := BlobID(data)
	if err != nil {
		return "", err
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.Bytes(), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	return c.String(), nil
}

func (l *Local) Get(ctx context.Context, id string) ([]byte, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var data []byte
	err = l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.Bytes())
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	got, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, err
	}
	if !got.Equals(c) {
		return nil, fmt.Errorf("blob %s failed hash verification", id)
	}
	return data, nil
}

func (l *Local) Close() error {
	return l.db.Close()
}
