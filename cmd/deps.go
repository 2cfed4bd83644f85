package cmd

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"chainsensors/blobstore"
	protocol "chainsensors/solana"
	"chainsensors/storage"
)

// deps holds the shared resources of a command.
type deps struct {
	client   *protocol.Client
	store    storage.Store
	blobs    blobstore.Store
	idl      *protocol.IDL
	registry *protocol.Registry
}

// openDeps connects to the chain and opens the stores. Commands that send
// transactions pass withSigner to load the payer keypair.
func openDeps(ctx context.Context, c *Config, withSigner bool) (d *deps, err error) {
	d = &deps{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if d.idl, err = protocol.LoadIDL(c.IDLPath); err != nil {
		return nil, fmt.Errorf("failed to load idl: %w", err)
	}
	d.registry = protocol.BuildRegistry(d.idl, c.RegistryOptions())

	if withSigner {
		path := c.KeypairPath
		if path == "" {
			if path, err = protocol.DefaultKeypairPath(); err != nil {
				return nil, err
			}
		}
		signer, err := protocol.LoadKeypair(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load payer keypair from %s: %w", path, err)
		}
		if d.client, err = protocol.NewClient(c.RpcEndpoint, c.WsEndpoint, signer); err != nil {
			return nil, fmt.Errorf("failed to create Solana client: %w", err)
		}
		log.WithField("payer", signer.PublicKey()).Info("loaded payer keypair")
	} else if d.client, err = protocol.NewReadOnlyClient(c.RpcEndpoint, c.WsEndpoint); err != nil {
		return nil, fmt.Errorf("failed to create Solana client: %w", err)
	}

	if d.store, err = storage.NewStore(ctx, c.StoreConfig()); err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", c.StoreType, err)
	}
	if d.blobs, err = blobstore.New(c.BlobConfig()); err != nil {
		return nil, fmt.Errorf("failed to open %s blob store: %w", c.BlobStore, err)
	}
	return d, nil
}

func (d *deps) Close() {
	if d.client != nil {
		d.client.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.WithError(err).Warn("failed to close store")
		}
	}
	if closer, ok := d.blobs.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).Warn("failed to close blob store")
		}
	}
}
