// Package node runs the indexer, the purchase listener, the reseal worker
// and the operator API as one process.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chainsensors/indexer"
	"chainsensors/reseal"
	"chainsensors/storage"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	// APIAddr is the operator API listen address; empty disables it.
	APIAddr string
	// MetricsAddr serves /metrics; empty disables it. When equal to APIAddr
	// the API router serves /metrics itself.
	MetricsAddr string
}

type Node struct {
	indexer  *indexer.Indexer
	listener *indexer.Listener
	worker   *reseal.Worker
	store    storage.Store
	cfg      Config
}

func New(ix *indexer.Indexer, listener *indexer.Listener, worker *reseal.Worker, store storage.Store, cfg Config) (*Node, error) {
	if ix == nil || listener == nil || worker == nil || store == nil {
		return nil, errors.New("node needs an indexer, a listener, a worker and a store")
	}
	return &Node{
		indexer:  ix,
		listener: listener,
		worker:   worker,
		store:    store,
		cfg:      cfg,
	}, nil
}

// Run blocks until ctx ends or a component fails, then stops every
// component.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := n.indexer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		n.indexer.Stop()
		return nil
	})
	g.Go(func() error { return n.worker.Run(ctx) })
	g.Go(func() error { return n.listener.Run(ctx) })

	if n.cfg.APIAddr != "" {
		router := NewAPI(n.indexer, n.store.Purchases(), n.worker)
		if n.cfg.MetricsAddr == n.cfg.APIAddr {
			router.Handle("/metrics", promhttp.Handler())
		}
		g.Go(func() error { return serve(ctx, "api", n.cfg.APIAddr, router) })
	}
	if n.cfg.MetricsAddr != "" && n.cfg.MetricsAddr != n.cfg.APIAddr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error { return serve(ctx, "metrics", n.cfg.MetricsAddr, mux) })
	}

	log.Info("node running")
	err := g.Wait()
	log.Info("node stopped")
	return err
}

func serve(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("starting %s server on %s", name, addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warnf("%s server shutdown", name)
		}
		return nil
	}
}
