package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	figure "github.com/common-nighthawk/go-figure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chainsensors/indexer"
	"chainsensors/node"
	"chainsensors/reseal"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexer, the purchase listener and the reseal worker.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	banner := figure.NewFigure("CHAINSENSORS", "larry3d", true)
	fmt.Println(titleStyle.Render(banner.String()))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer d.Close()

	svc, err := reseal.NewService(d.client, d.blobs, d.store.Purchases(), d.idl, d.registry, nil, cfg.ResealConfig())
	if err != nil {
		return err
	}
	if _, err := svc.EnsureCompDef(ctx); err != nil {
		log.WithError(err).Warn("computation definition not ready, the first reseal will retry")
	}

	worker := reseal.NewWorker(svc, d.blobs, d.store, cfg.WorkerConfig())
	ix, err := indexer.New(d.client, d.store, d.idl, d.registry, cfg.IndexerConfig())
	if err != nil {
		return err
	}
	listener, err := indexer.NewListener(d.client, d.client, d.store.Purchases(), d.registry, worker, cfg.ProgramID)
	if err != nil {
		return err
	}

	n, err := node.New(ix, listener, worker, d.store, node.Config{
		APIAddr:     cfg.APIAddr,
		MetricsAddr: cfg.MetricsAddr,
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"rpc":     cfg.RpcEndpoint,
		"program": cfg.ProgramID,
		"store":   cfg.StoreType,
		"blobs":   cfg.BlobStore,
	}).Info("starting chainsensors")
	if err := n.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	return nil
}
