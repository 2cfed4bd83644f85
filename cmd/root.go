package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cfg is loaded before any subcommand runs.
var cfg *Config

var rootCmd = &cobra.Command{
	Use:   "chainsensors",
	Short: "ChainSensors reseals purchased data keys and indexes marketplace events.",
	Long: `ChainSensors runs the confidential reseal orchestrator and the chain event
indexer of the ChainSensors marketplace. Use "serve" to run the service, or the
one-shot commands to reseal a single purchase and inspect the indexer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = LoadConfig(); err != nil {
			return err
		}
		return setupLogging(cfg.LogLevel, cfg.LogFormat)
	},
}

func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(warningStyle.Render(err.Error()))
		os.Exit(1)
	}
}
