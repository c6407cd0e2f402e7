// Package main implements the modelpulse binary. One process can run the
// full pipeline plus the query API, or each side separately via --mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/modelpulse/modelpulse/internal/app"
	"github.com/modelpulse/modelpulse/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		ingestAddr  string
		queryAddr   string
		metricsAddr string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, ingest, query")
	flag.StringVar(&ingestAddr, "http-ingest", "", "HTTP address for the ingest API")
	flag.StringVar(&queryAddr, "http-query", "", "HTTP address for the query API")
	flag.StringVar(&metricsAddr, "http-metrics", "", "HTTP address for Prometheus metrics")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "modelpulse - LLM usage analytics pipeline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: modelpulse [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  modelpulse --data-dir /data/modelpulse\n")
		fmt.Fprintf(os.Stderr, "  modelpulse --mode ingest --data-dir /data/modelpulse\n")
		fmt.Fprintf(os.Stderr, "  modelpulse --config /etc/modelpulse/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  MODELPULSE_MODE          Service mode (all, ingest, query)\n")
		fmt.Fprintf(os.Stderr, "  MODELPULSE_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  MODELPULSE_ARCHIVE_TYPE  Segment archive (none, local, s3)\n")
		fmt.Fprintf(os.Stderr, "  MODELPULSE_CACHE_ADDR    Redis address for the query cache\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("modelpulse version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, ingestAddr, queryAddr, metricsAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		application.Logger().Error("shutdown finished with errors", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers file, environment and flags, flags winning.
func loadConfig(configFile, dataDir, mode, ingestAddr, queryAddr, metricsAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if ingestAddr != "" {
		cfg.HTTP.IngestAddr = ingestAddr
	}
	if queryAddr != "" {
		cfg.HTTP.QueryAddr = queryAddr
	}
	if metricsAddr != "" {
		cfg.HTTP.MetricsAddr = metricsAddr
	}

	return cfg, nil
}
