// Copyright 2025 Agger Protocol
//
// Entry point for the agger node: the off-chain prover for on-chain queries.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zkmove/agger/pkg/aptos"
	"github.com/zkmove/agger/pkg/config"
	"github.com/zkmove/agger/pkg/node"
	"github.com/zkmove/agger/pkg/store"
	"github.com/zkmove/agger/pkg/types"
	"github.com/zkmove/agger/pkg/zkvm"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agger",
		Short:         "agger off-chain prover node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startServerCommand())
	return root
}

func startServerCommand() *cobra.Command {
	cfg := config.Load()
	var configFile string

	cmd := &cobra.Command{
		Use:   "start-server",
		Short: "watch the agger contracts and prove incoming queries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				metricsAddr, logLevel := cfg.MetricsAddr, cfg.LogLevel
				if err := cfg.ApplyFile(configFile); err != nil {
					return err
				}
				// Flags given on the command line win over the tuning file.
				if cmd.Flags().Changed("metrics-addr") {
					cfg.MetricsAddr = metricsAddr
				}
				if cmd.Flags().Changed("log-level") {
					cfg.LogLevel = logLevel
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.AptosRPC, "aptos-rpc", cfg.AptosRPC, "aptos rpc url, or one of mainnet, testnet, devnet")
	flags.StringVar(&cfg.AggerAddress, "agger-address", cfg.AggerAddress, "agger contracts account address")
	flags.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "storage path")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "prometheus listen address (disabled when empty)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flags.StringVar(&configFile, "config", "", "optional YAML tuning file")
	return cmd
}

func runServer(parent context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	baseURL, err := aptos.ResolveBaseURL(cfg.AptosRPC)
	if err != nil {
		return err
	}
	var aggerAddress types.AccountAddress
	if err := aggerAddress.ParseStringRelaxed(cfg.AggerAddress); err != nil {
		return fmt.Errorf("invalid agger address %q: %w", cfg.AggerAddress, err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, log)
	}

	log.Infow("starting agger node",
		"rpc", baseURL,
		"agger_address", aggerAddress.String(),
		"store", cfg.StorePath)

	n := node.New(
		aptos.NewClient(baseURL),
		zkvm.NewProver(log),
		st,
		aggerAddress,
		node.Options{
			PollInterval:     cfg.PollInterval,
			ProverWorkers:    cfg.ProverWorkers,
			TaskQueueDepth:   cfg.TaskQueueDepth,
			OutputQueueDepth: cfg.OutputQueueDepth,
		},
		log,
	)
	return n.Run(ctx)
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func serveMetrics(ctx context.Context, addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close() //nolint:errcheck
	}()
	log.Infow("metrics listener up", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("metrics listener failed", "err", err)
	}
}
