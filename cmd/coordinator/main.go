// The coordinator command runs the ingress HTTP server, the result
// aggregator, and the broadcast fan-out. Exactly one coordinator instance
// must be active: it is the sole consumer of the result queue and owns
// the latest-result slot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csvflow/csvflow/internal/broker"
	"github.com/csvflow/csvflow/internal/config"
	"github.com/csvflow/csvflow/internal/coordinator"
	"github.com/csvflow/csvflow/internal/fanout"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile     string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "CSV pipeline coordinator",
	Long:  `Serves CSV uploads, aggregates worker results, and broadcasts the latest result to subscribers.`,
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if showVersion {
		fmt.Println("csvflow coordinator v0.1.0")
		return nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queues := []string{cfg.Broker.TaskQueue, cfg.Broker.ResultQueue, cfg.Broker.DeadLetterQueue}

	// Separate connections for the publish path (ingress) and the consume
	// path (aggregator), so a blocked consume never delays an upload.
	pubClient := broker.NewClient(cfg.Broker.URL, queues, cfg.Broker.Prefetch, logger.With("conn", "publisher"))
	if err := pubClient.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = pubClient.Close() }()

	consClient := broker.NewClient(cfg.Broker.URL, queues, cfg.Broker.Prefetch, logger.With("conn", "consumer"))
	if err := consClient.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = consClient.Close() }()

	var agg *coordinator.Aggregator
	fan := fanout.New(func() (any, bool) { return agg.LatestPayload() }, logger)
	agg = coordinator.NewAggregator(cfg.Coordinator.HistoryCapacity, fan, logger)

	fan.Start()
	defer fan.Close()

	consumeErr := make(chan error, 1)
	go func() {
		consumeErr <- agg.Run(ctx, consClient, cfg.Broker.ResultQueue)
	}()

	server := coordinator.NewServer(agg, pubClient, fan, cfg.Broker.TaskQueue, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.HTTP.Addr)
		httpErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("coordinator shutting down")
	case err := <-consumeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("result consumer stopped", "error", err)
		}
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
