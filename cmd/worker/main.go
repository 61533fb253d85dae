// The worker command runs a single CSV processing unit: it consumes the
// task queue, processes payloads, and publishes results. Run as many
// worker processes as needed; the broker's prefetch-based dispatch
// balances load across them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/csvflow/csvflow/internal/broker"
	"github.com/csvflow/csvflow/internal/config"
	"github.com/csvflow/csvflow/internal/csvproc"
	"github.com/csvflow/csvflow/internal/worker"
)

var (
	cfgFile     string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "CSV processing worker",
	Long:  `Consumes CSV task envelopes from the broker, processes them, and publishes result envelopes.`,
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
		fmt.Println("csvflow worker v0.1.0")
		return nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	queues := []string{cfg.Broker.TaskQueue, cfg.Broker.ResultQueue, cfg.Broker.DeadLetterQueue}
	client := broker.NewClient(cfg.Broker.URL, queues, cfg.Broker.Prefetch, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	unitCfg := worker.Config{
		WorkerID:            workerID,
		ResultQueue:         cfg.Broker.ResultQueue,
		DeadLetterQueue:     cfg.Broker.DeadLetterQueue,
		HistoryCapacity:     cfg.Worker.HistoryCapacity,
		MaxDeliveryAttempts: cfg.Worker.MaxDeliveryAttempts,
		SimulateDelay:       cfg.Worker.SimulateDelay,
	}
	unit := worker.NewUnit(unitCfg, client, csvproc.New(cfg.Worker.RequiredColumns), logger)

	err = unit.Run(ctx, client, cfg.Broker.TaskQueue)
	if errors.Is(err, context.Canceled) {
		logger.Info("worker shutting down", "worker_id", workerID)
		return nil
	}
	return err
}
