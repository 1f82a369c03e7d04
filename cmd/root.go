// cmd/root.go
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladsavelyev/text-generation-inference/client"
	"github.com/vladsavelyev/text-generation-inference/infer"
	"github.com/vladsavelyev/text-generation-inference/server"
)

var (
	configPath            string
	listenAddr            string
	shardAddrs            []string
	maxConcurrentRequests int
	maxInputLength        int
	maxBatchSize          int
	maxWaitingTokens      int
	validationWorkers     int
	logLevel              string
)

var rootCmd = &cobra.Command{
	Use:   "text-generation-router",
	Short: "Dynamic batching router for sharded text-generation backends",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the generation API",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		logrus.Infof("Starting router: shards=%v, max_batch_size=%d, max_waiting_tokens=%d, max_concurrent_requests=%d",
			cfg.ShardAddrs, cfg.MaxBatchSize, cfg.MaxWaitingTokens, cfg.MaxConcurrentRequests)

		backend, err := client.NewShardedClient(cfg.ShardAddrs)
		if err != nil {
			return err
		}
		defer backend.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		healthCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := backend.Health(healthCtx); err != nil {
			logrus.Warnf("shards not healthy yet: %v", err)
		}

		validation := infer.NewValidation(cfg.ValidationWorkers, cfg.MaxInputLength)
		defer validation.Close()
		in := infer.New(backend, validation, cfg.MaxBatchSize, cfg.MaxWaitingTokens, cfg.MaxConcurrentRequests)
		go in.Run(ctx)

		return server.New(in, cfg).Run(ctx)
	},
}

// resolveConfig layers the config file (when given) over the defaults, then
// explicitly-set flags over both.
func resolveConfig(cmd *cobra.Command) (server.Config, error) {
	cfg := server.DefaultConfig()
	if configPath != "" {
		loaded, err := server.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if flags.Changed("shard") {
		cfg.ShardAddrs = shardAddrs
	}
	if flags.Changed("max-concurrent-requests") {
		cfg.MaxConcurrentRequests = maxConcurrentRequests
	}
	if flags.Changed("max-input-length") {
		cfg.MaxInputLength = maxInputLength
	}
	if flags.Changed("max-batch-size") {
		cfg.MaxBatchSize = maxBatchSize
	}
	if flags.Changed("max-waiting-tokens") {
		cfg.MaxWaitingTokens = maxWaitingTokens
	}
	if flags.Changed("validation-workers") {
		cfg.ValidationWorkers = validationWorkers
	}
	return cfg, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaults := server.DefaultConfig()
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", defaults.ListenAddr, "Listen address")
	serveCmd.Flags().StringSliceVar(&shardAddrs, "shard", defaults.ShardAddrs, "Backend shard address (repeatable)")
	serveCmd.Flags().IntVar(&maxConcurrentRequests, "max-concurrent-requests", defaults.MaxConcurrentRequests, "Maximum requests in flight")
	serveCmd.Flags().IntVar(&maxInputLength, "max-input-length", defaults.MaxInputLength, "Maximum input length in tokens")
	serveCmd.Flags().IntVar(&maxBatchSize, "max-batch-size", defaults.MaxBatchSize, "Maximum batch size")
	serveCmd.Flags().IntVar(&maxWaitingTokens, "max-waiting-tokens", defaults.MaxWaitingTokens, "Decode steps before a running batch must accept waiting requests")
	serveCmd.Flags().IntVar(&validationWorkers, "validation-workers", defaults.ValidationWorkers, "Validation worker goroutines")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}
