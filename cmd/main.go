package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"s3transfer/internal/app"
	"s3transfer/internal/config"
	"s3transfer/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile  string
	envFile     string
	executionID string
	manifestKey string
)

var rootCmd = &cobra.Command{
	Use:   "s3transfer",
	Short: "Copy objects between S3 buckets across accounts",
	Long: `A resumable cross-account S3 transfer tool. It inventories a source prefix
into a manifest, copies every object server-side with temporary role
credentials, validates the destination by count and random sampling, and
writes an execution report.`,
	SilenceUsage: true,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Inventory the source prefix and write the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
			return a.List(ctx, executionID)
		})
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Copy every object listed in a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
			return a.Transfer(ctx, manifestKey)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the destination against a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
			return a.Validate(ctx, manifestKey)
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the execution report for a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
			return a.Report(ctx, manifestKey, nil, nil)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "List, transfer, validate and report in one execution",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
			return a.Run(ctx, executionID)
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file")
	pf.StringVar(&envFile, "env-file", "", "dotenv file loaded before the process environment")

	// Source flags
	pf.String("src-role-arn", "", "Role assumed to read the source bucket")
	pf.String("src-bucket", "", "Source bucket")
	pf.String("src-prefix", "", "Source key prefix")
	pf.String("src-kms-key-id", "", "KMS key for manifests and reports")

	// Destination flags
	pf.String("dst-role-arn", "", "Role assumed to write the destination bucket")
	pf.String("dst-bucket", "", "Destination bucket")
	pf.String("dst-prefix", "", "Destination key prefix")
	pf.String("dst-kms-key-id", "", "KMS key for copied objects")

	pf.String("external-id", "", "External id passed when assuming roles")
	pf.String("manifest-bucket", "", "Bucket holding manifests and reports")

	// Storage flags
	pf.String("backend", "aws", "Storage backend (aws/minio)")
	pf.String("endpoint", "", "Custom S3 endpoint")
	pf.String("region", "us-east-1", "AWS region")

	// Transfer flags
	pf.Int64("multipart-threshold", 5<<30, "Multipart copy threshold in bytes")
	pf.Int64("part-size", 100<<20, "Multipart part size in bytes")
	pf.Int("part-concurrency", 4, "Concurrent part copies per object")
	pf.Int("workers", 16, "Number of concurrent object workers")
	pf.String("checkpoint", "./checkpoint.db", "Checkpoint database file")
	pf.Int("retries", 5, "Maximum attempts per remote call")
	pf.Int("sample-size", 10, "Objects probed during validation")

	pf.String("log-level", "info", "Log level (debug/info/warn/error)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	listCmd.Flags().StringVar(&executionID, "execution-id", "", "Execution id (generated when empty)")
	runCmd.Flags().StringVar(&executionID, "execution-id", "", "Execution id (generated when empty)")

	for _, cmd := range []*cobra.Command{transferCmd, validateCmd, reportCmd} {
		cmd.Flags().StringVar(&manifestKey, "manifest-key", "", "Manifest key in the manifest bucket")
		cmd.MarkFlagRequired("manifest-key")
	}

	rootCmd.AddCommand(listCmd, transferCmd, validateCmd, reportCmd, runCmd)
}

// withApp loads configuration, builds the app, runs fn under a context that
// is cancelled on SIGINT/SIGTERM, and prints fn's result as JSON
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	cfg, err := config.Load(configFile, envFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			log.Error("Error closing app", zap.Error(closeErr))
		}
	}()

	a.ServeMetrics(ctx)

	result, runErr := fn(ctx, a)
	if ctx.Err() != nil {
		log.Info("Received shutdown signal, stopped")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Error("Failed to print result", zap.Error(err))
	}
	return runErr
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
