// Command storectl inspects and maintains the sync state of a storefront
// profile: the collection cache, the offline queue and its dead letters.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/bootstrap"
	"github.com/storefront/backend/internal/infrastructure/config"
	"github.com/storefront/backend/internal/infrastructure/logger"
)

var (
	configPath string
	logLevel   string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "storectl",
	Short: "Inspect and maintain storefront sync state",
	Long: `storectl opens the configured profile storage as one more tab of the
profile. It sees the same collection cache, offline queue and dead letters as
a running server, and its changes reach that server through the usual
broadcast transports.

Every command prints JSON on stdout. Logs go to stderr.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "time limit for the whole command")

	rootCmd.AddGroup(
		&cobra.Group{ID: "state", Title: "Sync state:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withRuntime opens and starts the sync runtime, runs fn and closes the
// runtime again.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.NewForCLI(logLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	rt, err := bootstrap.Open(ctx, cfg, log, bootstrap.WithoutReconciler(), bootstrap.WithoutMetrics())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer closeCancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Warn("Failed to close sync runtime", zap.Error(err))
		}
	}()
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	return fn(ctx, rt)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
