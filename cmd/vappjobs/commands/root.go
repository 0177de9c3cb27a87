// Package commands implements the vappjobs command line.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	vappjobs "github.com/jdziat/vapp-jobs"
	"github.com/jdziat/vapp-jobs/internal/config"
	"github.com/jdziat/vapp-jobs/pkg/provider"
	"github.com/jdziat/vapp-jobs/pkg/provider/providertest"
)

// Global flags
var (
	configPath string
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit string) error {
	return newRootCommand(version, commit).ExecuteContext(ctx)
}

func newRootCommand(version, commit string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vappjobs",
		Short: "Busy-resource coordination and job retry for vApp lifecycle operations",
		Long: `vappjobs accepts lifecycle operations on vApps and VMs, keeps concurrent
operations off the same resource, runs the provider work on a durable worker
pool with per-operation retry policies, and records every operation in an
audit event log.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}

// openService loads the configuration, installs the process logger and opens
// the service. The caller closes it.
func openService(ctx context.Context) (*vappjobs.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	dialer, err := dialerFor(cfg.Provider, logger)
	if err != nil {
		return nil, err
	}
	return vappjobs.Open(ctx, cfg, vappjobs.WithLogger(logger), vappjobs.WithDialer(dialer))
}

// dialerFor resolves the configured provider driver.
func dialerFor(cfg config.ProviderConfig, logger *slog.Logger) (provider.Dialer, error) {
	switch cfg.Driver {
	case "fake":
		logger.Warn("using the in-memory fake provider; no real resources are touched")
		return providertest.New().Dialer(), nil
	case "":
		return nil, fmt.Errorf("provider.driver is not set (VAPPJOBS_PROVIDER_DRIVER)")
	default:
		return nil, fmt.Errorf("unsupported provider driver %q", cfg.Driver)
	}
}

// openMigrated is openService for administrative commands that touch the
// tables directly.
func openMigrated(ctx context.Context) (*vappjobs.Service, error) {
	svc, err := openService(ctx)
	if err != nil {
		return nil, err
	}
	if err := svc.Migrate(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}
