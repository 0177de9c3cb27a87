package commands

import (
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API that accepts lifecycle operations and answers busy,
task and event log queries. With --worker the worker pool runs in the same
process, which the in-memory busy registry requires.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Migrate(ctx); err != nil {
				return err
			}
			return svc.Serve(ctx, withWorker)
		},
	}

	cmd.Flags().BoolVar(&withWorker, "worker", false, "also run the worker pool in this process")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool",
		Long: `Run the worker pool that executes submitted operations, settles them into
the event log and the busy registry, and enqueues the scheduled
reconciliation sweep.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			return svc.RunWorker(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Migrate(ctx); err != nil {
				return err
			}
			cmd.Println("database migrated")
			return nil
		},
	}
}
