package commands

import (
	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Backfill failure messages into failed events",
		Long: `Copy the last error of each failed job into its Failed event when the
event has no message yet. With --purge, finished jobs older than the
retention window are deleted afterwards.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := openMigrated(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.Sweep(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("backfilled %d event(s)\n", n)

			if purge {
				purged, err := svc.Sweeper.Purge(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("purged %d job(s)\n", purged)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "delete finished jobs past the retention window")
	return cmd
}
