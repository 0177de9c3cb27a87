package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage retry policies",
		Long: `Manage the named retry policies consulted when an operation is
submitted. Operations without a stored policy use the built-in default.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicySetCommand())
	cmd.AddCommand(newPolicyDeleteCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored retry policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := openMigrated(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			policies, err := svc.Policies.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(policies)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tQUEUE\tMAX RETRIES\tINTERVAL\tTIMEOUT")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%d\t%ds\t%ds\n", p.Name, p.Queue, p.MaxRetries, p.RetryInterval, p.JobTimeout)
			}
			return w.Flush()
		},
	}
}

func newPolicySetCommand() *cobra.Command {
	var (
		queueName  string
		maxRetries int
		interval   int
		timeout    int
	)

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or replace a retry policy",
		Example: `  vappjobs policy set start_vapp --queue high --max-retries 3 --interval 30
  vappjobs policy set delete_vm --max-retries 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := core.ParseOperation(args[0]); err != nil {
				cmd.PrintErrf("warning: %q is not a known operation name\n", args[0])
			}

			svc, err := openMigrated(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			p := core.DefaultRetryPolicy(args[0])
			if cmd.Flags().Changed("queue") {
				p.Queue = queueName
			}
			if cmd.Flags().Changed("max-retries") {
				p.MaxRetries = maxRetries
			}
			if cmd.Flags().Changed("interval") {
				p.RetryInterval = interval
			}
			if cmd.Flags().Changed("timeout") {
				p.JobTimeout = timeout
			}
			if err := svc.Policies.Put(ctx, p); err != nil {
				return err
			}
			cmd.Printf("policy %s saved\n", p.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", "", "queue the operation runs on")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries after the first attempt")
	cmd.Flags().IntVar(&interval, "interval", 0, "base retry interval in seconds")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "per-attempt timeout in seconds")
	return cmd
}

func newPolicyDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a retry policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := openMigrated(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Policies.Delete(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("policy %s deleted\n", args[0])
			return nil
		},
	}
}
