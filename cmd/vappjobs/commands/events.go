package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/vapp-jobs/pkg/core"
)

func newEventsCommand() *cobra.Command {
	var f core.EventFilter

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the audit event log",
		Example: `  vappjobs events --resource vapp-42
  vappjobs events --outcome Failed --limit 20 --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := openMigrated(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			events, err := svc.Store.ListEvents(ctx, f)
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(events)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tFUNCTION\tRESOURCE\tSTAGE\tOUTCOME\tRETRIES\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					e.Created.Format(time.RFC3339), e.FunctionName, e.ResourceID,
					e.EventStage, e.Outcome, e.Retries, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "filter by resource id")
	cmd.Flags().StringVar(&f.FunctionName, "function", "", "filter by operation name")
	cmd.Flags().StringVar(&f.JobID, "job", "", "filter by job id")
	cmd.Flags().Var((*stageFlag)(&f.Stage), "stage", "filter by stage (Start or End)")
	cmd.Flags().Var((*outcomeFlag)(&f.Outcome), "outcome", "filter by outcome (Completed or Failed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of events")
	return cmd
}

type stageFlag core.EventStage

func (s *stageFlag) String() string { return string(*s) }
func (s *stageFlag) Type() string   { return "stage" }

func (s *stageFlag) Set(v string) error {
	switch core.EventStage(v) {
	case core.StageStart, core.StageEnd:
		*s = stageFlag(v)
		return nil
	}
	return fmt.Errorf("invalid stage %q", v)
}

type outcomeFlag core.Outcome

func (o *outcomeFlag) String() string { return string(*o) }
func (o *outcomeFlag) Type() string   { return "outcome" }

func (o *outcomeFlag) Set(v string) error {
	switch core.Outcome(v) {
	case core.OutcomeCompleted, core.OutcomeFailed:
		*o = outcomeFlag(v)
		return nil
	}
	return fmt.Errorf("invalid outcome %q", v)
}
