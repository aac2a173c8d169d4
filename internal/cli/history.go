package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/mlpipeline/internal/orchestrator"
)

func (a *app) listRuns(cmd *cobra.Command, limit int) error {
	st, closeStore, err := openStore(a.cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	runs, err := st.ListRuns(commandContext(cmd), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tLAST STEP\tLAST STAGE\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.RunID, r.LastStep, r.LastStageID, r.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func (a *app) showRun(cmd *cobra.Command, runID string) error {
	st, closeStore, err := openStore(a.cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	steps, err := st.ListSteps(commandContext(cmd), runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTAGE\tCOMPLETED\tDETAIL")
	for _, s := range steps {
		detail := ""
		switch {
		case s.State.ModelCard != nil && s.StageID == orchestrator.StageModelCard:
			detail = s.State.ModelCard.Path
		case s.State.Training != nil && s.StageID == orchestrator.StageModelTraining:
			name, value := s.State.Training.Metrics.Headline()
			detail = fmt.Sprintf("%s=%.4f", name, value)
		case s.State.Data != nil && s.StageID == orchestrator.StageDataProcessing:
			detail = fmt.Sprintf("rows=%d train=%d test=%d", s.State.Data.RowsKept, s.State.Data.TrainRows, s.State.Data.TestRows)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Step, s.StageID, s.CreatedAt.Local().Format(time.DateTime), detail)
	}
	return tw.Flush()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
