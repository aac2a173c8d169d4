package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dshills/mlpipeline/internal/config"
	"github.com/dshills/mlpipeline/internal/orchestrator"
	"github.com/dshills/mlpipeline/modelcard"
	"github.com/dshills/mlpipeline/pipeline"
)

// ErrAborted is returned when the user declines or interrupts a prompt.
var ErrAborted = errors.New("aborted")

// app holds state shared by the commands of one command tree.
type app struct {
	flags      *Flags
	v          *viper.Viper
	cfg        *config.Config
	configFile string

	// confirm asks a yes/no question; replaced in tests.
	confirm func(message string) (bool, error)
}

func newApp(flags *Flags, v *viper.Viper) *app {
	return &app{
		flags:   flags,
		v:       v,
		confirm: surveyConfirm,
	}
}

func surveyConfirm(message string) (bool, error) {
	var out bool
	prompt := &survey.Confirm{Message: message, Default: false}
	if err := survey.AskOne(prompt, &out); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return false, ErrAborted
		}
		return false, err
	}
	return out, nil
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	used, err := config.InitConfig(a.v, a.flags.CfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.configFile = used
	a.cfg = cfg
	if used != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", used)
	}
	return nil
}

// signalContext cancels on SIGINT or SIGTERM so stages stop cleanly.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// newOrchestrator builds the pipeline for the loaded configuration.
func (a *app) newOrchestrator(ctx context.Context, rt *runtime) (*orchestrator.Orchestrator, error) {
	var narrator modelcard.Narrator
	if a.cfg.ModelCard.Enabled {
		n, closeNarrator, err := modelcard.NewNarrator(ctx, a.cfg.ModelCard.Narrator)
		if err != nil {
			return nil, fmt.Errorf("failed to create narrator: %w", err)
		}
		rt.onClose(func(context.Context) error { return closeNarrator() })
		narrator = n
	}
	return orchestrator.FromConfig(a.cfg, narrator, rt.store, rt.emitter, pipeline.WithMetrics(rt.metrics))
}

func (a *app) runPipeline(cmd *cobra.Command) (err error) {
	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := a.openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()

	orch, err := a.newOrchestrator(ctx, rt)
	if err != nil {
		return err
	}

	runID, state, err := orch.Run(ctx)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) && stageErr.StageID != orchestrator.StageDataProcessing {
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %s failed. Continue it with: mlpipeline resume %s\n", runID, runID)
		}
		return err
	}

	printSummary(cmd.OutOrStdout(), runID, state)
	return nil
}

func (a *app) resume(cmd *cobra.Command, runID string) (err error) {
	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := a.openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()

	orch, err := a.newOrchestrator(ctx, rt)
	if err != nil {
		return err
	}

	state, err := orch.Resume(ctx, runID)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), runID, state)
	return nil
}

func printSummary(w io.Writer, runID string, state orchestrator.State) {
	fmt.Fprintf(w, "Run %s completed\n", runID)
	if d := state.Data; d != nil {
		fmt.Fprintf(w, "  data:     %d of %d rows kept, %d train / %d test, target %q (%s)\n",
			d.RowsKept, d.RowsRead, d.TrainRows, d.TestRows, d.Target, d.Task)
	}
	if t := state.Training; t != nil {
		name, value := t.Metrics.Headline()
		fmt.Fprintf(w, "  training: %d epochs, %s %.4f\n", t.EpochsRun, name, value)
		fmt.Fprintf(w, "  model:    %s\n", t.ModelPath)
	}
	if c := state.ModelCard; c != nil {
		fmt.Fprintf(w, "  card:     %s\n", c.Path)
	}
}
