package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dshills/mlpipeline/internal/config"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// CreateRootCommand creates the root command and its subcommands. Running
// the root command with no arguments executes the whole pipeline.
func CreateRootCommand(flags *Flags) *cobra.Command {
	return createRootCommand(newApp(flags, viper.New()))
}

func createRootCommand(app *app) *cobra.Command {
	flags := app.flags
	rootCmd := &cobra.Command{
		Use:   "mlpipeline",
		Short: "Data processing and model training pipeline",
		Long: `mlpipeline prepares a raw CSV dataset and trains a model on it.

The data stage reads artifacts/raw/data.csv, cleans, splits and encodes it
into artifacts/processed. The training stage then fits a model on the
processed data and writes artifacts/models/model.json and metrics.json.
Training never starts before data processing has finished.

Examples:
  mlpipeline                              # Run the pipeline with defaults
  mlpipeline --raw-data iris.csv --seed 7 # Custom input and seed
  mlpipeline resume 5f0c...               # Continue a failed run
  mlpipeline predict --input new.csv      # Score new rows`,
		Args:          cobra.NoArgs,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runPipeline(cmd)
		},
	}

	setupFlags(rootCmd, flags)
	bindFlagsToViper(rootCmd, app.v)

	rootCmd.AddCommand(
		newResumeCommand(app),
		newHistoryCommand(app, flags),
		newPredictCommand(app, flags),
		newConfigCommand(app, flags),
		newVersionCommand(),
	)

	return rootCmd
}

func setupFlags(cmd *cobra.Command, flags *Flags) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.CfgFile, "config", "", "config file (default is ./"+config.FileName+".yaml or $HOME/"+config.FileName+".yaml)")
	pf.StringVar(&flags.RawData, "raw-data", flags.RawData, "Raw CSV dataset")
	pf.StringVar(&flags.Artifacts, "artifacts", flags.Artifacts, "Artifact root directory")
	pf.StringVar(&flags.Store, "store", flags.Store, "Run store: sqlite, mysql or memory")
	pf.StringVar(&flags.StoreDSN, "store-dsn", "", "Store DSN (sqlite path or mysql DSN; default <artifacts>/runs.db)")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	pf.StringVar(&flags.TraceFile, "trace-file", "", "Write OpenTelemetry spans to this file")
	pf.StringVar(&flags.LogFormat, "log-format", flags.LogFormat, "Event log format: text or json")
	pf.Int64Var(&flags.Seed, "seed", flags.Seed, "Random seed for splitting and training")
	pf.BoolVar(&flags.ModelCard, "model-card", false, "Also write MODEL_CARD.md after training")
}

func bindFlagsToViper(cmd *cobra.Command, v *viper.Viper) {
	pf := cmd.PersistentFlags()
	_ = v.BindPFlag("raw_data", pf.Lookup("raw-data"))
	_ = v.BindPFlag("artifacts", pf.Lookup("artifacts"))
	_ = v.BindPFlag("store.driver", pf.Lookup("store"))
	_ = v.BindPFlag("store.dsn", pf.Lookup("store-dsn"))
	_ = v.BindPFlag("metrics.addr", pf.Lookup("metrics-addr"))
	_ = v.BindPFlag("trace.file", pf.Lookup("trace-file"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("seed", pf.Lookup("seed"))
	_ = v.BindPFlag("model_card.enabled", pf.Lookup("model-card"))
}

func newResumeCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a failed run after its last completed stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.resume(cmd, args[0])
		},
	}
}

func newHistoryCommand(app *app, flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs, or the steps of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return app.showRun(cmd, args[0])
			}
			return app.listRuns(cmd, flags.Limit)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", flags.Limit, "Maximum number of runs to list (0 for all)")
	return cmd
}

func newPredictCommand(app *app, flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score a CSV file with the trained model",
		Long: `predict applies the saved preprocessing and model to every row of the
input CSV and writes the rows back with a "prediction" column appended.
The input needs the same feature columns as the training data; the target
column is optional.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.predict(cmd, flags.ModelPath, flags.Input, flags.Output)
		},
	}
	cmd.Flags().StringVar(&flags.ModelPath, "model", "", "Model file (default <artifacts>/models/model.json)")
	cmd.Flags().StringVarP(&flags.Input, "input", "i", "", "Input CSV")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "Output CSV (default stdout)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newConfigCommand(app *app, flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.showConfig(cmd)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig(cmd, flags.InitPath, flags.Yes)
		},
	}
	initCmd.Flags().StringVar(&flags.InitPath, "path", flags.InitPath, "Where to write the file")
	initCmd.Flags().BoolVarP(&flags.Yes, "yes", "y", false, "Overwrite an existing file without asking")

	cmd.AddCommand(show, initCmd)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mlpipeline %s\n", Version)
		},
	}
}
