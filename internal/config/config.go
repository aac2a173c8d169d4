// Package config loads mlpipeline settings from defaults, an optional
// .mlpipeline.yaml file, MLPIPELINE_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dshills/mlpipeline/dataprep"
	"github.com/dshills/mlpipeline/modelcard"
)

const (
	// FileName is the config file name searched for in the working
	// directory and $HOME.
	FileName = ".mlpipeline"

	// EnvPrefix prefixes environment overrides, e.g. MLPIPELINE_STORE_DRIVER.
	EnvPrefix = "MLPIPELINE"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

// Log formats.
const (
	LogText = "text"
	LogJSON = "json"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the effective configuration of a pipeline run.
type Config struct {
	RawData   string `mapstructure:"raw_data" yaml:"raw_data"`
	Artifacts string `mapstructure:"artifacts" yaml:"artifacts"`
	Seed      int64  `mapstructure:"seed" yaml:"seed"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Trace     TraceConfig     `mapstructure:"trace" yaml:"trace"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Data      DataConfig      `mapstructure:"data" yaml:"data"`
	Training  TrainingConfig  `mapstructure:"training" yaml:"training"`
	ModelCard ModelCardConfig `mapstructure:"model_card" yaml:"model_card"`
}

// LogConfig selects the event log format.
type LogConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
}

// StoreConfig selects where run checkpoints are persisted. An empty DSN
// with the sqlite driver means <artifacts>/runs.db.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TraceConfig enables span export to a file when File is set.
type TraceConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// PipelineConfig holds engine timeouts and retry settings.
type PipelineConfig struct {
	StageTimeout   time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
	RunBudget      time.Duration `mapstructure:"run_budget" yaml:"run_budget"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
}

// DataConfig mirrors dataprep.Options.
type DataConfig struct {
	Target      string   `mapstructure:"target" yaml:"target"`
	DropColumns []string `mapstructure:"drop_columns" yaml:"drop_columns"`
	TestRatio   float64  `mapstructure:"test_ratio" yaml:"test_ratio"`
	Task        string   `mapstructure:"task" yaml:"task"`
	MaxClasses  int      `mapstructure:"max_classes" yaml:"max_classes"`
}

// TrainingConfig mirrors training.Options.
type TrainingConfig struct {
	Epochs       int     `mapstructure:"epochs" yaml:"epochs"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	BatchSize    int     `mapstructure:"batch_size" yaml:"batch_size"`
	L2           float64 `mapstructure:"l2" yaml:"l2"`
	Patience     int     `mapstructure:"patience" yaml:"patience"`
	Tolerance    float64 `mapstructure:"tolerance" yaml:"tolerance"`
}

// ModelCardConfig controls the optional model card stage.
type ModelCardConfig struct {
	Enabled  bool                     `mapstructure:"enabled" yaml:"enabled"`
	Narrator modelcard.NarratorConfig `mapstructure:"narrator" yaml:"narrator"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		RawData:   dataprep.DefaultRawPath,
		Artifacts: "artifacts",
		Seed:      42,
		Log:       LogConfig{Format: LogText},
		Store:     StoreConfig{Driver: StoreSQLite},
		Pipeline: PipelineConfig{
			StageTimeout:   30 * time.Minute,
			MaxAttempts:    3,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  30 * time.Second,
		},
		Data: DataConfig{
			DropColumns: []string{},
			TestRatio:   0.2,
			Task:        string(dataprep.TaskAuto),
			MaxClasses:  20,
		},
		Training: TrainingConfig{
			Epochs:       200,
			LearningRate: 0.1,
			BatchSize:    32,
			L2:           1e-4,
			Patience:     10,
			Tolerance:    1e-6,
		},
		ModelCard: ModelCardConfig{
			Narrator: modelcard.NarratorConfig{Provider: modelcard.ProviderNone},
		},
	}
}

// SetDefaults registers every key with its default so that environment
// variables and Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("raw_data", d.RawData)
	v.SetDefault("artifacts", d.Artifacts)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("trace.file", d.Trace.File)
	v.SetDefault("pipeline.stage_timeout", d.Pipeline.StageTimeout)
	v.SetDefault("pipeline.run_budget", d.Pipeline.RunBudget)
	v.SetDefault("pipeline.max_attempts", d.Pipeline.MaxAttempts)
	v.SetDefault("pipeline.retry_base_delay", d.Pipeline.RetryBaseDelay)
	v.SetDefault("pipeline.retry_max_delay", d.Pipeline.RetryMaxDelay)
	v.SetDefault("data.target", d.Data.Target)
	v.SetDefault("data.drop_columns", d.Data.DropColumns)
	v.SetDefault("data.test_ratio", d.Data.TestRatio)
	v.SetDefault("data.task", d.Data.Task)
	v.SetDefault("data.max_classes", d.Data.MaxClasses)
	v.SetDefault("training.epochs", d.Training.Epochs)
	v.SetDefault("training.learning_rate", d.Training.LearningRate)
	v.SetDefault("training.batch_size", d.Training.BatchSize)
	v.SetDefault("training.l2", d.Training.L2)
	v.SetDefault("training.patience", d.Training.Patience)
	v.SetDefault("training.tolerance", d.Training.Tolerance)
	v.SetDefault("model_card.enabled", d.ModelCard.Enabled)
	v.SetDefault("model_card.narrator.provider", d.ModelCard.Narrator.Provider)
	v.SetDefault("model_card.narrator.model", d.ModelCard.Narrator.Model)
	v.SetDefault("model_card.narrator.api_key", d.ModelCard.Narrator.APIKey)
}

// InitConfig prepares v to read cfgFile, or .mlpipeline.yaml from the
// working directory or $HOME when cfgFile is empty, and to honour
// MLPIPELINE_* environment variables. It returns the config file used, or ""
// when none was found. A missing default file is not an error; a missing
// explicit file is.
func InitConfig(v *viper.Viper, cfgFile string) (string, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigType("yaml")
		v.SetConfigName(FileName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.ModelCard.Narrator.APIKey == "" {
		cfg.ModelCard.Narrator.APIKey = apiKeyFromEnv(cfg.ModelCard.Narrator.Provider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// apiKeyFromEnv falls back to each provider's conventional variable.
func apiKeyFromEnv(provider string) string {
	switch strings.ToLower(provider) {
	case modelcard.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case modelcard.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case modelcard.ProviderGoogle:
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.RawData == "" {
		add("raw_data must be set")
	}
	if c.Artifacts == "" {
		add("artifacts must be set")
	}
	switch c.Log.Format {
	case LogText, LogJSON:
	default:
		add("log.format must be %q or %q, got %q", LogText, LogJSON, c.Log.Format)
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreMemory:
	case StoreMySQL:
		if c.Store.DSN == "" {
			add("store.dsn is required for the mysql driver")
		}
	default:
		add("store.driver must be sqlite, mysql or memory, got %q", c.Store.Driver)
	}
	if c.Pipeline.StageTimeout < 0 || c.Pipeline.RunBudget < 0 {
		add("pipeline timeouts must not be negative")
	}
	if c.Pipeline.MaxAttempts < 1 {
		add("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Data.TestRatio <= 0 || c.Data.TestRatio >= 1 {
		add("data.test_ratio must be in (0, 1), got %v", c.Data.TestRatio)
	}
	if _, err := dataprep.ParseTask(c.Data.Task); err != nil {
		add("data.task: %v", err)
	}
	if c.Training.Epochs < 1 || c.Training.BatchSize < 1 {
		add("training.epochs and training.batch_size must be positive")
	}
	if c.Training.LearningRate <= 0 {
		add("training.learning_rate must be positive, got %v", c.Training.LearningRate)
	}
	switch strings.ToLower(c.ModelCard.Narrator.Provider) {
	case "", modelcard.ProviderNone, modelcard.ProviderOpenAI, modelcard.ProviderAnthropic, modelcard.ProviderGoogle:
	default:
		add("model_card.narrator.provider %q is not supported", c.ModelCard.Narrator.Provider)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ProcessedDir is where data processing writes its artefacts.
func (c *Config) ProcessedDir() string { return filepath.Join(c.Artifacts, "processed") }

// ModelDir is where training writes model.json and metrics.json.
func (c *Config) ModelDir() string { return filepath.Join(c.Artifacts, "models") }

// StoreDSN returns the DSN for the configured store driver.
func (c *Config) StoreDSN() string {
	if c.Store.DSN == "" && c.Store.Driver == StoreSQLite {
		return filepath.Join(c.Artifacts, "runs.db")
	}
	return c.Store.DSN
}

// YAML renders the configuration with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	if c.ModelCard.Narrator.APIKey != "" {
		c.ModelCard.Narrator.APIKey = "********"
	}
	if c.Store.DSN != "" && c.Store.Driver == StoreMySQL {
		c.Store.DSN = redactDSN(c.Store.DSN)
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

// redactDSN hides the password in user:pass@tcp(host)/db.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	colon := strings.Index(dsn, ":")
	if at < 0 || colon < 0 || colon > at {
		return dsn
	}
	return dsn[:colon+1] + "********" + dsn[at:]
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	out, err := Default().YAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
