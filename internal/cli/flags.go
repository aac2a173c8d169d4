package cli

import "github.com/dshills/mlpipeline/internal/config"

// Flags holds all command-line flag values
type Flags struct {
	// Global flags
	CfgFile     string
	RawData     string
	Artifacts   string
	Store       string
	StoreDSN    string
	MetricsAddr string
	TraceFile   string
	LogFormat   string
	Seed        int64
	ModelCard   bool

	// history
	Limit int

	// predict
	ModelPath string
	Input     string
	Output    string

	// config init
	InitPath string
	Yes      bool
}

// NewFlags creates a new Flags instance with default values
func NewFlags() *Flags {
	d := config.Default()
	return &Flags{
		RawData:   d.RawData,
		Artifacts: d.Artifacts,
		Store:     d.Store.Driver,
		LogFormat: d.Log.Format,
		Seed:      d.Seed,
		Limit:     20,
		InitPath:  config.FileName + ".yaml",
	}
}
