// Package cli provides the mlpipeline command tree. It handles flag
// parsing, configuration loading and the wiring of stores, emitters,
// metrics and tracing around the pipeline orchestrator, using cobra and
// viper.
package cli
