// Command council is the CLI surface of the local multi-agent council
// orchestrator: it drives missions through rounds, extracts and repairs
// seat decisions, applies winning patches, verifies the result, and
// inspects the evidence ledger (spec §6).
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/localcouncil/council/internal/councilconfig"
)

var (
	dryRun    bool
	verbose   bool
	output    string
	cfgFile   string
	runDirFlg string
)

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Local multi-agent council orchestrator",
	Long: `council builds a team of role-typed agents, drives them through a
bounded sequence of rounds, aggregates their structured decisions, optionally
applies the winning patch, and verifies the result.`,
	SilenceUsage: true,
}

// Execute runs the root command, exiting the process with its returned
// exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeOf(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show what would happen without executing")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .council/config.yaml, then ~/.council/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&runDirFlg, "run-dir", "", "RunDir to operate on (required by most subcommands)")
}

// loadConfig layers flag overrides over councilconfig.Load's
// home/project/env precedence chain (spec §9's single-config-record design).
func loadConfig() (*councilconfig.Config, error) {
	if cfgFile != "" {
		os.Setenv("COUNCIL_CONFIG", cfgFile)
	}
	overrides := &councilconfig.Config{
		Output: output,
		DryRun: dryRun,
	}
	if verbose {
		overrides.Verbose = true
	}
	return councilconfig.Load(overrides)
}

// newLogger builds the CLI's structured logger: human-readable console
// encoding to stderr, debug level under --verbose and info otherwise.
func newLogger() *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// exitCode lets subcommands carry a specific CLI exit code (spec §6's
// per-command exit-code table) through cobra's plain error return.
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string { return e.err.Error() }
func (e *exitCode) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCode{code: code, err: err}
}

func exitCodeOf(err error) int {
	if ec, ok := err.(*exitCode); ok {
		return ec.code
	}
	return 1
}

func main() {
	Execute()
}
