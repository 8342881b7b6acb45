// Package cli implements the cobra-based CLI commands for netlab.
//
// Each subcommand (deploy, undeploy, wipe, list, check) is defined in its
// own file within this package. This file defines the root command that
// serves as the parent for all subcommands and handles global flags.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// It also switches the log handler to JSON.
	jsonOutput bool

	// verbose lowers the log level to debug and enables VerboseLog.
	verbose bool

	// configPath overrides the settings file location.
	configPath string

	// backendName overrides the "backend" setting when non-empty.
	backendName string

	// workers overrides the "workers" setting when positive.
	workers int
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action. It only provides
// help text and global flags.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netlab",
		Short: "Network lab orchestrator",
		Long: `netlab deploys network emulation labs: a set of units (containers or pods)
wired together through isolated virtual networks, with optional startup
ordering between units.

A lab is a directory holding a lab.yaml description, an optional lab.dep
dependency file and optional per-unit directories copied into each unit.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors lets Execute format errors as text or JSON.
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (default: ~/.config/netlab/settings.json)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "Execution backend: docker, kubernetes, memory (overrides settings)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Maximum concurrent backend calls (overrides settings)")

	rootCmd.AddCommand(NewDeployCommand())
	rootCmd.AddCommand(NewUndeployCommand())
	rootCmd.AddCommand(NewWipeCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewCheckCommand())

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// CLIError values carry their own exit code; any other error is mapped
// through its kind (validation, backend unavailable, ...).
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) {
			printError(os.Stderr, cliErr.Message, cliErr.Err)
			os.Exit(int(cliErr.Code))
		}

		printError(os.Stderr, err.Error(), nil)
		os.Exit(int(model.ExitCodeFor(err)))
	}
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{
			"message": message,
		}
		if underlying != nil {
			errObj["detail"] = underlying.Error()
			if kind := model.KindOf(underlying); kind != nil {
				errObj["kind"] = kind.Error()
			}
		}
		data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		_, _ = fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		_, _ = fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
