package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands. These follow common conventions.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeTestsFailed indicates the run completed but some tests failed.
	ExitCodeTestsFailed = 2
)

// rootCmd represents the base command for the toolprobe application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "toolprobe",
	Short: "Resilient parallel test engine for remote tool endpoints",
	Long: `toolprobe executes declarative test cases against a remote MCP tool
endpoint with bounded concurrency. Transient failures are absorbed by a
retry policy, a circuit breaker and a reusable connection pool; unchanged
passing tests are skipped via a content-hash result cache.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// It initializes and executes the root command, which in turn handles subcommands and flags.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "toolprobe version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var failed *TestsFailedError
	if errors.As(err, &failed) {
		return ExitCodeTestsFailed
	}
	return ExitCodeError
}
