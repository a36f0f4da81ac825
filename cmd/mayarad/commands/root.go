// Package commands implements mayarad's cobra subcommands: serve,
// validate-config, and version. Grounded on cmd/gobfdctl/commands/root.go's
// shape (persistent flags, SilenceUsage/SilenceErrors, Execute returning an
// exit code rather than calling os.Exit itself so tests can drive it).
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the shared --config flag read by serve and validate-config.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "mayarad",
	Short: "Mayara marine radar integration daemon",
	Long:  "mayarad discovers marine radars, maintains a session per radar, and exposes their state and spoke data to other processes.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML); omitted uses built-in defaults")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateConfigCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
