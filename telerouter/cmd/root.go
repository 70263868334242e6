// Package cmd provides the command-line interface for telerouter.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// defaultConfigFiles are read, when present, if --config is not given.
var defaultConfigFiles = []string{"telerouter.toml", ".env"}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "telerouter",
	Short: "telerouter routes instrumentation traffic between cores and a host.",
	Long: `telerouter runs a master core and its slaves in one process, ` +
		`routing telemetry to an in-memory host link, and inspects the ` +
		`traffic recordings it writes.`,
	SilenceUsage: true,
}

func init() {
	addRootFlags(rootCmd.PersistentFlags())
}

func addRootFlags(f *pflag.FlagSet) {
	f.StringSlice("config", nil,
		"Config files to read; .toml files, anything else as a .env file.")
	f.String("log-level", "", "Log level, overriding the configuration.")
	f.String("log-format", "",
		"Log format, console or json, overriding the configuration.")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
