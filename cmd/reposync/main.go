package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/open-edge-platform/reposync/internal/utils/config"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// Version information, set at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
	CommitSHA = "unknown"
)

// Global flags
var (
	configFile string = "reposync.yml"
	logLevel   string = ""
	verbose    bool
)

func main() {
	rootCmd := createRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// createRootCommand creates and configures the root command with all subcommands
func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reposync",
		Short: "Mirror an RPM repository into local storage",
		Long: `reposync reads the metadata of a remote yum repository, reconciles it
against the units already in local storage and downloads only what is
missing. Every run ends with a report of per-unit failures.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, CommitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", configFile,
		"Path to the reposync configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(createSyncCommand())
	rootCmd.AddCommand(createValidateCommand())
	rootCmd.AddCommand(createEncodeCommand())
	rootCmd.AddCommand(createLatestCommand())

	attachLoggingHooks(rootCmd)
	return rootCmd
}

// resolveRequestedLogLevel returns the level asked for on the command
// line, or "" when the config file decides.
func resolveRequestedLogLevel(cmd *cobra.Command) string {
	if logLevel != "" {
		return logLevel
	}
	if cmd == nil {
		return ""
	}
	if flagSetTo(cmd.Flags(), "verbose", "true") {
		return "debug"
	}
	return ""
}

func flagSetTo(fs *pflag.FlagSet, name, value string) bool {
	f := fs.Lookup(name)
	return f != nil && f.Changed && f.Value.String() == value
}

// attachLoggingHooks initializes the logger before every subcommand runs.
func attachLoggingHooks(root *cobra.Command) {
	for _, sub := range root.Commands() {
		sub.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
			return logger.Init(resolveRequestedLogLevel(cmd))
		}
	}
}

// loadConfig reads the config file and re-initializes the logger at the
// configured level unless the command line chose one.
func loadConfig(cmd *cobra.Command) (*config.GlobalConfig, error) {
	cfg, err := config.LoadGlobalConfig(configFile)
	if err != nil {
		return nil, err
	}
	level := resolveRequestedLogLevel(cmd)
	if level == "" {
		level = cfg.Logging.Level
	}
	if err := logger.Init(level); err != nil {
		return nil, err
	}
	return cfg, nil
}
