package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/reposync/internal/utils/config"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// createValidateCommand creates the validate subcommand
func createValidateCommand() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [flags] [CONFIG_FILE]",
		Short: "Validate a reposync configuration file",
		Long: `Validate a configuration file against the schema without syncing.
The file defaults to the one given with --config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: executeValidate,
	}

	return validateCmd
}

// executeValidate handles the validate command logic
func executeValidate(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	path := configFile
	if len(args) == 1 {
		path = args[0]
	}
	log.Infof("validating configuration file: %s", path)

	cfg, err := config.LoadGlobalConfig(path)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %v", err)
	}

	log.Infof("✓ Configuration validation successful for %s", path)
	log.Infof("Repository: %s (%s)", cfg.Repository.ID, cfg.Repository.Feed)
	if verbose {
		log.Infof("Storage: %s", cfg.Storage.Root)
		log.Infof("Parallel downloads: %d, deferred: %v, validate content: %v",
			cfg.MaxParallelDownloads, cfg.DeferredDownload, cfg.ValidateContent)
		if cfg.SignatureFilterPolicy.Enabled() {
			log.Infof("Signature policy: %d allowed key ids, keyring %q, require signature %v",
				len(cfg.SignatureFilterPolicy.AllowedKeyIDs), cfg.SignatureFilterPolicy.Keyring,
				cfg.SignatureFilterPolicy.RequireSignature)
		}
	}
	return nil
}
