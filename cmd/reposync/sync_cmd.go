package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/reposync/internal/progress"
	"github.com/open-edge-platform/reposync/internal/reposync"
	"github.com/open-edge-platform/reposync/internal/utils/logger"
)

// Sync command flags
var (
	deferredFlag   bool
	noProgressFlag bool
)

// createSyncCommand creates the sync subcommand
func createSyncCommand() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync [flags]",
		Short: "Synchronize the configured repository",
		Long: `Sync downloads the repository metadata, associates units that are
already stored and fetches the rest. Interrupting with Ctrl-C stops new
downloads and ends the run with a cancelled report.`,
		Args: cobra.NoArgs,
		RunE: executeSync,
	}

	syncCmd.Flags().BoolVar(&deferredFlag, "deferred", false,
		"Record units without downloading them (overrides deferred_download)")
	syncCmd.Flags().BoolVar(&noProgressFlag, "no-progress", false,
		"Disable the download progress bar")
	return syncCmd
}

// executeSync handles the sync command execution logic
func executeSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log := logger.Logger()
	if deferredFlag {
		cfg.DeferredDownload = true
	}

	syncer, err := reposync.New(cfg, reposync.WithProgressBar(!noProgressFlag && !verbose))
	if err != nil {
		return err
	}
	defer syncer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		syncer.Cancel()
	}()

	res, err := syncer.Sync(ctx)
	if err != nil {
		if res != nil && res.ReportPath != "" {
			log.Infof("Report written to %s", res.ReportPath)
		}
		return fmt.Errorf("sync failed: %w", err)
	}

	log.Infof("Wanted: %d, already present: %d, stored: %d, failed: %d",
		res.Wanted, res.AlreadyPresent, res.Fetch.Succeeded, res.Fetch.Failed)
	for _, key := range res.Fetch.FailedKeys() {
		d := res.Fetch.Details[key]
		log.Warnf("  %s [%s] %s", key, d.Kind, d.Message)
	}
	for _, msg := range res.ResolutionErrors {
		log.Warnf("  %s", msg)
	}
	if res.ReportPath != "" {
		log.Infof("Report written to %s", res.ReportPath)
	}

	switch res.State() {
	case progress.StateCancelled:
		return fmt.Errorf("sync %s was cancelled", res.RunID)
	case progress.StateFailed:
		return fmt.Errorf("sync %s failed: %d failed units, %d resolution errors",
			res.RunID, res.Fetch.Failed, len(res.ResolutionErrors))
	}
	return nil
}
