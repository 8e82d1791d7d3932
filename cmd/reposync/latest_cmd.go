package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/reposync/internal/ospackage"
	"github.com/open-edge-platform/reposync/internal/repostore"
	"github.com/open-edge-platform/reposync/internal/utils/config"
	"github.com/open-edge-platform/reposync/internal/utils/general/slice"
)

// Latest command flags
var (
	latestLimit int
	latestType  string
)

// createLatestCommand creates the latest subcommand
func createLatestCommand() *cobra.Command {
	latestCmd := &cobra.Command{
		Use:   "latest [flags] NAME",
		Short: "List the newest stored versions of a package",
		Args:  cobra.ExactArgs(1),
		RunE:  executeLatest,
	}
	latestCmd.Flags().IntVarP(&latestLimit, "limit", "n", 5, "Number of versions to list")
	latestCmd.Flags().StringVar(&latestType, "type", string(ospackage.TypeRPM), "Unit type: rpm, srpm or drpm")
	return latestCmd
}

func executeLatest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	t, err := parseUnitType(latestType)
	if err != nil {
		return err
	}
	dbPath, err := config.NewConfigHelpers(cfg).DatabasePath()
	if err != nil {
		return err
	}
	store, err := repostore.Open(dbPath, 1)
	if err != nil {
		return err
	}
	defer store.Close()

	units, err := store.NewestUnits(cmd.Context(), cfg.Repository.ID, t, args[0], latestLimit)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("no %s units named %q in %s", t, args[0], cfg.Repository.ID)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tDOWNLOADED\tPATH")
	for _, u := range units {
		fmt.Fprintf(w, "%s\t%v\t%s\n", u.Key, u.Downloaded, u.StoragePath)
	}
	return w.Flush()
}

func parseUnitType(s string) (ospackage.UnitType, error) {
	t := ospackage.UnitType(s)
	if !slice.Contains(ospackage.AllTypes(), t) || !t.FileBacked() {
		return "", fmt.Errorf("unsupported unit type %q", s)
	}
	return t, nil
}
