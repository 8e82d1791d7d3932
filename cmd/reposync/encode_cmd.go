package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/reposync/internal/ospackage/rpmutils"
)

// createEncodeCommand creates the encode subcommand
func createEncodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encode VERSION...",
		Short: "Print the sortable encoding of version or release strings",
		Long: `Encode prints the string the unit database sorts versions by. Two
encodings compare the same way rpm compares the original strings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: executeEncode,
	}
}

func executeEncode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, v := range args {
		enc, err := rpmutils.Encode(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", v, enc)
	}
	return nil
}
