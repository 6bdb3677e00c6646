package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/notesorter/mbox"
)

// NewFetchCommand stages attachments of unseen mail without sorting them.
func NewFetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Stage the attachments of unseen IMAP messages without sorting them",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return Run(c, Steps{Harvest: true})
		},
	}
}

// NewSortCommand distributes staged files and the watched source directories.
func NewSortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sort",
		Short: "Copy staged and source files into their destinations",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return Run(c, Steps{Sort: true})
		},
	}
}

// NewImportMboxCommand harvests an mbox archive and, unless --no-sort is
// given, sorts the result.
func NewImportMboxCommand() *cobra.Command {
	var noSort bool

	command := &cobra.Command{
		Use:   "import-mbox [mbox file]",
		Short: "Stage the attachments found in an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			count, err := mbox.CountMessages(args[0])
			if err != nil {
				return fmt.Errorf("count messages: %w", err)
			}
			fmt.Fprintf(c.OutOrStdout(), "Importing %d messages from %s\n", count, args[0])

			return Run(c, Steps{MboxPath: args[0], Sort: !noSort})
		},
	}
	command.Flags().BoolVar(&noSort, "no-sort", false, "Only stage attachments, leave sorting to a later run")
	return command
}
