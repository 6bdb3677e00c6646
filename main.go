package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/notesorter/cmd"
	"github.com/dhcgn/notesorter/config"
)

func main() {
	// IMAP credentials may live in a .env file next to the binary
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "notesorter",
		Short:        "Stage mail attachments and sort files into destinations by keyword",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c, cmd.Steps{Harvest: true, Sort: true})
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		cmd.NewFetchCommand(),
		cmd.NewSortCommand(),
		cmd.NewImportMboxCommand(),
		cmd.NewPlanCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
