package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Mirror external calendars into PostgreSQL",
	Long: `calsync keeps a local copy of provider calendars (Google Calendar)
up to date using incremental sync tokens and push notifications.

Configuration is read from APP_* environment variables and an optional
.env file in the working directory.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
