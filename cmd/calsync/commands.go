package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := store.ApplyMigrations(ctx, a.pool); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			fmt.Println("✓ Migrations applied")
			return nil
		})
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew push subscriptions nearing expiry",
	Long: `Create a fresh push channel for every calendar source whose newest
lease expires within APP_SUBSCRIPTION_LEAD_TIME, and for sources that have
none. Meant to be run from cron.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd.Context(), func(ctx context.Context, a *app) error {
			start := time.Now()
			report, err := a.manager.RenewExpiring(ctx, start)
			if err != nil {
				return err
			}
			fmt.Printf("Checked %d sources, created %d leases in %v\n", report.Checked, len(report.Created), since(start))
			return failedSources("renewal", report.Failed)
		})
	},
}

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired push subscriptions",
	Long: `Delete leases that expired longer ago than --older-than. The newest
lease of each source is always kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd.Context(), func(ctx context.Context, a *app) error {
			n, err := a.manager.PruneExpired(ctx, time.Now().Add(-pruneOlderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d expired subscriptions\n", n)
			return nil
		})
	},
}

var syncAll bool

var syncCmd = &cobra.Command{
	Use:   "sync [source-id]",
	Short: "Synchronize one calendar source, or all with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if syncAll && len(args) > 0 {
			return errors.New("pass either a source id or --all")
		}
		if !syncAll && len(args) != 1 {
			return errors.New("a source id is required unless --all is set")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if syncAll {
				report, err := a.engine.SyncAll(ctx)
				if err != nil {
					return err
				}
				for _, res := range report.Results {
					printResult(res)
				}
				for _, id := range report.InProgress {
					fmt.Printf("source %d: already syncing, skipped\n", id)
				}
				return failedSources("sync", report.Failed)
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.withTimeout(ctx)
			defer cancel()
			res, err := a.engine.Sync(ctx, id)
			if errors.Is(err, calsync.ErrSyncInProgress) {
				fmt.Printf("source %d: already syncing, skipped\n", id)
				return nil
			}
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		})
	},
}

var calendarsCmd = &cobra.Command{
	Use:   "calendars <provider-id>",
	Short: "List the remote calendars of a connected account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return runApp(cmd.Context(), func(ctx context.Context, a *app) error {
			calendars, err := a.catalog.RemoteCalendars(ctx, providerID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CALENDAR ID\tNAME\tROLE\tSOURCE")
			for _, cal := range calendars {
				source := "-"
				if cal.Linked() {
					source = strconv.FormatInt(cal.SourceID, 10)
				}
				name := cal.Name
				if cal.Primary {
					name += " (primary)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cal.ID, name, cal.AccessRole, source)
			}
			return w.Flush()
		})
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <provider-id> <calendar-id>",
	Short: "Start mirroring a remote calendar",
	Long: `Create a calendar source for a remote calendar, subscribe to its
push notifications and run the first full sync.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return runApp(cmd.Context(), func(ctx context.Context, a *app) error {
			src, err := a.catalog.Link(ctx, providerID, args[1])
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("calendar %s is already linked", args[1])
			}
			if err != nil {
				return err
			}
			fmt.Printf("✓ Linked %q as source %d\n", src.Name, src.ID)

			// A source without a lease is picked up by the next renew run,
			// so a subscription failure does not undo the link.
			if sub, _, err := a.manager.EnsureSubscription(ctx, src); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: subscribe failed: %v\n", err)
			} else {
				fmt.Printf("  Subscribed until %s\n", sub.ExpiresAt.Local().Format(time.RFC1123))
			}

			syncCtx, cancel := a.withTimeout(ctx)
			defer cancel()
			res, err := a.engine.Sync(syncCtx, src.ID)
			if err != nil {
				return fmt.Errorf("first sync: %w", err)
			}
			printResult(res)
			return nil
		})
	},
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink <source-id>",
	Short: "Stop mirroring a calendar and delete its local copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return runApp(cmd.Context(), func(ctx context.Context, a *app) error {
			src, err := a.store.Sources.GetByID(ctx, id)
			if err != nil {
				return fmt.Errorf("load source %d: %w", id, err)
			}
			stopped, err := a.manager.StopAll(ctx, src)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			if err := a.store.Sources.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete source %d: %w", id, err)
			}
			fmt.Printf("✓ Unlinked source %d (%d channels stopped)\n", id, stopped)
			return nil
		})
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 24*time.Hour, "only delete leases expired for at least this long")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "synchronize every linked source")

	rootCmd.AddCommand(migrateCmd, renewCmd, pruneCmd, syncCmd, calendarsCmd, linkCmd, unlinkCmd)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func printResult(res *calsync.Result) {
	kind := "incremental"
	switch {
	case res.Reset:
		kind = "full (token reset)"
	case res.FullSync:
		kind = "full"
	}
	fmt.Printf("source %d: %s sync, %d upserted, %d deleted, %d skipped\n",
		res.SourceID, kind, res.Upserted, res.Deleted, res.Skipped)
}

// failedSources prints per-source failures and turns them into a non-zero
// exit.
func failedSources(what string, failed map[int64]error) error {
	if len(failed) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(os.Stderr, "source %d: %v\n", id, failed[id])
	}
	return fmt.Errorf("%s failed for %d sources", what, len(failed))
}
