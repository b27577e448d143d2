package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"gitea.jw6.us/james/calsync/internal/config"
	httpserver "gitea.jw6.us/james/calsync/internal/http"
	"gitea.jw6.us/james/calsync/internal/jobs"
	"gitea.jw6.us/james/calsync/internal/store"
)

var serveRenewInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and background workers",
	Long: `Apply pending migrations, then serve push notification webhooks,
health checks and metrics. Notifications are turned into sync jobs run by
the configured jobs backend (APP_JOBS_BACKEND=local|asynq).

With --renew-interval set, leases nearing expiry are also renewed
periodically in-process instead of from an external scheduler.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd.Context(), serve)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&serveRenewInterval, "renew-interval", 0, "renew expiring subscriptions at this interval (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	log.Println("[INFO] starting calsync server...")
	if err := store.ApplyMigrations(ctx, a.pool); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	runner := jobs.NewRunner(a.engine, a.manager, a.cfg.Sync.Timeout)
	dispatcher, stopJobs, err := startJobs(ctx, a, runner)
	if err != nil {
		return err
	}
	defer stopJobs()

	if serveRenewInterval > 0 {
		go renewLoop(ctx, a, serveRenewInterval)
	}

	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      httpserver.NewRouter(ctx, a.cfg, a.store, a.manager, dispatcher),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] server listening on %s", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	log.Printf("[INFO] shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] graceful shutdown failed: %v", err)
	}
	return nil
}

// startJobs builds the dispatcher for the configured backend together with
// whatever executes the jobs. The returned func stops both.
func startJobs(ctx context.Context, a *app, runner *jobs.Runner) (jobs.Dispatcher, func(), error) {
	switch a.cfg.Jobs.Backend {
	case config.JobsBackendAsynq:
		client := asynq.NewClient(a.redisOpt())
		worker := asynq.NewServer(a.redisOpt(), asynq.Config{
			Concurrency: a.cfg.Sync.Workers,
			Logger:      asynqLogger{},
		})
		if err := worker.Start(jobs.NewServeMux(runner)); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("start asynq worker: %w", err)
		}
		log.Printf("[INFO] asynq worker started (redis %s, concurrency %d)", a.cfg.Redis.Addr, a.cfg.Sync.Workers)
		return jobs.NewAsynq(client, time.Minute), func() {
			worker.Shutdown()
			_ = client.Close()
		}, nil
	default:
		local := jobs.NewLocal(runner, a.cfg.Sync.Workers, a.cfg.Sync.QueueSize)
		local.Start(ctx)
		log.Printf("[INFO] local job pool started (%d workers, queue %d)", a.cfg.Sync.Workers, a.cfg.Sync.QueueSize)
		return local, func() { _ = local.Close() }, nil
	}
}

func renewLoop(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.manager.RenewExpiring(ctx, time.Now())
			if err != nil {
				log.Printf("[ERROR] renew subscriptions: %v", err)
				continue
			}
			if report.Checked > 0 {
				log.Printf("[INFO] renewal pass: checked=%d created=%d failed=%d", report.Checked, len(report.Created), len(report.Failed))
			}
		}
	}
}

// asynqLogger routes asynq's logs through the standard logger.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...any) {}
func (asynqLogger) Info(args ...any)  { log.Println(append([]any{"[INFO] asynq:"}, args...)...) }
func (asynqLogger) Warn(args ...any)  { log.Println(append([]any{"[WARN] asynq:"}, args...)...) }
func (asynqLogger) Error(args ...any) { log.Println(append([]any{"[ERROR] asynq:"}, args...)...) }
func (asynqLogger) Fatal(args ...any) { log.Fatalln(append([]any{"[ERROR] asynq:"}, args...)...) }
