// Package calsync mirrors remote calendar events into the local store using
// incremental sync tokens.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/calsync/internal/locks"
	"gitea.jw6.us/james/calsync/internal/metrics"
	"gitea.jw6.us/james/calsync/internal/provider"
	"gitea.jw6.us/james/calsync/internal/store"
	"gitea.jw6.us/james/calsync/internal/tokens"
)

// ErrSyncInProgress is returned when another sync of the same source holds
// the claim. Callers may treat it as success: the running sync observes the
// latest provider state.
var ErrSyncInProgress = errors.New("sync already in progress")

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	LockTTL     time.Duration
	Backoff     provider.Backoff
	Concurrency int
}

// Engine synchronizes calendar sources.
type Engine struct {
	store *store.Store
	guard *tokens.Guard
	locks locks.Locker
	cfg   Config
	now   func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source used to stamp last_sync.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine that serializes syncs per source through locker.
func New(st *store.Store, guard *tokens.Guard, locker locks.Locker, cfg Config, opts ...Option) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = provider.DefaultBackoff
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	e := &Engine{store: st, guard: guard, locks: locker, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes one committed sync.
type Result struct {
	SourceID int64
	Upserted int
	Deleted  int
	Skipped  int
	FullSync bool
	// Reset is set when the stored sync token was rejected and the source
	// was rebuilt from a full listing.
	Reset bool
}

func lockKey(sourceID int64) string {
	return "source:" + strconv.FormatInt(sourceID, 10)
}

// Sync fetches every change since the source's last sync token and commits
// them together with the next token. On failure nothing is written and the
// previous token stays in place.
func (e *Engine) Sync(ctx context.Context, sourceID int64) (*Result, error) {
	start := time.Now()

	release, ok, err := e.locks.TryAcquire(ctx, lockKey(sourceID), e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("claim source %d: %w", sourceID, err)
	}
	if !ok {
		metrics.ObserveSync("skipped", start)
		return nil, ErrSyncInProgress
	}
	defer release()

	src, err := e.store.Sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source %d: %w", sourceID, err)
	}
	if err := e.store.Sources.MarkSyncing(ctx, sourceID); err != nil {
		return nil, fmt.Errorf("mark source %d syncing: %w", sourceID, err)
	}

	res, err := e.run(ctx, src)
	if err != nil {
		metrics.ObserveSync("failed", start)
		if markErr := e.store.Sources.MarkSyncFailed(context.WithoutCancel(ctx), sourceID, err.Error()); markErr != nil {
			log.Printf("[ERROR] record sync failure for source %d: %v", sourceID, markErr)
		}
		return nil, fmt.Errorf("sync source %d: %w", sourceID, err)
	}

	metrics.ObserveSync("synced", start)
	metrics.AddSyncedItems(res.Upserted, res.Deleted)
	log.Printf("[INFO] synced source %d: upserted=%d deleted=%d skipped=%d full=%t reset=%t",
		sourceID, res.Upserted, res.Deleted, res.Skipped, res.FullSync, res.Reset)
	return res, nil
}

func (e *Engine) run(ctx context.Context, src *store.CalendarSource) (*Result, error) {
	res := &Result{SourceID: src.ID}
	token := src.CurrentSyncToken()
	res.FullSync = token == ""

	page, err := e.fetch(ctx, src, token)
	if errors.Is(err, provider.ErrSyncTokenInvalid) && token != "" {
		log.Printf("[WARN] sync token for source %d was rejected, rebuilding from a full listing", src.ID)
		if err := e.store.Sources.ResetSync(ctx, src.ID); err != nil {
			return nil, fmt.Errorf("reset source: %w", err)
		}
		res.Reset, res.FullSync = true, true
		page, err = e.fetch(ctx, src, "")
	}
	if err != nil {
		return nil, err
	}

	commit, skipped := translate(src.ID, page, e.now())
	if err := e.store.Items.CommitDelta(ctx, commit); err != nil {
		return nil, fmt.Errorf("commit delta: %w", err)
	}
	res.Upserted = len(commit.Upserts)
	res.Deleted = len(commit.Deletes)
	res.Skipped = skipped
	return res, nil
}

func (e *Engine) fetch(ctx context.Context, src *store.CalendarSource, syncToken string) (*provider.DeltaPage, error) {
	var page *provider.DeltaPage
	err := provider.Retry(ctx, e.cfg.Backoff, func(ctx context.Context) error {
		return e.guard.Do(ctx, src.CalendarProviderID, func(ctx context.Context, client provider.Client, accessToken string) error {
			p, err := client.ListEventDeltas(ctx, accessToken, src.RemoteID, syncToken)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
	})
	return page, err
}

// Report collects the outcome of SyncAll.
type Report struct {
	Results    []*Result
	InProgress []int64
	Failed     map[int64]error
}

// SyncAll syncs every linked source with bounded concurrency. One source
// failing does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) (*Report, error) {
	sources, err := e.store.Sources.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	report := &Report{Failed: map[int64]error{}}
	results := make([]*Result, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			results[i], errs[i] = e.Sync(ctx, src.ID)
			return nil
		})
	}
	_ = g.Wait()

	for i, src := range sources {
		switch {
		case errors.Is(errs[i], ErrSyncInProgress):
			report.InProgress = append(report.InProgress, src.ID)
		case errs[i] != nil:
			report.Failed[src.ID] = errs[i]
		default:
			report.Results = append(report.Results, results[i])
		}
	}
	return report, nil
}
