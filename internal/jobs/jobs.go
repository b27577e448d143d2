// Package jobs runs sync and lease renewal work off the request path.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/store"
)

// Kind identifies a unit of background work.
type Kind string

const (
	KindSync  Kind = "sync"
	KindRenew Kind = "renew"
)

// Dispatcher hands work to a background executor. Dispatching never waits
// for the work to run.
type Dispatcher interface {
	DispatchSync(ctx context.Context, sourceID int64) error
	// DispatchRenewal asks for the lease subscriptionID of a source to be
	// replaced. The job is dropped if a newer lease exists by the time it
	// runs.
	DispatchRenewal(ctx context.Context, sourceID, subscriptionID int64) error
}

// Job is one unit of background work. SubscriptionID names the lease a
// renewal replaces.
type Job struct {
	Kind           Kind
	SourceID       int64
	SubscriptionID int64
}

type Syncer interface {
	Sync(ctx context.Context, sourceID int64) (*calsync.Result, error)
}

type Renewer interface {
	RenewIfLatest(ctx context.Context, sourceID, subscriptionID int64) (*store.CalendarSubscription, bool, error)
}

// Runner executes jobs against the sync engine and subscription manager.
type Runner struct {
	syncer  Syncer
	renewer Renewer
	timeout time.Duration
}

// NewRunner builds a Runner. A zero timeout leaves jobs bounded only by the
// caller's context.
func NewRunner(syncer Syncer, renewer Renewer, timeout time.Duration) *Runner {
	return &Runner{syncer: syncer, renewer: renewer, timeout: timeout}
}

// Run executes one job. A sync that finds another sync of the same source
// running counts as done.
func (r *Runner) Run(ctx context.Context, j Job) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	switch j.Kind {
	case KindSync:
		_, err := r.syncer.Sync(ctx, j.SourceID)
		if errors.Is(err, calsync.ErrSyncInProgress) {
			log.Printf("[INFO] sync of source %d already running, skipping", j.SourceID)
			return nil
		}
		return err
	case KindRenew:
		_, _, err := r.renewer.RenewIfLatest(ctx, j.SourceID, j.SubscriptionID)
		return err
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
}
