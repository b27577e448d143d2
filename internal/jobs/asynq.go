package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"gitea.jw6.us/james/calsync/internal/provider"
)

const (
	TypeSync  = "calsync:sync"
	TypeRenew = "calsync:renew"
)

type payload struct {
	SourceID       int64 `json:"source_id"`
	SubscriptionID int64 `json:"subscription_id,omitempty"`
}

// Enqueuer is the subset of *asynq.Client used for dispatch.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Asynq dispatches jobs to a Redis-backed asynq queue so any replica can
// run them.
type Asynq struct {
	client Enqueuer
	// uniqueFor collapses duplicate pending jobs for the same source.
	uniqueFor time.Duration
	maxRetry  int
}

func NewAsynq(client Enqueuer, uniqueFor time.Duration) *Asynq {
	if uniqueFor <= 0 {
		uniqueFor = time.Minute
	}
	return &Asynq{client: client, uniqueFor: uniqueFor, maxRetry: 5}
}

func (a *Asynq) DispatchSync(ctx context.Context, sourceID int64) error {
	return a.enqueue(ctx, TypeSync, payload{SourceID: sourceID})
}

func (a *Asynq) DispatchRenewal(ctx context.Context, sourceID, subscriptionID int64) error {
	return a.enqueue(ctx, TypeRenew, payload{SourceID: sourceID, SubscriptionID: subscriptionID})
}

func (a *Asynq) enqueue(ctx context.Context, taskType string, p payload) error {
	task, err := newTask(taskType, p)
	if err != nil {
		return err
	}
	_, err = a.client.EnqueueContext(ctx, task, asynq.Unique(a.uniqueFor), asynq.MaxRetry(a.maxRetry))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s for source %d: %w", taskType, p.SourceID, err)
	}
	return nil
}

func newTask(taskType string, p payload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	return asynq.NewTask(taskType, data), nil
}

// NewServeMux routes asynq tasks to the runner. Failures that a retry
// cannot fix are marked to skip asynq's retry schedule.
func NewServeMux(runner *Runner) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSync, handle(runner, KindSync))
	mux.HandleFunc(TypeRenew, handle(runner, KindRenew))
	return mux
}

func handle(runner *Runner, kind Kind) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var p payload
		if err := json.Unmarshal(task.Payload(), &p); err != nil || p.SourceID <= 0 {
			return fmt.Errorf("decode %s payload %q: %w", task.Type(), task.Payload(), asynq.SkipRetry)
		}
		err := runner.Run(ctx, Job{Kind: kind, SourceID: p.SourceID, SubscriptionID: p.SubscriptionID})
		if err == nil {
			return nil
		}
		if provider.IsTransient(err) {
			return err
		}
		log.Printf("[ERROR] %s job for source %d will not be retried: %v", kind, p.SourceID, err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
}
