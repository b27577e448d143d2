package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calsync/internal/secrets"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool pinger

	Providers     ProviderRepository
	Sources       SourceRepository
	Items         ItemRepository
	Subscriptions SubscriptionRepository
	Claims        ClaimRepository
}

// New wires concrete repository implementations with a shared connection
// pool. Provider tokens are sealed with sealer before they are written.
func New(pool *pgxpool.Pool, sealer *secrets.Sealer) *Store {
	return &Store{
		pool:          pool,
		Providers:     &providerRepo{pool: pool, sealer: sealer},
		Sources:       &sourceRepo{pool: pool},
		Items:         &itemRepo{pool: pool},
		Subscriptions: &subscriptionRepo{pool: pool},
		Claims:        &claimRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}
