package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calsync/internal/secrets"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// providerRepo implements ProviderRepository.
type providerRepo struct {
	pool   *pgxpool.Pool
	sealer *secrets.Sealer
}

func (r *providerRepo) GetByID(ctx context.Context, id int64) (*CalendarProvider, error) {
	defer observeDB(ctx, "providers.get")()
	const q = `SELECT id, user_id, kind, identifier, access_token, refresh_token, token_expiry, needs_reauth, created_at, updated_at
FROM calendar_providers WHERE id=$1`

	var p CalendarProvider
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.UserID, &p.Kind, &p.Identifier, &p.AccessToken, &p.RefreshToken,
		&p.TokenExpiry, &p.NeedsReauth, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	if p.AccessToken, err = r.sealer.Open(p.AccessToken); err != nil {
		return nil, fmt.Errorf("provider %d access token: %w", id, err)
	}
	if p.RefreshToken, err = r.sealer.Open(p.RefreshToken); err != nil {
		return nil, fmt.Errorf("provider %d refresh token: %w", id, err)
	}
	return &p, nil
}

func (r *providerRepo) UpdateToken(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	defer observeDB(ctx, "providers.update_token")()
	access, err := r.sealer.Seal(accessToken)
	if err != nil {
		return err
	}
	refresh, err := r.sealer.Seal(refreshToken)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE calendar_providers
SET access_token=$2, refresh_token=$3, token_expiry=$4, needs_reauth=FALSE, updated_at=NOW()
WHERE id=$1`, id, access, refresh, expiry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *providerRepo) MarkNeedsReauth(ctx context.Context, id int64) error {
	defer observeDB(ctx, "providers.mark_needs_reauth")()
	tag, err := r.pool.Exec(ctx, `UPDATE calendar_providers SET needs_reauth=TRUE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// sourceRepo implements SourceRepository.
type sourceRepo struct {
	pool *pgxpool.Pool
}

const sourceColumns = `c.id, c.calendar_provider_id, c.provider_id, c.name, c.color, c.last_sync, c.sync_token, c.sync_state, c.last_error, c.created_at, c.updated_at`

func scanSource(row rowScanner, dest *CalendarSource, extra ...any) error {
	fields := []any{&dest.ID, &dest.CalendarProviderID, &dest.RemoteID, &dest.Name, &dest.Color, &dest.LastSync,
		&dest.SyncToken, &dest.SyncState, &dest.LastError, &dest.CreatedAt, &dest.UpdatedAt}
	return row.Scan(append(fields, extra...)...)
}

func collectSources(rows pgx.Rows) ([]CalendarSource, error) {
	defer rows.Close()
	var result []CalendarSource
	for rows.Next() {
		var src CalendarSource
		if err := scanSource(rows, &src); err != nil {
			return nil, err
		}
		result = append(result, src)
	}
	return result, rows.Err()
}

func (r *sourceRepo) GetByID(ctx context.Context, id int64) (*CalendarSource, error) {
	defer observeDB(ctx, "sources.get")()
	var src CalendarSource
	if err := scanSource(r.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM calendar_sources c WHERE c.id=$1`, id), &src); err != nil {
		return nil, translateErr(err)
	}
	return &src, nil
}

func (r *sourceRepo) ListByProvider(ctx context.Context, providerID int64) ([]CalendarSource, error) {
	defer observeDB(ctx, "sources.list_by_provider")()
	rows, err := r.pool.Query(ctx, `SELECT `+sourceColumns+` FROM calendar_sources c WHERE c.calendar_provider_id=$1 ORDER BY c.name, c.id`, providerID)
	if err != nil {
		return nil, err
	}
	return collectSources(rows)
}

func (r *sourceRepo) ListAll(ctx context.Context) ([]CalendarSource, error) {
	defer observeDB(ctx, "sources.list_all")()
	rows, err := r.pool.Query(ctx, `SELECT `+sourceColumns+` FROM calendar_sources c ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	return collectSources(rows)
}

func (r *sourceRepo) Create(ctx context.Context, src CalendarSource) (*CalendarSource, error) {
	defer observeDB(ctx, "sources.create")()
	const q = `INSERT INTO calendar_sources AS c (calendar_provider_id, provider_id, name, color)
VALUES ($1, $2, $3, $4)
RETURNING ` + sourceColumns

	var created CalendarSource
	if err := scanSource(r.pool.QueryRow(ctx, q, src.CalendarProviderID, src.RemoteID, src.Name, src.Color), &created); err != nil {
		return nil, translateErr(err)
	}
	return &created, nil
}

func (r *sourceRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "sources.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM calendar_sources WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sourceRepo) MarkSyncing(ctx context.Context, id int64) error {
	defer observeDB(ctx, "sources.mark_syncing")()
	return r.setState(ctx, id, SyncStateSyncing, nil)
}

func (r *sourceRepo) MarkSyncFailed(ctx context.Context, id int64, reason string) error {
	defer observeDB(ctx, "sources.mark_sync_failed")()
	return r.setState(ctx, id, SyncStateFailed, &reason)
}

func (r *sourceRepo) setState(ctx context.Context, id int64, state SyncState, reason *string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE calendar_sources SET sync_state=$2, last_error=$3, updated_at=NOW() WHERE id=$1`, id, state, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sourceRepo) ResetSync(ctx context.Context, id int64) error {
	defer observeDB(ctx, "sources.reset_sync")()
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE calendar_sources SET sync_token=NULL, updated_at=NOW() WHERE id=$1`, id)
		if err != nil {
			return fmt.Errorf("clear sync token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM calendar_items WHERE calendar_source_id=$1`, id); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		return nil
	})
}

// itemRepo implements ItemRepository.
type itemRepo struct {
	pool *pgxpool.Pool
}

const itemColumns = `id, calendar_source_id, provider_id, title, start_date, start_time, end_date, end_time, all_day, html_link, created_at, updated_at`

func scanItem(row rowScanner) (CalendarItem, error) {
	var item CalendarItem
	err := row.Scan(&item.ID, &item.SourceID, &item.RemoteID, &item.Title, &item.Start.Date, &item.Start.Instant,
		&item.End.Date, &item.End.Instant, &item.AllDay, &item.HTMLLink, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

const upsertItem = `INSERT INTO calendar_items
    (calendar_source_id, provider_id, title, start_date, start_time, end_date, end_time, all_day, html_link)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (calendar_source_id, provider_id) DO UPDATE SET
    title=EXCLUDED.title,
    start_date=EXCLUDED.start_date,
    start_time=EXCLUDED.start_time,
    end_date=EXCLUDED.end_date,
    end_time=EXCLUDED.end_time,
    all_day=EXCLUDED.all_day,
    html_link=EXCLUDED.html_link,
    updated_at=NOW()`

// CommitDelta applies upserts, deletes and the new sync token in a single
// transaction. Nothing is written if any statement fails.
func (r *itemRepo) CommitDelta(ctx context.Context, c Commit) error {
	defer observeDB(ctx, "items.commit_delta")()
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, item := range c.Upserts {
			batch.Queue(upsertItem, c.SourceID, item.RemoteID, item.Title, item.Start.Date, item.Start.Instant,
				item.End.Date, item.End.Instant, item.AllDay, item.HTMLLink)
		}
		if len(c.Deletes) > 0 {
			batch.Queue(`DELETE FROM calendar_items WHERE calendar_source_id=$1 AND provider_id = ANY($2)`, c.SourceID, c.Deletes)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("apply items: %w", err)
			}
		}

		tag, err := tx.Exec(ctx, `UPDATE calendar_sources
SET sync_token=NULLIF($2, ''), last_sync=$3, sync_state='synced', last_error=NULL, updated_at=NOW()
WHERE id=$1`, c.SourceID, c.NextSyncToken, c.SyncedAt)
		if err != nil {
			return fmt.Errorf("store sync token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *itemRepo) ListForSource(ctx context.Context, sourceID int64) ([]CalendarItem, error) {
	defer observeDB(ctx, "items.list_for_source")()
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM calendar_items WHERE calendar_source_id=$1
ORDER BY COALESCE(start_time, start_date::timestamptz), id`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CalendarItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (r *itemRepo) GetByRemoteID(ctx context.Context, sourceID int64, remoteID string) (*CalendarItem, error) {
	defer observeDB(ctx, "items.get_by_remote_id")()
	item, err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM calendar_items WHERE calendar_source_id=$1 AND provider_id=$2`, sourceID, remoteID))
	if err != nil {
		return nil, translateErr(err)
	}
	return &item, nil
}

// subscriptionRepo implements SubscriptionRepository.
type subscriptionRepo struct {
	pool *pgxpool.Pool
}

const subscriptionColumns = `s.id, s.calendar_source_id, s.identifier, s.verifier, s.resource_id, s.expires_at, s.created_at`

// newerLease matches a lease of the same source that supersedes s.
const newerLease = `SELECT 1 FROM calendar_subscriptions n
WHERE n.calendar_source_id = s.calendar_source_id
  AND (n.expires_at > s.expires_at OR (n.expires_at = s.expires_at AND n.id > s.id))`

func scanSubscription(row rowScanner, dest *CalendarSubscription, extra ...any) error {
	fields := []any{&dest.ID, &dest.SourceID, &dest.Identifier, &dest.Verifier, &dest.ResourceID, &dest.ExpiresAt, &dest.CreatedAt}
	return row.Scan(append(fields, extra...)...)
}

func (r *subscriptionRepo) Create(ctx context.Context, sub CalendarSubscription) (*CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.create")()
	const q = `INSERT INTO calendar_subscriptions AS s (calendar_source_id, identifier, verifier, resource_id, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + subscriptionColumns

	var created CalendarSubscription
	if err := scanSubscription(r.pool.QueryRow(ctx, q, sub.SourceID, sub.Identifier, sub.Verifier, sub.ResourceID, sub.ExpiresAt), &created); err != nil {
		return nil, translateErr(err)
	}
	return &created, nil
}

func (r *subscriptionRepo) LatestForSource(ctx context.Context, sourceID int64) (*CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.latest_for_source")()
	const q = `SELECT ` + subscriptionColumns + ` FROM calendar_subscriptions s
WHERE s.calendar_source_id=$1
ORDER BY s.expires_at DESC, s.id DESC
LIMIT 1`

	var sub CalendarSubscription
	if err := scanSubscription(r.pool.QueryRow(ctx, q, sourceID), &sub); err != nil {
		return nil, translateErr(err)
	}
	return &sub, nil
}

// FindByIdentifier reads the lease, its source and whether it is the latest
// lease in one statement.
func (r *subscriptionRepo) FindByIdentifier(ctx context.Context, identifier string) (*ChannelMatch, error) {
	defer observeDB(ctx, "subscriptions.find_by_identifier")()
	const q = `SELECT ` + subscriptionColumns + `, ` + sourceColumns + `, NOT EXISTS (` + newerLease + `)
FROM calendar_subscriptions s
JOIN calendar_sources c ON c.id = s.calendar_source_id
WHERE s.identifier=$1`

	var m ChannelMatch
	row := r.pool.QueryRow(ctx, q, identifier)
	src := &m.Source
	err := scanSubscription(row, &m.Subscription,
		&src.ID, &src.CalendarProviderID, &src.RemoteID, &src.Name, &src.Color, &src.LastSync,
		&src.SyncToken, &src.SyncState, &src.LastError, &src.CreatedAt, &src.UpdatedAt, &m.Latest)
	if err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

func (r *subscriptionRepo) ListRenewalCandidates(ctx context.Context, cutoff time.Time) ([]CalendarSource, error) {
	defer observeDB(ctx, "subscriptions.list_renewal_candidates")()
	const q = `SELECT ` + sourceColumns + `
FROM calendar_sources c
JOIN calendar_providers p ON p.id = c.calendar_provider_id
LEFT JOIN LATERAL (
    SELECT l.expires_at FROM calendar_subscriptions l
    WHERE l.calendar_source_id = c.id
    ORDER BY l.expires_at DESC
    LIMIT 1
) latest ON TRUE
WHERE NOT p.needs_reauth
  AND (latest.expires_at IS NULL OR latest.expires_at <= $1)
ORDER BY c.id`

	rows, err := r.pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, err
	}
	return collectSources(rows)
}

func (r *subscriptionRepo) ListActiveForSource(ctx context.Context, sourceID int64, now time.Time) ([]CalendarSubscription, error) {
	defer observeDB(ctx, "subscriptions.list_active_for_source")()
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM calendar_subscriptions s
WHERE s.calendar_source_id=$1 AND s.expires_at > $2
ORDER BY s.expires_at DESC, s.id DESC`, sourceID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CalendarSubscription
	for rows.Next() {
		var sub CalendarSubscription
		if err := scanSubscription(rows, &sub); err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (r *subscriptionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer observeDB(ctx, "subscriptions.delete_expired")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM calendar_subscriptions s
WHERE s.expires_at < $1 AND EXISTS (`+newerLease+`)`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// claimRepo implements ClaimRepository on the sync_claims table.
type claimRepo struct {
	pool *pgxpool.Pool
}

func (r *claimRepo) TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	defer observeDB(ctx, "claims.try")()
	tag, err := r.pool.Exec(ctx, `INSERT INTO sync_claims (key, token, expires_at)
VALUES ($1, $2, NOW() + make_interval(secs => $3))
ON CONFLICT (key) DO UPDATE SET token=EXCLUDED.token, expires_at=EXCLUDED.expires_at
WHERE sync_claims.expires_at <= NOW()`, key, token, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *claimRepo) Release(ctx context.Context, key, token string) error {
	defer observeDB(ctx, "claims.release")()
	_, err := r.pool.Exec(ctx, `DELETE FROM sync_claims WHERE key=$1 AND token=$2`, key, token)
	return err
}
