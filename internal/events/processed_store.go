package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProviderZAPI is the provider key used for Z-API webhook deliveries.
const ProviderZAPI = "zapi"

// ErrMissingEventID is returned when a delivery carries no id to dedupe on.
var ErrMissingEventID = errors.New("events: event id required")

// Deduper remembers provider event ids that were already accepted.
type Deduper interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
	// Release forgets a claim whose work never made it downstream.
	Release(ctx context.Context, provider, eventID string) error
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore keeps accepted webhook ids in the processed_events table.
// Rows older than the retention window count as unseen, matching the expiry
// RedisDeduper gets from key TTLs.
type ProcessedStore struct {
	db        pgExecutor
	retention time.Duration
}

func NewProcessedStore(pool *pgxpool.Pool, retention time.Duration) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return newProcessedStore(pool, retention)
}

func newProcessedStore(db pgExecutor, retention time.Duration) *ProcessedStore {
	if db == nil {
		panic("events: executor required")
	}
	if retention <= 0 {
		retention = defaultDedupeTTL
	}
	return &ProcessedStore{db: db, retention: retention}
}

func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return false, err
	}
	const query = `
		SELECT 1 FROM processed_events
		WHERE provider = $1 AND event_id = $2
		  AND processed_at > NOW() - make_interval(secs => $3)`
	var exists int
	err = s.db.QueryRow(ctx, query, provider, eventID, s.retention.Seconds()).Scan(&exists)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed claims the id and reports whether this call was first. A
// stale row is refreshed and counts as a new claim.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return false, err
	}
	const query = `
		INSERT INTO processed_events (provider, event_id)
		VALUES ($1, $2)
		ON CONFLICT (provider, event_id) DO UPDATE
		SET processed_at = NOW()
		WHERE processed_events.processed_at <= NOW() - make_interval(secs => $3)`
	tag, err := s.db.Exec(ctx, query, provider, eventID, s.retention.Seconds())
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ProcessedStore) Release(ctx context.Context, provider, eventID string) error {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM processed_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID); err != nil {
		return fmt.Errorf("events: release processed: %w", err)
	}
	return nil
}

// Purge drops rows past the retention window and returns how many went.
func (s *ProcessedStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at <= NOW() - make_interval(secs => $1)`,
		s.retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("events: purge processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func dedupeIdentity(provider, eventID string) (string, string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", "", ErrMissingEventID
	}
	return provider, eventID, nil
}
