package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists conversations in the conversations table.
type PGStore struct {
	db     pgQuerier
	tracer trace.Tracer
	now    func() time.Time
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("conversation: pgx pool cannot be nil")
	}
	return newPGStore(pool)
}

func newPGStore(db pgQuerier) *PGStore {
	return &PGStore{
		db:     db,
		tracer: otel.Tracer("whatsapp-scheduler.internal.conversation.pgstore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const selectConversation = `
	SELECT id, phone, state, context, version, created_at, updated_at
	FROM conversations
	WHERE phone = $1
`

func (s *PGStore) GetOrCreate(ctx context.Context, phone string) (*Conversation, error) {
	if phone == "" {
		return nil, fmt.Errorf("%w: empty phone", ErrMalformedInput)
	}
	ctx, span := s.tracer.Start(ctx, "conversation.pg.get_or_create")
	defer span.End()

	fresh := newConversation(phone, s.now())
	if _, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, phone, state, context, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (phone) DO NOTHING
	`, fresh.ID, fresh.Phone, string(fresh.State), []byte("{}"), fresh.Version, fresh.CreatedAt, fresh.UpdatedAt); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: insert conversation: %w", err)
	}
	conv, err := s.load(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return conv, nil
}

func (s *PGStore) Get(ctx context.Context, phone string) (*Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.pg.get")
	defer span.End()
	return s.load(ctx, phone)
}

func (s *PGStore) load(ctx context.Context, phone string) (*Conversation, error) {
	var (
		conv   Conversation
		state  string
		rawCtx []byte
	)
	err := s.db.QueryRow(ctx, selectConversation, phone).Scan(
		&conv.ID, &conv.Phone, &state, &rawCtx, &conv.Version, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: load conversation: %w", err)
	}
	conv.State = State(state)
	if len(rawCtx) > 0 {
		if err := json.Unmarshal(rawCtx, &conv.Context); err != nil {
			return nil, fmt.Errorf("conversation: decode context: %w", err)
		}
	}
	return &conv, nil
}

func (s *PGStore) Save(ctx context.Context, conv *Conversation) error {
	if err := validateSave(conv); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "conversation.pg.save")
	defer span.End()

	rawCtx, err := json.Marshal(conv.Context)
	if err != nil {
		return fmt.Errorf("conversation: encode context: %w", err)
	}
	now := s.now()
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET state = $1, context = $2, version = version + 1, updated_at = $3
		WHERE phone = $4 AND version = $5
	`, string(conv.State), rawCtx, now, conv.Phone, conv.Version)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	conv.Version++
	conv.UpdatedAt = now
	return nil
}

var _ Store = (*PGStore)(nil)
