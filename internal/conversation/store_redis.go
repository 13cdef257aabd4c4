package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Idle conversations expire from Redis after this long.
const conversationStateTTL = 30 * 24 * time.Hour

// RedisStore keeps conversations as JSON documents. Saves use WATCH/MULTI
// for the version check.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	return &RedisStore{
		client: client,
		ttl:    conversationStateTTL,
		tracer: otel.Tracer("whatsapp-scheduler.internal.conversation.redisstore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func stateKey(phone string) string {
	return fmt.Sprintf("conversation_state:%s", phone)
}

func (s *RedisStore) GetOrCreate(ctx context.Context, phone string) (*Conversation, error) {
	if phone == "" {
		return nil, fmt.Errorf("%w: empty phone", ErrMalformedInput)
	}
	ctx, span := s.tracer.Start(ctx, "conversation.redis.get_or_create")
	defer span.End()

	data, err := json.Marshal(newConversation(phone, s.now()))
	if err != nil {
		return nil, fmt.Errorf("conversation: encode conversation: %w", err)
	}
	if err := s.client.SetNX(ctx, stateKey(phone), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: create conversation: %w", err)
	}
	return s.Get(ctx, phone)
}

func (s *RedisStore) Get(ctx context.Context, phone string) (*Conversation, error) {
	data, err := s.client.Get(ctx, stateKey(phone)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: load conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("conversation: decode conversation: %w", err)
	}
	return &conv, nil
}

func (s *RedisStore) Save(ctx context.Context, conv *Conversation) error {
	if err := validateSave(conv); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "conversation.redis.save")
	defer span.End()

	key := stateKey(conv.Phone)
	next := conv.Clone()
	next.Version++
	next.UpdatedAt = s.now()
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("conversation: encode conversation: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var current Conversation
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("conversation: decode conversation: %w", err)
			}
			if current.Version != conv.Version {
				return ErrVersionConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) || errors.Is(err, ErrVersionConflict) {
			return ErrVersionConflict
		}
		span.RecordError(err)
		return fmt.Errorf("conversation: save conversation: %w", err)
	}
	conv.Version = next.Version
	conv.UpdatedAt = next.UpdatedAt
	return nil
}

var _ Store = (*RedisStore)(nil)
