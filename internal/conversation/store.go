package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists one Conversation per phone.
//
// Save is a compare-and-swap on Version: it succeeds only when the stored
// version equals conv.Version, then increments conv.Version and stamps
// UpdatedAt. A lost race returns ErrVersionConflict.
type Store interface {
	GetOrCreate(ctx context.Context, phone string) (*Conversation, error)
	Get(ctx context.Context, phone string) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
}

func newConversation(phone string, now time.Time) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		Phone:     phone,
		State:     StateStart,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func validateSave(conv *Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation: save nil conversation")
	}
	if conv.Phone == "" {
		return fmt.Errorf("conversation: save without phone")
	}
	if !conv.State.Valid() {
		return fmt.Errorf("conversation: save unknown state %q", conv.State)
	}
	return nil
}

// MemoryStore keeps conversations in process. Values are copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Conversation
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Conversation),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, phone string) (*Conversation, error) {
	if phone == "" {
		return nil, fmt.Errorf("%w: empty phone", ErrMalformedInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.items[phone]
	if !ok {
		conv = newConversation(phone, s.now())
		s.items[phone] = conv
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, phone string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.items[phone]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, conv *Conversation) error {
	if err := validateSave(conv); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.items[conv.Phone]
	if ok && current.Version != conv.Version {
		return ErrVersionConflict
	}
	conv.Version++
	conv.UpdatedAt = s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}
	s.items[conv.Phone] = conv.Clone()
	return nil
}

// Len reports how many conversations are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

var _ Store = (*MemoryStore)(nil)
