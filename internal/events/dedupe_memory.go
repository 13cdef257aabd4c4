package events

import (
	"context"
	"sync"
)

// MemoryDeduper is an in-process Deduper for local runs and tests.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[provider+"|"+eventID]
	return ok, nil
}

func (d *MemoryDeduper) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := provider + "|" + eventID
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, provider, eventID string) error {
	provider, eventID, err := dedupeIdentity(provider, eventID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, provider+"|"+eventID)
	return nil
}
