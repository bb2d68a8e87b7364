package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"freight-guard/internal/rules"
	"freight-guard/internal/store"
)

// Store persists blocks and overrides. Implementations pick up the active
// transaction from ctx (see store.TxManager).
type Store interface {
	InsertBlock(ctx context.Context, b Block) error
	GetBlock(ctx context.Context, id string) (Block, error)
	// ActiveBlock returns the most recent block active at now.
	ActiveBlock(ctx context.Context, t rules.EntityType, entityID string, now time.Time) (Block, bool, error)
	// ActiveBlocks lists blocks active at now, newest first.
	ActiveBlocks(ctx context.Context, t rules.EntityType, entityID string, now time.Time) ([]Block, error)
	// MarkLifted returns store.ErrNotFound for an unknown id and store.ErrConflict
	// when the block was already lifted.
	MarkLifted(ctx context.Context, id, liftedBy string, at time.Time) error

	InsertOverride(ctx context.Context, o Override) error
	// ActiveOverride returns the active override for exactly ruleID, latest expiry first.
	ActiveOverride(ctx context.Context, t rules.EntityType, targetID, ruleID string, now time.Time) (Override, bool, error)
	ActiveOverrides(ctx context.Context, t rules.EntityType, targetID string, now time.Time) ([]Override, error)
}

// MemoryStore keeps registry rows in memory. Writes made inside a
// store.MemoryTxManager unit of work are undone on rollback.
type MemoryStore struct {
	mu        sync.RWMutex
	blocks    map[string]Block
	overrides map[string]Override
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: map[string]Block{}, overrides: map[string]Override{}}
}

func (s *MemoryStore) InsertBlock(ctx context.Context, b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[b.ID]; ok {
		return store.ErrConflict
	}
	s.blocks[b.ID] = b
	store.OnRollback(ctx, func() {
		s.mu.Lock()
		delete(s.blocks, b.ID)
		s.mu.Unlock()
	})
	return nil
}

func (s *MemoryStore) GetBlock(ctx context.Context, id string) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return Block{}, store.ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) ActiveBlock(ctx context.Context, t rules.EntityType, entityID string, now time.Time) (Block, bool, error) {
	bs, _ := s.ActiveBlocks(ctx, t, entityID, now)
	if len(bs) == 0 {
		return Block{}, false, nil
	}
	return bs[0], true, nil
}

func (s *MemoryStore) ActiveBlocks(ctx context.Context, t rules.EntityType, entityID string, now time.Time) ([]Block, error) {
	s.mu.RLock()
	var out []Block
	for _, b := range s.blocks {
		if b.EntityType == t && b.EntityID == entityID && b.ActiveAt(now) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) MarkLifted(ctx context.Context, id, liftedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.LiftedAt != nil {
		return store.ErrConflict
	}
	prev := b
	b.LiftedAt = &at
	b.LiftedBy = liftedBy
	s.blocks[id] = b
	store.OnRollback(ctx, func() {
		s.mu.Lock()
		s.blocks[id] = prev
		s.mu.Unlock()
	})
	return nil
}

func (s *MemoryStore) InsertOverride(ctx context.Context, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[o.ID]; ok {
		return store.ErrConflict
	}
	s.overrides[o.ID] = o
	store.OnRollback(ctx, func() {
		s.mu.Lock()
		delete(s.overrides, o.ID)
		s.mu.Unlock()
	})
	return nil
}

func (s *MemoryStore) ActiveOverride(ctx context.Context, t rules.EntityType, targetID, ruleID string, now time.Time) (Override, bool, error) {
	os, _ := s.ActiveOverrides(ctx, t, targetID, now)
	for _, o := range os {
		if o.RuleID == ruleID {
			return o, true, nil
		}
	}
	return Override{}, false, nil
}

func (s *MemoryStore) ActiveOverrides(ctx context.Context, t rules.EntityType, targetID string, now time.Time) ([]Override, error) {
	s.mu.RLock()
	var out []Override
	for _, o := range s.overrides {
		if o.TargetType == t && o.TargetID == targetID && o.ActiveAt(now) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.After(out[j].ExpiresAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
