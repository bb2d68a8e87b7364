package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"freight-guard/internal/store"
)

// MemoryRepo is an in-memory append-only repository for tests and local runs.
// Writes made inside a store.MemoryTxManager unit of work are undone on rollback.
type MemoryRepo struct {
	mu      sync.RWMutex
	entries []Entry
	heads   map[EntityRef]int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{heads: map[EntityRef]int{}}
}

func (r *MemoryRepo) Lock(ctx context.Context, entityType, entityID string) error { return nil }

func (r *MemoryRepo) Last(ctx context.Context, entityType, entityID string) (Entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.heads[EntityRef{entityType, entityID}]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(r.entries[i]), true, nil
}

func (r *MemoryRepo) Insert(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := EntityRef{e.EntityType, e.EntityID}
	prev, hasHead := r.heads[ref]
	switch {
	case !hasHead && e.PrevHash != "":
		return ErrChainConflict
	case hasHead && r.entries[prev].AuditHash != e.PrevHash:
		return ErrChainConflict
	}

	r.entries = append(r.entries, cloneEntry(e))
	r.heads[ref] = len(r.entries) - 1

	store.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.entries = r.entries[:len(r.entries)-1]
		if hasHead {
			r.heads[ref] = prev
		} else {
			delete(r.heads, ref)
		}
	})
	return nil
}

func (r *MemoryRepo) ListByEntity(ctx context.Context, entityType, entityID string, limit int, newestFirst bool) ([]Entry, error) {
	return r.filter(func(e Entry) bool {
		return e.EntityType == entityType && e.EntityID == entityID
	}, limit, newestFirst), nil
}

func (r *MemoryRepo) ListByPerformer(ctx context.Context, performedBy string, since time.Time, limit int) ([]Entry, error) {
	return r.filter(func(e Entry) bool {
		return e.PerformedBy == performedBy && !e.Timestamp.Before(since)
	}, limit, true), nil
}

func (r *MemoryRepo) ListByCorrelation(ctx context.Context, correlationID string) ([]Entry, error) {
	return r.filter(func(e Entry) bool { return e.CorrelationID == correlationID }, 0, false), nil
}

func (r *MemoryRepo) ListByRule(ctx context.Context, ruleID string, limit int) ([]Entry, error) {
	return r.filter(func(e Entry) bool { return e.RuleID == ruleID }, limit, true), nil
}

// ActiveEntities orders chains by their latest entry, newest first, before
// applying limit.
func (r *MemoryRepo) ActiveEntities(ctx context.Context, since time.Time, limit int) ([]EntityRef, error) {
	r.mu.RLock()
	latest := map[EntityRef]time.Time{}
	for _, e := range r.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		ref := EntityRef{e.EntityType, e.EntityID}
		if ts, ok := latest[ref]; !ok || e.Timestamp.After(ts) {
			latest[ref] = e.Timestamp
		}
	}
	r.mu.RUnlock()

	out := make([]EntityRef, 0, len(latest))
	for ref := range latest {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := latest[out[i]], latest[out[j]]
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a copy of everything appended, in insertion order.
func (r *MemoryRepo) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

func (r *MemoryRepo) filter(keep func(Entry) bool, limit int, newestFirst bool) []Entry {
	r.mu.RLock()
	var out []Entry
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if newestFirst {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneEntry(e Entry) Entry {
	if e.Metadata != nil {
		m := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		e.Metadata = m
	}
	return e
}
