package audit

import (
	"context"
	"time"
)

// Repository is the persistence contract for the chain.
//
// It is append-only: there are no update or delete methods.
// Insert must fail with ErrChainConflict when another entry already links to
// e.PrevHash for the same entity (or when e is a second chain head).
type Repository interface {
	// Lock serializes appends for one entity inside the current transaction.
	// Stores that already serialize writers may treat it as a no-op.
	Lock(ctx context.Context, entityType, entityID string) error
	Last(ctx context.Context, entityType, entityID string) (Entry, bool, error)
	Insert(ctx context.Context, e Entry) error

	// ListByEntity returns up to limit entries; limit <= 0 means all.
	ListByEntity(ctx context.Context, entityType, entityID string, limit int, newestFirst bool) ([]Entry, error)
	ListByPerformer(ctx context.Context, performedBy string, since time.Time, limit int) ([]Entry, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]Entry, error)
	ListByRule(ctx context.Context, ruleID string, limit int) ([]Entry, error)
	// ActiveEntities lists chains that received entries at or after since.
	ActiveEntities(ctx context.Context, since time.Time, limit int) ([]EntityRef, error)
}

// Publisher receives entries after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, e Entry)
}
