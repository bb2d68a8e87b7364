package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"freight-guard/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidEntry = errors.New("audit: invalid entry")
	// ErrChainConflict means another writer extended the chain first.
	// The whole unit of work should be retried.
	ErrChainConflict = errors.New("audit: concurrent append forked the chain")
)

const (
	defaultEntriesLimit = 100
	maxActivityEntries  = 1000
	defaultActivityDays = 30
	maxActivityDays     = 365
)

// Chain appends to and reads per-entity hash chains.
type Chain struct {
	repo      Repository
	signer    Signer
	publisher Publisher
	log       *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time
}

type Option func(*Chain)

func WithSigner(s Signer) Option { return func(c *Chain) { c.signer = s } }

func WithPublisher(p Publisher) Option { return func(c *Chain) { c.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(c *Chain) { c.log = l } }

func WithClock(now func() time.Time) Option { return func(c *Chain) { c.clock = now } }

func NewChain(repo Repository, opts ...Option) *Chain {
	c := &Chain{
		repo:   repo,
		log:    slog.Default(),
		tracer: otel.Tracer("freight-guard/audit"),
		clock:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "audit.chain")
	return c
}

// IsRetryable reports whether err came from a lost append race.
func IsRetryable(err error) bool { return errors.Is(err, ErrChainConflict) }

// Append links e to the entity's chain and persists it.
//
// Call it inside store.TxManager.WithinTx so the entry commits or rolls back
// together with the state change it records. ID, Timestamp, PrevHash,
// AuditHash and Signature are assigned here.
func (c *Chain) Append(ctx context.Context, e Entry) (Entry, error) {
	ctx, span := c.tracer.Start(ctx, "audit.Append", trace.WithAttributes(
		attribute.String("entity.type", e.EntityType),
		attribute.String("entity.id", e.EntityID),
		attribute.String("audit.action", e.Action),
	))
	defer span.End()

	out, err := c.append(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, err
	}
	return out, nil
}

// Lock takes the entity's chain lock for the rest of the current transaction.
// Callers that read state and then append for the same entity take it first,
// so the read cannot race a concurrent writer to that chain.
func (c *Chain) Lock(ctx context.Context, entityType, entityID string) error {
	if c.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if err := c.repo.Lock(ctx, entityType, entityID); err != nil {
		return fmt.Errorf("audit: lock chain: %w", err)
	}
	return nil
}

func (c *Chain) append(ctx context.Context, e Entry) (Entry, error) {
	if c.repo == nil {
		return Entry{}, errors.New("audit: repository not configured")
	}
	if strings.TrimSpace(e.EntityType) == "" || strings.TrimSpace(e.EntityID) == "" || strings.TrimSpace(e.Action) == "" {
		return Entry{}, ErrInvalidEntry
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	e = cloneEntry(e)
	if e.CorrelationID != "" {
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata[MetadataCorrelationKey] = e.CorrelationID
	}
	meta, err := NormalizeMetadata(e.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: metadata: %v", ErrInvalidEntry, err)
	}
	e.Metadata = meta

	if err := c.repo.Lock(ctx, e.EntityType, e.EntityID); err != nil {
		return Entry{}, fmt.Errorf("audit: lock chain: %w", err)
	}
	last, ok, err := c.repo.Last(ctx, e.EntityType, e.EntityID)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	e.ID = uuid.NewString()
	e.Timestamp = c.clock().UTC().Truncate(time.Microsecond)
	e.PrevHash = ""
	if ok {
		e.PrevHash = last.AuditHash
		if !e.Timestamp.After(last.Timestamp) {
			e.Timestamp = last.Timestamp.Add(time.Microsecond)
		}
	}

	if e.AuditHash, err = e.ComputeHash(); err != nil {
		return Entry{}, err
	}
	e.Signature = ""
	if c.signer != nil {
		if e.Signature, err = c.signer.Sign([]byte(e.AuditHash)); err != nil {
			return Entry{}, fmt.Errorf("audit: sign entry: %w", err)
		}
	}

	if err := c.repo.Insert(ctx, e); err != nil {
		if errors.Is(err, ErrChainConflict) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}

	if c.publisher != nil {
		committed := cloneEntry(e)
		store.AfterCommit(ctx, func(ctx context.Context) { c.publisher.Publish(ctx, committed) })
	}
	return e, nil
}

// GetLastHash returns the chain head's hash, or ok=false for an empty chain.
func (c *Chain) GetLastHash(ctx context.Context, entityType, entityID string) (string, bool, error) {
	last, ok, err := c.repo.Last(ctx, entityType, entityID)
	if err != nil || !ok {
		return "", false, err
	}
	return last.AuditHash, true, nil
}

// GetEntries returns the newest entries first.
func (c *Chain) GetEntries(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error) {
	return c.repo.ListByEntity(ctx, entityType, entityID, entriesLimit(limit), true)
}

// ResourceAudit is an entity's full trail plus its verification result.
type ResourceAudit struct {
	Entity     EntityRef  `json:"entity"`
	Entries    []Entry    `json:"entries"`
	Intact     bool       `json:"intact"`
	Mismatches []Mismatch `json:"mismatches"`
}

// GetResourceAudit returns the whole chain, newest first, with integrity status.
func (c *Chain) GetResourceAudit(ctx context.Context, entityType, entityID string) (ResourceAudit, error) {
	oldestFirst, err := c.repo.ListByEntity(ctx, entityType, entityID, 0, false)
	if err != nil {
		return ResourceAudit{}, err
	}
	mismatches := c.verify(oldestFirst)

	newestFirst := make([]Entry, len(oldestFirst))
	for i, e := range oldestFirst {
		newestFirst[len(oldestFirst)-1-i] = e
	}
	return ResourceAudit{
		Entity:     EntityRef{entityType, entityID},
		Entries:    newestFirst,
		Intact:     len(mismatches) == 0,
		Mismatches: mismatches,
	}, nil
}

// GetAdminActivity lists what performedBy did over the last days, newest first.
func (c *Chain) GetAdminActivity(ctx context.Context, performedBy string, days int) ([]Entry, error) {
	if strings.TrimSpace(performedBy) == "" {
		return nil, ErrInvalidEntry
	}
	if days <= 0 {
		days = defaultActivityDays
	}
	if days > maxActivityDays {
		days = maxActivityDays
	}
	since := c.clock().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	return c.repo.ListByPerformer(ctx, performedBy, since, maxActivityEntries)
}

// GetByCorrelation returns every entry written by one bulk action.
func (c *Chain) GetByCorrelation(ctx context.Context, correlationID string) ([]Entry, error) {
	return c.repo.ListByCorrelation(ctx, correlationID)
}

// GetByRule returns entries attributed to ruleID, newest first.
func (c *Chain) GetByRule(ctx context.Context, ruleID string, limit int) ([]Entry, error) {
	return c.repo.ListByRule(ctx, ruleID, entriesLimit(limit))
}

// RecentlyActive lists chains written to since the given time.
func (c *Chain) RecentlyActive(ctx context.Context, since time.Time, limit int) ([]EntityRef, error) {
	return c.repo.ActiveEntities(ctx, since, limit)
}

// VerifyChain walks the chain oldest to newest and reports every broken entry.
// An empty result means the chain is intact. Nothing is modified.
func (c *Chain) VerifyChain(ctx context.Context, entityType, entityID string) ([]Mismatch, error) {
	ctx, span := c.tracer.Start(ctx, "audit.VerifyChain", trace.WithAttributes(
		attribute.String("entity.type", entityType),
		attribute.String("entity.id", entityID),
	))
	defer span.End()

	entries, err := c.repo.ListByEntity(ctx, entityType, entityID, 0, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	mismatches := c.verify(entries)
	span.SetAttributes(attribute.Int("audit.entries", len(entries)), attribute.Int("audit.mismatches", len(mismatches)))
	if len(mismatches) > 0 {
		c.log.Warn("audit chain integrity violation",
			"entity_type", entityType,
			"entity_id", entityID,
			"mismatches", len(mismatches),
			"first_entry", mismatches[0].EntryID,
		)
	}
	return mismatches, nil
}

// verify reports at most one mismatch per entry: broken linkage first, then a
// content hash that no longer matches, then a bad or missing signature.
func (c *Chain) verify(oldestFirst []Entry) []Mismatch {
	out := []Mismatch{}
	for i, e := range oldestFirst {
		expectedPrev := ""
		if i > 0 {
			expectedPrev = oldestFirst[i-1].AuditHash
		}
		if e.PrevHash != expectedPrev {
			out = append(out, Mismatch{EntryID: e.ID, Position: i, Kind: MismatchLinkage, Expected: expectedPrev, Actual: e.PrevHash})
			continue
		}
		recomputed, err := e.ComputeHash()
		if err != nil || recomputed != e.AuditHash {
			out = append(out, Mismatch{EntryID: e.ID, Position: i, Kind: MismatchHash, Expected: recomputed, Actual: e.AuditHash})
			continue
		}
		if c.signer != nil {
			if err := c.signer.Verify([]byte(e.AuditHash), e.Signature); err != nil {
				expected, _ := c.signer.Sign([]byte(e.AuditHash))
				out = append(out, Mismatch{EntryID: e.ID, Position: i, Kind: MismatchSignature, Expected: expected, Actual: e.Signature})
			}
		}
	}
	return out
}

// entriesLimit applies the default to an unset limit. An explicit limit is
// honored as given so a caller can always read a whole chain back.
func entriesLimit(limit int) int {
	if limit <= 0 {
		return defaultEntriesLimit
	}
	return limit
}
