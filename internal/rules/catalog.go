package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Source loads rule definitions from a backing store.
type Source interface {
	Load(ctx context.Context) ([]Rule, error)
}

// Catalog holds the current rule snapshot. It never refreshes on its own;
// callers invoke Reload explicitly (admin endpoint, file watcher, startup).
type Catalog struct {
	src Source
	log *slog.Logger

	// OnReload runs with each newly installed snapshot, e.g. to precompile expressions.
	OnReload func(rules []Rule)
	Now      func() time.Time

	mu       sync.RWMutex
	rules    []Rule
	byID     map[string]Rule
	loadedAt time.Time
	version  int64

	group singleflight.Group
}

func NewCatalog(src Source, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		src:  src,
		log:  log.With("component", "rules.catalog"),
		byID: map[string]Rule{},
		Now:  time.Now,
	}
}

// Snapshot describes the installed rule set.
type Snapshot struct {
	Version  int64     `json:"version"`
	Count    int       `json:"count"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Reload replaces the snapshot with the source's current rules.
// Concurrent callers share one load. An invalid rule set leaves the previous
// snapshot in place.
func (c *Catalog) Reload(ctx context.Context) (Snapshot, error) {
	v, err, _ := c.group.Do("reload", func() (any, error) {
		rs, err := c.src.Load(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("rules: load: %w", err)
		}
		if err := validateSet(rs); err != nil {
			return Snapshot{}, err
		}
		return c.install(rs), nil
	})
	if err != nil {
		c.log.Error("rule reload failed", "err", err)
		return c.Snapshot(), err
	}
	snap := v.(Snapshot)
	c.log.Info("rules reloaded", "version", snap.Version, "count", snap.Count)
	return snap, nil
}

// Replace installs rs directly, bypassing the source.
func (c *Catalog) Replace(rs []Rule) (Snapshot, error) {
	if err := validateSet(rs); err != nil {
		return c.Snapshot(), err
	}
	return c.install(rs), nil
}

func (c *Catalog) install(rs []Rule) Snapshot {
	sorted := make([]Rule, len(rs))
	copy(sorted, rs)
	sortByPriority(sorted)

	byID := make(map[string]Rule, len(sorted))
	for _, r := range sorted {
		byID[r.ID] = r
	}

	c.mu.Lock()
	c.rules = sorted
	c.byID = byID
	c.loadedAt = c.Now().UTC()
	c.version++
	snap := Snapshot{Version: c.version, Count: len(sorted), LoadedAt: c.loadedAt}
	c.mu.Unlock()

	if c.OnReload != nil {
		c.OnReload(sorted)
	}
	return snap
}

func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Version: c.version, Count: len(c.rules), LoadedAt: c.loadedAt}
}

// Applicable returns enabled rules scoped to t in evaluation order.
func (c *Catalog) Applicable(t EntityType) []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Applicable(c.rules, t)
}

func (c *Catalog) Get(id string) (Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	return r, ok
}

func (c *Catalog) All() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func validateSet(rs []Rule) error {
	seen := make(map[string]struct{}, len(rs))
	var errs []error
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[r.ID]; dup {
			errs = append(errs, fmt.Errorf("%w %q: duplicate id", ErrInvalidRule, r.ID))
			continue
		}
		seen[r.ID] = struct{}{}
	}
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msg := fmt.Sprintf("%d invalid rules:", len(errs))
	for _, e := range errs {
		msg += "\n- " + e.Error()
	}
	return fmt.Errorf("%w: %s", ErrInvalidRule, msg)
}
