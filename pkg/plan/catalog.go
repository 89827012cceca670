package plan

import (
	"context"
	"errors"
)

// Source defines how plans are loaded into the catalog. Two schema-bearing
// implementations exist (YAMLSource and PGSource); which one serves the
// process is a startup-time configuration decision.
type Source interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// Catalog serves validated plan lookups. Immutable after construction, so
// reads are safe under concurrency without locking.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog loads and validates plans from the source.
func NewCatalog(ctx context.Context, src Source) (*Catalog, error) {
	if src == nil {
		panic("plan: Source is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoad, err)
	}
	if err := Validate(plans); err != nil {
		return nil, err
	}

	return &Catalog{plans: plans}, nil
}

// Get returns the plan by ID.
func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return p, nil
}

// Verify reports whether a plan ID exists.
func (c *Catalog) Verify(id string) error {
	if _, ok := c.plans[id]; !ok {
		return ErrNotFound
	}
	return nil
}

// Public returns the plans available for self-service signup.
func (c *Catalog) Public() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Public {
			out = append(out, p)
		}
	}
	return out
}
