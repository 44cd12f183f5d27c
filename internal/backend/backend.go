// Package backend defines the contract between the data-access layer and the
// remote tabular backend, plus the alias registry that maps caller-facing
// table names onto physical tables.
package backend

import (
	"context"
	"sync"

	dgerrors "github.com/stationops/datagate/pkg/errors"
)

// ConditionOp enumerates the filter operators the backend understands.
type ConditionOp string

const (
	OpEqual              ConditionOp = "Equal"
	OpNotEqual           ConditionOp = "NotEqual"
	OpGreaterThan        ConditionOp = "GreaterThan"
	OpGreaterThanOrEqual ConditionOp = "GreaterThanOrEqual"
	OpLessThan           ConditionOp = "LessThan"
	OpLessThanOrEqual    ConditionOp = "LessThanOrEqual"
	OpLike               ConditionOp = "Like"
	OpStringStartsWith   ConditionOp = "StringStartsWith"
	OpStringEndsWith     ConditionOp = "StringEndsWith"
	OpIn                 ConditionOp = "In"
	OpIsNull             ConditionOp = "IsNull"
	OpIsNotNull          ConditionOp = "IsNotNull"
)

// Condition is a single normalized filter predicate.
type Condition struct {
	Field string
	Op    ConditionOp
	Value interface{}
}

// Query is the backend's native query shape produced by the translator.
type Query struct {
	Table      string
	Conditions []Condition

	// Limit <= 0 means no limit is imposed by this layer.
	Limit  int
	Offset int

	// Projection lists the fields to return; empty means all fields.
	Projection []string

	OrderBy   string
	Ascending bool
}

// Record is a single row returned by the backend.
type Record map[string]interface{}

// Client is the remote backend collaborator. Implementations own their
// timeout and retry policy; this layer never retries.
type Client interface {
	Query(ctx context.Context, q *Query) ([]Record, error)
	Create(ctx context.Context, table string, record Record) error
	Update(ctx context.Context, table string, record Record) error
	Delete(ctx context.Context, table string, id interface{}) error
	HealthCheck(ctx context.Context) error
}

// Registry maps caller-facing table aliases to physical table names.
// Requesting an unmapped alias is a programmer error and fails loudly.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]string
}

// NewRegistry creates a registry from an alias -> physical-table map.
func NewRegistry(tables map[string]string) *Registry {
	copied := make(map[string]string, len(tables))
	for alias, physical := range tables {
		copied[alias] = physical
	}
	return &Registry{tables: copied}
}

// Register adds or replaces an alias mapping.
func (r *Registry) Register(alias, physical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[alias] = physical
}

// Resolve returns the physical table for an alias.
func (r *Registry) Resolve(alias string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	physical, ok := r.tables[alias]
	if !ok {
		return "", dgerrors.Newf(dgerrors.ErrCodeUnknownTable,
			"no table mapping for %q", alias).WithComponent("registry")
	}
	return physical, nil
}

// Aliases returns all registered aliases.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]string, 0, len(r.tables))
	for alias := range r.tables {
		aliases = append(aliases, alias)
	}
	return aliases
}
