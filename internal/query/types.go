// Package query holds the caller-facing request parameters, the optimizer
// that rewrites them from caller hints, the translator that converts them
// into the backend's native query shape, and the deterministic cache-key
// digest derived from them.
package query

import "time"

// Operator enumerates the abstract filter operators accepted from callers.
type Operator string

const (
	OpEqual              Operator = "Equal"
	OpNotEqual           Operator = "NotEqual"
	OpGreaterThan        Operator = "GreaterThan"
	OpGreaterThanOrEqual Operator = "GreaterThanOrEqual"
	OpLessThan           Operator = "LessThan"
	OpLessThanOrEqual    Operator = "LessThanOrEqual"
	OpLike               Operator = "Like"
	OpStringStartsWith   Operator = "StringStartsWith"
	OpStringEndsWith     Operator = "StringEndsWith"
	OpIn                 Operator = "In"
	OpIsNull             Operator = "IsNull"
	OpIsNotNull          Operator = "IsNotNull"
)

// Filter is a single abstract predicate supplied by a caller.
type Filter struct {
	Name  string
	Op    Operator
	Value interface{}
}

// Params carries filtering, pagination and ordering for one request.
// PageNo is 1-indexed; pagination applies only when PageSize is set
// together with either PageNo or Offset.
type Params struct {
	Filters  []Filter
	PageNo   int
	PageSize int

	// Offset is an absolute row offset. When set it takes precedence
	// over the offset derived from PageNo.
	Offset int

	OrderByField string
	// IsAsc nil means the default (ascending); explicit false means descending.
	IsAsc *bool
}

// Priority expresses how urgently a caller needs the data.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Viewport is the visible row window of a scroll-driven caller.
type Viewport struct {
	Start int
	End   int
}

// Options enumerates every recognized per-request option and its default.
type Options struct {
	Priority Priority
	// Cache nil means caching enabled (the default).
	Cache    *bool
	Viewport *Viewport
	Fields   []string
	// TTL zero means the configured default TTL.
	TTL time.Duration
}

// CacheEnabled reports whether the result may be cached.
func (o Options) CacheEnabled() bool {
	return o.Cache == nil || *o.Cache
}

// Descending reports whether an explicit descending sort was requested.
func (p Params) Descending() bool {
	return p.IsAsc != nil && !*p.IsAsc
}
