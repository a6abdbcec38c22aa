// Package storage provides composable storage interfaces for the Referent
// system.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Two backends exist:
// sqlite (primary, embedded) and postgres (pgvector-backed).
package storage

import (
	"errors"
	"time"

	"github.com/scrypster/referent/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInactiveEntity indicates an operation referenced an entity whose
	// domain record has disappeared.
	ErrInactiveEntity = errors.New("entity is inactive")

	// ErrTerminalStatus indicates an attempted transition out of a terminal
	// fact status (superseded, invalidated).
	ErrTerminalStatus = errors.New("fact status is terminal")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering for list operations.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 50, max: 500).
	Limit int

	// EntityID filters to records linked to (episodic) or about (semantic)
	// the given entity. Empty string means no filter.
	EntityID string

	// SessionID filters episodic memories by session. Empty string means no
	// filter.
	SessionID string

	// CreatedBefore filters to records created strictly before this time.
	// The consolidation engine uses this as its snapshot cutoff so writes
	// that race a consolidation pass are never silently absorbed.
	CreatedBefore time.Time

	// OnlyUnconsolidated restricts results to records not yet folded into
	// a summary.
	OnlyUnconsolidated bool

	// Statuses filters semantic memories to the given statuses. Empty
	// means all statuses.
	Statuses []types.FactStatus
}

// Normalize applies defaults and bounds to the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
}

// StoreStats reports record counts for operational tooling.
type StoreStats struct {
	Entities         int `json:"entities"`
	InactiveEntities int `json:"inactive_entities"`
	Aliases          int `json:"aliases"`
	EpisodicMemories int `json:"episodic_memories"`
	SemanticFacts    int `json:"semantic_facts"`
	LiveFacts        int `json:"live_facts"`
	Summaries        int `json:"summaries"`
	OpenConflicts    int `json:"open_conflicts"`
}
