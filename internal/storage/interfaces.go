package storage

import (
	"context"
	"time"

	"github.com/scrypster/referent/pkg/types"
)

// EntityStore manages canonical entity records.
type EntityStore interface {
	// EnsureEntity registers an entity for (entityType, externalRef) if none
	// exists and returns the canonical record either way. Idempotent under
	// concurrent calls: implementations must use insert-or-fetch on the
	// uniqueness constraint, not check-then-insert.
	EnsureEntity(ctx context.Context, entityType, externalRef, name string, props types.Properties) (*types.CanonicalEntity, error)

	// GetEntity retrieves an entity by ID. Returns ErrNotFound if missing.
	GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error)

	// GetEntities retrieves multiple entities by ID. Missing ids are
	// silently skipped.
	GetEntities(ctx context.Context, ids []string) ([]*types.CanonicalEntity, error)

	// UpdateEntityProperties replaces the advisory property cache.
	UpdateEntityProperties(ctx context.Context, id string, props types.Properties) error

	// SetEntityActive flips the active flag. Inactive entities are excluded
	// from resolution unless explicitly requested; they are never deleted.
	SetEntityActive(ctx context.Context, id string, active bool) error

	// TouchRevalidated records a successful check against the domain
	// database.
	TouchRevalidated(ctx context.Context, id string, at time.Time) error
}

// AliasStore manages the surface-text-to-entity alias index.
type AliasStore interface {
	// UpsertAlias inserts the alias or, when (alias_text, scope, entity_id)
	// already exists, reinforces the existing row in place. The returned
	// record reflects the stored state.
	UpsertAlias(ctx context.Context, alias *types.EntityAlias) (*types.EntityAlias, error)

	// LookupAliases returns all aliases matching the normalized text in the
	// given scope. Ranking is applied by the caller; ordering here is
	// unspecified beyond being deterministic.
	LookupAliases(ctx context.Context, text string, scope types.AliasScope) ([]types.EntityAlias, error)

	// GetAlias retrieves an alias by ID. Returns ErrNotFound if missing.
	GetAlias(ctx context.Context, id string) (*types.EntityAlias, error)

	// ReinforceAlias atomically increments use_count, raises confidence by
	// delta clamped to ceiling, and stamps last_used_at. A single UPDATE,
	// never read-modify-write, so concurrent reinforcement loses no updates.
	ReinforceAlias(ctx context.Context, aliasID string, delta, ceiling float64, usedAt time.Time) error

	// ListAliasesForEntity returns all aliases pointing at the entity.
	ListAliasesForEntity(ctx context.Context, entityID string) ([]types.EntityAlias, error)

	// ListAliasesByScopePrefix returns aliases whose scope starts with the
	// prefix (e.g. "user:" for all user-scoped aliases). Used by the decay
	// report.
	ListAliasesByScopePrefix(ctx context.Context, prefix string) ([]types.EntityAlias, error)

	// SearchAliasesByPrefix returns candidate aliases in scope whose text
	// shares a prefix with the query, for fuzzy matching preselection.
	SearchAliasesByPrefix(ctx context.Context, prefix string, scope types.AliasScope, limit int) ([]types.EntityAlias, error)
}

// MemoryStore manages episodic and semantic memory records.
type MemoryStore interface {
	// StoreEpisodic persists an immutable episodic memory.
	StoreEpisodic(ctx context.Context, mem *types.EpisodicMemory) error

	// GetEpisodic retrieves an episodic memory by ID.
	GetEpisodic(ctx context.Context, id string) (*types.EpisodicMemory, error)

	// ListEpisodic retrieves episodic memories with pagination and filtering.
	ListEpisodic(ctx context.Context, opts ListOptions) (*PaginatedResult[types.EpisodicMemory], error)

	// StoreFact persists a semantic memory record.
	StoreFact(ctx context.Context, fact *types.SemanticMemory) error

	// GetFact retrieves a semantic memory by ID.
	GetFact(ctx context.Context, id string) (*types.SemanticMemory, error)

	// ListFacts retrieves semantic memories with pagination and filtering.
	ListFacts(ctx context.Context, opts ListOptions) (*PaginatedResult[types.SemanticMemory], error)

	// LiveFacts returns the active and aging facts for (subjectEntity,
	// predicate). This is the conflict-detection read.
	LiveFacts(ctx context.Context, subjectEntity, predicate string) ([]types.SemanticMemory, error)

	// PendingFacts returns the facts for (subjectEntity, predicate) held
	// behind an open conflict.
	PendingFacts(ctx context.Context, subjectEntity, predicate string) ([]types.SemanticMemory, error)

	// SupersedeFact transitions a fact to superseded and links its
	// successor. Returns ErrTerminalStatus if the fact is already terminal.
	SupersedeFact(ctx context.Context, id, supersededBy string) error

	// SetFactStatus transitions a fact between non-terminal statuses
	// (active, aging, pending) or invalidates it. Returns
	// ErrTerminalStatus on terminal facts.
	SetFactStatus(ctx context.Context, id string, status types.FactStatus) error

	// SetFactConfidence sets confidence and last_validated_at explicitly,
	// used by conflict resolution.
	SetFactConfidence(ctx context.Context, id string, confidence float64, validatedAt time.Time) error

	// ReinforceFact atomically increments reinforcement_count, raises
	// confidence by delta clamped to 1.0, and stamps last_validated_at.
	ReinforceFact(ctx context.Context, id string, delta float64, validatedAt time.Time) error

	// MarkConsolidated flags the given episodic/semantic records as folded
	// into a summary. Records are retained for audit.
	MarkConsolidated(ctx context.Context, episodicIDs, factIDs []string) error

	// IncrementAccess atomically bumps access tracking on an episodic
	// memory.
	IncrementAccess(ctx context.Context, id string, at time.Time) error

	// FactChain returns the supersession history for a fact, ordered oldest
	// to newest. Capped at 50 hops to bound corrupt chains.
	FactChain(ctx context.Context, id string) ([]*types.SemanticMemory, error)

	// NearestEpisodic returns up to limit episodic memories ordered by
	// embedding similarity to the query vector. Memories without an
	// embedding are excluded; callers union this with a recency scan.
	NearestEpisodic(ctx context.Context, embedding []float32, limit int) ([]types.EpisodicMemory, error)

	// NearestFacts returns up to limit live facts ordered by embedding
	// similarity to the query vector.
	NearestFacts(ctx context.Context, embedding []float32, limit int) ([]types.SemanticMemory, error)
}

// SummaryStore manages consolidated memory summaries.
type SummaryStore interface {
	// StoreSummary persists a new summary.
	StoreSummary(ctx context.Context, summary *types.MemorySummary) error

	// GetSummary retrieves a summary by ID.
	GetSummary(ctx context.Context, id string) (*types.MemorySummary, error)

	// LatestSummary returns the most recent summary for a scope, or
	// ErrNotFound when the scope has never been consolidated.
	LatestSummary(ctx context.Context, scope types.SummaryScope) (*types.MemorySummary, error)

	// ListSummaries retrieves summaries with pagination and filtering.
	ListSummaries(ctx context.Context, opts ListOptions) (*PaginatedResult[types.MemorySummary], error)
}

// ConflictStore manages conflict records between semantic facts.
type ConflictStore interface {
	// StoreConflict persists a conflict record.
	StoreConflict(ctx context.Context, conflict *types.ConflictRecord) error

	// GetConflict retrieves a conflict by ID.
	GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error)

	// ListOpenConflicts returns unresolved conflicts.
	ListOpenConflicts(ctx context.Context) ([]types.ConflictRecord, error)

	// MarkConflictResolved records the winner and resolution time.
	MarkConflictResolved(ctx context.Context, id, winnerID string, at time.Time) error
}

// Store composes the full persistence surface of the system.
type Store interface {
	EntityStore
	AliasStore
	MemoryStore
	SummaryStore
	ConflictStore

	// Stats reports record counts for operational tooling.
	Stats(ctx context.Context) (*StoreStats, error)

	// Close releases any resources held by the store.
	Close() error
}
