package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/pkg/types"
)

// ---------------------------------------------------------------------------
// SummaryStore
// ---------------------------------------------------------------------------

// StoreSummary persists a new summary.
func (s *Store) StoreSummary(ctx context.Context, summary *types.MemorySummary) error {
	if summary == nil || summary.SummaryText == "" {
		return fmt.Errorf("%w: summary text is required", storage.ErrInvalidInput)
	}
	if summary.ID == "" {
		summary.ID = types.NewSummaryID()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}

	factsJSON, err := json.Marshal(summary.StructuredFacts)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal structured facts: %w", err)
	}
	srcJSON, err := json.Marshal(summary.SourceMemoryIDs)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal source memory ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, scope_entity, scope_topic, scope_session, structured_facts,
			summary_text, source_memory_ids, supersedes, confidence, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, summary.ID, nullableString(summary.Scope.EntityID), nullableString(summary.Scope.Topic),
		nullableString(summary.Scope.SessionID), jsonParam(factsJSON), summary.SummaryText,
		jsonParam(srcJSON), nullableString(summary.Supersedes), summary.Confidence,
		vectorParam(summary.Embedding), summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to store summary: %w", err)
	}
	return nil
}

const summarySelect = `
	SELECT id, scope_entity, scope_topic, scope_session, structured_facts,
		summary_text, source_memory_ids, supersedes, confidence, embedding, created_at
	FROM summaries`

// GetSummary retrieves a summary by ID.
func (s *Store) GetSummary(ctx context.Context, id string) (*types.MemorySummary, error) {
	row := s.db.QueryRowContext(ctx, summarySelect+` WHERE id = $1`, id)
	return scanSummary(row)
}

// LatestSummary returns the most recent summary for a scope.
func (s *Store) LatestSummary(ctx context.Context, scope types.SummaryScope) (*types.MemorySummary, error) {
	where, args := summaryScopeFilter(scope)
	row := s.db.QueryRowContext(ctx, summarySelect+where+` ORDER BY created_at DESC, id ASC LIMIT 1`, args...)
	return scanSummary(row)
}

// ListSummaries retrieves summaries with pagination and filtering.
func (s *Store) ListSummaries(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.MemorySummary], error) {
	opts.Normalize()

	var clauses []string
	var args []any
	next := func() string { return fmt.Sprintf("$%d", len(args)) }

	if opts.EntityID != "" {
		args = append(args, opts.EntityID)
		clauses = append(clauses, "scope_entity = "+next())
	}
	if opts.SessionID != "" {
		args = append(args, opts.SessionID)
		clauses = append(clauses, "scope_session = "+next())
	}
	if !opts.CreatedBefore.IsZero() {
		args = append(args, opts.CreatedBefore.UTC())
		clauses = append(clauses, "created_at < "+next())
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: summary count failed: %w", err)
	}

	query := summarySelect + where + fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, opts.Limit, (opts.Page-1)*opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: summary list failed: %w", err)
	}
	defer rows.Close()

	var items []types.MemorySummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.MemorySummary]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Page*opts.Limit < total,
	}, nil
}

func summaryScopeFilter(scope types.SummaryScope) (string, []any) {
	var clauses []string
	var args []any
	next := func() string { return fmt.Sprintf("$%d", len(args)) }

	if scope.EntityID != "" {
		args = append(args, scope.EntityID)
		clauses = append(clauses, "scope_entity = "+next())
	}
	if scope.Topic != "" {
		args = append(args, scope.Topic)
		clauses = append(clauses, "scope_topic = "+next())
	}
	if scope.SessionID != "" {
		args = append(args, scope.SessionID)
		clauses = append(clauses, "scope_session = "+next())
	}
	if len(clauses) == 0 {
		return " WHERE TRUE", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanSummary(row rowScanner) (*types.MemorySummary, error) {
	var (
		sum          types.MemorySummary
		scopeEntity  sql.NullString
		scopeTopic   sql.NullString
		scopeSession sql.NullString
		factsJSON    []byte
		srcJSON      []byte
		supersedes   sql.NullString
		emb          nullVector
	)
	err := row.Scan(&sum.ID, &scopeEntity, &scopeTopic, &scopeSession, &factsJSON,
		&sum.SummaryText, &srcJSON, &supersedes, &sum.Confidence, &emb, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan summary: %w", err)
	}
	sum.Scope = types.SummaryScope{
		EntityID:  scopeEntity.String,
		Topic:     scopeTopic.String,
		SessionID: scopeSession.String,
	}
	sum.Supersedes = supersedes.String
	sum.Embedding = emb.slice()
	if err := json.Unmarshal(factsJSON, &sum.StructuredFacts); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal structured facts: %w", err)
	}
	if err := json.Unmarshal(srcJSON, &sum.SourceMemoryIDs); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal source memory ids: %w", err)
	}
	return &sum, nil
}

// ---------------------------------------------------------------------------
// ConflictStore
// ---------------------------------------------------------------------------

// StoreConflict persists a conflict record.
func (s *Store) StoreConflict(ctx context.Context, conflict *types.ConflictRecord) error {
	if conflict == nil || len(conflict.FactIDs) < 2 {
		return fmt.Errorf("%w: conflict requires at least two fact ids", storage.ErrInvalidInput)
	}
	if conflict.ID == "" {
		conflict.ID = types.NewConflictID()
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}

	idsJSON, err := json.Marshal(conflict.FactIDs)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal fact ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, subject_entity, predicate, fact_ids, strategy, winner_id, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, conflict.ID, conflict.SubjectEntity, conflict.Predicate, jsonParam(idsJSON),
		string(conflict.Strategy), nullableString(conflict.WinnerID),
		conflict.CreatedAt, nullableTime(conflict.ResolvedAt))
	if err != nil {
		return fmt.Errorf("postgres: failed to store conflict: %w", err)
	}
	return nil
}

const conflictSelect = `
	SELECT id, subject_entity, predicate, fact_ids, strategy, winner_id, created_at, resolved_at
	FROM conflicts`

// GetConflict retrieves a conflict by ID.
func (s *Store) GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, conflictSelect+` WHERE id = $1`, id)
	return scanConflict(row)
}

// ListOpenConflicts returns unresolved conflicts, oldest first.
func (s *Store) ListOpenConflicts(ctx context.Context) ([]types.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, conflictSelect+` WHERE resolved_at IS NULL ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: open conflict query failed: %w", err)
	}
	defer rows.Close()

	var conflicts []types.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// MarkConflictResolved records the winner and resolution time.
func (s *Store) MarkConflictResolved(ctx context.Context, id, winnerID string, at time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE conflicts SET winner_id = $1, resolved_at = $2 WHERE id = $3 AND resolved_at IS NULL
	`, winnerID, at.UTC(), id)
}

func scanConflict(row rowScanner) (*types.ConflictRecord, error) {
	var (
		c        types.ConflictRecord
		idsJSON  []byte
		strategy string
		winner   sql.NullString
		resolved sql.NullTime
	)
	err := row.Scan(&c.ID, &c.SubjectEntity, &c.Predicate, &idsJSON, &strategy,
		&winner, &c.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan conflict: %w", err)
	}
	c.Strategy = types.ResolutionStrategy(strategy)
	c.WinnerID = winner.String
	if resolved.Valid {
		t := resolved.Time
		c.ResolvedAt = &t
	}
	if err := json.Unmarshal(idsJSON, &c.FactIDs); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal fact ids: %w", err)
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats reports record counts for operational tooling.
func (s *Store) Stats(ctx context.Context) (*storage.StoreStats, error) {
	stats := &storage.StoreStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM entities`, &stats.Entities},
		{`SELECT COUNT(*) FROM entities WHERE NOT active`, &stats.InactiveEntities},
		{`SELECT COUNT(*) FROM aliases`, &stats.Aliases},
		{`SELECT COUNT(*) FROM episodic_memories`, &stats.EpisodicMemories},
		{`SELECT COUNT(*) FROM semantic_memories`, &stats.SemanticFacts},
		{`SELECT COUNT(*) FROM semantic_memories WHERE status IN ('active', 'aging')`, &stats.LiveFacts},
		{`SELECT COUNT(*) FROM summaries`, &stats.Summaries},
		{`SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL`, &stats.OpenConflicts},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("postgres: stats query failed: %w", err)
		}
	}
	return stats, nil
}
