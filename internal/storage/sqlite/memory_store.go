package sqlite

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

// maxChainDepth bounds supersession chain walks so a corrupt cycle cannot
// loop forever.
const maxChainDepth = 50

// ---------------------------------------------------------------------------
// Episodic memory
// ---------------------------------------------------------------------------

// StoreEpisodic persists an immutable episodic memory. Existing rows are
// never updated; storing a duplicate id is an input error.
func (s *Store) StoreEpisodic(ctx context.Context, mem *types.EpisodicMemory) error {
	if mem == nil || mem.Summary == "" {
		return fmt.Errorf("%w: episodic summary is required", storage.ErrInvalidInput)
	}
	if mem.ID == "" {
		mem.ID = types.NewEpisodicID()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}

	linksJSON, err := marshalJSON(mem.EntityLinks)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal entity links: %w", err)
	}
	embJSON, err := marshalJSON(mem.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodic_memories (id, summary, entity_links, importance, embedding, session_id, created_at, consolidated, access_count, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mem.ID, mem.Summary, nullableBytes(linksJSON), mem.Importance, nullableBytes(embJSON),
		nullableString(mem.SessionID), mem.CreatedAt, boolInt(mem.Consolidated),
		mem.AccessCount, nullableTime(mem.LastAccessedAt))
	if err != nil {
		return fmt.Errorf("sqlite: failed to store episodic memory: %w", err)
	}
	return nil
}

// GetEpisodic retrieves an episodic memory by ID.
func (s *Store) GetEpisodic(ctx context.Context, id string) (*types.EpisodicMemory, error) {
	row := s.db.QueryRowContext(ctx, episodicSelect+` WHERE id = ?`, id)
	return scanEpisodic(row)
}

const episodicSelect = `
	SELECT id, summary, entity_links, importance, embedding, session_id, created_at, consolidated, access_count, last_accessed_at
	FROM episodic_memories`

// ListEpisodic retrieves episodic memories with pagination and filtering.
func (s *Store) ListEpisodic(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.EpisodicMemory], error) {
	opts.Normalize()

	where, args := episodicFilter(opts)

	var total int
	countQuery := `SELECT COUNT(*) FROM episodic_memories` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: episodic count failed: %w", err)
	}

	query := episodicSelect + where + ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, (opts.Page-1)*opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: episodic list failed: %w", err)
	}
	defer rows.Close()

	var items []types.EpisodicMemory
	for rows.Next() {
		mem, err := scanEpisodic(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *mem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.EpisodicMemory]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Page*opts.Limit < total,
	}, nil
}

// episodicFilter builds the WHERE clause shared by count and list queries.
// EntityID filtering matches against the serialized entity_links JSON; the
// link objects store ids under the "entity_id" key so a quoted substring
// match is unambiguous.
func episodicFilter(opts storage.ListOptions) (string, []any) {
	var clauses []string
	var args []any

	if opts.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.EntityID != "" {
		clauses = append(clauses, "entity_links LIKE ?")
		args = append(args, `%"entity_id":"`+opts.EntityID+`"%`)
	}
	if !opts.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, opts.CreatedBefore.UTC())
	}
	if opts.OnlyUnconsolidated {
		clauses = append(clauses, "consolidated = 0")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// IncrementAccess atomically bumps access tracking on an episodic memory.
func (s *Store) IncrementAccess(ctx context.Context, id string, at time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE episodic_memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
	`, at.UTC(), id)
}

// ---------------------------------------------------------------------------
// Semantic memory
// ---------------------------------------------------------------------------

// StoreFact persists a semantic memory record.
func (s *Store) StoreFact(ctx context.Context, fact *types.SemanticMemory) error {
	if fact == nil || fact.SubjectEntity == "" || fact.Predicate == "" {
		return fmt.Errorf("%w: subject entity and predicate are required", storage.ErrInvalidInput)
	}
	if fact.ID == "" {
		fact.ID = types.NewSemanticID()
	}
	now := time.Now().UTC()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	if fact.UpdatedAt.IsZero() {
		fact.UpdatedAt = now
	}
	if fact.LastValidatedAt.IsZero() {
		fact.LastValidatedAt = now
	}
	if fact.Status == "" {
		fact.Status = types.FactActive
	}

	objJSON, err := json.Marshal(fact.ObjectValue)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal object value: %w", err)
	}
	embJSON, err := marshalJSON(fact.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal embedding: %w", err)
	}
	srcJSON, err := marshalJSON(fact.SourceIDs)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal source ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO semantic_memories (id, subject_entity, predicate, predicate_type, object_value,
			confidence, reinforcement_count, last_validated_at, status, supersedes, superseded_by,
			embedding, source_ids, consolidated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, fact.ID, fact.SubjectEntity, fact.Predicate, string(fact.PredicateType), string(objJSON),
		fact.Confidence, fact.ReinforcementCount, fact.LastValidatedAt, string(fact.Status),
		nullableString(fact.Supersedes), nullableString(fact.SupersededBy),
		nullableBytes(embJSON), nullableBytes(srcJSON), boolInt(fact.Consolidated),
		fact.CreatedAt, fact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store fact: %w", err)
	}
	return nil
}

const factSelect = `
	SELECT id, subject_entity, predicate, predicate_type, object_value, confidence,
		reinforcement_count, last_validated_at, status, supersedes, superseded_by,
		embedding, source_ids, consolidated, created_at, updated_at
	FROM semantic_memories`

// GetFact retrieves a semantic memory by ID.
func (s *Store) GetFact(ctx context.Context, id string) (*types.SemanticMemory, error) {
	row := s.db.QueryRowContext(ctx, factSelect+` WHERE id = ?`, id)
	return scanFact(row)
}

// ListFacts retrieves semantic memories with pagination and filtering.
func (s *Store) ListFacts(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.SemanticMemory], error) {
	opts.Normalize()

	var clauses []string
	var args []any
	if opts.EntityID != "" {
		clauses = append(clauses, "subject_entity = ?")
		args = append(args, opts.EntityID)
	}
	if !opts.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, opts.CreatedBefore.UTC())
	}
	if opts.OnlyUnconsolidated {
		clauses = append(clauses, "consolidated = 0")
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM semantic_memories`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: fact count failed: %w", err)
	}

	query := factSelect + where + ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, (opts.Page-1)*opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fact list failed: %w", err)
	}
	defer rows.Close()

	var items []types.SemanticMemory
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *fact)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.SemanticMemory]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Page*opts.Limit < total,
	}, nil
}

// LiveFacts returns the active and aging facts for (subjectEntity, predicate).
func (s *Store) LiveFacts(ctx context.Context, subjectEntity, predicate string) ([]types.SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, factSelect+`
		WHERE subject_entity = ? AND predicate = ? AND status IN ('active', 'aging')
		ORDER BY created_at ASC, id ASC
	`, subjectEntity, predicate)
	if err != nil {
		return nil, fmt.Errorf("sqlite: live fact query failed: %w", err)
	}
	defer rows.Close()

	var facts []types.SemanticMemory
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *fact)
	}
	return facts, rows.Err()
}

// PendingFacts returns the facts for (subjectEntity, predicate) held behind
// an open conflict.
func (s *Store) PendingFacts(ctx context.Context, subjectEntity, predicate string) ([]types.SemanticMemory, error) {
	rows, err := s.db.QueryContext(ctx, factSelect+`
		WHERE subject_entity = ? AND predicate = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`, subjectEntity, predicate)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending fact query failed: %w", err)
	}
	defer rows.Close()

	var facts []types.SemanticMemory
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *fact)
	}
	return facts, rows.Err()
}

// SupersedeFact transitions a fact to superseded and links its successor.
// The status guard is in the WHERE clause so a concurrent transition on
// the same fact cannot double-apply.
func (s *Store) SupersedeFact(ctx context.Context, id, supersededBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE semantic_memories SET status = 'superseded', superseded_by = ?, updated_at = ?
		WHERE id = ? AND status IN ('active', 'aging', 'pending')
	`, supersededBy, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: supersede failed: %w", err)
	}
	return s.oneRowOrStatusErr(ctx, res, id)
}

// SetFactStatus transitions a fact between non-terminal statuses.
func (s *Store) SetFactStatus(ctx context.Context, id string, status types.FactStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE semantic_memories SET status = ?, updated_at = ?
		WHERE id = ? AND status IN ('active', 'aging', 'pending')
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: status update failed: %w", err)
	}
	return s.oneRowOrStatusErr(ctx, res, id)
}

// oneRowOrStatusErr distinguishes a missing fact from a terminal one when
// a guarded UPDATE touched no rows.
func (s *Store) oneRowOrStatusErr(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM semantic_memories WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: status check failed: %w", err)
	}
	return storage.ErrTerminalStatus
}

// SetFactConfidence sets confidence and last_validated_at explicitly.
func (s *Store) SetFactConfidence(ctx context.Context, id string, confidence float64, validatedAt time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE semantic_memories SET confidence = ?, last_validated_at = ?, updated_at = ? WHERE id = ?
	`, confidence, validatedAt.UTC(), time.Now().UTC(), id)
}

// ReinforceFact atomically bumps reinforcement_count and confidence.
func (s *Store) ReinforceFact(ctx context.Context, id string, delta float64, validatedAt time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE semantic_memories SET
			reinforcement_count = reinforcement_count + 1,
			confidence = MIN(1.0, confidence + ?),
			last_validated_at = ?,
			updated_at = ?
		WHERE id = ?
	`, delta, validatedAt.UTC(), time.Now().UTC(), id)
}

// MarkConsolidated flags records as folded into a summary.
func (s *Store) MarkConsolidated(ctx context.Context, episodicIDs, factIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin consolidation mark: %w", err)
	}
	defer tx.Rollback()

	for _, id := range episodicIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE episodic_memories SET consolidated = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: failed to mark episodic %s: %w", id, err)
		}
	}
	for _, id := range factIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE semantic_memories SET consolidated = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: failed to mark fact %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// FactChain returns the supersession history for a fact, oldest first.
func (s *Store) FactChain(ctx context.Context, id string) ([]*types.SemanticMemory, error) {
	fact, err := s.GetFact(ctx, id)
	if err != nil {
		return nil, err
	}

	// Walk backward to the chain origin.
	origin := fact
	for depth := 0; origin.Supersedes != "" && depth < maxChainDepth; depth++ {
		prev, err := s.GetFact(ctx, origin.Supersedes)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		origin = prev
	}

	// Walk forward collecting the chain.
	chain := []*types.SemanticMemory{origin}
	current := origin
	for depth := 0; current.SupersededBy != "" && depth < maxChainDepth; depth++ {
		next, err := s.GetFact(ctx, current.SupersededBy)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		current = next
	}
	return chain, nil
}

func scanEpisodic(row rowScanner) (*types.EpisodicMemory, error) {
	var (
		m            types.EpisodicMemory
		linksJSON    sql.NullString
		embJSON      sql.NullString
		sessionID    sql.NullString
		consolidated int
		lastAccess   sql.NullTime
	)
	err := row.Scan(&m.ID, &m.Summary, &linksJSON, &m.Importance, &embJSON,
		&sessionID, &m.CreatedAt, &consolidated, &m.AccessCount, &lastAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan episodic memory: %w", err)
	}
	m.SessionID = sessionID.String
	m.Consolidated = consolidated != 0
	if lastAccess.Valid {
		t := lastAccess.Time
		m.LastAccessedAt = &t
	}
	if linksJSON.Valid && linksJSON.String != "" {
		if err := json.Unmarshal([]byte(linksJSON.String), &m.EntityLinks); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal entity links: %w", err)
		}
	}
	if embJSON.Valid && embJSON.String != "" {
		if err := json.Unmarshal([]byte(embJSON.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal embedding: %w", err)
		}
	}
	return &m, nil
}

func scanFact(row rowScanner) (*types.SemanticMemory, error) {
	var (
		f             types.SemanticMemory
		predicateType string
		objJSON       string
		status        string
		supersedes    sql.NullString
		supersededBy  sql.NullString
		embJSON       sql.NullString
		srcJSON       sql.NullString
		consolidated  int
	)
	err := row.Scan(&f.ID, &f.SubjectEntity, &f.Predicate, &predicateType, &objJSON,
		&f.Confidence, &f.ReinforcementCount, &f.LastValidatedAt, &status,
		&supersedes, &supersededBy, &embJSON, &srcJSON, &consolidated,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan fact: %w", err)
	}
	f.PredicateType = types.PredicateType(predicateType)
	f.Status = types.FactStatus(status)
	f.Supersedes = supersedes.String
	f.SupersededBy = supersededBy.String
	f.Consolidated = consolidated != 0
	if err := json.Unmarshal([]byte(objJSON), &f.ObjectValue); err != nil {
		return nil, fmt.Errorf("sqlite: failed to unmarshal object value: %w", err)
	}
	if embJSON.Valid && embJSON.String != "" {
		if err := json.Unmarshal([]byte(embJSON.String), &f.Embedding); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal embedding: %w", err)
		}
	}
	if srcJSON.Valid && srcJSON.String != "" {
		if err := json.Unmarshal([]byte(srcJSON.String), &f.SourceIDs); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal source ids: %w", err)
		}
	}
	return &f, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
