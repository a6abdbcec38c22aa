// Package sqlite implements the Referent storage contract on SQLite.
// It is the primary embedded backend, tuned the same way as the rest of
// the system expects: WAL journaling for read concurrency and a single
// write connection to avoid SQLITE_BUSY under concurrent load.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/pkg/types"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore opens a SQLite database, configures WAL mode, and creates the
// schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes; WAL mode lets readers proceed without blocking the
	// writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// EntityStore
// ---------------------------------------------------------------------------

// EnsureEntity registers an entity for (entityType, externalRef) if none
// exists and returns the canonical record. Insert-or-fetch on the
// uniqueness constraint keeps concurrent calls idempotent.
func (s *Store) EnsureEntity(ctx context.Context, entityType, externalRef, name string, props types.Properties) (*types.CanonicalEntity, error) {
	if entityType == "" || externalRef == "" {
		return nil, fmt.Errorf("%w: entity type and external ref are required", storage.ErrInvalidInput)
	}
	if err := types.ValidateProperties(entityType, props); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	propsJSON, err := marshalJSON(props)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to marshal properties: %w", err)
	}

	now := time.Now().UTC()
	id := types.NewEntityID(entityType)

	// Insert-or-ignore, then read back whichever row won the race.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, external_ref, name, properties, active, created_at, updated_at, revalidated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(entity_type, external_ref) DO NOTHING
	`, id, entityType, externalRef, name, nullableString(string(propsJSON)), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to ensure entity: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, external_ref, name, properties, active, created_at, updated_at, revalidated_at
		FROM entities WHERE entity_type = ? AND external_ref = ?
	`, entityType, externalRef)
	return scanEntity(row)
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, external_ref, name, properties, active, created_at, updated_at, revalidated_at
		FROM entities WHERE id = ?
	`, id)
	return scanEntity(row)
}

// GetEntities retrieves multiple entities; missing ids are skipped.
func (s *Store) GetEntities(ctx context.Context, ids []string) ([]*types.CanonicalEntity, error) {
	entities := make([]*types.CanonicalEntity, 0, len(ids))
	for _, id := range ids {
		entity, err := s.GetEntity(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// UpdateEntityProperties replaces the advisory property cache.
func (s *Store) UpdateEntityProperties(ctx context.Context, id string, props types.Properties) error {
	propsJSON, err := marshalJSON(props)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal properties: %w", err)
	}
	return s.execOneRow(ctx, `
		UPDATE entities SET properties = ?, updated_at = ? WHERE id = ?
	`, nullableString(string(propsJSON)), time.Now().UTC(), id)
}

// SetEntityActive flips the active flag. The row is never deleted.
func (s *Store) SetEntityActive(ctx context.Context, id string, active bool) error {
	return s.execOneRow(ctx, `
		UPDATE entities SET active = ?, updated_at = ? WHERE id = ?
	`, boolInt(active), time.Now().UTC(), id)
}

// TouchRevalidated records a successful domain-database check.
func (s *Store) TouchRevalidated(ctx context.Context, id string, at time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE entities SET revalidated_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC(), time.Now().UTC(), id)
}

// ---------------------------------------------------------------------------
// AliasStore
// ---------------------------------------------------------------------------

// UpsertAlias inserts the alias or reinforces the existing row when
// (alias_text, scope, entity_id) already exists.
func (s *Store) UpsertAlias(ctx context.Context, alias *types.EntityAlias) (*types.EntityAlias, error) {
	if alias == nil || alias.AliasText == "" || alias.EntityID == "" {
		return nil, fmt.Errorf("%w: alias text and entity id are required", storage.ErrInvalidInput)
	}
	if !types.IsValidAliasSource(alias.Source) {
		return nil, fmt.Errorf("%w: unknown alias source %q", storage.ErrInvalidInput, alias.Source)
	}

	text := storage.NormalizeAliasText(alias.AliasText)
	now := time.Now().UTC()
	id := alias.ID
	if id == "" {
		id = types.NewAliasID()
	}
	useCount := alias.UseCount
	if useCount < 1 {
		useCount = 1
	}

	// On conflict the existing row is reinforced in place: one more use,
	// confidence nudged toward the new value but never lowered.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alias_text, scope, entity_id) DO UPDATE SET
			use_count = use_count + 1,
			confidence = MAX(confidence, excluded.confidence),
			last_used_at = excluded.last_used_at
	`, id, text, string(alias.Scope), alias.EntityID, alias.Confidence, useCount,
		string(alias.Source), nullableString(alias.DisambiguationContext), now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to upsert alias: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
		FROM aliases WHERE alias_text = ? AND scope = ? AND entity_id = ?
	`, text, string(alias.Scope), alias.EntityID)
	return scanAlias(row)
}

// LookupAliases returns aliases matching the normalized text in scope,
// ordered deterministically by confidence then id.
func (s *Store) LookupAliases(ctx context.Context, text string, scope types.AliasScope) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
		FROM aliases WHERE alias_text = ? AND scope = ?
		ORDER BY confidence DESC, id ASC
	`, storage.NormalizeAliasText(text), string(scope))
	if err != nil {
		return nil, fmt.Errorf("sqlite: alias lookup failed: %w", err)
	}
	defer rows.Close()
	return collectAliases(rows)
}

// GetAlias retrieves an alias by ID.
func (s *Store) GetAlias(ctx context.Context, id string) (*types.EntityAlias, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
		FROM aliases WHERE id = ?
	`, id)
	return scanAlias(row)
}

// ReinforceAlias bumps use_count and confidence in a single UPDATE so
// concurrent reinforcement cannot lose updates.
func (s *Store) ReinforceAlias(ctx context.Context, aliasID string, delta, ceiling float64, usedAt time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE aliases SET
			use_count = use_count + 1,
			confidence = MIN(?, confidence + ?),
			last_used_at = ?
		WHERE id = ?
	`, ceiling, delta, usedAt.UTC(), aliasID)
}

// ListAliasesForEntity returns all aliases pointing at the entity.
func (s *Store) ListAliasesForEntity(ctx context.Context, entityID string) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
		FROM aliases WHERE entity_id = ?
		ORDER BY confidence DESC, id ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: alias list failed: %w", err)
	}
	defer rows.Close()
	return collectAliases(rows)
}

// ListAliasesByScopePrefix returns aliases whose scope starts with prefix.
func (s *Store) ListAliasesByScopePrefix(ctx context.Context, prefix string) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
		FROM aliases WHERE scope LIKE ? ESCAPE '\'
		ORDER BY scope ASC, confidence DESC, id ASC
	`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlite: alias scope scan failed: %w", err)
	}
	defer rows.Close()
	return collectAliases(rows)
}

// SearchAliasesByPrefix preselects fuzzy-match candidates by shared prefix.
// The first two characters of the query anchor the scan; final similarity
// filtering happens in the resolver.
func (s *Store) SearchAliasesByPrefix(ctx context.Context, prefix string, scope types.AliasScope, limit int) ([]types.EntityAlias, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
		FROM aliases WHERE alias_text LIKE ? ESCAPE '\' AND scope = ?
		ORDER BY confidence DESC, id ASC
		LIMIT ?
	`, escapeLike(storage.NormalizeAliasText(prefix))+"%", string(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: alias prefix search failed: %w", err)
	}
	defer rows.Close()
	return collectAliases(rows)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// execOneRow runs an UPDATE that must affect exactly one row, mapping zero
// rows to ErrNotFound.
func (s *Store) execOneRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: exec failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*types.CanonicalEntity, error) {
	var (
		e         types.CanonicalEntity
		propsJSON sql.NullString
		active    int
	)
	err := row.Scan(&e.ID, &e.Type, &e.ExternalRef, &e.Name, &propsJSON, &active,
		&e.CreatedAt, &e.UpdatedAt, &e.RevalidatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
	}
	e.Active = active != 0
	if propsJSON.Valid && propsJSON.String != "" {
		if err := json.Unmarshal([]byte(propsJSON.String), &e.Properties); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal properties: %w", err)
		}
	}
	return &e, nil
}

func scanAlias(row rowScanner) (*types.EntityAlias, error) {
	var (
		a       types.EntityAlias
		scope   string
		source  string
		dctx    sql.NullString
	)
	err := row.Scan(&a.ID, &a.AliasText, &scope, &a.EntityID, &a.Confidence,
		&a.UseCount, &source, &dctx, &a.CreatedAt, &a.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan alias: %w", err)
	}
	a.Scope = types.AliasScope(scope)
	a.Source = types.AliasSource(source)
	a.DisambiguationContext = dctx.String
	return &a, nil
}

func collectAliases(rows *sql.Rows) ([]types.EntityAlias, error) {
	var aliases []types.EntityAlias
	for rows.Next() {
		alias, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, *alias)
	}
	return aliases, rows.Err()
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// escapeLike escapes LIKE metacharacters in user-derived patterns.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
