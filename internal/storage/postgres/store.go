// Package postgres implements the Referent storage contract on
// PostgreSQL with pgvector embedding columns. It is the server-grade
// backend; semantics match the SQLite store exactly.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/pkg/types"
)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to Postgres and creates the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connection failed: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the connection pool.
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
		return nil, fmt.Errorf("postgres: failed to marshal properties: %w", err)
	}

	now := time.Now().UTC()
	id := types.NewEntityID(entityType)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, external_ref, name, properties, active, created_at, updated_at, revalidated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8)
		ON CONFLICT (entity_type, external_ref) DO NOTHING
	`, id, entityType, externalRef, name, jsonParam(propsJSON), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to ensure entity: %w", err)
	}

	row := s.db.QueryRowContext(ctx, entitySelect+` WHERE entity_type = $1 AND external_ref = $2`, entityType, externalRef)
	return scanEntity(row)
}

const entitySelect = `
	SELECT id, entity_type, external_ref, name, properties, active, created_at, updated_at, revalidated_at
	FROM entities`

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.CanonicalEntity, error) {
	row := s.db.QueryRowContext(ctx, entitySelect+` WHERE id = $1`, id)
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
		return fmt.Errorf("postgres: failed to marshal properties: %w", err)
	}
	return s.execOneRow(ctx, `
		UPDATE entities SET properties = $1, updated_at = $2 WHERE id = $3
	`, jsonParam(propsJSON), time.Now().UTC(), id)
}

// SetEntityActive flips the active flag. The row is never deleted.
func (s *Store) SetEntityActive(ctx context.Context, id string, active bool) error {
	return s.execOneRow(ctx, `
		UPDATE entities SET active = $1, updated_at = $2 WHERE id = $3
	`, active, time.Now().UTC(), id)
}

// TouchRevalidated records a successful domain-database check.
func (s *Store) TouchRevalidated(ctx context.Context, id string, at time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE entities SET revalidated_at = $1, updated_at = $2 WHERE id = $3
	`, at.UTC(), time.Now().UTC(), id)
}

// ---------------------------------------------------------------------------
// AliasStore
// ---------------------------------------------------------------------------

const aliasSelect = `
	SELECT id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
	FROM aliases`

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

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO aliases (id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (alias_text, scope, entity_id) DO UPDATE SET
			use_count = aliases.use_count + 1,
			confidence = GREATEST(aliases.confidence, EXCLUDED.confidence),
			last_used_at = EXCLUDED.last_used_at
		RETURNING id, alias_text, scope, entity_id, confidence, use_count, source, disambiguation_context, created_at, last_used_at
	`, id, text, string(alias.Scope), alias.EntityID, alias.Confidence, useCount,
		string(alias.Source), nullableString(alias.DisambiguationContext), now, now)
	return scanAlias(row)
}

// LookupAliases returns aliases matching the normalized text in scope,
// ordered deterministically by confidence then id.
func (s *Store) LookupAliases(ctx context.Context, text string, scope types.AliasScope) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx, aliasSelect+`
		WHERE alias_text = $1 AND scope = $2
		ORDER BY confidence DESC, id ASC
	`, storage.NormalizeAliasText(text), string(scope))
	if err != nil {
		return nil, fmt.Errorf("postgres: alias lookup failed: %w", err)
	}
	defer rows.Close()
	return collectAliases(rows)
}

// GetAlias retrieves an alias by ID.
func (s *Store) GetAlias(ctx context.Context, id string) (*types.EntityAlias, error) {
	row := s.db.QueryRowContext(ctx, aliasSelect+` WHERE id = $1`, id)
	return scanAlias(row)
}

// ReinforceAlias bumps use_count and confidence in a single UPDATE so
// concurrent reinforcement cannot lose updates.
func (s *Store) ReinforceAlias(ctx context.Context, aliasID string, delta, ceiling float64, usedAt time.Time) error {
	return s.execOneRow(ctx, `
		UPDATE aliases SET
			use_count = use_count + 1,
			confidence = LEAST($1, confidence + $2),
			last_used_at = $3
		WHERE id = $4
	`, ceiling, delta, usedAt.UTC(), aliasID)
}

// ListAliasesForEntity returns all aliases pointing at the entity.
func (s *Store) ListAliasesForEntity(ctx context.Context, entityID string) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx, aliasSelect+`
		WHERE entity_id = $1
		ORDER BY confidence DESC, id ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: alias list failed: %w", err)
	}
	defer rows.Close()
	return collectAliases(rows)
}

// ListAliasesByScopePrefix returns aliases whose scope starts with prefix.
func (s *Store) ListAliasesByScopePrefix(ctx context.Context, prefix string) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx, aliasSelect+`
		WHERE scope LIKE $1
		ORDER BY scope ASC, confidence DESC, id ASC
	`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres: alias scope scan failed: %w", err)
	}
	defer rows.Close()
	return collectAliases(rows)
}

// SearchAliasesByPrefix preselects fuzzy-match candidates by shared prefix.
func (s *Store) SearchAliasesByPrefix(ctx context.Context, prefix string, scope types.AliasScope, limit int) ([]types.EntityAlias, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, aliasSelect+`
		WHERE alias_text LIKE $1 AND scope = $2
		ORDER BY confidence DESC, id ASC
		LIMIT $3
	`, escapeLike(storage.NormalizeAliasText(prefix))+"%", string(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: alias prefix search failed: %w", err)
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
		return fmt.Errorf("postgres: exec failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
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
		propsJSON []byte
	)
	err := row.Scan(&e.ID, &e.Type, &e.ExternalRef, &e.Name, &propsJSON, &e.Active,
		&e.CreatedAt, &e.UpdatedAt, &e.RevalidatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan entity: %w", err)
	}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal properties: %w", err)
		}
	}
	return &e, nil
}

func scanAlias(row rowScanner) (*types.EntityAlias, error) {
	var (
		a      types.EntityAlias
		scope  string
		source string
		dctx   sql.NullString
	)
	err := row.Scan(&a.ID, &a.AliasText, &scope, &a.EntityID, &a.Confidence,
		&a.UseCount, &source, &dctx, &a.CreatedAt, &a.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan alias: %w", err)
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

// jsonParam passes marshaled JSON as text so the driver does not encode
// it as bytea, which jsonb columns reject.
func jsonParam(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// vectorParam converts an embedding for storage; empty embeddings store
// as NULL.
func vectorParam(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

// nullVector scans a possibly NULL pgvector column.
type nullVector struct {
	vec   pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.vec.Scan(src)
}

func (n *nullVector) slice() []float32 {
	if !n.valid {
		return nil
	}
	return n.vec.Slice()
}

// escapeLike escapes LIKE metacharacters in user-derived patterns.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
