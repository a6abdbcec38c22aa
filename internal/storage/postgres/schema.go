package postgres

// Schema creates the referent tables. Embeddings use pgvector columns so
// deployments can add ANN indexes; everything else mirrors the SQLite
// layout with native Postgres types.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS entities (
	id             TEXT PRIMARY KEY,
	entity_type    TEXT NOT NULL,
	external_ref   TEXT NOT NULL,
	name           TEXT NOT NULL,
	properties     JSONB,
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	revalidated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (entity_type, external_ref)
);

CREATE TABLE IF NOT EXISTS aliases (
	id                     TEXT PRIMARY KEY,
	alias_text             TEXT NOT NULL,
	scope                  TEXT NOT NULL,
	entity_id              TEXT NOT NULL REFERENCES entities(id),
	confidence             DOUBLE PRECISION NOT NULL,
	use_count              INTEGER NOT NULL DEFAULT 1,
	source                 TEXT NOT NULL,
	disambiguation_context TEXT,
	created_at             TIMESTAMPTZ NOT NULL,
	last_used_at           TIMESTAMPTZ NOT NULL,
	UNIQUE (alias_text, scope, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_aliases_lookup ON aliases (alias_text, scope);
CREATE INDEX IF NOT EXISTS idx_aliases_entity ON aliases (entity_id);

CREATE TABLE IF NOT EXISTS episodic_memories (
	id               TEXT PRIMARY KEY,
	summary          TEXT NOT NULL,
	entity_links     JSONB,
	importance       DOUBLE PRECISION NOT NULL DEFAULT 0,
	embedding        vector,
	session_id       TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	consolidated     BOOLEAN NOT NULL DEFAULT FALSE,
	access_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_episodic_session ON episodic_memories (session_id);
CREATE INDEX IF NOT EXISTS idx_episodic_links ON episodic_memories USING GIN (entity_links);

CREATE TABLE IF NOT EXISTS semantic_memories (
	id                  TEXT PRIMARY KEY,
	subject_entity      TEXT NOT NULL,
	predicate           TEXT NOT NULL,
	predicate_type      TEXT NOT NULL,
	object_value        JSONB NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	reinforcement_count INTEGER NOT NULL DEFAULT 0,
	last_validated_at   TIMESTAMPTZ NOT NULL,
	status              TEXT NOT NULL,
	supersedes          TEXT,
	superseded_by       TEXT,
	embedding           vector,
	source_ids          JSONB,
	consolidated        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_subject ON semantic_memories (subject_entity, predicate);
CREATE INDEX IF NOT EXISTS idx_facts_live ON semantic_memories (subject_entity, predicate)
	WHERE status IN ('active', 'aging');

CREATE TABLE IF NOT EXISTS summaries (
	id                TEXT PRIMARY KEY,
	scope_entity      TEXT,
	scope_topic       TEXT,
	scope_session     TEXT,
	structured_facts  JSONB NOT NULL,
	summary_text      TEXT NOT NULL,
	source_memory_ids JSONB NOT NULL,
	supersedes        TEXT,
	confidence        DOUBLE PRECISION NOT NULL,
	embedding         vector,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_summaries_entity ON summaries (scope_entity);

CREATE TABLE IF NOT EXISTS conflicts (
	id             TEXT PRIMARY KEY,
	subject_entity TEXT NOT NULL,
	predicate      TEXT NOT NULL,
	fact_ids       JSONB NOT NULL,
	strategy       TEXT NOT NULL,
	winner_id      TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	resolved_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts (created_at)
	WHERE resolved_at IS NULL;
`
