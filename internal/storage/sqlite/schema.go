package sqlite

// Schema defines the SQLite database schema for Referent.
//
// Uniqueness constraints back the idempotence guarantees of the storage
// contract: entities are unique per (entity_type, external_ref) and aliases
// per (alias_text, scope, entity_id), so concurrent writers race through
// ON CONFLICT clauses instead of check-then-insert.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id             TEXT PRIMARY KEY,
    entity_type    TEXT NOT NULL,
    external_ref   TEXT NOT NULL,
    name           TEXT NOT NULL,
    properties     TEXT,
    active         INTEGER NOT NULL DEFAULT 1,
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL,
    revalidated_at TIMESTAMP NOT NULL,
    UNIQUE (entity_type, external_ref)
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);

CREATE TABLE IF NOT EXISTS aliases (
    id           TEXT PRIMARY KEY,
    alias_text   TEXT NOT NULL,
    scope        TEXT NOT NULL,
    entity_id    TEXT NOT NULL REFERENCES entities(id),
    confidence   REAL NOT NULL,
    use_count    INTEGER NOT NULL DEFAULT 1,
    source       TEXT NOT NULL,
    disambiguation_context TEXT,
    created_at   TIMESTAMP NOT NULL,
    last_used_at TIMESTAMP NOT NULL,
    UNIQUE (alias_text, scope, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_aliases_lookup ON aliases(alias_text, scope);
CREATE INDEX IF NOT EXISTS idx_aliases_entity ON aliases(entity_id);
CREATE INDEX IF NOT EXISTS idx_aliases_scope ON aliases(scope);

CREATE TABLE IF NOT EXISTS episodic_memories (
    id               TEXT PRIMARY KEY,
    summary          TEXT NOT NULL,
    entity_links     TEXT,
    importance       REAL NOT NULL DEFAULT 0.5,
    embedding        TEXT,
    session_id       TEXT,
    created_at       TIMESTAMP NOT NULL,
    consolidated     INTEGER NOT NULL DEFAULT 0,
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_episodic_session ON episodic_memories(session_id);
CREATE INDEX IF NOT EXISTS idx_episodic_created ON episodic_memories(created_at);

CREATE TABLE IF NOT EXISTS semantic_memories (
    id                  TEXT PRIMARY KEY,
    subject_entity      TEXT NOT NULL REFERENCES entities(id),
    predicate           TEXT NOT NULL,
    predicate_type      TEXT NOT NULL,
    object_value        TEXT NOT NULL,
    confidence          REAL NOT NULL,
    reinforcement_count INTEGER NOT NULL DEFAULT 0,
    last_validated_at   TIMESTAMP NOT NULL,
    status              TEXT NOT NULL DEFAULT 'active',
    supersedes          TEXT,
    superseded_by       TEXT,
    embedding           TEXT,
    source_ids          TEXT,
    consolidated        INTEGER NOT NULL DEFAULT 0,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_semantic_subject ON semantic_memories(subject_entity, predicate);
CREATE INDEX IF NOT EXISTS idx_semantic_status ON semantic_memories(status);

CREATE TABLE IF NOT EXISTS summaries (
    id                TEXT PRIMARY KEY,
    scope_entity      TEXT,
    scope_topic       TEXT,
    scope_session     TEXT,
    structured_facts  TEXT NOT NULL,
    summary_text      TEXT NOT NULL,
    source_memory_ids TEXT NOT NULL,
    supersedes        TEXT,
    confidence        REAL NOT NULL,
    embedding         TEXT,
    created_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_summaries_entity ON summaries(scope_entity, created_at);

CREATE TABLE IF NOT EXISTS conflicts (
    id             TEXT PRIMARY KEY,
    subject_entity TEXT NOT NULL,
    predicate      TEXT NOT NULL,
    fact_ids       TEXT NOT NULL,
    strategy       TEXT NOT NULL,
    winner_id      TEXT,
    created_at     TIMESTAMP NOT NULL,
    resolved_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(resolved_at) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_conflicts_subject ON conflicts(subject_entity, predicate);
`
