package types

import "time"

// EntityLink ties a memory record to a canonical entity at a mention span.
// The ordered list of links on an episodic memory preserves coreference
// chains within the event.
type EntityLink struct {
	EntityID  string `json:"entity_id"`
	SpanStart int    `json:"span_start"`
	SpanEnd   int    `json:"span_end"`
	// Mention is the surface text that was resolved to the entity.
	Mention string `json:"mention,omitempty"`
}

// EpisodicMemory is an immutable record of one conversational event.
// Never mutated after creation; it is superseded only by being folded into
// a MemorySummary, after which Consolidated is set (the record is retained
// for audit).
type EpisodicMemory struct {
	ID          string       `json:"id"` // format: epi:uuid
	Summary     string       `json:"summary"`
	EntityLinks []EntityLink `json:"entity_links,omitempty"`
	Importance  float64      `json:"importance"` // [0,1]
	Embedding   []float32    `json:"embedding,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`

	// Consolidated marks the memory as folded into a summary. The record
	// itself is never deleted.
	Consolidated bool `json:"consolidated"`

	// Access tracking feeds the relevance scorer's usage signal.
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// SemanticMemory is a subject-predicate-object fact about an entity.
// Facts are append-only: a correction creates a new record linked through
// Supersedes/SupersededBy rather than overwriting in place.
type SemanticMemory struct {
	ID            string        `json:"id"` // format: sem:uuid
	SubjectEntity string        `json:"subject_entity"`
	Predicate     string        `json:"predicate"`
	PredicateType PredicateType `json:"predicate_type"`
	ObjectValue   Value         `json:"object_value"`

	Confidence         float64    `json:"confidence"` // [0,1], mutated only by reinforcement or conflict resolution
	ReinforcementCount int        `json:"reinforcement_count"`
	LastValidatedAt    time.Time  `json:"last_validated_at"`
	Status             FactStatus `json:"status"`

	// Supersession chain (append-only).
	Supersedes   string `json:"supersedes,omitempty"`
	SupersededBy string `json:"superseded_by,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Provenance: memory or source ids the fact was extracted from.
	SourceIDs []string `json:"source_ids,omitempty"`

	Consolidated bool `json:"consolidated"`
}

// StructuredFact is a fact extracted during consolidation, carrying its
// confidence and provenance so prose can be regenerated and facts
// re-verified independently of the summary text.
type StructuredFact struct {
	SubjectEntity string        `json:"subject_entity"`
	Predicate     string        `json:"predicate"`
	PredicateType PredicateType `json:"predicate_type"`
	ObjectValue   Value         `json:"object_value"`
	Confidence    float64       `json:"confidence"`

	// SourceMemoryIDs lists the raw memories the fact was extracted from.
	SourceMemoryIDs []string `json:"source_memory_ids"`

	// Corroboration counts how many independent raw memories support the
	// fact.
	Corroboration int `json:"corroboration"`
}

// SummaryScope selects the memory set a summary covers.
type SummaryScope struct {
	// EntityID scopes the summary to one entity. Empty for topic or
	// session scopes.
	EntityID string `json:"entity_id,omitempty"`

	// Topic scopes the summary to a topic label.
	Topic string `json:"topic,omitempty"`

	// SessionID scopes the summary to a session window.
	SessionID string `json:"session_id,omitempty"`
}

// MemorySummary is a derived record compressing many memories. Structured
// facts are extracted first; the prose SummaryText is generated from them,
// never directly from the raw memories.
type MemorySummary struct {
	ID              string           `json:"id"` // format: sum:uuid
	Scope           SummaryScope     `json:"scope"`
	StructuredFacts []StructuredFact `json:"structured_facts"`
	SummaryText     string           `json:"summary_text"`

	// SourceMemoryIDs references the episodic and semantic records the
	// summary was built from.
	SourceMemoryIDs []string `json:"source_memory_ids"`

	// Supersedes references the prior summary for the same scope, if any.
	Supersedes string `json:"supersedes,omitempty"`

	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConflictRecord captures two or more semantic facts for the same
// (subject, predicate) with differing object values. Auto-resolved
// conflicts carry a ResolvedAt timestamp; escalated conflicts wait for an
// external decision.
type ConflictRecord struct {
	ID            string             `json:"id"` // format: conf:uuid
	SubjectEntity string             `json:"subject_entity"`
	Predicate     string             `json:"predicate"`
	FactIDs       []string           `json:"fact_ids"` // sorted, >= 2 entries
	Strategy      ResolutionStrategy `json:"strategy"`
	WinnerID      string             `json:"winner_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
}

// Resolved reports whether the conflict has been settled.
func (c *ConflictRecord) Resolved() bool { return c.ResolvedAt != nil }
