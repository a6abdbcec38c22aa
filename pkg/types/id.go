package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ID constructors. Every record family carries a short prefix so ids are
// self-describing in logs and foreign keys.

// NewEntityID builds an id for a canonical entity (ent:<type>:<uuid>).
func NewEntityID(entityType string) string {
	return fmt.Sprintf("ent:%s:%s", entityType, uuid.NewString())
}

// NewAliasID builds an id for an entity alias.
func NewAliasID() string { return "als:" + uuid.NewString() }

// NewEpisodicID builds an id for an episodic memory.
func NewEpisodicID() string { return "epi:" + uuid.NewString() }

// NewSemanticID builds an id for a semantic memory.
func NewSemanticID() string { return "sem:" + uuid.NewString() }

// NewSummaryID builds an id for a memory summary.
func NewSummaryID() string { return "sum:" + uuid.NewString() }

// NewConflictID builds an id for a conflict record.
func NewConflictID() string { return "conf:" + uuid.NewString() }

// NewPendingID builds an id for a suspended disambiguation or a blocked
// fact commit awaiting external resolution.
func NewPendingID() string { return "pend:" + uuid.NewString() }
