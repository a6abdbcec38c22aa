package types

import "time"

// CanonicalEntity is the single authoritative identity record for a
// business object. Each entity is linked to exactly one domain-database
// record via ExternalRef; the pair (Type, ExternalRef) is unique.
//
// Entities are created lazily on first mention and never deleted. When the
// underlying domain record disappears, the entity is marked inactive and
// excluded from resolution unless explicitly requested.
type CanonicalEntity struct {
	ID          string     `json:"id"`                   // Unique identifier (format: ent:type:uuid)
	Type        string     `json:"type"`                 // Business entity type (customer, vendor, ...)
	ExternalRef string     `json:"external_ref"`         // Opaque, stable pointer into the domain database
	Name        string     `json:"name"`                 // Canonical display name
	Properties  Properties `json:"properties,omitempty"` // Advisory attribute cache, never authoritative
	Active      bool       `json:"active"`               // False when the domain record is gone
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// RevalidatedAt tracks the last successful check against the domain
	// database. Used by the decay calculator's revalidation path.
	RevalidatedAt time.Time `json:"revalidated_at"`
}

// EntityAlias maps surface text to a canonical entity within a scope.
// The triple (AliasText, Scope, EntityID) is unique: reinforcement
// increments UseCount and nudges Confidence instead of inserting a
// duplicate row.
type EntityAlias struct {
	ID         string      `json:"id"`          // Unique identifier (format: als:uuid)
	AliasText  string      `json:"alias_text"`  // Normalized surface text
	Scope      AliasScope  `json:"scope"`       // global, user:<id>, or ctx:<id>
	EntityID   string      `json:"entity_id"`   // Referenced canonical entity
	Confidence float64     `json:"confidence"`  // Stored confidence in [0,1], decay applied at read time
	UseCount   int         `json:"use_count"`   // Times this alias resolved a mention, >= 1
	Source     AliasSource `json:"source"`      // How this mapping was learned
	CreatedAt  time.Time   `json:"created_at"`
	LastUsedAt time.Time   `json:"last_used_at"`

	// DisambiguationContext optionally pins a user-scoped alias to the
	// context it was learned in. When set, resolution requires the current
	// context to match before the alias is accepted.
	DisambiguationContext string `json:"disambiguation_context,omitempty"`
}

// LearnedCeiling is the confidence ceiling for aliases not backed by the
// domain registry. Registry aliases carry no ceiling.
const LearnedCeiling = 0.90

// ConfidenceCeiling returns the reinforcement ceiling for this alias.
func (a *EntityAlias) ConfidenceCeiling() float64 {
	if a.Source == SourceDomainRegistry {
		return 1.0
	}
	return LearnedCeiling
}
