// Package types defines the core data structures for the Referent
// entity-resolution and memory system: canonical entities, scoped aliases,
// episodic and semantic memory records, summaries, and conflict records.
package types

import "strings"

// AliasScope identifies the visibility of an alias mapping.
// Scopes are encoded as strings: "global", "user:<id>", or "ctx:<id>".
type AliasScope string

// ScopeGlobal is the scope shared by every user and session.
const ScopeGlobal AliasScope = "global"

// UserScope builds a per-user alias scope.
func UserScope(userID string) AliasScope {
	return AliasScope("user:" + userID)
}

// ContextScope builds a per-disambiguation-context alias scope.
func ContextScope(contextID string) AliasScope {
	return AliasScope("ctx:" + contextID)
}

// IsGlobal reports whether the scope is the shared global scope.
func (s AliasScope) IsGlobal() bool { return s == ScopeGlobal }

// IsContextual reports whether the scope is bound to a user or a
// disambiguation context. Contextual aliases decay faster than stable ones.
func (s AliasScope) IsContextual() bool {
	return strings.HasPrefix(string(s), "user:") || strings.HasPrefix(string(s), "ctx:")
}

// AliasSource records how an alias mapping was learned.
type AliasSource string

const (
	// SourceDomainRegistry indicates the alias came from the authoritative
	// domain database (canonical names, registered trade names).
	SourceDomainRegistry AliasSource = "domain-registry"

	// SourceExtracted indicates the alias was produced by the external
	// mention extractor.
	SourceExtracted AliasSource = "extracted"

	// SourceUserStated indicates the user explicitly stated the mapping.
	SourceUserStated AliasSource = "user-stated"

	// SourceCoreference indicates the alias was inferred from a resolved
	// pronoun or definite reference.
	SourceCoreference AliasSource = "coreference"

	// SourceDisambiguation indicates the alias was learned from an explicit
	// disambiguation choice.
	SourceDisambiguation AliasSource = "disambiguation-choice"

	// SourceLearnedPattern indicates the alias was derived from a recurring
	// usage pattern.
	SourceLearnedPattern AliasSource = "learned-pattern"
)

// ValidAliasSources is a slice of all recognized alias sources for validation.
var ValidAliasSources = []AliasSource{
	SourceDomainRegistry,
	SourceExtracted,
	SourceUserStated,
	SourceCoreference,
	SourceDisambiguation,
	SourceLearnedPattern,
}

// IsValidAliasSource checks if the given alias source is recognized.
func IsValidAliasSource(source AliasSource) bool {
	for _, s := range ValidAliasSources {
		if s == source {
			return true
		}
	}
	return false
}

// Entity type constants for the business domain. The set is open since the
// domain database owns the authoritative type vocabulary, but these are
// the types Referent validates property bags for.
const (
	EntityTypeCustomer = "customer"
	EntityTypeVendor   = "vendor"
	EntityTypeContact  = "contact"
	EntityTypeProduct  = "product"
	EntityTypeOrder    = "order"
	EntityTypeInvoice  = "invoice"
	EntityTypeProject  = "project"
	EntityTypeDeal     = "deal"
)

// FactStatus represents the lifecycle state of a semantic memory record.
type FactStatus string

const (
	// FactActive indicates the fact is current and usable.
	FactActive FactStatus = "active"

	// FactAging indicates the fact has passed its validation threshold and
	// should be revalidated before high-stakes use.
	FactAging FactStatus = "aging"

	// FactPending indicates the fact is contested by an open conflict and
	// held out of retrieval until a resolution decision arrives.
	FactPending FactStatus = "pending"

	// FactSuperseded indicates a newer fact replaced this one. Terminal.
	FactSuperseded FactStatus = "superseded"

	// FactInvalidated indicates the fact was explicitly retracted. Terminal.
	FactInvalidated FactStatus = "invalidated"
)

// IsTerminal reports whether the status permits no further transitions.
func (s FactStatus) IsTerminal() bool {
	return s == FactSuperseded || s == FactInvalidated
}

// IsLive reports whether the fact participates in retrieval and conflict
// detection (active or aging).
func (s FactStatus) IsLive() bool {
	return s == FactActive || s == FactAging
}

// CanTransition reports whether a status change is allowed. Terminal
// statuses never transition.
func (s FactStatus) CanTransition(to FactStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return s != to
}

// PredicateType classifies the nature of a semantic fact's predicate.
type PredicateType string

const (
	// PredicateAttribute covers stable properties ("payment_terms", "industry").
	PredicateAttribute PredicateType = "attribute"

	// PredicateRelationship covers links to other entities ("account_manager").
	PredicateRelationship PredicateType = "relationship"

	// PredicatePreference covers stated preferences ("prefers_email").
	PredicatePreference PredicateType = "preference"

	// PredicateState covers transient conditions ("order_status").
	PredicateState PredicateType = "state"
)

// MemoryKind distinguishes the record families the relevance scorer ranks.
type MemoryKind string

const (
	// KindEpisodic is an immutable record of one conversational event.
	KindEpisodic MemoryKind = "episodic"

	// KindSemantic is a subject-predicate-object fact with confidence.
	KindSemantic MemoryKind = "semantic"

	// KindSummary is a consolidated, structured-fact-first summary.
	KindSummary MemoryKind = "summary"
)

// ResolutionStrategy identifies how a conflict between semantic facts was
// (or must be) resolved.
type ResolutionStrategy string

const (
	// ResolveAutoConfidence resolves by confidence gap.
	ResolveAutoConfidence ResolutionStrategy = "auto-confidence"

	// ResolveAutoRecency resolves by staleness of the older record.
	ResolveAutoRecency ResolutionStrategy = "auto-recency"

	// ResolveUserChoice escalates to an external decision.
	ResolveUserChoice ResolutionStrategy = "user-choice"
)
