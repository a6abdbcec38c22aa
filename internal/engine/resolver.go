package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/domaindb"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/pkg/types"
)

// ErrPendingNotFound is returned when a disambiguation handle is unknown
// or has expired.
var ErrPendingNotFound = errors.New("pending resolution not found")

// pendingTTL bounds how long a suspended resolution waits for a choice.
const pendingTTL = 15 * time.Minute

// Resolution methods reported in results.
const (
	MethodExactGlobal  = "exact-global"
	MethodUserScoped   = "user-scoped"
	MethodFuzzy        = "fuzzy"
	MethodCoreference  = "coreference"
	MethodDomainImport = "domain-import"
	MethodUserChoice   = "user-choice"
)

// RecentMention is one entry of the caller's recent-entity stack, most
// recent first. Coreference resolution walks this stack.
type RecentMention struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// ResolveRequest carries one mention through the pipeline.
type ResolveRequest struct {
	// Mention is the raw surface text ("Acme", "the acme deal", "they").
	Mention string `json:"mention"`

	// EntityType optionally narrows resolution to one business type.
	EntityType string `json:"entity_type,omitempty"`

	// UserID selects the user-scoped alias layer. Empty means global only.
	UserID string `json:"user_id,omitempty"`

	// Context is the current conversational context key. User-scoped
	// aliases pinned to a DisambiguationContext require it to match.
	Context string `json:"context,omitempty"`

	// RecentEntities is the conversation's recent-entity stack for
	// coreference, most recent first.
	RecentEntities []RecentMention `json:"recent_entities,omitempty"`
}

// Candidate is one scored resolution option.
type Candidate struct {
	EntityID   string  `json:"entity_id"`
	EntityName string  `json:"entity_name"`
	EntityType string  `json:"entity_type"`
	Score      float64 `json:"score"`
	Method     string  `json:"method"`

	// alias backs reinforcement when this candidate is accepted.
	alias *types.EntityAlias
}

// ResolutionResult is the outcome of a Resolve call. Either EntityID is
// set, or RequiresDisambiguation is true and PendingID names the
// suspended resolution to complete via ResolveWithChoice.
type ResolutionResult struct {
	EntityID               string      `json:"entity_id,omitempty"`
	EntityName             string      `json:"entity_name,omitempty"`
	Confidence             float64     `json:"confidence"`
	Method                 string      `json:"method,omitempty"`
	Candidates             []Candidate `json:"candidates,omitempty"`
	RequiresDisambiguation bool        `json:"requires_disambiguation"`
	PendingID              string      `json:"pending_id,omitempty"`
	Explanation            string      `json:"explanation"`
}

// resolverStore is the slice of the persistence surface the resolver
// consumes.
type resolverStore interface {
	storage.EntityStore
	storage.AliasStore
}

// pendingResolution is a suspended resolution waiting for a user choice.
type pendingResolution struct {
	id         string
	normalized string
	req        ResolveRequest
	candidates []Candidate
	createdAt  time.Time
}

// Resolver runs the five-stage resolution pipeline: exact global match,
// user-scoped match, fuzzy match, coreference, then the disambiguation
// decision. Every lookup applies read-time decay and usage boost before
// comparing against thresholds.
type Resolver struct {
	store  resolverStore
	decay  *DecayCalculator
	domain domaindb.Searcher
	cfg    config.ResolverConfig
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingResolution
}

// NewResolver builds a resolver. domain may be nil, in which case lazy
// import from the domain database is disabled.
func NewResolver(store resolverStore, decay *DecayCalculator, domain domaindb.Searcher, cfg config.ResolverConfig, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:   store,
		decay:   decay,
		domain:  domain,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingResolution),
	}
}

// Resolve maps a mention to a canonical entity, or suspends for
// disambiguation when no candidate is safe to accept.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*ResolutionResult, error) {
	norm := storage.NormalizeAliasText(req.Mention)
	if norm == "" {
		return nil, fmt.Errorf("%w: empty mention", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()

	// Stage 1: exact match against global aliases.
	globalCands, err := r.exactCandidates(ctx, norm, types.ScopeGlobal, "", MethodExactGlobal, now)
	if err != nil {
		return nil, err
	}
	if best := r.acceptableExact(globalCands); best != nil {
		return r.accept(ctx, *best, now, "exact alias match in global scope")
	}

	// Stage 2: exact match against the user's personal alias layer.
	var userCands []Candidate
	if req.UserID != "" {
		userCands, err = r.exactCandidates(ctx, norm, types.UserScope(req.UserID), req.Context, MethodUserScoped, now)
		if err != nil {
			return nil, err
		}
		if best := r.acceptableExact(userCands); best != nil {
			return r.accept(ctx, *best, now, "exact alias match in user scope")
		}
	}

	pool := append(globalCands, userCands...)

	// Stage 3 or 4: referring expressions go to coreference, everything
	// else to fuzzy matching.
	if refType, referential := referentialType(norm); referential {
		coref, err := r.coreferenceCandidates(ctx, req, refType)
		if err != nil {
			return nil, err
		}
		pool = append(pool, coref...)
	} else {
		fuzzy, err := r.fuzzyCandidates(ctx, norm, req, now)
		if err != nil {
			return nil, err
		}
		pool = append(pool, fuzzy...)
	}

	pool = dedupeByEntity(pool)

	// Stage 5: lazy import, then the accept-or-escalate decision.
	if len(pool) == 0 {
		pool = r.domainImport(ctx, norm, req)
	}
	return r.decide(ctx, norm, req, pool, now)
}

// acceptableExact returns the candidate an exact stage may accept
// outright: above the exact threshold and clear of the runner-up by more
// than the ambiguity margin. Ties between distinct entities fall through
// to the disambiguation stage.
func (r *Resolver) acceptableExact(cands []Candidate) *Candidate {
	if len(cands) == 0 {
		return nil
	}
	sortCandidates(cands)
	top := cands[0]
	if top.Score <= r.cfg.ExactAcceptThreshold {
		return nil
	}
	if len(cands) > 1 && top.Score-cands[1].Score <= r.cfg.AmbiguityMargin {
		return nil
	}
	return &top
}

// exactCandidates looks up aliases for the normalized text in one scope
// and scores them with read-time decay. Inactive entities are skipped;
// context-pinned aliases require the request context to match.
func (r *Resolver) exactCandidates(ctx context.Context, norm string, scope types.AliasScope, reqContext, method string, now time.Time) ([]Candidate, error) {
	aliases, err := r.store.LookupAliases(ctx, norm, scope)
	if err != nil {
		return nil, fmt.Errorf("resolver: alias lookup: %w", err)
	}

	var out []Candidate
	for i := range aliases {
		alias := aliases[i]
		if alias.DisambiguationContext != "" && alias.DisambiguationContext != reqContext {
			continue
		}
		effective := r.decay.AliasConfidence(&alias, now)
		entity, ok := r.usableEntity(ctx, alias.EntityID, effective, now)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			EntityID:   entity.ID,
			EntityName: entity.Name,
			EntityType: entity.Type,
			Score:      effective,
			Method:     method,
			alias:      &alias,
		})
	}
	return out, nil
}

// fuzzyCandidates preselects aliases sharing a prefix with the mention
// and scores them on lexical similarity, effective confidence, and type
// compatibility.
func (r *Resolver) fuzzyCandidates(ctx context.Context, norm string, req ResolveRequest, now time.Time) ([]Candidate, error) {
	scopes := []types.AliasScope{types.ScopeGlobal}
	if req.UserID != "" {
		scopes = append(scopes, types.UserScope(req.UserID))
	}

	prefix := fuzzyPrefix(norm)
	var out []Candidate
	for _, scope := range scopes {
		aliases, err := r.store.SearchAliasesByPrefix(ctx, prefix, scope, r.cfg.FuzzyCandidateLimit*4)
		if err != nil {
			return nil, fmt.Errorf("resolver: alias prefix search: %w", err)
		}
		for i := range aliases {
			alias := aliases[i]
			if alias.AliasText == norm {
				continue // already handled by the exact stages
			}
			textSim := TextSimilarity(norm, alias.AliasText)
			if textSim < r.cfg.FuzzyTextThreshold {
				continue
			}
			effective := r.decay.AliasConfidence(&alias, now)
			entity, ok := r.usableEntity(ctx, alias.EntityID, effective, now)
			if !ok {
				continue
			}
			score := 0.4*textSim + 0.3*effective + 0.3*typeMatch(entity.Type, req.EntityType)
			out = append(out, Candidate{
				EntityID:   entity.ID,
				EntityName: entity.Name,
				EntityType: entity.Type,
				Score:      score,
				Method:     MethodFuzzy,
				alias:      &alias,
			})
		}
	}

	sortCandidates(out)
	if len(out) > r.cfg.FuzzyCandidateLimit {
		out = out[:r.cfg.FuzzyCandidateLimit]
	}
	return out, nil
}

// coreferenceCandidates walks the recent-entity stack and scores entries
// by recency rank, exp(-0.5 * rank), capped so a pronoun never outranks
// an explicit mention. An empty stack yields no candidates, which the
// decision stage turns into a disambiguation request rather than an error.
func (r *Resolver) coreferenceCandidates(ctx context.Context, req ResolveRequest, wantType string) ([]Candidate, error) {
	if wantType == "" {
		wantType = req.EntityType
	}

	var out []Candidate
	for rank, recent := range req.RecentEntities {
		if rank >= r.cfg.CoreferenceDepth {
			break
		}
		if wantType != "" && recent.EntityType != "" && recent.EntityType != wantType {
			continue
		}
		entity, err := r.store.GetEntity(ctx, recent.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("resolver: coreference entity load: %w", err)
		}
		if !entity.Active {
			continue
		}
		if wantType != "" && entity.Type != wantType {
			continue
		}
		score := math.Min(math.Exp(-0.5*float64(rank)), r.cfg.CoreferenceCap)
		out = append(out, Candidate{
			EntityID:   entity.ID,
			EntityName: entity.Name,
			EntityType: entity.Type,
			Score:      score,
			Method:     MethodCoreference,
		})
	}
	return out, nil
}

// domainImport searches the domain database for the mention when nothing
// local matched, registering any hits as entities with registry aliases.
// Failures degrade to an empty candidate list; the domain database being
// down must not fail resolution.
func (r *Resolver) domainImport(ctx context.Context, norm string, req ResolveRequest) []Candidate {
	if r.domain == nil || req.EntityType == "" {
		return nil
	}

	records, err := r.domain.SearchByTypeAndName(ctx, req.EntityType, norm)
	if err != nil {
		r.logger.Warn("domain import skipped",
			zap.String("mention", norm),
			zap.Error(err))
		return nil
	}

	var out []Candidate
	for _, rec := range records {
		entity, err := r.store.EnsureEntity(ctx, req.EntityType, rec.ID, rec.DisplayName, rec.Properties)
		if err != nil {
			r.logger.Warn("domain import entity registration failed",
				zap.String("external_ref", rec.ID),
				zap.Error(err))
			continue
		}
		canonical := storage.NormalizeAliasText(rec.DisplayName)
		if _, err := r.store.UpsertAlias(ctx, &types.EntityAlias{
			AliasText:  canonical,
			Scope:      types.ScopeGlobal,
			EntityID:   entity.ID,
			Confidence: 1.0,
			UseCount:   1,
			Source:     types.SourceDomainRegistry,
		}); err != nil {
			r.logger.Warn("domain import alias registration failed",
				zap.String("entity_id", entity.ID),
				zap.Error(err))
		}
		out = append(out, Candidate{
			EntityID:   entity.ID,
			EntityName: entity.Name,
			EntityType: entity.Type,
			Score:      TextSimilarity(norm, canonical),
			Method:     MethodDomainImport,
		})
	}
	return out
}

// decide applies the acceptance rule to the candidate pool: accept an
// unambiguous confident top candidate, escalate everything else to a
// suspended disambiguation.
func (r *Resolver) decide(ctx context.Context, norm string, req ResolveRequest, pool []Candidate, now time.Time) (*ResolutionResult, error) {
	sortCandidates(pool)

	if len(pool) == 0 {
		pendingID := r.suspend(norm, req, nil, now)
		return &ResolutionResult{
			RequiresDisambiguation: true,
			PendingID:              pendingID,
			Explanation:            fmt.Sprintf("no entity matches %q", req.Mention),
		}, nil
	}

	top := pool[0]
	ambiguous := false
	switch {
	case len(pool) == 1:
		ambiguous = top.Score <= r.cfg.AcceptThreshold
	case top.Score-pool[1].Score <= r.cfg.AmbiguityMargin:
		ambiguous = true
	case top.Score < r.cfg.ConfidentThreshold:
		ambiguous = true
	}

	if ambiguous {
		pendingID := r.suspend(norm, req, pool, now)
		return &ResolutionResult{
			Candidates:             pool,
			RequiresDisambiguation: true,
			PendingID:              pendingID,
			Explanation:            fmt.Sprintf("%d candidates for %q, none safe to accept", len(pool), req.Mention),
		}, nil
	}

	result, err := r.accept(ctx, top, now, fmt.Sprintf("%s match", top.Method))
	if err != nil {
		return nil, err
	}
	result.Candidates = pool
	return result, nil
}

// accept finalizes a resolution and reinforces the backing alias.
func (r *Resolver) accept(ctx context.Context, cand Candidate, now time.Time, explanation string) (*ResolutionResult, error) {
	if cand.alias != nil {
		if err := r.store.ReinforceAlias(ctx, cand.alias.ID, r.cfg.ReinforceDelta, cand.alias.ConfidenceCeiling(), now); err != nil {
			r.logger.Warn("alias reinforcement failed",
				zap.String("alias_id", cand.alias.ID),
				zap.Error(err))
		}
	}
	return &ResolutionResult{
		EntityID:    cand.EntityID,
		EntityName:  cand.EntityName,
		Confidence:  cand.Score,
		Method:      cand.Method,
		Explanation: explanation,
	}, nil
}

// suspend registers a pending resolution and returns its handle.
func (r *Resolver) suspend(norm string, req ResolveRequest, candidates []Candidate, now time.Time) string {
	p := &pendingResolution{
		id:         types.NewPendingID(),
		normalized: norm,
		req:        req,
		candidates: candidates,
		createdAt:  now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, old := range r.pending {
		if now.Sub(old.createdAt) > pendingTTL {
			delete(r.pending, id)
		}
	}
	r.pending[p.id] = p
	return p.id
}

// ResolveWithChoice completes a suspended resolution with the user's
// pick and learns the mention as a user-scoped alias so the same
// question is not asked twice. Referring expressions ("it", "they") are
// never learned as aliases.
func (r *Resolver) ResolveWithChoice(ctx context.Context, pendingID, entityID string) (*ResolutionResult, error) {
	r.mu.Lock()
	p, ok := r.pending[pendingID]
	if ok {
		delete(r.pending, pendingID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPendingNotFound, pendingID)
	}

	if len(p.candidates) > 0 && !containsEntity(p.candidates, entityID) {
		return nil, fmt.Errorf("%w: entity %s was not a candidate for pending %s", storage.ErrInvalidInput, entityID, pendingID)
	}

	entity, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("resolver: choice entity load: %w", err)
	}

	if _, referential := referentialType(p.normalized); !referential {
		scope := types.ScopeGlobal
		if p.req.UserID != "" {
			scope = types.UserScope(p.req.UserID)
		}
		if _, err := r.store.UpsertAlias(ctx, &types.EntityAlias{
			AliasText:             p.normalized,
			Scope:                 scope,
			EntityID:              entity.ID,
			Confidence:            r.cfg.LearnedAliasConfidence,
			UseCount:              1,
			Source:                types.SourceDisambiguation,
			DisambiguationContext: p.req.Context,
		}); err != nil {
			return nil, fmt.Errorf("resolver: learning chosen alias: %w", err)
		}
	}

	return &ResolutionResult{
		EntityID:    entity.ID,
		EntityName:  entity.Name,
		Confidence:  r.cfg.LearnedAliasConfidence,
		Method:      MethodUserChoice,
		Explanation: "resolved by user choice",
	}, nil
}

// PendingCount reports suspended resolutions, for stats output.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// usableEntity loads the candidate's entity and filters out inactive
// records. When the record is stale and its effective confidence has
// sunk below the floor, it is revalidated against the domain database
// before use.
func (r *Resolver) usableEntity(ctx context.Context, entityID string, effective float64, now time.Time) (*types.CanonicalEntity, bool) {
	entity, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("candidate entity load failed",
				zap.String("entity_id", entityID),
				zap.Error(err))
		}
		return nil, false
	}
	if !entity.Active {
		return nil, false
	}
	if r.decay.NeedsRevalidation(effective, entity.RevalidatedAt, now) {
		if !r.revalidate(ctx, entity, now) {
			return nil, false
		}
	}
	return entity, true
}

// revalidate re-checks the entity against the domain database. A gone
// record deactivates the entity; an unreachable domain database leaves
// the cached record in use.
func (r *Resolver) revalidate(ctx context.Context, entity *types.CanonicalEntity, now time.Time) bool {
	if r.domain == nil {
		return true
	}
	rec, err := r.domain.GetByRef(ctx, entity.Type, entity.ExternalRef)
	switch {
	case errors.Is(err, domaindb.ErrRecordGone):
		if err := r.store.SetEntityActive(ctx, entity.ID, false); err != nil {
			r.logger.Warn("entity deactivation failed",
				zap.String("entity_id", entity.ID),
				zap.Error(err))
		}
		return false
	case err != nil:
		r.logger.Warn("revalidation unavailable, using cached entity",
			zap.String("entity_id", entity.ID),
			zap.Error(err))
		return true
	}

	if err := r.store.TouchRevalidated(ctx, entity.ID, now); err != nil {
		r.logger.Warn("revalidation stamp failed",
			zap.String("entity_id", entity.ID),
			zap.Error(err))
	}
	entity.Name = rec.DisplayName
	entity.RevalidatedAt = now
	return true
}

// typeMatch scores type compatibility for fuzzy candidates: neutral
// without a hint, full on match, zero on mismatch.
func typeMatch(entityType, hint string) float64 {
	switch {
	case hint == "":
		return 0.5
	case entityType == hint:
		return 1.0
	default:
		return 0.0
	}
}

// fuzzyPrefix picks the preselection prefix for a mention.
func fuzzyPrefix(norm string) string {
	runes := []rune(norm)
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return string(runes)
}

// pronouns are bare referring expressions with no type information.
var pronouns = map[string]struct{}{
	"it": {}, "they": {}, "them": {}, "he": {}, "she": {},
	"him": {}, "her": {}, "this": {}, "that": {}, "this one": {}, "that one": {},
}

// typeNouns maps definite-reference head nouns to entity types.
var typeNouns = map[string]string{
	"customer": types.EntityTypeCustomer,
	"client":   types.EntityTypeCustomer,
	"company":  types.EntityTypeCustomer,
	"vendor":   types.EntityTypeVendor,
	"supplier": types.EntityTypeVendor,
	"contact":  types.EntityTypeContact,
	"person":   types.EntityTypeContact,
	"product":  types.EntityTypeProduct,
	"order":    types.EntityTypeOrder,
	"invoice":  types.EntityTypeInvoice,
	"project":  types.EntityTypeProject,
	"deal":     types.EntityTypeDeal,
}

// referentialType reports whether normalized text is a referring
// expression, and the entity type it implies when it carries a head noun
// ("the customer" implies customer, "they" implies nothing).
func referentialType(norm string) (string, bool) {
	if _, ok := pronouns[norm]; ok {
		return "", true
	}
	for _, det := range []string{"the ", "that ", "this "} {
		if noun, found := strings.CutPrefix(norm, det); found {
			if entityType, ok := typeNouns[noun]; ok {
				return entityType, true
			}
		}
	}
	return "", false
}

// sortCandidates orders by score descending, entity ID ascending for a
// deterministic tie-break.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].EntityID < cands[j].EntityID
	})
}

// dedupeByEntity keeps the highest-scoring candidate per entity.
func dedupeByEntity(cands []Candidate) []Candidate {
	seen := make(map[string]int, len(cands))
	var out []Candidate
	for _, c := range cands {
		if idx, ok := seen[c.EntityID]; ok {
			if c.Score > out[idx].Score {
				out[idx] = c
			}
			continue
		}
		seen[c.EntityID] = len(out)
		out = append(out, c)
	}
	return out
}

// containsEntity reports whether the entity appears in the candidates.
func containsEntity(cands []Candidate, entityID string) bool {
	for _, c := range cands {
		if c.EntityID == entityID {
			return true
		}
	}
	return false
}
