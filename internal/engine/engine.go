package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/domaindb"
	"github.com/scrypster/referent/internal/embed"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/pkg/types"
)

// retrieveScanLimit bounds how many records per kind one retrieval scans.
const retrieveScanLimit = 500

// RetrieveRequest selects and ranks memories for a query.
type RetrieveRequest struct {
	// Text is the query text, embedded for semantic scoring when an
	// embedding provider is available.
	Text string `json:"text"`

	// EntityIDs are the resolved entities mentioned in the query.
	EntityIDs []string `json:"entity_ids,omitempty"`

	// Kinds filters which memory kinds are searched. Empty means all.
	Kinds []types.MemoryKind `json:"kinds,omitempty"`

	// TopK bounds the result count (default 10).
	TopK int `json:"top_k,omitempty"`
}

// ScoredMemory is one ranked retrieval hit. Exactly one of Episodic,
// Fact, and Summary is set, matching Kind.
type ScoredMemory struct {
	Kind       types.MemoryKind      `json:"kind"`
	Score      float64               `json:"score"`
	Components ScoreComponents       `json:"components"`
	Episodic   *types.EpisodicMemory `json:"episodic,omitempty"`
	Fact       *types.SemanticMemory `json:"fact,omitempty"`
	Summary    *types.MemorySummary  `json:"summary,omitempty"`
}

// Engine is the facade over resolution, retrieval, fact commits, and
// consolidation. One Engine serves all users; per-user state lives in
// scoped aliases, not in the Engine.
type Engine struct {
	store        storage.Store
	resolver     *Resolver
	scorer       *RelevanceScorer
	conflicts    *ConflictManager
	consolidator *Consolidator
	embedder     embed.Provider
	logger       *zap.Logger
}

// New wires an Engine from its collaborators. domain, embedder, and
// summarizer may be nil; the affected paths degrade rather than fail.
func New(store storage.Store, domain domaindb.Searcher, embedder embed.Provider, summarizer Summarizer, cfg *config.Config, logger *zap.Logger) *Engine {
	decay := NewDecayCalculator(cfg.Decay)
	return &Engine{
		store:        store,
		resolver:     NewResolver(store, decay, domain, cfg.Resolver, logger),
		scorer:       NewRelevanceScorer(cfg.Scoring, decay),
		conflicts:    NewConflictManager(store, decay, cfg.Conflicts, logger),
		consolidator: NewConsolidator(store, summarizer, embedder, cfg.Consolidation, logger),
		embedder:     embedder,
		logger:       logger,
	}
}

// Resolve maps a mention to a canonical entity.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (*ResolutionResult, error) {
	return e.resolver.Resolve(ctx, req)
}

// ResolveWithChoice completes a suspended disambiguation.
func (e *Engine) ResolveWithChoice(ctx context.Context, pendingID, entityID string) (*ResolutionResult, error) {
	return e.resolver.ResolveWithChoice(ctx, pendingID, entityID)
}

// RecordEpisodic stores an immutable event record, embedding its summary
// text when an embedding provider is available.
func (e *Engine) RecordEpisodic(ctx context.Context, mem *types.EpisodicMemory) error {
	if mem == nil || mem.Summary == "" {
		return fmt.Errorf("%w: episodic summary is required", storage.ErrInvalidInput)
	}
	if len(mem.Embedding) == 0 {
		mem.Embedding = e.embedText(ctx, mem.Summary)
	}
	return e.store.StoreEpisodic(ctx, mem)
}

// RecordFact commits a semantic fact through conflict detection.
func (e *Engine) RecordFact(ctx context.Context, fact *types.SemanticMemory) (*CommitResult, error) {
	if fact != nil && len(fact.Embedding) == 0 && fact.Predicate != "" {
		fact.Embedding = e.embedText(ctx, fact.Predicate+" "+fact.ObjectValue.String())
	}
	return e.conflicts.CommitFact(ctx, fact)
}

// ResolveConflict settles an escalated fact conflict.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, winnerID string) error {
	return e.conflicts.ResolveConflict(ctx, conflictID, winnerID)
}

// OpenConflicts lists conflicts awaiting a decision.
func (e *Engine) OpenConflicts(ctx context.Context) ([]types.ConflictRecord, error) {
	return e.conflicts.OpenConflicts(ctx)
}

// Retrieve ranks memories against the query and returns the top hits.
// Returned episodic memories get their access counters bumped, feeding
// the usage signal for future scoring.
func (e *Engine) Retrieve(ctx context.Context, req RetrieveRequest) ([]ScoredMemory, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	now := time.Now().UTC()

	query := Query{
		Text:      req.Text,
		Embedding: e.embedText(ctx, req.Text),
		EntityIDs: req.EntityIDs,
	}

	var hits []ScoredMemory
	if wantKind(req.Kinds, types.KindEpisodic) {
		scored, err := e.scoreEpisodic(ctx, req, query, now)
		if err != nil {
			return nil, err
		}
		hits = append(hits, scored...)
	}
	if wantKind(req.Kinds, types.KindSemantic) {
		scored, err := e.scoreFacts(ctx, req, query, now)
		if err != nil {
			return nil, err
		}
		hits = append(hits, scored...)
	}
	if wantKind(req.Kinds, types.KindSummary) {
		scored, err := e.scoreSummaries(ctx, req, query, now)
		if err != nil {
			return nil, err
		}
		hits = append(hits, scored...)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	for _, hit := range hits {
		if hit.Kind != types.KindEpisodic {
			continue
		}
		if err := e.store.IncrementAccess(ctx, hit.Episodic.ID, now); err != nil {
			e.logger.Warn("access tracking failed",
				zap.String("memory_id", hit.Episodic.ID),
				zap.Error(err))
		}
	}
	return hits, nil
}

func (e *Engine) scoreEpisodic(ctx context.Context, req RetrieveRequest, query Query, now time.Time) ([]ScoredMemory, error) {
	opts := storage.ListOptions{Limit: retrieveScanLimit}
	if len(req.EntityIDs) == 1 {
		opts.EntityID = req.EntityIDs[0]
	}
	res, err := e.store.ListEpisodic(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: episodic scan: %w", err)
	}
	items := res.Items

	// Union the recency scan with a similarity preselection so an old but
	// semantically close memory past the scan window still surfaces.
	if len(query.Embedding) > 0 && opts.EntityID == "" {
		near, err := e.store.NearestEpisodic(ctx, query.Embedding, retrieveScanLimit)
		if err != nil {
			return nil, fmt.Errorf("engine: episodic similarity scan: %w", err)
		}
		items = mergeEpisodic(items, near)
	}

	out := make([]ScoredMemory, 0, len(items))
	for i := range items {
		mem := items[i]
		score, components := e.scorer.ScoreEpisodic(&mem, query, now)
		out = append(out, ScoredMemory{
			Kind:       types.KindEpisodic,
			Score:      score,
			Components: components,
			Episodic:   &mem,
		})
	}
	return out, nil
}

func (e *Engine) scoreFacts(ctx context.Context, req RetrieveRequest, query Query, now time.Time) ([]ScoredMemory, error) {
	opts := storage.ListOptions{
		Limit:    retrieveScanLimit,
		Statuses: []types.FactStatus{types.FactActive, types.FactAging},
	}
	if len(req.EntityIDs) == 1 {
		opts.EntityID = req.EntityIDs[0]
	}
	res, err := e.store.ListFacts(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: fact scan: %w", err)
	}
	items := res.Items

	if len(query.Embedding) > 0 && opts.EntityID == "" {
		near, err := e.store.NearestFacts(ctx, query.Embedding, retrieveScanLimit)
		if err != nil {
			return nil, fmt.Errorf("engine: fact similarity scan: %w", err)
		}
		items = mergeFacts(items, near)
	}

	out := make([]ScoredMemory, 0, len(items))
	for i := range items {
		fact := items[i]
		score, components := e.scorer.ScoreFact(&fact, query, now)
		out = append(out, ScoredMemory{
			Kind:       types.KindSemantic,
			Score:      score,
			Components: components,
			Fact:       &fact,
		})
	}
	return out, nil
}

func (e *Engine) scoreSummaries(ctx context.Context, req RetrieveRequest, query Query, now time.Time) ([]ScoredMemory, error) {
	opts := storage.ListOptions{Limit: retrieveScanLimit}
	if len(req.EntityIDs) == 1 {
		opts.EntityID = req.EntityIDs[0]
	}
	res, err := e.store.ListSummaries(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("engine: summary scan: %w", err)
	}

	out := make([]ScoredMemory, 0, len(res.Items))
	for i := range res.Items {
		sum := res.Items[i]
		score, components := e.scorer.ScoreSummary(&sum, query, now)
		out = append(out, ScoredMemory{
			Kind:       types.KindSummary,
			Score:      score,
			Components: components,
			Summary:    &sum,
		})
	}
	return out, nil
}

// Consolidate runs an explicit consolidation pass for one entity.
func (e *Engine) Consolidate(ctx context.Context, entityID string) (*types.MemorySummary, error) {
	return e.consolidator.ConsolidateEntity(ctx, entityID)
}

// Sweep consolidates every entity past a trigger.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.consolidator.Sweep(ctx)
}

// RunConsolidation executes periodic sweeps until ctx is cancelled.
func (e *Engine) RunConsolidation(ctx context.Context) {
	e.consolidator.Run(ctx)
}

// Stats reports stored record counts plus in-flight resolution state.
func (e *Engine) Stats(ctx context.Context) (*storage.StoreStats, int, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, 0, err
	}
	return stats, e.resolver.PendingCount(), nil
}

// embedText produces a query or record embedding, degrading to nil when
// no provider is configured or the provider is down.
func (e *Engine) embedText(ctx context.Context, text string) []float32 {
	if e.embedder == nil || text == "" {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.logger.Debug("embedding unavailable, degraded scoring", zap.Error(err))
		return nil
	}
	return vec
}

func mergeEpisodic(base, extra []types.EpisodicMemory) []types.EpisodicMemory {
	seen := make(map[string]struct{}, len(base))
	for i := range base {
		seen[base[i].ID] = struct{}{}
	}
	for i := range extra {
		if _, ok := seen[extra[i].ID]; ok {
			continue
		}
		base = append(base, extra[i])
	}
	return base
}

func mergeFacts(base, extra []types.SemanticMemory) []types.SemanticMemory {
	seen := make(map[string]struct{}, len(base))
	for i := range base {
		seen[base[i].ID] = struct{}{}
	}
	for i := range extra {
		if _, ok := seen[extra[i].ID]; ok {
			continue
		}
		base = append(base, extra[i])
	}
	return base
}

// wantKind reports whether the kind filter includes k.
func wantKind(kinds []types.MemoryKind, k types.MemoryKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
