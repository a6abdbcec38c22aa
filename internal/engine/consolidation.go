package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/embed"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/pkg/types"
)

// ErrNothingToConsolidate is returned when a consolidation pass finds no
// unconsolidated memories in scope.
var ErrNothingToConsolidate = errors.New("nothing to consolidate")

// Summarizer renders prose from structured facts. The facts are extracted
// first and the text is generated from them, so regenerating prose never
// requires re-reading the raw memories.
type Summarizer interface {
	Summarize(ctx context.Context, entityName string, facts []types.StructuredFact, memories []types.EpisodicMemory) (string, error)
}

// TemplateSummarizer is the deterministic fallback summarizer: one line
// per fact plus an activity note. Deployments with a language model plug
// in their own Summarizer.
type TemplateSummarizer struct{}

func (TemplateSummarizer) Summarize(_ context.Context, entityName string, facts []types.StructuredFact, memories []types.EpisodicMemory) (string, error) {
	var b strings.Builder
	if entityName != "" {
		fmt.Fprintf(&b, "%s: ", entityName)
	}
	parts := make([]string, 0, len(facts))
	for _, f := range facts {
		parts = append(parts, fmt.Sprintf("%s is %s", f.Predicate, f.ObjectValue.String()))
	}
	if len(parts) > 0 {
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(". ")
	}
	fmt.Fprintf(&b, "Based on %d recorded interactions.", len(memories))
	return b.String(), nil
}

// consolidationStore is the persistence slice the consolidator consumes.
type consolidationStore interface {
	storage.EntityStore
	storage.MemoryStore
	storage.SummaryStore
}

// Consolidator folds accumulated memories about an entity into a
// structured summary. Raw records are marked consolidated and retained;
// nothing is deleted.
type Consolidator struct {
	store      consolidationStore
	summarizer Summarizer
	embedder   embed.Provider
	cfg        config.ConsolidationConfig
	logger     *zap.Logger
}

// NewConsolidator builds a consolidator. summarizer may be nil, in which
// case the deterministic template summarizer is used; embedder may be nil.
func NewConsolidator(store consolidationStore, summarizer Summarizer, embedder embed.Provider, cfg config.ConsolidationConfig, logger *zap.Logger) *Consolidator {
	if summarizer == nil {
		summarizer = TemplateSummarizer{}
	}
	return &Consolidator{
		store:      store,
		summarizer: summarizer,
		embedder:   embedder,
		cfg:        cfg,
		logger:     logger,
	}
}

// ShouldConsolidate reports whether the entity has crossed either
// threshold: total unconsolidated memories, or distinct sessions touching
// it.
func (c *Consolidator) ShouldConsolidate(ctx context.Context, entityID string) (bool, error) {
	memories, err := c.collectEpisodic(ctx, entityID, time.Time{})
	if err != nil {
		return false, err
	}
	if len(memories) >= c.cfg.MemoryThreshold {
		return true, nil
	}
	sessions := make(map[string]struct{})
	for _, mem := range memories {
		if mem.SessionID != "" {
			sessions[mem.SessionID] = struct{}{}
		}
	}
	return len(sessions) >= c.cfg.SessionThreshold, nil
}

// ConsolidateEntity runs one consolidation pass for the entity. The pass
// operates on a snapshot bounded by its start time: memories recorded
// while it runs are untouched and picked up next time.
func (c *Consolidator) ConsolidateEntity(ctx context.Context, entityID string) (*types.MemorySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cutoff := time.Now().UTC()

	entity, err := c.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("consolidation: entity load: %w", err)
	}

	memories, err := c.collectEpisodic(ctx, entityID, cutoff)
	if err != nil {
		return nil, err
	}
	factRecords, err := c.collectFacts(ctx, entityID, cutoff)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 && len(factRecords) == 0 {
		return nil, fmt.Errorf("%w: entity %s", ErrNothingToConsolidate, entityID)
	}

	facts := capFacts(extractFacts(factRecords), c.cfg.MinCorroboration)

	summaryText, err := c.summarizer.Summarize(ctx, entity.Name, facts, memories)
	if err != nil {
		return nil, fmt.Errorf("consolidation: summarize: %w", err)
	}

	summary := &types.MemorySummary{
		ID:              types.NewSummaryID(),
		Scope:           types.SummaryScope{EntityID: entityID},
		StructuredFacts: facts,
		SummaryText:     summaryText,
		SourceMemoryIDs: sourceIDs(memories, factRecords),
		Confidence:      summaryConfidence(facts),
		CreatedAt:       cutoff,
	}

	// Chain onto the prior summary for the same scope, if any.
	prior, err := c.store.LatestSummary(ctx, summary.Scope)
	switch {
	case err == nil:
		summary.Supersedes = prior.ID
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("consolidation: prior summary load: %w", err)
	}

	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, summaryText)
		if err != nil {
			// Embeddings are an enhancement; the summary stores without one.
			c.logger.Warn("summary embedding skipped", zap.Error(err))
		} else {
			summary.Embedding = vec
		}
	}

	if err := c.store.StoreSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("consolidation: summary store: %w", err)
	}

	episodicIDs := make([]string, len(memories))
	for i, mem := range memories {
		episodicIDs[i] = mem.ID
	}
	factIDs := make([]string, len(factRecords))
	for i, fact := range factRecords {
		factIDs[i] = fact.ID
	}
	if err := c.store.MarkConsolidated(ctx, episodicIDs, factIDs); err != nil {
		return nil, fmt.Errorf("consolidation: marking sources: %w", err)
	}

	c.logger.Info("entity consolidated",
		zap.String("entity_id", entityID),
		zap.Int("episodic", len(memories)),
		zap.Int("facts", len(factRecords)),
		zap.String("summary_id", summary.ID))
	return summary, nil
}

// Sweep finds entities past a consolidation trigger and consolidates
// each. Per-entity failures are logged and skipped so one bad entity does
// not starve the rest.
func (c *Consolidator) Sweep(ctx context.Context) (int, error) {
	entityIDs, err := c.pendingEntities(ctx)
	if err != nil {
		return 0, err
	}

	consolidated := 0
	for _, id := range entityIDs {
		if ctx.Err() != nil {
			return consolidated, ctx.Err()
		}
		due, err := c.ShouldConsolidate(ctx, id)
		if err != nil {
			c.logger.Warn("consolidation trigger check failed",
				zap.String("entity_id", id),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if _, err := c.ConsolidateEntity(ctx, id); err != nil {
			c.logger.Warn("consolidation pass failed",
				zap.String("entity_id", id),
				zap.Error(err))
			continue
		}
		consolidated++
	}
	return consolidated, nil
}

// Run executes periodic sweeps until the context is cancelled.
func (c *Consolidator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("consolidation sweep failed", zap.Error(err))
			}
		}
	}
}

// pendingEntities lists entities with any unconsolidated memory, from
// episodic entity links and fact subjects.
func (c *Consolidator) pendingEntities(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	for page := 1; ; page++ {
		res, err := c.store.ListEpisodic(ctx, storage.ListOptions{Page: page, OnlyUnconsolidated: true})
		if err != nil {
			return nil, fmt.Errorf("consolidation: episodic scan: %w", err)
		}
		for _, mem := range res.Items {
			for _, link := range mem.EntityLinks {
				seen[link.EntityID] = struct{}{}
			}
		}
		if !res.HasMore {
			break
		}
	}

	for page := 1; ; page++ {
		res, err := c.store.ListFacts(ctx, storage.ListOptions{Page: page, OnlyUnconsolidated: true})
		if err != nil {
			return nil, fmt.Errorf("consolidation: fact scan: %w", err)
		}
		for _, fact := range res.Items {
			seen[fact.SubjectEntity] = struct{}{}
		}
		if !res.HasMore {
			break
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// collectEpisodic pages through unconsolidated episodic memories for the
// entity, bounded by the snapshot cutoff when set.
func (c *Consolidator) collectEpisodic(ctx context.Context, entityID string, cutoff time.Time) ([]types.EpisodicMemory, error) {
	var out []types.EpisodicMemory
	for page := 1; ; page++ {
		res, err := c.store.ListEpisodic(ctx, storage.ListOptions{
			Page:               page,
			EntityID:           entityID,
			CreatedBefore:      cutoff,
			OnlyUnconsolidated: true,
		})
		if err != nil {
			return nil, fmt.Errorf("consolidation: episodic collect: %w", err)
		}
		out = append(out, res.Items...)
		if !res.HasMore {
			break
		}
	}
	return out, nil
}

// collectFacts pages through unconsolidated live facts for the entity.
// Terminal facts are history, not knowledge, and stay out of summaries.
func (c *Consolidator) collectFacts(ctx context.Context, entityID string, cutoff time.Time) ([]types.SemanticMemory, error) {
	var out []types.SemanticMemory
	for page := 1; ; page++ {
		res, err := c.store.ListFacts(ctx, storage.ListOptions{
			Page:               page,
			EntityID:           entityID,
			CreatedBefore:      cutoff,
			OnlyUnconsolidated: true,
			Statuses:           []types.FactStatus{types.FactActive, types.FactAging},
		})
		if err != nil {
			return nil, fmt.Errorf("consolidation: fact collect: %w", err)
		}
		out = append(out, res.Items...)
		if !res.HasMore {
			break
		}
	}
	return out, nil
}

// extractFacts converts semantic records into structured summary facts.
// Corroboration counts the original observation plus each reinforcement.
func extractFacts(records []types.SemanticMemory) []types.StructuredFact {
	facts := make([]types.StructuredFact, 0, len(records))
	for _, rec := range records {
		facts = append(facts, types.StructuredFact{
			SubjectEntity:   rec.SubjectEntity,
			Predicate:       rec.Predicate,
			PredicateType:   rec.PredicateType,
			ObjectValue:     rec.ObjectValue,
			Confidence:      rec.Confidence,
			SourceMemoryIDs: append([]string{rec.ID}, rec.SourceIDs...),
			Corroboration:   1 + rec.ReinforcementCount,
		})
	}
	// Well-corroborated facts first, then by confidence, then predicate
	// for a stable order.
	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Corroboration != facts[j].Corroboration {
			return facts[i].Corroboration > facts[j].Corroboration
		}
		if facts[i].Confidence != facts[j].Confidence {
			return facts[i].Confidence > facts[j].Confidence
		}
		return facts[i].Predicate < facts[j].Predicate
	})
	return facts
}

// maxSummaryFacts bounds how many weakly supported facts a summary
// carries.
const maxSummaryFacts = 25

// capFacts truncates the sorted fact list at the cap, but a fact with
// enough corroboration is never dropped regardless of the cap.
func capFacts(facts []types.StructuredFact, minCorroboration int) []types.StructuredFact {
	if len(facts) <= maxSummaryFacts {
		return facts
	}
	n := maxSummaryFacts
	for n < len(facts) && facts[n].Corroboration >= minCorroboration {
		n++
	}
	return facts[:n]
}

// summaryConfidence is the mean fact confidence, defaulting when the
// summary covers only episodic memories.
func summaryConfidence(facts []types.StructuredFact) float64 {
	if len(facts) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, f := range facts {
		sum += f.Confidence
	}
	return sum / float64(len(facts))
}

// sourceIDs merges the provenance lists for a summary.
func sourceIDs(memories []types.EpisodicMemory, facts []types.SemanticMemory) []string {
	out := make([]string, 0, len(memories)+len(facts))
	for _, mem := range memories {
		out = append(out, mem.ID)
	}
	for _, fact := range facts {
		out = append(out, fact.ID)
	}
	return out
}
