package engine

import (
	"math"
	"time"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/pkg/types"
)

// Query carries the signals a retrieval request scores against.
type Query struct {
	// Text is the raw query text, used only for explanation output.
	Text string

	// Embedding is the query vector. Empty when the embedding provider is
	// unavailable, in which case scoring degrades to entity and recency
	// signals.
	Embedding []float32

	// EntityIDs are the resolved entities in the query.
	EntityIDs []string
}

// ScoreComponents breaks a relevance score into its signals.
type ScoreComponents struct {
	// Semantic is 1 - cosineDistance(memory.embedding, query.embedding).
	Semantic float64

	// Entity is the Jaccard overlap between memory and query entity sets.
	Entity float64

	// Recency is exp(-ageDays * ln2 / halfLife).
	Recency float64

	// EffectiveConfidence is the decayed confidence multiplier (1.0 for
	// episodic memory, which carries no confidence field).
	EffectiveConfidence float64

	// Degraded is set when embeddings were unavailable and the semantic
	// weight was redistributed onto entity and recency signals.
	Degraded bool
}

// typeWeights holds the per-kind signal weights. Each row sums to 1.
type typeWeights struct {
	semantic float64
	entity   float64
	recency  float64
}

var kindWeights = map[types.MemoryKind]typeWeights{
	// Summaries lean on topical similarity, episodic memory on recency.
	types.KindSummary:  {semantic: 0.6, entity: 0.3, recency: 0.1},
	types.KindSemantic: {semantic: 0.4, entity: 0.3, recency: 0.3},
	types.KindEpisodic: {semantic: 0.3, entity: 0.2, recency: 0.5},
}

// RelevanceScorer ranks memory records against a query using semantic
// similarity, entity overlap, and half-life recency, multiplied by
// effective confidence where the record carries one.
type RelevanceScorer struct {
	scoring config.ScoringConfig
	decay   *DecayCalculator
}

// NewRelevanceScorer builds a scorer from configuration.
func NewRelevanceScorer(scoring config.ScoringConfig, decay *DecayCalculator) *RelevanceScorer {
	return &RelevanceScorer{scoring: scoring, decay: decay}
}

// ScoreEpisodic scores an episodic memory. Episodic memory has no
// confidence multiplier.
func (s *RelevanceScorer) ScoreEpisodic(mem *types.EpisodicMemory, q Query, now time.Time) (float64, ScoreComponents) {
	entities := make([]string, 0, len(mem.EntityLinks))
	for _, link := range mem.EntityLinks {
		entities = append(entities, link.EntityID)
	}
	c := s.components(mem.Embedding, entities, mem.CreatedAt, s.scoring.EpisodicHalfLifeDays, q, now)
	c.EffectiveConfidence = 1.0
	return s.combine(types.KindEpisodic, c), c
}

// ScoreFact scores a semantic memory, multiplying by its effective
// confidence at read time.
func (s *RelevanceScorer) ScoreFact(fact *types.SemanticMemory, q Query, now time.Time) (float64, ScoreComponents) {
	c := s.components(fact.Embedding, []string{fact.SubjectEntity}, fact.LastValidatedAt, s.scoring.SemanticHalfLifeDays, q, now)
	c.EffectiveConfidence = s.decay.FactConfidence(fact, now)
	return s.combine(types.KindSemantic, c) * c.EffectiveConfidence, c
}

// ScoreSummary scores a consolidated summary, multiplying by its stored
// confidence.
func (s *RelevanceScorer) ScoreSummary(sum *types.MemorySummary, q Query, now time.Time) (float64, ScoreComponents) {
	entities := make([]string, 0, 1)
	if sum.Scope.EntityID != "" {
		entities = append(entities, sum.Scope.EntityID)
	}
	c := s.components(sum.Embedding, entities, sum.CreatedAt, s.scoring.SemanticHalfLifeDays, q, now)
	c.EffectiveConfidence = math.Min(sum.Confidence, 1.0)
	return s.combine(types.KindSummary, c) * c.EffectiveConfidence, c
}

// components computes the three raw signals.
func (s *RelevanceScorer) components(embedding []float32, entities []string, anchor time.Time, halfLifeDays float64, q Query, now time.Time) ScoreComponents {
	c := ScoreComponents{}

	if len(embedding) > 0 && len(q.Embedding) > 0 {
		c.Semantic = CosineSimilarity(embedding, q.Embedding)
	} else {
		c.Degraded = true
	}

	c.Entity = Jaccard(entities, q.EntityIDs)

	ageDays := now.Sub(anchor).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	c.Recency = math.Exp(-ageDays * math.Ln2 / halfLifeDays)

	return c
}

// combine applies per-kind weights. When the semantic signal is missing,
// its weight is redistributed proportionally onto entity and recency so
// degraded scores stay comparable across records.
func (s *RelevanceScorer) combine(kind types.MemoryKind, c ScoreComponents) float64 {
	w := kindWeights[kind]
	if !c.Degraded {
		return c.Semantic*w.semantic + c.Entity*w.entity + c.Recency*w.recency
	}
	rest := w.entity + w.recency
	return c.Entity*(w.entity/rest) + c.Recency*(w.recency/rest)
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// clamped to [0, 1]. Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(0, math.Min(sim, 1))
}

// Jaccard returns |a ∩ b| / |a ∪ b| over two id sets. Two empty sets
// score 0: absence of entities is no evidence of relatedness.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, id := range a {
		setA[id] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	for id := range setA {
		union[id] = true
	}
	intersection := 0
	seen := make(map[string]bool, len(b))
	for _, id := range b {
		if seen[id] {
			continue
		}
		seen[id] = true
		union[id] = true
		if setA[id] {
			intersection++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}
