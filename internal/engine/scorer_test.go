package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/pkg/types"
)

func newTestScorer() *RelevanceScorer {
	cfg := config.Default()
	return NewRelevanceScorer(cfg.Scoring, NewDecayCalculator(cfg.Decay))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	// Opposed vectors clamp to 0 rather than going negative.
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}))
	// Mismatched or empty vectors score 0.
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.Equal(t, 0.0, Jaccard([]string{"a"}, []string{"b"}))
	assert.InDelta(t, 1.0/3.0, Jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Equal(t, 0.0, Jaccard(nil, nil))
	// Duplicates do not inflate the overlap.
	assert.Equal(t, 1.0, Jaccard([]string{"a"}, []string{"a", "a"}))
}

func TestEpisodicRecencyDecaysFasterThanSemantic(t *testing.T) {
	scorer := newTestScorer()
	now := time.Now()
	created := now.AddDate(0, 0, -60)

	epi := &types.EpisodicMemory{
		Summary:     "meeting notes",
		EntityLinks: []types.EntityLink{{EntityID: "ent:customer:1"}},
		CreatedAt:   created,
	}
	fact := &types.SemanticMemory{
		SubjectEntity:   "ent:customer:1",
		Predicate:       "tier",
		ObjectValue:     types.StringValue("gold"),
		Confidence:      0.9,
		LastValidatedAt: created,
		CreatedAt:       created,
	}

	q := Query{EntityIDs: []string{"ent:customer:1"}}
	_, epiComponents := scorer.ScoreEpisodic(epi, q, now)
	_, factComponents := scorer.ScoreFact(fact, q, now)

	// 60 days against a 30-day half-life vs a 90-day half-life.
	assert.Less(t, epiComponents.Recency, factComponents.Recency)
	assert.InDelta(t, 0.25, epiComponents.Recency, 0.01)
	assert.InDelta(t, 0.63, factComponents.Recency, 0.01)
}

func TestFactScoreMultipliedByEffectiveConfidence(t *testing.T) {
	scorer := newTestScorer()
	now := time.Now()

	confident := &types.SemanticMemory{
		SubjectEntity:   "ent:customer:1",
		ObjectValue:     types.StringValue("NET15"),
		Confidence:      0.95,
		LastValidatedAt: now,
		CreatedAt:       now,
	}
	shaky := &types.SemanticMemory{
		SubjectEntity:   "ent:customer:1",
		ObjectValue:     types.StringValue("NET30"),
		Confidence:      0.3,
		LastValidatedAt: now,
		CreatedAt:       now,
	}

	q := Query{EntityIDs: []string{"ent:customer:1"}}
	confidentScore, _ := scorer.ScoreFact(confident, q, now)
	shakyScore, _ := scorer.ScoreFact(shaky, q, now)

	assert.Greater(t, confidentScore, shakyScore)
}

func TestEpisodicHasNoConfidenceMultiplier(t *testing.T) {
	scorer := newTestScorer()
	now := time.Now()

	mem := &types.EpisodicMemory{Summary: "x", CreatedAt: now}
	_, components := scorer.ScoreEpisodic(mem, Query{}, now)
	assert.Equal(t, 1.0, components.EffectiveConfidence)
}

func TestDegradedScoringWithoutEmbeddings(t *testing.T) {
	scorer := newTestScorer()
	now := time.Now()

	mem := &types.EpisodicMemory{
		Summary:     "pricing discussion",
		EntityLinks: []types.EntityLink{{EntityID: "ent:customer:1"}},
		CreatedAt:   now,
	}

	score, components := scorer.ScoreEpisodic(mem, Query{EntityIDs: []string{"ent:customer:1"}}, now)
	assert.True(t, components.Degraded)
	// Entity and recency are both 1.0, redistributed weights still sum to 1.
	assert.InDelta(t, 1.0, score, 1e-9)

	// With embeddings present the flag is off.
	mem.Embedding = []float32{1, 0}
	_, components = scorer.ScoreEpisodic(mem, Query{Embedding: []float32{1, 0}, EntityIDs: []string{"ent:customer:1"}}, now)
	assert.False(t, components.Degraded)
}

func TestSummaryLeansOnSemanticSimilarity(t *testing.T) {
	scorer := newTestScorer()
	now := time.Now()

	matching := &types.MemorySummary{
		Scope:      types.SummaryScope{EntityID: "ent:customer:1"},
		Confidence: 1.0,
		Embedding:  []float32{1, 0},
		CreatedAt:  now,
	}
	orthogonal := &types.MemorySummary{
		Scope:      types.SummaryScope{EntityID: "ent:customer:1"},
		Confidence: 1.0,
		Embedding:  []float32{0, 1},
		CreatedAt:  now,
	}

	q := Query{Embedding: []float32{1, 0}, EntityIDs: []string{"ent:customer:1"}}
	matchScore, _ := scorer.ScoreSummary(matching, q, now)
	orthoScore, _ := scorer.ScoreSummary(orthogonal, q, now)

	// The 0.6 semantic weight dominates summary ranking.
	assert.Greater(t, matchScore-orthoScore, 0.5)
}
