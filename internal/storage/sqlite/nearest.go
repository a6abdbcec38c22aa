package sqlite

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/scrypster/referent/pkg/types"
)

// Embedding similarity is computed in process. sqlite has no vector
// index, so candidates are scanned and ranked here; the row counts a
// single deployment accumulates keep this tractable.

// NearestEpisodic returns up to limit episodic memories ranked by cosine
// similarity to the query vector.
func (s *Store) NearestEpisodic(ctx context.Context, embedding []float32, limit int) ([]types.EpisodicMemory, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, episodicSelect+` WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: episodic similarity scan failed: %w", err)
	}
	defer rows.Close()

	type ranked struct {
		mem types.EpisodicMemory
		sim float64
	}
	var cands []ranked
	for rows.Next() {
		mem, err := scanEpisodic(rows)
		if err != nil {
			return nil, err
		}
		cands = append(cands, ranked{mem: *mem, sim: cosineSimilarity(embedding, mem.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].sim > cands[j].sim })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]types.EpisodicMemory, len(cands))
	for i, c := range cands {
		out[i] = c.mem
	}
	return out, nil
}

// NearestFacts returns up to limit live facts ranked by cosine similarity
// to the query vector.
func (s *Store) NearestFacts(ctx context.Context, embedding []float32, limit int) ([]types.SemanticMemory, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, factSelect+`
		WHERE embedding IS NOT NULL AND status IN ('active', 'aging')
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fact similarity scan failed: %w", err)
	}
	defer rows.Close()

	type ranked struct {
		fact types.SemanticMemory
		sim  float64
	}
	var cands []ranked
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		cands = append(cands, ranked{fact: *fact, sim: cosineSimilarity(embedding, fact.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].sim > cands[j].sim })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]types.SemanticMemory, len(cands))
	for i, c := range cands {
		out[i] = c.fact
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
