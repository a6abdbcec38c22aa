package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/scrypster/referent/pkg/types"
)

// NearestEpisodic returns up to limit episodic memories ordered by cosine
// distance to the query vector. pgvector does the ranking.
func (s *Store) NearestEpisodic(ctx context.Context, embedding []float32, limit int) ([]types.EpisodicMemory, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, episodicSelect+`
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: episodic similarity query failed: %w", err)
	}
	defer rows.Close()

	var out []types.EpisodicMemory
	for rows.Next() {
		mem, err := scanEpisodic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mem)
	}
	return out, rows.Err()
}

// NearestFacts returns up to limit live facts ordered by cosine distance
// to the query vector.
func (s *Store) NearestFacts(ctx context.Context, embedding []float32, limit int) ([]types.SemanticMemory, error) {
	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, factSelect+`
		WHERE embedding IS NOT NULL AND status IN ('active', 'aging')
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fact similarity query failed: %w", err)
	}
	defer rows.Close()

	var out []types.SemanticMemory
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fact)
	}
	return out, rows.Err()
}
