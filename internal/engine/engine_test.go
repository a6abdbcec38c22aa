package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/embed"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/internal/storage/sqlite"
	"github.com/scrypster/referent/pkg/types"
)

type stubEmbedder struct {
	vec  []float32
	err  error
	seen []string
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.seen = append(s.seen, text)
	return s.vec, s.err
}

func newTestEngine(t *testing.T, embedder *stubEmbedder) (*Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var provider embed.Provider
	if embedder != nil {
		provider = embedder
	}
	eng := New(store, nil, provider, nil, config.Default(), zap.NewNop())
	return eng, store
}

func seedEntity(t *testing.T, store *sqlite.Store) *types.CanonicalEntity {
	t.Helper()
	ent, err := store.EnsureEntity(context.Background(), types.EntityTypeCustomer, "crm-1", "Acme Corporation", nil)
	require.NoError(t, err)
	_, err = store.UpsertAlias(context.Background(), &types.EntityAlias{
		AliasText:  "acme corporation",
		Scope:      types.ScopeGlobal,
		EntityID:   ent.ID,
		Confidence: 1.0,
		Source:     types.SourceDomainRegistry,
	})
	require.NoError(t, err)
	return ent
}

func TestEngineResolveRecordRetrieve(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ent := seedEntity(t, store)

	resolved, err := eng.Resolve(context.Background(), ResolveRequest{Mention: "Acme Corporation"})
	require.NoError(t, err)
	require.Equal(t, ent.ID, resolved.EntityID)

	mem := &types.EpisodicMemory{
		Summary:     "Acme asked about volume pricing",
		EntityLinks: []types.EntityLink{{EntityID: ent.ID, Mention: "Acme"}},
		Importance:  0.7,
		SessionID:   "s1",
	}
	require.NoError(t, eng.RecordEpisodic(context.Background(), mem))

	commit, err := eng.RecordFact(context.Background(), &types.SemanticMemory{
		SubjectEntity: ent.ID,
		Predicate:     "payment_terms",
		PredicateType: types.PredicateAttribute,
		ObjectValue:   types.StringValue("NET30"),
		Confidence:    0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, CommitStored, commit.Outcome)

	hits, err := eng.Retrieve(context.Background(), RetrieveRequest{
		Text:      "what are acme's payment terms",
		EntityIDs: []string{ent.ID},
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, hit := range hits {
		assert.Greater(t, hit.Score, 0.0)
		// No embedding provider: every hit is scored in degraded mode.
		assert.True(t, hit.Components.Degraded)
	}
}

func TestEngineRetrieveKindFilterAndTopK(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ent := seedEntity(t, store)

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.RecordEpisodic(context.Background(), &types.EpisodicMemory{
			Summary:     "interaction",
			EntityLinks: []types.EntityLink{{EntityID: ent.ID}},
			SessionID:   "s1",
		}))
	}
	_, err := eng.RecordFact(context.Background(), &types.SemanticMemory{
		SubjectEntity: ent.ID,
		Predicate:     "industry",
		ObjectValue:   types.StringValue("manufacturing"),
		Confidence:    0.8,
	})
	require.NoError(t, err)

	hits, err := eng.Retrieve(context.Background(), RetrieveRequest{
		EntityIDs: []string{ent.ID},
		Kinds:     []types.MemoryKind{types.KindEpisodic},
		TopK:      3,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
	for _, hit := range hits {
		assert.Equal(t, types.KindEpisodic, hit.Kind)
	}
}

func TestEngineRetrieveBumpsAccess(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ent := seedEntity(t, store)

	mem := &types.EpisodicMemory{
		Summary:     "kickoff call",
		EntityLinks: []types.EntityLink{{EntityID: ent.ID}},
		SessionID:   "s1",
	}
	require.NoError(t, eng.RecordEpisodic(context.Background(), mem))

	_, err := eng.Retrieve(context.Background(), RetrieveRequest{EntityIDs: []string{ent.ID}})
	require.NoError(t, err)

	after, err := store.GetEpisodic(context.Background(), mem.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.AccessCount)
	assert.NotNil(t, after.LastAccessedAt)
}

func TestEngineEmbedderWiredThrough(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{1, 0, 0}}
	eng, store := newTestEngine(t, embedder)
	ent := seedEntity(t, store)

	require.NoError(t, eng.RecordEpisodic(context.Background(), &types.EpisodicMemory{
		Summary:     "quarterly review",
		EntityLinks: []types.EntityLink{{EntityID: ent.ID}},
	}))

	hits, err := eng.Retrieve(context.Background(), RetrieveRequest{
		Text:      "quarterly review",
		EntityIDs: []string{ent.ID},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.False(t, hits[0].Components.Degraded)
	assert.InDelta(t, 1.0, hits[0].Components.Semantic, 1e-6)
}

func TestEngineEmbedderFailureDegrades(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("model offline")}
	eng, store := newTestEngine(t, embedder)
	ent := seedEntity(t, store)

	require.NoError(t, eng.RecordEpisodic(context.Background(), &types.EpisodicMemory{
		Summary:     "notes",
		EntityLinks: []types.EntityLink{{EntityID: ent.ID}},
	}))

	hits, err := eng.Retrieve(context.Background(), RetrieveRequest{
		Text:      "notes",
		EntityIDs: []string{ent.ID},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].Components.Degraded)
}

func TestEngineRecordEpisodicValidation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	err := eng.RecordEpisodic(context.Background(), &types.EpisodicMemory{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestEngineStats(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	ent := seedEntity(t, store)
	require.NoError(t, eng.RecordEpisodic(context.Background(), &types.EpisodicMemory{
		Summary:     "hello",
		EntityLinks: []types.EntityLink{{EntityID: ent.ID}},
	}))

	stats, pending, err := eng.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, stats.Entities)
	assert.Equal(t, 1, stats.EpisodicMemories)
}
