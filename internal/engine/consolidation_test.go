package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/internal/storage/sqlite"
	"github.com/scrypster/referent/pkg/types"
)

type consolidationFixture struct {
	store        *sqlite.Store
	consolidator *Consolidator
	entity       *types.CanonicalEntity
}

func newConsolidationFixture(t *testing.T) *consolidationFixture {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Consolidation.SessionThreshold = 3
	cfg.Consolidation.MemoryThreshold = 10

	ent, err := store.EnsureEntity(context.Background(), types.EntityTypeCustomer, "crm-1", "Acme Corporation", nil)
	require.NoError(t, err)

	return &consolidationFixture{
		store:        store,
		consolidator: NewConsolidator(store, nil, nil, cfg.Consolidation, zap.NewNop()),
		entity:       ent,
	}
}

func (f *consolidationFixture) episodic(t *testing.T, sessionID, summary string) *types.EpisodicMemory {
	t.Helper()
	mem := &types.EpisodicMemory{
		Summary:     summary,
		EntityLinks: []types.EntityLink{{EntityID: f.entity.ID, Mention: "Acme"}},
		Importance:  0.5,
		SessionID:   sessionID,
	}
	require.NoError(t, f.store.StoreEpisodic(context.Background(), mem))
	return mem
}

func (f *consolidationFixture) fact(t *testing.T, predicate string, value types.Value, confidence float64, reinforcements int) *types.SemanticMemory {
	t.Helper()
	fact := &types.SemanticMemory{
		SubjectEntity:      f.entity.ID,
		Predicate:          predicate,
		PredicateType:      types.PredicateAttribute,
		ObjectValue:        value,
		Confidence:         confidence,
		ReinforcementCount: reinforcements,
	}
	require.NoError(t, f.store.StoreFact(context.Background(), fact))
	return fact
}

func TestShouldConsolidateSessionThreshold(t *testing.T) {
	f := newConsolidationFixture(t)

	f.episodic(t, "s1", "discussed pricing")
	f.episodic(t, "s2", "follow-up call")

	due, err := f.consolidator.ShouldConsolidate(context.Background(), f.entity.ID)
	require.NoError(t, err)
	assert.False(t, due)

	f.episodic(t, "s3", "contract review")
	due, err = f.consolidator.ShouldConsolidate(context.Background(), f.entity.ID)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestShouldConsolidateMemoryThreshold(t *testing.T) {
	f := newConsolidationFixture(t)

	// One session, but enough accumulated memories.
	for i := 0; i < 10; i++ {
		f.episodic(t, "s1", fmt.Sprintf("interaction %d", i))
	}
	due, err := f.consolidator.ShouldConsolidate(context.Background(), f.entity.ID)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestConsolidateEntity(t *testing.T) {
	f := newConsolidationFixture(t)

	m1 := f.episodic(t, "s1", "discussed payment terms")
	m2 := f.episodic(t, "s2", "confirmed terms")
	fact := f.fact(t, "payment_terms", types.StringValue("NET30"), 0.9, 2)

	summary, err := f.consolidator.ConsolidateEntity(context.Background(), f.entity.ID)
	require.NoError(t, err)
	assert.Equal(t, f.entity.ID, summary.Scope.EntityID)
	require.Len(t, summary.StructuredFacts, 1)
	assert.Equal(t, "payment_terms", summary.StructuredFacts[0].Predicate)
	assert.Equal(t, 3, summary.StructuredFacts[0].Corroboration)
	assert.Contains(t, summary.SummaryText, "payment_terms is NET30")
	assert.Contains(t, summary.SummaryText, "Acme Corporation")
	assert.ElementsMatch(t, []string{m1.ID, m2.ID, fact.ID}, summary.SourceMemoryIDs)
	assert.InDelta(t, 0.9, summary.Confidence, 1e-9)

	// Sources are marked consolidated, not deleted.
	mem, err := f.store.GetEpisodic(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.True(t, mem.Consolidated)
	got, err := f.store.GetFact(context.Background(), fact.ID)
	require.NoError(t, err)
	assert.True(t, got.Consolidated)

	stored, err := f.store.LatestSummary(context.Background(), types.SummaryScope{EntityID: f.entity.ID})
	require.NoError(t, err)
	assert.Equal(t, summary.ID, stored.ID)
}

func TestConsolidateChainsSummaries(t *testing.T) {
	f := newConsolidationFixture(t)

	f.episodic(t, "s1", "first wave")
	first, err := f.consolidator.ConsolidateEntity(context.Background(), f.entity.ID)
	require.NoError(t, err)

	f.episodic(t, "s2", "second wave")
	second, err := f.consolidator.ConsolidateEntity(context.Background(), f.entity.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.Supersedes)
}

func TestConsolidateSkipsTerminalFacts(t *testing.T) {
	f := newConsolidationFixture(t)

	f.episodic(t, "s1", "terms changed")
	old := f.fact(t, "payment_terms", types.StringValue("NET15"), 0.8, 0)
	current := f.fact(t, "payment_terms", types.StringValue("NET30"), 0.9, 0)
	require.NoError(t, f.store.SupersedeFact(context.Background(), old.ID, current.ID))

	summary, err := f.consolidator.ConsolidateEntity(context.Background(), f.entity.ID)
	require.NoError(t, err)
	require.Len(t, summary.StructuredFacts, 1)
	assert.Equal(t, "NET30", summary.StructuredFacts[0].ObjectValue.Str)
}

func TestConsolidateNothingToDo(t *testing.T) {
	f := newConsolidationFixture(t)
	_, err := f.consolidator.ConsolidateEntity(context.Background(), f.entity.ID)
	assert.ErrorIs(t, err, ErrNothingToConsolidate)
}

func TestConsolidateUnknownEntity(t *testing.T) {
	f := newConsolidationFixture(t)
	_, err := f.consolidator.ConsolidateEntity(context.Background(), "ent:customer:missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepConsolidatesDueEntities(t *testing.T) {
	f := newConsolidationFixture(t)

	// This entity crosses the session threshold.
	f.episodic(t, "s1", "a")
	f.episodic(t, "s2", "b")
	f.episodic(t, "s3", "c")

	// A second entity stays below every threshold.
	quiet, err := f.store.EnsureEntity(context.Background(), types.EntityTypeVendor, "erp-2", "Initech", nil)
	require.NoError(t, err)
	mem := &types.EpisodicMemory{
		Summary:     "brief mention",
		EntityLinks: []types.EntityLink{{EntityID: quiet.ID}},
		SessionID:   "s1",
	}
	require.NoError(t, f.store.StoreEpisodic(context.Background(), mem))

	n, err := f.consolidator.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.LatestSummary(context.Background(), types.SummaryScope{EntityID: quiet.ID})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsolidateSnapshotCutoff(t *testing.T) {
	f := newConsolidationFixture(t)
	f.episodic(t, "s1", "before the pass")

	slow := &slowSummarizer{
		fixture: f,
		t:       t,
	}
	f.consolidator.summarizer = slow

	summary, err := f.consolidator.ConsolidateEntity(context.Background(), f.entity.ID)
	require.NoError(t, err)
	// The memory recorded mid-pass is not swept into this summary.
	assert.Len(t, summary.SourceMemoryIDs, 1)

	due, err := f.consolidator.ShouldConsolidate(context.Background(), f.entity.ID)
	require.NoError(t, err)
	_ = due // the late memory remains unconsolidated for the next pass
	res, err := f.store.ListEpisodic(context.Background(), storage.ListOptions{
		EntityID:           f.entity.ID,
		OnlyUnconsolidated: true,
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
}

// slowSummarizer records one more memory while the pass is running to
// exercise the snapshot boundary.
type slowSummarizer struct {
	fixture *consolidationFixture
	t       *testing.T
	fired   bool
}

func (s *slowSummarizer) Summarize(ctx context.Context, entityName string, facts []types.StructuredFact, memories []types.EpisodicMemory) (string, error) {
	if !s.fired {
		s.fired = true
		time.Sleep(5 * time.Millisecond)
		s.fixture.episodic(s.t, "s9", "recorded mid-pass")
	}
	return TemplateSummarizer{}.Summarize(ctx, entityName, facts, memories)
}

func TestConsolidateHonorsContext(t *testing.T) {
	f := newConsolidationFixture(t)
	f.episodic(t, "s1", "anything")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.consolidator.ConsolidateEntity(ctx, f.entity.ID)
	assert.Error(t, err)
}

func TestCapFactsPreservesCorroborated(t *testing.T) {
	facts := make([]types.StructuredFact, 0, 40)
	for i := 0; i < 30; i++ {
		facts = append(facts, types.StructuredFact{Predicate: fmt.Sprintf("p%02d", i), Corroboration: 3})
	}
	for i := 0; i < 10; i++ {
		facts = append(facts, types.StructuredFact{Predicate: fmt.Sprintf("q%02d", i), Corroboration: 1})
	}

	capped := capFacts(facts, 2)
	// Every corroborated fact survives; the cap trims only weak ones.
	assert.Len(t, capped, 30)
	for _, fact := range capped {
		assert.GreaterOrEqual(t, fact.Corroboration, 2)
	}
}
