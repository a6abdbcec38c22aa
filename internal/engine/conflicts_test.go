package engine

import (
	"context"
	"sync"
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

type conflictFixture struct {
	store   *sqlite.Store
	manager *ConflictManager
}

func newConflictFixture(t *testing.T) *conflictFixture {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Conflicts.HighStakesPredicates = []string{"credit_limit"}
	return &conflictFixture{
		store:   store,
		manager: NewConflictManager(store, NewDecayCalculator(cfg.Decay), cfg.Conflicts, zap.NewNop()),
	}
}

func paymentTermsFact(confidence float64, value string) *types.SemanticMemory {
	return &types.SemanticMemory{
		SubjectEntity: "ent:customer:acme",
		Predicate:     "payment_terms",
		PredicateType: types.PredicateAttribute,
		ObjectValue:   types.StringValue(value),
		Confidence:    confidence,
	}
}

func TestCommitFirstFact(t *testing.T) {
	f := newConflictFixture(t)

	result, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.8, "NET30"))
	require.NoError(t, err)
	assert.Equal(t, CommitStored, result.Outcome)

	stored, err := f.store.GetFact(context.Background(), result.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, stored.Status)
}

func TestCommitRestatementReinforces(t *testing.T) {
	f := newConflictFixture(t)

	first, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.8, "NET30"))
	require.NoError(t, err)

	second, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.6, "NET30"))
	require.NoError(t, err)
	assert.Equal(t, CommitReinforced, second.Outcome)
	assert.Equal(t, first.FactID, second.FactID)

	fact, err := f.store.GetFact(context.Background(), first.FactID)
	require.NoError(t, err)
	assert.Equal(t, 1, fact.ReinforcementCount)
	assert.Greater(t, fact.Confidence, 0.8)
}

func TestCommitAutoResolveByConfidenceGap(t *testing.T) {
	f := newConflictFixture(t)

	old, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.5, "NET15"))
	require.NoError(t, err)

	result, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.9, "NET30"))
	require.NoError(t, err)
	assert.Equal(t, CommitSuperseded, result.Outcome)
	assert.Equal(t, old.FactID, result.SupersededID)

	loser, err := f.store.GetFact(context.Background(), old.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactSuperseded, loser.Status)
	assert.Equal(t, result.FactID, loser.SupersededBy)

	winner, err := f.store.GetFact(context.Background(), result.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, winner.Status)
	assert.Equal(t, old.FactID, winner.Supersedes)

	// Auto-resolution leaves no open conflict, only an audit record.
	open, err := f.manager.OpenConflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCommitWeakContradictionRejected(t *testing.T) {
	f := newConflictFixture(t)

	strong, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.95, "NET30"))
	require.NoError(t, err)

	result, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.4, "NET90"))
	require.NoError(t, err)
	assert.Equal(t, CommitRejected, result.Outcome)
	assert.Equal(t, strong.FactID, result.FactID)

	// The standing fact stays live and the loser is superseded by it,
	// keeping the audit chain walkable.
	standing, err := f.store.GetFact(context.Background(), strong.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, standing.Status)

	losers, err := f.store.ListFacts(context.Background(), storage.ListOptions{
		Statuses: []types.FactStatus{types.FactSuperseded},
	})
	require.NoError(t, err)
	require.Len(t, losers.Items, 1)
	assert.Equal(t, strong.FactID, losers.Items[0].SupersededBy)
}

func TestCommitStaleFactLosesToFresh(t *testing.T) {
	f := newConflictFixture(t)

	old := paymentTermsFact(0.8, "NET15")
	old.LastValidatedAt = time.Now().UTC().AddDate(0, 0, -200)
	first, err := f.manager.CommitFact(context.Background(), old)
	require.NoError(t, err)

	result, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET30"))
	require.NoError(t, err)
	assert.Equal(t, CommitSuperseded, result.Outcome)
	assert.Equal(t, first.FactID, result.SupersededID)
}

func TestCommitComparableConfidenceEscalates(t *testing.T) {
	f := newConflictFixture(t)

	first, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET15"))
	require.NoError(t, err)

	result, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET30"))
	require.NoError(t, err)
	assert.Equal(t, CommitEscalated, result.Outcome)
	require.NotEmpty(t, result.ConflictID)

	// The contested fact is held pending while the conflict is open, so
	// reads keep surfacing only the standing value.
	contested, err := f.store.GetFact(context.Background(), result.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactPending, contested.Status)

	live, err := f.store.LiveFacts(context.Background(), "ent:customer:acme", "payment_terms")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, first.FactID, live[0].ID)

	open, err := f.manager.OpenConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.ElementsMatch(t, []string{first.FactID, result.FactID}, open[0].FactIDs)
}

func TestResolveEscalatedConflict(t *testing.T) {
	f := newConflictFixture(t)

	first, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET15"))
	require.NoError(t, err)
	escalated, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET30"))
	require.NoError(t, err)

	require.NoError(t, f.manager.ResolveConflict(context.Background(), escalated.ConflictID, escalated.FactID))

	// The pending winner re-enters retrieval as active.
	winner, err := f.store.GetFact(context.Background(), escalated.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, winner.Status)
	assert.InDelta(t, 0.95, winner.Confidence, 1e-9)

	loser, err := f.store.GetFact(context.Background(), first.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactSuperseded, loser.Status)
	assert.Equal(t, escalated.FactID, loser.SupersededBy)

	open, err := f.manager.OpenConflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	// A settled conflict cannot be resolved twice.
	err = f.manager.ResolveConflict(context.Background(), escalated.ConflictID, escalated.FactID)
	assert.ErrorIs(t, err, ErrConflictResolved)
}

func TestResolveConflictKeepsStandingFact(t *testing.T) {
	f := newConflictFixture(t)

	first, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET15"))
	require.NoError(t, err)
	escalated, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET30"))
	require.NoError(t, err)

	require.NoError(t, f.manager.ResolveConflict(context.Background(), escalated.ConflictID, first.FactID))

	// The pending challenger is closed out by the standing winner.
	loser, err := f.store.GetFact(context.Background(), escalated.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactSuperseded, loser.Status)
	assert.Equal(t, first.FactID, loser.SupersededBy)

	winner, err := f.store.GetFact(context.Background(), first.FactID)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, winner.Status)
}

func TestResolveConflictRejectsOutsideWinner(t *testing.T) {
	f := newConflictFixture(t)

	_, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET15"))
	require.NoError(t, err)
	escalated, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET30"))
	require.NoError(t, err)

	err = f.manager.ResolveConflict(context.Background(), escalated.ConflictID, "sem:not-involved")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestHighStakesPredicateAlwaysEscalates(t *testing.T) {
	f := newConflictFixture(t)

	limit := func(confidence, amount float64) *types.SemanticMemory {
		return &types.SemanticMemory{
			SubjectEntity: "ent:customer:acme",
			Predicate:     "credit_limit",
			PredicateType: types.PredicateAttribute,
			ObjectValue:   types.NumberValue(amount),
			Confidence:    confidence,
		}
	}

	_, err := f.manager.CommitFact(context.Background(), limit(0.3, 10000))
	require.NoError(t, err)

	// The gap would auto-resolve an ordinary predicate.
	result, err := f.manager.CommitFact(context.Background(), limit(0.95, 50000))
	require.NoError(t, err)
	assert.Equal(t, CommitEscalated, result.Outcome)
}

func TestConcurrentContradictionsProduceOneConflict(t *testing.T) {
	f := newConflictFixture(t)

	_, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET15"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*CommitResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, err := f.manager.CommitFact(context.Background(), paymentTermsFact(0.7, "NET30"))
			assert.NoError(t, err)
			results[n] = r
		}(i)
	}
	wg.Wait()

	// The first contradiction escalates; the rest reinforce the pending
	// contested fact instead of opening duplicate conflicts.
	escalations, reinforcements := 0, 0
	for _, r := range results {
		require.NotNil(t, r)
		switch r.Outcome {
		case CommitEscalated:
			escalations++
		case CommitReinforced:
			reinforcements++
		}
	}
	assert.Equal(t, 1, escalations)
	assert.Equal(t, 3, reinforcements)

	open, err := f.manager.OpenConflicts(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCommitFactValidation(t *testing.T) {
	f := newConflictFixture(t)
	_, err := f.manager.CommitFact(context.Background(), &types.SemanticMemory{Predicate: "payment_terms"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
