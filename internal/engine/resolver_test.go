package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/domaindb"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/internal/storage/sqlite"
	"github.com/scrypster/referent/pkg/types"
)

type resolverFixture struct {
	store    *sqlite.Store
	resolver *Resolver
}

func newResolverFixture(t *testing.T, domain domaindb.Searcher) *resolverFixture {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	return &resolverFixture{
		store:    store,
		resolver: NewResolver(store, NewDecayCalculator(cfg.Decay), domain, cfg.Resolver, zap.NewNop()),
	}
}

func (f *resolverFixture) entity(t *testing.T, entityType, ref, name string) *types.CanonicalEntity {
	t.Helper()
	ent, err := f.store.EnsureEntity(context.Background(), entityType, ref, name, nil)
	require.NoError(t, err)
	return ent
}

func (f *resolverFixture) alias(t *testing.T, a types.EntityAlias) *types.EntityAlias {
	t.Helper()
	stored, err := f.store.UpsertAlias(context.Background(), &a)
	require.NoError(t, err)
	return stored
}

func TestResolveExactGlobal(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	stored := f.alias(t, types.EntityAlias{
		AliasText:  "Acme Corporation",
		Scope:      types.ScopeGlobal,
		EntityID:   acme.ID,
		Confidence: 1.0,
		UseCount:   1,
		Source:     types.SourceDomainRegistry,
	})

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "ACME   Corporation"})
	require.NoError(t, err)
	assert.False(t, result.RequiresDisambiguation)
	assert.Equal(t, acme.ID, result.EntityID)
	assert.Equal(t, MethodExactGlobal, result.Method)
	assert.Greater(t, result.Confidence, 0.85)

	// Acceptance reinforces the alias.
	after, err := f.store.GetAlias(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.UseCount)
}

func TestResolveUserScopedNickname(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	f.alias(t, types.EntityAlias{
		AliasText:  "the big client",
		Scope:      types.UserScope("42"),
		EntityID:   acme.ID,
		Confidence: 0.9,
		UseCount:   3,
		Source:     types.SourceUserStated,
	})

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "the big client", UserID: "42"})
	require.NoError(t, err)
	assert.Equal(t, acme.ID, result.EntityID)
	assert.Equal(t, MethodUserScoped, result.Method)

	// Another user does not inherit the nickname.
	other, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "the big client", UserID: "99"})
	require.NoError(t, err)
	assert.True(t, other.RequiresDisambiguation)
	assert.Empty(t, other.EntityID)
}

func TestResolveUserScopedShorthandBeatsStrongerGlobal(t *testing.T) {
	f := newResolverFixture(t, nil)
	corp := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	f.alias(t, types.EntityAlias{
		AliasText:  "Acme Corporation",
		Scope:      types.ScopeGlobal,
		EntityID:   corp.ID,
		Confidence: 0.95,
		UseCount:   10,
		Source:     types.SourceDomainRegistry,
	})

	other := f.entity(t, types.EntityTypeCustomer, "crm-2", "Acme Industries")
	f.alias(t, types.EntityAlias{
		AliasText:  "Acme",
		Scope:      types.UserScope("42"),
		EntityID:   other.ID,
		Confidence: 0.75,
		UseCount:   4,
		Source:     types.SourceUserStated,
	})

	// "Acme" from user 42 means their own shorthand, not the stronger
	// global alias a fuzzy pass would reach.
	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "Acme", UserID: "42"})
	require.NoError(t, err)
	assert.False(t, result.RequiresDisambiguation)
	assert.Equal(t, other.ID, result.EntityID)
	assert.Equal(t, MethodUserScoped, result.Method)
}

func TestResolveContextPinnedAlias(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	f.alias(t, types.EntityAlias{
		AliasText:             "the client",
		Scope:                 types.UserScope("42"),
		EntityID:              acme.ID,
		Confidence:            0.9,
		UseCount:              2,
		Source:                types.SourceDisambiguation,
		DisambiguationContext: "proj-alpha",
	})

	// Wrong context: the pinned alias is invisible.
	miss, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "the client", UserID: "42", Context: "proj-beta"})
	require.NoError(t, err)
	assert.True(t, miss.RequiresDisambiguation)

	hit, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "the client", UserID: "42", Context: "proj-alpha"})
	require.NoError(t, err)
	assert.Equal(t, acme.ID, hit.EntityID)
}

func TestResolveFuzzyTypo(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	f.alias(t, types.EntityAlias{
		AliasText:  "acme corporation",
		Scope:      types.ScopeGlobal,
		EntityID:   acme.ID,
		Confidence: 0.9,
		UseCount:   5,
		Source:     types.SourceDomainRegistry,
	})

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "acme corproation"})
	require.NoError(t, err)
	assert.False(t, result.RequiresDisambiguation)
	assert.Equal(t, acme.ID, result.EntityID)
	assert.Equal(t, MethodFuzzy, result.Method)
}

func TestResolveFuzzyRespectsTextThreshold(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	f.alias(t, types.EntityAlias{
		AliasText:  "acme corporation",
		Scope:      types.ScopeGlobal,
		EntityID:   acme.ID,
		Confidence: 1.0,
		UseCount:   10,
		Source:     types.SourceDomainRegistry,
	})

	// Shares the prefix but is lexically too far away.
	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "acm"})
	require.NoError(t, err)
	assert.True(t, result.RequiresDisambiguation)
}

func TestResolveCoreferencePronoun(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{
		Mention: "they",
		RecentEntities: []RecentMention{
			{EntityID: acme.ID, EntityType: types.EntityTypeCustomer},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, acme.ID, result.EntityID)
	assert.Equal(t, MethodCoreference, result.Method)
	// Coreference confidence never exceeds the cap.
	assert.InDelta(t, 0.70, result.Confidence, 1e-9)
}

func TestResolveDefiniteReferenceFiltersByType(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	initech := f.entity(t, types.EntityTypeVendor, "erp-7", "Initech Supplies")

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{
		Mention: "the vendor",
		RecentEntities: []RecentMention{
			{EntityID: acme.ID, EntityType: types.EntityTypeCustomer},
			{EntityID: initech.ID, EntityType: types.EntityTypeVendor},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, initech.ID, result.EntityID)
	assert.Equal(t, MethodCoreference, result.Method)
}

func TestResolveCoreferenceEmptyStack(t *testing.T) {
	f := newResolverFixture(t, nil)

	// No conversation history is a disambiguation request, not an error.
	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "it"})
	require.NoError(t, err)
	assert.True(t, result.RequiresDisambiguation)
	assert.Empty(t, result.Candidates)
	assert.NotEmpty(t, result.PendingID)
}

func TestResolveAmbiguousTieEscalates(t *testing.T) {
	f := newResolverFixture(t, nil)
	east := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme East")
	west := f.entity(t, types.EntityTypeCustomer, "crm-2", "Acme West")
	for _, ent := range []*types.CanonicalEntity{east, west} {
		f.alias(t, types.EntityAlias{
			AliasText:  "acme",
			Scope:      types.ScopeGlobal,
			EntityID:   ent.ID,
			Confidence: 0.9,
			UseCount:   3,
			Source:     types.SourceExtracted,
		})
	}

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "acme", UserID: "42"})
	require.NoError(t, err)
	assert.True(t, result.RequiresDisambiguation)
	assert.Len(t, result.Candidates, 2)
	assert.NotEmpty(t, result.PendingID)
}

func TestResolveWithChoiceLearnsAlias(t *testing.T) {
	f := newResolverFixture(t, nil)
	east := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme East")
	west := f.entity(t, types.EntityTypeCustomer, "crm-2", "Acme West")
	for _, ent := range []*types.CanonicalEntity{east, west} {
		f.alias(t, types.EntityAlias{
			AliasText:  "acme",
			Scope:      types.ScopeGlobal,
			EntityID:   ent.ID,
			Confidence: 0.9,
			UseCount:   3,
			Source:     types.SourceExtracted,
		})
	}

	pendingRes, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "acme", UserID: "42"})
	require.NoError(t, err)
	require.True(t, pendingRes.RequiresDisambiguation)

	chosen, err := f.resolver.ResolveWithChoice(context.Background(), pendingRes.PendingID, west.ID)
	require.NoError(t, err)
	assert.Equal(t, west.ID, chosen.EntityID)
	assert.Equal(t, MethodUserChoice, chosen.Method)

	// The choice is learned: the same mention now resolves without asking.
	again, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "acme", UserID: "42"})
	require.NoError(t, err)
	assert.False(t, again.RequiresDisambiguation)
	assert.Equal(t, west.ID, again.EntityID)
	assert.Equal(t, MethodUserScoped, again.Method)

	// The handle is single-use.
	_, err = f.resolver.ResolveWithChoice(context.Background(), pendingRes.PendingID, west.ID)
	assert.ErrorIs(t, err, ErrPendingNotFound)
}

func TestResolveWithChoiceRejectsNonCandidate(t *testing.T) {
	f := newResolverFixture(t, nil)
	east := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme East")
	west := f.entity(t, types.EntityTypeCustomer, "crm-2", "Acme West")
	outsider := f.entity(t, types.EntityTypeVendor, "erp-9", "Initech")
	for _, ent := range []*types.CanonicalEntity{east, west} {
		f.alias(t, types.EntityAlias{
			AliasText:  "acme",
			Scope:      types.ScopeGlobal,
			EntityID:   ent.ID,
			Confidence: 0.9,
			UseCount:   3,
			Source:     types.SourceExtracted,
		})
	}

	pendingRes, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "acme"})
	require.NoError(t, err)
	require.True(t, pendingRes.RequiresDisambiguation)

	_, err = f.resolver.ResolveWithChoice(context.Background(), pendingRes.PendingID, outsider.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestResolvePronounChoiceNotLearned(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")

	pendingRes, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "it", UserID: "42"})
	require.NoError(t, err)
	require.True(t, pendingRes.RequiresDisambiguation)

	_, err = f.resolver.ResolveWithChoice(context.Background(), pendingRes.PendingID, acme.ID)
	require.NoError(t, err)

	// "it" must not become a stored alias.
	aliases, err := f.store.LookupAliases(context.Background(), "it", types.UserScope("42"))
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestResolveSkipsInactiveEntity(t *testing.T) {
	f := newResolverFixture(t, nil)
	acme := f.entity(t, types.EntityTypeCustomer, "crm-1", "Acme Corporation")
	f.alias(t, types.EntityAlias{
		AliasText:  "acme corporation",
		Scope:      types.ScopeGlobal,
		EntityID:   acme.ID,
		Confidence: 1.0,
		UseCount:   5,
		Source:     types.SourceDomainRegistry,
	})
	require.NoError(t, f.store.SetEntityActive(context.Background(), acme.ID, false))

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "acme corporation"})
	require.NoError(t, err)
	assert.True(t, result.RequiresDisambiguation)
	assert.Empty(t, result.Candidates)
}

type stubDomain struct {
	records []domaindb.Record
	err     error
	calls   int
}

func (s *stubDomain) SearchByTypeAndName(_ context.Context, _, _ string) ([]domaindb.Record, error) {
	s.calls++
	return s.records, s.err
}

func (s *stubDomain) GetByRef(_ context.Context, _, _ string) (*domaindb.Record, error) {
	return nil, domaindb.ErrRecordGone
}

func TestResolveLazyDomainImport(t *testing.T) {
	domain := &stubDomain{records: []domaindb.Record{
		{ID: "crm-500", DisplayName: "Globex"},
	}}
	f := newResolverFixture(t, domain)

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{
		Mention:    "Globex",
		EntityType: types.EntityTypeCustomer,
	})
	require.NoError(t, err)
	assert.False(t, result.RequiresDisambiguation)
	assert.Equal(t, MethodDomainImport, result.Method)
	assert.Equal(t, 1, domain.calls)

	// The import registered entity and alias: the next resolve is local.
	again, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "globex"})
	require.NoError(t, err)
	assert.Equal(t, result.EntityID, again.EntityID)
	assert.Equal(t, MethodExactGlobal, again.Method)
	assert.Equal(t, 1, domain.calls)
}

func TestResolveDomainUnavailableDegrades(t *testing.T) {
	domain := &stubDomain{err: errors.New("connection refused")}
	f := newResolverFixture(t, domain)

	result, err := f.resolver.Resolve(context.Background(), ResolveRequest{
		Mention:    "Globex",
		EntityType: types.EntityTypeCustomer,
	})
	require.NoError(t, err)
	assert.True(t, result.RequiresDisambiguation)
	assert.Empty(t, result.Candidates)
}

func TestResolveEmptyMention(t *testing.T) {
	f := newResolverFixture(t, nil)
	_, err := f.resolver.Resolve(context.Background(), ResolveRequest{Mention: "   "})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestTextSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, TextSimilarity("acme", "acme"), 1e-9)
	assert.InDelta(t, 0.0, TextSimilarity("", "acme"), 1e-9)
	assert.InDelta(t, 1.0, TextSimilarity("", ""), 1e-9)
	assert.InDelta(t, 0.75, TextSimilarity("acme", "acne"), 1e-9)
	assert.Greater(t, TextSimilarity("acme corporation", "acme corproation"), 0.7)
}

func TestReferentialType(t *testing.T) {
	_, ok := referentialType("it")
	assert.True(t, ok)

	entityType, ok := referentialType("the vendor")
	assert.True(t, ok)
	assert.Equal(t, types.EntityTypeVendor, entityType)

	_, ok = referentialType("acme corporation")
	assert.False(t, ok)

	// "the acme deal" is a name mention, not a bare definite reference.
	_, ok = referentialType("the acme deal")
	assert.False(t, ok)
}
