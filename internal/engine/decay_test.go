package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/pkg/types"
)

func TestUsageBoost(t *testing.T) {
	assert.Equal(t, 1.0, UsageBoost(0))
	assert.Greater(t, UsageBoost(1), 1.0)
	assert.Greater(t, UsageBoost(10), UsageBoost(1))

	// Diminishing returns: the step from 100 to 200 uses is smaller than
	// the step from 1 to 2.
	lowStep := UsageBoost(2) - UsageBoost(1)
	highStep := UsageBoost(200) - UsageBoost(100)
	assert.Less(t, highStep, lowStep)

	// Negative counts are treated as zero.
	assert.Equal(t, 1.0, UsageBoost(-3))
}

func TestEffectiveConfidenceMonotonicDecay(t *testing.T) {
	now := time.Now()
	prev := 2.0
	for days := 0; days <= 365; days += 5 {
		validated := now.AddDate(0, 0, -days)
		eff := EffectiveConfidence(0.9, validated, 3, 0.01, now)
		assert.Less(t, eff, prev, "effective confidence must strictly decrease with staleness (day %d)", days)
		prev = eff
	}
}

func TestEffectiveConfidenceCappedAtOne(t *testing.T) {
	now := time.Now()
	for _, useCount := range []int{0, 10, 1000, 1000000} {
		eff := EffectiveConfidence(1.0, now, useCount, 0.002, now)
		assert.LessOrEqual(t, eff, 1.0, "use_count=%d", useCount)
	}
}

func TestEffectiveConfidenceFutureValidationClamped(t *testing.T) {
	now := time.Now()
	// A clock-skewed future validation must not inflate confidence.
	eff := EffectiveConfidence(0.8, now.Add(time.Hour), 0, 0.02, now)
	assert.InDelta(t, 0.8, eff, 1e-9)
}

func TestRateForScope(t *testing.T) {
	calc := NewDecayCalculator(config.Default().Decay)

	assert.Equal(t, 0.002, calc.RateForScope(types.ScopeGlobal))
	assert.Equal(t, 0.02, calc.RateForScope(types.UserScope("42")))
	assert.Equal(t, 0.02, calc.RateForScope(types.ContextScope("sess-1")))
}

func TestContextualAliasDecaysFaster(t *testing.T) {
	calc := NewDecayCalculator(config.Default().Decay)
	now := time.Now()
	lastUsed := now.AddDate(0, 0, -60)

	global := &types.EntityAlias{Scope: types.ScopeGlobal, Confidence: 0.8, UseCount: 1, LastUsedAt: lastUsed}
	contextual := &types.EntityAlias{Scope: types.UserScope("42"), Confidence: 0.8, UseCount: 1, LastUsedAt: lastUsed}

	assert.Greater(t, calc.AliasConfidence(global, now), calc.AliasConfidence(contextual, now))
}

func TestNeedsRevalidation(t *testing.T) {
	calc := NewDecayCalculator(config.Default().Decay)
	now := time.Now()

	// Stale and below floor: revalidate.
	assert.True(t, calc.NeedsRevalidation(0.3, now.AddDate(0, 0, -120), now))

	// Stale but still confident: no revalidation.
	assert.False(t, calc.NeedsRevalidation(0.8, now.AddDate(0, 0, -120), now))

	// Low confidence but recent: no revalidation.
	assert.False(t, calc.NeedsRevalidation(0.3, now.AddDate(0, 0, -10), now))
}
