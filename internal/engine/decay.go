// Package engine implements the Referent core: the entity resolution
// pipeline, relevance scoring with read-time confidence decay, conflict
// detection and resolution for semantic facts, and periodic memory
// consolidation.
package engine

import (
	"math"
	"time"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/pkg/types"
)

// usageBoostFactor scales the logarithmic usage boost shared by alias
// ranking and confidence decay.
const usageBoostFactor = 0.1

// UsageBoost returns the multiplier 1 + ln(1+useCount) * 0.1. Logarithmic
// so heavy use yields diminishing returns and one dominant alias cannot
// run away from the rest.
func UsageBoost(useCount int) float64 {
	if useCount < 0 {
		useCount = 0
	}
	return 1 + math.Log(1+float64(useCount))*usageBoostFactor
}

// EffectiveConfidence computes read-time confidence for a record:
// stored confidence decayed exponentially by days since validation, then
// usage-boosted, capped at 1.0. The stored confidence is never mutated by
// decay; only explicit reinforcement or conflict resolution changes it.
func EffectiveConfidence(confidence float64, lastValidated time.Time, useCount int, ratePerDay float64, now time.Time) float64 {
	days := now.Sub(lastValidated).Hours() / 24.0
	if days < 0 {
		days = 0
	}
	effective := confidence * math.Exp(-ratePerDay*days) * UsageBoost(useCount)
	return math.Min(effective, 1.0)
}

// DecayCalculator applies configured decay rates to aliases and semantic
// facts and decides when a record is stale enough to need revalidation
// against the domain database.
type DecayCalculator struct {
	cfg config.DecayConfig
}

// NewDecayCalculator builds a calculator from decay configuration.
func NewDecayCalculator(cfg config.DecayConfig) *DecayCalculator {
	return &DecayCalculator{cfg: cfg}
}

// RateForScope returns the daily decay rate for an alias scope.
// Context-dependent aliases decay faster than stable ones.
func (d *DecayCalculator) RateForScope(scope types.AliasScope) float64 {
	if scope.IsContextual() {
		return d.cfg.RateContextual
	}
	return d.cfg.RateStable
}

// AliasConfidence returns the effective confidence of an alias at now.
func (d *DecayCalculator) AliasConfidence(alias *types.EntityAlias, now time.Time) float64 {
	return EffectiveConfidence(alias.Confidence, alias.LastUsedAt, alias.UseCount, d.RateForScope(alias.Scope), now)
}

// FactConfidence returns the effective confidence of a semantic fact at
// now. Facts decay at the stable rate; reinforcement count provides the
// usage boost.
func (d *DecayCalculator) FactConfidence(fact *types.SemanticMemory, now time.Time) float64 {
	return EffectiveConfidence(fact.Confidence, fact.LastValidatedAt, fact.ReinforcementCount, d.cfg.RateStable, now)
}

// NeedsRevalidation reports whether a record is both past the staleness
// threshold and below the confidence floor, in which case it must be
// re-checked against the domain database rather than used directly.
func (d *DecayCalculator) NeedsRevalidation(effective float64, lastValidated time.Time, now time.Time) bool {
	days := now.Sub(lastValidated).Hours() / 24.0
	return days > d.cfg.ValidationThresholdDays && effective < d.cfg.ConfidenceFloor
}
