package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/internal/storage"
	"github.com/scrypster/referent/pkg/types"
)

// ErrConflictResolved is returned when a resolution is attempted on an
// already-settled conflict.
var ErrConflictResolved = errors.New("conflict already resolved")

// factReinforceDelta is the confidence nudge when a committed fact
// restates an existing one.
const factReinforceDelta = 0.05

// Commit outcomes.
const (
	CommitStored     = "stored"     // no prior fact for (subject, predicate)
	CommitReinforced = "reinforced" // restated an existing fact
	CommitSuperseded = "superseded" // auto-resolved, new fact won
	CommitRejected   = "rejected"   // auto-resolved, existing fact won
	CommitEscalated  = "escalated"  // conflict recorded, awaiting a choice
)

// CommitResult reports what happened to a committed fact.
type CommitResult struct {
	// Outcome is one of the Commit constants.
	Outcome string `json:"outcome"`

	// FactID is the surviving fact: the new fact on stored/superseded/
	// escalated, the existing fact on reinforced/rejected.
	FactID string `json:"fact_id"`

	// ConflictID is set on escalated commits.
	ConflictID string `json:"conflict_id,omitempty"`

	// SupersededID is the prior fact replaced on superseded commits.
	SupersededID string `json:"superseded_id,omitempty"`

	// Explanation describes the decision in plain language.
	Explanation string `json:"explanation"`
}

// conflictStore is the persistence slice the conflict manager consumes.
type conflictStore interface {
	storage.MemoryStore
	storage.ConflictStore
}

// ConflictManager guards semantic fact commits. Each (subject, predicate)
// pair is serialized through its own mutex so two concurrent commits of
// contradictory facts produce one conflict, never two independent writes
// that miss each other.
type ConflictManager struct {
	store  conflictStore
	decay  *DecayCalculator
	cfg    config.ConflictConfig
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewConflictManager builds a conflict manager.
func NewConflictManager(store conflictStore, decay *DecayCalculator, cfg config.ConflictConfig, logger *zap.Logger) *ConflictManager {
	return &ConflictManager{
		store:  store,
		decay:  decay,
		cfg:    cfg,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing one (subject, predicate) pair.
func (m *ConflictManager) keyLock(subject, predicate string) *sync.Mutex {
	key := subject + "\x00" + predicate
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// CommitFact stores a semantic fact, detecting and resolving conflicts
// with the live facts for the same (subject, predicate). Restatements
// reinforce instead of duplicating; contradictions are auto-resolved when
// the evidence is one-sided and escalated otherwise.
func (m *ConflictManager) CommitFact(ctx context.Context, fact *types.SemanticMemory) (*CommitResult, error) {
	if fact == nil || fact.SubjectEntity == "" || fact.Predicate == "" {
		return nil, fmt.Errorf("%w: subject entity and predicate are required", storage.ErrInvalidInput)
	}
	if fact.ID == "" {
		fact.ID = types.NewSemanticID()
	}
	if fact.Status == "" {
		fact.Status = types.FactActive
	}
	now := time.Now().UTC()
	if fact.LastValidatedAt.IsZero() {
		fact.LastValidatedAt = now
	}

	lock := m.keyLock(fact.SubjectEntity, fact.Predicate)
	lock.Lock()
	defer lock.Unlock()

	live, err := m.store.LiveFacts(ctx, fact.SubjectEntity, fact.Predicate)
	if err != nil {
		return nil, fmt.Errorf("conflicts: live fact read: %w", err)
	}

	// Restatement: same value already on record.
	for i := range live {
		if live[i].ObjectValue.Equal(fact.ObjectValue) {
			return m.reinforce(ctx, &live[i], now)
		}
	}

	// A contested fact absorbs restatements too, so repeated commits of
	// the same contested value do not open duplicate conflicts.
	pending, err := m.store.PendingFacts(ctx, fact.SubjectEntity, fact.Predicate)
	if err != nil {
		return nil, fmt.Errorf("conflicts: pending fact read: %w", err)
	}
	for i := range pending {
		if pending[i].ObjectValue.Equal(fact.ObjectValue) {
			return m.reinforce(ctx, &pending[i], now)
		}
	}

	if len(live) == 0 {
		if err := m.store.StoreFact(ctx, fact); err != nil {
			return nil, fmt.Errorf("conflicts: fact store: %w", err)
		}
		return &CommitResult{
			Outcome:     CommitStored,
			FactID:      fact.ID,
			Explanation: "no prior fact for this subject and predicate",
		}, nil
	}

	// Contradiction against the strongest live fact.
	prior := m.strongest(live, now)
	return m.resolveContradiction(ctx, fact, prior, now)
}

// reinforce bumps an existing fact's confidence for a restated value.
func (m *ConflictManager) reinforce(ctx context.Context, existing *types.SemanticMemory, now time.Time) (*CommitResult, error) {
	if err := m.store.ReinforceFact(ctx, existing.ID, factReinforceDelta, now); err != nil {
		return nil, fmt.Errorf("conflicts: reinforcement: %w", err)
	}
	return &CommitResult{
		Outcome:     CommitReinforced,
		FactID:      existing.ID,
		Explanation: fmt.Sprintf("restates %s, confidence reinforced", existing.ID),
	}, nil
}

// strongest picks the live fact with the highest effective confidence,
// fact ID breaking ties.
func (m *ConflictManager) strongest(live []types.SemanticMemory, now time.Time) *types.SemanticMemory {
	best := &live[0]
	bestEff := m.decay.FactConfidence(best, now)
	for i := 1; i < len(live); i++ {
		eff := m.decay.FactConfidence(&live[i], now)
		if eff > bestEff || (eff == bestEff && live[i].ID < best.ID) {
			best = &live[i]
			bestEff = eff
		}
	}
	return best
}

// resolveContradiction applies the auto-resolution rules, falling back to
// escalation. High-stakes predicates always escalate.
func (m *ConflictManager) resolveContradiction(ctx context.Context, fact, prior *types.SemanticMemory, now time.Time) (*CommitResult, error) {
	newEff := m.decay.FactConfidence(fact, now)
	priorEff := m.decay.FactConfidence(prior, now)
	priorAgeDays := now.Sub(prior.LastValidatedAt).Hours() / 24.0

	if !m.highStakes(fact.Predicate) {
		switch {
		case newEff-priorEff > m.cfg.AutoResolveConfidenceGap:
			return m.supersede(ctx, fact, prior, types.ResolveAutoConfidence, now)
		case priorEff-newEff > m.cfg.AutoResolveConfidenceGap:
			return m.reject(ctx, fact, prior, types.ResolveAutoConfidence, now)
		case priorAgeDays > m.cfg.AutoResolveRecencyDays:
			// The old fact went unvalidated long enough that fresh
			// information wins outright.
			return m.supersede(ctx, fact, prior, types.ResolveAutoRecency, now)
		}
	}

	return m.escalate(ctx, fact, prior, now)
}

func (m *ConflictManager) highStakes(predicate string) bool {
	for _, p := range m.cfg.HighStakesPredicates {
		if p == predicate {
			return true
		}
	}
	return false
}

// supersede stores the new fact as the winner and closes the old one,
// recording the resolution for audit.
func (m *ConflictManager) supersede(ctx context.Context, fact, prior *types.SemanticMemory, strategy types.ResolutionStrategy, now time.Time) (*CommitResult, error) {
	fact.Supersedes = prior.ID
	if err := m.store.StoreFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("conflicts: winner store: %w", err)
	}
	if err := m.store.SupersedeFact(ctx, prior.ID, fact.ID); err != nil {
		return nil, fmt.Errorf("conflicts: supersession: %w", err)
	}
	if err := m.recordResolved(ctx, fact, prior, strategy, fact.ID, now); err != nil {
		return nil, err
	}
	return &CommitResult{
		Outcome:      CommitSuperseded,
		FactID:       fact.ID,
		SupersededID: prior.ID,
		Explanation:  fmt.Sprintf("supersedes %s (%s)", prior.ID, strategy),
	}, nil
}

// reject stores the new fact already superseded by the stronger existing
// fact, which stays in force. The losing record is retained for audit and
// stays reachable through the supersession chain.
func (m *ConflictManager) reject(ctx context.Context, fact, prior *types.SemanticMemory, strategy types.ResolutionStrategy, now time.Time) (*CommitResult, error) {
	fact.Status = types.FactSuperseded
	fact.SupersededBy = prior.ID
	if err := m.store.StoreFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("conflicts: loser store: %w", err)
	}
	if err := m.recordResolved(ctx, fact, prior, strategy, prior.ID, now); err != nil {
		return nil, err
	}
	return &CommitResult{
		Outcome:     CommitRejected,
		FactID:      prior.ID,
		Explanation: fmt.Sprintf("existing fact %s stands (%s)", prior.ID, strategy),
	}, nil
}

// escalate holds the new fact in pending status and opens a conflict
// record. The standing fact keeps serving reads; the contested fact stays
// out of retrieval until a resolution choice arrives.
func (m *ConflictManager) escalate(ctx context.Context, fact, prior *types.SemanticMemory, now time.Time) (*CommitResult, error) {
	fact.Status = types.FactPending
	if err := m.store.StoreFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("conflicts: contested fact store: %w", err)
	}

	conflict := &types.ConflictRecord{
		ID:            types.NewConflictID(),
		SubjectEntity: fact.SubjectEntity,
		Predicate:     fact.Predicate,
		FactIDs:       sortedIDs(prior.ID, fact.ID),
		Strategy:      types.ResolveUserChoice,
		CreatedAt:     now,
	}
	if err := m.store.StoreConflict(ctx, conflict); err != nil {
		return nil, fmt.Errorf("conflicts: conflict record store: %w", err)
	}

	m.logger.Info("fact conflict escalated",
		zap.String("conflict_id", conflict.ID),
		zap.String("subject", fact.SubjectEntity),
		zap.String("predicate", fact.Predicate))

	return &CommitResult{
		Outcome:     CommitEscalated,
		FactID:      fact.ID,
		ConflictID:  conflict.ID,
		Explanation: fmt.Sprintf("contradicts %s with comparable confidence, awaiting resolution", prior.ID),
	}, nil
}

// recordResolved writes an already-settled conflict record for audit.
func (m *ConflictManager) recordResolved(ctx context.Context, fact, prior *types.SemanticMemory, strategy types.ResolutionStrategy, winnerID string, now time.Time) error {
	conflict := &types.ConflictRecord{
		ID:            types.NewConflictID(),
		SubjectEntity: fact.SubjectEntity,
		Predicate:     fact.Predicate,
		FactIDs:       sortedIDs(prior.ID, fact.ID),
		Strategy:      strategy,
		WinnerID:      winnerID,
		CreatedAt:     now,
		ResolvedAt:    &now,
	}
	if err := m.store.StoreConflict(ctx, conflict); err != nil {
		return fmt.Errorf("conflicts: resolution audit store: %w", err)
	}
	return nil
}

// ResolveConflict settles an escalated conflict with the chosen winner.
// Losing facts are superseded by the winner, a pending winner is promoted
// back to active, and the winner's confidence is raised toward the
// configured ceiling.
func (m *ConflictManager) ResolveConflict(ctx context.Context, conflictID, winnerID string) error {
	conflict, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("conflicts: conflict load: %w", err)
	}
	if conflict.Resolved() {
		return fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}
	if !containsID(conflict.FactIDs, winnerID) {
		return fmt.Errorf("%w: fact %s is not part of conflict %s", storage.ErrInvalidInput, winnerID, conflictID)
	}

	lock := m.keyLock(conflict.SubjectEntity, conflict.Predicate)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	winner, err := m.store.GetFact(ctx, winnerID)
	if err != nil {
		return fmt.Errorf("conflicts: winner load: %w", err)
	}

	for _, id := range conflict.FactIDs {
		if id == winnerID {
			continue
		}
		if err := m.store.SupersedeFact(ctx, id, winnerID); err != nil {
			if errors.Is(err, storage.ErrTerminalStatus) {
				continue // loser already closed by an earlier supersession
			}
			return fmt.Errorf("conflicts: loser supersession: %w", err)
		}
	}

	// A winner that was held pending re-enters retrieval.
	if winner.Status == types.FactPending {
		if err := m.store.SetFactStatus(ctx, winnerID, types.FactActive); err != nil {
			return fmt.Errorf("conflicts: winner promotion: %w", err)
		}
	}

	confidence := winner.Confidence
	if m.cfg.WinnerConfidence > confidence {
		confidence = m.cfg.WinnerConfidence
	}
	if err := m.store.SetFactConfidence(ctx, winnerID, confidence, now); err != nil {
		return fmt.Errorf("conflicts: winner confidence: %w", err)
	}

	if err := m.store.MarkConflictResolved(ctx, conflictID, winnerID, now); err != nil {
		return fmt.Errorf("conflicts: conflict close: %w", err)
	}

	m.logger.Info("fact conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("winner_id", winnerID))
	return nil
}

// OpenConflicts lists conflicts awaiting an external decision.
func (m *ConflictManager) OpenConflicts(ctx context.Context) ([]types.ConflictRecord, error) {
	return m.store.ListOpenConflicts(ctx)
}

func sortedIDs(ids ...string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
