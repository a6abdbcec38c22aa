// Package embed abstracts the embedding backend behind a small provider
// interface. Embeddings are an enhancement signal: when the provider is
// down, retrieval degrades to lexical and entity-overlap scoring instead
// of failing.
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable signals that embeddings cannot be produced right now.
// Callers switch to degraded scoring when they see it.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider produces a vector for a piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Guarded wraps a Provider with a circuit breaker so a dead embedding
// backend fails fast instead of stalling every retrieval.
type Guarded struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGuarded wraps the provider. A nil inner provider yields a Guarded
// that always reports ErrUnavailable, which keeps call sites uniform.
func NewGuarded(inner Provider, logger *zap.Logger) *Guarded {
	settings := gobreaker.Settings{
		Name: "embed",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		Timeout: 30 * time.Second,
	}
	return &Guarded{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.inner == nil {
		return nil, ErrUnavailable
	}

	result, err := g.breaker.Execute(func() (any, error) {
		return g.inner.Embed(ctx, text)
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) {
			g.logger.Warn("embedding call failed", zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result.([]float32), nil
}
