// Package domaindb defines the read-only interface to the authoritative
// business database and a hardened client decorator for it. Referent never
// owns this data: the domain database is ground truth for entity identity,
// and this package only guards how it is reached.
package domaindb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/referent/internal/config"
	"github.com/scrypster/referent/pkg/types"
)

// ErrUnavailable is returned when the domain database cannot be reached
// after retries, or the circuit is open. Callers map this to not-found
// semantics rather than failing the request.
var ErrUnavailable = errors.New("domain database unavailable")

// ErrRecordGone is returned when a previously known external ref no longer
// exists in the domain database.
var ErrRecordGone = errors.New("domain record gone")

// Record is one row exposed by the domain database.
type Record struct {
	// ID is the opaque, stable external reference.
	ID string

	// DisplayName is the record's canonical display name.
	DisplayName string

	// Properties carries advisory attributes for property-compatibility
	// scoring.
	Properties types.Properties
}

// Searcher is the read-only query interface the domain database exposes.
type Searcher interface {
	// SearchByTypeAndName finds records of the given type matching the
	// text.
	SearchByTypeAndName(ctx context.Context, entityType, text string) ([]Record, error)

	// GetByRef fetches one record by its external reference. Returns
	// ErrRecordGone when the record no longer exists.
	GetByRef(ctx context.Context, entityType, externalRef string) (*Record, error)
}

// Client decorates a Searcher with a circuit breaker, a rate limiter on
// discovery searches, and bounded exponential-backoff retries. Persistent
// failure surfaces as ErrUnavailable, never as a hang.
type Client struct {
	inner   Searcher
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     config.DomainDBConfig
	logger  *zap.Logger
}

// NewClient builds a hardened client around the raw searcher.
func NewClient(inner Searcher, cfg config.DomainDBConfig, logger *zap.Logger) *Client {
	settings := gobreaker.Settings{
		Name: "domaindb",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		Timeout: 30 * time.Second,
	}
	return &Client{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.SearchRatePerSecond), cfg.SearchBurst),
		cfg:     cfg,
		logger:  logger,
	}
}

// SearchByTypeAndName runs a rate-limited, breaker-guarded discovery
// search with retries.
func (c *Client) SearchByTypeAndName(ctx context.Context, entityType, text string) ([]Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("domaindb: rate limit wait: %w", err)
	}

	result, err := c.execute(ctx, func() (any, error) {
		return c.inner.SearchByTypeAndName(ctx, entityType, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Record), nil
}

// GetByRef fetches one record with breaker and retry protection.
// ErrRecordGone passes through untouched: a missing record is an answer,
// not a failure.
func (c *Client) GetByRef(ctx context.Context, entityType, externalRef string) (*Record, error) {
	result, err := c.execute(ctx, func() (any, error) {
		rec, err := c.inner.GetByRef(ctx, entityType, externalRef)
		if errors.Is(err, ErrRecordGone) {
			return (*Record)(nil), nil
		}
		return rec, err
	})
	if err != nil {
		return nil, err
	}
	rec := result.(*Record)
	if rec == nil {
		return nil, ErrRecordGone
	}
	return rec, nil
}

// execute runs fn through the breaker with exponential backoff between
// attempts.
func (c *Client) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	delay := c.cfg.RetryBaseDelay

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		result, err := c.breaker.Execute(fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) {
			// Open circuit: retrying within the same request is pointless.
			break
		}
		c.logger.Warn("domain database call failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
