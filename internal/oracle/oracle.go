package oracle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrStalePrice is returned when the latest price is older than the
	// configured staleness window, or no price has been received yet.
	ErrStalePrice = errors.New("price is stale")

	// ErrInvalidPrice is returned when a feed value falls outside the
	// configured [min, max] bounds.
	ErrInvalidPrice = errors.New("price outside configured bounds")

	// ErrCircuitBreakerActive is returned while the circuit breaker is
	// tripped; all price-dependent operations must refuse to run.
	ErrCircuitBreakerActive = errors.New("circuit breaker is active")
)

// State is the durable snapshot of the gate. Timestamps are UTC.
type State struct {
	Value         decimal.Decimal
	UpdatedAt     time.Time
	Sequence      int64
	MinBound      decimal.Decimal
	MaxBound      decimal.Decimal
	Source        string
	CircuitBroken bool
}

// Gate validates incoming price feed updates and answers whether the
// current price is usable. It holds no locks; the engine serializes access.
type Gate struct {
	state        State
	hasPrice     bool
	maxStaleness time.Duration
	now          func() time.Time
}

// Config holds the gate's startup parameters.
type Config struct {
	MinBound     decimal.Decimal
	MaxBound     decimal.Decimal
	Source       string
	MaxStaleness time.Duration
}

func NewGate(cfg Config, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		state: State{
			MinBound: cfg.MinBound,
			MaxBound: cfg.MaxBound,
			Source:   cfg.Source,
		},
		maxStaleness: cfg.MaxStaleness,
		now:          now,
	}
}

// ApplyFeedUpdate ingests one price observation. Updates from a source other
// than the configured one are ignored. Out-of-order sequences are dropped
// silently (duplicate delivery from the feed), matching at-least-once
// transport semantics. Returns true when the price was accepted.
func (g *Gate) ApplyFeedUpdate(source string, value decimal.Decimal, sequence int64, observedAt time.Time) (bool, error) {
	if source != g.state.Source {
		return false, nil
	}
	if g.hasPrice && sequence <= g.state.Sequence {
		// Stale or duplicate feed message; drop without error.
		return false, nil
	}
	if value.Sign() <= 0 {
		return false, fmt.Errorf("%w: non-positive value %s", ErrInvalidPrice, value)
	}
	if value.LessThan(g.state.MinBound) || value.GreaterThan(g.state.MaxBound) {
		return false, fmt.Errorf("%w: %s not in [%s, %s]",
			ErrInvalidPrice, value, g.state.MinBound, g.state.MaxBound)
	}

	g.state.Value = value
	g.state.Sequence = sequence
	g.state.UpdatedAt = observedAt.UTC()
	g.hasPrice = true
	return true, nil
}

// UpdateBounds replaces the validity band. Bounds must satisfy 0 < min < max.
func (g *Gate) UpdateBounds(minBound, maxBound decimal.Decimal) error {
	if minBound.Sign() <= 0 || !minBound.LessThan(maxBound) {
		return fmt.Errorf("%w: bounds [%s, %s] invalid", ErrInvalidPrice, minBound, maxBound)
	}
	g.state.MinBound = minBound
	g.state.MaxBound = maxBound
	return nil
}

// UpdateSource switches the accepted feed source. The existing price is
// discarded; the new source must deliver a fresh observation before any
// price-dependent operation can proceed.
func (g *Gate) UpdateSource(source string) (previous string) {
	previous = g.state.Source
	g.state.Source = source
	g.state.Value = decimal.Zero
	g.state.Sequence = 0
	g.state.UpdatedAt = time.Time{}
	g.hasPrice = false
	return previous
}

// Trip activates the circuit breaker. Idempotent.
func (g *Gate) Trip() (changed bool) {
	if g.state.CircuitBroken {
		return false
	}
	g.state.CircuitBroken = true
	return true
}

// Reset clears the circuit breaker. Idempotent.
func (g *Gate) Reset() (changed bool) {
	if !g.state.CircuitBroken {
		return false
	}
	g.state.CircuitBroken = false
	return true
}

// CircuitBroken reports whether the breaker is currently tripped.
func (g *Gate) CircuitBroken() bool {
	return g.state.CircuitBroken
}

// CurrentPrice returns the latest accepted price without gating. The flag is
// false when no price has been received since startup or a source switch.
func (g *Gate) CurrentPrice() (decimal.Decimal, bool) {
	return g.state.Value, g.hasPrice
}

// UsablePrice returns the current price if it passes every gate: a price
// exists, the breaker is not tripped, and the observation is fresh.
func (g *Gate) UsablePrice() (decimal.Decimal, error) {
	if g.state.CircuitBroken {
		return decimal.Zero, ErrCircuitBreakerActive
	}
	if !g.hasPrice {
		return decimal.Zero, fmt.Errorf("%w: no price received", ErrStalePrice)
	}
	age := g.now().Sub(g.state.UpdatedAt)
	if age > g.maxStaleness {
		return decimal.Zero, fmt.Errorf("%w: age %s exceeds %s", ErrStalePrice, age, g.maxStaleness)
	}
	return g.state.Value, nil
}

// Snapshot returns a copy of the gate state for persistence.
func (g *Gate) Snapshot() State {
	return g.state
}

// Restore loads persisted state on recovery.
func (g *Gate) Restore(s State) {
	g.state = s
	g.hasPrice = s.Value.Sign() > 0 && !s.UpdatedAt.IsZero()
}
