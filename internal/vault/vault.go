package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/Quantillon-Labs/synthengine/internal/fixedpoint"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrBelowMinimum is returned when an amount is under the configured floor.
	ErrBelowMinimum = errors.New("amount below configured minimum")

	// ErrExceedsLimit is returned when an amount is over the configured cap.
	ErrExceedsLimit = errors.New("amount exceeds configured limit")

	// ErrSlippageExceeded is returned when the computed output falls short of
	// the caller's minimum acceptable output.
	ErrSlippageExceeded = errors.New("output below minimum acceptable")

	// ErrInsufficientCollateralization is returned when an operation would
	// push the vault's collateralization ratio below the configured floor.
	ErrInsufficientCollateralization = errors.New("collateralization ratio below floor")

	// ErrInsufficientReserves is returned when a redemption payout exceeds
	// the vault's reserve balance.
	ErrInsufficientReserves = errors.New("vault reserves insufficient")
)

// State is the durable vault snapshot. ReserveBalance and AccruedFees are in
// reserve units, SyntheticSupply in synthetic units.
type State struct {
	ReserveBalance  decimal.Decimal
	SyntheticSupply decimal.Decimal
	AccruedFees     decimal.Decimal
	LastUpdate      time.Time
}

// Config bounds mint and redeem operations. Amounts are reserve units for
// mint bounds and synthetic units for redeem bounds. A zero Max* disables
// that cap.
type Config struct {
	MinMint                 decimal.Decimal
	MaxMint                 decimal.Decimal
	MinRedeem               decimal.Decimal
	MaxRedeem               decimal.Decimal
	FeeBps                  int64
	MinCollateralizationBps int64
}

// Vault tracks the reserve pool backing the synthetic supply. It performs no
// locking; the engine serializes access.
type Vault struct {
	state State
	cfg   Config
}

func New(cfg Config) *Vault {
	return &Vault{cfg: cfg}
}

// MintResult reports the outcome of a mint.
type MintResult struct {
	SyntheticOut decimal.Decimal
	Fee          decimal.Decimal
	NetReserve   decimal.Decimal
}

// Mint converts reserveIn into newly issued synthetic at the given price.
// minOut is the caller's slippage guard (zero disables it). hedgerMargin is
// counted toward collateral when checking the post-mint ratio.
func (v *Vault) Mint(reserveIn, price, minOut, hedgerMargin decimal.Decimal, now time.Time) (MintResult, error) {
	if reserveIn.Sign() <= 0 {
		return MintResult{}, fmt.Errorf("%w: %s", ErrInvalidAmount, reserveIn)
	}
	if reserveIn.LessThan(v.cfg.MinMint) {
		return MintResult{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, reserveIn, v.cfg.MinMint)
	}
	if v.cfg.MaxMint.Sign() > 0 && reserveIn.GreaterThan(v.cfg.MaxMint) {
		return MintResult{}, fmt.Errorf("%w: %s > %s", ErrExceedsLimit, reserveIn, v.cfg.MaxMint)
	}

	outcome := fixedpoint.ComputeMint(reserveIn, price, v.cfg.FeeBps)
	if outcome.SyntheticOut.Sign() <= 0 {
		return MintResult{}, fmt.Errorf("%w: computed output is zero", ErrInvalidAmount)
	}
	if minOut.Sign() > 0 && outcome.SyntheticOut.LessThan(minOut) {
		return MintResult{}, fmt.Errorf("%w: %s < %s", ErrSlippageExceeded, outcome.SyntheticOut, minOut)
	}

	newReserve := v.state.ReserveBalance.Add(outcome.NetReserve)
	newSupply := v.state.SyntheticSupply.Add(outcome.SyntheticOut)
	if ratio := collateralizationBps(newReserve, hedgerMargin, newSupply, price); ratio < v.cfg.MinCollateralizationBps {
		return MintResult{}, fmt.Errorf("%w: %d bps < %d bps",
			ErrInsufficientCollateralization, ratio, v.cfg.MinCollateralizationBps)
	}

	v.state.ReserveBalance = newReserve
	v.state.SyntheticSupply = newSupply
	v.state.AccruedFees = v.state.AccruedFees.Add(outcome.Fee)
	v.state.LastUpdate = now.UTC()

	return MintResult{
		SyntheticOut: outcome.SyntheticOut,
		Fee:          outcome.Fee,
		NetReserve:   outcome.NetReserve,
	}, nil
}

// RedeemResult reports the outcome of a redemption.
type RedeemResult struct {
	ReserveOut decimal.Decimal
	Fee        decimal.Decimal
	Burned     decimal.Decimal
}

// Redeem burns syntheticIn and pays out reserve at the given price, less the
// redemption fee. minOut is the caller's slippage guard (zero disables it).
func (v *Vault) Redeem(syntheticIn, price, minOut, hedgerMargin decimal.Decimal, now time.Time) (RedeemResult, error) {
	if syntheticIn.Sign() <= 0 {
		return RedeemResult{}, fmt.Errorf("%w: %s", ErrInvalidAmount, syntheticIn)
	}
	if syntheticIn.LessThan(v.cfg.MinRedeem) {
		return RedeemResult{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, syntheticIn, v.cfg.MinRedeem)
	}
	if v.cfg.MaxRedeem.Sign() > 0 && syntheticIn.GreaterThan(v.cfg.MaxRedeem) {
		return RedeemResult{}, fmt.Errorf("%w: %s > %s", ErrExceedsLimit, syntheticIn, v.cfg.MaxRedeem)
	}
	if syntheticIn.GreaterThan(v.state.SyntheticSupply) {
		return RedeemResult{}, fmt.Errorf("%w: burn %s > supply %s",
			ErrExceedsLimit, syntheticIn, v.state.SyntheticSupply)
	}

	outcome := fixedpoint.ComputeRedeem(syntheticIn, price, v.cfg.FeeBps)
	if minOut.Sign() > 0 && outcome.ReserveOut.LessThan(minOut) {
		return RedeemResult{}, fmt.Errorf("%w: %s < %s", ErrSlippageExceeded, outcome.ReserveOut, minOut)
	}
	if outcome.GrossReserve.GreaterThan(v.state.ReserveBalance) {
		return RedeemResult{}, fmt.Errorf("%w: payout %s > reserves %s",
			ErrInsufficientReserves, outcome.GrossReserve, v.state.ReserveBalance)
	}

	newReserve := v.state.ReserveBalance.Sub(outcome.GrossReserve)
	newSupply := v.state.SyntheticSupply.Sub(syntheticIn)
	if newSupply.Sign() > 0 {
		if ratio := collateralizationBps(newReserve, hedgerMargin, newSupply, price); ratio < v.cfg.MinCollateralizationBps {
			return RedeemResult{}, fmt.Errorf("%w: %d bps < %d bps",
				ErrInsufficientCollateralization, ratio, v.cfg.MinCollateralizationBps)
		}
	}

	v.state.ReserveBalance = newReserve
	v.state.SyntheticSupply = newSupply
	v.state.AccruedFees = v.state.AccruedFees.Add(outcome.Fee)
	v.state.LastUpdate = now.UTC()

	return RedeemResult{
		ReserveOut: outcome.ReserveOut,
		Fee:        outcome.Fee,
		Burned:     syntheticIn,
	}, nil
}

// AdjustReserve applies a settlement delta to the reserve pool: position
// losses and liquidation proceeds flow in (positive), position gains flow
// out (negative). A negative delta larger than the pool is an error.
func (v *Vault) AdjustReserve(delta decimal.Decimal, now time.Time) error {
	next := v.state.ReserveBalance.Add(delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: delta %s against reserves %s",
			ErrInsufficientReserves, delta, v.state.ReserveBalance)
	}
	v.state.ReserveBalance = next
	v.state.LastUpdate = now.UTC()
	return nil
}

// CollectFees drains accrued fees, returning the amount collected.
func (v *Vault) CollectFees(now time.Time) decimal.Decimal {
	collected := v.state.AccruedFees
	v.state.AccruedFees = decimal.Zero
	if collected.Sign() > 0 {
		v.state.LastUpdate = now.UTC()
	}
	return collected
}

// Metrics is the read-side view of the vault.
type Metrics struct {
	ReserveBalance       decimal.Decimal
	SyntheticSupply      decimal.Decimal
	AccruedFees          decimal.Decimal
	CollateralizationBps int64
	LastUpdate           time.Time
}

// Metrics computes the current view at the given price. hedgerMargin counts
// toward collateral alongside vault reserves.
func (v *Vault) Metrics(price, hedgerMargin decimal.Decimal) Metrics {
	return Metrics{
		ReserveBalance:       v.state.ReserveBalance,
		SyntheticSupply:      v.state.SyntheticSupply,
		AccruedFees:          v.state.AccruedFees,
		CollateralizationBps: collateralizationBps(v.state.ReserveBalance, hedgerMargin, v.state.SyntheticSupply, price),
		LastUpdate:           v.state.LastUpdate,
	}
}

// ReserveBalance returns the current reserve pool size.
func (v *Vault) ReserveBalance() decimal.Decimal {
	return v.state.ReserveBalance
}

// SyntheticSupply returns the outstanding synthetic supply.
func (v *Vault) SyntheticSupply() decimal.Decimal {
	return v.state.SyntheticSupply
}

// AccruedFees returns fees accrued and not yet collected.
func (v *Vault) AccruedFees() decimal.Decimal {
	return v.state.AccruedFees
}

// Snapshot returns a copy of the vault state for persistence.
func (v *Vault) Snapshot() State {
	return v.state
}

// Restore loads persisted state on recovery.
func (v *Vault) Restore(s State) {
	v.state = s
}

// collateralizationBps computes (reserves + hedger margin) valued in
// synthetic terms over the synthetic supply, in basis points. An empty
// supply is reported as the int64 maximum.
func collateralizationBps(reserves, hedgerMargin, supply, price decimal.Decimal) int64 {
	if price.Sign() <= 0 {
		return 0
	}
	collateralValue := reserves.Add(hedgerMargin).Mul(price)
	return fixedpoint.RatioBps(collateralValue, supply)
}
