package fixedpoint

import (
	"github.com/shopspring/decimal"
)

// ScaleConfig defines fixed-point precision for one amount family.
type ScaleConfig struct {
	Decimals int32
}

var (
	// Standard scales
	ReserveConfig   = ScaleConfig{Decimals: 6}  // reserve asset (USDC)
	SyntheticConfig = ScaleConfig{Decimals: 18} // synthetic unit (QEURO)
	PriceConfig     = ScaleConfig{Decimals: 8}  // price reference
)

// BpsDenominator is the basis-point scale: 10_000 = 100%.
const BpsDenominator = 10_000

var bpsDenom = decimal.NewFromInt(BpsDenominator)

// Round truncates d to the config's precision using banker's rounding.
func (c ScaleConfig) Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(c.Decimals)
}

// RoundDown truncates toward zero at the config's precision. Used where
// rounding in the caller's favor would create value out of thin air
// (payouts, fill apportionment).
func (c ScaleConfig) RoundDown(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(c.Decimals)
}

// FromBps converts a basis-point integer to its decimal fraction
// (11_000 -> 1.1).
func FromBps(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(bpsDenom)
}

// ApplyBps returns d * bps / 10_000 without rounding. Callers round at
// their own scale.
func ApplyBps(d decimal.Decimal, bps int64) decimal.Decimal {
	return d.Mul(decimal.NewFromInt(bps)).Div(bpsDenom)
}

// RatioBps returns num/den expressed in basis points, rounded down.
// Rounding down is the conservative direction for every ratio check in
// the engine: a borderline collateralization or margin ratio reads as
// slightly worse than it is, never better. Returns max int64 when den
// is zero (no exposure means no constraint).
func RatioBps(num, den decimal.Decimal) int64 {
	if den.IsZero() {
		return 1<<63 - 1
	}
	return num.Mul(bpsDenom).Div(den).IntPart()
}

// MintOutcome is the result of converting a reserve deposit into
// synthetic units at a given price.
type MintOutcome struct {
	SyntheticOut decimal.Decimal // 18 dp
	Fee          decimal.Decimal // 6 dp, reserve units, kept by the protocol
	NetReserve   decimal.Decimal // 6 dp, reserve credited to the vault
}

// ComputeMint converts reserveIn (6 dp) at price (8 dp, synthetic per
// reserve unit) with a fee in basis points taken from the reserve leg.
func ComputeMint(reserveIn, price decimal.Decimal, feeBps int64) MintOutcome {
	fee := ReserveConfig.Round(ApplyBps(reserveIn, feeBps))
	net := reserveIn.Sub(fee)
	out := SyntheticConfig.RoundDown(net.Mul(price))
	return MintOutcome{SyntheticOut: out, Fee: fee, NetReserve: net}
}

// RedeemOutcome is the algebraic inverse of a mint.
type RedeemOutcome struct {
	ReserveOut   decimal.Decimal // 6 dp, paid to the caller
	Fee          decimal.Decimal // 6 dp, reserve units
	GrossReserve decimal.Decimal // 6 dp, reserve leaving the vault
}

// ComputeRedeem converts syntheticIn (18 dp) back to reserve at price,
// with the fee taken from the reserve proceeds. Payout legs round down
// so fees only ever reduce value.
func ComputeRedeem(syntheticIn, price decimal.Decimal, feeBps int64) RedeemOutcome {
	gross := ReserveConfig.RoundDown(syntheticIn.Div(price))
	fee := ReserveConfig.Round(ApplyBps(gross, feeBps))
	out := gross.Sub(fee)
	return RedeemOutcome{ReserveOut: out, Fee: fee, GrossReserve: gross}
}

// UnrealizedPnL returns the mark-to-reference PnL of a long exposure:
// filled * (price - entry) / entry, in reserve units (6 dp).
func UnrealizedPnL(filledNotional, entryPrice, currentPrice decimal.Decimal) decimal.Decimal {
	if entryPrice.IsZero() || filledNotional.IsZero() {
		return decimal.Zero
	}
	move := currentPrice.Sub(entryPrice).Div(entryPrice)
	return ReserveConfig.Round(filledNotional.Mul(move))
}
