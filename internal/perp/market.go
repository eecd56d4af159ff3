// Package perp holds per-market perpetual-futures state: the funding
// accumulators, open interest, liquidity-mining budget, and the
// committed fill/out event queue the settlement engine consumes.
package perp

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
)

// DaySeconds scales funding accrual: a premium held for one full day
// transfers its whole value.
const DaySeconds = 24 * 60 * 60

var (
	dayDec = decimal.NewFromInt(DaySeconds)
	bpsDec = decimal.NewFromInt(10_000)
)

// LiquidityMiningInfo is the maker-reward budget for one market. Rewards
// accrue to resting orders as they fill and are redeemed separately.
type LiquidityMiningInfo struct {
	// Rate is reward per filled lot at full depth.
	Rate decimal.Decimal
	// MaxDepthBps normalizes a fill's depth contribution.
	MaxDepthBps decimal.Decimal

	TargetPeriodLength int64
	RewardsPerPeriod   decimal.Decimal
	RewardsLeft        decimal.Decimal
	PeriodStart        int64
}

// PerpMarket is one perp slot's shared state.
type PerpMarket struct {
	ID      uuid.UUID
	GroupID uuid.UUID
	Slot    int

	BaseLotSize  int64
	QuoteLotSize int64

	// Funding accumulators in native quote units per base lot. Long and
	// short track separately because bankruptcy socialization shifts
	// them asymmetrically.
	LongFunding  decimal.Decimal
	ShortFunding decimal.Decimal
	LastUpdated  int64

	// OpenInterest is the total long base lots (equal to total shorts).
	OpenInterest int64

	// MaxDepthBps clamps the funding premium.
	MaxDepthBps decimal.Decimal

	Mining LiquidityMiningInfo

	// FeesAccrued is quote-unit fees collected and not yet swept.
	FeesAccrued decimal.Decimal

	Queue EventQueue
}

// New creates a perp market with zeroed accumulators.
func New(id, groupID uuid.UUID, slot int, baseLotSize, quoteLotSize int64, maxDepthBps decimal.Decimal, mining LiquidityMiningInfo, now int64) *PerpMarket {
	return &PerpMarket{
		ID:           id,
		GroupID:      groupID,
		Slot:         slot,
		BaseLotSize:  baseLotSize,
		QuoteLotSize: quoteLotSize,
		LongFunding:  fixed.Zero,
		ShortFunding: fixed.Zero,
		LastUpdated:  now,
		MaxDepthBps:  maxDepthBps,
		Mining:       mining,
		FeesAccrued:  fixed.Zero,
	}
}

// UpdateFunding integrates the book/index premium since the last update
// into both accumulators. Idempotent at the same timestamp; a clock
// regression is fatal. bid/ask are the book's best levels in quote units
// per native base unit; indexPrice is the cached oracle price.
func (m *PerpMarket) UpdateFunding(bid, ask, indexPrice decimal.Decimal, now int64) error {
	elapsed := now - m.LastUpdated
	if elapsed < 0 {
		return errs.Newf(errs.CodeFatal, "perp market %s: clock regression %d -> %d", m.ID, m.LastUpdated, now)
	}
	if elapsed == 0 {
		return nil
	}
	if indexPrice.IsZero() {
		return errs.Newf(errs.CodeInvalidState, "perp market %s: zero index price", m.ID)
	}

	mid := bid.Add(ask).Div(fixed.Two)
	premium := mid.Div(indexPrice).Sub(fixed.One)

	bound := m.MaxDepthBps.Div(bpsDec)
	premium = fixed.Clamp(premium, bound.Neg(), bound)

	// Quote units per base lot accrued over the elapsed window.
	delta := premium.
		Mul(indexPrice).
		Mul(decimal.NewFromInt(m.BaseLotSize)).
		Mul(decimal.NewFromInt(elapsed)).
		Div(dayDec)

	m.LongFunding = m.LongFunding.Add(delta)
	m.ShortFunding = m.ShortFunding.Add(delta)
	m.LastUpdated = now
	return nil
}

// SocializeLoss spreads a bankruptcy deficit across all open positions
// by shifting the accumulators: longs pay half, shorts pay half, per
// open-interest lot. The loss realizes lazily on each position's next
// touch, exactly like ordinary funding.
func (m *PerpMarket) SocializeLoss(deficit decimal.Decimal) error {
	if deficit.IsNegative() {
		return errs.Newf(errs.CodeFatal, "perp market %s: negative socialized deficit %s", m.ID, deficit)
	}
	if m.OpenInterest <= 0 {
		return errs.Newf(errs.CodeInvalidState, "perp market %s: no open interest to socialize against", m.ID)
	}

	perLot := deficit.Div(fixed.Two).Div(decimal.NewFromInt(m.OpenInterest))
	// Raising long funding charges longs; lowering short funding
	// charges shorts (settle subtracts diff * negative base).
	m.LongFunding = m.LongFunding.Add(perLot)
	m.ShortFunding = m.ShortFunding.Sub(perLot)
	return nil
}

// AccrueMiningReward computes and deducts the maker reward for a fill of
// the given lots, proportional to the remaining period budget. Returns
// zero once the budget is exhausted.
func (m *PerpMarket) AccrueMiningReward(fillLots int64, now int64) decimal.Decimal {
	info := &m.Mining
	if info.TargetPeriodLength <= 0 || info.RewardsLeft.IsZero() {
		return fixed.Zero
	}

	// Roll the period forward when it has elapsed.
	if now-info.PeriodStart >= info.TargetPeriodLength {
		info.RewardsLeft = info.RewardsLeft.Add(info.RewardsPerPeriod)
		info.PeriodStart = now
	}

	reward := info.Rate.Mul(decimal.NewFromInt(fillLots))
	if info.MaxDepthBps.IsPositive() {
		reward = reward.Div(info.MaxDepthBps)
	}
	reward = fixed.Min(reward, info.RewardsLeft)
	info.RewardsLeft = info.RewardsLeft.Sub(reward)
	return reward
}

// ChangeOpenInterest adjusts OI by the matched lots of a fill, given the
// taker's resulting position deltas. takerBefore/takerAfter and
// makerBefore/makerAfter are base positions in lots.
func (m *PerpMarket) ChangeOpenInterest(takerBefore, takerAfter, makerBefore, makerAfter int64) {
	m.OpenInterest += longLots(takerAfter) - longLots(takerBefore) +
		longLots(makerAfter) - longLots(makerBefore)
}

func longLots(base int64) int64 {
	if base > 0 {
		return base
	}
	return 0
}

// Clone returns a deep copy including the queue.
func (m *PerpMarket) Clone() *PerpMarket {
	cp := *m
	cp.Queue = *m.Queue.Clone()
	return &cp
}
