// Package group holds the shared configuration registry: the ordered
// token / spot-market / perp-market slots, their risk parameters, and the
// admin authority. The slot index is the single source of truth — token i,
// spot market i, perp market i, oracle i, and cache entry i all describe
// the same pair, and every per-account array is indexed identically.
package group

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
)

const (
	// MaxPairs is the number of non-quote slots a group can register.
	MaxPairs = 15
	// MaxTokens includes the quote token at the last index.
	MaxTokens = MaxPairs + 1
	// QuoteIndex is the fixed slot of the quote token.
	QuoteIndex = MaxPairs
)

// TokenInfo describes one registered token slot.
type TokenInfo struct {
	RootBank uuid.UUID
	Decimals uint8
}

// Empty reports whether the slot is unregistered.
func (t TokenInfo) Empty() bool { return t.RootBank == uuid.Nil }

// Weights are the health multipliers derived from a slot's leverage
// parameters. Liab weights sit above 1 (borrows are penalized), asset
// weights at or below 1, and initial weights are always stricter than
// maintenance so initial health never exceeds maintenance health.
type Weights struct {
	MaintAsset decimal.Decimal
	InitAsset  decimal.Decimal
	MaintLiab  decimal.Decimal
	InitLiab   decimal.Decimal
}

// WeightsFromLeverage derives the four weights:
// maintenance (2L-1)/2L and (2L+1)/2L, initial (L-1)/L and (L+1)/L.
func WeightsFromLeverage(maintLeverage, initLeverage decimal.Decimal) Weights {
	twoMaint := maintLeverage.Mul(fixed.Two)
	return Weights{
		MaintAsset: twoMaint.Sub(fixed.One).Div(twoMaint),
		MaintLiab:  twoMaint.Add(fixed.One).Div(twoMaint),
		InitAsset:  initLeverage.Sub(fixed.One).Div(initLeverage),
		InitLiab:   initLeverage.Add(fixed.One).Div(initLeverage),
	}
}

// SpotMarketInfo holds the risk parameters of one spot market slot.
// Token deposits count at par in health; only the borrow side uses the
// liab weights here.
type SpotMarketInfo struct {
	Market         uuid.UUID
	Weights        Weights
	LiquidationFee decimal.Decimal
}

func (s SpotMarketInfo) Empty() bool { return s.Market == uuid.Nil }

// PerpMarketInfo holds the risk and fee parameters of one perp slot.
// Lot sizes convert between lots and native units: native base =
// lots * BaseLotSize.
type PerpMarketInfo struct {
	Market         uuid.UUID
	Weights        Weights
	LiquidationFee decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
	BaseLotSize    int64
	QuoteLotSize   int64
}

func (p PerpMarketInfo) Empty() bool { return p.Market == uuid.Nil }

// Group is the process-wide configuration, created once by InitGroup and
// mutated only by admin instructions.
type Group struct {
	ID    uuid.UUID
	Admin uuid.UUID

	Tokens      [MaxTokens]TokenInfo
	SpotMarkets [MaxPairs]SpotMarketInfo
	PerpMarkets [MaxPairs]PerpMarketInfo
	Oracles     [MaxPairs]uuid.UUID
	NumOracles  int

	// ValidInterval bounds cache staleness, in seconds.
	ValidInterval int64

	InsuranceVault uuid.UUID
	FeesVault      uuid.UUID
	MsrmVault      uuid.UUID
}

// New creates a group with the quote token registered at QuoteIndex.
func New(id, admin, quoteRootBank, insuranceVault, feesVault uuid.UUID, quoteDecimals uint8, validInterval int64) *Group {
	g := &Group{
		ID:             id,
		Admin:          admin,
		ValidInterval:  validInterval,
		InsuranceVault: insuranceVault,
		FeesVault:      feesVault,
	}
	g.Tokens[QuoteIndex] = TokenInfo{RootBank: quoteRootBank, Decimals: quoteDecimals}
	return g
}

// CheckSlot validates a non-quote slot index.
func (g *Group) CheckSlot(i int) error {
	if i < 0 || i >= MaxPairs {
		return errs.Newf(errs.CodeMalformedInput, "slot index %d out of range", i)
	}
	return nil
}

// TokenSlot returns the token info at i, which may include QuoteIndex.
func (g *Group) TokenSlot(i int) (TokenInfo, error) {
	if i < 0 || i >= MaxTokens {
		return TokenInfo{}, errs.Newf(errs.CodeMalformedInput, "token index %d out of range", i)
	}
	t := g.Tokens[i]
	if t.Empty() {
		return TokenInfo{}, errs.Newf(errs.CodeInvalidState, "token slot %d not registered", i)
	}
	return t, nil
}

// SpotSlot returns the spot market info at i.
func (g *Group) SpotSlot(i int) (SpotMarketInfo, error) {
	if err := g.CheckSlot(i); err != nil {
		return SpotMarketInfo{}, err
	}
	s := g.SpotMarkets[i]
	if s.Empty() {
		return SpotMarketInfo{}, errs.Newf(errs.CodeInvalidState, "spot market slot %d not registered", i)
	}
	return s, nil
}

// PerpSlot returns the perp market info at i.
func (g *Group) PerpSlot(i int) (PerpMarketInfo, error) {
	if err := g.CheckSlot(i); err != nil {
		return PerpMarketInfo{}, err
	}
	p := g.PerpMarkets[i]
	if p.Empty() {
		return PerpMarketInfo{}, errs.Newf(errs.CodeInvalidState, "perp market slot %d not registered", i)
	}
	return p, nil
}

// SlotOfRootBank finds the token slot backed by the given root bank.
func (g *Group) SlotOfRootBank(rootBank uuid.UUID) (int, bool) {
	for i := range g.Tokens {
		if g.Tokens[i].RootBank == rootBank {
			return i, true
		}
	}
	return 0, false
}

// SlotOfSpotMarket finds the spot slot for the given market account.
func (g *Group) SlotOfSpotMarket(market uuid.UUID) (int, bool) {
	for i := range g.SpotMarkets {
		if g.SpotMarkets[i].Market == market {
			return i, true
		}
	}
	return 0, false
}

// SlotOfOracle finds the slot of a registered oracle.
func (g *Group) SlotOfOracle(oracle uuid.UUID) (int, bool) {
	for i := 0; i < g.NumOracles; i++ {
		if g.Oracles[i] == oracle {
			return i, true
		}
	}
	return 0, false
}

// SlotOfPerpMarket finds the perp slot for the given market account.
func (g *Group) SlotOfPerpMarket(market uuid.UUID) (int, bool) {
	for i := range g.PerpMarkets {
		if g.PerpMarkets[i].Market == market {
			return i, true
		}
	}
	return 0, false
}

// Clone returns a deep copy; arrays are value types so a shallow struct
// copy suffices.
func (g *Group) Clone() *Group {
	cp := *g
	return &cp
}
