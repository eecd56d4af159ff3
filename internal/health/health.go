// Package health computes the solvency metrics that gate every
// risk-bearing operation: maintenance health (liquidation trigger) and
// initial health (new-risk gate). Both are pure functions of one margin
// account plus the group's cached prices and indices; nothing here
// mutates state.
package health

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/cache"
	"crossmargin/internal/fixed"
	"crossmargin/internal/group"
)

// Type selects which weight set applies.
type Type int

const (
	// Maint gates liquidation: below zero means liquidatable.
	Maint Type = iota
	// Init gates withdrawals, borrows, and new orders; stricter.
	Init
)

func (t Type) String() string {
	if t == Init {
		return "init"
	}
	return "maint"
}

// OpenOrdersView resolves spot open-orders references to their locked
// collateral. The engine's state store implements it.
type OpenOrdersView interface {
	OpenOrders(id uuid.UUID) (*account.OpenOrders, bool)
}

// Compute returns the signed health in native quote units.
//
// Token deposits count at par in both metrics. Token borrows are
// penalized by the slot's liab weight. Perp exposure is the base
// notional weighted by asset or liab weight by sign, plus the quote
// position with funding settled virtually against the cached
// accumulators. Locked spot-order collateral counts at par.
func Compute(a *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo OpenOrdersView, typ Type, now int64) (decimal.Decimal, error) {
	sum := fixed.Zero

	// Quote slot: net value at par, always in the basket.
	quoteBank, err := c.RootBank(group.QuoteIndex, now, g.ValidInterval)
	if err != nil {
		return fixed.Zero, err
	}
	sum = sum.Add(a.NetNative(group.QuoteIndex, quoteBank.DepositIndex, quoteBank.BorrowIndex))

	for i := 0; i < group.MaxPairs; i++ {
		if !a.InMarginBasket[i] {
			continue
		}

		price, err := c.Price(i, now, g.ValidInterval)
		if err != nil {
			return fixed.Zero, err
		}

		if !g.Tokens[i].Empty() {
			v, err := tokenContribution(a, g, c, i, price, typ, now)
			if err != nil {
				return fixed.Zero, err
			}
			sum = sum.Add(v)
		}

		if a.SpotOpenOrders[i] != uuid.Nil && oo != nil {
			if orders, ok := oo.OpenOrders(a.SpotOpenOrders[i]); ok {
				base := orders.BaseLocked.Add(orders.BaseFree)
				quote := orders.QuoteLocked.Add(orders.QuoteFree)
				sum = sum.Add(base.Mul(price)).Add(quote)
			}
		}

		if !g.PerpMarkets[i].Empty() && a.PerpAccounts[i].IsActive() {
			v, err := perpContribution(a, g, c, i, price, typ, now)
			if err != nil {
				return fixed.Zero, err
			}
			sum = sum.Add(v)
		}
	}

	return sum, nil
}

func tokenContribution(a *account.MarginAccount, g *group.Group, c *cache.GroupCache, slot int, price decimal.Decimal, typ Type, now int64) (decimal.Decimal, error) {
	entry, err := c.RootBank(slot, now, g.ValidInterval)
	if err != nil {
		return fixed.Zero, err
	}

	v := a.NativeDeposit(slot, entry.DepositIndex).Mul(price)

	borrow := a.NativeBorrow(slot, entry.BorrowIndex)
	if borrow.IsPositive() {
		w := fixed.One
		if !g.SpotMarkets[slot].Empty() {
			w = liabWeight(g.SpotMarkets[slot].Weights, typ)
		}
		v = v.Sub(borrow.Mul(price).Mul(w))
	}

	return v, nil
}

func perpContribution(a *account.MarginAccount, g *group.Group, c *cache.GroupCache, slot int, price decimal.Decimal, typ Type, now int64) (decimal.Decimal, error) {
	entry, err := c.PerpMarket(slot, now, g.ValidInterval)
	if err != nil {
		return fixed.Zero, err
	}

	// Settle funding virtually on a copy; health must not mutate.
	pos := a.PerpAccounts[slot]
	pos.SettleFunding(entry.LongFunding, entry.ShortFunding)

	info := g.PerpMarkets[slot]
	lotValue := decimal.NewFromInt(info.BaseLotSize).Mul(price)

	weigh := func(baseLots int64, quote decimal.Decimal) decimal.Decimal {
		baseNative := decimal.NewFromInt(baseLots).Mul(lotValue)
		switch {
		case baseNative.IsPositive():
			return quote.Add(baseNative.Mul(assetWeight(info.Weights, typ)))
		case baseNative.IsNegative():
			return quote.Add(baseNative.Mul(liabWeight(info.Weights, typ)))
		default:
			return quote
		}
	}

	if pos.BidsQuantity == 0 && pos.AsksQuantity == 0 {
		return weigh(pos.BasePosition, pos.QuotePosition), nil
	}

	// Resting orders: worst case of every bid filling against every
	// ask filling, funds exchanged at the cached price.
	bidsCase := weigh(
		pos.BasePosition+pos.BidsQuantity,
		pos.QuotePosition.Sub(decimal.NewFromInt(pos.BidsQuantity).Mul(lotValue)),
	)
	asksCase := weigh(
		pos.BasePosition-pos.AsksQuantity,
		pos.QuotePosition.Add(decimal.NewFromInt(pos.AsksQuantity).Mul(lotValue)),
	)
	return fixed.Min(bidsCase, asksCase), nil
}

func assetWeight(w group.Weights, typ Type) decimal.Decimal {
	if typ == Init {
		return w.InitAsset
	}
	return w.MaintAsset
}

func liabWeight(w group.Weights, typ Type) decimal.Decimal {
	if typ == Init {
		return w.InitLiab
	}
	return w.MaintLiab
}

// Liquidatable reports whether maintenance health is strictly negative.
// Exactly zero is healthy: the boundary is inclusive.
func Liquidatable(maint decimal.Decimal) bool {
	return maint.IsNegative()
}

// AllowsNewRisk reports whether initial health admits a risk-increasing
// operation. Exactly zero passes.
func AllowsNewRisk(init decimal.Decimal) bool {
	return !init.IsNegative()
}
