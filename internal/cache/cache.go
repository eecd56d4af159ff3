// Package cache holds the versioned snapshot of oracle prices, bank
// indices, and perp funding state that health and settlement read from.
// Entries are refreshed only by the explicit cache-update instructions;
// any risk-bearing read rejects entries older than the group's valid
// interval.
package cache

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
	"crossmargin/internal/group"
)

// PriceEntry is one cached oracle price in quote units per native unit.
type PriceEntry struct {
	Price       decimal.Decimal
	LastUpdated int64
}

// RootBankEntry caches one token's deposit/borrow indices.
type RootBankEntry struct {
	DepositIndex decimal.Decimal
	BorrowIndex  decimal.Decimal
	LastUpdated  int64
}

// PerpMarketEntry caches one perp market's funding accumulators.
type PerpMarketEntry struct {
	LongFunding  decimal.Decimal
	ShortFunding decimal.Decimal
	LastUpdated  int64
}

// GroupCache is the single snapshot object owned by a group. The quote
// token's price is fixed at one and needs no oracle slot.
type GroupCache struct {
	ID      uuid.UUID
	GroupID uuid.UUID

	Prices      [group.MaxPairs]PriceEntry
	RootBanks   [group.MaxTokens]RootBankEntry
	PerpMarkets [group.MaxPairs]PerpMarketEntry
}

// New creates an empty cache for the group.
func New(id, groupID uuid.UUID) *GroupCache {
	return &GroupCache{ID: id, GroupID: groupID}
}

func checkFresh(kind string, slot int, lastUpdated, now, validInterval int64) error {
	if lastUpdated == 0 {
		return errs.Newf(errs.CodeInvalidState, "%s cache slot %d never updated", kind, slot)
	}
	// Boundary inclusive: age == validInterval is still fresh.
	if now-lastUpdated > validInterval {
		return errs.Newf(errs.CodeInvalidState, "%s cache slot %d stale: age %d > valid interval %d",
			kind, slot, now-lastUpdated, validInterval)
	}
	return nil
}

// Price returns the cached oracle price for slot i, failing on staleness.
// QuoteIndex always reads as one.
func (c *GroupCache) Price(i int, now, validInterval int64) (decimal.Decimal, error) {
	if i == group.QuoteIndex {
		return fixed.One, nil
	}
	if i < 0 || i >= group.MaxPairs {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "price slot %d out of range", i)
	}
	if err := checkFresh("price", i, c.Prices[i].LastUpdated, now, validInterval); err != nil {
		return fixed.Zero, err
	}
	return c.Prices[i].Price, nil
}

// RootBank returns the cached indices for token slot i, failing on
// staleness.
func (c *GroupCache) RootBank(i int, now, validInterval int64) (RootBankEntry, error) {
	if i < 0 || i >= group.MaxTokens {
		return RootBankEntry{}, errs.Newf(errs.CodeMalformedInput, "root bank slot %d out of range", i)
	}
	if err := checkFresh("root bank", i, c.RootBanks[i].LastUpdated, now, validInterval); err != nil {
		return RootBankEntry{}, err
	}
	return c.RootBanks[i], nil
}

// PerpMarket returns the cached funding state for perp slot i, failing
// on staleness.
func (c *GroupCache) PerpMarket(i int, now, validInterval int64) (PerpMarketEntry, error) {
	if i < 0 || i >= group.MaxPairs {
		return PerpMarketEntry{}, errs.Newf(errs.CodeMalformedInput, "perp market slot %d out of range", i)
	}
	if err := checkFresh("perp market", i, c.PerpMarkets[i].LastUpdated, now, validInterval); err != nil {
		return PerpMarketEntry{}, err
	}
	return c.PerpMarkets[i], nil
}

// SetPrice refreshes one oracle price entry.
func (c *GroupCache) SetPrice(i int, price decimal.Decimal, now int64) {
	c.Prices[i] = PriceEntry{Price: price, LastUpdated: now}
}

// SetRootBank refreshes one index entry.
func (c *GroupCache) SetRootBank(i int, depositIndex, borrowIndex decimal.Decimal, now int64) {
	c.RootBanks[i] = RootBankEntry{DepositIndex: depositIndex, BorrowIndex: borrowIndex, LastUpdated: now}
}

// SetPerpMarket refreshes one funding entry.
func (c *GroupCache) SetPerpMarket(i int, longFunding, shortFunding decimal.Decimal, now int64) {
	c.PerpMarkets[i] = PerpMarketEntry{LongFunding: longFunding, ShortFunding: shortFunding, LastUpdated: now}
}

// Clone returns a deep copy; all entries are value types.
func (c *GroupCache) Clone() *GroupCache {
	cp := *c
	return &cp
}
