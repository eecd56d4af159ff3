// Package account defines the margin account: one user's index-scaled
// token balances, perp positions, and open-order references across every
// group slot, plus the liquidation flags the risk engine drives.
package account

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
	"crossmargin/internal/group"
)

// InfoLen is the free-form account name length.
const InfoLen = 32

// MaxPerpOpenOrders bounds resting perp orders per account.
const MaxPerpOpenOrders = 64

// Side of a perp order or exposure.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// PerpPosition is one slot's perpetual-futures exposure. QuotePosition
// already includes all funding settled up to the position's watermarks.
type PerpPosition struct {
	BasePosition  int64 // signed lots; positive = long
	QuotePosition decimal.Decimal

	// Funding watermarks: the accumulator values this position has
	// settled up to. Funding since the watermark is realized lazily on
	// next touch.
	LongSettledFunding  decimal.Decimal
	ShortSettledFunding decimal.Decimal

	// RewardsAccrued is unredeemed liquidity-mining reward.
	RewardsAccrued decimal.Decimal

	// Lots reserved by resting orders, for worst-case health.
	BidsQuantity int64
	AsksQuantity int64
}

// IsActive reports whether the position carries any exposure or orders.
func (p *PerpPosition) IsActive() bool {
	return p.BasePosition != 0 || !p.QuotePosition.IsZero() ||
		p.BidsQuantity != 0 || p.AsksQuantity != 0
}

// SettleFunding realizes funding accrued since the watermarks into the
// quote position. Longs pay when the accumulator rises; shorts receive.
func (p *PerpPosition) SettleFunding(longFunding, shortFunding decimal.Decimal) {
	if p.BasePosition > 0 {
		diff := longFunding.Sub(p.LongSettledFunding)
		p.QuotePosition = p.QuotePosition.Sub(diff.Mul(decimal.NewFromInt(p.BasePosition)))
	} else if p.BasePosition < 0 {
		diff := shortFunding.Sub(p.ShortSettledFunding)
		p.QuotePosition = p.QuotePosition.Sub(diff.Mul(decimal.NewFromInt(p.BasePosition)))
	}
	p.LongSettledFunding = longFunding
	p.ShortSettledFunding = shortFunding
}

// PerpOpenOrder is one resting perp order tracked on the account.
type PerpOpenOrder struct {
	OrderID       uint64
	ClientOrderID uint64
	Slot          int
	Side          Side
	Price         int64 // quote lots per base lot
	Quantity      int64 // remaining lots
}

// OpenOrders mirrors the external spot venue's open-orders account for
// one slot: collateral locked by resting orders plus settled-but-unswept
// free funds. The core consumes it opaquely.
type OpenOrders struct {
	ID uuid.UUID

	BaseLocked  decimal.Decimal
	QuoteLocked decimal.Decimal
	BaseFree    decimal.Decimal
	QuoteFree   decimal.Decimal
}

// Clone returns a deep copy.
func (o *OpenOrders) Clone() *OpenOrders {
	cp := *o
	return &cp
}

// MarginAccount is one user's ledger across every group slot.
type MarginAccount struct {
	ID      uuid.UUID
	GroupID uuid.UUID
	Owner   uuid.UUID

	// Index-scaled token balances; native = raw * bank index.
	Deposits [group.MaxTokens]decimal.Decimal
	Borrows  [group.MaxTokens]decimal.Decimal

	// InMarginBasket marks which non-quote slots enter health math.
	InMarginBasket [group.MaxPairs]bool

	SpotOpenOrders [group.MaxPairs]uuid.UUID
	PerpAccounts   [group.MaxPairs]PerpPosition
	PerpOrders     []PerpOpenOrder

	BeingLiquidated bool
	IsBankrupt      bool

	Info [InfoLen]byte

	// MsrmAmount is the fee-discount deposit, outside health math.
	MsrmAmount uint64
}

// New creates an empty margin account with zeroed decimal balances.
func New(id, groupID, owner uuid.UUID) *MarginAccount {
	a := &MarginAccount{ID: id, GroupID: groupID, Owner: owner}
	for i := range a.Deposits {
		a.Deposits[i] = fixed.Zero
		a.Borrows[i] = fixed.Zero
	}
	return a
}

// NativeDeposit values the slot's deposit at the given index.
func (a *MarginAccount) NativeDeposit(slot int, depositIndex decimal.Decimal) decimal.Decimal {
	return a.Deposits[slot].Mul(depositIndex)
}

// NativeBorrow values the slot's borrow at the given index.
func (a *MarginAccount) NativeBorrow(slot int, borrowIndex decimal.Decimal) decimal.Decimal {
	return a.Borrows[slot].Mul(borrowIndex)
}

// NetNative is native deposit minus native borrow for the slot.
func (a *MarginAccount) NetNative(slot int, depositIndex, borrowIndex decimal.Decimal) decimal.Decimal {
	return a.NativeDeposit(slot, depositIndex).Sub(a.NativeBorrow(slot, borrowIndex))
}

// AddToBasket flags a slot for inclusion in health math.
func (a *MarginAccount) AddToBasket(slot int) error {
	if slot < 0 || slot >= group.MaxPairs {
		return errs.Newf(errs.CodeMalformedInput, "basket slot %d out of range", slot)
	}
	a.InMarginBasket[slot] = true
	return nil
}

// UpdateBasket clears the basket flag for slots that no longer carry a
// balance, order, or position, and sets it for those that do. The quote
// slot is always implicitly in the basket.
func (a *MarginAccount) UpdateBasket() {
	for i := 0; i < group.MaxPairs; i++ {
		active := !a.Deposits[i].IsZero() || !a.Borrows[i].IsZero() ||
			a.SpotOpenOrders[i] != uuid.Nil || a.PerpAccounts[i].IsActive()
		a.InMarginBasket[i] = active
	}
}

// CheckedSubDeposit reduces a slot's raw deposit, failing if it would go
// negative.
func (a *MarginAccount) CheckedSubDeposit(slot int, raw decimal.Decimal) error {
	if raw.GreaterThan(a.Deposits[slot]) {
		return errs.Newf(errs.CodeInsufficientFunds, "slot %d: deposit %s short of %s", slot, a.Deposits[slot], raw)
	}
	a.Deposits[slot] = a.Deposits[slot].Sub(raw)
	return nil
}

// CheckedSubBorrow reduces a slot's raw borrow, failing if it would go
// negative.
func (a *MarginAccount) CheckedSubBorrow(slot int, raw decimal.Decimal) error {
	if raw.GreaterThan(a.Borrows[slot]) {
		return errs.Newf(errs.CodeInsufficientFunds, "slot %d: borrow %s short of %s", slot, a.Borrows[slot], raw)
	}
	a.Borrows[slot] = a.Borrows[slot].Sub(raw)
	return nil
}

// AddPerpOrder tracks a new resting order and its health reservation.
func (a *MarginAccount) AddPerpOrder(o PerpOpenOrder) error {
	if len(a.PerpOrders) >= MaxPerpOpenOrders {
		return errs.Newf(errs.CodeInvalidState, "perp open order limit %d reached", MaxPerpOpenOrders)
	}
	a.PerpOrders = append(a.PerpOrders, o)
	pos := &a.PerpAccounts[o.Slot]
	if o.Side == Bid {
		pos.BidsQuantity += o.Quantity
	} else {
		pos.AsksQuantity += o.Quantity
	}
	return nil
}

// RemovePerpOrder drops a resting order and releases its reservation.
// Returns the removed order.
func (a *MarginAccount) RemovePerpOrder(orderID uint64) (PerpOpenOrder, error) {
	for i, o := range a.PerpOrders {
		if o.OrderID == orderID {
			a.PerpOrders = append(a.PerpOrders[:i], a.PerpOrders[i+1:]...)
			pos := &a.PerpAccounts[o.Slot]
			if o.Side == Bid {
				pos.BidsQuantity -= o.Quantity
			} else {
				pos.AsksQuantity -= o.Quantity
			}
			return o, nil
		}
	}
	return PerpOpenOrder{}, errs.Newf(errs.CodeInvalidState, "perp order %d not found", orderID)
}

// ReducePerpOrder shrinks a resting order by filled lots, releasing the
// matching reservation and dropping the order once exhausted. Returns
// the order as it was before the reduction.
func (a *MarginAccount) ReducePerpOrder(orderID uint64, lots int64) (PerpOpenOrder, error) {
	for i := range a.PerpOrders {
		o := a.PerpOrders[i]
		if o.OrderID != orderID {
			continue
		}
		if lots > o.Quantity {
			return PerpOpenOrder{}, errs.Newf(errs.CodeFatal, "perp order %d: fill %d exceeds remaining %d", orderID, lots, o.Quantity)
		}
		pos := &a.PerpAccounts[o.Slot]
		if o.Side == Bid {
			pos.BidsQuantity -= lots
		} else {
			pos.AsksQuantity -= lots
		}
		if lots == o.Quantity {
			a.PerpOrders = append(a.PerpOrders[:i], a.PerpOrders[i+1:]...)
		} else {
			a.PerpOrders[i].Quantity -= lots
		}
		return o, nil
	}
	return PerpOpenOrder{}, errs.Newf(errs.CodeInvalidState, "perp order %d not found", orderID)
}

// FindPerpOrderByClientID locates a resting order by client id.
func (a *MarginAccount) FindPerpOrderByClientID(clientID uint64) (PerpOpenOrder, bool) {
	for _, o := range a.PerpOrders {
		if o.ClientOrderID == clientID {
			return o, true
		}
	}
	return PerpOpenOrder{}, false
}

// SetInfo stores the free-form name, truncating past InfoLen.
func (a *MarginAccount) SetInfo(info []byte) {
	var buf [InfoLen]byte
	copy(buf[:], info)
	a.Info = buf
}

// Clone returns a deep copy safe to mutate before commit.
func (a *MarginAccount) Clone() *MarginAccount {
	cp := *a
	cp.PerpOrders = append([]PerpOpenOrder(nil), a.PerpOrders...)
	return &cp
}
