// Package bank implements the interest-accruing token pools: one root
// bank per token owning the compounding deposit/borrow indices, plus the
// node banks that hold actual vault balances. All health and liquidation
// math reads native values (raw * index); raw values are stored so that
// index growth reprices every holder without touching their accounts.
package bank

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
)

// YearSeconds converts annualized rates to per-second accrual.
const YearSeconds = 365 * 24 * 60 * 60

var yearDec = decimal.NewFromInt(YearSeconds)

// ProtocolFeeFraction is the share of deposit-side interest retained as
// protocol fee, realized as the spread between borrow and deposit index
// growth and routed to the fees vault.
var ProtocolFeeFraction = decimal.RequireFromString("0.05")

// RootBank owns a token's indices and aggregate raw totals.
type RootBank struct {
	ID         uuid.UUID
	TokenIndex int

	OptimalUtil decimal.Decimal
	OptimalRate decimal.Decimal
	MaxRate     decimal.Decimal

	DepositIndex decimal.Decimal
	BorrowIndex  decimal.Decimal

	// Aggregate raw totals across all node banks. Invariant: equals the
	// sum of the node banks' raw totals at all times.
	Deposits decimal.Decimal
	Borrows  decimal.Decimal

	NodeBanks []uuid.UUID

	// LastUpdated is the unix-seconds timestamp of the last index
	// update, always a versioned input from the host, never wall clock.
	LastUpdated int64
}

// NodeBank holds one child pool's raw totals and its vault balance in
// native units.
type NodeBank struct {
	ID       uuid.UUID
	RootBank uuid.UUID

	Deposits decimal.Decimal
	Borrows  decimal.Decimal

	// Vault is the real collateral held, in native units.
	Vault decimal.Decimal
}

// NewRootBank creates a root bank with both indices at one.
func NewRootBank(id uuid.UUID, tokenIndex int, optimalUtil, optimalRate, maxRate decimal.Decimal, now int64) *RootBank {
	return &RootBank{
		ID:           id,
		TokenIndex:   tokenIndex,
		OptimalUtil:  optimalUtil,
		OptimalRate:  optimalRate,
		MaxRate:      maxRate,
		DepositIndex: fixed.One,
		BorrowIndex:  fixed.One,
		LastUpdated:  now,
	}
}

// NewNodeBank creates an empty child pool.
func NewNodeBank(id, root uuid.UUID) *NodeBank {
	return &NodeBank{ID: id, RootBank: root}
}

// NativeDeposits returns the pool's total deposit value in native units.
func (r *RootBank) NativeDeposits() decimal.Decimal {
	return r.Deposits.Mul(r.DepositIndex)
}

// NativeBorrows returns the pool's total borrow value in native units.
func (r *RootBank) NativeBorrows() decimal.Decimal {
	return r.Borrows.Mul(r.BorrowIndex)
}

// Utilization is native borrows over native deposits, zero on an empty
// pool.
func (r *RootBank) Utilization() decimal.Decimal {
	deposits := r.NativeDeposits()
	if deposits.IsZero() {
		return fixed.Zero
	}
	return r.NativeBorrows().Div(deposits)
}

// BorrowRate evaluates the three-segment piecewise-linear rate curve at
// the current utilization: proportional up to optimal utilization, then
// linear from the optimal rate to the max rate at 100%.
func (r *RootBank) BorrowRate() decimal.Decimal {
	util := r.Utilization()
	if util.LessThanOrEqual(r.OptimalUtil) {
		if r.OptimalUtil.IsZero() {
			return r.OptimalRate
		}
		return util.Div(r.OptimalUtil).Mul(r.OptimalRate)
	}

	span := fixed.One.Sub(r.OptimalUtil)
	if span.IsZero() {
		return r.MaxRate
	}
	extra := util.Sub(r.OptimalUtil).Div(span)
	return r.OptimalRate.Add(extra.Mul(r.MaxRate.Sub(r.OptimalRate)))
}

// DepositRate is the borrow rate scaled by utilization and by the
// depositor share of interest.
func (r *RootBank) DepositRate() decimal.Decimal {
	return r.BorrowRate().Mul(r.Utilization()).Mul(fixed.One.Sub(ProtocolFeeFraction))
}

// UpdateIndex advances both indices by rate * elapsed. A clock
// regression is a fatal invariant violation; equal timestamps are a
// no-op so repeated updates within one instant stay idempotent.
// Returns the native interest retained as protocol fee.
func (r *RootBank) UpdateIndex(now int64) (decimal.Decimal, error) {
	elapsed := now - r.LastUpdated
	if elapsed < 0 {
		return fixed.Zero, errs.Newf(errs.CodeFatal, "bank %s: clock regression %d -> %d", r.ID, r.LastUpdated, now)
	}
	if elapsed == 0 {
		return fixed.Zero, nil
	}

	dt := decimal.NewFromInt(elapsed).Div(yearDec)
	borrowRate := r.BorrowRate()
	depositRate := r.DepositRate()

	// Total interest charged to borrowers, in native units, before the
	// indices move.
	grossInterest := r.NativeBorrows().Mul(borrowRate).Mul(dt)
	paidToDepositors := r.NativeDeposits().Mul(depositRate).Mul(dt)
	fee := grossInterest.Sub(paidToDepositors)
	if fee.IsNegative() {
		fee = fixed.Zero
	}

	r.BorrowIndex = r.BorrowIndex.Mul(fixed.One.Add(borrowRate.Mul(dt)))
	r.DepositIndex = r.DepositIndex.Mul(fixed.One.Add(depositRate.Mul(dt)))
	r.LastUpdated = now

	return fee, nil
}

// SocializeLoss lowers the deposit index so that the pool's total native
// deposit value drops by exactly nativeLoss, realizing a pro-rata
// write-down on every depositor the next time their balance is read.
func (r *RootBank) SocializeLoss(nativeLoss decimal.Decimal) error {
	if nativeLoss.IsNegative() {
		return errs.Newf(errs.CodeFatal, "bank %s: negative socialized loss %s", r.ID, nativeLoss)
	}
	total := r.NativeDeposits()
	if nativeLoss.GreaterThan(total) {
		return errs.Newf(errs.CodeInsufficientFunds, "bank %s: loss %s exceeds pool deposits %s", r.ID, nativeLoss, total)
	}
	if total.IsZero() || nativeLoss.IsZero() {
		return nil
	}

	r.DepositIndex = r.DepositIndex.Mul(fixed.One.Sub(nativeLoss.Div(total)))
	return nil
}

// Deposit credits raw units to the pool and real collateral to the node
// vault.
func (r *RootBank) Deposit(node *NodeBank, raw, native decimal.Decimal) {
	r.Deposits = r.Deposits.Add(raw)
	node.Deposits = node.Deposits.Add(raw)
	node.Vault = node.Vault.Add(native)
}

// Withdraw removes raw units and pays out native collateral from the
// node vault. The vault can only pay out what borrowers have not taken.
func (r *RootBank) Withdraw(node *NodeBank, raw, native decimal.Decimal) error {
	if native.GreaterThan(node.Vault) {
		return errs.Newf(errs.CodeInsufficientFunds, "bank %s: vault %s short of withdrawal %s", r.ID, node.Vault, native)
	}
	r.Deposits = r.Deposits.Sub(raw)
	node.Deposits = node.Deposits.Sub(raw)
	node.Vault = node.Vault.Sub(native)
	return nil
}

// AddBorrow records new raw borrow units against the pool.
func (r *RootBank) AddBorrow(node *NodeBank, raw decimal.Decimal) {
	r.Borrows = r.Borrows.Add(raw)
	node.Borrows = node.Borrows.Add(raw)
}

// ReduceBorrow repays raw borrow units.
func (r *RootBank) ReduceBorrow(node *NodeBank, raw decimal.Decimal) {
	r.Borrows = r.Borrows.Sub(raw)
	node.Borrows = node.Borrows.Sub(raw)
}

// CheckTotals verifies the root aggregates equal the node sums.
func (r *RootBank) CheckTotals(nodes []*NodeBank) error {
	sumDeposits := fixed.Zero
	sumBorrows := fixed.Zero
	for _, n := range nodes {
		sumDeposits = sumDeposits.Add(n.Deposits)
		sumBorrows = sumBorrows.Add(n.Borrows)
	}
	if !sumDeposits.Equal(r.Deposits) || !sumBorrows.Equal(r.Borrows) {
		return errs.Newf(errs.CodeFatal, "bank %s: root totals (%s/%s) diverge from node sums (%s/%s)",
			r.ID, r.Deposits, r.Borrows, sumDeposits, sumBorrows)
	}
	return nil
}

// Clone returns a deep copy of the root bank.
func (r *RootBank) Clone() *RootBank {
	cp := *r
	cp.NodeBanks = append([]uuid.UUID(nil), r.NodeBanks...)
	return &cp
}

// Clone returns a deep copy of the node bank.
func (n *NodeBank) Clone() *NodeBank {
	cp := *n
	return &cp
}
