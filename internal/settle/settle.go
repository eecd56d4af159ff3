// Package settle implements the settlement engine: every balance-moving
// operation outside liquidation. All functions mutate the state they
// are handed and return a typed error on any violated precondition; the
// dispatch layer runs them against deep copies and commits only on
// success, so a returned error always means zero net effect.
package settle

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/bank"
	"crossmargin/internal/cache"
	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
	"crossmargin/internal/group"
	"crossmargin/internal/health"
	"crossmargin/internal/perp"
)

// AccountSource resolves margin accounts referenced by queue events.
type AccountSource interface {
	Account(id uuid.UUID) (*account.MarginAccount, error)
}

// Credit adds native units to an account's token balance as an internal
// transfer: the pool aggregates move, the vault does not.
func Credit(a *account.MarginAccount, root *bank.RootBank, node *bank.NodeBank, slot int, native decimal.Decimal) {
	raw := native.Div(root.DepositIndex)
	a.Deposits[slot] = a.Deposits[slot].Add(raw)
	root.Deposits = root.Deposits.Add(raw)
	node.Deposits = node.Deposits.Add(raw)
}

// Debit removes native units from an account's token balance, drawing
// down deposits first and borrowing the remainder when allowed. Like
// Credit it never touches the vault.
func Debit(a *account.MarginAccount, root *bank.RootBank, node *bank.NodeBank, slot int, native decimal.Decimal, allowBorrow bool) error {
	available := a.NativeDeposit(slot, root.DepositIndex)
	fromDeposit := fixed.Min(native, available)
	borrowed := native.Sub(fromDeposit)

	if borrowed.IsPositive() && !allowBorrow {
		return errs.Newf(errs.CodeInsufficientFunds, "slot %d: deposit %s short of %s and borrow not allowed", slot, available, native)
	}

	if fromDeposit.IsPositive() {
		raw := fromDeposit.Div(root.DepositIndex)
		a.Deposits[slot] = a.Deposits[slot].Sub(raw)
		root.Deposits = root.Deposits.Sub(raw)
		node.Deposits = node.Deposits.Sub(raw)
	}
	if borrowed.IsPositive() {
		raw := borrowed.Div(root.BorrowIndex)
		a.Borrows[slot] = a.Borrows[slot].Add(raw)
		root.AddBorrow(node, raw)
	}
	return nil
}

// Deposit credits external collateral: balance and vault both grow.
func Deposit(a *account.MarginAccount, root *bank.RootBank, node *bank.NodeBank, slot int, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return errs.Newf(errs.CodeMalformedInput, "deposit quantity %s not positive", quantity)
	}
	raw := quantity.Div(root.DepositIndex)
	a.Deposits[slot] = a.Deposits[slot].Add(raw)
	root.Deposit(node, raw, quantity)
	a.UpdateBasket()
	return nil
}

// Withdraw pays native collateral out of the vault. Without allowBorrow
// the account's deposit must cover the full quantity. The resulting
// position must keep initial health at or above zero.
func Withdraw(a *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	root *bank.RootBank, node *bank.NodeBank, slot int, quantity decimal.Decimal, allowBorrow bool, now int64) error {
	if !quantity.IsPositive() {
		return errs.Newf(errs.CodeMalformedInput, "withdraw quantity %s not positive", quantity)
	}
	if quantity.GreaterThan(node.Vault) {
		return errs.Newf(errs.CodeInsufficientFunds, "vault %s short of withdrawal %s", node.Vault, quantity)
	}
	if err := Debit(a, root, node, slot, quantity, allowBorrow); err != nil {
		return err
	}
	node.Vault = node.Vault.Sub(quantity)
	a.UpdateBasket()

	h, err := health.Compute(a, g, c, oo, health.Init, now)
	if err != nil {
		return err
	}
	if !health.AllowsNewRisk(h) {
		return errs.Newf(errs.CodeInsufficientHealth, "withdrawal leaves init health %s", h)
	}
	return nil
}

// SettleFunds sweeps free spot-venue proceeds back into token balances.
// The collateral returns to bank custody, so the vaults grow too. No
// health gate: the operation only converts one asset form to another.
func SettleFunds(a *account.MarginAccount, oo *account.OpenOrders, slot int,
	baseRoot *bank.RootBank, baseNode *bank.NodeBank,
	quoteRoot *bank.RootBank, quoteNode *bank.NodeBank) error {
	if a.SpotOpenOrders[slot] != oo.ID {
		return errs.Newf(errs.CodeInvalidState, "open orders %s not bound to slot %d", oo.ID, slot)
	}

	if oo.BaseFree.IsPositive() {
		raw := oo.BaseFree.Div(baseRoot.DepositIndex)
		a.Deposits[slot] = a.Deposits[slot].Add(raw)
		baseRoot.Deposit(baseNode, raw, oo.BaseFree)
		oo.BaseFree = fixed.Zero
	}
	if oo.QuoteFree.IsPositive() {
		raw := oo.QuoteFree.Div(quoteRoot.DepositIndex)
		a.Deposits[group.QuoteIndex] = a.Deposits[group.QuoteIndex].Add(raw)
		quoteRoot.Deposit(quoteNode, raw, oo.QuoteFree)
		oo.QuoteFree = fixed.Zero
	}
	a.UpdateBasket()
	return nil
}

// PlaceSpotOrder locks collateral for a spot order on the external
// venue: quote for a bid, base for an ask. The locked side leaves the
// vault and sits on the open-orders account. Requires init health at or
// above zero afterwards.
func PlaceSpotOrder(a *account.MarginAccount, g *group.Group, c *cache.GroupCache, ooView health.OpenOrdersView,
	root *bank.RootBank, node *bank.NodeBank, oo *account.OpenOrders,
	slot int, side account.Side, lockNative decimal.Decimal, now int64) error {
	if !lockNative.IsPositive() {
		return errs.Newf(errs.CodeMalformedInput, "spot order lock %s not positive", lockNative)
	}
	if a.SpotOpenOrders[slot] != oo.ID {
		return errs.Newf(errs.CodeInvalidState, "open orders %s not bound to slot %d", oo.ID, slot)
	}
	if lockNative.GreaterThan(node.Vault) {
		return errs.Newf(errs.CodeInsufficientFunds, "vault %s short of lock %s", node.Vault, lockNative)
	}

	if err := Debit(a, root, node, slot2lock(slot, side), lockNative, true); err != nil {
		return err
	}
	node.Vault = node.Vault.Sub(lockNative)
	if side == account.Bid {
		oo.QuoteLocked = oo.QuoteLocked.Add(lockNative)
	} else {
		oo.BaseLocked = oo.BaseLocked.Add(lockNative)
	}
	if err := a.AddToBasket(slot); err != nil {
		return err
	}

	h, err := health.Compute(a, g, c, ooView, health.Init, now)
	if err != nil {
		return err
	}
	if !health.AllowsNewRisk(h) {
		return errs.Newf(errs.CodeInsufficientHealth, "spot order leaves init health %s", h)
	}
	return nil
}

// slot2lock maps a spot order side to the token slot whose balance is
// drawn: an ask locks base, a bid locks quote.
func slot2lock(slot int, side account.Side) int {
	if side == account.Bid {
		return group.QuoteIndex
	}
	return slot
}

// CancelSpotOrder releases locked collateral back to the free pool on
// the open-orders account. The funds return to balances via SettleFunds.
func CancelSpotOrder(oo *account.OpenOrders, side account.Side, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.Newf(errs.CodeMalformedInput, "cancel amount %s not positive", amount)
	}
	if side == account.Bid {
		if amount.GreaterThan(oo.QuoteLocked) {
			return errs.Newf(errs.CodeInvalidState, "quote locked %s short of cancel %s", oo.QuoteLocked, amount)
		}
		oo.QuoteLocked = oo.QuoteLocked.Sub(amount)
		oo.QuoteFree = oo.QuoteFree.Add(amount)
		return nil
	}
	if amount.GreaterThan(oo.BaseLocked) {
		return errs.Newf(errs.CodeInvalidState, "base locked %s short of cancel %s", oo.BaseLocked, amount)
	}
	oo.BaseLocked = oo.BaseLocked.Sub(amount)
	oo.BaseFree = oo.BaseFree.Add(amount)
	return nil
}

// SettlePnl nets realized perp pnl between two accounts: the positive
// side gets quote deposits, the negative side pays from quote deposits,
// borrowing the shortfall. The sum of both quote positions is unchanged
// minus exactly what moved into token balances.
func SettlePnl(a, b *account.MarginAccount, g *group.Group, c *cache.GroupCache,
	quoteRoot *bank.RootBank, quoteNode *bank.NodeBank, slot int, now int64) (decimal.Decimal, error) {
	info, err := g.PerpSlot(slot)
	if err != nil {
		return fixed.Zero, err
	}
	price, err := c.Price(slot, now, g.ValidInterval)
	if err != nil {
		return fixed.Zero, err
	}
	entry, err := c.PerpMarket(slot, now, g.ValidInterval)
	if err != nil {
		return fixed.Zero, err
	}

	a.PerpAccounts[slot].SettleFunding(entry.LongFunding, entry.ShortFunding)
	b.PerpAccounts[slot].SettleFunding(entry.LongFunding, entry.ShortFunding)

	lotValue := decimal.NewFromInt(info.BaseLotSize).Mul(price)
	pnlA := a.PerpAccounts[slot].QuotePosition.Add(decimal.NewFromInt(a.PerpAccounts[slot].BasePosition).Mul(lotValue))
	pnlB := b.PerpAccounts[slot].QuotePosition.Add(decimal.NewFromInt(b.PerpAccounts[slot].BasePosition).Mul(lotValue))

	if !pnlA.IsPositive() || !pnlB.IsNegative() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no settleable pnl: %s vs %s", pnlA, pnlB)
	}

	x := fixed.Min(pnlA, pnlB.Neg())
	a.PerpAccounts[slot].QuotePosition = a.PerpAccounts[slot].QuotePosition.Sub(x)
	b.PerpAccounts[slot].QuotePosition = b.PerpAccounts[slot].QuotePosition.Add(x)

	Credit(a, quoteRoot, quoteNode, group.QuoteIndex, x)
	if err := Debit(b, quoteRoot, quoteNode, group.QuoteIndex, x, true); err != nil {
		return fixed.Zero, err
	}
	a.UpdateBasket()
	b.UpdateBasket()
	return x, nil
}

// SettleBorrow repays a borrow from the account's deposits in the same
// token. Repays at most the outstanding borrow and at most the deposit.
func SettleBorrow(a *account.MarginAccount, root *bank.RootBank, node *bank.NodeBank, slot int, quantity decimal.Decimal) (decimal.Decimal, error) {
	if !quantity.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "settle borrow quantity %s not positive", quantity)
	}
	owed := a.NativeBorrow(slot, root.BorrowIndex)
	have := a.NativeDeposit(slot, root.DepositIndex)
	repay := fixed.Min(fixed.Min(quantity, owed), have)
	if !repay.IsPositive() {
		return fixed.Zero, nil
	}

	borrowRaw := repay.Div(root.BorrowIndex)
	a.Borrows[slot] = a.Borrows[slot].Sub(borrowRaw)
	root.ReduceBorrow(node, borrowRaw)

	depositRaw := repay.Div(root.DepositIndex)
	a.Deposits[slot] = a.Deposits[slot].Sub(depositRaw)
	root.Deposits = root.Deposits.Sub(depositRaw)
	node.Deposits = node.Deposits.Sub(depositRaw)

	a.UpdateBasket()
	return repay, nil
}

// PlacePerpOrder books a resting order on the account. The reservation
// enters worst-case health immediately; the order only affects positions
// when fills come back through the event queue.
func PlacePerpOrder(a *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	slot int, side account.Side, price, quantity int64, orderID, clientID uint64, now int64) error {
	if _, err := g.PerpSlot(slot); err != nil {
		return err
	}
	if price <= 0 || quantity <= 0 {
		return errs.Newf(errs.CodeMalformedInput, "perp order price %d quantity %d", price, quantity)
	}
	if side != account.Bid && side != account.Ask {
		return errs.Newf(errs.CodeMalformedInput, "perp order side %d", side)
	}

	if err := a.AddPerpOrder(account.PerpOpenOrder{
		OrderID:       orderID,
		ClientOrderID: clientID,
		Slot:          slot,
		Side:          side,
		Price:         price,
		Quantity:      quantity,
	}); err != nil {
		return err
	}
	if err := a.AddToBasket(slot); err != nil {
		return err
	}

	h, err := health.Compute(a, g, c, oo, health.Init, now)
	if err != nil {
		return err
	}
	if !health.AllowsNewRisk(h) {
		return errs.Newf(errs.CodeInsufficientHealth, "perp order leaves init health %s", h)
	}
	return nil
}

// CancelPerpOrder removes a resting order and releases its reservation.
func CancelPerpOrder(a *account.MarginAccount, orderID uint64) error {
	_, err := a.RemovePerpOrder(orderID)
	if err == nil {
		a.UpdateBasket()
	}
	return err
}

// CancelPerpOrderByClientID resolves the client id first.
func CancelPerpOrderByClientID(a *account.MarginAccount, clientID uint64) error {
	o, ok := a.FindPerpOrderByClientID(clientID)
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "no perp order with client id %d", clientID)
	}
	return CancelPerpOrder(a, o.OrderID)
}

// CancelAllPerpOrders removes up to limit resting orders in the slot
// and returns how many were cancelled.
func CancelAllPerpOrders(a *account.MarginAccount, slot int, limit int) int {
	cancelled := 0
	for i := 0; i < len(a.PerpOrders) && cancelled < limit; {
		if a.PerpOrders[i].Slot != slot {
			i++
			continue
		}
		a.RemovePerpOrder(a.PerpOrders[i].OrderID)
		cancelled++
	}
	if cancelled > 0 {
		a.UpdateBasket()
	}
	return cancelled
}

// RedeemRewards converts a position's accrued liquidity-mining rewards
// into a quote deposit. The payout is funded from the rewards vault, so
// real collateral enters the bank.
func RedeemRewards(a *account.MarginAccount, quoteRoot *bank.RootBank, quoteNode *bank.NodeBank, slot int) (decimal.Decimal, error) {
	pos := &a.PerpAccounts[slot]
	reward := pos.RewardsAccrued
	if !reward.IsPositive() {
		return fixed.Zero, nil
	}
	pos.RewardsAccrued = fixed.Zero
	raw := reward.Div(quoteRoot.DepositIndex)
	a.Deposits[group.QuoteIndex] = a.Deposits[group.QuoteIndex].Add(raw)
	quoteRoot.Deposit(quoteNode, raw, reward)
	return reward, nil
}

// SettleFees sweeps a perp market's accrued fees into the fees account's
// quote balance.
func SettleFees(mkt *perp.PerpMarket, feesAccount *account.MarginAccount,
	quoteRoot *bank.RootBank, quoteNode *bank.NodeBank) (decimal.Decimal, error) {
	fees := mkt.FeesAccrued
	if !fees.IsPositive() {
		return fixed.Zero, nil
	}
	mkt.FeesAccrued = fixed.Zero
	raw := fees.Div(quoteRoot.DepositIndex)
	feesAccount.Deposits[group.QuoteIndex] = feesAccount.Deposits[group.QuoteIndex].Add(raw)
	quoteRoot.Deposit(quoteNode, raw, fees)
	return fees, nil
}

// ConsumeEvents applies up to limit committed events from the market's
// queue to the referenced accounts. Each affected position settles
// funding before the event applies. Returns how many events were
// consumed. Any error aborts the batch; the caller's copy-commit makes
// the abort side-effect free.
func ConsumeEvents(src AccountSource, g *group.Group, mkt *perp.PerpMarket, slot int, limit int, now int64) (int, error) {
	info, err := g.PerpSlot(slot)
	if err != nil {
		return 0, err
	}

	consumed := 0
	for consumed < limit {
		head, ok := mkt.Queue.Peek()
		if !ok {
			break
		}

		switch head.Type {
		case perp.EventFill:
			if err := applyFill(src, info, mkt, slot, head, now); err != nil {
				return consumed, err
			}
		case perp.EventOut:
			owner, err := src.Account(head.Owner)
			if err != nil {
				return consumed, err
			}
			// The order may already be gone after a force cancel.
			if _, err := owner.RemovePerpOrder(head.OrderID); err == nil {
				owner.UpdateBasket()
			}
		case perp.EventLiquidate:
			// Bookkeeping record only; the liquidation itself already
			// moved the positions.
		default:
			return consumed, errs.Newf(errs.CodeFatal, "unknown event type %d", head.Type)
		}

		if _, err := mkt.Queue.Pop(); err != nil {
			return consumed, err
		}
		consumed++
	}
	return consumed, nil
}

func applyFill(src AccountSource, info group.PerpMarketInfo, mkt *perp.PerpMarket, slot int, e perp.Event, now int64) error {
	maker, err := src.Account(e.Maker)
	if err != nil {
		return err
	}
	taker, err := src.Account(e.Taker)
	if err != nil {
		return err
	}

	makerPos := &maker.PerpAccounts[slot]
	takerPos := &taker.PerpAccounts[slot]
	makerPos.SettleFunding(mkt.LongFunding, mkt.ShortFunding)
	takerPos.SettleFunding(mkt.LongFunding, mkt.ShortFunding)

	makerBefore := makerPos.BasePosition
	takerBefore := takerPos.BasePosition

	// Price is native quote units per base lot.
	notional := e.Price.Mul(decimal.NewFromInt(e.Quantity))
	if e.TakerSide == uint8(account.Bid) {
		takerPos.BasePosition += e.Quantity
		takerPos.QuotePosition = takerPos.QuotePosition.Sub(notional)
		makerPos.BasePosition -= e.Quantity
		makerPos.QuotePosition = makerPos.QuotePosition.Add(notional)
	} else {
		takerPos.BasePosition -= e.Quantity
		takerPos.QuotePosition = takerPos.QuotePosition.Add(notional)
		makerPos.BasePosition += e.Quantity
		makerPos.QuotePosition = makerPos.QuotePosition.Add(notional.Neg())
	}

	takerFee := notional.Abs().Mul(info.TakerFee)
	makerFee := notional.Abs().Mul(info.MakerFee)
	takerPos.QuotePosition = takerPos.QuotePosition.Sub(takerFee)
	makerPos.QuotePosition = makerPos.QuotePosition.Sub(makerFee)
	mkt.FeesAccrued = mkt.FeesAccrued.Add(takerFee).Add(makerFee)

	// Release the maker's reservation; the order can already be gone
	// if force-cancelled after the venue matched it.
	if _, err := maker.ReducePerpOrder(e.MakerOrderID, e.Quantity); err != nil && errs.CodeOf(err) == errs.CodeFatal {
		return err
	}

	reward := mkt.AccrueMiningReward(e.Quantity, now)
	if reward.IsPositive() {
		makerPos.RewardsAccrued = makerPos.RewardsAccrued.Add(reward)
	}

	mkt.ChangeOpenInterest(takerBefore, takerPos.BasePosition, makerBefore, makerPos.BasePosition)

	maker.InMarginBasket[slot] = true
	taker.InMarginBasket[slot] = true
	return nil
}

// ForceSettleQuotePosition settles the quote position of a flat account
// against a counterparty. Used to wind a market down once every position
// is flat.
func ForceSettleQuotePosition(a, b *account.MarginAccount, g *group.Group, c *cache.GroupCache,
	quoteRoot *bank.RootBank, quoteNode *bank.NodeBank, slot int, now int64) (decimal.Decimal, error) {
	if a.PerpAccounts[slot].BasePosition != 0 {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "account %s has open base position in slot %d", a.ID, slot)
	}
	return SettlePnl(a, b, g, c, quoteRoot, quoteNode, slot, now)
}
