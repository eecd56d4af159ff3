// Package liq implements the liquidation engine: forced deleveraging of
// accounts whose maintenance health has gone negative, and bankruptcy
// resolution once an account has liabilities but nothing left to seize.
// Every entry point re-checks eligibility and the dispatch layer's
// copy-commit makes each call atomic.
package liq

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
	"crossmargin/internal/settle"
)

// AssetType discriminates the two ledgers a liquidation leg can touch.
type AssetType uint8

const (
	AssetToken AssetType = iota
	AssetPerp
)

// InsuranceFund is the first-loss capital drawn during bankruptcy
// resolution, before any loss socializes onto depositors or the open
// interest.
type InsuranceFund struct {
	Balance decimal.Decimal
}

// Withdraw takes up to want from the fund and returns what it got.
func (f *InsuranceFund) Withdraw(want decimal.Decimal) decimal.Decimal {
	got := fixed.Min(want, f.Balance)
	if got.IsNegative() {
		got = fixed.Zero
	}
	f.Balance = f.Balance.Sub(got)
	return got
}

// begin re-checks eligibility and returns the maintenance deficit as a
// positive number. A healthy account clears its liquidation flag and
// fails with NotLiquidatable; a bankrupt one must go through bankruptcy
// resolution instead.
func begin(liqee *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView, now int64) (decimal.Decimal, error) {
	if liqee.IsBankrupt {
		return fixed.Zero, errs.Newf(errs.CodeNotLiquidatable, "account %s is bankrupt; resolve bankruptcy instead", liqee.ID)
	}
	maint, err := health.Compute(liqee, g, c, oo, health.Maint, now)
	if err != nil {
		return fixed.Zero, err
	}
	if !health.Liquidatable(maint) {
		liqee.BeingLiquidated = false
		return fixed.Zero, errs.Newf(errs.CodeNotLiquidatable, "account %s maint health %s", liqee.ID, maint)
	}
	liqee.BeingLiquidated = true
	return maint.Neg(), nil
}

// finish recomputes the liqee's state flags after a transfer: healthy
// again clears the flag, still underwater with nothing left to seize
// marks bankruptcy.
func finish(liqee *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView, now int64) error {
	maint, err := health.Compute(liqee, g, c, oo, health.Maint, now)
	if err != nil {
		return err
	}
	if !health.Liquidatable(maint) {
		liqee.BeingLiquidated = false
		return nil
	}
	if !hasSeizableCollateral(liqee, oo) {
		liqee.IsBankrupt = true
	}
	return nil
}

// checkLiqor enforces that the liquidator ends the call able to carry
// the risk it took on.
func checkLiqor(liqor *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView, now int64) error {
	h, err := health.Compute(liqor, g, c, oo, health.Init, now)
	if err != nil {
		return err
	}
	if !health.AllowsNewRisk(h) {
		return errs.Newf(errs.CodeInsufficientHealth, "liquidator init health %s", h)
	}
	return nil
}

func hasSeizableCollateral(a *account.MarginAccount, oo health.OpenOrdersView) bool {
	for i := 0; i < group.MaxTokens; i++ {
		if a.Deposits[i].IsPositive() {
			return true
		}
	}
	for i := 0; i < group.MaxPairs; i++ {
		pos := a.PerpAccounts[i]
		if pos.BasePosition != 0 || pos.QuotePosition.IsPositive() {
			return true
		}
		if a.SpotOpenOrders[i] == uuid.Nil {
			continue
		}
		if oo == nil {
			continue
		}
		if orders, ok := oo.OpenOrders(a.SpotOpenOrders[i]); ok {
			if orders.BaseLocked.IsPositive() || orders.BaseFree.IsPositive() ||
				orders.QuoteLocked.IsPositive() || orders.QuoteFree.IsPositive() {
				return true
			}
		}
	}
	return false
}

// pairFee sums the liquidation fees of the two legs; the quote slot
// carries no fee of its own.
func pairFee(g *group.Group, assetIndex, liabIndex int) decimal.Decimal {
	fee := fixed.Zero
	if assetIndex != group.QuoteIndex && !g.SpotMarkets[assetIndex].Empty() {
		fee = fee.Add(g.SpotMarkets[assetIndex].LiquidationFee)
	}
	if liabIndex != group.QuoteIndex && !g.SpotMarkets[liabIndex].Empty() {
		fee = fee.Add(g.SpotMarkets[liabIndex].LiquidationFee)
	}
	return fee
}

func slotPrice(c *cache.GroupCache, g *group.Group, slot int, now int64) (decimal.Decimal, error) {
	if slot == group.QuoteIndex {
		return fixed.One, nil
	}
	return c.Price(slot, now, g.ValidInterval)
}

// LiquidateTokenAndToken repays part of the liqee's borrow in the liab
// token from the liquidator's balance and pays the liquidator out of
// the liqee's deposits in the asset token at a fee-discounted price.
// Returns the liab-token native amount transferred.
func LiquidateTokenAndToken(liqee, liqor *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	assetRoot *bank.RootBank, assetNode *bank.NodeBank, assetIndex int,
	liabRoot *bank.RootBank, liabNode *bank.NodeBank, liabIndex int,
	maxLiabTransfer decimal.Decimal, now int64) (decimal.Decimal, error) {
	if !maxLiabTransfer.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "max liab transfer %s not positive", maxLiabTransfer)
	}
	if assetIndex == liabIndex {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "asset and liab legs are the same slot %d", assetIndex)
	}

	deficit, err := begin(liqee, g, c, oo, now)
	if err != nil {
		return fixed.Zero, err
	}

	liabNative := liqee.NativeBorrow(liabIndex, liabRoot.BorrowIndex)
	if !liabNative.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "liqee has no borrow in slot %d", liabIndex)
	}
	assetNative := liqee.NativeDeposit(assetIndex, assetRoot.DepositIndex)
	if !assetNative.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "liqee has no deposit in slot %d", assetIndex)
	}

	assetPrice, err := slotPrice(c, g, assetIndex, now)
	if err != nil {
		return fixed.Zero, err
	}
	liabPrice, err := slotPrice(c, g, liabIndex, now)
	if err != nil {
		return fixed.Zero, err
	}

	fee := pairFee(g, assetIndex, liabIndex)
	premium := fixed.One.Add(fee)

	// Health gained per liab native unit repaid: the liab leaves at
	// its maintenance weight, the asset leaves at par plus the fee.
	liabWeight := fixed.One
	if liabIndex != group.QuoteIndex && !g.SpotMarkets[liabIndex].Empty() {
		liabWeight = g.SpotMarkets[liabIndex].Weights.MaintLiab
	}
	gainPerUnit := liabPrice.Mul(liabWeight).Sub(liabPrice.Mul(premium))

	transfer := fixed.Min(maxLiabTransfer, liabNative)
	// Asset capacity: the liqee's deposit must cover the premium leg.
	assetCap := assetNative.Mul(assetPrice).Div(liabPrice.Mul(premium))
	transfer = fixed.Min(transfer, assetCap)
	if gainPerUnit.IsPositive() {
		transfer = fixed.Min(transfer, deficit.Div(gainPerUnit))
	}
	if !transfer.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no transferable amount")
	}

	// Liquidator repays the borrow.
	if err := settle.Debit(liqor, liabRoot, liabNode, liabIndex, transfer, true); err != nil {
		return fixed.Zero, err
	}
	borrowRaw := transfer.Div(liabRoot.BorrowIndex)
	liqee.Borrows[liabIndex] = liqee.Borrows[liabIndex].Sub(borrowRaw)
	liabRoot.ReduceBorrow(liabNode, borrowRaw)

	// Liquidator takes the asset leg at the premium.
	assetTransfer := transfer.Mul(liabPrice).Mul(premium).Div(assetPrice)
	assetRaw := assetTransfer.Div(assetRoot.DepositIndex)
	// Rounded division can land a hair above the liqee's deposit when
	// the transfer is capacity-bound; take at most what is there.
	assetRaw = fixed.Min(assetRaw, liqee.Deposits[assetIndex])
	if err := liqee.CheckedSubDeposit(assetIndex, assetRaw); err != nil {
		return fixed.Zero, err
	}
	liqor.Deposits[assetIndex] = liqor.Deposits[assetIndex].Add(assetRaw)

	liqee.UpdateBasket()
	liqor.UpdateBasket()

	if err := checkLiqor(liqor, g, c, oo, now); err != nil {
		return fixed.Zero, err
	}
	if err := finish(liqee, g, c, oo, now); err != nil {
		return fixed.Zero, err
	}
	return transfer, nil
}

// LiquidateTokenAndPerp swaps value between a token leg and a flat perp
// position's quote leg. One leg must be a token and the other a perp
// slot whose base position is zero.
func LiquidateTokenAndPerp(liqee, liqor *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	root *bank.RootBank, node *bank.NodeBank,
	assetType AssetType, assetIndex int, liabType AssetType, liabIndex int,
	maxLiabTransfer decimal.Decimal, now int64) (decimal.Decimal, error) {
	if !maxLiabTransfer.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "max liab transfer %s not positive", maxLiabTransfer)
	}
	if assetType == liabType {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "one leg must be a token and the other a perp quote position")
	}

	if _, err := begin(liqee, g, c, oo, now); err != nil {
		return fixed.Zero, err
	}

	if liabType == AssetPerp {
		return liquidateTokenAssetPerpLiab(liqee, liqor, g, c, oo, root, node, assetIndex, liabIndex, maxLiabTransfer, now)
	}
	return liquidatePerpAssetTokenLiab(liqee, liqor, g, c, oo, root, node, assetIndex, liabIndex, maxLiabTransfer, now)
}

// token asset, perp quote liab: the liquidator assumes the negative
// quote position and takes token deposits at the premium.
func liquidateTokenAssetPerpLiab(liqee, liqor *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	assetRoot *bank.RootBank, assetNode *bank.NodeBank, assetIndex, perpIndex int,
	maxLiabTransfer decimal.Decimal, now int64) (decimal.Decimal, error) {
	info, err := g.PerpSlot(perpIndex)
	if err != nil {
		return fixed.Zero, err
	}
	entry, err := c.PerpMarket(perpIndex, now, g.ValidInterval)
	if err != nil {
		return fixed.Zero, err
	}
	liqee.PerpAccounts[perpIndex].SettleFunding(entry.LongFunding, entry.ShortFunding)
	liqor.PerpAccounts[perpIndex].SettleFunding(entry.LongFunding, entry.ShortFunding)

	pos := &liqee.PerpAccounts[perpIndex]
	if pos.BasePosition != 0 {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "perp base position %d not flat", pos.BasePosition)
	}
	liab := pos.QuotePosition.Neg()
	if !liab.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no perp quote liability in slot %d", perpIndex)
	}
	assetNative := liqee.NativeDeposit(assetIndex, assetRoot.DepositIndex)
	if !assetNative.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "liqee has no deposit in slot %d", assetIndex)
	}
	assetPrice, err := slotPrice(c, g, assetIndex, now)
	if err != nil {
		return fixed.Zero, err
	}

	premium := fixed.One.Add(info.LiquidationFee)
	transfer := fixed.Min(maxLiabTransfer, liab)
	transfer = fixed.Min(transfer, assetNative.Mul(assetPrice).Div(premium))
	if !transfer.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no transferable amount")
	}

	pos.QuotePosition = pos.QuotePosition.Add(transfer)
	liqor.PerpAccounts[perpIndex].QuotePosition = liqor.PerpAccounts[perpIndex].QuotePosition.Sub(transfer)

	assetTransfer := transfer.Mul(premium).Div(assetPrice)
	assetRaw := assetTransfer.Div(assetRoot.DepositIndex)
	if err := liqee.CheckedSubDeposit(assetIndex, assetRaw); err != nil {
		return fixed.Zero, err
	}
	liqor.Deposits[assetIndex] = liqor.Deposits[assetIndex].Add(assetRaw)
	liqor.InMarginBasket[perpIndex] = true

	liqee.UpdateBasket()
	liqor.UpdateBasket()

	if err := checkLiqor(liqor, g, c, oo, now); err != nil {
		return fixed.Zero, err
	}
	if err := finish(liqee, g, c, oo, now); err != nil {
		return fixed.Zero, err
	}
	return transfer, nil
}

// perp quote asset, token liab: the liquidator repays the borrow and
// receives the liqee's positive quote position at the premium.
func liquidatePerpAssetTokenLiab(liqee, liqor *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	liabRoot *bank.RootBank, liabNode *bank.NodeBank, perpIndex, liabIndex int,
	maxLiabTransfer decimal.Decimal, now int64) (decimal.Decimal, error) {
	info, err := g.PerpSlot(perpIndex)
	if err != nil {
		return fixed.Zero, err
	}
	entry, err := c.PerpMarket(perpIndex, now, g.ValidInterval)
	if err != nil {
		return fixed.Zero, err
	}
	liqee.PerpAccounts[perpIndex].SettleFunding(entry.LongFunding, entry.ShortFunding)
	liqor.PerpAccounts[perpIndex].SettleFunding(entry.LongFunding, entry.ShortFunding)

	pos := &liqee.PerpAccounts[perpIndex]
	if pos.BasePosition != 0 {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "perp base position %d not flat", pos.BasePosition)
	}
	asset := pos.QuotePosition
	if !asset.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no positive perp quote position in slot %d", perpIndex)
	}
	liabNative := liqee.NativeBorrow(liabIndex, liabRoot.BorrowIndex)
	if !liabNative.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "liqee has no borrow in slot %d", liabIndex)
	}
	liabPrice, err := slotPrice(c, g, liabIndex, now)
	if err != nil {
		return fixed.Zero, err
	}

	premium := fixed.One.Add(info.LiquidationFee)
	transfer := fixed.Min(maxLiabTransfer, liabNative)
	// The quote position must cover the premium leg.
	transfer = fixed.Min(transfer, asset.Div(liabPrice.Mul(premium)))
	if !transfer.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no transferable amount")
	}

	if err := settle.Debit(liqor, liabRoot, liabNode, liabIndex, transfer, true); err != nil {
		return fixed.Zero, err
	}
	borrowRaw := transfer.Div(liabRoot.BorrowIndex)
	liqee.Borrows[liabIndex] = liqee.Borrows[liabIndex].Sub(borrowRaw)
	liabRoot.ReduceBorrow(liabNode, borrowRaw)

	quoteTransfer := transfer.Mul(liabPrice).Mul(premium)
	pos.QuotePosition = pos.QuotePosition.Sub(quoteTransfer)
	liqor.PerpAccounts[perpIndex].QuotePosition = liqor.PerpAccounts[perpIndex].QuotePosition.Add(quoteTransfer)
	liqor.InMarginBasket[perpIndex] = true

	liqee.UpdateBasket()
	liqor.UpdateBasket()

	if err := checkLiqor(liqor, g, c, oo, now); err != nil {
		return fixed.Zero, err
	}
	if err := finish(liqee, g, c, oo, now); err != nil {
		return fixed.Zero, err
	}
	return transfer, nil
}

// LiquidatePerpMarket transfers base lots from the liqee to the
// liquidator at the cached price shaded by the liquidation fee in the
// liquidator's favor. The request is signed and must reduce the liqee's
// position; the transfer never flips its sign.
func LiquidatePerpMarket(liqee, liqor *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	mkt *perp.PerpMarket, slot int, baseTransferRequest int64, now int64) (int64, error) {
	if baseTransferRequest == 0 {
		return 0, errs.Newf(errs.CodeMalformedInput, "zero base transfer request")
	}
	info, err := g.PerpSlot(slot)
	if err != nil {
		return 0, err
	}

	deficit, err := begin(liqee, g, c, oo, now)
	if err != nil {
		return 0, err
	}

	price, err := c.Price(slot, now, g.ValidInterval)
	if err != nil {
		return 0, err
	}

	liqeePos := &liqee.PerpAccounts[slot]
	liqorPos := &liqor.PerpAccounts[slot]
	liqeePos.SettleFunding(mkt.LongFunding, mkt.ShortFunding)
	liqorPos.SettleFunding(mkt.LongFunding, mkt.ShortFunding)

	base := liqeePos.BasePosition
	if base == 0 {
		return 0, errs.Newf(errs.CodeInvalidState, "liqee has no base position in slot %d", slot)
	}
	if (base > 0) != (baseTransferRequest > 0) {
		return 0, errs.Newf(errs.CodeMalformedInput, "transfer request %d does not reduce position %d", baseTransferRequest, base)
	}

	lotValue := decimal.NewFromInt(info.BaseLotSize).Mul(price)
	var weight, perLotQuote, gainPerLot decimal.Decimal
	if base > 0 {
		// Long liqee sells at a discount.
		weight = info.Weights.MaintAsset
		perLotQuote = lotValue.Mul(fixed.One.Sub(info.LiquidationFee))
		gainPerLot = perLotQuote.Sub(lotValue.Mul(weight))
	} else {
		// Short liqee buys back at a premium.
		weight = info.Weights.MaintLiab
		perLotQuote = lotValue.Mul(fixed.One.Add(info.LiquidationFee))
		gainPerLot = lotValue.Mul(weight).Sub(perLotQuote)
	}

	lots := absInt64(baseTransferRequest)
	if liqeeLots := absInt64(base); lots > liqeeLots {
		lots = liqeeLots
	}
	if gainPerLot.IsPositive() {
		// Never overshoot above zero maintenance health.
		maxLots := deficit.Div(gainPerLot).IntPart()
		if lots > maxLots {
			lots = maxLots
		}
	}
	if lots <= 0 {
		return 0, errs.Newf(errs.CodeInvalidState, "no transferable lots")
	}

	quote := perLotQuote.Mul(decimal.NewFromInt(lots))
	liqorBefore := liqorPos.BasePosition
	if base > 0 {
		liqeePos.BasePosition -= lots
		liqeePos.QuotePosition = liqeePos.QuotePosition.Add(quote)
		liqorPos.BasePosition += lots
		liqorPos.QuotePosition = liqorPos.QuotePosition.Sub(quote)
	} else {
		liqeePos.BasePosition += lots
		liqeePos.QuotePosition = liqeePos.QuotePosition.Sub(quote)
		liqorPos.BasePosition -= lots
		liqorPos.QuotePosition = liqorPos.QuotePosition.Add(quote)
	}
	mkt.ChangeOpenInterest(base, liqeePos.BasePosition, liqorBefore, liqorPos.BasePosition)
	liqor.InMarginBasket[slot] = true

	liqee.UpdateBasket()
	liqor.UpdateBasket()

	if err := checkLiqor(liqor, g, c, oo, now); err != nil {
		return 0, err
	}
	if err := finish(liqee, g, c, oo, now); err != nil {
		return 0, err
	}
	return lots, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ForceCancelSpotOrders releases the liqee's locked spot collateral so
// it becomes seizable. Allowed only while the account is liquidatable;
// moves no value.
func ForceCancelSpotOrders(liqee *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	orders *account.OpenOrders, slot int, now int64) error {
	if _, err := begin(liqee, g, c, oo, now); err != nil {
		return err
	}
	if liqee.SpotOpenOrders[slot] != orders.ID {
		return errs.Newf(errs.CodeInvalidState, "open orders %s not bound to slot %d", orders.ID, slot)
	}
	orders.BaseFree = orders.BaseFree.Add(orders.BaseLocked)
	orders.BaseLocked = fixed.Zero
	orders.QuoteFree = orders.QuoteFree.Add(orders.QuoteLocked)
	orders.QuoteLocked = fixed.Zero
	return nil
}

// ForceCancelPerpOrders removes up to limit of the liqee's resting perp
// orders in the slot, releasing their health reservations.
func ForceCancelPerpOrders(liqee *account.MarginAccount, g *group.Group, c *cache.GroupCache, oo health.OpenOrdersView,
	slot int, limit int, now int64) (int, error) {
	if _, err := begin(liqee, g, c, oo, now); err != nil {
		return 0, err
	}
	return settle.CancelAllPerpOrders(liqee, slot, limit), nil
}

// ResolveTokenBankruptcy retires a bankrupt account's borrow in one
// token. The insurance fund repays what it can at the cached price;
// whatever remains is written off against the token's depositors.
func ResolveTokenBankruptcy(liqee *account.MarginAccount, g *group.Group, c *cache.GroupCache,
	fund *InsuranceFund, root *bank.RootBank, node *bank.NodeBank, slot int,
	maxLiabTransfer decimal.Decimal, now int64) (decimal.Decimal, error) {
	if !maxLiabTransfer.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "max liab transfer %s not positive", maxLiabTransfer)
	}
	if !liqee.IsBankrupt {
		return fixed.Zero, errs.Newf(errs.CodeNotBankrupt, "account %s is not bankrupt", liqee.ID)
	}

	liab := liqee.NativeBorrow(slot, root.BorrowIndex)
	if !liab.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no borrow in slot %d", slot)
	}
	price, err := slotPrice(c, g, slot, now)
	if err != nil {
		return fixed.Zero, err
	}

	transfer := fixed.Min(maxLiabTransfer, liab)

	// Insurance pays in quote units and the bank recovers the native
	// collateral at the cached price.
	paid := fund.Withdraw(transfer.Mul(price))
	covered := paid.Div(price)
	if covered.IsPositive() {
		raw := covered.Div(root.BorrowIndex)
		liqee.Borrows[slot] = liqee.Borrows[slot].Sub(raw)
		root.ReduceBorrow(node, raw)
		node.Vault = node.Vault.Add(covered)
	}

	residual := transfer.Sub(covered)
	if residual.IsPositive() {
		raw := residual.Div(root.BorrowIndex)
		liqee.Borrows[slot] = liqee.Borrows[slot].Sub(raw)
		root.ReduceBorrow(node, raw)
		if err := root.SocializeLoss(residual); err != nil {
			return fixed.Zero, err
		}
	}

	liqee.UpdateBasket()
	clearBankruptcyIfResolved(liqee)
	return transfer, nil
}

// ResolvePerpBankruptcy retires a bankrupt account's negative perp
// quote position. The insurance fund absorbs what it can; the residual
// socializes across the market's open interest through the funding
// accumulators.
func ResolvePerpBankruptcy(liqee *account.MarginAccount, g *group.Group, c *cache.GroupCache,
	fund *InsuranceFund, mkt *perp.PerpMarket, slot int,
	maxLiabTransfer decimal.Decimal, now int64) (decimal.Decimal, error) {
	if !maxLiabTransfer.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeMalformedInput, "max liab transfer %s not positive", maxLiabTransfer)
	}
	if !liqee.IsBankrupt {
		return fixed.Zero, errs.Newf(errs.CodeNotBankrupt, "account %s is not bankrupt", liqee.ID)
	}
	if _, err := g.PerpSlot(slot); err != nil {
		return fixed.Zero, err
	}

	pos := &liqee.PerpAccounts[slot]
	pos.SettleFunding(mkt.LongFunding, mkt.ShortFunding)
	if pos.BasePosition != 0 {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "perp base position %d not flat", pos.BasePosition)
	}
	liab := pos.QuotePosition.Neg()
	if !liab.IsPositive() {
		return fixed.Zero, errs.Newf(errs.CodeInvalidState, "no perp quote liability in slot %d", slot)
	}

	transfer := fixed.Min(maxLiabTransfer, liab)
	paid := fund.Withdraw(transfer)
	pos.QuotePosition = pos.QuotePosition.Add(paid)

	residual := transfer.Sub(paid)
	if residual.IsPositive() {
		if err := mkt.SocializeLoss(residual); err != nil {
			return fixed.Zero, err
		}
		pos.QuotePosition = pos.QuotePosition.Add(residual)
		// The shifted accumulators must not charge the liqee itself.
		pos.LongSettledFunding = mkt.LongFunding
		pos.ShortSettledFunding = mkt.ShortFunding
	}

	liqee.UpdateBasket()
	clearBankruptcyIfResolved(liqee)
	return transfer, nil
}

func clearBankruptcyIfResolved(a *account.MarginAccount) {
	if hasRemainingLiabilities(a) {
		return
	}
	a.IsBankrupt = false
	a.BeingLiquidated = false
}

func hasRemainingLiabilities(a *account.MarginAccount) bool {
	for i := 0; i < group.MaxTokens; i++ {
		if a.Borrows[i].IsPositive() {
			return true
		}
	}
	for i := 0; i < group.MaxPairs; i++ {
		if a.PerpAccounts[i].QuotePosition.IsNegative() || a.PerpAccounts[i].BasePosition != 0 {
			return true
		}
	}
	return false
}
