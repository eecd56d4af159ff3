package engine

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/bank"
	"crossmargin/internal/cache"
	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
	"crossmargin/internal/group"
	"crossmargin/internal/liq"
	"crossmargin/internal/perp"
	"crossmargin/internal/settle"
	"crossmargin/internal/wire"
)

// tokenDecimals is applied to every registered token. The instruction
// format carries no decimals field; the venue normalizes upstream.
const tokenDecimals = 6

// dispatch routes one decoded instruction to its handler. Handlers
// mutate only through the tx; any returned error leaves the state
// untouched.
func dispatch(t *tx, instr wire.Instruction, req *Request) error {
	switch in := instr.(type) {
	case wire.InitGroup:
		return handleInitGroup(t, in, req)
	case wire.InitAccount:
		return handleInitAccount(t, req)
	case wire.Deposit:
		return handleDeposit(t, in, req)
	case wire.Withdraw:
		return handleWithdraw(t, in, req)
	case wire.AddSpotMarket:
		return handleAddSpotMarket(t, in, req)
	case wire.AddToBasket:
		return handleAddToBasket(t, in, req)
	case wire.Borrow:
		return errs.Newf(errs.CodeInvalidState, "borrow instruction is deprecated; withdraw with allow_borrow instead")
	case wire.CachePrices:
		return handleCachePrices(t, req)
	case wire.CacheRootBanks:
		return handleCacheRootBanks(t, req)
	case wire.PlaceSpotOrder:
		return handlePlaceSpotOrder(t, in, req)
	case wire.AddOracle:
		return handleAddOracle(t, req)
	case wire.AddPerpMarket:
		return handleAddPerpMarket(t, in, req)
	case wire.PlacePerpOrder:
		return handlePlacePerpOrder(t, in, req)
	case wire.CancelPerpOrderByClientID:
		return handleCancelPerpOrderByClientID(t, in, req)
	case wire.CancelPerpOrder:
		return handleCancelPerpOrder(t, in, req)
	case wire.ConsumeEvents:
		return handleConsumeEvents(t, in, req)
	case wire.CachePerpMarkets:
		return handleCachePerpMarkets(t, req)
	case wire.UpdateFunding:
		return handleUpdateFunding(t, req)
	case wire.SetOracle:
		return handleSetOracle(t, in, req)
	case wire.SettleFunds:
		return handleSettleFunds(t, req)
	case wire.CancelSpotOrder:
		return handleCancelSpotOrder(t, in, req)
	case wire.UpdateRootBank:
		return handleUpdateRootBank(t, req)
	case wire.SettlePnl:
		return handleSettlePnl(t, in, req)
	case wire.SettleBorrow:
		return handleSettleBorrow(t, in, req)
	case wire.ForceCancelSpotOrders:
		return handleForceCancelSpotOrders(t, req)
	case wire.ForceCancelPerpOrders:
		return handleForceCancelPerpOrders(t, in, req)
	case wire.LiquidateTokenAndToken:
		return handleLiquidateTokenAndToken(t, in, req)
	case wire.LiquidateTokenAndPerp:
		return handleLiquidateTokenAndPerp(t, in, req)
	case wire.LiquidatePerpMarket:
		return handleLiquidatePerpMarket(t, in, req)
	case wire.SettleFees:
		return handleSettleFees(t, req)
	case wire.ResolvePerpBankruptcy:
		return handleResolvePerpBankruptcy(t, in, req)
	case wire.ResolveTokenBankruptcy:
		return handleResolveTokenBankruptcy(t, in, req)
	case wire.InitSpotOpenOrders:
		return handleInitSpotOpenOrders(t, req)
	case wire.RedeemRewards:
		return handleRedeemRewards(t, req)
	case wire.AddAccountInfo:
		return handleAddAccountInfo(t, in, req)
	case wire.DepositMsrm:
		return handleDepositMsrm(t, in, req)
	case wire.WithdrawMsrm:
		return handleWithdrawMsrm(t, in, req)
	case wire.ChangePerpMarketParams:
		return handleChangePerpMarketParams(t, in, req)
	case wire.SetGroupAdmin:
		return handleSetGroupAdmin(t, req)
	case wire.CancelAllPerpOrders:
		return handleCancelAllPerpOrders(t, in, req)
	case wire.ForceSettleQuotePositions:
		return handleForceSettleQuotePositions(t, req)
	default:
		return errs.Newf(errs.CodeMalformedInput, "unhandled instruction %T", instr)
	}
}

// --- reference helpers ---

func wantRefs(req *Request, n int) error {
	if len(req.Accounts) < n {
		return errs.Newf(errs.CodeMalformedInput, "need %d account refs, have %d", n, len(req.Accounts))
	}
	return nil
}

func refID(req *Request, i int) uuid.UUID {
	return req.Accounts[i].ID
}

// ownerAuth requires the ref at i to be the account's owner and signed.
func ownerAuth(a *account.MarginAccount, req *Request, i int) error {
	ref := req.Accounts[i]
	if !ref.Signer {
		return errs.Newf(errs.CodeUnauthorized, "owner ref did not sign")
	}
	if ref.ID != a.Owner {
		return errs.Newf(errs.CodeUnauthorized, "signer %s is not the account owner", ref.ID)
	}
	return nil
}

// adminAuth requires the ref at i to be the group admin and signed.
func adminAuth(g *group.Group, req *Request, i int) error {
	ref := req.Accounts[i]
	if !ref.Signer {
		return errs.Newf(errs.CodeUnauthorized, "admin ref did not sign")
	}
	if ref.ID != g.Admin {
		return errs.Newf(errs.CodeUnauthorized, "signer %s is not the group admin", ref.ID)
	}
	return nil
}

// signedAt requires any signature at i, for permissioned-but-not-owner
// calls like bankruptcy resolution.
func signedAt(req *Request, i int) error {
	if !req.Accounts[i].Signer {
		return errs.Newf(errs.CodeUnauthorized, "ref %d did not sign", i)
	}
	return nil
}

func decU64(v uint64) decimal.Decimal {
	return decimal.NewFromUint64(v)
}

// bankForSlot checks that the referenced root bank backs the expected
// token slot.
func bankForSlot(root *bank.RootBank, slot int) error {
	if root.TokenIndex != slot {
		return errs.Newf(errs.CodeMalformedInput, "root bank serves slot %d, want %d", root.TokenIndex, slot)
	}
	return nil
}

// --- handlers ---

// refs: [group, admin(s), quoteRootBank, quoteNodeBank, cache,
// insuranceVault, feesVault]
func handleInitGroup(t *tx, in wire.InitGroup, req *Request) error {
	if err := wantRefs(req, 7); err != nil {
		return err
	}
	if t.st.Group != nil {
		return errs.Newf(errs.CodeInvalidState, "group already initialized")
	}
	if err := signedAt(req, 1); err != nil {
		return err
	}
	if in.ValidInterval == 0 {
		return errs.Newf(errs.CodeMalformedInput, "zero valid interval")
	}

	groupID := refID(req, 0)
	admin := refID(req, 1)
	quoteRootID := refID(req, 2)
	quoteNodeID := refID(req, 3)
	cacheID := refID(req, 4)

	g := group.New(groupID, admin, quoteRootID, refID(req, 5), refID(req, 6), tokenDecimals, int64(in.ValidInterval))

	root := bank.NewRootBank(quoteRootID, group.QuoteIndex, in.QuoteOptimalUtil, in.QuoteOptimalRate, in.QuoteMaxRate, req.Timestamp)
	node := bank.NewNodeBank(quoteNodeID, quoteRootID)
	root.NodeBanks = []uuid.UUID{quoteNodeID}

	t.putGroup(g)
	t.putCache(cache.New(cacheID, groupID))
	t.putRootBank(root)
	t.putNodeBank(node)
	return nil
}

// refs: [group, account, owner(s)]
func handleInitAccount(t *tx, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := signedAt(req, 2); err != nil {
		return err
	}
	id := refID(req, 1)
	if t.hasAccount(id) {
		return errs.Newf(errs.CodeInvalidState, "margin account %s already exists", id)
	}
	t.putAccount(account.New(id, g.ID, refID(req, 2)))
	return nil
}

// refs: [group, account, owner(s), rootBank, nodeBank]
func handleDeposit(t *tx, in wire.Deposit, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	root, err := t.RootBank(refID(req, 3))
	if err != nil {
		return err
	}
	node, err := t.NodeBank(refID(req, 4))
	if err != nil {
		return err
	}
	return settle.Deposit(a, root, node, root.TokenIndex, decU64(in.Quantity))
}

// refs: [group, account, owner(s), rootBank, nodeBank]
func handleWithdraw(t *tx, in wire.Withdraw, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	root, err := t.RootBank(refID(req, 3))
	if err != nil {
		return err
	}
	node, err := t.NodeBank(refID(req, 4))
	if err != nil {
		return err
	}
	return settle.Withdraw(a, g, c, t, root, node, root.TokenIndex, decU64(in.Quantity), in.AllowBorrow, req.Timestamp)
}

// refs: [group, admin(s), oracle, spotMarket, rootBank, nodeBank]
func handleAddSpotMarket(t *tx, in wire.AddSpotMarket, req *Request) error {
	if err := wantRefs(req, 6); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := adminAuth(g, req, 1); err != nil {
		return err
	}
	slot, ok := g.SlotOfOracle(refID(req, 2))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "oracle %s not registered", refID(req, 2))
	}
	if !g.Tokens[slot].Empty() || !g.SpotMarkets[slot].Empty() {
		return errs.Newf(errs.CodeInvalidState, "slot %d already has a spot market", slot)
	}
	if in.InitLeverage.LessThan(fixed.One) || in.MaintLeverage.LessThan(in.InitLeverage) {
		return errs.Newf(errs.CodeMalformedInput, "leverage pair %s/%s invalid", in.MaintLeverage, in.InitLeverage)
	}

	rootID := refID(req, 4)
	nodeID := refID(req, 5)
	root := bank.NewRootBank(rootID, slot, in.OptimalUtil, in.OptimalRate, in.MaxRate, req.Timestamp)
	node := bank.NewNodeBank(nodeID, rootID)
	root.NodeBanks = []uuid.UUID{nodeID}

	g.Tokens[slot] = group.TokenInfo{RootBank: rootID, Decimals: tokenDecimals}
	g.SpotMarkets[slot] = group.SpotMarketInfo{
		Market:         refID(req, 3),
		Weights:        group.WeightsFromLeverage(in.MaintLeverage, in.InitLeverage),
		LiquidationFee: in.LiquidationFee,
	}
	t.putRootBank(root)
	t.putNodeBank(node)
	return nil
}

// refs: [group, account, owner(s)]
func handleAddToBasket(t *tx, in wire.AddToBasket, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	return a.AddToBasket(int(in.MarketIndex))
}

// refs: [group, oracle...]
func handleCachePrices(t *tx, req *Request) error {
	if err := wantRefs(req, 2); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	for _, ref := range req.Accounts[1:] {
		slot, ok := g.SlotOfOracle(ref.ID)
		if !ok {
			return errs.Newf(errs.CodeInvalidState, "oracle %s not registered", ref.ID)
		}
		price, err := t.OraclePrice(ref.ID)
		if err != nil {
			return err
		}
		c.SetPrice(slot, price, req.Timestamp)
	}
	return nil
}

// refs: [group, rootBank...]
func handleCacheRootBanks(t *tx, req *Request) error {
	if err := wantRefs(req, 2); err != nil {
		return err
	}
	if _, err := t.Group(); err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	for _, ref := range req.Accounts[1:] {
		root, err := t.RootBank(ref.ID)
		if err != nil {
			return err
		}
		c.SetRootBank(root.TokenIndex, root.DepositIndex, root.BorrowIndex, req.Timestamp)
	}
	return nil
}

// refs: [group, perpMarket...]
func handleCachePerpMarkets(t *tx, req *Request) error {
	if err := wantRefs(req, 2); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	for _, ref := range req.Accounts[1:] {
		slot, ok := g.SlotOfPerpMarket(ref.ID)
		if !ok {
			return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", ref.ID)
		}
		mkt, err := t.Market(ref.ID)
		if err != nil {
			return err
		}
		c.SetPerpMarket(slot, mkt.LongFunding, mkt.ShortFunding, req.Timestamp)
	}
	return nil
}

// refs: [group, account, owner(s), spotMarket, openOrders, rootBank, nodeBank]
func handlePlaceSpotOrder(t *tx, in wire.PlaceSpotOrder, req *Request) error {
	if err := wantRefs(req, 7); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	slot, ok := g.SlotOfSpotMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "spot market %s not registered", refID(req, 3))
	}
	oo, ok := t.OpenOrders(refID(req, 4))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "open orders %s not found", refID(req, 4))
	}
	root, err := t.RootBank(refID(req, 5))
	if err != nil {
		return err
	}
	node, err := t.NodeBank(refID(req, 6))
	if err != nil {
		return err
	}

	// A bid locks quote, an ask locks base; the referenced bank must be
	// the locked side's bank.
	var lock decimal.Decimal
	lockSlot := slot
	if in.Side == account.Bid {
		lock = decU64(in.MaxQuoteQty)
		lockSlot = group.QuoteIndex
	} else {
		lock = decU64(in.MaxBaseQty)
	}
	if err := bankForSlot(root, lockSlot); err != nil {
		return err
	}
	return settle.PlaceSpotOrder(a, g, c, t, root, node, oo, slot, in.Side, lock, req.Timestamp)
}

// refs: [group, admin(s), oracle]
func handleAddOracle(t *tx, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := adminAuth(g, req, 1); err != nil {
		return err
	}
	oracle := refID(req, 2)
	if _, ok := g.SlotOfOracle(oracle); ok {
		return errs.Newf(errs.CodeInvalidState, "oracle %s already registered", oracle)
	}
	if g.NumOracles >= group.MaxPairs {
		return errs.Newf(errs.CodeInvalidState, "oracle slots full")
	}
	g.Oracles[g.NumOracles] = oracle
	g.NumOracles++
	return nil
}

// refs: [group, admin(s), oracle, perpMarket]
func handleAddPerpMarket(t *tx, in wire.AddPerpMarket, req *Request) error {
	if err := wantRefs(req, 4); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := adminAuth(g, req, 1); err != nil {
		return err
	}
	slot, ok := g.SlotOfOracle(refID(req, 2))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "oracle %s not registered", refID(req, 2))
	}
	if !g.PerpMarkets[slot].Empty() {
		return errs.Newf(errs.CodeInvalidState, "slot %d already has a perp market", slot)
	}
	if in.BaseLotSize <= 0 || in.QuoteLotSize <= 0 {
		return errs.Newf(errs.CodeMalformedInput, "lot sizes %d/%d not positive", in.BaseLotSize, in.QuoteLotSize)
	}
	if in.InitLeverage.LessThan(fixed.One) || in.MaintLeverage.LessThan(in.InitLeverage) {
		return errs.Newf(errs.CodeMalformedInput, "leverage pair %s/%s invalid", in.MaintLeverage, in.InitLeverage)
	}

	marketID := refID(req, 3)
	g.PerpMarkets[slot] = group.PerpMarketInfo{
		Market:         marketID,
		Weights:        group.WeightsFromLeverage(in.MaintLeverage, in.InitLeverage),
		LiquidationFee: in.LiquidationFee,
		MakerFee:       in.MakerFee,
		TakerFee:       in.TakerFee,
		BaseLotSize:    in.BaseLotSize,
		QuoteLotSize:   in.QuoteLotSize,
	}
	rewards := decU64(in.RewardsPerPeriod)
	mining := perp.LiquidityMiningInfo{
		Rate:               in.Rate,
		MaxDepthBps:        in.MaxDepthBps,
		TargetPeriodLength: int64(in.TargetPeriodLength),
		RewardsPerPeriod:   rewards,
		RewardsLeft:        rewards,
		PeriodStart:        req.Timestamp,
	}
	t.putMarket(perp.New(marketID, g.ID, slot, in.BaseLotSize, in.QuoteLotSize, in.MaxDepthBps, mining, req.Timestamp))
	return nil
}

// refs: [group, account, owner(s), perpMarket]
func handlePlacePerpOrder(t *tx, in wire.PlacePerpOrder, req *Request) error {
	if err := wantRefs(req, 4); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 3))
	}
	orderID := t.TakeOrderID()
	return settle.PlacePerpOrder(a, g, c, t, slot, in.Side, in.Price, in.Quantity, orderID, in.ClientOrderID, req.Timestamp)
}

// refs: [group, account, owner(s), perpMarket]
func handleCancelPerpOrderByClientID(t *tx, in wire.CancelPerpOrderByClientID, req *Request) error {
	if err := wantRefs(req, 4); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	err = settle.CancelPerpOrderByClientID(a, in.ClientOrderID)
	if err != nil && in.InvalidIDOK && errs.CodeOf(err) == errs.CodeInvalidState {
		return nil
	}
	return err
}

// refs: [group, account, owner(s), perpMarket]
func handleCancelPerpOrder(t *tx, in wire.CancelPerpOrder, req *Request) error {
	if err := wantRefs(req, 4); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	err = settle.CancelPerpOrder(a, in.OrderID)
	if err != nil && in.InvalidIDOK && errs.CodeOf(err) == errs.CodeInvalidState {
		return nil
	}
	return err
}

// refs: [group, perpMarket]
func handleConsumeEvents(t *tx, in wire.ConsumeEvents, req *Request) error {
	if err := wantRefs(req, 2); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 1))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 1))
	}
	mkt, err := t.Market(refID(req, 1))
	if err != nil {
		return err
	}
	if in.Limit == 0 {
		return errs.Newf(errs.CodeMalformedInput, "zero consume limit")
	}
	_, err = settle.ConsumeEvents(t, g, mkt, slot, int(in.Limit), req.Timestamp)
	return err
}

// refs: [group, perpMarket]
func handleUpdateFunding(t *tx, req *Request) error {
	if err := wantRefs(req, 2); err != nil {
		return err
	}
	if req.Book == nil {
		return errs.Newf(errs.CodeMalformedInput, "funding update without book levels")
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 1))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 1))
	}
	mkt, err := t.Market(refID(req, 1))
	if err != nil {
		return err
	}
	indexPrice, err := c.Price(slot, req.Timestamp, g.ValidInterval)
	if err != nil {
		return err
	}
	return mkt.UpdateFunding(req.Book.Bid, req.Book.Ask, indexPrice, req.Timestamp)
}

// refs: [group, oracle, admin(s)]
func handleSetOracle(t *tx, in wire.SetOracle, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := adminAuth(g, req, 2); err != nil {
		return err
	}
	oracle := refID(req, 1)
	if _, ok := g.SlotOfOracle(oracle); !ok {
		return errs.Newf(errs.CodeInvalidState, "oracle %s not registered", oracle)
	}
	if !in.Price.IsPositive() {
		return errs.Newf(errs.CodeMalformedInput, "oracle price %s not positive", in.Price)
	}
	t.SetOraclePrice(oracle, in.Price)
	return nil
}

// refs: [group, account, owner(s), spotMarket, openOrders,
// baseRootBank, baseNodeBank, quoteRootBank, quoteNodeBank]
func handleSettleFunds(t *tx, req *Request) error {
	if err := wantRefs(req, 9); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	slot, ok := g.SlotOfSpotMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "spot market %s not registered", refID(req, 3))
	}
	oo, ok := t.OpenOrders(refID(req, 4))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "open orders %s not found", refID(req, 4))
	}
	baseRoot, err := t.RootBank(refID(req, 5))
	if err != nil {
		return err
	}
	baseNode, err := t.NodeBank(refID(req, 6))
	if err != nil {
		return err
	}
	quoteRoot, err := t.RootBank(refID(req, 7))
	if err != nil {
		return err
	}
	quoteNode, err := t.NodeBank(refID(req, 8))
	if err != nil {
		return err
	}
	if err := bankForSlot(baseRoot, slot); err != nil {
		return err
	}
	if err := bankForSlot(quoteRoot, group.QuoteIndex); err != nil {
		return err
	}
	return settle.SettleFunds(a, oo, slot, baseRoot, baseNode, quoteRoot, quoteNode)
}

// refs: [group, account, owner(s), spotMarket, openOrders]
//
// The venue-side order id is opaque to the core; cancelling releases
// the whole locked side, and SettleFunds sweeps it back.
func handleCancelSpotOrder(t *tx, in wire.CancelSpotOrder, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	oo, ok := t.OpenOrders(refID(req, 4))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "open orders %s not found", refID(req, 4))
	}

	var locked decimal.Decimal
	if in.Side == account.Bid {
		locked = oo.QuoteLocked
	} else {
		locked = oo.BaseLocked
	}
	if !locked.IsPositive() {
		return nil
	}
	return settle.CancelSpotOrder(oo, in.Side, locked)
}

// refs: [group, rootBank, nodeBank...]
func handleUpdateRootBank(t *tx, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	if _, err := t.Group(); err != nil {
		return err
	}
	root, err := t.RootBank(refID(req, 1))
	if err != nil {
		return err
	}
	nodes := make([]*bank.NodeBank, 0, len(req.Accounts)-2)
	for _, ref := range req.Accounts[2:] {
		n, err := t.NodeBank(ref.ID)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}
	if err := root.CheckTotals(nodes); err != nil {
		return err
	}

	fee, err := root.UpdateIndex(req.Timestamp)
	if err != nil {
		return err
	}
	// Quote-denominated interest fees back the insurance fund; other
	// tokens keep the spread in the pool.
	if fee.IsPositive() && root.TokenIndex == group.QuoteIndex {
		t.Fund().Balance = t.Fund().Balance.Add(fee)
	}
	return nil
}

// refs: [group, accountA, accountB, quoteRootBank, quoteNodeBank]
func handleSettlePnl(t *tx, in wire.SettlePnl, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	b, err := t.Account(refID(req, 2))
	if err != nil {
		return err
	}
	quoteRoot, err := t.RootBank(refID(req, 3))
	if err != nil {
		return err
	}
	quoteNode, err := t.NodeBank(refID(req, 4))
	if err != nil {
		return err
	}
	if err := bankForSlot(quoteRoot, group.QuoteIndex); err != nil {
		return err
	}
	_, err = settle.SettlePnl(a, b, g, c, quoteRoot, quoteNode, int(in.MarketIndex), req.Timestamp)
	return err
}

// refs: [group, account, owner(s), rootBank, nodeBank]
func handleSettleBorrow(t *tx, in wire.SettleBorrow, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	root, err := t.RootBank(refID(req, 3))
	if err != nil {
		return err
	}
	node, err := t.NodeBank(refID(req, 4))
	if err != nil {
		return err
	}
	if err := bankForSlot(root, int(in.TokenIndex)); err != nil {
		return err
	}
	_, err = settle.SettleBorrow(a, root, node, int(in.TokenIndex), decU64(in.Quantity))
	return err
}

// refs: [group, liqee, spotMarket, openOrders]
func handleForceCancelSpotOrders(t *tx, req *Request) error {
	if err := wantRefs(req, 4); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	liqee, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	slot, ok := g.SlotOfSpotMarket(refID(req, 2))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "spot market %s not registered", refID(req, 2))
	}
	oo, ok := t.OpenOrders(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "open orders %s not found", refID(req, 3))
	}
	return liq.ForceCancelSpotOrders(liqee, g, c, t, oo, slot, req.Timestamp)
}

// refs: [group, liqee, perpMarket]
func handleForceCancelPerpOrders(t *tx, in wire.ForceCancelPerpOrders, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	liqee, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 2))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 2))
	}
	_, err = liq.ForceCancelPerpOrders(liqee, g, c, t, slot, int(in.Limit), req.Timestamp)
	return err
}

// refs: [group, liqee, liqor, liqorOwner(s), assetRootBank,
// assetNodeBank, liabRootBank, liabNodeBank]
func handleLiquidateTokenAndToken(t *tx, in wire.LiquidateTokenAndToken, req *Request) error {
	if err := wantRefs(req, 8); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	liqee, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	liqor, err := t.Account(refID(req, 2))
	if err != nil {
		return err
	}
	if err := ownerAuth(liqor, req, 3); err != nil {
		return err
	}
	assetRoot, err := t.RootBank(refID(req, 4))
	if err != nil {
		return err
	}
	assetNode, err := t.NodeBank(refID(req, 5))
	if err != nil {
		return err
	}
	liabRoot, err := t.RootBank(refID(req, 6))
	if err != nil {
		return err
	}
	liabNode, err := t.NodeBank(refID(req, 7))
	if err != nil {
		return err
	}
	_, err = liq.LiquidateTokenAndToken(liqee, liqor, g, c, t,
		assetRoot, assetNode, assetRoot.TokenIndex,
		liabRoot, liabNode, liabRoot.TokenIndex,
		in.MaxLiabTransfer, req.Timestamp)
	return err
}

// refs: [group, liqee, liqor, liqorOwner(s), rootBank, nodeBank]
func handleLiquidateTokenAndPerp(t *tx, in wire.LiquidateTokenAndPerp, req *Request) error {
	if err := wantRefs(req, 6); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	liqee, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	liqor, err := t.Account(refID(req, 2))
	if err != nil {
		return err
	}
	if err := ownerAuth(liqor, req, 3); err != nil {
		return err
	}
	root, err := t.RootBank(refID(req, 4))
	if err != nil {
		return err
	}
	node, err := t.NodeBank(refID(req, 5))
	if err != nil {
		return err
	}

	assetType := liq.AssetType(in.AssetType)
	liabType := liq.AssetType(in.LiabType)
	tokenIndex := int(in.AssetIndex)
	if assetType == liq.AssetPerp {
		tokenIndex = int(in.LiabIndex)
	}
	if err := bankForSlot(root, tokenIndex); err != nil {
		return err
	}
	_, err = liq.LiquidateTokenAndPerp(liqee, liqor, g, c, t, root, node,
		assetType, int(in.AssetIndex), liabType, int(in.LiabIndex),
		in.MaxLiabTransfer, req.Timestamp)
	return err
}

// refs: [group, perpMarket, liqee, liqor, liqorOwner(s)]
func handleLiquidatePerpMarket(t *tx, in wire.LiquidatePerpMarket, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 1))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 1))
	}
	mkt, err := t.Market(refID(req, 1))
	if err != nil {
		return err
	}
	liqee, err := t.Account(refID(req, 2))
	if err != nil {
		return err
	}
	liqor, err := t.Account(refID(req, 3))
	if err != nil {
		return err
	}
	if err := ownerAuth(liqor, req, 4); err != nil {
		return err
	}
	_, err = liq.LiquidatePerpMarket(liqee, liqor, g, c, t, mkt, slot, in.BaseTransferRequest, req.Timestamp)
	return err
}

// refs: [group, admin(s), perpMarket, feesAccount, quoteRootBank, quoteNodeBank]
func handleSettleFees(t *tx, req *Request) error {
	if err := wantRefs(req, 6); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := adminAuth(g, req, 1); err != nil {
		return err
	}
	mkt, err := t.Market(refID(req, 2))
	if err != nil {
		return err
	}
	feesAccount, err := t.Account(refID(req, 3))
	if err != nil {
		return err
	}
	quoteRoot, err := t.RootBank(refID(req, 4))
	if err != nil {
		return err
	}
	quoteNode, err := t.NodeBank(refID(req, 5))
	if err != nil {
		return err
	}
	if err := bankForSlot(quoteRoot, group.QuoteIndex); err != nil {
		return err
	}
	_, err = settle.SettleFees(mkt, feesAccount, quoteRoot, quoteNode)
	return err
}

// refs: [group, liqee, signer(s), perpMarket]
func handleResolvePerpBankruptcy(t *tx, in wire.ResolvePerpBankruptcy, req *Request) error {
	if err := wantRefs(req, 4); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	liqee, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := signedAt(req, 2); err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 3))
	}
	if int(in.LiabIndex) != slot {
		return errs.Newf(errs.CodeMalformedInput, "liab index %d does not match market slot %d", in.LiabIndex, slot)
	}
	mkt, err := t.Market(refID(req, 3))
	if err != nil {
		return err
	}
	_, err = liq.ResolvePerpBankruptcy(liqee, g, c, t.Fund(), mkt, slot, in.MaxLiabTransfer, req.Timestamp)
	return err
}

// refs: [group, liqee, signer(s), rootBank, nodeBank]
func handleResolveTokenBankruptcy(t *tx, in wire.ResolveTokenBankruptcy, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	liqee, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := signedAt(req, 2); err != nil {
		return err
	}
	root, err := t.RootBank(refID(req, 3))
	if err != nil {
		return err
	}
	node, err := t.NodeBank(refID(req, 4))
	if err != nil {
		return err
	}
	_, err = liq.ResolveTokenBankruptcy(liqee, g, c, t.Fund(), root, node, root.TokenIndex, in.MaxLiabTransfer, req.Timestamp)
	return err
}

// refs: [group, account, owner(s), spotMarket, openOrders]
func handleInitSpotOpenOrders(t *tx, req *Request) error {
	if err := wantRefs(req, 5); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	slot, ok := g.SlotOfSpotMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "spot market %s not registered", refID(req, 3))
	}
	if a.SpotOpenOrders[slot] != uuid.Nil {
		return errs.Newf(errs.CodeInvalidState, "slot %d already has open orders", slot)
	}
	ooID := refID(req, 4)
	if t.hasOpenOrders(ooID) {
		return errs.Newf(errs.CodeInvalidState, "open orders %s already exists", ooID)
	}
	t.putOpenOrders(&account.OpenOrders{ID: ooID})
	a.SpotOpenOrders[slot] = ooID
	return nil
}

// refs: [group, account, owner(s), perpMarket, quoteRootBank, quoteNodeBank]
func handleRedeemRewards(t *tx, req *Request) error {
	if err := wantRefs(req, 6); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 3))
	}
	quoteRoot, err := t.RootBank(refID(req, 4))
	if err != nil {
		return err
	}
	quoteNode, err := t.NodeBank(refID(req, 5))
	if err != nil {
		return err
	}
	if err := bankForSlot(quoteRoot, group.QuoteIndex); err != nil {
		return err
	}
	_, err = settle.RedeemRewards(a, quoteRoot, quoteNode, slot)
	return err
}

// refs: [group, account, owner(s)]
func handleAddAccountInfo(t *tx, in wire.AddAccountInfo, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	a.SetInfo(in.Info[:])
	return nil
}

// refs: [group, account, owner(s)]
func handleDepositMsrm(t *tx, in wire.DepositMsrm, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	if in.Quantity == 0 {
		return errs.Newf(errs.CodeMalformedInput, "zero msrm deposit")
	}
	a.MsrmAmount += in.Quantity
	return nil
}

// refs: [group, account, owner(s)]
func handleWithdrawMsrm(t *tx, in wire.WithdrawMsrm, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	if in.Quantity == 0 {
		return errs.Newf(errs.CodeMalformedInput, "zero msrm withdrawal")
	}
	if in.Quantity > a.MsrmAmount {
		return errs.Newf(errs.CodeInsufficientFunds, "msrm balance %d short of %d", a.MsrmAmount, in.Quantity)
	}
	a.MsrmAmount -= in.Quantity
	return nil
}

// refs: [group, admin(s), perpMarket]
func handleChangePerpMarketParams(t *tx, in wire.ChangePerpMarketParams, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := adminAuth(g, req, 1); err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 2))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 2))
	}
	mkt, err := t.Market(refID(req, 2))
	if err != nil {
		return err
	}
	info := &g.PerpMarkets[slot]

	// Weights derive from a leverage pair; changing one without the
	// other is ambiguous.
	if (in.MaintLeverage == nil) != (in.InitLeverage == nil) {
		return errs.Newf(errs.CodeMalformedInput, "maint and init leverage must change together")
	}
	if in.MaintLeverage != nil {
		if in.InitLeverage.LessThan(fixed.One) || in.MaintLeverage.LessThan(*in.InitLeverage) {
			return errs.Newf(errs.CodeMalformedInput, "leverage pair %s/%s invalid", in.MaintLeverage, in.InitLeverage)
		}
		info.Weights = group.WeightsFromLeverage(*in.MaintLeverage, *in.InitLeverage)
	}
	if in.LiquidationFee != nil {
		info.LiquidationFee = *in.LiquidationFee
	}
	if in.MakerFee != nil {
		info.MakerFee = *in.MakerFee
	}
	if in.TakerFee != nil {
		info.TakerFee = *in.TakerFee
	}
	if in.Rate != nil {
		mkt.Mining.Rate = *in.Rate
	}
	if in.MaxDepthBps != nil {
		mkt.MaxDepthBps = *in.MaxDepthBps
		mkt.Mining.MaxDepthBps = *in.MaxDepthBps
	}
	if in.TargetPeriodLength != nil {
		mkt.Mining.TargetPeriodLength = int64(*in.TargetPeriodLength)
	}
	if in.RewardsPerPeriod != nil {
		mkt.Mining.RewardsPerPeriod = decU64(*in.RewardsPerPeriod)
	}
	return nil
}

// refs: [group, newAdmin, admin(s)]
func handleSetGroupAdmin(t *tx, req *Request) error {
	if err := wantRefs(req, 3); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	if err := adminAuth(g, req, 2); err != nil {
		return err
	}
	g.Admin = refID(req, 1)
	return nil
}

// refs: [group, account, owner(s), perpMarket]
func handleCancelAllPerpOrders(t *tx, in wire.CancelAllPerpOrders, req *Request) error {
	if err := wantRefs(req, 4); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	if err := ownerAuth(a, req, 2); err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 3))
	}
	settle.CancelAllPerpOrders(a, slot, int(in.Limit))
	return nil
}

// refs: [group, accountA, accountB, perpMarket, quoteRootBank, quoteNodeBank]
func handleForceSettleQuotePositions(t *tx, req *Request) error {
	if err := wantRefs(req, 6); err != nil {
		return err
	}
	g, err := t.Group()
	if err != nil {
		return err
	}
	c, err := t.Cache()
	if err != nil {
		return err
	}
	a, err := t.Account(refID(req, 1))
	if err != nil {
		return err
	}
	b, err := t.Account(refID(req, 2))
	if err != nil {
		return err
	}
	slot, ok := g.SlotOfPerpMarket(refID(req, 3))
	if !ok {
		return errs.Newf(errs.CodeInvalidState, "perp market %s not registered", refID(req, 3))
	}
	quoteRoot, err := t.RootBank(refID(req, 4))
	if err != nil {
		return err
	}
	quoteNode, err := t.NodeBank(refID(req, 5))
	if err != nil {
		return err
	}
	if err := bankForSlot(quoteRoot, group.QuoteIndex); err != nil {
		return err
	}
	_, err = settle.ForceSettleQuotePosition(a, b, g, c, quoteRoot, quoteNode, slot, req.Timestamp)
	return err
}
