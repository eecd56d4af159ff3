package engine_test

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/engine"
	"crossmargin/internal/errs"
	"crossmargin/internal/group"
	"crossmargin/internal/health"
	"crossmargin/internal/perp"
	"crossmargin/internal/wire"
)

// --- Test helpers ---

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stateOrders adapts *engine.State to health.OpenOrdersView.
type stateOrders struct{ st *engine.State }

func (s stateOrders) OpenOrders(id uuid.UUID) (*account.OpenOrders, bool) {
	o, ok := s.st.OpenOrders[id]
	return o, ok
}

// oraclePrice reads the posted price for an oracle id from the state.
func oraclePrice(st *engine.State, id uuid.UUID) (decimal.Decimal, error) {
	p, ok := st.Oracles[id]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("oracle %s has no posted price", id)
	}
	return p, nil
}

func ref(id uuid.UUID) engine.AccountRef {
	return engine.AccountRef{ID: id, Writable: true}
}

func signer(id uuid.UUID) engine.AccountRef {
	return engine.AccountRef{ID: id, Signer: true}
}

// venue drives one engine through an initialized group with a single
// oracle slot carrying a perp market. IDs are generated from a counter
// so two venues built the same way produce identical state.
type venue struct {
	t       *testing.T
	eng     *engine.Engine
	persist chan engine.Output
	proj    chan engine.Output

	groupID, admin, cacheID uuid.UUID
	quoteRoot, quoteNode    uuid.UUID
	insurance, fees         uuid.UUID
	oracle, perpMarket      uuid.UUID

	idCounter int
	reqN      int
	nextSeq   int64
	oracleSeq int64
	clock     int64
}

func (v *venue) newID() uuid.UUID {
	v.idCounter++
	return uuid.MustParse(fmt.Sprintf("00000000-0000-4000-8000-%012d", v.idCounter))
}

func newVenue(t *testing.T) *venue {
	t.Helper()
	persist := make(chan engine.Output, 1024)
	proj := make(chan engine.Output, 1024)
	v := &venue{
		t:       t,
		eng:     engine.NewEngine(engine.NewState(), 0, persist, proj, nil, nil, zerolog.Nop()),
		persist: persist,
		proj:    proj,
		clock:   1_000_000,
	}
	v.groupID = v.newID()
	v.admin = v.newID()
	v.cacheID = v.newID()
	v.quoteRoot = v.newID()
	v.quoteNode = v.newID()
	v.insurance = v.newID()
	v.fees = v.newID()
	v.oracle = v.newID()
	v.perpMarket = v.newID()

	v.mustExec(wire.InitGroup{
		ValidInterval:    3600,
		QuoteOptimalUtil: dec("0.75"),
		QuoteOptimalRate: dec("0.0625"),
		QuoteMaxRate:     dec("1.5"),
	}, ref(v.groupID), signer(v.admin), ref(v.quoteRoot), ref(v.quoteNode),
		ref(v.cacheID), ref(v.insurance), ref(v.fees))
	return v
}

// exec encodes and executes one instruction, advancing the clock and
// the relevant source sequence.
func (v *venue) exec(instr wire.Instruction, refs ...engine.AccountRef) (*engine.Output, error) {
	v.t.Helper()
	data, err := wire.Encode(instr)
	if err != nil {
		v.t.Fatalf("encode %T: %v", instr, err)
	}
	v.clock++
	v.reqN++
	req := &engine.Request{
		Instruction:    data,
		Accounts:       refs,
		Timestamp:      v.clock,
		IdempotencyKey: fmt.Sprintf("req-%d", v.reqN),
	}
	if _, ok := instr.(wire.SetOracle); ok {
		req.OracleSequence = v.oracleSeq
		v.oracleSeq++
	} else {
		req.SourceSequence = v.nextSeq
		v.nextSeq++
	}
	return v.eng.Execute(req)
}

func (v *venue) mustExec(instr wire.Instruction, refs ...engine.AccountRef) *engine.Output {
	v.t.Helper()
	out, err := v.exec(instr, refs...)
	if err != nil {
		v.t.Fatalf("%T failed: %v", instr, err)
	}
	return out
}

// addPerpMarket registers the oracle and a perp market on slot 0.
func (v *venue) addPerpMarket() {
	v.t.Helper()
	v.mustExec(wire.AddOracle{}, ref(v.groupID), signer(v.admin), ref(v.oracle))
	v.mustExec(wire.AddPerpMarket{
		MaintLeverage:      dec("10"),
		InitLeverage:       dec("5"),
		LiquidationFee:     dec("0.03125"),
		MakerFee:           dec("0"),
		TakerFee:           dec("0.0009765625"),
		BaseLotSize:        10,
		QuoteLotSize:       1,
		Rate:               dec("0"),
		MaxDepthBps:        dec("200"),
		TargetPeriodLength: 3600,
		RewardsPerPeriod:   0,
	}, ref(v.groupID), signer(v.admin), ref(v.oracle), ref(v.perpMarket))
}

func (v *venue) initAccount() (acct, owner uuid.UUID) {
	v.t.Helper()
	acct = v.newID()
	owner = v.newID()
	v.mustExec(wire.InitAccount{}, ref(v.groupID), ref(acct), signer(owner))
	return acct, owner
}

func (v *venue) deposit(acct, owner uuid.UUID, quantity uint64) {
	v.t.Helper()
	v.mustExec(wire.Deposit{Quantity: quantity},
		ref(v.groupID), ref(acct), signer(owner), ref(v.quoteRoot), ref(v.quoteNode))
}

// setPrice posts an oracle price and refreshes every cache entry.
func (v *venue) setPrice(price string) {
	v.t.Helper()
	v.mustExec(wire.SetOracle{Price: dec(price)}, ref(v.groupID), ref(v.oracle), signer(v.admin))
	v.mustExec(wire.CachePrices{}, ref(v.groupID), ref(v.oracle))
	v.mustExec(wire.CacheRootBanks{}, ref(v.groupID), ref(v.quoteRoot))
	v.mustExec(wire.CachePerpMarkets{}, ref(v.groupID), ref(v.perpMarket))
}

func (v *venue) maintHealth(acct uuid.UUID) decimal.Decimal {
	v.t.Helper()
	st := v.eng.State()
	a := st.Accounts[acct]
	if a == nil {
		v.t.Fatalf("account %s not found", acct)
	}
	h, err := health.Compute(a, st.Group, st.Cache, stateOrders{st}, health.Maint, v.clock)
	if err != nil {
		v.t.Fatalf("health: %v", err)
	}
	return h
}

func drainOutputs(ch chan engine.Output) []engine.Output {
	var outputs []engine.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Group lifecycle
// ============================================================================

func TestInitGroup_SecondAttemptRejected(t *testing.T) {
	v := newVenue(t)

	_, err := v.exec(wire.InitGroup{
		ValidInterval:    3600,
		QuoteOptimalUtil: dec("0.75"),
		QuoteOptimalRate: dec("0.0625"),
		QuoteMaxRate:     dec("1.5"),
	}, ref(v.groupID), signer(v.admin), ref(v.quoteRoot), ref(v.quoteNode),
		ref(v.cacheID), ref(v.insurance), ref(v.fees))
	if err == nil {
		t.Fatal("expected error for second init, got nil")
	}
	if errs.CodeOf(err) != errs.CodeInvalidState {
		t.Errorf("expected CodeInvalidState, got %v", errs.CodeOf(err))
	}
}

func TestSetGroupAdmin_RotatesAuthority(t *testing.T) {
	v := newVenue(t)
	newAdmin := v.newID()

	v.mustExec(wire.SetGroupAdmin{}, ref(v.groupID), ref(newAdmin), signer(v.admin))

	// Old admin can no longer administer.
	_, err := v.exec(wire.AddOracle{}, ref(v.groupID), signer(v.admin), ref(v.oracle))
	if errs.CodeOf(err) != errs.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized for old admin, got %v", err)
	}

	v.mustExec(wire.AddOracle{}, ref(v.groupID), signer(newAdmin), ref(v.oracle))
}

// ============================================================================
// Test: Deposit and withdraw
// ============================================================================

func TestDeposit_CreditsQuoteSlot(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	drainOutputs(v.persist)

	v.deposit(acct, owner, 1_000)

	a := v.eng.State().Accounts[acct]
	got := a.Deposits[group.QuoteIndex]
	if !got.Equal(dec("1000")) {
		t.Errorf("expected deposit 1000, got %s", got)
	}

	outputs := drainOutputs(v.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
	if outputs[0].Envelope.Kind != wire.KindDeposit {
		t.Errorf("expected KindDeposit envelope, got %v", outputs[0].Envelope.Kind)
	}
}

func TestUpdateRootBank_AdvancesIndexTimestamp(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 1_000)

	v.mustExec(wire.UpdateRootBank{},
		ref(v.groupID), ref(v.quoteRoot), ref(v.quoteNode))

	root := v.eng.State().RootBanks[v.quoteRoot]
	if root.LastUpdated != v.clock {
		t.Errorf("last updated = %d, want %d", root.LastUpdated, v.clock)
	}
}

func TestWithdraw_NoBorrow_InsufficientFunds(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 100)
	v.mustExec(wire.CacheRootBanks{}, ref(v.groupID), ref(v.quoteRoot))

	_, err := v.exec(wire.Withdraw{Quantity: 500, AllowBorrow: false},
		ref(v.groupID), ref(acct), signer(owner), ref(v.quoteRoot), ref(v.quoteNode))
	if err == nil {
		t.Fatal("expected error withdrawing more than deposited, got nil")
	}

	// Failed dispatch leaves the balance untouched.
	a := v.eng.State().Accounts[acct]
	if !a.Deposits[group.QuoteIndex].Equal(dec("100")) {
		t.Errorf("deposit changed after failed withdraw: %s", a.Deposits[group.QuoteIndex])
	}
}

func TestWithdraw_BorrowBeyondHealth_Rejected(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 100)
	v.mustExec(wire.CacheRootBanks{}, ref(v.groupID), ref(v.quoteRoot))

	// Borrowing 400 against 100 of collateral leaves init health at
	// -300; the withdraw must be rejected.
	_, err := v.exec(wire.Withdraw{Quantity: 500, AllowBorrow: true},
		ref(v.groupID), ref(acct), signer(owner), ref(v.quoteRoot), ref(v.quoteNode))
	if errs.CodeOf(err) != errs.CodeInsufficientHealth {
		t.Fatalf("expected CodeInsufficientHealth, got %v", err)
	}
}

func TestWithdraw_WrongOwner_Unauthorized(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 100)
	intruder := v.newID()

	_, err := v.exec(wire.Withdraw{Quantity: 50},
		ref(v.groupID), ref(acct), signer(intruder), ref(v.quoteRoot), ref(v.quoteNode))
	if errs.CodeOf(err) != errs.CodeUnauthorized {
		t.Fatalf("expected CodeUnauthorized, got %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestDuplicateRequest_Ignored(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	drainOutputs(v.persist)

	instr, err := wire.Encode(wire.Deposit{Quantity: 1_000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := &engine.Request{
		Instruction: instr,
		Accounts: []engine.AccountRef{
			ref(v.groupID), ref(acct), signer(owner), ref(v.quoteRoot), ref(v.quoteNode),
		},
		Timestamp:      v.clock + 1,
		IdempotencyKey: "dup-key",
		SourceSequence: v.nextSeq,
	}

	out, err := v.eng.Execute(req)
	if err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	if out == nil {
		t.Fatal("expected output on first execute")
	}

	out, err = v.eng.Execute(req)
	if err != nil {
		t.Fatalf("duplicate should not error: %v", err)
	}
	if out != nil {
		t.Fatal("expected nil output for duplicate")
	}

	a := v.eng.State().Accounts[acct]
	if !a.Deposits[group.QuoteIndex].Equal(dec("1000")) {
		t.Errorf("duplicate was applied: deposit %s", a.Deposits[group.QuoteIndex])
	}
	if outputs := drainOutputs(v.persist); len(outputs) != 1 {
		t.Errorf("expected 1 persist output, got %d", len(outputs))
	}
}

// ============================================================================
// Test: Sequence validation
// ============================================================================

func TestSequenceGap_Rejected(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 100)

	v.nextSeq++ // skip one source sequence
	_, err := v.exec(wire.Deposit{Quantity: 100},
		ref(v.groupID), ref(acct), signer(owner), ref(v.quoteRoot), ref(v.quoteNode))
	if err == nil {
		t.Fatal("expected sequence gap error, got nil")
	}
}

func TestOutOfOrderRequest_Rejected(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 100)

	instr, err := wire.Encode(wire.Deposit{Quantity: 100})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// A fresh key with an already-consumed source sequence is
	// out-of-order delivery, not a replay.
	_, err = v.eng.Execute(&engine.Request{
		Instruction: instr,
		Accounts: []engine.AccountRef{
			ref(v.groupID), ref(acct), signer(owner), ref(v.quoteRoot), ref(v.quoteNode),
		},
		Timestamp:      v.clock + 1,
		IdempotencyKey: "fresh-key",
		SourceSequence: 0,
	})
	if err == nil {
		t.Fatal("expected out-of-order error, got nil")
	}
}

// ============================================================================
// Test: Oracle posts
// ============================================================================

func TestStaleOraclePost_Ignored(t *testing.T) {
	v := newVenue(t)
	v.addPerpMarket()

	v.oracleSeq = 5
	v.mustExec(wire.SetOracle{Price: dec("10")}, ref(v.groupID), ref(v.oracle), signer(v.admin))

	v.oracleSeq = 3
	out, err := v.exec(wire.SetOracle{Price: dec("9")}, ref(v.groupID), ref(v.oracle), signer(v.admin))
	if err != nil {
		t.Fatalf("stale post should not error: %v", err)
	}
	if out != nil {
		t.Fatal("expected nil output for stale post")
	}

	price, err := oraclePrice(v.eng.State(), v.oracle)
	if err != nil {
		t.Fatalf("oracle price: %v", err)
	}
	if !price.Equal(dec("10")) {
		t.Errorf("stale post overwrote price: got %s", price)
	}
}

func TestOraclePostGap_Accepted(t *testing.T) {
	v := newVenue(t)
	v.addPerpMarket()

	v.oracleSeq = 1
	v.mustExec(wire.SetOracle{Price: dec("10")}, ref(v.groupID), ref(v.oracle), signer(v.admin))
	v.oracleSeq = 7
	v.mustExec(wire.SetOracle{Price: dec("11")}, ref(v.groupID), ref(v.oracle), signer(v.admin))

	price, err := oraclePrice(v.eng.State(), v.oracle)
	if err != nil {
		t.Fatalf("oracle price: %v", err)
	}
	if !price.Equal(dec("11")) {
		t.Errorf("expected price 11 after gap, got %s", price)
	}
}

// ============================================================================
// Test: Perp order flow
// ============================================================================

func TestPlacePerpOrder_ReservationGatesHealth(t *testing.T) {
	v := newVenue(t)
	v.addPerpMarket()
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 100)
	v.setPrice("10")

	// Ten lots at lot value 100 reserve 1000 of quote against 100 of
	// collateral; init health goes negative.
	_, err := v.exec(wire.PlacePerpOrder{
		Price: 100, Quantity: 10, ClientOrderID: 1, Side: account.Bid,
	}, ref(v.groupID), ref(acct), signer(owner), ref(v.perpMarket))
	if errs.CodeOf(err) != errs.CodeInsufficientHealth {
		t.Fatalf("expected CodeInsufficientHealth, got %v", err)
	}

	v.mustExec(wire.PlacePerpOrder{
		Price: 100, Quantity: 1, ClientOrderID: 2, Side: account.Bid,
	}, ref(v.groupID), ref(acct), signer(owner), ref(v.perpMarket))

	a := v.eng.State().Accounts[acct]
	if a.PerpAccounts[0].BidsQuantity != 1 {
		t.Errorf("expected 1 lot reserved, got %d", a.PerpAccounts[0].BidsQuantity)
	}
}

func TestCancelPerpOrderByClientID_InvalidIDOK(t *testing.T) {
	v := newVenue(t)
	v.addPerpMarket()
	acct, owner := v.initAccount()
	v.deposit(acct, owner, 100)
	v.setPrice("10")

	// Without the flag a missing order is an error.
	_, err := v.exec(wire.CancelPerpOrderByClientID{ClientOrderID: 99},
		ref(v.groupID), ref(acct), signer(owner), ref(v.perpMarket))
	if err == nil {
		t.Fatal("expected error cancelling missing order")
	}

	// With it the cancel is a no-op success.
	v.mustExec(wire.CancelPerpOrderByClientID{ClientOrderID: 99, InvalidIDOK: true},
		ref(v.groupID), ref(acct), signer(owner), ref(v.perpMarket))
}

func TestPerpFill_MovesPositions(t *testing.T) {
	v := newVenue(t)
	v.addPerpMarket()
	alice, aliceOwner := v.initAccount()
	bob, bobOwner := v.initAccount()
	v.deposit(alice, aliceOwner, 150)
	v.deposit(bob, bobOwner, 10_000)
	v.setPrice("10")

	// The venue matched alice long 10 lots against bob at 100 quote
	// per lot.
	if _, err := v.eng.PushMarketEvent(v.perpMarket, perp.Event{
		Type:      perp.EventFill,
		Timestamp: v.clock,
		Maker:     bob,
		Taker:     alice,
		TakerSide: uint8(account.Bid),
		Price:     dec("100"),
		Quantity:  10,
	}); err != nil {
		t.Fatalf("push event: %v", err)
	}

	v.mustExec(wire.ConsumeEvents{Limit: 8}, ref(v.groupID), ref(v.perpMarket))

	st := v.eng.State()
	alicePos := st.Accounts[alice].PerpAccounts[0]
	bobPos := st.Accounts[bob].PerpAccounts[0]

	if alicePos.BasePosition != 10 {
		t.Errorf("alice base: want 10, got %d", alicePos.BasePosition)
	}
	// Taker pays 1000 notional plus the 2^-10 taker fee.
	if !alicePos.QuotePosition.Equal(dec("-1000.9765625")) {
		t.Errorf("alice quote: want -1001, got %s", alicePos.QuotePosition)
	}
	if bobPos.BasePosition != -10 {
		t.Errorf("bob base: want -10, got %d", bobPos.BasePosition)
	}
	if !bobPos.QuotePosition.Equal(dec("1000")) {
		t.Errorf("bob quote: want 1000, got %s", bobPos.QuotePosition)
	}

	mkt := st.PerpMarkets[v.perpMarket]
	if !mkt.FeesAccrued.Equal(dec("0.9765625")) {
		t.Errorf("fees accrued: want 1, got %s", mkt.FeesAccrued)
	}
	if mkt.Queue.Len() != 0 {
		t.Errorf("queue not drained: %d events left", mkt.Queue.Len())
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidatePerpMarket_TransfersPosition(t *testing.T) {
	v := newVenue(t)
	v.addPerpMarket()
	alice, aliceOwner := v.initAccount()
	bob, bobOwner := v.initAccount()
	carol, carolOwner := v.initAccount()
	v.deposit(alice, aliceOwner, 100)
	v.deposit(bob, bobOwner, 10_000)
	v.deposit(carol, carolOwner, 10_000)
	v.setPrice("10")

	if _, err := v.eng.PushMarketEvent(v.perpMarket, perp.Event{
		Type:      perp.EventFill,
		Timestamp: v.clock,
		Maker:     bob,
		Taker:     alice,
		TakerSide: uint8(account.Bid),
		Price:     dec("100"),
		Quantity:  10,
	}); err != nil {
		t.Fatalf("push event: %v", err)
	}
	v.mustExec(wire.ConsumeEvents{Limit: 8}, ref(v.groupID), ref(v.perpMarket))

	// Healthy at entry price; not liquidatable yet.
	_, err := v.exec(wire.LiquidatePerpMarket{BaseTransferRequest: 10},
		ref(v.groupID), ref(v.perpMarket), ref(alice), ref(carol), signer(carolOwner))
	if errs.CodeOf(err) != errs.CodeNotLiquidatable {
		t.Fatalf("expected CodeNotLiquidatable at entry price, got %v", err)
	}

	// Mark drops 10%; alice's maintenance health goes negative.
	v.setPrice("9")
	before := v.maintHealth(alice)
	if !health.Liquidatable(before) {
		t.Fatalf("expected alice liquidatable at 9, health %s", before)
	}

	v.mustExec(wire.LiquidatePerpMarket{BaseTransferRequest: 10},
		ref(v.groupID), ref(v.perpMarket), ref(alice), ref(carol), signer(carolOwner))

	st := v.eng.State()
	alicePos := st.Accounts[alice].PerpAccounts[0]
	carolPos := st.Accounts[carol].PerpAccounts[0]

	if alicePos.BasePosition >= 10 {
		t.Errorf("alice base not reduced: %d", alicePos.BasePosition)
	}
	if carolPos.BasePosition <= 0 {
		t.Errorf("carol took no base: %d", carolPos.BasePosition)
	}
	if alicePos.BasePosition+carolPos.BasePosition != 10 {
		t.Errorf("base not conserved: alice %d carol %d", alicePos.BasePosition, carolPos.BasePosition)
	}

	after := v.maintHealth(alice)
	if !after.GreaterThan(before) {
		t.Errorf("health did not improve: before %s after %s", before, after)
	}
}

func TestLiquidateTokenAndPerp_AssumesQuoteLiability(t *testing.T) {
	v := newVenue(t)
	v.addPerpMarket()
	alice, aliceOwner := v.initAccount()
	bob, bobOwner := v.initAccount()
	carol, carolOwner := v.initAccount()
	v.deposit(alice, aliceOwner, 100)
	v.deposit(bob, bobOwner, 10_000)
	v.deposit(carol, carolOwner, 10_000)
	v.setPrice("10")

	if _, err := v.eng.PushMarketEvent(v.perpMarket, perp.Event{
		Type:      perp.EventFill,
		Timestamp: v.clock,
		Maker:     bob,
		Taker:     alice,
		TakerSide: uint8(account.Bid),
		Price:     dec("100"),
		Quantity:  10,
	}); err != nil {
		t.Fatalf("push event: %v", err)
	}
	v.mustExec(wire.ConsumeEvents{Limit: 8}, ref(v.groupID), ref(v.perpMarket))
	v.setPrice("9")

	// First flatten the base position, then carol assumes part of the
	// remaining quote liability against alice's deposits.
	v.mustExec(wire.LiquidatePerpMarket{BaseTransferRequest: 10},
		ref(v.groupID), ref(v.perpMarket), ref(alice), ref(carol), signer(carolOwner))

	st := v.eng.State()
	if st.Accounts[alice].PerpAccounts[0].BasePosition != 0 {
		t.Fatalf("alice base not flat: %d", st.Accounts[alice].PerpAccounts[0].BasePosition)
	}
	aliceQuoteBefore := st.Accounts[alice].PerpAccounts[0].QuotePosition
	carolQuoteBefore := st.Accounts[carol].PerpAccounts[0].QuotePosition

	v.mustExec(wire.LiquidateTokenAndPerp{
		AssetType:       wire.AssetTypeToken,
		AssetIndex:      group.QuoteIndex,
		LiabType:        wire.AssetTypePerp,
		LiabIndex:       0,
		MaxLiabTransfer: dec("50"),
	}, ref(v.groupID), ref(alice), ref(carol), signer(carolOwner), ref(v.quoteRoot), ref(v.quoteNode))

	st = v.eng.State()
	aliceQuote := st.Accounts[alice].PerpAccounts[0].QuotePosition
	carolQuote := st.Accounts[carol].PerpAccounts[0].QuotePosition

	// Carol assumed 50 of alice's quote liability.
	if !aliceQuote.Equal(aliceQuoteBefore.Add(dec("50"))) {
		t.Errorf("alice quote: want %s, got %s", aliceQuoteBefore.Add(dec("50")), aliceQuote)
	}
	if !carolQuote.Equal(carolQuoteBefore.Sub(dec("50"))) {
		t.Errorf("carol quote: want %s, got %s", carolQuoteBefore.Sub(dec("50")), carolQuote)
	}
	// Alice paid 50 * 1.03125 of deposits for the relief.
	if !st.Accounts[alice].Deposits[group.QuoteIndex].Equal(dec("48.4375")) {
		t.Errorf("alice deposits: want 48.4375, got %s", st.Accounts[alice].Deposits[group.QuoteIndex])
	}
	// Carol received the premium-priced deposits.
	if !st.Accounts[carol].Deposits[group.QuoteIndex].Equal(dec("10051.5625")) {
		t.Errorf("carol deposits: want 10051.5625, got %s", st.Accounts[carol].Deposits[group.QuoteIndex])
	}
}

// ============================================================================
// Test: Hash chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() [][32]byte {
		v := newVenue(t)
		v.addPerpMarket()
		acct, owner := v.initAccount()
		drainOutputs(v.persist)

		v.deposit(acct, owner, 1_000)
		v.setPrice("10")
		v.mustExec(wire.PlacePerpOrder{
			Price: 100, Quantity: 1, ClientOrderID: 7, Side: account.Bid,
		}, ref(v.groupID), ref(acct), signer(owner), ref(v.perpMarket))

		outputs := drainOutputs(v.persist)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := run()
	hashes2 := run()

	if len(hashes1) != len(hashes2) {
		t.Fatalf("different output counts: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

func TestEnvelope_ChainsPrevHash(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()
	drainOutputs(v.persist)

	v.deposit(acct, owner, 100)
	v.deposit(acct, owner, 200)

	outputs := drainOutputs(v.persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("second envelope's prev hash does not chain to the first")
	}
	if outputs[0].Envelope.Sequence+1 != outputs[1].Envelope.Sequence {
		t.Errorf("sequences not contiguous: %d then %d",
			outputs[0].Envelope.Sequence, outputs[1].Envelope.Sequence)
	}
}

// ============================================================================
// Test: Channels
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	persist := make(chan engine.Output, 1024)
	proj := make(chan engine.Output, 1)
	v := &venue{
		t:       t,
		eng:     engine.NewEngine(engine.NewState(), 0, persist, proj, nil, nil, zerolog.Nop()),
		persist: persist,
		proj:    proj,
		clock:   1_000_000,
	}
	v.groupID = v.newID()
	v.admin = v.newID()
	v.cacheID = v.newID()
	v.quoteRoot = v.newID()
	v.quoteNode = v.newID()
	v.insurance = v.newID()
	v.fees = v.newID()
	v.mustExec(wire.InitGroup{
		ValidInterval:    3600,
		QuoteOptimalUtil: dec("0.75"),
		QuoteOptimalRate: dec("0.0625"),
		QuoteMaxRate:     dec("1.5"),
	}, ref(v.groupID), signer(v.admin), ref(v.quoteRoot), ref(v.quoteNode),
		ref(v.cacheID), ref(v.insurance), ref(v.fees))

	acct, owner := v.initAccount()
	for i := 0; i < 5; i++ {
		v.deposit(acct, owner, 100)
	}

	// Projection drops are silent; persistence keeps everything.
	if got := len(drainOutputs(persist)); got != 7 {
		t.Errorf("expected 7 persist outputs, got %d", got)
	}
}

// ============================================================================
// Test: Snapshot and restore
// ============================================================================

func TestSnapshotRestore_SuppressesReplays(t *testing.T) {
	v := newVenue(t)
	acct, owner := v.initAccount()

	instr, err := wire.Encode(wire.Deposit{Quantity: 500})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := &engine.Request{
		Instruction: instr,
		Accounts: []engine.AccountRef{
			ref(v.groupID), ref(acct), signer(owner), ref(v.quoteRoot), ref(v.quoteNode),
		},
		Timestamp:      v.clock + 1,
		IdempotencyKey: "snap-dep",
		SourceSequence: v.nextSeq,
	}
	if _, err := v.eng.Execute(req); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	snap := v.eng.CreateSnapshotState()

	restored := engine.NewEngine(v.eng.State(), 0, nil, nil, nil, nil, zerolog.Nop())
	restored.RestoreFromSnapshot(snap)

	if restored.Sequence() != snap.Sequence {
		t.Errorf("sequence not restored: want %d, got %d", snap.Sequence, restored.Sequence())
	}
	if restored.StateHash() != snap.StateHash {
		t.Error("hash chain tip not restored")
	}

	// A replay of the pre-snapshot request stays suppressed.
	out, err := restored.Execute(req)
	if err != nil {
		t.Fatalf("replay should not error: %v", err)
	}
	if out != nil {
		t.Error("expected nil output for replayed request")
	}
}
