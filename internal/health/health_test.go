package health

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/cache"
	"crossmargin/internal/fixed"
	"crossmargin/internal/group"
)

const testNow = int64(1_000_000)

type ooMap map[uuid.UUID]*account.OpenOrders

func (m ooMap) OpenOrders(id uuid.UUID) (*account.OpenOrders, bool) {
	o, ok := m[id]
	return o, ok
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fixture: slot 0 carries a token with a spot market (5x/10x leverage)
// and a perp market (same weights, base lot 100).
func fixture() (*group.Group, *cache.GroupCache) {
	g := group.New(uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), 6, 60)
	g.Tokens[0] = group.TokenInfo{RootBank: uuid.New(), Decimals: 6}
	w := group.WeightsFromLeverage(dec("10"), dec("5"))
	g.SpotMarkets[0] = group.SpotMarketInfo{Market: uuid.New(), Weights: w, LiquidationFee: dec("0.02")}
	g.PerpMarkets[0] = group.PerpMarketInfo{
		Market: uuid.New(), Weights: w, LiquidationFee: dec("0.025"),
		BaseLotSize: 100, QuoteLotSize: 10,
	}

	c := cache.New(uuid.New(), g.ID)
	c.SetPrice(0, dec("10"), testNow)
	c.SetRootBank(0, fixed.One, fixed.One, testNow)
	c.SetRootBank(group.QuoteIndex, fixed.One, fixed.One, testNow)
	c.SetPerpMarket(0, fixed.Zero, fixed.Zero, testNow)
	return g, c
}

func TestCompute_QuoteDepositAtPar(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.Deposits[group.QuoteIndex] = dec("1000")

	for _, typ := range []Type{Maint, Init} {
		got, err := Compute(a, g, c, nil, typ, testNow)
		if err != nil {
			t.Fatalf("%v: %v", typ, err)
		}
		if !got.Equal(dec("1000")) {
			t.Errorf("%v health = %s, want 1000", typ, got)
		}
	}
}

func TestCompute_TokenDepositAtPar_BorrowPenalized(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	a.Deposits[0] = dec("10") // 10 native at price 10 = 100
	a.Borrows[0] = dec("4")   // 4 native at price 10 = 40

	// Maint liab weight at 10x leverage = 21/20 = 1.05.
	got, err := Compute(a, g, c, nil, Maint, testNow)
	if err != nil {
		t.Fatal(err)
	}
	want := dec("100").Sub(dec("40").Mul(dec("1.05")))
	if !got.Equal(want) {
		t.Errorf("maint health = %s, want %s", got, want)
	}

	// Init liab weight at 5x leverage = 6/5 = 1.2.
	got, err = Compute(a, g, c, nil, Init, testNow)
	if err != nil {
		t.Fatal(err)
	}
	want = dec("100").Sub(dec("40").Mul(dec("1.2")))
	if !got.Equal(want) {
		t.Errorf("init health = %s, want %s", got, want)
	}
}

func TestCompute_InitNeverAboveMaint(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	a.Deposits[group.QuoteIndex] = dec("500")
	a.Borrows[0] = dec("30")
	a.PerpAccounts[0] = account.PerpPosition{BasePosition: 5, QuotePosition: dec("-4800")}

	maint, err := Compute(a, g, c, nil, Maint, testNow)
	if err != nil {
		t.Fatal(err)
	}
	init, err := Compute(a, g, c, nil, Init, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if init.GreaterThan(maint) {
		t.Errorf("init health %s > maint health %s", init, maint)
	}
}

func TestCompute_PerpLongWeighted(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	// 5 lots long at lot size 100, price 10: notional 5000.
	a.PerpAccounts[0] = account.PerpPosition{BasePosition: 5, QuotePosition: dec("-4800")}

	got, err := Compute(a, g, c, nil, Maint, testNow)
	if err != nil {
		t.Fatal(err)
	}
	// Maint asset weight at 10x = 19/20 = 0.95: -4800 + 5000*0.95 = -50.
	want := dec("-50")
	if !got.Equal(want) {
		t.Errorf("maint health = %s, want %s", got, want)
	}
	if !Liquidatable(got) {
		t.Error("negative maint health should be liquidatable")
	}
}

func TestCompute_PerpShortWeighted(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	a.PerpAccounts[0] = account.PerpPosition{BasePosition: -3, QuotePosition: dec("3200")}

	got, err := Compute(a, g, c, nil, Maint, testNow)
	if err != nil {
		t.Fatal(err)
	}
	// Short 3 lots: notional -3000, liab weight 1.05: 3200 - 3150 = 50.
	want := dec("50")
	if !got.Equal(want) {
		t.Errorf("maint health = %s, want %s", got, want)
	}
	if Liquidatable(got) {
		t.Error("positive maint health must not be liquidatable")
	}
}

func TestCompute_UnsettledFundingCounted(t *testing.T) {
	g, c := fixture()
	// Funding accumulator moved to 2 per lot since the position settled.
	c.SetPerpMarket(0, dec("2"), dec("2"), testNow)

	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	a.PerpAccounts[0] = account.PerpPosition{BasePosition: 5, QuotePosition: dec("-4800")}

	got, err := Compute(a, g, c, nil, Maint, testNow)
	if err != nil {
		t.Fatal(err)
	}
	// Long pays 5 lots * 2 = 10 on top of the -50 base case.
	want := dec("-60")
	if !got.Equal(want) {
		t.Errorf("maint health = %s, want %s", got, want)
	}
	if !a.PerpAccounts[0].QuotePosition.Equal(dec("-4800")) {
		t.Error("health computation must not settle funding on the account")
	}
}

func TestCompute_PerpOrderReservationsWorstCase(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	a.Deposits[group.QuoteIndex] = dec("1000")
	// Flat position, 4 bid lots resting: worst case is the bids fill.
	a.PerpAccounts[0] = account.PerpPosition{BidsQuantity: 4}

	got, err := Compute(a, g, c, nil, Maint, testNow)
	if err != nil {
		t.Fatal(err)
	}
	// Fill: base 4 lots (notional 4000, weight 0.95), quote -4000.
	// Contribution 3800 - 4000 = -200 on top of the 1000 deposit.
	want := dec("800")
	if !got.Equal(want) {
		t.Errorf("maint health = %s, want %s", got, want)
	}
}

func TestCompute_SpotOpenOrdersAtPar(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	ooID := uuid.New()
	a.SpotOpenOrders[0] = ooID
	oo := ooMap{ooID: {
		ID:          ooID,
		BaseLocked:  dec("2"),
		BaseFree:    dec("1"),
		QuoteLocked: dec("25"),
		QuoteFree:   dec("5"),
	}}

	got, err := Compute(a, g, c, oo, Init, testNow)
	if err != nil {
		t.Fatal(err)
	}
	// (2+1)*10 + 25 + 5 = 60, at par in both metrics.
	if !got.Equal(dec("60")) {
		t.Errorf("init health = %s, want 60", got)
	}
}

func TestCompute_StaleCacheFails(t *testing.T) {
	g, c := fixture()
	a := account.New(uuid.New(), g.ID, uuid.New())
	a.InMarginBasket[0] = true
	a.Deposits[0] = dec("1")

	if _, err := Compute(a, g, c, nil, Maint, testNow+g.ValidInterval+1); err == nil {
		t.Fatal("expected stale cache error")
	}
	// Boundary inclusive: exactly ValidInterval old still passes.
	if _, err := Compute(a, g, c, nil, Maint, testNow+g.ValidInterval); err != nil {
		t.Fatalf("age == valid interval should pass: %v", err)
	}
}

func TestBoundaries(t *testing.T) {
	if Liquidatable(fixed.Zero) {
		t.Error("zero maint health is not liquidatable")
	}
	if !AllowsNewRisk(fixed.Zero) {
		t.Error("zero init health admits new risk")
	}
	if AllowsNewRisk(dec("-0.001")) {
		t.Error("negative init health must block new risk")
	}
}
