package wire

import (
	"testing"

	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/errs"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustEncode(t *testing.T, in Instruction) []byte {
	t.Helper()
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode %T: %v", in, err)
	}
	return b
}

func TestDecode_InitGroup(t *testing.T) {
	in := InitGroup{
		SignerNonce:      7,
		ValidInterval:    10,
		QuoteOptimalUtil: dec("0.75"),
		QuoteOptimalRate: dec("0.0625"),
		QuoteMaxRate:     dec("1.5"),
	}
	b := mustEncode(t, in)
	if len(b) != 4+64 {
		t.Fatalf("encoded length = %d, want 68", len(b))
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := got.(InitGroup)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if v.SignerNonce != 7 || v.ValidInterval != 10 {
		t.Errorf("scalars = %d/%d", v.SignerNonce, v.ValidInterval)
	}
	if !v.QuoteOptimalUtil.Equal(dec("0.75")) {
		t.Errorf("optimal util = %s", v.QuoteOptimalUtil)
	}
	if !v.QuoteMaxRate.Equal(dec("1.5")) {
		t.Errorf("max rate = %s", v.QuoteMaxRate)
	}
}

func TestDecode_AddPerpMarketWidth(t *testing.T) {
	in := AddPerpMarket{
		MaintLeverage:  dec("10"),
		InitLeverage:   dec("5"),
		LiquidationFee: dec("0.03125"),
		MakerFee:       dec("-0.000244140625"),
		TakerFee:       dec("0.00048828125"),
		BaseLotSize:    100,
		QuoteLotSize:   10,
		Rate:           dec("0.0009765625"),
		MaxDepthBps:    dec("200"),
	}
	b := mustEncode(t, in)
	if len(b) != 4+144 {
		t.Fatalf("encoded length = %d, want 148", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	v := got.(AddPerpMarket)
	if v.BaseLotSize != 100 || v.QuoteLotSize != 10 {
		t.Errorf("lot sizes = %d/%d", v.BaseLotSize, v.QuoteLotSize)
	}
	if !v.MakerFee.Equal(dec("-0.000244140625")) {
		t.Errorf("maker fee = %s", v.MakerFee)
	}
}

func TestDecode_WithdrawBoolStrict(t *testing.T) {
	b := mustEncode(t, Withdraw{Quantity: 123, AllowBorrow: true})
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.(Withdraw); !v.AllowBorrow || v.Quantity != 123 {
		t.Errorf("decoded %+v", v)
	}

	// Any byte other than 0 or 1 is malformed.
	b[len(b)-1] = 2
	if _, err := Decode(b); errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Fatalf("err = %v, want malformed input", err)
	}
}

func TestDecode_PlacePerpOrderEnums(t *testing.T) {
	in := PlacePerpOrder{Price: 1000, Quantity: 5, ClientOrderID: 42, Side: account.Ask, OrderType: OrderTypePostOnly}
	b := mustEncode(t, in)
	if len(b) != 4+26 {
		t.Fatalf("encoded length = %d, want 30", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.(PlacePerpOrder); v != in {
		t.Errorf("decoded %+v, want %+v", v, in)
	}

	// Side byte 2 is out of range.
	b[4+8+8+8] = 2
	if _, err := Decode(b); errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Fatalf("err = %v, want malformed input", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	b := mustEncode(t, Deposit{Quantity: 9})
	if _, err := Decode(b[:len(b)-1]); errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Fatalf("err = %v, want malformed input", err)
	}
	if _, err := Decode(b[:3]); errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Fatalf("short discriminant err = %v, want malformed input", err)
	}
}

func TestDecode_TrailingBytes(t *testing.T) {
	b := append(mustEncode(t, SettleFunds{}), 0)
	if _, err := Decode(b); errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Fatalf("err = %v, want malformed input", err)
	}
}

func TestDecode_UnknownDiscriminant(t *testing.T) {
	if _, err := Decode([]byte{41, 0, 0, 0}); errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Fatalf("err = %v, want malformed input", err)
	}
}

func TestDecode_CancelPerpOrderHighBits(t *testing.T) {
	b := mustEncode(t, CancelPerpOrder{OrderID: 77, InvalidIDOK: true})
	if len(b) != 4+17 {
		t.Fatalf("encoded length = %d, want 21", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if v := got.(CancelPerpOrder); v.OrderID != 77 || !v.InvalidIDOK {
		t.Errorf("decoded %+v", v)
	}

	// Ids are 64-bit; high half must be zero.
	b[4+8] = 1
	if _, err := Decode(b); errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Fatalf("err = %v, want malformed input", err)
	}
}

func TestDecode_ChangePerpMarketParamsOptionals(t *testing.T) {
	fee := dec("0.03125")
	period := uint64(3600)
	in := ChangePerpMarketParams{LiquidationFee: &fee, TargetPeriodLength: &period}
	b := mustEncode(t, in)
	if len(b) != 4+137 {
		t.Fatalf("encoded length = %d, want 141", len(b))
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	v := got.(ChangePerpMarketParams)
	if v.MaintLeverage != nil || v.MakerFee != nil || v.RewardsPerPeriod != nil {
		t.Error("absent optionals decoded as present")
	}
	if v.LiquidationFee == nil || !v.LiquidationFee.Equal(fee) {
		t.Errorf("liquidation fee = %v", v.LiquidationFee)
	}
	if v.TargetPeriodLength == nil || *v.TargetPeriodLength != period {
		t.Errorf("target period = %v", v.TargetPeriodLength)
	}
}

func TestDecode_NoPayloadKinds(t *testing.T) {
	for _, in := range []Instruction{
		InitAccount{}, CachePrices{}, CacheRootBanks{}, AddOracle{},
		CachePerpMarkets{}, UpdateFunding{}, SettleFunds{}, UpdateRootBank{},
		SettleFees{}, InitSpotOpenOrders{}, RedeemRewards{}, SetGroupAdmin{},
		ForceSettleQuotePositions{},
	} {
		b := mustEncode(t, in)
		if len(b) != 4 {
			t.Errorf("%T encoded length = %d, want 4", in, len(b))
		}
		got, err := Decode(b)
		if err != nil {
			t.Errorf("%T: %v", in, err)
			continue
		}
		if got.Kind() != in.Kind() {
			t.Errorf("%T round-tripped to kind %d", in, got.Kind())
		}
	}
}

func TestDecode_AddAccountInfo(t *testing.T) {
	var in AddAccountInfo
	copy(in.Info[:], "desk-07")
	b := mustEncode(t, in)
	if len(b) != 4+account.InfoLen {
		t.Fatalf("encoded length = %d", len(b))
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.(AddAccountInfo).Info != in.Info {
		t.Error("info round-trip mismatch")
	}
}
