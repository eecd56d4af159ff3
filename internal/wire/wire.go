// Package wire decodes the packed instruction format: a 4-byte
// little-endian discriminant followed by a fixed-width payload whose
// layout depends on the kind. Fixed-point fields travel as 16-byte
// I80F48 words. Decoding is strict: unknown discriminants, truncated
// payloads, and out-of-range bool or enum bytes fail with
// MalformedInput before any state is touched.
package wire

import (
	"encoding/binary"

	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
)

// Kind is the instruction discriminant.
type Kind uint32

const (
	KindInitGroup                 Kind = 0
	KindInitAccount               Kind = 1
	KindDeposit                   Kind = 2
	KindWithdraw                  Kind = 3
	KindAddSpotMarket             Kind = 4
	KindAddToBasket               Kind = 5 // legacy; flags a slot into the basket
	KindBorrow                    Kind = 6 // deprecated, rejected at dispatch
	KindCachePrices               Kind = 7
	KindCacheRootBanks            Kind = 8
	KindPlaceSpotOrder            Kind = 9
	KindAddOracle                 Kind = 10
	KindAddPerpMarket             Kind = 11
	KindPlacePerpOrder            Kind = 12
	KindCancelPerpOrderByClientID Kind = 13
	KindCancelPerpOrder           Kind = 14
	KindConsumeEvents             Kind = 15
	KindCachePerpMarkets          Kind = 16
	KindUpdateFunding             Kind = 17
	KindSetOracle                 Kind = 18
	KindSettleFunds               Kind = 19
	KindCancelSpotOrder           Kind = 20
	KindUpdateRootBank            Kind = 21
	KindSettlePnl                 Kind = 22
	KindSettleBorrow              Kind = 23
	KindForceCancelSpotOrders     Kind = 24
	KindForceCancelPerpOrders     Kind = 25
	KindLiquidateTokenAndToken    Kind = 26
	KindLiquidateTokenAndPerp     Kind = 27
	KindLiquidatePerpMarket       Kind = 28
	KindSettleFees                Kind = 29
	KindResolvePerpBankruptcy     Kind = 30
	KindResolveTokenBankruptcy    Kind = 31
	KindInitSpotOpenOrders        Kind = 32
	KindRedeemRewards             Kind = 33
	KindAddAccountInfo            Kind = 34
	KindDepositMsrm               Kind = 35
	KindWithdrawMsrm              Kind = 36
	KindChangePerpMarketParams    Kind = 37
	KindSetGroupAdmin             Kind = 38
	KindCancelAllPerpOrders       Kind = 39
	KindForceSettleQuotePositions Kind = 40
)

// OrderType of a perp or spot order.
type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
	OrderTypeImmediateOrCancel
	OrderTypePostOnly
)

// SelfTradeBehavior mirrors the spot venue's enum.
type SelfTradeBehavior uint32

const (
	SelfTradeDecrementTake SelfTradeBehavior = iota
	SelfTradeCancelProvide
	SelfTradeAbortTransaction
)

// AssetType selects the ledger a liquidation leg draws from.
type AssetType uint8

const (
	AssetTypeToken AssetType = iota
	AssetTypePerp
)

// Instruction is one decoded call.
type Instruction interface {
	Kind() Kind
}

type InitGroup struct {
	SignerNonce      uint64
	ValidInterval    uint64
	QuoteOptimalUtil decimal.Decimal
	QuoteOptimalRate decimal.Decimal
	QuoteMaxRate     decimal.Decimal
}

type InitAccount struct{}

type Deposit struct {
	Quantity uint64
}

type Withdraw struct {
	Quantity    uint64
	AllowBorrow bool
}

type AddSpotMarket struct {
	MaintLeverage  decimal.Decimal
	InitLeverage   decimal.Decimal
	LiquidationFee decimal.Decimal
	OptimalUtil    decimal.Decimal
	OptimalRate    decimal.Decimal
	MaxRate        decimal.Decimal
}

type AddToBasket struct {
	MarketIndex uint64
}

type Borrow struct {
	Quantity uint64
}

type CachePrices struct{}
type CacheRootBanks struct{}

type PlaceSpotOrder struct {
	Side              account.Side
	LimitPrice        uint64
	MaxBaseQty        uint64
	MaxQuoteQty       uint64
	SelfTradeBehavior SelfTradeBehavior
	OrderType         OrderType
	ClientOrderID     uint64
	Limit             uint16
}

type AddOracle struct{}

type AddPerpMarket struct {
	MaintLeverage      decimal.Decimal
	InitLeverage       decimal.Decimal
	LiquidationFee     decimal.Decimal
	MakerFee           decimal.Decimal
	TakerFee           decimal.Decimal
	BaseLotSize        int64
	QuoteLotSize       int64
	Rate               decimal.Decimal
	MaxDepthBps        decimal.Decimal
	TargetPeriodLength uint64
	RewardsPerPeriod   uint64
}

type PlacePerpOrder struct {
	Price         int64
	Quantity      int64
	ClientOrderID uint64
	Side          account.Side
	OrderType     OrderType
}

type CancelPerpOrderByClientID struct {
	ClientOrderID uint64
	InvalidIDOK   bool
}

type CancelPerpOrder struct {
	OrderID     uint64
	InvalidIDOK bool
}

type ConsumeEvents struct {
	Limit uint64
}

type CachePerpMarkets struct{}
type UpdateFunding struct{}

type SetOracle struct {
	Price decimal.Decimal
}

type SettleFunds struct{}

type CancelSpotOrder struct {
	Side    account.Side
	OrderID uint64
}

type UpdateRootBank struct{}

type SettlePnl struct {
	MarketIndex uint64
}

type SettleBorrow struct {
	TokenIndex uint64
	Quantity   uint64
}

type ForceCancelSpotOrders struct {
	Limit uint8
}

type ForceCancelPerpOrders struct {
	Limit uint8
}

type LiquidateTokenAndToken struct {
	MaxLiabTransfer decimal.Decimal
}

type LiquidateTokenAndPerp struct {
	AssetType       AssetType
	AssetIndex      uint64
	LiabType        AssetType
	LiabIndex       uint64
	MaxLiabTransfer decimal.Decimal
}

type LiquidatePerpMarket struct {
	BaseTransferRequest int64
}

type SettleFees struct{}

type ResolvePerpBankruptcy struct {
	LiabIndex       uint64
	MaxLiabTransfer decimal.Decimal
}

type ResolveTokenBankruptcy struct {
	MaxLiabTransfer decimal.Decimal
}

type InitSpotOpenOrders struct{}
type RedeemRewards struct{}

type AddAccountInfo struct {
	Info [account.InfoLen]byte
}

type DepositMsrm struct {
	Quantity uint64
}

type WithdrawMsrm struct {
	Quantity uint64
}

// ChangePerpMarketParams carries one optional slot per parameter; nil
// means the parameter keeps its current value.
type ChangePerpMarketParams struct {
	MaintLeverage      *decimal.Decimal
	InitLeverage       *decimal.Decimal
	LiquidationFee     *decimal.Decimal
	MakerFee           *decimal.Decimal
	TakerFee           *decimal.Decimal
	Rate               *decimal.Decimal
	MaxDepthBps        *decimal.Decimal
	TargetPeriodLength *uint64
	RewardsPerPeriod   *uint64
}

type SetGroupAdmin struct{}

type CancelAllPerpOrders struct {
	Limit uint8
}

type ForceSettleQuotePositions struct{}

func (InitGroup) Kind() Kind                 { return KindInitGroup }
func (InitAccount) Kind() Kind               { return KindInitAccount }
func (Deposit) Kind() Kind                   { return KindDeposit }
func (Withdraw) Kind() Kind                  { return KindWithdraw }
func (AddSpotMarket) Kind() Kind             { return KindAddSpotMarket }
func (AddToBasket) Kind() Kind               { return KindAddToBasket }
func (Borrow) Kind() Kind                    { return KindBorrow }
func (CachePrices) Kind() Kind               { return KindCachePrices }
func (CacheRootBanks) Kind() Kind            { return KindCacheRootBanks }
func (PlaceSpotOrder) Kind() Kind            { return KindPlaceSpotOrder }
func (AddOracle) Kind() Kind                 { return KindAddOracle }
func (AddPerpMarket) Kind() Kind             { return KindAddPerpMarket }
func (PlacePerpOrder) Kind() Kind            { return KindPlacePerpOrder }
func (CancelPerpOrderByClientID) Kind() Kind { return KindCancelPerpOrderByClientID }
func (CancelPerpOrder) Kind() Kind           { return KindCancelPerpOrder }
func (ConsumeEvents) Kind() Kind             { return KindConsumeEvents }
func (CachePerpMarkets) Kind() Kind          { return KindCachePerpMarkets }
func (UpdateFunding) Kind() Kind             { return KindUpdateFunding }
func (SetOracle) Kind() Kind                 { return KindSetOracle }
func (SettleFunds) Kind() Kind               { return KindSettleFunds }
func (CancelSpotOrder) Kind() Kind           { return KindCancelSpotOrder }
func (UpdateRootBank) Kind() Kind            { return KindUpdateRootBank }
func (SettlePnl) Kind() Kind                 { return KindSettlePnl }
func (SettleBorrow) Kind() Kind              { return KindSettleBorrow }
func (ForceCancelSpotOrders) Kind() Kind     { return KindForceCancelSpotOrders }
func (ForceCancelPerpOrders) Kind() Kind     { return KindForceCancelPerpOrders }
func (LiquidateTokenAndToken) Kind() Kind    { return KindLiquidateTokenAndToken }
func (LiquidateTokenAndPerp) Kind() Kind     { return KindLiquidateTokenAndPerp }
func (LiquidatePerpMarket) Kind() Kind       { return KindLiquidatePerpMarket }
func (SettleFees) Kind() Kind                { return KindSettleFees }
func (ResolvePerpBankruptcy) Kind() Kind     { return KindResolvePerpBankruptcy }
func (ResolveTokenBankruptcy) Kind() Kind    { return KindResolveTokenBankruptcy }
func (InitSpotOpenOrders) Kind() Kind        { return KindInitSpotOpenOrders }
func (RedeemRewards) Kind() Kind             { return KindRedeemRewards }
func (AddAccountInfo) Kind() Kind            { return KindAddAccountInfo }
func (DepositMsrm) Kind() Kind               { return KindDepositMsrm }
func (WithdrawMsrm) Kind() Kind              { return KindWithdrawMsrm }
func (ChangePerpMarketParams) Kind() Kind    { return KindChangePerpMarketParams }
func (SetGroupAdmin) Kind() Kind             { return KindSetGroupAdmin }
func (CancelAllPerpOrders) Kind() Kind       { return KindCancelAllPerpOrders }
func (ForceSettleQuotePositions) Kind() Kind { return KindForceSettleQuotePositions }

// reader walks a payload with width checks.
type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = errs.Newf(errs.CodeMalformedInput, "payload truncated: need %d more bytes, have %d", n, len(r.data))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = errs.Newf(errs.CodeMalformedInput, "bool byte not 0 or 1")
		}
		return false
	}
}

func (r *reader) fixed() decimal.Decimal {
	b := r.take(fixed.WordSize)
	if b == nil {
		return decimal.Decimal{}
	}
	var word [fixed.WordSize]byte
	copy(word[:], b)
	return fixed.DecodeWord(word)
}

// u128Lo reads a 16-byte little-endian id whose high half must be zero;
// the engine issues 64-bit order ids.
func (r *reader) u128Lo() uint64 {
	lo := r.u64()
	hi := r.u64()
	if hi != 0 && r.err == nil {
		r.err = errs.Newf(errs.CodeMalformedInput, "order id high bits set")
	}
	return lo
}

func (r *reader) side8() account.Side {
	switch r.u8() {
	case 0:
		return account.Bid
	case 1:
		return account.Ask
	default:
		if r.err == nil {
			r.err = errs.Newf(errs.CodeMalformedInput, "side byte out of range")
		}
		return account.Bid
	}
}

func (r *reader) side32() account.Side {
	switch r.u32() {
	case 0:
		return account.Bid
	case 1:
		return account.Ask
	default:
		if r.err == nil {
			r.err = errs.Newf(errs.CodeMalformedInput, "side word out of range")
		}
		return account.Bid
	}
}

func (r *reader) orderType8() OrderType {
	v := r.u8()
	if v > uint8(OrderTypePostOnly) && r.err == nil {
		r.err = errs.Newf(errs.CodeMalformedInput, "order type %d out of range", v)
	}
	return OrderType(v)
}

func (r *reader) orderType32() OrderType {
	v := r.u32()
	if v > uint32(OrderTypePostOnly) && r.err == nil {
		r.err = errs.Newf(errs.CodeMalformedInput, "order type %d out of range", v)
	}
	return OrderType(v)
}

func (r *reader) selfTrade32() SelfTradeBehavior {
	v := r.u32()
	if v > uint32(SelfTradeAbortTransaction) && r.err == nil {
		r.err = errs.Newf(errs.CodeMalformedInput, "self trade behavior %d out of range", v)
	}
	return SelfTradeBehavior(v)
}

func (r *reader) assetType() AssetType {
	v := r.u8()
	if v > uint8(AssetTypePerp) && r.err == nil {
		r.err = errs.Newf(errs.CodeMalformedInput, "asset type %d out of range", v)
	}
	return AssetType(v)
}

func (r *reader) fixedOpt() *decimal.Decimal {
	present := r.boolean()
	v := r.fixed()
	if r.err != nil || !present {
		return nil
	}
	return &v
}

func (r *reader) u64Opt() *uint64 {
	present := r.boolean()
	v := r.u64()
	if r.err != nil || !present {
		return nil
	}
	return &v
}

// Decode parses one packed instruction. Trailing bytes beyond the
// kind's fixed payload are malformed.
func Decode(data []byte) (Instruction, error) {
	r := &reader{data: data}
	kind := Kind(r.u32())
	if r.err != nil {
		return nil, r.err
	}

	var in Instruction
	switch kind {
	case KindInitGroup:
		in = InitGroup{
			SignerNonce:      r.u64(),
			ValidInterval:    r.u64(),
			QuoteOptimalUtil: r.fixed(),
			QuoteOptimalRate: r.fixed(),
			QuoteMaxRate:     r.fixed(),
		}
	case KindInitAccount:
		in = InitAccount{}
	case KindDeposit:
		in = Deposit{Quantity: r.u64()}
	case KindWithdraw:
		in = Withdraw{Quantity: r.u64(), AllowBorrow: r.boolean()}
	case KindAddSpotMarket:
		in = AddSpotMarket{
			MaintLeverage:  r.fixed(),
			InitLeverage:   r.fixed(),
			LiquidationFee: r.fixed(),
			OptimalUtil:    r.fixed(),
			OptimalRate:    r.fixed(),
			MaxRate:        r.fixed(),
		}
	case KindAddToBasket:
		in = AddToBasket{MarketIndex: r.u64()}
	case KindBorrow:
		in = Borrow{Quantity: r.u64()}
	case KindCachePrices:
		in = CachePrices{}
	case KindCacheRootBanks:
		in = CacheRootBanks{}
	case KindPlaceSpotOrder:
		in = PlaceSpotOrder{
			Side:              r.side32(),
			LimitPrice:        r.u64(),
			MaxBaseQty:        r.u64(),
			MaxQuoteQty:       r.u64(),
			SelfTradeBehavior: r.selfTrade32(),
			OrderType:         r.orderType32(),
			ClientOrderID:     r.u64(),
			Limit:             r.u16(),
		}
	case KindAddOracle:
		in = AddOracle{}
	case KindAddPerpMarket:
		in = AddPerpMarket{
			MaintLeverage:      r.fixed(),
			InitLeverage:       r.fixed(),
			LiquidationFee:     r.fixed(),
			MakerFee:           r.fixed(),
			TakerFee:           r.fixed(),
			BaseLotSize:        r.i64(),
			QuoteLotSize:       r.i64(),
			Rate:               r.fixed(),
			MaxDepthBps:        r.fixed(),
			TargetPeriodLength: r.u64(),
			RewardsPerPeriod:   r.u64(),
		}
	case KindPlacePerpOrder:
		in = PlacePerpOrder{
			Price:         r.i64(),
			Quantity:      r.i64(),
			ClientOrderID: r.u64(),
			Side:          r.side8(),
			OrderType:     r.orderType8(),
		}
	case KindCancelPerpOrderByClientID:
		in = CancelPerpOrderByClientID{ClientOrderID: r.u64(), InvalidIDOK: r.boolean()}
	case KindCancelPerpOrder:
		in = CancelPerpOrder{OrderID: r.u128Lo(), InvalidIDOK: r.boolean()}
	case KindConsumeEvents:
		in = ConsumeEvents{Limit: r.u64()}
	case KindCachePerpMarkets:
		in = CachePerpMarkets{}
	case KindUpdateFunding:
		in = UpdateFunding{}
	case KindSetOracle:
		in = SetOracle{Price: r.fixed()}
	case KindSettleFunds:
		in = SettleFunds{}
	case KindCancelSpotOrder:
		in = CancelSpotOrder{Side: r.side32(), OrderID: r.u128Lo()}
	case KindUpdateRootBank:
		in = UpdateRootBank{}
	case KindSettlePnl:
		in = SettlePnl{MarketIndex: r.u64()}
	case KindSettleBorrow:
		in = SettleBorrow{TokenIndex: r.u64(), Quantity: r.u64()}
	case KindForceCancelSpotOrders:
		in = ForceCancelSpotOrders{Limit: r.u8()}
	case KindForceCancelPerpOrders:
		in = ForceCancelPerpOrders{Limit: r.u8()}
	case KindLiquidateTokenAndToken:
		in = LiquidateTokenAndToken{MaxLiabTransfer: r.fixed()}
	case KindLiquidateTokenAndPerp:
		in = LiquidateTokenAndPerp{
			AssetType:       r.assetType(),
			AssetIndex:      r.u64(),
			LiabType:        r.assetType(),
			LiabIndex:       r.u64(),
			MaxLiabTransfer: r.fixed(),
		}
	case KindLiquidatePerpMarket:
		in = LiquidatePerpMarket{BaseTransferRequest: r.i64()}
	case KindSettleFees:
		in = SettleFees{}
	case KindResolvePerpBankruptcy:
		in = ResolvePerpBankruptcy{LiabIndex: r.u64(), MaxLiabTransfer: r.fixed()}
	case KindResolveTokenBankruptcy:
		in = ResolveTokenBankruptcy{MaxLiabTransfer: r.fixed()}
	case KindInitSpotOpenOrders:
		in = InitSpotOpenOrders{}
	case KindRedeemRewards:
		in = RedeemRewards{}
	case KindAddAccountInfo:
		var v AddAccountInfo
		copy(v.Info[:], r.take(account.InfoLen))
		in = v
	case KindDepositMsrm:
		in = DepositMsrm{Quantity: r.u64()}
	case KindWithdrawMsrm:
		in = WithdrawMsrm{Quantity: r.u64()}
	case KindChangePerpMarketParams:
		in = ChangePerpMarketParams{
			MaintLeverage:      r.fixedOpt(),
			InitLeverage:       r.fixedOpt(),
			LiquidationFee:     r.fixedOpt(),
			MakerFee:           r.fixedOpt(),
			TakerFee:           r.fixedOpt(),
			Rate:               r.fixedOpt(),
			MaxDepthBps:        r.fixedOpt(),
			TargetPeriodLength: r.u64Opt(),
			RewardsPerPeriod:   r.u64Opt(),
		}
	case KindSetGroupAdmin:
		in = SetGroupAdmin{}
	case KindCancelAllPerpOrders:
		in = CancelAllPerpOrders{Limit: r.u8()}
	case KindForceSettleQuotePositions:
		in = ForceSettleQuotePositions{}
	default:
		return nil, errs.Newf(errs.CodeMalformedInput, "unknown instruction discriminant %d", kind)
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.data) != 0 {
		return nil, errs.Newf(errs.CodeMalformedInput, "%d trailing bytes after %T payload", len(r.data), in)
	}
	return in, nil
}
