package wire

import (
	"encoding/binary"

	"github.com/shopspring/decimal"

	"crossmargin/internal/errs"
	"crossmargin/internal/fixed"
)

// writer builds a packed payload, collecting the first encode error.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) fixed(v decimal.Decimal) {
	word, err := fixed.EncodeWord(v)
	if err != nil && w.err == nil {
		w.err = err
	}
	w.buf = append(w.buf, word[:]...)
}

func (w *writer) u128Lo(v uint64) {
	w.u64(v)
	w.u64(0)
}

func (w *writer) fixedOpt(v *decimal.Decimal) {
	if v == nil {
		w.boolean(false)
		w.fixed(fixed.Zero)
		return
	}
	w.boolean(true)
	w.fixed(*v)
}

func (w *writer) u64Opt(v *uint64) {
	if v == nil {
		w.boolean(false)
		w.u64(0)
		return
	}
	w.boolean(true)
	w.u64(*v)
}

// Encode packs an instruction into the wire format Decode accepts.
func Encode(in Instruction) ([]byte, error) {
	w := &writer{}
	w.u32(uint32(in.Kind()))

	switch v := in.(type) {
	case InitGroup:
		w.u64(v.SignerNonce)
		w.u64(v.ValidInterval)
		w.fixed(v.QuoteOptimalUtil)
		w.fixed(v.QuoteOptimalRate)
		w.fixed(v.QuoteMaxRate)
	case InitAccount, CachePrices, CacheRootBanks, AddOracle, CachePerpMarkets,
		UpdateFunding, SettleFunds, UpdateRootBank, SettleFees, InitSpotOpenOrders,
		RedeemRewards, SetGroupAdmin, ForceSettleQuotePositions:
		// No payload.
	case Deposit:
		w.u64(v.Quantity)
	case Withdraw:
		w.u64(v.Quantity)
		w.boolean(v.AllowBorrow)
	case AddSpotMarket:
		w.fixed(v.MaintLeverage)
		w.fixed(v.InitLeverage)
		w.fixed(v.LiquidationFee)
		w.fixed(v.OptimalUtil)
		w.fixed(v.OptimalRate)
		w.fixed(v.MaxRate)
	case AddToBasket:
		w.u64(v.MarketIndex)
	case Borrow:
		w.u64(v.Quantity)
	case PlaceSpotOrder:
		w.u32(uint32(v.Side))
		w.u64(v.LimitPrice)
		w.u64(v.MaxBaseQty)
		w.u64(v.MaxQuoteQty)
		w.u32(uint32(v.SelfTradeBehavior))
		w.u32(uint32(v.OrderType))
		w.u64(v.ClientOrderID)
		w.u16(v.Limit)
	case AddPerpMarket:
		w.fixed(v.MaintLeverage)
		w.fixed(v.InitLeverage)
		w.fixed(v.LiquidationFee)
		w.fixed(v.MakerFee)
		w.fixed(v.TakerFee)
		w.i64(v.BaseLotSize)
		w.i64(v.QuoteLotSize)
		w.fixed(v.Rate)
		w.fixed(v.MaxDepthBps)
		w.u64(v.TargetPeriodLength)
		w.u64(v.RewardsPerPeriod)
	case PlacePerpOrder:
		w.i64(v.Price)
		w.i64(v.Quantity)
		w.u64(v.ClientOrderID)
		w.u8(uint8(v.Side))
		w.u8(uint8(v.OrderType))
	case CancelPerpOrderByClientID:
		w.u64(v.ClientOrderID)
		w.boolean(v.InvalidIDOK)
	case CancelPerpOrder:
		w.u128Lo(v.OrderID)
		w.boolean(v.InvalidIDOK)
	case ConsumeEvents:
		w.u64(v.Limit)
	case SetOracle:
		w.fixed(v.Price)
	case CancelSpotOrder:
		w.u32(uint32(v.Side))
		w.u128Lo(v.OrderID)
	case SettlePnl:
		w.u64(v.MarketIndex)
	case SettleBorrow:
		w.u64(v.TokenIndex)
		w.u64(v.Quantity)
	case ForceCancelSpotOrders:
		w.u8(v.Limit)
	case ForceCancelPerpOrders:
		w.u8(v.Limit)
	case LiquidateTokenAndToken:
		w.fixed(v.MaxLiabTransfer)
	case LiquidateTokenAndPerp:
		w.u8(uint8(v.AssetType))
		w.u64(v.AssetIndex)
		w.u8(uint8(v.LiabType))
		w.u64(v.LiabIndex)
		w.fixed(v.MaxLiabTransfer)
	case LiquidatePerpMarket:
		w.i64(v.BaseTransferRequest)
	case ResolvePerpBankruptcy:
		w.u64(v.LiabIndex)
		w.fixed(v.MaxLiabTransfer)
	case ResolveTokenBankruptcy:
		w.fixed(v.MaxLiabTransfer)
	case AddAccountInfo:
		w.buf = append(w.buf, v.Info[:]...)
	case DepositMsrm:
		w.u64(v.Quantity)
	case WithdrawMsrm:
		w.u64(v.Quantity)
	case ChangePerpMarketParams:
		w.fixedOpt(v.MaintLeverage)
		w.fixedOpt(v.InitLeverage)
		w.fixedOpt(v.LiquidationFee)
		w.fixedOpt(v.MakerFee)
		w.fixedOpt(v.TakerFee)
		w.fixedOpt(v.Rate)
		w.fixedOpt(v.MaxDepthBps)
		w.u64Opt(v.TargetPeriodLength)
		w.u64Opt(v.RewardsPerPeriod)
	case CancelAllPerpOrders:
		w.u8(v.Limit)
	default:
		return nil, errs.Newf(errs.CodeMalformedInput, "cannot encode %T", in)
	}

	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}
