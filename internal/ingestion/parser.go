package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/engine"
	"crossmargin/internal/wire"
)

// submissionJSON is the envelope producers publish to NATS. Envelope
// keys are snake_case; Payload carries the kind-specific fields keyed
// by the wire struct's field names.
type submissionJSON struct {
	Kind           string           `json:"kind"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	Accounts       []accountRefJSON `json:"accounts"`
	IdempotencyKey string           `json:"idempotency_key"`
	SourceSequence int64            `json:"source_sequence"`
	Partition      string           `json:"partition,omitempty"`
	OracleSequence int64            `json:"oracle_sequence,omitempty"`
	TimestampUnix  int64            `json:"timestamp"`
	Book           *bookJSON        `json:"book,omitempty"`
}

type accountRefJSON struct {
	ID       string `json:"id"`
	Signer   bool   `json:"signer,omitempty"`
	Writable bool   `json:"writable,omitempty"`
}

type bookJSON struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

var kindByName = map[string]wire.Kind{
	"init_group":                     wire.KindInitGroup,
	"init_account":                   wire.KindInitAccount,
	"deposit":                        wire.KindDeposit,
	"withdraw":                       wire.KindWithdraw,
	"add_spot_market":                wire.KindAddSpotMarket,
	"add_to_basket":                  wire.KindAddToBasket,
	"borrow":                         wire.KindBorrow,
	"cache_prices":                   wire.KindCachePrices,
	"cache_root_banks":               wire.KindCacheRootBanks,
	"place_spot_order":               wire.KindPlaceSpotOrder,
	"add_oracle":                     wire.KindAddOracle,
	"add_perp_market":                wire.KindAddPerpMarket,
	"place_perp_order":               wire.KindPlacePerpOrder,
	"cancel_perp_order_by_client_id": wire.KindCancelPerpOrderByClientID,
	"cancel_perp_order":              wire.KindCancelPerpOrder,
	"consume_events":                 wire.KindConsumeEvents,
	"cache_perp_markets":             wire.KindCachePerpMarkets,
	"update_funding":                 wire.KindUpdateFunding,
	"set_oracle":                     wire.KindSetOracle,
	"settle_funds":                   wire.KindSettleFunds,
	"cancel_spot_order":              wire.KindCancelSpotOrder,
	"update_root_bank":               wire.KindUpdateRootBank,
	"settle_pnl":                     wire.KindSettlePnl,
	"settle_borrow":                  wire.KindSettleBorrow,
	"force_cancel_spot_orders":       wire.KindForceCancelSpotOrders,
	"force_cancel_perp_orders":       wire.KindForceCancelPerpOrders,
	"liquidate_token_and_token":      wire.KindLiquidateTokenAndToken,
	"liquidate_token_and_perp":       wire.KindLiquidateTokenAndPerp,
	"liquidate_perp_market":          wire.KindLiquidatePerpMarket,
	"settle_fees":                    wire.KindSettleFees,
	"resolve_perp_bankruptcy":        wire.KindResolvePerpBankruptcy,
	"resolve_token_bankruptcy":       wire.KindResolveTokenBankruptcy,
	"init_spot_open_orders":          wire.KindInitSpotOpenOrders,
	"redeem_rewards":                 wire.KindRedeemRewards,
	"add_account_info":               wire.KindAddAccountInfo,
	"deposit_msrm":                   wire.KindDepositMsrm,
	"withdraw_msrm":                  wire.KindWithdrawMsrm,
	"change_perp_market_params":      wire.KindChangePerpMarketParams,
	"set_group_admin":                wire.KindSetGroupAdmin,
	"cancel_all_perp_orders":         wire.KindCancelAllPerpOrders,
	"force_settle_quote_positions":   wire.KindForceSettleQuotePositions,
}

// ParseRequest converts one raw NATS message into an engine request.
// The payload is re-encoded to the binary instruction format so the
// engine and the instruction log see one canonical representation.
func ParseRequest(raw RawMessage) (*engine.Request, error) {
	var env submissionJSON
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, fmt.Errorf("parse submission: %w", err)
	}

	kind, ok := kindByName[env.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown instruction kind %q", env.Kind)
	}
	if env.IdempotencyKey == "" {
		return nil, fmt.Errorf("missing idempotency_key")
	}
	if env.TimestampUnix <= 0 {
		return nil, fmt.Errorf("missing timestamp")
	}

	instr, err := decodePayload(kind, env.Payload)
	if err != nil {
		return nil, err
	}
	data, err := wire.Encode(instr)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}

	refs := make([]engine.AccountRef, 0, len(env.Accounts))
	for i, a := range env.Accounts {
		id, err := uuid.Parse(a.ID)
		if err != nil {
			return nil, fmt.Errorf("parse account ref %d: %w", i, err)
		}
		refs = append(refs, engine.AccountRef{ID: id, Signer: a.Signer, Writable: a.Writable})
	}

	req := &engine.Request{
		Instruction:    data,
		Accounts:       refs,
		Timestamp:      env.TimestampUnix,
		IdempotencyKey: env.IdempotencyKey,
		SourceSequence: env.SourceSequence,
		Partition:      env.Partition,
		OracleSequence: env.OracleSequence,
	}
	if env.Book != nil {
		req.Book = &engine.BookLevels{Bid: env.Book.Bid, Ask: env.Book.Ask}
	}
	return req, nil
}

func decodeAs[T wire.Instruction](data json.RawMessage) (wire.Instruction, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", v.Kind().String(), err)
	}
	return v, nil
}

func decodePayload(kind wire.Kind, data json.RawMessage) (wire.Instruction, error) {
	switch kind {
	case wire.KindInitGroup:
		return decodeAs[wire.InitGroup](data)
	case wire.KindInitAccount:
		return decodeAs[wire.InitAccount](data)
	case wire.KindDeposit:
		return decodeAs[wire.Deposit](data)
	case wire.KindWithdraw:
		return decodeAs[wire.Withdraw](data)
	case wire.KindAddSpotMarket:
		return decodeAs[wire.AddSpotMarket](data)
	case wire.KindAddToBasket:
		return decodeAs[wire.AddToBasket](data)
	case wire.KindBorrow:
		return decodeAs[wire.Borrow](data)
	case wire.KindCachePrices:
		return decodeAs[wire.CachePrices](data)
	case wire.KindCacheRootBanks:
		return decodeAs[wire.CacheRootBanks](data)
	case wire.KindPlaceSpotOrder:
		return decodeAs[wire.PlaceSpotOrder](data)
	case wire.KindAddOracle:
		return decodeAs[wire.AddOracle](data)
	case wire.KindAddPerpMarket:
		return decodeAs[wire.AddPerpMarket](data)
	case wire.KindPlacePerpOrder:
		return decodeAs[wire.PlacePerpOrder](data)
	case wire.KindCancelPerpOrderByClientID:
		return decodeAs[wire.CancelPerpOrderByClientID](data)
	case wire.KindCancelPerpOrder:
		return decodeAs[wire.CancelPerpOrder](data)
	case wire.KindConsumeEvents:
		return decodeAs[wire.ConsumeEvents](data)
	case wire.KindCachePerpMarkets:
		return decodeAs[wire.CachePerpMarkets](data)
	case wire.KindUpdateFunding:
		return decodeAs[wire.UpdateFunding](data)
	case wire.KindSetOracle:
		return decodeAs[wire.SetOracle](data)
	case wire.KindSettleFunds:
		return decodeAs[wire.SettleFunds](data)
	case wire.KindCancelSpotOrder:
		return decodeAs[wire.CancelSpotOrder](data)
	case wire.KindUpdateRootBank:
		return decodeAs[wire.UpdateRootBank](data)
	case wire.KindSettlePnl:
		return decodeAs[wire.SettlePnl](data)
	case wire.KindSettleBorrow:
		return decodeAs[wire.SettleBorrow](data)
	case wire.KindForceCancelSpotOrders:
		return decodeAs[wire.ForceCancelSpotOrders](data)
	case wire.KindForceCancelPerpOrders:
		return decodeAs[wire.ForceCancelPerpOrders](data)
	case wire.KindLiquidateTokenAndToken:
		return decodeAs[wire.LiquidateTokenAndToken](data)
	case wire.KindLiquidateTokenAndPerp:
		return decodeAs[wire.LiquidateTokenAndPerp](data)
	case wire.KindLiquidatePerpMarket:
		return decodeAs[wire.LiquidatePerpMarket](data)
	case wire.KindSettleFees:
		return decodeAs[wire.SettleFees](data)
	case wire.KindResolvePerpBankruptcy:
		return decodeAs[wire.ResolvePerpBankruptcy](data)
	case wire.KindResolveTokenBankruptcy:
		return decodeAs[wire.ResolveTokenBankruptcy](data)
	case wire.KindInitSpotOpenOrders:
		return decodeAs[wire.InitSpotOpenOrders](data)
	case wire.KindRedeemRewards:
		return decodeAs[wire.RedeemRewards](data)
	case wire.KindAddAccountInfo:
		return decodeAccountInfo(data)
	case wire.KindDepositMsrm:
		return decodeAs[wire.DepositMsrm](data)
	case wire.KindWithdrawMsrm:
		return decodeAs[wire.WithdrawMsrm](data)
	case wire.KindChangePerpMarketParams:
		return decodeAs[wire.ChangePerpMarketParams](data)
	case wire.KindSetGroupAdmin:
		return decodeAs[wire.SetGroupAdmin](data)
	case wire.KindCancelAllPerpOrders:
		return decodeAs[wire.CancelAllPerpOrders](data)
	case wire.KindForceSettleQuotePositions:
		return decodeAs[wire.ForceSettleQuotePositions](data)
	default:
		return nil, fmt.Errorf("undecodable kind %d", uint32(kind))
	}
}

// decodeAccountInfo accepts the label as a JSON string and packs it
// into the fixed-width info field.
func decodeAccountInfo(data json.RawMessage) (wire.Instruction, error) {
	var j struct {
		Info string `json:"info"`
	}
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse add_account_info payload: %w", err)
	}
	if len(j.Info) > account.InfoLen {
		return nil, fmt.Errorf("info exceeds %d bytes", account.InfoLen)
	}
	var v wire.AddAccountInfo
	copy(v.Info[:], j.Info)
	return v, nil
}
