package wire

import "fmt"

// String returns the snake_case name used in logs, metrics labels, and
// the instruction log's kind column.
func (k Kind) String() string {
	switch k {
	case KindInitGroup:
		return "init_group"
	case KindInitAccount:
		return "init_account"
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindAddSpotMarket:
		return "add_spot_market"
	case KindAddToBasket:
		return "add_to_basket"
	case KindBorrow:
		return "borrow"
	case KindCachePrices:
		return "cache_prices"
	case KindCacheRootBanks:
		return "cache_root_banks"
	case KindPlaceSpotOrder:
		return "place_spot_order"
	case KindAddOracle:
		return "add_oracle"
	case KindAddPerpMarket:
		return "add_perp_market"
	case KindPlacePerpOrder:
		return "place_perp_order"
	case KindCancelPerpOrderByClientID:
		return "cancel_perp_order_by_client_id"
	case KindCancelPerpOrder:
		return "cancel_perp_order"
	case KindConsumeEvents:
		return "consume_events"
	case KindCachePerpMarkets:
		return "cache_perp_markets"
	case KindUpdateFunding:
		return "update_funding"
	case KindSetOracle:
		return "set_oracle"
	case KindSettleFunds:
		return "settle_funds"
	case KindCancelSpotOrder:
		return "cancel_spot_order"
	case KindUpdateRootBank:
		return "update_root_bank"
	case KindSettlePnl:
		return "settle_pnl"
	case KindSettleBorrow:
		return "settle_borrow"
	case KindForceCancelSpotOrders:
		return "force_cancel_spot_orders"
	case KindForceCancelPerpOrders:
		return "force_cancel_perp_orders"
	case KindLiquidateTokenAndToken:
		return "liquidate_token_and_token"
	case KindLiquidateTokenAndPerp:
		return "liquidate_token_and_perp"
	case KindLiquidatePerpMarket:
		return "liquidate_perp_market"
	case KindSettleFees:
		return "settle_fees"
	case KindResolvePerpBankruptcy:
		return "resolve_perp_bankruptcy"
	case KindResolveTokenBankruptcy:
		return "resolve_token_bankruptcy"
	case KindInitSpotOpenOrders:
		return "init_spot_open_orders"
	case KindRedeemRewards:
		return "redeem_rewards"
	case KindAddAccountInfo:
		return "add_account_info"
	case KindDepositMsrm:
		return "deposit_msrm"
	case KindWithdrawMsrm:
		return "withdraw_msrm"
	case KindChangePerpMarketParams:
		return "change_perp_market_params"
	case KindSetGroupAdmin:
		return "set_group_admin"
	case KindCancelAllPerpOrders:
		return "cancel_all_perp_orders"
	case KindForceSettleQuotePositions:
		return "force_settle_quote_positions"
	default:
		return fmt.Sprintf("kind_%d", uint32(k))
	}
}
