package query

import "github.com/google/uuid"

// SlotBalance is one token slot of an account, valued at the current
// bank indexes. Raw balances are index-scaled; native = raw * index.
type SlotBalance struct {
	TokenIndex    int    `json:"token_index"`
	RawDeposit    string `json:"raw_deposit"`
	RawBorrow     string `json:"raw_borrow"`
	NativeDeposit string `json:"native_deposit"`
	NativeBorrow  string `json:"native_borrow"`
	NetNative     string `json:"net_native"`
}

// BalanceResponse lists an account's non-empty token slots.
type BalanceResponse struct {
	AccountID    uuid.UUID     `json:"account_id"`
	Slots        []SlotBalance `json:"slots"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// HealthResponse carries both health levels plus the liquidation
// flags. Health values are native quote units.
type HealthResponse struct {
	AccountID       uuid.UUID `json:"account_id"`
	InitHealth      string    `json:"init_health"`
	MaintHealth     string    `json:"maint_health"`
	Liquidatable    bool      `json:"liquidatable"`
	BeingLiquidated bool      `json:"being_liquidated"`
	Bankrupt        bool      `json:"bankrupt"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// PositionResponse is one active perp position. BasePosition is signed
// lots; quote values are native quote units.
type PositionResponse struct {
	AccountID      uuid.UUID `json:"account_id"`
	Slot           int       `json:"slot"`
	MarketID       uuid.UUID `json:"market_id"`
	BasePosition   int64     `json:"base_position"`
	QuotePosition  string    `json:"quote_position"`
	BidsQuantity   int64     `json:"bids_quantity"`
	AsksQuantity   int64     `json:"asks_quantity"`
	RewardsAccrued string    `json:"rewards_accrued"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// IntegrityReport is the result of a hash chain verification over the
// instruction log.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedThrough  int64   `json:"checked_through"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
