package projection

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// FundingEntry is one funding accumulator update for a perp market.
type FundingEntry struct {
	Sequence  int64     `json:"sequence"`
	MarketID  uuid.UUID `json:"market_id"`
	BestBid   string    `json:"best_bid"`
	BestAsk   string    `json:"best_ask"`
	Timestamp int64     `json:"timestamp"`
}

// LiquidationEntry is one liquidation or bankruptcy call against an
// account. LiqorAccountID and MarketID are empty when the variant has
// no such participant.
type LiquidationEntry struct {
	Sequence       int64     `json:"sequence"`
	Kind           string    `json:"kind"`
	LiqeeAccountID uuid.UUID `json:"liqee_account_id"`
	LiqorAccountID string    `json:"liqor_account_id,omitempty"`
	MarketID       string    `json:"market_id,omitempty"`
	MaxTransfer    string    `json:"max_transfer"`
	Timestamp      int64     `json:"timestamp"`
}

// FundingHistory returns the most recent funding updates for a market,
// newest first.
func FundingHistory(ctx context.Context, db *sql.DB, marketID uuid.UUID, limit int) ([]FundingEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, market_id, best_bid, best_ask, ts
		FROM margin_read.funding_history
		WHERE market_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FundingEntry
	for rows.Next() {
		var e FundingEntry
		if err := rows.Scan(&e.Sequence, &e.MarketID, &e.BestBid, &e.BestAsk, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LiquidationHistory returns liquidation calls touching an account as
// liqee, newest first.
func LiquidationHistory(ctx context.Context, db *sql.DB, accountID uuid.UUID, limit int) ([]LiquidationEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, kind, liqee_account_id, COALESCE(liqor_account_id::text, ''), COALESCE(market_id::text, ''), max_transfer, ts
		FROM margin_read.liquidation_history
		WHERE liqee_account_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationEntry
	for rows.Next() {
		var e LiquidationEntry
		if err := rows.Scan(&e.Sequence, &e.Kind, &e.LiqeeAccountID, &e.LiqorAccountID, &e.MarketID, &e.MaxTransfer, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
