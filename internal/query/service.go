package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"crossmargin/internal/account"
	"crossmargin/internal/engine"
	"crossmargin/internal/errs"
	"crossmargin/internal/group"
	"crossmargin/internal/health"
	"crossmargin/internal/projection"
)

// StateReader grants serialized read access to live engine state. The
// orchestrator runs the callback on the engine goroutine so queries
// never race an executing instruction.
type StateReader interface {
	View(ctx context.Context, fn func(st *engine.State, sequence int64)) error
}

// Service answers read queries. Account balances, health, and
// positions come from live engine state; histories and integrity
// checks read Postgres.
type Service struct {
	db     *sql.DB
	reader StateReader
}

func NewService(db *sql.DB, reader StateReader) *Service {
	return &Service{db: db, reader: reader}
}

// stateOrders adapts committed state to the health computation's
// open-orders lookup.
type stateOrders struct {
	st *engine.State
}

func (v stateOrders) OpenOrders(id uuid.UUID) (*account.OpenOrders, bool) {
	oo, ok := v.st.OpenOrders[id]
	return oo, ok
}

// GetBalances returns the account's token slots that carry a balance.
func (s *Service) GetBalances(ctx context.Context, accountID uuid.UUID, now int64) (*BalanceResponse, error) {
	var resp *BalanceResponse
	var viewErr error

	err := s.reader.View(ctx, func(st *engine.State, sequence int64) {
		a, ok := st.Accounts[accountID]
		if !ok {
			viewErr = errs.Newf(errs.CodeInvalidState, "unknown account %s", accountID)
			return
		}

		r := &BalanceResponse{AccountID: accountID, AsOfSequence: sequence}
		for i := 0; i < group.MaxTokens; i++ {
			if a.Deposits[i].IsZero() && a.Borrows[i].IsZero() {
				continue
			}
			bank, err := st.Cache.RootBank(i, now, st.Group.ValidInterval)
			if err != nil {
				viewErr = err
				return
			}
			r.Slots = append(r.Slots, SlotBalance{
				TokenIndex:    i,
				RawDeposit:    a.Deposits[i].String(),
				RawBorrow:     a.Borrows[i].String(),
				NativeDeposit: a.NativeDeposit(i, bank.DepositIndex).String(),
				NativeBorrow:  a.NativeBorrow(i, bank.BorrowIndex).String(),
				NetNative:     a.NetNative(i, bank.DepositIndex, bank.BorrowIndex).String(),
			})
		}
		resp = r
	})
	if err != nil {
		return nil, err
	}
	return resp, viewErr
}

// GetHealth computes both health levels for the account.
func (s *Service) GetHealth(ctx context.Context, accountID uuid.UUID, now int64) (*HealthResponse, error) {
	var resp *HealthResponse
	var viewErr error

	err := s.reader.View(ctx, func(st *engine.State, sequence int64) {
		a, ok := st.Accounts[accountID]
		if !ok {
			viewErr = errs.Newf(errs.CodeInvalidState, "unknown account %s", accountID)
			return
		}

		initHealth, err := health.Compute(a, st.Group, st.Cache, stateOrders{st}, health.Init, now)
		if err != nil {
			viewErr = err
			return
		}
		maintHealth, err := health.Compute(a, st.Group, st.Cache, stateOrders{st}, health.Maint, now)
		if err != nil {
			viewErr = err
			return
		}

		resp = &HealthResponse{
			AccountID:       accountID,
			InitHealth:      initHealth.String(),
			MaintHealth:     maintHealth.String(),
			Liquidatable:    maintHealth.IsNegative(),
			BeingLiquidated: a.BeingLiquidated,
			Bankrupt:        a.IsBankrupt,
			AsOfSequence:    sequence,
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, viewErr
}

// GetPositions returns the account's active perp positions.
func (s *Service) GetPositions(ctx context.Context, accountID uuid.UUID) ([]PositionResponse, error) {
	var resp []PositionResponse
	var viewErr error

	err := s.reader.View(ctx, func(st *engine.State, sequence int64) {
		a, ok := st.Accounts[accountID]
		if !ok {
			viewErr = errs.Newf(errs.CodeInvalidState, "unknown account %s", accountID)
			return
		}

		for i := 0; i < group.MaxPairs; i++ {
			p := a.PerpAccounts[i]
			if !p.IsActive() {
				continue
			}
			resp = append(resp, PositionResponse{
				AccountID:      accountID,
				Slot:           i,
				MarketID:       st.Group.PerpMarkets[i].Market,
				BasePosition:   p.BasePosition,
				QuotePosition:  p.QuotePosition.String(),
				BidsQuantity:   p.BidsQuantity,
				AsksQuantity:   p.AsksQuantity,
				RewardsAccrued: p.RewardsAccrued.String(),
				AsOfSequence:   sequence,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, viewErr
}

// GetFundingHistory returns recent funding updates for a market from
// the read model, newest first.
func (s *Service) GetFundingHistory(ctx context.Context, marketID uuid.UUID, limit int) ([]projection.FundingEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return projection.FundingHistory(ctx, s.db, marketID, limit)
}

// GetLiquidationHistory returns liquidation calls against an account
// from the read model, newest first.
func (s *Service) GetLiquidationHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]projection.LiquidationEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return projection.LiquidationHistory(ctx, s.db, accountID, limit)
}

// VerifyIntegrity walks the instruction log checking that each row's
// prev_hash matches the preceding row's state_hash.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i1.sequence
		FROM margin_log.instructions i1
		JOIN margin_log.instructions i2 ON i2.sequence = i1.sequence - 1
		WHERE i1.prev_hash != i2.state_hash
		ORDER BY i1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM margin_log.instructions
	`).Scan(&report.CheckedThrough); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// Watermark reports the read model's last projected sequence.
func (s *Service) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM margin_read.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return seq, nil
}
