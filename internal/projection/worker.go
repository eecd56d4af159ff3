package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crossmargin/internal/engine"
	"crossmargin/internal/persistence"
	"crossmargin/internal/wire"
)

// Worker maintains the margin_read tables from applied instructions.
// The projection channel is non-blocking with drop: if this worker
// falls behind, the read model is rebuilt from the instruction log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan engine.Output
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan engine.Output, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		log:       log.With().Str("component", "projection").Logger(),
	}
}

// Run consumes outputs until the context is cancelled or the channel
// closes. Failed updates are logged and skipped; the read model is
// eventually consistent.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			if err := w.apply(ctx, output); err != nil {
				w.log.Warn().
					Int64("sequence", output.Envelope.Sequence).
					Str("kind", output.Envelope.Kind.String()).
					Err(err).
					Msg("projection update failed")
				continue
			}
			w.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence reports the highest sequence this worker has projected.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

func (w *Worker) apply(ctx context.Context, output engine.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.project(ctx, tx, output); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO margin_read.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Envelope.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// project routes one applied instruction into the read tables. Kinds
// with no read-model footprint fall through to the watermark update.
func (w *Worker) project(ctx context.Context, tx *sql.Tx, output engine.Output) error {
	env := output.Envelope
	req := output.Request

	switch in := output.Instruction.(type) {
	case wire.Deposit:
		return w.balanceFlow(ctx, tx, env, projRef(req, 1), projRef(req, 3), int64(in.Quantity))

	case wire.Withdraw:
		return w.balanceFlow(ctx, tx, env, projRef(req, 1), projRef(req, 3), -int64(in.Quantity))

	case wire.LiquidateTokenAndToken:
		return w.liquidationRow(ctx, tx, env, projRef(req, 1), projRef(req, 2), uuid.Nil, in.MaxLiabTransfer.String())

	case wire.LiquidateTokenAndPerp:
		return w.liquidationRow(ctx, tx, env, projRef(req, 1), projRef(req, 2), uuid.Nil, in.MaxLiabTransfer.String())

	case wire.LiquidatePerpMarket:
		return w.liquidationRow(ctx, tx, env, projRef(req, 2), projRef(req, 3), projRef(req, 1),
			fmt.Sprintf("%d", in.BaseTransferRequest))

	case wire.ResolvePerpBankruptcy:
		return w.liquidationRow(ctx, tx, env, projRef(req, 1), uuid.Nil, projRef(req, 3), in.MaxLiabTransfer.String())

	case wire.ResolveTokenBankruptcy:
		return w.liquidationRow(ctx, tx, env, projRef(req, 1), uuid.Nil, projRef(req, 3), in.MaxLiabTransfer.String())

	case wire.UpdateFunding:
		return w.fundingRow(ctx, tx, env, projRef(req, 1), req.Book)
	}

	return nil
}

// balanceFlow upserts the running native balance per (account, root
// bank). Deposits add, withdrawals subtract; borrow-funded withdrawals
// drive the projected balance negative, matching the ledger.
func (w *Worker) balanceFlow(ctx context.Context, tx *sql.Tx, env *engine.Envelope, accountID, rootBankID uuid.UUID, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO margin_read.balances (account_id, root_bank_id, native_balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, root_bank_id)
		DO UPDATE SET native_balance = margin_read.balances.native_balance + $3, last_sequence = $4
	`, accountID, rootBankID, delta, env.Sequence)
	if err != nil {
		return fmt.Errorf("balance flow: %w", err)
	}
	return nil
}

func (w *Worker) liquidationRow(ctx context.Context, tx *sql.Tx, env *engine.Envelope, liqee, liqor, marketID uuid.UUID, maxTransfer string) error {
	var liqorCol, marketCol any
	if liqor != uuid.Nil {
		liqorCol = liqor
	}
	if marketID != uuid.Nil {
		marketCol = marketID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO margin_read.liquidation_history
			(sequence, kind, liqee_account_id, liqor_account_id, market_id, max_transfer, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, env.Kind.String(), liqee, liqorCol, marketCol, maxTransfer, env.Timestamp)
	if err != nil {
		return fmt.Errorf("liquidation history: %w", err)
	}
	return nil
}

func (w *Worker) fundingRow(ctx context.Context, tx *sql.Tx, env *engine.Envelope, marketID uuid.UUID, book *engine.BookLevels) error {
	var bid, ask string
	if book != nil {
		bid = book.Bid.String()
		ask = book.Ask.String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO margin_read.funding_history (sequence, market_id, best_bid, best_ask, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, marketID, bid, ask, env.Timestamp)
	if err != nil {
		return fmt.Errorf("funding history: %w", err)
	}
	return nil
}

// projRef returns the i-th account ref, or the zero UUID when the
// request is short. Dispatch already validated ref counts, so a miss
// here means a replayed row from an older layout.
func projRef(req *engine.Request, i int) uuid.UUID {
	if req == nil || i >= len(req.Accounts) {
		return uuid.Nil
	}
	return req.Accounts[i].ID
}

// RebuildFromLog truncates the read tables and replays the whole
// instruction log through this worker.
func (w *Worker) RebuildFromLog(ctx context.Context, snaps *persistence.SnapshotManager) error {
	if err := Truncate(ctx, w.db); err != nil {
		return err
	}

	const batch = 1000
	from := int64(0)
	for {
		rows, err := snaps.LoadInstructionsFrom(ctx, from, batch)
		if err != nil {
			return err
		}
		for _, row := range rows {
			req, err := persistence.RequestFromRow(row)
			if err != nil {
				return err
			}
			instr, err := wire.Decode(req.Instruction)
			if err != nil {
				return fmt.Errorf("decode instruction at sequence %d: %w", row.Sequence, err)
			}
			env := &engine.Envelope{
				Sequence:       row.Sequence,
				IdempotencyKey: row.IdempotencyKey,
				Kind:           instr.Kind(),
				Timestamp:      row.Timestamp,
				SourceSequence: row.SourceSequence,
			}
			copy(env.StateHash[:], row.StateHash)
			copy(env.PrevHash[:], row.PrevHash)

			if err := w.apply(ctx, engine.Output{Envelope: env, Instruction: instr, Request: req}); err != nil {
				return fmt.Errorf("replay sequence %d: %w", row.Sequence, err)
			}
			w.lastSeq = row.Sequence
		}
		if len(rows) < batch {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	w.log.Info().Int64("through", w.lastSeq).Msg("projection rebuild complete")
	return nil
}

// Truncate clears all read tables and the watermark. The caller then
// rebuilds by replaying the instruction log through a fresh worker.
func Truncate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`TRUNCATE margin_read.balances`,
		`TRUNCATE margin_read.liquidation_history`,
		`TRUNCATE margin_read.funding_history`,
		`DELETE FROM margin_read.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	return nil
}
