package persistence_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crossmargin/internal/engine"
	"crossmargin/internal/persistence"
	"crossmargin/internal/testutil"
	"crossmargin/internal/wire"
)

func setupLogDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate up: %v", err)
	}
	return db, cleanup
}

func logRow(t *testing.T, seq int64, quantity uint64) persistence.InstructionRow {
	t.Helper()

	encoded, err := wire.Encode(wire.Deposit{Quantity: quantity})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	reqJSON, err := persistence.MarshalRequest(&engine.Request{
		Instruction:    encoded,
		Accounts:       []engine.AccountRef{{ID: uuid.New()}, {ID: uuid.New(), Writable: true}},
		Timestamp:      1_700_000_000 + seq,
		IdempotencyKey: uuid.NewString(),
		SourceSequence: seq,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	return persistence.InstructionRow{
		Sequence:       seq,
		Kind:           wire.KindDeposit.String(),
		IdempotencyKey: uuid.NewString(),
		Request:        reqJSON,
		StateHash:      make([]byte, 32),
		PrevHash:       make([]byte, 32),
		Timestamp:      1_700_000_000 + seq,
		SourceSequence: seq,
	}
}

func TestLogWriter_WriteAndLoad(t *testing.T) {
	db, cleanup := setupLogDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewLogWriter(db)

	rows := []persistence.InstructionRow{
		logRow(t, 0, 100), logRow(t, 1, 200), logRow(t, 2, 300),
	}
	if err := writer.WriteBatch(ctx, db, rows); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	// Re-flushing the same batch after a crash must be a no-op.
	if err := writer.WriteBatch(ctx, db, rows); err != nil {
		t.Fatalf("re-write batch: %v", err)
	}

	snaps := persistence.NewSnapshotManager(db)

	loaded, err := snaps.LoadInstructionsFrom(ctx, 1, 10)
	if err != nil {
		t.Fatalf("load instructions: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("len(loaded) = %d, want 2", len(loaded))
	}
	if loaded[0].Sequence != 1 || loaded[1].Sequence != 2 {
		t.Errorf("sequences = %d,%d, want 1,2", loaded[0].Sequence, loaded[1].Sequence)
	}

	req, err := persistence.RequestFromRow(loaded[0])
	if err != nil {
		t.Fatalf("request from row: %v", err)
	}
	instr, err := wire.Decode(req.Instruction)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	dep, ok := instr.(wire.Deposit)
	if !ok {
		t.Fatalf("instruction = %T, want wire.Deposit", instr)
	}
	if dep.Quantity != 200 {
		t.Errorf("quantity = %d, want 200", dep.Quantity)
	}

	latest, err := snaps.LatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 2 {
		t.Errorf("latest = %d, want 2", latest)
	}
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, cleanup := setupLogDB(t)
	defer cleanup()

	ctx := context.Background()
	row := logRow(t, 0, 100)

	checker := persistence.NewPostgresIdempotencyChecker(db)

	dup, err := checker.IsDuplicate(row.Kind, row.IdempotencyKey)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if dup {
		t.Error("unseen key reported as duplicate")
	}

	writer := persistence.NewLogWriter(db)
	if err := writer.WriteBatch(ctx, db, []persistence.InstructionRow{row}); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	dup, err = checker.IsDuplicate(row.Kind, row.IdempotencyKey)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Error("logged key not reported as duplicate")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db, cleanup := setupLogDB(t)
	defer cleanup()

	ctx := context.Background()
	snaps := persistence.NewSnapshotManager(db)

	eng := engine.NewEngine(engine.NewState(), 8, nil, nil, nil, nil, zerolog.Nop())
	snap := persistence.Capture(eng)

	if err := snaps.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	// Unverified snapshots must not be offered for restore.
	loaded, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded != nil {
		t.Fatal("unverified snapshot returned")
	}

	if err := snaps.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err = snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("verified snapshot not returned")
	}
	if loaded.Sequence != 7 {
		t.Errorf("sequence = %d, want 7", loaded.Sequence)
	}

	restored := engine.NewEngine(engine.NewState(), 0, nil, nil, nil, nil, zerolog.Nop())
	loaded.Restore(restored)
	if restored.Sequence() != 8 {
		t.Errorf("restored sequence = %d, want 8", restored.Sequence())
	}
	if restored.StateHash() != eng.StateHash() {
		t.Error("restored state hash differs")
	}
}
