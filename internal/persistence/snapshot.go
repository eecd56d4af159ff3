package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crossmargin/internal/engine"
)

// SnapshotManager stores and loads point-in-time engine state for warm
// restarts: load the latest verified snapshot, then replay the
// instruction log from snapshot.Sequence forward.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotData is the serialized engine at one sequence: the full
// domain state plus the dedup and ordering bookkeeping needed so
// replayed requests are judged the same way they were live.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	SequenceState   map[string]int64 `json:"sequence_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	State           *engine.State    `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Capture builds a SnapshotData from a quiesced engine. The engine
// must not be executing while this runs.
func Capture(e *engine.Engine) *SnapshotData {
	snap := e.CreateSnapshotState()
	return &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		State:           e.State(),
		CreatedAt:       time.Now().UTC(),
	}
}

// Restore applies a loaded snapshot onto a fresh engine built around
// snap.State.
func (snap *SnapshotData) Restore(e *engine.Engine) {
	st := engine.SnapshotState{
		Sequence:        snap.Sequence,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(st.StateHash[:], snap.StateHash)
	e.RestoreFromSnapshot(&st)
}

// SaveSnapshot persists a snapshot. Unverified until a replay check
// confirms the stored hash matches a recomputed one.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO margin_log.snapshots
			(snapshot_id, sequence, data, state_hash, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil
// for a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM margin_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot after its integrity check passes.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE margin_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadInstructionsFrom reads log rows for replay, in sequence order.
func (sm *SnapshotManager) LoadInstructionsFrom(ctx context.Context, fromSequence int64, limit int) ([]InstructionRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, kind, idempotency_key, request, state_delta,
		       state_hash, prev_hash, ts, source_sequence
		FROM margin_log.instructions
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstructionRow
	for rows.Next() {
		var r InstructionRow
		if err := rows.Scan(
			&r.Sequence, &r.Kind, &r.IdempotencyKey, &r.Request, &r.StateDelta,
			&r.StateHash, &r.PrevHash, &r.Timestamp, &r.SourceSequence,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest sequence in the log, or -1 when
// the log is empty.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM margin_log.instructions
	`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RequestFromRow rebuilds the request stored with a log row.
func RequestFromRow(r InstructionRow) (*engine.Request, error) {
	var req engine.Request
	if err := json.Unmarshal(r.Request, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request at sequence %d: %w", r.Sequence, err)
	}
	return &req, nil
}
