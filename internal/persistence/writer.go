package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InstructionRow is one row in margin_log.instructions: an applied
// instruction with its hash-chain envelope and the serialized request
// needed to replay it.
type InstructionRow struct {
	Sequence       int64
	Kind           string
	IdempotencyKey string
	Request        []byte // JSON-encoded engine.Request
	StateDelta     []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

// LogWriter batch-inserts applied instructions into Postgres. Writes
// are idempotent on sequence so a crashed worker can safely re-flush.
type LogWriter struct {
	db *sql.DB
}

func NewLogWriter(db *sql.DB) *LogWriter {
	return &LogWriter{db: db}
}

// DB exposes the handle for transaction control.
func (w *LogWriter) DB() *sql.DB { return w.db }

// WriteBatch inserts rows with a single multi-row INSERT.
func (w *LogWriter) WriteBatch(ctx context.Context, ex execer, rows []InstructionRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO margin_log.instructions
		(sequence, kind, idempotency_key, request, state_delta, state_hash, prev_hash, ts, source_sequence)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.Sequence, r.Kind, r.IdempotencyKey, r.Request,
			r.StateDelta, r.StateHash, r.PrevHash, r.Timestamp, r.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// MarshalRequest serializes a request payload for the request column.
func MarshalRequest(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
