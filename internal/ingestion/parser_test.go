package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"crossmargin/internal/ingestion"
	"crossmargin/internal/wire"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawMessage{
		Subject:  "test",
		Data:     data,
		Received: time.Now(),
		Ack:      func() {},
		Nak:      func() {},
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"kind": "deposit",
		"payload": map[string]interface{}{
			"Quantity": uint64(1_000_000),
		},
		"accounts": []map[string]interface{}{
			{"id": "550e8400-e29b-41d4-a716-446655440000"},
			{"id": "660e8400-e29b-41d4-a716-446655440001", "writable": true},
			{"id": "770e8400-e29b-41d4-a716-446655440002", "signer": true},
			{"id": "880e8400-e29b-41d4-a716-446655440003"},
			{"id": "990e8400-e29b-41d4-a716-446655440004", "writable": true},
		},
		"idempotency_key": "dep-1",
		"source_sequence": int64(7),
		"timestamp":       int64(1_700_000_000),
	}

	req, err := ingestion.ParseRequest(rawFromJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if req.IdempotencyKey != "dep-1" {
		t.Errorf("idempotency key: got %s, want dep-1", req.IdempotencyKey)
	}
	if req.SourceSequence != 7 {
		t.Errorf("source sequence: got %d, want 7", req.SourceSequence)
	}
	if len(req.Accounts) != 5 {
		t.Fatalf("accounts: got %d, want 5", len(req.Accounts))
	}
	if !req.Accounts[2].Signer {
		t.Error("owner ref should be a signer")
	}
	if !req.Accounts[1].Writable {
		t.Error("account ref should be writable")
	}

	instr, err := wire.Decode(req.Instruction)
	if err != nil {
		t.Fatalf("decode instruction: %v", err)
	}
	dep, ok := instr.(wire.Deposit)
	if !ok {
		t.Fatalf("expected wire.Deposit, got %T", instr)
	}
	if dep.Quantity != 1_000_000 {
		t.Errorf("quantity: got %d, want 1_000_000", dep.Quantity)
	}
}

func TestParseSetOracle(t *testing.T) {
	payload := map[string]interface{}{
		"kind": "set_oracle",
		"payload": map[string]interface{}{
			"Price": "42.5",
		},
		"accounts": []map[string]interface{}{
			{"id": "550e8400-e29b-41d4-a716-446655440000"},
			{"id": "660e8400-e29b-41d4-a716-446655440001", "writable": true},
			{"id": "770e8400-e29b-41d4-a716-446655440002", "signer": true},
		},
		"idempotency_key": "oracle-42",
		"oracle_sequence": int64(42),
		"timestamp":       int64(1_700_000_000),
	}

	req, err := ingestion.ParseRequest(rawFromJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.OracleSequence != 42 {
		t.Errorf("oracle sequence: got %d, want 42", req.OracleSequence)
	}

	instr, err := wire.Decode(req.Instruction)
	if err != nil {
		t.Fatalf("decode instruction: %v", err)
	}
	so, ok := instr.(wire.SetOracle)
	if !ok {
		t.Fatalf("expected wire.SetOracle, got %T", instr)
	}
	if so.Price.String() != "42.5" {
		t.Errorf("price: got %s, want 42.5", so.Price)
	}
}

func TestParseUpdateFunding_CarriesBook(t *testing.T) {
	payload := map[string]interface{}{
		"kind": "update_funding",
		"accounts": []map[string]interface{}{
			{"id": "550e8400-e29b-41d4-a716-446655440000"},
			{"id": "660e8400-e29b-41d4-a716-446655440001", "writable": true},
		},
		"idempotency_key": "fund-1",
		"source_sequence": int64(3),
		"timestamp":       int64(1_700_000_000),
		"book": map[string]interface{}{
			"bid": "99.5",
			"ask": "100.5",
		},
	}

	req, err := ingestion.ParseRequest(rawFromJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.Book == nil {
		t.Fatal("expected book levels")
	}
	if req.Book.Bid.String() != "99.5" || req.Book.Ask.String() != "100.5" {
		t.Errorf("book: got %s/%s, want 99.5/100.5", req.Book.Bid, req.Book.Ask)
	}
}

func TestParseEmptyPayload_ZeroValueInstruction(t *testing.T) {
	payload := map[string]interface{}{
		"kind": "cache_prices",
		"accounts": []map[string]interface{}{
			{"id": "550e8400-e29b-41d4-a716-446655440000"},
			{"id": "660e8400-e29b-41d4-a716-446655440001"},
		},
		"idempotency_key": "cache-1",
		"source_sequence": int64(1),
		"timestamp":       int64(1_700_000_000),
	}

	req, err := ingestion.ParseRequest(rawFromJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	instr, err := wire.Decode(req.Instruction)
	if err != nil {
		t.Fatalf("decode instruction: %v", err)
	}
	if _, ok := instr.(wire.CachePrices); !ok {
		t.Fatalf("expected wire.CachePrices, got %T", instr)
	}
}

func TestParseAddAccountInfo_PacksLabel(t *testing.T) {
	payload := map[string]interface{}{
		"kind": "add_account_info",
		"payload": map[string]interface{}{
			"info": "market maker desk",
		},
		"accounts": []map[string]interface{}{
			{"id": "550e8400-e29b-41d4-a716-446655440000"},
			{"id": "660e8400-e29b-41d4-a716-446655440001", "writable": true},
			{"id": "770e8400-e29b-41d4-a716-446655440002", "signer": true},
		},
		"idempotency_key": "info-1",
		"source_sequence": int64(2),
		"timestamp":       int64(1_700_000_000),
	}

	req, err := ingestion.ParseRequest(rawFromJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	instr, err := wire.Decode(req.Instruction)
	if err != nil {
		t.Fatalf("decode instruction: %v", err)
	}
	info, ok := instr.(wire.AddAccountInfo)
	if !ok {
		t.Fatalf("expected wire.AddAccountInfo, got %T", instr)
	}
	got := string(info.Info[:len("market maker desk")])
	if got != "market maker desk" {
		t.Errorf("info: got %q, want %q", got, "market maker desk")
	}
}

func TestParseUnknownKind_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"kind":            "does_not_exist",
		"idempotency_key": "x",
		"timestamp":       int64(1),
	}
	if _, err := ingestion.ParseRequest(rawFromJSON(t, payload)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestParseMissingIdempotencyKey_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"kind":      "deposit",
		"timestamp": int64(1),
	}
	if _, err := ingestion.ParseRequest(rawFromJSON(t, payload)); err == nil {
		t.Fatal("expected error for missing idempotency key")
	}
}

func TestParseMissingTimestamp_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"kind":            "deposit",
		"idempotency_key": "x",
	}
	if _, err := ingestion.ParseRequest(rawFromJSON(t, payload)); err == nil {
		t.Fatal("expected error for missing timestamp")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawMessage{Data: []byte(`{invalid json`)}
	if _, err := ingestion.ParseRequest(raw); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidAccountRef_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"kind": "deposit",
		"accounts": []map[string]interface{}{
			{"id": "not-a-uuid"},
		},
		"idempotency_key": "x",
		"timestamp":       int64(1),
	}
	if _, err := ingestion.ParseRequest(rawFromJSON(t, payload)); err == nil {
		t.Fatal("expected error for invalid account ref")
	}
}
