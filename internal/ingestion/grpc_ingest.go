package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/engine"
	"crossmargin/internal/wire"
)

// AdminIngest injects instructions outside the NATS flow. It is meant
// for operator tooling and break-glass flows, not throughput; requests
// carry the "admin" partition with a locally issued source sequence.
type AdminIngest struct {
	requestChan chan<- *engine.Request

	mu      sync.Mutex
	nextSeq int64
}

const adminPartition = "admin"

// NewAdminIngest wires the admin surface. nextSeq must continue the
// admin partition's sequence from the restored engine state.
func NewAdminIngest(requestChan chan<- *engine.Request, nextSeq int64) *AdminIngest {
	return &AdminIngest{
		requestChan: requestChan,
		nextSeq:     nextSeq,
	}
}

func (s *AdminIngest) submit(ctx context.Context, instr wire.Instruction, refs []engine.AccountRef) error {
	data, err := wire.Encode(instr)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	s.mu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.mu.Unlock()

	req := &engine.Request{
		Instruction:    data,
		Accounts:       refs,
		Timestamp:      time.Now().Unix(),
		IdempotencyKey: fmt.Sprintf("admin-%s", uuid.New()),
		SourceSequence: seq,
		Partition:      adminPartition,
	}

	select {
	case s.requestChan <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectDeposit credits a margin account out of band.
func (s *AdminIngest) InjectDeposit(ctx context.Context, group, accountID, owner, rootBank, nodeBank uuid.UUID, quantity uint64) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be positive")
	}
	return s.submit(ctx, wire.Deposit{Quantity: quantity}, []engine.AccountRef{
		{ID: group},
		{ID: accountID, Writable: true},
		{ID: owner, Signer: true},
		{ID: rootBank},
		{ID: nodeBank, Writable: true},
	})
}

// InjectWithdraw debits a margin account out of band.
func (s *AdminIngest) InjectWithdraw(ctx context.Context, group, accountID, owner, rootBank, nodeBank uuid.UUID, quantity uint64, allowBorrow bool) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be positive")
	}
	return s.submit(ctx, wire.Withdraw{Quantity: quantity, AllowBorrow: allowBorrow}, []engine.AccountRef{
		{ID: group},
		{ID: accountID, Writable: true},
		{ID: owner, Signer: true},
		{ID: rootBank},
		{ID: nodeBank, Writable: true},
	})
}

// InjectOraclePrice posts a price directly. Oracle posts are ordered
// per oracle, so the caller supplies the oracle sequence.
func (s *AdminIngest) InjectOraclePrice(ctx context.Context, group, oracle, admin uuid.UUID, price decimal.Decimal, oracleSeq int64) error {
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	data, err := wire.Encode(wire.SetOracle{Price: price})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	req := &engine.Request{
		Instruction:    data,
		Accounts:       []engine.AccountRef{{ID: group}, {ID: oracle, Writable: true}, {ID: admin, Signer: true}},
		Timestamp:      time.Now().Unix(),
		IdempotencyKey: fmt.Sprintf("admin-oracle-%s-%d", oracle, oracleSeq),
		OracleSequence: oracleSeq,
	}

	select {
	case s.requestChan <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectCachePrices re-caches oracle prices after an operator
// intervention.
func (s *AdminIngest) InjectCachePrices(ctx context.Context, group uuid.UUID, oracles []uuid.UUID) error {
	return s.submit(ctx, wire.CachePrices{}, groupRefs(group, oracles))
}

// InjectCacheRootBanks re-caches deposit and borrow indexes.
func (s *AdminIngest) InjectCacheRootBanks(ctx context.Context, group uuid.UUID, rootBanks []uuid.UUID) error {
	return s.submit(ctx, wire.CacheRootBanks{}, groupRefs(group, rootBanks))
}

// InjectCachePerpMarkets re-caches perp funding accumulators.
func (s *AdminIngest) InjectCachePerpMarkets(ctx context.Context, group uuid.UUID, markets []uuid.UUID) error {
	return s.submit(ctx, wire.CachePerpMarkets{}, groupRefs(group, markets))
}

func groupRefs(group uuid.UUID, items []uuid.UUID) []engine.AccountRef {
	refs := make([]engine.AccountRef, 0, len(items)+1)
	refs = append(refs, engine.AccountRef{ID: group})
	for _, id := range items {
		refs = append(refs, engine.AccountRef{ID: id})
	}
	return refs
}
