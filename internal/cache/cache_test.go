package cache_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/cache"
	"crossmargin/internal/errs"
	"crossmargin/internal/group"
)

func TestPrice_QuoteAlwaysOne(t *testing.T) {
	c := cache.New(uuid.New(), uuid.New())

	p, err := c.Price(group.QuoteIndex, 1000, 5)
	if err != nil {
		t.Fatalf("quote price: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(1)) {
		t.Errorf("quote price: got %s, want 1", p)
	}
}

func TestPrice_NeverUpdated(t *testing.T) {
	c := cache.New(uuid.New(), uuid.New())

	_, err := c.Price(0, 1000, 5)
	if errs.CodeOf(err) != errs.CodeInvalidState {
		t.Errorf("want InvalidState for never-updated slot, got %v", err)
	}
}

func TestPrice_StalenessBoundaryInclusive(t *testing.T) {
	c := cache.New(uuid.New(), uuid.New())
	c.SetPrice(3, decimal.NewFromInt(10), 100)

	// Age exactly equal to the valid interval is still fresh.
	if _, err := c.Price(3, 105, 5); err != nil {
		t.Errorf("age == valid interval should pass, got %v", err)
	}

	// One past the interval fails.
	_, err := c.Price(3, 106, 5)
	if errs.CodeOf(err) != errs.CodeInvalidState {
		t.Errorf("want InvalidState past interval, got %v", err)
	}
}

func TestRootBank_Fresh(t *testing.T) {
	c := cache.New(uuid.New(), uuid.New())
	c.SetRootBank(group.QuoteIndex, decimal.NewFromInt(1), decimal.NewFromInt(1), 100)

	entry, err := c.RootBank(group.QuoteIndex, 100, 5)
	if err != nil {
		t.Fatalf("root bank: %v", err)
	}
	if !entry.DepositIndex.Equal(decimal.NewFromInt(1)) {
		t.Errorf("deposit index: got %s", entry.DepositIndex)
	}
}

func TestPerpMarket_OutOfRange(t *testing.T) {
	c := cache.New(uuid.New(), uuid.New())

	_, err := c.PerpMarket(group.MaxPairs, 0, 5)
	if errs.CodeOf(err) != errs.CodeMalformedInput {
		t.Errorf("want MalformedInput, got %v", err)
	}
}
