package bank_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/bank"
	"crossmargin/internal/errs"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestBank(now int64) (*bank.RootBank, *bank.NodeBank) {
	root := bank.NewRootBank(uuid.New(), 0, dec("0.7"), dec("0.06"), dec("1.5"), now)
	node := bank.NewNodeBank(uuid.New(), root.ID)
	root.NodeBanks = []uuid.UUID{node.ID}
	return root, node
}

func TestBorrowRate_BelowOptimal(t *testing.T) {
	root, node := newTestBank(0)
	root.Deposit(node, dec("1000"), dec("1000"))
	root.AddBorrow(node, dec("350")) // utilization 0.35 = half of optimal

	got := root.BorrowRate()
	want := dec("0.03") // half of optimal rate
	if !got.Equal(want) {
		t.Errorf("borrow rate: got %s, want %s", got, want)
	}
}

func TestBorrowRate_AboveOptimal(t *testing.T) {
	root, node := newTestBank(0)
	root.Deposit(node, dec("1000"), dec("1000"))
	root.AddBorrow(node, dec("850")) // utilization 0.85, halfway to 100%

	got := root.BorrowRate()
	want := dec("0.78") // 0.06 + 0.5*(1.5-0.06)
	if !got.Equal(want) {
		t.Errorf("borrow rate: got %s, want %s", got, want)
	}
}

func TestUpdateIndex_Advances(t *testing.T) {
	root, node := newTestBank(0)
	root.Deposit(node, dec("1000"), dec("1000"))
	root.AddBorrow(node, dec("500"))

	fee, err := root.UpdateIndex(bank.YearSeconds)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if !root.BorrowIndex.GreaterThan(decimal.NewFromInt(1)) {
		t.Error("borrow index should advance")
	}
	if !root.DepositIndex.GreaterThan(decimal.NewFromInt(1)) {
		t.Error("deposit index should advance")
	}
	if root.DepositIndex.GreaterThanOrEqual(root.BorrowIndex) {
		t.Errorf("deposit index %s must trail borrow index %s", root.DepositIndex, root.BorrowIndex)
	}
	if !fee.IsPositive() {
		t.Errorf("protocol fee should be positive, got %s", fee)
	}
}

func TestUpdateIndex_SameTimestampNoOp(t *testing.T) {
	root, node := newTestBank(100)
	root.Deposit(node, dec("1000"), dec("1000"))
	root.AddBorrow(node, dec("500"))

	if _, err := root.UpdateIndex(200); err != nil {
		t.Fatalf("first update: %v", err)
	}
	before := root.BorrowIndex

	if _, err := root.UpdateIndex(200); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	if !root.BorrowIndex.Equal(before) {
		t.Error("repeated update at same timestamp must be a no-op")
	}
}

func TestUpdateIndex_ClockRegressionFatal(t *testing.T) {
	root, _ := newTestBank(100)

	_, err := root.UpdateIndex(99)
	if err == nil {
		t.Fatal("expected error on clock regression")
	}
	if !errs.IsFatal(err) {
		t.Errorf("clock regression must be Fatal, got %v", errs.CodeOf(err))
	}
}

func TestDepositWithdraw_RoundTrip(t *testing.T) {
	root, node := newTestBank(0)

	root.Deposit(node, dec("250"), dec("250"))
	if err := root.Withdraw(node, dec("250"), dec("250")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if !root.Deposits.IsZero() || !node.Vault.IsZero() {
		t.Errorf("round trip should zero the pool: deposits=%s vault=%s", root.Deposits, node.Vault)
	}
}

func TestWithdraw_VaultShort(t *testing.T) {
	root, node := newTestBank(0)
	root.Deposit(node, dec("100"), dec("100"))
	// Borrowers took 80 out of the vault.
	node.Vault = dec("20")

	err := root.Withdraw(node, dec("50"), dec("50"))
	if errs.CodeOf(err) != errs.CodeInsufficientFunds {
		t.Errorf("want InsufficientFunds, got %v", err)
	}
}

func TestSocializeLoss_ExactWriteDown(t *testing.T) {
	root, node := newTestBank(0)
	root.Deposit(node, dec("1000"), dec("1000"))

	before := root.NativeDeposits()
	loss := dec("123.456")
	if err := root.SocializeLoss(loss); err != nil {
		t.Fatalf("socialize: %v", err)
	}

	got := before.Sub(root.NativeDeposits())
	if !got.Equal(loss) {
		t.Errorf("write-down: got %s, want %s", got, loss)
	}
}

func TestSocializeLoss_ExceedsPool(t *testing.T) {
	root, node := newTestBank(0)
	root.Deposit(node, dec("10"), dec("10"))

	err := root.SocializeLoss(dec("11"))
	if errs.CodeOf(err) != errs.CodeInsufficientFunds {
		t.Errorf("want InsufficientFunds, got %v", err)
	}
}

func TestCheckTotals_Diverged(t *testing.T) {
	root, node := newTestBank(0)
	root.Deposit(node, dec("100"), dec("100"))
	node.Deposits = dec("99") // corrupt the child

	err := root.CheckTotals([]*bank.NodeBank{node})
	if !errs.IsFatal(err) {
		t.Errorf("diverged totals must be Fatal, got %v", err)
	}
}
