// Package engine ties the risk core together: it decodes packed
// instructions, validates ordering and idempotency, dispatches into the
// settlement and liquidation engines against a copy-on-write view of
// the state, and commits only on success. Every applied instruction
// extends a SHA-256 hash chain and is emitted to the persistence and
// projection channels.
package engine

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossmargin/internal/account"
	"crossmargin/internal/bank"
	"crossmargin/internal/cache"
	"crossmargin/internal/errs"
	"crossmargin/internal/group"
	"crossmargin/internal/liq"
	"crossmargin/internal/perp"
)

// State is the full in-memory state of one group. It is owned by the
// single-threaded engine; all mutation goes through a tx so that a
// failed instruction leaves no trace.
type State struct {
	Group *group.Group
	Cache *cache.GroupCache

	RootBanks   map[uuid.UUID]*bank.RootBank
	NodeBanks   map[uuid.UUID]*bank.NodeBank
	PerpMarkets map[uuid.UUID]*perp.PerpMarket
	Accounts    map[uuid.UUID]*account.MarginAccount
	OpenOrders  map[uuid.UUID]*account.OpenOrders

	// Oracles maps oracle id to its last posted price.
	Oracles map[uuid.UUID]decimal.Decimal

	InsuranceFund liq.InsuranceFund

	// NextOrderID seeds deterministic perp order ids.
	NextOrderID uint64
}

// NewState returns an empty state awaiting InitGroup.
func NewState() *State {
	return &State{
		RootBanks:   make(map[uuid.UUID]*bank.RootBank),
		NodeBanks:   make(map[uuid.UUID]*bank.NodeBank),
		PerpMarkets: make(map[uuid.UUID]*perp.PerpMarket),
		Accounts:    make(map[uuid.UUID]*account.MarginAccount),
		OpenOrders:  make(map[uuid.UUID]*account.OpenOrders),
		Oracles:     make(map[uuid.UUID]decimal.Decimal),
	}
}

// tx is a copy-on-write overlay over State. Reads clone the backing
// object on first touch; commit swaps the clones in. A tx that is
// dropped without commit has no effect.
type tx struct {
	st *State

	group *group.Group
	cache *cache.GroupCache

	roots    map[uuid.UUID]*bank.RootBank
	nodes    map[uuid.UUID]*bank.NodeBank
	markets  map[uuid.UUID]*perp.PerpMarket
	accounts map[uuid.UUID]*account.MarginAccount
	orders   map[uuid.UUID]*account.OpenOrders
	oracles  map[uuid.UUID]decimal.Decimal

	fund        *liq.InsuranceFund
	nextOrderID *uint64
}

func newTx(st *State) *tx {
	return &tx{
		st:       st,
		roots:    make(map[uuid.UUID]*bank.RootBank),
		nodes:    make(map[uuid.UUID]*bank.NodeBank),
		markets:  make(map[uuid.UUID]*perp.PerpMarket),
		accounts: make(map[uuid.UUID]*account.MarginAccount),
		orders:   make(map[uuid.UUID]*account.OpenOrders),
		oracles:  make(map[uuid.UUID]decimal.Decimal),
	}
}

// Group returns the mutable group, cloning it on first touch.
func (t *tx) Group() (*group.Group, error) {
	if t.group != nil {
		return t.group, nil
	}
	if t.st.Group == nil {
		return nil, errs.Newf(errs.CodeInvalidState, "group not initialized")
	}
	t.group = t.st.Group.Clone()
	return t.group, nil
}

// Cache returns the mutable cache, cloning it on first touch.
func (t *tx) Cache() (*cache.GroupCache, error) {
	if t.cache != nil {
		return t.cache, nil
	}
	if t.st.Cache == nil {
		return nil, errs.Newf(errs.CodeInvalidState, "cache not initialized")
	}
	t.cache = t.st.Cache.Clone()
	return t.cache, nil
}

func (t *tx) RootBank(id uuid.UUID) (*bank.RootBank, error) {
	if r, ok := t.roots[id]; ok {
		return r, nil
	}
	r, ok := t.st.RootBanks[id]
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidState, "root bank %s not found", id)
	}
	cp := r.Clone()
	t.roots[id] = cp
	return cp, nil
}

func (t *tx) NodeBank(id uuid.UUID) (*bank.NodeBank, error) {
	if n, ok := t.nodes[id]; ok {
		return n, nil
	}
	n, ok := t.st.NodeBanks[id]
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidState, "node bank %s not found", id)
	}
	cp := n.Clone()
	t.nodes[id] = cp
	return cp, nil
}

func (t *tx) Market(id uuid.UUID) (*perp.PerpMarket, error) {
	if m, ok := t.markets[id]; ok {
		return m, nil
	}
	m, ok := t.st.PerpMarkets[id]
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidState, "perp market %s not found", id)
	}
	cp := m.Clone()
	t.markets[id] = cp
	return cp, nil
}

// Account implements settle.AccountSource.
func (t *tx) Account(id uuid.UUID) (*account.MarginAccount, error) {
	if a, ok := t.accounts[id]; ok {
		return a, nil
	}
	a, ok := t.st.Accounts[id]
	if !ok {
		return nil, errs.Newf(errs.CodeInvalidState, "margin account %s not found", id)
	}
	cp := a.Clone()
	t.accounts[id] = cp
	return cp, nil
}

// OpenOrders implements health.OpenOrdersView.
func (t *tx) OpenOrders(id uuid.UUID) (*account.OpenOrders, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.st.OpenOrders[id]
	if !ok {
		return nil, false
	}
	cp := o.Clone()
	t.orders[id] = cp
	return cp, true
}

// OraclePrice reads the posted price for an oracle id.
func (t *tx) OraclePrice(id uuid.UUID) (decimal.Decimal, error) {
	if p, ok := t.oracles[id]; ok {
		return p, nil
	}
	p, ok := t.st.Oracles[id]
	if !ok {
		return decimal.Decimal{}, errs.Newf(errs.CodeInvalidState, "oracle %s has no posted price", id)
	}
	return p, nil
}

func (t *tx) SetOraclePrice(id uuid.UUID, price decimal.Decimal) {
	t.oracles[id] = price
}

// Fund returns the mutable insurance fund, cloning on first touch.
func (t *tx) Fund() *liq.InsuranceFund {
	if t.fund == nil {
		cp := t.st.InsuranceFund
		t.fund = &cp
	}
	return t.fund
}

// TakeOrderID returns the next deterministic order id.
func (t *tx) TakeOrderID() uint64 {
	if t.nextOrderID == nil {
		v := t.st.NextOrderID
		t.nextOrderID = &v
	}
	*t.nextOrderID++
	return *t.nextOrderID
}

// Creation helpers register new objects directly in the overlay so
// commit publishes them.

func (t *tx) putGroup(g *group.Group)             { t.group = g }
func (t *tx) putCache(c *cache.GroupCache)        { t.cache = c }
func (t *tx) putRootBank(r *bank.RootBank)        { t.roots[r.ID] = r }
func (t *tx) putNodeBank(n *bank.NodeBank)        { t.nodes[n.ID] = n }
func (t *tx) putMarket(m *perp.PerpMarket)        { t.markets[m.ID] = m }
func (t *tx) putAccount(a *account.MarginAccount) { t.accounts[a.ID] = a }
func (t *tx) putOpenOrders(o *account.OpenOrders) { t.orders[o.ID] = o }

func (t *tx) hasAccount(id uuid.UUID) bool {
	if _, ok := t.accounts[id]; ok {
		return true
	}
	_, ok := t.st.Accounts[id]
	return ok
}

func (t *tx) hasOpenOrders(id uuid.UUID) bool {
	if _, ok := t.orders[id]; ok {
		return true
	}
	_, ok := t.st.OpenOrders[id]
	return ok
}

// commit publishes every touched object back into the state.
func (t *tx) commit() {
	if t.group != nil {
		t.st.Group = t.group
	}
	if t.cache != nil {
		t.st.Cache = t.cache
	}
	for id, r := range t.roots {
		t.st.RootBanks[id] = r
	}
	for id, n := range t.nodes {
		t.st.NodeBanks[id] = n
	}
	for id, m := range t.markets {
		t.st.PerpMarkets[id] = m
	}
	for id, a := range t.accounts {
		t.st.Accounts[id] = a
	}
	for id, o := range t.orders {
		t.st.OpenOrders[id] = o
	}
	for id, p := range t.oracles {
		t.st.Oracles[id] = p
	}
	if t.fund != nil {
		t.st.InsuranceFund = *t.fund
	}
	if t.nextOrderID != nil {
		t.st.NextOrderID = *t.nextOrderID
	}
}

// digest builds canonical bytes over every object the tx touched,
// sorted by id, for the state hash chain.
func (t *tx) digest() []byte {
	var d digestWriter

	if t.group != nil {
		d.str("group")
		d.id(t.group.ID)
		d.id(t.group.Admin)
		d.i64(int64(t.group.NumOracles))
	}
	if t.cache != nil {
		d.str("cache")
		d.id(t.cache.ID)
		for i := range t.cache.Prices {
			if t.cache.Prices[i].LastUpdated != 0 {
				d.i64(int64(i))
				d.dec(t.cache.Prices[i].Price)
				d.i64(t.cache.Prices[i].LastUpdated)
			}
		}
	}

	for _, id := range sortedKeys(t.accounts) {
		a := t.accounts[id]
		d.str("account")
		d.id(a.ID)
		for i := range a.Deposits {
			if !a.Deposits[i].IsZero() || !a.Borrows[i].IsZero() {
				d.i64(int64(i))
				d.dec(a.Deposits[i])
				d.dec(a.Borrows[i])
			}
		}
		for i := range a.PerpAccounts {
			p := &a.PerpAccounts[i]
			if p.IsActive() {
				d.i64(int64(i))
				d.i64(p.BasePosition)
				d.dec(p.QuotePosition)
				d.i64(p.BidsQuantity)
				d.i64(p.AsksQuantity)
			}
		}
		if a.BeingLiquidated {
			d.str("liq")
		}
		if a.IsBankrupt {
			d.str("bankrupt")
		}
	}

	for _, id := range sortedKeys(t.roots) {
		r := t.roots[id]
		d.str("root")
		d.id(r.ID)
		d.dec(r.DepositIndex)
		d.dec(r.BorrowIndex)
		d.dec(r.Deposits)
		d.dec(r.Borrows)
	}
	for _, id := range sortedKeys(t.nodes) {
		n := t.nodes[id]
		d.str("node")
		d.id(n.ID)
		d.dec(n.Deposits)
		d.dec(n.Borrows)
		d.dec(n.Vault)
	}
	for _, id := range sortedKeys(t.markets) {
		m := t.markets[id]
		d.str("market")
		d.id(m.ID)
		d.dec(m.LongFunding)
		d.dec(m.ShortFunding)
		d.i64(m.OpenInterest)
		d.dec(m.FeesAccrued)
		d.i64(int64(m.Queue.ConsumedSeqNum))
	}
	for _, id := range sortedKeys(t.orders) {
		o := t.orders[id]
		d.str("orders")
		d.id(o.ID)
		d.dec(o.BaseLocked)
		d.dec(o.QuoteLocked)
		d.dec(o.BaseFree)
		d.dec(o.QuoteFree)
	}
	for _, id := range sortedKeys(t.oracles) {
		d.str("oracle")
		d.id(id)
		d.dec(t.oracles[id])
	}
	if t.fund != nil {
		d.str("fund")
		d.dec(t.fund.Balance)
	}

	return d.buf
}

type digestWriter struct {
	buf []byte
}

func (d *digestWriter) str(s string) {
	d.buf = append(d.buf, byte(len(s)))
	d.buf = append(d.buf, s...)
}

func (d *digestWriter) id(u uuid.UUID) {
	d.buf = append(d.buf, u[:]...)
}

func (d *digestWriter) i64(v int64) {
	d.buf = append(d.buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func (d *digestWriter) dec(v decimal.Decimal) {
	d.str(v.String())
}

func sortedKeys[V any](m map[uuid.UUID]V) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
