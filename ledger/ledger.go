// Package ledger tracks, per trader address, the balances locked by
// active orders, the orders themselves and a bounded history of
// terminal ones. It is a projection of the event log plus external
// balance notifications; it is never snapshotted on its own.
package ledger

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"matcherd/domain/asset"
	"matcherd/domain/order"
	"matcherd/domain/orderbook"
)

// DefaultHistoryCap bounds the terminal order history per address.
const DefaultHistoryCap = 100

// OrderInfo is the ledger's view of one order.
type OrderInfo struct {
	ID           order.ID
	Pair         asset.Pair
	Side         order.Side
	Price        int64
	Amount       int64
	Fee          int64
	FeeAsset     asset.Asset
	Remaining    int64
	RemainingFee int64
	Status       order.StatusKind
	PlacedOffset int64

	// reservedLeft is what this order still holds locked, per asset.
	reservedLeft map[string]int64
}

// CancelRequest is an auto-cancel the ledger wants enqueued through the
// log. It is never applied locally; it takes the normal ordered path.
type CancelRequest struct {
	Pair    asset.Pair
	OrderID order.ID
	Owner   order.PublicKey
}

// CancelFunc enqueues an auto-cancel. Provided by the orchestrator; the
// ledger holds no reference back to the workers.
type CancelFunc func(CancelRequest)

type addressState struct {
	mu         sync.Mutex
	reserved   map[string]int64
	active     map[order.ID]*OrderInfo
	history    []*OrderInfo
	lastOffset int64
}

// Ledger is single-threaded per address: every mutation takes that
// address's lock, uncontended in the common case.
type Ledger struct {
	mu         sync.RWMutex
	addrs      map[order.PublicKey]*addressState
	historyCap int
	cancel     CancelFunc
	logger     *zap.Logger
}

func New(historyCap int, cancel CancelFunc, logger *zap.Logger) *Ledger {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Ledger{
		addrs:      make(map[order.PublicKey]*addressState),
		historyCap: historyCap,
		cancel:     cancel,
		logger:     logger.Named("ledger"),
	}
}

func (l *Ledger) state(owner order.PublicKey) *addressState {
	l.mu.RLock()
	st, ok := l.addrs[owner]
	l.mu.RUnlock()
	if ok {
		return st
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.addrs[owner]; ok {
		return st
	}
	st = &addressState{
		reserved:   make(map[string]int64),
		active:     make(map[order.ID]*OrderInfo),
		lastOffset: -1,
	}
	l.addrs[owner] = st
	return st
}

// applied gates one event application per address: events are delivered
// at least once, applied at most once.
func (st *addressState) applied(offset int64) bool {
	if offset <= st.lastOffset {
		return true
	}
	st.lastOffset = offset
	return false
}

// OrderAdded reserves the order's spend and fee amounts and registers
// it as active.
func (l *Ledger) OrderAdded(o *order.Order, offset int64) {
	st := l.state(o.Sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.applied(offset) {
		return
	}

	info := &OrderInfo{
		ID:           o.ID,
		Pair:         o.Pair,
		Side:         o.Side,
		Price:        o.Price,
		Amount:       o.Amount,
		Fee:          o.Fee,
		FeeAsset:     o.FeeAsset,
		Remaining:    o.Amount,
		RemainingFee: o.Fee,
		Status:       order.StatusAccepted,
		PlacedOffset: offset,
		reservedLeft: make(map[string]int64, 2),
	}
	reserve := func(a asset.Asset, amount int64) {
		if amount <= 0 {
			return
		}
		st.reserved[a.String()] += amount
		info.reservedLeft[a.String()] += amount
	}
	reserve(o.SpendAsset(), o.SpendAmount())
	reserve(o.FeeAsset, o.Fee)
	st.active[o.ID] = info
}

// RestoreEntry re-registers a resting order recovered from a book
// snapshot, so reservations and active orders survive a restart. The
// reservation basis is what the order still has left, the rest was
// settled before the snapshot.
func (l *Ledger) RestoreEntry(pair asset.Pair, e orderbook.Entry, offset int64) {
	st := l.state(e.Owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.active[e.OrderID]; ok {
		return
	}

	status := order.StatusAccepted
	if e.Filled() > 0 {
		status = order.StatusPartiallyFilled
	}
	info := &OrderInfo{
		ID:           e.OrderID,
		Pair:         pair,
		Side:         e.Side,
		Price:        e.Price,
		Amount:       e.Amount,
		Fee:          e.Fee,
		FeeAsset:     asset.Native,
		Remaining:    e.Remaining,
		RemainingFee: e.RemainingFee,
		Status:       status,
		PlacedOffset: offset,
		reservedLeft: make(map[string]int64, 2),
	}
	var spendAsset asset.Asset
	var spend int64
	if e.Side == order.Buy {
		spendAsset = pair.Price
		spend = order.PriceValue(e.Remaining, e.Price)
	} else {
		spendAsset = pair.Amount
		spend = e.Remaining
	}
	reserve := func(a asset.Asset, amount int64) {
		if amount <= 0 {
			return
		}
		st.reserved[a.String()] += amount
		info.reservedLeft[a.String()] += amount
	}
	reserve(spendAsset, spend)
	reserve(info.FeeAsset, e.RemainingFee)
	st.active[e.OrderID] = info
	if offset > st.lastOffset {
		st.lastOffset = offset
	}
}

// OrderExecuted applies one side of a trade: the fill accounting, the
// reserved-balance release for what was actually consumed, and the
// Filled transition when the order is done.
func (l *Ledger) OrderExecuted(owner order.PublicKey, id order.ID, t orderbook.Trade, offset int64) {
	st := l.state(owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	// Several executions of one incoming order share its offset; the
	// worker's replay guard keeps duplicates from reaching this point.
	info, ok := st.active[id]
	if !ok {
		return
	}

	isBuyer := id == t.BuyOrder()
	var spendAsset asset.Asset
	var consumed int64
	if isBuyer {
		spendAsset = info.Pair.Price
		consumed = order.PriceValue(t.Amount, t.Price)
	} else {
		spendAsset = info.Pair.Amount
		consumed = t.Amount
	}
	fee := t.MakerFee
	if id == t.TakerOrder {
		fee = t.TakerFee
	}

	info.Remaining -= t.Amount
	info.RemainingFee -= fee
	st.release(info, spendAsset, consumed)
	st.release(info, info.FeeAsset, fee)

	if info.Remaining <= 0 {
		info.Status = order.StatusFilled
		st.retire(l.historyCap, info)
	} else {
		info.Status = order.StatusPartiallyFilled
	}
	if offset > st.lastOffset {
		st.lastOffset = offset
	}
}

// OrderCanceled releases whatever the order still holds and moves it to
// the terminal history.
func (l *Ledger) OrderCanceled(owner order.PublicKey, id order.ID, offset int64) {
	st := l.state(owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	info, ok := st.active[id]
	if !ok {
		return
	}
	st.releaseAll(info)
	info.Status = order.StatusCancelled
	st.retire(l.historyCap, info)
	if offset > st.lastOffset {
		st.lastOffset = offset
	}
}

// release drops up to amount from both the order's remaining hold and
// the address total, never below zero.
func (st *addressState) release(info *OrderInfo, a asset.Asset, amount int64) {
	if amount <= 0 {
		return
	}
	key := a.String()
	if left := info.reservedLeft[key]; amount > left {
		amount = left
	}
	info.reservedLeft[key] -= amount
	if st.reserved[key] -= amount; st.reserved[key] <= 0 {
		delete(st.reserved, key)
	}
}

func (st *addressState) releaseAll(info *OrderInfo) {
	for key, left := range info.reservedLeft {
		if left <= 0 {
			continue
		}
		if st.reserved[key] -= left; st.reserved[key] <= 0 {
			delete(st.reserved, key)
		}
		info.reservedLeft[key] = 0
	}
}

// retire moves an order out of the active set into the bounded FIFO
// history. Whatever it still held is released first.
func (st *addressState) retire(cap int, info *OrderInfo) {
	st.releaseAll(info)
	delete(st.active, info.ID)
	st.history = append(st.history, info)
	if len(st.history) > cap {
		st.history = st.history[len(st.history)-cap:]
	}
}

// BalanceChanged reacts to an external spendable-balance update. When
// the address now holds less than it has locked, the youngest orders
// locking that asset are cancelled until the lock fits, each through
// the log.
func (l *Ledger) BalanceChanged(owner order.PublicKey, a asset.Asset, spendable int64) {
	st := l.state(owner)
	st.mu.Lock()
	key := a.String()
	over := st.reserved[key] - spendable
	var victims []*OrderInfo
	if over > 0 {
		victims = st.victims(key, over)
	}
	st.mu.Unlock()

	for _, info := range victims {
		l.logger.Info("auto-cancelling order on balance shortfall",
			zap.String("order", info.ID.String()),
			zap.String("asset", a.String()),
			zap.String("owner", owner.String()))
		l.cancel(CancelRequest{Pair: info.Pair, OrderID: info.ID, Owner: owner})
	}
}

// victims picks active orders holding the asset, youngest placement
// first, until the expected releases cover the shortfall.
func (st *addressState) victims(assetKey string, over int64) []*OrderInfo {
	candidates := make([]*OrderInfo, 0, len(st.active))
	for _, info := range st.active {
		if info.reservedLeft[assetKey] > 0 {
			candidates = append(candidates, info)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PlacedOffset > candidates[j].PlacedOffset
	})
	var out []*OrderInfo
	for _, info := range candidates {
		if over <= 0 {
			break
		}
		over -= info.reservedLeft[assetKey]
		out = append(out, info)
	}
	return out
}

// Reserved returns the locked amount of an asset for an address.
func (l *Ledger) Reserved(owner order.PublicKey, a asset.Asset) int64 {
	st := l.state(owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reserved[a.String()]
}

// ActiveOrders lists the address's live orders.
func (l *Ledger) ActiveOrders(owner order.PublicKey) []OrderInfo {
	st := l.state(owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]OrderInfo, 0, len(st.active))
	for _, info := range st.active {
		out = append(out, *info)
	}
	return out
}

// Status reports an order's lifecycle state for its owner, consulting
// active orders first, then the terminal history.
func (l *Ledger) Status(owner order.PublicKey, id order.ID) order.Status {
	st := l.state(owner)
	st.mu.Lock()
	defer st.mu.Unlock()
	if info, ok := st.active[id]; ok {
		return order.Status{Kind: info.Status, FilledAmount: info.Amount - info.Remaining, FilledFee: info.Fee - info.RemainingFee}
	}
	for i := len(st.history) - 1; i >= 0; i-- {
		if st.history[i].ID == id {
			info := st.history[i]
			return order.Status{Kind: info.Status, FilledAmount: info.Amount - info.Remaining, FilledFee: info.Fee - info.RemainingFee}
		}
	}
	return order.Status{Kind: order.StatusNotFound}
}
