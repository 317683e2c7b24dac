// Package orderbook implements the per-pair price-time priority book:
// price levels on each side, FIFO inside a level, and the match loop
// that resolves crossing orders in place.
package orderbook

import (
	"github.com/tidwall/btree"

	"matcherd/domain/asset"
	"matcherd/domain/order"
)

// Trade is one execution between the incoming (taker) order and a
// resting (maker) order. The maker's price wins.
type Trade struct {
	TakerOrder order.ID
	MakerOrder order.ID
	Taker      order.PublicKey
	Maker      order.PublicKey
	TakerSide  order.Side
	Amount     int64
	Price      int64
	TakerFee   int64
	MakerFee   int64
	Timestamp  int64
}

// BuyOrder returns the id of the buying side of the trade.
func (t Trade) BuyOrder() order.ID {
	if t.TakerSide == order.Buy {
		return t.TakerOrder
	}
	return t.MakerOrder
}

// SellOrder returns the id of the selling side of the trade.
func (t Trade) SellOrder() order.ID {
	if t.TakerSide == order.Sell {
		return t.TakerOrder
	}
	return t.MakerOrder
}

// FeeOf returns the fee charged to the given side of the trade.
func (t Trade) FeeOf(id order.ID) int64 {
	if id == t.TakerOrder {
		return t.TakerFee
	}
	return t.MakerFee
}

// LastTrade is the most recent execution on the pair.
type LastTrade struct {
	Price  int64
	Amount int64
	Side   order.Side
}

// MarketStatus is the book's public market view.
type MarketStatus struct {
	LastTrade *LastTrade
	BestBid   *int64
	BestAsk   *int64
}

// Book is single-writer: exactly one worker mutates it.
type Book struct {
	pair      asset.Pair
	bids      *btree.BTreeG[*Level]
	asks      *btree.BTreeG[*Level]
	index     map[order.ID]*Entry
	levels    map[order.ID]*Level
	lastTrade *LastTrade
}

func New(pair asset.Pair) *Book {
	less := func(a, b *Level) bool { return a.Price < b.Price }
	return &Book{
		pair:   pair,
		bids:   btree.NewBTreeG(less),
		asks:   btree.NewBTreeG(less),
		index:  make(map[order.ID]*Entry),
		levels: make(map[order.ID]*Level),
	}
}

func (b *Book) Pair() asset.Pair { return b.pair }

// Size is the number of resting orders.
func (b *Book) Size() int { return len(b.index) }

func (b *Book) side(s order.Side) *btree.BTreeG[*Level] {
	if s == order.Buy {
		return b.bids
	}
	return b.asks
}

// bestLevel is the top of the given side: highest bid, lowest ask.
func (b *Book) bestLevel(s order.Side) *Level {
	var lvl *Level
	var ok bool
	if s == order.Buy {
		lvl, ok = b.bids.Max()
	} else {
		lvl, ok = b.asks.Min()
	}
	if !ok {
		return nil
	}
	return lvl
}

// BestBid returns the top bid price, if any bid rests.
func (b *Book) BestBid() (int64, bool) {
	if lvl := b.bestLevel(order.Buy); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// BestAsk returns the top ask price, if any ask rests.
func (b *Book) BestAsk() (int64, bool) {
	if lvl := b.bestLevel(order.Sell); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// Status assembles the market view served to the validator.
func (b *Book) Status() MarketStatus {
	st := MarketStatus{}
	if b.lastTrade != nil {
		lt := *b.lastTrade
		st.LastTrade = &lt
	}
	if bid, ok := b.BestBid(); ok {
		st.BestBid = &bid
	}
	if ask, ok := b.BestAsk(); ok {
		st.BestAsk = &ask
	}
	return st
}

// Entry looks up a resting order.
func (b *Book) Entry(id order.ID) (*Entry, bool) {
	e, ok := b.index[id]
	return e, ok
}

func crosses(incoming, top int64, side order.Side) bool {
	if side == order.Buy {
		return incoming >= top
	}
	return incoming <= top
}

// Insert runs the match loop for an incoming entry and rests whatever
// remains. The returned trades are in execution order.
func (b *Book) Insert(e *Entry, ts int64) []Trade {
	var trades []Trade

	opposite := e.Side.Opposite()
	for e.Remaining > 0 {
		top := b.bestLevel(opposite)
		if top == nil || !crosses(e.Price, top.Price, e.Side) {
			break
		}
		counter := top.head()

		exec := e.Remaining
		if counter.Remaining < exec {
			exec = counter.Remaining
		}
		takerFee := capFee(order.ProRataFee(e.Fee, exec, e.Amount), e.RemainingFee)
		makerFee := capFee(order.ProRataFee(counter.Fee, exec, counter.Amount), counter.RemainingFee)

		trades = append(trades, Trade{
			TakerOrder: e.OrderID,
			MakerOrder: counter.OrderID,
			Taker:      e.Owner,
			Maker:      counter.Owner,
			TakerSide:  e.Side,
			Amount:     exec,
			Price:      counter.Price,
			TakerFee:   takerFee,
			MakerFee:   makerFee,
			Timestamp:  ts,
		})

		e.Remaining -= exec
		e.RemainingFee -= takerFee
		counter.Remaining -= exec
		counter.RemainingFee -= makerFee
		b.lastTrade = &LastTrade{Price: counter.Price, Amount: exec, Side: e.Side}

		if counter.Remaining == 0 {
			top.popHead()
			delete(b.index, counter.OrderID)
			delete(b.levels, counter.OrderID)
			if top.empty() {
				b.side(opposite).Delete(top)
			}
		}
	}

	if e.Remaining > 0 {
		b.rest(e)
	}
	return trades
}

// rest appends the entry at the tail of its price level.
func (b *Book) rest(e *Entry) {
	tree := b.side(e.Side)
	probe := &Level{Price: e.Price}
	lvl, ok := tree.Get(probe)
	if !ok {
		lvl = probe
		tree.Set(lvl)
	}
	lvl.append(e)
	b.index[e.OrderID] = e
	b.levels[e.OrderID] = lvl
}

// Remove takes a resting order out of the book. Returns the entry, or
// nil when the id is unknown.
func (b *Book) Remove(id order.ID) *Entry {
	e, ok := b.index[id]
	if !ok {
		return nil
	}
	lvl := b.levels[id]
	lvl.remove(e)
	if lvl.empty() {
		b.side(e.Side).Delete(lvl)
	}
	delete(b.index, id)
	delete(b.levels, id)
	return e
}

// RemoveAll drains the book, worst prices last, and returns every entry
// that was resting. Used when a book is deleted: each entry becomes an
// auto-cancel.
func (b *Book) RemoveAll() []*Entry {
	out := make([]*Entry, 0, len(b.index))
	b.bids.Reverse(func(lvl *Level) bool {
		out = append(out, lvl.Entries...)
		return true
	})
	b.asks.Scan(func(lvl *Level) bool {
		out = append(out, lvl.Entries...)
		return true
	})
	less := func(a, b *Level) bool { return a.Price < b.Price }
	b.bids = btree.NewBTreeG(less)
	b.asks = btree.NewBTreeG(less)
	b.index = make(map[order.ID]*Entry)
	b.levels = make(map[order.ID]*Level)
	return out
}

// ScanCrossing visits the entries an incoming order at price would
// execute against, best level first, FIFO within a level, while fn
// returns true.
func (b *Book) ScanCrossing(side order.Side, price int64, fn func(*Entry) bool) {
	visit := func(lvl *Level) bool {
		if !crosses(price, lvl.Price, side) {
			return false
		}
		for _, e := range lvl.Entries {
			if !fn(e) {
				return false
			}
		}
		return true
	}
	if side == order.Buy {
		b.asks.Scan(visit)
	} else {
		b.bids.Reverse(visit)
	}
}

func capFee(fee, remaining int64) int64 {
	if fee > remaining {
		return remaining
	}
	return fee
}
