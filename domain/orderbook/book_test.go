package orderbook

import (
	"testing"

	"matcherd/domain/asset"
	"matcherd/domain/order"
)

func testPair(t *testing.T) asset.Pair {
	t.Helper()
	var id [asset.IDSize]byte
	id[0] = 0x11
	pair, err := asset.NewPair(asset.Issued(id), asset.Native)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	return pair
}

var nextID byte

func entry(side order.Side, price, amount, fee int64, owner byte) *Entry {
	nextID++
	var id order.ID
	id[0] = nextID
	var pk order.PublicKey
	pk[0] = owner
	return &Entry{
		OrderID:      id,
		Owner:        pk,
		Side:         side,
		Price:        price,
		Amount:       amount,
		Fee:          fee,
		Remaining:    amount,
		RemainingFee: fee,
	}
}

func TestSimpleCross(t *testing.T) {
	b := New(testPair(t))

	sellA := entry(order.Sell, 500_000, 2_000, 300_000, 'A')
	buyB := entry(order.Buy, 300_000, 2_000, 300_000, 'B')
	if got := b.Insert(sellA, 1); len(got) != 0 {
		t.Fatalf("resting sell produced %d trades", len(got))
	}
	if got := b.Insert(buyB, 2); len(got) != 0 {
		t.Fatalf("resting buy produced %d trades", len(got))
	}

	incoming := entry(order.Buy, 800_000, 1_000, 300_000, 'B')
	trades := b.Insert(incoming, 3)
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Amount != 1_000 || tr.Price != 500_000 {
		t.Errorf("trade = (%d, %d), want (1000, 500000)", tr.Amount, tr.Price)
	}
	if tr.MakerOrder != sellA.OrderID || tr.TakerOrder != incoming.OrderID {
		t.Error("maker/taker attribution wrong")
	}

	// Book afterwards: sell(1000, 500000); buy(2000, 300000).
	if sellA.Remaining != 1_000 {
		t.Errorf("resting sell remaining = %d, want 1000", sellA.Remaining)
	}
	if ask, _ := b.BestAsk(); ask != 500_000 {
		t.Errorf("best ask = %d", ask)
	}
	if bid, _ := b.BestBid(); bid != 300_000 {
		t.Errorf("best bid = %d", bid)
	}
	if b.Size() != 2 {
		t.Errorf("book size = %d, want 2", b.Size())
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := New(testPair(t))
	first := entry(order.Sell, 500_000, 1_000, 10, 'A')
	second := entry(order.Sell, 500_000, 1_000, 10, 'C')
	b.Insert(first, 1)
	b.Insert(second, 2)

	trades := b.Insert(entry(order.Buy, 500_000, 1_000, 10, 'B'), 3)
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	if trades[0].MakerOrder != first.OrderID {
		t.Error("earliest order at the level must trade first")
	}
	if _, ok := b.Entry(first.OrderID); ok {
		t.Error("fully filled maker must leave the book")
	}
	if e, ok := b.Entry(second.OrderID); !ok || e.Remaining != 1_000 {
		t.Error("second order must remain intact at the head")
	}
}

func TestPartialCounterKeepsPriority(t *testing.T) {
	b := New(testPair(t))
	maker := entry(order.Sell, 500_000, 2_000, 10, 'A')
	b.Insert(maker, 1)
	later := entry(order.Sell, 500_000, 500, 10, 'C')
	b.Insert(later, 2)

	trades := b.Insert(entry(order.Buy, 500_000, 1_000, 10, 'B'), 3)
	if len(trades) != 1 || trades[0].Amount != 1_000 {
		t.Fatalf("expected a single 1000 trade")
	}
	if maker.Remaining != 1_000 {
		t.Errorf("maker remaining = %d, want 1000", maker.Remaining)
	}

	// The partially filled maker still trades before the later order.
	more := b.Insert(entry(order.Buy, 500_000, 1_200, 10, 'B'), 4)
	if len(more) != 2 || more[0].MakerOrder != maker.OrderID {
		t.Error("partial fill must not cost the maker its priority")
	}
	if more[1].MakerOrder != later.OrderID || more[1].Amount != 200 {
		t.Error("overflow must spill to the next order in FIFO order")
	}
}

func TestNoRestingCross(t *testing.T) {
	b := New(testPair(t))
	b.Insert(entry(order.Sell, 100, 10, 1, 'A'), 1)
	b.Insert(entry(order.Buy, 150, 25, 1, 'B'), 2)

	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if hasBid && hasAsk && bid >= ask {
		t.Fatalf("book rests crossed: bid %d >= ask %d", bid, ask)
	}
	// The buy swept the ask and rests with the remainder.
	if !hasBid || bid != 150 {
		t.Errorf("best bid = %d, want 150", bid)
	}
	if hasAsk {
		t.Error("ask side should be empty after the sweep")
	}
}

func TestFeeProRataAcrossFills(t *testing.T) {
	b := New(testPair(t))
	maker := entry(order.Sell, 100, 3_000, 100, 'A')
	b.Insert(maker, 1)

	var makerFees int64
	for i := 0; i < 3; i++ {
		trades := b.Insert(entry(order.Buy, 100, 1_000, 999, 'B'), int64(2+i))
		if len(trades) != 1 {
			t.Fatalf("fill %d: expected one trade", i)
		}
		makerFees += trades[0].MakerFee
	}
	// Sum of pro-rata fees never exceeds the order fee, equal on fill.
	if makerFees != maker.Fee {
		t.Errorf("maker fees sum = %d, want %d", makerFees, maker.Fee)
	}
	if _, ok := b.Entry(maker.OrderID); ok {
		t.Error("maker must be gone after the last fill")
	}
}

func TestMatchConservation(t *testing.T) {
	b := New(testPair(t))
	maker := entry(order.Sell, 100, 2_500, 10, 'A')
	b.Insert(maker, 1)
	taker := entry(order.Buy, 100, 1_700, 10, 'B')
	trades := b.Insert(taker, 2)

	var executed int64
	for _, tr := range trades {
		executed += tr.Amount
	}
	if executed != maker.Filled() || executed != taker.Filled() {
		t.Errorf("executed %d, maker filled %d, taker filled %d",
			executed, maker.Filled(), taker.Filled())
	}
}

func TestRemove(t *testing.T) {
	b := New(testPair(t))
	e := entry(order.Buy, 100, 10, 1, 'A')
	b.Insert(e, 1)

	if got := b.Remove(e.OrderID); got != e {
		t.Fatal("remove must return the resting entry")
	}
	if got := b.Remove(e.OrderID); got != nil {
		t.Fatal("second remove must find nothing")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty level must be dropped")
	}
}

func TestRemoveAll(t *testing.T) {
	b := New(testPair(t))
	b.Insert(entry(order.Buy, 100, 10, 1, 'A'), 1)
	b.Insert(entry(order.Buy, 90, 10, 1, 'B'), 2)
	b.Insert(entry(order.Sell, 200, 10, 1, 'C'), 3)

	all := b.RemoveAll()
	if len(all) != 3 {
		t.Fatalf("drained %d entries, want 3", len(all))
	}
	if b.Size() != 0 {
		t.Error("book must be empty after RemoveAll")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("bid side must be empty")
	}
}

func TestScanCrossing(t *testing.T) {
	b := New(testPair(t))
	b.Insert(entry(order.Sell, 100, 10, 1, 'A'), 1)
	b.Insert(entry(order.Sell, 120, 10, 1, 'B'), 2)
	b.Insert(entry(order.Sell, 200, 10, 1, 'C'), 3)

	var owners []byte
	b.ScanCrossing(order.Buy, 150, func(e *Entry) bool {
		owners = append(owners, e.Owner[0])
		return true
	})
	if len(owners) != 2 || owners[0] != 'A' || owners[1] != 'B' {
		t.Errorf("crossing scan visited %v, want [A B]", owners)
	}
}

func TestMarketStatus(t *testing.T) {
	b := New(testPair(t))
	if st := b.Status(); st.BestBid != nil || st.BestAsk != nil || st.LastTrade != nil {
		t.Fatal("empty book must report an empty status")
	}
	b.Insert(entry(order.Sell, 500, 100, 1, 'A'), 1)
	b.Insert(entry(order.Buy, 500, 40, 1, 'B'), 2)

	st := b.Status()
	if st.LastTrade == nil || st.LastTrade.Price != 500 || st.LastTrade.Amount != 40 {
		t.Error("last trade not tracked")
	}
	if st.LastTrade.Side != order.Buy {
		t.Error("last trade side is the taker side")
	}
	if st.BestAsk == nil || *st.BestAsk != 500 {
		t.Error("best ask must survive the partial fill")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := New(testPair(t))
	b.Insert(entry(order.Sell, 200, 50, 7, 'A'), 1)
	b.Insert(entry(order.Sell, 200, 60, 7, 'B'), 2)
	b.Insert(entry(order.Buy, 100, 70, 7, 'C'), 3)
	b.Insert(entry(order.Buy, 150, 80, 7, 'D'), 4)

	snap := b.Snapshot(42)
	restored := Restore(snap)

	if restored.Size() != b.Size() {
		t.Fatalf("restored size %d != %d", restored.Size(), b.Size())
	}
	again := restored.Snapshot(42)
	assertLevelsEqual(t, snap.Bids, again.Bids, "bids")
	assertLevelsEqual(t, snap.Asks, again.Asks, "asks")

	// FIFO inside a level survives: A still trades before B.
	trades := restored.Insert(entry(order.Buy, 200, 10, 1, 'E'), 5)
	if len(trades) != 1 || trades[0].Maker[0] != 'A' {
		t.Error("restored book lost level FIFO order")
	}
}

func BenchmarkInsertRest(b *testing.B) {
	book := New(mustPair())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		e := entry(order.Buy, int64(1+i%512), 10, 1, 'A')
		book.Insert(e, int64(i))
	}
}

func BenchmarkInsertMatch(b *testing.B) {
	book := New(mustPair())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		book.Insert(entry(order.Sell, 100, 10, 1, 'A'), int64(i))
		book.Insert(entry(order.Buy, 100, 10, 1, 'B'), int64(i))
	}
}

func mustPair() asset.Pair {
	var id [asset.IDSize]byte
	id[0] = 0x11
	pair, err := asset.NewPair(asset.Issued(id), asset.Native)
	if err != nil {
		panic(err)
	}
	return pair
}

func assertLevelsEqual(t *testing.T, a, b []LevelData, what string) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("%s: %d levels != %d", what, len(a), len(b))
	}
	for i := range a {
		if a[i].Price != b[i].Price || len(a[i].Entries) != len(b[i].Entries) {
			t.Fatalf("%s: level %d differs", what, i)
		}
		for j := range a[i].Entries {
			if a[i].Entries[j] != b[i].Entries[j] {
				t.Fatalf("%s: entry %d/%d differs", what, i, j)
			}
		}
	}
}
