package matcher

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"matcherd/domain/asset"
	"matcherd/domain/materr"
	"matcherd/domain/order"
	"matcherd/domain/orderbook"
	"matcherd/domain/rules"
	"matcherd/eventlog"
	"matcherd/infra/metrics"
	"matcherd/ledger"
	"matcherd/snapshot"
	"matcherd/validator"
)

const unit = int64(100_000_000)

var adminKey = func() order.PublicKey {
	var pk order.PublicKey
	pk[0] = 'M'
	return pk
}()

func testPair(t *testing.T) asset.Pair {
	t.Helper()
	var amountID, priceID [asset.IDSize]byte
	amountID[0] = 0x61
	priceID[0] = 0x62
	pair, err := asset.NewPair(asset.Issued(amountID), asset.Issued(priceID))
	require.NoError(t, err)
	return pair
}

type collectSink struct {
	mu     sync.Mutex
	trades []orderbook.Trade
}

func (s *collectSink) Publish(_ asset.Pair, t orderbook.Trade, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func (s *collectSink) last() orderbook.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[len(s.trades)-1]
}

type engine struct {
	orch   *Orchestrator
	ledger *ledger.Ledger
	sink   *collectSink
	client *validator.StaticClient
	store  *snapshot.Store
}

func newEngine(t *testing.T, logDir, snapDir string, cfg Config) *engine {
	t.Helper()
	log, err := eventlog.OpenLocal(eventlog.LocalConfig{Dir: logDir})
	require.NoError(t, err)
	store, err := snapshot.Open(snapDir)
	require.NoError(t, err)

	sink := &collectSink{}
	var orch *Orchestrator
	ldgr := ledger.New(10, func(req ledger.CancelRequest) {
		orch.EnqueueAutoCancel(req)
	}, zap.NewNop())

	cfg.AdminCancelAlways = true
	orch = NewOrchestrator(cfg, log, store, rules.Set{}, ldgr, sink, adminKey, metrics.Nop(), zap.NewNop())

	client := validator.NewStaticClient()
	var amountID, priceID [asset.IDSize]byte
	amountID[0] = 0x61
	priceID[0] = 0x62
	client.RegisterAsset(asset.Issued(amountID), 8, false)
	client.RegisterAsset(asset.Issued(priceID), 8, false)
	orch.SetValidator(validator.New(validator.Config{}, adminKey, orch, client, zap.NewNop()))

	require.NoError(t, orch.Start(context.Background()))
	return &engine{orch: orch, ledger: ldgr, sink: sink, client: client, store: store}
}

type trader struct {
	pub  order.PublicKey
	priv ed25519.PrivateKey
}

func newTrader(t *testing.T) trader {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var pk order.PublicKey
	copy(pk[:], pub)
	return trader{pub: pk, priv: priv}
}

func (tr trader) order(t *testing.T, side order.Side, amount, price int64) *order.Order {
	t.Helper()
	now := time.Now().UnixMilli()
	o := &order.Order{
		Sender:     tr.pub,
		Pair:       testPair(t),
		Side:       side,
		Price:      price,
		Amount:     amount,
		Fee:        300_000,
		FeeAsset:   asset.Native,
		Timestamp:  now,
		Expiration: now + time.Hour.Milliseconds(),
		Version:    order.V3,
	}
	o.Sign(tr.priv)
	return o
}

func (e *engine) awaitStatus(t *testing.T, owner order.PublicKey, id order.ID, want order.StatusKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.orch.OrderStatus(owner, id).Kind == want
	}, 5*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
}

func TestStatusGate(t *testing.T) {
	log, err := eventlog.OpenLocal(eventlog.LocalConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	store, err := snapshot.Open(t.TempDir())
	require.NoError(t, err)
	sink := &collectSink{}
	var orch *Orchestrator
	ldgr := ledger.New(10, func(req ledger.CancelRequest) {}, zap.NewNop())
	orch = NewOrchestrator(Config{}, log, store, rules.Set{}, ldgr, sink, adminKey, metrics.Nop(), zap.NewNop())
	orch.SetValidator(validator.New(validator.Config{}, adminKey, orch, validator.NewStaticClient(), zap.NewNop()))

	require.Equal(t, StatusStarting, orch.Status())
	tr := newTrader(t)
	_, err = orch.PlaceOrder(context.Background(), tr.order(t, order.Buy, unit, 100))
	require.Equal(t, materr.CodeServiceStarting, materr.CodeOf(err))

	require.NoError(t, orch.Start(context.Background()))
	require.Equal(t, StatusWorking, orch.Status())
	select {
	case <-orch.Ready():
	default:
		t.Fatal("ready channel must be closed once working")
	}

	require.NoError(t, orch.Stop(context.Background()))
	require.Equal(t, StatusStopping, orch.Status())
	_, err = orch.PlaceOrder(context.Background(), tr.order(t, order.Buy, unit, 101))
	require.Equal(t, materr.CodeServiceStopping, materr.CodeOf(err))
}

func TestPlaceMatchAndSettle(t *testing.T) {
	e := newEngine(t, t.TempDir(), t.TempDir(), Config{})
	defer e.orch.Stop(context.Background())
	seller, buyer := newTrader(t), newTrader(t)
	ctx := context.Background()

	sell := seller.order(t, order.Sell, 2_000*unit, 500_000)
	_, err := e.orch.PlaceOrder(ctx, sell)
	require.NoError(t, err)
	e.awaitStatus(t, seller.pub, sell.ID, order.StatusAccepted)

	restingBuy := buyer.order(t, order.Buy, 2_000*unit, 300_000)
	_, err = e.orch.PlaceOrder(ctx, restingBuy)
	require.NoError(t, err)
	e.awaitStatus(t, buyer.pub, restingBuy.ID, order.StatusAccepted)

	crossing := buyer.order(t, order.Buy, 1_000*unit, 800_000)
	_, err = e.orch.PlaceOrder(ctx, crossing)
	require.NoError(t, err)
	e.awaitStatus(t, buyer.pub, crossing.ID, order.StatusFilled)

	// The maker set the price.
	require.Eventually(t, func() bool { return e.sink.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	tr := e.sink.last()
	require.Equal(t, int64(500_000), tr.Price)
	require.Equal(t, 1_000*unit, tr.Amount)
	require.Equal(t, sell.ID, tr.MakerOrder)

	require.Equal(t, order.StatusPartiallyFilled, e.orch.OrderStatus(seller.pub, sell.ID).Kind)

	st, ok := e.orch.MarketStatus(testPair(t))
	require.True(t, ok)
	require.NotNil(t, st.BestAsk)
	require.Equal(t, int64(500_000), *st.BestAsk)
	require.NotNil(t, st.BestBid)
	require.Equal(t, int64(300_000), *st.BestBid)
	require.NotNil(t, st.LastTrade)
	require.Equal(t, int64(500_000), st.LastTrade.Price)

	// Reservation check: the resting buy still locks its price-asset
	// value, the filled order locks nothing.
	require.Equal(t, int64(2_000*300_000), e.ledger.Reserved(buyer.pub, testPair(t).Price))
}

func TestCancelLifecycle(t *testing.T) {
	e := newEngine(t, t.TempDir(), t.TempDir(), Config{})
	defer e.orch.Stop(context.Background())
	tr := newTrader(t)
	ctx := context.Background()

	o := tr.order(t, order.Buy, 1_000*unit, 400_000)
	_, err := e.orch.PlaceOrder(ctx, o)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o.ID, order.StatusAccepted)

	_, err = e.orch.CancelOrder(ctx, o.Pair, o.ID, tr.pub)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o.ID, order.StatusCancelled)
	require.Zero(t, e.ledger.Reserved(tr.pub, o.Pair.Price))

	// Cancelling a terminal order is refused and changes nothing.
	_, err = e.orch.CancelOrder(ctx, o.Pair, o.ID, tr.pub)
	require.Equal(t, materr.CodeOrderTerminal, materr.CodeOf(err))
	require.Equal(t, order.StatusCancelled, e.orch.OrderStatus(tr.pub, o.ID).Kind)

	// Cancelling an unknown order reports NotFound.
	var ghost order.ID
	ghost[0] = 0xAA
	_, err = e.orch.CancelOrder(ctx, o.Pair, ghost, tr.pub)
	require.Equal(t, materr.CodeOrderNotFound, materr.CodeOf(err))
}

func TestDuplicateOrderRefused(t *testing.T) {
	e := newEngine(t, t.TempDir(), t.TempDir(), Config{})
	defer e.orch.Stop(context.Background())
	tr := newTrader(t)
	ctx := context.Background()

	o := tr.order(t, order.Buy, 1_000*unit, 400_000)
	_, err := e.orch.PlaceOrder(ctx, o)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o.ID, order.StatusAccepted)

	_, err = e.orch.PlaceOrder(ctx, o)
	require.Equal(t, materr.CodeOrderDuplicate, materr.CodeOf(err))
}

func TestAutoCancelOnBalanceShortfall(t *testing.T) {
	e := newEngine(t, t.TempDir(), t.TempDir(), Config{})
	defer e.orch.Stop(context.Background())
	tr := newTrader(t)
	ctx := context.Background()

	o := tr.order(t, order.Buy, 1_000*unit, 400_000)
	_, err := e.orch.PlaceOrder(ctx, o)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o.ID, order.StatusAccepted)

	// External balance drop below the reservation: the ledger enqueues
	// a cancel through the log and the order dies the ordered way.
	e.ledger.BalanceChanged(tr.pub, o.Pair.Price, 0)
	e.awaitStatus(t, tr.pub, o.ID, order.StatusCancelled)
}

func TestDeleteOrderBook(t *testing.T) {
	e := newEngine(t, t.TempDir(), t.TempDir(), Config{})
	defer e.orch.Stop(context.Background())
	tr := newTrader(t)
	ctx := context.Background()

	o := tr.order(t, order.Buy, 1_000*unit, 400_000)
	_, err := e.orch.PlaceOrder(ctx, o)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o.ID, order.StatusAccepted)

	_, err = e.orch.DeleteOrderBook(ctx, o.Pair, tr.pub)
	require.Equal(t, materr.CodeCancelNotAllowed, materr.CodeOf(err), "non-admin cannot delete books")

	_, err = e.orch.DeleteOrderBook(ctx, o.Pair, adminKey)
	require.NoError(t, err)

	// Resting orders are auto-cancelled before the book goes away.
	e.awaitStatus(t, tr.pub, o.ID, order.StatusCancelled)
	require.Eventually(t, func() bool {
		_, ok := e.orch.MarketStatus(o.Pair)
		return !ok
	}, 5*time.Second, 5*time.Millisecond, "deleted book must disappear")
}

// Crash recovery from an empty snapshot: the log alone rebuilds the
// book. Place O1 and O2, cancel O1, crash, replay: only O2 survives.
func TestReplayAfterCrash(t *testing.T) {
	logDir := t.TempDir()
	e := newEngine(t, logDir, t.TempDir(), Config{})
	tr := newTrader(t)
	ctx := context.Background()

	o1 := tr.order(t, order.Buy, 1_000*unit, 400_000)
	o2 := tr.order(t, order.Buy, 2_000*unit, 300_000)
	_, err := e.orch.PlaceOrder(ctx, o1)
	require.NoError(t, err)
	_, err = e.orch.PlaceOrder(ctx, o2)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o2.ID, order.StatusAccepted)
	_, err = e.orch.CancelOrder(ctx, o1.Pair, o1.ID, tr.pub)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o1.ID, order.StatusCancelled)

	// Stop releases the log's pebble lock; the final snapshots it writes
	// land in a store the restart never reads.
	require.NoError(t, e.orch.Stop(ctx))

	// Fresh snapshot store simulates restarting from an empty snapshot.
	e2 := newEngine(t, logDir, t.TempDir(), Config{})
	defer e2.orch.Stop(ctx)

	require.Equal(t, order.StatusAccepted, e2.orch.OrderStatus(tr.pub, o2.ID).Kind)
	require.Equal(t, order.StatusCancelled, e2.orch.OrderStatus(tr.pub, o1.ID).Kind)

	st, ok := e2.orch.MarketStatus(testPair(t))
	require.True(t, ok)
	require.NotNil(t, st.BestBid)
	require.Equal(t, int64(300_000), *st.BestBid, "only the uncancelled order rests")
}

// Replay determinism: two engines fed the same log prefix end up with
// byte-identical books.
func TestReplayDeterminism(t *testing.T) {
	logDir := t.TempDir()
	e := newEngine(t, logDir, t.TempDir(), Config{})
	seller, buyer := newTrader(t), newTrader(t)
	ctx := context.Background()

	var last order.ID
	for i := int64(0); i < 4; i++ {
		s := seller.order(t, order.Sell, 500*unit, 500_000+i*1_000)
		_, err := e.orch.PlaceOrder(ctx, s)
		require.NoError(t, err)
		b := buyer.order(t, order.Buy, 300*unit, 500_000)
		_, err = e.orch.PlaceOrder(ctx, b)
		require.NoError(t, err)
		last = b.ID
	}
	e.awaitStatus(t, buyer.pub, last, order.StatusAccepted)
	require.NoError(t, e.orch.Stop(ctx))

	run := func() []byte {
		eng := newEngine(t, logDir, t.TempDir(), Config{})
		defer eng.orch.Stop(ctx)
		eng.orch.mu.RLock()
		w := eng.orch.workers[testPair(t).Key()]
		eng.orch.mu.RUnlock()
		w.mu.Lock()
		defer w.mu.Unlock()
		return snapshot.Encode(w.book.Snapshot(0))
	}
	require.Equal(t, run(), run(), "same log prefix, same book bytes")
}

// A snapshot plus the log tail restores books, reservations and
// statuses.
func TestRestoreFromSnapshot(t *testing.T) {
	logDir, snapDir := t.TempDir(), t.TempDir()
	// Snapshot after every event.
	e := newEngine(t, logDir, snapDir, Config{SnapshotsInterval: 1})
	tr := newTrader(t)
	ctx := context.Background()

	o := tr.order(t, order.Buy, 1_000*unit, 400_000)
	_, err := e.orch.PlaceOrder(ctx, o)
	require.NoError(t, err)
	e.awaitStatus(t, tr.pub, o.ID, order.StatusAccepted)
	require.NoError(t, e.orch.Stop(ctx))
	// Stop closes the log only; the store belongs to the caller.
	require.NoError(t, e.store.Close())

	e2 := newEngine(t, logDir, snapDir, Config{SnapshotsInterval: 1})
	defer e2.orch.Stop(ctx)

	require.Equal(t, order.StatusAccepted, e2.orch.OrderStatus(tr.pub, o.ID).Kind)
	require.Equal(t, int64(1_000*400_000), e2.ledger.Reserved(tr.pub, o.Pair.Price),
		"reservations are rebuilt from the restored book")

	// The restored order is still cancellable.
	_, err = e2.orch.CancelOrder(ctx, o.Pair, o.ID, tr.pub)
	require.NoError(t, err)
	e2.awaitStatus(t, tr.pub, o.ID, order.StatusCancelled)
}
