package matcher

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"matcherd/domain/asset"
	"matcherd/domain/order"
	"matcherd/domain/orderbook"
	"matcherd/domain/rules"
	"matcherd/eventlog"
	"matcherd/ledger"
	"matcherd/snapshot"
)

// TradeSink receives settlement instructions. Each trade is emitted
// once per successful application, keyed (taker, maker, offset); the
// downstream collaborator deduplicates on that key.
type TradeSink interface {
	Publish(pair asset.Pair, t orderbook.Trade, offset int64) error
}

type workerMsg struct {
	ev  eventlog.Event
	ack chan int64
}

type pingMsg struct {
	done chan struct{}
}

// Worker owns exactly one pair's book and is its only mutator. Events
// arrive on a channel in log order and are applied synchronously; the
// book is never held across a suspension point.
type Worker struct {
	pair   asset.Pair
	rules  rules.Set
	store  *snapshot.Store
	sink   TradeSink
	ledger *ledger.Ledger
	admin  order.PublicKey
	logger *zap.Logger

	snapshotEvery    int
	snapshotInterval time.Duration

	mu   sync.Mutex // guards book for cross-goroutine market reads
	book *orderbook.Book

	events chan workerMsg
	pings  chan pingMsg
	quit   chan struct{}
	done   chan struct{}

	lastApplied   atomic.Int64
	sinceSnapshot int
	lastSnapshot  time.Time
	deleted       bool
}

func newWorker(
	pair asset.Pair,
	restored *orderbook.Snapshot,
	ruleSet rules.Set,
	store *snapshot.Store,
	sink TradeSink,
	ldgr *ledger.Ledger,
	admin order.PublicKey,
	snapshotEvery int,
	snapshotInterval time.Duration,
	logger *zap.Logger,
) *Worker {
	w := &Worker{
		pair:             pair,
		rules:            ruleSet,
		store:            store,
		sink:             sink,
		ledger:           ldgr,
		admin:            admin,
		logger:           logger.Named("worker").With(zap.String("pair", pair.String())),
		snapshotEvery:    snapshotEvery,
		snapshotInterval: snapshotInterval,
		events:           make(chan workerMsg, 16),
		pings:            make(chan pingMsg, 4),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
		lastSnapshot:     time.Now(),
	}
	if restored != nil {
		w.book = orderbook.Restore(restored)
		w.lastApplied.Store(restored.Offset)
		// Address state is a projection of the log; the part behind the
		// snapshot is rebuilt from the book itself.
		for _, side := range [][]orderbook.LevelData{restored.Bids, restored.Asks} {
			for _, lvl := range side {
				for _, e := range lvl.Entries {
					ldgr.RestoreEntry(pair, e, restored.Offset)
				}
			}
		}
	} else {
		w.book = orderbook.New(pair)
		w.lastApplied.Store(-1)
	}
	return w
}

func (w *Worker) start() { go w.run() }

// LastApplied is the offset of the last event this worker has applied.
func (w *Worker) LastApplied() int64 { return w.lastApplied.Load() }

func (w *Worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			w.persistSnapshot()
			return
		case msg := <-w.events:
			w.apply(msg.ev)
			msg.ack <- w.lastApplied.Load()
			if w.deleted {
				w.drainAndExit()
				return
			}
		case p := <-w.pings:
			// The router pings only after its batch acks came back, so
			// an empty queue means everything routed so far is applied.
			if len(w.events) == 0 {
				close(p.done)
			} else {
				p.done <- struct{}{}
				close(p.done)
			}
		case <-ticker.C:
			if w.sinceSnapshot > 0 && time.Since(w.lastSnapshot) >= w.snapshotInterval {
				w.persistSnapshot()
			}
		}
	}
}

func (w *Worker) drainAndExit() {
	for {
		select {
		case msg := <-w.events:
			// Book is gone; acknowledge so the router can move on.
			w.logger.Warn("event after book deletion skipped",
				zap.Int64("offset", msg.ev.Offset))
			msg.ack <- w.lastApplied.Load()
		default:
			return
		}
	}
}

// process hands one event to the worker and waits for the ack.
func (w *Worker) process(ev eventlog.Event, timeout time.Duration) (int64, bool) {
	msg := workerMsg{ev: ev, ack: make(chan int64, 1)}
	select {
	case w.events <- msg:
	case <-time.After(timeout):
		return 0, false
	}
	select {
	case offset := <-msg.ack:
		return offset, true
	case <-time.After(timeout):
		return 0, false
	}
}

// ping asks the worker to confirm it is live and has drained its event
// queue.
func (w *Worker) ping(timeout time.Duration) bool {
	p := pingMsg{done: make(chan struct{}, 1)}
	select {
	case w.pings <- p:
	case <-time.After(timeout):
		return false
	}
	select {
	case _, lagging := <-p.done:
		return !lagging
	case <-time.After(timeout):
		return false
	}
}

func (w *Worker) stop() {
	close(w.quit)
	<-w.done
}

// apply mutates the book for one event. Application errors are logged
// and the worker moves on: the event is already committed to the log
// and re-application would produce the same outcome.
func (w *Worker) apply(ev eventlog.Event) {
	if ev.Offset <= w.lastApplied.Load() {
		return // replay overlap, already applied
	}
	w.mu.Lock()
	switch ev.Type {
	case eventlog.TypePlaced:
		w.applyPlaced(ev)
	case eventlog.TypeCanceled:
		w.applyCanceled(ev)
	case eventlog.TypeBookDeleted:
		w.applyBookDeleted(ev)
	default:
		w.logger.Error("unknown event type", zap.Uint8("type", uint8(ev.Type)))
	}
	w.mu.Unlock()

	w.lastApplied.Store(ev.Offset)
	w.sinceSnapshot++
	if w.snapshotEvery > 0 && w.sinceSnapshot >= w.snapshotEvery && !w.deleted {
		w.persistSnapshot()
	}
}

func (w *Worker) applyPlaced(ev eventlog.Event) {
	o := ev.Order
	tick := w.rules.TickAt(w.pair, ev.Offset)
	price := rules.RoundPrice(o.Side, o.Price, tick)
	if price <= 0 {
		w.logger.Warn("order price quantizes to nothing, dropped",
			zap.String("order", o.ID.String()),
			zap.Int64("price", o.Price), zap.Int64("tick", tick))
		return
	}
	if _, exists := w.book.Entry(o.ID); exists {
		w.logger.Warn("duplicate order id in log, dropped", zap.String("order", o.ID.String()))
		return
	}

	entry := orderbook.NewEntry(o, price)
	trades := w.book.Insert(entry, ev.Timestamp)

	w.ledger.OrderAdded(o, ev.Offset)
	for _, t := range trades {
		w.ledger.OrderExecuted(t.Taker, t.TakerOrder, t, ev.Offset)
		w.ledger.OrderExecuted(t.Maker, t.MakerOrder, t, ev.Offset)
		if err := w.sink.Publish(w.pair, t, ev.Offset); err != nil {
			w.logger.Error("trade publish failed", zap.Error(err),
				zap.Int64("offset", ev.Offset))
		}
	}
}

func (w *Worker) applyCanceled(ev eventlog.Event) {
	entry, ok := w.book.Entry(ev.OrderID)
	if !ok {
		w.logger.Debug("cancel for unknown order", zap.String("order", ev.OrderID.String()))
		return
	}
	if ev.Requestor != entry.Owner && !w.isAdmin(ev.Requestor) {
		w.logger.Warn("cancel by non-owner refused", zap.String("order", ev.OrderID.String()))
		return
	}
	w.book.Remove(ev.OrderID)
	w.ledger.OrderCanceled(entry.Owner, entry.OrderID, ev.Offset)
}

func (w *Worker) applyBookDeleted(ev eventlog.Event) {
	for _, entry := range w.book.RemoveAll() {
		w.ledger.OrderCanceled(entry.Owner, entry.OrderID, ev.Offset)
	}
	if err := w.store.Delete(w.pair); err != nil {
		w.logger.Error("snapshot delete failed", zap.Error(err))
	}
	w.deleted = true
	w.logger.Info("order book deleted", zap.Int64("offset", ev.Offset))
}

func (w *Worker) isAdmin(pk order.PublicKey) bool {
	return w.admin != (order.PublicKey{}) && pk == w.admin
}

// persistSnapshot writes the book at its lastApplied offset. The offset
// rides inside the snapshot, so the pair's book and its replay cursor
// move atomically.
func (w *Worker) persistSnapshot() {
	if w.deleted {
		return
	}
	w.mu.Lock()
	snap := w.book.Snapshot(w.lastApplied.Load())
	w.mu.Unlock()
	if err := w.store.Put(snap); err != nil {
		w.logger.Error("snapshot persist failed", zap.Error(err))
		return
	}
	w.sinceSnapshot = 0
	w.lastSnapshot = time.Now()
	w.logger.Debug("snapshot persisted", zap.Int64("offset", snap.Offset))
}

// Status returns the pair's market view.
func (w *Worker) Status() orderbook.MarketStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.book.Status()
}

// WouldSelfTrade reports whether the order would execute against one of
// its own account's resting orders.
func (w *Worker) WouldSelfTrade(o *order.Order) bool {
	tick := w.rules.TickAt(w.pair, w.lastApplied.Load())
	price := rules.RoundPrice(o.Side, o.Price, tick)

	w.mu.Lock()
	defer w.mu.Unlock()
	self := false
	w.book.ScanCrossing(o.Side, price, func(e *orderbook.Entry) bool {
		if e.Owner == o.Sender {
			self = true
			return false
		}
		return true
	})
	return self
}
