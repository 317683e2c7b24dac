// Package matcher contains the per-pair order book workers and the
// orchestrator that owns them: it restores books from snapshots plus
// the log tail, routes every consumed event to the right worker, and
// gates service readiness.
package matcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

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

// Config carries the orchestrator's tunables.
type Config struct {
	SnapshotsInterval            int           // events between snapshots
	SnapshotsTimeInterval        time.Duration // wall-clock snapshot fallback
	SnapshotsLoadingTimeout      time.Duration
	StartEventsProcessingTimeout time.Duration
	ProcessConsumedTimeout       time.Duration
	GracefulStopTimeout          time.Duration
	ActorResponseTimeout         time.Duration

	// StartupPairs are booted eagerly next to the pairs found in the
	// snapshot store.
	StartupPairs []asset.Pair

	// AdminCancelAlways allows the admin key to cancel any order at any
	// status; when false the admin may only cancel while Stopping.
	AdminCancelAlways bool
}

func (c *Config) defaults() {
	if c.SnapshotsInterval == 0 {
		c.SnapshotsInterval = 1000
	}
	if c.SnapshotsTimeInterval == 0 {
		c.SnapshotsTimeInterval = 5 * time.Minute
	}
	if c.SnapshotsLoadingTimeout == 0 {
		c.SnapshotsLoadingTimeout = 5 * time.Minute
	}
	if c.StartEventsProcessingTimeout == 0 {
		c.StartEventsProcessingTimeout = 5 * time.Minute
	}
	if c.ProcessConsumedTimeout == 0 {
		c.ProcessConsumedTimeout = 5 * time.Second
	}
	if c.GracefulStopTimeout == 0 {
		c.GracefulStopTimeout = 5 * time.Minute
	}
	if c.ActorResponseTimeout == 0 {
		c.ActorResponseTimeout = 10 * time.Second
	}
}

// Orchestrator is the single-threaded router in front of the workers.
// It owns the pair-to-worker map; the map is never exposed.
type Orchestrator struct {
	cfg     Config
	log     eventlog.Log
	store   *snapshot.Store
	rules   rules.Set
	ledger  *ledger.Ledger
	sink    TradeSink
	admin   order.PublicKey
	val     *validator.Validator
	logger  *zap.Logger
	metrics *metrics.Engine

	gate *statusGate

	mu      sync.RWMutex
	workers map[string]*Worker

	lastProcessed atomic.Int64 // written by the consume loop

	consumeCancel context.CancelFunc
	consumeDone   chan struct{}
}

func NewOrchestrator(
	cfg Config,
	log eventlog.Log,
	store *snapshot.Store,
	ruleSet rules.Set,
	ldgr *ledger.Ledger,
	sink TradeSink,
	admin order.PublicKey,
	m *metrics.Engine,
	logger *zap.Logger,
) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg:         cfg,
		log:         log,
		store:       store,
		rules:       ruleSet,
		ledger:      ldgr,
		sink:        sink,
		admin:       admin,
		logger:      logger.Named("orchestrator"),
		metrics:     m,
		gate:        newStatusGate(),
		workers:     make(map[string]*Worker),
		consumeDone: make(chan struct{}),
	}
}

// SetValidator wires the admission gate. The validator consumes this
// orchestrator as its market view, so it is attached after
// construction.
func (o *Orchestrator) SetValidator(v *validator.Validator) { o.val = v }

// Status reports the service lifecycle state.
func (o *Orchestrator) Status() ServiceStatus { return o.gate.get() }

// Ready is closed when the engine reaches Working; downstream
// schedulers (address ledger jobs) start then.
func (o *Orchestrator) Ready() <-chan struct{} { return o.gate.Ready() }

// Start restores all known books and catches up with the log before
// declaring the engine Working.
func (o *Orchestrator) Start(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, o.cfg.SnapshotsLoadingTimeout)
	defer cancel()

	pairs, err := o.knownPairs()
	if err != nil {
		return err
	}
	startFrom := int64(0)
	for _, pair := range pairs {
		if loadCtx.Err() != nil {
			return materr.Fatal(loadCtx.Err(), "matcher: snapshot loading deadline exceeded")
		}
		w, err := o.spawnWorker(pair)
		if err != nil {
			return err
		}
		if next := w.LastApplied() + 1; startFrom == 0 || next < startFrom {
			startFrom = next
		}
	}
	o.lastProcessed.Store(startFrom - 1)

	end, err := o.log.EndOffset(ctx)
	if err != nil {
		return materr.Fatal(err, "matcher: end offset")
	}

	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	o.consumeCancel = consumeCancel
	batches, err := o.log.Tail(consumeCtx, startFrom)
	if err != nil {
		consumeCancel()
		return materr.Fatal(err, "matcher: tail log")
	}
	caughtUp := make(chan struct{})
	go o.consumeLoop(batches, end, caughtUp)

	if end >= startFrom {
		select {
		case <-caughtUp:
		case <-time.After(o.cfg.StartEventsProcessingTimeout):
			consumeCancel()
			return materr.Fatal(nil, "matcher: event processing did not catch up to offset %d in time", end)
		case <-ctx.Done():
			consumeCancel()
			return ctx.Err()
		}
	}

	o.gate.advance(StatusWorking)
	o.logger.Info("engine working",
		zap.Int64("fromOffset", startFrom), zap.Int64("endOffset", end))
	return nil
}

func (o *Orchestrator) knownPairs() ([]asset.Pair, error) {
	stored, err := o.store.Pairs()
	if err != nil {
		return nil, materr.Fatal(err, "matcher: list stored pairs")
	}
	seen := make(map[string]bool, len(stored))
	out := make([]asset.Pair, 0, len(stored)+len(o.cfg.StartupPairs))
	for _, p := range stored {
		seen[p.Key()] = true
		out = append(out, p)
	}
	for _, p := range o.cfg.StartupPairs {
		if !seen[p.Key()] {
			seen[p.Key()] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// spawnWorker restores the pair's snapshot (when one exists) and starts
// its worker.
func (o *Orchestrator) spawnWorker(pair asset.Pair) (*Worker, error) {
	snap, ok, err := o.store.Get(pair)
	if err != nil {
		return nil, err
	}
	var restored *orderbook.Snapshot
	if ok {
		restored = snap
	}
	w := newWorker(pair, restored, o.rules, o.store, o.sink, o.ledger, o.admin,
		o.cfg.SnapshotsInterval, o.cfg.SnapshotsTimeInterval, o.logger)
	o.mu.Lock()
	o.workers[pair.Key()] = w
	o.mu.Unlock()
	w.start()
	return w, nil
}

// workerFor routes to the pair's worker, creating one lazily with a
// fresh book the first time a pair is seen.
func (o *Orchestrator) workerFor(pair asset.Pair) (*Worker, error) {
	o.mu.RLock()
	w, ok := o.workers[pair.Key()]
	o.mu.RUnlock()
	if ok {
		return w, nil
	}
	return o.spawnWorker(pair)
}

func (o *Orchestrator) consumeLoop(batches <-chan eventlog.Batch, catchUpTo int64, caughtUp chan struct{}) {
	defer close(o.consumeDone)
	caughtUpClosed := catchUpTo < 0
	if caughtUpClosed {
		close(caughtUp)
	}
	for batch := range batches {
		for _, ev := range batch.Events {
			if ev.Offset <= o.lastProcessed.Load() {
				continue // at-least-once overlap
			}
			o.route(ev)
			o.lastProcessed.Store(ev.Offset)
			o.metrics.EventsApplied.Inc()
			o.metrics.LastProcessedOffset.Set(float64(ev.Offset))
		}
		o.pingAll(batch.Last())
		if !caughtUpClosed && o.lastProcessed.Load() >= catchUpTo {
			caughtUpClosed = true
			close(caughtUp)
		}
	}
}

func (o *Orchestrator) route(ev eventlog.Event) {
	w, err := o.workerFor(ev.Pair)
	if err != nil {
		o.logger.Error("worker spawn failed, event skipped",
			zap.Int64("offset", ev.Offset), zap.Error(err))
		return
	}
	if _, ok := w.process(ev, o.cfg.ProcessConsumedTimeout); !ok {
		o.logger.Error("worker did not acknowledge event in time",
			zap.String("pair", ev.Pair.String()), zap.Int64("offset", ev.Offset))
	}
	if ev.Type == eventlog.TypeBookDeleted {
		o.mu.Lock()
		delete(o.workers, ev.Pair.Key())
		o.mu.Unlock()
	}
}

// pingAll confirms every worker caught up with the batch. A miss is
// logged and processing continues.
func (o *Orchestrator) pingAll(upTo int64) {
	if upTo < 0 {
		return
	}
	timeout := 2 * o.cfg.ProcessConsumedTimeout
	o.mu.RLock()
	workers := make([]*Worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.RUnlock()
	for _, w := range workers {
		if !w.ping(timeout) {
			o.logger.Warn("worker missed ping",
				zap.String("pair", w.pair.String()), zap.Int64("upTo", upTo))
		}
	}
}

// Stop drains the engine: no new appends are accepted, workers finish
// their queues and persist final snapshots, then the log closes.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.gate.advance(StatusStopping)
	if o.consumeCancel != nil {
		o.consumeCancel()
	}
	select {
	case <-o.consumeDone:
	case <-time.After(o.cfg.GracefulStopTimeout):
		o.logger.Error("graceful stop deadline exceeded, abandoning drain")
		return o.log.Close()
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	workers := o.workers
	o.workers = make(map[string]*Worker)
	o.mu.Unlock()

	deadline := time.After(o.cfg.GracefulStopTimeout)
	stopped := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.stop()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-deadline:
		o.logger.Error("workers did not stop in time; restart will replay from the last good snapshots")
	}
	return o.log.Close()
}
