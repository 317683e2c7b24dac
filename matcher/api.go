package matcher

import (
	"context"

	"go.uber.org/zap"

	"matcherd/domain/asset"
	"matcherd/domain/materr"
	"matcherd/domain/order"
	"matcherd/domain/orderbook"
	"matcherd/eventlog"
	"matcherd/ledger"
)

// checkAccepting refuses requests outside the Working window.
func (o *Orchestrator) checkAccepting() error {
	switch o.gate.get() {
	case StatusStarting:
		return materr.Validation(materr.CodeServiceStarting, "matcher is starting, try again later")
	case StatusStopping:
		return materr.Validation(materr.CodeServiceStopping, "matcher is stopping")
	default:
		return nil
	}
}

// PlaceOrder validates an order and, if admitted, appends it to the
// log. The order takes effect once its event is consumed and applied by
// the pair's worker.
func (o *Orchestrator) PlaceOrder(ctx context.Context, ord *order.Order) (eventlog.Appended, error) {
	if err := o.checkAccepting(); err != nil {
		return eventlog.Appended{}, err
	}
	if st := o.ledger.Status(ord.Sender, ord.ID); st.Kind != order.StatusNotFound {
		return eventlog.Appended{}, materr.Conflict(materr.CodeOrderDuplicate,
			"order %s was already submitted", ord.ID)
	}
	if err := o.val.Validate(ord); err != nil {
		return eventlog.Appended{}, err
	}
	// Async lookups are bounded a notch under the actor response
	// timeout so the caller still gets a structured error, not a raced
	// deadline.
	checkCtx, cancel := context.WithTimeout(ctx,
		o.cfg.ActorResponseTimeout-o.cfg.ActorResponseTimeout/10)
	defer cancel()
	if err := o.val.ValidateAsync(checkCtx, ord); err != nil {
		return eventlog.Appended{}, err
	}

	appended, err := o.log.Append(ctx, eventlog.Placed(ord))
	if err != nil {
		return eventlog.Appended{}, err
	}
	o.metrics.EventsAppended.Inc()
	return appended, nil
}

// CancelOrder enqueues a cancellation. It is idempotent: cancelling a
// terminal order reports a conflict and changes nothing.
func (o *Orchestrator) CancelOrder(ctx context.Context, pair asset.Pair, id order.ID, requestor order.PublicKey) (eventlog.Appended, error) {
	admin := requestor == o.admin && requestor != (order.PublicKey{})
	if admin {
		if !o.cfg.AdminCancelAlways && o.gate.get() != StatusStopping {
			return eventlog.Appended{}, materr.Validation(materr.CodeCancelNotAllowed,
				"admin cancellation is only allowed while stopping")
		}
	} else if err := o.checkAccepting(); err != nil {
		return eventlog.Appended{}, err
	}

	if !admin {
		switch st := o.ledger.Status(requestor, id); {
		case st.Kind == order.StatusNotFound:
			return eventlog.Appended{}, materr.Validation(materr.CodeOrderNotFound,
				"order %s was not found for this account", id)
		case st.Kind.Terminal():
			return eventlog.Appended{}, materr.Conflict(materr.CodeOrderTerminal,
				"order %s is already %s", id, st.Kind)
		}
	}

	appended, err := o.log.Append(ctx, eventlog.Canceled(pair, id, requestor))
	if err != nil {
		return eventlog.Appended{}, err
	}
	o.metrics.EventsAppended.Inc()
	return appended, nil
}

// DeleteOrderBook removes a pair's book. Resting orders are
// auto-cancelled by the worker before the book goes away. Admin only.
func (o *Orchestrator) DeleteOrderBook(ctx context.Context, pair asset.Pair, requestor order.PublicKey) (eventlog.Appended, error) {
	if requestor != o.admin || requestor == (order.PublicKey{}) {
		return eventlog.Appended{}, materr.Validation(materr.CodeCancelNotAllowed,
			"order book deletion requires the admin key")
	}
	appended, err := o.log.Append(ctx, eventlog.BookDeleted(pair))
	if err != nil {
		return eventlog.Appended{}, err
	}
	o.metrics.EventsAppended.Inc()
	return appended, nil
}

// EnqueueAutoCancel is the ledger's path for balance-shortfall
// cancellations; it feeds the normal ordered pipeline.
func (o *Orchestrator) EnqueueAutoCancel(req ledger.CancelRequest) {
	if _, err := o.log.Append(context.Background(), eventlog.Canceled(req.Pair, req.OrderID, req.Owner)); err != nil {
		o.logger.Error("auto-cancel enqueue failed",
			zap.String("order", req.OrderID.String()), zap.Error(err))
		return
	}
	o.metrics.EventsAppended.Inc()
}

// OrderStatus reports the lifecycle state of an order for its owner.
func (o *Orchestrator) OrderStatus(owner order.PublicKey, id order.ID) order.Status {
	return o.ledger.Status(owner, id)
}

// MarketStatus implements validator.MarketView.
func (o *Orchestrator) MarketStatus(pair asset.Pair) (orderbook.MarketStatus, bool) {
	o.mu.RLock()
	w, ok := o.workers[pair.Key()]
	o.mu.RUnlock()
	if !ok {
		return orderbook.MarketStatus{}, false
	}
	return w.Status(), true
}

// ActiveTick implements validator.MarketView: the tick a new order will
// be quantized with, resolved at the current consume position.
func (o *Orchestrator) ActiveTick(pair asset.Pair) int64 {
	return o.rules.TickAt(pair, o.lastProcessed.Load()+1)
}

// WouldSelfTrade implements validator.MarketView.
func (o *Orchestrator) WouldSelfTrade(ord *order.Order) bool {
	o.mu.RLock()
	w, ok := o.workers[ord.Pair.Key()]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	return w.WouldSelfTrade(ord)
}
