package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/tathienbao/stgeng/internal/alerting"
	"github.com/tathienbao/stgeng/internal/order"
	"github.com/tathienbao/stgeng/internal/position"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

// dispatch runs on the worker goroutine. Every handler callback happens here, one at a time.
func (e *Engine) dispatch(ev event) {
	start := time.Now()
	ctx := e.runCtx

	switch ev.kind {
	case EventStgStart:
		e.invoke(ctx, EventStgStart, types.StgInstInfo{StgID: e.cfg.StgID}, delivery{}, ev.ts)

	case EventStgInstStart, EventStgInstAdd:
		if info, ok := e.lookupOrDrop(ev.kind, ev.inst); ok {
			e.invoke(ctx, ev.kind, info, delivery{}, ev.ts)
		}

	case EventStgInstChg:
		e.mu.Lock()
		in, ok := e.insts[ev.inst]
		if ok {
			in.info = ev.info
		}
		e.mu.Unlock()
		if !ok {
			e.dropUnknown(EventStgInstChg, ev.inst)
			break
		}
		e.invoke(ctx, EventStgInstChg, ev.info, delivery{}, ev.ts)

	case EventStgInstDel:
		e.removeInstance(ctx, ev)

	case EventManualIntervention:
		if info, ok := e.lookupOrDrop(EventManualIntervention, ev.inst); ok {
			e.invoke(ctx, EventManualIntervention, info, delivery{manual: ev.manual}, ev.ts)
		}

	case eventTimerBatch:
		e.handleTimers(ctx, ev)

	case eventVenueReport:
		e.handleReport(ctx, ev)

	case EventTrades, EventOrders, EventBooks, EventTickers, EventCandle:
		e.updateMarks(ev.md)
		e.handleMD(ctx, ev)

	case EventPushTopic:
		e.deliverTopic(ctx, EventPushTopic, ev.topic, delivery{topic: ev.topic, push: ev.push}, ev.ts)

	case eventPos:
		e.handlePos(ctx, ev)

	case eventAssets:
		kind := EventAssetsUpdate
		if ev.snapshot {
			kind = EventAssetsSnapshot
		}
		e.deliverTopic(ctx, kind, ev.topic, delivery{topic: ev.topic, assets: ev.assets}, ev.ts)

	default:
		e.logger.Warn("unknown event dropped", "event", ev.kind)
		e.recorder.RecordDrop(ev.kind.String(), "unknown")
	}

	e.recorder.RecordDispatch(ev.kind.String(), time.Since(start))
	e.recorder.RecordQueueDepth(e.q.Len())
}

func (e *Engine) removeInstance(ctx context.Context, ev event) {
	info, ok := e.lookupOrDrop(EventStgInstDel, ev.inst)
	if !ok {
		return
	}
	e.invoke(ctx, EventStgInstDel, info, delivery{}, ev.ts)

	subs := e.router.RemoveInstance(ev.inst)
	timers := e.sched.RemoveInstance(ev.inst)

	e.mu.Lock()
	delete(e.insts, ev.inst)
	n := len(e.insts)
	e.mu.Unlock()

	e.logger.Info("strategy instance removed",
		"stg_inst_id", ev.inst,
		"subscriptions", subs,
		"timers", timers,
	)
	e.recorder.RecordInstances(n)
	e.recorder.RecordSubscriptions(e.router.Count())
}

func (e *Engine) handleTimers(ctx context.Context, ev event) {
	for _, f := range ev.fired {
		info, ok := e.lookup(f.Key.StgInstID)
		if !ok {
			e.logger.Debug("timer of removed instance dropped", "stg_inst_id", f.Key.StgInstID, "timer", f.Key.Name)
			continue
		}
		e.invoke(ctx, EventStgInstTimer, info, delivery{timerName: f.Key.Name, execCount: f.ExecCount}, f.FiredAt)
	}
	e.recorder.RecordTimersFired(len(ev.fired))
}

func (e *Engine) handleReport(ctx context.Context, ev event) {
	r := ev.report
	o, changed, err := e.orders.Apply(r)
	if err != nil {
		e.logger.Warn("venue report dropped", "order_id", r.OrderID, "kind", r.Kind, "status", r.Status, "err", err)
		e.recorder.RecordDrop(eventVenueReport.String(), "invalid_report")
		return
	}
	if !changed {
		return
	}
	e.markDirty(o.OrderID)
	e.recorder.RecordOrder(o.MarketCode.String(), o.Side.String(), o.Status.String())

	kind := EventOrderRet
	if r.Kind == order.ReportCancelRet {
		kind = EventCancelOrderRet
	}

	if kind == EventOrderRet {
		e.trackRejects(o)
	}

	if info, ok := e.lookupOrDrop(kind, o.StgInstID); ok {
		e.invoke(ctx, kind, info, delivery{order: o}, ev.ts)
	}

	if kind == EventOrderRet && o.LastFilledSize.IsPositive() {
		e.applyFill(ctx, o, ev.ts)
	}
	e.recorder.RecordOpenOrders(e.orders.OpenCount())
}

// lookupOrDrop resolves an instance-addressed event. Events for an unknown instance are dropped.
func (e *Engine) lookupOrDrop(kind EventKind, inst types.StgInstID) (types.StgInstInfo, bool) {
	info, ok := e.lookup(inst)
	if !ok {
		e.dropUnknown(kind, inst)
	}
	return info, ok
}

func (e *Engine) dropUnknown(kind EventKind, inst types.StgInstID) {
	e.logger.Debug("event for unknown instance dropped", "stg_inst_id", inst, "event", kind.String())
	e.recorder.RecordDrop(kind.String(), "unknown_instance")
}

func (e *Engine) trackRejects(o types.OrderInfo) {
	if o.Status != types.OrderStatusRejected {
		e.risk.RecordAccept(o.AcctID)
		return
	}
	e.recorder.RecordOrderRejected("venue")
	e.alert(alerting.EventOrderRejected, "Order rejected by venue",
		"order_id", o.OrderID,
		"stg_inst_id", o.StgInstID,
		"symbol", o.SymbolCode,
		"reason", o.StatusMsg,
	)
	if e.risk.RecordReject(o.AcctID, o.StatusMsg) {
		e.onSafeModeEntered(fmt.Sprintf("consecutive rejects on account %d", o.AcctID))
	}
}

// applyFill folds a fill into every position scope and notifies the subscribers of each scope topic.
func (e *Engine) applyFill(ctx context.Context, o types.OrderInfo, ts time.Time) {
	sym, _ := e.symbols.Lookup(o.MarketCode, o.SymbolCode)
	if _, ok := e.positions.ApplyFill(o, sym); !ok {
		return
	}
	for _, scope := range position.ScopesOf(o) {
		snap, ok := e.positions.Snapshot(scope)
		if !ok {
			continue
		}
		t := posTopic(scope)
		e.deliverTopic(ctx, posEventKind(scope.Scope, false), t, delivery{topic: t, snap: snap}, ts)
	}
}

func (e *Engine) handleMD(ctx context.Context, ev event) {
	e.deliverTopic(ctx, ev.kind, ev.topic, delivery{topic: ev.topic, md: ev.md}, ev.ts)
}

func (e *Engine) updateMarks(md any) {
	book := e.positions.Book()
	switch v := md.(type) {
	case types.Tickers:
		if v.LastPrice.IsPositive() {
			book.UpdatePrice(v.MarketCode, v.SymbolCode, v.LastPrice)
		}
	case types.Trades:
		if v.Price.IsPositive() {
			book.UpdatePrice(v.MarketCode, v.SymbolCode, v.Price)
		}
	case types.Candle:
		if v.Close.IsPositive() {
			book.UpdatePrice(v.MarketCode, v.SymbolCode, v.Close)
		}
	}
}

func (e *Engine) handlePos(ctx context.Context, ev event) {
	scope, ok := topic.ParsePosTopic(ev.topic)
	if !ok {
		e.recorder.RecordDrop(eventPos.String(), "invalid_topic")
		return
	}
	snap, err := e.positions.ApplyUpdate(scope, ev.legs, ev.snapshot)
	if err != nil {
		e.logger.Warn("position update dropped", "topic", ev.topic, "err", err)
		e.recorder.RecordDrop(eventPos.String(), "invalid_legs")
		return
	}
	e.deliverTopic(ctx, posEventKind(scope.Scope, ev.snapshot), ev.topic, delivery{topic: ev.topic, snap: snap}, ev.ts)
}

// deliverTopic resolves subscribers when the event is dispatched, so a subscription made by an earlier
// callback already receives it. A handler without the typed method for kind gets the payload as JSON
// through OnPushTopic. Each subscriber receives its own copy of the payload.
func (e *Engine) deliverTopic(ctx context.Context, kind EventKind, t string, d delivery, ts time.Time) {
	if _, ok := e.table[kind]; !ok {
		if _, ok := e.table[EventPushTopic]; !ok || kind == EventPushTopic {
			return
		}
		data, err := pushPayload(kind, d)
		if err != nil {
			e.logger.Warn("encode push payload failed", "topic", t, "event", kind.String(), "err", err)
			e.recorder.RecordDrop(kind.String(), "encode")
			return
		}
		kind, d.push = EventPushTopic, data
	}
	for _, id := range e.router.Subscribers(t) {
		info, ok := e.lookup(id)
		if !ok {
			continue
		}
		e.invoke(ctx, kind, info, d.clone(), ts)
	}
}

// pushPayload encodes a typed topic payload for OnPushTopic.
func pushPayload(kind EventKind, d delivery) ([]byte, error) {
	switch {
	case d.snap != nil:
		return json.Marshal(d.snap.Legs())
	case kind == EventAssetsUpdate || kind == EventAssetsSnapshot:
		if d.assets == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(d.assets)
	default:
		return json.Marshal(d.md)
	}
}

// panicError carries a recovered panic out of a callback.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// invoke calls the handler method for kind. A returned error or a panic is contained here and the
// stream continues with the next event.
func (e *Engine) invoke(ctx context.Context, kind EventKind, info types.StgInstInfo, d delivery, ts time.Time) {
	cb, ok := e.table[kind]
	if !ok {
		return
	}
	if err := e.call(ctx, cb, info, d); err != nil {
		e.handlerFault(kind, info.StgInstID, ts, err)
	}
}

func (e *Engine) call(ctx context.Context, cb callback, info types.StgInstInfo, d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return cb(ctx, info, d)
}

func (e *Engine) handlerFault(kind EventKind, inst types.StgInstID, ts time.Time, err error) {
	attrs := []any{
		"stg_inst_id", inst,
		"event", kind.String(),
		"ts", ts,
		"err", err,
	}
	pe, panicked := err.(*panicError)
	if panicked {
		attrs = append(attrs, "panic", fmt.Sprint(pe.value), "stack", string(pe.stack))
	}
	e.logger.Error("handler fault", attrs...)
	e.recorder.RecordHandlerFault(kind.String(), panicked)
	e.alert(alerting.EventHandlerFault, "Strategy handler fault",
		"stg_inst_id", inst,
		"event", kind.String(),
		"err", err.Error(),
	)
}

func posTopic(s topic.PosScope) string {
	switch s.Scope {
	case topic.ScopeAcct:
		return topic.PosOfAcct(s.AcctID)
	case topic.ScopeStg:
		return topic.PosOfStg(s.StgID)
	default:
		return topic.PosOfStgInst(s.StgID, s.StgInstID)
	}
}
