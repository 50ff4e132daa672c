package engine

import (
	"bytes"
	"context"
	"slices"

	"github.com/tathienbao/stgeng/internal/position"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

// HandlerFactory builds the strategy handler. The engine passes itself as the command surface.
// The returned value may implement any subset of the capability interfaces below; missing methods are no-ops.
type HandlerFactory func(cmds Commands) any

// Lifecycle capabilities.
type (
	StgStartHandler interface {
		OnStgStart(ctx context.Context) error
	}
	StgInstStartHandler interface {
		OnStgInstStart(ctx context.Context, inst types.StgInstInfo) error
	}
	StgInstAddHandler interface {
		OnStgInstAdd(ctx context.Context, inst types.StgInstInfo) error
	}
	StgInstDelHandler interface {
		OnStgInstDel(ctx context.Context, inst types.StgInstInfo) error
	}
	StgInstChgHandler interface {
		OnStgInstChg(ctx context.Context, inst types.StgInstInfo) error
	}
	TimerHandler interface {
		OnStgInstTimer(ctx context.Context, inst types.StgInstInfo, name string, execCount uint32) error
	}
	ManualInterventionHandler interface {
		OnStgManualIntervention(ctx context.Context, inst types.StgInstInfo, mi types.ManualIntervention) error
	}
)

// Order capabilities.
type (
	OrderRetHandler interface {
		OnOrderRet(ctx context.Context, inst types.StgInstInfo, o types.OrderInfo) error
	}
	CancelOrderRetHandler interface {
		OnCancelOrderRet(ctx context.Context, inst types.StgInstInfo, o types.OrderInfo) error
	}
)

// Topic capabilities. OnPushTopic also receives typed topics the handler has no typed method for.
type (
	PushTopicHandler interface {
		OnPushTopic(ctx context.Context, inst types.StgInstInfo, topic string, data []byte) error
	}
	TradesHandler interface {
		OnTrades(ctx context.Context, inst types.StgInstInfo, topic string, md types.Trades) error
	}
	OrdersHandler interface {
		OnOrders(ctx context.Context, inst types.StgInstInfo, topic string, md types.Orders) error
	}
	BooksHandler interface {
		OnBooks(ctx context.Context, inst types.StgInstInfo, topic string, md types.Books) error
	}
	TickersHandler interface {
		OnTickers(ctx context.Context, inst types.StgInstInfo, topic string, md types.Tickers) error
	}
	CandleHandler interface {
		OnCandle(ctx context.Context, inst types.StgInstInfo, topic string, md types.Candle) error
	}
)

// Position and asset capabilities.
type (
	PosUpdateOfAcctIDHandler interface {
		OnPosUpdateOfAcctID(ctx context.Context, inst types.StgInstInfo, snap *position.Snapshot) error
	}
	PosUpdateOfStgIDHandler interface {
		OnPosUpdateOfStgID(ctx context.Context, inst types.StgInstInfo, snap *position.Snapshot) error
	}
	PosUpdateOfStgInstIDHandler interface {
		OnPosUpdateOfStgInstID(ctx context.Context, inst types.StgInstInfo, snap *position.Snapshot) error
	}
	PosSnapshotOfAcctIDHandler interface {
		OnPosSnapshotOfAcctID(ctx context.Context, inst types.StgInstInfo, snap *position.Snapshot) error
	}
	PosSnapshotOfStgIDHandler interface {
		OnPosSnapshotOfStgID(ctx context.Context, inst types.StgInstInfo, snap *position.Snapshot) error
	}
	PosSnapshotOfStgInstIDHandler interface {
		OnPosSnapshotOfStgInstID(ctx context.Context, inst types.StgInstInfo, snap *position.Snapshot) error
	}
	AssetsUpdateHandler interface {
		OnAssetsUpdate(ctx context.Context, inst types.StgInstInfo, topic string, assets []types.AssetInfo) error
	}
	AssetsSnapshotHandler interface {
		OnAssetsSnapshot(ctx context.Context, inst types.StgInstInfo, topic string, assets []types.AssetInfo) error
	}
)

// callback delivers one event to one instance.
type callback func(ctx context.Context, inst types.StgInstInfo, d delivery) error

// delivery is the per-instance payload of a dispatched event.
type delivery struct {
	topic     string
	timerName string
	execCount uint32
	order     types.OrderInfo
	manual    types.ManualIntervention
	push      []byte
	md        any
	snap      *position.Snapshot
	assets    []types.AssetInfo
}

// clone copies the payloads a handler could mutate, so every subscriber of a topic sees the original.
func (d delivery) clone() delivery {
	d.push = bytes.Clone(d.push)
	d.assets = slices.Clone(d.assets)
	if b, ok := d.md.(types.Books); ok {
		d.md = b.Clone()
	}
	return d
}

// dispatchTable maps event kinds to the handler methods present on a handler.
type dispatchTable map[EventKind]callback

func buildDispatchTable(h any) dispatchTable {
	t := make(dispatchTable)

	if x, ok := h.(StgStartHandler); ok {
		t[EventStgStart] = func(ctx context.Context, _ types.StgInstInfo, _ delivery) error {
			return x.OnStgStart(ctx)
		}
	}
	if x, ok := h.(StgInstStartHandler); ok {
		t[EventStgInstStart] = func(ctx context.Context, inst types.StgInstInfo, _ delivery) error {
			return x.OnStgInstStart(ctx, inst)
		}
	}
	if x, ok := h.(StgInstAddHandler); ok {
		t[EventStgInstAdd] = func(ctx context.Context, inst types.StgInstInfo, _ delivery) error {
			return x.OnStgInstAdd(ctx, inst)
		}
	}
	if x, ok := h.(StgInstDelHandler); ok {
		t[EventStgInstDel] = func(ctx context.Context, inst types.StgInstInfo, _ delivery) error {
			return x.OnStgInstDel(ctx, inst)
		}
	}
	if x, ok := h.(StgInstChgHandler); ok {
		t[EventStgInstChg] = func(ctx context.Context, inst types.StgInstInfo, _ delivery) error {
			return x.OnStgInstChg(ctx, inst)
		}
	}
	if x, ok := h.(TimerHandler); ok {
		t[EventStgInstTimer] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnStgInstTimer(ctx, inst, d.timerName, d.execCount)
		}
	}
	if x, ok := h.(ManualInterventionHandler); ok {
		t[EventManualIntervention] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnStgManualIntervention(ctx, inst, d.manual)
		}
	}

	if x, ok := h.(OrderRetHandler); ok {
		t[EventOrderRet] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnOrderRet(ctx, inst, d.order)
		}
	}
	if x, ok := h.(CancelOrderRetHandler); ok {
		t[EventCancelOrderRet] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnCancelOrderRet(ctx, inst, d.order)
		}
	}

	if x, ok := h.(PushTopicHandler); ok {
		t[EventPushTopic] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnPushTopic(ctx, inst, d.topic, d.push)
		}
	}
	if x, ok := h.(TradesHandler); ok {
		t[EventTrades] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnTrades(ctx, inst, d.topic, d.md.(types.Trades))
		}
	}
	if x, ok := h.(OrdersHandler); ok {
		t[EventOrders] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnOrders(ctx, inst, d.topic, d.md.(types.Orders))
		}
	}
	if x, ok := h.(BooksHandler); ok {
		t[EventBooks] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnBooks(ctx, inst, d.topic, d.md.(types.Books))
		}
	}
	if x, ok := h.(TickersHandler); ok {
		t[EventTickers] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnTickers(ctx, inst, d.topic, d.md.(types.Tickers))
		}
	}
	if x, ok := h.(CandleHandler); ok {
		t[EventCandle] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnCandle(ctx, inst, d.topic, d.md.(types.Candle))
		}
	}

	if x, ok := h.(PosUpdateOfAcctIDHandler); ok {
		t[EventPosUpdateOfAcctID] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnPosUpdateOfAcctID(ctx, inst, d.snap)
		}
	}
	if x, ok := h.(PosUpdateOfStgIDHandler); ok {
		t[EventPosUpdateOfStgID] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnPosUpdateOfStgID(ctx, inst, d.snap)
		}
	}
	if x, ok := h.(PosUpdateOfStgInstIDHandler); ok {
		t[EventPosUpdateOfStgInstID] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnPosUpdateOfStgInstID(ctx, inst, d.snap)
		}
	}
	if x, ok := h.(PosSnapshotOfAcctIDHandler); ok {
		t[EventPosSnapshotOfAcctID] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnPosSnapshotOfAcctID(ctx, inst, d.snap)
		}
	}
	if x, ok := h.(PosSnapshotOfStgIDHandler); ok {
		t[EventPosSnapshotOfStgID] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnPosSnapshotOfStgID(ctx, inst, d.snap)
		}
	}
	if x, ok := h.(PosSnapshotOfStgInstIDHandler); ok {
		t[EventPosSnapshotOfStgInstID] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnPosSnapshotOfStgInstID(ctx, inst, d.snap)
		}
	}
	if x, ok := h.(AssetsUpdateHandler); ok {
		t[EventAssetsUpdate] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnAssetsUpdate(ctx, inst, d.topic, d.assets)
		}
	}
	if x, ok := h.(AssetsSnapshotHandler); ok {
		t[EventAssetsSnapshot] = func(ctx context.Context, inst types.StgInstInfo, d delivery) error {
			return x.OnAssetsSnapshot(ctx, inst, d.topic, d.assets)
		}
	}

	return t
}

// Kinds returns the event kinds the handler implements, for logging.
func (t dispatchTable) Kinds() []string {
	var out []string
	for k := EventStgStart; k <= EventAssetsSnapshot; k++ {
		if _, ok := t[k]; ok {
			out = append(out, k.String())
		}
	}
	return out
}

// posEventKind picks the handler method for a position push on a scope.
func posEventKind(scope topic.Scope, snapshot bool) EventKind {
	switch {
	case scope == topic.ScopeAcct && snapshot:
		return EventPosSnapshotOfAcctID
	case scope == topic.ScopeAcct:
		return EventPosUpdateOfAcctID
	case scope == topic.ScopeStg && snapshot:
		return EventPosSnapshotOfStgID
	case scope == topic.ScopeStg:
		return EventPosUpdateOfStgID
	case scope == topic.ScopeStgInst && snapshot:
		return EventPosSnapshotOfStgInstID
	case scope == topic.ScopeStgInst:
		return EventPosUpdateOfStgInstID
	default:
		return EventUnknown
	}
}
