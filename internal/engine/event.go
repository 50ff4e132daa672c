package engine

import (
	"time"

	"github.com/tathienbao/stgeng/internal/order"
	"github.com/tathienbao/stgeng/internal/timer"
	"github.com/tathienbao/stgeng/internal/types"
)

// EventKind identifies a dispatched event and the handler method it is delivered to.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStgStart
	EventStgInstStart
	EventStgInstAdd
	EventStgInstDel
	EventStgInstChg
	EventStgInstTimer
	EventManualIntervention
	EventPushTopic
	EventOrderRet
	EventCancelOrderRet
	EventTrades
	EventOrders
	EventBooks
	EventTickers
	EventCandle
	EventPosUpdateOfAcctID
	EventPosUpdateOfStgID
	EventPosUpdateOfStgInstID
	EventPosSnapshotOfAcctID
	EventPosSnapshotOfStgID
	EventPosSnapshotOfStgInstID
	EventAssetsUpdate
	EventAssetsSnapshot

	// internal events, never delivered to a handler method of their own
	eventTimerBatch
	eventVenueReport
	eventPos
	eventAssets
)

var eventNames = map[EventKind]string{
	EventStgStart:               "on_stg_start",
	EventStgInstStart:           "on_stg_inst_start",
	EventStgInstAdd:             "on_stg_inst_add",
	EventStgInstDel:             "on_stg_inst_del",
	EventStgInstChg:             "on_stg_inst_chg",
	EventStgInstTimer:           "on_stg_inst_timer",
	EventManualIntervention:     "on_stg_manual_intervention",
	EventPushTopic:              "on_push_topic",
	EventOrderRet:               "on_order_ret",
	EventCancelOrderRet:         "on_cancel_order_ret",
	EventTrades:                 "on_trades",
	EventOrders:                 "on_orders",
	EventBooks:                  "on_books",
	EventTickers:                "on_tickers",
	EventCandle:                 "on_candle",
	EventPosUpdateOfAcctID:      "on_pos_update_of_acct_id",
	EventPosUpdateOfStgID:       "on_pos_update_of_stg_id",
	EventPosUpdateOfStgInstID:   "on_pos_update_of_stg_inst_id",
	EventPosSnapshotOfAcctID:    "on_pos_snapshot_of_acct_id",
	EventPosSnapshotOfStgID:     "on_pos_snapshot_of_stg_id",
	EventPosSnapshotOfStgInstID: "on_pos_snapshot_of_stg_inst_id",
	EventAssetsUpdate:           "on_assets_update",
	EventAssetsSnapshot:         "on_assets_snapshot",
	eventTimerBatch:             "timer_batch",
	eventVenueReport:            "venue_report",
	eventPos:                    "pos",
	eventAssets:                 "assets",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// event is one entry of the dispatch stream. Topic events carry the topic and are resolved to subscribers
// when dispatched; instance events carry the instance id.
type event struct {
	kind  EventKind
	inst  types.StgInstID
	topic string
	ts    time.Time

	info     types.StgInstInfo
	fired    []timer.Fired
	report   order.Report
	manual   types.ManualIntervention
	push     []byte
	md       any
	legs     []types.PosInfo
	assets   []types.AssetInfo
	snapshot bool
}

// mdKind maps a market data payload to its event kind.
func mdKind(md any) EventKind {
	switch md.(type) {
	case types.Trades:
		return EventTrades
	case types.Orders:
		return EventOrders
	case types.Books:
		return EventBooks
	case types.Tickers:
		return EventTickers
	case types.Candle:
		return EventCandle
	default:
		return EventUnknown
	}
}
