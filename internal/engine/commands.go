package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tathienbao/stgeng/internal/alerting"
	"github.com/tathienbao/stgeng/internal/position"
	"github.com/tathienbao/stgeng/internal/timer"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

// Commands is the command surface handed to the strategy handler. Every method returns a status code
// instead of an error; types.StatusMsg turns a code into text. Submission commands only validate and
// enqueue, their outcome arrives later as a dispatched event.
type Commands interface {
	InstallStgInstTimer(inst types.StgInstID, name string, interval time.Duration, execAtStartup bool, maxExecTimes uint32) types.StatusCode
	Sub(inst types.StgInstID, topic string) types.StatusCode
	Unsub(inst types.StgInstID, topic string) types.StatusCode

	Order(ctx context.Context, inst types.StgInstID, req types.OrderRequest) (types.StatusCode, types.OrderID)
	CancelOrder(ctx context.Context, id types.OrderID) types.StatusCode
	GetOrderInfo(id types.OrderID) (types.StatusCode, types.OrderInfo)

	QuerySpecificNumOfHisMDAfterTs(ctx context.Context, topic string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord)
	QuerySpecificNumOfHisMDBeforeTs(ctx context.Context, topic string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord)
	QueryHisMDBetween2Ts(ctx context.Context, topic string, begin, end time.Time) (types.StatusCode, []types.HisMDRecord)

	QueryPnl(cond, calcCcy, convCcy string) (types.StatusCode, position.PnlResult)

	SaveStgPrivateData(ctx context.Context, inst types.StgInstID, data []byte) types.StatusCode
	LoadStgPrivateData(ctx context.Context, inst types.StgInstID) (types.StatusCode, []byte)
}

var _ Commands = (*Engine)(nil)

// InstallStgInstTimer installs or replaces a named timer of an instance.
func (e *Engine) InstallStgInstTimer(inst types.StgInstID, name string, interval time.Duration,
	execAtStartup bool, maxExecTimes uint32) types.StatusCode {
	if _, ok := e.lookup(inst); !ok {
		return types.StatusStgInstNotFound
	}
	err := e.sched.Install(timer.Spec{
		StgInstID:     inst,
		Name:          name,
		Interval:      interval,
		ExecAtStartup: execAtStartup,
		MaxExecTimes:  maxExecTimes,
	})
	if err != nil {
		e.logger.Warn("install timer failed", "stg_inst_id", inst, "timer", name, "err", err)
		return types.StatusOf(err)
	}
	e.logger.Debug("timer installed",
		"stg_inst_id", inst,
		"timer", name,
		"interval", interval,
		"exec_at_startup", execAtStartup,
		"max_exec_times", maxExecTimes,
	)
	return types.StatusSuccess
}

// Sub subscribes an instance to a topic. Subscribing twice is a no-op.
func (e *Engine) Sub(inst types.StgInstID, t string) types.StatusCode {
	if _, ok := e.lookup(inst); !ok {
		return types.StatusStgInstNotFound
	}
	added, err := e.router.Sub(inst, t)
	if err != nil {
		return types.StatusOf(err)
	}
	if added {
		e.logger.Debug("subscribed", "stg_inst_id", inst, "topic", t)
		e.recorder.RecordSubscriptions(e.router.Count())
	}
	return types.StatusSuccess
}

// Unsub removes a subscription.
func (e *Engine) Unsub(inst types.StgInstID, t string) types.StatusCode {
	if err := e.router.Unsub(inst, t); err != nil {
		return types.StatusOf(err)
	}
	e.logger.Debug("unsubscribed", "stg_inst_id", inst, "topic", t)
	e.recorder.RecordSubscriptions(e.router.Count())
	return types.StatusSuccess
}

// Order validates an order and hands it to the venue. A zero status means the order was accepted for
// submission; its outcome arrives through OnOrderRet.
func (e *Engine) Order(ctx context.Context, inst types.StgInstID, req types.OrderRequest) (types.StatusCode, types.OrderID) {
	id, err := e.submit(ctx, inst, req)
	if err != nil {
		code := types.StatusOf(err)
		e.logger.Warn("order rejected locally",
			"stg_inst_id", inst,
			"symbol", req.SymbolCode,
			"side", req.Side,
			"price", req.Price,
			"size", req.Size,
			"err", err,
		)
		e.recorder.RecordOrderRejected(fmt.Sprint(int(code)))
		if code == types.StatusOrderRateExceeded {
			e.alert(alerting.EventOrderRateExceeded, "Order rate exceeded", "stg_inst_id", inst, "acct_id", req.AcctID)
		}
		return code, 0
	}
	return types.StatusSuccess, id
}

// CancelOrder requests cancellation. Cancelling an order whose cancel is already in flight returns
// success without sending again; cancelling a terminal order returns StatusOrderAlreadyClosed.
func (e *Engine) CancelOrder(ctx context.Context, id types.OrderID) types.StatusCode {
	if err := e.cancel(ctx, id); err != nil {
		e.logger.Debug("cancel rejected locally", "order_id", id, "err", err)
		return types.StatusOf(err)
	}
	return types.StatusSuccess
}

// GetOrderInfo returns a copy of a tracked order.
func (e *Engine) GetOrderInfo(id types.OrderID) (types.StatusCode, types.OrderInfo) {
	o, err := e.orders.Get(id)
	if err != nil {
		return types.StatusOf(err), types.OrderInfo{}
	}
	return types.StatusSuccess, o
}

// QuerySpecificNumOfHisMDAfterTs returns up to num stored records of topic after ts, oldest first.
func (e *Engine) QuerySpecificNumOfHisMDAfterTs(ctx context.Context, t string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord) {
	if err := e.checkHisMDQuery(t, num); err != nil {
		return types.StatusOf(err), nil
	}
	recs, err := e.repo.QueryHisMDAfter(ctx, t, ts, num)
	return e.hisMDResult(t, recs, err)
}

// QuerySpecificNumOfHisMDBeforeTs returns up to num stored records of topic before ts, oldest first.
func (e *Engine) QuerySpecificNumOfHisMDBeforeTs(ctx context.Context, t string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord) {
	if err := e.checkHisMDQuery(t, num); err != nil {
		return types.StatusOf(err), nil
	}
	recs, err := e.repo.QueryHisMDBefore(ctx, t, ts, num)
	return e.hisMDResult(t, recs, err)
}

// QueryHisMDBetween2Ts returns the stored records of topic in [begin, end], capped at the configured maximum.
func (e *Engine) QueryHisMDBetween2Ts(ctx context.Context, t string, begin, end time.Time) (types.StatusCode, []types.HisMDRecord) {
	if err := e.checkHisMDQuery(t, 1); err != nil {
		return types.StatusOf(err), nil
	}
	if end.Before(begin) {
		return types.StatusInvalidHisMDQuery, nil
	}
	recs, err := e.repo.QueryHisMDBetween(ctx, t, begin, end, e.cfg.MaxHisMDRecords)
	return e.hisMDResult(t, recs, err)
}

func (e *Engine) checkHisMDQuery(t string, num int) error {
	if e.repo == nil {
		return fmt.Errorf("%w: no store configured", types.ErrHisMDQueryFailed)
	}
	if err := topic.Validate(t); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidHisMDQuery, err)
	}
	if num < 1 || num > e.cfg.MaxHisMDRecords {
		return fmt.Errorf("%w: num %d not in [1, %d]", types.ErrInvalidHisMDQuery, num, e.cfg.MaxHisMDRecords)
	}
	return nil
}

func (e *Engine) hisMDResult(t string, recs []types.HisMDRecord, err error) (types.StatusCode, []types.HisMDRecord) {
	if err != nil {
		e.logger.Warn("historical market data query failed", "topic", t, "err", err)
		e.recorder.RecordError("his_md_query")
		return types.StatusHisMDQueryFailed, nil
	}
	return types.StatusSuccess, recs
}

// QueryPnl computes PnL for the scope selected by cond, e.g. "stgId=10000&stgInstId=1".
func (e *Engine) QueryPnl(cond, calcCcy, convCcy string) (types.StatusCode, position.PnlResult) {
	res, err := e.positions.QueryPnl(cond, calcCcy, convCcy)
	if err != nil {
		return types.StatusOf(err), position.PnlResult{}
	}
	return types.StatusSuccess, res
}

// SaveStgPrivateData persists an opaque blob for an instance.
func (e *Engine) SaveStgPrivateData(ctx context.Context, inst types.StgInstID, data []byte) types.StatusCode {
	if _, ok := e.lookup(inst); !ok {
		return types.StatusStgInstNotFound
	}
	if e.repo == nil {
		return types.StatusPrivateDataFailed
	}
	if err := e.repo.SavePrivateData(ctx, e.cfg.StgID, inst, data); err != nil {
		e.logger.Warn("save private data failed", "stg_inst_id", inst, "err", err)
		return types.StatusOf(err)
	}
	return types.StatusSuccess
}

// LoadStgPrivateData returns the blob saved by SaveStgPrivateData.
func (e *Engine) LoadStgPrivateData(ctx context.Context, inst types.StgInstID) (types.StatusCode, []byte) {
	if _, ok := e.lookup(inst); !ok {
		return types.StatusStgInstNotFound, nil
	}
	if e.repo == nil {
		return types.StatusPrivateDataFailed, nil
	}
	data, err := e.repo.LoadPrivateData(ctx, e.cfg.StgID, inst)
	if err != nil {
		return types.StatusOf(err), nil
	}
	return types.StatusSuccess, data
}
