package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tathienbao/stgeng/internal/broker"
	"github.com/tathienbao/stgeng/internal/metrics"
	"github.com/tathienbao/stgeng/internal/types"
)

// submit validates req, registers the order and queues it for the venue.
func (e *Engine) submit(ctx context.Context, inst types.StgInstID, req types.OrderRequest) (types.OrderID, error) {
	if !e.IsRunning() {
		return 0, types.ErrEngineNotRunning
	}
	info, ok := e.lookup(inst)
	if !ok {
		return 0, fmt.Errorf("%w: %d", types.ErrStgInstNotFound, inst)
	}
	if req.AcctID == 0 {
		req.AcctID = info.AcctID
	}

	sym, err := e.validateOrder(&req)
	if err != nil {
		return 0, err
	}
	if err := e.risk.CheckOrder(ctx, req, sym.ParValue); err != nil {
		return 0, err
	}

	o, err := e.orders.Add(types.OrderInfo{
		OrderID:       types.OrderID(e.node.Generate().Int64()),
		ClientOrderID: uuid.NewString(),
		StgID:         info.StgID,
		StgInstID:     inst,
		AcctID:        req.AcctID,
		MarketCode:    req.MarketCode,
		SymbolType:    req.SymbolType,
		SymbolCode:    req.SymbolCode,
		Side:          req.Side,
		PosSide:       req.PosSide,
		Price:         req.Price,
		Size:          req.Size,
		FeeCurrency:   sym.QuoteCurrency,
	})
	if err != nil {
		return 0, err
	}
	e.markDirty(o.OrderID)

	if err := e.sendGateway(gatewayOp{order: o}); err != nil {
		e.orders.Apply(broker.RejectReport(o, err))
		e.recorder.RecordDrop("order", "gateway_unavailable")
		return 0, err
	}

	e.recorder.RecordOrder(o.MarketCode.String(), o.Side.String(), o.Status.String())
	e.logger.Info("order submitted",
		"order_id", o.OrderID,
		"stg_inst_id", inst,
		"acct_id", o.AcctID,
		"symbol", o.SymbolCode,
		"side", o.Side,
		"price", o.Price,
		"size", o.Size,
	)
	return o.OrderID, nil
}

func (e *Engine) validateOrder(req *types.OrderRequest) (types.SymbolInfo, error) {
	if !req.MarketCode.Valid() {
		return types.SymbolInfo{}, types.ErrInvalidMarketCode
	}
	sym, ok := e.symbols.Lookup(req.MarketCode, req.SymbolCode)
	if !ok {
		return types.SymbolInfo{}, fmt.Errorf("%w: %s %s", types.ErrSymbolNotFound, req.MarketCode, req.SymbolCode)
	}
	switch {
	case req.SymbolType == types.SymbolTypeUnknown:
		req.SymbolType = sym.SymbolType
	case req.SymbolType != sym.SymbolType:
		return types.SymbolInfo{}, fmt.Errorf("%w: %s is %s, not %s",
			types.ErrSymbolNotFound, req.SymbolCode, sym.SymbolType, req.SymbolType)
	}
	if !req.Side.Valid() {
		return types.SymbolInfo{}, types.ErrInvalidSide
	}
	if !req.PosSide.Valid() {
		return types.SymbolInfo{}, types.ErrInvalidPosSide
	}
	if !req.Price.IsPositive() {
		return types.SymbolInfo{}, types.ErrInvalidPrice
	}
	if !req.Size.IsPositive() {
		return types.SymbolInfo{}, types.ErrInvalidSize
	}
	return sym, nil
}

// cancel marks a cancel in flight and queues it for the venue. A repeated cancel is not resent.
func (e *Engine) cancel(ctx context.Context, id types.OrderID) error {
	if !e.IsRunning() {
		return types.ErrEngineNotRunning
	}
	cur, err := e.orders.Get(id)
	if err != nil {
		return err
	}
	if cur.Status.IsFinal() {
		return fmt.Errorf("%w: %d is %s", types.ErrOrderAlreadyClosed, id, cur.Status)
	}
	if cur.CancelRequested {
		return nil
	}
	if err := e.risk.CheckCancel(ctx, cur.AcctID); err != nil {
		return err
	}

	o, send, err := e.orders.RequestCancel(id)
	if err != nil {
		return err
	}
	if !send {
		return nil
	}
	e.markDirty(id)

	if err := e.sendGateway(gatewayOp{cancel: true, order: o}); err != nil {
		e.orders.Apply(broker.CancelRejectReport(o, types.StatusOf(err), err.Error()))
		e.recorder.RecordDrop("cancel", "gateway_unavailable")
		return err
	}
	e.logger.Info("cancel requested", "order_id", id, "stg_inst_id", o.StgInstID)
	return nil
}

func (e *Engine) sendGateway(op gatewayOp) error {
	e.gwMu.RLock()
	defer e.gwMu.RUnlock()
	if e.gwClosed {
		return types.ErrEngineNotRunning
	}
	select {
	case e.gateway <- op:
		return nil
	default:
		return types.ErrQueueFull
	}
}

func (e *Engine) closeGateway() {
	e.gwMu.Lock()
	defer e.gwMu.Unlock()
	if !e.gwClosed {
		e.gwClosed = true
		close(e.gateway)
	}
}

// gatewayLoop forwards orders and cancels to the venue in submission order. Venue errors come back as
// reports so the handler learns the outcome through the dispatch stream.
func (e *Engine) gatewayLoop() {
	defer close(e.gwDone)
	for op := range e.gateway {
		if op.cancel {
			if err := e.venue.CancelOrder(e.runCtx, op.order); err != nil {
				e.logger.Warn("venue cancel failed", "order_id", op.order.OrderID, "err", err)
				e.onReport(broker.CancelRejectReport(op.order, types.StatusExternalOrderRejected, err.Error()))
			}
			continue
		}

		t := metrics.NewTimer()
		if err := e.venue.SubmitOrder(e.runCtx, op.order); err != nil {
			e.logger.Warn("venue submit failed", "order_id", op.order.OrderID, "err", err)
			e.onReport(broker.RejectReport(op.order, err))
			continue
		}
		t.ObserveOrder()
	}
}
