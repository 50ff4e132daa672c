package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/engine"
	"github.com/tathienbao/stgeng/internal/types"
	"github.com/tathienbao/stgeng/pkg/indicator"
)

// Timer names.
const (
	TimerCheckpoint   = "checkpoint"
	TimerOrderTimeout = "order_timeout"
)

// Manual intervention commands.
const (
	CmdPause  = "pause"
	CmdResume = "resume"
	CmdCancel = "cancel"
	CmdReset  = "reset"
)

// checkpoint is the private data saved per instance.
type checkpoint struct {
	Window []decimal.Decimal `json:"window"`
	Held   decimal.Decimal   `json:"held"`
}

type instState struct {
	params Params
	topic  string
	band   *indicator.Band
	held   decimal.Decimal
	paused bool

	working       types.OrderID
	workingSince  time.Time
	workingFilled decimal.Decimal
}

// InstState is a read-only view of one instance.
type InstState struct {
	Held    decimal.Decimal
	Working types.OrderID
	Paused  bool
	Samples int
	Upper   decimal.Decimal
	Lower   decimal.Decimal
}

// MeanReversion trades a mean +/- k*stddev band on last prices, long only.
// It buys Size when the price drops below the lower band of the previous window and sells what it holds
// when the price rises above the upper band. One order per instance is worked at a time.
type MeanReversion struct {
	cmds   engine.Commands
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	insts map[types.StgInstID]*instState
}

// NewMeanReversion creates the handler.
func NewMeanReversion(cmds engine.Commands, logger *slog.Logger) *MeanReversion {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeanReversion{
		cmds:   cmds,
		logger: logger,
		now:    time.Now,
		insts:  make(map[types.StgInstID]*instState),
	}
}

// State returns a view of an instance.
func (m *MeanReversion) State(id types.StgInstID) (InstState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.insts[id]
	if !ok {
		return InstState{}, false
	}
	upper, lower := st.band.Bands()
	return InstState{
		Held:    st.held,
		Working: st.working,
		Paused:  st.paused,
		Samples: st.band.Len(),
		Upper:   upper,
		Lower:   lower,
	}, true
}

func (m *MeanReversion) OnStgStart(ctx context.Context) error {
	m.logger.Info("mean reversion strategy started")
	return nil
}

func (m *MeanReversion) OnStgInstStart(ctx context.Context, inst types.StgInstInfo) error {
	return m.setup(ctx, inst)
}

func (m *MeanReversion) OnStgInstAdd(ctx context.Context, inst types.StgInstInfo) error {
	return m.setup(ctx, inst)
}

func (m *MeanReversion) setup(ctx context.Context, inst types.StgInstInfo) error {
	p, err := ParseParams(inst.Params)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := &instState{
		params: p,
		topic:  p.Topic(),
		band:   indicator.NewBand(p.Window, p.K),
	}
	m.restore(ctx, inst.StgInstID, st)
	m.insts[inst.StgInstID] = st

	if code := m.cmds.Sub(inst.StgInstID, st.topic); code != types.StatusSuccess {
		return fmt.Errorf("sub %s: %s", st.topic, types.StatusMsg(code))
	}
	return m.installTimers(inst.StgInstID, p)
}

func (m *MeanReversion) installTimers(id types.StgInstID, p Params) error {
	if p.CheckpointSec > 0 {
		if code := m.cmds.InstallStgInstTimer(id, TimerCheckpoint, p.Checkpoint(), false, 0); code != types.StatusSuccess {
			return fmt.Errorf("install %s timer: %s", TimerCheckpoint, types.StatusMsg(code))
		}
	}
	if p.OrderTimeoutSec > 0 {
		if code := m.cmds.InstallStgInstTimer(id, TimerOrderTimeout, time.Second, false, 0); code != types.StatusSuccess {
			return fmt.Errorf("install %s timer: %s", TimerOrderTimeout, types.StatusMsg(code))
		}
	}
	return nil
}

func (m *MeanReversion) restore(ctx context.Context, id types.StgInstID, st *instState) {
	code, data := m.cmds.LoadStgPrivateData(ctx, id)
	switch code {
	case types.StatusSuccess:
	case types.StatusPrivateDataNotFound:
		return
	default:
		m.logger.Warn("load checkpoint failed", "stg_inst_id", id, "status", types.StatusMsg(code))
		return
	}

	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		m.logger.Warn("checkpoint unreadable", "stg_inst_id", id, "err", err)
		return
	}
	for _, v := range cp.Window {
		st.band.Update(v)
	}
	st.held = cp.Held
	m.logger.Info("checkpoint restored", "stg_inst_id", id, "samples", st.band.Len(), "held", st.held)
}

func (m *MeanReversion) save(ctx context.Context, id types.StgInstID, st *instState) {
	data, err := json.Marshal(checkpoint{Window: st.band.Values(), Held: st.held})
	if err != nil {
		m.logger.Error("encode checkpoint", "stg_inst_id", id, "err", err)
		return
	}
	if code := m.cmds.SaveStgPrivateData(ctx, id, data); code != types.StatusSuccess {
		m.logger.Warn("save checkpoint failed", "stg_inst_id", id, "status", types.StatusMsg(code))
	}
}

func (m *MeanReversion) OnStgInstChg(ctx context.Context, inst types.StgInstInfo) error {
	p, err := ParseParams(inst.Params)
	if err != nil {
		return err
	}

	m.mu.Lock()
	st, ok := m.insts[inst.StgInstID]
	if !ok {
		m.mu.Unlock()
		return m.setup(ctx, inst)
	}
	defer m.mu.Unlock()

	if newTopic := p.Topic(); newTopic != st.topic {
		m.cmds.Unsub(inst.StgInstID, st.topic)
		if code := m.cmds.Sub(inst.StgInstID, newTopic); code != types.StatusSuccess {
			return fmt.Errorf("sub %s: %s", newTopic, types.StatusMsg(code))
		}
		st.topic = newTopic
		st.band = indicator.NewBand(p.Window, p.K)
		st.held = decimal.Zero
	} else if p.Window != st.params.Window || !p.K.Equal(st.params.K) {
		band := indicator.NewBand(p.Window, p.K)
		for _, v := range st.band.Values() {
			band.Update(v)
		}
		st.band = band
	}
	st.params = p
	m.logger.Info("params changed", "stg_inst_id", inst.StgInstID, "topic", st.topic, "window", p.Window)
	return m.installTimers(inst.StgInstID, p)
}

func (m *MeanReversion) OnStgInstDel(ctx context.Context, inst types.StgInstInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.insts[inst.StgInstID]
	if !ok {
		return nil
	}
	if st.working != 0 {
		m.cmds.CancelOrder(ctx, st.working)
	}
	m.save(ctx, inst.StgInstID, st)
	delete(m.insts, inst.StgInstID)
	return nil
}

func (m *MeanReversion) OnTickers(ctx context.Context, inst types.StgInstInfo, t string, md types.Tickers) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.insts[inst.StgInstID]
	if !ok || t != st.topic || !md.LastPrice.IsPositive() {
		return nil
	}

	price := md.LastPrice
	ready := st.band.Ready()
	upper, lower := st.band.Bands()
	stddev := st.band.StdDev()
	st.band.Update(price)

	if !ready || st.paused || st.working != 0 {
		return nil
	}
	if !st.params.MinStdDev.IsZero() && stddev.LessThan(st.params.MinStdDev) {
		return nil
	}

	switch {
	case price.LessThan(lower) && !st.held.IsPositive():
		m.place(ctx, inst.StgInstID, st, types.SideBid, st.params.Size, price, lower)
	case price.GreaterThan(upper) && st.held.IsPositive():
		m.place(ctx, inst.StgInstID, st, types.SideAsk, st.held, price, upper)
	}
	return nil
}

func (m *MeanReversion) place(ctx context.Context, id types.StgInstID, st *instState, side types.Side,
	size, price, band decimal.Decimal) {
	code, orderID := m.cmds.Order(ctx, id, types.OrderRequest{
		MarketCode: st.params.market,
		SymbolType: st.params.symType,
		SymbolCode: st.params.Symbol,
		Side:       side,
		PosSide:    types.PosSideBoth,
		Price:      price,
		Size:       size,
	})
	if code != types.StatusSuccess {
		m.logger.Warn("order not placed",
			"stg_inst_id", id,
			"side", side,
			"price", price,
			"status", types.StatusMsg(code),
		)
		return
	}
	st.working = orderID
	st.workingSince = m.now()
	st.workingFilled = decimal.Zero
	m.logger.Info("band crossed",
		"stg_inst_id", id,
		"order_id", orderID,
		"side", side,
		"price", price,
		"band", band,
		"size", size,
	)
}

func (m *MeanReversion) OnOrderRet(ctx context.Context, inst types.StgInstInfo, o types.OrderInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.insts[inst.StgInstID]
	if !ok || o.OrderID != st.working {
		return nil
	}

	if delta := o.FilledSize.Sub(st.workingFilled); delta.IsPositive() {
		if o.Side == types.SideBid {
			st.held = st.held.Add(delta)
		} else {
			st.held = st.held.Sub(delta)
		}
		st.workingFilled = o.FilledSize
	}
	if o.Status == types.OrderStatusRejected {
		m.logger.Warn("order rejected", "stg_inst_id", inst.StgInstID, "order_id", o.OrderID,
			"status", o.StatusCode, "msg", o.StatusMsg)
	}
	if o.Status.IsFinal() {
		st.working = 0
	}
	return nil
}

func (m *MeanReversion) OnCancelOrderRet(ctx context.Context, inst types.StgInstInfo, o types.OrderInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.insts[inst.StgInstID]
	if !ok || o.OrderID != st.working {
		return nil
	}
	if o.StatusCode != types.StatusSuccess {
		m.logger.Warn("cancel rejected", "stg_inst_id", inst.StgInstID, "order_id", o.OrderID, "msg", o.StatusMsg)
	}
	if o.Status.IsFinal() {
		st.working = 0
	}
	return nil
}

func (m *MeanReversion) OnStgInstTimer(ctx context.Context, inst types.StgInstInfo, name string, execCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.insts[inst.StgInstID]
	if !ok {
		return nil
	}
	switch name {
	case TimerCheckpoint:
		m.save(ctx, inst.StgInstID, st)
		m.logPnl(inst)
	case TimerOrderTimeout:
		if st.working != 0 && m.now().Sub(st.workingSince) >= st.params.OrderTimeout() {
			m.cancelWorking(ctx, inst.StgInstID, st)
		}
	}
	return nil
}

func (m *MeanReversion) logPnl(inst types.StgInstInfo) {
	cond := fmt.Sprintf("stgId=%d&stgInstId=%d", inst.StgID, inst.StgInstID)
	code, pnl := m.cmds.QueryPnl(cond, "", "")
	if code != types.StatusSuccess {
		m.logger.Debug("pnl unavailable", "stg_inst_id", inst.StgInstID, "status", types.StatusMsg(code))
		return
	}
	m.logger.Info("pnl", "stg_inst_id", inst.StgInstID,
		"realized", pnl.Realized, "unrealized", pnl.Unrealized, "fee", pnl.Fee, "total", pnl.Total)
}

func (m *MeanReversion) cancelWorking(ctx context.Context, id types.StgInstID, st *instState) {
	if st.working == 0 {
		return
	}
	switch code := m.cmds.CancelOrder(ctx, st.working); code {
	case types.StatusSuccess:
		m.logger.Info("cancel requested", "stg_inst_id", id, "order_id", st.working)
	case types.StatusOrderAlreadyClosed, types.StatusOrderNotFound:
		st.working = 0
	default:
		m.logger.Warn("cancel failed", "stg_inst_id", id, "order_id", st.working, "status", types.StatusMsg(code))
	}
}

func (m *MeanReversion) OnStgManualIntervention(ctx context.Context, inst types.StgInstInfo, mi types.ManualIntervention) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.insts[inst.StgInstID]
	if !ok {
		return nil
	}
	switch mi.Command {
	case CmdPause:
		st.paused = true
	case CmdResume:
		st.paused = false
	case CmdCancel:
		m.cancelWorking(ctx, inst.StgInstID, st)
	case CmdReset:
		st.band.Reset()
	default:
		m.logger.Warn("unknown manual intervention", "stg_inst_id", inst.StgInstID, "command", mi.Command)
		return nil
	}
	m.logger.Info("manual intervention applied",
		"stg_inst_id", inst.StgInstID,
		"command", mi.Command,
		"operator", mi.Operator,
	)
	return nil
}
