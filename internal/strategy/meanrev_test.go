package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/broker/paper"
	"github.com/tathienbao/stgeng/internal/engine"
	"github.com/tathienbao/stgeng/internal/position"
	"github.com/tathienbao/stgeng/internal/types"
)

// fakeCommands records the commands the handler issues.
type fakeCommands struct {
	mu        sync.Mutex
	subs      []string
	unsubs    []string
	timers    []string
	orders    []types.OrderRequest
	cancels   []types.OrderID
	saved     map[types.StgInstID][]byte
	orderCode types.StatusCode
	nextID    types.OrderID
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{saved: make(map[types.StgInstID][]byte), nextID: 100}
}

func (f *fakeCommands) InstallStgInstTimer(inst types.StgInstID, name string, interval time.Duration, execAtStartup bool, maxExecTimes uint32) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = append(f.timers, name)
	return types.StatusSuccess
}

func (f *fakeCommands) Sub(inst types.StgInstID, topic string) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, topic)
	return types.StatusSuccess
}

func (f *fakeCommands) Unsub(inst types.StgInstID, topic string) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, topic)
	return types.StatusSuccess
}

func (f *fakeCommands) Order(ctx context.Context, inst types.StgInstID, req types.OrderRequest) (types.StatusCode, types.OrderID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderCode != types.StatusSuccess {
		return f.orderCode, 0
	}
	f.orders = append(f.orders, req)
	f.nextID++
	return types.StatusSuccess, f.nextID
}

func (f *fakeCommands) CancelOrder(ctx context.Context, id types.OrderID) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return types.StatusSuccess
}

func (f *fakeCommands) GetOrderInfo(id types.OrderID) (types.StatusCode, types.OrderInfo) {
	return types.StatusOrderNotFound, types.OrderInfo{}
}

func (f *fakeCommands) QuerySpecificNumOfHisMDAfterTs(ctx context.Context, topic string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord) {
	return types.StatusSuccess, nil
}

func (f *fakeCommands) QuerySpecificNumOfHisMDBeforeTs(ctx context.Context, topic string, ts time.Time, num int) (types.StatusCode, []types.HisMDRecord) {
	return types.StatusSuccess, nil
}

func (f *fakeCommands) QueryHisMDBetween2Ts(ctx context.Context, topic string, begin, end time.Time) (types.StatusCode, []types.HisMDRecord) {
	return types.StatusSuccess, nil
}

func (f *fakeCommands) QueryPnl(cond, calcCcy, convCcy string) (types.StatusCode, position.PnlResult) {
	return types.StatusPnlNotExists, position.PnlResult{}
}

func (f *fakeCommands) SaveStgPrivateData(ctx context.Context, inst types.StgInstID, data []byte) types.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[inst] = append([]byte(nil), data...)
	return types.StatusSuccess
}

func (f *fakeCommands) LoadStgPrivateData(ctx context.Context, inst types.StgInstID) (types.StatusCode, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.saved[inst]
	if !ok {
		return types.StatusPrivateDataNotFound, nil
	}
	return types.StatusSuccess, data
}

var _ engine.Commands = (*fakeCommands)(nil)

const testParams = `{"symbol":"BTC-USDT","window":3,"k":"2","size":"0.5","orderTimeoutSec":5,"checkpointSec":60}`

func testInst(params string) types.StgInstInfo {
	return types.StgInstInfo{StgID: 10000, StgInstID: 1, AcctID: 7, Params: params}
}

func tick(price int64) types.Tickers {
	return types.Tickers{
		MDHeader: types.MDHeader{
			MarketCode: types.MarketCodeBinance,
			SymbolType: types.SymbolTypeSpot,
			SymbolCode: "BTC-USDT",
		},
		LastPrice: decimal.NewFromInt(price),
	}
}

func startedHandler(t *testing.T) (*MeanReversion, *fakeCommands, types.StgInstInfo, string) {
	t.Helper()
	cmds := newFakeCommands()
	h := NewMeanReversion(cmds, nil)
	inst := testInst(testParams)
	if err := h.OnStgInstStart(context.Background(), inst); err != nil {
		t.Fatalf("OnStgInstStart() error = %v", err)
	}
	p, _ := ParseParams(testParams)
	return h, cmds, inst, p.Topic()
}

func feed(t *testing.T, h *MeanReversion, inst types.StgInstInfo, topic string, prices ...int64) {
	t.Helper()
	for _, p := range prices {
		if err := h.OnTickers(context.Background(), inst, topic, tick(p)); err != nil {
			t.Fatalf("OnTickers(%d) error = %v", p, err)
		}
	}
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams(`{"symbol":"ETH-USDT","size":"1"}`)
	if err != nil {
		t.Fatalf("ParseParams() error = %v", err)
	}
	if p.Window != 20 {
		t.Errorf("Window = %d, want 20", p.Window)
	}
	if !p.K.Equal(decimal.NewFromInt(2)) {
		t.Errorf("K = %s, want 2", p.K)
	}
	if p.Topic() != "shm://MD.Binance.Spot/ETH-USDT/Tickers" {
		t.Errorf("Topic() = %s", p.Topic())
	}
}

func TestParseParams_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", `{`, "params"},
		{"missing symbol", `{"size":"1"}`, "symbol is required"},
		{"zero size", `{"symbol":"X"}`, "size must be positive"},
		{"short window", `{"symbol":"X","size":"1","window":1}`, "window must be at least 2"},
		{"bad market", `{"symbol":"X","size":"1","market":"Nowhere"}`, "Nowhere"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseParams(tt.raw)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseParams() error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	factory, err := Factory("meanrev", nil)
	if err != nil {
		t.Fatalf("Factory() error = %v", err)
	}
	if _, ok := factory(newFakeCommands()).(*MeanReversion); !ok {
		t.Error("factory should build a *MeanReversion")
	}

	if _, err := Factory("grid", nil); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("Factory(grid) error = %v, want ErrInvalidConfig", err)
	}
}

func TestMeanReversion_Setup(t *testing.T) {
	_, cmds, _, topic := startedHandler(t)

	if len(cmds.subs) != 1 || cmds.subs[0] != topic {
		t.Errorf("subs = %v, want [%s]", cmds.subs, topic)
	}
	if strings.Join(cmds.timers, ",") != "checkpoint,order_timeout" {
		t.Errorf("timers = %v", cmds.timers)
	}
}

func TestMeanReversion_BadParamsFailsStart(t *testing.T) {
	h := NewMeanReversion(newFakeCommands(), nil)
	if err := h.OnStgInstStart(context.Background(), testInst(`{"symbol":""}`)); err == nil {
		t.Error("OnStgInstStart() should fail for invalid params")
	}
}

func TestMeanReversion_NoOrderUntilReady(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)

	feed(t, h, inst, topic, 100, 100, 50)

	if len(cmds.orders) != 0 {
		t.Errorf("orders = %d, want 0 before the window is full", len(cmds.orders))
	}
}

func TestMeanReversion_BuysBelowLowerBand(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)

	// mean 100, stddev 1.63, lower band 96.73
	feed(t, h, inst, topic, 98, 100, 102, 90)

	if len(cmds.orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(cmds.orders))
	}
	req := cmds.orders[0]
	if req.Side != types.SideBid {
		t.Errorf("Side = %v, want Bid", req.Side)
	}
	if !req.Price.Equal(decimal.NewFromInt(90)) || !req.Size.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("order = %s @ %s, want 0.5 @ 90", req.Size, req.Price)
	}

	st, _ := h.State(inst.StgInstID)
	if st.Working == 0 {
		t.Error("order should be working")
	}

	// a working order blocks further entries
	feed(t, h, inst, topic, 50)
	if len(cmds.orders) != 1 {
		t.Errorf("orders = %d, want 1 while an order is working", len(cmds.orders))
	}
}

func TestMeanReversion_SellsHeldAboveUpperBand(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)
	ctx := context.Background()

	feed(t, h, inst, topic, 98, 100, 102, 90)
	st, _ := h.State(inst.StgInstID)

	fill := types.OrderInfo{
		OrderID:    st.Working,
		Side:       types.SideBid,
		Size:       decimal.RequireFromString("0.5"),
		FilledSize: decimal.RequireFromString("0.5"),
		Status:     types.OrderStatusFilled,
	}
	if err := h.OnOrderRet(ctx, inst, fill); err != nil {
		t.Fatalf("OnOrderRet() error = %v", err)
	}

	st, _ = h.State(inst.StgInstID)
	if !st.Held.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("Held = %s, want 0.5", st.Held)
	}
	if st.Working != 0 {
		t.Fatalf("Working = %d, want 0 after fill", st.Working)
	}

	feed(t, h, inst, topic, 100, 100, 100, 130)
	if len(cmds.orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(cmds.orders))
	}
	exit := cmds.orders[1]
	if exit.Side != types.SideAsk || !exit.Size.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("exit = %v %s, want Ask 0.5", exit.Side, exit.Size)
	}
}

func TestMeanReversion_PartialFills(t *testing.T) {
	h, _, inst, topic := startedHandler(t)
	ctx := context.Background()

	feed(t, h, inst, topic, 98, 100, 102, 90)
	st, _ := h.State(inst.StgInstID)
	id := st.Working

	part := types.OrderInfo{OrderID: id, Side: types.SideBid, FilledSize: decimal.RequireFromString("0.2"),
		Status: types.OrderStatusPartiallyFilled}
	_ = h.OnOrderRet(ctx, inst, part)
	// a repeated report with the same cumulative fill adds nothing
	_ = h.OnOrderRet(ctx, inst, part)
	part.FilledSize = decimal.RequireFromString("0.5")
	part.Status = types.OrderStatusFilled
	_ = h.OnOrderRet(ctx, inst, part)

	st, _ = h.State(inst.StgInstID)
	if !st.Held.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("Held = %s, want 0.5", st.Held)
	}
}

func TestMeanReversion_OrderRejectedLocally(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)
	cmds.orderCode = types.StatusOrderRateExceeded

	feed(t, h, inst, topic, 98, 100, 102, 90)

	st, _ := h.State(inst.StgInstID)
	if st.Working != 0 {
		t.Errorf("Working = %d, want 0 after a local rejection", st.Working)
	}
}

func TestMeanReversion_OrderTimeout(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)
	ctx := context.Background()
	now := time.Now()
	h.now = func() time.Time { return now }

	feed(t, h, inst, topic, 98, 100, 102, 90)
	st, _ := h.State(inst.StgInstID)

	_ = h.OnStgInstTimer(ctx, inst, TimerOrderTimeout, 1)
	if len(cmds.cancels) != 0 {
		t.Fatalf("cancels = %d, want 0 before the timeout", len(cmds.cancels))
	}

	now = now.Add(6 * time.Second)
	_ = h.OnStgInstTimer(ctx, inst, TimerOrderTimeout, 2)
	if len(cmds.cancels) != 1 || cmds.cancels[0] != st.Working {
		t.Fatalf("cancels = %v, want [%d]", cmds.cancels, st.Working)
	}

	cancelled := types.OrderInfo{OrderID: st.Working, Side: types.SideBid, Status: types.OrderStatusCancelled}
	_ = h.OnCancelOrderRet(ctx, inst, cancelled)
	if st, _ := h.State(inst.StgInstID); st.Working != 0 {
		t.Errorf("Working = %d, want 0 after cancel", st.Working)
	}
}

func TestMeanReversion_ManualIntervention(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)
	ctx := context.Background()

	_ = h.OnStgManualIntervention(ctx, inst, types.ManualIntervention{Command: CmdPause, Operator: "ops"})
	feed(t, h, inst, topic, 98, 100, 102, 90)
	if len(cmds.orders) != 0 {
		t.Fatalf("orders = %d, want 0 while paused", len(cmds.orders))
	}

	_ = h.OnStgManualIntervention(ctx, inst, types.ManualIntervention{Command: CmdResume})
	feed(t, h, inst, topic, 60)
	if len(cmds.orders) != 1 {
		t.Fatalf("orders = %d, want 1 after resume", len(cmds.orders))
	}

	_ = h.OnStgManualIntervention(ctx, inst, types.ManualIntervention{Command: CmdCancel})
	if len(cmds.cancels) != 1 {
		t.Errorf("cancels = %d, want 1", len(cmds.cancels))
	}

	_ = h.OnStgManualIntervention(ctx, inst, types.ManualIntervention{Command: CmdReset})
	if st, _ := h.State(inst.StgInstID); st.Samples != 0 {
		t.Errorf("Samples = %d, want 0 after reset", st.Samples)
	}

	if err := h.OnStgManualIntervention(ctx, inst, types.ManualIntervention{Command: "dance"}); err != nil {
		t.Errorf("unknown command error = %v, want nil", err)
	}
}

func TestMeanReversion_CheckpointRoundTrip(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)
	ctx := context.Background()

	feed(t, h, inst, topic, 101, 102, 103)
	_ = h.OnStgInstTimer(ctx, inst, TimerCheckpoint, 1)

	var cp checkpoint
	if err := json.Unmarshal(cmds.saved[inst.StgInstID], &cp); err != nil {
		t.Fatalf("checkpoint not saved: %v", err)
	}
	if len(cp.Window) != 3 {
		t.Errorf("saved window = %d values, want 3", len(cp.Window))
	}

	// a fresh handler sharing the store starts with a full window
	restored := NewMeanReversion(cmds, nil)
	if err := restored.OnStgInstStart(ctx, inst); err != nil {
		t.Fatalf("OnStgInstStart() error = %v", err)
	}
	st, _ := restored.State(inst.StgInstID)
	if st.Samples != 3 {
		t.Errorf("Samples = %d, want 3", st.Samples)
	}
}

func TestMeanReversion_Chg(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)
	ctx := context.Background()
	feed(t, h, inst, topic, 101, 102, 103)

	// wider window keeps the samples
	inst.Params = `{"symbol":"BTC-USDT","window":5,"size":"0.5"}`
	if err := h.OnStgInstChg(ctx, inst); err != nil {
		t.Fatalf("OnStgInstChg() error = %v", err)
	}
	st, _ := h.State(inst.StgInstID)
	if st.Samples != 3 {
		t.Errorf("Samples = %d, want 3", st.Samples)
	}

	// new symbol moves the subscription and drops the samples
	inst.Params = `{"symbol":"ETH-USDT","window":5,"size":"0.5"}`
	if err := h.OnStgInstChg(ctx, inst); err != nil {
		t.Fatalf("OnStgInstChg() error = %v", err)
	}
	if len(cmds.unsubs) != 1 || cmds.unsubs[0] != topic {
		t.Errorf("unsubs = %v, want [%s]", cmds.unsubs, topic)
	}
	if last := cmds.subs[len(cmds.subs)-1]; last != "shm://MD.Binance.Spot/ETH-USDT/Tickers" {
		t.Errorf("last sub = %s", last)
	}
	if st, _ := h.State(inst.StgInstID); st.Samples != 0 {
		t.Errorf("Samples = %d, want 0", st.Samples)
	}
}

func TestMeanReversion_Del(t *testing.T) {
	h, cmds, inst, topic := startedHandler(t)
	ctx := context.Background()
	feed(t, h, inst, topic, 98, 100, 102, 90)

	if err := h.OnStgInstDel(ctx, inst); err != nil {
		t.Fatalf("OnStgInstDel() error = %v", err)
	}
	if len(cmds.cancels) != 1 {
		t.Errorf("cancels = %d, want 1", len(cmds.cancels))
	}
	if _, ok := cmds.saved[inst.StgInstID]; !ok {
		t.Error("checkpoint should be saved on removal")
	}
	if _, ok := h.State(inst.StgInstID); ok {
		t.Error("state should be gone")
	}
}

func TestMeanReversion_WithEngine(t *testing.T) {
	symbols := types.NewSymbolRegistry(types.SymbolInfo{
		MarketCode:    types.MarketCodeBinance,
		SymbolType:    types.SymbolTypeSpot,
		SymbolCode:    "BTC-USDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
	})
	venueCfg := paper.DefaultConfig()
	venueCfg.AckDelay = time.Millisecond
	venueCfg.FillDelay = time.Millisecond
	venue := paper.NewVenue(venueCfg, nil)

	var handler *MeanReversion
	factory := func(cmds engine.Commands) any {
		handler = NewMeanReversion(cmds, nil)
		return handler
	}

	cfg := engine.DefaultConfig()
	cfg.SyncInterval = 0
	cfg.PnlUpdateInterval = 0
	eng, err := engine.NewEngine(cfg, engine.Deps{Venue: venue, Symbols: symbols}, factory, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx := context.Background()
	inst := testInst(`{"symbol":"BTC-USDT","window":3,"size":"0.5"}`)
	inst.StgID = cfg.StgID
	if err := eng.AddStgInst(ctx, inst); err != nil {
		t.Fatalf("AddStgInst() error = %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer eng.Stop(ctx)

	p, _ := ParseParams(inst.Params)
	for _, price := range []int64{98, 100, 102, 90} {
		if err := eng.PublishMD(ctx, p.Topic(), tick(price)); err != nil {
			t.Fatalf("PublishMD() error = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := handler.State(inst.StgInstID); ok && st.Held.Equal(decimal.RequireFromString("0.5")) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := handler.State(inst.StgInstID)
	t.Fatalf("Held = %s, want 0.5 after the paper fill", st.Held)
}
