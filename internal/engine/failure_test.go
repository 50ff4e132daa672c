package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/alerting"
	"github.com/tathienbao/stgeng/internal/order"
	"github.com/tathienbao/stgeng/internal/persistence"
	"github.com/tathienbao/stgeng/internal/risk"
	"github.com/tathienbao/stgeng/internal/types"
)

// TestEngine_Failure_ConnectError tests that Start fails when the venue cannot connect.
func TestEngine_Failure_ConnectError(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.venue.connectErr = errors.New("connection refused")

	err := env.engine.Start(context.Background())
	if err == nil {
		t.Fatal("expected error when venue connect fails")
	}
	if !errors.Is(err, env.venue.connectErr) {
		t.Errorf("Start() error = %v, want wrapping %v", err, env.venue.connectErr)
	}
	if env.engine.IsRunning() {
		t.Error("engine should not be running after failed start")
	}
}

// TestEngine_Failure_HandlerError tests that a handler error is contained and dispatch continues.
func TestEngine_Failure_HandlerError(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.handler.onStart = func(context.Context) error {
		return errors.New("warmup failed")
	}
	env.start(t, 1)
	env.engine.Stop(context.Background())

	if n := env.handler.count("inst_start 1"); n != 1 {
		t.Errorf("inst_start delivered %d times after a faulting start, want 1", n)
	}
	if !env.alerter.HasEvent(alerting.EventHandlerFault) {
		t.Error("expected handler fault alert")
	}
}

// TestEngine_Failure_HandlerPanic tests that a panicking callback does not kill the worker.
func TestEngine_Failure_HandlerPanic(t *testing.T) {
	env := newTestEnv(t, testConfig())
	calls := 0
	env.handler.onTickers = func(context.Context, types.StgInstInfo, types.Tickers) error {
		calls++
		if calls == 1 {
			var m map[string]int
			m["boom"] = 1
		}
		return nil
	}
	env.start(t, 1)
	ctx := context.Background()
	env.engine.Sub(1, tickersTopic())

	for _, p := range []int64{1, 2} {
		if err := env.engine.PublishMD(ctx, tickersTopic(), tickers(p)); err != nil {
			t.Fatalf("PublishMD() error = %v", err)
		}
	}
	if err := env.engine.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if calls != 2 {
		t.Errorf("OnTickers called %d times, want 2", calls)
	}

	var fault *alerting.MockAlert
	for _, a := range env.alerter.Alerts() {
		if v, _ := a.Field("event"); v == string(alerting.EventHandlerFault) {
			fault = &a
			break
		}
	}
	if fault == nil {
		t.Fatal("expected handler fault alert")
	}
	if v, _ := fault.Field("event"); v == nil {
		t.Error("fault alert should carry the event")
	}
	if v, _ := fault.Field("stg_inst_id"); v != types.StgInstID(1) {
		t.Errorf("stg_inst_id = %v, want 1", v)
	}
}

// TestEngine_Failure_VenueSubmitError tests that a venue error reaches the handler as a rejection.
func TestEngine_Failure_VenueSubmitError(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.venue.submitErr = errors.New("insufficient margin")
	env.start(t, 1)
	ctx := context.Background()

	code, id := env.handler.cmds.Order(ctx, 1, buyRequest())
	if code != types.StatusSuccess {
		t.Fatalf("Order() = %v, want success before venue outcome", code)
	}
	waitFor(t, "rejection", func() bool { return env.handler.count("order_ret 1 REJECTED") == 1 })

	_, o := env.engine.GetOrderInfo(id)
	if o.StatusCode != types.StatusExternalOrderRejected {
		t.Errorf("StatusCode = %v, want %v", o.StatusCode, types.StatusExternalOrderRejected)
	}
	if o.StatusMsg != "insufficient margin" {
		t.Errorf("StatusMsg = %q, want %q", o.StatusMsg, "insufficient margin")
	}
	waitFor(t, "reject alert", func() bool { return env.alerter.HasEvent(alerting.EventOrderRejected) })
}

// TestEngine_Failure_ConsecutiveRejects tests that repeated rejects enter safe mode.
func TestEngine_Failure_ConsecutiveRejects(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rc := risk.DefaultConfig()
	rc.MaxConsecutiveRejects = 2
	env.engine.risk = risk.NewEngine(rc, nil)
	env.venue.submitErr = errors.New("rejected")
	env.start(t, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		env.handler.cmds.Order(ctx, 1, buyRequest())
	}
	waitFor(t, "safe mode", func() bool { return env.engine.RiskState().SafeMode })

	if code, _ := env.handler.cmds.Order(ctx, 1, buyRequest()); code != types.StatusSafeModeActive {
		t.Errorf("Order() in safe mode = %v, want %v", code, types.StatusSafeModeActive)
	}
	waitFor(t, "safe mode alert", func() bool { return env.alerter.HasEvent(alerting.EventSafeModeEntered) })

	if !env.engine.ExitSafeMode() {
		t.Fatal("ExitSafeMode() = false, want true")
	}
	if env.engine.ExitSafeMode() {
		t.Error("second ExitSafeMode() = true, want false")
	}
}

// TestEngine_Failure_ManualSafeMode tests operator safe mode.
func TestEngine_Failure_ManualSafeMode(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.start(t, 1)
	ctx := context.Background()

	if !env.engine.EnterSafeMode("maintenance") {
		t.Fatal("EnterSafeMode() = false, want true")
	}
	if code, _ := env.handler.cmds.Order(ctx, 1, buyRequest()); code != types.StatusSafeModeActive {
		t.Errorf("Order() = %v, want %v", code, types.StatusSafeModeActive)
	}
	if state := env.engine.RiskState(); state.SafeModeReason != "maintenance" {
		t.Errorf("SafeModeReason = %q, want %q", state.SafeModeReason, "maintenance")
	}
}

// TestEngine_Failure_CancelRejected tests that a refused cancel clears the in-flight flag.
func TestEngine_Failure_CancelRejected(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.venue.cancelErr = errors.New("too late")
	env.start(t, 1)
	ctx := context.Background()
	cmds := env.handler.cmds

	_, id := cmds.Order(ctx, 1, buyRequest())
	waitFor(t, "ack", func() bool { return env.handler.count("order_ret 1 ACKED") == 1 })

	if code := cmds.CancelOrder(ctx, id); code != types.StatusSuccess {
		t.Fatalf("CancelOrder() = %v, want success", code)
	}
	waitFor(t, "cancel rejection", func() bool {
		return env.handler.count("cancel_ret 1 -10001") == 1
	})

	_, o := env.engine.GetOrderInfo(id)
	if o.CancelRequested {
		t.Error("CancelRequested should be cleared after a refused cancel")
	}
	if code := cmds.CancelOrder(ctx, id); code != types.StatusSuccess {
		t.Errorf("retry CancelOrder() = %v, want success", code)
	}
	waitFor(t, "second cancel", func() bool { return len(env.venue.Cancelled()) == 2 })
}

// TestEngine_Failure_OrderRateLimit tests that the order rate limit is enforced locally.
func TestEngine_Failure_OrderRateLimit(t *testing.T) {
	env := newTestEnv(t, testConfig())
	rc := risk.DefaultConfig()
	rc.OrdersPerSec = 0.001
	rc.OrderBurst = 1
	env.engine.risk = risk.NewEngine(rc, nil)
	env.start(t, 1)
	ctx := context.Background()

	if code, _ := env.handler.cmds.Order(ctx, 1, buyRequest()); code != types.StatusSuccess {
		t.Fatalf("first Order() = %v, want success", code)
	}
	if code, _ := env.handler.cmds.Order(ctx, 1, buyRequest()); code != types.StatusOrderRateExceeded {
		t.Errorf("second Order() = %v, want %v", code, types.StatusOrderRateExceeded)
	}
	waitFor(t, "rate alert", func() bool { return env.alerter.HasEvent(alerting.EventOrderRateExceeded) })
}

// TestEngine_Failure_NoStore tests the store-backed commands without a store.
func TestEngine_Failure_NoStore(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.start(t, 1)
	ctx := context.Background()
	cmds := env.handler.cmds

	if code, _ := cmds.QuerySpecificNumOfHisMDAfterTs(ctx, tickersTopic(), time.Now(), 10); code != types.StatusHisMDQueryFailed {
		t.Errorf("QuerySpecificNumOfHisMDAfterTs() = %v, want %v", code, types.StatusHisMDQueryFailed)
	}
	if code := cmds.SaveStgPrivateData(ctx, 1, []byte("x")); code != types.StatusPrivateDataFailed {
		t.Errorf("SaveStgPrivateData() = %v, want %v", code, types.StatusPrivateDataFailed)
	}
	if code := cmds.SaveStgPrivateData(ctx, 9, []byte("x")); code != types.StatusStgInstNotFound {
		t.Errorf("SaveStgPrivateData(unknown) = %v, want %v", code, types.StatusStgInstNotFound)
	}
}

func newStoreEnv(t *testing.T, cfg Config) (*testEnv, persistence.Repository) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.db")
	repo, err := persistence.NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
		os.Remove(path)
	})

	env := &testEnv{venue: newMockVenue(), alerter: alerting.NewMockAlerter(), handler: &recHandler{}}
	factory := func(cmds Commands) any {
		env.handler.cmds = cmds
		return env.handler
	}
	e, err := NewEngine(cfg, Deps{
		Venue:   env.venue,
		Repo:    repo,
		Symbols: types.NewSymbolRegistry(testSymbol),
		Alerter: env.alerter,
	}, factory, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	env.engine = e
	return env, repo
}

func TestEngine_HisMDQueries(t *testing.T) {
	cfg := testConfig()
	cfg.RecordHisMD = true
	cfg.MaxHisMDRecords = 5
	env, _ := newStoreEnv(t, cfg)
	env.start(t, 1)
	ctx := context.Background()
	cmds := env.handler.cmds

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		md := tickers(int64(100 + i))
		md.ExchTs = base.Add(time.Duration(i) * time.Second)
		if err := env.engine.PublishMD(ctx, tickersTopic(), md); err != nil {
			t.Fatalf("PublishMD() error = %v", err)
		}
	}

	code, recs := cmds.QuerySpecificNumOfHisMDAfterTs(ctx, tickersTopic(), base, 2)
	if code != types.StatusSuccess {
		t.Fatalf("after query = %v, want success", code)
	}
	if len(recs) != 2 || !recs[0].Timestamp.Equal(base.Add(time.Second)) {
		t.Errorf("after query returned %d records starting %v", len(recs), recs)
	}

	code, recs = cmds.QuerySpecificNumOfHisMDBeforeTs(ctx, tickersTopic(), base.Add(3*time.Second), 2)
	if code != types.StatusSuccess {
		t.Fatalf("before query = %v, want success", code)
	}
	if len(recs) != 2 || !recs[1].Timestamp.Equal(base.Add(2*time.Second)) {
		t.Errorf("before query should end at the newest record before ts, got %v", recs)
	}

	code, recs = cmds.QueryHisMDBetween2Ts(ctx, tickersTopic(), base, base.Add(3*time.Second))
	if code != types.StatusSuccess || len(recs) != 4 {
		t.Errorf("between query = %v with %d records, want success with 4", code, len(recs))
	}

	if code, _ := cmds.QuerySpecificNumOfHisMDAfterTs(ctx, tickersTopic(), base, 6); code != types.StatusInvalidHisMDQuery {
		t.Errorf("num over max = %v, want %v", code, types.StatusInvalidHisMDQuery)
	}
	if code, _ := cmds.QuerySpecificNumOfHisMDAfterTs(ctx, tickersTopic(), base, 0); code != types.StatusInvalidHisMDQuery {
		t.Errorf("zero num = %v, want %v", code, types.StatusInvalidHisMDQuery)
	}
	if code, _ := cmds.QueryHisMDBetween2Ts(ctx, tickersTopic(), base.Add(time.Second), base); code != types.StatusInvalidHisMDQuery {
		t.Errorf("reversed range = %v, want %v", code, types.StatusInvalidHisMDQuery)
	}
}

func TestEngine_PrivateData(t *testing.T) {
	env, _ := newStoreEnv(t, testConfig())
	env.start(t, 1)
	ctx := context.Background()
	cmds := env.handler.cmds

	if code, _ := cmds.LoadStgPrivateData(ctx, 1); code != types.StatusPrivateDataNotFound {
		t.Errorf("LoadStgPrivateData() before save = %v, want %v", code, types.StatusPrivateDataNotFound)
	}
	if code := cmds.SaveStgPrivateData(ctx, 1, []byte(`{"grid":3}`)); code != types.StatusSuccess {
		t.Fatalf("SaveStgPrivateData() = %v, want success", code)
	}
	code, data := cmds.LoadStgPrivateData(ctx, 1)
	if code != types.StatusSuccess {
		t.Fatalf("LoadStgPrivateData() = %v, want success", code)
	}
	if string(data) != `{"grid":3}` {
		t.Errorf("data = %s, want %s", data, `{"grid":3}`)
	}
}

// TestEngine_OrdersFlushedOnStop tests that order changes reach the store on shutdown and open orders
// come back on the next start.
func TestEngine_OrdersFlushedOnStop(t *testing.T) {
	env, repo := newStoreEnv(t, testConfig())
	env.start(t, 1)
	ctx := context.Background()

	_, id := env.handler.cmds.Order(ctx, 1, buyRequest())
	waitFor(t, "ack", func() bool { return env.handler.count("order_ret 1 ACKED") == 1 })
	if err := env.engine.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stored, err := repo.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if stored == nil {
		t.Fatal("order was not flushed on stop")
	}
	if stored.Status != types.OrderStatusAcked {
		t.Errorf("stored Status = %v, want ACKED", stored.Status)
	}
	if !stored.Size.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("stored Size = %s, want 0.1", stored.Size)
	}

	next := &recHandler{}
	e2, err := NewEngine(testConfig(), Deps{
		Venue:   newMockVenue(),
		Repo:    repo,
		Symbols: types.NewSymbolRegistry(testSymbol),
	}, func(cmds Commands) any { next.cmds = cmds; return next }, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := e2.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e2.Stop(ctx)

	code, o := e2.GetOrderInfo(id)
	if code != types.StatusSuccess {
		t.Fatalf("restored GetOrderInfo() = %v, want success", code)
	}
	if o.Status != types.OrderStatusAcked {
		t.Errorf("restored Status = %v, want ACKED", o.Status)
	}
}

func TestQueue_CloseAndDrain(t *testing.T) {
	q := newQueue(4)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := q.Publish(ctx, event{kind: EventPushTopic, inst: types.StgInstID(i)}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	q.Close()
	q.Close()

	if err := q.Publish(ctx, event{}); !errors.Is(err, types.ErrQueueClosed) {
		t.Errorf("Publish() after close error = %v, want %v", err, types.ErrQueueClosed)
	}

	var got []types.StgInstID
	q.Drain(func(ev event) { got = append(got, ev.inst) })
	if len(got) != 3 {
		t.Fatalf("drained %d events, want 3", len(got))
	}
	for i, id := range got {
		if id != types.StgInstID(i+1) {
			t.Errorf("event %d inst = %d, want %d", i, id, i+1)
		}
	}
}

func TestQueue_TryPublishFull(t *testing.T) {
	q := newQueue(1)

	if err := q.TryPublish(event{}); err != nil {
		t.Fatalf("TryPublish() error = %v", err)
	}
	if err := q.TryPublish(event{}); !errors.Is(err, types.ErrQueueFull) {
		t.Errorf("TryPublish() on full queue error = %v, want %v", err, types.ErrQueueFull)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_PublishHonorsContext(t *testing.T) {
	q := newQueue(1)
	q.TryPublish(event{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, event{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish() on full queue error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestEngine_PnlRecorded(t *testing.T) {
	cfg := testConfig()
	cfg.PnlUpdateInterval = 20 * time.Millisecond
	env, repo := newStoreEnv(t, cfg)
	env.start(t, 1)
	ctx := context.Background()

	code, id := env.handler.cmds.Order(ctx, 1, buyRequest())
	if code != types.StatusSuccess {
		t.Fatalf("Order() = %v, want success", code)
	}
	waitFor(t, "ack", func() bool { return env.handler.count("order_ret 1 ACKED") == 1 })

	env.venue.emit(order.Report{
		Kind:            order.ReportOrderRet,
		OrderID:         id,
		Status:          types.OrderStatusFilled,
		FilledSize:      decimal.RequireFromString("0.1"),
		LastFilledPrice: decimal.NewFromInt(50000),
		Fee:             decimal.NewFromInt(5),
		FeeCurrency:     "USDT",
	})

	var records []persistence.PnlRecord
	waitFor(t, "pnl record", func() bool {
		var err error
		records, err = repo.GetPnlHistory(ctx, 1, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		return err == nil && len(records) > 0
	})

	rec := records[len(records)-1]
	if rec.Currency != "USDT" {
		t.Errorf("Currency = %s, want USDT", rec.Currency)
	}
	if !rec.Fee.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Fee = %s, want 5", rec.Fee)
	}
}
