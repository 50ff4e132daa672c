// Package engine provides the strategy instance runtime: it owns the strategy instances, serializes every
// event into one dispatch stream and exposes the command surface to the strategy handler.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sourcegraph/conc"
	"github.com/tathienbao/stgeng/internal/alerting"
	"github.com/tathienbao/stgeng/internal/broker"
	"github.com/tathienbao/stgeng/internal/metrics"
	"github.com/tathienbao/stgeng/internal/order"
	"github.com/tathienbao/stgeng/internal/persistence"
	"github.com/tathienbao/stgeng/internal/position"
	"github.com/tathienbao/stgeng/internal/risk"
	"github.com/tathienbao/stgeng/internal/timer"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

const alertTimeout = 10 * time.Second

// Config holds engine configuration.
type Config struct {
	StgID             types.StgID
	QueueSize         int
	TimerTick         time.Duration
	SyncInterval      time.Duration
	OrderRetention    time.Duration
	PnlUpdateInterval time.Duration
	PnlQuoteCurrency  string
	MaxHisMDRecords   int
	RecordHisMD       bool
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		StgID:             10000,
		QueueSize:         4096,
		TimerTick:         timer.DefaultTick,
		SyncInterval:      time.Second,
		OrderRetention:    24 * time.Hour,
		PnlUpdateInterval: 10 * time.Second,
		PnlQuoteCurrency:  "USDT",
		MaxHisMDRecords:   1000,
	}
}

// Deps are the collaborators of the engine. Repo, Symbols, Marks, Alerter and Clock may be nil.
type Deps struct {
	Venue   broker.Venue
	Risk    *risk.Engine
	Repo    persistence.Repository
	Symbols *types.SymbolRegistry
	Marks   *position.MarkBook
	Alerter alerting.Alerter
	Clock   timer.Clock
}

type instance struct {
	info     types.StgInstInfo
	removing bool
}

type gatewayOp struct {
	cancel bool
	order  types.OrderInfo
}

// Engine coordinates the strategy runtime.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	venue    broker.Venue
	risk     *risk.Engine
	repo     persistence.Repository
	symbols  *types.SymbolRegistry
	alerter  alerting.Alerter
	recorder *metrics.Recorder

	router    *topic.Router
	sched     *timer.Scheduler
	orders    *order.Manager
	positions *position.Aggregator
	node      *snowflake.Node

	handler any
	table   dispatchTable

	q        *queue
	gwMu     sync.RWMutex
	gwClosed bool
	gateway  chan gatewayOp

	// State
	mu      sync.RWMutex
	running bool
	started bool
	insts   map[types.StgInstID]*instance

	dirtyMu sync.Mutex
	dirty   map[types.OrderID]struct{}

	runCtx      context.Context
	cancelRun   context.CancelFunc
	cancelSched context.CancelFunc

	// Channels
	done       chan struct{}
	workerDone chan struct{}
	schedDone  chan struct{}
	gwDone     chan struct{}
	wg         sync.WaitGroup
	bg         conc.WaitGroup
}

// NewEngine creates a strategy engine and builds its handler with factory.
func NewEngine(cfg Config, deps Deps, factory HandlerFactory, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Venue == nil {
		return nil, fmt.Errorf("%w: engine needs a venue", types.ErrInvalidConfig)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: engine needs a handler factory", types.ErrInvalidConfig)
	}
	if cfg.MaxHisMDRecords <= 0 {
		cfg.MaxHisMDRecords = DefaultConfig().MaxHisMDRecords
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewEngine(risk.DefaultConfig(), logger)
	}
	if deps.Symbols == nil {
		deps.Symbols = types.NewSymbolRegistry()
	}

	node, err := snowflake.NewNode(int64(cfg.StgID) % 1024)
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		venue:      deps.Venue,
		risk:       deps.Risk,
		repo:       deps.Repo,
		symbols:    deps.Symbols,
		alerter:    deps.Alerter,
		recorder:   metrics.NewRecorder(),
		router:     topic.NewRouter(),
		sched:      timer.NewScheduler(deps.Clock, cfg.TimerTick, logger),
		orders:     order.NewManager(logger),
		positions:  position.NewAggregator(deps.Marks, logger),
		node:       node,
		q:          newQueue(cfg.QueueSize),
		gateway:    make(chan gatewayOp, max(cfg.QueueSize, 1)),
		insts:      make(map[types.StgInstID]*instance),
		dirty:      make(map[types.OrderID]struct{}),
		done:       make(chan struct{}),
		workerDone: make(chan struct{}),
		schedDone:  make(chan struct{}),
		gwDone:     make(chan struct{}),
	}
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	e.handler = factory(e)
	e.table = buildDispatchTable(e.handler)
	return e, nil
}

// Start connects the venue, restores open orders and starts dispatching. OnStgStart is delivered first,
// then OnStgInstStart for every instance added before Start, in id order.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info("starting strategy engine",
		"stg_id", e.cfg.StgID,
		"venue", e.venue.Name(),
		"handler_methods", e.table.Kinds(),
	)

	if err := e.restoreOrders(ctx); err != nil {
		e.resetStarted()
		return err
	}

	e.venue.SetReportHandler(e.onReport)
	if err := e.venue.Connect(ctx); err != nil {
		e.recorder.RecordVenueStatus(e.venue.Name(), false)
		e.resetStarted()
		return fmt.Errorf("connect venue: %w", err)
	}
	e.recorder.RecordVenueStatus(e.venue.Name(), true)

	go e.worker()
	go e.gatewayLoop()

	e.mu.Lock()
	e.running = true
	insts := e.sortedLocked()
	e.mu.Unlock()

	now := time.Now()
	if err := e.q.Publish(ctx, event{kind: EventStgStart, ts: now}); err != nil {
		e.abortStart()
		return fmt.Errorf("publish start: %w", err)
	}
	for _, info := range insts {
		if err := e.q.Publish(ctx, event{kind: EventStgInstStart, inst: info.StgInstID, ts: now}); err != nil {
			e.abortStart()
			return fmt.Errorf("publish instance start: %w", err)
		}
	}
	e.recorder.RecordInstances(len(insts))

	schedCtx, cancel := context.WithCancel(context.Background())
	e.cancelSched = cancel
	go func() {
		defer close(e.schedDone)
		e.sched.Run(schedCtx, e.onTimers)
	}()

	e.wg.Add(1)
	go e.syncLoop(ctx)

	e.wg.Add(1)
	go e.pnlUpdateLoop(ctx)

	e.alert(alerting.EventEngineStarted, "Strategy engine started",
		"stg_id", e.cfg.StgID,
		"instances", len(insts),
	)
	return nil
}

func (e *Engine) resetStarted() {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
}

// abortStart unwinds a Start that failed after the worker and gateway were launched. The queue is
// closed by then, so the engine cannot be started again.
func (e *Engine) abortStart() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.q.Close()
	<-e.workerDone
	e.closeGateway()
	<-e.gwDone

	if err := e.venue.Disconnect(); err != nil {
		e.logger.Warn("disconnect venue after failed start", "err", err)
	}
	e.recorder.RecordVenueStatus(e.venue.Name(), false)
	e.cancelRun()
}

// Stop drains the dispatch queue, then stops the timer clock, the venue and the background loops, and
// flushes pending order updates. Feeds should be stopped before calling Stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping strategy engine")

	var errs []error

	e.q.Close()
	select {
	case <-e.workerDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain queue: %w", ctx.Err()))
	}

	e.cancelSched()
	<-e.schedDone

	e.closeGateway()
	<-e.gwDone

	if err := e.venue.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect venue: %w", err))
	}
	e.recorder.RecordVenueStatus(e.venue.Name(), false)

	close(e.done)
	e.wg.Wait()

	if err := e.flushOrders(ctx); err != nil {
		errs = append(errs, err)
	}

	e.alert(alerting.EventEngineStopped, "Strategy engine stopped", "stg_id", e.cfg.StgID)
	e.bg.Wait()
	e.cancelRun()

	e.logger.Info("strategy engine stopped")
	return errors.Join(errs...)
}

// IsRunning reports whether the engine accepts events and commands.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Handler returns the strategy handler built by the factory.
func (e *Engine) Handler() any {
	return e.handler
}

func (e *Engine) worker() {
	defer close(e.workerDone)
	e.logger.Info("dispatch worker started")
	e.q.Drain(e.dispatch)
	e.logger.Info("dispatch worker stopped")
}

// AddStgInst registers an instance. Once the engine runs, the handler gets OnStgInstAdd.
func (e *Engine) AddStgInst(ctx context.Context, info types.StgInstInfo) error {
	if info.StgInstID == 0 {
		return types.ErrInvalidStgInstID
	}
	if info.StgID == 0 {
		info.StgID = e.cfg.StgID
	}

	e.mu.Lock()
	if _, ok := e.insts[info.StgInstID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", types.ErrDuplicateStgInst, info.StgInstID)
	}
	e.insts[info.StgInstID] = &instance{info: info}
	running := e.running
	n := len(e.insts)
	e.mu.Unlock()

	e.logger.Info("strategy instance added", "stg_inst_id", info.StgInstID, "name", info.Name, "acct_id", info.AcctID)
	e.recorder.RecordInstances(n)

	if !running {
		return nil
	}
	return e.publish(ctx, event{kind: EventStgInstAdd, inst: info.StgInstID})
}

// RemoveStgInst schedules an instance for removal. When the removal is dispatched the handler gets
// OnStgInstDel, then every timer and subscription of the instance is dropped with it.
func (e *Engine) RemoveStgInst(ctx context.Context, id types.StgInstID) error {
	e.mu.Lock()
	in, ok := e.insts[id]
	if !ok || in.removing {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", types.ErrStgInstNotFound, id)
	}
	if !e.running {
		delete(e.insts, id)
		e.mu.Unlock()
		e.router.RemoveInstance(id)
		e.sched.RemoveInstance(id)
		return nil
	}
	in.removing = true
	e.mu.Unlock()

	if err := e.publish(ctx, event{kind: EventStgInstDel, inst: id}); err != nil {
		e.mu.Lock()
		in.removing = false
		e.mu.Unlock()
		return err
	}
	return nil
}

// ChgStgInst replaces the info of an existing instance; the handler gets OnStgInstChg with the new info.
func (e *Engine) ChgStgInst(ctx context.Context, info types.StgInstInfo) error {
	if info.StgID == 0 {
		info.StgID = e.cfg.StgID
	}

	e.mu.Lock()
	in, ok := e.insts[info.StgInstID]
	if !ok || in.removing {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", types.ErrStgInstNotFound, info.StgInstID)
	}
	if !e.running {
		in.info = info
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return e.publish(ctx, event{kind: EventStgInstChg, inst: info.StgInstID, info: info})
}

// StgInst returns the info of one instance.
func (e *Engine) StgInst(id types.StgInstID) (types.StgInstInfo, bool) {
	return e.lookup(id)
}

// StgInsts returns every instance ordered by id.
func (e *Engine) StgInsts() []types.StgInstInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked()
}

func (e *Engine) sortedLocked() []types.StgInstInfo {
	out := make([]types.StgInstInfo, 0, len(e.insts))
	for _, in := range e.insts {
		out = append(out, in.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StgInstID < out[j].StgInstID })
	return out
}

func (e *Engine) lookup(id types.StgInstID) (types.StgInstInfo, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.insts[id]
	if !ok {
		return types.StgInstInfo{}, false
	}
	return in.info, true
}

// PublishMD enqueues a market data payload (types.Trades, Orders, Books, Tickers or Candle) for topic.
// When recording is enabled the payload is also stored for historical queries.
func (e *Engine) PublishMD(ctx context.Context, t string, md any) error {
	kind := mdKind(md)
	if kind == EventUnknown {
		return fmt.Errorf("%w: unsupported market data %T", types.ErrInvalidTopic, md)
	}
	if err := topic.Validate(t); err != nil {
		return err
	}
	if e.cfg.RecordHisMD && e.repo != nil {
		e.recordHisMD(ctx, t, md)
	}
	return e.publish(ctx, event{kind: kind, topic: t, md: md})
}

func (e *Engine) recordHisMD(ctx context.Context, t string, md any) {
	data, err := json.Marshal(md)
	if err != nil {
		e.logger.Warn("encode market data failed", "topic", t, "err", err)
		return
	}
	ts := time.Now()
	if h, ok := headerOf(md); ok && !h.ExchTs.IsZero() {
		ts = h.ExchTs
	}
	if err := e.repo.SaveHisMD(ctx, types.HisMDRecord{Topic: t, Timestamp: ts, Data: data}); err != nil {
		e.logger.Warn("record market data failed", "topic", t, "err", err)
		e.recorder.RecordError("his_md_record")
	}
}

func headerOf(md any) (types.MDHeader, bool) {
	switch v := md.(type) {
	case types.Trades:
		return v.MDHeader, true
	case types.Orders:
		return v.MDHeader, true
	case types.Books:
		return v.MDHeader, true
	case types.Tickers:
		return v.MDHeader, true
	case types.Candle:
		return v.MDHeader, true
	default:
		return types.MDHeader{}, false
	}
}

// PublishPushTopic enqueues a raw payload for subscribers of topic.
func (e *Engine) PublishPushTopic(ctx context.Context, t string, data []byte) error {
	if err := topic.Validate(t); err != nil {
		return err
	}
	return e.publish(ctx, event{kind: EventPushTopic, topic: t, push: data})
}

// PublishPos enqueues position legs for a position topic. A snapshot replaces the scope's legs.
func (e *Engine) PublishPos(ctx context.Context, t string, legs []types.PosInfo, snapshot bool) error {
	if _, ok := topic.ParsePosTopic(t); !ok {
		return fmt.Errorf("%w: %q is not a position topic", types.ErrInvalidTopic, t)
	}
	return e.publish(ctx, event{kind: eventPos, topic: t, legs: legs, snapshot: snapshot})
}

// PublishAssets enqueues asset balances for an assets topic.
func (e *Engine) PublishAssets(ctx context.Context, t string, assets []types.AssetInfo, snapshot bool) error {
	if !topic.IsAssetsTopic(t) {
		return fmt.Errorf("%w: %q is not an assets topic", types.ErrInvalidTopic, t)
	}
	return e.publish(ctx, event{kind: eventAssets, topic: t, assets: assets, snapshot: snapshot})
}

// PublishManualIntervention enqueues an operator command for one instance.
func (e *Engine) PublishManualIntervention(ctx context.Context, id types.StgInstID, mi types.ManualIntervention) error {
	if _, ok := e.lookup(id); !ok {
		return fmt.Errorf("%w: %d", types.ErrStgInstNotFound, id)
	}
	if mi.Timestamp.IsZero() {
		mi.Timestamp = time.Now()
	}
	if err := e.publish(ctx, event{kind: EventManualIntervention, inst: id, manual: mi}); err != nil {
		return err
	}
	e.alert(alerting.EventManualIntervention, "Manual intervention",
		"stg_inst_id", id,
		"command", mi.Command,
		"operator", mi.Operator,
	)
	return nil
}

func (e *Engine) publish(ctx context.Context, ev event) error {
	if !e.IsRunning() {
		return types.ErrEngineNotRunning
	}
	if ev.ts.IsZero() {
		ev.ts = time.Now()
	}
	if err := e.q.Publish(ctx, ev); err != nil {
		e.recorder.RecordDrop(ev.kind.String(), "publish_failed")
		return err
	}
	return nil
}

// onTimers runs on the scheduler goroutine.
func (e *Engine) onTimers(fired []timer.Fired) {
	err := e.q.Publish(e.runCtx, event{kind: eventTimerBatch, fired: fired, ts: time.Now()})
	if err != nil {
		e.logger.Debug("timer batch dropped", "timers", len(fired), "err", err)
		e.recorder.RecordDrop(eventTimerBatch.String(), "queue_closed")
	}
}

// onReport runs on venue goroutines.
func (e *Engine) onReport(r order.Report) {
	err := e.q.Publish(e.runCtx, event{kind: eventVenueReport, report: r, ts: time.Now()})
	if err != nil {
		e.logger.Warn("venue report dropped", "order_id", r.OrderID, "status", r.Status, "err", err)
		e.recorder.RecordDrop(eventVenueReport.String(), "queue_closed")
	}
}

// EnterSafeMode blocks new orders until ExitSafeMode.
func (e *Engine) EnterSafeMode(reason string) bool {
	if !e.risk.EnterSafeMode(reason) {
		return false
	}
	e.onSafeModeEntered(reason)
	return true
}

// ExitSafeMode lifts safe mode.
func (e *Engine) ExitSafeMode() bool {
	if !e.risk.ExitSafeMode() {
		return false
	}
	e.recorder.RecordSafeMode(false)
	e.logger.Warn("safe mode exited")
	e.alert(alerting.EventSafeModeExited, "Safe mode exited")
	return true
}

func (e *Engine) onSafeModeEntered(reason string) {
	e.recorder.RecordSafeMode(true)
	e.logger.Error("safe mode entered", "reason", reason)
	e.alert(alerting.EventSafeModeEntered, "Safe mode entered: new orders are blocked", "reason", reason)
}

// RiskState returns the flow control and safe mode state.
func (e *Engine) RiskState() risk.State {
	return e.risk.Snapshot()
}

// alert sends asynchronously so a slow alerter never stalls dispatch.
func (e *Engine) alert(event alerting.Event, message string, fields ...any) {
	if e.alerter == nil {
		return
	}
	e.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := alerting.Raise(ctx, e.alerter, event, message, fields...); err != nil {
			e.logger.Warn("failed to send alert", "event", event, "err", err)
		}
	})
}

// syncLoop periodically writes changed orders to the store and purges old closed orders.
func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()

	if e.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			if err := e.flushOrders(ctx); err != nil {
				e.logger.Warn("order sync failed", "err", err)
				e.recorder.RecordError("order_sync")
			}
			e.purgeClosedOrders(ctx)
		}
	}
}

func (e *Engine) markDirty(id types.OrderID) {
	e.dirtyMu.Lock()
	e.dirty[id] = struct{}{}
	e.dirtyMu.Unlock()
}

func (e *Engine) flushOrders(ctx context.Context) error {
	e.dirtyMu.Lock()
	ids := make([]types.OrderID, 0, len(e.dirty))
	for id := range e.dirty {
		ids = append(ids, id)
	}
	e.dirty = make(map[types.OrderID]struct{})
	e.dirtyMu.Unlock()

	if e.repo == nil || len(ids) == 0 {
		return nil
	}

	batch := make([]types.OrderInfo, 0, len(ids))
	for _, id := range ids {
		if o, err := e.orders.Get(id); err == nil {
			batch = append(batch, o)
		}
	}
	if err := e.repo.SaveOrders(ctx, batch); err != nil {
		for _, id := range ids {
			e.markDirty(id)
		}
		return fmt.Errorf("save orders: %w", err)
	}
	e.logger.Debug("orders synced", "count", len(batch))
	return nil
}

func (e *Engine) purgeClosedOrders(ctx context.Context) {
	if e.cfg.OrderRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.cfg.OrderRetention)
	e.orders.PurgeClosedBefore(cutoff)
	if e.repo == nil {
		return
	}
	if n, err := e.repo.PurgeClosedOrdersBefore(ctx, cutoff); err != nil {
		e.logger.Warn("purge stored orders failed", "err", err)
	} else if n > 0 {
		e.logger.Debug("purged stored orders", "count", n)
	}
}

func (e *Engine) restoreOrders(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	open, err := e.repo.LoadOpenOrders(ctx, e.cfg.StgID)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	restored := 0
	for _, o := range open {
		if e.orders.Restore(o) {
			restored++
		}
	}
	if restored > 0 {
		e.logger.Info("restored open orders", "count", restored)
	}
	e.recorder.RecordOpenOrders(e.orders.OpenCount())
	return nil
}

// pnlUpdateLoop periodically computes each instance's PnL, exports it and stores a record.
func (e *Engine) pnlUpdateLoop(ctx context.Context) {
	defer e.wg.Done()

	if e.cfg.PnlUpdateInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.PnlUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.updatePnl(ctx)
		}
	}
}

func (e *Engine) updatePnl(ctx context.Context) {
	ccy := e.cfg.PnlQuoteCurrency
	for _, info := range e.StgInsts() {
		cond := fmt.Sprintf("stgId=%d&stgInstId=%d", info.StgID, info.StgInstID)
		res, err := e.positions.QueryPnl(cond, ccy, ccy)
		if errors.Is(err, types.ErrPnlNotExists) {
			continue
		}
		if err != nil {
			e.logger.Debug("pnl update skipped", "stg_inst_id", info.StgInstID, "err", err)
			continue
		}

		e.recorder.RecordPnl(uint32(info.StgInstID), res.Total)
		if e.repo == nil {
			continue
		}
		rec := persistence.PnlRecord{
			StgID:      info.StgID,
			StgInstID:  info.StgInstID,
			Currency:   ccy,
			Realized:   res.Realized,
			Unrealized: res.Unrealized,
			Fee:        res.Fee,
			Total:      res.Total,
			Timestamp:  res.UpdateTime,
		}
		if err := e.repo.SavePnlRecord(ctx, rec); err != nil {
			e.logger.Warn("save pnl record failed", "stg_inst_id", info.StgInstID, "err", err)
			e.recorder.RecordError("pnl_record")
		}
	}
}
