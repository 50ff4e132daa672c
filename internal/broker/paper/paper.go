// Package paper provides a simulated order venue.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/broker"
	"github.com/tathienbao/stgeng/internal/order"
	"github.com/tathienbao/stgeng/internal/types"
	"golang.org/x/time/rate"
)

// Config holds paper venue configuration.
type Config struct {
	AckDelay  time.Duration
	FillDelay time.Duration
	// FillSteps splits each order into this many equal fills. 0 leaves orders resting until cancelled.
	FillSteps     int
	FeeRate       decimal.Decimal // fraction of filled notional
	FeeCurrency   string
	RejectSymbols []string
	// SubmitsPerSec throttles SubmitOrder. 0 disables the throttle.
	SubmitsPerSec float64
}

// DefaultConfig returns default paper venue config.
func DefaultConfig() Config {
	return Config{
		AckDelay:  5 * time.Millisecond,
		FillDelay: 50 * time.Millisecond,
		FillSteps: 1,
		FeeRate:   decimal.RequireFromString("0.0005"),
	}
}

// closedHistory bounds how many finished order ids are remembered for cancel replies.
const closedHistory = 1024

type paperOrder struct {
	info   types.OrderInfo
	filled decimal.Decimal
	final  bool
	cancel chan struct{}
}

// Venue implements broker.Venue against an in-process simulator.
type Venue struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	reject  map[string]bool

	state   atomic.Int32
	handler atomic.Pointer[broker.ReportHandler]
	exchSeq atomic.Int64

	mu        sync.Mutex
	orders    map[types.OrderID]*paperOrder
	closed    map[types.OrderID]struct{}
	closedIDs []types.OrderID
	closedCap int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewVenue creates a new paper venue.
func NewVenue(cfg Config, logger *slog.Logger) *Venue {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 0
	if cfg.SubmitsPerSec > 0 {
		limit = rate.Limit(cfg.SubmitsPerSec)
		burst = max(1, int(cfg.SubmitsPerSec))
	}
	reject := make(map[string]bool, len(cfg.RejectSymbols))
	for _, s := range cfg.RejectSymbols {
		reject[s] = true
	}

	v := &Venue{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
		reject:  reject,
		orders:  make(map[types.OrderID]*paperOrder),
		closed:  make(map[types.OrderID]struct{}),
		done:    make(chan struct{}),
	}
	v.closedCap = closedHistory
	v.state.Store(int32(broker.StateDisconnected))
	return v
}

// Name returns the venue name.
func (v *Venue) Name() string {
	return "paper"
}

// Connect simulates connecting to the venue.
func (v *Venue) Connect(ctx context.Context) error {
	select {
	case <-v.done:
		return fmt.Errorf("paper venue already shut down")
	default:
	}
	v.state.Store(int32(broker.StateConnected))
	v.logger.Info("paper venue connected",
		"fill_steps", v.cfg.FillSteps,
		"fill_delay", v.cfg.FillDelay,
	)
	return nil
}

// Disconnect stops every simulated order.
func (v *Venue) Disconnect() error {
	if broker.ConnectionState(v.state.Swap(int32(broker.StateDisconnected))) == broker.StateDisconnected {
		return nil
	}
	close(v.done)
	v.wg.Wait()
	v.logger.Info("paper venue disconnected")
	return nil
}

// State returns connection state.
func (v *Venue) State() broker.ConnectionState {
	return broker.ConnectionState(v.state.Load())
}

// IsConnected returns true if connected.
func (v *Venue) IsConnected() bool {
	return v.State() == broker.StateConnected
}

// SetReportHandler installs the report sink.
func (v *Venue) SetReportHandler(h broker.ReportHandler) {
	v.handler.Store(&h)
}

func (v *Venue) emit(r order.Report) {
	if h := v.handler.Load(); h != nil && *h != nil {
		(*h)(r)
	}
}

// SubmitOrder accepts an order and simulates its lifecycle in the background.
func (v *Venue) SubmitOrder(ctx context.Context, o types.OrderInfo) error {
	if !v.IsConnected() {
		return broker.ErrNotConnected
	}
	if !v.limiter.Allow() {
		return broker.ErrRateLimited
	}

	v.mu.Lock()
	_, live := v.orders[o.OrderID]
	_, done := v.closed[o.OrderID]
	if live || done {
		v.mu.Unlock()
		return fmt.Errorf("%w: %d", types.ErrDuplicateOrder, o.OrderID)
	}
	po := &paperOrder{info: o, cancel: make(chan struct{}, 1)}
	v.orders[o.OrderID] = po
	v.mu.Unlock()

	v.logger.Debug("paper order submitted",
		"order_id", o.OrderID,
		"symbol", o.SymbolCode,
		"side", o.Side,
		"price", o.Price,
		"size", o.Size,
	)

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.simulate(po)
	}()
	return nil
}

// simulate produces every report of one order, so reports for an order are never reordered.
func (v *Venue) simulate(po *paperOrder) {
	if !v.sleep(v.cfg.AckDelay) {
		return
	}

	id := po.info.OrderID
	exchID := fmt.Sprintf("PAPER-%d", v.exchSeq.Add(1))

	if v.reject[po.info.SymbolCode] {
		v.finish(po)
		v.emit(order.Report{
			Kind:        order.ReportOrderRet,
			OrderID:     id,
			ExchOrderID: exchID,
			Status:      types.OrderStatusRejected,
			StatusCode:  types.StatusExternalOrderRejected,
			StatusMsg:   "symbol not tradable on paper venue",
			Timestamp:   time.Now(),
		})
		v.retire(id)
		return
	}

	v.emit(order.Report{
		Kind:        order.ReportOrderRet,
		OrderID:     id,
		ExchOrderID: exchID,
		Status:      types.OrderStatusAcked,
		Timestamp:   time.Now(),
	})

	steps := v.cfg.FillSteps
	var fillTick <-chan time.Time
	if steps > 0 {
		ticker := time.NewTicker(max(v.cfg.FillDelay, time.Millisecond))
		defer ticker.Stop()
		fillTick = ticker.C
	}
	step := decimal.Zero
	if steps > 0 {
		step = po.info.Size.Div(decimal.NewFromInt(int64(steps)))
	}

	for i := 1; ; i++ {
		select {
		case <-v.done:
			return
		case <-po.cancel:
			v.mu.Lock()
			po.final = true
			filled := po.filled
			v.mu.Unlock()
			v.emit(order.Report{
				Kind:        order.ReportCancelRet,
				OrderID:     id,
				ExchOrderID: exchID,
				Status:      types.OrderStatusCancelled,
				FilledSize:  filled,
				Fee:         v.fee(po.info.Price, filled),
				FeeCurrency: v.cfg.FeeCurrency,
				Timestamp:   time.Now(),
			})
			v.retire(id)
			return
		case <-fillTick:
			v.mu.Lock()
			last := step
			status := types.OrderStatusPartiallyFilled
			if i >= steps {
				last = po.info.Size.Sub(po.filled)
				status = types.OrderStatusFilled
				po.final = true
			}
			po.filled = po.filled.Add(last)
			filled := po.filled
			v.mu.Unlock()

			v.emit(order.Report{
				Kind:            order.ReportOrderRet,
				OrderID:         id,
				ExchOrderID:     exchID,
				Status:          status,
				FilledSize:      filled,
				LastFilledSize:  last,
				LastFilledPrice: po.info.Price,
				Fee:             v.fee(po.info.Price, filled),
				FeeCurrency:     v.cfg.FeeCurrency,
				Timestamp:       time.Now(),
			})
			if status == types.OrderStatusFilled {
				v.retire(id)
				return
			}
		}
	}
}

func (v *Venue) fee(price, filled decimal.Decimal) decimal.Decimal {
	return price.Mul(filled).Mul(v.cfg.FeeRate)
}

func (v *Venue) finish(po *paperOrder) {
	v.mu.Lock()
	po.final = true
	v.mu.Unlock()
}

// retire forgets a finished order once its terminal report is out. Only its id is kept, and only for the
// most recent closedCap orders.
func (v *Venue) retire(id types.OrderID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.orders, id)
	v.closed[id] = struct{}{}
	v.closedIDs = append(v.closedIDs, id)
	if len(v.closedIDs) > v.closedCap {
		delete(v.closed, v.closedIDs[0])
		v.closedIDs = v.closedIDs[1:]
	}
}

func (v *Venue) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-v.done:
		return false
	case <-t.C:
		return true
	}
}

// CancelOrder requests cancellation of a resting order.
func (v *Venue) CancelOrder(ctx context.Context, o types.OrderInfo) error {
	if !v.IsConnected() {
		return broker.ErrNotConnected
	}

	v.mu.Lock()
	po, ok := v.orders[o.OrderID]
	final := ok && po.final
	if _, done := v.closed[o.OrderID]; done {
		ok, final = true, true
	}
	v.mu.Unlock()

	switch {
	case !ok:
		v.emit(broker.CancelRejectReport(o, types.StatusOrderNotFound, "unknown order"))
	case final:
		v.emit(broker.CancelRejectReport(o, types.StatusOrderAlreadyClosed, "order already closed"))
	default:
		select {
		case po.cancel <- struct{}{}:
		default:
		}
	}
	return nil
}

// OpenOrders returns the ids of orders still live on the venue.
func (v *Venue) OpenOrders() []types.OrderID {
	v.mu.Lock()
	defer v.mu.Unlock()
	var ids []types.OrderID
	for id, po := range v.orders {
		if !po.final {
			ids = append(ids, id)
		}
	}
	return ids
}

var _ broker.Venue = (*Venue)(nil)
