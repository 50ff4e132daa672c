// Package order tracks order lifecycles from submission to a terminal state.
package order

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/types"
)

// ReportKind tells whether a venue report answers an order or a cancel request.
type ReportKind int

const (
	ReportOrderRet ReportKind = iota + 1
	ReportCancelRet
)

func (k ReportKind) String() string {
	switch k {
	case ReportOrderRet:
		return "order_ret"
	case ReportCancelRet:
		return "cancel_order_ret"
	default:
		return "unknown"
	}
}

// Report is a venue update for one order. FilledSize is cumulative.
type Report struct {
	Kind            ReportKind
	OrderID         types.OrderID
	ExchOrderID     string
	Status          types.OrderStatus
	FilledSize      decimal.Decimal
	LastFilledSize  decimal.Decimal
	LastFilledPrice decimal.Decimal
	Fee             decimal.Decimal // cumulative
	FeeCurrency     string
	StatusCode      types.StatusCode
	StatusMsg       string
	Timestamp       time.Time
}

// transitions lists the states each state may move to. PartiallyFilled may repeat while the filled size grows.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderStatusPending: {
		types.OrderStatusAcked,
		types.OrderStatusPartiallyFilled,
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
		types.OrderStatusRejected,
	},
	types.OrderStatusAcked: {
		types.OrderStatusPartiallyFilled,
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
		types.OrderStatusRejected,
	},
	types.OrderStatusPartiallyFilled: {
		types.OrderStatusPartiallyFilled,
		types.OrderStatusFilled,
		types.OrderStatusCancelled,
	},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to types.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Manager owns the order table.
type Manager struct {
	mu     sync.RWMutex
	orders map[types.OrderID]*types.OrderInfo
	open   int
	logger *slog.Logger
}

// NewManager creates an empty order manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		orders: make(map[types.OrderID]*types.OrderInfo),
		logger: logger,
	}
}

// Add registers a new order in Pending state.
func (m *Manager) Add(o types.OrderInfo) (types.OrderInfo, error) {
	if o.OrderID == 0 {
		return types.OrderInfo{}, fmt.Errorf("%w: zero order id", types.ErrAddOrderFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.OrderID]; ok {
		return types.OrderInfo{}, fmt.Errorf("%w: %d", types.ErrDuplicateOrder, o.OrderID)
	}
	o.Status = types.OrderStatusPending
	o.FilledSize = decimal.Zero
	o.AvgFilledPrice = decimal.Zero
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	o.UpdatedAt = o.CreatedAt
	m.orders[o.OrderID] = &o
	m.open++
	return o, nil
}

// Restore loads an order in whatever state it was persisted in. Existing orders are not overwritten.
func (m *Manager) Restore(o types.OrderInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return false
	}
	m.orders[o.OrderID] = &o
	if !o.Status.IsFinal() {
		m.open++
	}
	return true
}

// Get returns a copy of an order.
func (m *Manager) Get(id types.OrderID) (types.OrderInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return types.OrderInfo{}, fmt.Errorf("%w: %d", types.ErrOrderNotFound, id)
	}
	return *o, nil
}

// RequestCancel marks an order as having a cancel in flight. send is false when a cancel was already
// requested, in which case nothing should be sent to the venue again.
func (m *Manager) RequestCancel(id types.OrderID) (o types.OrderInfo, send bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[id]
	if !ok {
		return types.OrderInfo{}, false, fmt.Errorf("%w: %d", types.ErrOrderNotFound, id)
	}
	if cur.Status.IsFinal() {
		return *cur, false, fmt.Errorf("%w: %d is %s", types.ErrOrderAlreadyClosed, id, cur.Status)
	}
	if cur.CancelRequested {
		return *cur, false, nil
	}
	cur.CancelRequested = true
	cur.UpdatedAt = time.Now()
	return *cur, true, nil
}

// Apply folds a venue report into the order. changed is false when the report carries nothing new
// (duplicate, stale or invalid) and must not be delivered to the handler.
func (m *Manager) Apply(r Report) (o types.OrderInfo, changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[r.OrderID]
	if !ok {
		return types.OrderInfo{}, false, fmt.Errorf("%w: %d", types.ErrOrderNotFound, r.OrderID)
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if r.Kind == ReportCancelRet && r.StatusCode != types.StatusSuccess {
		// cancel refused by the venue: no state transition, but the request is answered
		if !cur.CancelRequested {
			return *cur, false, nil
		}
		cur.CancelRequested = false
		cur.StatusCode = r.StatusCode
		cur.StatusMsg = r.StatusMsg
		cur.UpdatedAt = ts
		return *cur, true, nil
	}

	if cur.Status.IsFinal() {
		return *cur, false, fmt.Errorf("%w: %d already %s, got %s",
			types.ErrInvalidTransition, r.OrderID, cur.Status, r.Status)
	}
	if !CanTransition(cur.Status, r.Status) {
		return *cur, false, fmt.Errorf("%w: %d %s -> %s",
			types.ErrInvalidTransition, r.OrderID, cur.Status, r.Status)
	}

	filled := r.FilledSize
	if filled.IsZero() {
		switch r.Status {
		case types.OrderStatusFilled:
			filled = cur.Size
		case types.OrderStatusPartiallyFilled:
		default:
			filled = cur.FilledSize
		}
	}
	if filled.LessThan(cur.FilledSize) {
		return *cur, false, fmt.Errorf("%w: %d filled size went backwards %s -> %s",
			types.ErrInvalidTransition, r.OrderID, cur.FilledSize, filled)
	}
	if r.Status == types.OrderStatusPartiallyFilled && cur.Status == types.OrderStatusPartiallyFilled &&
		filled.Equal(cur.FilledSize) {
		return *cur, false, nil
	}

	if lastSize := filled.Sub(cur.FilledSize); lastSize.IsPositive() {
		price := r.LastFilledPrice
		if price.IsZero() {
			price = cur.Price
		}
		notional := cur.AvgFilledPrice.Mul(cur.FilledSize).Add(price.Mul(lastSize))
		cur.AvgFilledPrice = notional.Div(filled)
		cur.LastFilledSize = lastSize
		cur.LastFilledPrice = price
	} else {
		cur.LastFilledSize = decimal.Zero
		cur.LastFilledPrice = decimal.Zero
	}

	cur.FilledSize = filled
	cur.Status = r.Status
	if r.ExchOrderID != "" {
		cur.ExchOrderID = r.ExchOrderID
	}
	cur.LastFee = decimal.Zero
	if r.Fee.GreaterThan(cur.Fee) {
		cur.LastFee = r.Fee.Sub(cur.Fee)
		cur.Fee = r.Fee
	}
	if r.FeeCurrency != "" {
		cur.FeeCurrency = r.FeeCurrency
	}
	cur.StatusCode = r.StatusCode
	cur.StatusMsg = r.StatusMsg
	if cur.Status.IsFinal() {
		cur.CancelRequested = false
		m.open--
	}
	cur.UpdatedAt = ts
	return *cur, true, nil
}

// Open returns every non-terminal order, oldest first.
func (m *Manager) Open() []types.OrderInfo {
	return m.filter(func(o *types.OrderInfo) bool { return !o.Status.IsFinal() })
}

// OpenOf returns the non-terminal orders of one instance, oldest first.
func (m *Manager) OpenOf(inst types.StgInstID) []types.OrderInfo {
	return m.filter(func(o *types.OrderInfo) bool { return o.StgInstID == inst && !o.Status.IsFinal() })
}

func (m *Manager) filter(keep func(*types.OrderInfo) bool) []types.OrderInfo {
	m.mu.RLock()
	var out []types.OrderInfo
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Purge drops a terminal order. Open orders are kept.
func (m *Manager) Purge(id types.OrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", types.ErrOrderNotFound, id)
	}
	if !o.Status.IsFinal() {
		return fmt.Errorf("cannot purge open order %d (%s)", id, o.Status)
	}
	delete(m.orders, id)
	return nil
}

// PurgeClosedBefore drops terminal orders last updated before t and returns how many were dropped.
func (m *Manager) PurgeClosedBefore(t time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.orders {
		if o.Status.IsFinal() && o.UpdatedAt.Before(t) {
			delete(m.orders, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("purged closed orders", "count", n, "before", t)
	}
	return n
}

// OpenCount returns the number of non-terminal orders.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

// Len returns the number of tracked orders.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}
