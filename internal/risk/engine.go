// Package risk enforces pre-trade flow control and the safe mode switch.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/types"
	"golang.org/x/time/rate"
)

// Config holds the risk engine configuration.
type Config struct {
	OrdersPerSec  float64 // per account; 0 disables the limit
	OrderBurst    int
	CancelsPerSec float64 // per account; 0 disables the limit
	CancelBurst   int

	MaxOrderNotional decimal.Decimal // price * size * par value; zero disables the check

	// MaxConsecutiveRejects enters safe mode after this many venue rejections in a row on one account.
	// 0 disables it.
	MaxConsecutiveRejects int
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		OrdersPerSec:          20,
		OrderBurst:            40,
		CancelsPerSec:         50,
		CancelBurst:           100,
		MaxConsecutiveRejects: 10,
	}
}

// State is a point-in-time view of the risk engine.
type State struct {
	SafeMode       bool
	SafeModeReason string
	SafeModeAt     time.Time
	Rejects        map[types.AcctID]int
}

// Engine gates order and cancel requests. Thread-safe.
type Engine struct {
	mu sync.Mutex

	cfg            Config
	orderLimiters  map[types.AcctID]*rate.Limiter
	cancelLimiters map[types.AcctID]*rate.Limiter
	rejects        map[types.AcctID]int

	safeMode       bool
	safeModeReason string
	safeModeAt     time.Time

	logger *slog.Logger
}

// NewEngine creates a new risk engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:            cfg,
		orderLimiters:  make(map[types.AcctID]*rate.Limiter),
		cancelLimiters: make(map[types.AcctID]*rate.Limiter),
		rejects:        make(map[types.AcctID]int),
		logger:         logger,
	}
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func limiterFor(m map[types.AcctID]*rate.Limiter, acct types.AcctID, perSec float64, burst int) *rate.Limiter {
	l, ok := m[acct]
	if !ok {
		l = newLimiter(perSec, burst)
		m[acct] = l
	}
	return l
}

// CheckOrder approves a new order request or returns why it must be refused.
func (e *Engine) CheckOrder(ctx context.Context, req types.OrderRequest, parValue decimal.Decimal) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.safeMode {
		e.logger.Warn("order refused: safe mode active",
			"acct_id", req.AcctID,
			"symbol", req.SymbolCode,
			"reason", e.safeModeReason,
		)
		return types.ErrSafeModeActive
	}

	if !e.cfg.MaxOrderNotional.IsZero() {
		if !parValue.IsPositive() {
			parValue = decimal.NewFromInt(1)
		}
		notional := req.Price.Mul(req.Size).Mul(parValue)
		if notional.GreaterThan(e.cfg.MaxOrderNotional) {
			return fmt.Errorf("%w: %s > %s", types.ErrOrderLimitExceeded, notional, e.cfg.MaxOrderNotional)
		}
	}

	if !limiterFor(e.orderLimiters, req.AcctID, e.cfg.OrdersPerSec, e.cfg.OrderBurst).Allow() {
		return fmt.Errorf("%w: account %d", types.ErrOrderRateExceeded, req.AcctID)
	}
	return nil
}

// CheckCancel approves a cancel request. Cancels are allowed in safe mode.
func (e *Engine) CheckCancel(ctx context.Context, acct types.AcctID) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !limiterFor(e.cancelLimiters, acct, e.cfg.CancelsPerSec, e.cfg.CancelBurst).Allow() {
		return fmt.Errorf("%w: cancel on account %d", types.ErrOrderRateExceeded, acct)
	}
	return nil
}

// RecordReject counts a venue rejection. It returns true when this rejection switched safe mode on.
func (e *Engine) RecordReject(acct types.AcctID, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rejects[acct]++
	n := e.rejects[acct]
	if e.cfg.MaxConsecutiveRejects <= 0 || n < e.cfg.MaxConsecutiveRejects {
		return false
	}
	return e.enterSafeModeLocked(fmt.Sprintf("%d consecutive rejects on account %d: %s", n, acct, reason))
}

// RecordAccept resets the rejection streak of an account.
func (e *Engine) RecordAccept(acct types.AcctID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rejects, acct)
}

// IsInSafeMode returns true if new orders are refused.
func (e *Engine) IsInSafeMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeMode
}

// EnterSafeMode halts new orders. It returns false if safe mode was already on.
func (e *Engine) EnterSafeMode(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enterSafeModeLocked(reason)
}

// ExitSafeMode resumes order flow and clears rejection streaks. It returns false if safe mode was off.
func (e *Engine) ExitSafeMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.safeMode {
		return false
	}
	e.safeMode = false
	e.safeModeReason = ""
	e.rejects = make(map[types.AcctID]int)
	e.logger.Warn("safe mode exited")
	return true
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	rejects := make(map[types.AcctID]int, len(e.rejects))
	for k, v := range e.rejects {
		rejects[k] = v
	}
	return State{
		SafeMode:       e.safeMode,
		SafeModeReason: e.safeModeReason,
		SafeModeAt:     e.safeModeAt,
		Rejects:        rejects,
	}
}

// enterSafeModeLocked enters safe mode. Must be called with lock held.
func (e *Engine) enterSafeModeLocked(reason string) bool {
	if e.safeMode {
		return false
	}
	e.safeMode = true
	e.safeModeReason = reason
	e.safeModeAt = time.Now()

	e.logger.Error("SAFE MODE ACTIVATED - new orders halted", "reason", reason)
	return true
}
