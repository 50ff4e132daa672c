package alerting

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottledAlerter limits how often the same message is forwarded. Critical alerts are never throttled.
type ThrottledAlerter struct {
	next  Alerter
	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  map[string]int
}

// NewThrottledAlerter forwards at most burst alerts per message, refilling one every interval.
func NewThrottledAlerter(next Alerter, every time.Duration, burst int) *ThrottledAlerter {
	if burst < 1 {
		burst = 1
	}
	return &ThrottledAlerter{
		next:     next,
		every:    every,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]int),
	}
}

// Name returns the name of the wrapped alerter.
func (t *ThrottledAlerter) Name() string {
	return "throttled_" + t.next.Name()
}

// Alert forwards the alert unless its message is over budget. Suppressed alerts are counted and the
// count is attached to the next one that goes through.
func (t *ThrottledAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if severity == SeverityCritical || t.every <= 0 {
		return t.next.Alert(ctx, severity, message, fields...)
	}

	t.mu.Lock()
	lim, ok := t.limiters[message]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.limiters[message] = lim
	}
	if !lim.Allow() {
		t.dropped[message]++
		t.mu.Unlock()
		return nil
	}
	suppressed := t.dropped[message]
	delete(t.dropped, message)
	t.mu.Unlock()

	if suppressed > 0 {
		fields = append(fields, "suppressed", suppressed)
	}
	return t.next.Alert(ctx, severity, message, fields...)
}

// Suppressed returns how many alerts with message are waiting to be reported.
func (t *ThrottledAlerter) Suppressed(message string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped[message]
}
