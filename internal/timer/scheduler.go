// Package timer implements named per-instance timers driven by a single clock.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tathienbao/stgeng/internal/types"
)

// DefaultTick is the default scheduling resolution.
const DefaultTick = 10 * time.Millisecond

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Key identifies a timer.
type Key struct {
	StgInstID types.StgInstID
	Name      string
}

func (k Key) less(o Key) bool {
	if k.StgInstID != o.StgInstID {
		return k.StgInstID < o.StgInstID
	}
	return k.Name < o.Name
}

// Spec is the definition of a timer.
type Spec struct {
	StgInstID     types.StgInstID
	Name          string
	Interval      time.Duration
	ExecAtStartup bool
	MaxExecTimes  uint32 // 0 means unbounded
}

// Info is a read-only view of an installed timer.
type Info struct {
	Spec
	ExecCount    uint32
	NextFireTime time.Time
}

// Fired is one timer firing.
type Fired struct {
	Key
	ExecCount uint32
	FiredAt   time.Time
	Last      bool
}

type entry struct {
	spec      Spec
	execCount uint32
	next      time.Time
}

// FireFunc receives fired timers in (StgInstID, Name) order.
type FireFunc func([]Fired)

// Scheduler owns the timer table.
type Scheduler struct {
	mu     sync.Mutex
	timers map[Key]*entry

	clock  Clock
	tick   time.Duration
	logger *slog.Logger
}

// NewScheduler creates a scheduler. A nil clock uses the wall clock; a non-positive tick uses DefaultTick.
func NewScheduler(clock Clock, tick time.Duration, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		timers: make(map[Key]*entry),
		clock:  clock,
		tick:   tick,
		logger: logger,
	}
}

// Install registers a timer, replacing any timer with the same key and resetting its exec count.
func (s *Scheduler) Install(spec Spec) error {
	if spec.Name == "" {
		return types.ErrInvalidTimerName
	}
	if spec.Interval <= 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidTimerInterval, spec.Interval)
	}

	now := s.clock.Now()
	next := now.Add(spec.Interval)
	if spec.ExecAtStartup {
		next = now
	}

	key := Key{StgInstID: spec.StgInstID, Name: spec.Name}

	s.mu.Lock()
	_, replaced := s.timers[key]
	s.timers[key] = &entry{spec: spec, next: next}
	s.mu.Unlock()

	s.logger.Debug("timer installed",
		"stg_inst_id", spec.StgInstID,
		"name", spec.Name,
		"interval", spec.Interval,
		"exec_at_startup", spec.ExecAtStartup,
		"max_exec_times", spec.MaxExecTimes,
		"replaced", replaced,
	)
	return nil
}

// Remove deletes a single timer.
func (s *Scheduler) Remove(inst types.StgInstID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{StgInstID: inst, Name: name}
	if _, ok := s.timers[key]; !ok {
		return false
	}
	delete(s.timers, key)
	return true
}

// RemoveInstance deletes every timer owned by inst and returns how many were removed.
func (s *Scheduler) RemoveInstance(inst types.StgInstID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.timers {
		if key.StgInstID == inst {
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// Get returns the state of one timer.
func (s *Scheduler) Get(inst types.StgInstID, name string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[Key{StgInstID: inst, Name: name}]
	if !ok {
		return Info{}, false
	}
	return Info{Spec: e.spec, ExecCount: e.execCount, NextFireTime: e.next}, true
}

// Len returns the number of installed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Due fires every timer whose next fire time is at or before now. Each timer fires at most once per call;
// missed intervals are skipped rather than replayed.
func (s *Scheduler) Due(now time.Time) []Fired {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []Fired
	for key, e := range s.timers {
		if e.next.After(now) {
			continue
		}

		e.execCount++
		last := e.spec.MaxExecTimes > 0 && e.execCount >= e.spec.MaxExecTimes
		fired = append(fired, Fired{Key: key, ExecCount: e.execCount, FiredAt: now, Last: last})

		if last {
			delete(s.timers, key)
			continue
		}
		e.next = e.next.Add(e.spec.Interval)
		if !e.next.After(now) {
			e.next = now.Add(e.spec.Interval)
		}
	}

	sort.Slice(fired, func(i, j int) bool { return fired[i].Key.less(fired[j].Key) })
	return fired
}

// Run drives the scheduler until ctx is done, handing fired timers to fn on every tick.
func (s *Scheduler) Run(ctx context.Context, fn FireFunc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("timer scheduler started", "tick", s.tick)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timer scheduler stopped")
			return
		case <-ticker.C:
			if fired := s.Due(s.clock.Now()); len(fired) > 0 {
				fn(fired)
			}
		}
	}
}
