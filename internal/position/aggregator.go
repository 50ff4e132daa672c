// Package position keeps position legs per account, strategy and strategy instance, and computes PnL from them.
package position

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

type table map[types.PosKey]types.PosInfo

type instKey struct {
	stg  types.StgID
	inst types.StgInstID
}

// Aggregator owns the three position tables. Local fills update all three scopes; updates received on
// position topics touch only the scope the topic addresses.
type Aggregator struct {
	mu   sync.RWMutex
	acct map[types.AcctID]table
	stg  map[types.StgID]table
	inst map[instKey]table

	book   *MarkBook
	logger *slog.Logger
}

// NewAggregator creates an empty aggregator. A nil book gets a fresh one.
func NewAggregator(book *MarkBook, logger *slog.Logger) *Aggregator {
	if book == nil {
		book = NewMarkBook()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		acct:   make(map[types.AcctID]table),
		stg:    make(map[types.StgID]table),
		inst:   make(map[instKey]table),
		book:   book,
		logger: logger,
	}
}

// Book returns the price and rate book used for PnL.
func (a *Aggregator) Book() *MarkBook {
	return a.book
}

// tableFor returns the table of a scope, creating it when create is set. Callers hold a.mu.
func (a *Aggregator) tableFor(s topic.PosScope, create bool) table {
	var t table
	switch s.Scope {
	case topic.ScopeAcct:
		t = a.acct[s.AcctID]
		if t == nil && create {
			t = make(table)
			a.acct[s.AcctID] = t
		}
	case topic.ScopeStg:
		t = a.stg[s.StgID]
		if t == nil && create {
			t = make(table)
			a.stg[s.StgID] = t
		}
	case topic.ScopeStgInst:
		k := instKey{s.StgID, s.StgInstID}
		t = a.inst[k]
		if t == nil && create {
			t = make(table)
			a.inst[k] = t
		}
	}
	return t
}

// ApplyUpdate folds legs received for one scope. An incremental update upserts legs by key; a snapshot
// replaces the scope's table wholesale.
func (a *Aggregator) ApplyUpdate(s topic.PosScope, legs []types.PosInfo, snapshot bool) (*Snapshot, error) {
	if s.Scope == topic.ScopeUnknown {
		return nil, fmt.Errorf("%w: unknown position scope", types.ErrInvalidTopic)
	}

	a.mu.Lock()
	if snapshot {
		a.replace(s)
	}
	t := a.tableFor(s, true)
	for _, l := range legs {
		t[l.Key()] = l
	}
	snap := a.snapshotLocked(s, t)
	a.mu.Unlock()

	a.logger.Debug("positions updated",
		"scope", s.Scope,
		"legs", len(legs),
		"snapshot", snapshot,
	)
	return snap, nil
}

func (a *Aggregator) replace(s topic.PosScope) {
	switch s.Scope {
	case topic.ScopeAcct:
		delete(a.acct, s.AcctID)
	case topic.ScopeStg:
		delete(a.stg, s.StgID)
	case topic.ScopeStgInst:
		delete(a.inst, instKey{s.StgID, s.StgInstID})
	}
}

// ApplyFill adds the latest fill of an order to its leg in every scope and returns the updated
// stg-inst leg. Orders without a new fill leave the tables untouched.
func (a *Aggregator) ApplyFill(o types.OrderInfo, sym types.SymbolInfo) (types.PosInfo, bool) {
	if !o.LastFilledSize.IsPositive() {
		return types.PosInfo{}, false
	}

	par := sym.ParValue
	if !par.IsPositive() {
		par = decimal.NewFromInt(1)
	}
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out types.PosInfo
	for _, s := range ScopesOf(o) {
		t := a.tableFor(s, true)
		key := types.PosKey{
			AcctID:     o.AcctID,
			StgID:      o.StgID,
			StgInstID:  o.StgInstID,
			MarketCode: o.MarketCode,
			SymbolType: o.SymbolType,
			SymbolCode: o.SymbolCode,
			Side:       o.Side,
			PosSide:    o.PosSide,
		}
		leg, ok := t[key]
		if !ok {
			leg = types.PosInfo{
				AcctID:        o.AcctID,
				StgID:         o.StgID,
				StgInstID:     o.StgInstID,
				MarketCode:    o.MarketCode,
				SymbolType:    o.SymbolType,
				SymbolCode:    o.SymbolCode,
				Side:          o.Side,
				PosSide:       o.PosSide,
				ParValue:      par,
				QuoteCurrency: sym.QuoteCurrency,
				FeeCurrency:   o.FeeCurrency,
			}
		}
		leg.AvgOpenPrice = averagePrice(leg.Pos, leg.AvgOpenPrice, o.LastFilledSize, o.LastFilledPrice)
		leg.Pos = leg.Pos.Add(o.LastFilledSize)
		leg.Fee = leg.Fee.Add(o.LastFee)
		if leg.FeeCurrency == "" {
			leg.FeeCurrency = o.FeeCurrency
		}
		leg.UpdateTime = ts
		t[key] = leg
		out = leg
	}
	return out, true
}

// averagePrice is the volume weighted price after adding qty at price to a leg of pos at avg.
func averagePrice(pos, avg, qty, price decimal.Decimal) decimal.Decimal {
	total := pos.Add(qty)
	if total.IsZero() {
		return decimal.Zero
	}
	return pos.Mul(avg).Add(qty.Mul(price)).Div(total)
}

// ScopesOf lists the three position scopes an order's fills are attributed to.
func ScopesOf(o types.OrderInfo) []topic.PosScope {
	return []topic.PosScope{
		{Scope: topic.ScopeAcct, AcctID: o.AcctID},
		{Scope: topic.ScopeStg, StgID: o.StgID},
		{Scope: topic.ScopeStgInst, StgID: o.StgID, StgInstID: o.StgInstID},
	}
}

// Snapshot returns an immutable copy of one scope.
func (a *Aggregator) Snapshot(s topic.PosScope) (*Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.tableFor(s, false)
	if t == nil {
		return nil, false
	}
	return a.snapshotLocked(s, t), true
}

func (a *Aggregator) snapshotLocked(s topic.PosScope, t table) *Snapshot {
	legs := make([]types.PosInfo, 0, len(t))
	for _, l := range t {
		legs = append(legs, l)
	}
	sortLegs(legs)
	return &Snapshot{Scope: s, legs: legs, book: a.book}
}

// QueryPnl computes the PnL of the legs selected by cond. The scope is chosen by the most specific id
// present: stgInstId, then stgId, then acctId.
func (a *Aggregator) QueryPnl(cond, calcCcy, convCcy string) (PnlResult, error) {
	c, err := ParseCond(cond)
	if err != nil {
		return PnlResult{}, err
	}

	a.mu.RLock()
	var legs []types.PosInfo
	switch {
	case c.StgInstID != 0:
		for k, t := range a.inst {
			if k.inst == c.StgInstID && (c.StgID == 0 || k.stg == c.StgID) {
				legs = appendMatching(legs, t, c)
			}
		}
	case c.StgID != 0:
		legs = appendMatching(legs, a.stg[c.StgID], c)
	case c.AcctID != 0:
		legs = appendMatching(legs, a.acct[c.AcctID], c)
	default:
		a.mu.RUnlock()
		return PnlResult{}, fmt.Errorf("%w: one of acctId, stgId or stgInstId is required", types.ErrInvalidQueryCond)
	}
	a.mu.RUnlock()

	if len(legs) == 0 {
		return PnlResult{}, fmt.Errorf("%w: %s", types.ErrPnlNotExists, cond)
	}
	sortLegs(legs)
	return computePnl(legs, a.book, calcCcy, convCcy)
}

func appendMatching(dst []types.PosInfo, t table, c Cond) []types.PosInfo {
	for _, l := range t {
		if c.Match(l) {
			dst = append(dst, l)
		}
	}
	return dst
}

func sortLegs(legs []types.PosInfo) {
	sort.Slice(legs, func(i, j int) bool {
		a, b := legs[i], legs[j]
		ga := groupKey{a.AcctID, a.StgID, a.StgInstID, a.MarketCode, a.SymbolType, a.SymbolCode, a.PosSide}
		gb := groupKey{b.AcctID, b.StgID, b.StgInstID, b.MarketCode, b.SymbolType, b.SymbolCode, b.PosSide}
		if ga != gb {
			return groupLess(ga, gb)
		}
		return a.Side < b.Side
	})
}

// Snapshot is a read-only view of one position scope handed to strategy callbacks.
type Snapshot struct {
	Scope topic.PosScope
	legs  []types.PosInfo
	book  *MarkBook
}

// Legs returns a copy of the legs, ordered by key.
func (s *Snapshot) Legs() []types.PosInfo {
	out := make([]types.PosInfo, len(s.legs))
	copy(out, s.legs)
	return out
}

// Len returns the number of legs.
func (s *Snapshot) Len() int {
	return len(s.legs)
}

// QueryPnl computes PnL over the legs of the snapshot that match cond. An empty cond selects all legs.
func (s *Snapshot) QueryPnl(cond, calcCcy, convCcy string) (types.StatusCode, PnlResult) {
	c, err := ParseCond(cond)
	if err != nil {
		return types.StatusOf(err), PnlResult{}
	}
	var legs []types.PosInfo
	for _, l := range s.legs {
		if c.Match(l) {
			legs = append(legs, l)
		}
	}
	res, err := computePnl(legs, s.book, calcCcy, convCcy)
	if err != nil {
		return types.StatusOf(err), PnlResult{}
	}
	return types.StatusSuccess, res
}
