package position

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var btc = types.SymbolInfo{
	MarketCode:    types.MarketCodeOkex,
	SymbolType:    types.SymbolTypeSpot,
	SymbolCode:    "BTC-USDT",
	BaseCurrency:  "BTC",
	QuoteCurrency: "USDT",
	ParValue:      decimal.NewFromInt(1),
}

func fill(side types.Side, size, price string) types.OrderInfo {
	return types.OrderInfo{
		OrderID:         1,
		StgID:           10000,
		StgInstID:       1,
		AcctID:          7,
		MarketCode:      btc.MarketCode,
		SymbolType:      btc.SymbolType,
		SymbolCode:      btc.SymbolCode,
		Side:            side,
		PosSide:         types.PosSideLong,
		LastFilledSize:  d(size),
		LastFilledPrice: d(price),
		UpdatedAt:       time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC),
	}
}

func instScope() topic.PosScope {
	return topic.PosScope{Scope: topic.ScopeStgInst, StgID: 10000, StgInstID: 1}
}

func TestAggregator_ApplyFillAveragesPrice(t *testing.T) {
	a := NewAggregator(nil, nil)

	a.ApplyFill(fill(types.SideBid, "1", "100"), btc)
	leg, ok := a.ApplyFill(fill(types.SideBid, "3", "200"), btc)
	if !ok {
		t.Fatal("ApplyFill() ok = false")
	}
	if !leg.Pos.Equal(d("4")) {
		t.Errorf("Pos = %s, want 4", leg.Pos)
	}
	if !leg.AvgOpenPrice.Equal(d("175")) {
		t.Errorf("AvgOpenPrice = %s, want 175", leg.AvgOpenPrice)
	}

	for _, s := range ScopesOf(fill(types.SideBid, "0", "0")) {
		snap, ok := a.Snapshot(s)
		if !ok {
			t.Fatalf("Snapshot(%v) missing", s.Scope)
		}
		if snap.Len() != 1 {
			t.Errorf("Snapshot(%v).Len() = %d, want 1", s.Scope, snap.Len())
		}
	}
}

func TestAggregator_ApplyFillIgnoresNoFill(t *testing.T) {
	a := NewAggregator(nil, nil)
	if _, ok := a.ApplyFill(fill(types.SideBid, "0", "100"), btc); ok {
		t.Error("ApplyFill() with zero fill ok = true, want false")
	}
	if _, ok := a.Snapshot(instScope()); ok {
		t.Error("Snapshot exists after empty fill")
	}
}

func TestAggregator_SnapshotReplacesScope(t *testing.T) {
	a := NewAggregator(nil, nil)
	s := topic.PosScope{Scope: topic.ScopeAcct, AcctID: 7}

	first := []types.PosInfo{
		{AcctID: 7, MarketCode: types.MarketCodeOkex, SymbolCode: "BTC-USDT", Side: types.SideBid, Pos: d("1")},
		{AcctID: 7, MarketCode: types.MarketCodeOkex, SymbolCode: "ETH-USDT", Side: types.SideBid, Pos: d("2")},
	}
	if _, err := a.ApplyUpdate(s, first, false); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	second := []types.PosInfo{
		{AcctID: 7, MarketCode: types.MarketCodeOkex, SymbolCode: "SOL-USDT", Side: types.SideBid, Pos: d("5")},
	}
	snap, err := a.ApplyUpdate(s, second, true)
	if err != nil {
		t.Fatalf("ApplyUpdate(snapshot) error = %v", err)
	}
	legs := snap.Legs()
	if len(legs) != 1 || legs[0].SymbolCode != "SOL-USDT" {
		t.Errorf("legs after snapshot = %+v, want only SOL-USDT", legs)
	}
}

func TestAggregator_IncrementalUpsert(t *testing.T) {
	a := NewAggregator(nil, nil)
	s := topic.PosScope{Scope: topic.ScopeStg, StgID: 10000}
	leg := types.PosInfo{StgID: 10000, MarketCode: types.MarketCodeOkex, SymbolCode: "BTC-USDT", Side: types.SideBid, Pos: d("1")}

	a.ApplyUpdate(s, []types.PosInfo{leg}, false)
	leg.Pos = d("3")
	snap, _ := a.ApplyUpdate(s, []types.PosInfo{leg}, false)

	if snap.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", snap.Len())
	}
	if got := snap.Legs()[0].Pos; !got.Equal(d("3")) {
		t.Errorf("Pos = %s, want 3", got)
	}
}

func TestAggregator_ApplyUpdateUnknownScope(t *testing.T) {
	a := NewAggregator(nil, nil)
	if _, err := a.ApplyUpdate(topic.PosScope{}, nil, false); !errors.Is(err, types.ErrInvalidTopic) {
		t.Errorf("ApplyUpdate(unknown) error = %v, want ErrInvalidTopic", err)
	}
}

func TestAggregator_SnapshotIsImmutable(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.ApplyFill(fill(types.SideBid, "1", "100"), btc)
	snap, _ := a.Snapshot(instScope())

	legs := snap.Legs()
	legs[0].Pos = d("999")
	a.ApplyFill(fill(types.SideBid, "1", "100"), btc)

	if got := snap.Legs()[0].Pos; !got.Equal(d("1")) {
		t.Errorf("snapshot Pos = %s, want 1", got)
	}
}
