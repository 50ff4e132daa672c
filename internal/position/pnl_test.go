package position

import (
	"errors"
	"testing"

	"github.com/tathienbao/stgeng/internal/types"
)

func TestQueryPnl_RealizedAndUnrealized(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.ApplyFill(fill(types.SideBid, "3", "100"), btc)
	a.ApplyFill(fill(types.SideAsk, "1", "130"), btc)
	a.Book().UpdatePrice(btc.MarketCode, btc.SymbolCode, d("120"))

	res, err := a.QueryPnl("stgId=10000&stgInstId=1", "USDT", "USDT")
	if err != nil {
		t.Fatalf("QueryPnl() error = %v", err)
	}
	// matched 1 at (130-100); net long 2 at (120-100)
	if !res.Realized.Equal(d("30")) {
		t.Errorf("Realized = %s, want 30", res.Realized)
	}
	if !res.Unrealized.Equal(d("40")) {
		t.Errorf("Unrealized = %s, want 40", res.Unrealized)
	}
	if !res.Total.Equal(d("70")) {
		t.Errorf("Total = %s, want 70", res.Total)
	}
	if len(res.Symbols) != 1 || !res.Symbols[0].NetPos.Equal(d("2")) {
		t.Errorf("Symbols = %+v, want one symbol with net 2", res.Symbols)
	}
}

func TestQueryPnl_NetShort(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.ApplyFill(fill(types.SideAsk, "2", "100"), btc)
	a.Book().UpdatePrice(btc.MarketCode, btc.SymbolCode, d("90"))

	res, err := a.QueryPnl("acctId=7", "USDT", "USDT")
	if err != nil {
		t.Fatalf("QueryPnl() error = %v", err)
	}
	if !res.Unrealized.Equal(d("20")) {
		t.Errorf("Unrealized = %s, want 20", res.Unrealized)
	}
}

func TestQueryPnl_NoLastPrice(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.ApplyFill(fill(types.SideBid, "1", "100"), btc)

	res, err := a.QueryPnl("stgInstId=1", "USDT", "USDT")
	if err != nil {
		t.Fatalf("QueryPnl() error = %v", err)
	}
	if !res.Unrealized.IsZero() {
		t.Errorf("Unrealized = %s, want 0", res.Unrealized)
	}
	if res.Symbols[0].HasLastPrice {
		t.Error("HasLastPrice = true, want false")
	}
}

func TestQueryPnl_FeesAndConversion(t *testing.T) {
	a := NewAggregator(nil, nil)
	o := fill(types.SideBid, "1", "100")
	o.LastFee = d("0.5")
	a.ApplyFill(o, btc)
	a.ApplyFill(fill(types.SideAsk, "1", "110"), btc)
	a.Book().SetRate("USDT", "USD", d("1"))
	a.Book().SetRate("USD", "CNY", d("7"))

	res, err := a.QueryPnl("stgId=10000", "USD", "CNY")
	if err != nil {
		t.Fatalf("QueryPnl() error = %v", err)
	}
	if !res.Total.Equal(d("9.5")) {
		t.Errorf("Total = %s, want 9.5", res.Total)
	}
	if !res.TotalConv.Equal(d("66.5")) {
		t.Errorf("TotalConv = %s, want 66.5", res.TotalConv)
	}
}

func TestQueryPnl_InverseRate(t *testing.T) {
	b := NewMarkBook()
	b.SetRate("USD", "CNY", d("8"))
	r, ok := b.Rate("cny", "usd")
	if !ok {
		t.Fatal("Rate(CNY, USD) missing")
	}
	if !r.Equal(d("0.125")) {
		t.Errorf("Rate(CNY, USD) = %s, want 0.125", r)
	}
}

func TestQueryPnl_Errors(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.ApplyFill(fill(types.SideBid, "1", "100"), btc)

	tests := []struct {
		name string
		cond string
		conv string
		want error
	}{
		{"unknown key", "foo=1", "USDT", types.ErrInvalidQueryCond},
		{"bad id", "stgId=abc", "USDT", types.ErrInvalidQueryCond},
		{"no scope id", "symbolCode=BTC-USDT", "USDT", types.ErrInvalidQueryCond},
		{"unknown instance", "stgInstId=42", "USDT", types.ErrPnlNotExists},
		{"filtered empty", "stgId=10000&symbolCode=ETH-USDT", "USDT", types.ErrPnlNotExists},
		{"missing rate", "stgId=10000", "JPY", types.ErrConvRateNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.QueryPnl(tt.cond, "USDT", tt.conv)
			if !errors.Is(err, tt.want) {
				t.Errorf("QueryPnl(%q) error = %v, want %v", tt.cond, err, tt.want)
			}
		})
	}
}

func TestSnapshot_QueryPnlStatus(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.ApplyFill(fill(types.SideBid, "1", "100"), btc)
	snap, _ := a.Snapshot(instScope())

	if code, _ := snap.QueryPnl("", "USDT", "USDT"); code != types.StatusSuccess {
		t.Errorf("QueryPnl(all) = %v, want success", code)
	}
	if code, _ := snap.QueryPnl("symbolCode=ETH-USDT", "USDT", "USDT"); code != types.StatusPnlNotExists {
		t.Errorf("QueryPnl(ETH) = %v, want %v", code, types.StatusPnlNotExists)
	}
	if code, _ := snap.QueryPnl("bogus=1", "USDT", "USDT"); code != types.StatusInvalidQueryCond {
		t.Errorf("QueryPnl(bogus) = %v, want %v", code, types.StatusInvalidQueryCond)
	}
}

func TestParseCond(t *testing.T) {
	c, err := ParseCond("acctId=7&marketCode=Okex&symbolType=Spot&symbolCode=BTC-USDT")
	if err != nil {
		t.Fatalf("ParseCond() error = %v", err)
	}
	want := Cond{AcctID: 7, MarketCode: types.MarketCodeOkex, SymbolType: types.SymbolTypeSpot, SymbolCode: "BTC-USDT"}
	if c != want {
		t.Errorf("ParseCond() = %+v, want %+v", c, want)
	}
	if _, err := ParseCond("acctId=1&acctId=2"); !errors.Is(err, types.ErrInvalidQueryCond) {
		t.Errorf("ParseCond(repeated) error = %v, want ErrInvalidQueryCond", err)
	}
}
