package types

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// MDHeader is common to every market data payload.
type MDHeader struct {
	MarketCode MarketCode `json:"marketCode"`
	SymbolType SymbolType `json:"symbolType"`
	SymbolCode string     `json:"symbolCode"`
	ExchTs     time.Time  `json:"exchTs"`
	LocalTs    time.Time  `json:"localTs"`
}

// Tickers is a best bid/ask plus last trade snapshot.
type Tickers struct {
	MDHeader
	LastPrice decimal.Decimal `json:"lastPrice"`
	LastSize  decimal.Decimal `json:"lastSize"`
	BidPrice  decimal.Decimal `json:"bidPrice"`
	BidSize   decimal.Decimal `json:"bidSize"`
	AskPrice  decimal.Decimal `json:"askPrice"`
	AskSize   decimal.Decimal `json:"askSize"`
	Open24h   decimal.Decimal `json:"open24h"`
	High24h   decimal.Decimal `json:"high24h"`
	Low24h    decimal.Decimal `json:"low24h"`
	Vol24h    decimal.Decimal `json:"vol24h"`
	Amt24h    decimal.Decimal `json:"amt24h"`
}

// Trades is one public trade.
type Trades struct {
	MDHeader
	TradeID string          `json:"tradeId"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    Side            `json:"side"`
}

// PriceLevel is one level of an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Books is an order book snapshot, best level first.
type Books struct {
	MDHeader
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BestBid returns the top bid level, if any.
func (b Books) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b Books) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Clone returns a copy that shares no levels with b.
func (b Books) Clone() Books {
	b.Bids = slices.Clone(b.Bids)
	b.Asks = slices.Clone(b.Asks)
	return b
}

// Candle is an OHLCV bar.
type Candle struct {
	MDHeader
	Freq   string          `json:"freq"`
	OpenTs time.Time       `json:"openTs"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Vol    decimal.Decimal `json:"vol"`
	Amt    decimal.Decimal `json:"amt"`
}

// Orders is one entry of an order-by-order market data stream.
type Orders struct {
	MDHeader
	OrderID string          `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    Side            `json:"side"`
}

// PosInfo is one position leg: the cumulative traded quantity and average price on one side of one symbol,
// attributed to an account, strategy and strategy instance.
type PosInfo struct {
	AcctID        AcctID          `json:"acctId"`
	StgID         StgID           `json:"stgId"`
	StgInstID     StgInstID       `json:"stgInstId"`
	MarketCode    MarketCode      `json:"marketCode"`
	SymbolType    SymbolType      `json:"symbolType"`
	SymbolCode    string          `json:"symbolCode"`
	Side          Side            `json:"side"`
	PosSide       PosSide         `json:"posSide"`
	ParValue      decimal.Decimal `json:"parValue"`
	Pos           decimal.Decimal `json:"pos"`
	AvgOpenPrice  decimal.Decimal `json:"avgOpenPrice"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCurrency   string          `json:"feeCurrency"`
	QuoteCurrency string          `json:"quoteCurrency"`
	UpdateTime    time.Time       `json:"updateTime"`
}

// PosKey uniquely identifies a position leg.
type PosKey struct {
	AcctID     AcctID
	StgID      StgID
	StgInstID  StgInstID
	MarketCode MarketCode
	SymbolType SymbolType
	SymbolCode string
	Side       Side
	PosSide    PosSide
}

// Key returns the position key of the leg.
func (p PosInfo) Key() PosKey {
	return PosKey{
		AcctID:     p.AcctID,
		StgID:      p.StgID,
		StgInstID:  p.StgInstID,
		MarketCode: p.MarketCode,
		SymbolType: p.SymbolType,
		SymbolCode: p.SymbolCode,
		Side:       p.Side,
		PosSide:    p.PosSide,
	}
}

// AssetInfo is the balance of one asset in one account.
type AssetInfo struct {
	AcctID     AcctID          `json:"acctId"`
	MarketCode MarketCode      `json:"marketCode"`
	Asset      string          `json:"asset"`
	Vol        decimal.Decimal `json:"vol"`
	Frozen     decimal.Decimal `json:"frozen"`
	UpdateTime time.Time       `json:"updateTime"`
}

// ManualIntervention is an out-of-band operator command for one strategy instance.
type ManualIntervention struct {
	Command   string    `json:"command"`
	Operator  string    `json:"operator,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HisMDRecord is one stored market data payload returned by historical queries.
type HisMDRecord struct {
	Topic     string
	Timestamp time.Time
	Data      []byte
}
