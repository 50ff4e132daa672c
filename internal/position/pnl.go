package position

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/types"
)

// SymbolPnl is the PnL of one symbol within one strategy instance, in the symbol's quote currency.
type SymbolPnl struct {
	AcctID        types.AcctID     `json:"acctId"`
	StgID         types.StgID      `json:"stgId"`
	StgInstID     types.StgInstID  `json:"stgInstId"`
	MarketCode    types.MarketCode `json:"marketCode"`
	SymbolType    types.SymbolType `json:"symbolType"`
	SymbolCode    string           `json:"symbolCode"`
	PosSide       types.PosSide    `json:"posSide"`
	QuoteCurrency string           `json:"quoteCurrency"`
	NetPos        decimal.Decimal  `json:"netPos"`
	LastPrice     decimal.Decimal  `json:"lastPrice"`
	HasLastPrice  bool             `json:"hasLastPrice"`
	Realized      decimal.Decimal  `json:"realized"`
	Unrealized    decimal.Decimal  `json:"unrealized"`
	Fee           decimal.Decimal  `json:"fee"`
	Total         decimal.Decimal  `json:"total"`
}

// PnlResult is the aggregated PnL of the legs selected by a query.
// Realized, Unrealized, Fee and Total are in CalcCurrency; TotalConv is Total in ConvCurrency.
type PnlResult struct {
	CalcCurrency string          `json:"calcCurrency"`
	ConvCurrency string          `json:"convCurrency"`
	Realized     decimal.Decimal `json:"realized"`
	Unrealized   decimal.Decimal `json:"unrealized"`
	Fee          decimal.Decimal `json:"fee"`
	Total        decimal.Decimal `json:"total"`
	ConvRate     decimal.Decimal `json:"convRate"`
	TotalConv    decimal.Decimal `json:"totalConv"`
	Symbols      []SymbolPnl     `json:"symbols"`
	UpdateTime   time.Time       `json:"updateTime"`
}

// groupKey is a leg key without the side: the bid and ask legs of one group net against each other.
type groupKey struct {
	acct       types.AcctID
	stg        types.StgID
	inst       types.StgInstID
	market     types.MarketCode
	symbolType types.SymbolType
	symbol     string
	posSide    types.PosSide
}

type legPair struct {
	bid, ask types.PosInfo
}

// computePnl nets bid and ask legs per symbol and converts the sum to calc and then conv currency.
func computePnl(legs []types.PosInfo, book *MarkBook, calcCcy, convCcy string) (PnlResult, error) {
	if len(legs) == 0 {
		return PnlResult{}, types.ErrPnlNotExists
	}

	groups := make(map[groupKey]*legPair)
	var order []groupKey
	var latest time.Time
	for _, l := range legs {
		k := groupKey{l.AcctID, l.StgID, l.StgInstID, l.MarketCode, l.SymbolType, l.SymbolCode, l.PosSide}
		g, ok := groups[k]
		if !ok {
			g = &legPair{}
			groups[k] = g
			order = append(order, k)
		}
		switch l.Side {
		case types.SideBid:
			g.bid = l
		case types.SideAsk:
			g.ask = l
		}
		if l.UpdateTime.After(latest) {
			latest = l.UpdateTime
		}
	}
	sort.Slice(order, func(i, j int) bool { return groupLess(order[i], order[j]) })

	res := PnlResult{
		CalcCurrency: calcCcy,
		ConvCurrency: convCcy,
		UpdateTime:   latest,
	}
	for _, k := range order {
		sp, err := symbolPnl(k, groups[k], book)
		if err != nil {
			return PnlResult{}, err
		}
		rate, ok := book.Rate(sp.QuoteCurrency, calcCcy)
		if !ok {
			return PnlResult{}, fmt.Errorf("%w: %s -> %s", types.ErrConvRateNotFound, sp.QuoteCurrency, calcCcy)
		}
		res.Realized = res.Realized.Add(sp.Realized.Mul(rate))
		res.Unrealized = res.Unrealized.Add(sp.Unrealized.Mul(rate))
		res.Fee = res.Fee.Add(sp.Fee.Mul(rate))
		res.Symbols = append(res.Symbols, sp)
	}
	res.Total = res.Realized.Add(res.Unrealized).Sub(res.Fee)

	rate, ok := book.Rate(calcCcy, convCcy)
	if !ok {
		return PnlResult{}, fmt.Errorf("%w: %s -> %s", types.ErrConvRateNotFound, calcCcy, convCcy)
	}
	res.ConvRate = rate
	res.TotalConv = res.Total.Mul(rate)
	return res, nil
}

func symbolPnl(k groupKey, g *legPair, book *MarkBook) (SymbolPnl, error) {
	par := g.bid.ParValue
	if !par.IsPositive() {
		par = g.ask.ParValue
	}
	if !par.IsPositive() {
		par = decimal.NewFromInt(1)
	}
	quote := g.bid.QuoteCurrency
	if quote == "" {
		quote = g.ask.QuoteCurrency
	}

	sp := SymbolPnl{
		AcctID:        k.acct,
		StgID:         k.stg,
		StgInstID:     k.inst,
		MarketCode:    k.market,
		SymbolType:    k.symbolType,
		SymbolCode:    k.symbol,
		PosSide:       k.posSide,
		QuoteCurrency: quote,
	}

	bidQty, askQty := g.bid.Pos, g.ask.Pos
	matched := decimal.Min(bidQty, askQty)
	if matched.IsPositive() {
		sp.Realized = g.ask.AvgOpenPrice.Sub(g.bid.AvgOpenPrice).Mul(matched).Mul(par)
	}

	sp.NetPos = bidQty.Sub(askQty)
	if last, ok := book.LastPrice(k.market, k.symbol); ok {
		sp.LastPrice = last
		sp.HasLastPrice = true
		switch {
		case sp.NetPos.IsPositive():
			sp.Unrealized = last.Sub(g.bid.AvgOpenPrice).Mul(sp.NetPos).Mul(par)
		case sp.NetPos.IsNegative():
			sp.Unrealized = g.ask.AvgOpenPrice.Sub(last).Mul(sp.NetPos.Neg()).Mul(par)
		}
	}

	for _, leg := range []types.PosInfo{g.bid, g.ask} {
		if leg.Fee.IsZero() {
			continue
		}
		ccy := leg.FeeCurrency
		if ccy == "" {
			ccy = quote
		}
		rate, ok := book.Rate(ccy, quote)
		if !ok {
			return SymbolPnl{}, fmt.Errorf("%w: fee %s -> %s", types.ErrConvRateNotFound, ccy, quote)
		}
		sp.Fee = sp.Fee.Add(leg.Fee.Mul(rate))
	}

	sp.Total = sp.Realized.Add(sp.Unrealized).Sub(sp.Fee)
	return sp, nil
}

func groupLess(a, b groupKey) bool {
	if a.acct != b.acct {
		return a.acct < b.acct
	}
	if a.stg != b.stg {
		return a.stg < b.stg
	}
	if a.inst != b.inst {
		return a.inst < b.inst
	}
	if a.market != b.market {
		return a.market < b.market
	}
	if a.symbolType != b.symbolType {
		return a.symbolType < b.symbolType
	}
	if a.symbol != b.symbol {
		return a.symbol < b.symbol
	}
	return a.posSide < b.posSide
}
