package position

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/types"
)

type symbolRef struct {
	market types.MarketCode
	code   string
}

type ratePair struct {
	from, to string
}

// MarkBook holds the last traded price per symbol and the currency conversion rates used for PnL.
type MarkBook struct {
	mu     sync.RWMutex
	prices map[symbolRef]decimal.Decimal
	rates  map[ratePair]decimal.Decimal
}

// NewMarkBook creates an empty book.
func NewMarkBook() *MarkBook {
	return &MarkBook{
		prices: make(map[symbolRef]decimal.Decimal),
		rates:  make(map[ratePair]decimal.Decimal),
	}
}

// UpdatePrice records the last price of a symbol. Non-positive prices are ignored.
func (b *MarkBook) UpdatePrice(market types.MarketCode, symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	b.prices[symbolRef{market, symbol}] = price
	b.mu.Unlock()
}

// LastPrice returns the last recorded price of a symbol.
func (b *MarkBook) LastPrice(market types.MarketCode, symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[symbolRef{market, symbol}]
	return p, ok
}

// SetRate records how many units of to one unit of from is worth.
func (b *MarkBook) SetRate(from, to string, rate decimal.Decimal) {
	if !rate.IsPositive() {
		return
	}
	b.mu.Lock()
	b.rates[ratePair{strings.ToUpper(from), strings.ToUpper(to)}] = rate
	b.mu.Unlock()
}

// Rate converts from -> to. A rate is found directly, through its inverse, or is 1 for identical currencies.
func (b *MarkBook) Rate(from, to string) (decimal.Decimal, bool) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rates[ratePair{from, to}]; ok {
		return r, true
	}
	if r, ok := b.rates[ratePair{to, from}]; ok {
		return decimal.NewFromInt(1).DivRound(r, 16), true
	}
	return decimal.Zero, false
}
