package types

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// SymbolInfo contains the static properties of a tradable symbol.
type SymbolInfo struct {
	MarketCode    MarketCode
	SymbolType    SymbolType
	SymbolCode    string
	BaseCurrency  string
	QuoteCurrency string
	ParValue      decimal.Decimal // contract multiplier, 1 for spot
	TickSize      decimal.Decimal
	LotSize       decimal.Decimal
}

type symbolKey struct {
	market MarketCode
	code   string
}

// SymbolRegistry holds the symbols orders may be placed on.
type SymbolRegistry struct {
	mu      sync.RWMutex
	symbols map[symbolKey]SymbolInfo
}

// NewSymbolRegistry creates a registry from the given symbols.
func NewSymbolRegistry(symbols ...SymbolInfo) *SymbolRegistry {
	r := &SymbolRegistry{symbols: make(map[symbolKey]SymbolInfo, len(symbols))}
	for _, s := range symbols {
		r.Add(s)
	}
	return r
}

// Add registers or replaces a symbol. A zero par value defaults to 1.
func (r *SymbolRegistry) Add(s SymbolInfo) {
	if s.ParValue.IsZero() {
		s.ParValue = decimal.NewFromInt(1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols[symbolKey{s.MarketCode, s.SymbolCode}] = s
}

// Lookup returns the symbol for a market and code.
func (r *SymbolRegistry) Lookup(market MarketCode, code string) (SymbolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.symbols[symbolKey{market, code}]
	return s, ok
}

// All returns every registered symbol ordered by market and code.
func (r *SymbolRegistry) All() []SymbolInfo {
	r.mu.RLock()
	out := make([]SymbolInfo, 0, len(r.symbols))
	for _, s := range r.symbols {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketCode != out[j].MarketCode {
			return out[i].MarketCode < out[j].MarketCode
		}
		return out[i].SymbolCode < out[j].SymbolCode
	})
	return out
}
