// Package strategy implements strategy handlers for the engine.
package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/engine"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

// Constructor builds a handler factory for a named strategy.
type Constructor func(logger *slog.Logger) engine.HandlerFactory

var registry = map[string]Constructor{
	"meanrev": func(logger *slog.Logger) engine.HandlerFactory {
		return func(cmds engine.Commands) any {
			return NewMeanReversion(cmds, logger)
		}
	},
}

// Factory returns the handler factory registered under name.
func Factory(name string, logger *slog.Logger) (engine.HandlerFactory, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q (known: %v)", types.ErrInvalidConfig, name, Names())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return ctor(logger.With("strategy", name)), nil
}

// Names returns the registered strategy names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params are the instance parameters of the band strategies, carried as JSON in StgInstInfo.Params.
type Params struct {
	Market     string          `json:"market"`
	SymbolType string          `json:"symbolType"`
	Symbol     string          `json:"symbol"`
	Window     int             `json:"window"`
	K          decimal.Decimal `json:"k"`
	Size       decimal.Decimal `json:"size"`
	// MinStdDev suppresses entries while the band is narrower than this.
	MinStdDev decimal.Decimal `json:"minStdDev"`
	// CheckpointSec is how often the window is saved as private data. 0 saves only on removal.
	CheckpointSec int `json:"checkpointSec"`
	// OrderTimeoutSec cancels a working order after this long. 0 never cancels.
	OrderTimeoutSec int `json:"orderTimeoutSec"`

	market  types.MarketCode
	symType types.SymbolType
}

// ParseParams decodes and validates instance parameters, filling defaults.
func ParseParams(raw string) (Params, error) {
	p := Params{
		Market:     types.MarketCodeBinance.String(),
		SymbolType: types.SymbolTypeSpot.String(),
		Window:     20,
		K:          decimal.NewFromInt(2),
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return Params{}, fmt.Errorf("%w: params: %v", types.ErrLocalValidation, err)
		}
	}

	market, err := types.ParseMarketCode(p.Market)
	if err != nil {
		return Params{}, err
	}
	symType, err := types.ParseSymbolType(p.SymbolType)
	if err != nil {
		return Params{}, err
	}
	switch {
	case p.Symbol == "":
		return Params{}, fmt.Errorf("%w: params: symbol is required", types.ErrLocalValidation)
	case p.Window < 2:
		return Params{}, fmt.Errorf("%w: params: window must be at least 2", types.ErrLocalValidation)
	case !p.K.IsPositive():
		return Params{}, fmt.Errorf("%w: params: k must be positive", types.ErrLocalValidation)
	case !p.Size.IsPositive():
		return Params{}, fmt.Errorf("%w: params: size must be positive", types.ErrLocalValidation)
	case p.CheckpointSec < 0 || p.OrderTimeoutSec < 0:
		return Params{}, fmt.Errorf("%w: params: intervals must not be negative", types.ErrLocalValidation)
	}
	p.market = market
	p.symType = symType
	return p, nil
}

// Topic returns the tickers topic of the traded symbol.
func (p Params) Topic() string {
	return topic.MD(p.market, p.symType, p.Symbol, types.MDTypeTickers)
}

// Checkpoint returns the checkpoint interval.
func (p Params) Checkpoint() time.Duration {
	return time.Duration(p.CheckpointSec) * time.Second
}

// OrderTimeout returns the working order timeout.
func (p Params) OrderTimeout() time.Duration {
	return time.Duration(p.OrderTimeoutSec) * time.Second
}
