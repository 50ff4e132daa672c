// Package types defines shared types used across the strategy engine.
package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// StgID identifies a strategy process.
type StgID uint32

// StgInstID identifies a strategy instance within a strategy. Valid ids start from 1.
type StgInstID uint32

// AcctID identifies a trading account.
type AcctID uint32

// OrderID identifies an order inside the engine.
type OrderID int64

func (id OrderID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Side represents the direction of an order or a position leg.
type Side int

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "Bid"
	case SideAsk:
		return "Ask"
	default:
		return "Unknown"
	}
}

// Valid returns true for Bid and Ask.
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Bid":
		*s = SideBid
	case "Ask":
		*s = SideAsk
	default:
		return fmt.Errorf("%w: side %q", ErrInvalidSide, string(b))
	}
	return nil
}

// PosSide classifies the position an order opens or closes.
type PosSide int

const (
	PosSideUnknown PosSide = iota
	PosSideLong
	PosSideShort
	PosSideBoth
)

func (p PosSide) String() string {
	switch p {
	case PosSideLong:
		return "Long"
	case PosSideShort:
		return "Short"
	case PosSideBoth:
		return "Both"
	default:
		return "Unknown"
	}
}

// Valid returns true for Long, Short and Both.
func (p PosSide) Valid() bool {
	return p >= PosSideLong && p <= PosSideBoth
}

// MarshalText implements encoding.TextMarshaler.
func (p PosSide) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PosSide) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Long":
		*p = PosSideLong
	case "Short":
		*p = PosSideShort
	case "Both":
		*p = PosSideBoth
	default:
		return fmt.Errorf("%w: pos side %q", ErrInvalidPosSide, string(b))
	}
	return nil
}

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusAcked
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusAcked:
		return "ACKED"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// MarketCode identifies a trading venue.
type MarketCode int

const (
	MarketCodeUnknown  MarketCode = 0
	MarketCodeOkex     MarketCode = 1
	MarketCodeBinance  MarketCode = 2
	MarketCodeCoinbase MarketCode = 3
	MarketCodeKraken   MarketCode = 4
	MarketCodeSSE      MarketCode = 101
	MarketCodeSZSE     MarketCode = 102
	MarketCodeSHFE     MarketCode = 103
	MarketCodeZCE      MarketCode = 104
	MarketCodeDCE      MarketCode = 105
	MarketCodeCFFEX    MarketCode = 106
)

var marketCodeNames = map[MarketCode]string{
	MarketCodeOkex:     "Okex",
	MarketCodeBinance:  "Binance",
	MarketCodeCoinbase: "Coinbase",
	MarketCodeKraken:   "Kraken",
	MarketCodeSSE:      "SSE",
	MarketCodeSZSE:     "SZSE",
	MarketCodeSHFE:     "SHFE",
	MarketCodeZCE:      "ZCE",
	MarketCodeDCE:      "DCE",
	MarketCodeCFFEX:    "CFFEX",
}

func (m MarketCode) String() string {
	if name, ok := marketCodeNames[m]; ok {
		return name
	}
	return "Unknown"
}

// Valid returns true if the market code is known.
func (m MarketCode) Valid() bool {
	_, ok := marketCodeNames[m]
	return ok
}

// ParseMarketCode parses a market name such as "SSE" or "Binance".
func ParseMarketCode(s string) (MarketCode, error) {
	for code, name := range marketCodeNames {
		if name == s {
			return code, nil
		}
	}
	return MarketCodeUnknown, fmt.Errorf("%w: %q", ErrInvalidMarketCode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m MarketCode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MarketCode) UnmarshalText(b []byte) error {
	code, err := ParseMarketCode(string(b))
	if err != nil {
		return err
	}
	*m = code
	return nil
}

// SymbolType is the asset class of a symbol.
type SymbolType int

const (
	SymbolTypeUnknown SymbolType = iota
	SymbolTypeSpot
	SymbolTypeFutures
	SymbolTypePerp
	SymbolTypeOption
)

func (s SymbolType) String() string {
	switch s {
	case SymbolTypeSpot:
		return "Spot"
	case SymbolTypeFutures:
		return "Futures"
	case SymbolTypePerp:
		return "Perp"
	case SymbolTypeOption:
		return "Option"
	default:
		return "Unknown"
	}
}

// ParseSymbolType parses a symbol type name.
func ParseSymbolType(s string) (SymbolType, error) {
	switch s {
	case "Spot":
		return SymbolTypeSpot, nil
	case "Futures":
		return SymbolTypeFutures, nil
	case "Perp":
		return SymbolTypePerp, nil
	case "Option":
		return SymbolTypeOption, nil
	default:
		return SymbolTypeUnknown, fmt.Errorf("%w: symbol type %q", ErrLocalValidation, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SymbolType) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SymbolType) UnmarshalText(b []byte) error {
	st, err := ParseSymbolType(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// MDType is the kind of market data carried on a topic.
type MDType int

const (
	MDTypeUnknown MDType = iota
	MDTypeTrades
	MDTypeOrders
	MDTypeBooks
	MDTypeTickers
	MDTypeCandle
)

func (m MDType) String() string {
	switch m {
	case MDTypeTrades:
		return "Trades"
	case MDTypeOrders:
		return "Orders"
	case MDTypeBooks:
		return "Books"
	case MDTypeTickers:
		return "Tickers"
	case MDTypeCandle:
		return "Candle"
	default:
		return "Unknown"
	}
}

// ParseMDType parses the data kind segment of a market data topic.
func ParseMDType(s string) (MDType, error) {
	switch s {
	case "Trades":
		return MDTypeTrades, nil
	case "Orders":
		return MDTypeOrders, nil
	case "Books":
		return MDTypeBooks, nil
	case "Tickers":
		return MDTypeTickers, nil
	case "Candle":
		return MDTypeCandle, nil
	default:
		return MDTypeUnknown, fmt.Errorf("%w: md type %q", ErrLocalValidation, s)
	}
}

// StgInstInfo identifies a strategy instance and its account binding.
type StgInstInfo struct {
	StgID     StgID     `json:"stgId"`
	StgInstID StgInstID `json:"stgInstId"`
	Name      string    `json:"stgInstName"`
	AcctID    AcctID    `json:"acctId"`
	UserID    uint32    `json:"userId"`
	Params    string    `json:"stgInstParams"`
}

func (s StgInstInfo) String() string {
	return fmt.Sprintf("StgInst{stg=%d inst=%d acct=%d name=%s}", s.StgID, s.StgInstID, s.AcctID, s.Name)
}

// OrderRequest carries the caller-supplied fields of a new order.
type OrderRequest struct {
	AcctID     AcctID
	MarketCode MarketCode
	SymbolType SymbolType
	SymbolCode string
	Side       Side
	PosSide    PosSide
	Price      decimal.Decimal
	Size       decimal.Decimal
}

// OrderInfo is the engine's view of an order.
type OrderInfo struct {
	OrderID         OrderID         `json:"orderId"`
	ClientOrderID   string          `json:"clientOrderId"`
	ExchOrderID     string          `json:"exchOrderId,omitempty"`
	StgID           StgID           `json:"stgId"`
	StgInstID       StgInstID       `json:"stgInstId"`
	AcctID          AcctID          `json:"acctId"`
	MarketCode      MarketCode      `json:"marketCode"`
	SymbolType      SymbolType      `json:"symbolType"`
	SymbolCode      string          `json:"symbolCode"`
	Side            Side            `json:"side"`
	PosSide         PosSide         `json:"posSide"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	Status          OrderStatus     `json:"orderStatus"`
	FilledSize      decimal.Decimal `json:"filledSize"`
	AvgFilledPrice  decimal.Decimal `json:"avgFilledPrice"`
	LastFilledSize  decimal.Decimal `json:"lastFilledSize"`
	LastFilledPrice decimal.Decimal `json:"lastFilledPrice"`
	Fee             decimal.Decimal `json:"fee"`
	LastFee         decimal.Decimal `json:"lastFee"`
	FeeCurrency     string          `json:"feeCurrency,omitempty"`
	// StatusCode is non-zero when the venue rejected the order or a cancel.
	StatusCode      StatusCode `json:"statusCode"`
	StatusMsg       string     `json:"statusMsg,omitempty"`
	CancelRequested bool       `json:"cancelRequested"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// LeavesSize returns the unfilled part of the order.
func (o OrderInfo) LeavesSize() decimal.Decimal {
	leaves := o.Size.Sub(o.FilledSize)
	if leaves.IsNegative() {
		return decimal.Zero
	}
	return leaves
}
