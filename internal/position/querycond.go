package position

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/tathienbao/stgeng/internal/types"
)

// Cond selects position legs. Zero fields match anything.
type Cond struct {
	AcctID     types.AcctID
	StgID      types.StgID
	StgInstID  types.StgInstID
	MarketCode types.MarketCode
	SymbolType types.SymbolType
	SymbolCode string
}

// ParseCond parses a query string such as "stgId=1&stgInstId=2&symbolCode=BTC-USDT".
func ParseCond(s string) (Cond, error) {
	values, err := url.ParseQuery(s)
	if err != nil {
		return Cond{}, fmt.Errorf("%w: %v", types.ErrInvalidQueryCond, err)
	}

	var c Cond
	for key, vs := range values {
		if len(vs) != 1 || vs[0] == "" {
			return Cond{}, fmt.Errorf("%w: %s needs exactly one value", types.ErrInvalidQueryCond, key)
		}
		v := vs[0]
		switch key {
		case "acctId":
			id, err := parseID(key, v)
			if err != nil {
				return Cond{}, err
			}
			c.AcctID = types.AcctID(id)
		case "stgId":
			id, err := parseID(key, v)
			if err != nil {
				return Cond{}, err
			}
			c.StgID = types.StgID(id)
		case "stgInstId":
			id, err := parseID(key, v)
			if err != nil {
				return Cond{}, err
			}
			c.StgInstID = types.StgInstID(id)
		case "marketCode":
			m, err := types.ParseMarketCode(v)
			if err != nil {
				return Cond{}, fmt.Errorf("%w: %v", types.ErrInvalidQueryCond, err)
			}
			c.MarketCode = m
		case "symbolType":
			st, err := types.ParseSymbolType(v)
			if err != nil {
				return Cond{}, fmt.Errorf("%w: %v", types.ErrInvalidQueryCond, err)
			}
			c.SymbolType = st
		case "symbolCode":
			c.SymbolCode = v
		default:
			return Cond{}, fmt.Errorf("%w: unknown key %q", types.ErrInvalidQueryCond, key)
		}
	}
	return c, nil
}

func parseID(key, v string) (uint32, error) {
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %s=%q", types.ErrInvalidQueryCond, key, v)
	}
	return uint32(id), nil
}

// Match reports whether a leg satisfies the condition.
func (c Cond) Match(p types.PosInfo) bool {
	switch {
	case c.AcctID != 0 && p.AcctID != c.AcctID:
		return false
	case c.StgID != 0 && p.StgID != c.StgID:
		return false
	case c.StgInstID != 0 && p.StgInstID != c.StgInstID:
		return false
	case c.MarketCode != 0 && p.MarketCode != c.MarketCode:
		return false
	case c.SymbolType != 0 && p.SymbolType != c.SymbolType:
		return false
	case c.SymbolCode != "" && p.SymbolCode != c.SymbolCode:
		return false
	}
	return true
}
