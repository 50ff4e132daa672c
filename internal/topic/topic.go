// Package topic parses and builds engine topic strings and routes topics to subscribing strategy instances.
//
// Topics follow <transport>://<Category>.<Venue>.<AssetClass>/<Segment>/..., for example
// shm://MD.SSE.Spot/588180/Tickers or shm://RISK.PubChannel.Trade/PosInfo/StgId/10000/StgInstId/1.
// Matching is exact and case-sensitive; nothing here normalizes case.
package topic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tathienbao/stgeng/internal/types"
)

// DefaultTransport is the transport prefix used by built topics.
const DefaultTransport = "shm"

const (
	categoryMD   = "MD"
	categoryRisk = "RISK"

	riskPubChannel = "PubChannel"
	riskAssetClass = "Trade"
)

// Topic is a parsed topic string.
type Topic struct {
	Transport  string
	Category   string
	Venue      string
	AssetClass string
	Segments   []string
}

// Parse splits a topic string into its parts.
func Parse(s string) (Topic, error) {
	transport, rest, ok := strings.Cut(s, "://")
	if !ok || transport == "" || rest == "" {
		return Topic{}, fmt.Errorf("%w: %q", types.ErrInvalidTopic, s)
	}

	parts := strings.Split(rest, "/")
	header := strings.Split(parts[0], ".")
	if len(header) != 3 {
		return Topic{}, fmt.Errorf("%w: %q: header must be Category.Venue.AssetClass", types.ErrInvalidTopic, s)
	}
	for _, h := range header {
		if h == "" {
			return Topic{}, fmt.Errorf("%w: %q: empty header field", types.ErrInvalidTopic, s)
		}
	}
	segments := parts[1:]
	for _, seg := range segments {
		if seg == "" {
			return Topic{}, fmt.Errorf("%w: %q: empty segment", types.ErrInvalidTopic, s)
		}
	}

	return Topic{
		Transport:  transport,
		Category:   header[0],
		Venue:      header[1],
		AssetClass: header[2],
		Segments:   segments,
	}, nil
}

// Validate reports whether s is a well-formed topic.
func Validate(s string) error {
	_, err := Parse(s)
	return err
}

func (t Topic) String() string {
	var b strings.Builder
	b.WriteString(t.Transport)
	b.WriteString("://")
	b.WriteString(t.Category)
	b.WriteByte('.')
	b.WriteString(t.Venue)
	b.WriteByte('.')
	b.WriteString(t.AssetClass)
	for _, seg := range t.Segments {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	return b.String()
}

// IsMarketData reports whether the topic carries market data.
func (t Topic) IsMarketData() bool {
	return t.Category == categoryMD
}

// MDType returns the data kind of a market data topic.
func (t Topic) MDType() (types.MDType, bool) {
	if !t.IsMarketData() || len(t.Segments) < 2 {
		return types.MDTypeUnknown, false
	}
	md, err := types.ParseMDType(t.Segments[1])
	if err != nil {
		return types.MDTypeUnknown, false
	}
	return md, true
}

// Symbol returns the symbol segment of a market data topic.
func (t Topic) Symbol() string {
	if !t.IsMarketData() || len(t.Segments) == 0 {
		return ""
	}
	return t.Segments[0]
}

// MD builds a market data topic, e.g. shm://MD.SSE.Spot/588180/Tickers.
func MD(market types.MarketCode, symbolType types.SymbolType, symbol string, md types.MDType) string {
	return fmt.Sprintf("%s://%s.%s.%s/%s/%s", DefaultTransport, categoryMD, market, symbolType, symbol, md)
}

// MDFromParts builds a market data topic from raw path parts as received by the HTTP API.
func MDFromParts(market, symbolType, symbol, mdType string) (string, error) {
	mc, err := types.ParseMarketCode(market)
	if err != nil {
		return "", err
	}
	st, err := types.ParseSymbolType(symbolType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidTopic, err)
	}
	md, err := types.ParseMDType(mdType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidTopic, err)
	}
	if symbol == "" {
		return "", fmt.Errorf("%w: empty symbol", types.ErrInvalidTopic)
	}
	return MD(mc, st, symbol, md), nil
}

// Scope is the granularity of a position or asset topic.
type Scope int

const (
	ScopeUnknown Scope = iota
	ScopeAcct
	ScopeStg
	ScopeStgInst
)

func (s Scope) String() string {
	switch s {
	case ScopeAcct:
		return "acct"
	case ScopeStg:
		return "stg"
	case ScopeStgInst:
		return "stgInst"
	default:
		return "unknown"
	}
}

func riskPrefix() string {
	return fmt.Sprintf("%s://%s.%s.%s", DefaultTransport, categoryRisk, riskPubChannel, riskAssetClass)
}

// PosOfAcct builds the position topic of an account.
func PosOfAcct(acct types.AcctID) string {
	return fmt.Sprintf("%s/PosInfo/AcctId/%d", riskPrefix(), acct)
}

// PosOfStg builds the position topic of a strategy.
func PosOfStg(stg types.StgID) string {
	return fmt.Sprintf("%s/PosInfo/StgId/%d", riskPrefix(), stg)
}

// PosOfStgInst builds the position topic of a strategy instance.
func PosOfStgInst(stg types.StgID, inst types.StgInstID) string {
	return fmt.Sprintf("%s/PosInfo/StgId/%d/StgInstId/%d", riskPrefix(), stg, inst)
}

// AssetsOfAcct builds the assets topic of an account.
func AssetsOfAcct(acct types.AcctID) string {
	return fmt.Sprintf("%s/AssetsInfo/AcctId/%d", riskPrefix(), acct)
}

// PosScope identifies which position table a topic addresses.
type PosScope struct {
	Scope     Scope
	AcctID    types.AcctID
	StgID     types.StgID
	StgInstID types.StgInstID
}

// ParsePosTopic recognizes position topics built by PosOf*.
func ParsePosTopic(s string) (PosScope, bool) {
	t, err := Parse(s)
	if err != nil || t.Category != categoryRisk || len(t.Segments) < 3 || t.Segments[0] != "PosInfo" {
		return PosScope{}, false
	}
	seg := t.Segments[1:]
	switch {
	case len(seg) == 2 && seg[0] == "AcctId":
		id, err := strconv.ParseUint(seg[1], 10, 32)
		if err != nil {
			return PosScope{}, false
		}
		return PosScope{Scope: ScopeAcct, AcctID: types.AcctID(id)}, true
	case len(seg) == 2 && seg[0] == "StgId":
		id, err := strconv.ParseUint(seg[1], 10, 32)
		if err != nil {
			return PosScope{}, false
		}
		return PosScope{Scope: ScopeStg, StgID: types.StgID(id)}, true
	case len(seg) == 4 && seg[0] == "StgId" && seg[2] == "StgInstId":
		stg, err := strconv.ParseUint(seg[1], 10, 32)
		if err != nil {
			return PosScope{}, false
		}
		inst, err := strconv.ParseUint(seg[3], 10, 32)
		if err != nil {
			return PosScope{}, false
		}
		return PosScope{Scope: ScopeStgInst, StgID: types.StgID(stg), StgInstID: types.StgInstID(inst)}, true
	default:
		return PosScope{}, false
	}
}

// IsAssetsTopic reports whether s is an assets topic.
func IsAssetsTopic(s string) bool {
	t, err := Parse(s)
	return err == nil && t.Category == categoryRisk && len(t.Segments) > 0 && t.Segments[0] == "AssetsInfo"
}
