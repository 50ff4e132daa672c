package types

import (
	"errors"
	"fmt"
)

// StatusCode is the result code returned by the handler command surface. Zero means success.
type StatusCode int

const (
	StatusSuccess StatusCode = 0

	StatusTopicNotSubscribed StatusCode = -1101
	StatusInvalidTopic       StatusCode = -1103
	StatusPnlNotExists       StatusCode = -1112
	StatusInvalidQueryCond   StatusCode = -1114
	StatusConvRateNotFound   StatusCode = -1115

	StatusHisMDQueryFailed  StatusCode = -4501
	StatusInvalidHisMDQuery StatusCode = -4502

	StatusStgInstNotFound   StatusCode = -6001
	StatusInvalidStgInstID  StatusCode = -6003
	StatusDuplicateStgInst  StatusCode = -6004
	StatusInvalidMarketCode StatusCode = -6012
	StatusSymbolNotFound    StatusCode = -6013
	StatusInvalidSide       StatusCode = -6014
	StatusInvalidPosSide    StatusCode = -6015
	StatusInvalidPrice      StatusCode = -6016
	StatusInvalidSize       StatusCode = -6017

	StatusInvalidTimerName     StatusCode = -6101
	StatusInvalidTimerInterval StatusCode = -6102

	StatusPrivateDataNotFound StatusCode = -6201
	StatusPrivateDataFailed   StatusCode = -6202

	StatusAddOrderFailed     StatusCode = -7001
	StatusOrderNotFound      StatusCode = -7005
	StatusOrderAlreadyClosed StatusCode = -7006
	StatusOrderRateExceeded  StatusCode = -7010
	StatusSafeModeActive     StatusCode = -7011
	StatusOrderLimitExceeded StatusCode = -7012

	StatusEngineNotRunning StatusCode = -9001
	StatusQueueFull        StatusCode = -9002

	StatusExternalOrderRejected StatusCode = -10001
	StatusHandlerFault          StatusCode = -10002

	StatusUnknownError StatusCode = -99999
)

var statusMessages = map[StatusCode]string{
	StatusSuccess:               "success",
	StatusTopicNotSubscribed:    "topic not subscribed",
	StatusInvalidTopic:          "invalid topic",
	StatusPnlNotExists:          "pnl not exists",
	StatusInvalidQueryCond:      "invalid query condition",
	StatusConvRateNotFound:      "currency conversion rate not found",
	StatusHisMDQueryFailed:      "historical market data query failed",
	StatusInvalidHisMDQuery:     "invalid historical market data query",
	StatusStgInstNotFound:       "strategy instance not found",
	StatusInvalidStgInstID:      "strategy instance id must start from 1",
	StatusDuplicateStgInst:      "strategy instance already exists",
	StatusInvalidMarketCode:     "invalid market code",
	StatusSymbolNotFound:        "symbol not found",
	StatusInvalidSide:           "invalid side",
	StatusInvalidPosSide:        "invalid pos side",
	StatusInvalidPrice:          "invalid price",
	StatusInvalidSize:           "invalid size",
	StatusInvalidTimerName:      "invalid timer name",
	StatusInvalidTimerInterval:  "invalid timer interval",
	StatusPrivateDataNotFound:   "strategy private data not found",
	StatusPrivateDataFailed:     "strategy private data io failed",
	StatusAddOrderFailed:        "add order failed",
	StatusOrderNotFound:         "order not found",
	StatusOrderAlreadyClosed:    "order already closed",
	StatusOrderRateExceeded:     "order rate exceeded",
	StatusSafeModeActive:        "safe mode active",
	StatusOrderLimitExceeded:    "order notional exceeds limit",
	StatusEngineNotRunning:      "engine not running",
	StatusQueueFull:             "event queue full",
	StatusExternalOrderRejected: "order rejected by venue",
	StatusHandlerFault:          "handler fault",
	StatusUnknownError:          "unknown error",
}

// StatusMsg returns the text for a status code.
func StatusMsg(code StatusCode) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status code %d", int(code))
}

func (c StatusCode) String() string {
	return StatusMsg(c)
}

// OK reports whether the code means success.
func (c StatusCode) OK() bool {
	return c == StatusSuccess
}

// errorStatus maps specific sentinels to codes. Order matters: specific errors before categories.
var errorStatus = []struct {
	err  error
	code StatusCode
}{
	{ErrTopicNotSubscribed, StatusTopicNotSubscribed},
	{ErrInvalidTopic, StatusInvalidTopic},
	{ErrPnlNotExists, StatusPnlNotExists},
	{ErrInvalidQueryCond, StatusInvalidQueryCond},
	{ErrConvRateNotFound, StatusConvRateNotFound},
	{ErrHisMDQueryFailed, StatusHisMDQueryFailed},
	{ErrInvalidHisMDQuery, StatusInvalidHisMDQuery},
	{ErrStgInstNotFound, StatusStgInstNotFound},
	{ErrInvalidStgInstID, StatusInvalidStgInstID},
	{ErrDuplicateStgInst, StatusDuplicateStgInst},
	{ErrInvalidMarketCode, StatusInvalidMarketCode},
	{ErrSymbolNotFound, StatusSymbolNotFound},
	{ErrInvalidSide, StatusInvalidSide},
	{ErrInvalidPosSide, StatusInvalidPosSide},
	{ErrInvalidPrice, StatusInvalidPrice},
	{ErrInvalidSize, StatusInvalidSize},
	{ErrInvalidTimerName, StatusInvalidTimerName},
	{ErrInvalidTimerInterval, StatusInvalidTimerInterval},
	{ErrPrivateDataNotFound, StatusPrivateDataNotFound},
	{ErrPrivateDataFailed, StatusPrivateDataFailed},
	{ErrAddOrderFailed, StatusAddOrderFailed},
	{ErrDuplicateOrder, StatusAddOrderFailed},
	{ErrOrderNotFound, StatusOrderNotFound},
	{ErrOrderAlreadyClosed, StatusOrderAlreadyClosed},
	{ErrOrderRateExceeded, StatusOrderRateExceeded},
	{ErrSafeModeActive, StatusSafeModeActive},
	{ErrOrderLimitExceeded, StatusOrderLimitExceeded},
	{ErrEngineNotRunning, StatusEngineNotRunning},
	{ErrQueueClosed, StatusEngineNotRunning},
	{ErrQueueFull, StatusQueueFull},
	{ErrVenueRejection, StatusExternalOrderRejected},
	{ErrHandlerFault, StatusHandlerFault},
}

// StatusOf converts an error into its status code. nil maps to StatusSuccess.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return StatusUnknownError
}
