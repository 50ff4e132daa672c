package types

import (
	"errors"
	"fmt"
)

// Error categories. Every sentinel below wraps exactly one of these.
var (
	ErrLocalValidation = errors.New("local validation failed")
	ErrNotFound        = errors.New("not found")
	ErrVenueRejection  = errors.New("rejected by venue")
	ErrDuplicate       = errors.New("duplicate")
	ErrHandlerFault    = errors.New("handler fault")
)

// Sentinel errors for the strategy engine.
var (
	// Instance errors
	ErrStgInstNotFound  = fmt.Errorf("%w: strategy instance", ErrNotFound)
	ErrInvalidStgInstID = fmt.Errorf("%w: strategy instance id must start from 1", ErrLocalValidation)
	ErrDuplicateStgInst = fmt.Errorf("%w: strategy instance already exists", ErrDuplicate)

	// Topic errors
	ErrInvalidTopic       = fmt.Errorf("%w: invalid topic", ErrLocalValidation)
	ErrTopicNotSubscribed = fmt.Errorf("%w: topic not subscribed", ErrNotFound)

	// Timer errors
	ErrInvalidTimerName     = fmt.Errorf("%w: invalid timer name", ErrLocalValidation)
	ErrInvalidTimerInterval = fmt.Errorf("%w: timer interval must be positive", ErrLocalValidation)

	// Order errors
	ErrInvalidMarketCode  = fmt.Errorf("%w: invalid market code", ErrLocalValidation)
	ErrSymbolNotFound     = fmt.Errorf("%w: symbol not found", ErrLocalValidation)
	ErrInvalidSide        = fmt.Errorf("%w: invalid side", ErrLocalValidation)
	ErrInvalidPosSide     = fmt.Errorf("%w: invalid pos side", ErrLocalValidation)
	ErrInvalidPrice       = fmt.Errorf("%w: invalid price", ErrLocalValidation)
	ErrInvalidSize        = fmt.Errorf("%w: invalid size", ErrLocalValidation)
	ErrOrderNotFound      = fmt.Errorf("%w: order", ErrNotFound)
	ErrOrderAlreadyClosed = fmt.Errorf("%w: order already in terminal state", ErrLocalValidation)
	ErrDuplicateOrder     = fmt.Errorf("%w: order id", ErrDuplicate)
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrAddOrderFailed     = errors.New("add order failed")
	ErrOrderRejected      = fmt.Errorf("%w: order", ErrVenueRejection)

	// Risk errors
	ErrOrderRateExceeded  = fmt.Errorf("%w: order rate exceeded", ErrLocalValidation)
	ErrSafeModeActive     = fmt.Errorf("%w: safe mode active", ErrLocalValidation)
	ErrOrderLimitExceeded = fmt.Errorf("%w: order notional exceeds limit", ErrLocalValidation)

	// Position errors
	ErrPnlNotExists     = fmt.Errorf("%w: pnl scope", ErrNotFound)
	ErrInvalidQueryCond = fmt.Errorf("%w: invalid query condition", ErrLocalValidation)
	ErrConvRateNotFound = fmt.Errorf("%w: currency conversion rate", ErrNotFound)

	// Historical market data errors
	ErrInvalidHisMDQuery = fmt.Errorf("%w: invalid historical market data query", ErrLocalValidation)
	ErrHisMDQueryFailed  = errors.New("historical market data query failed")

	// Private data errors
	ErrPrivateDataNotFound = fmt.Errorf("%w: strategy private data", ErrNotFound)
	ErrPrivateDataFailed   = errors.New("strategy private data io failed")

	// Engine errors
	ErrEngineNotRunning = errors.New("engine not running")
	ErrQueueFull        = errors.New("event queue full")
	ErrQueueClosed      = errors.New("event queue closed")

	// Connection errors
	ErrVenueNotConnected = errors.New("venue not connected")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
