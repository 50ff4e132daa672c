// Package broker defines the order venue the engine routes orders to.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/tathienbao/stgeng/internal/order"
	"github.com/tathienbao/stgeng/internal/types"
)

// Common venue errors.
var (
	ErrNotConnected = types.ErrVenueNotConnected
	ErrRateLimited  = fmt.Errorf("%w: venue throttled the request", types.ErrRateLimitExceeded)
)

// ConnectionState represents the venue connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ReportHandler receives order and cancel reports. Venues call it from their own goroutines; reports for one
// order arrive in the order the venue produced them.
type ReportHandler func(order.Report)

// Venue routes orders to an exchange or a simulator.
type Venue interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	IsConnected() bool

	// SubmitOrder hands an order to the venue. An error means the order never reached it; results of
	// accepted orders arrive through the report handler.
	SubmitOrder(ctx context.Context, o types.OrderInfo) error
	// CancelOrder requests cancellation. The outcome arrives as a ReportCancelRet report.
	CancelOrder(ctx context.Context, o types.OrderInfo) error

	SetReportHandler(h ReportHandler)
	Name() string
}

// RejectReport builds the report for an order the venue refused or could not be reached for.
func RejectReport(o types.OrderInfo, err error) order.Report {
	return order.Report{
		Kind:       order.ReportOrderRet,
		OrderID:    o.OrderID,
		Status:     types.OrderStatusRejected,
		FilledSize: o.FilledSize,
		StatusCode: types.StatusExternalOrderRejected,
		StatusMsg:  err.Error(),
		Timestamp:  time.Now(),
	}
}

// CancelRejectReport builds the report for a cancel the venue refused.
func CancelRejectReport(o types.OrderInfo, code types.StatusCode, msg string) order.Report {
	return order.Report{
		Kind:       order.ReportCancelRet,
		OrderID:    o.OrderID,
		Status:     o.Status,
		FilledSize: o.FilledSize,
		StatusCode: code,
		StatusMsg:  msg,
		Timestamp:  time.Now(),
	}
}
