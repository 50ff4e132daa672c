// Package persistence stores engine state that must survive a restart.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/types"
)

// Repository defines the interface for engine persistence.
type Repository interface {
	// Order operations
	SaveOrders(ctx context.Context, orders []types.OrderInfo) error
	GetOrder(ctx context.Context, id types.OrderID) (*types.OrderInfo, error)
	LoadOpenOrders(ctx context.Context, stg types.StgID) ([]types.OrderInfo, error)
	PurgeClosedOrdersBefore(ctx context.Context, t time.Time) (int64, error)

	// PnL operations
	SavePnlRecord(ctx context.Context, rec PnlRecord) error
	GetPnlHistory(ctx context.Context, inst types.StgInstID, from, to time.Time) ([]PnlRecord, error)

	// Strategy private data
	SavePrivateData(ctx context.Context, stg types.StgID, inst types.StgInstID, data []byte) error
	LoadPrivateData(ctx context.Context, stg types.StgID, inst types.StgInstID) ([]byte, error)

	// Historical market data
	SaveHisMD(ctx context.Context, rec types.HisMDRecord) error
	QueryHisMDAfter(ctx context.Context, topic string, ts time.Time, num int) ([]types.HisMDRecord, error)
	QueryHisMDBefore(ctx context.Context, topic string, ts time.Time, num int) ([]types.HisMDRecord, error)
	QueryHisMDBetween(ctx context.Context, topic string, begin, end time.Time, limit int) ([]types.HisMDRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// PnlRecord is a periodic PnL sample of one strategy instance.
type PnlRecord struct {
	ID         string
	StgID      types.StgID
	StgInstID  types.StgInstID
	Currency   string
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
	Fee        decimal.Decimal
	Total      decimal.Decimal
	Timestamp  time.Time
}
