// Package store provides ledger persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"equity-trader/internal/models"
)

// Tx is the set of ledger operations available inside and outside a
// transaction.
type Tx interface {
	// Positions
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)
	InsertPosition(ctx context.Context, p *models.Position) error
	UpdatePosition(ctx context.Context, p *models.Position) error
	DeletePosition(ctx context.Context, symbol string) error

	// Trades
	InsertTrade(ctx context.Context, t *models.Trade) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	LastBuyTime(ctx context.Context, symbol string) (time.Time, bool, error)

	// Orders
	InsertOrder(ctx context.Context, o *models.Order) error
	UpdateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	ListOpenOrders(ctx context.Context) ([]models.Order, error)
}

// TradeLister reads trade history.
type TradeLister interface {
	ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
}

// LockStore persists pair locks. Locks are deactivated, never deleted.
type LockStore interface {
	InsertLock(ctx context.Context, l *models.PairLock) error
	ListLocks(ctx context.Context, filter LockFilter) ([]models.PairLock, error)
	DeactivateLocks(ctx context.Context, symbol string) (int, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
}

// Ledger is the durable store of positions, trades, orders and locks.
type Ledger interface {
	Tx
	LockStore

	// InTx runs fn inside a single writer transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// PositionFilter represents filters for listing positions.
type PositionFilter struct {
	Protection models.Protection
	Sector     string
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol  string
	Side    models.OrderSide
	ExitTag models.OrderTag
	// Since and Until bound the exit time; trades without one are excluded
	// when either is set.
	Since      time.Time
	Until      time.Time
	Limit      int
	Descending bool
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	Symbol string
	Status models.OrderStatus
	Tag    models.OrderTag
	Limit  int
}

// LockFilter represents filters for querying pair locks.
type LockFilter struct {
	Symbol string
	// ActiveAt restricts the result to locks in effect at that instant; zero
	// returns every lock including inactive ones.
	ActiveAt time.Time
}
