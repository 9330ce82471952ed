// Package order turns approved signals into concrete orders and executes
// them against either a simulated ledger or a live exchange account.
package order

import (
	"context"
	"errors"

	"sentinel/internal/model"
)

var (
	// ErrInsufficientBalance is a business rejection; it is never retried.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBelowMinNotional rejects orders smaller than the exchange minimum.
	ErrBelowMinNotional = errors.New("order below minimum notional")
	// ErrNoPrice means no market price is available to size or fill against.
	ErrNoPrice = errors.New("no market price available")
	// ErrUnknownOrder is returned for cancel/status on an unknown order id.
	ErrUnknownOrder = errors.New("unknown order")
)

// Executor submits, cancels and inspects orders. Paper and Live implement it
// behind one interface so the engine is execution-agnostic.
type Executor interface {
	Execute(ctx context.Context, o *model.Order) (*model.ExecutionResult, error)
	Cancel(ctx context.Context, o *model.Order) error
	Status(ctx context.Context, o *model.Order) (model.OrderStatus, error)
}

// PriceSource provides the current market price used for sizing and for
// filling simulated market orders.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}
