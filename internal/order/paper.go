package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sentinel/internal/model"
)

// Paper simulates order execution against an in-memory quote balance.
// Market orders fill at the current feed price with a synthetic commission.
type Paper struct {
	logger     *slog.Logger
	prices     PriceSource
	commission float64 // taker rate, e.g. 0.001

	mu      sync.Mutex
	balance float64
	orders  map[string]model.OrderStatus
}

// NewPaper creates a simulated executor with the given starting balance.
func NewPaper(logger *slog.Logger, prices PriceSource, balance, commissionRate float64) *Paper {
	return &Paper{
		logger:     logger,
		prices:     prices,
		commission: commissionRate,
		balance:    balance,
		orders:     make(map[string]model.OrderStatus),
	}
}

// Balance returns the current simulated quote balance.
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// Execute fills a market order at the snapshot price, or books a limit order
// as pending. Business rejections come back as errors and a rejected result;
// they are final and must not be retried.
func (p *Paper) Execute(ctx context.Context, o *model.Order) (*model.ExecutionResult, error) {
	price := o.Price
	if o.Type == model.OrderMarket {
		last, ok := p.prices.LastPrice(o.Symbol)
		if !ok {
			return p.reject(o, ErrNoPrice), fmt.Errorf("paper: %s: %w", o.Symbol, ErrNoPrice)
		}
		price = last
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if o.Type == model.OrderLimit {
		p.orders[o.ID] = model.OrderPending
		o.Status = model.OrderPending
		return &model.ExecutionResult{
			OrderID:    o.ID,
			Status:     model.OrderPending,
			ExecutedAt: time.Now(),
		}, nil
	}

	notional := price * o.Quantity
	fee := notional * p.commission

	if o.Side == model.Buy {
		if p.balance < notional+fee {
			p.orders[o.ID] = model.OrderRejected
			o.Status = model.OrderRejected
			return p.reject(o, ErrInsufficientBalance),
				fmt.Errorf("paper: buy %s: %w: need %.2f, have %.2f", o.Symbol, ErrInsufficientBalance, notional+fee, p.balance)
		}
		p.balance -= notional + fee
	} else {
		p.balance += notional - fee
	}

	p.orders[o.ID] = model.OrderFilled
	o.Status = model.OrderFilled

	p.logger.Info("Paper: order filled",
		"order_id", o.ID, "symbol", o.Symbol, "side", o.Side,
		"quantity", o.Quantity, "price", price, "commission", fee, "balance", p.balance)

	return &model.ExecutionResult{
		OrderID:        o.ID,
		Status:         model.OrderFilled,
		FilledQuantity: o.Quantity,
		AvgPrice:       price,
		Commission:     fee,
		ExecutedAt:     time.Now(),
	}, nil
}

// Cancel marks a pending order cancelled. Cancelling an already-filled order
// is a no-op so duplicate cancels cannot disturb position state.
func (p *Paper) Cancel(ctx context.Context, o *model.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.orders[o.ID]
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", o.ID, ErrUnknownOrder)
	}
	if status == model.OrderFilled || status == model.OrderCancelled {
		return nil
	}
	p.orders[o.ID] = model.OrderCancelled
	o.Status = model.OrderCancelled
	return nil
}

// Status reports the ledger's view of an order.
func (p *Paper) Status(ctx context.Context, o *model.Order) (model.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.orders[o.ID]
	if !ok {
		return "", fmt.Errorf("paper: status %s: %w", o.ID, ErrUnknownOrder)
	}
	return status, nil
}

func (p *Paper) reject(o *model.Order, cause error) *model.ExecutionResult {
	return &model.ExecutionResult{
		OrderID:    o.ID,
		Status:     model.OrderRejected,
		Error:      cause.Error(),
		ExecutedAt: time.Now(),
	}
}
