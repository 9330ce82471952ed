package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/ratelimit"

	"sentinel/internal/model"
)

// Live submits signed orders to the exchange REST API. Requests are rate
// limited so bursts queue instead of tripping the exchange limits; transport
// failures retry with bounded backoff while business rejections surface
// immediately.
type Live struct {
	logger     *slog.Logger
	client     *binance.Client
	limiter    ratelimit.Limiter
	maxRetries uint64
}

// NewLive creates a live executor from exchange credentials.
func NewLive(logger *slog.Logger, apiKey, secretKey string) *Live {
	return &Live{
		logger:     logger,
		client:     binance.NewClient(apiKey, secretKey),
		limiter:    ratelimit.New(10), // requests per second
		maxRetries: 3,
	}
}

// Execute submits the order and reports the fill.
func (l *Live) Execute(ctx context.Context, o *model.Order) (*model.ExecutionResult, error) {
	var resp *binance.CreateOrderResponse

	err := l.retry(ctx, func() error {
		l.limiter.Take()

		svc := l.client.NewCreateOrderService().
			Symbol(o.Symbol).
			Side(binance.SideType(o.Side)).
			Quantity(formatQty(o.Quantity))

		switch o.Type {
		case model.OrderLimit:
			svc = svc.Type(binance.OrderTypeLimit).
				TimeInForce(binance.TimeInForceTypeGTC).
				Price(formatQty(o.Price))
		default:
			svc = svc.Type(binance.OrderTypeMarket)
		}

		var err error
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		o.Status = model.OrderRejected
		l.logger.Error("Live: order failed", "order_id", o.ID, "symbol", o.Symbol, "side", o.Side, "error", err)
		return &model.ExecutionResult{
			OrderID:    o.ID,
			Status:     model.OrderRejected,
			Error:      err.Error(),
			ExecutedAt: time.Now(),
		}, fmt.Errorf("live: submit %s %s: %w", o.Side, o.Symbol, err)
	}

	result := &model.ExecutionResult{
		OrderID:         o.ID,
		Status:          mapOrderStatus(resp.Status),
		FilledQuantity:  parseQty(resp.ExecutedQuantity),
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ExecutedAt:      time.Now(),
	}
	result.AvgPrice, result.Commission = fillAverages(resp.Fills)

	o.Status = result.Status
	o.ExchangeOrderID = result.ExchangeOrderID

	l.logger.Info("Live: order submitted",
		"order_id", o.ID, "exchange_order_id", result.ExchangeOrderID,
		"symbol", o.Symbol, "side", o.Side, "status", result.Status,
		"filled", result.FilledQuantity, "avg_price", result.AvgPrice)

	return result, nil
}

// Cancel cancels an open order. Cancelling an order the exchange already
// filled is treated as a no-op.
func (l *Live) Cancel(ctx context.Context, o *model.Order) error {
	exchangeID, err := strconv.ParseInt(o.ExchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("live: cancel %s: %w", o.ID, ErrUnknownOrder)
	}

	err = l.retry(ctx, func() error {
		l.limiter.Take()
		_, err := l.client.NewCancelOrderService().
			Symbol(o.Symbol).
			OrderID(exchangeID).
			Do(ctx)
		return err
	})
	if err != nil {
		var apiErr *common.APIError
		// -2011 UNKNOWN_ORDER: already filled or already cancelled.
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return nil
		}
		return fmt.Errorf("live: cancel %s: %w", o.ID, err)
	}

	o.Status = model.OrderCancelled
	return nil
}

// Status queries the exchange for the order's current state.
func (l *Live) Status(ctx context.Context, o *model.Order) (model.OrderStatus, error) {
	exchangeID, err := strconv.ParseInt(o.ExchangeOrderID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("live: status %s: %w", o.ID, ErrUnknownOrder)
	}

	var resp *binance.Order
	err = l.retry(ctx, func() error {
		l.limiter.Take()
		var err error
		resp, err = l.client.NewGetOrderService().
			Symbol(o.Symbol).
			OrderID(exchangeID).
			Do(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("live: status %s: %w", o.ID, err)
	}
	return mapOrderStatus(resp.Status), nil
}

// Balance returns the free quote balance for the given asset, e.g. USDT.
// Errors degrade to zero so sizing refuses the trade instead of guessing.
func (l *Live) Balance(ctx context.Context, asset string) float64 {
	l.limiter.Take()
	acct, err := l.client.NewGetAccountService().Do(ctx)
	if err != nil {
		l.logger.Error("Live: account query failed", "error", err)
		return 0
	}
	for _, b := range acct.Balances {
		if b.Asset == asset {
			return parseQty(b.Free)
		}
	}
	return 0
}

// retry runs op with bounded exponential backoff. Exchange API errors are
// business rejections and marked permanent so they never retry.
func (l *Live) retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), l.maxRetries), ctx)
	return backoff.Retry(wrapped, policy)
}

func mapOrderStatus(s binance.OrderStatusType) model.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return model.OrderFilled
	case binance.OrderStatusTypePartiallyFilled, binance.OrderStatusTypeNew:
		return model.OrderExecuting
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return model.OrderCancelled
	case binance.OrderStatusTypeRejected:
		return model.OrderRejected
	default:
		return model.OrderPending
	}
}

func fillAverages(fills []*binance.Fill) (avgPrice, commission float64) {
	var qty, notional float64
	for _, f := range fills {
		p := parseQty(f.Price)
		q := parseQty(f.Quantity)
		notional += p * q
		qty += q
		commission += parseQty(f.Commission)
	}
	if qty > 0 {
		avgPrice = notional / qty
	}
	return avgPrice, commission
}

func formatQty(v float64) string { return strconv.FormatFloat(v, 'f', 8, 64) }

func parseQty(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
