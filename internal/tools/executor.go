// Package tools executes the fixed registry of side-effect-free
// lookups the model backend may request before producing text.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Name identifies a tool in the closed registry.
type Name string

const (
	NameFetchAccountBalance Name = "fetch_account_balance"
	NameFetchOrderStatus    Name = "fetch_order_status"
)

// ErrUnknownTool is returned when a requested tool is not in the registry.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Call is one tool invocation requested by the model backend. ID is an
// opaque identifier used to correlate the result back into the message
// history.
type Call struct {
	ID   string
	Name Name
	Args json.RawMessage
}

// BalanceArgs are the arguments of fetch_account_balance.
type BalanceArgs struct {
	UserID string `json:"user_id"`
}

// BalanceResult is the result of fetch_account_balance.
type BalanceResult struct {
	UserID   string  `json:"user_id"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
}

// OrderStatusArgs are the arguments of fetch_order_status.
type OrderStatusArgs struct {
	OrderID string `json:"order_id"`
}

// OrderStatusResult is the result of fetch_order_status.
type OrderStatusResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	ETADays int    `json:"eta_days"`
}

var orderStatuses = []string{"PROCESSING", "SHIPPED", "DELIVERED", "ON_HOLD"}

// Executor runs tool calls with a fixed minimum latency that simulates
// a real lookup backend. Lookups have no failure path of their own;
// only unknown names and malformed arguments error.
type Executor struct {
	latency time.Duration
}

func NewExecutor(latency time.Duration) *Executor {
	return &Executor{latency: latency}
}

// Execute dispatches a call over the closed tool enumeration.
// fallbackUserID fills an absent user_id argument; an absent order_id
// falls back to "unknown". Unknown names return ErrUnknownTool.
func (e *Executor) Execute(ctx context.Context, call Call, fallbackUserID string) (any, error) {
	switch call.Name {
	case NameFetchAccountBalance:
		var args BalanceArgs
		if err := unmarshalArgs(call.Args, &args); err != nil {
			return nil, fmt.Errorf("tools.Executor.Execute: %s: %w", call.Name, err)
		}
		if args.UserID == "" {
			args.UserID = fallbackUserID
		}
		return e.fetchAccountBalance(ctx, args.UserID)

	case NameFetchOrderStatus:
		var args OrderStatusArgs
		if err := unmarshalArgs(call.Args, &args); err != nil {
			return nil, fmt.Errorf("tools.Executor.Execute: %s: %w", call.Name, err)
		}
		if args.OrderID == "" {
			args.OrderID = "unknown"
		}
		return e.fetchOrderStatus(ctx, args.OrderID)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
}

func (e *Executor) fetchAccountBalance(ctx context.Context, userID string) (BalanceResult, error) {
	if err := e.wait(ctx); err != nil {
		return BalanceResult{}, err
	}

	bal := math.Round((120.0+rand.Float64()*(9340.0-120.0))*100) / 100

	return BalanceResult{UserID: userID, Currency: "USD", Balance: bal}, nil
}

func (e *Executor) fetchOrderStatus(ctx context.Context, orderID string) (OrderStatusResult, error) {
	if err := e.wait(ctx); err != nil {
		return OrderStatusResult{}, err
	}

	return OrderStatusResult{
		OrderID: orderID,
		Status:  orderStatuses[rand.IntN(len(orderStatuses))],
		ETADays: 1 + rand.IntN(7),
	}, nil
}

// wait blocks for the simulated backend latency, honoring cancellation.
func (e *Executor) wait(ctx context.Context) error {
	if e.latency <= 0 {
		return nil
	}

	timer := time.NewTimer(e.latency)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func unmarshalArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal args: %w", err)
	}
	return nil
}
