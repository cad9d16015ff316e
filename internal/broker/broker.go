// Package broker defines the Broker Gateway abstraction around an external
// trading terminal, and an in-memory implementation for tests.
//
// Method names and the reconnect-with-backoff idiom are grounded on a real
// MT5 RPC gateway's naming conventions (AccountBalance/AccountEquity/
// PositionsGet/OrderSend/Reconnect) and on the teacher's ExchangeAdapter
// interface shape.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/urion-trading/engine/pkg/mtypes"
	"github.com/urion-trading/engine/pkg/utils"
)

// ErrorKind is the retcode-style classification carried on every broker error.
type ErrorKind string

const (
	Retryable           ErrorKind = "retryable"
	Rejected            ErrorKind = "rejected"
	SymbolInvalid       ErrorKind = "symbol_invalid"
	InsufficientMargin  ErrorKind = "insufficient_margin"
	SpreadBlocked       ErrorKind = "spread_blocked"
	Disconnected        ErrorKind = "disconnected"
)

// Error is a typed broker failure. It never wraps a generic cause beyond the
// kind and message, matching the teacher's small-typed-struct style for
// domain-significant failures.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// RetryableKind reports whether the supervisor should retry this error kind.
func (e *Error) RetryableKind() bool {
	return e.Kind == Retryable || e.Kind == Disconnected
}

// Gateway abstracts an external broker/trading terminal per the
// specification's operation set.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Account(ctx context.Context) (mtypes.AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (mtypes.SymbolInfo, error)
	SelectSymbol(ctx context.Context, symbol string) error
	Rates(ctx context.Context, symbol string, tf mtypes.Timeframe, count int) ([]mtypes.Bar, error)
	Positions(ctx context.Context, symbol string) ([]mtypes.Position, error)
	PlaceOrder(ctx context.Context, req mtypes.OrderRequest) (mtypes.Ticket, error)
	ClosePosition(ctx context.Context, ticket mtypes.Ticket) error
	ModifyStops(ctx context.Context, ticket mtypes.Ticket, sl, tp *float64) error
}

// ReconnectWithBackoff retries connect against a Gateway with exponential
// backoff, stopping after cfg.MaxAttempts. Generalizes the MT5-idiom
// ExecuteWithReconnect helper into a reusable function over any Gateway.
func ReconnectWithBackoff(ctx context.Context, g Gateway, cfg utils.RetryConfig) error {
	_, err := utils.Retry(cfg, func() (struct{}, error) {
		return struct{}{}, g.Connect(ctx)
	})
	return err
}

// WithTimeout wraps a broker operation with the specification's default
// 10s suspension-point timeout, converting a context deadline exceeded into
// a Retryable error.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		d = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(cctx)
	if err == context.DeadlineExceeded {
		return &Error{Kind: Retryable, Message: "operation timed out"}
	}
	return err
}
