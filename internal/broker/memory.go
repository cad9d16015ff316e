package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/urion-trading/engine/pkg/mtypes"
	"github.com/urion-trading/engine/pkg/utils"
)

// InMemory is a deterministic, in-process Gateway implementation for tests:
// it produces deterministic bars and honors stops, per the design note that
// the broker capability must be unit-testable without a live terminal.
type InMemory struct {
	mu             sync.Mutex
	connected      bool
	account        mtypes.AccountInfo
	symbols        map[string]mtypes.SymbolInfo
	bars           map[string][]mtypes.Bar // keyed by symbol|tf
	positions      map[mtypes.Ticket]*mtypes.Position
	nextTicket     int
	failConnect    int     // remaining forced-failure count, for reconnect tests
	slippagePoints float64 // trading.slippage (spec.md §6): a flat adverse-fill distance, not a market-impact model
}

// SetSlippagePoints configures the flat adverse-fill distance PlaceOrder
// applies to every fill, in symbol points. Per DESIGN.md,
// `trading.slippage` is a single scalar applied at the broker
// boundary, not a statistical slippage model.
func (m *InMemory) SetSlippagePoints(points float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slippagePoints = points
}

// NewInMemory creates an in-memory broker seeded with account info.
func NewInMemory(account mtypes.AccountInfo) *InMemory {
	return &InMemory{
		account:   account,
		symbols:   make(map[string]mtypes.SymbolInfo),
		bars:      make(map[string][]mtypes.Bar),
		positions: make(map[mtypes.Ticket]*mtypes.Position),
	}
}

// SeedSymbol registers symbol metadata for the in-memory broker.
func (m *InMemory) SeedSymbol(info mtypes.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[info.Name] = info
}

// SeedBars installs a deterministic bar series for (symbol, tf).
func (m *InMemory) SeedBars(symbol string, tf mtypes.Timeframe, bars []mtypes.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[key(symbol, tf)] = bars
}

// ForceNextConnectFailures makes the next n Connect calls fail as Retryable,
// for exercising the supervisor's reconnect-with-backoff path.
func (m *InMemory) ForceNextConnectFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnect = n
}

func key(symbol string, tf mtypes.Timeframe) string { return fmt.Sprintf("%s|%s", symbol, tf) }

func (m *InMemory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failConnect > 0 {
		m.failConnect--
		return &Error{Kind: Retryable, Message: "simulated connect failure"}
	}
	m.connected = true
	return nil
}

func (m *InMemory) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *InMemory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *InMemory) Account(ctx context.Context) (mtypes.AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mtypes.AccountInfo{}, &Error{Kind: Disconnected, Message: "not connected"}
	}
	return m.account, nil
}

// SetAccount updates the account snapshot, e.g. after a simulated fill.
func (m *InMemory) SetAccount(a mtypes.AccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = a
}

func (m *InMemory) SymbolInfo(ctx context.Context, symbol string) (mtypes.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.symbols[symbol]
	if !ok {
		return mtypes.SymbolInfo{}, &Error{Kind: SymbolInvalid, Message: symbol}
	}
	return info, nil
}

func (m *InMemory) SelectSymbol(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.symbols[symbol]; !ok {
		return &Error{Kind: SymbolInvalid, Message: symbol}
	}
	return nil
}

func (m *InMemory) Rates(ctx context.Context, symbol string, tf mtypes.Timeframe, count int) ([]mtypes.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars, ok := m.bars[key(symbol, tf)]
	if !ok {
		return nil, nil
	}
	if count >= len(bars) {
		return bars, nil
	}
	return bars[len(bars)-count:], nil
}

func (m *InMemory) Positions(ctx context.Context, symbol string) ([]mtypes.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mtypes.Position
	for _, p := range m.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *InMemory) PlaceOrder(ctx context.Context, req mtypes.OrderRequest) (mtypes.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", &Error{Kind: Disconnected, Message: "not connected"}
	}
	info, ok := m.symbols[req.Symbol]
	if !ok {
		return "", &Error{Kind: SymbolInvalid, Message: req.Symbol}
	}
	entry := info.CurrentAsk
	if req.Side == mtypes.Sell {
		entry = info.CurrentBid
	}
	if m.slippagePoints != 0 {
		adverse := m.slippagePoints * info.Point
		if req.Side == mtypes.Buy {
			entry += adverse
		} else {
			entry -= adverse
		}
	}
	m.nextTicket++
	ticket := mtypes.Ticket(utils.GenerateTicketID())
	m.positions[ticket] = &mtypes.Position{
		Ticket:       string(ticket),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		EntryPrice:   entry,
		CurrentPrice: entry,
		SL:           req.SL,
		TP:           req.TP,
		OpenTime:     time.Now().UTC(),
	}
	return ticket, nil
}

func (m *InMemory) ClosePosition(ctx context.Context, ticket mtypes.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[ticket]; !ok {
		return &Error{Kind: Rejected, Message: "unknown ticket"}
	}
	delete(m.positions, ticket)
	return nil
}

func (m *InMemory) ModifyStops(ctx context.Context, ticket mtypes.Ticket, sl, tp *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[ticket]
	if !ok {
		return &Error{Kind: Rejected, Message: "unknown ticket"}
	}
	if sl != nil {
		pos.SL = *sl
	}
	if tp != nil {
		pos.TP = *tp
	}
	return nil
}

// SetCurrentPrice updates a symbol's quote and every open position's mark
// price/unrealized PnL, and auto-closes positions whose SL/TP was crossed —
// honoring the design note that the in-memory broker "honors stops".
func (m *InMemory) SetCurrentPrice(symbol string, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.symbols[symbol]; ok {
		info.CurrentBid = bid
		info.CurrentAsk = ask
		m.symbols[symbol] = info
	}
	for ticket, pos := range m.positions {
		if pos.Symbol != symbol {
			continue
		}
		mark := bid
		if pos.Side == mtypes.Sell {
			mark = ask
		}
		pos.CurrentPrice = mark
		pnlPerUnit := mark - pos.EntryPrice
		if pos.Side == mtypes.Sell {
			pnlPerUnit = pos.EntryPrice - mark
		}
		pos.UnrealizedPnL = decimal.NewFromFloat(pnlPerUnit).Mul(pos.Volume)

		hitSL := pos.SL != 0 && ((pos.Side == mtypes.Buy && mark <= pos.SL) || (pos.Side == mtypes.Sell && mark >= pos.SL))
		hitTP := pos.TP != 0 && ((pos.Side == mtypes.Buy && mark >= pos.TP) || (pos.Side == mtypes.Sell && mark <= pos.TP))
		if hitSL || hitTP {
			delete(m.positions, ticket)
		}
	}
}

// GenerateDeterministicBars builds a reproducible sine-plus-drift bar series
// for tests and fixtures, seeded only by its parameters (no time.Now/rand).
func GenerateDeterministicBars(start time.Time, tf mtypes.Timeframe, n int, basePrice, drift, amplitude float64) []mtypes.Bar {
	step := time.Duration(tf.Minutes()) * time.Minute
	bars := make([]mtypes.Bar, n)
	for i := 0; i < n; i++ {
		t := float64(i)
		price := basePrice + drift*t + amplitude*math.Sin(t/7)
		open := price
		close := price + drift
		hi := math.Max(open, close) + amplitude*0.1
		lo := math.Min(open, close) - amplitude*0.1
		bars[i] = mtypes.Bar{
			Time:   start.Add(time.Duration(i) * step),
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  close,
			Volume: 100 + 10*math.Abs(math.Sin(t/3)),
		}
	}
	return bars
}
