// Package events implements the Execution Supervisor's outbound event sink:
// TradeEntry, TradeExit, TradeUpdate, Signal, SignalRejected, NewsAlert,
// SystemMessage, Error. Adapted from the teacher's high-throughput
// EventBus (worker pool + buffered channel), generalized from the
// teacher's market-data/execution taxonomy to the specification's
// lifecycle taxonomy.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind is the category of a lifecycle event, per spec.md §4.8's event sink.
type Kind string

const (
	KindTradeEntry     Kind = "TradeEntry"
	KindTradeExit      Kind = "TradeExit"
	KindTradeUpdate    Kind = "TradeUpdate"
	KindSignal         Kind = "Signal"
	KindSignalRejected Kind = "SignalRejected"
	KindNewsAlert      Kind = "NewsAlert"
	KindSystemMessage  Kind = "SystemMessage"
	KindError          Kind = "Error"
)

// Event is one lifecycle notification. Fields not relevant to a given Kind
// are left zero; Data carries kind-specific detail (spec.md §7's
// "SignalRejected events carry {symbol, strategy, action, reason}" and
// similar per-kind shapes).
type Event struct {
	ID        string
	Kind      Kind
	Symbol    string
	Strategy  string
	Timestamp time.Time
	Message   string
	Data      map[string]any
}

// Handler processes one event. It never blocks the publisher or retries,
// matching spec.md §4.8's "the core must not block waiting on them."
type Handler func(Event)

// Bus is the lifecycle event sink. Publish is non-blocking: a full buffer
// drops the event and increments a counter rather than stalling the
// Execution Supervisor's tick loop.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[Kind][]Handler
	allSubs     []Handler

	events  chan Event
	workers int
	stop    chan struct{}
	wg      sync.WaitGroup

	statsMu   sync.Mutex
	published int64
	dropped   int64
}

// Config controls the bus's worker pool and buffering, mirroring the
// teacher's EventBusConfig.
type Config struct {
	Workers    int
	BufferSize int
}

func DefaultConfig() Config {
	return Config{Workers: 4, BufferSize: 4096}
}

func New(logger *zap.Logger, cfg Config) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &Bus{
		logger:      logger.Named("event-bus"),
		subscribers: make(map[Kind][]Handler),
		events:      make(chan Event, cfg.BufferSize),
		workers:     cfg.Workers,
		stop:        make(chan struct{}),
	}
}

// Start launches the worker pool; subsequent Publish calls dispatch
// asynchronously to subscribers.
func (b *Bus) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case ev := <-b.events:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[ev.Kind]...)
	all := append([]Handler(nil), b.allSubs...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
	for _, h := range all {
		b.safeCall(h, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", zap.Any("recovered", r), zap.String("kind", string(ev.Kind)))
		}
	}()
	h(ev)
}

// Stop drains the worker pool.
func (b *Bus) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// Subscribe registers handler for one event kind.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], handler)
}

// SubscribeAll registers handler for every event kind — used by the trade
// database and notifier, both named in spec.md §4.8 as sink subscribers.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, handler)
}

// Publish enqueues ev for async dispatch. Non-blocking: drops and counts on
// a full buffer rather than stalling the caller's tick.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case b.events <- ev:
		b.statsMu.Lock()
		b.published++
		b.statsMu.Unlock()
	default:
		b.statsMu.Lock()
		b.dropped++
		b.statsMu.Unlock()
		b.logger.Warn("event dropped, buffer full", zap.String("kind", string(ev.Kind)))
	}
}

// Stats reports published/dropped counters, exposed via the Prometheus
// endpoint alongside execution metrics.
func (b *Bus) Stats() (published, dropped int64) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.published, b.dropped
}

// TradeEntry builds the event emitted on successful order submission
// (spec.md §4.8 step 6d).
func TradeEntry(symbol, strategy string, data map[string]any) Event {
	return Event{Kind: KindTradeEntry, Symbol: symbol, Strategy: strategy, Data: data}
}

// TradeExit builds the event emitted on position closure, carrying PnL,
// duration, and exit reason (spec.md §4.8 step 7 / §3 Position lifecycle).
func TradeExit(symbol, strategy string, data map[string]any) Event {
	return Event{Kind: KindTradeExit, Symbol: symbol, Strategy: strategy, Data: data}
}

// TradeUpdate builds a stop-management event; data["kind"] is "breakeven" or
// "trailing" per spec.md §4.8 step 7.
func TradeUpdate(symbol, strategy, kind string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	data["kind"] = kind
	return Event{Kind: KindTradeUpdate, Symbol: symbol, Strategy: strategy, Data: data}
}

// SignalRejected builds the event spec.md §7 requires carry
// {symbol, strategy, action, reason}.
func SignalRejected(symbol, strategy, action, reason string) Event {
	return Event{
		Kind:     KindSignalRejected,
		Symbol:   symbol,
		Strategy: strategy,
		Message:  reason,
		Data:     map[string]any{"action": action, "reason": reason},
	}
}

// SystemMessage builds a periodic health summary (spec.md §7).
func SystemMessage(message string, data map[string]any) Event {
	return Event{Kind: KindSystemMessage, Message: message, Data: data}
}

// Error builds an Error event for broker disconnects, config failures, etc.
func Error(symbol, message string, data map[string]any) Event {
	return Event{Kind: KindError, Symbol: symbol, Message: message, Data: data}
}

// NewsAlert builds the event emitted when the News View enters or leaves a
// blocking window.
func NewsAlert(symbol, message string, data map[string]any) Event {
	return Event{Kind: KindNewsAlert, Symbol: symbol, Message: message, Data: data}
}
