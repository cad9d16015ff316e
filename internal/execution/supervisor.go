// Package execution implements the Execution Supervisor: the process-wide
// main loop that runs one tick per symbol on its own schedule, fans out to
// the Technical Analyzer / Market Context Engine / Strategy Manager / Risk
// Manager, submits orders through the Broker Gateway, manages in-trade
// stops, and emits the lifecycle event sink.
//
// The composition-root shape (owned collaborators, Start/Stop, command
// channel, periodic metrics) is grounded on the teacher's
// TradingOrchestrator; per-symbol concurrent/serialized scheduling and
// order submission are grounded on Executor/OrderManager, generalized from
// a multi-exchange crypto executor to one MT5-style broker gateway.
package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/urion-trading/engine/internal/analysis"
	"github.com/urion-trading/engine/internal/broker"
	"github.com/urion-trading/engine/internal/events"
	"github.com/urion-trading/engine/internal/manager"
	"github.com/urion-trading/engine/internal/news"
	"github.com/urion-trading/engine/internal/risk"
	"github.com/urion-trading/engine/internal/strategy"
	"github.com/urion-trading/engine/internal/workers"
	"github.com/urion-trading/engine/pkg/mtypes"
	"github.com/urion-trading/engine/pkg/utils"
)

// Config tunes one Supervisor instance.
type Config struct {
	Symbols               []string
	Timeframes            []mtypes.Timeframe
	TickInterval          time.Duration
	BaseRiskPct           float64
	MaxReconnectFailures  int
	ReconnectCooldown     time.Duration
	ReconnectBackoff      utils.RetryConfig
	DefaultRiskRewardRR   float64
	DefaultATRMultiplier  float64
	BreakevenTriggerPips  float64
	TrailingDistancePips  float64
	CloseAllOnStop        bool
	RollingHistoryLength  int
	CatamilhoMaxSpreadPips float64
	GlobalBlockOnHighImpact bool
}

func DefaultConfig() Config {
	return Config{
		Timeframes:           []mtypes.Timeframe{mtypes.M15, mtypes.H1, mtypes.H4},
		CatamilhoMaxSpreadPips: 2.5,
		TickInterval:         15 * time.Second,
		BaseRiskPct:          0.01,
		MaxReconnectFailures: 5,
		ReconnectCooldown:    5 * time.Minute,
		ReconnectBackoff:     utils.DefaultRetryConfig(),
		DefaultRiskRewardRR:  1.5,
		DefaultATRMultiplier: 1.5,
		BreakevenTriggerPips: 15,
		TrailingDistancePips: 15,
		RollingHistoryLength: 100,
	}
}

// CommandKind is an operator instruction consumed between ticks, never
// interrupting an in-flight order submission (spec.md §4.8).
type CommandKind string

const (
	CmdPause    CommandKind = "pause"
	CmdResume   CommandKind = "resume"
	CmdCloseAll CommandKind = "closeAll"
	CmdStop     CommandKind = "stop"
	// CmdAdopt and CmdDisown toggle a single orphaned position's Orphaned
	// tag, per the Open Question resolution recorded in DESIGN.md: a
	// reconciled orphan is tracked read-only until an operator promotes it
	// (adopt, eligible for auto-close like any other tracked position) or
	// drops it entirely (disown, the supervisor stops managing its stops).
	CmdAdopt  CommandKind = "adopt"
	CmdDisown CommandKind = "disown"
)

// Command is one operator instruction, optionally scoped to a symbol; an
// empty Symbol applies to every configured symbol. Ticket scopes adopt/
// disown to a single position within Symbol.
type Command struct {
	Kind   CommandKind
	Symbol string
	Ticket string
}

// symbolState is the per-symbol state the supervisor's dedicated goroutine
// for that symbol owns; positions/paused/cooldown are also touched by
// command handlers, hence the mutex.
type symbolState struct {
	mu             sync.Mutex
	positions      map[mtypes.Ticket]mtypes.Position
	paused         bool
	cooldownUntil  time.Time
	reconnectFails int
	atrHistory     []float64
	bbWidthHistory []float64
}

func newSymbolState() *symbolState {
	return &symbolState{positions: make(map[mtypes.Ticket]mtypes.Position)}
}

// recordContext appends the H4 frame's ATR/Bollinger-width to the rolling
// history and returns (avgATR, 20th-percentile bbWidth) per spec.md §4.4's
// regime classification inputs.
func (st *symbolState) recordContext(f *mtypes.IndicatorFrame, maxLen int) (avgATR, bbWidthP20 float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if f != nil {
		st.atrHistory = appendBounded(st.atrHistory, f.ATR, maxLen)
		st.bbWidthHistory = appendBounded(st.bbWidthHistory, f.Bollinger.Upper-f.Bollinger.Lower, maxLen)
	}
	return average(st.atrHistory), percentile(st.bbWidthHistory, 0.20)
}

func appendBounded(xs []float64, v float64, maxLen int) []float64 {
	xs = append(xs, v)
	if maxLen > 0 && len(xs) > maxLen {
		xs = xs[len(xs)-maxLen:]
	}
	return xs
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range xs {
		sum += v
	}
	return sum / float64(len(xs))
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Metrics are the Execution Supervisor's Prometheus collectors, adapted
// from the teacher's ExecutorMetrics (submitted/failed order counts, plus a
// per-tick latency histogram; no per-order admission latency).
type Metrics struct {
	ticksRun          prometheus.Counter
	ordersSubmitted   prometheus.Counter
	ordersFailed      prometheus.Counter
	signalsRejected   prometheus.Counter
	reconnectFailures prometheus.Counter
	tickLatency       prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		ticksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total", Help: "Total ticks executed across all symbols.",
		}),
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total", Help: "Orders admitted and submitted to the broker gateway.",
		}),
		ordersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_failed_total", Help: "Order submissions rejected by the broker gateway.",
		}),
		signalsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_rejected_total", Help: "Signals denied admission by the risk manager.",
		}),
		reconnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_broker_reconnect_failures_total", Help: "Broker reconnect attempts exhausted.",
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "engine_tick_latency_seconds", Help: "Per-symbol tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every metric for registration with a Prometheus registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.ticksRun, m.ordersSubmitted, m.ordersFailed, m.signalsRejected, m.reconnectFailures, m.tickLatency}
}

// Supervisor is the Execution Supervisor.
type Supervisor struct {
	logger   *zap.Logger
	cfg      Config
	broker   broker.Gateway
	analyzer *analysis.Analyzer
	manager  *manager.Manager
	risk     *risk.Manager
	news     *news.View
	bus      *events.Bus
	pool     *workers.Pool
	metrics  *Metrics

	mu        sync.RWMutex
	symbols   map[string]*symbolState
	catamilho map[string]*strategy.Catamilho

	commands chan Command
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(
	logger *zap.Logger,
	cfg Config,
	gw broker.Gateway,
	analyzer *analysis.Analyzer,
	mgr *manager.Manager,
	riskMgr *risk.Manager,
	newsView *news.View,
	bus *events.Bus,
) *Supervisor {
	symbols := make(map[string]*symbolState, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbols[sym] = newSymbolState()
	}
	numWorkers := len(cfg.Symbols)
	if numWorkers == 0 {
		numWorkers = 1
	}
	pool := workers.NewPool(logger.Named("execution-pool"), &workers.PoolConfig{
		Name: "execution", NumWorkers: numWorkers, QueueSize: numWorkers * 4,
		TaskTimeout: 30 * time.Second, ShutdownTimeout: 10 * time.Second, PanicRecovery: true,
	})
	return &Supervisor{
		logger: logger.Named("execution-supervisor"), cfg: cfg, broker: gw, analyzer: analyzer,
		manager: mgr, risk: riskMgr, news: newsView, bus: bus, pool: pool, metrics: NewMetrics(),
		symbols: symbols, catamilho: make(map[string]*strategy.Catamilho),
		commands: make(chan Command, 64), stop: make(chan struct{}),
	}
}

// Metrics exposes the supervisor's Prometheus collectors so the API
// server's /metrics endpoint can register the same instances the tick loop
// increments.
func (s *Supervisor) Metrics() *Metrics { return s.metrics }

// SetCatamilho enables the Catamilho scalper for symbol. Its Analyze
// signature diverges from the uniform Strategy contract (it additionally
// takes the resolved market context and live spread), so it can't live in
// the Strategy Manager's registry and is invoked directly from tick.
func (s *Supervisor) SetCatamilho(symbol string, c *strategy.Catamilho) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catamilho[symbol] = c
}

func (s *Supervisor) state(symbol string) *symbolState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbols[symbol]
}

// Start connects the broker, reconciles orphaned positions, and launches
// one goroutine per configured symbol plus the command-consumer loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := broker.ReconnectWithBackoff(ctx, s.broker, s.cfg.ReconnectBackoff); err != nil {
		return fmt.Errorf("initial broker connect: %w", err)
	}
	s.pool.Start()
	s.reconcileOrphans(ctx)

	for _, sym := range s.cfg.Symbols {
		s.wg.Add(1)
		go s.runSymbol(ctx, sym)
	}
	s.wg.Add(1)
	go s.runCommands(ctx)

	s.logger.Info("execution supervisor started", zap.Strings("symbols", s.cfg.Symbols))
	return nil
}

// Stop signals every symbol worker and the command loop to finish their
// current tick, waits for them, then optionally closes all open positions
// and stops the worker pool.
func (s *Supervisor) Stop(ctx context.Context) {
	close(s.stop)
	s.wg.Wait()
	if s.cfg.CloseAllOnStop {
		s.closeAll(ctx, "")
	}
	s.pool.Stop()
}

// Enqueue submits an operator command, consumed between ticks.
func (s *Supervisor) Enqueue(cmd Command) {
	select {
	case s.commands <- cmd:
	default:
		s.logger.Warn("command queue full, dropping command", zap.String("kind", string(cmd.Kind)))
	}
}

func (s *Supervisor) runCommands(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case cmd := <-s.commands:
			s.applyCommand(ctx, cmd)
		}
	}
}

func (s *Supervisor) applyCommand(ctx context.Context, cmd Command) {
	targets := []string{cmd.Symbol}
	if cmd.Symbol == "" {
		s.mu.RLock()
		targets = targets[:0]
		for sym := range s.symbols {
			targets = append(targets, sym)
		}
		s.mu.RUnlock()
	}
	switch cmd.Kind {
	case CmdPause:
		for _, sym := range targets {
			if st := s.state(sym); st != nil {
				st.mu.Lock()
				st.paused = true
				st.mu.Unlock()
			}
		}
	case CmdResume:
		for _, sym := range targets {
			if st := s.state(sym); st != nil {
				st.mu.Lock()
				st.paused = false
				st.mu.Unlock()
			}
		}
	case CmdCloseAll:
		s.closeAll(ctx, cmd.Symbol)
	case CmdStop:
		close(s.stop)
	case CmdAdopt:
		s.adopt(cmd.Symbol, cmd.Ticket)
	case CmdDisown:
		s.disown(cmd.Symbol, cmd.Ticket)
	}
}

// adopt promotes an orphaned position to a normally tracked one, making it
// eligible for closeAll like any position the supervisor opened itself.
func (s *Supervisor) adopt(symbol, ticket string) {
	st := s.state(symbol)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	pos, ok := st.positions[mtypes.Ticket(ticket)]
	if !ok {
		return
	}
	pos.Orphaned = false
	st.positions[mtypes.Ticket(ticket)] = pos
	s.logger.Info("orphaned position adopted", zap.String("symbol", symbol), zap.String("ticket", ticket))
}

// disown drops an orphaned position from local tracking entirely; the
// supervisor stops applying breakeven/trailing to it, though it remains
// open at the broker until closed manually.
func (s *Supervisor) disown(symbol, ticket string) {
	st := s.state(symbol)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.positions, mtypes.Ticket(ticket))
	s.logger.Info("orphaned position disowned", zap.String("symbol", symbol), zap.String("ticket", ticket))
}

func (s *Supervisor) closeAll(ctx context.Context, symbol string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sym, st := range s.symbols {
		if symbol != "" && sym != symbol {
			continue
		}
		st.mu.Lock()
		tickets := make([]mtypes.Ticket, 0, len(st.positions))
		for t, p := range st.positions {
			if p.Orphaned {
				continue
			}
			tickets = append(tickets, t)
		}
		st.mu.Unlock()
		for _, t := range tickets {
			if err := s.broker.ClosePosition(ctx, t); err != nil {
				s.logger.Warn("closeAll failed to close position", zap.String("symbol", sym), zap.String("ticket", string(t)), zap.Error(err))
				continue
			}
			st.mu.Lock()
			delete(st.positions, t)
			st.mu.Unlock()
		}
	}
}

// reconcileOrphans adopts every broker-side open position present at
// startup but absent from the local map. They are tracked read-only
// (eligible for trailing/breakeven, never auto-closed) per the Open
// Question resolution recorded in DESIGN.md.
func (s *Supervisor) reconcileOrphans(ctx context.Context) {
	for _, sym := range s.cfg.Symbols {
		positions, err := s.broker.Positions(ctx, sym)
		if err != nil {
			s.logger.Warn("orphan reconciliation failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		st := s.state(sym)
		if st == nil || len(positions) == 0 {
			continue
		}
		st.mu.Lock()
		for _, p := range positions {
			p.Orphaned = true
			st.positions[mtypes.Ticket(p.Ticket)] = p
		}
		st.mu.Unlock()
		s.logger.Info("adopted orphaned positions", zap.String("symbol", sym), zap.Int("count", len(positions)))
	}
}

func (s *Supervisor) runSymbol(ctx context.Context, symbol string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.pool.SubmitWait(workers.TaskFunc(func() error {
				return s.tick(ctx, symbol)
			})); err != nil {
				s.logger.Warn("tick failed", zap.String("symbol", symbol), zap.Error(err))
			}
			s.metrics.ticksRun.Inc()
			s.metrics.tickLatency.Observe(time.Since(start).Seconds())
		}
	}
}

// tick runs the full per-tick algorithm of spec.md §4.8 for one symbol.
// It never panics out to its caller: every collaborator failure is
// converted into an Error/SignalRejected event and a HOLD-equivalent
// early return, keeping the per-symbol loop alive.
func (s *Supervisor) tick(ctx context.Context, symbol string) error {
	st := s.state(symbol)
	if st == nil {
		return fmt.Errorf("unconfigured symbol %q", symbol)
	}

	st.mu.Lock()
	paused, cooldown := st.paused, st.cooldownUntil
	st.mu.Unlock()
	if paused {
		return nil
	}
	if !cooldown.IsZero() && time.Now().Before(cooldown) {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Step 1: ensure broker connection.
	if !s.broker.IsConnected() {
		if err := broker.ReconnectWithBackoff(tctx, s.broker, s.cfg.ReconnectBackoff); err != nil {
			st.mu.Lock()
			st.reconnectFails++
			exhausted := st.reconnectFails >= s.cfg.MaxReconnectFailures
			if exhausted {
				st.cooldownUntil = time.Now().Add(s.cfg.ReconnectCooldown)
				st.reconnectFails = 0
			}
			st.mu.Unlock()
			s.metrics.reconnectFailures.Inc()
			s.bus.Publish(events.Error(symbol, "broker reconnect failed", map[string]any{"error": err.Error(), "exhausted": exhausted}))
			return err
		}
		st.mu.Lock()
		st.reconnectFails = 0
		st.mu.Unlock()
	}

	// Step 2 (NewsView refresh) runs on its own background ticker, owned by
	// the news.View instance shared across symbols.

	// Step 3: multi-timeframe technical analysis.
	frames, consensus := s.analyzer.AnalyzeMulti(tctx, symbol, s.cfg.Timeframes)
	if len(frames) == 0 {
		s.logger.Debug("insufficient data, holding", zap.String("symbol", symbol))
		return nil
	}
	avgATRH4, bbWidthP20 := st.recordContext(frames[mtypes.H4], s.cfg.RollingHistoryLength)

	technicals := strategy.Technicals{Frames: frames, Consensus: consensus}
	nv := s.news.Snapshot(symbol)
	if s.cfg.GlobalBlockOnHighImpact && nv.IsBlockingWindow {
		s.bus.Publish(events.SignalRejected(symbol, "*", "hold", "global_news_block:"+nv.BlockingEvent))
		return nil
	}

	var spreadPips float64
	if info, err := s.broker.SymbolInfo(tctx, symbol); err == nil && info.PipSize > 0 {
		spreadPips = (info.CurrentAsk - info.CurrentBid) / info.PipSize
	}

	// Steps 4-5: resolve context, ask the Strategy Manager for a signal.
	decision := s.manager.Evaluate(symbol, technicals, &nv, avgATRH4, bbWidthP20, false, spreadPips)
	for _, d := range decision.Dropped {
		s.metrics.signalsRejected.Inc()
		s.bus.Publish(events.SignalRejected(symbol, d.Signal.Strategy, string(d.Signal.Action), d.Reason))
	}

	// Step 6: act on an admissible signal.
	if decision.Chosen.Action != mtypes.ActionHold {
		s.handleSignal(tctx, symbol, st, decision.Chosen)
	}

	// Catamilho runs alongside the registry-driven Strategy Set rather than
	// through it, since its Analyze signature needs the market context and
	// live spread directly.
	s.mu.RLock()
	cat := s.catamilho[symbol]
	s.mu.RUnlock()
	if cat != nil && cat.IsEnabled() {
		catSig := cat.Analyze(technicals, &nv, decision.Context, spreadPips, s.cfg.CatamilhoMaxSpreadPips, time.Now())
		if catSig.Action != mtypes.ActionHold && decision.Context.Allows(toSideFor(catSig.Action)) {
			s.handleSignal(tctx, symbol, st, catSig)
		}
	}

	// Step 7: manage every currently open position on the symbol.
	s.manageOpenPositions(tctx, symbol, st)
	return nil
}

func (s *Supervisor) handleSignal(ctx context.Context, symbol string, st *symbolState, sig mtypes.Signal) {
	info, err := s.broker.SymbolInfo(ctx, symbol)
	if err != nil {
		s.bus.Publish(events.Error(symbol, "symbol info unavailable", map[string]any{"error": err.Error()}))
		return
	}

	side := mtypes.Buy
	if sig.Action == mtypes.ActionSell {
		side = mtypes.Sell
	}

	// Step 6a: SL/TP from the signal, else derived via the Risk Manager.
	var sl, tp float64
	if sig.SL != nil && sig.TP != nil {
		sl, tp = *sig.SL, *sig.TP
	} else {
		slMult, _ := s.risk.StopLossForStrategy(sig.Strategy)
		sl = s.risk.StopLoss(symbol, side, sig.Price, 0, slMult*s.cfg.DefaultATRMultiplier)
		tp = s.risk.TakeProfit(sig.Price, sl, s.cfg.DefaultRiskRewardRR)
	}

	account, err := s.broker.Account(ctx)
	if err != nil {
		s.bus.Publish(events.Error(symbol, "account unavailable", map[string]any{"error": err.Error()}))
		return
	}
	st.mu.Lock()
	openCount := len(st.positions)
	st.mu.Unlock()
	s.risk.UpdateAccount(account.Balance, account.Equity, openCount)
	s.risk.UpdateSymbolExposure(symbol, openCount)

	// Step 6b: position size.
	riskMult := 1.0
	if sig.RiskMultiplier != nil {
		riskMult = *sig.RiskMultiplier
	}
	lots := s.risk.PositionSize(info, sig.Price, sl, s.cfg.BaseRiskPct*riskMult)

	// Step 6c: admission check.
	admission := s.risk.CanOpenPosition(info, side, lots, account, time.Now())
	if !admission.Allowed {
		s.metrics.signalsRejected.Inc()
		s.bus.Publish(events.SignalRejected(symbol, sig.Strategy, string(sig.Action), admission.Reason))
		return
	}

	// Step 6d: submit the order.
	req := mtypes.OrderRequest{Symbol: symbol, Side: side, Volume: lots, SL: sl, TP: tp, Comment: sig.Strategy}
	ticket, err := s.broker.PlaceOrder(ctx, req)
	if err != nil {
		s.metrics.ordersFailed.Inc()
		s.bus.Publish(events.SignalRejected(symbol, sig.Strategy, string(sig.Action), orderFailureReason(err)))
		return
	}

	pos := mtypes.Position{
		Ticket: string(ticket), Symbol: symbol, Side: side, Volume: lots,
		EntryPrice: sig.Price, CurrentPrice: sig.Price, SL: sl, TP: tp,
		OpenTime: time.Now().UTC(), Strategy: sig.Strategy, StopState: mtypes.StopOpen,
	}
	st.mu.Lock()
	st.positions[ticket] = pos
	st.mu.Unlock()

	s.metrics.ordersSubmitted.Inc()
	s.bus.Publish(events.TradeEntry(symbol, sig.Strategy, map[string]any{
		"ticket": string(ticket), "side": string(side), "lots": lots.String(), "price": sig.Price, "sl": sl, "tp": tp,
	}))
}

func toSideFor(a mtypes.Action) mtypes.Side {
	if a == mtypes.ActionSell {
		return mtypes.Sell
	}
	return mtypes.Buy
}

func orderFailureReason(err error) string {
	if be, ok := err.(*broker.Error); ok {
		return string(be.Kind)
	}
	return "order_rejected"
}

// modifyStopsWithRetry retries a single ModifyStops call once with the same
// price before giving up, per the failure semantics of spec.md §4.7: a
// transient broker error on modify is retried once within the same tick,
// and a persistent failure is logged with the position left on its existing
// stops rather than aborting the tick.
func (s *Supervisor) modifyStopsWithRetry(ctx context.Context, ticket mtypes.Ticket, sl, tp *float64) error {
	cfg := utils.RetryConfig{MaxAttempts: 2, InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 1}
	_, err := utils.Retry(cfg, func() (struct{}, error) {
		return struct{}{}, s.broker.ModifyStops(ctx, ticket, sl, tp)
	})
	return err
}

// manageOpenPositions implements spec.md §4.8 step 7: refresh each locally
// tracked position from the broker, apply breakeven/trailing, and detect
// broker-side closure by a ticket's absence from Broker.Positions().
func (s *Supervisor) manageOpenPositions(ctx context.Context, symbol string, st *symbolState) {
	st.mu.Lock()
	tickets := make([]mtypes.Ticket, 0, len(st.positions))
	for t := range st.positions {
		tickets = append(tickets, t)
	}
	st.mu.Unlock()
	if len(tickets) == 0 {
		return
	}

	live, err := s.broker.Positions(ctx, symbol)
	if err != nil {
		s.bus.Publish(events.Error(symbol, "positions fetch failed", map[string]any{"error": err.Error()}))
		return
	}
	liveByTicket := make(map[mtypes.Ticket]mtypes.Position, len(live))
	for _, p := range live {
		liveByTicket[mtypes.Ticket(p.Ticket)] = p
	}

	for _, ticket := range tickets {
		st.mu.Lock()
		tracked := st.positions[ticket]
		st.mu.Unlock()

		current, stillOpen := liveByTicket[ticket]
		if !stillOpen {
			s.handleClosure(symbol, st, ticket, tracked)
			continue
		}
		tracked.CurrentPrice = current.CurrentPrice
		tracked.UnrealizedPnL = current.UnrealizedPnL

		if s.risk.ShouldMoveToBreakeven(tracked, current.CurrentPrice, 0, s.cfg.BreakevenTriggerPips) {
			if err := s.modifyStopsWithRetry(ctx, ticket, &tracked.EntryPrice, nil); err == nil {
				tracked.SL = tracked.EntryPrice
				tracked.StopState = mtypes.StopBreakeven
				s.bus.Publish(events.TradeUpdate(symbol, tracked.Strategy, "breakeven", map[string]any{"ticket": string(ticket), "sl": tracked.SL}))
			} else {
				s.logger.Error("breakeven modify failed, keeping existing stops", zap.String("symbol", symbol), zap.String("ticket", string(ticket)), zap.Error(err))
			}
		} else if newSL := s.risk.TrailingStop(tracked, current.CurrentPrice, 0); newSL != nil {
			if err := s.modifyStopsWithRetry(ctx, ticket, newSL, nil); err == nil {
				tracked.SL = *newSL
				tracked.StopState = mtypes.StopTrailing
				s.bus.Publish(events.TradeUpdate(symbol, tracked.Strategy, "trailing", map[string]any{"ticket": string(ticket), "sl": tracked.SL}))
			} else {
				s.logger.Error("trailing modify failed, keeping existing stops", zap.String("symbol", symbol), zap.String("ticket", string(ticket)), zap.Error(err))
			}
		}

		st.mu.Lock()
		st.positions[ticket] = tracked
		st.mu.Unlock()
	}
}

func (s *Supervisor) handleClosure(symbol string, st *symbolState, ticket mtypes.Ticket, pos mtypes.Position) {
	st.mu.Lock()
	delete(st.positions, ticket)
	st.mu.Unlock()

	exitReason := "manual"
	switch {
	case pos.SL != 0 && pos.Side == mtypes.Buy && pos.CurrentPrice <= pos.SL:
		exitReason = "sl"
	case pos.SL != 0 && pos.Side == mtypes.Sell && pos.CurrentPrice >= pos.SL:
		exitReason = "sl"
	case pos.TP != 0 && pos.Side == mtypes.Buy && pos.CurrentPrice >= pos.TP:
		exitReason = "tp"
	case pos.TP != 0 && pos.Side == mtypes.Sell && pos.CurrentPrice <= pos.TP:
		exitReason = "tp"
	}

	pnl := pos.UnrealizedPnL
	now := time.Now()
	s.risk.RegisterTradeResult(pnl, now)
	s.registerStrategyTradeClose(symbol, pos.Strategy, !pnl.IsNegative(), now)

	s.bus.Publish(events.TradeExit(symbol, pos.Strategy, map[string]any{
		"ticket": string(ticket), "pnl": pnl.String(), "duration": time.Since(pos.OpenTime).String(), "reason": exitReason,
	}))
}

// registerStrategyTradeClose feeds a closed trade's outcome back into
// whichever strategy generated it, so the loss-streak cooldowns Catamilho
// and Scalping's strict mode depend on reflect live performance.
func (s *Supervisor) registerStrategyTradeClose(symbol, strategyName string, profit bool, now time.Time) {
	s.mu.RLock()
	cat := s.catamilho[symbol]
	s.mu.RUnlock()
	if cat != nil && cat.Name() == strategyName {
		cat.RegisterTradeClose(now, profit)
		return
	}
	if s.manager == nil {
		return
	}
	if strat, ok := s.manager.Registry().Get(strategyName); ok {
		if sc, ok := strat.(*strategy.Scalping); ok {
			sc.RegisterTradeClose(profit)
		}
	}
}

