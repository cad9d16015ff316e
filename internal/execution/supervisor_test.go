package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/urion-trading/engine/internal/broker"
	"github.com/urion-trading/engine/internal/events"
	"github.com/urion-trading/engine/internal/manager"
	"github.com/urion-trading/engine/internal/risk"
	"github.com/urion-trading/engine/internal/strategy"
	"github.com/urion-trading/engine/pkg/mtypes"
	"github.com/urion-trading/engine/pkg/utils"
)

// flakyModifyBroker wraps an InMemory broker so ModifyStops can be made to
// fail a fixed number of times before succeeding, or fail forever.
type flakyModifyBroker struct {
	*broker.InMemory
	mu        sync.Mutex
	failCount int
	callsSeen int
}

func (b *flakyModifyBroker) ModifyStops(ctx context.Context, ticket mtypes.Ticket, sl, tp *float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callsSeen++
	if b.failCount > 0 {
		b.failCount--
		return errors.New("transient broker error")
	}
	return b.InMemory.ModifyStops(ctx, ticket, sl, tp)
}

func testConfig(symbol string) Config {
	cfg := DefaultConfig()
	cfg.Symbols = []string{symbol}
	cfg.BaseRiskPct = 0.01
	return cfg
}

func newTestBus() *events.Bus {
	b := events.New(zap.NewNop(), events.Config{Workers: 1, BufferSize: 16})
	b.Start()
	return b
}

// collectOne subscribes to kind and returns a channel delivering the first
// matching event.
func collectOne(bus *events.Bus, kind events.Kind) <-chan events.Event {
	ch := make(chan events.Event, 1)
	bus.Subscribe(kind, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func TestRollingStatsAverageAndPercentile(t *testing.T) {
	st := newSymbolState()
	frames := []*mtypes.IndicatorFrame{
		{ATR: 10, Bollinger: mtypes.Bollinger{Upper: 110, Lower: 90}},  // width 20
		{ATR: 20, Bollinger: mtypes.Bollinger{Upper: 120, Lower: 100}}, // width 20
		{ATR: 30, Bollinger: mtypes.Bollinger{Upper: 140, Lower: 90}},  // width 50
		{ATR: 40, Bollinger: mtypes.Bollinger{Upper: 150, Lower: 70}},  // width 80
		{ATR: 50, Bollinger: mtypes.Bollinger{Upper: 160, Lower: 60}},  // width 100
	}
	var avgATR, bbP20 float64
	for _, f := range frames {
		avgATR, bbP20 = st.recordContext(f, 10)
	}
	// avg(10,20,30,40,50) = 30
	if avgATR != 30 {
		t.Fatalf("expected avgATR=30, got %v", avgATR)
	}
	// widths sorted: [20,20,50,80,100], 20th percentile index = int(0.2*4)=0 -> 20
	if bbP20 != 20 {
		t.Fatalf("expected bbWidthP20=20, got %v", bbP20)
	}
}

func TestRecordContextBoundsHistory(t *testing.T) {
	st := newSymbolState()
	for i := 0; i < 5; i++ {
		st.recordContext(&mtypes.IndicatorFrame{ATR: float64(i)}, 3)
	}
	if len(st.atrHistory) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(st.atrHistory))
	}
	// last three values recorded: 2,3,4
	if st.atrHistory[0] != 2 || st.atrHistory[2] != 4 {
		t.Fatalf("expected bounded window [2 3 4], got %v", st.atrHistory)
	}
}

func TestPauseStopsTickBeforeBrokerAccess(t *testing.T) {
	symbol := "EURUSD"
	bus := newTestBus()
	defer bus.Stop()

	sup := New(zap.NewNop(), testConfig(symbol), nil, nil, nil, nil, nil, bus)
	sup.applyCommand(context.Background(), Command{Kind: CmdPause})

	st := sup.state(symbol)
	st.mu.Lock()
	paused := st.paused
	st.mu.Unlock()
	if !paused {
		t.Fatal("expected symbol to be paused")
	}

	if err := sup.tick(context.Background(), symbol); err != nil {
		t.Fatalf("expected paused tick to return nil without touching collaborators, got %v", err)
	}

	sup.applyCommand(context.Background(), Command{Kind: CmdResume})
	st.mu.Lock()
	paused = st.paused
	st.mu.Unlock()
	if paused {
		t.Fatal("expected symbol to be resumed")
	}
}

func TestHandleSignalPlacesOrderAndEmitsTradeEntry(t *testing.T) {
	symbol := "EURUSD"
	account := mtypes.AccountInfo{
		Balance: decimal.NewFromFloat(10000), Equity: decimal.NewFromFloat(10000),
		FreeMargin: decimal.NewFromFloat(10000), Leverage: 100, Currency: "USD",
	}
	gw := broker.NewInMemory(account)
	gw.SeedSymbol(mtypes.SymbolInfo{
		Name: symbol, Point: 0.0001, PipSize: 0.0001,
		MinVol: decimal.NewFromFloat(0.01), MaxVol: decimal.NewFromFloat(10),
		VolStep: decimal.NewFromFloat(0.01), ContractSize: decimal.NewFromFloat(100000),
		CurrentBid: 1.1000, CurrentAsk: 1.1002, SpreadPoints: 2,
	})
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	riskMgr := risk.New(zap.NewNop(), risk.DefaultConfig())
	bus := newTestBus()
	defer bus.Stop()
	entryCh := collectOne(bus, events.KindTradeEntry)

	sup := New(zap.NewNop(), testConfig(symbol), gw, nil, nil, riskMgr, nil, bus)
	st := sup.state(symbol)

	sl, tp := 1.0951, 1.1101
	sig := mtypes.Signal{
		Strategy: "test", Symbol: symbol, Action: mtypes.ActionBuy,
		Confidence: 0.9, Price: 1.1001, SL: &sl, TP: &tp,
	}
	sup.handleSignal(context.Background(), symbol, st, sig)

	st.mu.Lock()
	n := len(st.positions)
	st.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 tracked position, got %d", n)
	}

	select {
	case ev := <-entryCh:
		if ev.Symbol != symbol || ev.Strategy != "test" {
			t.Fatalf("unexpected TradeEntry event: %+v", ev)
		}
		if ev.Data["lots"] != "0.2" {
			t.Fatalf("expected 0.2 lots (risk 1%% of 10000 / 50-pip stop), got %v", ev.Data["lots"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected a TradeEntry event")
	}
}

func TestHandleSignalDeniedByWideSpread(t *testing.T) {
	symbol := "EURUSD"
	account := mtypes.AccountInfo{
		Balance: decimal.NewFromFloat(10000), Equity: decimal.NewFromFloat(10000),
		FreeMargin: decimal.NewFromFloat(10000), Leverage: 100, Currency: "USD",
	}
	gw := broker.NewInMemory(account)
	gw.SeedSymbol(mtypes.SymbolInfo{
		Name: symbol, Point: 0.0001, PipSize: 0.0001,
		MinVol: decimal.NewFromFloat(0.01), MaxVol: decimal.NewFromFloat(10),
		VolStep: decimal.NewFromFloat(0.01), ContractSize: decimal.NewFromFloat(100000),
		CurrentBid: 1.1000, CurrentAsk: 1.1002, SpreadPoints: 999,
	})
	_ = gw.Connect(context.Background())

	riskMgr := risk.New(zap.NewNop(), risk.DefaultConfig())
	bus := newTestBus()
	defer bus.Stop()
	rejectedCh := collectOne(bus, events.KindSignalRejected)

	sup := New(zap.NewNop(), testConfig(symbol), gw, nil, nil, riskMgr, nil, bus)
	st := sup.state(symbol)

	sl, tp := 1.0951, 1.1101
	sig := mtypes.Signal{Strategy: "test", Symbol: symbol, Action: mtypes.ActionBuy, Price: 1.1001, SL: &sl, TP: &tp}
	sup.handleSignal(context.Background(), symbol, st, sig)

	st.mu.Lock()
	n := len(st.positions)
	st.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no position opened when spread exceeds threshold, got %d", n)
	}

	select {
	case ev := <-rejectedCh:
		if ev.Data["reason"] != "spread_too_wide" {
			t.Fatalf("expected spread_too_wide rejection, got %v", ev.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected a SignalRejected event")
	}
}

func TestManageOpenPositionsDetectsStopLossClosure(t *testing.T) {
	symbol := "EURUSD"
	account := mtypes.AccountInfo{Balance: decimal.NewFromFloat(10000), Equity: decimal.NewFromFloat(10000)}
	gw := broker.NewInMemory(account)
	gw.SeedSymbol(mtypes.SymbolInfo{
		Name: symbol, Point: 0.0001,
		MinVol: decimal.NewFromFloat(0.01), MaxVol: decimal.NewFromFloat(10),
		VolStep: decimal.NewFromFloat(0.01), ContractSize: decimal.NewFromFloat(100000),
		CurrentBid: 1.1000, CurrentAsk: 1.1002,
	})
	_ = gw.Connect(context.Background())

	ticket, err := gw.PlaceOrder(context.Background(), mtypes.OrderRequest{
		Symbol: symbol, Side: mtypes.Buy, Volume: decimal.NewFromFloat(0.2), SL: 1.0950, TP: 1.1100,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	riskMgr := risk.New(zap.NewNop(), risk.DefaultConfig())
	riskMgr.UpdateAccount(account.Balance, account.Equity, 1)
	bus := newTestBus()
	defer bus.Stop()
	exitCh := collectOne(bus, events.KindTradeExit)

	sup := New(zap.NewNop(), testConfig(symbol), gw, nil, nil, riskMgr, nil, bus)
	st := sup.state(symbol)
	st.mu.Lock()
	st.positions[ticket] = mtypes.Position{
		Ticket: string(ticket), Symbol: symbol, Side: mtypes.Buy, Volume: decimal.NewFromFloat(0.2),
		EntryPrice: 1.1002, CurrentPrice: 1.0940, SL: 1.0950, TP: 1.1100,
		OpenTime: time.Unix(0, 0), Strategy: "test",
	}
	st.mu.Unlock()

	// Drive the mark below SL: InMemory auto-closes the broker-side position.
	gw.SetCurrentPrice(symbol, 1.0940, 1.0942)

	sup.manageOpenPositions(context.Background(), symbol, st)

	st.mu.Lock()
	remaining := len(st.positions)
	st.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected the closed position to be dropped from local tracking, got %d remaining", remaining)
	}

	select {
	case ev := <-exitCh:
		if ev.Data["reason"] != "sl" {
			t.Fatalf("expected exit reason sl, got %v", ev.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected a TradeExit event")
	}
}

func TestCloseAllClearsTrackedPositionsAndBroker(t *testing.T) {
	symbol := "EURUSD"
	account := mtypes.AccountInfo{Balance: decimal.NewFromFloat(10000), Equity: decimal.NewFromFloat(10000)}
	gw := broker.NewInMemory(account)
	gw.SeedSymbol(mtypes.SymbolInfo{
		Name: symbol, Point: 0.0001,
		MinVol: decimal.NewFromFloat(0.01), MaxVol: decimal.NewFromFloat(10),
		VolStep: decimal.NewFromFloat(0.01), ContractSize: decimal.NewFromFloat(100000),
		CurrentBid: 1.1000, CurrentAsk: 1.1002,
	})
	_ = gw.Connect(context.Background())

	ticket, err := gw.PlaceOrder(context.Background(), mtypes.OrderRequest{
		Symbol: symbol, Side: mtypes.Buy, Volume: decimal.NewFromFloat(0.2), SL: 1.0950, TP: 1.1100,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig(symbol), gw, nil, nil, risk.New(zap.NewNop(), risk.DefaultConfig()), nil, bus)
	st := sup.state(symbol)
	st.mu.Lock()
	st.positions[ticket] = mtypes.Position{Ticket: string(ticket), Symbol: symbol, Side: mtypes.Buy}
	st.mu.Unlock()

	sup.closeAll(context.Background(), "")

	st.mu.Lock()
	remaining := len(st.positions)
	st.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected closeAll to clear tracked positions, got %d", remaining)
	}

	positions, err := gw.Positions(context.Background(), symbol)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected broker-side position closed too, got %d", len(positions))
	}
}

func TestTickEntersReconnectCooldownAfterExhaustingBackoff(t *testing.T) {
	symbol := "EURUSD"
	gw := broker.NewInMemory(mtypes.AccountInfo{})
	gw.ForceNextConnectFailures(10)

	cfg := testConfig(symbol)
	cfg.MaxReconnectFailures = 1
	cfg.ReconnectCooldown = time.Hour
	cfg.ReconnectBackoff = utils.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 1}

	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), cfg, gw, nil, nil, risk.New(zap.NewNop(), risk.DefaultConfig()), nil, bus)

	err := sup.tick(context.Background(), symbol)
	if err == nil {
		t.Fatal("expected the exhausted reconnect backoff to surface an error")
	}

	st := sup.state(symbol)
	st.mu.Lock()
	cooldownUntil := st.cooldownUntil
	fails := st.reconnectFails
	st.mu.Unlock()
	if !cooldownUntil.After(time.Now()) {
		t.Fatalf("expected a future cooldown, got %v", cooldownUntil)
	}
	if fails != 0 {
		t.Fatalf("expected reconnectFails reset to 0 after arming cooldown, got %d", fails)
	}

	// A second tick during the cooldown window must not attempt to reconnect
	// again; since the in-memory broker is still forced to fail, a nil
	// return demonstrates the cooldown short-circuit fired.
	if err := sup.tick(context.Background(), symbol); err != nil {
		t.Fatalf("expected cooldown to short-circuit the tick, got %v", err)
	}
}

func TestModifyStopsWithRetrySucceedsAfterOneTransientFailure(t *testing.T) {
	symbol := "EURUSD"
	inner := broker.NewInMemory(mtypes.AccountInfo{})
	inner.SeedSymbol(mtypes.SymbolInfo{
		Name: symbol, Point: 0.0001,
		MinVol: decimal.NewFromFloat(0.01), MaxVol: decimal.NewFromFloat(10),
		VolStep: decimal.NewFromFloat(0.01), ContractSize: decimal.NewFromFloat(100000),
		CurrentBid: 1.1000, CurrentAsk: 1.1002,
	})
	_ = inner.Connect(context.Background())
	ticket, err := inner.PlaceOrder(context.Background(), mtypes.OrderRequest{
		Symbol: symbol, Side: mtypes.Buy, Volume: decimal.NewFromFloat(0.1), SL: 1.0950, TP: 1.1100,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	gw := &flakyModifyBroker{InMemory: inner, failCount: 1}
	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig(symbol), gw, nil, nil, risk.New(zap.NewNop(), risk.DefaultConfig()), nil, bus)

	newSL := 1.0960
	if err := sup.modifyStopsWithRetry(context.Background(), ticket, &newSL, nil); err != nil {
		t.Fatalf("expected the retry to absorb one transient failure, got %v", err)
	}
	if gw.callsSeen != 2 {
		t.Fatalf("expected exactly 2 ModifyStops attempts, got %d", gw.callsSeen)
	}
}

func TestModifyStopsWithRetryGivesUpAfterPersistentFailure(t *testing.T) {
	symbol := "EURUSD"
	inner := broker.NewInMemory(mtypes.AccountInfo{})
	gw := &flakyModifyBroker{InMemory: inner, failCount: 100}
	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig(symbol), gw, nil, nil, risk.New(zap.NewNop(), risk.DefaultConfig()), nil, bus)

	newSL := 1.0960
	if err := sup.modifyStopsWithRetry(context.Background(), mtypes.Ticket("1"), &newSL, nil); err == nil {
		t.Fatal("expected a persistent ModifyStops failure to surface an error rather than silently succeed")
	}
	if gw.callsSeen != 2 {
		t.Fatalf("expected exactly 2 attempts before giving up, got %d", gw.callsSeen)
	}
}

func TestAdoptAndDisownCommands(t *testing.T) {
	symbol := "EURUSD"
	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig(symbol), nil, nil, nil, nil, nil, bus)
	st := sup.state(symbol)
	st.mu.Lock()
	st.positions["T1"] = mtypes.Position{Ticket: "T1", Symbol: symbol, Orphaned: true}
	st.mu.Unlock()

	sup.applyCommand(context.Background(), Command{Kind: CmdAdopt, Symbol: symbol, Ticket: "T1"})
	st.mu.Lock()
	orphaned := st.positions["T1"].Orphaned
	st.mu.Unlock()
	if orphaned {
		t.Fatal("expected adopt to clear the Orphaned flag")
	}

	sup.applyCommand(context.Background(), Command{Kind: CmdDisown, Symbol: symbol, Ticket: "T1"})
	st.mu.Lock()
	_, stillTracked := st.positions["T1"]
	st.mu.Unlock()
	if stillTracked {
		t.Fatal("expected disown to drop the position from local tracking")
	}
}

func TestCloseAllSkipsOrphanedPositions(t *testing.T) {
	symbol := "EURUSD"
	account := mtypes.AccountInfo{Balance: decimal.NewFromFloat(10000), Equity: decimal.NewFromFloat(10000)}
	gw := broker.NewInMemory(account)
	gw.SeedSymbol(mtypes.SymbolInfo{
		Name: symbol, Point: 0.0001,
		MinVol: decimal.NewFromFloat(0.01), MaxVol: decimal.NewFromFloat(10),
		VolStep: decimal.NewFromFloat(0.01), ContractSize: decimal.NewFromFloat(100000),
		CurrentBid: 1.1000, CurrentAsk: 1.1002,
	})
	_ = gw.Connect(context.Background())

	trackedTicket, err := gw.PlaceOrder(context.Background(), mtypes.OrderRequest{
		Symbol: symbol, Side: mtypes.Buy, Volume: decimal.NewFromFloat(0.1), SL: 1.0950, TP: 1.1100,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	orphanTicket, err := gw.PlaceOrder(context.Background(), mtypes.OrderRequest{
		Symbol: symbol, Side: mtypes.Buy, Volume: decimal.NewFromFloat(0.1), SL: 1.0950, TP: 1.1100,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig(symbol), gw, nil, nil, risk.New(zap.NewNop(), risk.DefaultConfig()), nil, bus)
	st := sup.state(symbol)
	st.mu.Lock()
	st.positions[trackedTicket] = mtypes.Position{Ticket: string(trackedTicket), Symbol: symbol, Side: mtypes.Buy}
	st.positions[orphanTicket] = mtypes.Position{Ticket: string(orphanTicket), Symbol: symbol, Side: mtypes.Buy, Orphaned: true}
	st.mu.Unlock()

	sup.closeAll(context.Background(), "")

	st.mu.Lock()
	_, orphanStillTracked := st.positions[orphanTicket]
	_, trackedStillThere := st.positions[trackedTicket]
	st.mu.Unlock()
	if !orphanStillTracked {
		t.Fatal("expected the orphaned position to survive closeAll")
	}
	if trackedStillThere {
		t.Fatal("expected the non-orphaned position to be closed")
	}

	positions, err := gw.Positions(context.Background(), symbol)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected only the orphaned position left open at the broker, got %d", len(positions))
	}
}

// TestRegisterStrategyTradeCloseDispatchesToScalping checks that the
// supervisor's loss-streak feedback actually reaches the registry-held
// Scalping instance by name, observed indirectly through its strict-mode
// session-viability gate (consecutiveLosses is unexported).
func TestRegisterStrategyTradeCloseDispatchesToScalping(t *testing.T) {
	symbol := "EURUSD"
	registry := strategy.NewRegistry(zap.NewNop())
	sc := strategy.NewScalping(strategy.NewBase(strategy.BaseConfig{Name: "scalping", Symbol: symbol, Enabled: true, PipSize: 0.0001}))
	sc.StrictMode = true
	sc.SessionMinScore = 95
	sc.CurrentSpreadPips = 0
	sc.CurrentMarketContext = mtypes.MarketContext{SessionQuality: mtypes.SessionExcellent}
	registry.Register(sc)
	mgr := manager.New(zap.NewNop(), nil, registry)

	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig(symbol), nil, nil, mgr, nil, nil, bus)

	h1 := &mtypes.IndicatorFrame{Timeframe: mtypes.H1, Verdict: mtypes.TrendVerdict{Direction: mtypes.DirectionBullish}, ADX: mtypes.ADX{ADX: 50}}
	m5 := &mtypes.IndicatorFrame{Timeframe: mtypes.M5, ATR: 0.001, CurrentPrice: 1.1}
	tech := strategy.Technicals{Frames: map[mtypes.Timeframe]*mtypes.IndicatorFrame{mtypes.H1: h1, mtypes.M5: m5}}

	before := sc.Analyze(tech, nil)
	if before.Reason == "session_viability_too_low" {
		t.Fatalf("expected a clean session to clear the viability gate, got %+v", before)
	}

	sup.registerStrategyTradeClose(symbol, "scalping", false, time.Now())
	sup.registerStrategyTradeClose(symbol, "scalping", false, time.Now())

	after := sc.Analyze(tech, nil)
	if after.Reason != "session_viability_too_low" {
		t.Fatalf("expected two dispatched losses to push the session below the viability bar, got %+v", after)
	}
}

func TestSetCatamiloRegistersPerSymbol(t *testing.T) {
	symbol := "EURUSD"
	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig(symbol), nil, nil, nil, nil, nil, bus)

	cat := strategy.NewCatamilho(strategy.NewBase(strategy.BaseConfig{Name: "catamilho", Symbol: symbol, Enabled: true, PipSize: 0.0001}))
	sup.SetCatamilho(symbol, cat)

	sup.mu.RLock()
	got := sup.catamilho[symbol]
	sup.mu.RUnlock()
	if got != cat {
		t.Fatal("expected SetCatamilho to register the instance under its symbol")
	}
}

func TestOrderFailureReasonExtractsBrokerErrorKind(t *testing.T) {
	err := &broker.Error{Kind: broker.InsufficientMargin, Message: "nope"}
	if got := orderFailureReason(err); got != string(broker.InsufficientMargin) {
		t.Fatalf("expected %q, got %q", broker.InsufficientMargin, got)
	}
	if got := orderFailureReason(context.DeadlineExceeded); got != "order_rejected" {
		t.Fatalf("expected fallback reason, got %q", got)
	}
}

func TestEnqueueDropsWhenCommandQueueFull(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	sup := New(zap.NewNop(), testConfig("EURUSD"), nil, nil, nil, nil, nil, bus)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Enqueue(Command{Kind: CmdPause})
		}()
	}
	wg.Wait() // must not deadlock or panic even when the 64-slot buffer fills
}
