package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(zap.NewNop(), Config{Workers: 2, BufferSize: 8})
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestPublishDispatchesToKindSubscriber(t *testing.T) {
	b := newTestBus(t)

	var got atomic.Value
	done := make(chan struct{})
	b.Subscribe(KindTradeEntry, func(ev Event) {
		got.Store(ev)
		close(done)
	})

	b.Publish(TradeEntry("EURUSD", "trendFollowing", map[string]any{"lots": 0.1}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not called within timeout")
	}

	ev := got.Load().(Event)
	if ev.Symbol != "EURUSD" || ev.Strategy != "trendFollowing" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ID == "" {
		t.Fatal("expected Publish to assign an ID")
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("expected Publish to assign a timestamp")
	}
}

func TestSubscribeAllReceivesEveryKind(t *testing.T) {
	b := newTestBus(t)

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)
	b.SubscribeAll(func(Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})

	b.Publish(SignalRejected("EURUSD", "scalping", "buy", "spread_too_wide"))
	b.Publish(SystemMessage("tick loop healthy", nil))
	b.Publish(NewsAlert("XAUUSD", "entering blocking window", nil))

	waitOrTimeout(t, &wg, time.Second)
	if atomic.LoadInt32(&count) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", count)
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New(zap.NewNop(), Config{Workers: 0, BufferSize: 1})
	// no Start(): nothing drains the channel, so the second publish must drop.

	b.Publish(SystemMessage("first", nil))
	b.Publish(SystemMessage("second", nil))

	published, dropped := b.Stats()
	if published != 1 || dropped != 1 {
		t.Fatalf("expected published=1 dropped=1, got published=%d dropped=%d", published, dropped)
	}
}

func TestHandlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := newTestBus(t)

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(KindError, func(Event) {
		panic("boom")
	})
	b.Subscribe(KindError, func(Event) {
		wg.Done()
	})

	b.Publish(Error("EURUSD", "broker disconnected", nil))
	waitOrTimeout(t, &wg, time.Second)
}

func TestStopDrainsWorkers(t *testing.T) {
	b := New(zap.NewNop(), DefaultConfig())
	b.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(KindTradeExit, func(Event) { wg.Done() })
	b.Publish(TradeExit("EURUSD", "breakout", map[string]any{"pnl": 12.5}))
	waitOrTimeout(t, &wg, time.Second)

	b.Stop()
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handlers")
	}
}
