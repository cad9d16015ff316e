package analysis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/urion-trading/engine/pkg/mtypes"
)

type fakeBroker struct {
	bars  []mtypes.Bar
	calls int32
	delay time.Duration
}

func (f *fakeBroker) Rates(ctx context.Context, symbol string, tf mtypes.Timeframe, count int) ([]mtypes.Bar, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if len(f.bars) > count {
		return f.bars[len(f.bars)-count:], nil
	}
	return f.bars, nil
}

func trendingBars(n int) []mtypes.Bar {
	bars := make([]mtypes.Bar, n)
	p := 100.0
	t := time.Now().UTC()
	for i := 0; i < n; i++ {
		p += 0.4
		bars[i] = mtypes.Bar{Time: t.Add(time.Duration(i) * time.Hour), Open: p - 0.2, High: p + 0.3, Low: p - 0.5, Close: p, Volume: 100 + float64(i%5)}
	}
	return bars
}

func TestAnalyzeReturnsNilBelowMinBars(t *testing.T) {
	broker := &fakeBroker{bars: trendingBars(10)}
	a := New(zap.NewNop(), broker)
	frame, err := a.Analyze(context.Background(), "EURUSD", mtypes.H1, 500)
	if err != nil {
		t.Fatal(err)
	}
	if frame != nil {
		t.Fatal("expected nil frame with fewer than minBars bars")
	}
}

func TestAnalyzeAtExactlyMinBars(t *testing.T) {
	broker := &fakeBroker{bars: trendingBars(minBars)}
	a := New(zap.NewNop(), broker)
	frame, err := a.Analyze(context.Background(), "EURUSD", mtypes.H1, minBars)
	if err != nil {
		t.Fatal(err)
	}
	if frame == nil {
		t.Fatal("expected a frame at exactly minBars")
	}
	if !frame.LowConfidence {
		t.Error("expected LowConfidence at the minBars boundary")
	}
}

func TestCacheHitWithinTTL(t *testing.T) {
	broker := &fakeBroker{bars: trendingBars(200)}
	a := New(zap.NewNop(), broker)
	ctx := context.Background()
	if _, err := a.Analyze(ctx, "EURUSD", mtypes.H1, 200); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Analyze(ctx, "EURUSD", mtypes.H1, 200); err != nil {
		t.Fatal(err)
	}
	if calls := atomic.LoadInt32(&broker.calls); calls != 1 {
		t.Errorf("expected a single broker call on cache hit, got %d", calls)
	}
}

func TestConcurrentColdMissSingleFlight(t *testing.T) {
	broker := &fakeBroker{bars: trendingBars(200), delay: 50 * time.Millisecond}
	a := New(zap.NewNop(), broker)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			a.Analyze(ctx, "EURUSD", mtypes.H1, 200)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if calls := atomic.LoadInt32(&broker.calls); calls != 1 {
		t.Errorf("expected concurrent cold-miss callers to collapse into one broker call, got %d", calls)
	}
}

func TestTrendVerdictBounds(t *testing.T) {
	broker := &fakeBroker{bars: trendingBars(300)}
	a := New(zap.NewNop(), broker)
	frame, err := a.Analyze(context.Background(), "EURUSD", mtypes.H1, 300)
	if err != nil || frame == nil {
		t.Fatalf("unexpected nil/err frame: %v", err)
	}
	v := frame.Verdict
	if v.Strength < 0 || v.Strength > 1 {
		t.Errorf("strength out of [0,1]: %v", v.Strength)
	}
	if v.Agreement < 0 || v.Agreement > 1 {
		t.Errorf("agreement out of [0,1]: %v", v.Agreement)
	}
}

func TestAnalyzeMultiConsensus(t *testing.T) {
	broker := &fakeBroker{bars: trendingBars(600)}
	a := New(zap.NewNop(), broker)
	_, consensus := a.AnalyzeMulti(context.Background(), "EURUSD", []mtypes.Timeframe{mtypes.D1, mtypes.H4, mtypes.H1})
	if consensus.Agreement < 0 || consensus.Agreement > 1 {
		t.Errorf("consensus agreement out of [0,1]: %v", consensus.Agreement)
	}
}
