// Package news implements the News/Calendar View: a read-only, periodically
// refreshed snapshot of aggregated news sentiment plus the economic-calendar
// blocking-window predicate.
//
// Background-refresh-via-ticker is grounded on the sentiment analyzer's
// Start/Stop/updateSentiment loop; article/event JSON shapes follow the
// signal parser's JSON-decoding convention.
package news

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// Article is one aggregated news item.
type Article struct {
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	URL              string    `json:"url"`
	PublishedAt      time.Time `json:"publishedAt"`
	Source           string    `json:"source"`
	Importance       string    `json:"importance,omitempty"`
	ImpactCurrencies []string  `json:"impactCurrencies,omitempty"`
	Polarity         float64   `json:"-"`
}

// CalendarEvent is one economic calendar entry.
type CalendarEvent struct {
	Event    string    `json:"event"`
	Country  string    `json:"country"`
	Date     time.Time `json:"date"`
	Impact   string    `json:"impact"`
	Currency string    `json:"currency"`
	Estimate *float64  `json:"estimate,omitempty"`
	Previous *float64  `json:"previous,omitempty"`
	Actual   *float64  `json:"actual,omitempty"`
}

// Fetcher is the external news/calendar HTTP collaborator, named per the
// spec's out-of-scope boundary — this module only defines the interface and
// a thin default HTTP implementation.
type Fetcher interface {
	FetchNews(ctx context.Context, keywords []string) ([]Article, error)
	FetchCalendar(ctx context.Context) ([]CalendarEvent, error)
}

// Config tunes the News/Calendar View.
type Config struct {
	RefreshInterval time.Duration
	BufferMinutes   int
	Keywords        map[string][]string // per-symbol keyword set for relevance matching
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: 5 * time.Minute,
		BufferMinutes:   15,
	}
}

// View is the News/Calendar View service: owns a background refresh loop and
// exposes Snapshot() as a pure read.
type View struct {
	logger  *zap.Logger
	fetcher Fetcher
	cfg     Config

	mu       sync.RWMutex
	snapshot mtypes.NewsView
	calendar []CalendarEvent

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(logger *zap.Logger, fetcher Fetcher, cfg Config) *View {
	return &View{
		logger:  logger.Named("news-view"),
		fetcher: fetcher,
		cfg:     cfg,
		snapshot: mtypes.NewsView{
			OverallSentiment: mtypes.SentimentNeutral,
			Counts:           map[mtypes.Sentiment]int{},
		},
		stop: make(chan struct{}),
	}
}

// Start launches the background refresh loop: an immediate fetch followed by
// ticker-driven refreshes every RefreshInterval.
func (v *View) Start(ctx context.Context) {
	v.refresh(ctx)
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-v.stop:
				return
			case <-ticker.C:
				v.refresh(ctx)
			}
		}
	}()
}

// Stop terminates the background loop and waits for it to exit.
func (v *View) Stop() {
	close(v.stop)
	v.wg.Wait()
}

// Snapshot returns the current read-only NewsView. A failed or stale
// refresh degrades to the prior snapshot, never blocking trading logic.
func (v *View) Snapshot(symbol string) mtypes.NewsView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	nv := v.snapshot
	nv.IsBlockingWindow, nv.BlockingEvent = v.blockingWindow(symbol)
	return nv
}

func (v *View) refresh(ctx context.Context) {
	var keywords []string
	for _, ks := range v.cfg.Keywords {
		keywords = append(keywords, ks...)
	}
	articles, err := v.fetcher.FetchNews(ctx, keywords)
	if err != nil {
		v.logger.Warn("news fetch failed, keeping prior snapshot", zap.Error(err))
		return
	}
	calendar, err := v.fetcher.FetchCalendar(ctx)
	if err != nil {
		v.logger.Warn("calendar fetch failed, keeping prior calendar", zap.Error(err))
		calendar = nil
	}

	counts := map[mtypes.Sentiment]int{}
	var polaritySum float64
	for i := range articles {
		articles[i].Polarity = polarityOf(articles[i])
		switch {
		case articles[i].Polarity > 0.15:
			counts[mtypes.SentimentBullish]++
		case articles[i].Polarity < -0.15:
			counts[mtypes.SentimentBearish]++
		default:
			counts[mtypes.SentimentNeutral]++
		}
		polaritySum += articles[i].Polarity
	}

	overall := mtypes.SentimentNeutral
	if len(articles) > 0 {
		avg := polaritySum / float64(len(articles))
		switch {
		case avg > 0.15:
			overall = mtypes.SentimentBullish
		case avg < -0.15:
			overall = mtypes.SentimentBearish
		}
	}

	v.mu.Lock()
	v.snapshot = mtypes.NewsView{
		OverallSentiment: overall,
		PolarityAvg:      safeAvg(polaritySum, len(articles)),
		Counts:           counts,
		TotalAnalyzed:    len(articles),
		RefreshedAt:      time.Now().UTC(),
	}
	if len(calendar) > 0 {
		v.calendar = calendar
	}
	v.mu.Unlock()
}

func safeAvg(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// polarityOf is a keyword-driven placeholder polarity score: real sentiment
// scoring is an external collaborator's concern (spec.md §1); this keeps the
// pipeline exercised without a production NLP dependency.
func polarityOf(a Article) float64 {
	text := strings.ToLower(a.Title + " " + a.Description)
	bullish := []string{"beat", "surge", "rally", "growth", "strong", "upgrade"}
	bearish := []string{"miss", "plunge", "recession", "weak", "downgrade", "crisis"}
	score := 0.0
	for _, w := range bullish {
		if strings.Contains(text, w) {
			score += 0.3
		}
	}
	for _, w := range bearish {
		if strings.Contains(text, w) {
			score -= 0.3
		}
	}
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

// blockingWindow reports whether now falls in [event-buffer, event+buffer]
// for any high-impact calendar event relevant to symbol. bufferMinutes=0
// disables blocking.
func (v *View) blockingWindow(symbol string) (bool, string) {
	if v.cfg.BufferMinutes <= 0 {
		return false, ""
	}
	now := time.Now().UTC()
	buf := time.Duration(v.cfg.BufferMinutes) * time.Minute
	for _, ev := range v.calendar {
		if ev.Impact != "high" {
			continue
		}
		if !relevantToSymbol(ev.Currency, symbol, v.cfg.Keywords[symbol]) {
			continue
		}
		if now.After(ev.Date.Add(-buf)) && now.Before(ev.Date.Add(buf)) {
			return true, ev.Event
		}
	}
	return false, ""
}

func relevantToSymbol(currency, symbol string, keywords []string) bool {
	if currency != "" && strings.Contains(strings.ToUpper(symbol), strings.ToUpper(currency)) {
		return true
	}
	for _, k := range keywords {
		if strings.Contains(strings.ToUpper(symbol), strings.ToUpper(k)) {
			return true
		}
	}
	return currency == "" && len(keywords) == 0
}

// HTTPFetcher is the thin default Fetcher talking to a JSON news/calendar API.
type HTTPFetcher struct {
	Client      *http.Client
	NewsURL     string
	CalendarURL string
}

func (f *HTTPFetcher) FetchNews(ctx context.Context, keywords []string) ([]Article, error) {
	var articles []Article
	if err := getJSON(ctx, f.client(), f.NewsURL, &articles); err != nil {
		return nil, err
	}
	return articles, nil
}

func (f *HTTPFetcher) FetchCalendar(ctx context.Context) ([]CalendarEvent, error) {
	var events []CalendarEvent
	if err := getJSON(ctx, f.client(), f.CalendarURL, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
