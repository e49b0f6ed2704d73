// Package polymarket reads BTC 5-minute Up/Down markets from the
// Polymarket gamma API. Read-only: discovery and settlement lookups only.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// SlugPrefix is the series prefix for BTC 5-minute windows.
	SlugPrefix = "btc-updown-5m"

	// WindowSeconds is the length of one window.
	WindowSeconds = 300
)

// slugRE matches exactly btc-updown-5m-<10-digit unix seconds>.
var slugRE = regexp.MustCompile(`^btc-updown-5m-\d{10}$`)

// IsValidSlug reports whether slug matches the exact BTC 5-min pattern.
func IsValidSlug(slug string) bool {
	return slugRE.MatchString(slug)
}

// Window is one tradeable 5-minute Up/Down window. Ephemeral: derived
// per scan and discarded.
type Window struct {
	Slug        string
	MarketID    string
	UpPrice     decimal.Decimal
	DownPrice   decimal.Decimal
	WindowStart time.Time
	WindowEnd   time.Time
	Volume      decimal.Decimal
	Closed      bool
}

// Spread is |1 - up - down|.
func (w Window) Spread() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(w.UpPrice).Sub(w.DownPrice).Abs()
}

// TimeUntilEnd is the time remaining until the window closes.
func (w Window) TimeUntilEnd(now time.Time) time.Duration {
	return w.WindowEnd.Sub(now)
}

// IsActive reports whether the window is currently in progress.
func (w Window) IsActive(now time.Time) bool {
	return !w.Closed && !now.Before(w.WindowStart) && !now.After(w.WindowEnd)
}

// IsUpcoming reports whether the window has not started yet.
func (w Window) IsUpcoming(now time.Time) bool {
	return !w.Closed && now.Before(w.WindowStart)
}

// Resolution is the venue's published terminal outcome for a window.
type Resolution int

const (
	ResolutionUndecided Resolution = iota
	ResolutionUp                   // settlement value 1.0
	ResolutionDown                 // settlement value 0.0
)

func (r Resolution) String() string {
	switch r {
	case ResolutionUp:
		return "up"
	case ResolutionDown:
		return "down"
	default:
		return "undecided"
	}
}

// Catalog lists active windows and fetches settlement outcomes.
type Catalog struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewCatalog creates a catalog client against the given gamma API base URL.
func NewCatalog(baseURL string) *Catalog {
	return &Catalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		// The venue is polled once per window per scan; keep requests gentle.
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// ExpectedSlugs derives the slugs of the next count windows from the
// clock. Window identifiers are the unix second of the window END, always
// a multiple of 300.
func ExpectedSlugs(now time.Time, count int) []string {
	boundary := now.Unix() / WindowSeconds * WindowSeconds

	slugs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		end := boundary + int64(WindowSeconds*(i+1))
		slugs = append(slugs, fmt.Sprintf("%s-%d", SlugPrefix, end))
	}
	return slugs
}

// ListActiveWindows returns open windows sorted by end time ascending.
// Two discovery paths are unioned: deterministic slug enumeration from
// the clock, and a series search on the venue. Closed windows and slugs
// that fail validation are dropped.
func (c *Catalog) ListActiveWindows(ctx context.Context) []Window {
	seen := make(map[string]bool)
	windows := make([]Window, 0, 8)

	for _, slug := range ExpectedSlugs(time.Now(), 6) {
		w, err := c.FetchWindow(ctx, slug)
		if err != nil {
			log.Debug().Str("slug", slug).Err(err).Msg("Window not found")
			continue
		}
		if w != nil && !seen[w.Slug] {
			seen[w.Slug] = true
			windows = append(windows, *w)
		}
	}

	for _, w := range c.searchSeries(ctx) {
		if !seen[w.Slug] {
			seen[w.Slug] = true
			windows = append(windows, w)
		}
	}

	open := windows[:0]
	for _, w := range windows {
		if !w.Closed {
			open = append(open, w)
		}
	}
	windows = open

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].WindowEnd.Before(windows[j].WindowEnd)
	})

	log.Info().Int("windows", len(windows)).Msg("Fetched active BTC 5-min windows")
	return windows
}

// FetchWindow fetches a single window by event slug. Closed windows are
// returned as-is so the settlement path can reuse this. Returns nil when
// the venue has no such event.
func (c *Catalog) FetchWindow(ctx context.Context, slug string) (*Window, error) {
	if !IsValidSlug(slug) {
		return nil, fmt.Errorf("invalid window slug %q", slug)
	}

	var events []gammaEvent
	if err := c.getJSON(ctx, fmt.Sprintf("%s/events?slug=%s", c.baseURL, slug), &events); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	return parseEvent(events[0]), nil
}

func (c *Catalog) searchSeries(ctx context.Context) []Window {
	u := fmt.Sprintf("%s/events?active=true&closed=false&slug_contains=%s&limit=20", c.baseURL, SlugPrefix)

	var events []gammaEvent
	if err := c.getJSON(ctx, u, &events); err != nil {
		log.Debug().Err(err).Msg("Series search failed")
		return nil
	}

	windows := make([]Window, 0, len(events))
	for _, ev := range events {
		if !IsValidSlug(ev.Slug) {
			continue
		}
		if w := parseEvent(ev); w != nil {
			windows = append(windows, *w)
		}
	}
	return windows
}

// FetchResolutionBySlug looks up a window's settlement outcome by event
// slug. Markets not yet closed, or closed with ambiguous prices, are
// undecided — that is not an error.
func (c *Catalog) FetchResolutionBySlug(ctx context.Context, slug string) (Resolution, error) {
	var events []gammaEvent
	if err := c.getJSON(ctx, fmt.Sprintf("%s/events?slug=%s", c.baseURL, slug), &events); err != nil {
		return ResolutionUndecided, err
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return ResolutionUndecided, fmt.Errorf("no event for slug %q", slug)
	}

	m := events[0].Markets[0]
	closed := m.Closed || events[0].Closed
	return resolve(closed, m.OutcomePrices), nil
}

// FetchResolutionByMarketID looks up a settlement outcome via the
// markets endpoint. Fallback path when the slug lookup fails.
func (c *Catalog) FetchResolutionByMarketID(ctx context.Context, marketID string) (Resolution, error) {
	var m gammaMarket
	if err := c.getJSON(ctx, fmt.Sprintf("%s/markets/%s", c.baseURL, marketID), &m); err != nil {
		return ResolutionUndecided, err
	}
	return resolve(m.Closed, m.OutcomePrices), nil
}

// resolve applies the 0/1 boundary rule: first outcome price >= 0.99
// means UP won, <= 0.01 means DOWN won, anything else is undecided.
func resolve(closed bool, rawPrices json.RawMessage) Resolution {
	if !closed {
		return ResolutionUndecided
	}

	up, _, ok := parseOutcomePrices(rawPrices)
	if !ok {
		return ResolutionUndecided
	}

	upF, _ := up.Float64()
	switch {
	case upF >= 0.99:
		return ResolutionUp
	case upF <= 0.01:
		return ResolutionDown
	default:
		return ResolutionUndecided
	}
}

// --- wire parsing ---

type gammaEvent struct {
	ID        string        `json:"id"`
	Slug      string        `json:"slug"`
	Active    bool          `json:"active"`
	Closed    bool          `json:"closed"`
	StartDate string        `json:"startDate"`
	EndDate   string        `json:"endDate"`
	Markets   []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ID            json.Number     `json:"id"`
	OutcomePrices json.RawMessage `json:"outcomePrices"`
	Volume        json.Number     `json:"volume"`
	StartDate     string          `json:"startDate"`
	EndDate       string          `json:"endDate"`
	Closed        bool            `json:"closed"`
}

func parseEvent(ev gammaEvent) *Window {
	if len(ev.Markets) == 0 {
		return nil
	}
	m := ev.Markets[0]

	up, down, ok := parseOutcomePrices(m.OutcomePrices)
	if !ok {
		// No liquidity yet; treat the book as unopened at 50/50.
		up = decimal.NewFromFloat(0.5)
		down = decimal.NewFromFloat(0.5)
	}

	now := time.Now().UTC()
	start := parseISOTime(firstNonEmpty(ev.StartDate, m.StartDate), now)
	end := parseISOTime(firstNonEmpty(ev.EndDate, m.EndDate), now)

	volume, err := decimal.NewFromString(m.Volume.String())
	if err != nil {
		volume = decimal.Zero
	}

	return &Window{
		Slug:        ev.Slug,
		MarketID:    m.ID.String(),
		UpPrice:     up,
		DownPrice:   down,
		WindowStart: start,
		WindowEnd:   end,
		Volume:      volume,
		Closed:      m.Closed || ev.Closed,
	}
}

// parseOutcomePrices accepts the gamma API's two encodings: a JSON array
// of price strings, or that same array embedded in a JSON string.
func parseOutcomePrices(raw json.RawMessage) (up, down decimal.Decimal, ok bool) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == `""` {
		return decimal.Zero, decimal.Zero, false
	}

	data := []byte(raw)
	var embedded string
	if err := json.Unmarshal(raw, &embedded); err == nil {
		data = []byte(embedded)
	}

	var prices []string
	if err := json.Unmarshal(data, &prices); err != nil {
		var numeric []float64
		if err := json.Unmarshal(data, &numeric); err != nil || len(numeric) < 2 {
			return decimal.Zero, decimal.Zero, false
		}
		return decimal.NewFromFloat(numeric[0]), decimal.NewFromFloat(numeric[1]), true
	}
	if len(prices) < 2 {
		return decimal.Zero, decimal.Zero, false
	}

	up, err1 := decimal.NewFromString(prices[0])
	down, err2 := decimal.NewFromString(prices[1])
	if err1 != nil || err2 != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return up, down, true
}

func parseISOTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Catalog) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
