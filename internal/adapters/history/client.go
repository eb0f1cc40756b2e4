// Package history fetches paginated candle history over REST.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tickerflow/internal/domain"
)

type Options struct {
	BaseURL string
	// RequestsPerSecond caps the fetch rate; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Token             domain.TokenProvider
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     domain.TokenProvider
	logger     *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		tokens:     opts.Token,
		logger:     logger.With("component", "history"),
	}
}

// FetchCandles requests one page. q.Start is the cursor returned by the
// previous page, empty for the newest page.
func (c *Client) FetchCandles(ctx context.Context, q domain.CandleQuery) (domain.CandlePage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.CandlePage{}, fmt.Errorf("rate limit: %w", err)
	}

	params := url.Values{}
	params.Set("assetType", string(q.AssetType))
	params.Set("symbols", strings.Join(q.Symbols, ","))
	params.Set("timeframe", string(q.Timeframe))
	if q.Start != "" {
		params.Set("start", q.Start)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/candles?"+params.Encode(), nil)
	if err != nil {
		return domain.CandlePage{}, fmt.Errorf("build candles request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return domain.CandlePage{}, fmt.Errorf("get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.CandlePage{}, fmt.Errorf("fetch candles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.CandlePage{}, fmt.Errorf("fetch candles: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page domain.CandlePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return domain.CandlePage{}, fmt.Errorf("decode candles: %w", err)
	}
	c.logger.Debug("Fetched candles", "symbols", q.Symbols, "timeframe", q.Timeframe, "count", len(page.Candles), "next", page.NextDateTime)
	return page, nil
}
