// Package broker implements the market-data API client: OAuth token
// management, the retrying REST client, payload validation, option
// symbol grammar, and the market session clock.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"gexstream/internal/config"
	"gexstream/pkg/types"
)

const (
	liveBaseURL  = "https://api.tradestation.com/v3"
	simBaseURL   = "https://sim-api.tradestation.com/v3"
	liveTokenURL = "https://signin.tradestation.com/oauth/token"
	simTokenURL  = "https://sim-signin.tradestation.com/oauth/token"
)

// ResolveURLs fills in the default live or sandbox endpoints for any
// URL the config leaves blank.
func ResolveURLs(cfg *config.APIConfig) {
	if cfg.BaseURL == "" {
		if cfg.Sandbox {
			cfg.BaseURL = simBaseURL
		} else {
			cfg.BaseURL = liveBaseURL
		}
	}
	if cfg.TokenURL == "" {
		if cfg.Sandbox {
			cfg.TokenURL = simTokenURL
		} else {
			cfg.TokenURL = liveTokenURL
		}
	}
}

// Client is the broker REST client. All calls go through do(), which
// injects the bearer token and handles the one-shot 401 re-auth. The
// underlying resty client retries transient failures (network errors,
// 429, 5xx) with exponential backoff, honoring Retry-After on 429.
type Client struct {
	http   *resty.Client
	tokens *TokenSource
	cfg    config.APIConfig
	logger *slog.Logger
}

// NewClient builds the data-plane client. cfg must have its URLs
// resolved already (see ResolveURLs).
func NewClient(cfg config.APIConfig, tokens *TokenSource, logger *slog.Logger) *Client {
	c := &Client{
		tokens: tokens,
		cfg:    cfg,
		logger: logger.With("component", "broker_client"),
	}

	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.RetryAttempts - 1).
		SetRetryWaitTime(cfg.RetryDelay).
		SetRetryMaxWaitTime(2 * time.Minute).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			attempt := 0
			if resp != nil && resp.Request != nil {
				attempt = resp.Request.Attempt - 1
			}
			wait := float64(cfg.RetryDelay)
			for i := 0; i < attempt; i++ {
				wait *= cfg.RetryBackoff
			}
			return time.Duration(wait), nil
		})

	return c
}

// do issues an authenticated GET and decodes the JSON body into result.
// A 401 invalidates the cached token and re-issues the request exactly
// once with a fresh one; that second attempt is outside the transient
// retry budget.
func (c *Client) do(ctx context.Context, path string, query url.Values, result any) error {
	resp, err := c.issue(ctx, path, query, result)
	if err != nil {
		return err
	}
	if resp.StatusCode() == 401 {
		c.logger.Warn("got 401, forcing token refresh", "path", path)
		c.tokens.Invalidate()
		resp, err = c.issue(ctx, path, query, result)
		if err != nil {
			return err
		}
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Path: path, Body: truncate(string(resp.Body()), 200)}
	}
	return nil
}

func (c *Client) issue(ctx context.Context, path string, query url.Values, result any) (*resty.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(result)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Quotes fetches snapshot quotes for symbols (equities or options).
// The API caps symbols per request, so large lists are split into
// quote_batch_size chunks. Returns raw payloads; callers normalize
// with the validate functions.
func (c *Client) Quotes(ctx context.Context, symbols []string) ([]QuotePayload, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	limit := c.cfg.QuoteBatchSize
	if limit <= 0 {
		limit = 100
	}
	out := make([]QuotePayload, 0, len(symbols))
	for start := 0; start < len(symbols); start += limit {
		end := min(start+limit, len(symbols))
		var body quotesResponse
		path := "marketdata/quotes/" + url.PathEscape(strings.Join(symbols[start:end], ","))
		if err := c.do(ctx, path, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Quotes...)
	}
	return out, nil
}

// BarsQuery parameterizes a barcharts request.
type BarsQuery struct {
	Interval        int
	Unit            string // "Minute", "Daily"
	BarsBack        int
	FirstDate       time.Time
	LastDate        time.Time
	SessionTemplate string // "", "USEQPre", "USEQ24Hour"
}

// Bars fetches historical or recent bars for a symbol.
func (c *Client) Bars(ctx context.Context, symbol string, q BarsQuery) ([]BarPayload, error) {
	query := url.Values{}
	query.Set("interval", strconv.Itoa(q.Interval))
	query.Set("unit", q.Unit)
	if q.BarsBack > 0 {
		query.Set("barsback", strconv.Itoa(q.BarsBack))
	}
	if !q.FirstDate.IsZero() {
		query.Set("firstdate", q.FirstDate.UTC().Format(time.RFC3339))
	}
	if !q.LastDate.IsZero() {
		query.Set("lastdate", q.LastDate.UTC().Format(time.RFC3339))
	}
	if q.SessionTemplate != "" {
		query.Set("sessiontemplate", q.SessionTemplate)
	}

	var body barsResponse
	path := "marketdata/barcharts/" + url.PathEscape(symbol)
	if err := c.do(ctx, path, query, &body); err != nil {
		return nil, err
	}
	return body.Bars, nil
}

// LatestBar fetches the most recent bar for a symbol using the
// extended-hours session template, the polled substitute for a
// streaming bars subscription.
func (c *Client) LatestBar(ctx context.Context, symbol string) (*BarPayload, error) {
	bars, err := c.Bars(ctx, symbol, BarsQuery{
		Interval:        1,
		Unit:            "Minute",
		BarsBack:        1,
		SessionTemplate: "USEQPre",
	})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return &bars[len(bars)-1], nil
}

// Expirations lists option expiration dates for an underlying, sorted
// ascending.
func (c *Client) Expirations(ctx context.Context, underlying string) ([]time.Time, error) {
	var body expirationsResponse
	path := "marketdata/options/expirations/" + url.PathEscape(underlying)
	if err := c.do(ctx, path, nil, &body); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(body.Expirations))
	for _, e := range body.Expirations {
		t, err := parseExpiration(e.Date)
		if err != nil {
			c.logger.Warn("skipping unparseable expiration", "date", e.Date, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Strikes lists strike prices available for an underlying at one
// expiration. Strikes stay decimal end to end so symbol formatting is
// exact.
func (c *Client) Strikes(ctx context.Context, underlying string, expiration time.Time) ([]decimal.Decimal, error) {
	query := url.Values{}
	query.Set("expiration", expiration.Format("01-02-2006"))

	var body strikesResponse
	path := "marketdata/options/strikes/" + url.PathEscape(underlying)
	if err := c.do(ctx, path, query, &body); err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, 0, len(body.Strikes))
	for _, row := range body.Strikes {
		for _, s := range row {
			d, err := decimal.NewFromString(s)
			if err != nil || d.Sign() <= 0 {
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// OptionChain fetches quotes for both option types at every given
// strike of one expiration. A nil strike list means all strikes the
// broker lists for that expiration.
func (c *Client) OptionChain(ctx context.Context, underlying string, expiration time.Time, strikes []decimal.Decimal) ([]QuotePayload, error) {
	if strikes == nil {
		var err error
		strikes, err = c.Strikes(ctx, underlying, expiration)
		if err != nil {
			return nil, err
		}
	}
	symbols := make([]string, 0, 2*len(strikes))
	for _, strike := range strikes {
		for _, typ := range []types.OptionType{types.Call, types.Put} {
			contract := types.OptionContract{
				Underlying: underlying,
				Expiration: expiration,
				Strike:     strike,
				Type:       typ,
			}
			symbols = append(symbols, contract.Symbol())
		}
	}
	return c.Quotes(ctx, symbols)
}

// SymbolSearch looks up symbols matching the criteria string. Used by
// diagnostics tooling, not the ingestion path.
func (c *Client) SymbolSearch(ctx context.Context, criteria string) ([]SymbolPayload, error) {
	var body symbolsResponse
	path := "marketdata/symbols/search/" + url.PathEscape(criteria)
	if err := c.do(ctx, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Symbols, nil
}

// MarketDepth fetches aggregated order book levels for a symbol.
func (c *Client) MarketDepth(ctx context.Context, symbol string, maxLevels int) (*DepthPayload, error) {
	query := url.Values{}
	if maxLevels > 0 {
		query.Set("maxlevels", strconv.Itoa(maxLevels))
	}
	var body DepthPayload
	path := "marketdata/marketdepth/quotes/" + url.PathEscape(symbol)
	if err := c.do(ctx, path, query, &body); err != nil {
		return nil, err
	}
	return &body, nil
}
