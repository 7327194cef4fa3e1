package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Provider fetches daily OHLCV bars for a symbol set. Failures are
// per-symbol: a terminal error for one symbol never aborts the rest.
type Provider interface {
	FetchDaily(ctx context.Context, symbols []string, from, to time.Time) ([]Row, map[string]error)
}

// ProviderConfig configures the HTTP provider adapter
type ProviderConfig struct {
	BaseURL     string
	MaxRetries  int
	BackoffBase time.Duration
	RatePerSec  float64
	Timeout     time.Duration
}

// HTTPProvider speaks a chart-API-style JSON endpoint. A shared rate
// limiter throttles all symbols; HTTP 429 is retried with exponential
// backoff and jitter, other 4xx responses are terminal for that symbol.
type HTTPProvider struct {
	baseURL     string
	client      *http.Client
	limiter     *rate.Limiter
	maxRetries  uint64
	backoffBase time.Duration
	log         zerolog.Logger
}

// NewHTTPProvider creates a provider adapter for the given endpoint
func NewHTTPProvider(cfg ProviderConfig, log zerolog.Logger) *HTTPProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &HTTPProvider{
		baseURL:     cfg.BaseURL,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		maxRetries:  uint64(cfg.MaxRetries),
		backoffBase: cfg.BackoffBase,
		log:         log.With().Str("component", "marketdata_provider").Logger(),
	}
}

// chartResponse mirrors the provider's chart JSON payload
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchDaily fetches bars for each symbol over [from, to]. Returned rows are
// the union across symbols; the error map holds one entry per symbol whose
// retries were exhausted or whose failure was terminal.
func (p *HTTPProvider) FetchDaily(ctx context.Context, symbols []string, from, to time.Time) ([]Row, map[string]error) {
	var all []Row
	failures := make(map[string]error)

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			// Run cancelled or the per-date wall cap expired; remaining
			// symbols surface as missing coverage downstream
			failures[symbol] = err
			continue
		}

		rows, err := p.fetchSymbol(ctx, symbol, from, to)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("Provider fetch failed for symbol")
			failures[symbol] = err
			continue
		}
		all = append(all, rows...)
	}

	return all, failures
}

// fetchSymbol fetches one symbol with rate limiting and retry
func (p *HTTPProvider) fetchSymbol(ctx context.Context, symbol string, from, to time.Time) ([]Row, error) {
	var rows []Row

	operation := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		fetched, err := p.doRequest(ctx, symbol, from, to)
		if err != nil {
			return err
		}
		rows = fetched
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.backoffBase
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, p.maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return rows, nil
}

// retryableStatusError marks an HTTP status worth retrying
type retryableStatusError struct {
	status int
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.status)
}

func (p *HTTPProvider) doRequest(ctx context.Context, symbol string, from, to time.Time) ([]Row, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d",
		p.baseURL, url.PathEscape(symbol),
		from.Unix(), to.Add(24*time.Hour).Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create provider request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Network errors are transient
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to parse
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &retryableStatusError{status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body)))
	}

	var parsed chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode provider response: %w", err))
	}
	if parsed.Chart.Error != nil {
		return nil, backoff.Permanent(fmt.Errorf("provider error for %s: %s (%s)",
			symbol, parsed.Chart.Error.Description, parsed.Chart.Error.Code))
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("provider returned no data for %s", symbol))
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	rows := make([]Row, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] <= 0 {
			continue
		}
		t := time.Unix(ts, 0).UTC()
		row := Row{
			Symbol: symbol,
			Date:   time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
			Close:  quote.Close[i],
		}
		if i < len(quote.Open) {
			row.Open = quote.Open[i]
		}
		if i < len(quote.High) {
			row.High = quote.High[i]
		}
		if i < len(quote.Low) {
			row.Low = quote.Low[i]
		}
		if i < len(quote.Volume) {
			row.Volume = quote.Volume[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
