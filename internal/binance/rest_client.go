package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"binance-signal-service/internal/market"
	"binance-signal-service/internal/metrics"
)

const (
	// FuturesBaseURL is the production Binance USDⓈ-M Futures API URL.
	FuturesBaseURL = "https://fapi.binance.com"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second

	requestTimeout = 10 * time.Second
)

// RESTClient is the request/response half of the exchange access layer.
// Every method is stateless: callers own cadence and caching. Failures
// surface as *TransportError or *DecodeError.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewRESTClient builds a client against baseURL (empty selects the
// production endpoint). Requests share one rate limiter sized well below
// the exchange weight budget for the public market-data endpoints.
func NewRESTClient(baseURL string, logger zerolog.Logger) *RESTClient {
	if baseURL == "" {
		baseURL = FuturesBaseURL
	}
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(8), 16),
		logger:     logger.With().Str("component", "binance_rest").Logger(),
	}
}

// GetPrice fetches the last traded price for a symbol.
func (c *RESTClient) GetPrice(ctx context.Context, symbol string) (market.PriceTick, error) {
	const endpoint = "/fapi/v1/ticker/price"
	body, err := c.get(ctx, endpoint, map[string]string{"symbol": symbol})
	if err != nil {
		return market.PriceTick{}, err
	}

	var resp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
		Time   int64   `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return market.PriceTick{}, &DecodeError{Endpoint: endpoint, Err: err}
	}

	nowMS := time.Now().UnixMilli()
	eventMS := resp.Time
	if eventMS == 0 {
		eventMS = nowMS
	}
	return market.PriceTick{
		Symbol:         resp.Symbol,
		Price:          resp.Price,
		EventTimeMS:    eventMS,
		ReceivedTimeMS: nowMS,
	}, nil
}

// GetKlines fetches up to limit 1m candles, oldest first. The newest row
// is the in-progress candle and is marked not closed.
func (c *RESTClient) GetKlines(ctx context.Context, symbol string, limit int) ([]market.Candle1m, error) {
	const endpoint = "/fapi/v1/klines"
	body, err := c.get(ctx, endpoint, map[string]string{
		"symbol":   symbol,
		"interval": "1m",
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &DecodeError{Endpoint: endpoint, Err: err}
	}

	nowMS := time.Now().UnixMilli()
	candles := make([]market.Candle1m, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, &DecodeError{Endpoint: endpoint, Err: fmt.Errorf("kline row has %d fields, want >= 7", len(row))}
		}
		openTime, ok1 := asInt64(row[0])
		closeTime, ok2 := asInt64(row[6])
		if !ok1 || !ok2 {
			return nil, &DecodeError{Endpoint: endpoint, Err: fmt.Errorf("kline row has non-numeric timestamps")}
		}
		candles = append(candles, market.Candle1m{
			OpenTimeMS:  openTime,
			Open:        asFloat(row[1]),
			High:        asFloat(row[2]),
			Low:         asFloat(row[3]),
			Close:       asFloat(row[4]),
			Volume:      asFloat(row[5]),
			CloseTimeMS: closeTime,
			IsClosed:    closeTime <= nowMS,
		})
	}
	return candles, nil
}

// GetPremiumIndex fetches mark price and the latest funding rate.
func (c *RESTClient) GetPremiumIndex(ctx context.Context, symbol string) (market.FundingSnapshot, error) {
	const endpoint = "/fapi/v1/premiumIndex"
	body, err := c.get(ctx, endpoint, map[string]string{"symbol": symbol})
	if err != nil {
		return market.FundingSnapshot{}, err
	}

	var resp struct {
		MarkPrice       float64 `json:"markPrice,string"`
		LastFundingRate float64 `json:"lastFundingRate,string"`
		NextFundingTime int64   `json:"nextFundingTime"`
		Time            int64   `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return market.FundingSnapshot{}, &DecodeError{Endpoint: endpoint, Err: err}
	}

	eventMS := resp.Time
	if eventMS == 0 {
		eventMS = time.Now().UnixMilli()
	}
	return market.FundingSnapshot{
		MarkPrice:         resp.MarkPrice,
		LastFundingRate:   resp.LastFundingRate,
		NextFundingTimeMS: resp.NextFundingTime,
		EventTimeMS:       eventMS,
	}, nil
}

// GetFundingHistory fetches the n most recent settled funding rates,
// oldest first.
func (c *RESTClient) GetFundingHistory(ctx context.Context, symbol string, n int) ([]market.FundingRatePoint, error) {
	const endpoint = "/fapi/v1/fundingRate"
	body, err := c.get(ctx, endpoint, map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(n),
	})
	if err != nil {
		return nil, err
	}

	var resp []struct {
		FundingRate float64 `json:"fundingRate,string"`
		FundingTime int64   `json:"fundingTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &DecodeError{Endpoint: endpoint, Err: err}
	}

	points := make([]market.FundingRatePoint, 0, len(resp))
	for _, r := range resp {
		points = append(points, market.FundingRatePoint{
			FundingRate:   r.FundingRate,
			FundingTimeMS: r.FundingTime,
		})
	}
	return points, nil
}

// GetOpenInterest fetches the latest open-interest reading.
func (c *RESTClient) GetOpenInterest(ctx context.Context, symbol string) (market.OpenInterestSnapshot, error) {
	const endpoint = "/fapi/v1/openInterest"
	body, err := c.get(ctx, endpoint, map[string]string{"symbol": symbol})
	if err != nil {
		return market.OpenInterestSnapshot{}, err
	}

	var resp struct {
		OpenInterest float64 `json:"openInterest,string"`
		Time         int64   `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return market.OpenInterestSnapshot{}, &DecodeError{Endpoint: endpoint, Err: err}
	}

	eventMS := resp.Time
	if eventMS == 0 {
		eventMS = time.Now().UnixMilli()
	}
	return market.OpenInterestSnapshot{
		Value:       resp.OpenInterest,
		EventTimeMS: eventMS,
	}, nil
}

// GetServerTime fetches the exchange clock in epoch milliseconds.
func (c *RESTClient) GetServerTime(ctx context.Context) (int64, error) {
	const endpoint = "/fapi/v1/time"
	body, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return 0, err
	}

	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &DecodeError{Endpoint: endpoint, Err: err}
	}
	if resp.ServerTime == 0 {
		return 0, &DecodeError{Endpoint: endpoint, Err: fmt.Errorf("serverTime missing")}
	}
	return resp.ServerTime, nil
}

// get performs a rate-limited GET with bounded retries for transient
// failures (network errors, 429, 5xx). 4xx responses other than 429 fail
// immediately.
func (c *RESTClient) get(ctx context.Context, endpoint string, params map[string]string) (body []byte, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.RESTRequestsTotal.WithLabelValues(endpoint, result).Inc()
	}()

	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}

		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		reqURL := c.baseURL + endpoint
		if len(values) > 0 {
			reqURL += "?" + values.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &TransportError{Endpoint: endpoint, Err: err}
			if ctx.Err() != nil || attempt == maxRetries {
				return nil, lastErr
			}
			c.sleepBackoff(ctx, endpoint, attempt, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastErr = &TransportError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("api error: %s", string(body)),
		}
		if !retryableStatus(resp.StatusCode) || attempt == maxRetries {
			return nil, lastErr
		}
		c.sleepBackoff(ctx, endpoint, attempt, lastErr)
	}
	return nil, lastErr
}

func (c *RESTClient) sleepBackoff(ctx context.Context, endpoint string, attempt int, cause error) {
	delay := retryDelay(attempt)
	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("attempt", attempt+1).
		Dur("retry_in", delay).
		Err(cause).
		Msg("rest_retry")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == 418 || status >= 500
}

// retryDelay is exponential backoff with ±25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - delay/4
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func asInt64(v interface{}) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
