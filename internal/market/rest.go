package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RestClient fetches public futures market data over REST. Paper trading
// needs no signed endpoints, only klines, tickers and the symbol universe;
// an API key, when configured, buys a higher request-weight tier.
type RestClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRestClient builds a client against the given futures REST base URL
// (e.g. https://fapi.binance.com). Zero timeouts fall back to 5s dial / 10s read.
func NewRestClient(baseURL, apiKey string, dialTimeout, readTimeout time.Duration) *RestClient {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	return &RestClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			},
		},
	}
}

// GetKlines fetches up to limit candles for (symbol, interval), oldest first.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/fapi/v1/klines?%s", c.baseURL, params.Encode())
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines %s %s: %w", symbol, interval, err)
	}
	candles, err := parseKlines(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse klines %s %s: %w", symbol, interval, err)
	}
	return candles, nil
}

// parseKlines decodes the exchange kline array-of-arrays payload. Rows with
// fewer than seven fields are skipped; malformed timestamps are an error
// rather than a panic.
func parseKlines(body []byte) ([]Candle, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for i, r := range raw {
		if len(r) < 7 {
			continue
		}
		openMs, ok := r[0].(float64)
		if !ok {
			return nil, fmt.Errorf("kline row %d: open time is not a number", i)
		}
		closeMs, ok := r[6].(float64)
		if !ok {
			return nil, fmt.Errorf("kline row %d: close time is not a number", i)
		}
		candles = append(candles, Candle{
			OpenTime:  time.UnixMilli(int64(openMs)).UTC(),
			Open:      parseFloat(r[1]),
			High:      parseFloat(r[2]),
			Low:       parseFloat(r[3]),
			Close:     parseFloat(r[4]),
			Volume:    parseFloat(r[5]),
			CloseTime: time.UnixMilli(int64(closeMs)).UTC(),
		})
	}
	return candles, nil
}

// Ticker24h is one row of the 24h ticker snapshot.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
}

// Get24hTickers fetches 24h ticker statistics for all futures symbols.
func (c *RestClient) Get24hTickers(ctx context.Context) ([]Ticker24h, error) {
	body, err := c.get(ctx, c.baseURL+"/fapi/v1/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch 24h tickers: %w", err)
	}
	var tickers []Ticker24h
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("failed to parse tickers: %w", err)
	}
	return tickers, nil
}

// GetTradableSymbols returns the USDT-margined perpetual symbols currently
// open for trading.
func (c *RestClient) GetTradableSymbols(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, c.baseURL+"/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			Status       string `json:"status"`
			ContractType string `json:"contractType"`
			QuoteAsset   string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.ContractType == "PERPETUAL" && s.QuoteAsset == "USDT" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

func (c *RestClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
