// Package bybit implements the exchange.Client capability against the Bybit
// v5 REST API using plain HTTP.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"histflow/config"
	"histflow/exchange"
	"histflow/logger"
	"histflow/models"
)

// Client fetches historical pages from Bybit. Historical trades are not
// servable through the public v5 REST API, so trade requests report
// exchange.ErrUnsupported.
type Client struct {
	baseURL    string
	httpClient *http.Client
	marketType string
	log        *logger.Log
}

// New creates a Bybit client for the given market type ("spot" or "swap").
func New(cfg config.BybitConfig, marketType string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		marketType: marketType,
		log:        logger.GetLogger(),
	}
}

func (c *Client) Name() string { return "bybit" }

func (c *Client) category() string {
	if c.marketType == string(models.MarketTypeSwap) {
		return "linear"
	}
	return "spot"
}

// response is the v5 REST envelope.
type response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

type fundingResult struct {
	List []struct {
		Symbol               string `json:"symbol"`
		FundingRate          string `json:"fundingRate"`
		FundingRateTimestamp string `json:"fundingRateTimestamp"`
	} `json:"list"`
}

type instrumentsResult struct {
	List []struct {
		Symbol       string `json:"symbol"`
		BaseCoin     string `json:"baseCoin"`
		QuoteCoin    string `json:"quoteCoin"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
	} `json:"list"`
}

// ListSymbols returns canonical symbols for the requested market type.
func (c *Client) ListSymbols(ctx context.Context, marketType string) ([]string, error) {
	params := url.Values{"category": {c.category()}, "limit": {"1000"}}
	var result instrumentsResult
	if err := c.get(ctx, "/v5/market/instruments-info", params, &result); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(result.List))
	for _, inst := range result.List {
		if inst.Status != "Trading" {
			continue
		}
		if c.category() == "linear" {
			if inst.ContractType != "LinearPerpetual" {
				continue
			}
			symbols = append(symbols, fmt.Sprintf("%s/%s:%s", inst.BaseCoin, inst.QuoteCoin, inst.QuoteCoin))
		} else {
			symbols = append(symbols, inst.BaseCoin+"/"+inst.QuoteCoin)
		}
	}
	return symbols, nil
}

// FetchPage requests one page of records at or after req.Since.
func (c *Client) FetchPage(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	switch req.DataType {
	case models.DataTypeCandles:
		return c.fetchCandles(ctx, req)
	case models.DataTypeFunding:
		return c.fetchFunding(ctx, req)
	case models.DataTypeTrades:
		return nil, fmt.Errorf("bybit historical trades: %w", exchange.ErrUnsupported)
	default:
		return nil, fmt.Errorf("bybit: %w: %s", exchange.ErrUnsupported, req.DataType)
	}
}

func (c *Client) fetchCandles(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	interval, err := nativeInterval(req.SubTypeID)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit > 1000 {
		limit = 1000
	}
	params := url.Values{
		"category": {c.category()},
		"symbol":   {NativeSymbol(req.Symbol)},
		"interval": {interval},
		"start":    {strconv.FormatInt(req.Since.UnixMilli(), 10)},
		"limit":    {strconv.Itoa(limit)},
	}

	var result klineResult
	if err := c.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}

	// Bybit returns rows newest-first.
	records := make([]models.Record, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		open, _ := strconv.ParseFloat(row[1], 64)
		high, _ := strconv.ParseFloat(row[2], 64)
		low, _ := strconv.ParseFloat(row[3], 64)
		closePx, _ := strconv.ParseFloat(row[4], 64)
		volume, _ := strconv.ParseFloat(row[5], 64)
		records = append(records, models.Record{
			Timestamp: time.UnixMilli(ts).UTC(),
			Symbol:    req.Symbol,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    volume,
		})
	}
	return records, nil
}

// fundingInterval bounds one funding-history request; rates settle every
// eight hours so limit*interval covers the page.
const fundingInterval = 8 * time.Hour

func (c *Client) fetchFunding(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	if c.category() != "linear" {
		return nil, fmt.Errorf("bybit spot funding: %w", exchange.ErrUnsupported)
	}

	limit := req.Limit
	if limit > 200 {
		limit = 200
	}
	end := req.Since.Add(time.Duration(limit) * fundingInterval)
	params := url.Values{
		"category":  {c.category()},
		"symbol":    {NativeSymbol(req.Symbol)},
		"startTime": {strconv.FormatInt(req.Since.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit":     {strconv.Itoa(limit)},
	}

	var result fundingResult
	if err := c.get(ctx, "/v5/market/funding/history", params, &result); err != nil {
		return nil, err
	}

	records := make([]models.Record, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		entry := result.List[i]
		ts, _ := strconv.ParseInt(entry.FundingRateTimestamp, 10, 64)
		rate, _ := strconv.ParseFloat(entry.FundingRate, 64)
		records = append(records, models.Record{
			Timestamp: time.UnixMilli(ts).UTC(),
			Symbol:    req.Symbol,
			Rate:      rate,
		})
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("bybit request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bybit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("bybit %s: %w: http %d", path, exchange.ErrRateLimited, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bybit response: %w", err)
	}

	var envelope response
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("bybit response: %w", err)
	}
	if envelope.RetCode != 0 {
		msg := strings.ToLower(envelope.RetMsg)
		if envelope.RetCode == 10006 || strings.Contains(msg, "too many visits") || strings.Contains(msg, "rate limit") {
			return fmt.Errorf("bybit %s: %w: %s", path, exchange.ErrRateLimited, envelope.RetMsg)
		}
		return fmt.Errorf("bybit %s: retCode %d: %s", path, envelope.RetCode, envelope.RetMsg)
	}

	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("bybit result: %w", err)
	}
	return nil
}

// NativeSymbol converts a canonical symbol like "ETH/USDT:USDT" into the
// Bybit native form "ETHUSDT".
func NativeSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func nativeInterval(timeframe string) (string, error) {
	switch timeframe {
	case "1m":
		return "1", nil
	case "3m":
		return "3", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "30m":
		return "30", nil
	case "1h":
		return "60", nil
	case "2h":
		return "120", nil
	case "4h":
		return "240", nil
	case "6h":
		return "360", nil
	case "12h":
		return "720", nil
	case "1d":
		return "D", nil
	case "1w":
		return "W", nil
	default:
		return "", fmt.Errorf("bybit does not serve timeframe %q", timeframe)
	}
}
