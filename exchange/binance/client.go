// Package binance implements the exchange.Client capability on top of the
// go-binance SDK, covering spot and USD-M futures markets.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	binancesdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"

	"histflow/config"
	"histflow/exchange"
	"histflow/logger"
	"histflow/models"
)

// Client fetches historical pages from Binance. The swap market type maps to
// USD-M perpetual futures, spot to the regular spot API.
type Client struct {
	spot       *binancesdk.Client
	fut        *futures.Client
	marketType string
	log        *logger.Log
}

// New creates a Binance client for the given market type ("spot" or "swap").
func New(cfg config.BinanceConfig, marketType string) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	spot := binancesdk.NewClient("", "")
	spot.HTTPClient = httpClient
	if cfg.BaseURL != "" {
		spot.SetApiEndpoint(cfg.BaseURL)
	}

	fut := futures.NewClient("", "")
	fut.HTTPClient = httpClient
	if cfg.FuturesBaseURL != "" {
		fut.SetApiEndpoint(cfg.FuturesBaseURL)
	}

	return &Client{
		spot:       spot,
		fut:        fut,
		marketType: marketType,
		log:        logger.GetLogger(),
	}
}

func (c *Client) Name() string { return "binance" }

// ListSymbols returns canonical symbols for the requested market type.
func (c *Client) ListSymbols(ctx context.Context, marketType string) ([]string, error) {
	if marketType == "" {
		marketType = c.marketType
	}

	if marketType == string(models.MarketTypeSwap) {
		info, err := c.fut.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, c.wrapErr("exchange info", err)
		}
		symbols := make([]string, 0, len(info.Symbols))
		for _, s := range info.Symbols {
			if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
				continue
			}
			symbols = append(symbols, fmt.Sprintf("%s/%s:%s", s.BaseAsset, s.QuoteAsset, s.QuoteAsset))
		}
		return symbols, nil
	}

	info, err := c.spot.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.wrapErr("exchange info", err)
	}
	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		symbols = append(symbols, s.BaseAsset+"/"+s.QuoteAsset)
	}
	return symbols, nil
}

// FetchPage requests one page of records at or after req.Since.
func (c *Client) FetchPage(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	switch req.DataType {
	case models.DataTypeCandles:
		return c.fetchCandles(ctx, req)
	case models.DataTypeTrades:
		return c.fetchTrades(ctx, req)
	case models.DataTypeFunding:
		return c.fetchFunding(ctx, req)
	default:
		return nil, fmt.Errorf("binance: %w: %s", exchange.ErrUnsupported, req.DataType)
	}
}

func (c *Client) fetchCandles(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	native := NativeSymbol(req.Symbol)
	since := req.Since.UnixMilli()

	if c.marketType == string(models.MarketTypeSwap) {
		klines, err := c.fut.NewKlinesService().
			Symbol(native).
			Interval(req.SubTypeID).
			StartTime(since).
			Limit(req.Limit).
			Do(ctx)
		if err != nil {
			return nil, c.wrapErr("futures klines", err)
		}
		records := make([]models.Record, 0, len(klines))
		for _, k := range klines {
			records = append(records, candleRecord(req.Symbol, k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume))
		}
		return records, nil
	}

	klines, err := c.spot.NewKlinesService().
		Symbol(native).
		Interval(req.SubTypeID).
		StartTime(since).
		Limit(req.Limit).
		Do(ctx)
	if err != nil {
		return nil, c.wrapErr("klines", err)
	}
	records := make([]models.Record, 0, len(klines))
	for _, k := range klines {
		records = append(records, candleRecord(req.Symbol, k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume))
	}
	return records, nil
}

// aggTradeWindow bounds a single agg-trades request; Binance rejects
// startTime/endTime ranges wider than one hour.
const aggTradeWindow = time.Hour

func (c *Client) fetchTrades(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	native := NativeSymbol(req.Symbol)
	start := req.Since.UnixMilli()
	end := req.Since.Add(aggTradeWindow).UnixMilli()

	if c.marketType == string(models.MarketTypeSwap) {
		trades, err := c.fut.NewAggTradesService().
			Symbol(native).
			StartTime(start).
			EndTime(end).
			Limit(req.Limit).
			Do(ctx)
		if err != nil {
			return nil, c.wrapErr("futures agg trades", err)
		}
		records := make([]models.Record, 0, len(trades))
		for _, t := range trades {
			records = append(records, tradeRecord(req.Symbol, t.Timestamp, t.Price, t.Quantity, t.IsBuyerMaker))
		}
		return records, nil
	}

	trades, err := c.spot.NewAggTradesService().
		Symbol(native).
		StartTime(start).
		EndTime(end).
		Limit(req.Limit).
		Do(ctx)
	if err != nil {
		return nil, c.wrapErr("agg trades", err)
	}
	records := make([]models.Record, 0, len(trades))
	for _, t := range trades {
		records = append(records, tradeRecord(req.Symbol, t.Timestamp, t.Price, t.Quantity, t.IsBuyerMaker))
	}
	return records, nil
}

func (c *Client) fetchFunding(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	if c.marketType != string(models.MarketTypeSwap) {
		return nil, fmt.Errorf("binance spot funding: %w", exchange.ErrUnsupported)
	}

	rates, err := c.fut.NewFundingRateService().
		Symbol(NativeSymbol(req.Symbol)).
		StartTime(req.Since.UnixMilli()).
		Limit(req.Limit).
		Do(ctx)
	if err != nil {
		return nil, c.wrapErr("funding rate history", err)
	}

	records := make([]models.Record, 0, len(rates))
	for _, fr := range rates {
		rate, _ := strconv.ParseFloat(fr.FundingRate, 64)
		records = append(records, models.Record{
			Timestamp: time.UnixMilli(fr.FundingTime).UTC(),
			Symbol:    req.Symbol,
			Rate:      rate,
		})
	}
	return records, nil
}

// wrapErr maps Binance API errors onto the exchange error kinds the fetcher
// branches on. Detection is wording-based because the SDK surfaces bans and
// throttles as generic API errors.
func (c *Client) wrapErr(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		if apiErr.Code == -1003 || strings.Contains(msg, "too many requests") || strings.Contains(msg, "banned") {
			return fmt.Errorf("binance %s: %w: %s", op, exchange.ErrRateLimited, apiErr.Message)
		}
	}
	return fmt.Errorf("binance %s: %w", op, err)
}

// NativeSymbol converts a canonical symbol like "ETH/USDT:USDT" into the
// Binance native form "ETHUSDT".
func NativeSymbol(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func candleRecord(symbol string, openTime int64, open, high, low, closePx, volume string) models.Record {
	o, _ := strconv.ParseFloat(open, 64)
	h, _ := strconv.ParseFloat(high, 64)
	l, _ := strconv.ParseFloat(low, 64)
	cl, _ := strconv.ParseFloat(closePx, 64)
	v, _ := strconv.ParseFloat(volume, 64)
	return models.Record{
		Timestamp: time.UnixMilli(openTime).UTC(),
		Symbol:    symbol,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     cl,
		Volume:    v,
	}
}

func tradeRecord(symbol string, ts int64, price, qty string, buyerMaker bool) models.Record {
	p, _ := strconv.ParseFloat(price, 64)
	q, _ := strconv.ParseFloat(qty, 64)
	side := "buy"
	if buyerMaker {
		side = "sell"
	}
	return models.Record{
		Timestamp: time.UnixMilli(ts).UTC(),
		Symbol:    symbol,
		Price:     p,
		Amount:    q,
		Side:      side,
	}
}
