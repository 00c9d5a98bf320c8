package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"histflow/config"
	"histflow/downloader"
	"histflow/exchange"
	"histflow/exchange/binance"
	"histflow/exchange/bybit"
	"histflow/logger"
	"histflow/models"
	"histflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	dataTypes := flag.String("types", "candles", "Comma-separated data types: candles, trades, funding")
	symbols := flag.String("symbols", "", "Comma-separated symbols, e.g. BTC/USDT:USDT; empty fetches all listed symbols")
	timeframe := flag.String("timeframe", "1m", "Candle timeframe, e.g. 1m, 5m, 1h, 1d")
	startStr := flag.String("start", "", "Start of the requested range, RFC 3339 or YYYY-MM-DD (required)")
	endStr := flag.String("end", "", "End of the requested range, RFC 3339 or YYYY-MM-DD; defaults to now")
	listOnly := flag.Bool("list-symbols", false, "List the exchange's symbols and exit")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Histflow.Name,
		"version": cfg.Histflow.Version,
	}).Info("starting histflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received, cancelling")
		cancel()
	}()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Region != "" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "Histflow")
	}

	client, err := newClient(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create exchange client")
		os.Exit(1)
	}

	st, err := store.New(cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open partition store")
		os.Exit(1)
	}

	dl := downloader.New(cfg, client, st)

	if *listOnly {
		listed, err := dl.Symbols(ctx, cfg.Source.MarketType)
		if err != nil {
			log.WithError(err).Error("failed to list symbols")
			os.Exit(1)
		}
		for _, s := range listed {
			fmt.Println(s)
		}
		return
	}

	req, err := buildRequest(ctx, dl, cfg, *dataTypes, *symbols, *timeframe, *startStr, *endStr)
	if err != nil {
		log.WithError(err).Error("invalid request")
		os.Exit(1)
	}

	summary, err := dl.Download(ctx, req)
	if summary != nil {
		for _, w := range summary.Warnings {
			log.WithFields(logger.Fields{
				"data_type": string(w.DataType),
				"symbol":    w.Symbol,
				"window":    w.Window.Key,
			}).Warn(w.Reason)
		}
		log.WithFields(logger.Fields{
			"job_id":  summary.JobID,
			"fetched": summary.Fetched,
			"skipped": summary.Skipped,
			"empty":   summary.Empty,
			"failed":  summary.Failed,
		}).Info("histflow finished")
	}
	if err != nil {
		log.WithError(err).Error("download aborted")
		os.Exit(1)
	}
	if summary != nil && summary.Failed > 0 {
		os.Exit(1)
	}
}

func newClient(cfg *config.Config) (exchange.Client, error) {
	switch cfg.Source.Exchange {
	case "binance":
		return binance.New(cfg.Source.Binance, cfg.Source.MarketType), nil
	case "bybit":
		return bybit.New(cfg.Source.Bybit, cfg.Source.MarketType), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Source.Exchange)
	}
}

func buildRequest(ctx context.Context, dl *downloader.Downloader, cfg *config.Config, typesArg, symbolsArg, timeframe, startArg, endArg string) (downloader.Request, error) {
	var req downloader.Request

	for _, t := range strings.Split(typesArg, ",") {
		dt := models.DataType(strings.TrimSpace(t))
		if !dt.Valid() {
			return req, fmt.Errorf("unknown data type %q", t)
		}
		req.DataTypes = append(req.DataTypes, dt)
	}

	if symbolsArg != "" {
		for _, s := range strings.Split(symbolsArg, ",") {
			req.Symbols = append(req.Symbols, strings.TrimSpace(s))
		}
	} else {
		listed, err := dl.Symbols(ctx, cfg.Source.MarketType)
		if err != nil {
			return req, fmt.Errorf("failed to list symbols: %w", err)
		}
		req.Symbols = listed
	}

	start, err := parseTime(startArg)
	if err != nil {
		return req, fmt.Errorf("invalid start time: %w", err)
	}
	req.Start = start

	if endArg == "" {
		req.End = time.Now().UTC()
	} else {
		end, err := parseTime(endArg)
		if err != nil {
			return req, fmt.Errorf("invalid end time: %w", err)
		}
		req.End = end
	}

	req.Options = map[models.DataType]downloader.Options{
		models.DataTypeCandles: {Timeframe: timeframe},
	}
	return req, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
