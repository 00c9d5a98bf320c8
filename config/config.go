package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Histflow Histflow       `yaml:"histflow"`
	Download DownloadConfig `yaml:"download"`
	Source   SourceConfig   `yaml:"source"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type Histflow struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DownloadConfig struct {
	MaxWorkers   int             `yaml:"max_workers"`
	PageLimit    int             `yaml:"page_limit"`
	Timeout      time.Duration   `yaml:"timeout"`
	SafetyMargin time.Duration   `yaml:"safety_margin"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Retry        RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type SourceConfig struct {
	Exchange   string        `yaml:"exchange"`
	MarketType string        `yaml:"market_type"`
	Bybit      BybitConfig   `yaml:"bybit"`
	Binance    BinanceConfig `yaml:"binance"`
}

type BinanceConfig struct {
	BaseURL        string        `yaml:"base_url"`
	FuturesBaseURL string        `yaml:"futures_base_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

type BybitConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	Dir     string        `yaml:"dir"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a configuration populated with working defaults. LoadConfig
// layers the file contents on top of it, so a minimal file is enough to run.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Histflow: Histflow{Name: "histflow", Version: "dev"},
		Download: DownloadConfig{
			MaxWorkers:   8,
			PageLimit:    1000,
			Timeout:      30 * time.Second,
			SafetyMargin: time.Minute,
			RateLimit:    RateLimitConfig{RequestsPerSecond: 3, BurstSize: 3},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         time.Second,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Source: SourceConfig{
			Exchange:   "binance",
			MarketType: "swap",
			Bybit:      BybitConfig{BaseURL: "https://api.bybit.com", Timeout: 10 * time.Second},
			Binance:    BinanceConfig{Timeout: 10 * time.Second},
		},
		Storage: StorageConfig{
			Dir:     filepath.Join(home, ".histflow"),
			Parquet: ParquetConfig{Compression: "snappy"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Histflow.Name == "" {
		return fmt.Errorf("histflow.name is required")
	}

	if cfg.Download.MaxWorkers <= 0 {
		return fmt.Errorf("download.max_workers must be greater than 0")
	}
	if cfg.Download.PageLimit <= 0 {
		return fmt.Errorf("download.page_limit must be greater than 0")
	}
	if cfg.Download.Timeout <= 0 {
		return fmt.Errorf("download.timeout must be greater than 0")
	}
	if cfg.Download.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("download.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Download.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("download.rate_limit.burst_size must be greater than 0")
	}
	if cfg.Download.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("download.retry.max_attempts must be greater than 0")
	}

	if cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	switch cfg.Storage.Parquet.Compression {
	case "snappy", "gzip", "uncompressed", "":
	default:
		return fmt.Errorf("storage.parquet.compression %q is not supported", cfg.Storage.Parquet.Compression)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
