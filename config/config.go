package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bookfeed/models"
)

const (
	ExchangeDydx  = "dydx"
	ExchangeUpbit = "upbit"
)

type Config struct {
	Bookfeed  BookfeedConfig  `yaml:"bookfeed"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Storage   StorageConfig   `yaml:"storage"`
}

type BookfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// ChannelsConfig sizes the event queue between readers and writers.
type ChannelsConfig struct {
	Buffer         int           `yaml:"buffer"`
	Overflow       string        `yaml:"overflow"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	Listen     string           `yaml:"listen"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ExchangesConfig struct {
	Dydx  ExchangeConfig `yaml:"dydx"`
	Upbit ExchangeConfig `yaml:"upbit"`
}

// ExchangeConfig describes one exchange connection. Symbols are canonical
// (BASE-QUOTE[-TYPE]) and channels use the canonical channel names.
type ExchangeConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WSURL          string        `yaml:"ws_url"`
	RESTURL        string        `yaml:"rest_url"`
	MaxDepth       int           `yaml:"max_depth"`
	RequestLimit   float64       `yaml:"request_limit"`
	Symbols        []string      `yaml:"symbols"`
	Channels       []string      `yaml:"channels"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type StorageConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
}

type KafkaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	BookTopic  string   `yaml:"book_topic"`
	TradeTopic string   `yaml:"trade_topic"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBufferedRows int           `yaml:"max_buffered_rows"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Channels: ChannelsConfig{
			Buffer:         10000,
			Overflow:       "block",
			ReportInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Listen:     ":9090",
			CloudWatch: CloudWatchConfig{Namespace: "bookfeed"},
		},
		Exchanges: ExchangesConfig{
			Dydx: ExchangeConfig{
				WSURL:          "wss://api.dydx.exchange/v3/ws",
				RESTURL:        "https://api.dydx.exchange",
				RequestLimit:   10,
				Channels:       []string{"l2_book", "trades"},
				ReconnectDelay: time.Second,
				PingInterval:   20 * time.Second,
			},
			Upbit: ExchangeConfig{
				WSURL:          "wss://api.upbit.com/websocket/v1",
				RESTURL:        "https://api.upbit.com",
				RequestLimit:   10,
				Channels:       []string{"l2_book", "trades"},
				ReconnectDelay: time.Second,
				PingInterval:   20 * time.Second,
			},
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{BookTopic: "bookfeed.book", TradeTopic: "bookfeed.trades"},
			Redis: RedisConfig{Addr: "localhost:6379"},
			S3:    S3Config{Prefix: "trades", FlushInterval: 5 * time.Minute, MaxBufferedRows: 50000},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		config.Storage.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		config.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Storage.Redis.Password = v
	}

	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
		config.Storage.S3.Region = v
		if config.Metrics.CloudWatch.Region == "" {
			config.Metrics.CloudWatch.Region = v
		}
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = v
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Bookfeed.Name == "" {
		return fmt.Errorf("bookfeed.name is required")
	}
	if cfg.Bookfeed.Version == "" {
		return fmt.Errorf("bookfeed.version is required")
	}

	if cfg.Channels.Buffer <= 0 {
		return fmt.Errorf("channels.buffer must be greater than 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Channels.Overflow)) {
	case "", "block", "drop_newest", "drop_oldest":
	default:
		return fmt.Errorf("channels.overflow '%s' is invalid", cfg.Channels.Overflow)
	}

	if !cfg.Exchanges.Dydx.Enabled && !cfg.Exchanges.Upbit.Enabled {
		return fmt.Errorf("at least one exchange must be enabled")
	}
	for name, ex := range cfg.Exchanges.ByName() {
		if !ex.Enabled {
			continue
		}
		if err := validateExchange(name, ex); err != nil {
			return err
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.BookTopic == "" || cfg.Storage.Kafka.TradeTopic == "" {
			return fmt.Errorf("storage.kafka.book_topic and storage.kafka.trade_topic are required when Kafka is enabled")
		}
	}

	if cfg.Storage.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when Redis is enabled")
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
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
		if cfg.Storage.S3.MaxBufferedRows <= 0 {
			return fmt.Errorf("storage.s3.max_buffered_rows must be greater than 0")
		}
	}

	return nil
}

func validateExchange(name string, ex ExchangeConfig) error {
	if ex.WSURL == "" {
		return fmt.Errorf("exchanges.%s.ws_url is required", name)
	}
	if ex.RESTURL == "" {
		return fmt.Errorf("exchanges.%s.rest_url is required", name)
	}
	if len(ex.Symbols) == 0 {
		return fmt.Errorf("exchanges.%s.symbols must not be empty", name)
	}
	if len(ex.Channels) == 0 {
		return fmt.Errorf("exchanges.%s.channels must not be empty", name)
	}
	for _, ch := range ex.Channels {
		switch models.Channel(ch) {
		case models.ChannelBook, models.ChannelTrades:
		default:
			return fmt.Errorf("exchanges.%s.channels: unsupported channel '%s'", name, ch)
		}
	}
	if ex.MaxDepth < 0 {
		return fmt.Errorf("exchanges.%s.max_depth must not be negative", name)
	}
	return nil
}

// ByName returns the exchange sections keyed by exchange id.
func (e ExchangesConfig) ByName() map[string]ExchangeConfig {
	return map[string]ExchangeConfig{
		ExchangeDydx:  e.Dydx,
		ExchangeUpbit: e.Upbit,
	}
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
