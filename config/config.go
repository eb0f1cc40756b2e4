package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig        `yaml:"log"`
	Redis     RedisConfig      `yaml:"redis"`
	Cache     CacheConfig      `yaml:"cache"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	API       APIConfig        `yaml:"api"`
	Workers   int              `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CacheConfig overrides entries of the TTL table.
type CacheConfig struct {
	TTL TTLConfig `yaml:"ttl"`
}

type TTLConfig struct {
	Ticker     time.Duration `yaml:"ticker"`
	Orderbook  time.Duration `yaml:"orderbook"`
	MarketInfo time.Duration `yaml:"market_info"`
	Default    time.Duration `yaml:"default"`
}

const (
	KindUpbit     = "upbit"
	KindGenerator = "generator"
)

type ExchangeConfig struct {
	Name           string        `yaml:"name"`
	Kind           string        `yaml:"kind"`
	WSURL          string        `yaml:"ws_url"`
	MarketURL      string        `yaml:"market_url"`
	Quote          string        `yaml:"quote"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Interval       time.Duration `yaml:"interval"`
}

type GatewayConfig struct {
	ClientBuffer      int           `yaml:"client_buffer"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SnapshotOnConnect bool          `yaml:"snapshot_on_connect"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

func LoadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(file, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "ticker-updates"
	}
	if c.Gateway.ClientBuffer <= 0 {
		c.Gateway.ClientBuffer = 256
	}
	if c.Gateway.WriteTimeout <= 0 {
		c.Gateway.WriteTimeout = 5 * time.Second
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		if ex.Kind == "" {
			ex.Kind = KindUpbit
		}
		if ex.Name == "" {
			ex.Name = ex.Kind
		}
		if ex.ReconnectDelay <= 0 {
			ex.ReconnectDelay = 5 * time.Second
		}
		if ex.Kind == KindUpbit && ex.Quote == "" {
			ex.Quote = "KRW"
		}
		if ex.Kind == KindGenerator && ex.Interval <= 0 {
			ex.Interval = 100 * time.Millisecond
		}
	}
}

// Validate reports unrecoverable configuration errors. These are the only
// errors that stop the process at startup.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Exchanges) == 0 {
		errs = append(errs, errors.New("at least one exchange is required"))
	}
	names := make(map[string]struct{}, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if _, dup := names[ex.Name]; dup {
			errs = append(errs, fmt.Errorf("exchange %q configured twice", ex.Name))
		}
		names[ex.Name] = struct{}{}

		switch ex.Kind {
		case KindUpbit:
			if ex.WSURL == "" {
				errs = append(errs, fmt.Errorf("exchange %q: ws_url is required", ex.Name))
			}
			if ex.MarketURL == "" {
				errs = append(errs, fmt.Errorf("exchange %q: market_url is required", ex.Name))
			}
		case KindGenerator:
		default:
			errs = append(errs, fmt.Errorf("exchange %q: unknown kind %q", ex.Name, ex.Kind))
		}
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	return errors.Join(errs...)
}
