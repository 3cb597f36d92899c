package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"trade_sync/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		WSURL              string `yaml:"ws_url"`
		Token              string `yaml:"token"`
		Account            string `yaml:"account"`
		HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
		ReadTimeoutMS      int    `yaml:"read_timeout_ms"`
		PingIntervalMS     int    `yaml:"ping_interval_ms"`
	} `yaml:"server"`

	Sync struct {
		PollIntervalMS   int              `yaml:"poll_interval_ms"`
		ReconnectDelayMS int              `yaml:"reconnect_delay_ms"`
		ActiveWindowMS   int              `yaml:"active_window_ms"`
		WatchdogMS       int              `yaml:"watchdog_ms"`
		HeartbeatHistory int              `yaml:"heartbeat_history"`
		PricePrecision   int32            `yaml:"price_precision"`
		SymbolPrecision  map[string]int32 `yaml:"symbol_precision"`
		LogHistory       int              `yaml:"log_history"`
	} `yaml:"sync"`

	Commands struct {
		RatePerSec float64 `yaml:"rate_per_sec"`
		Burst      int     `yaml:"burst"`
		TimeoutMS  int     `yaml:"timeout_ms"`
	} `yaml:"commands"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Diagnostics struct {
		Addr string `yaml:"addr"`
	} `yaml:"diagnostics"`
}

// defaultPricePrecision applies when price_precision is absent. It is seeded
// before decoding because 0 decimal places is a valid setting.
const defaultPricePrecision = 5

// DefaultConfig returns a configuration with every tunable set to its default.
func DefaultConfig() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

func newConfig() *Config {
	var cfg Config
	cfg.Sync.PricePrecision = defaultPricePrecision
	return &cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)
		}
		return nil, err
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 환경 변수 오버라이드 지원 (토큰은 파일에 두지 않는다)
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.HandshakeTimeoutMS, 10000)
	setDefault(&c.Server.ReadTimeoutMS, 60000)
	setDefault(&c.Server.PingIntervalMS, 25000)
	setDefault(&c.Sync.PollIntervalMS, 1000)
	setDefault(&c.Sync.ReconnectDelayMS, 1000)
	setDefault(&c.Sync.ActiveWindowMS, 10000)
	setDefault(&c.Sync.WatchdogMS, 15000)
	setDefault(&c.Sync.HeartbeatHistory, 5)
	setDefault(&c.Sync.LogHistory, 200)
	setDefault(&c.Commands.Burst, 5)
	setDefault(&c.Commands.TimeoutMS, 10000)
	if c.Commands.RatePerSec == 0 {
		c.Commands.RatePerSec = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Diagnostics.Addr == "" {
		c.Diagnostics.Addr = "localhost:6060"
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.WSURL == "" || (!strings.HasPrefix(c.Server.WSURL, "ws://") && !strings.HasPrefix(c.Server.WSURL, "wss://")) {
		return &domain.ConfigError{Field: "server.ws_url", Err: fmt.Errorf("invalid WS URL: %q", c.Server.WSURL)}
	}

	positive := map[string]int{
		"server.handshake_timeout_ms": c.Server.HandshakeTimeoutMS,
		"server.read_timeout_ms":      c.Server.ReadTimeoutMS,
		"server.ping_interval_ms":     c.Server.PingIntervalMS,
		"sync.poll_interval_ms":       c.Sync.PollIntervalMS,
		"sync.reconnect_delay_ms":     c.Sync.ReconnectDelayMS,
		"sync.active_window_ms":       c.Sync.ActiveWindowMS,
		"sync.watchdog_ms":            c.Sync.WatchdogMS,
		"sync.heartbeat_history":      c.Sync.HeartbeatHistory,
		"sync.log_history":            c.Sync.LogHistory,
		"commands.burst":              c.Commands.Burst,
		"commands.timeout_ms":         c.Commands.TimeoutMS,
	}
	for field, v := range positive {
		if v <= 0 {
			return &domain.ConfigError{Field: field, Err: errors.New("must be positive")}
		}
	}

	if c.Commands.RatePerSec <= 0 {
		return &domain.ConfigError{Field: "commands.rate_per_sec", Err: errors.New("must be positive")}
	}
	if c.Sync.PricePrecision < 0 || c.Sync.PricePrecision > 10 {
		return &domain.ConfigError{Field: "sync.price_precision", Err: fmt.Errorf("out of range: %d", c.Sync.PricePrecision)}
	}
	for symbol, p := range c.Sync.SymbolPrecision {
		if p < 0 || p > 10 {
			return &domain.ConfigError{Field: "sync.symbol_precision." + symbol, Err: fmt.Errorf("out of range: %d", p)}
		}
	}

	return nil
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("TRADESYNC_WS_URL"); url != "" {
		cfg.Server.WSURL = url
	}
	if token := os.Getenv("TRADESYNC_TOKEN"); token != "" {
		cfg.Server.Token = token
	}
	if account := os.Getenv("TRADESYNC_ACCOUNT"); account != "" {
		cfg.Server.Account = account
	}
	if level := os.Getenv("TRADESYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Precision returns the rounding precision for symbol.
func (c *Config) Precision(symbol string) int32 {
	if p, ok := c.Sync.SymbolPrecision[symbol]; ok {
		return p
	}
	return c.Sync.PricePrecision
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) PollInterval() time.Duration     { return ms(c.Sync.PollIntervalMS) }
func (c *Config) ReconnectDelay() time.Duration   { return ms(c.Sync.ReconnectDelayMS) }
func (c *Config) ActiveWindow() time.Duration     { return ms(c.Sync.ActiveWindowMS) }
func (c *Config) Watchdog() time.Duration         { return ms(c.Sync.WatchdogMS) }
func (c *Config) HandshakeTimeout() time.Duration { return ms(c.Server.HandshakeTimeoutMS) }
func (c *Config) ReadTimeout() time.Duration      { return ms(c.Server.ReadTimeoutMS) }
func (c *Config) PingInterval() time.Duration     { return ms(c.Server.PingIntervalMS) }
func (c *Config) CommandTimeout() time.Duration   { return ms(c.Commands.TimeoutMS) }
