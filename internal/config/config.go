package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Database      DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Redis         RedisConfig         `yaml:"redis" mapstructure:"redis"`
	AI            AIConfig            `yaml:"ai" mapstructure:"ai"`
	Mail          MailConfig          `yaml:"mail" mapstructure:"mail"`
	Telegram      TelegramConfig      `yaml:"telegram" mapstructure:"telegram"`
	Automation    AutomationConfig    `yaml:"automation" mapstructure:"automation"`
	ExchangeRates ExchangeRatesConfig `yaml:"exchange_rates" mapstructure:"exchange_rates"`
	JWT           JWTConfig           `yaml:"jwt" mapstructure:"jwt"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Name            string        `yaml:"name" mapstructure:"name"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode)
}

type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	Password     string `yaml:"password" mapstructure:"password"`
	DB           int    `yaml:"db" mapstructure:"db"`
	PoolSize     int    `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	KeyPrefix    string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AIConfig struct {
	OpenAI         OpenAIConfig         `yaml:"openai" mapstructure:"openai"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Model       string        `yaml:"model" mapstructure:"model"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxFailures     int           `yaml:"max_failures" mapstructure:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_requests" mapstructure:"half_open_max_requests"`
}

type MailConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Host      string        `yaml:"host" mapstructure:"host"`
	Port      int           `yaml:"port" mapstructure:"port"`
	Username  string        `yaml:"username" mapstructure:"username"`
	Password  string        `yaml:"password" mapstructure:"password"`
	FromEmail string        `yaml:"from_email" mapstructure:"from_email"`
	FromName  string        `yaml:"from_name" mapstructure:"from_name"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	TLSPolicy string        `yaml:"tls_policy" mapstructure:"tls_policy"` // mandatory, opportunistic, none
}

type TelegramConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	BotToken string        `yaml:"bot_token" mapstructure:"bot_token"`
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// AutomationConfig 自动化引擎配置
type AutomationConfig struct {
	SchedulerEnabled     bool          `yaml:"scheduler_enabled" mapstructure:"scheduler_enabled"`
	WebhookTimeout       time.Duration `yaml:"webhook_timeout" mapstructure:"webhook_timeout"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout" mapstructure:"execution_timeout"`
	CronHealthThreshold  time.Duration `yaml:"cron_health_threshold" mapstructure:"cron_health_threshold"`
	CleanupConfirmation  string        `yaml:"cleanup_confirmation" mapstructure:"cleanup_confirmation"`
	LogRetentionDays     int           `yaml:"log_retention_days" mapstructure:"log_retention_days"`
	ManualRunLimit       int           `yaml:"manual_run_limit" mapstructure:"manual_run_limit"`
	ManualRunWindow      time.Duration `yaml:"manual_run_window" mapstructure:"manual_run_window"`
	ExecutionLimit       int           `yaml:"execution_limit" mapstructure:"execution_limit"`
	ExecutionWindow      time.Duration `yaml:"execution_window" mapstructure:"execution_window"`
	InboundWebhookLimit  int           `yaml:"inbound_webhook_limit" mapstructure:"inbound_webhook_limit"`
	InboundWebhookWindow time.Duration `yaml:"inbound_webhook_window" mapstructure:"inbound_webhook_window"`
}

type ExchangeRatesConfig struct {
	SourceURL string             `yaml:"source_url" mapstructure:"source_url"`
	TTL       time.Duration      `yaml:"ttl" mapstructure:"ttl"`
	Timeout   time.Duration      `yaml:"timeout" mapstructure:"timeout"`
	Defaults  map[string]float64 `yaml:"defaults" mapstructure:"defaults"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret" mapstructure:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in" mapstructure:"expires_in"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`           // json, text
	Output     string `yaml:"output" mapstructure:"output"`           // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MetricsPath string        `yaml:"metrics_path" mapstructure:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors" mapstructure:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int                   `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int                   `yaml:"burst" mapstructure:"burst"`
	KeyHeader         string                `yaml:"key_header" mapstructure:"key_header"`
	WhitelistIPs      []string              `yaml:"whitelist_ips" mapstructure:"whitelist_ips"`
	Paths             []PathRateLimitConfig `yaml:"paths" mapstructure:"paths"`
}

// PathRateLimitConfig 按路径前缀覆盖的限流配置
type PathRateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	Prefix            string `yaml:"prefix" mapstructure:"prefix"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst" mapstructure:"burst"`
}

// secretKeys 通常只通过环境变量提供；viper 只对已知 key 读取环境变量
var secretKeys = []string{
	"jwt.secret",
	"database.password",
	"redis.password",
	"ai.openai.api_key",
	"mail.password",
	"telegram.bot_token",
}

// Load 在默认配置之上合并 viper 中读取的配置
func Load() (*Config, error) {
	for _, key := range secretKeys {
		if err := viper.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// insecureJWTSecret 旧版本的默认值，出现即视为未配置
const insecureJWTSecret = "default-secret-key"

// Validate 校验关键配置项
func (c *Config) Validate() error {
	if s := strings.TrimSpace(c.JWT.Secret); s == "" || s == insecureJWTSecret {
		return fmt.Errorf("jwt.secret must be set (TRADEDESK_JWT_SECRET)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Automation.WebhookTimeout <= 0 {
		return fmt.Errorf("automation.webhook_timeout must be positive")
	}
	if c.Automation.ManualRunLimit <= 0 || c.Automation.ManualRunWindow <= 0 {
		return fmt.Errorf("automation manual run limit and window must be positive")
	}
	if strings.TrimSpace(c.Automation.CleanupConfirmation) == "" {
		return fmt.Errorf("automation.cleanup_confirmation must not be empty")
	}
	if c.Automation.CronHealthThreshold <= 0 {
		return fmt.Errorf("automation.cron_health_threshold must be positive")
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "tradedesk",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "tradedesk:",
		},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.3,
				MaxTokens:   1000,
				Timeout:     60 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		Mail: MailConfig{
			Enabled:   false,
			Host:      "localhost",
			Port:      587,
			FromEmail: "noreply@tradedesk.local",
			FromName:  "TradeDesk",
			Timeout:   10 * time.Second,
			TLSPolicy: "opportunistic",
		},
		Telegram: TelegramConfig{
			Enabled: false,
			BaseURL: "https://api.telegram.org",
			Timeout: 10 * time.Second,
		},
		Automation: AutomationConfig{
			SchedulerEnabled:     true,
			WebhookTimeout:       10 * time.Second,
			ExecutionTimeout:     2 * time.Minute,
			CronHealthThreshold:  26 * time.Hour,
			CleanupConfirmation:  "DELETE AUTOMATION LOGS",
			LogRetentionDays:     90,
			ManualRunLimit:       10,
			ManualRunWindow:      time.Minute,
			ExecutionLimit:       60,
			ExecutionWindow:      time.Minute,
			InboundWebhookLimit:  30,
			InboundWebhookWindow: time.Minute,
		},
		ExchangeRates: ExchangeRatesConfig{
			SourceURL: "https://economia.awesomeapi.com.br/json/last",
			TTL:       30 * time.Minute,
			Timeout:   5 * time.Second,
			Defaults: map[string]float64{
				"USD": 5.0,
				"EUR": 5.4,
				"CNY": 0.7,
			},
		},
		JWT: JWTConfig{
			Secret:    "",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/tradedesk.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "tradedesk",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
	}
}
