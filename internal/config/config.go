package config

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"BananaPay/internal/signature"

	"gopkg.in/yaml.v3"
)

var ErrConfiguration = errors.New("invalid configuration")

const (
	ProductionEndpoint = "https://openapi.alipay.com/gateway.do"
	SandboxEndpoint    = "https://openapi-sandbox.dl.alipaydev.com/gateway.do"
)

type Plan struct {
	Name   string `yaml:"name"`
	Title  string `yaml:"title"`
	Amount string `yaml:"amount"`
	Level  string `yaml:"level"`
}

type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	DB struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Gateway struct {
		AppID          string `yaml:"app_id"`
		Sandbox        bool   `yaml:"sandbox"`
		Endpoint       string `yaml:"endpoint"`
		Method         string `yaml:"method"`
		PrivateKey     string `yaml:"private_key"`
		PrivateKeyFile string `yaml:"private_key_file"`
		PublicKey      string `yaml:"public_key"`
		PublicKeyFile  string `yaml:"public_key_file"`
		NotifyURL      string `yaml:"notify_url"`
		ReturnURL      string `yaml:"return_url"`
		ProductCode    string `yaml:"product_code"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxAttempts    int    `yaml:"max_attempts"`
		QueryRPS       int    `yaml:"query_rps"`
	} `yaml:"gateway"`
	Orders struct {
		TTLMinutes int    `yaml:"ttl_minutes"`
		Subject    string `yaml:"subject"`
	} `yaml:"orders"`
	Plans      []Plan `yaml:"plans"`
	Reconciler struct {
		IntervalSeconds     int64 `yaml:"interval_seconds"`
		AwaitTimeoutSeconds int64 `yaml:"await_timeout_seconds"`
		BatchSize           int   `yaml:"batch_size"`
	} `yaml:"reconciler"`
	Audit struct {
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"audit"`
	Fulfillment struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"fulfillment"`
	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrConfiguration)
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
		if c.DB.DSN == "" {
			return fmt.Errorf("%w: db.dsn is required for driver %s", ErrConfiguration, c.DB.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown db.driver %q", ErrConfiguration, c.DB.Driver)
	}
	if c.Gateway.AppID == "" {
		return fmt.Errorf("%w: gateway.app_id is required", ErrConfiguration)
	}
	if c.Gateway.NotifyURL == "" {
		return fmt.Errorf("%w: gateway.notify_url is required", ErrConfiguration)
	}
	if c.Gateway.ReturnURL == "" {
		return fmt.Errorf("%w: gateway.return_url is required", ErrConfiguration)
	}
	if c.Gateway.PrivateKey == "" && c.Gateway.PrivateKeyFile == "" {
		return fmt.Errorf("%w: gateway.private_key or gateway.private_key_file is required", ErrConfiguration)
	}
	if c.Gateway.PublicKey == "" && c.Gateway.PublicKeyFile == "" {
		return fmt.Errorf("%w: gateway.public_key or gateway.public_key_file is required", ErrConfiguration)
	}
	switch c.Gateway.Method {
	case "redirect", "form":
	default:
		return fmt.Errorf("%w: gateway.method must be redirect or form", ErrConfiguration)
	}
	seen := map[string]bool{}
	for _, p := range c.Plans {
		if p.Name == "" || p.Amount == "" {
			return fmt.Errorf("%w: plans need name and amount", ErrConfiguration)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate plan %q", ErrConfiguration, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
	if cfg.Gateway.Method == "" {
		cfg.Gateway.Method = "redirect"
	}
	if cfg.Gateway.ProductCode == "" {
		cfg.Gateway.ProductCode = "FAST_INSTANT_TRADE_PAY"
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 10
	}
	if cfg.Gateway.MaxAttempts <= 0 {
		cfg.Gateway.MaxAttempts = 3
	}
	if cfg.Gateway.QueryRPS <= 0 {
		cfg.Gateway.QueryRPS = 10
	}
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 30
	}
	if cfg.Orders.Subject == "" {
		cfg.Orders.Subject = "Banana subscription"
	}
	if cfg.Reconciler.IntervalSeconds <= 0 {
		cfg.Reconciler.IntervalSeconds = 30
	}
	if cfg.Reconciler.AwaitTimeoutSeconds <= 0 {
		cfg.Reconciler.AwaitTimeoutSeconds = 120
	}
	if cfg.Reconciler.BatchSize <= 0 {
		cfg.Reconciler.BatchSize = 50
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = 180
	}
	if cfg.Fulfillment.Workers <= 0 {
		cfg.Fulfillment.Workers = 2
	}
	if cfg.Fulfillment.QueueSize <= 0 {
		cfg.Fulfillment.QueueSize = 256
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitCommaList(v)
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("GATEWAY_APP_ID"); v != "" {
		cfg.Gateway.AppID = v
	}
	if v := os.Getenv("GATEWAY_SANDBOX"); v != "" {
		cfg.Gateway.Sandbox = boolOr(cfg.Gateway.Sandbox, v)
	}
	if v := os.Getenv("GATEWAY_ENDPOINT"); v != "" {
		cfg.Gateway.Endpoint = v
	}
	if v := os.Getenv("GATEWAY_PRIVATE_KEY"); v != "" {
		cfg.Gateway.PrivateKey = v
	}
	if v := os.Getenv("GATEWAY_PRIVATE_KEY_FILE"); v != "" {
		cfg.Gateway.PrivateKeyFile = v
	}
	if v := os.Getenv("GATEWAY_PUBLIC_KEY"); v != "" {
		cfg.Gateway.PublicKey = v
	}
	if v := os.Getenv("GATEWAY_PUBLIC_KEY_FILE"); v != "" {
		cfg.Gateway.PublicKeyFile = v
	}
	if v := os.Getenv("GATEWAY_NOTIFY_URL"); v != "" {
		cfg.Gateway.NotifyURL = v
	}
	if v := os.Getenv("GATEWAY_RETURN_URL"); v != "" {
		cfg.Gateway.ReturnURL = v
	}
	if v := os.Getenv("GATEWAY_MAX_ATTEMPTS"); v != "" {
		cfg.Gateway.MaxAttempts = atoiOr(cfg.Gateway.MaxAttempts, v)
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("RECONCILER_INTERVAL_SECONDS"); v != "" {
		cfg.Reconciler.IntervalSeconds = atoi64Or(cfg.Reconciler.IntervalSeconds, v)
	}
	if v := os.Getenv("RECONCILER_AWAIT_TIMEOUT_SECONDS"); v != "" {
		cfg.Reconciler.AwaitTimeoutSeconds = atoi64Or(cfg.Reconciler.AwaitTimeoutSeconds, v)
	}
	if v := os.Getenv("AUDIT_RETENTION_DAYS"); v != "" {
		cfg.Audit.RetentionDays = atoiOr(cfg.Audit.RetentionDays, v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// GatewayEndpoint is the explicit override if set, else the endpoint for the
// configured environment.
func (c *Config) GatewayEndpoint() string {
	if c.Gateway.Endpoint != "" {
		return c.Gateway.Endpoint
	}
	if c.Gateway.Sandbox {
		return SandboxEndpoint
	}
	return ProductionEndpoint
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func (c *Config) OrderTTL() time.Duration {
	return time.Duration(c.Orders.TTLMinutes) * time.Minute
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

func (c *Config) AwaitTimeout() time.Duration {
	return time.Duration(c.Reconciler.AwaitTimeoutSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// Keys loads the merchant private key and the gateway public key.
func (c *Config) Keys() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privRaw, err := inlineOrFile(c.Gateway.PrivateKey, c.Gateway.PrivateKeyFile)
	if err != nil {
		return nil, nil, err
	}
	priv, err := signature.ParsePrivateKey(privRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: merchant private key: %v", ErrConfiguration, err)
	}

	pubRaw, err := inlineOrFile(c.Gateway.PublicKey, c.Gateway.PublicKeyFile)
	if err != nil {
		return nil, nil, err
	}
	pub, err := signature.ParsePublicKey(pubRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: gateway public key: %v", ErrConfiguration, err)
	}
	return priv, pub, nil
}

func inlineOrFile(inline, path string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read key file: %v", ErrConfiguration, err)
	}
	return string(data), nil
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
