package config

import (
	"errors"
	"time"

	"stockwire.com/internal/notify/cascade"
	"stockwire.com/internal/notify/ws"
	"stockwire.com/pkg/ratelimit"
)

// 总配置
type GatewayConfig struct {
	Name      string          `mapstructure:"name" yaml:"name"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	WS        ws.Config       `mapstructure:"ws" yaml:"ws"`
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Breaker   ratelimit.Rule  `mapstructure:"breaker" yaml:"breaker"`
	Trace     TraceConfig     `mapstructure:"trace" yaml:"trace"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Cascade   cascade.Config  `mapstructure:"cascade" yaml:"cascade"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit"`
	Pprof     PprofConfig     `mapstructure:"pprof" yaml:"pprof"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout" yaml:"readTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" yaml:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret" yaml:"jwtSecret"`
	Issuer    string        `mapstructure:"issuer" yaml:"issuer"`
	Audience  string        `mapstructure:"audience" yaml:"audience"`
	Leeway    time.Duration `mapstructure:"leeway" yaml:"leeway"`
}

// BrokerConfig kind: mem | nats
type BrokerConfig struct {
	Kind   string   `mapstructure:"kind" yaml:"kind"`
	URL    string   `mapstructure:"url" yaml:"url"`
	Topic  string   `mapstructure:"topic" yaml:"topic"`
	Topics []string `mapstructure:"topics" yaml:"topics"` // 为空时只订阅 Topic
	Buffer int      `mapstructure:"buffer" yaml:"buffer"`
}

// RedisConfig 为空 Addr 时快照走静态数据
type RedisConfig struct {
	Addr       string `mapstructure:"addr" yaml:"addr"`
	Password   string `mapstructure:"password" yaml:"password"`
	DB         int    `mapstructure:"db" yaml:"db"`
	PoolSize   int    `mapstructure:"poolSize" yaml:"poolSize"`
	MetricsKey string `mapstructure:"metricsKey" yaml:"metricsKey"`
	AlertsKey  string `mapstructure:"alertsKey" yaml:"alertsKey"`
}

type TraceConfig struct {
	Host        string  `mapstructure:"host" yaml:"host"`
	SampleRatio float64 `mapstructure:"sampleRatio" yaml:"sampleRatio"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// IngestConfig 非空 Key 时 POST /api/notify/events 要求 X-Ingest-Key
type IngestConfig struct {
	Key string `mapstructure:"key" yaml:"key"`
}

type RateLimitConfig struct {
	RPS   float64       `mapstructure:"rps" yaml:"rps"`
	Burst int           `mapstructure:"burst" yaml:"burst"`
	TTL   time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type PprofConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default is the configuration used when a field is left empty.
func Default() GatewayConfig {
	return GatewayConfig{
		Name: "notify-gateway",
		HTTP: HTTPConfig{Addr: ":8080", ReadTimeout: 10 * time.Second, ShutdownTimeout: 5 * time.Second},
		WS:   ws.Config{}.WithDefaults(),
		Broker: BrokerConfig{
			Kind:   "mem",
			Topic:  "notify:events",
			Buffer: 4096,
		},
		Log:       LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 20, TTL: 10 * time.Minute},
	}
}

// Normalize fills zero fields from Default and checks what cannot be defaulted.
func (c *GatewayConfig) Normalize() error {
	d := Default()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = d.HTTP.Addr
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = d.HTTP.ReadTimeout
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = d.HTTP.ShutdownTimeout
	}
	c.WS = c.WS.WithDefaults()
	if c.Broker.Kind == "" {
		c.Broker.Kind = d.Broker.Kind
	}
	if c.Broker.Topic == "" {
		c.Broker.Topic = d.Broker.Topic
	}
	if c.Broker.Buffer <= 0 {
		c.Broker.Buffer = d.Broker.Buffer
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = d.RateLimit.RPS
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.TTL <= 0 {
		c.RateLimit.TTL = d.RateLimit.TTL
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwtSecret is required")
	}
	switch c.Broker.Kind {
	case "mem":
	case "nats":
		if c.Broker.URL == "" {
			return errors.New("config: broker.url is required for nats")
		}
	default:
		return errors.New("config: broker.kind must be mem or nats")
	}
	return nil
}
