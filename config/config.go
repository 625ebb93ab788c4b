package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// AllowedOrigins для CORS и WS CheckOrigin; пусто: разрешены все
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type GRPC struct {
	Addr string `yaml:"addr"` // пусто: gRPC health не поднимается
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // messenger
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
	ApplySchema       bool          `yaml:"applySchema"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Storage struct {
	Backend string `yaml:"backend"` // memory|postgres
}

// Auth — проверка access-токенов. HS256 по jwtSecret либо RS256 по publicKeyPath.
type Auth struct {
	JWTSecret     string        `yaml:"jwtSecret"`
	PublicKeyPath string        `yaml:"publicKeyPath"`
	Issuer        string        `yaml:"issuer"`   // пусто: issuer не проверяется
	Audience      string        `yaml:"audience"` // пусто: audience не проверяется
	ClockSkew     time.Duration `yaml:"clockSkew"`
}

type Realtime struct {
	TypingTTL        time.Duration `yaml:"typingTTL"`
	TypingSweep      time.Duration `yaml:"typingSweep"`
	SendBuffer       int           `yaml:"sendBuffer"`
	PingEvery        time.Duration `yaml:"pingEvery"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
	MaxContentLength int           `yaml:"maxContentLength"`
	MaxFrameBytes    int64         `yaml:"maxFrameBytes"`
	RateLimitRPS     float64       `yaml:"rateLimitRPS"`
	RateLimitBurst   int           `yaml:"rateLimitBurst"`
	DeliveryTimeout  time.Duration `yaml:"deliveryTimeout"`
}

type NATS struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
	Node    string `yaml:"node"` // имя узла, по умолчанию hostname
}

type Metrics struct {
	Path string `yaml:"path"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	Storage  Storage  `yaml:"storage"`
	Auth     Auth     `yaml:"auth"`
	Realtime Realtime `yaml:"realtime"`
	NATS     NATS     `yaml:"nats"`
	Metrics  Metrics  `yaml:"metrics"`
}

// LoadConfig читает .env (если есть), затем YAML из CONFIG_PATH.
// Значения вида ${VAR} подставляются из окружения.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && c.Auth.PublicKeyPath == "" {
		return errors.New("auth.jwtSecret or auth.publicKeyPath is required")
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = StoragePostgres
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.Backend == StoragePostgres && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled")
	}

	// дефолты
	if c.Logging.Service == "" {
		c.Logging.Service = "messenger"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}

	c.Auth.ClockSkew = durationOr(c.Auth.ClockSkew, 30*time.Second)

	c.HTTP.ReadTimeout = durationOr(c.HTTP.ReadTimeout, 10*time.Second)
	c.HTTP.WriteTimeout = durationOr(c.HTTP.WriteTimeout, 15*time.Second)
	c.HTTP.IdleTimeout = durationOr(c.HTTP.IdleTimeout, 60*time.Second)

	r := &c.Realtime
	r.TypingTTL = durationOr(r.TypingTTL, 3*time.Second)
	r.TypingSweep = durationOr(r.TypingSweep, time.Second)
	r.PingEvery = durationOr(r.PingEvery, 15*time.Second)
	r.WriteTimeout = durationOr(r.WriteTimeout, 5*time.Second)
	r.DeliveryTimeout = durationOr(r.DeliveryTimeout, 2*time.Second)
	if r.SendBuffer <= 0 {
		r.SendBuffer = 64
	}
	if r.MaxContentLength <= 0 {
		r.MaxContentLength = 1000
	}
	if r.MaxFrameBytes <= 0 {
		r.MaxFrameBytes = 64 << 10
	}
	if r.RateLimitRPS <= 0 {
		r.RateLimitRPS = 20
	}
	if r.RateLimitBurst <= 0 {
		r.RateLimitBurst = 40
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.NATS.Node == "" {
		c.NATS.Node, _ = os.Hostname()
	}
	return nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
