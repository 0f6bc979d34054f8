package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del market maker.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Drizzle DrizzleConfig `yaml:"drizzle"`
	Expiry  ExpiryConfig  `yaml:"expiry"`
	Storage StorageConfig `yaml:"storage"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig controla el pricing y las fees.
type EngineConfig struct {
	MinProb           float64 `yaml:"min_prob"` // banda de probabilidad admitida
	MaxProb           float64 `yaml:"max_prob"`
	FeeRate           float64 `yaml:"fee_rate"`            // fee de taker sobre p·(1−p)·shares
	CreatorShare      float64 `yaml:"creator_share"`       // fracción de la fee que va al creador
	LiquidityShare    float64 `yaml:"liquidity_share"`     // fracción que vuelve al pool
	FeesDisabled      bool    `yaml:"fees_disabled"`       // fuerza fee cero
	PlatformUserID    string  `yaml:"platform_user_id"`    // cuenta que cobra la fee de plataforma
	ThinMarketBettors int     `yaml:"thin_market_bettors"` // debajo de esto el mercado es "delgado"
	MaxRetries        int     `yaml:"max_retries"`
}

// DrizzleConfig controla el ciclo de subsidio.
type DrizzleConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds"`
	Workers         int     `yaml:"workers"`
	PerSecond       float64 `yaml:"per_second"` // 0 = sin tope
}

// ExpiryConfig controla el ciclo de vencimiento de órdenes límite.
type ExpiryConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // sqlite | postgres
	DSN      string `yaml:"dsn"`    // ruta SQLite, ":memory:", o DSN de Postgres
	MaxConns int    `yaml:"max_conns"`
}

// LockConfig habilita el lock distribuido en Redis. Addr vacío = sólo el
// lock de la base de datos.
type LockConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TLS           bool   `yaml:"tls"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
	WaitMillis    int    `yaml:"wait_millis"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// DrizzleInterval devuelve el intervalo del drizzle como time.Duration.
func (c *Config) DrizzleInterval() time.Duration {
	return time.Duration(c.Drizzle.IntervalSeconds) * time.Second
}

// ExpiryInterval devuelve el intervalo del vencimiento de órdenes.
func (c *Config) ExpiryInterval() time.Duration {
	return time.Duration(c.Expiry.IntervalSeconds) * time.Second
}

// LockTTL devuelve el TTL del lock distribuido.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// LockWait devuelve cuánto se espera por un lock distribuido tomado.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Lock.WaitMillis) * time.Millisecond
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Lock.RedisPassword = v
	}
	if v := os.Getenv("FEE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.FeeRate = f
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.MinProb <= 0 {
		cfg.Engine.MinProb = 0.01
	}
	if cfg.Engine.MaxProb <= 0 {
		cfg.Engine.MaxProb = 0.99
	}
	if cfg.Engine.FeesDisabled {
		cfg.Engine.FeeRate = 0
	}
	if cfg.Engine.FeeRate <= 0 && !cfg.Engine.FeesDisabled {
		cfg.Engine.FeeRate = 0.07
	}
	if cfg.Engine.CreatorShare <= 0 && !cfg.Engine.FeesDisabled {
		cfg.Engine.CreatorShare = 0.5
	}
	if cfg.Engine.PlatformUserID == "" {
		cfg.Engine.PlatformUserID = "platform"
	}
	if cfg.Engine.ThinMarketBettors <= 0 {
		cfg.Engine.ThinMarketBettors = 50
	}
	if cfg.Engine.MaxRetries <= 0 {
		cfg.Engine.MaxRetries = 3
	}
	if cfg.Drizzle.IntervalSeconds <= 0 {
		cfg.Drizzle.IntervalSeconds = 420
	}
	if cfg.Drizzle.Workers <= 0 {
		cfg.Drizzle.Workers = 4
	}
	if cfg.Expiry.IntervalSeconds <= 0 {
		cfg.Expiry.IntervalSeconds = 60
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "marketmaker.db"
	}
	if cfg.Storage.MaxConns <= 0 {
		cfg.Storage.MaxConns = 10
	}
	if cfg.Lock.TTLSeconds <= 0 {
		cfg.Lock.TTLSeconds = 30
	}
	if cfg.Lock.WaitMillis <= 0 {
		cfg.Lock.WaitMillis = 2000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Engine.MinProb >= c.Engine.MaxProb || c.Engine.MaxProb >= 1 {
		return fmt.Errorf("engine: invalid probability band [%g, %g]", c.Engine.MinProb, c.Engine.MaxProb)
	}
	if c.Engine.CreatorShare+c.Engine.LiquidityShare > 1 {
		return fmt.Errorf("engine: creator_share + liquidity_share > 1")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	return nil
}
