package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"northstar/cmd/account"
	"northstar/cmd/internal/api"
	"northstar/cmd/internal/feed"
	"northstar/cmd/internal/router"
)

// Config contains all runtime configuration. Values come from defaults, an
// optional YAML file, then environment variables, later sources winning.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless a DB is configured and reachable.
	ReadinessRequireDB bool

	RedisAddr     string
	RedisUser     string
	RedisPassword string
	RedisDB       int
	RedisStream   string

	// Slot clock: slot n starts at SlotGenesis + n*SlotDuration.
	SlotDuration time.Duration
	SlotGenesis  time.Time

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	Router router.Config
	API    api.Config
	WS     feed.GatewayConfig
}

// fileConfig is the YAML overlay. Zero values leave the default in place.
type fileConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	DatabaseURL string `yaml:"database_url"`
	DBSchema    string `yaml:"db_schema"`
	DBMaxConns  int32  `yaml:"db_max_conns"`

	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisStream string `yaml:"redis_stream"`

	SlotDuration time.Duration `yaml:"slot_duration"`
	SlotGenesis  time.Time     `yaml:"slot_genesis"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	Router router.Config `yaml:"router"`

	API struct {
		ClockSkew time.Duration `yaml:"clock_skew"`
		DevFaucet bool          `yaml:"dev_faucet"`
		RateRPS   float64       `yaml:"rate_rps"`
		RateBurst int           `yaml:"rate_burst"`
	} `yaml:"api"`

	WS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxReplay      int      `yaml:"max_replay"`
	} `yaml:"ws"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBSchema:   "northstar",
		DBMaxConns: 10,

		RedisStream: feed.DefaultRedisStream,

		SlotDuration: 400 * time.Millisecond,
		SlotGenesis:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),

		CORSMaxAgeSeconds: 600,

		Router: router.DefaultConfig(),
		API:    api.DefaultConfig(),
		WS:     feed.DefaultGatewayConfig(),
	}
}

// LoadConfig builds Config from defaults, the YAML file at path (or
// NORTHSTAR_CONFIG_FILE when path is empty) and environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = EnvString("NORTHSTAR_CONFIG_FILE", "")
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	fc := fileConfig{Router: cfg.Router}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.DBSchema, fc.DBSchema)
	if fc.DBMaxConns > 0 {
		cfg.DBMaxConns = fc.DBMaxConns
	}
	setString(&cfg.RedisAddr, fc.RedisAddr)
	if fc.RedisDB > 0 {
		cfg.RedisDB = fc.RedisDB
	}
	setString(&cfg.RedisStream, fc.RedisStream)
	if fc.SlotDuration > 0 {
		cfg.SlotDuration = fc.SlotDuration
	}
	if !fc.SlotGenesis.IsZero() {
		cfg.SlotGenesis = fc.SlotGenesis.UTC()
	}
	if len(fc.CORSAllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = fc.CORSAllowedOrigins
	}

	cfg.Router = fc.Router

	if fc.API.ClockSkew > 0 {
		cfg.API.ClockSkew = fc.API.ClockSkew
	}
	cfg.API.DevFaucet = cfg.API.DevFaucet || fc.API.DevFaucet
	if fc.API.RateRPS > 0 {
		cfg.API.RateRPS = fc.API.RateRPS
	}
	if fc.API.RateBurst > 0 {
		cfg.API.RateBurst = fc.API.RateBurst
	}
	if len(fc.WS.AllowedOrigins) > 0 {
		cfg.WS.AllowedOrigins = fc.WS.AllowedOrigins
	}
	if fc.WS.MaxReplay > 0 {
		cfg.WS.MaxReplay = fc.WS.MaxReplay
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("NORTHSTAR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("NORTHSTAR_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("NORTHSTAR_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("NORTHSTAR_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("NORTHSTAR_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("NORTHSTAR_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("NORTHSTAR_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("NORTHSTAR_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("NORTHSTAR_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("NORTHSTAR_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("NORTHSTAR_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("NORTHSTAR_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.ReadinessRequireDB = EnvBool("NORTHSTAR_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.RedisAddr = EnvString("NORTHSTAR_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisUser = EnvString("NORTHSTAR_REDIS_USER", cfg.RedisUser)
	cfg.RedisPassword = EnvString("NORTHSTAR_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = EnvInt("NORTHSTAR_REDIS_DB", cfg.RedisDB)
	cfg.RedisStream = EnvString("NORTHSTAR_REDIS_STREAM", cfg.RedisStream)

	cfg.SlotDuration = EnvDuration("NORTHSTAR_SLOT_DURATION", cfg.SlotDuration)
	cfg.SlotGenesis = EnvTime("NORTHSTAR_SLOT_GENESIS", cfg.SlotGenesis)

	cfg.CORSAllowedOrigins = EnvCSV("NORTHSTAR_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("NORTHSTAR_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("NORTHSTAR_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	if raw := EnvString("NORTHSTAR_PROGRAM_ID", ""); raw != "" {
		if id, err := account.Parse(raw); err == nil {
			cfg.Router.ProgramID = id
		}
	}
	cfg.Router.Rent.LamportsPerByteYear = EnvUint64("NORTHSTAR_RENT_LAMPORTS_PER_BYTE_YEAR", cfg.Router.Rent.LamportsPerByteYear)
	cfg.Router.Rent.ExemptionYears = EnvUint64("NORTHSTAR_RENT_EXEMPTION_YEARS", cfg.Router.Rent.ExemptionYears)

	cfg.API.MaxBodyBytes = EnvInt64("NORTHSTAR_API_MAX_BODY_BYTES", cfg.API.MaxBodyBytes)
	cfg.API.ClockSkew = EnvDuration("NORTHSTAR_API_CLOCK_SKEW", cfg.API.ClockSkew)
	cfg.API.DevFaucet = EnvBool("NORTHSTAR_DEV_FAUCET", cfg.API.DevFaucet)
	cfg.API.RateRPS = EnvFloat("NORTHSTAR_API_RATE_RPS", cfg.API.RateRPS)
	cfg.API.RateBurst = EnvInt("NORTHSTAR_API_RATE_BURST", cfg.API.RateBurst)
	cfg.API.TrustProxy = EnvBool("NORTHSTAR_API_TRUST_PROXY", cfg.API.TrustProxy)

	cfg.WS.DevInsecure = EnvBool("NORTHSTAR_WS_DEV_INSECURE", cfg.WS.DevInsecure)
	cfg.WS.OriginRequired = EnvBool("NORTHSTAR_WS_ORIGIN_REQUIRED", cfg.WS.OriginRequired)
	cfg.WS.AllowedOrigins = EnvCSV("NORTHSTAR_WS_ALLOWED_ORIGINS", cfg.WS.AllowedOrigins)
	cfg.WS.WriteTimeout = EnvDuration("NORTHSTAR_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout)
	cfg.WS.ReadIdleTimeout = EnvDuration("NORTHSTAR_WS_READ_IDLE_TIMEOUT", cfg.WS.ReadIdleTimeout)
	cfg.WS.SendQueueSize = EnvInt("NORTHSTAR_WS_SEND_QUEUE", cfg.WS.SendQueueSize)
	cfg.WS.HeartbeatEvery = EnvDuration("NORTHSTAR_WS_HEARTBEAT_INTERVAL", cfg.WS.HeartbeatEvery)
	cfg.WS.HeartbeatTimeout = EnvDuration("NORTHSTAR_WS_HEARTBEAT_TIMEOUT", cfg.WS.HeartbeatTimeout)
	cfg.WS.RateEvents = EnvInt("NORTHSTAR_WS_RATE_EVENTS", cfg.WS.RateEvents)
	cfg.WS.RateWindow = EnvDuration("NORTHSTAR_WS_RATE_WINDOW", cfg.WS.RateWindow)
	cfg.WS.MaxReplay = EnvInt("NORTHSTAR_WS_MAX_REPLAY", cfg.WS.MaxReplay)
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: empty http addr")
	}
	if c.SlotDuration <= 0 {
		return errors.New("config: slot duration must be positive")
	}
	if err := c.Router.Validate(); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
