package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	// UserID overrides the persisted identity when set.
	UserID       string
	IdentityFile string
	Store        string

	Port            string
	Environment     string
	AllowedOrigins  []string
	JWTSecret       string
	ControlPassword string

	LogLevel     string
	PionLogLevel string

	Redis   RedisConfig
	ICE     ICEConfig
	Session SessionConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Prefix   string
	KeyTTL   time.Duration
}

type ICEConfig struct {
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	// Mode is "trickle" or "vanilla".
	Mode string
}

type SessionConfig struct {
	SignalPacing     time.Duration
	HandshakeTimeout time.Duration
	SearchInterval   time.Duration
	// StatusRefresh renews the user's status before REDIS_KEY_TTL expires it.
	StatusRefresh time.Duration
}

// Options carries CLI flag overrides. Empty fields fall through to the
// environment, then to defaults.
type Options struct {
	UserID       string
	IdentityFile string
	Store        string
	Port         string
	RedisHost    string
	RedisPort    string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	ICEMode      string
	LogLevel     string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables
// 3. Defaults
func Load(opts Options) (*Config, error) {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	keyTTL, err := getEnvDuration("REDIS_KEY_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	pacing, err := getEnvDuration("SIGNAL_PACING", 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	handshake, err := getEnvDuration("HANDSHAKE_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, err
	}
	search, err := getEnvDuration("SEARCH_INTERVAL", 3*time.Second)
	if err != nil {
		return nil, err
	}
	refresh, err := getEnvDuration("STATUS_REFRESH", time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		UserID:          pick(opts.UserID, "USER_ID", ""),
		IdentityFile:    pick(opts.IdentityFile, "IDENTITY_FILE", ".matchmaker-id"),
		Store:           strings.ToLower(pick(opts.Store, "STORE", StoreRedis)),
		Port:            pick(opts.Port, "PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:  origins,
		JWTSecret:       getEnv("JWT_SECRET", "change-me-in-production"),
		ControlPassword: getEnv("CONTROL_PASSWORD", ""),
		LogLevel:        pick(opts.LogLevel, "LOG_LEVEL", "info"),
		PionLogLevel:    getEnv("PION_LOG_LEVEL", "error"),
		Redis: RedisConfig{
			Host:     pick(opts.RedisHost, "REDIS_HOST", "localhost"),
			Port:     pick(opts.RedisPort, "REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			Prefix:   getEnv("REDIS_PREFIX", "matchmaker:"),
			KeyTTL:   keyTTL,
		},
		ICE: ICEConfig{
			STUNServer: pick(opts.STUNServer, "STUN_SERVER", "stun:stun.l.google.com:19302"),
			TURNServer: pick(opts.TURNServer, "TURN_SERVER", ""),
			TURNUser:   pick(opts.TURNUser, "TURN_USERNAME", ""),
			TURNPass:   pick(opts.TURNPass, "TURN_PASSWORD", ""),
			Mode:       strings.ToLower(pick(opts.ICEMode, "ICE_MODE", "trickle")),
		},
		Session: SessionConfig{
			SignalPacing:     pacing,
			HandshakeTimeout: handshake,
			SearchInterval:   search,
			StatusRefresh:    refresh,
		},
	}

	switch cfg.Store {
	case StoreRedis, StoreMemory:
	default:
		return nil, fmt.Errorf("config: unknown store %q (want redis or memory)", cfg.Store)
	}
	if cfg.Redis.KeyTTL > 0 && cfg.Session.StatusRefresh >= cfg.Redis.KeyTTL {
		return nil, fmt.Errorf("config: STATUS_REFRESH %s must be shorter than REDIS_KEY_TTL %s",
			cfg.Session.StatusRefresh, cfg.Redis.KeyTTL)
	}
	switch cfg.ICE.Mode {
	case "trickle", "vanilla":
	default:
		return nil, fmt.Errorf("config: unknown ICE mode %q (want trickle or vanilla)", cfg.ICE.Mode)
	}
	return cfg, nil
}

// pick returns the flag value, else the environment value, else the default.
func pick(flag, key, defaultValue string) string {
	if flag != "" {
		return flag
	}
	return getEnv(key, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: negative duration %s", key, value)
	}
	return d, nil
}
