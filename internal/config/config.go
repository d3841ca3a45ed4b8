package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                int
	DBPath              string
	MasterSecret        string
	CLIToken            string
	GinMode             string
	TLSCertFile         string
	TLSKeyFile          string
	TokenExpiry         time.Duration
	MessagePageMax      int
	RPCTimeout          time.Duration
	TerminalsPerSocket  int
	TerminalsPerSession int
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                3010,
		DBPath:              "agenthub.db",
		GinMode:             "release",
		TokenExpiry:         7 * 24 * time.Hour,
		MessagePageMax:      200,
		RPCTimeout:          10 * time.Second,
		TerminalsPerSocket:  4,
		TerminalsPerSession: 4,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	cfg.CLIToken = env.Getenv("CLI_API_TOKEN")
	if cfg.CLIToken == "" {
		return Config{}, fmt.Errorf("CLI_API_TOKEN is required")
	}

	if raw := env.Getenv("DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("MESSAGE_PAGE_MAX"); raw != "" {
		max, err := strconv.Atoi(raw)
		if err != nil || max <= 0 {
			return Config{}, fmt.Errorf("invalid MESSAGE_PAGE_MAX")
		}
		cfg.MessagePageMax = max
	}

	if raw := env.Getenv("RPC_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid RPC_TIMEOUT_SECONDS")
		}
		cfg.RPCTimeout = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}
