package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Web server
	WebBind string

	// Auth
	JWTSecret string

	// Database
	DatabasePath string

	// Discord (messaging backend)
	DiscordToken string
	// SpaceChannelID is the channel all conversation sub-threads live in.
	SpaceChannelID string

	// Account-based network (EVM)
	EVMChainID int64
	EVMRPCURL  string

	// Contract-address network (Tron)
	TronChainID int64
	TronRPCURL  string
	TronAPIKey  string

	// Broadcast / backend call timeout
	CallTimeout time.Duration

	// Relay markers
	FlushMarker string
	EndMarker   string

	LogLevel string
}

func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		WebBind:        getEnvDefault("WEB_BIND", "0.0.0.0:8080"),
		JWTSecret:      getEnvDefault("JWT_SECRET", ""),
		DatabasePath:   getEnvDefault("DATABASE_PATH", "data/contextswap.db"),
		DiscordToken:   os.Getenv("DISCORD_TOKEN"),
		SpaceChannelID: os.Getenv("SPACE_CHANNEL_ID"),
		EVMRPCURL:      os.Getenv("EVM_RPC_URL"),
		TronRPCURL:     os.Getenv("TRON_RPC_URL"),
		TronAPIKey:     os.Getenv("TRON_API_KEY"),
		FlushMarker:    getEnvDefault("RELAY_FLUSH_MARKER", ""),
		EndMarker:      getEnvDefault("SESSION_END_MARKER", ""),
		LogLevel:       getEnvDefault("LOG_LEVEL", "info"),
	}

	var err error
	// Conflux eSpace testnet by default.
	if cfg.EVMChainID, err = getEnvInt64("EVM_CHAIN_ID", 71); err != nil {
		return nil, err
	}
	// Tron Shasta's JSON-RPC chain id by default.
	if cfg.TronChainID, err = getEnvInt64("TRON_CHAIN_ID", 2494104990); err != nil {
		return nil, err
	}
	timeoutSeconds, err := getEnvInt64("CALL_TIMEOUT_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	cfg.CallTimeout = time.Duration(timeoutSeconds) * time.Second

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if cfg.SpaceChannelID == "" {
		return nil, fmt.Errorf("SPACE_CHANNEL_ID is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EVMRPCURL == "" && cfg.TronRPCURL == "" {
		return nil, fmt.Errorf("at least one of EVM_RPC_URL and TRON_RPC_URL is required")
	}

	return cfg, nil
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}
