package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port           int
	NatsURL        string
	NatsToken      string
	DatabaseURL    string
	LogLevel       string
	BaseURL        string
	SessionCookie  string
	UserAgent      string
	ArchiveDir     string
	WebhookURL     string
	FetchTimeoutMS int
	ReadyTimeoutMS int
	ItemDelayMS    int
}

func Load() Config {
	return Config{
		Port:           envInt("ARCHIVIST_PORT", 8760),
		NatsURL:        envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:      envStr("NATS_TOKEN", ""),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		LogLevel:       envStr("LOG_LEVEL", "info"),
		BaseURL:        envStr("ARCHIVIST_BASE_URL", "https://chatgpt.com"),
		SessionCookie:  envStr("ARCHIVIST_SESSION_COOKIE", ""),
		UserAgent:      envStr("ARCHIVIST_USER_AGENT", "archivist/1.0"),
		ArchiveDir:     envStr("ARCHIVIST_DIR", "./archive"),
		WebhookURL:     envStr("ARCHIVIST_WEBHOOK_URL", ""),
		FetchTimeoutMS: envInt("ARCHIVIST_FETCH_TIMEOUT_MS", 30000),
		ReadyTimeoutMS: envInt("ARCHIVIST_READY_TIMEOUT_MS", 20000),
		ItemDelayMS:    envInt("ARCHIVIST_ITEM_DELAY_MS", 1500),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
