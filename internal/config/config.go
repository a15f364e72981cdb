package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                          string
	DatabaseURL                   string
	DailySummonCap                int
	SummonCooldown                time.Duration
	SummonWindow                  time.Duration
	RateLimitPerMinute            int
	RateLimitBurst                int
	FingerprintRateLimitPerMinute int
	FingerprintRateLimitBurst     int
	PollInterval                  time.Duration
	BatchSize                     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                          port,
		DatabaseURL:                   os.Getenv("DB_DSN"),
		DailySummonCap:                readInt("SUMMON_DAILY_CAP", 3),
		SummonCooldown:                readDurationSeconds("SUMMON_COOLDOWN_SECONDS", 1200),
		SummonWindow:                  readDurationSeconds("SUMMON_WINDOW_SECONDS", 86400),
		RateLimitPerMinute:            readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:                readInt("RATE_LIMIT_BURST", 30),
		FingerprintRateLimitPerMinute: readInt("FINGERPRINT_RATE_LIMIT_PER_MIN", 30),
		FingerprintRateLimitBurst:     readInt("FINGERPRINT_RATE_LIMIT_BURST", 10),
		PollInterval:                  readDurationSeconds("EVENT_POLL_INTERVAL_SECONDS", 1),
		BatchSize:                     readInt("EVENT_BATCH_SIZE", 100),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
