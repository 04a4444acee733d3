package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Dispatch holds the engine tunables. Everything is read from the
// environment with conservative defaults so a bare process is safe against
// provider anti-abuse heuristics out of the box.
type Dispatch struct {
	BatchSize         int           // contacts per batch
	BatchPause        time.Duration // pause between batches
	PollInterval      time.Duration // dispatcher cycle cadence
	ReapInterval      time.Duration // recovery reaper cadence
	ProcessingTimeout time.Duration // in-flight claim older than this is stuck
	ReapSlack         int           // tolerated in-flight vs active-task gap
	MaxConcurrent     int           // concurrency limiter capacity
	DrainTimeout      time.Duration // bounded wait for in-flight sends on shutdown
	GatewayRate       float64       // sends per second cap at the gateway
}

type Config struct {
	HTTPAddr string
	RedisURL string
	AMQPURL  string
	Dispatch Dispatch
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		AMQPURL:  os.Getenv("AMQP_URL"), // empty means mock gateway
		Dispatch: Dispatch{
			BatchSize:         getEnvInt("DISPATCH_BATCH_SIZE", 20),
			BatchPause:        getEnvDuration("DISPATCH_BATCH_PAUSE", 60*time.Minute),
			PollInterval:      getEnvDuration("DISPATCH_POLL_INTERVAL", 10*time.Second),
			ReapInterval:      getEnvDuration("DISPATCH_REAP_INTERVAL", 60*time.Second),
			ProcessingTimeout: getEnvDuration("DISPATCH_PROCESSING_TIMEOUT", 5*time.Minute),
			ReapSlack:         getEnvInt("DISPATCH_REAP_SLACK", 5),
			MaxConcurrent:     getEnvInt("DISPATCH_MAX_CONCURRENT", 50),
			DrainTimeout:      getEnvDuration("DISPATCH_DRAIN_TIMEOUT", 45*time.Second),
			GatewayRate:       getEnvFloat("GATEWAY_RATE_PER_SEC", 10),
		},
	}

	if cfg.Dispatch.BatchSize < 1 {
		return cfg, fmt.Errorf("DISPATCH_BATCH_SIZE must be >= 1, got %d", cfg.Dispatch.BatchSize)
	}
	if cfg.Dispatch.MaxConcurrent < 1 {
		return cfg, fmt.Errorf("DISPATCH_MAX_CONCURRENT must be >= 1, got %d", cfg.Dispatch.MaxConcurrent)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
