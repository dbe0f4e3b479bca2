package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWSAddr            = ":8090"
	defaultMetricsAddr       = ":9092"
	defaultRedisURL          = "redis://localhost:6379"
	defaultNATSURL           = "nats://localhost:4222"
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 120 * time.Second
	defaultMaxChannelsPerSub = 10
	defaultMaxMessageBytes   = 256 << 10

	envWSAddr            = "GATEWAY_WS_ADDR"
	envMetricsAddr       = "GATEWAY_METRICS_ADDR"
	envRedisURL          = "REDIS_URL"
	envNATSURL           = "NATS_URL"
	envWebhookURL        = "PLATFORM_WEBHOOK_URL"
	envWebhookSecret     = "PLATFORM_WEBHOOK_SECRET"
	envHeartbeatInterval = "HEARTBEAT_INTERVAL"
	envHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	envConfigPath        = "GATEWAY_CONFIG_PATH"
)

// Config holds runtime configuration for the decision gateway.
type Config struct {
	WSAddr            string
	MetricsAddr       string
	RedisURL          string
	NatsURL           string
	WebhookURL        string
	WebhookSecret     string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxChannelsPerSub int
	MaxMessageBytes   int64
	TriggerPhrases    []string
}

// DefaultTriggerPhrases are the context-save intents matched against
// ingested text when no overlay file overrides them.
var DefaultTriggerPhrases = []string{
	"remember this",
	"save that",
	"don't forget",
	"save this",
	"keep this in mind",
	"note this down",
}

// Load returns configuration from environment variables with sane
// defaults, then applies the optional YAML overlay file.
func Load() *Config {
	cfg := &Config{
		WSAddr:            envOr(envWSAddr, defaultWSAddr),
		MetricsAddr:       envOr(envMetricsAddr, defaultMetricsAddr),
		RedisURL:          envOr(envRedisURL, defaultRedisURL),
		NatsURL:           envOr(envNATSURL, defaultNATSURL),
		WebhookURL:        strings.TrimSpace(os.Getenv(envWebhookURL)),
		WebhookSecret:     strings.TrimSpace(os.Getenv(envWebhookSecret)),
		HeartbeatInterval: durationEnv(envHeartbeatInterval, defaultHeartbeatInterval),
		HeartbeatTimeout:  durationEnv(envHeartbeatTimeout, defaultHeartbeatTimeout),
		MaxChannelsPerSub: defaultMaxChannelsPerSub,
		MaxMessageBytes:   defaultMaxMessageBytes,
		TriggerPhrases:    append([]string(nil), DefaultTriggerPhrases...),
	}
	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if overlay, err := LoadOverlay(path); err == nil && overlay != nil {
			overlay.apply(cfg)
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// durationEnv accepts ParseDuration values (e.g. 30s) or bare seconds.
func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
