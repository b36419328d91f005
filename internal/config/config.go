// Package config loads the gateway's configuration entirely from
// environment variables; there is no configuration file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// Config is the gateway's top-level configuration, assembled from
// GATEWAY_* and OPENAI_* environment variables.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Cache    CacheConfig
	Batch    BatchConfig
	Provider ProviderConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// AuthConfig controls API key validation and the shared rate policy
// applied to every key.
type AuthConfig struct {
	APIKeys []string
	Policy  gateway.RatePolicy
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

// BatchConfig controls micro-batch assembly.
type BatchConfig struct {
	Enabled      bool
	MaxBatchSize int
	MaxWait      time.Duration
}

// ProviderConfig controls the optional OpenAI-compatible backend. When
// APIKey is empty, no such backend is configured and the gateway falls
// back to a pair of named mock backends, matching the original gateway's
// "no real provider configured" behavior.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Load reads Config from the environment, applying the same defaults the
// gateway has always shipped with.
func Load() Config {
	return Config{
		Server: ServerConfig{
			Addr:            getString("GATEWAY_ADDR", ":8080"),
			ReadTimeout:     getSeconds("GATEWAY_READ_TIMEOUT_SECS", 30),
			WriteTimeout:    getSeconds("GATEWAY_WRITE_TIMEOUT_SECS", 30),
			ShutdownTimeout: getSeconds("GATEWAY_SHUTDOWN_TIMEOUT_SECS", 10),
		},
		Auth: AuthConfig{
			APIKeys: getAPIKeys("GATEWAY_API_KEYS", "dev-key"),
			Policy: gateway.RatePolicy{
				RequestsPerMinute: getInt("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", 120),
				TokensPerMinute:   getInt("GATEWAY_LIMIT_TOKENS_PER_MINUTE", 120_000),
				TokensPerDay:      getInt("GATEWAY_LIMIT_TOKENS_PER_DAY", 2_000_000),
			},
		},
		Cache: CacheConfig{
			TTL:     getSeconds("GATEWAY_CACHE_TTL_SECS", 90),
			MaxSize: getInt("GATEWAY_CACHE_MAX_SIZE", 10_000),
		},
		Batch: BatchConfig{
			Enabled:      getBool("GATEWAY_BATCH_ENABLED", true),
			MaxBatchSize: getInt("GATEWAY_BATCH_MAX_SIZE", 8),
			MaxWait:      getMillis("GATEWAY_BATCH_MAX_WAIT_MS", 10),
		},
		Provider: ProviderConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: getString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Timeout: getSeconds("OPENAI_TIMEOUT_SECS", 60),
		},
	}
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return v != "0" && !strings.EqualFold(v, "false")
}

func getSeconds(name string, defSeconds int) time.Duration {
	return time.Duration(getInt(name, defSeconds)) * time.Second
}

func getMillis(name string, defMillis int) time.Duration {
	return time.Duration(getInt(name, defMillis)) * time.Millisecond
}

func getAPIKeys(name, def string) []string {
	raw := getString(name, def)
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			keys = append(keys, part)
		}
	}
	if len(keys) == 0 {
		keys = []string{"dev-key"}
	}
	return keys
}
