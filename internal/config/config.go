package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults for tunables that are usually left alone.
const (
	DefaultRegion                = "us-east-1"
	DefaultTokenRefreshThreshold = 600 * time.Second
	DefaultMaxRetries            = 3
	DefaultBaseRetryDelay        = 1 * time.Second
	DefaultModelCacheTTL         = 3600 * time.Second
	DefaultMaxInputTokens        = 200000
	DefaultToolDescriptionMax    = 10000
	DefaultRequestTimeout        = 300 * time.Second
	DefaultConnectTimeout        = 10 * time.Second
	DefaultRefreshTimeout        = 15 * time.Second
	DefaultFakeReasoningTokens   = 4000
)

// Config carries all environment-driven settings for the gateway.
// The .env file (if any) is expected to be loaded by the process
// supervisor before the binary starts; only the environment is read here.
type Config struct {
	// Edge auth
	ProxyAPIKey string

	// Kiro credentials. AccessToken is optional; when set without an
	// expiry it is trusted until the upstream rejects it.
	AccessToken  string
	RefreshToken string
	ProfileARN   string
	Region       string
	CredsFile    string

	// Token lifecycle
	TokenRefreshThreshold time.Duration

	// Retry policy
	MaxRetries     int
	BaseRetryDelay time.Duration

	// Upstream timeouts
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	RefreshTimeout time.Duration

	// Model catalog
	ModelCacheTTL         time.Duration
	DefaultMaxInputTokens int

	// Request transformation
	ToolDescriptionMaxLength int
	FakeReasoningEnabled     bool
	FakeReasoningMaxTokens   int

	// Outbound proxy (http, https or socks5 URL)
	ProxyURL string

	// Debug dumps
	DebugLastRequest bool
	DebugDir         string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads the configuration from the environment, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		ProxyAPIKey:              os.Getenv("PROXY_API_KEY"),
		AccessToken:              os.Getenv("KIRO_ACCESS_TOKEN"),
		RefreshToken:             os.Getenv("REFRESH_TOKEN"),
		ProfileARN:               os.Getenv("PROFILE_ARN"),
		Region:                   envString("KIRO_REGION", DefaultRegion),
		CredsFile:                os.Getenv("KIRO_CREDS_FILE"),
		TokenRefreshThreshold:    envSeconds("TOKEN_REFRESH_THRESHOLD", DefaultTokenRefreshThreshold),
		MaxRetries:               envInt("MAX_RETRIES", DefaultMaxRetries),
		BaseRetryDelay:           envSecondsFloat("BASE_RETRY_DELAY", DefaultBaseRetryDelay),
		RequestTimeout:           envSeconds("REQUEST_TIMEOUT", DefaultRequestTimeout),
		ConnectTimeout:           DefaultConnectTimeout,
		RefreshTimeout:           DefaultRefreshTimeout,
		ModelCacheTTL:            envSeconds("MODEL_CACHE_TTL", DefaultModelCacheTTL),
		DefaultMaxInputTokens:    envInt("DEFAULT_MAX_INPUT_TOKENS", DefaultMaxInputTokens),
		ToolDescriptionMaxLength: envInt("TOOL_DESCRIPTION_MAX_LENGTH", DefaultToolDescriptionMax),
		FakeReasoningEnabled:     envBool("FAKE_REASONING_ENABLED", false),
		FakeReasoningMaxTokens:   envInt("FAKE_REASONING_MAX_TOKENS", DefaultFakeReasoningTokens),
		ProxyURL:                 os.Getenv("PROXY_URL"),
		DebugLastRequest:         envBool("DEBUG_LAST_REQUEST", false),
		DebugDir:                 envString("DEBUG_DIR", "debug"),
		LogLevel:                 envString("LOG_LEVEL", "info"),
		LogFile:                  os.Getenv("LOG_FILE"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
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

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// envSecondsFloat reads a fractional number of seconds (e.g. "0.5").
func envSecondsFloat(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}
