package catalog

import (
	"strings"
	"time"

	"github.com/tapline-io/tapline/internal/config"
)

const (
	defaultBaseURL           = "https://www.thecocktaildb.com/api/json/v1/1"
	defaultLookupTimeout     = 10 * time.Second
	defaultRequestsPerSecond = 5
	defaultLookupConcurrency = 4
)

// Config holds lookup client configuration with defaults that respect the
// public catalog service's rate limits.
type Config struct {
	BaseURL           string        // Lookup service base URL (no trailing slash)
	LookupTimeout     time.Duration // Per-request timeout; expiry counts as a lookup failure
	RequestsPerSecond int           // Sustained request rate against the lookup service
	LookupConcurrency int           // Maximum in-flight lookups per run
}

// LoadConfig loads catalog lookup configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		BaseURL:           strings.TrimRight(config.GetEnvStr("CATALOG_BASE_URL", defaultBaseURL), "/"),
		LookupTimeout:     config.GetEnvDuration("CATALOG_LOOKUP_TIMEOUT", defaultLookupTimeout),
		RequestsPerSecond: config.GetEnvInt("CATALOG_REQUESTS_PER_SECOND", defaultRequestsPerSecond),
		LookupConcurrency: config.GetEnvInt("CATALOG_LOOKUP_CONCURRENCY", defaultLookupConcurrency),
	}
}

// Validate checks if the catalog configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrBaseURLEmpty
	}

	return nil
}
