package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fit2garmin/gateway/internal/models"
)

// Config holds application configuration
type Config struct {
	DatabaseURL        string
	RedisURL           string
	ArchiveDir         string
	ServerPort         string
	BaseURL            string
	FrontendURL        string
	EnableHSTS         bool
	ServerDebugMode    bool
	OTELEnabled        bool
	OTELEndpoint       string
	CacheTTL           time.Duration
	CacheFreshness     time.Duration
	EndpointPolicyFile string

	// Endpoints is the effective per-endpoint policy table: the built-in
	// defaults merged with any overrides from EndpointPolicyFile.
	Endpoints map[string]models.EndpointConfig
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ArchiveDir:         getEnv("ARCHIVE_DIR", "/var/lib/gateway/archive"),
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		BaseURL:            getEnv("BASE_URL", "http://localhost:8080"),
		FrontendURL:        getEnv("FRONTEND_URL", "http://localhost:3000"),
		EnableHSTS:         getEnvBool("ENABLE_HSTS", false),
		ServerDebugMode:    getEnvBool("SERVER_DEBUG_MODE", false),
		OTELEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTELEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		CacheTTL:           time.Duration(getEnvInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		CacheFreshness:     time.Duration(getEnvInt("CACHE_FRESHNESS_SECONDS", 30)) * time.Second,
		EndpointPolicyFile: getEnv("ENDPOINT_POLICY_FILE", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.CacheFreshness >= cfg.CacheTTL {
		return nil, fmt.Errorf("CACHE_FRESHNESS_SECONDS (%v) must be less than CACHE_TTL_SECONDS (%v)",
			cfg.CacheFreshness, cfg.CacheTTL)
	}

	endpoints, err := loadEndpointPolicies(cfg.EndpointPolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Endpoints = endpoints

	return cfg, nil
}

// endpointPolicyFile is the on-disk shape of ENDPOINT_POLICY_FILE.
type endpointPolicyFile struct {
	Endpoints []models.EndpointConfig `yaml:"endpoints"`
}

// loadEndpointPolicies returns the built-in defaults, overlaid with any
// entries from the policy file. Entries for unknown endpoints are added
// as-is so deployments can rate-limit new routes without a rebuild.
func loadEndpointPolicies(path string) (map[string]models.EndpointConfig, error) {
	endpoints := models.DefaultEndpointConfigs()
	if path == "" {
		return endpoints, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading endpoint policy file: %w", err)
	}

	var policies endpointPolicyFile
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("parsing endpoint policy file %s: %w", path, err)
	}

	for _, p := range policies.Endpoints {
		if p.Endpoint == "" {
			return nil, fmt.Errorf("endpoint policy file %s: entry missing endpoint name", path)
		}
		if p.MaxRequests <= 0 || p.WindowSeconds <= 0 {
			return nil, fmt.Errorf("endpoint policy file %s: endpoint %q needs positive max_requests and window_seconds", path, p.Endpoint)
		}
		endpoints[p.Endpoint] = p
	}

	return endpoints, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
