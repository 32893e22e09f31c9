package httpserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/idempotency"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultRequestTimeout = 10 * time.Second
)

// Config aggregates runtime settings for the wallet HTTP facade.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
	// DefaultTenantID is substituted when a request body omits tenant_id.
	// Empty means every request must name its tenant explicitly.
	DefaultTenantID string
	// WalletEnabled gates every wallet route. Disabled deployments keep the
	// process up for health checks but refuse wallet traffic.
	WalletEnabled bool
	// RequireIdempotencyKey switches mutating wallet routes to strict mode:
	// requests without an Idempotency-Key header are rejected.
	RequireIdempotencyKey bool
	IdempotencyRetention  time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.IdempotencyRetention <= 0 {
		cfg.IdempotencyRetention = idempotency.DefaultRetention
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
