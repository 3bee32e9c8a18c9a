// Package hardening refuses to start a production-like gateway with a
// configuration that would leak credentials or payloads: plaintext database
// or Redis transports, wildcard browser origins, or missing admin secrets.
package hardening

import (
	"fmt"
	"strings"
)

// minAdminTokenLen rejects trivially guessable admin tokens in production.
const minAdminTokenLen = 16

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	WSAllowedOrigins      string
	AdminToken            string
	RequiredSecrets       []EnvRequirement
}

// ValidateProduction is a no-op outside prod/staging or when
// STRICT_PROD_SECURITY=false. Otherwise any weak setting is a startup error.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateBrowserOrigins(o.CORSAllowedOrigins, "CORS_ALLOWED_ORIGINS", service); err != nil {
		return err
	}
	if strings.TrimSpace(o.WSAllowedOrigins) != "" {
		if err := validateBrowserOrigins(o.WSAllowedOrigins, "WS_ALLOWED_ORIGINS", service); err != nil {
			return err
		}
	}
	token := strings.TrimSpace(o.AdminToken)
	if token == "" {
		return fmt.Errorf("%s: strict production hardening requires ADMIN_TOKEN", service)
	}
	if len(token) < minAdminTokenLen {
		return fmt.Errorf("%s: strict production hardening requires ADMIN_TOKEN of at least %d characters", service, minAdminTokenLen)
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateBrowserOrigins(raw, envName, service string) error {
	origins := strings.Split(raw, ",")
	validCount := 0
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids wildcard origin in %s", service, envName)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost origin %q in %s", service, o, envName)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS origin in %s, got %q", service, envName, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit %s", service, envName)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
