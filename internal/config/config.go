// Package config loads the process configuration from the environment once at
// startup. Components receive the resulting struct by reference instead of
// reading environment variables or keeping package-level flags themselves.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is built once in main and passed by reference into each component.
type Config struct {
	Addr    string
	DSN     string
	Debug   bool
	Version string

	// External security log mirrored alongside the database event log.
	SecurityLogPath string

	// Cookie / transport hygiene.
	CookieName     string
	CookieDomain   string
	CookieSecure   bool
	EnforceHTTPS   bool
	TrustedProxies []*net.IPNet

	// Session lifecycle.
	SessionIdleTimeout     time.Duration
	SessionAbsoluteTimeout time.Duration
	PendingTwoFactorWindow time.Duration
	SessionRegenerateEvery time.Duration
	BindIPPrefix           bool

	// Field encryption keyring: key id -> 32-byte master key. ActiveKeyID
	// selects the key used for new writes; the rest remain readable.
	Keyring     map[string][]byte
	ActiveKeyID string

	// HMAC secret anchoring the security event hash chain.
	ChainSecret string

	// Service API tokens (HS256).
	TokenSecret string
	TokenIssuer string

	// Admin actions outside [AdminHoursStart, AdminHoursEnd) raise alerts.
	AdminHoursStart int
	AdminHoursEnd   int

	// Captcha escalation.
	CaptchaAfter     int
	CaptchaTTL       time.Duration
	CaptchaMaxMisses int

	// Probability that a request opportunistically sweeps expired rows.
	SweepProbability float64
}

// Load reads configuration from WORKDESK_* environment variables,
// applying defaults suitable for development.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:                   envString("WORKDESK_ADDR", ":8080"),
		DSN:                    os.Getenv("WORKDESK_PG_DSN"),
		Debug:                  envBool("WORKDESK_DEBUG", false),
		SecurityLogPath:        envString("WORKDESK_SECURITY_LOG", "security_events.log"),
		CookieName:             envString("WORKDESK_COOKIE_NAME", "workdesk_session"),
		CookieDomain:           os.Getenv("WORKDESK_COOKIE_DOMAIN"),
		CookieSecure:           envBool("WORKDESK_COOKIE_SECURE", true),
		EnforceHTTPS:           envBool("WORKDESK_ENFORCE_HTTPS", false),
		SessionIdleTimeout:     envDuration("WORKDESK_SESSION_IDLE", 8*time.Hour),
		SessionAbsoluteTimeout: envDuration("WORKDESK_SESSION_ABSOLUTE", 7*24*time.Hour),
		PendingTwoFactorWindow: envDuration("WORKDESK_PENDING_2FA_WINDOW", 300*time.Second),
		SessionRegenerateEvery: envDuration("WORKDESK_SESSION_REGENERATE", 15*time.Minute),
		BindIPPrefix:           envBool("WORKDESK_BIND_IP_PREFIX", true),
		ActiveKeyID:            os.Getenv("WORKDESK_ENC_ACTIVE_KEY"),
		ChainSecret:            os.Getenv("WORKDESK_CHAIN_SECRET"),
		TokenSecret:            os.Getenv("WORKDESK_TOKEN_SECRET"),
		TokenIssuer:            envString("WORKDESK_TOKEN_ISSUER", "workdesk"),
		AdminHoursStart:        envInt("WORKDESK_ADMIN_HOURS_START", 7),
		AdminHoursEnd:          envInt("WORKDESK_ADMIN_HOURS_END", 22),
		CaptchaAfter:           envInt("WORKDESK_CAPTCHA_AFTER", 3),
		CaptchaTTL:             envDuration("WORKDESK_CAPTCHA_TTL", 5*time.Minute),
		CaptchaMaxMisses:       envInt("WORKDESK_CAPTCHA_MAX_MISSES", 3),
		SweepProbability:       envFloat("WORKDESK_SWEEP_PROBABILITY", 0.01),
	}

	keyring, err := parseKeyring(os.Getenv("WORKDESK_ENC_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.Keyring = keyring
	if cfg.ActiveKeyID == "" && len(keyring) == 1 {
		for id := range keyring {
			cfg.ActiveKeyID = id
		}
	}
	if cfg.ActiveKeyID != "" {
		if _, ok := keyring[cfg.ActiveKeyID]; !ok {
			return nil, fmt.Errorf("config: active key %q not present in WORKDESK_ENC_KEYS", cfg.ActiveKeyID)
		}
	}

	proxies, err := parseCIDRList(os.Getenv("WORKDESK_TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	if cfg.AdminHoursStart < 0 || cfg.AdminHoursStart > 23 || cfg.AdminHoursEnd < 0 || cfg.AdminHoursEnd > 24 {
		return nil, fmt.Errorf("config: admin hours window %d-%d out of range", cfg.AdminHoursStart, cfg.AdminHoursEnd)
	}
	return cfg, nil
}

// parseKeyring parses "id1:base64key,id2:base64key". Keys must decode to 32 bytes.
func parseKeyring(raw string) (map[string][]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	keyring := make(map[string][]byte)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, encoded, ok := strings.Cut(part, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("config: malformed keyring entry %q", part)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("config: decode key %q: %w", id, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("config: key %q must be 32 bytes, got %d", id, len(key))
		}
		keyring[id] = key
	}
	return keyring, nil
}

func parseCIDRList(raw string) ([]*net.IPNet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var nets []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("config: trusted proxy %q: %w", part, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func envFloat(name string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return parsed
}
