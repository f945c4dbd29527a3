// Package config handles loading and validation of service configuration.
// Supports both development (env vars, optional .env file) and production
// (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/joho/godotenv"
)

// Defaults applied before file or environment values.
const (
	DefaultPort           = "8080"
	DefaultAPIVersion     = "2025-01"
	DefaultDebounceWindow = 3 * time.Second
	DefaultSnapshotTTL    = 30 * time.Minute
	DefaultGraceDelay     = 2 * time.Second
	DefaultTimeout        = 15 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 250 * time.Millisecond
	DefaultMaxSessions    = 1000
	DefaultCookieName     = "sf_session"
)

// Config holds all service configuration.
// Environment determines whether the access token loads from env vars
// (development) or Secret Manager (production).
type Config struct {
	// Server settings
	Port        string
	Environment string // "development" or "production"
	LogLevel    string // "debug", "info", "warn", "error"

	// GCP settings (required in production)
	GCPProject string
	StoreID    string

	Storefront StorefrontConfig
	Storage    StorageConfig
	Cart       CartConfig
	Continuity ContinuityConfig
	Platform   PlatformConfig
	Sessions   SessionConfig
}

// StorefrontConfig identifies the shop. In production the secret named by
// StoreID holds this object as JSON; fields present there override env values.
type StorefrontConfig struct {
	ShopDomain      string   `json:"shop_domain"`  // xyz.myshopify.com
	StoreDomain     string   `json:"store_domain"` // public storefront host, derived from ShopDomain if empty
	AccessToken     string   `json:"access_token"`
	APIVersion      string   `json:"api_version,omitempty"`
	CheckoutDomains []string `json:"checkout_domains,omitempty"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	Driver        string `json:"driver"` // memory, sqlite, redis
	SQLitePath    string `json:"sqlite_path,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
}

type CartConfig struct {
	DebounceWindow  time.Duration
	MergeDuplicates bool
}

type ContinuityConfig struct {
	SnapshotTTL time.Duration
	GraceDelay  time.Duration
}

type PlatformConfig struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type SessionConfig struct {
	MaxEntries int
	CookieName string
}

// Default returns a Config with every default applied and no shop settings.
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		Environment: "development",
		LogLevel:    "info",
		Storefront:  StorefrontConfig{APIVersion: DefaultAPIVersion},
		Storage:     StorageConfig{Driver: "memory"},
		Cart:        CartConfig{DebounceWindow: DefaultDebounceWindow, MergeDuplicates: true},
		Continuity:  ContinuityConfig{SnapshotTTL: DefaultSnapshotTTL, GraceDelay: DefaultGraceDelay},
		Platform: PlatformConfig{
			Timeout:        DefaultTimeout,
			RetryAttempts:  DefaultRetryAttempts,
			RetryBaseDelay: DefaultRetryBaseDelay,
		},
		Sessions: SessionConfig{MaxEntries: DefaultMaxSessions, CookieName: DefaultCookieName},
	}
}

// Load reads configuration from file, environment, or Secret Manager.
// Priority: CONFIG_FILE (if set) → .env + ENV vars / Secret Manager.
// Validates all required fields and returns an error if any are missing.
func Load(ctx context.Context) (*Config, error) {
	// If CONFIG_FILE is set, load everything from the JSON file
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath)
	}

	// Seed the environment from a .env file outside production.
	// Variables already set in the process win.
	if os.Getenv("ENVIRONMENT") != "production" {
		if err := loadDotEnv(envOrDefault("DOTENV_FILE", ".env")); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		if cfg.StoreID == "" {
			return nil, fmt.Errorf("STORE_ID required in production environment")
		}
		if err := cfg.loadFromSecretManager(ctx); err != nil {
			return nil, fmt.Errorf("loading storefront secret: %w", err)
		}
	}

	cfg.derive()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// fileConfig matches the CONFIG_FILE JSON layout. Durations are Go duration
// strings ("3s", "30m").
type fileConfig struct {
	Port        string           `json:"port"`
	Environment string           `json:"environment"`
	LogLevel    string           `json:"log_level"`
	StoreID     string           `json:"store_id"`
	Storefront  StorefrontConfig `json:"storefront"`
	Storage     StorageConfig    `json:"storage"`
	Cart        struct {
		DebounceWindow  string `json:"debounce_window"`
		MergeDuplicates *bool  `json:"merge_duplicates"`
	} `json:"cart"`
	Continuity struct {
		SnapshotTTL string `json:"snapshot_ttl"`
		GraceDelay  string `json:"grace_delay"`
	} `json:"continuity"`
	Platform struct {
		Timeout        string `json:"timeout"`
		RetryAttempts  int    `json:"retry_attempts"`
		RetryBaseDelay string `json:"retry_base_delay"`
	} `json:"platform"`
	Sessions struct {
		MaxEntries int    `json:"max_entries"`
		CookieName string `json:"cookie_name"`
	} `json:"sessions"`
}

// loadFromFile reads all configuration from a JSON file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := Default()
	cfg.Port = withDefault(fc.Port, cfg.Port)
	cfg.Environment = withDefault(fc.Environment, cfg.Environment)
	cfg.LogLevel = withDefault(fc.LogLevel, cfg.LogLevel)
	cfg.StoreID = fc.StoreID

	cfg.Storefront = fc.Storefront
	cfg.Storefront.APIVersion = withDefault(fc.Storefront.APIVersion, DefaultAPIVersion)
	cfg.Storage = fc.Storage
	cfg.Storage.Driver = withDefault(fc.Storage.Driver, "memory")

	if fc.Cart.MergeDuplicates != nil {
		cfg.Cart.MergeDuplicates = *fc.Cart.MergeDuplicates
	}
	if fc.Platform.RetryAttempts > 0 {
		cfg.Platform.RetryAttempts = fc.Platform.RetryAttempts
	}
	if fc.Sessions.MaxEntries > 0 {
		cfg.Sessions.MaxEntries = fc.Sessions.MaxEntries
	}
	cfg.Sessions.CookieName = withDefault(fc.Sessions.CookieName, cfg.Sessions.CookieName)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cart.debounce_window", fc.Cart.DebounceWindow, &cfg.Cart.DebounceWindow},
		{"continuity.snapshot_ttl", fc.Continuity.SnapshotTTL, &cfg.Continuity.SnapshotTTL},
		{"continuity.grace_delay", fc.Continuity.GraceDelay, &cfg.Continuity.GraceDelay},
		{"platform.timeout", fc.Platform.Timeout, &cfg.Platform.Timeout},
		{"platform.retry_base_delay", fc.Platform.RetryBaseDelay, &cfg.Platform.RetryBaseDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	cfg.derive()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromSecretManager fetches the storefront settings from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{store_id}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, c.StoreID)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	return c.applySecret(result.Payload.Data)
}

// applySecret overlays the secret JSON onto the env-derived storefront settings.
func (c *Config) applySecret(data []byte) error {
	if err := json.Unmarshal(data, &c.Storefront); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	return nil
}

// loadFromEnv reads configuration from individual environment variables.
func (c *Config) loadFromEnv() error {
	c.Port = envOrDefault("PORT", c.Port)
	c.Environment = envOrDefault("ENVIRONMENT", c.Environment)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.GCPProject = os.Getenv("GCP_PROJECT")
	c.StoreID = os.Getenv("STORE_ID")

	c.Storefront.ShopDomain = os.Getenv("SHOPIFY_SHOP_DOMAIN")
	c.Storefront.StoreDomain = os.Getenv("SHOPIFY_STORE_DOMAIN")
	c.Storefront.AccessToken = os.Getenv("SHOPIFY_ACCESS_TOKEN")
	c.Storefront.APIVersion = envOrDefault("SHOPIFY_API_VERSION", c.Storefront.APIVersion)
	c.Storefront.CheckoutDomains = splitList(os.Getenv("CHECKOUT_DOMAINS"))

	c.Storage.Driver = envOrDefault("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.SQLitePath = os.Getenv("SQLITE_PATH")
	c.Storage.RedisAddr = os.Getenv("REDIS_ADDR")
	c.Storage.RedisPassword = os.Getenv("REDIS_PASSWORD")

	var errs []error
	envInt("REDIS_DB", &c.Storage.RedisDB, &errs)
	envDuration("CART_DEBOUNCE_WINDOW", &c.Cart.DebounceWindow, &errs)
	envBool("CART_MERGE_DUPLICATES", &c.Cart.MergeDuplicates, &errs)
	envDuration("CONTINUITY_SNAPSHOT_TTL", &c.Continuity.SnapshotTTL, &errs)
	envDuration("CONTINUITY_GRACE_DELAY", &c.Continuity.GraceDelay, &errs)
	envDuration("PLATFORM_TIMEOUT", &c.Platform.Timeout, &errs)
	envInt("PLATFORM_RETRY_ATTEMPTS", &c.Platform.RetryAttempts, &errs)
	envDuration("PLATFORM_RETRY_BASE_DELAY", &c.Platform.RetryBaseDelay, &errs)
	envInt("SESSION_MAX_ENTRIES", &c.Sessions.MaxEntries, &errs)
	c.Sessions.CookieName = envOrDefault("SESSION_COOKIE", c.Sessions.CookieName)

	return errors.Join(errs...)
}

// derive fills values that follow from others.
func (c *Config) derive() {
	c.Storefront.ShopDomain = extractDomain(c.Storefront.ShopDomain)
	if c.Storefront.StoreDomain == "" {
		c.Storefront.StoreDomain = c.Storefront.ShopDomain
	} else {
		c.Storefront.StoreDomain = extractDomain(c.Storefront.StoreDomain)
	}
}

// validate checks that all required configuration fields are present.
func (c *Config) validate() error {
	if c.Storefront.ShopDomain == "" {
		return fmt.Errorf("shop_domain is required")
	}
	if c.Storefront.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for sqlite storage")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}

	if c.Continuity.SnapshotTTL <= 0 {
		return fmt.Errorf("snapshot_ttl must be positive")
	}
	if c.Cart.DebounceWindow < 0 || c.Continuity.GraceDelay < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// CheckoutHosts lists the hosts the external checkout is served from: the
// shop domain and any configured checkout domains. The storefront domain is
// never included, even when listed in CHECKOUT_DOMAINS: a checkout URL on it
// must be corrected, and a referrer from it is not a return from checkout.
func (c *Config) CheckoutHosts() []string {
	store := strings.ToLower(strings.TrimSpace(c.Storefront.StoreDomain))
	shop := strings.ToLower(strings.TrimSpace(c.Storefront.ShopDomain))
	seen := make(map[string]bool)
	var hosts []string
	add := func(h string) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] || (h == store && h != shop) {
			return
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	add(shop)
	for _, d := range c.Storefront.CheckoutDomains {
		add(d)
	}
	return hosts
}

// extractDomain parses the host from a URL or bare domain string.
func extractDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		// Fallback: strip protocol prefix manually
		domain := strings.TrimPrefix(raw, "https://")
		domain = strings.TrimPrefix(domain, "http://")
		return strings.Split(domain, "/")[0]
	}
	return u.Host
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDuration(key string, dst *time.Duration, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = d
	}
}

func envInt(key string, dst *int, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = n
	}
}

func envBool(key string, dst *bool, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = b
	}
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
