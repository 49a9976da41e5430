package prodauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	defaultRefreshBuffer = 30 * time.Second
	defaultVaultMount    = "secret"
	defaultKeycloakRealm = "camunda-platform"
)

// Duration parses from human-friendly strings (e.g., "60s") or numeric seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	var seconds int64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	d.Duration = time.Duration(seconds) * time.Second
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	var text string
	if err := value.Decode(&text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	return errors.New("invalid duration format")
}

type User struct {
	Name  string `json:"name" yaml:"name"`
	Token string `json:"token" yaml:"token"`
}

type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertPath string `json:"cert_path" yaml:"cert_path"`
	KeyPath  string `json:"key_path" yaml:"key_path"`
}

// AuthConfig selects the strategy and carries values shared by all products.
type AuthConfig struct {
	Mode         string `json:"mode" yaml:"mode"` // "jwt", "basic", "none" or empty to detect
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"`
	AuthURL      string `json:"auth_url" yaml:"auth_url"`
	Username     string `json:"username" yaml:"username"`
	Password     string `json:"password" yaml:"password"`

	// Keycloak derives the token endpoint when auth_url is not set.
	Keycloak KeycloakConfig `json:"keycloak" yaml:"keycloak"`
}

type KeycloakConfig struct {
	URL   string `json:"url" yaml:"url"`
	Realm string `json:"realm" yaml:"realm"`
}

// TokenURL returns auth_url, or the OpenID Connect token endpoint of the
// configured Keycloak realm.
func (a AuthConfig) TokenURL() string {
	if a.AuthURL != "" || a.Keycloak.URL == "" {
		return a.AuthURL
	}
	realm := a.Keycloak.Realm
	if realm == "" {
		realm = defaultKeycloakRealm
	}
	return strings.TrimSuffix(a.Keycloak.URL, "/") + "/auth/realms/" + url.PathEscape(realm) + "/protocol/openid-connect/token"
}

type VaultConfig struct {
	Address string `json:"address" yaml:"address"`
	Token   string `json:"token" yaml:"token"`
	Mount   string `json:"mount" yaml:"mount"`
}

func (v VaultConfig) Enabled() bool { return v.Address != "" }

// ProductConfig holds the settings of one product. Empty credential fields
// fall back to the auth section.
type ProductConfig struct {
	BaseURL           string `json:"base_url" yaml:"base_url"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	ClientSecret      string `json:"client_secret" yaml:"client_secret"`
	ClientSecretVault string `json:"client_secret_vault" yaml:"client_secret_vault"` // "path#field" under vault.mount
	Audience          string `json:"audience" yaml:"audience"`
	AuthURL           string `json:"auth_url" yaml:"auth_url"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
}

type Config struct {
	Listen         string                   `json:"listen" yaml:"listen"`
	LogLevel       string                   `json:"log_level" yaml:"log_level"`
	RequestTimeout Duration                 `json:"request_timeout" yaml:"request_timeout"`
	TokenTimeout   Duration                 `json:"token_timeout" yaml:"token_timeout"`
	RefreshBuffer  *Duration                `json:"refresh_buffer" yaml:"refresh_buffer"`
	MetricsPath    string                   `json:"metrics_path" yaml:"metrics_path"`
	WatchConfig    bool                     `json:"watch_config" yaml:"watch_config"`
	Users          []User                   `json:"users" yaml:"users"`
	TLS            TLSConfig                `json:"tls" yaml:"tls"`
	Auth           AuthConfig               `json:"auth" yaml:"auth"`
	Vault          VaultConfig              `json:"vault" yaml:"vault"`
	Products       map[string]ProductConfig `json:"products" yaml:"products"`

	// Path the configuration was loaded from; set by LoadConfig.
	Path string `json:"-" yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Listen:         ":8080",
		LogLevel:       "info",
		RequestTimeout: Duration{Duration: 60 * time.Second},
		TokenTimeout:   Duration{Duration: defaultTokenTimeout},
		RefreshBuffer:  &Duration{Duration: defaultRefreshBuffer},
		MetricsPath:    "/metrics",
		Products:       map[string]ProductConfig{},
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		format := detectFormat(path)
		if err := decodeConfig(format, data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		cfg.Path = path
	}

	ensureDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// RefreshBufferDuration returns how long before expiry tokens are refreshed.
func (c *Config) RefreshBufferDuration() time.Duration {
	if c.RefreshBuffer == nil {
		return defaultRefreshBuffer
	}
	return c.RefreshBuffer.Duration
}

// ProductList returns the configured products in a stable order. Unknown
// names are skipped; Validate reports them.
func (c *Config) ProductList() []Product {
	products := make([]Product, 0, len(c.Products))
	for name := range c.Products {
		p, err := ParseProduct(name)
		if err != nil {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i] < products[j] })
	return products
}

// ProductConfig returns the settings of product.
func (c *Config) ProductConfig(product Product) (ProductConfig, bool) {
	for name, pc := range c.Products {
		if p, err := ParseProduct(name); err == nil && p == product {
			return pc, true
		}
	}
	return ProductConfig{}, false
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return errors.New("tls.cert_path and tls.key_path must both be set when TLS is enabled")
		}
		if _, err := os.Stat(c.TLS.CertPath); err != nil {
			return fmt.Errorf("tls.cert_path: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyPath); err != nil {
			return fmt.Errorf("tls.key_path: %w", err)
		}
	}

	if c.RequestTimeout.Duration <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.TokenTimeout.Duration <= 0 {
		return errors.New("token_timeout must be positive")
	}
	if c.RefreshBufferDuration() < 0 {
		return errors.New("refresh_buffer cannot be negative")
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		return errors.New("metrics_path must start with /")
	}

	if len(c.Users) > 0 {
		seen := make(map[string]string, len(c.Users))
		for _, user := range c.Users {
			if user.Name == "" {
				return errors.New("user name cannot be empty")
			}
			if user.Token == "" {
				return fmt.Errorf("user %s: token cannot be empty", user.Name)
			}
			if len(user.Token) < 16 {
				return fmt.Errorf("user %s: token too short (minimum 16 characters)", user.Name)
			}
			if existingUser, exists := seen[user.Token]; exists {
				return fmt.Errorf("duplicate token for users %s and %s", existingUser, user.Name)
			}
			seen[user.Token] = user.Name
		}
	}

	switch Mode(strings.ToLower(c.Auth.Mode)) {
	case "", ModeJWT, ModeBasic, ModeNone:
	default:
		return fmt.Errorf("unknown auth mode: %s", c.Auth.Mode)
	}
	if c.Auth.Keycloak.URL != "" {
		if err := validateHTTPURL(c.Auth.Keycloak.URL); err != nil {
			return fmt.Errorf("auth.keycloak.url: %w", err)
		}
	}

	seen := make(map[Product]string, len(c.Products))
	for name, pc := range c.Products {
		product, err := ParseProduct(name)
		if err != nil {
			return err
		}
		if other, dup := seen[product]; dup {
			return fmt.Errorf("product %s configured twice (%q and %q)", product, other, name)
		}
		seen[product] = name

		if pc.BaseURL != "" {
			if err := validateHTTPURL(pc.BaseURL); err != nil {
				return fmt.Errorf("product %s: base_url: %w", product, err)
			}
		}
		if pc.ClientSecretVault != "" && !c.Vault.Enabled() {
			return fmt.Errorf("product %s: client_secret_vault requires vault.address", product)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

func detectFormat(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return "json"
	case ".yml", ".yaml":
		return "yaml"
	default:
		return "yaml" // prefer YAML when ambiguous
	}
}

func decodeConfig(format string, data []byte, cfg *Config) error {
	switch format {
	case "json":
		return json.Unmarshal(data, cfg)
	case "yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

func ensureDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = defaults.Listen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.TokenTimeout.Duration == 0 {
		cfg.TokenTimeout = defaults.TokenTimeout
	}
	if cfg.RefreshBuffer == nil {
		cfg.RefreshBuffer = defaults.RefreshBuffer
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaults.MetricsPath
	}
	if cfg.Vault.Enabled() && cfg.Vault.Mount == "" {
		cfg.Vault.Mount = defaultVaultMount
	}
	if cfg.Products == nil {
		cfg.Products = map[string]ProductConfig{}
	}
}
