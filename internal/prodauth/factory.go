package prodauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type AuthenticationOptions struct {
	Logger     *zap.Logger
	Metrics    *Metrics
	HTTPClient *http.Client   // token endpoint client; built from token_timeout when nil
	Secrets    SecretResolver // built from the vault section when nil
	Now        func() time.Time
}

// ResolveMode returns the configured strategy, detecting it when auth.mode
// is empty: client credentials win over basic auth, and nothing configured
// means no authentication.
func ResolveMode(cfg *Config) Mode {
	if mode := Mode(strings.ToLower(cfg.Auth.Mode)); mode != "" {
		return mode
	}
	hasBasic := false
	for _, product := range cfg.ProductList() {
		pc, _ := cfg.ProductConfig(product)
		clientID := firstNonEmpty(pc.ClientID, cfg.Auth.ClientID)
		hasSecret := pc.ClientSecret != "" || pc.ClientSecretVault != "" || cfg.Auth.ClientSecret != ""
		if clientID != "" && hasSecret {
			return ModeJWT
		}
		if firstNonEmpty(pc.Username, cfg.Auth.Username) != "" && firstNonEmpty(pc.Password, cfg.Auth.Password) != "" {
			hasBasic = true
		}
	}
	if hasBasic {
		return ModeBasic
	}
	return ModeNone
}

// NewAuthentication builds the strategy selected by cfg.
func NewAuthentication(ctx context.Context, cfg Config, opts AuthenticationOptions) (Authentication, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}

	mode := ResolveMode(&cfg)
	opts.Logger.Info("selecting authentication strategy", zap.String("mode", string(mode)))

	switch mode {
	case ModeJWT:
		secrets, err := secretResolverFor(cfg, opts)
		if err != nil {
			return nil, err
		}
		creds, err := JWTCredentials(ctx, cfg, secrets)
		if err != nil {
			return nil, err
		}

		registry := NewCredentialRegistry()
		for product, cred := range creds {
			if err := registry.AddProduct(product, cred); err != nil {
				return nil, err
			}
		}

		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: cfg.TokenTimeout.Duration}
		}
		cache, err := NewTokenCache(TokenCacheOptions{
			Registry:      registry,
			Transport:     NewHTTPTokenTransport(HTTPTokenTransportOptions{HTTPClient: httpClient}),
			Logger:        opts.Logger.Named("token_cache"),
			Metrics:       opts.Metrics,
			RefreshBuffer: cfg.RefreshBufferDuration(),
			Now:           opts.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("init token cache: %w", err)
		}
		return NewJWTAuthentication(cache), nil

	case ModeBasic:
		return NewBasicAuthentication(BasicCredentials(cfg), opts.Metrics)

	case ModeNone:
		return NoopAuthentication{}, nil

	default:
		return nil, fmt.Errorf("unknown auth mode: %s", mode)
	}
}

// JWTCredentials resolves the client credentials of every configured
// product, applying the auth section fallbacks. Products without any client
// credentials are left out.
func JWTCredentials(ctx context.Context, cfg Config, secrets SecretResolver) (map[Product]Credential, error) {
	creds := make(map[Product]Credential)
	for _, product := range cfg.ProductList() {
		pc, _ := cfg.ProductConfig(product)

		clientID := firstNonEmpty(pc.ClientID, cfg.Auth.ClientID)
		secret := pc.ClientSecret
		if secret == "" && pc.ClientSecretVault != "" {
			if secrets == nil {
				return nil, newConfigError(product, "client_secret_vault", "no secret resolver configured")
			}
			resolved, err := secrets.ResolveSecret(ctx, pc.ClientSecretVault)
			if err != nil {
				return nil, &ConfigurationError{Product: product, Field: "client_secret_vault", Message: "cannot resolve", Cause: err}
			}
			secret = resolved
		}
		secret = firstNonEmpty(secret, cfg.Auth.ClientSecret)

		if clientID == "" && secret == "" {
			continue
		}
		creds[product] = Credential{
			ClientID:     clientID,
			ClientSecret: secret,
			Audience:     firstNonEmpty(pc.Audience, product.DefaultAudience()),
			AuthURL:      firstNonEmpty(pc.AuthURL, cfg.Auth.TokenURL()),
		}
	}
	return creds, nil
}

// BasicCredentials returns the username/password of every configured
// product, falling back to the auth section.
func BasicCredentials(cfg Config) map[Product]BasicCredential {
	creds := make(map[Product]BasicCredential)
	for _, product := range cfg.ProductList() {
		pc, _ := cfg.ProductConfig(product)
		username := firstNonEmpty(pc.Username, cfg.Auth.Username)
		password := firstNonEmpty(pc.Password, cfg.Auth.Password)
		if username == "" && password == "" {
			continue
		}
		creds[product] = BasicCredential{Username: username, Password: password}
	}
	return creds
}

// ApplyConfig pushes the credentials of cfg into a live strategy. Only the
// products whose credentials changed lose their cached tokens.
func ApplyConfig(ctx context.Context, auth Authentication, cfg Config, secrets SecretResolver) error {
	if mode := ResolveMode(&cfg); mode != auth.Mode() {
		return fmt.Errorf("auth mode changed from %s to %s, restart required", auth.Mode(), mode)
	}

	switch a := auth.(type) {
	case *JWTAuthentication:
		creds, err := JWTCredentials(ctx, cfg, secrets)
		if err != nil {
			return err
		}
		for product, cred := range creds {
			if err := cred.Validate(product); err != nil {
				return err
			}
		}
		cache := a.Cache()
		for product, cred := range creds {
			if err := cache.AddProduct(product, cred); err != nil {
				return err
			}
		}
		for _, product := range cache.registry.Products() {
			if _, ok := creds[product]; !ok {
				cache.RemoveProduct(product)
			}
		}
		return nil
	case *BasicAuthentication:
		return a.Replace(BasicCredentials(cfg))
	default:
		return nil
	}
}

func secretResolverFor(cfg Config, opts AuthenticationOptions) (SecretResolver, error) {
	if opts.Secrets != nil {
		return opts.Secrets, nil
	}
	if !cfg.Vault.Enabled() {
		return nil, nil
	}
	resolver, err := NewVaultSecretResolver(cfg.Vault, opts.Logger.Named("vault"))
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	return resolver, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
