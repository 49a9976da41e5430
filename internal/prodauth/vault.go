package prodauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

const defaultSecretField = "client_secret"

// SecretResolver looks up a secret by reference.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// VaultSecretResolver reads client secrets from a KV v2 engine.
// References have the form "path#field"; the field defaults to client_secret.
type VaultSecretResolver struct {
	kv     *vaultapi.KVv2
	mount  string
	logger *zap.Logger
}

func NewVaultSecretResolver(cfg VaultConfig, logger *zap.Logger) (*VaultSecretResolver, error) {
	if !cfg.Enabled() {
		return nil, errors.New("vault address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiCfg := vaultapi.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", apiCfg.Error)
	}
	apiCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = defaultVaultMount
	}

	return &VaultSecretResolver{
		kv:     client.KVv2(mount),
		mount:  mount,
		logger: logger,
	}, nil
}

func (r *VaultSecretResolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	path, field := splitSecretRef(ref)
	if path == "" {
		return "", fmt.Errorf("vault reference %q has no path", ref)
	}

	secret, err := r.kv.Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read vault secret %s/%s: %w", r.mount, path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %s/%s is empty", r.mount, path)
	}

	value, ok := secret.Data[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("vault secret %s/%s has no field %q", r.mount, path, field)
	}

	r.logger.Debug("resolved client secret from vault",
		zap.String("mount", r.mount),
		zap.String("path", path),
		zap.String("field", field),
	)
	return value, nil
}

func splitSecretRef(ref string) (path, field string) {
	path, field, _ = strings.Cut(strings.TrimSpace(ref), "#")
	path = strings.Trim(path, "/")
	if field == "" {
		field = defaultSecretField
	}
	return path, field
}
