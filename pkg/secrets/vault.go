// Copyright 2026 fanjia1024
// HashiCorp Vault secret store (KV v2)

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string // Vault server address (e.g., http://vault:8200)
	Token      string
	PathPrefix string // KV v2 mount (e.g., "secret")
}

type vaultStore struct {
	client *vault.Client
	mount  string
}

// NewVaultStore 创建 Vault secret store，并通过 health 接口确认连通
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	mount := "secret"
	if config.PathPrefix != "" {
		mount = strings.Trim(config.PathPrefix, "/")
	}
	return &vaultStore{client: client, mount: mount}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.dataPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: vault %s", ErrSecretNotFound, key)
	}

	data, _ := secret.Data["data"].(map[string]interface{})
	if data == nil {
		data = secret.Data
	}
	if val, ok := data["value"].(string); ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: vault %s has no value field", ErrSecretNotFound, key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{"value": value},
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.dataPath(key), payload); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.metadataPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := v.client.Logical().ListWithContext(ctx, v.metadataPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var result []string
	for _, k := range keys {
		if str, ok := k.(string); ok {
			if prefix != "" {
				str = strings.TrimSuffix(prefix, "/") + "/" + str
			}
			result = append(result, str)
		}
	}
	return result, nil
}

func (v *vaultStore) dataPath(key string) string {
	return fmt.Sprintf("%s/data/%s", v.mount, key)
}

func (v *vaultStore) metadataPath(key string) string {
	return fmt.Sprintf("%s/metadata/%s", v.mount, key)
}
