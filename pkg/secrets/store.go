// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "senseforge/pkg/errors"
)

// ErrSecretNotFound secret 不存在
var ErrSecretNotFound = fmt.Errorf("secret %w", pkgerrors.ErrNotFound)

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string      // env | memory | vault
	Vault    VaultConfig // provider=vault 时使用
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "env", "":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(config.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// Lookup 读取 secret；不存在时返回 fallback，其它错误原样返回
func Lookup(ctx context.Context, s Store, key, fallback string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrSecretNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
