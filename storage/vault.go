package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/attestation-service/interfaces"
)

// VaultStore keeps reference values in a HashiCorp Vault KV v2 mount.
type VaultStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStore creates a Vault store. An empty token falls back to VAULT_TOKEN.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path within the mount (e.g. "rvps")
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

func (b *VaultStore) secretPath(name string) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/data/%s", b.mountPath, nameKey(name))
	}
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, nameKey(name))
}

func (b *VaultStore) Get(ctx context.Context, name string) (*interfaces.ReferenceValue, error) {
	path := b.secretPath(name)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, unavailable("read", b.Name(), err)
	}

	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	// KV v2 nests the payload under "data"; soft-deleted versions have nil data
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, nil
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: content key not found in Vault data at %s", interfaces.ErrReferenceStoreUnavailable, path)
	}

	return decodeReferenceValue(name, []byte(content))
}

func (b *VaultStore) Set(ctx context.Context, rv interfaces.ReferenceValue) error {
	encoded, err := encodeReferenceValue(rv)
	if err != nil {
		return err
	}

	path := b.secretPath(rv.Name)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"name":    rv.Name,
			"content": string(encoded),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return unavailable("write", b.Name(), err)
	}

	b.log.Debug("Stored reference value in Vault", slog.String("name", rv.Name))
	return nil
}

// Delete soft-deletes the latest version; Get treats it as absent.
func (b *VaultStore) Delete(ctx context.Context, name string) error {
	path := b.secretPath(name)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		b.log.Error("Failed to delete from Vault",
			slog.String("path", path),
			"err", err)
		return unavailable("delete", b.Name(), err)
	}
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

func (b *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}
