package keypool

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
)

// Escrow keeps a write-through copy of live key material outside the store.
// Escrowed copies follow the record lifecycle: written on generation,
// deleted the moment the record's material is blanked.
type Escrow interface {
	Put(ctx context.Context, id interfaces.KeyID, material []byte) error
	Delete(ctx context.Context, id interfaces.KeyID) error
}

// VaultEscrow stores material in HashiCorp Vault KV v2, one secret per key
// identifier.
type VaultEscrow struct {
	client    *vault.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultEscrow creates an escrow client against the given Vault server.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with write access to the mount
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "kme/material")
//   - log: structured logger
func NewVaultEscrow(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultEscrow, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 15 * time.Second}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultEscrow{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

func (e *VaultEscrow) secretPath(id interfaces.KeyID) string {
	return fmt.Sprintf("%s/%s", e.dataPath, id)
}

func (e *VaultEscrow) Put(ctx context.Context, id interfaces.KeyID, material []byte) error {
	_, err := e.client.KVv2(e.mountPath).Put(ctx, e.secretPath(id), map[string]interface{}{
		"material": base64.StdEncoding.EncodeToString(material),
	})
	if err != nil {
		return fmt.Errorf("vault write failed: %w", err)
	}
	e.log.Debug("Escrowed key material", slog.String("keyID", id.String()))
	return nil
}

func (e *VaultEscrow) Delete(ctx context.Context, id interfaces.KeyID) error {
	if err := e.client.KVv2(e.mountPath).DeleteMetadata(ctx, e.secretPath(id)); err != nil {
		return fmt.Errorf("vault delete failed: %w", err)
	}
	return nil
}
