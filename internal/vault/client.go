package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"strategy-runner/config"
)

// Client wraps the HashiCorp Vault client as a startup-time secret source.
// The runner reads one KV v2 secret holding the database URL; nothing is
// cached or watched afterwards.
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// DatabaseURL reads the database connection URL from the configured KV v2
// path. The secret is expected under the data.database_url field.
func (c *Client) DatabaseURL(ctx context.Context) (string, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.config.SecretPath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found at %s", c.config.SecretPath)
	}

	// KV v2 nests the payload under a "data" key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid secret format at %s", c.config.SecretPath)
	}

	url := getString(data, "database_url")
	if url == "" {
		return "", fmt.Errorf("secret at %s has no database_url", c.config.SecretPath)
	}

	return url, nil
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
