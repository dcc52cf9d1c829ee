package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"trade-execution-core/config"
)

// CredentialData represents the exchange credential material stored in Vault
type CredentialData struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Venue      string `json:"venue"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*CredentialData // userID/venue -> CredentialData
	cacheEnabled bool
}

// NewClient creates a new Vault client. With Vault disabled the client
// operates purely on its in-memory cache, which is how tests and local
// development run.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*CredentialData),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*CredentialData),
		cacheEnabled: true,
	}, nil
}

// StoreCredential stores an exchange credential for a user in Vault
func (c *Client) StoreCredential(ctx context.Context, userID string, data CredentialData) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[c.cacheKey(userID, data.Venue)] = &data
		c.mu.Unlock()
		return nil
	}

	path := c.secretPath(userID, data.Venue)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    data.APIKey,
			"api_secret": data.APISecret,
			"passphrase": data.Passphrase,
			"venue":      data.Venue,
		},
	}

	_, err := c.client.Logical().WriteWithContext(ctx, path, secretData)
	if err != nil {
		return fmt.Errorf("failed to store credential in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[c.cacheKey(userID, data.Venue)] = &data
		c.mu.Unlock()
	}

	return nil
}

// GetCredential retrieves a user's exchange credential from Vault
func (c *Client) GetCredential(ctx context.Context, userID, venue string) (*CredentialData, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[c.cacheKey(userID, venue)]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("credential not found and vault is disabled")
	}

	path := c.secretPath(userID, venue)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credential not found")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	cred := &CredentialData{
		APIKey:     getString(data, "api_key"),
		APISecret:  getString(data, "api_secret"),
		Passphrase: getString(data, "passphrase"),
		Venue:      getString(data, "venue"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[c.cacheKey(userID, venue)] = cred
		c.mu.Unlock()
	}

	return cred, nil
}

// DeleteCredential deletes a user's exchange credential from Vault
func (c *Client) DeleteCredential(ctx context.Context, userID, venue string) error {
	c.mu.Lock()
	delete(c.cache, c.cacheKey(userID, venue))
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	path := c.metadataPath(userID, venue)

	_, err := c.client.Logical().DeleteWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to delete credential from vault: %w", err)
	}

	return nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) secretPath(userID, venue string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, venue)
}

func (c *Client) metadataPath(userID, venue string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, venue)
}

func (c *Client) cacheKey(userID, venue string) string {
	return fmt.Sprintf("%s/%s", userID, venue)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// NewMockClient creates a cache-only client for testing
func NewMockClient() *Client {
	return &Client{
		config: config.VaultConfig{
			Enabled: false,
		},
		cache:        make(map[string]*CredentialData),
		cacheEnabled: true,
	}
}
