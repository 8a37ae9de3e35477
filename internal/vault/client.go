package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"breakretest-bot/config"
	"breakretest-bot/internal/broker"
)

// Client wraps the HashiCorp Vault client for broker credential
// storage. With Vault disabled it degrades to an in-memory store so
// development against the paper broker needs no Vault at all.
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        map[string]*broker.Credentials // broker name -> credentials
	cacheEnabled bool
}

var _ broker.CredentialSource = (*Client)(nil)

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*broker.Credentials),
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
		cache:        make(map[string]*broker.Credentials),
		cacheEnabled: true,
	}, nil
}

func (c *Client) secretPath(brokerName string) string {
	return fmt.Sprintf("%s/data/brokers/%s", c.config.MountPath, brokerName)
}

// StoreBrokerCredentials writes credentials for a broker into Vault.
func (c *Client) StoreBrokerCredentials(ctx context.Context, brokerName string, creds broker.Credentials) error {
	if !c.config.Enabled {
		// local cache only (for development/testing)
		c.mu.Lock()
		c.cache[brokerName] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"client_id":     creds.ClientID,
			"client_secret": creds.ClientSecret,
			"access_token":  creds.AccessToken,
			"refresh_token": creds.RefreshToken,
			"account_id":    creds.AccountID,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(brokerName), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[brokerName] = &creds
		c.mu.Unlock()
	}
	return nil
}

// BrokerCredentials fetches credentials for a broker, cache first.
func (c *Client) BrokerCredentials(brokerName string) (*broker.Credentials, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[brokerName]; ok {
			c.mu.RUnlock()
			cp := *cached
			return &cp, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("no credentials for broker %q and vault is disabled", brokerName)
	}

	secret, err := c.client.Logical().Read(c.secretPath(brokerName))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for broker %q", brokerName)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format for broker %q", brokerName)
	}

	creds := &broker.Credentials{
		ClientID:     stringField(data, "client_id"),
		ClientSecret: stringField(data, "client_secret"),
		AccessToken:  stringField(data, "access_token"),
		RefreshToken: stringField(data, "refresh_token"),
		AccountID:    stringField(data, "account_id"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[brokerName] = creds
		c.mu.Unlock()
	}
	cp := *creds
	return &cp, nil
}

// InvalidateCache drops cached credentials, forcing the next read to
// hit Vault. Used after token rotation.
func (c *Client) InvalidateCache(brokerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, brokerName)
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
