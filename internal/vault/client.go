// Package vault resolves runtime secrets from HashiCorp Vault KV v2, with
// a clean disabled mode so deployments without Vault fall back to env vars.
package vault

import (
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"binance-signal-service/config"
)

// Client wraps the Vault API client. Disabled clients answer every lookup
// with a miss so callers keep their env-provided values.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]map[string]interface{}
}

// NewClient builds the client; with Vault disabled no connection is made.
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "vault").Logger(),
		cache:  make(map[string]map[string]interface{}),
	}
	if !cfg.Enabled {
		c.logger.Debug().Msg("vault disabled, secrets come from env")
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Addr
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client

	health, err := client.Sys().Health()
	if err != nil {
		return nil, fmt.Errorf("vault health check: %w", err)
	}
	c.logger.Info().
		Str("addr", cfg.Addr).
		Bool("sealed", health.Sealed).
		Msg("vault connected")
	return c, nil
}

// Enabled reports whether Vault lookups are active.
func (c *Client) Enabled() bool { return c.cfg.Enabled }

// GetSecret reads one key from a KV v2 path. ok is false when Vault is
// disabled, the path is missing, or the key is absent; callers fall back
// to their env value in every miss case.
func (c *Client) GetSecret(path, key string) (string, bool, error) {
	if !c.cfg.Enabled {
		return "", false, nil
	}

	data, err := c.readPath(path)
	if err != nil {
		return "", false, err
	}
	if data == nil {
		return "", false, nil
	}
	raw, ok := data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("secret %s/%s is not a string", path, key)
	}
	return s, true, nil
}

func (c *Client) readPath(path string) (map[string]interface{}, error) {
	c.mu.RLock()
	if data, ok := c.cache[path]; ok {
		c.mu.RUnlock()
		return data, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	c.mu.Lock()
	c.cache[path] = data
	c.mu.Unlock()
	return data, nil
}
