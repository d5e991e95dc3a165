package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Chain describes one supported EVM network.
type Chain struct {
	ChainID           string `toml:"ChainID"`
	Name              string `toml:"Name"`
	RPCURL            string `toml:"RPCURL"`
	ExplorerURL       string `toml:"ExplorerURL"`
	ExplorerAPIKeyEnv string `toml:"ExplorerAPIKeyEnv"`
}

// Config captures runtime configuration for the settlement service. Secrets
// are referenced by environment variable name so the file itself can be
// checked in.
type Config struct {
	ListenAddress          string  `toml:"ListenAddress"`
	Environment            string  `toml:"Environment"`
	DatabaseDSN            string  `toml:"DatabaseDSN"`
	RateAPIBaseURL         string  `toml:"RateAPIBaseURL"`
	RateTTL                string  `toml:"RateTTL"`
	CandidatePollTimeout   string  `toml:"CandidatePollTimeout"`
	OperatorKeyEnv         string  `toml:"OperatorKeyEnv"`
	DisbursementWorkers    int     `toml:"DisbursementWorkers"`
	DisbursementQueueDepth int     `toml:"DisbursementQueueDepth"`
	EventsWebhookURL       string  `toml:"EventsWebhookURL"`
	Chains                 []Chain `toml:"Chains"`
}

const (
	defaultListen         = ":8080"
	defaultRateAPIBaseURL = "https://api.coingecko.com/api/v3"
	defaultRateTTL        = time.Minute
	defaultPollTimeout    = 5 * time.Second
	defaultWorkers        = 4
	defaultQueueDepth     = 64
)

// Load reads the configuration file at path and applies defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListen
	}
	if strings.TrimSpace(c.RateAPIBaseURL) == "" {
		c.RateAPIBaseURL = defaultRateAPIBaseURL
	}
	if c.DisbursementWorkers <= 0 {
		c.DisbursementWorkers = defaultWorkers
	}
	if c.DisbursementQueueDepth <= 0 {
		c.DisbursementQueueDepth = defaultQueueDepth
	}
}

// Validate checks the configuration for missing required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("DatabaseDSN is required")
	}
	if strings.TrimSpace(c.OperatorKeyEnv) == "" {
		return fmt.Errorf("OperatorKeyEnv is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one [[Chains]] entry is required")
	}
	seen := make(map[string]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		id := strings.TrimSpace(chain.ChainID)
		if id == "" {
			return fmt.Errorf("Chains[%d]: ChainID is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("Chains[%d]: duplicate ChainID %s", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return fmt.Errorf("Chains[%d]: RPCURL is required", i)
		}
	}
	return nil
}

// RateCacheTTL parses the configured rate cache TTL, falling back to the
// default when unset or malformed.
func (c *Config) RateCacheTTL() time.Duration {
	return parseDurationDefault(c.RateTTL, defaultRateTTL)
}

// PollTimeout parses the per-candidate balance poll timeout.
func (c *Config) PollTimeout() time.Duration {
	return parseDurationDefault(c.CandidatePollTimeout, defaultPollTimeout)
}

// OperatorKeyHex resolves the operator signing key material from the
// configured environment variable.
func (c *Config) OperatorKeyHex() (string, error) {
	raw := strings.TrimSpace(os.Getenv(c.OperatorKeyEnv))
	if raw == "" {
		return "", fmt.Errorf("%s is not set", c.OperatorKeyEnv)
	}
	return raw, nil
}

// ExplorerAPIKey resolves the block explorer API key for a chain entry.
// An empty env var name means the explorer is keyless.
func (ch Chain) ExplorerAPIKey() string {
	if strings.TrimSpace(ch.ExplorerAPIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(ch.ExplorerAPIKeyEnv))
}

func parseDurationDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
