package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level gateway configuration loaded from TOML.
type Config struct {
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
	Session   SessionConfig   `toml:"session"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Pool      PoolConfig      `toml:"pool"`
	Outgoing  OutgoingConfig  `toml:"outgoing"`
	Logging   LoggingConfig   `toml:"logging"`
}

// HTTPAPIConfig holds the REST API listener configuration.
type HTTPAPIConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	AllowedHosts   []string `toml:"allowed_hosts"`
	TLS            bool     `toml:"tls"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
}

// SessionConfig holds token and secret settings.
type SessionConfig struct {
	SecretsDir      string `toml:"secrets_dir"`
	TokenIssuer     string `toml:"token_issuer"`
	AccessTokenTTL  string `toml:"access_token_ttl"`
	RefreshTokenTTL string `toml:"refresh_token_ttl"`
}

// GetAccessTokenTTL parses the access token lifetime.
func (s *SessionConfig) GetAccessTokenTTL() (time.Duration, error) {
	if s.AccessTokenTTL == "" {
		return 15 * time.Minute, nil
	}
	return time.ParseDuration(s.AccessTokenTTL)
}

// GetRefreshTokenTTL parses the refresh token lifetime.
func (s *SessionConfig) GetRefreshTokenTTL() (time.Duration, error) {
	if s.RefreshTokenTTL == "" {
		return 30 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s.RefreshTokenTTL)
}

// DiscoveryConfig holds autodiscovery and sniffing settings.
type DiscoveryConfig struct {
	HTTPTimeout   string `toml:"http_timeout"`
	SniffTimeout  string `toml:"sniff_timeout"`
	AggregatorURL string `toml:"aggregator_url"` // central autoconfig service base URL
}

// GetHTTPTimeout parses the per-strategy HTTP fetch timeout.
func (d *DiscoveryConfig) GetHTTPTimeout() (time.Duration, error) {
	if d.HTTPTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(d.HTTPTimeout)
}

// GetSniffTimeout parses the banner sniff connect+read timeout.
func (d *DiscoveryConfig) GetSniffTimeout() (time.Duration, error) {
	if d.SniffTimeout == "" {
		return 20 * time.Second, nil
	}
	return time.ParseDuration(d.SniffTimeout)
}

// PoolConfig holds live-connection pool settings.
type PoolConfig struct {
	SessionTTL    string `toml:"session_ttl"`
	SweepInterval string `toml:"sweep_interval"`
}

// GetSessionTTL parses the pooled connection lifetime. A zero value
// means "align with the access token TTL"; the caller applies that.
func (p *PoolConfig) GetSessionTTL() (time.Duration, error) {
	if p.SessionTTL == "" {
		return 0, nil
	}
	return time.ParseDuration(p.SessionTTL)
}

// GetSweepInterval parses the eviction sweeper interval.
func (p *PoolConfig) GetSweepInterval() (time.Duration, error) {
	if p.SweepInterval == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(p.SweepInterval)
}

// OutgoingConfig holds settings for outbound submission connections.
type OutgoingConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
}

// GetConnectTimeout parses the outbound connect timeout.
func (o *OutgoingConfig) GetConnectTimeout() (time.Duration, error) {
	if o.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(o.ConnectTimeout)
}

// LoggingConfig holds logging output configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // stdout, stderr, syslog, or a file path
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`  // debug, info, warn, error
}

// NewDefaultConfig returns a configuration with application defaults.
func NewDefaultConfig() Config {
	return Config{
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8980",
		},
		Session: SessionConfig{
			SecretsDir:  "secrets",
			TokenIssuer: "gate",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

// Load reads a TOML configuration file over the defaults. A missing
// file is not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks duration fields and listener settings.
func (c *Config) Validate() error {
	if _, err := c.Session.GetAccessTokenTTL(); err != nil {
		return fmt.Errorf("invalid session.access_token_ttl: %w", err)
	}
	if _, err := c.Session.GetRefreshTokenTTL(); err != nil {
		return fmt.Errorf("invalid session.refresh_token_ttl: %w", err)
	}
	if _, err := c.Discovery.GetHTTPTimeout(); err != nil {
		return fmt.Errorf("invalid discovery.http_timeout: %w", err)
	}
	if _, err := c.Discovery.GetSniffTimeout(); err != nil {
		return fmt.Errorf("invalid discovery.sniff_timeout: %w", err)
	}
	if _, err := c.Pool.GetSessionTTL(); err != nil {
		return fmt.Errorf("invalid pool.session_ttl: %w", err)
	}
	if _, err := c.Pool.GetSweepInterval(); err != nil {
		return fmt.Errorf("invalid pool.sweep_interval: %w", err)
	}
	if _, err := c.Outgoing.GetConnectTimeout(); err != nil {
		return fmt.Errorf("invalid outgoing.connect_timeout: %w", err)
	}
	if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("http_api.tls requires tls_cert_file and tls_key_file")
	}
	return nil
}
