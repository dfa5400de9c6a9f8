// Package proxyconfig loads the proxy's YAML configuration file: listen
// addresses, CA options, static upstream agents, and middleware toggles.
package proxyconfig

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/keyzf/vanessa/internal/config"
)

// Config is the root of the proxy's YAML configuration.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	AdminAddr  string         `yaml:"admin_addr"`
	CA         CAConfig       `yaml:"ca"`
	Upstream   UpstreamConfig `yaml:"upstream"`
	BlockHosts []string       `yaml:"block_hosts"`
	AdminACME  ACMEConfig     `yaml:"admin_acme"`

	// MaxTunnelBytes caps the in-flight copy-buffer budget across all
	// CONNECT tunnels. Zero disables the limit.
	MaxTunnelBytes int `yaml:"max_tunnel_bytes"`

	// StreamIDMode selects the CONNECT tunnel correlation ID generator:
	// "uuid" (default) or "cuid".
	StreamIDMode string `yaml:"stream_id_mode"`
}

// ACMEConfig configures Let's Encrypt certificate provisioning for the
// admin surface, for deployments that expose it beyond loopback. Left
// empty, the admin listener serves plain HTTP.
type ACMEConfig struct {
	Hosts    []string `yaml:"hosts"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
	HTTPAddr string   `yaml:"http_addr"`
}

// CAConfig configures the default certificate authority.
type CAConfig struct {
	Organization string `yaml:"organization"`
	LeafTTLHours int    `yaml:"leaf_ttl_hours"`
}

// UpstreamConfig is the static upstream agent configuration, consulted when
// no PAC script or a PAC script returning nothing actionable applies.
type UpstreamConfig struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
	SOCKS string `yaml:"socks"`
	PACFile string `yaml:"pac_file"`
}

// Load reads and parses the YAML configuration file at path, then applies
// environment variable overrides (VANESSA_LISTEN_ADDR, VANESSA_ADMIN_ADDR,
// VANESSA_MAX_TUNNEL_BYTES) on top of whatever the file set, so a deployment
// can override a handful of fields without templating the YAML file itself.
func Load(path string) (Config, error) {
	var cfg Config
	if err := config.LoadYAML(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("proxyconfig: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:8081"
	}

	cfg.ListenAddr = config.GetStringEnv("VANESSA_LISTEN_ADDR", cfg.ListenAddr)
	cfg.AdminAddr = config.GetStringEnv("VANESSA_ADMIN_ADDR", cfg.AdminAddr)
	cfg.MaxTunnelBytes = config.GetIntEnv("VANESSA_MAX_TUNNEL_BYTES", cfg.MaxTunnelBytes)
	return cfg, nil
}

// ParsedHTTP parses Upstream.HTTP as a URL, returning nil if unset.
func (c Config) ParsedHTTP() (*url.URL, error) { return parseOptional(c.Upstream.HTTP) }

// ParsedHTTPS parses Upstream.HTTPS as a URL, returning nil if unset.
func (c Config) ParsedHTTPS() (*url.URL, error) { return parseOptional(c.Upstream.HTTPS) }

// ParsedSOCKS parses Upstream.SOCKS as a URL, returning nil if unset.
func (c Config) ParsedSOCKS() (*url.URL, error) { return parseOptional(c.Upstream.SOCKS) }

func parseOptional(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxyconfig: parsing %q: %w", raw, err)
	}
	return u, nil
}
