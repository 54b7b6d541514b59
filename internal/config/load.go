package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Environment variables that override file settings.
const (
	EnvPort         = "PORT"
	EnvHostAddress  = "MATERIALIZE_HOST_ADDRESS"
	EnvUser         = "MATERIALIZE_AUTH_OPTIONS_USER"
	EnvPassword     = "MATERIALIZE_AUTH_OPTIONS_PASSWORD"
	EnvLogLevel     = "LOG_LEVEL"
	EnvUpstreamType = "MATERIALIZE_DRIVER"
)

// LoadConfig reads the HCL file at path (if any), applies environment
// overrides and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	return finish(cfg, os.LookupEnv)
}

// Parse decodes HCL source held in memory. filename is used for diagnostics
// and must end in .hcl.
func Parse(filename string, src []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if err := hclsimple.Decode(filename, src, nil, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, err)
	}
	return finish(cfg, lookup)
}

func finish(cfg *Config, lookup func(string) (string, bool)) (*Config, error) {
	if lookup != nil {
		cfg.ApplyEnv(lookup)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file settings with any environment variables present.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c.Upstream == nil {
		c.Upstream = &UpstreamConfig{}
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		if strings.Contains(v, ":") {
			c.ListenAddress = v
		} else {
			c.ListenAddress = ":" + v
		}
	}
	if v, ok := lookup(EnvHostAddress); ok && v != "" {
		c.Upstream.Host = v
	}
	if v, ok := lookup(EnvUser); ok && v != "" {
		c.Upstream.User = v
	}
	if v, ok := lookup(EnvPassword); ok && v != "" {
		c.Upstream.Password = v
	}
	if v, ok := lookup(EnvUpstreamType); ok && v != "" {
		c.Upstream.Driver = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}
