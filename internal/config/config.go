package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DriverWebsocket = "websocket"
	DriverPgwire    = "pgwire"

	DefaultListenAddress    = ":8080"
	DefaultBookkeepingTable = "zero.permissions"
	DefaultConnectTimeout   = "10s"
	DefaultFetchTimeout     = "1s"
	DefaultRetryAttempts    = 2
	DefaultRetryInterval    = "500ms"
	DefaultRetryMaxInterval = "5s"
)

// Config is the bridge configuration, read from an HCL file such as bridge.hcl
type Config struct {
	ListenAddress string `hcl:"listen_address,optional"`
	LogLevel      string `hcl:"log_level,optional"`
	JSONLogs      bool   `hcl:"json_logs,optional"`

	Upstream *UpstreamConfig `hcl:"upstream,block"`
	Lock     *LockConfig     `hcl:"lock,block"`
	Retry    *RetryConfig    `hcl:"retry,block"`

	Tables  []TableConfig `hcl:"table,block"`
	Queries []QueryConfig `hcl:"query,block"`
}

// UpstreamConfig describes how to reach the Materialize region
type UpstreamConfig struct {
	Driver         string `hcl:"driver,optional"` // "websocket" or "pgwire"
	Host           string `hcl:"host,optional"`   // host[:port]
	User           string `hcl:"user,optional"`
	Password       string `hcl:"password,optional"`
	Database       string `hcl:"database,optional"`
	Cluster        string `hcl:"cluster,optional"`
	Insecure       bool   `hcl:"insecure,optional"`        // plain ws:// and sslmode=disable
	ConnectTimeout string `hcl:"connect_timeout,optional"` // e.g. "10s"
	FetchTimeout   string `hcl:"fetch_timeout,optional"`   // pgwire cursor FETCH timeout
}

// LockConfig represents the configuration for shard leases
type LockConfig struct {
	Type             string `hcl:"type,optional"`              // "memory" or "azure_blob"
	ConnectionString string `hcl:"connection_string,optional"` // Azure storage connection string
	ContainerName    string `hcl:"container_name,optional"`    // Container holding lock blobs
}

// RetryConfig bounds how a session retries connecting upstream
type RetryConfig struct {
	Attempts    int    `hcl:"attempts,optional"`
	Interval    string `hcl:"interval,optional"`
	MaxInterval string `hcl:"max_interval,optional"`
}

// TableConfig is one subscribed table or view
type TableConfig struct {
	Name        string   `hcl:"name,label"`
	Bootstrap   []string `hcl:"bootstrap,optional"`   // statements issued before introspection
	Bookkeeping bool     `hcl:"bookkeeping,optional"` // must carry data before the first transaction
}

// QueryConfig is a named query served by the transform endpoint
type QueryConfig struct {
	Name   string `hcl:"name,label"`
	Table  string `hcl:"table"`
	Column string `hcl:"column,optional"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upstream == nil {
		c.Upstream = &UpstreamConfig{}
	}
	if c.Upstream.Driver == "" {
		c.Upstream.Driver = DriverWebsocket
	}
	if c.Upstream.ConnectTimeout == "" {
		c.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Upstream.FetchTimeout == "" {
		c.Upstream.FetchTimeout = DefaultFetchTimeout
	}
	if c.Upstream.Database == "" {
		c.Upstream.Database = "materialize"
	}
	if c.Lock == nil {
		c.Lock = &LockConfig{}
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "memory"
	}
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = DefaultRetryAttempts
	}
	if c.Retry.Interval == "" {
		c.Retry.Interval = DefaultRetryInterval
	}
	if c.Retry.MaxInterval == "" {
		c.Retry.MaxInterval = DefaultRetryMaxInterval
	}

	hasBookkeeping := false
	for _, t := range c.Tables {
		if t.Bookkeeping {
			hasBookkeeping = true
		}
	}
	if !hasBookkeeping {
		c.Tables = append(c.Tables, TableConfig{Name: DefaultBookkeepingTable, Bookkeeping: true})
	}
}

// BookkeepingTable returns the table whose data gates the first transaction.
func (c *Config) BookkeepingTable() string {
	for _, t := range c.Tables {
		if t.Bookkeeping {
			return t.Name
		}
	}
	return DefaultBookkeepingTable
}

// GetConnectTimeout returns the upstream connect timeout as a time.Duration
func (u *UpstreamConfig) GetConnectTimeout() (time.Duration, error) {
	return time.ParseDuration(u.ConnectTimeout)
}

// GetFetchTimeout returns the pgwire FETCH timeout as a time.Duration
func (u *UpstreamConfig) GetFetchTimeout() (time.Duration, error) {
	return time.ParseDuration(u.FetchTimeout)
}

// GetInterval returns the initial retry interval as a time.Duration
func (r *RetryConfig) GetInterval() (time.Duration, error) {
	return time.ParseDuration(r.Interval)
}

// GetMaxInterval returns the maximum retry interval as a time.Duration
func (r *RetryConfig) GetMaxInterval() (time.Duration, error) {
	return time.ParseDuration(r.MaxInterval)
}

// Validate checks required settings and that every duration parses.
func (c *Config) Validate() error {
	var problems []string

	if c.Upstream == nil || c.Upstream.Host == "" {
		problems = append(problems, "missing required config: upstream.host")
	}
	if c.Upstream != nil {
		switch c.Upstream.Driver {
		case DriverWebsocket, DriverPgwire:
		default:
			problems = append(problems, fmt.Sprintf("unsupported upstream.driver %q", c.Upstream.Driver))
		}
		if _, err := c.Upstream.GetConnectTimeout(); err != nil {
			problems = append(problems, fmt.Sprintf("invalid upstream.connect_timeout: %v", err))
		}
		if _, err := c.Upstream.GetFetchTimeout(); err != nil {
			problems = append(problems, fmt.Sprintf("invalid upstream.fetch_timeout: %v", err))
		}
	}

	if c.Lock != nil && c.Lock.Type == "azure_blob" {
		if c.Lock.ConnectionString == "" {
			problems = append(problems, "missing required config: lock.connection_string")
		}
		if c.Lock.ContainerName == "" {
			problems = append(problems, "missing required config: lock.container_name")
		}
	}

	if c.Retry != nil {
		if _, err := c.Retry.GetInterval(); err != nil {
			problems = append(problems, fmt.Sprintf("invalid retry.interval: %v", err))
		}
		if _, err := c.Retry.GetMaxInterval(); err != nil {
			problems = append(problems, fmt.Sprintf("invalid retry.max_interval: %v", err))
		}
	}

	seen := make(map[string]bool)
	bookkeeping := 0
	for _, t := range c.Tables {
		if seen[t.Name] {
			problems = append(problems, fmt.Sprintf("duplicate table %q", t.Name))
		}
		seen[t.Name] = true
		if t.Bookkeeping {
			bookkeeping++
		}
	}
	if bookkeeping == 0 {
		problems = append(problems, "missing required config: a table with bookkeeping = true")
	}
	if bookkeeping > 1 {
		problems = append(problems, "only one table may set bookkeeping = true")
	}

	for _, q := range c.Queries {
		if q.Table == "" {
			problems = append(problems, fmt.Sprintf("query %q: missing table", q.Name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
