package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
listen_address = ":9090"
log_level      = "debug"

upstream {
  driver          = "pgwire"
  host            = "abc.us-east-1.aws.materialize.cloud"
  user            = "svc@example.com"
  password        = "secret"
  connect_timeout = "3s"
}

lock {
  type              = "azure_blob"
  connection_string = "UseDevelopmentStorage=true"
  container_name    = "bridge-locks"
}

retry {
  attempts     = 3
  interval     = "1s"
  max_interval = "4s"
}

table "messages" {}

table "current_messages" {}

table "zero.permissions" {
  bookkeeping = true
  bootstrap   = ["CREATE SCHEMA zero"]
}

query "messagesByAuthor" {
  table  = "messages"
  column = "author"
}
`

func noEnv(string) (string, bool) { return "", false }

func TestParse_Full(t *testing.T) {
	cfg, err := Parse("bridge.hcl", []byte(sample), noEnv)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DriverPgwire, cfg.Upstream.Driver)
	assert.Equal(t, "materialize", cfg.Upstream.Database)

	timeout, err := cfg.Upstream.GetConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, timeout)

	assert.Equal(t, "azure_blob", cfg.Lock.Type)
	assert.Equal(t, 3, cfg.Retry.Attempts)

	require.Len(t, cfg.Tables, 3)
	assert.Equal(t, "messages", cfg.Tables[0].Name)
	assert.Equal(t, "zero.permissions", cfg.BookkeepingTable())
	assert.Equal(t, []string{"CREATE SCHEMA zero"}, cfg.Tables[2].Bootstrap)

	require.Len(t, cfg.Queries, 1)
	assert.Equal(t, "author", cfg.Queries[0].Column)
}

func TestParse_DefaultsAndBookkeeping(t *testing.T) {
	src := `
upstream {
  host = "localhost:6875"
}
table "messages" {}
`
	cfg, err := Parse("bridge.hcl", []byte(src), noEnv)
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, DriverWebsocket, cfg.Upstream.Driver)
	assert.Equal(t, DefaultConnectTimeout, cfg.Upstream.ConnectTimeout)
	assert.Equal(t, "memory", cfg.Lock.Type)
	assert.Equal(t, DefaultRetryAttempts, cfg.Retry.Attempts)

	require.Len(t, cfg.Tables, 2)
	assert.Equal(t, DefaultBookkeepingTable, cfg.Tables[1].Name)
	assert.True(t, cfg.Tables[1].Bookkeeping)
}

func TestParse_EnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvPort:        "7000",
		EnvHostAddress: "env.materialize.cloud",
		EnvUser:        "env-user",
		EnvPassword:    "env-pass",
		EnvLogLevel:    "warn",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := Parse("bridge.hcl", []byte(sample), lookup)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddress)
	assert.Equal(t, "env.materialize.cloud", cfg.Upstream.Host)
	assert.Equal(t, "env-user", cfg.Upstream.User)
	assert.Equal(t, "env-pass", cfg.Upstream.Password)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestParse_MissingHost(t *testing.T) {
	_, err := Parse("bridge.hcl", []byte(`table "messages" {}`), noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.host")
}

func TestValidate_Problems(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Host = "h"
	cfg.Upstream.Driver = "carrier-pigeon"
	cfg.Upstream.ConnectTimeout = "soon"
	cfg.Lock.Type = "azure_blob"
	cfg.Tables = append(cfg.Tables, TableConfig{Name: "other", Bookkeeping: true}, TableConfig{Name: "other"})
	cfg.Queries = []QueryConfig{{Name: "q"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"upstream.driver",
		"upstream.connect_timeout",
		"lock.connection_string",
		"lock.container_name",
		`duplicate table "other"`,
		"bookkeeping",
		`query "q"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Bookkeeping(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Host = "h"
	require.NoError(t, cfg.Validate(), "defaults carry the bookkeeping table")

	cfg.Tables = []TableConfig{{Name: "messages"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bookkeeping = true")

	cfg.Tables = nil
	assert.Error(t, cfg.Validate())
}

func TestParse_InvalidHCL(t *testing.T) {
	_, err := Parse("bridge.hcl", []byte(`upstream {`), noEnv)
	assert.Error(t, err)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv(EnvPort, "")
	t.Setenv(EnvHostAddress, "")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "abc.us-east-1.aws.materialize.cloud", cfg.Upstream.Host)
}
