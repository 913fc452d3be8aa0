// ABOUTME: Tests for CLI helpers: subcommand flags, config paths, logger setup and init
// ABOUTME: The init flow is driven with a scripted reader into a temp XDG directory

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/config"
)

func TestParseTokenFlags(t *testing.T) {
	opts, err := parseTokenFlags([]string{"--user", "alice", "--ttl=1h"})
	require.NoError(t, err)
	assert.Equal(t, tokenOptions{UserID: "alice", TTL: time.Hour}, opts)

	opts, err = parseTokenFlags([]string{"--user=bob"})
	require.NoError(t, err)
	assert.Equal(t, defaultTokenTTL, opts.TTL)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing value", []string{"--user"}, "needs an argument"},
		{"unknown flag", []string{"--bogus", "x"}, "unknown flag"},
		{"positional", []string{"alice"}, "unexpected argument"},
		{"no user", []string{"--ttl", "1h"}, "--user flag is required"},
		{"bad ttl", []string{"--user", "alice", "--ttl", "soon"}, "invalid argument"},
		{"negative ttl", []string{"--user", "alice", "--ttl", "-1h"}, "positive duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTokenFlags(tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseUserAddFlags(t *testing.T) {
	opts, err := parseUserAddFlags([]string{"--name", "  Alice  ", "--avatar=https://img/a.png"})
	require.NoError(t, err)
	assert.Equal(t, userAddOptions{Name: "Alice", Avatar: "https://img/a.png"}, opts)

	_, err = parseUserAddFlags([]string{"--name", "   "})
	assert.ErrorContains(t, err, "--name flag is required")

	_, err = parseUserAddFlags([]string{"--name", strings.Repeat("x", 101)})
	assert.ErrorContains(t, err, "maximum length")

	_, err = parseUserAddFlags([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CHAT_CONFIG", "/etc/chat/gateway.yaml")
	assert.Equal(t, "/etc/chat/gateway.yaml", getConfigPath())

	t.Setenv("CHAT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "chat-gateway", "gateway.yaml"), getConfigPath())
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.With("component", "relay").Warn("slow consumer", "conn_id", "c1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "slow consumer", entry["msg"])
	assert.Equal(t, "relay", entry["component"])
	assert.Equal(t, "c1", entry["conn_id"])
}

func TestSetupLogger_Color(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "rooms").WithGroup("room").Debug("joined", "id", "c1")

	out := buf.String()
	assert.Contains(t, out, "DBG ")
	assert.Contains(t, out, "joined")
	assert.Contains(t, out, "component=rooms")
	assert.Contains(t, out, "room.id=c1")
}

func TestInitConfig_WritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHAT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	// Accept every default except the tailscale, redis and nats prompts.
	answers := strings.Join([]string{
		"",                // config path
		"127.0.0.1:9090",  // http addr
		"",                // driver
		"",                // db path
		"no",              // tailscale
		"localhost:6379",  // redis
		"",                // nats
		"debug",           // level
		"json",            // format
	}, "\n") + "\n"

	require.NoError(t, initConfig(bufio.NewReader(strings.NewReader(answers))))

	cfg, err := config.Load(getConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "data", "chat-gateway", "chat.db"), cfg.Database.Path)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), 32)
	assert.True(t, cfg.Presence.Redis.Enabled)
	assert.False(t, cfg.Cluster.NATS.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}
