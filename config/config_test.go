package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(flag.NewFlagSet("relay", flag.ContinueOnError), nil)
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, "relay.db", cfg.DBPath)
	assert.Equal(t, "chatapp", cfg.MongoDatabase)
	assert.Equal(t, 60*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 64, cfg.SendQueue)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9000")
	t.Setenv("RELAY_STORE", "postgres")
	t.Setenv("RELAY_WRITE_TIMEOUT", "3s")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "http://a.test,http://b.test")

	cfg, err := Load(flag.NewFlagSet("relay", flag.ContinueOnError), []string{"-addr", ":9100", "-log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr, "flag wins over env")
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("RELAY_SEND_QUEUE", "many")
	_, err := Load(flag.NewFlagSet("relay", flag.ContinueOnError), nil)
	require.ErrorContains(t, err, "parse env:")
}

func TestLoadRejectsEmptyQueue(t *testing.T) {
	t.Setenv("RELAY_SEND_QUEUE", "0")
	_, err := Load(flag.NewFlagSet("relay", flag.ContinueOnError), nil)
	require.Error(t, err)
}
