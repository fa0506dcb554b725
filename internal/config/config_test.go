package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, "localhost", cfg.RedisHost)
	assert.Equal(t, 6379, cfg.RedisPort)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.ClientTimeoutMultiplier)
	assert.Equal(t, 100, cfg.MaxPendingMessages)
	assert.Equal(t, int64(1<<20), cfg.MaxMessageSize)
	assert.False(t, cfg.EnableDebug)
}

func TestClientTimeoutIsHeartbeatTimesMultiplier(t *testing.T) {
	cfg := &Config{HeartbeatInterval: 30 * time.Second, ClientTimeoutMultiplier: 3}
	assert.Equal(t, 90*time.Second, cfg.ClientTimeout())
}

func TestKeyHelpersMatchTheDocumentedKeyspace(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, "notifications:pending:u1", cfg.PendingChannelKey("u1"))
	assert.Equal(t, "notifications:instance:instance-a", cfg.InstanceChannelKey("instance-a"))
}

func TestLoadRespectsEnvOverride(t *testing.T) {
	t.Setenv("MAX_PENDING_MESSAGES", "42")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg, err := Load(flags, "")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.MaxPendingMessages)
}

func TestLoadInterpretsDurationEnvVarsAsPlainUnits(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "10")
	t.Setenv("MESSAGE_TTL_HOURS", "48")
	t.Setenv("PENDING_RETRY_INTERVAL", "60")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg, err := Load(flags, "")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 48*time.Hour, cfg.MessageTTL)
	assert.Equal(t, 60*time.Second, cfg.PendingRetryInterval)
}
