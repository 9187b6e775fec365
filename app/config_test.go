package discuss

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/putto11262002/discuss/core"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	config, err := LoadConfig(viper.New(), "")
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "ws://localhost:5000/ws", config.Relay.URL)
	assert.True(t, config.Relay.Reconnect)
	assert.Equal(t, 5, config.Relay.MaxRetries)
	assert.Equal(t, time.Second, config.Relay.RetryDelay)
	assert.Equal(t, "http://localhost:5000/api/rooms", config.Directory.URL)
	assert.Equal(t, 10*time.Second, config.Directory.Timeout)
	assert.Empty(t, config.Identity.Name)
	assert.Equal(t, core.DefaultTypingQuietPeriod, config.Typing.QuietPeriod)
	assert.Zero(t, config.Typing.RemoteTTL)
	assert.Equal(t, "info", config.Log.Level)
	assert.Equal(t, "text", config.Log.Format)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	file := filepath.Join(t.TempDir(), "discuss.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
relay:
  url: ws://relay.example.com/ws
  reconnect: false
identity:
  name: alice
typing:
  remote_ttl: 5s
`), 0o644))

	t.Setenv("DISCUSS_LOG_LEVEL", "debug")
	t.Setenv("DISCUSS_TYPING_QUIET_PERIOD", "2s")

	config, err := LoadConfig(viper.New(), file)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "ws://relay.example.com/ws", config.Relay.URL)
	assert.False(t, config.Relay.Reconnect)
	assert.Equal(t, "alice", config.Identity.Name)
	assert.Equal(t, 5*time.Second, config.Typing.RemoteTTL)
	assert.Equal(t, 2*time.Second, config.Typing.QuietPeriod)
	assert.Equal(t, "debug", config.Log.Level)
}

func TestLoadConfigDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DISCUSS_IDENTITY_NAME=bob\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DISCUSS_IDENTITY_NAME") })

	config, err := LoadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "bob", config.Identity.Name)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	v := viper.New()
	v.Set(RelayURLKey, "")
	v.Set(LogFormatKey, "xml")
	v.Set(TypingQuietPeriodKey, "0s")

	config, err := LoadConfig(v, "")
	require.NoError(t, err)

	err = config.Validate()
	require.Error(t, err)
	msg := core.FormatValidationErrors(err)
	assert.Contains(t, msg, "url is a required field")
	assert.Contains(t, msg, "format must be one of [text json]")
	assert.Contains(t, msg, "quiet_period must be greater than 0")
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}
