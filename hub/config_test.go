package hub

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rise.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Auth.TokenExpiry)
	assert.Equal(t, 20.0, cfg.Hub.RateLimit)
	assert.Equal(t, 40, cfg.Hub.RateBurst)
	assert.Equal(t, "memory", cfg.Alerts.Store)
	assert.Equal(t, LastWriterWins, cfg.ActivationPolicy())
	assert.Error(t, cfg.Validate(), "secret has no default")
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"

[auth]
secret = "from-file"

[alerts]
policy = "first-activator-wins"

[messages]
store = "sqlite"
sqlite_path = "/tmp/rise.db"
`)
	t.Setenv("RISE_AUTH_SECRET", "from-env")
	t.Setenv("RISE_HUB_RATE_BURST", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, 7, cfg.Hub.RateBurst)
	assert.Equal(t, FirstActivatorWins, cfg.ActivationPolicy())
	assert.Equal(t, "sqlite", cfg.Messages.Store)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	cfg.Auth.Secret = "s"
	require.NoError(t, cfg.Validate())

	cfg.Alerts.Store = "mongo"
	assert.Error(t, cfg.Validate())
	cfg.Alerts.MongoURI = "mongodb://localhost:27017"
	assert.NoError(t, cfg.Validate())

	cfg.Alerts.Policy = "random"
	assert.Error(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "auth.token_expiry", envKey("RISE_AUTH_TOKEN_EXPIRY"))
	assert.Equal(t, "server.addr", envKey("RISE_SERVER_ADDR"))
}
