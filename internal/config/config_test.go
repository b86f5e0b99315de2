package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Collab.LockTTL)
	assert.Equal(t, 60*time.Second, cfg.Collab.SessionGraceWindow)
	assert.Equal(t, 5*time.Minute, cfg.Collab.RoomEvictionDelay)
	assert.Equal(t, 256, cfg.Collab.ReplayCapacity)
	assert.Equal(t, 50*time.Millisecond, cfg.Collab.PresenceThrottle)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := `
server:
  port: "9090"
auth:
  ticket_secret: test-secret
collab:
  lock_ttl: 45s
  replay_capacity: 64
database:
  redis:
    host: redis.internal
    port: "6380"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Collab.LockTTL)
	assert.Equal(t, 64, cfg.Collab.ReplayCapacity)
	assert.Equal(t, "redis.internal:6380", cfg.Database.Redis.Addr())
	// Defaults survive partial files
	assert.Equal(t, 60*time.Second, cfg.Collab.SessionGraceWindow)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLAB_TICKET_SECRET", "env-secret")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("COLLAB_LOCK_TTL", "15s")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Auth.TicketSecret)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Collab.LockTTL)
	assert.Equal(t, 3, cfg.Database.Redis.DB)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticket_secret")
}

func TestValidateRejectsTLSWithoutCerts(t *testing.T) {
	cfg := Default()
	cfg.Auth.TicketSecret = "s"
	cfg.Server.TLSEnabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert_file")
}

func TestPostgresConnString(t *testing.T) {
	p := PostgresConfig{
		Host: "db", Port: "5432", User: "u", Password: "p",
		Database: "formlab", SSLMode: "require",
	}
	assert.Equal(t, "postgres://u:p@db:5432/formlab?sslmode=require", p.ConnString())
}
