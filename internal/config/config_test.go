// Package config tests.
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnvs(t *testing.T) {
	t.Helper()
	envs := map[string]string{
		"JWT_SECRET":        "0123456789abcdef0123",
		"ANTHROPIC_API_KEY": "sk-ant-test",
		"DATABASE_PATH":     "/tmp/test.db",
	}
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoad_Success(t *testing.T) {
	setRequiredEnvs(t)
	cfg, err := LoadWithPrefix("")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", cfg.JWTSecret)
	assert.Equal(t, "/tmp/test.db", cfg.DatabasePath)
	assert.True(t, cfg.AIEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":8090", cfg.MgmtListenAddr)
	assert.Equal(t, "collabhub.db", cfg.DatabasePath)
	assert.Equal(t, 256, cfg.WSSendQueue)
	assert.Equal(t, 5*time.Minute, cfg.RunInstallTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RunReadyTimeout)
	assert.Equal(t, "@ai", cfg.AIMention)
	assert.Equal(t, 4, cfg.AIMaxConcurrent)
	assert.Equal(t, 720*time.Hour, cfg.MessageMaxAge)
	assert.False(t, cfg.AIEnabled())
	assert.Nil(t, cfg.AllowedOrigins())

	assert.Error(t, cfg.Validate(), "no JWT secret")
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnvs(t)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("RUN_READY_TIMEOUT", "30s")
	t.Setenv("WS_MSG_RATE", "2.5")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.RunReadyTimeout)
	assert.Equal(t, 2.5, cfg.WSMsgRate)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("RUN_INSTALL_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	setRequiredEnvs(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.JWTSecret = "short"
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = "0123456789abcdef"
	cfg.WSSendQueue = 0
	assert.Error(t, cfg.Validate())

	cfg.WSSendQueue = 1
	cfg.WSMsgBurst = 0
	assert.Error(t, cfg.Validate())
}
