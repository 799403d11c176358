package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("BOT_TOKEN", "12345:testtoken")
	t.Setenv("ADMIN_ID", "1000")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, "12345:testtoken", cfg.BotToken)
	require.EqualValues(t, 1000, cfg.AdminID)
	require.Equal(t, "telegram_relay", cfg.MongoDBName)
	require.Equal(t, 10*time.Minute, cfg.ChatTimeout)
	require.Equal(t, 3*time.Minute, cfg.VerificationTimeout)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
	require.False(t, cfg.Debug)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHAT_TIMEOUT", "30m")
	t.Setenv("VERIFICATION_TIMEOUT", "90s")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.ChatTimeout)
	require.Equal(t, 90*time.Second, cfg.VerificationTimeout)
	require.Equal(t, "text", cfg.LogFormat)
}

func TestLoadRejectsBadAdminID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_ID", "-5")

	_, err := Load(context.Background())
	require.ErrorContains(t, err, "ADMIN_ID")
}

func TestLoadRejectsZeroTimeout(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHAT_TIMEOUT", "0s")

	_, err := Load(context.Background())
	require.ErrorContains(t, err, "CHAT_TIMEOUT")
}
