package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("SUPABASE_URL", "http://supabase.local")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALLBACK_URL", "http://localhost:8080/api/generate/callback")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Equal(t, int64(10), cfg.HighPriorityCost)
	assert.Equal(t, int64(5), cfg.HiresCost)
	assert.Equal(t, 24*time.Hour, cfg.ResetPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "secret", cfg.SessionSecret)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SYSTEM_DAILY_LIMIT", "1")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("BACKEND_KIND", "gemini")
	t.Setenv("GEMINI_API_KEYS", "k1, k2,,")
	t.Setenv("FREE_QUEUE_MAX", "not-a-number")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.10")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(1), cfg.SystemDailyLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"k1", "k2"}, cfg.GeminiAPIKeys)
	assert.Equal(t, int64(50), cfg.FreeQueueMax)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.10"}, cfg.TrustedProxies)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET"},
		{"unknown backend", map[string]string{"BACKEND_KIND": "dalle"}, "BACKEND_KIND"},
		{"gemini without keys", map[string]string{"BACKEND_KIND": "gemini"}, "GEMINI_API_KEYS"},
		{"sdapi without callback", map[string]string{"CALLBACK_URL": ""}, "CALLBACK_URL"},
		{"bad trusted proxy", map[string]string{"TRUSTED_PROXIES": "10.0.0.0/8,proxy.local"}, "TRUSTED_PROXIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
