package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "127.0.0.1", cfg.Backend.Host)
	assert.Equal(t, 8081, cfg.Backend.Port)
	assert.Equal(t, 8080, cfg.Proxy.Port)
	assert.Equal(t, 0, cfg.Admin.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"ENV", "BACKEND_HOST", "BACKEND_PORT", "FLUTTER_PORT", "PROXY_PORT", "ADMIN_PORT", "LOG_LEVEL", "LOG_DEV"} {
		// Setenv restores the original value once the test ends
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"ENV":          "staging",
		"BACKEND_HOST": "localhost",
		"BACKEND_PORT": "3000",
		"FLUTTER_PORT": "4000",
		"PROXY_PORT":   "9000",
		"ADMIN_PORT":   "9001",
		"LOG_LEVEL":    "debug",
		"LOG_DEV":      "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "localhost", cfg.Backend.Host)
	// BACKEND_PORT wins over the older FLUTTER_PORT
	assert.Equal(t, 3000, cfg.Backend.Port)
	assert.Equal(t, 9000, cfg.Proxy.Port)
	assert.Equal(t, 9001, cfg.Admin.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadFlutterPort(t *testing.T) {
	t.Setenv("BACKEND_PORT", "")
	require.NoError(t, os.Unsetenv("BACKEND_PORT"))
	t.Setenv("FLUTTER_PORT", "5050")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.Backend.Port)
	assert.Equal(t, "http://127.0.0.1:5050", cfg.BackendURL())
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non numeric port", "PROXY_PORT", "eighty"},
		{"port out of range", "BACKEND_PORT", "70000"},
		{"flutter port out of range", "FLUTTER_PORT", "70000"},
		{"negative admin port", "ADMIN_PORT", "-1"},
		{"admin on proxy port", "ADMIN_PORT", "8080"},
		{"bad bool", "LOG_DEV", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BACKEND_PORT", "")
			require.NoError(t, os.Unsetenv("BACKEND_PORT"))
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestAddresses(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://127.0.0.1:8081", cfg.BackendURL())
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Empty(t, cfg.AdminAddr())

	cfg.Admin.Port = 9100
	cfg.Backend.Host = "::1"
	assert.Equal(t, "0.0.0.0:9100", cfg.AdminAddr())
	assert.Equal(t, "http://[::1]:8081", cfg.BackendURL())
}
