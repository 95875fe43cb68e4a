package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "docker", cfg.Executor.Provider)
	assert.Equal(t, 50000, cfg.Validator.MaxCodeLength)
	assert.Equal(t, 20, cfg.Validator.MaxComplexity)
	assert.Contains(t, cfg.Validator.ForbiddenImports, "os")
	assert.Contains(t, cfg.Validator.ForbiddenImports, "subprocess")
	assert.Equal(t, int64(128*1024*1024), cfg.Docker.Memory)
	assert.Equal(t, 10, cfg.Limits.MaxFileCount)
	assert.False(t, cfg.Storage.Enabled)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SANDBOX_SERVER_PORT", "9100")
	t.Setenv("SANDBOX_EXECUTOR_PROVIDER", "firecracker")
	t.Setenv("SANDBOX_EXECUTOR_FALLBACK_PROVIDERS", "docker, gvisor")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "firecracker", cfg.Executor.Provider)
	assert.Equal(t, []string{"docker", "gvisor"}, cfg.FallbackProviders())
}

func TestFallbackProvidersParsing(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"docker", []string{"docker"}},
		{"firecracker,docker", []string{"firecracker", "docker"}},
		{" firecracker , docker ", []string{"firecracker", "docker"}},
		{"", []string{}},
		{",,", []string{}},
	}

	for _, tc := range cases {
		cfg := &Config{Executor: ExecutorConfig{FallbackProviders: tc.raw}}
		assert.Equal(t, tc.want, cfg.FallbackProviders(), "raw=%q", tc.raw)
	}
}

func TestClampTimeout(t *testing.T) {
	cfg := &Config{Executor: ExecutorConfig{MinTimeout: 1, MaxTimeout: 30, DefaultTimeout: 10}}

	assert.Equal(t, 10, cfg.ClampTimeout(0), "zero means default")
	assert.Equal(t, 1, cfg.ClampTimeout(-5))
	assert.Equal(t, 30, cfg.ClampTimeout(300))
	assert.Equal(t, 15, cfg.ClampTimeout(15))
}
