// Package config loads process configuration once at startup.
//
// Settings come from environment variables with the SANDBOX_ prefix
// (SANDBOX_SERVER_PORT, SANDBOX_DOCKER_MEMORY, ...) layered over an optional
// sandbox.yaml in the working directory. The rest of the process never
// re-reads configuration after the backends are constructed.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type ValidatorConfig struct {
	// ForbiddenImports lists top-level module names rejected outright.
	ForbiddenImports []string `mapstructure:"forbidden_imports"`
	MaxCodeLength    int      `mapstructure:"max_code_length"`
	MaxComplexity    int      `mapstructure:"max_complexity"`
}

type DockerConfig struct {
	Image string `mapstructure:"image"`
	// Memory and MemorySwap are in bytes. Keeping them equal disables swap.
	Memory     int64 `mapstructure:"memory"`
	MemorySwap int64 `mapstructure:"memory_swap"`
	CPUQuota   int64 `mapstructure:"cpu_quota"`
	CPUPeriod  int64 `mapstructure:"cpu_period"`
	PidsLimit  int64 `mapstructure:"pids_limit"`
}

type FirecrackerConfig struct {
	KernelPath string `mapstructure:"kernel_path"`
	RootfsPath string `mapstructure:"rootfs_path"`
	// SocketDir holds the per-session control and vsock sockets.
	SocketDir string `mapstructure:"socket_dir"`
	MemoryMB  int    `mapstructure:"memory_mb"`
	VCPUCount int    `mapstructure:"vcpu_count"`
}

type ExecutorConfig struct {
	// Provider is the primary backend tried first.
	Provider string `mapstructure:"provider"`
	// FallbackProviders is a comma-separated ordering tried after the
	// primary fails to construct or reports unhealthy.
	FallbackProviders string `mapstructure:"fallback_providers"`
	// MinTimeout and MaxTimeout bound the caller-supplied timeout, seconds.
	MinTimeout     int `mapstructure:"min_timeout"`
	MaxTimeout     int `mapstructure:"max_timeout"`
	DefaultTimeout int `mapstructure:"default_timeout"`
}

type LimitsConfig struct {
	// MaxOutputSize caps stdout and stderr independently, in bytes.
	MaxOutputSize int `mapstructure:"max_output_size"`
	MaxFileSize   int `mapstructure:"max_file_size"`
	MaxTotalSize  int `mapstructure:"max_total_size"`
	MaxFileCount  int `mapstructure:"max_file_count"`
	// URLTTLSeconds bounds the lifetime of extracted-file access URLs.
	URLTTLSeconds int `mapstructure:"url_ttl_seconds"`
}

type StorageConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Root is where the local provider keeps extracted files.
	Root string `mapstructure:"root"`
	// BaseURL is the public prefix under which saved files are served.
	BaseURL string `mapstructure:"base_url"`
	// URLSecret signs temporary URLs. Left empty, a random secret is
	// generated at startup and URLs only survive the process.
	URLSecret string `mapstructure:"url_secret"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Validator   ValidatorConfig   `mapstructure:"validator"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Firecracker FirecrackerConfig `mapstructure:"firecracker"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DBPath      string            `mapstructure:"db_path"`
}

// Load reads the configuration from sandbox.yaml (if present) and the
// environment. A missing config file is fine; a malformed one is not.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("sandbox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandbox")

	v.SetEnvPrefix("SANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("validator.forbidden_imports", []string{
		"os", "subprocess", "socket", "sys",
		"importlib", "ctypes", "__builtin__",
		"builtins", "multiprocessing", "threading",
	})
	v.SetDefault("validator.max_code_length", 50000)
	v.SetDefault("validator.max_complexity", 20)

	v.SetDefault("docker.image", "python-sandbox:latest")
	v.SetDefault("docker.memory", 128*1024*1024)
	v.SetDefault("docker.memory_swap", 128*1024*1024)
	v.SetDefault("docker.cpu_quota", 50000)
	v.SetDefault("docker.cpu_period", 100000)
	v.SetDefault("docker.pids_limit", 50)

	v.SetDefault("firecracker.kernel_path", "/var/firecracker/vmlinux")
	v.SetDefault("firecracker.rootfs_path", "/var/firecracker/rootfs.ext4")
	v.SetDefault("firecracker.socket_dir", "/tmp/firecracker")
	v.SetDefault("firecracker.memory_mb", 128)
	v.SetDefault("firecracker.vcpu_count", 1)

	v.SetDefault("executor.provider", "docker")
	v.SetDefault("executor.fallback_providers", "docker")
	v.SetDefault("executor.min_timeout", 1)
	v.SetDefault("executor.max_timeout", 30)
	v.SetDefault("executor.default_timeout", 10)

	v.SetDefault("limits.max_output_size", 10240)
	v.SetDefault("limits.max_file_size", 10*1024*1024)
	v.SetDefault("limits.max_total_size", 50*1024*1024)
	v.SetDefault("limits.max_file_count", 10)
	v.SetDefault("limits.url_ttl_seconds", 18000)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.root", "data/files")
	v.SetDefault("storage.base_url", "http://localhost:8000/files")
	v.SetDefault("storage.url_secret", "")

	v.SetDefault("db_path", "data/sandbox.db")
}

func (c *Config) validate() error {
	if c.Executor.MinTimeout < 1 || c.Executor.MaxTimeout < c.Executor.MinTimeout {
		return fmt.Errorf("invalid timeout bounds [%d,%d]", c.Executor.MinTimeout, c.Executor.MaxTimeout)
	}
	if c.Validator.MaxCodeLength <= 0 {
		return fmt.Errorf("max_code_length must be positive, got %d", c.Validator.MaxCodeLength)
	}
	if c.Limits.MaxFileCount < 0 || c.Limits.MaxFileSize < 0 || c.Limits.MaxTotalSize < 0 {
		return errors.New("file extraction limits must not be negative")
	}
	return nil
}

// FallbackProviders parses the comma-separated ordering into a clean slice.
// Empty entries and surrounding whitespace are dropped.
func (c *Config) FallbackProviders() []string {
	parts := strings.Split(c.Executor.FallbackProviders, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ClampTimeout bounds a caller-supplied timeout to the configured range,
// substituting the default when the caller sent nothing.
func (c *Config) ClampTimeout(seconds int) int {
	if seconds == 0 {
		seconds = c.Executor.DefaultTimeout
	}
	if seconds < c.Executor.MinTimeout {
		return c.Executor.MinTimeout
	}
	if seconds > c.Executor.MaxTimeout {
		return c.Executor.MaxTimeout
	}
	return seconds
}
