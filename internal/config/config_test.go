package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv is a test helper that applies env overrides to cfg using the same
// mechanism as Load(). It mirrors the GATEHOUSE_ prefix used in production.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "GATEHOUSE_"}))
}

// validBase returns a Defaults() config patched to pass Validate.
func validBase() *Config {
	cfg := Defaults()
	cfg.Upstream.URL = "http://backend:8080"
	cfg.Upstream.Health.URL = "http://backend:8080/health"
	return cfg
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, "30s", cfg.Server.ReadTimeout)
		assert.Equal(t, "0s", cfg.Server.WriteTimeout)
		assert.Equal(t, "X-Token", cfg.Identity.TokenHeader)
		assert.Equal(t, `^([\w-]+)`, cfg.Identity.HostPattern)
		assert.Equal(t, int64(16384), cfg.Identity.CacheSize)
		assert.Equal(t, "30s", cfg.Upstream.Timeout)
		assert.Equal(t, 100, cfg.Upstream.MaxIdleConns)
		assert.Equal(t, "10s", cfg.Upstream.Health.Interval)
		assert.True(t, cfg.ControlPlane.Enabled)
		assert.Equal(t, "5s", cfg.ControlPlane.RetryInterval)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "gatehouse", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
	})

	t.Run("defaults validate once an upstream is set", func(t *testing.T) {
		assert.NoError(t, Validate(validBase()))
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":9999"
identity:
  token_header: "X-Api-Key"
upstream:
  template: "http://{network}-{version}.{namespace}.svc.cluster.local:1337"
  health:
    url: "http://node-health:9187/ready"
    interval: "3s"
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GATEHOUSE_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, "X-Api-Key", cfg.Identity.TokenHeader)
		assert.Equal(t, "http://{network}-{version}.{namespace}.svc.cluster.local:1337", cfg.Upstream.Template)
		assert.Equal(t, "http://node-health:9187/ready", cfg.Upstream.Health.URL)
		assert.Equal(t, "3s", cfg.Upstream.Health.Interval)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("{{invalid"), 0o644))

		t.Setenv("GATEHOUSE_CONFIG_FILE", cfgFile)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("uses defaults when config file does not exist", func(t *testing.T) {
		t.Setenv("GATEHOUSE_CONFIG_FILE", "/nonexistent/config.yaml")
		t.Setenv("GATEHOUSE_UPSTREAM_URL", "http://fallback-backend:8080")
		t.Setenv("GATEHOUSE_UPSTREAM_HEALTH_URL", "http://fallback-backend:8080/health")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "http://fallback-backend:8080", cfg.Upstream.URL)
		assert.Equal(t, ":8080", cfg.Server.Address) // default
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides string field", func(t *testing.T) {
		cfg := Defaults()
		cfg.Upstream.URL = "http://default:8080"

		t.Setenv("GATEHOUSE_SERVER_ADDRESS", ":7777")
		t.Setenv("GATEHOUSE_UPSTREAM_URL", "http://env-backend:9090")
		t.Setenv("GATEHOUSE_IDENTITY_HOST_PATTERN", `^api-([\w-]+)`)

		parseEnv(t, cfg)

		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, "http://env-backend:9090", cfg.Upstream.URL)
		assert.Equal(t, `^api-([\w-]+)`, cfg.Identity.HostPattern)
	})

	t.Run("env overrides int field", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEHOUSE_UPSTREAM_MAX_IDLE_CONNS", "50")
		t.Setenv("GATEHOUSE_IDENTITY_CACHE_SIZE", "1024")

		parseEnv(t, cfg)

		assert.Equal(t, 50, cfg.Upstream.MaxIdleConns)
		assert.Equal(t, int64(1024), cfg.Identity.CacheSize)
	})

	t.Run("env overrides bool field", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEHOUSE_CONTROL_PLANE_ENABLED", "false")
		t.Setenv("GATEHOUSE_SERVER_TLS_ENABLED", "true")

		parseEnv(t, cfg)

		assert.False(t, cfg.ControlPlane.Enabled)
		assert.True(t, cfg.Server.TLS.Enabled)
	})

	t.Run("env overrides float64 field", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEHOUSE_TRACING_SAMPLE_RATE", "0.5")

		parseEnv(t, cfg)

		assert.Equal(t, 0.5, cfg.Tracing.SampleRate)
	})

	t.Run("env overrides slice field with comma separation", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("GATEHOUSE_UPSTREAM_URL_POLICY_ALLOWED_HOSTS", ".svc.cluster.local,backend.internal")

		parseEnv(t, cfg)

		assert.Equal(t, []string{".svc.cluster.local", "backend.internal"}, cfg.Upstream.URLPolicy.AllowedHosts)
	})

	t.Run("env vars override YAML values", func(t *testing.T) {
		yamlContent := `
upstream:
  url: "http://yaml-backend:8080"
  health:
    url: "http://yaml-backend:8080/health"
server:
  address: ":8888"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GATEHOUSE_CONFIG_FILE", cfgFile)
		t.Setenv("GATEHOUSE_SERVER_ADDRESS", ":5555")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":5555", cfg.Server.Address)                     // env wins
		assert.Equal(t, "http://yaml-backend:8080", cfg.Upstream.URL)    // YAML preserved
	})

	t.Run("env preserves YAML values when env var is not set", func(t *testing.T) {
		cfg := Defaults()
		cfg.Server.Address = ":1234" // pretend YAML set this

		parseEnv(t, cfg)

		assert.Equal(t, ":1234", cfg.Server.Address) // preserved
	})
}

func TestEnvParseErrors(t *testing.T) {
	t.Run("returns error for invalid int env var", func(t *testing.T) {
		t.Setenv("GATEHOUSE_CONFIG_FILE", "/nonexistent")
		t.Setenv("GATEHOUSE_UPSTREAM_URL", "http://backend:8080")
		t.Setenv("GATEHOUSE_IDENTITY_CACHE_SIZE", "not-a-number")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing environment variables")
	})

	t.Run("returns error for invalid bool env var", func(t *testing.T) {
		t.Setenv("GATEHOUSE_CONFIG_FILE", "/nonexistent")
		t.Setenv("GATEHOUSE_UPSTREAM_URL", "http://backend:8080")
		t.Setenv("GATEHOUSE_CONTROL_PLANE_ENABLED", "not-a-bool")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing environment variables")
	})

	t.Run("returns error for invalid float env var", func(t *testing.T) {
		t.Setenv("GATEHOUSE_CONFIG_FILE", "/nonexistent")
		t.Setenv("GATEHOUSE_UPSTREAM_URL", "http://backend:8080")
		t.Setenv("GATEHOUSE_TRACING_SAMPLE_RATE", "not-a-float")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing environment variables")
	})
}

func TestNormalize(t *testing.T) {
	t.Run("normalizes camelCase YAML values to lowercase", func(t *testing.T) {
		yamlContent := `
upstream:
  url: "http://backend:8080"
  health:
    url: "http://backend:8080/health"
logging:
  level: "INFO"
  format: "JSON"
server:
  tls:
    min_version: "TLS1.3"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GATEHOUSE_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, TLSVersion13, cfg.Server.TLS.MinVersion)
	})

	t.Run("normalizes TLS version aliases", func(t *testing.T) {
		for _, input := range []string{"1.2", "tls12", "TLS1.2"} {
			assert.Equal(t, "1.2", normalizeTLSVersion(input), "input: %s", input)
		}
		for _, input := range []string{"1.3", "tls13", "TLS1.3"} {
			assert.Equal(t, "1.3", normalizeTLSVersion(input), "input: %s", input)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config", func(t *testing.T) {
		assert.NoError(t, Validate(validBase()))
	})

	t.Run("valid template config", func(t *testing.T) {
		cfg := Defaults()
		cfg.Upstream.Template = "http://{network}-{version}.{namespace}.svc.cluster.local:1337"
		cfg.Upstream.Health.URL = "http://node-health:9187/ready"
		assert.NoError(t, Validate(cfg))
	})

	t.Run("missing upstream url and template", func(t *testing.T) {
		cfg := Defaults()
		cfg.Upstream.Health.URL = "http://backend:8080/health"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "upstream requires url or template")
	})

	t.Run("url and template are mutually exclusive", func(t *testing.T) {
		cfg := validBase()
		cfg.Upstream.Template = "http://{namespace}.svc:1337"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("missing health url", func(t *testing.T) {
		cfg := Defaults()
		cfg.Upstream.URL = "http://backend:8080"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "upstream.health.url is required")
	})

	t.Run("normalizes upstream url port", func(t *testing.T) {
		cfg := validBase()
		cfg.Upstream.URL = "https://backend.internal"
		require.NoError(t, Validate(cfg))
		assert.Equal(t, "https://backend.internal:443", cfg.Upstream.URL)
	})

	t.Run("rejects upstream url without scheme", func(t *testing.T) {
		cfg := validBase()
		cfg.Upstream.URL = "backend:8080"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "upstream.url")
	})

	t.Run("invalid server timeout", func(t *testing.T) {
		cfg := validBase()
		cfg.Server.ReadTimeout = "not-a-duration"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "server.read_timeout")
	})

	t.Run("invalid health interval", func(t *testing.T) {
		cfg := validBase()
		cfg.Upstream.Health.Interval = "ten seconds"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "upstream.health.interval")
	})

	t.Run("TLS enabled without cert", func(t *testing.T) {
		cfg := validBase()
		cfg.Server.TLS.Enabled = true
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cert_file")
	})

	t.Run("HTTP3 enabled without TLS", func(t *testing.T) {
		cfg := validBase()
		cfg.Server.TLS.HTTP3Enabled = true
		cfg.Server.TLS.Enabled = false
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "http3_enabled requires server.tls.enabled")
	})

	t.Run("HTTP3 enabled with TLS is valid", func(t *testing.T) {
		cfg := validBase()
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = "/path/to/cert.pem"
		cfg.Server.TLS.KeyFile = "/path/to/key.pem"
		cfg.Server.TLS.HTTP3Enabled = true
		assert.NoError(t, Validate(cfg))
	})

	t.Run("invalid TLS min_version", func(t *testing.T) {
		cfg := validBase()
		cfg.Server.TLS.MinVersion = "bogus"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "min_version")
	})

	t.Run("identity without header or pattern", func(t *testing.T) {
		cfg := validBase()
		cfg.Identity.TokenHeader = ""
		cfg.Identity.HostPattern = ""
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "token_header or host_pattern")
	})

	t.Run("identity with header only is valid", func(t *testing.T) {
		cfg := validBase()
		cfg.Identity.HostPattern = ""
		assert.NoError(t, Validate(cfg))
	})

	t.Run("invalid host pattern", func(t *testing.T) {
		cfg := validBase()
		cfg.Identity.HostPattern = "([unclosed"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "host_pattern")
	})

	t.Run("host pattern without capture group", func(t *testing.T) {
		cfg := validBase()
		cfg.Identity.HostPattern = `^\w+`
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "capture group")
	})

	t.Run("negative identity cache size", func(t *testing.T) {
		cfg := validBase()
		cfg.Identity.CacheSize = -1
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cache_size")
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg := validBase()
		cfg.Logging.Level = "verbose"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})

	t.Run("invalid log format", func(t *testing.T) {
		cfg := validBase()
		cfg.Logging.Format = "logfmt"
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logging.format")
	})

	t.Run("tracing enabled without endpoint", func(t *testing.T) {
		cfg := validBase()
		cfg.Tracing.Enabled = true
		err := Validate(cfg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "tracing.endpoint")
	})
}

func TestEnumValid(t *testing.T) {
	t.Run("log levels", func(t *testing.T) {
		for _, l := range []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError} {
			assert.True(t, l.Valid(), "level %s", l)
		}
		assert.False(t, LogLevel("trace").Valid())
	})

	t.Run("log formats", func(t *testing.T) {
		assert.True(t, LogFormatJSON.Valid())
		assert.True(t, LogFormatText.Valid())
		assert.False(t, LogFormat("xml").Valid())
	})

	t.Run("tls versions", func(t *testing.T) {
		assert.True(t, TLSVersion12.Valid())
		assert.True(t, TLSVersion13.Valid())
		assert.True(t, TLSVersion("").Valid())
		assert.False(t, TLSVersion("1.0").Valid())
	})
}

func TestParseDuration(t *testing.T) {
	t.Run("parses valid duration", func(t *testing.T) {
		d, err := ParseDuration("45s", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 45*time.Second, d)
	})

	t.Run("returns default for empty string", func(t *testing.T) {
		d, err := ParseDuration("", 7*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 7*time.Second, d)
	})

	t.Run("returns error for garbage", func(t *testing.T) {
		_, err := ParseDuration("soon", time.Second)
		assert.Error(t, err)
	})

	t.Run("MustParseDuration falls back to default on error", func(t *testing.T) {
		assert.Equal(t, 3*time.Second, MustParseDuration("garbage", 3*time.Second))
		assert.Equal(t, 90*time.Second, MustParseDuration("90s", 3*time.Second))
	})
}

func TestRequiresRestart(t *testing.T) {
	t.Run("nil old config requires nothing", func(t *testing.T) {
		cfg := validBase()
		assert.Empty(t, cfg.RequiresRestart(nil))
	})

	t.Run("identical configs require nothing", func(t *testing.T) {
		assert.Empty(t, validBase().RequiresRestart(validBase()))
	})

	t.Run("detects address changes", func(t *testing.T) {
		old := validBase()
		cfg := validBase()
		cfg.Server.Address = ":8081"
		cfg.Admin.Address = ":9091"
		fields := cfg.RequiresRestart(old)
		assert.Contains(t, fields, "server.address")
		assert.Contains(t, fields, "admin.address")
	})

	t.Run("detects control plane changes", func(t *testing.T) {
		old := validBase()
		cfg := validBase()
		cfg.ControlPlane.Namespace = "tenants"
		cfg.ControlPlane.Kubeconfig = "/etc/gatehouse/kubeconfig"
		fields := cfg.RequiresRestart(old)
		assert.Contains(t, fields, "control_plane.namespace")
		assert.Contains(t, fields, "control_plane.kubeconfig")
	})

	t.Run("hot-reloadable fields are not flagged", func(t *testing.T) {
		old := validBase()
		cfg := validBase()
		cfg.Identity.TokenHeader = "X-Api-Key"
		cfg.Identity.HostPattern = `^key-([\w-]+)`
		cfg.Logging.Level = LogLevelDebug
		assert.Empty(t, cfg.RequiresRestart(old))
	})
}

func TestConfigFilePath(t *testing.T) {
	t.Run("uses env override", func(t *testing.T) {
		t.Setenv("GATEHOUSE_CONFIG_FILE", "/tmp/custom.yaml")
		assert.Equal(t, "/tmp/custom.yaml", ConfigFilePath())
	})

	t.Run("falls back to default path", func(t *testing.T) {
		t.Setenv("GATEHOUSE_CONFIG_FILE", "")
		assert.Equal(t, "/etc/gatehouse/config.yaml", ConfigFilePath())
	})
}
