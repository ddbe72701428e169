// Package config handles loading and validation of Gatehouse configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GATEHOUSE_ prefix:
//
//	server.address → GATEHOUSE_SERVER_ADDRESS
//	identity.token_header → GATEHOUSE_IDENTITY_TOKEN_HEADER
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GATEHOUSE_CONFIG_FILE environment variable or the --config flag.
const defaultConfigFile = "/etc/gatehouse/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level Gatehouse configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"        envPrefix:"SERVER_"`
	Admin        AdminConfig        `yaml:"admin"         envPrefix:"ADMIN_"`
	Identity     IdentityConfig     `yaml:"identity"      envPrefix:"IDENTITY_"`
	Upstream     UpstreamConfig     `yaml:"upstream"      envPrefix:"UPSTREAM_"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane" envPrefix:"CONTROL_PLANE_"`
	Logging      LoggingConfig      `yaml:"logging"       envPrefix:"LOGGING_"`
	Tracing      TracingConfig      `yaml:"tracing"       envPrefix:"TRACING_"`
}

// ServerConfig holds the main proxy server settings.
type ServerConfig struct {
	Address           string          `yaml:"address"             env:"ADDRESS"`
	ReadTimeout       string          `yaml:"read_timeout"        env:"READ_TIMEOUT"`
	ReadHeaderTimeout string          `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	IdleTimeout       string          `yaml:"idle_timeout"        env:"IDLE_TIMEOUT"`
	DrainTimeout      string          `yaml:"drain_timeout"       env:"DRAIN_TIMEOUT"`
	MaxHeaderBytes    int             `yaml:"max_header_bytes"    env:"MAX_HEADER_BYTES"`
	TLS               ServerTLSConfig `yaml:"tls"                 envPrefix:"TLS_"`

	// WriteTimeout bounds response writes. Tenant sessions are long-lived
	// (WebSocket subscriptions can stay open for hours), so the default is
	// "0s" — no write deadline on the main listener.
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// IdentityConfig defines how the tenant key is extracted from a request.
// The token header wins when present; otherwise the first capture group of
// host_pattern applied to the request Host (port stripped) is used.
type IdentityConfig struct {
	TokenHeader string `yaml:"token_header" env:"TOKEN_HEADER"`
	HostPattern string `yaml:"host_pattern" env:"HOST_PATTERN"`

	// CacheSize caps the number of memoized host → key extractions.
	// 0 disables the memo cache entirely.
	CacheSize int64  `yaml:"cache_size" env:"CACHE_SIZE"`
	CacheTTL  string `yaml:"cache_ttl"  env:"CACHE_TTL"`
}

// UpstreamConfig defines where admitted requests are forwarded. Exactly one
// of url (a single fixed upstream) or template (a per-tenant address built
// from {namespace}, {name}, {network}, and {version} placeholders) must be set.
type UpstreamConfig struct {
	URL               string            `yaml:"url"                      env:"URL"`
	Template          string            `yaml:"template"                 env:"TEMPLATE"`
	Timeout           string            `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns      int               `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout   string            `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify bool              `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	Transport         TransportConfig   `yaml:"transport"                envPrefix:"TRANSPORT_"`
	URLPolicy         URLPolicyConfig   `yaml:"url_policy"               envPrefix:"URL_POLICY_"`
	Health            HealthCheckConfig `yaml:"health"                   envPrefix:"HEALTH_"`
}

// HealthCheckConfig drives the upstream health probe loop. Any non-2xx
// response (or transport error) marks the upstream unhealthy and the
// admission pipeline sheds traffic until a probe succeeds again.
type HealthCheckConfig struct {
	URL      string `yaml:"url"      env:"URL"`
	Interval string `yaml:"interval" env:"INTERVAL"`
	Timeout  string `yaml:"timeout"  env:"TIMEOUT"`
}

// URLPolicyConfig constrains what the upstream template may resolve to.
// Tenant records come from the control plane, so a compromised or fat-fingered
// resource must not be able to point the proxy at an arbitrary address.
type URLPolicyConfig struct {
	// AllowedSchemes restricts the URL scheme. Default: ["http", "https"].
	AllowedSchemes []string `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES" envSeparator:","`
	// AllowedHosts is an optional allowlist. Entries starting with "."
	// match as domain suffixes (".svc.cluster.local"); all others match
	// exactly, case-insensitively. Empty means any host.
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`
}

// TransportConfig holds low-level HTTP transport tuning for the proxy.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
	H2ReadIdleTimeout     string `yaml:"h2_read_idle_timeout"    env:"H2_READ_IDLE_TIMEOUT"`
	H2PingTimeout         string `yaml:"h2_ping_timeout"         env:"H2_PING_TIMEOUT"`
	WebSocketDialTimeout  string `yaml:"websocket_dial_timeout"  env:"WEBSOCKET_DIAL_TIMEOUT"`
}

// ControlPlaneConfig holds the Kubernetes control-plane connection settings.
// Tenant (QueryPort) and tier (ServiceTier) resources are watched and applied
// to the in-memory registries.
type ControlPlaneConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Kubeconfig is the path to a kubeconfig file. Empty means in-cluster
	// configuration.
	Kubeconfig string `yaml:"kubeconfig" env:"KUBECONFIG"`

	// Namespace restricts the tenant watch to a single namespace.
	// Empty watches all namespaces.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`

	// RetryInterval is the pause before re-establishing a dropped watch.
	RetryInterval string `yaml:"retry_interval" env:"RETRY_INTERVAL"`

	// ReadyGrace bounds how long readiness waits for the first registry
	// sync. An empty cluster produces no events, so readiness is granted
	// after this grace even without one.
	ReadyGrace string `yaml:"ready_grace" env:"READY_GRACE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       "30s",
			ReadHeaderTimeout: "10s",
			WriteTimeout:      "0s",
			IdleTimeout:       "120s",
			DrainTimeout:      "30s",
			MaxHeaderBytes:    1 << 20, // 1 MiB
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Identity: IdentityConfig{
			TokenHeader: "X-Token",
			HostPattern: `^([\w-]+)`,
			CacheSize:   16384,
			CacheTTL:    "5m",
		},
		Upstream: UpstreamConfig{
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			Transport: TransportConfig{
				DialTimeout:           "30s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
				H2ReadIdleTimeout:     "30s",
				H2PingTimeout:         "15s",
				WebSocketDialTimeout:  "10s",
			},
			Health: HealthCheckConfig{
				Interval: "10s",
				Timeout:  "5s",
			},
		},
		ControlPlane: ControlPlaneConfig{
			Enabled:       true,
			RetryInterval: "5s",
			ReadyGrace:    "10s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "gatehouse",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GATEHOUSE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/gatehouse/config.yaml and
// can be overridden via GATEHOUSE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GATEHOUSE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Info" or env
// values like "INFO" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateIdentity(cfg); err != nil {
		return err
	}
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"identity.cache_ttl", cfg.Identity.CacheTTL},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.transport.dial_timeout", cfg.Upstream.Transport.DialTimeout},
		{"upstream.transport.dial_keep_alive", cfg.Upstream.Transport.DialKeepAlive},
		{"upstream.transport.tls_handshake_timeout", cfg.Upstream.Transport.TLSHandshakeTimeout},
		{"upstream.transport.expect_continue_timeout", cfg.Upstream.Transport.ExpectContinueTimeout},
		{"upstream.transport.h2_read_idle_timeout", cfg.Upstream.Transport.H2ReadIdleTimeout},
		{"upstream.transport.h2_ping_timeout", cfg.Upstream.Transport.H2PingTimeout},
		{"upstream.transport.websocket_dial_timeout", cfg.Upstream.Transport.WebSocketDialTimeout},
		{"upstream.health.interval", cfg.Upstream.Health.Interval},
		{"upstream.health.timeout", cfg.Upstream.Health.Timeout},
		{"control_plane.retry_interval", cfg.ControlPlane.RetryInterval},
		{"control_plane.ready_grace", cfg.ControlPlane.ReadyGrace},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateIdentity(cfg *Config) error {
	if cfg.Identity.TokenHeader == "" && cfg.Identity.HostPattern == "" {
		return fmt.Errorf("identity requires token_header or host_pattern")
	}
	if cfg.Identity.HostPattern != "" {
		re, err := regexp.Compile(cfg.Identity.HostPattern)
		if err != nil {
			return fmt.Errorf("invalid identity.host_pattern %q: %w", cfg.Identity.HostPattern, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("identity.host_pattern %q must have a capture group for the tenant key", cfg.Identity.HostPattern)
		}
	}
	if cfg.Identity.CacheSize < 0 {
		return fmt.Errorf("identity.cache_size must be >= 0")
	}
	return nil
}

func validateUpstream(cfg *Config) error {
	switch {
	case cfg.Upstream.URL == "" && cfg.Upstream.Template == "":
		return fmt.Errorf("upstream requires url or template")
	case cfg.Upstream.URL != "" && cfg.Upstream.Template != "":
		return fmt.Errorf("upstream.url and upstream.template are mutually exclusive")
	}

	if cfg.Upstream.URL != "" {
		// Normalize the upstream URL so that host always includes an explicit
		// port. This avoids port-guessing logic scattered across the codebase.
		normalized, err := normalizeURL(cfg.Upstream.URL)
		if err != nil {
			return fmt.Errorf("invalid upstream.url %q: %w", cfg.Upstream.URL, err)
		}
		cfg.Upstream.URL = normalized
	}

	if cfg.Upstream.Health.URL == "" {
		return fmt.Errorf("upstream.health.url is required (admission fails closed while the upstream is unprobed)")
	}
	if _, err := url.Parse(cfg.Upstream.Health.URL); err != nil {
		return fmt.Errorf("invalid upstream.health.url %q: %w", cfg.Upstream.Health.URL, err)
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended
// (80 for http/ws, 443 for https/wss).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}

	if u.Port() == "" {
		switch strings.ToLower(u.Scheme) {
		case "https", "wss":
			u.Host += ":443"
		default:
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.ControlPlane.Enabled != old.ControlPlane.Enabled {
		fields = append(fields, "control_plane.enabled")
	}
	if c.ControlPlane.Kubeconfig != old.ControlPlane.Kubeconfig {
		fields = append(fields, "control_plane.kubeconfig")
	}
	if c.ControlPlane.Namespace != old.ControlPlane.Namespace {
		fields = append(fields, "control_plane.namespace")
	}
	if c.Upstream.Health.Interval != old.Upstream.Health.Interval {
		fields = append(fields, "upstream.health.interval")
	}
	return fields
}
