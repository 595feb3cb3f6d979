package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/clienthello"
	hn "github.com/AtDexters-Lab/sni-relay/internal/hostnames"
	"gopkg.in/yaml.v3"
)

const (
	defaultClientHelloTimeout = 5 * time.Second
	defaultDialTimeout        = 10 * time.Second
	defaultAcmeCacheDir       = "acme_certs"
	defaultJWTIssuer          = "sni-relay"
)

// Backend is one upstream that receives relayed TLS streams.
type Backend struct {
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight,omitempty"`
	// ProxyProtocol is 0 (off), 1 or 2.
	ProxyProtocol int `yaml:"proxyProtocol,omitempty"`
}

// Route maps hostnames, exact or "*.example.com" patterns, to backends.
type Route struct {
	Hostnames []string  `yaml:"hostnames"`
	Backends  []Backend `yaml:"backends"`
}

// Listener is one public TCP address accepting TLS clients.
type Listener struct {
	Address string `yaml:"address"`
	// AcceptRate limits new connections per second; 0 disables the limit.
	AcceptRate  float64 `yaml:"acceptRate,omitempty"`
	AcceptBurst int     `yaml:"acceptBurst,omitempty"`
}

// Admin holds the settings for the management server.
type Admin struct {
	ListenAddress string `yaml:"listenAddress"`
	JWTSecret     string `yaml:"jwtSecret"`
	JWTIssuer     string `yaml:"jwtIssuer"`

	// Manual TLS configuration
	TlsCertFile string `yaml:"tlsCertFile"`
	TlsKeyFile  string `yaml:"tlsKeyFile"`

	// Automatic TLS configuration via ACME
	PublicHostname string `yaml:"publicHostname"`
	AcmeCacheDir   string `yaml:"acmeCacheDir"`
}

// Enabled reports whether the admin server should run.
func (a Admin) Enabled() bool {
	return a.ListenAddress != ""
}

// Logging holds log output settings.
type Logging struct {
	Dir     string `yaml:"dir"`
	Verbose bool   `yaml:"verbose"`
	JSON    bool   `yaml:"json"`
}

// Config holds the entire application configuration, loaded from a YAML file.
type Config struct {
	Listeners           []Listener `yaml:"listeners"`
	Routes              []Route    `yaml:"routes"`
	DefaultRoute        []Backend  `yaml:"defaultRoute"`
	ClientHelloTimeout  Duration   `yaml:"clientHelloTimeout"`
	DialTimeout         Duration   `yaml:"dialTimeout"`
	IdleTimeoutSeconds  int        `yaml:"idleTimeoutSeconds"`
	MaxClientHelloBytes int        `yaml:"maxClientHelloBytes"`
	Admin               Admin      `yaml:"admin"`
	Logging             Logging    `yaml:"logging"`
}

// IdleTimeout returns the idle timeout as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// applyDefaults fills in zero values that have a sensible default.
func (c *Config) applyDefaults() {
	if c.ClientHelloTimeout.Duration == 0 {
		c.ClientHelloTimeout.Duration = defaultClientHelloTimeout
	}
	if c.DialTimeout.Duration == 0 {
		c.DialTimeout.Duration = defaultDialTimeout
	}
	if c.MaxClientHelloBytes == 0 {
		c.MaxClientHelloBytes = clienthello.MaxRecordLen
	}
	if c.Admin.JWTIssuer == "" {
		c.Admin.JWTIssuer = defaultJWTIssuer
	}
	if c.Admin.PublicHostname != "" && c.Admin.AcmeCacheDir == "" {
		c.Admin.AcmeCacheDir = defaultAcmeCacheDir
	}
}

// Validate performs comprehensive validation of the loaded configuration.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener must be specified")
	}
	for i, l := range c.Listeners {
		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			return fmt.Errorf("listeners[%d]: invalid address %q: %w", i, l.Address, err)
		}
		if l.AcceptRate < 0 || l.AcceptBurst < 0 {
			return fmt.Errorf("listeners[%d]: acceptRate and acceptBurst cannot be negative", i)
		}
	}

	if len(c.Routes) == 0 && len(c.DefaultRoute) == 0 {
		return fmt.Errorf("at least one route or a defaultRoute must be specified")
	}
	seen := make(map[string]int)
	for i, r := range c.Routes {
		if len(r.Hostnames) == 0 {
			return fmt.Errorf("routes[%d]: at least one hostname is required", i)
		}
		for _, h := range r.Hostnames {
			if err := hn.ValidPattern(h); err != nil {
				return fmt.Errorf("routes[%d]: %w", i, err)
			}
			key := hn.NormalizePattern(h)
			if prev, dup := seen[key]; dup {
				return fmt.Errorf("routes[%d]: hostname %q already routed by routes[%d]", i, h, prev)
			}
			seen[key] = i
		}
		if err := validateBackends(fmt.Sprintf("routes[%d]", i), r.Backends); err != nil {
			return err
		}
	}
	if len(c.DefaultRoute) > 0 {
		if err := validateBackends("defaultRoute", c.DefaultRoute); err != nil {
			return err
		}
	}

	if c.ClientHelloTimeout.Duration < 0 || c.DialTimeout.Duration < 0 {
		return fmt.Errorf("clientHelloTimeout and dialTimeout cannot be negative")
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idleTimeoutSeconds cannot be negative")
	}
	if c.MaxClientHelloBytes < clienthello.HeaderLen+4 || c.MaxClientHelloBytes > clienthello.MaxRecordLen {
		return fmt.Errorf("maxClientHelloBytes must be between %d and %d", clienthello.HeaderLen+4, clienthello.MaxRecordLen)
	}

	return c.Admin.validate()
}

func validateBackends(where string, backends []Backend) error {
	if len(backends) == 0 {
		return fmt.Errorf("%s: at least one backend is required", where)
	}
	for j, b := range backends {
		if _, _, err := net.SplitHostPort(b.Address); err != nil {
			return fmt.Errorf("%s.backends[%d]: invalid address %q: %w", where, j, b.Address, err)
		}
		if b.Weight < 0 {
			return fmt.Errorf("%s.backends[%d]: weight cannot be negative", where, j)
		}
		if b.ProxyProtocol < 0 || b.ProxyProtocol > 2 {
			return fmt.Errorf("%s.backends[%d]: proxyProtocol must be 0, 1 or 2", where, j)
		}
	}
	return nil
}

func (a Admin) validate() error {
	if !a.Enabled() {
		return nil
	}
	host, _, err := net.SplitHostPort(a.ListenAddress)
	if err != nil {
		return fmt.Errorf("admin.listenAddress: invalid address %q: %w", a.ListenAddress, err)
	}
	if a.JWTSecret == "" && !isLoopback(host) {
		return fmt.Errorf("admin.jwtSecret must be set when the admin server listens on a non-loopback address")
	}

	// Validate TLS configuration: manual or automatic, but not both.
	manualTls := a.TlsCertFile != "" || a.TlsKeyFile != ""
	automaticTls := a.PublicHostname != ""
	if manualTls && automaticTls {
		return fmt.Errorf("cannot specify both manual TLS (admin.tlsCertFile/tlsKeyFile) and automatic TLS (admin.publicHostname) settings")
	}
	if manualTls && (a.TlsCertFile == "" || a.TlsKeyFile == "") {
		return fmt.Errorf("both admin.tlsCertFile and admin.tlsKeyFile must be set for manual TLS")
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CLIOverrides holds values from CLI flags that override the file. A nil
// pointer means the flag was not set.
type CLIOverrides struct {
	LogDir  *string
	Verbose *bool
	JSON    *bool
}

// Merge applies CLI flag overrides to a loaded config.
func (c *Config) Merge(o CLIOverrides) {
	if o.LogDir != nil {
		c.Logging.Dir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Logging.Verbose = *o.Verbose
	}
	if o.JSON != nil {
		c.Logging.JSON = *o.JSON
	}
}

// Parse unmarshals YAML configuration and applies defaults. It does not
// validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadConfig reads the configuration from the given file path, unmarshals it,
// and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
