// Package config loads the engine configuration of adescheck.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/certvalidator/fetchers"
	"github.com/kyriosdata/seguranca-sub004/certvalidator/revinfo"
	"github.com/kyriosdata/seguranca-sub004/keys"
	"github.com/kyriosdata/seguranca-sub004/sign/policy"
	"github.com/kyriosdata/seguranca-sub004/sign/validation"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrInvalidOID         = errors.New("invalid OID")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err == nil {
		return ErrConfigurationError
	}
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// CacheConfig locates the revocation list cache.
type CacheConfig struct {
	// Dir holds one file per cached list. Empty selects a directory under
	// the user cache directory.
	Dir string `yaml:"dir"`

	// MaxAge is how long an unread list is kept.
	MaxAge time.Duration `yaml:"max_age"`
}

// NetworkConfig controls CRL and OCSP retrieval.
type NetworkConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Timeout         time.Duration `yaml:"timeout"`
	UserAgent       string        `yaml:"user_agent"`
	MaxResponseSize int64         `yaml:"max_response_size"`

	// Proxy overrides the environment proxy settings.
	Proxy string `yaml:"proxy"`

	// LDAPAttribute is requested from LDAP distribution points that name
	// none.
	LDAPAttribute string `yaml:"ldap_attribute"`

	// Offline disables every retrieval; only embedded and cached revocation
	// data is used.
	Offline bool `yaml:"offline"`
}

// TrustConfig lists certificate files and directories. Signing and
// Timestamping apply to policies that declare no anchors of their own.
type TrustConfig struct {
	Signing       []string `yaml:"signing"`
	Timestamping  []string `yaml:"timestamping"`
	Intermediates []string `yaml:"intermediates"`
}

// RulesConfig overrides the ICP-Brasil policy identifier patterns.
type RulesConfig struct {
	LegacyPattern string   `yaml:"legacy_pattern"`
	RefsMarkers   []string `yaml:"refs_markers"`
	ValuesMarkers []string `yaml:"values_markers"`
}

// SignerConfig constrains signer certificates.
type SignerConfig struct {
	KeyUsage          []string `yaml:"key_usage"`
	KeyUsageForbidden []string `yaml:"key_usage_forbidden"`
	MatchAllKeyUsages bool     `yaml:"match_all_key_usages"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log format (text, json).
	Format string `yaml:"format"`
}

// Config is the engine configuration.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Network NetworkConfig `yaml:"network"`
	Trust   TrustConfig   `yaml:"trust"`

	// Policies is the path of the policy file.
	Policies string `yaml:"policies"`

	// DefaultPolicy is used for signatures that do not identify their
	// policy.
	DefaultPolicy string `yaml:"default_policy"`

	Rules  RulesConfig  `yaml:"rules"`
	Signer SignerConfig `yaml:"signer"`
	Log    LogConfig    `yaml:"log"`

	// baseDir resolves relative paths, the directory of the loaded file.
	baseDir string
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	fc := fetchers.DefaultConfig()
	return &Config{
		Cache: CacheConfig{
			MaxAge: revinfo.DefaultMaxAge,
		},
		Network: NetworkConfig{
			ConnectTimeout:  fc.ConnectTimeout,
			Timeout:         fc.Timeout,
			UserAgent:       fc.UserAgent,
			MaxResponseSize: fc.MaxResponseSize,
			LDAPAttribute:   fc.LDAPAttribute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads a configuration from a YAML file. Relative paths in the
// file are resolved against its directory.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.baseDir = filepath.Dir(filename)
	return cfg, nil
}

// ParseConfig parses configuration from YAML data over the defaults. Unknown
// keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: fmt.Sprintf("failed to parse config: %v", err), Err: ErrConfigurationError}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that can be checked without touching the
// filesystem or the network.
func (c *Config) Validate() error {
	if c.Cache.MaxAge < 0 {
		return NewConfigError("cache.max_age", "must not be negative")
	}
	if c.Network.ConnectTimeout < 0 {
		return NewConfigError("network.connect_timeout", "must not be negative")
	}
	if c.Network.Timeout < 0 {
		return NewConfigError("network.timeout", "must not be negative")
	}
	if c.Network.MaxResponseSize < 0 {
		return NewConfigError("network.max_response_size", "must not be negative")
	}
	if c.DefaultPolicy != "" {
		if _, err := ProcessOID(c.DefaultPolicy); err != nil {
			return &ConfigError{Field: "default_policy", Message: err.Error(), Err: ErrInvalidOID}
		}
	}
	if c.Rules.LegacyPattern != "" {
		if _, err := regexp.Compile(c.Rules.LegacyPattern); err != nil {
			return NewConfigError("rules.legacy_pattern", err.Error())
		}
	}
	if _, err := c.SignerConstraints(); err != nil {
		return NewConfigError("signer", err.Error())
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return NewConfigError("log.level", err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return NewConfigError("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

// ProcessOID validates a dotted OID string.
func ProcessOID(oidString string) (string, error) {
	if oidString == "" {
		return "", NewConfigError("oid", "OID string is empty")
	}
	if !OIDRegex.MatchString(oidString) {
		return "", fmt.Errorf("%w: %s", ErrInvalidOID, oidString)
	}
	return oidString, nil
}

// Path resolves p against the directory of the configuration file.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// CacheDir returns the revocation cache directory.
func (c *Config) CacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Path(c.Cache.Dir), nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", &ConfigError{Field: "cache.dir", Message: err.Error()}
	}
	return filepath.Join(base, "adescheck", "crls"), nil
}

// FetcherConfig translates the network settings.
func (c *Config) FetcherConfig() (*fetchers.FetcherConfig, error) {
	fc := fetchers.DefaultConfig()
	if c.Network.ConnectTimeout > 0 {
		fc.ConnectTimeout = c.Network.ConnectTimeout
	}
	if c.Network.Timeout > 0 {
		fc.Timeout = c.Network.Timeout
	}
	if c.Network.UserAgent != "" {
		fc.UserAgent = c.Network.UserAgent
	}
	if c.Network.MaxResponseSize > 0 {
		fc.MaxResponseSize = c.Network.MaxResponseSize
	}
	if c.Network.LDAPAttribute != "" {
		fc.LDAPAttribute = c.Network.LDAPAttribute
	}
	if c.Network.Proxy != "" {
		hc := fetchers.DefaultHTTPClientConfig()
		hc.Timeout = fc.Timeout
		hc.DialTimeout = fc.ConnectTimeout
		hc.ProxyURL = c.Network.Proxy
		client, err := fetchers.NewHTTPClient(hc)
		if err != nil {
			return nil, &ConfigError{Field: "network.proxy", Message: err.Error()}
		}
		fc.HTTPClient = client
	}
	return fc, nil
}

// PolicyRules returns the ICP-Brasil rules with the configured overrides.
func (c *Config) PolicyRules() policy.Rules {
	r := policy.DefaultRules()
	if c.Rules.LegacyPattern != "" {
		r.Legacy = regexp.MustCompile(c.Rules.LegacyPattern)
	}
	if len(c.Rules.RefsMarkers) > 0 {
		r.RefsMarkers = c.Rules.RefsMarkers
	}
	if len(c.Rules.ValuesMarkers) > 0 {
		r.ValuesMarkers = c.Rules.ValuesMarkers
	}
	return r
}

// SignerConstraints returns the key usage constraints on signer
// certificates. Without settings, the ICP-Brasil signing constraints apply.
func (c *Config) SignerConstraints() (*validation.KeyUsageConstraints, error) {
	s := c.Signer
	if len(s.KeyUsage) == 0 && len(s.KeyUsageForbidden) == 0 {
		return validation.SigningConstraints(), nil
	}
	required, err := validation.ParseKeyUsages(s.KeyUsage)
	if err != nil {
		return nil, err
	}
	forbidden, err := validation.ParseKeyUsages(s.KeyUsageForbidden)
	if err != nil {
		return nil, err
	}
	return &validation.KeyUsageConstraints{
		KeyUsage:          required,
		KeyUsageForbidden: forbidden,
		MatchAll:          s.MatchAllKeyUsages,
	}, nil
}

// LoadPolicies reads the policy file. Policies without anchors receive the
// configured ones.
func (c *Config) LoadPolicies() (*policy.StaticProvider, error) {
	sp := policy.NewStaticProvider()
	if c.Policies != "" {
		var err error
		if sp, err = policy.LoadFile(c.Path(c.Policies)); err != nil {
			return nil, err
		}
	}

	signing, err := c.anchors(c.Trust.Signing)
	if err != nil {
		return nil, &ConfigError{Field: "trust.signing", Message: err.Error()}
	}
	stamping, err := c.anchors(c.Trust.Timestamping)
	if err != nil {
		return nil, &ConfigError{Field: "trust.timestamping", Message: err.Error()}
	}
	for _, oid := range sp.OIDs() {
		p, err := sp.Policy(oid)
		if err != nil {
			return nil, err
		}
		if p.Signing.Anchors.Empty() {
			p.Signing.Anchors = signing
		}
		if p.TimeStamping.Anchors.Empty() {
			p.TimeStamping.Anchors = stamping
		}
	}
	return sp, nil
}

func (c *Config) anchors(paths []string) (*certvalidator.TrustAnchorSet, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	certs, err := keys.LoadCertsFromPaths(c.baseDir, paths)
	if err != nil {
		return nil, err
	}
	return certvalidator.NewTrustAnchorSet(certs...), nil
}

// LoadIntermediates returns a store holding the configured intermediate
// certificates.
func (c *Config) LoadIntermediates() (*certvalidator.SimpleCertificateStore, error) {
	store := certvalidator.NewSimpleCertificateStore()
	if len(c.Trust.Intermediates) == 0 {
		return store, nil
	}
	certs, err := keys.LoadCertsFromPaths(c.baseDir, c.Trust.Intermediates)
	if err != nil {
		return nil, &ConfigError{Field: "trust.intermediates", Message: err.Error()}
	}
	store.Add(certs...)
	return store, nil
}
