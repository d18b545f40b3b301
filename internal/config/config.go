// Package config loads ad-dirsync settings from a YAML file and the
// environment.
//
// Sources apply in a fixed order: the file, then AD_DIRSYNC_* environment
// variables, then struct-tag defaults for whatever is still unset. The
// result is validated before it is returned.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	ldapclient "github.com/isometry/ad-dirsync/internal/ldap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AD_DIRSYNC_"

// Config is the top-level configuration document.
type Config struct {
	Connection Connection `yaml:"connection" envPrefix:"LDAP_"`
	Sync       Sync       `yaml:"sync" envPrefix:"SYNC_"`
	State      State      `yaml:"state" envPrefix:"STATE_"`
	Log        Log        `yaml:"log" envPrefix:"LOG_"`
}

// Connection holds directory connection and authentication settings.
type Connection struct {
	Domain  string        `yaml:"domain" env:"DOMAIN"`
	URLs    []string      `yaml:"urls" env:"URLS"`
	BaseDN  string        `yaml:"base_dn" env:"BASE_DN"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" default:"30s"`

	Username string   `yaml:"username" env:"USERNAME"`
	Password string   `yaml:"password" env:"PASSWORD,unset"`
	Kerberos Kerberos `yaml:"kerberos" envPrefix:"KERBEROS_"`
	TLS      TLS      `yaml:"tls" envPrefix:"TLS_"`

	MaxConnections int           `yaml:"max_connections" env:"MAX_CONNECTIONS" default:"4"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time" env:"MAX_IDLE_TIME" default:"5m"`
	HealthCheck    time.Duration `yaml:"health_check" env:"HEALTH_CHECK" default:"30s"`

	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES" default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF" default:"30s"`
	BackoffFactor  float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR" default:"2.0"`

	PageSize uint32 `yaml:"page_size" env:"PAGE_SIZE" default:"1000"`
}

// Kerberos selects GSSAPI authentication when Realm is set.
type Kerberos struct {
	Realm  string `yaml:"realm" env:"REALM"`
	Keytab string `yaml:"keytab" env:"KEYTAB"`
	Config string `yaml:"config" env:"CONFIG"`
	CCache string `yaml:"ccache" env:"CCACHE"`
	SPN    string `yaml:"spn" env:"SPN"`
}

// TLS controls transport security. Skip wins over Enabled.
type TLS struct {
	Enabled            *bool  `yaml:"enabled" env:"ENABLED" default:"true"`
	Skip               bool   `yaml:"skip" env:"SKIP"`
	CACertFile         string `yaml:"ca_cert_file" env:"CA_CERT_FILE"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// Sync describes what a poll tracks and how it behaves.
type Sync struct {
	Name             string   `yaml:"name" env:"NAME"`
	NamingContext    string   `yaml:"naming_context" env:"NAMING_CONTEXT"`
	DeletedObjectsDN string   `yaml:"deleted_objects_dn" env:"DELETED_OBJECTS_DN"`
	ObjectClass      string   `yaml:"object_class" env:"OBJECT_CLASS" default:"user"`
	CustomFilter     string   `yaml:"custom_filter" env:"CUSTOM_FILTER"`
	BaseContexts     []string `yaml:"base_contexts" env:"BASE_CONTEXTS" envSeparator:";"`
	Groups           []string `yaml:"groups" env:"GROUPS" envSeparator:";"`
	Attributes       []string `yaml:"attributes" env:"ATTRIBUTES"`

	MembershipMatch string `yaml:"membership_match" env:"MEMBERSHIP_MATCH" default:"any"`
	MembershipLoss  string `yaml:"membership_loss" env:"MEMBERSHIP_LOSS" default:"update"`

	TrackDeletes            *bool `yaml:"track_deletes" env:"TRACK_DELETES" default:"true"`
	InitialLoad             *bool `yaml:"initial_load" env:"INITIAL_LOAD" default:"true"`
	FallbackOnTokenRejected *bool `yaml:"fallback_on_token_rejected" env:"FALLBACK_ON_TOKEN_REJECTED" default:"true"`
	FetchFullEntry          bool  `yaml:"fetch_full_entry" env:"FETCH_FULL_ENTRY"`

	PageSizeHint int64         `yaml:"page_size_hint" env:"PAGE_SIZE_HINT"`
	MaxRounds    int           `yaml:"max_rounds" env:"MAX_ROUNDS" default:"1000"`
	ClockSkew    *time.Duration `yaml:"clock_skew" env:"CLOCK_SKEW" default:"5m"`
	Interval     time.Duration `yaml:"interval" env:"INTERVAL" default:"5m"`
}

// State locates the checkpoint database.
type State struct {
	Path string `yaml:"path" env:"PATH" default:"ad-dirsync.db"`
}

// Log sets the root logger level.
type Log struct {
	Level string `yaml:"level" env:"LEVEL" default:"info"`
}

// Load reads the configuration at path, which may be empty, and applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// decode parses YAML strictly so misspelled keys are reported.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks required fields, enumerations and ranges.
func (c *Config) Validate() error {
	var errs []error

	conn := c.Connection
	if conn.Domain == "" && len(conn.URLs) == 0 {
		errs = append(errs, errors.New("connection: domain or urls is required"))
	}
	if conn.Kerberos.Realm == "" && conn.Username != "" && conn.Password == "" {
		errs = append(errs, errors.New("connection: password is required for simple bind"))
	}
	if conn.Kerberos.Realm != "" && conn.Kerberos.Keytab == "" && conn.Kerberos.CCache == "" && conn.Password == "" {
		errs = append(errs, errors.New("connection.kerberos: password, keytab or ccache is required"))
	}
	if conn.Timeout <= 0 {
		errs = append(errs, errors.New("connection: timeout must be positive"))
	}
	if conn.MaxConnections <= 0 || conn.MaxConnections > ldapclient.MaxConnectionPoolLimit {
		errs = append(errs, fmt.Errorf("connection: max_connections must be between 1 and %d", ldapclient.MaxConnectionPoolLimit))
	}
	if conn.MaxRetries < 0 {
		errs = append(errs, errors.New("connection: max_retries cannot be negative"))
	}
	if conn.BackoffFactor <= 1.0 {
		errs = append(errs, errors.New("connection: backoff_factor must be greater than 1.0"))
	}

	s := c.Sync
	switch dirsync.MatchMode(s.MembershipMatch) {
	case dirsync.MatchAny, dirsync.MatchAll:
	default:
		errs = append(errs, fmt.Errorf("sync: membership_match must be %q or %q", dirsync.MatchAny, dirsync.MatchAll))
	}
	switch dirsync.LossPolicy(s.MembershipLoss) {
	case dirsync.LossUpdate, dirsync.LossDelete:
	default:
		errs = append(errs, fmt.Errorf("sync: membership_loss must be %q or %q", dirsync.LossUpdate, dirsync.LossDelete))
	}
	if s.NamingContext != "" {
		if err := ldapclient.ValidateDNSyntax(s.NamingContext); err != nil {
			errs = append(errs, fmt.Errorf("sync: naming_context: %w", err))
		}
	}
	for _, group := range s.Groups {
		if err := ldapclient.ValidateDNSyntax(group); err != nil {
			errs = append(errs, fmt.Errorf("sync: group %q: %w", group, err))
		}
	}
	for _, base := range s.BaseContexts {
		if err := ldapclient.ValidateDNSyntax(base); err != nil {
			errs = append(errs, fmt.Errorf("sync: base context %q: %w", base, err))
		}
	}
	if s.MaxRounds <= 0 {
		errs = append(errs, errors.New("sync: max_rounds must be positive"))
	}
	if s.PageSizeHint < 0 {
		errs = append(errs, errors.New("sync: page_size_hint cannot be negative"))
	}
	if s.ClockSkew != nil && *s.ClockSkew < 0 {
		errs = append(errs, errors.New("sync: clock_skew cannot be negative"))
	}
	if s.Interval <= 0 {
		errs = append(errs, errors.New("sync: interval must be positive"))
	}

	if c.State.Path == "" {
		errs = append(errs, errors.New("state: path is required"))
	}

	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// LDAPConfig converts the connection section for ldap.NewClient.
func (c *Config) LDAPConfig() *ldapclient.ConnectionConfig {
	conn := c.Connection

	return &ldapclient.ConnectionConfig{
		Domain:         conn.Domain,
		LDAPURLs:       conn.URLs,
		BaseDN:         conn.BaseDN,
		Timeout:        conn.Timeout,
		Username:       conn.Username,
		Password:       conn.Password,
		KerberosRealm:  conn.Kerberos.Realm,
		KerberosKeytab: conn.Kerberos.Keytab,
		KerberosConfig: conn.Kerberos.Config,
		KerberosCCache: conn.Kerberos.CCache,
		KerberosSPN:    conn.Kerberos.SPN,
		TLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: conn.TLS.InsecureSkipVerify, // #nosec G402 -- opt-in for lab directories
		},
		UseTLS:         boolValue(conn.TLS.Enabled) && !conn.TLS.Skip,
		SkipTLS:        conn.TLS.Skip,
		TLSCACertFile:  conn.TLS.CACertFile,
		MaxConnections: conn.MaxConnections,
		MaxIdleTime:    conn.MaxIdleTime,
		HealthCheck:    conn.HealthCheck,
		MaxRetries:     conn.MaxRetries,
		InitialBackoff: conn.InitialBackoff,
		MaxBackoff:     conn.MaxBackoff,
		BackoffFactor:  conn.BackoffFactor,
		PageSize:       conn.PageSize,
	}
}

// SyncConfig converts the sync section into an engine configuration.
// An empty naming context falls back to the connection base DN.
func (c *Config) SyncConfig() dirsync.Config {
	s := c.Sync

	namingContext := s.NamingContext
	if namingContext == "" {
		namingContext = c.Connection.BaseDN
	}

	return dirsync.Config{
		Scope: dirsync.Scope{
			ObjectClass:     s.ObjectClass,
			CustomFilter:    s.CustomFilter,
			BaseContexts:    s.BaseContexts,
			Groups:          s.Groups,
			MembershipMatch: dirsync.MatchMode(s.MembershipMatch),
			TrackDeletes:    boolValue(s.TrackDeletes),
		},
		Name:                    s.Name,
		NamingContext:           namingContext,
		DeletedObjectsDN:        s.DeletedObjectsDN,
		Attributes:              s.Attributes,
		MembershipLoss:          dirsync.LossPolicy(s.MembershipLoss),
		FetchFullEntry:          s.FetchFullEntry,
		InitialLoad:             boolValue(s.InitialLoad),
		FallbackOnTokenRejected: boolValue(s.FallbackOnTokenRejected),
		PageSizeHint:            s.PageSizeHint,
		MaxRounds:               s.MaxRounds,
		ClockSkew:               s.ClockSkew,
	}
}

// LogLevel returns the configured root logger level.
func (c *Config) LogLevel() hclog.Level {
	return hclog.LevelFromString(c.Log.Level)
}

func boolValue(b *bool) bool {
	return b != nil && *b
}
