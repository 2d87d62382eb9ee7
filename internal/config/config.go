// Package config loads Direct client configuration from YAML.
//
// Environment variables are expanded (${VAR} or $VAR) before parsing, so
// credentials can be injected at runtime. An optional dotenv file is loaded
// into the environment first.
//
// # Example Configuration
//
//	address: bob@hospital.direct
//	backend: imap-like
//
//	identity:
//	  certFile: /etc/direct/bob.crt
//	  keyFile: /etc/direct/bob.key
//
//	imap:
//	  host: imap.hisp.example
//	  username: bob
//	  password: ${IMAP_PASSWORD}
//	  ackPolicy: move
//
//	smtp:
//	  host: smtp.hisp.example
//	  username: bob
//	  password: ${SMTP_PASSWORD}
//
//	audit:
//	  dir: /var/lib/direct/audit
//	  chainSecret: ${AUDIT_CHAIN_SECRET}
//
// See [Load] for loading configuration from a file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hipaadirect/direct-go/internal/address"
	"github.com/hipaadirect/direct-go/internal/transport"
	"github.com/hipaadirect/direct-go/internal/transport/imap"
	"github.com/hipaadirect/direct-go/internal/transport/pop3"
	"github.com/hipaadirect/direct-go/internal/transport/queue"
	"github.com/hipaadirect/direct-go/internal/transport/smtp"
)

// Config is the root configuration structure.
type Config struct {
	// Address is the local Direct address messages are sent from and
	// received for.
	Address string `yaml:"address"`
	// Domains restricts the sender domains accepted by the builder. It
	// defaults to the domain of Address.
	Domains []string `yaml:"domains"`
	// Backend is one of pop3-like, imap-like or queue-rest.
	Backend string `yaml:"backend"`

	Identity IdentityConfig `yaml:"identity"`
	Certs    CertsConfig    `yaml:"certs"`

	// RecipientPolicy is "reject" (default) or "warn" for expired
	// recipient certificates.
	RecipientPolicy string `yaml:"recipientPolicy"`
	// AllowUnencrypted sends signed but unencrypted messages and accepts
	// them inbound. Test use only.
	AllowUnencrypted bool `yaml:"allowUnencrypted"`

	POP3  POP3Config  `yaml:"pop3"`
	IMAP  IMAPConfig  `yaml:"imap"`
	Queue QueueConfig `yaml:"queue"`
	SMTP  SMTPConfig  `yaml:"smtp"`

	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// IdentityConfig locates the local certificate and private key. When
// both are empty the identity is read from the certificate store.
type IdentityConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// CertsConfig holds certificate store and trust settings.
type CertsConfig struct {
	// Dir is the certificate store directory. Partner certificates used
	// for encryption are looked up here by address.
	Dir string `yaml:"dir"`
	// TrustAnchors are PEM files of trusted root certificates.
	TrustAnchors []string `yaml:"trustAnchors"`
}

// POP3Config holds POP3 settings.
type POP3Config struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	TLS               bool          `yaml:"tls"`
	TLSSkipVerify     bool          `yaml:"tlsSkipVerify"`
	Timeout           time.Duration `yaml:"timeout"`
	AutoDeleteOnFetch bool          `yaml:"autoDeleteOnFetch"`
}

// IMAPConfig holds IMAP settings.
type IMAPConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	Security         string        `yaml:"security"`
	TLSSkipVerify    bool          `yaml:"tlsSkipVerify"`
	Mailbox          string        `yaml:"mailbox"`
	ProcessedMailbox string        `yaml:"processedMailbox"`
	AckPolicy        string        `yaml:"ackPolicy"`
	Timeout          time.Duration `yaml:"timeout"`
}

// QueueConfig holds queue REST settings.
type QueueConfig struct {
	BaseURL  string        `yaml:"baseURL"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMTPConfig holds submission settings for POP3 and IMAP deployments.
type SMTPConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Security      string        `yaml:"security"`
	TLSSkipVerify bool          `yaml:"tlsSkipVerify"`
	Timeout       time.Duration `yaml:"timeout"`
}

// AuditConfig selects the audit sinks. Dir is the readable primary; the
// Postgres and Kafka sinks are optional.
type AuditConfig struct {
	Dir         string `yaml:"dir"`
	ChainSecret string `yaml:"chainSecret"`
	// SealKeyFile holds the hex-encoded ML-DSA seed used to seal closed
	// segments.
	SealKeyFile string         `yaml:"sealKeyFile"`
	Postgres    PostgresConfig `yaml:"postgres"`
	Kafka       KafkaConfig    `yaml:"kafka"`
}

// PostgresConfig configures the Postgres audit sink.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// KafkaConfig configures the Kafka audit mirror.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. Each envFile is loaded into
// the environment first; missing env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if len(c.Domains) == 0 {
		if a, err := address.Parse(c.Address); err == nil {
			c.Domains = []string{a.Domain()}
		}
	}
	if c.RecipientPolicy == "" {
		c.RecipientPolicy = "reject"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Audit.Kafka.Topic == "" {
		c.Audit.Kafka.Topic = "direct.audit"
	}
}

// Validate reports every problem in c.
func (c *Config) Validate() error {
	var errs []error
	if _, err := address.Parse(c.Address); err != nil {
		errs = append(errs, fmt.Errorf("address: %w", err))
	}

	kind, ok := transport.ParseKind(c.Backend)
	if !ok {
		errs = append(errs, fmt.Errorf("backend must be 'pop3-like', 'imap-like' or 'queue-rest', got %q", c.Backend))
	}
	switch kind {
	case transport.KindPOP3:
		if c.POP3.Host == "" {
			errs = append(errs, errors.New("pop3.host is required when backend is pop3-like"))
		}
	case transport.KindIMAP:
		if c.IMAP.Host == "" {
			errs = append(errs, errors.New("imap.host is required when backend is imap-like"))
		}
		switch transport.AckPolicy(c.IMAP.AckPolicy) {
		case transport.AckDefault, transport.AckMarkRead, transport.AckMove, transport.AckDelete:
		default:
			errs = append(errs, fmt.Errorf("imap.ackPolicy must be 'mark_read', 'move' or 'delete', got %q", c.IMAP.AckPolicy))
		}
		if err := checkSecurity("imap.security", c.IMAP.Security); err != nil {
			errs = append(errs, err)
		}
	case transport.KindQueue:
		if c.Queue.BaseURL == "" {
			errs = append(errs, errors.New("queue.baseURL is required when backend is queue-rest"))
		}
	}
	if err := checkSecurity("smtp.security", c.SMTP.Security); err != nil {
		errs = append(errs, err)
	}

	switch c.RecipientPolicy {
	case "reject", "warn":
	default:
		errs = append(errs, fmt.Errorf("recipientPolicy must be 'reject' or 'warn', got %q", c.RecipientPolicy))
	}
	if (c.Identity.CertFile == "") != (c.Identity.KeyFile == "") {
		errs = append(errs, errors.New("identity.certFile and identity.keyFile must be set together"))
	}
	return errors.Join(errs...)
}

func checkSecurity(field, v string) error {
	switch transport.Security(v) {
	case "", transport.SecurityTLS, transport.SecurityStartTLS, transport.SecurityNone:
		return nil
	}
	return fmt.Errorf("%s must be 'tls', 'starttls' or 'none', got %q", field, v)
}

// Kind returns the parsed backend kind. It is valid after Validate.
func (c *Config) Kind() transport.Kind {
	k, _ := transport.ParseKind(c.Backend)
	return k
}

// Warn reports whether expired recipients are encrypted with a warning.
func (c *Config) Warn() bool {
	return strings.EqualFold(c.RecipientPolicy, "warn")
}

// Backend returns the POP3 backend configuration.
func (c POP3Config) Backend() pop3.Config {
	return pop3.Config{
		Host:              c.Host,
		Port:              c.Port,
		Username:          c.Username,
		Password:          c.Password,
		TLS:               c.TLS,
		TLSSkipVerify:     c.TLSSkipVerify,
		Timeout:           c.Timeout,
		AutoDeleteOnFetch: c.AutoDeleteOnFetch,
	}
}

// Backend returns the IMAP backend configuration.
func (c IMAPConfig) Backend() imap.Config {
	return imap.Config{
		Host:             c.Host,
		Port:             c.Port,
		Username:         c.Username,
		Password:         c.Password,
		Security:         transport.Security(c.Security),
		TLSSkipVerify:    c.TLSSkipVerify,
		Mailbox:          c.Mailbox,
		ProcessedMailbox: c.ProcessedMailbox,
		AckPolicy:        transport.AckPolicy(c.AckPolicy),
		Timeout:          c.Timeout,
	}
}

// Backend returns the queue backend configuration.
func (c QueueConfig) Backend() queue.Config {
	return queue.Config{
		BaseURL:  c.BaseURL,
		Username: c.Username,
		Password: c.Password,
		Timeout:  c.Timeout,
	}
}

// Submitter returns the SMTP submitter configuration.
func (c SMTPConfig) Submitter() smtp.Config {
	return smtp.Config{
		Host:          c.Host,
		Port:          c.Port,
		Username:      c.Username,
		Password:      c.Password,
		Security:      transport.Security(c.Security),
		TLSSkipVerify: c.TLSSkipVerify,
		Timeout:       c.Timeout,
	}
}
