package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pepperpark/mailshift/internal/migrate"
)

// Endpoint kinds.
const (
	KindIMAP  = "imap"
	KindMbox  = "mbox"
	KindGmail = "gmail"
)

// IMAP authentication mechanisms.
const (
	AuthLogin   = "login"
	AuthPlain   = "plain"
	AuthXOAuth2 = "xoauth2"
)

// Endpoint identifies one side of a transfer.
type Endpoint struct {
	Kind      string
	Host      string
	Port      int
	TLS       bool
	StartTLS  bool
	TLSVerify bool
	Auth      string
	Username  string
	Password  string
	Mailbox   string

	// Path is the mbox file for KindMbox.
	Path string

	// OAuth2 material for KindGmail and for IMAP with AuthXOAuth2.
	CredentialsFile string
	TokenFile       string
	// UserID is the Gmail user, "me" for the token owner.
	UserID string
}

// Addr returns host:port for network endpoints.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// String describes the endpoint for logs without credentials.
func (e Endpoint) String() string {
	switch e.Kind {
	case KindMbox:
		return "mbox:" + e.Path
	case KindGmail:
		return "gmail:" + e.UserID
	default:
		return fmt.Sprintf("imap://%s@%s/%s", e.Username, e.Addr(), e.Mailbox)
	}
}

// Config is a resolved migration job configuration.
type Config struct {
	// Path is the file the config was loaded from.
	Path string
	// Job is the job type, inferred from the endpoint kinds when unset.
	Job         string
	Source      Endpoint
	Destination Endpoint
	Options     migrate.Options
	// CreateDestMailbox creates a missing IMAP destination mailbox.
	CreateDestMailbox bool
}

type rawEndpoint struct {
	Kind            string `mapstructure:"kind"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	TLS             *bool  `mapstructure:"tls"`
	SSL             *bool  `mapstructure:"ssl"`
	StartTLS        bool   `mapstructure:"starttls"`
	TLSVerify       *bool  `mapstructure:"tls_verify"`
	SSLVerify       *bool  `mapstructure:"ssl_verify"`
	Auth            string `mapstructure:"auth"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Mailbox         string `mapstructure:"mailbox"`
	Path            string `mapstructure:"path"`
	CredentialsFile string `mapstructure:"credentials_file"`
	TokenFile       string `mapstructure:"token_file"`
	UserID          string `mapstructure:"user_id"`
}

type rawOptions struct {
	BatchSize           int      `mapstructure:"batch_size"`
	DedupeBy            string   `mapstructure:"dedupe_by"`
	DeleteAfterTransfer bool     `mapstructure:"delete_after_transfer"`
	DeleteAfterCopy     bool     `mapstructure:"delete_after_copy"`
	DeleteAfterImport   bool     `mapstructure:"delete_after_import"`
	SafetyMode          bool     `mapstructure:"safety_mode"`
	MaxRetries          int      `mapstructure:"max_retries"`
	RetryBackoffSec     float64  `mapstructure:"retry_backoff_sec"`
	Labels              []string `mapstructure:"labels"`
	GmailLabels         []string `mapstructure:"gmail_labels"`
	MarkAsUnread        bool     `mapstructure:"mark_as_unread"`
	SearchQuery         string   `mapstructure:"search_query"`
	CreateDestMailbox   bool     `mapstructure:"create_dest_mailbox"`
	IdleDelaySec        float64  `mapstructure:"idle_delay_sec"`
	MaxMessageBytes     int64    `mapstructure:"max_message_bytes"`
	Finalize            string   `mapstructure:"finalize"`
}

type rawConfig struct {
	Job         string       `mapstructure:"job"`
	Source      rawEndpoint  `mapstructure:"source"`
	Destination *rawEndpoint `mapstructure:"destination"`
	Dest        *rawEndpoint `mapstructure:"dest"`
	Gmail       *rawEndpoint `mapstructure:"gmail"`
	Options     rawOptions   `mapstructure:"options"`
}

// Load reads a YAML job configuration, applies defaults and environment
// overrides (MAILSHIFT_SOURCE_PASSWORD, MAILSHIFT_OPTIONS_BATCH_SIZE, ...),
// resolves keyring secrets and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSHIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("source.password")
	_ = v.BindEnv("destination.password")

	def := migrate.DefaultOptions()
	v.SetDefault("options.batch_size", def.BatchSize)
	v.SetDefault("options.dedupe_by", string(def.DedupeBy))
	v.SetDefault("options.safety_mode", def.SafetyMode)
	v.SetDefault("options.max_retries", def.MaxRetries)
	v.SetDefault("options.retry_backoff_sec", def.RetryBackoff.Seconds())
	v.SetDefault("options.mark_as_unread", def.MarkAsUnread)
	v.SetDefault("options.search_query", def.SearchQuery)
	v.SetDefault("options.create_dest_mailbox", true)
	v.SetDefault("options.finalize", string(def.Finalize))

	if err := v.ReadInConfig(); err != nil {
		var pe *os.PathError
		if errors.As(err, &pe) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg, err := raw.resolve()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Path = path
	if err := cfg.ResolveSecrets(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (r rawConfig) resolve() (*Config, error) {
	alias, kind := r.Dest, ""
	if alias == nil && r.Gmail != nil {
		alias, kind = r.Gmail, KindGmail
	}
	dst := r.Destination
	// An env-only destination.password creates a destination block
	// holding nothing else.
	if alias != nil && (dst == nil || (dst.Kind == "" && dst.Host == "" && dst.CredentialsFile == "")) {
		if dst != nil && dst.Password != "" {
			alias.Password = dst.Password
		}
		dst = alias
		if dst.Kind == "" {
			dst.Kind = kind
		}
	}
	if dst == nil {
		return nil, errors.New("missing destination block")
	}

	o := r.Options
	opts := migrate.Options{
		BatchSize:           o.BatchSize,
		DedupeBy:            migrate.DedupeMode(strings.ToLower(strings.TrimSpace(o.DedupeBy))),
		DeleteAfterTransfer: o.DeleteAfterTransfer || o.DeleteAfterCopy || o.DeleteAfterImport,
		SafetyMode:          o.SafetyMode,
		MaxRetries:          o.MaxRetries,
		RetryBackoff:        seconds(o.RetryBackoffSec),
		Labels:              append(append([]string(nil), o.Labels...), o.GmailLabels...),
		MarkAsUnread:        o.MarkAsUnread,
		SearchQuery:         strings.TrimSpace(o.SearchQuery),
		Finalize:            migrate.FinalizeMode(strings.ToLower(strings.TrimSpace(o.Finalize))),
		MaxMessageBytes:     o.MaxMessageBytes,
		IdleDelay:           seconds(o.IdleDelaySec),
	}
	if opts.SearchQuery == "" {
		opts.SearchQuery = "ALL"
	}

	cfg := &Config{
		Job:               strings.TrimSpace(r.Job),
		Source:            r.Source.endpoint(),
		Destination:       dst.endpoint(),
		Options:           opts,
		CreateDestMailbox: o.CreateDestMailbox,
	}
	if cfg.Job == "" {
		cfg.Job = cfg.Source.Kind + "_to_" + cfg.Destination.Kind
	}
	return cfg, nil
}

func (r rawEndpoint) endpoint() Endpoint {
	e := Endpoint{
		Kind:            strings.ToLower(strings.TrimSpace(r.Kind)),
		Host:            strings.TrimSpace(r.Host),
		Port:            r.Port,
		TLS:             firstBool(true, r.TLS, r.SSL),
		StartTLS:        r.StartTLS,
		TLSVerify:       firstBool(true, r.TLSVerify, r.SSLVerify),
		Auth:            strings.ToLower(strings.TrimSpace(r.Auth)),
		Username:        r.Username,
		Password:        r.Password,
		Mailbox:         r.Mailbox,
		Path:            r.Path,
		CredentialsFile: r.CredentialsFile,
		TokenFile:       r.TokenFile,
		UserID:          r.UserID,
	}
	if e.Kind == "" {
		e.Kind = KindIMAP
	}
	switch e.Kind {
	case KindIMAP:
		if e.StartTLS {
			e.TLS = false
		}
		if e.Port == 0 {
			e.Port = 143
			if e.TLS {
				e.Port = 993
			}
		}
		if e.Auth == "" {
			e.Auth = AuthLogin
		}
		if e.Mailbox == "" {
			e.Mailbox = "INBOX"
		}
	case KindGmail:
		if e.CredentialsFile == "" {
			e.CredentialsFile = "credentials.json"
		}
		if e.TokenFile == "" {
			e.TokenFile = "token.json"
		}
		if e.UserID == "" {
			e.UserID = "me"
		}
	}
	return e
}

// Validate checks the endpoints and options for a runnable job.
func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if c.Source.Kind == KindGmail {
		return errors.New("source: gmail is only supported as a destination")
	}
	if err := c.Destination.validate("destination"); err != nil {
		return err
	}
	if c.Destination.Kind == KindMbox {
		return errors.New("destination: mbox is only supported as a source")
	}
	if err := c.Options.Validate(); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if c.Source.Kind == KindMbox {
		if c.Options.DeleteAfterTransfer {
			return errors.New("options: delete_after_transfer is not supported for mbox sources")
		}
		if !strings.EqualFold(c.Options.SearchQuery, "ALL") {
			return fmt.Errorf("options: mbox sources only support search_query ALL, got %q", c.Options.SearchQuery)
		}
	}
	return nil
}

func (e Endpoint) validate(side string) error {
	switch e.Kind {
	case KindIMAP:
		if e.Host == "" {
			return fmt.Errorf("%s: host is required", side)
		}
		if e.Username == "" {
			return fmt.Errorf("%s: username is required", side)
		}
		switch e.Auth {
		case AuthLogin, AuthPlain:
		case AuthXOAuth2:
			if e.CredentialsFile == "" || e.TokenFile == "" {
				return fmt.Errorf("%s: xoauth2 needs credentials_file and token_file", side)
			}
		default:
			return fmt.Errorf("%s: unknown auth %q", side, e.Auth)
		}
		if e.Port <= 0 || e.Port > 65535 {
			return fmt.Errorf("%s: invalid port %d", side, e.Port)
		}
	case KindMbox:
		if e.Path == "" {
			return fmt.Errorf("%s: path is required for mbox", side)
		}
	case KindGmail:
		if e.CredentialsFile == "" || e.TokenFile == "" {
			return fmt.Errorf("%s: credentials_file and token_file are required for gmail", side)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", side, e.Kind)
	}
	return nil
}

func firstBool(def bool, vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return def
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
