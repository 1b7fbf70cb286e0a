// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relaymail client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultAuthHeader  = "x-auth-token"
	defaultMaxFiles    = 10
	defaultMaxFileSize = 100 * 1024 * 1024
	defaultDebounce    = 300 * time.Millisecond
	defaultMinQueryLen = 2
)

// Config holds the complete application configuration.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Sender     SenderConfig     `yaml:"sender"`
	Limits     LimitsConfig     `yaml:"limits"`
	Search     SearchConfig     `yaml:"search"`
	Relay      RelayConfig      `yaml:"relay"`
	Credential CredentialConfig `yaml:"credential"`
	SES        SESConfig        `yaml:"ses"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Graph      GraphConfig      `yaml:"graph"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// APIConfig holds the relay API endpoint settings.
type APIConfig struct {
	URL                string        `yaml:"url" validate:"omitempty,url"`
	Timeout            time.Duration `yaml:"timeout" validate:"gte=0"`
	AuthHeader         string        `yaml:"auth_header"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// SenderConfig holds the sender address parts.
type SenderConfig struct {
	Domain string `yaml:"domain" validate:"omitempty,hostname"`
	Prefix string `yaml:"prefix"`
}

// LimitsConfig holds the attachment limits.
type LimitsConfig struct {
	MaxFiles             int      `yaml:"max_files" validate:"gt=0"`
	MaxFileSize          int64    `yaml:"max_file_size" validate:"gt=0"`
	AllowedMIMETypes     []string `yaml:"allowed_mime_types"`
	MaxConcurrentUploads int      `yaml:"max_concurrent_uploads" validate:"gte=0"`
}

// SearchConfig holds the directory suggestion settings.
type SearchConfig struct {
	MinQueryLength int           `yaml:"min_query_length" validate:"gt=0"`
	Debounce       time.Duration `yaml:"debounce" validate:"gte=0"`
}

// RelayConfig selects the submission backend.
type RelayConfig struct {
	Backend string `yaml:"backend" validate:"oneof=http ses smtp graph stdout"`
}

// CredentialConfig holds the token sources, tried in order: static token,
// client credentials, keyring.
type CredentialConfig struct {
	Token        string   `yaml:"token"`
	KeyringUser  string   `yaml:"keyring_user"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url" validate:"omitempty,url"`
	Scopes       []string `yaml:"scopes"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// SMTPConfig holds the outbound SMTP server configuration.
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender" validate:"omitempty,email"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file merged over the
// defaults, then overrides with environment variables. Returns an error if
// the specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := mergo.Merge(cfg, file, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

var validate = validator.New()

// Validate checks field rules and the settings the selected relay backend
// needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Relay.Backend {
	case "http":
		if c.API.URL == "" {
			return fmt.Errorf("invalid configuration: api.url is required for the http relay")
		}
	case "ses":
		if c.SES.Region == "" {
			return fmt.Errorf("invalid configuration: ses.region is required for the ses relay")
		}
	case "smtp":
		if c.SMTP.Host == "" {
			return fmt.Errorf("invalid configuration: smtp.host is required for the smtp relay")
		}
	case "graph":
		if !c.GraphConfigured() {
			return fmt.Errorf("invalid configuration: graph.tenant_id, graph.client_id and graph.client_secret are required for the graph relay")
		}
	}
	return nil
}

// ClientCredentialsConfigured returns true if the OAuth2 client credentials
// flow can be used.
func (c *Config) ClientCredentialsConfigured() bool {
	return c.Credential.ClientID != "" &&
		c.Credential.ClientSecret != "" &&
		c.Credential.TokenURL != ""
}

// GraphConfigured returns true if the Graph relay can authenticate.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.API.Timeout = defaultTimeout
	c.API.AuthHeader = defaultAuthHeader
	c.Limits.MaxFiles = defaultMaxFiles
	c.Limits.MaxFileSize = defaultMaxFileSize
	c.Search.MinQueryLength = defaultMinQueryLen
	c.Search.Debounce = defaultDebounce
	c.Relay.Backend = "http"
	c.SMTP.Port = 587
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.API.URL, "API_URL")
	setDuration(&c.API.Timeout, "API_TIMEOUT")
	setString(&c.API.AuthHeader, "API_AUTH_HEADER")
	setString(&c.API.CAFile, "API_CA_FILE")
	setBool(&c.API.InsecureSkipVerify, "API_INSECURE_SKIP_VERIFY")

	setString(&c.Sender.Domain, "SENDER_DOMAIN")
	setString(&c.Sender.Prefix, "SENDER_PREFIX")

	if v := os.Getenv("LIMITS_MAX_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxFiles = n
		}
	}
	if v := os.Getenv("LIMITS_MAX_FILE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Limits.MaxFileSize = size
		}
	}
	setList(&c.Limits.AllowedMIMETypes, "LIMITS_ALLOWED_MIME_TYPES")
	if v := os.Getenv("LIMITS_MAX_CONCURRENT_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxConcurrentUploads = n
		}
	}

	if v := os.Getenv("SEARCH_MIN_QUERY_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Search.MinQueryLength = n
		}
	}
	setDuration(&c.Search.Debounce, "SEARCH_DEBOUNCE")

	if v := os.Getenv("RELAY_BACKEND"); v != "" {
		c.Relay.Backend = strings.ToLower(v)
	}

	setString(&c.Credential.Token, "AUTH_TOKEN")
	setString(&c.Credential.KeyringUser, "AUTH_KEYRING_USER")
	setString(&c.Credential.ClientID, "AUTH_CLIENT_ID")
	setString(&c.Credential.ClientSecret, "AUTH_CLIENT_SECRET")
	setString(&c.Credential.TokenURL, "AUTH_TOKEN_URL")
	setList(&c.Credential.Scopes, "AUTH_SCOPES")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.SMTP.Host, "SMTP_HOST")
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setBool(&c.SMTP.InsecureSkipVerify, "SMTP_INSECURE_SKIP_VERIFY")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setList reads a comma-separated list.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
