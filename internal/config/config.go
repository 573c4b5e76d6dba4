package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the runner configuration, loaded from a YAML file with
// environment overrides (prefix GMAILINTEL_, dots as underscores).
type Config struct {
	Backend       string `mapstructure:"backend"`
	DBPath        string `mapstructure:"db_path"`
	AttachmentDir string `mapstructure:"attachment_dir"`
	NATSURL       string `mapstructure:"nats_url"`

	Gmail GmailConfig `mapstructure:"gmail"`
	IMAP  IMAPConfig  `mapstructure:"imap"`

	Extract ExtractConfig `mapstructure:"extract"`
}

type GmailConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
	TokenPath       string `mapstructure:"token_path"`
	User            string `mapstructure:"user"`
}

type IMAPConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Mailbox  string `mapstructure:"mailbox"`
}

type ExtractConfig struct {
	MaxResults int64       `mapstructure:"max_results"`
	Query      []Predicate `mapstructure:"query"`
}

type Predicate struct {
	Field string `mapstructure:"field"`
	Value string `mapstructure:"value"`
}

// Load reads configuration from the given file, or from ./config.yaml when
// path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("backend", "GMAIL_API")
	v.SetDefault("db_path", "data/mail.db")
	v.SetDefault("attachment_dir", "data/attachments")
	v.SetDefault("gmail.user", "me")
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("extract.max_results", 100)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GMAILINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
