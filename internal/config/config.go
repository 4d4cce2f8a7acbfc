// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mailbridge-io/mailbridge/internal/faults"
	"github.com/mailbridge-io/mailbridge/internal/logger"
)

// Config is the validated configuration struct built once at startup.
// All required fields are enumerated by Validate; env overrides use the
// MAILBRIDGE_ prefix (e.g. MAILBRIDGE_DATABASE_PASSWORD).
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mail       MailConfig       `mapstructure:"mail"`
	Company    CompanyConfig    `mapstructure:"company"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres|mysql|sqlite3
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"` // sqlite3 only
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type MailConfig struct {
	Inbound  InboundMailConfig  `mapstructure:"inbound"`
	Outbound OutboundMailConfig `mapstructure:"outbound"`
}

type InboundMailConfig struct {
	Type            string `mapstructure:"type"` // imap|imaps|pop3|pop3s
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Folder          string `mapstructure:"folder"`
	DeleteOnSuccess bool   `mapstructure:"delete_on_success"`
}

type OutboundMailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	TLS      bool   `mapstructure:"tls"`
}

type CompanyConfig struct {
	Name   string `mapstructure:"name"`
	Domain string `mapstructure:"domain"`
}

type ProcessingConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ErrorBackoff  time.Duration `mapstructure:"error_backoff"`
	ConfigBackoff time.Duration `mapstructure:"config_backoff"`
	BatchLimit    int           `mapstructure:"batch_limit"`
}

type TemplatesConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load reads configuration from the given directory (config.yaml) plus
// environment overrides, applies defaults, and validates the result.
// The log level follows file edits at runtime via viper's watcher.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.AddConfigPath(configPath)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, faults.Wrap(faults.KindConfiguration, fmt.Errorf("read config: %w", err))
		}
	}

	v.SetEnvPrefix("MAILBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about, so keys
	// absent from both the file and the defaults (secrets, typically) need
	// an explicit binding to reach Unmarshal.
	for _, key := range envBoundKeys {
		v.MustBindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, fmt.Errorf("unmarshal config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.SetLevel(v.GetString("logging.level"))
	})

	return cfg, nil
}

// envBoundKeys are the settings commonly supplied only through the
// environment. Everything with a default is already visible to viper.
var envBoundKeys = []string{
	"database.host",
	"database.name",
	"database.user",
	"database.password",
	"database.path",
	"mail.inbound.host",
	"mail.inbound.username",
	"mail.inbound.password",
	"mail.outbound.host",
	"mail.outbound.port",
	"mail.outbound.username",
	"mail.outbound.password",
	"mail.outbound.from",
	"company.name",
	"company.domain",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mailbridge")
	v.SetDefault("app.env", "development")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("mail.inbound.type", "imaps")
	v.SetDefault("mail.inbound.folder", "INBOX")
	v.SetDefault("mail.outbound.tls", true)
	v.SetDefault("processing.interval", 10*time.Second)
	v.SetDefault("processing.error_backoff", time.Minute)
	v.SetDefault("processing.config_backoff", 5*time.Minute)
	v.SetDefault("processing.batch_limit", 50)
	v.SetDefault("templates.path", "templates/email")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

// Validate enumerates the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var missing []string

	switch c.Database.Driver {
	case "postgres", "mysql":
		if c.Database.Host == "" {
			missing = append(missing, "database.host")
		}
		if c.Database.Name == "" {
			missing = append(missing, "database.name")
		}
		if c.Database.User == "" {
			missing = append(missing, "database.user")
		}
	case "sqlite3":
		if c.Database.Path == "" {
			missing = append(missing, "database.path")
		}
	default:
		return faults.Newf(faults.KindConfiguration, "unsupported database driver %q", c.Database.Driver)
	}

	if c.Mail.Inbound.Host == "" {
		missing = append(missing, "mail.inbound.host")
	}
	if c.Mail.Inbound.Username == "" {
		missing = append(missing, "mail.inbound.username")
	}
	if c.Mail.Inbound.Password == "" {
		missing = append(missing, "mail.inbound.password")
	}
	if c.Mail.Outbound.Host == "" {
		missing = append(missing, "mail.outbound.host")
	}
	if c.Mail.Outbound.From == "" {
		missing = append(missing, "mail.outbound.from")
	}
	if c.Company.Domain == "" {
		missing = append(missing, "company.domain")
	}

	if len(missing) > 0 {
		return faults.Newf(faults.KindConfiguration, "missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Name)
	case "sqlite3":
		return c.Path
	default:
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
	}
}
