package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPipelineName is the pipeline name used for run bookkeeping
	// and the run-level lock when none is configured.
	DefaultPipelineName = "issue_warehouse"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default operator API listen address.
	DefaultListen = ":8080"

	// DefaultRequestsPerMinute is the default per-IP rate limit for the
	// operator API when rate limiting is enabled.
	DefaultRequestsPerMinute = 120
)

// Config is the root configuration for bimwarehouse.
type Config struct {
	PipelineName string         `yaml:"pipeline_name" mapstructure:"pipeline_name"`
	LogLevel     string         `yaml:"log_level" mapstructure:"log_level"`
	Source       DatabaseConfig `yaml:"source" mapstructure:"source"`
	Warehouse    DatabaseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	Trackers     TrackersConfig `yaml:"trackers,omitempty" mapstructure:"trackers"`
	Server       ServerConfig   `yaml:"server,omitempty" mapstructure:"server"`
}

// DatabaseConfig selects and configures a database backend.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// TrackersConfig configures the optional issue-tracker ingest clients.
// The pipeline itself never talks to trackers; ingest populates the
// operational source database that the pipeline extracts from.
type TrackersConfig struct {
	Jira   *JiraConfig   `yaml:"jira,omitempty" mapstructure:"jira"`
	GitHub *GitHubConfig `yaml:"github,omitempty" mapstructure:"github"`
}

// JiraConfig contains Jira API settings for issue ingest.
type JiraConfig struct {
	URL      string   `yaml:"url" mapstructure:"url"`
	Username string   `yaml:"username" mapstructure:"username"`
	Token    string   `yaml:"token" mapstructure:"token"`
	Projects []string `yaml:"projects" mapstructure:"projects"`
}

// GitHubConfig contains GitHub API settings for issue ingest.
type GitHubConfig struct {
	Token        string   `yaml:"token" mapstructure:"token"`
	Repositories []string `yaml:"repositories" mapstructure:"repositories"`
}

// ServerConfig contains operator API settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting on the operator API.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// Load reads the configuration file at path, applies BIMWH_* environment
// variable overrides (dots replaced with underscores), fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BIMWH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.PipelineName == "" {
		c.PipelineName = DefaultPipelineName
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}

	if err := c.Warehouse.validate("warehouse"); err != nil {
		return err
	}

	if j := c.Trackers.Jira; j != nil {
		if j.URL == "" {
			return fmt.Errorf("trackers.jira: url is required")
		}

		if len(j.Projects) == 0 {
			return fmt.Errorf("trackers.jira: at least one project is required")
		}
	}

	if g := c.Trackers.GitHub; g != nil {
		if g.Token == "" {
			return fmt.Errorf("trackers.github: token is required")
		}

		for _, repo := range g.Repositories {
			if !strings.Contains(repo, "/") {
				return fmt.Errorf(
					"trackers.github: repository %q must be in owner/repo form", repo,
				)
			}
		}
	}

	return nil
}

func (d *DatabaseConfig) validate(section string) error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("%s: sqlite path is required", section)
		}
	case "postgres":
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return fmt.Errorf("%s: postgres host and database are required", section)
		}
	case "":
		return fmt.Errorf("%s: database driver is required", section)
	default:
		return fmt.Errorf("%s: unsupported database driver: %s", section, d.Driver)
	}

	return nil
}

// YAML renders the effective configuration, used by the config command.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	return out, nil
}
