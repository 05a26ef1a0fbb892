package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	authapi "stayhi/cmd/internal/auth/api"
	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/internal/notify"

	"github.com/ilyakaznacheev/cleanenv"
)

// ErrConfig indicates invalid runtime configuration.
var ErrConfig = errors.New("app: invalid config")

// Environments.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config contains all runtime configuration.
// Values come from an optional YAML file and are overridden by environment variables.
type Config struct {
	Env       string `yaml:"env" env:"STAYHI_ENV" env-default:"local"`
	HTTPAddr  string `yaml:"http_addr" env:"STAYHI_HTTP_ADDR" env-default:"0.0.0.0:8082"`
	LogLevel  string `yaml:"log_level" env:"STAYHI_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"STAYHI_LOG_FORMAT" env-default:"json"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"STAYHI_HTTP_READ_HEADER_TIMEOUT" env-default:"5s"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"STAYHI_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"STAYHI_HTTP_WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"STAYHI_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"STAYHI_HTTP_MAX_HEADER_BYTES" env-default:"1048576"`

	// PublicBaseURL prefixes emailed magic links.
	PublicBaseURL string        `yaml:"public_base_url" env:"STAYHI_PUBLIC_BASE_URL" env-default:"http://localhost:8082"`
	MagicLinkTTL  time.Duration `yaml:"magic_link_ttl" env:"STAYHI_MAGIC_LINK_TTL" env-default:"15m"`
	TxTimeout     time.Duration `yaml:"tx_timeout" env:"STAYHI_TX_TIMEOUT" env-default:"10s"`

	// WebRoot serves the sign-in page from disk instead of the embedded copy.
	WebRoot string `yaml:"web_root" env:"STAYHI_WEB_ROOT"`

	// CORSAllowedOrigins accepts "*", exact origins, and "scheme://host:*" port wildcards.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"STAYHI_CORS_ALLOWED_ORIGINS" env-default:"*" env-separator:","`

	DB      DBConfig       `yaml:"db"`
	Session session.Config `yaml:"session"`
	Mail    notify.Config  `yaml:"mail"`
	API     authapi.Config `yaml:"api"`
}

// DBConfig selects and configures the persistence backend.
type DBConfig struct {
	Driver string `yaml:"driver" env:"STAYHI_DB_DRIVER" env-default:"postgres"`

	// URL overrides the DB_* parts when set.
	URL      string `yaml:"url" env:"STAYHI_DATABASE_URL"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"postgres"`
	User     string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE" env-default:"prefer"`

	Schema      string `yaml:"schema" env:"STAYHI_DB_SCHEMA" env-default:"stayhi"`
	MaxConns    int32  `yaml:"max_conns" env:"STAYHI_DB_MAX_CONNS" env-default:"10"`
	MinConns    int32  `yaml:"min_conns" env:"STAYHI_DB_MIN_CONNS" env-default:"0"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"STAYHI_DB_AUTO_MIGRATE" env-default:"false"`

	SQLitePath string `yaml:"sqlite_path" env:"STAYHI_SQLITE_PATH" env-default:"stayhi.db"`
}

// LoadConfig reads path (when non-empty) and the environment, then validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	var err error
	if strings.TrimSpace(path) != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate normalizes enumerations and checks cross-field rules.
// Secrets are checked separately by ValidateSecurityConfig.
func (c *Config) Validate() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return fmt.Errorf("%w: STAYHI_ENV must be local, dev or prod, got %q", ErrConfig, c.Env)
	}

	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "", "json":
		c.LogFormat = "json"
	case "pretty", "text":
	default:
		return fmt.Errorf("%w: STAYHI_LOG_FORMAT must be json, pretty or text, got %q", ErrConfig, c.LogFormat)
	}

	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return fmt.Errorf("%w: STAYHI_HTTP_ADDR: %v", ErrConfig, err)
	}

	u, err := url.Parse(strings.TrimSpace(c.PublicBaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: STAYHI_PUBLIC_BASE_URL must be an absolute http(s) url", ErrConfig)
	}

	if err := c.DB.validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *DBConfig) validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case DriverPostgres:
		if c.URL == "" && strings.TrimSpace(c.Host) == "" {
			return fmt.Errorf("%w: postgres needs STAYHI_DATABASE_URL or DB_HOST", ErrConfig)
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: sqlite needs STAYHI_SQLITE_PATH", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: STAYHI_DB_DRIVER must be postgres or sqlite, got %q", ErrConfig, c.Driver)
	}
	if c.MaxConns < 0 || c.MinConns < 0 || (c.MaxConns > 0 && c.MinConns > c.MaxConns) {
		return fmt.Errorf("%w: invalid pool bounds min=%d max=%d", ErrConfig, c.MinConns, c.MaxConns)
	}
	return nil
}

// PostgresURL returns URL, or a connection URL assembled from the DB_* parts.
func (c DBConfig) PostgresURL() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(c.Port)),
		Path:   "/" + strings.TrimSpace(c.Name),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	if mode := strings.TrimSpace(c.SSLMode); mode != "" {
		u.RawQuery = url.Values{"sslmode": []string{mode}}.Encode()
	}
	return u.String()
}
