package kungorelser

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/browser"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/captcha"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/fetch"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/proxypool"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/scheduler"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/search"
	"github.com/isakskogstad/LoopDesk-sub005/observability"
)

// Config configures the announcement service.
type Config struct {
	Database DatabaseConfig `yaml:"database"`

	// ListenAddr of the HTTP API. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	Proxy     ProxyConfig      `yaml:"proxy"`
	Captcha   captcha.Config   `yaml:"captcha"`
	Fetch     fetch.Config     `yaml:"fetch"`
	HTTP      fetch.HTTPConfig `yaml:"http"`
	Browser   BrowserConfig    `yaml:"browser"`
	Search    search.Config    `yaml:"search"`
	Scheduler scheduler.Config `yaml:"scheduler"`

	// SearchDetailLimit applies to ad-hoc searches that name no limit. Default: 5.
	SearchDetailLimit int `yaml:"search_detail_limit"`
	// CompanyRefreshAfter is the cache age after which a company lookup
	// scrapes again. Default: 24h.
	CompanyRefreshAfter time.Duration `yaml:"company_refresh_after"`
	// CompanyDetailLimit bounds detail fetches of a company refresh. Default: 10.
	CompanyDetailLimit int `yaml:"company_detail_limit"`

	Auth AuthConfig              `yaml:"auth"`
	Log  observability.LogConfig `yaml:"log"`
}

// DatabaseConfig selects the store. Driver is "sqlite" or "pgx".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// MaxOpenConns caps the pool; 0 keeps the driver default.
	MaxOpenConns int `yaml:"max_open_conns"`
	// BusyTimeout is SQLite's lock wait. Default: 10s.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

func (c DatabaseConfig) tuning() []dbopen.Option {
	return []dbopen.Option{dbopen.WithMaxOpenConns(c.MaxOpenConns), dbopen.WithBusyTimeout(c.BusyTimeout)}
}

// ProxyConfig selects where proxy endpoints come from. Static servers
// win over the 2captcha proxy API; "disabled" turns static off.
type ProxyConfig struct {
	// Servers is a comma-separated list of [user:pass@]host:port.
	Servers string `yaml:"servers"`
	// Country and Limit tune the 2captcha residential proxy request.
	Country string `yaml:"country"`
	Limit   int    `yaml:"limit"`
	// RefreshInterval between provider refreshes. Default: 4h.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	Pool proxypool.Config `yaml:"pool"`
}

// BrowserConfig switches fetching to headless Chrome.
type BrowserConfig struct {
	Enabled        bool `yaml:"enabled"`
	browser.Config `yaml:",inline"`
}

// AuthConfig holds the API credentials. Routes whose credential is
// unset reject every request.
type AuthConfig struct {
	CronSecret        string `yaml:"-"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/kungorelser.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Proxy.RefreshInterval <= 0 {
		c.Proxy.RefreshInterval = 4 * time.Hour
	}
	if c.SearchDetailLimit <= 0 {
		c.SearchDetailLimit = 5
	}
	if c.CompanyRefreshAfter <= 0 {
		c.CompanyRefreshAfter = 24 * time.Hour
	}
	if c.CompanyDetailLimit <= 0 {
		c.CompanyDetailLimit = 10
	}
	if c.Auth.AdminUser == "" {
		c.Auth.AdminUser = "admin"
	}
}

// LoadConfigFile reads a YAML config. Durations are written as "30s".
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kungorelser: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("kungorelser: parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv overrides c from the process environment.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Database.Driver = "pgx"
		}
	} else if v := getenv("KUNGORELSER_DB"); v != "" {
		c.Database.DSN = v
		c.Database.Driver = "sqlite"
	}
	set("DB_DRIVER", &c.Database.Driver)
	set("LISTEN_ADDR", &c.ListenAddr)
	set("POIT_BASE_URL", &c.Fetch.BaseURL)
	set("TWOCAPTCHA_API_KEY", &c.Captcha.APIKey)
	set("PROXY_SERVER", &c.Proxy.Servers)
	set("CRON_SECRET", &c.Auth.CronSecret)
	set("ADMIN_USER", &c.Auth.AdminUser)
	set("ADMIN_PASSWORD_HASH", &c.Auth.AdminPasswordHash)
	set("LOG_LEVEL", &c.Log.Level)
	set("LOG_FORMAT", &c.Log.Format)
	set("LOG_FILE", &c.Log.File)

	if v := getenv("SCRAPER_USE_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("kungorelser: SCRAPER_USE_PROXY: %w", err)
		}
		c.Fetch.UseProxy = b
	}
	if v := getenv("SCRAPER_BROWSER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("kungorelser: SCRAPER_BROWSER: %w", err)
		}
		c.Browser.Enabled = b
	}
	if v := getenv("SCRAPER_NAVIGATION_TIMEOUT"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return fmt.Errorf("kungorelser: SCRAPER_NAVIGATION_TIMEOUT: %w", err)
		}
		c.Fetch.RequestTimeout = d
	}
	if v := getenv("SCRAPER_DETAIL_DELAY_MS"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			return fmt.Errorf("kungorelser: SCRAPER_DETAIL_DELAY_MS: %w", err)
		}
		c.Search.DetailDelay = d
	}
	if v := getenv("SCRAPER_MAX_CAPTCHA_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("kungorelser: SCRAPER_MAX_CAPTCHA_RETRIES: invalid %q", v)
		}
		c.Fetch.CaptchaRounds = n
	}
	return nil
}

// parseMillis accepts a bare integer of milliseconds or a Go duration.
func parseMillis(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
