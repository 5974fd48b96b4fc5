package kungorelser

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/proxypool"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.Database.Driver != "sqlite" || c.Database.DSN != "data/kungorelser.db" {
		t.Fatalf("database = %+v", c.Database)
	}
	if c.SearchDetailLimit != 5 || c.CompanyRefreshAfter != 24*time.Hour || c.Proxy.RefreshInterval != 4*time.Hour {
		t.Fatalf("config = %+v", c)
	}
	if c.Auth.AdminUser != "admin" {
		t.Fatalf("admin user = %q", c.Auth.AdminUser)
	}
}

func TestApplyEnv(t *testing.T) {
	// WHAT: deployment env vars land on the right fields, millisecond values included.
	// WHY: the hosted deployment is configured only through the environment.
	var c Config
	err := c.applyEnv(envMap(map[string]string{
		"DATABASE_URL":                "postgres://u:p@db:5432/kungorelser",
		"TWOCAPTCHA_API_KEY":          "key",
		"PROXY_SERVER":                "10.0.0.1:8080",
		"CRON_SECRET":                 "s3cret",
		"SCRAPER_USE_PROXY":           "true",
		"SCRAPER_NAVIGATION_TIMEOUT":  "45000",
		"SCRAPER_DETAIL_DELAY_MS":     "1500ms",
		"SCRAPER_MAX_CAPTCHA_RETRIES": "4",
		"LOG_LEVEL":                   "debug",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if c.Database.Driver != "pgx" || c.Database.DSN != "postgres://u:p@db:5432/kungorelser" {
		t.Fatalf("database = %+v", c.Database)
	}
	if c.Captcha.APIKey != "key" || c.Proxy.Servers != "10.0.0.1:8080" || c.Auth.CronSecret != "s3cret" {
		t.Fatalf("secrets not applied: %+v", c)
	}
	if !c.Fetch.UseProxy || c.Fetch.RequestTimeout != 45*time.Second || c.Fetch.CaptchaRounds != 4 {
		t.Fatalf("fetch = %+v", c.Fetch)
	}
	if c.Search.DetailDelay != 1500*time.Millisecond {
		t.Fatalf("detail delay = %v", c.Search.DetailDelay)
	}
	if c.Log.Level != "debug" {
		t.Fatalf("log level = %q", c.Log.Level)
	}
}

func TestApplyEnv_SQLitePath(t *testing.T) {
	var c Config
	if err := c.applyEnv(envMap(map[string]string{"KUNGORELSER_DB": "/var/lib/k.db"})); err != nil {
		t.Fatal(err)
	}
	if c.Database.Driver != "sqlite" || c.Database.DSN != "/var/lib/k.db" {
		t.Fatalf("database = %+v", c.Database)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	for _, env := range []map[string]string{
		{"SCRAPER_USE_PROXY": "maybe"},
		{"SCRAPER_NAVIGATION_TIMEOUT": "soon"},
		{"SCRAPER_MAX_CAPTCHA_RETRIES": "-1"},
	} {
		var c Config
		if err := c.applyEnv(envMap(env)); err == nil {
			t.Fatalf("%v accepted", env)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kungorelser.yaml")
	data := `
database:
  driver: sqlite
  dsn: /tmp/k.db
  max_open_conns: 4
  busy_timeout: 5s
listen_addr: ":9090"
captcha:
  breaker:
    threshold: 3
    cooldown: 1m
proxy:
  servers: "u:p@10.0.0.1:8080,10.0.0.2:8080"
  refresh_interval: 2h
search:
  max_pages: 5
  detail_delay: 2s
scheduler:
  max_details_per_run: 40
company_refresh_after: 12h
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ListenAddr != ":9090" || c.Database.DSN != "/tmp/k.db" {
		t.Fatalf("config = %+v", c)
	}
	if c.Database.MaxOpenConns != 4 || c.Database.BusyTimeout != 5*time.Second {
		t.Fatalf("database = %+v", c.Database)
	}
	if c.Captcha.Breaker.Threshold != 3 || c.Captcha.Breaker.Cooldown != time.Minute {
		t.Fatalf("captcha breaker = %+v", c.Captcha.Breaker)
	}
	if c.Proxy.RefreshInterval != 2*time.Hour || c.CompanyRefreshAfter != 12*time.Hour {
		t.Fatalf("durations = %v %v", c.Proxy.RefreshInterval, c.CompanyRefreshAfter)
	}
	if c.Search.MaxPages != 5 || c.Search.DetailDelay != 2*time.Second || c.Scheduler.MaxDetailsPerRun != 40 {
		t.Fatalf("search = %+v scheduler = %+v", c.Search, c.Scheduler)
	}
	if _, ok := c.provider().(proxypool.StaticProvider); !ok {
		t.Fatalf("provider = %T, want static", c.provider())
	}
}

func TestProviderPrecedence(t *testing.T) {
	c := Config{Proxy: ProxyConfig{Servers: "disabled"}}
	if c.provider() != nil {
		t.Fatalf("disabled without key = %T", c.provider())
	}
	c.Captcha.APIKey = "key"
	if _, ok := c.provider().(*proxypool.TwoCaptchaProvider); !ok {
		t.Fatalf("provider = %T, want 2captcha", c.provider())
	}
	c.Proxy.Servers = "10.0.0.1:8080"
	if _, ok := c.provider().(proxypool.StaticProvider); !ok {
		t.Fatalf("provider = %T, want static", c.provider())
	}
}
