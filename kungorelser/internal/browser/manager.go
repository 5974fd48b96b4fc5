// Package browser loads gazette pages in headless Chrome via Rod, for
// deployments where the plain HTTP transport is fingerprinted and
// challenged on every request.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome.
	RemoteURL string `yaml:"remote_url"`

	// Bin is the Chrome binary. Empty lets the launcher find or download one.
	Bin string `yaml:"bin"`

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`

	// MemoryLimit in bytes of JS heap before a recycle. Default: 1GB.
	MemoryLimit int64 `yaml:"memory_limit"`

	// Block lists resource types never loaded: images, fonts, media,
	// stylesheets. Default: all four.
	Block []string `yaml:"block"`

	// CheckInterval is how often age and heap are checked. Default: 30s.
	CheckInterval time.Duration `yaml:"check_interval"`
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.Block == nil {
		c.Block = []string{"images", "fonts", "media", "stylesheets"}
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
}

// Stats describes the Chrome process for the status endpoint.
type Stats struct {
	Running     bool   `json:"running"`
	Remote      bool   `json:"remote"`
	Generation  uint64 `json:"generation"`
	StartedAt   *int64 `json:"started_at,omitempty"`
	Recycles    int64  `json:"recycles"`
	LastRecycle string `json:"last_recycle,omitempty"`
}

// session is one Chrome process (or remote connection).
type session struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	started time.Time
	gen     uint64
}

func (s *session) close() {
	s.browser.Close()
	if s.lnch != nil {
		s.lnch.Cleanup()
	}
}

// Manager owns the Chrome process. Chrome starts on first use and is
// replaced when it grows too old or too large.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	cur         *session
	gen         uint64
	recycles    int64
	lastRecycle string
	closed      bool
	stop        context.CancelFunc
}

// NewManager creates a Manager. Chrome is not started until first use.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger, now: time.Now}
}

var errClosed = errors.New("browser: manager is closed")

// Browser returns the running browser and its generation, launching
// Chrome if needed. The generation changes on every recycle so callers
// can drop incognito contexts tied to the old process.
func (m *Manager) Browser(ctx context.Context) (*rod.Browser, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, errClosed
	}
	if m.cur == nil {
		if err := m.start(); err != nil {
			return nil, 0, err
		}
	}
	if m.stop == nil {
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.stop = cancel
		go m.monitor(mctx)
	}
	return m.cur.browser, m.cur.gen, nil
}

// Recycle replaces Chrome with a fresh process.
func (m *Manager) Recycle(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if m.cur != nil {
		m.logger.Info("browser: recycling", "reason", reason, "generation", m.cur.gen,
			"uptime", m.now().Sub(m.cur.started).Round(time.Second))
		m.cur.close()
		m.cur = nil
	}
	m.recycles++
	m.lastRecycle = reason
	if err := m.start(); err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	return nil
}

// running returns the live browser without launching one.
func (m *Manager) running() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	return m.cur.browser
}

// Stats reports the current process without starting one.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Remote: m.cfg.RemoteURL != "", Generation: m.gen, Recycles: m.recycles, LastRecycle: m.lastRecycle}
	if m.cur != nil {
		ms := m.cur.started.UnixMilli()
		st.Running, st.StartedAt = true, &ms
	}
	return st
}

// Close shuts Chrome down. Later Browser calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.stop != nil {
		m.stop()
	}
	if m.cur != nil {
		m.cur.close()
		m.cur = nil
	}
	return nil
}

// start needs mu held.
func (m *Manager) start() error {
	sess := &session{started: m.now()}
	url := m.cfg.RemoteURL
	if url == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("lang", "sv-SE")
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		url, sess.lnch = u, l
	}
	sess.browser = rod.New().ControlURL(url)
	if err := sess.browser.Connect(); err != nil {
		if sess.lnch != nil {
			sess.lnch.Cleanup()
		}
		return fmt.Errorf("browser: connect %s: %w", url, err)
	}
	m.gen++
	sess.gen = m.gen
	m.cur = sess
	m.logger.Info("browser: started", "generation", sess.gen, "remote", m.cfg.RemoteURL != "")
	return nil
}

func (m *Manager) monitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		cur := m.cur
		m.mu.Unlock()
		if cur == nil {
			continue
		}

		heap, err := heapUsage(cur.browser)
		if err != nil {
			m.logger.Debug("browser: heap check", "error", err)
			heap = -1
		}
		if reason := m.cfg.recycleReason(m.now().Sub(cur.started), heap); reason != "" {
			if err := m.Recycle(reason); err != nil {
				m.logger.Error("browser: recycle failed", "reason", reason, "error", err)
			}
		}
	}
}

// recycleReason says why a process of this age and JS heap (-1 when
// unknown) should be replaced, or "" to keep it.
func (c Config) recycleReason(age time.Duration, heap int64) string {
	switch {
	case age >= c.RecycleInterval:
		return "age"
	case heap > c.MemoryLimit:
		return "memory"
	}
	return ""
}

// heapUsage reads the JS heap of the first open page.
func heapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, errors.New("no open pages")
	}
	res, err := pages[0].Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
	if err != nil {
		return 0, err
	}
	return int64(res.Value.Int()), nil
}
