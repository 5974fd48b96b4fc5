// Package captcha solves the gazette's image challenges through the
// 2captcha API.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/connectivity"
)

var (
	// ErrNotConfigured means no API key is set.
	ErrNotConfigured = errors.New("captcha: solver not configured")
	// ErrLowBalance means the account cannot pay for another solve.
	ErrLowBalance = errors.New("captcha: balance too low")
	// ErrUnsolvable is returned when the service gave up on the image.
	ErrUnsolvable = errors.New("captcha: unsolvable")
	// ErrTimeout is returned when no answer arrived within the poll budget.
	ErrTimeout = errors.New("captcha: solve timed out")
)

// Solver turns a base64 challenge image into its text answer.
type Solver interface {
	Solve(ctx context.Context, imageBase64 string) (string, error)
}

// Config configures the 2captcha client.
type Config struct {
	APIKey string `yaml:"-"`
	// BaseURL of the API. Default: https://2captcha.com.
	BaseURL string `yaml:"base_url"`
	// PollInterval between res.php polls. Default: 2s.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxPolls before giving up. Default: 30.
	MaxPolls int `yaml:"max_polls"`
	// MinBalance below which solving is refused. Default: 0.001 (USD).
	MinBalance float64 `yaml:"min_balance"`
	// SubmitRetries for transient in.php failures. Default: 2.
	SubmitRetries int `yaml:"submit_retries"`
	// Breaker guards the solver as a whole.
	Breaker connectivity.BreakerConfig `yaml:"breaker"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://2captcha.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 30
	}
	if c.MinBalance <= 0 {
		c.MinBalance = 0.001
	}
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	} else if c.SubmitRetries == 0 {
		c.SubmitRetries = 2
	}
}

// TwoCaptcha is the 2captcha client.
type TwoCaptcha struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewTwoCaptcha creates a client. client may be nil.
func NewTwoCaptcha(cfg Config, client *http.Client, logger *slog.Logger) *TwoCaptcha {
	cfg.defaults()
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TwoCaptcha{cfg: cfg, client: client, logger: logger}
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Balance returns the account balance in USD.
func (tc *TwoCaptcha) Balance(ctx context.Context) (float64, error) {
	if tc.cfg.APIKey == "" {
		return 0, ErrNotConfigured
	}
	q := url.Values{"key": {tc.cfg.APIKey}, "action": {"getbalance"}, "json": {"1"}}
	r, err := tc.get(ctx, "/res.php?"+q.Encode())
	if err != nil {
		return 0, err
	}
	if r.Status != 1 {
		return 0, classify(r.Request)
	}
	bal, err := strconv.ParseFloat(r.Request, 64)
	if err != nil {
		return 0, fmt.Errorf("captcha: balance %q: %w", r.Request, err)
	}
	return bal, nil
}

// Solve submits the image and polls until an answer arrives. A data URL
// prefix ("data:image/png;base64,") is stripped.
func (tc *TwoCaptcha) Solve(ctx context.Context, imageBase64 string) (string, error) {
	if tc.cfg.APIKey == "" {
		return "", connectivity.Permanent(ErrNotConfigured)
	}
	if i := strings.Index(imageBase64, "base64,"); i >= 0 {
		imageBase64 = imageBase64[i+len("base64,"):]
	}
	if imageBase64 == "" {
		return "", connectivity.Permanent(fmt.Errorf("captcha: empty image"))
	}

	bal, err := tc.Balance(ctx)
	if err != nil {
		return "", err
	}
	if bal < tc.cfg.MinBalance {
		return "", connectivity.Permanent(fmt.Errorf("%w: %.4f", ErrLowBalance, bal))
	}

	var id string
	err = connectivity.Retry(ctx, connectivity.Backoff{Retries: tc.cfg.SubmitRetries, Base: 500 * time.Millisecond, Max: 4 * time.Second}, tc.logger, func(ctx context.Context) error {
		var err error
		id, err = tc.submit(ctx, imageBase64)
		return err
	})
	if err != nil {
		return "", err
	}
	tc.logger.Debug("captcha: submitted", "captcha_id", id, "balance", bal)

	q := url.Values{"key": {tc.cfg.APIKey}, "action": {"get"}, "id": {id}, "json": {"1"}}
	for i := 0; i < tc.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(tc.cfg.PollInterval):
		}
		r, err := tc.get(ctx, "/res.php?"+q.Encode())
		if err != nil {
			// A lost poll is retried on the next tick.
			tc.logger.Debug("captcha: poll", "captcha_id", id, "error", err)
			continue
		}
		if r.Status == 1 {
			return r.Request, nil
		}
		if r.Request != "CAPCHA_NOT_READY" {
			return "", classify(r.Request)
		}
	}
	return "", fmt.Errorf("%w after %s", ErrTimeout, time.Duration(tc.cfg.MaxPolls)*tc.cfg.PollInterval)
}

func (tc *TwoCaptcha) submit(ctx context.Context, image string) (string, error) {
	q := url.Values{"key": {tc.cfg.APIKey}, "method": {"base64"}, "json": {"1"}}
	form := url.Values{"body": {image}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tc.cfg.BaseURL+"/in.php?"+q.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", connectivity.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r, err := tc.do(req)
	if err != nil {
		return "", err
	}
	if r.Status != 1 {
		return "", classify(r.Request)
	}
	return r.Request, nil
}

func (tc *TwoCaptcha) get(ctx context.Context, path string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return tc.do(req)
}

func (tc *TwoCaptcha) do(req *http.Request) (*apiResponse, error) {
	resp, err := tc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("captcha: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("captcha: http %d", resp.StatusCode)
	}
	var r apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&r); err != nil {
		return nil, fmt.Errorf("captcha: decode: %w", err)
	}
	return &r, nil
}

// classify maps a 2captcha error code to an error. Account and payload
// errors are permanent; the rest may clear on retry.
func classify(code string) error {
	switch code {
	case "ERROR_WRONG_USER_KEY", "ERROR_KEY_DOES_NOT_EXIST", "IP_BANNED":
		return connectivity.Permanent(fmt.Errorf("%w: %s", ErrNotConfigured, code))
	case "ERROR_ZERO_BALANCE":
		return connectivity.Permanent(fmt.Errorf("%w: %s", ErrLowBalance, code))
	case "ERROR_CAPTCHA_UNSOLVABLE", "ERROR_BAD_DUPLICATES":
		return fmt.Errorf("%w: %s", ErrUnsolvable, code)
	case "ERROR_ZERO_CAPTCHA_FILESIZE", "ERROR_TOO_BIG_CAPTCHA_FILESIZE",
		"ERROR_WRONG_FILE_EXTENSION", "ERROR_IMAGE_TYPE_NOT_SUPPORTED":
		return connectivity.Permanent(fmt.Errorf("captcha: rejected image: %s", code))
	}
	return fmt.Errorf("captcha: %s", code)
}
