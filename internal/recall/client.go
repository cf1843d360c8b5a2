package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"recallbot/internal/config"
	"recallbot/internal/domain"
	"recallbot/internal/metrics"
)

const (
	DefaultClientTimeout     = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultInitialBackoff    = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxPages          = 100
)

// Config holds the provisioning client settings.
type Config struct {
	BaseURL string
	APIKey  string

	// OAuth2 client credentials; used instead of APIKey when TokenURL is set.
	TokenURL     string
	ClientID     string
	ClientSecret string

	Timeout           time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Outbound pacing; zero disables the limiter.
	RateLimitRPS   float64
	RateLimitBurst int

	MaxPages int
}

// ConfigFrom maps the application config section onto a client Config.
func ConfigFrom(cfg config.ProvisioningConfig) Config {
	return Config{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		TokenURL:       cfg.TokenURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxPages:       cfg.MaxPages,
	}
}

// Client is the provisioning API client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	config     Config
	baseURL    *url.URL
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

var _ domain.ProvisioningClient = (*Client)(nil)

func NewClient(cfg Config, logger *zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provisioning base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse provisioning base url: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultClientTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL != "" {
		oauthConfig := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = oauthConfig.Client(context.Background())
		httpClient.Timeout = cfg.Timeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		baseURL:    base,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// shouldRetry determines if an error or HTTP status code should be retried
func shouldRetry(statusCode int, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if statusCode >= 500 && statusCode < 600 {
		return true
	}
	return statusCode == http.StatusTooManyRequests
}

// calculateBackoff returns the exponential delay for attempt with ±25% jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.config.InitialBackoff
	}

	backoff := float64(c.config.InitialBackoff) * math.Pow(c.config.BackoffMultiplier, float64(attempt))
	if time.Duration(backoff) > c.config.MaxBackoff {
		backoff = float64(c.config.MaxBackoff)
	}

	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	withJitter := time.Duration(backoff + jitter)
	if withJitter < c.config.InitialBackoff {
		withJitter = c.config.InitialBackoff
	}
	return withJitter
}

// resolve turns a relative path or an absolute pagination link into a URL on the configured host.
func (c *Client) resolve(pathOrURL string) (string, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		u, err := url.Parse(pathOrURL)
		if err != nil {
			return "", fmt.Errorf("parse link %q: %w", pathOrURL, err)
		}
		if u.Host != c.baseURL.Host {
			return "", fmt.Errorf("link %q leaves provisioning host %s", pathOrURL, c.baseURL.Host)
		}
		return u.String(), nil
	}
	return c.baseURL.String() + pathOrURL, nil
}

// do performs one API operation with retries and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	target, err := c.resolve(path)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Warn().
				Err(lastErr).
				Str("operation", op).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("provisioning request failed, retrying")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		status, respBody, err := c.send(ctx, method, target, payload)
		if err != nil {
			metrics.IncProvider(op, "error")
			if !shouldRetry(0, err) {
				return err
			}
			lastErr = fmt.Errorf("provisioning %s: %s %s: %w", op, method, path, err)
			continue
		}
		metrics.IncProvider(op, strconv.Itoa(status))

		if status >= 200 && status < 300 {
			c.logger.Debug().Str("operation", op).Int("status", status).Int("attempt", attempt+1).Msg("provisioning request completed")
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("provisioning %s: decode response: %w", op, err)
			}
			return nil
		}

		apiErr := &APIError{
			Operation:  op,
			Method:     method,
			Path:       path,
			StatusCode: status,
			Body:       string(respBody),
		}
		if !shouldRetry(status, nil) {
			return apiErr
		}
		lastErr = apiErr
	}

	c.logger.Error().Err(lastErr).Str("operation", op).Int("attempts", c.config.MaxRetries+1).Msg("provisioning request failed after all retries")
	return lastErr
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.TokenURL == "" && c.config.APIKey != "" {
		req.Header.Set("Authorization", "Token "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
