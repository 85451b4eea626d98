// Package webhook delivers envelopes as JSON POST requests. The route target
// is the destination URL, or a path under base_url when one is configured.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/common/utils"
	"routing-hub/internal/common/validation"
	"routing-hub/internal/transport"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// signing secret is configured
const SignatureHeader = "X-Hub-Signature-256"

var retryableStatusCodes = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

type Config struct {
	BaseURL            string            `yaml:"base_url"`
	Timeout            time.Duration     `yaml:"timeout"`
	Headers            map[string]string `yaml:"headers"`
	BearerToken        string            `yaml:"bearer_token"`
	SigningSecret      string            `yaml:"signing_secret"`
	MaxAttempts        int               `yaml:"max_attempts"`
	InitialDelay       time.Duration     `yaml:"initial_delay"`
	MaxDelay           time.Duration     `yaml:"max_delay"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}

	v := validation.NewValidatorWithPrefix("http transport config")
	if c.BaseURL != "" {
		v.RequireURL(c.BaseURL, "base_url", "http", "https")
	}
	return v.Error()
}

func (c *Config) GetType() string { return "http" }

func (c *Config) GetConnectionString() string {
	if c.BaseURL == "" {
		return "http://<per-route>"
	}
	if u, err := url.Parse(c.BaseURL); err == nil {
		u.User = nil
		return u.String()
	}
	return "http://***"
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:      5 * time.Second,
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

type Transport struct {
	*transport.Base
	config *Config

	mu     sync.RWMutex
	client *http.Client
}

func New(name string, config *Config) (*Transport, error) {
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &Transport{Base: base, config: config}, nil
}

// GetFactory returns the http transport factory
func GetFactory() transport.Factory {
	return transport.NewFactory[*Config]("http", DefaultConfig, func(name string, config *Config) (transport.Transport, error) {
		return New(name, config)
	})
}

// Connect builds the pooled client. No request is made.
func (t *Transport) Connect(ctx context.Context) error {
	httpTransport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if t.config.InsecureSkipVerify {
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	t.mu.Lock()
	t.client = &http.Client{Timeout: t.config.Timeout, Transport: httpTransport}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, target string, env *transport.Envelope) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return t.NotConnected()
	}

	endpoint, err := t.resolve(target)
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	retry := utils.RetryConfig{
		MaxAttempts:     t.config.MaxAttempts,
		InitialDelay:    t.config.InitialDelay,
		MaxDelay:        t.config.MaxDelay,
		BackoffFactor:   2.0,
		JitterFactor:    0.1,
		RetryableErrors: isRetryable,
	}

	attempt := 0
	return utils.RetryWithBackoff(ctx, retry, func() error {
		attempt++
		err := t.post(ctx, client, endpoint, env.MessageID, body)
		if err != nil {
			t.Logger().Debug("Webhook delivery attempt failed",
				logging.String("url", endpoint),
				logging.Int("attempt", attempt),
				logging.Err(err),
			)
		}
		return err
	})
}

// statusError is a non-2xx response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	var se *statusError
	if stderrors.As(err, &se) {
		return retryableStatusCodes[se.code]
	}
	return true
}

func (t *Transport) post(ctx context.Context, client *http.Client, endpoint, messageID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-ID", messageID)
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	if t.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.BearerToken)
	}
	if t.config.SigningSecret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(t.config.SigningSecret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.ConnectionError("webhook request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *Transport) resolve(target string) (string, error) {
	if t.config.BaseURL == "" {
		if err := validation.NewValidatorWithPrefix("route target").RequireURL(target, "url", "http", "https").Error(); err != nil {
			return "", err
		}
		return target, nil
	}
	base, err := url.Parse(t.config.BaseURL)
	if err != nil {
		return "", errors.ConfigError("invalid base_url")
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", errors.ValidationError(fmt.Sprintf("invalid route target %q", target))
	}
	return base.ResolveReference(ref).String(), nil
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *Transport) Health() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return t.NotConnected()
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.CloseIdleConnections()
		t.client = nil
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
