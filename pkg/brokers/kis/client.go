// Package kis implements the rate-limited Korea Investment & Securities
// (KIS) OpenAPI gateway. Every outbound call goes through a single request
// core that paces calls, caches the auth token, and retries transient
// failures with exponential backoff.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autotrader/pkg/brokers/common"
)

const (
	defaultPaperURL       = "https://openapivts.koreainvestment.com:29443"
	defaultProdURL        = "https://openapi.koreainvestment.com:9443"
	defaultTokenCachePath = ".cache/kis_token.json"

	// Tokens are reissued when less validity than this remains. Frequent
	// reissuance risks throttling on the KIS side.
	tokenExpiryMargin = 5 * time.Minute
)

// Config holds KIS credentials and client tuning.
type Config struct {
	Env            string // "paper" or "prod"
	AppKey         string
	AppSecret      string
	AccountNo      string
	AccountProduct string // ACNT_PRDT_CD, usually "01"
	CustType       string // "P" personal, "B" corporate

	BaseURL        string // derived from Env when empty
	TokenCachePath string

	CallInterval  time.Duration // minimum delay between successive calls
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter time.Duration
	Timeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		if c.Env == "prod" {
			c.BaseURL = defaultProdURL
		} else {
			c.BaseURL = defaultPaperURL
		}
	}
	if c.AccountProduct == "" {
		c.AccountProduct = "01"
	}
	if c.CustType == "" {
		c.CustType = "P"
	}
	if c.TokenCachePath == "" {
		c.TokenCachePath = defaultTokenCachePath
	}
	if c.CallInterval <= 0 {
		c.CallInterval = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
}

// Client is the KIS OpenAPI HTTP client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	mu          sync.Mutex
	token       string
	tokenExpire time.Time
}

// New creates a configured client. The token cache directory is created
// lazily on first save.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Every(cfg.CallInterval), 1),
	}
}

// trID selects the transaction id for the current environment.
func (c *Client) trID(paper, prod string) string {
	if c.cfg.Env == "prod" {
		return prod
	}
	return paper
}

// ---------------- Token ----------------

type tokenCache struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) loadTokenCache() {
	data, err := os.ReadFile(c.cfg.TokenCachePath)
	if err != nil {
		return
	}
	var tc tokenCache
	if err := json.Unmarshal(data, &tc); err != nil {
		return
	}
	c.token = tc.AccessToken
	c.tokenExpire = tc.ExpiresAt
}

func (c *Client) saveTokenCache(token string, expiresAt time.Time) {
	c.token = token
	c.tokenExpire = expiresAt

	data, err := json.Marshal(tokenCache{AccessToken: token, ExpiresAt: expiresAt})
	if err != nil {
		return
	}
	if dir := filepath.Dir(c.cfg.TokenCachePath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(c.cfg.TokenCachePath, data, 0o600); err != nil {
		log.Printf("kis: token cache write failed: %v", err)
	}
}

// ensureToken returns a token with at least tokenExpiryMargin validity left,
// reusing the in-memory or on-disk cache when possible.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" {
		c.loadTokenCache()
	}
	if c.token != "" && time.Now().Add(tokenExpiryMargin).Before(c.tokenExpire) {
		return c.token, nil
	}
	return c.issueTokenLocked(ctx)
}

// refreshToken force-issues a new token after an auth rejection.
func (c *Client) refreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issueTokenLocked(ctx)
}

func (c *Client) issueTokenLocked(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("issue token: status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token: %s", truncate(raw, 200))
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	c.saveTokenCache(tr.AccessToken, time.Now().Add(time.Duration(expiresIn)*time.Second))
	return c.token, nil
}

// ---------------- Request core ----------------

// envelope is the standard KIS response wrapper. rt_cd "0" means success;
// anything else is a business rejection and therefore terminal.
type envelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`

	raw []byte
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// request performs one KIS call with pacing, auth, and bounded retries.
// Transient failures (429, 5xx, transport errors) back off and retry;
// auth rejections refresh the token once; everything else is terminal.
func (c *Client) request(ctx context.Context, trID, method, path string, params url.Values, jsonBody any) (*envelope, error) {
	var bodyBytes []byte
	if jsonBody != nil {
		var err error
		if bodyBytes, err = json.Marshal(jsonBody); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	tokenRefreshed := false

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		token, err := c.ensureToken(ctx)
		if err != nil {
			lastErr = err
			if err := c.backoffSleep(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		fullURL := c.cfg.BaseURL + path
		if len(params) > 0 {
			fullURL += "?" + params.Encode()
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", "application/json; charset=utf-8")
		req.Header.Set("authorization", "Bearer "+token)
		req.Header.Set("appkey", c.cfg.AppKey)
		req.Header.Set("appsecret", c.cfg.AppSecret)
		req.Header.Set("tr_id", trID)
		req.Header.Set("custtype", c.cfg.CustType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("kis: %s attempt %d/%d failed: %v", trID, attempt, c.cfg.MaxRetries, err)
			if err := c.backoffSleep(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if err := c.backoffSleep(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if tokenRefreshed {
				return nil, &common.TerminalError{Code: fmt.Sprint(resp.StatusCode), Message: "authentication rejected after token refresh"}
			}
			tokenRefreshed = true
			if _, err := c.refreshToken(ctx); err != nil {
				return nil, fmt.Errorf("token refresh: %w", err)
			}
			continue
		case retryableStatus(resp.StatusCode):
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200))
			log.Printf("kis: %s retry %d/%d (%v)", trID, attempt, c.cfg.MaxRetries, lastErr)
			if err := c.backoffSleep(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		case resp.StatusCode >= 400:
			return nil, &common.TerminalError{Code: fmt.Sprint(resp.StatusCode), Message: string(truncate(raw, 500))}
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode response for %s: %w", trID, err)
		}
		env.raw = raw

		if env.RtCd != "" && env.RtCd != "0" {
			return nil, &common.TerminalError{Code: env.MsgCd, Message: env.Msg1}
		}
		return &env, nil
	}

	return nil, &common.RetryExhaustedError{Attempts: c.cfg.MaxRetries, Last: lastErr}
}

func (c *Client) backoffSleep(ctx context.Context, attempt int) error {
	if attempt >= c.cfg.MaxRetries {
		return nil // no sleep after the final attempt
	}
	d := common.Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap, c.cfg.BackoffJitter)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
