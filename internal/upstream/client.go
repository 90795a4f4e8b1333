// Package upstream implements the rate-limited, retrying HTTP client
// for the practice-management API. Each client is bound to one tenant:
// it owns a token bucket sized to the upstream's per-tenant quota,
// refreshes OAuth tokens proactively and on 401, and walks cursor
// pagination via the Link response header.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexmetrics/go-sync-backend/internal/config"
	"github.com/lexmetrics/go-sync-backend/internal/domain"
)

// CredentialSource loads and persists a tenant's token set. Refreshed
// tokens are persisted through UpdateTokens before the retried request
// is sent, so a crash mid-run never strands a revoked refresh token.
type CredentialSource interface {
	Credentials(ctx context.Context) (*domain.Credentials, error)
	UpdateTokens(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) error
}

// Client is a tenant-scoped API client. Safe for concurrent use.
type Client struct {
	baseURL      string
	authURL      string
	clientID     string
	clientSecret string

	retryCount         int
	maxThrottleRetries int
	refreshMargin      time.Duration
	pageTokenParam     string
	perPage            int
	maxPages           int
	pageDelay          time.Duration

	http    *http.Client
	limiter *rate.Limiter
	source  CredentialSource
	log     zerolog.Logger

	// sleep is swapped out in tests so backoff paths run instantly.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	creds *domain.Credentials
}

// New builds a Client for one tenant from the upstream configuration.
func New(cfg config.UpstreamConfig, source CredentialSource, log zerolog.Logger) *Client {
	return &Client{
		baseURL:            cfg.BaseURL,
		authURL:            cfg.AuthURL,
		clientID:           cfg.ClientID,
		clientSecret:       cfg.ClientSecret,
		retryCount:         cfg.RetryCount,
		maxThrottleRetries: cfg.MaxThrottleRetries,
		refreshMargin:      cfg.RefreshMargin,
		pageTokenParam:     cfg.PageTokenParam,
		perPage:            cfg.PerPage,
		maxPages:           cfg.MaxPages,
		pageDelay:          cfg.PageDelay,
		http:               &http.Client{Timeout: 30 * time.Second},
		limiter:            rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond),
		source:             source,
		log:                log,
		sleep:              sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// token returns a bearer token valid for at least the refresh margin,
// refreshing first when the stored one is too close to expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.creds == nil {
		creds, err := c.source.Credentials(ctx)
		if err != nil {
			return "", err
		}
		if creds == nil || creds.AccessToken == "" {
			return "", ErrNoCredentials
		}
		c.creds = creds
	}
	if c.creds.ExpiresWithin(c.refreshMargin) {
		if err := c.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.creds.AccessToken, nil
}

// Refresh exchanges the refresh token for a new pair regardless of the
// current token's remaining lifetime. The scheduler's expiring-token
// sweep uses it to keep idle tenants' credentials warm.
func (c *Client) Refresh(ctx context.Context) error {
	return c.forceRefresh(ctx)
}

// forceRefresh refreshes unconditionally, used on a 401.
func (c *Client) forceRefresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		creds, err := c.source.Credentials(ctx)
		if err != nil {
			return err
		}
		c.creds = creds
	}
	return c.refreshLocked(ctx)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshLocked exchanges the refresh token for a new pair and persists
// it immediately. Callers hold c.mu.
func (c *Client) refreshLocked(ctx context.Context) error {
	if c.creds == nil || c.creds.RefreshToken == "" {
		return &AuthError{Reason: "no refresh token available"}
	}

	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {c.creds.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authURL+"/tokens", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return &AuthError{Reason: "building refresh request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &AuthError{Reason: "token refresh request failed", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AuthError{Reason: fmt.Sprintf("token refresh rejected with %d: %s", resp.StatusCode, body)}
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return &AuthError{Reason: "decoding token response", Err: err}
	}
	if tr.AccessToken == "" {
		return &AuthError{Reason: "token response missing access_token"}
	}

	expiresAt := time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if err := c.source.UpdateTokens(ctx, tr.AccessToken, tr.RefreshToken, expiresAt); err != nil {
		return fmt.Errorf("persisting refreshed tokens: %w", err)
	}
	c.creds.AccessToken = tr.AccessToken
	c.creds.RefreshToken = tr.RefreshToken
	c.creds.ExpiresAt = expiresAt
	c.log.Info().Time("expires_at", expiresAt).Msg("upstream token refreshed")
	return nil
}

// do performs one authenticated request with the full retry ladder:
//
//   - 401: refresh and retry exactly once; a second 401 is an AuthError.
//   - 429: sleep max(Retry-After, 2^throttles) seconds and retry against
//     a separate throttle budget; these retries never consume transient
//     attempts.
//   - 5xx and transport errors: retry with 2^attempt seconds backoff up
//     to the transient budget, then APIError with Transient set.
//   - Other 4xx: permanent APIError, returned immediately.
//
// One bucket token covers the whole ladder, matching the upstream's
// accounting: retries of a throttled request are not fresh requests.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any) ([]byte, http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var bodyBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyBytes = b
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	refreshed := false
	throttles := 0
	attempt := 0

	for {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, nil, err
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if attempt >= c.retryCount-1 {
				return nil, nil, &APIError{Transient: true, Err: err}
			}
			if err := c.sleep(ctx, expBackoff(attempt)); err != nil {
				return nil, nil, err
			}
			attempt++
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		resp.Body.Close()
		upstreamRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return nil, nil, &AuthError{Reason: "request rejected again after token refresh"}
			}
			if err := c.forceRefresh(ctx); err != nil {
				return nil, nil, err
			}
			refreshed = true
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			upstreamThrottleEvents.Inc()
			throttles++
			if throttles > c.maxThrottleRetries {
				return nil, nil, &RateLimitError{Throttles: throttles}
			}
			backoff := time.Duration(1<<uint(throttles)) * time.Second
			if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				if d := time.Duration(ra) * time.Second; d > backoff {
					backoff = d
				}
			}
			c.log.Warn().
				Int("throttles", throttles).
				Dur("backoff", backoff).
				Str("endpoint", endpoint).
				Msg("upstream throttled request")
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, nil, err
			}
			continue

		case resp.StatusCode >= 500:
			if attempt >= c.retryCount-1 {
				return nil, nil, &APIError{StatusCode: resp.StatusCode, Body: string(body), Transient: true}
			}
			if err := c.sleep(ctx, expBackoff(attempt)); err != nil {
				return nil, nil, err
			}
			attempt++
			continue

		case resp.StatusCode >= 400:
			return nil, nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		if readErr != nil {
			return nil, nil, fmt.Errorf("reading response body: %w", readErr)
		}
		return body, resp.Header, nil
	}
}

func expBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Get performs a GET and returns the raw body plus response headers.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) ([]byte, http.Header, error) {
	return c.do(ctx, http.MethodGet, endpoint, query, nil)
}

// Post performs a POST with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodPost, endpoint, nil, payload)
	return body, err
}

// Put performs a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodPut, endpoint, nil, payload)
	return body, err
}

// Patch performs a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodPatch, endpoint, nil, payload)
	return body, err
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, endpoint string) error {
	_, _, err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	return err
}
