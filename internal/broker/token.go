package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"gexstream/internal/config"
)

// refreshMargin is how long before expiry a cached token is treated as
// stale. Tokens are refreshed proactively so in-flight requests never
// carry a token about to lapse.
const refreshMargin = 60 * time.Second

// TokenSource exchanges a long-lived refresh token for short-lived
// access tokens and caches them until near expiry. Concurrent callers
// hitting an expired cache share a single refresh via singleflight.
type TokenSource struct {
	http   *resty.Client
	cfg    config.APIConfig
	logger *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time

	group singleflight.Group
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewTokenSource builds a token source from the API config. The token
// endpoint gets its own resty client; data-plane retry policy does not
// apply here, the token source does its own bounded retries.
func NewTokenSource(cfg config.APIConfig, logger *slog.Logger) *TokenSource {
	client := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &TokenSource{
		http:   client,
		cfg:    cfg,
		logger: logger.With("component", "token_source"),
	}
}

// Token returns a valid access token, refreshing if the cached one is
// within the refresh margin of expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && time.Until(s.expires) > refreshMargin {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token. Called by the client after a 401
// so the next Token call performs a forced refresh.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	var lastErr error
	delay := s.cfg.RetryDelay

	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		tok, expiresIn, err := s.requestToken(ctx)
		if err == nil {
			s.mu.Lock()
			s.token = tok
			s.expires = time.Now().Add(time.Duration(expiresIn) * time.Second)
			s.mu.Unlock()
			s.logger.Debug("token refreshed", "expires_in", expiresIn)
			return tok, nil
		}
		lastErr = err

		// Client errors other than 429 mean bad credentials, not a
		// transient condition. Give up immediately.
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Status >= 400 && authErr.Status < 500 && authErr.Status != 429 {
			return "", err
		}

		s.logger.Warn("token refresh failed", "attempt", attempt, "error", err)
		if attempt < s.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * s.cfg.RetryBackoff)
		}
	}

	return "", &AuthError{Msg: "token refresh exhausted retries", Err: lastErr}
}

func (s *TokenSource) requestToken(ctx context.Context) (string, int, error) {
	var body tokenResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     s.cfg.ClientID,
			"client_secret": s.cfg.ClientSecret,
			"refresh_token": s.cfg.RefreshToken,
		}).
		SetResult(&body).
		Post(s.cfg.TokenURL)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() {
		return "", 0, &AuthError{Status: resp.StatusCode(), Msg: string(resp.Body())}
	}
	if body.AccessToken == "" {
		return "", 0, &AuthError{Msg: "token response missing access_token"}
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 1200
	}
	return body.AccessToken, body.ExpiresIn, nil
}
