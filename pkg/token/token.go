package token

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	tokenGetPath     = "/apim-token-service/v2.0/token/get"
	tokenRefreshPath = "/apim-token-service/v2.0/token/refresh"

	// acquireTimeout bounds how long a caller waits for another caller's
	// in-flight auth attempt before giving up.
	acquireTimeout = 10 * time.Second

	// refreshSafetyWindow is how long before expiry a token is treated as
	// stale and refreshed.
	refreshSafetyWindow = time.Minute
)

// ErrUnsuccessfulAuth is returned when no valid access token could be
// obtained within the acquire timeout.
var ErrUnsuccessfulAuth = errors.New("failed to obtain access token")

// AccessToken is an immutable snapshot of a token issued by the token
// server. It is replaced on refresh, never mutated.
type AccessToken struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ManagerInterface defines methods to manage broker access tokens.
type ManagerInterface interface {
	EnsureValid(ctx context.Context) error
	AccessToken() string
}

// Manager owns the access-token lifecycle for one connection: initial
// fetch, refresh near expiry, and single-flight coordination so that
// concurrent callers trigger at most one token-server request.
type Manager struct {
	TokenServerURL string
	AppKey         string
	AppSecret      string
	HTTPClient     *http.Client
	Logger         zerolog.Logger

	mu    sync.RWMutex
	token *AccessToken

	// slot is the single-flight semaphore for auth attempts.
	slot chan struct{}

	now func() time.Time
}

// NewManager initializes a new token Manager.
func NewManager(tokenServerURL, appKey, appSecret string, httpClient *http.Client, logger zerolog.Logger) *Manager {
	return &Manager{
		TokenServerURL: tokenServerURL,
		AppKey:         appKey,
		AppSecret:      appSecret,
		HTTPClient:     httpClient,
		Logger:         logger,
		slot:           make(chan struct{}, 1),
		now:            time.Now,
	}
}

// AccessToken returns the current raw token, or "" when none is held.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == nil {
		return ""
	}
	return m.token.Token
}

// needsInitialAuth reports whether no token has ever been obtained.
func (m *Manager) needsInitialAuth() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token == nil
}

// needsRefresh reports whether the current token is inside the safety
// window of its expiry.
func (m *Manager) needsRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == nil {
		return false
	}
	return !m.now().Before(m.token.ExpiresAt.Add(-refreshSafetyWindow))
}

// EnsureValid guarantees a usable access token before a broker call. The
// caller that wins the auth slot performs exactly one fetch or refresh;
// auth errors there are logged and leave the token state unchanged.
// Losing callers wait up to 10 seconds for the slot, then re-check: if a
// token exists they proceed, otherwise the call fails with
// ErrUnsuccessfulAuth.
func (m *Manager) EnsureValid(ctx context.Context) error {
	if !m.needsInitialAuth() && !m.needsRefresh() {
		return nil
	}

	select {
	case m.slot <- struct{}{}:
		defer func() { <-m.slot }()

		// State may have changed while acquiring the slot.
		if m.needsInitialAuth() {
			m.fetchToken(ctx)
		} else if m.needsRefresh() {
			m.refreshToken(ctx)
		}

		if m.needsInitialAuth() {
			return ErrUnsuccessfulAuth
		}
		return nil

	case <-time.After(acquireTimeout):
		return ErrUnsuccessfulAuth

	case <-ctx.Done():
		return ctx.Err()
	}
}

// tokenRequest is the JSON body sent to the token server. Encryption is the
// hex sha256 digest of appKey + timestamp + appSecret.
type tokenRequest struct {
	AppKey      string `json:"appKey"`
	Encryption  string `json:"encryption"`
	Timestamp   string `json:"timestamp"`
	AccessToken string `json:"accessToken,omitempty"`
}

// tokenResponse is the token server's reply envelope.
type tokenResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
	Data   struct {
		AccessToken string `json:"accessToken"`
		Expire      int64  `json:"expire"`
	} `json:"data"`
}

// fetchToken performs the initial token fetch. Failures are logged only.
func (m *Manager) fetchToken(ctx context.Context) {
	resp, err := m.requestToken(ctx, tokenGetPath, "")
	if err != nil {
		m.Logger.Error().Err(err).Msg("Failed to obtain access token")
		return
	}
	fresh := m.storeToken(resp)
	m.Logger.Info().Time("expires_at", fresh.ExpiresAt).Msg("Access token obtained")
}

// refreshToken exchanges the current token for a fresh one. Failures are
// logged only; the previous token stays in place until it truly expires.
func (m *Manager) refreshToken(ctx context.Context) {
	resp, err := m.requestToken(ctx, tokenRefreshPath, m.AccessToken())
	if err != nil {
		m.Logger.Error().Err(err).Msg("Failed to refresh access token")
		return
	}
	fresh := m.storeToken(resp)
	m.Logger.Info().Time("expires_at", fresh.ExpiresAt).Msg("Access token refreshed")
}

func (m *Manager) storeToken(resp *tokenResponse) *AccessToken {
	issued := m.now()
	fresh := &AccessToken{
		Token:     resp.Data.AccessToken,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(time.Duration(resp.Data.Expire) * time.Second),
	}

	m.mu.Lock()
	m.token = fresh
	m.mu.Unlock()

	return fresh
}

func (m *Manager) requestToken(ctx context.Context, path, currentToken string) (*tokenResponse, error) {
	timestamp := strconv.FormatInt(m.now().UnixMilli(), 10)
	digest := sha256.Sum256([]byte(m.AppKey + timestamp + m.AppSecret))

	body, err := json.Marshal(tokenRequest{
		AppKey:      m.AppKey,
		Encryption:  fmt.Sprintf("%x", digest),
		Timestamp:   timestamp,
		AccessToken: currentToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token server unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("token server returned status %d", httpResp.StatusCode)
	}

	var resp tokenResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("token server rejected request: status %d, msg %s", resp.Status, resp.Msg)
	}
	if resp.Data.AccessToken == "" {
		return nil, errors.New("token server returned an empty access token")
	}
	return &resp, nil
}
