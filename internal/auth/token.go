// Package auth owns the OAuth2 client-credentials token lifecycle for the
// IDCS identity provider fronting OIC. Token state never leaves this
// package except as a formatted Authorization header value.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"targetoic/internal/logger"
	"targetoic/internal/metrics"
)

// Error reports a rejected or malformed token exchange. It is fatal unless
// the delivery layer's single forced-refresh retry clears it.
type Error struct {
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token endpoint returned HTTP %d: %s %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("token acquisition failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manager caches one access token and refreshes it before expiry. The mutex
// is held across the refresh round trip so concurrent callers in the same
// expiry cycle share a single request to the token endpoint.
type Manager struct {
	mu    sync.Mutex
	conf  *clientcredentials.Config
	token *oauth2.Token

	httpClient       *http.Client
	refreshThreshold time.Duration
	now              func() time.Time
}

// Config carries the credentials and tuning for a Manager.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// ClientAud enables IDCS audience-based scope construction. When set it
	// takes precedence over Scope.
	ClientAud string
	Scope     string

	RefreshThreshold time.Duration
	RequestTimeout   time.Duration
}

// NewManager builds a token manager. No network call is made until the
// first Acquire.
func NewManager(cfg Config) *Manager {
	return &Manager{
		conf: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       BuildScopes(cfg.ClientAud, cfg.Scope),
		},
		httpClient:       &http.Client{Timeout: cfg.RequestTimeout},
		refreshThreshold: cfg.RefreshThreshold,
		now:              time.Now,
	}
}

// BuildScopes constructs the OAuth2 scopes for an OIC instance. With a
// client audience configured, IDCS expects the resource-consumer and
// API-path scopes derived from it; otherwise the plain scope is used.
func BuildScopes(clientAud, scope string) []string {
	if clientAud != "" {
		return []string{
			clientAud + ":443urn:opc:resource:consumer::all",
			clientAud + ":443/ic/api/",
		}
	}
	if scope == "" {
		return nil
	}
	return []string{scope}
}

// Acquire returns an Authorization header value, refreshing the cached
// token when it is within the refresh threshold of expiry. A token that
// close to expiry is never handed out.
func (m *Manager) Acquire(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid() {
		return authHeader(m.token), nil
	}

	log := logger.WithComponent("auth")
	log.Debug().Str("token_url", m.conf.TokenURL).Msg("refreshing access token")

	token, err := m.conf.Token(context.WithValue(ctx, oauth2.HTTPClient, m.httpClient))
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		return "", asAuthError(err)
	}
	if token.AccessToken == "" || token.Expiry.IsZero() {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		return "", &Error{Err: errors.New("token response missing access_token or expires_in")}
	}

	m.token = token
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	log.Debug().Time("expiry", token.Expiry).Msg("access token refreshed")

	return authHeader(token), nil
}

// Invalidate drops the cached token so the next Acquire refetches. Called
// after a 401/403 from a data endpoint.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	metrics.TokenInvalidations.Inc()
}

// valid reports whether the cached token is usable: present and not within
// the refresh threshold of its expiry. Callers must hold the mutex.
func (m *Manager) valid() bool {
	return m.token != nil &&
		m.token.AccessToken != "" &&
		m.now().Before(m.token.Expiry.Add(-m.refreshThreshold))
}

func authHeader(token *oauth2.Token) string {
	return token.Type() + " " + token.AccessToken
}

func asAuthError(err error) *Error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return &Error{
			Status:      status,
			Code:        rerr.ErrorCode,
			Description: rerr.ErrorDescription,
			Err:         err,
		}
	}
	return &Error{Err: err}
}
