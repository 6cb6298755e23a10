// Package token implements the Token/Session Manager (spec §4.14):
// obtains and refreshes the gateway credential and supplies it to both the
// Stream Consumer and the REST executor.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Authenticator is the subset of gateway.AuthClient the manager needs,
// kept as an interface so this package does not import internal/gateway.
type Authenticator interface {
	LoginKey(ctx context.Context, username, apiKey string) (string, error)
	Validate(ctx context.Context, currentToken string) (newToken string, ok bool, err error)
}

// Manager holds the current bearer token in memory only; no secret
// material is persisted beyond the credentials config already resolves
// from the environment.
type Manager struct {
	auth     Authenticator
	username string
	apiKey   string
	log      zerolog.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	refreshMargin time.Duration
	tokenLifetime time.Duration
}

// NewManager constructs a token manager for one set of gateway
// credentials (cmd/server/main.go runs a single manager shared by every
// account, logged in with the first enabled account's credentials).
func NewManager(auth Authenticator, username, apiKey string, log zerolog.Logger) *Manager {
	return &Manager{
		auth:          auth,
		username:      username,
		apiKey:        apiKey,
		log:           log.With().Str("component", "token_manager").Logger(),
		refreshMargin: 10 * time.Minute,
		tokenLifetime: 24 * time.Hour, // spec §6: token valid 24h
	}
}

// Get returns the current token, logging in if none has been obtained yet.
func (m *Manager) Get(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if tok != "" {
		return tok, nil
	}
	return m.Refresh(ctx)
}

// Refresh forces a new token: tries /Auth/validate first (cheaper), and
// falls back to a full /Auth/loginKey when the gateway refuses it. Called
// synchronously on REST 401 and from the background refresh loop shortly
// before expiry.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" {
		newTok, ok, err := m.auth.Validate(ctx, m.token)
		if err == nil && ok {
			m.token = newTok
			m.expiresAt = time.Now().Add(m.tokenLifetime)
			m.log.Info().Msg("token validated and refreshed")
			return m.token, nil
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("token validate failed, falling back to login")
		}
	}

	tok, err := m.auth.LoginKey(ctx, m.username, m.apiKey)
	if err != nil {
		return "", fmt.Errorf("token login: %w", err)
	}
	m.token = tok
	m.expiresAt = time.Now().Add(m.tokenLifetime)
	m.log.Info().Msg("token obtained via login")
	return m.token, nil
}

// ExpiresAt reports when the current token is expected to need a refresh,
// surfaced on the status API's health endpoint. Zero means no token has
// been obtained yet.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiresAt
}

// RunBackgroundRefresh blocks until ctx is cancelled, refreshing the token
// shortly before it expires.
func (m *Manager) RunBackgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			due := !m.expiresAt.IsZero() && time.Until(m.expiresAt) < m.refreshMargin
			m.mu.RUnlock()
			if due {
				if _, err := m.Refresh(ctx); err != nil {
					m.log.Error().Err(err).Msg("background token refresh failed")
				}
			}
		}
	}
}
