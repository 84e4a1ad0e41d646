package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/krakendeploy-com/kraken-agent/internal/config"
	"github.com/krakendeploy-com/kraken-agent/internal/protocol"
	"github.com/krakendeploy-com/kraken-agent/internal/tokenstore"
)

const (
	refreshTimeout     = 15 * time.Second
	refreshExpirySkew  = 60 * time.Second
	defaultTokenExpiry = 5 * time.Minute
)

// AuthState is the process-wide token state. The TokenManager is its only
// writer; everything else reads through the manager's accessors.
type AuthState struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

type TokenManager struct {
	mu    sync.Mutex
	state AuthState

	authURL     string
	agentID     string
	store       *tokenstore.Store
	storeRoot   string
	platformTag string
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time
}

func NewTokenManager(settings config.Settings, store *tokenstore.Store, logger *zap.Logger) *TokenManager {
	m := &TokenManager{
		authURL:     settings.Auth.Url,
		agentID:     settings.Agent.Id,
		store:       store,
		storeRoot:   tokenStoreRoot(),
		platformTag: platformTag(),
		httpClient:  &http.Client{Timeout: refreshTimeout},
		logger:      logger,
		now:         time.Now,
	}
	// Seed the in-memory refresh token from disk; the installer placed the
	// first one there during registration.
	if token, err := store.Load(m.platformTag, m.storeRoot); err != nil {
		logger.Warn("load persisted refresh token failed", zap.Error(err))
	} else if token != "" {
		m.state.RefreshToken = token
	}
	return m
}

// AccessToken returns the current bearer value. Callers read it and build the
// Authorization header in one step before issuing a request.
func (m *TokenManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AccessToken
}

// EnsureValid refreshes proactively when the access token is missing or
// expires within the skew window.
func (m *TokenManager) EnsureValid(ctx context.Context) {
	m.mu.Lock()
	valid := m.state.AccessToken != "" && m.state.ExpiresAt.After(m.now().Add(refreshExpirySkew))
	m.mu.Unlock()
	if valid {
		return
	}
	m.Refresh(ctx)
}

// Refresh exchanges the rotating refresh token for a new access token. It
// never returns an error: failures are logged and reported as false, leaving
// AuthState untouched so the next 401 can trigger another attempt.
func (m *TokenManager) Refresh(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	refreshToken := m.state.RefreshToken
	if persisted, err := m.store.Load(m.platformTag, m.storeRoot); err != nil {
		m.logger.Warn("read refresh token blob failed", zap.Error(err))
	} else if persisted != "" {
		refreshToken = persisted
	}
	if strings.TrimSpace(refreshToken) == "" {
		m.logger.Error("no refresh token available", zap.String("agent_id", m.agentID))
		return false
	}

	body, err := json.Marshal(protocol.RefreshRequest{RefreshToken: refreshToken, AgentId: m.agentID})
	if err != nil {
		m.logger.Error("marshal refresh request failed", zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.authURL+"/agent/refresh", bytes.NewReader(body))
	if err != nil {
		m.logger.Error("create refresh request failed", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Error("refresh request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		m.logger.Error("refresh rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", bytes.TrimSpace(respBody)))
		return false
	}

	var parsed protocol.RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		m.logger.Error("decode refresh response failed", zap.Error(err))
		return false
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		m.logger.Error("refresh response carried no access token")
		return false
	}

	m.state.AccessToken = parsed.AccessToken
	m.state.ExpiresAt = m.expiryFor(parsed)

	if rotated := strings.TrimSpace(parsed.RefreshToken); rotated != "" {
		m.state.RefreshToken = rotated
		if err := m.store.Save(m.platformTag, m.storeRoot, rotated); err != nil {
			m.logger.Error("persist rotated refresh token failed", zap.Error(err))
		}
	}
	return true
}

// expiryFor prefers the explicit expiresIn; when the auth service omits it,
// the unverified exp claim of the JWT is used, then a conservative default.
func (m *TokenManager) expiryFor(parsed protocol.RefreshResponse) time.Time {
	if parsed.ExpiresIn > 0 {
		return m.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	if exp, ok := jwtExpiry(parsed.AccessToken); ok {
		return exp
	}
	return m.now().Add(defaultTokenExpiry)
}

func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
