// Package auth manages the OAuth token lifecycle of one cloud account:
// interactive authorization, encrypted persistence, proactive refresh and
// disconnect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jun/gophnote/internal/adapter"
	"github.com/jun/gophnote/internal/model"
)

// RefreshSkew is how long before expiry an access token is renewed.
const RefreshSkew = 5 * time.Minute

// ErrNotAuthenticated is the cause attached when no token is held.
var ErrNotAuthenticated = errors.New("account not authenticated")

// State is the token lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthorizing
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AuthRequest is handed to the interactive surface.
type AuthRequest struct {
	URL         string
	RedirectURL string
	State       string

	// FreshSession asks the surface not to reuse cookies from an earlier sign-in.
	FreshSession bool
}

// CallbackResult is the query of the redirect the provider sent back.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// AuthorizationFlow shows the provider consent page and waits for the
// redirect. Returning an error means the surface was closed.
type AuthorizationFlow interface {
	Authorize(ctx context.Context, req AuthRequest) (*CallbackResult, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	AccountID   string
	OAuth       *oauth2.Config
	ForceParams []oauth2.AuthCodeOption
	Store       TokenStore
	Flow        AuthorizationFlow
	Logger      *zap.Logger

	// OnDisconnect runs after token state is cleared, e.g. to record
	// connected=false in settings.
	OnDisconnect func(ctx context.Context)
}

// Manager owns the TokenData of one account. It is safe for concurrent use.
type Manager struct {
	accountID    string
	config       *oauth2.Config
	forceParams  []oauth2.AuthCodeOption
	store        TokenStore
	flow         AuthorizationFlow
	logger       *zap.Logger
	onDisconnect func(ctx context.Context)
	now          func() time.Time

	mu      sync.RWMutex
	state   State
	token   *model.TokenData
	idToken string
	profile adapter.ProfileFetcher

	group singleflight.Group
}

// NewManager creates a Manager in the unauthenticated state. Call Load to
// pick up a persisted token.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		accountID:    opts.AccountID,
		config:       opts.OAuth,
		forceParams:  opts.ForceParams,
		store:        opts.Store,
		flow:         opts.Flow,
		logger:       logger.With(zap.String("account", opts.AccountID)),
		onDisconnect: opts.OnDisconnect,
		now:          time.Now,
	}
}

// SetProfileFetcher sets where Authenticate reads the user profile from.
// The provider client depends on the manager, so this is wired afterwards.
func (m *Manager) SetProfileFetcher(p adapter.ProfileFetcher) {
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsAuthenticated reports whether a token is held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != nil
}

// Load reads the persisted token. A missing or unreadable token leaves the
// manager unauthenticated and is not an error.
func (m *Manager) Load(ctx context.Context) error {
	tok, err := m.store.Load(ctx, m.accountID)
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			m.logger.Warn("stored token unreadable, treating account as signed out", zap.Error(err))
		}
		m.setToken(nil)
		return nil
	}
	m.setToken(tok)
	return nil
}

func (m *Manager) setToken(tok *model.TokenData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	if tok == nil {
		m.state = StateUnauthenticated
	} else {
		m.state = StateAuthenticated
	}
}

// Authenticate runs the interactive authorization flow and returns the
// profile of the signed-in user. forceReauth requests a fresh consent screen.
func (m *Manager) Authenticate(ctx context.Context, forceReauth bool) (*model.UserInfo, error) {
	const op = "authenticate"
	if m.flow == nil {
		return nil, adapter.NewError(adapter.ErrAuthorization, op, errors.New("no authorization surface"))
	}

	m.mu.Lock()
	prev := m.state
	m.state = StateAuthorizing
	m.mu.Unlock()
	restore := func() {
		m.mu.Lock()
		if m.state == StateAuthorizing {
			m.state = prev
		}
		m.mu.Unlock()
	}

	state := uuid.NewString()
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if forceReauth {
		opts = append(opts, m.forceParams...)
	}
	req := AuthRequest{
		URL:          m.config.AuthCodeURL(state, opts...),
		RedirectURL:  m.config.RedirectURL,
		State:        state,
		FreshSession: forceReauth,
	}

	res, err := m.flow.Authorize(ctx, req)
	if err != nil {
		restore()
		return nil, adapter.NewError(adapter.ErrAuthorization, op, err)
	}
	if res.Error != "" {
		restore()
		return nil, &adapter.Error{
			Kind: adapter.ErrAuthorization,
			Op:   op,
			Code: res.Error,
			Err:  errors.New(res.ErrorDescription),
		}
	}
	if res.State != state {
		restore()
		return nil, adapter.NewError(adapter.ErrAuthorization, op, errors.New("state mismatch in callback"))
	}
	if res.Code == "" {
		restore()
		return nil, adapter.NewError(adapter.ErrAuthorization, op, errors.New("callback carried no code"))
	}

	oauthTok, err := m.config.Exchange(ctx, res.Code)
	if err != nil {
		restore()
		return nil, adapter.NewError(adapter.ErrAuthorization, op, fmt.Errorf("exchange code: %w", err))
	}
	data := tokenDataFrom(oauthTok, "")
	if err := m.store.Save(ctx, m.accountID, data); err != nil {
		restore()
		return nil, fmt.Errorf("persist token: %w", err)
	}

	idToken, _ := oauthTok.Extra("id_token").(string)
	m.mu.Lock()
	m.token = &data
	m.idToken = idToken
	m.state = StateAuthenticated
	profile := m.profile
	m.mu.Unlock()
	m.logger.Info("account authenticated", zap.Time("expires", data.Expiry()))

	return m.userInfo(ctx, profile, idToken)
}

func (m *Manager) userInfo(ctx context.Context, profile adapter.ProfileFetcher, idToken string) (*model.UserInfo, error) {
	if profile != nil {
		info, err := profile.UserInfo(ctx)
		if err == nil {
			return info, nil
		}
		if idToken == "" {
			return nil, fmt.Errorf("fetch profile: %w", err)
		}
		m.logger.Warn("profile request failed, using id_token claims", zap.Error(err))
	}
	if idToken != "" {
		return ProfileFromIDToken(idToken)
	}
	return nil, nil
}

// GetAccessToken returns a valid access token, refreshing it first when it
// expires within RefreshSkew.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if tok == nil {
		return "", adapter.NewError(adapter.ErrAuthorization, "get access token", ErrNotAuthenticated)
	}
	if m.now().UnixMilli() >= tok.ExpiresAt-RefreshSkew.Milliseconds() {
		return m.RefreshAccessToken(ctx)
	}
	return tok.AccessToken, nil
}

// RefreshAccessToken renews the access token. Concurrent callers share one
// request. When the provider rejects the refresh token all token state is
// cleared and ErrTokenRefresh returned; network failures and outages return
// ErrTransport and keep the credentials.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	const op = "refresh access token"

	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		return "", adapter.NewError(adapter.ErrTokenRefresh, op, ErrNotAuthenticated)
	}
	refreshToken := m.token.RefreshToken
	m.state = StateRefreshing
	m.mu.Unlock()

	src := m.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	oauthTok, err := src.Token()
	if err != nil {
		if !refreshRejected(err) {
			m.mu.Lock()
			if m.state == StateRefreshing {
				m.state = StateAuthenticated
			}
			m.mu.Unlock()
			m.logger.Warn("token refresh failed, keeping credentials", zap.Error(err))
			return "", adapter.NewError(adapter.ErrTransport, op, err)
		}
		m.logger.Error("refresh token rejected, disconnecting", zap.Error(err))
		m.clear(ctx)
		return "", adapter.NewError(adapter.ErrTokenRefresh, op, err)
	}

	data := tokenDataFrom(oauthTok, refreshToken)
	if err := m.store.Save(ctx, m.accountID, data); err != nil {
		m.logger.Warn("persist refreshed token", zap.Error(err))
	}
	m.setToken(&data)
	m.logger.Debug("access token refreshed", zap.Time("expires", data.Expiry()))
	return data.AccessToken, nil
}

// refreshRejected reports whether the token endpoint refused the grant, as
// opposed to being unreachable or failing.
func refreshRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "expired_token", "invalid_token":
		return true
	case "":
		return re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
	}
	return false
}

// Disconnect clears in-memory and persisted token state. Safe to call repeatedly.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.clear(ctx)
}

func (m *Manager) clear(ctx context.Context) error {
	m.mu.Lock()
	m.token = nil
	m.idToken = ""
	m.state = StateUnauthenticated
	m.mu.Unlock()

	err := m.store.Delete(ctx, m.accountID)
	if err != nil {
		m.logger.Warn("delete stored token", zap.Error(err))
	}
	if m.onDisconnect != nil {
		m.onDisconnect(ctx)
	}
	return err
}

// Token implements oauth2.TokenSource for SDK-based provider clients.
func (m *Manager) Token() (*oauth2.Token, error) {
	access, err := m.GetAccessToken(context.Background())
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if m.token != nil {
		tok.Expiry = m.token.Expiry()
	}
	return tok, nil
}

func tokenDataFrom(t *oauth2.Token, prevRefresh string) model.TokenData {
	data := model.TokenData{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if data.RefreshToken == "" {
		data.RefreshToken = prevRefresh
	}
	if !t.Expiry.IsZero() {
		data.ExpiresAt = t.Expiry.UnixMilli()
	} else {
		data.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	}
	return data
}
