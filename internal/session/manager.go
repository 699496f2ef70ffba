// Package session owns the signed-in user. It performs login, signup, logout and startup
// restoration, and follows refresh outcomes reported by the gateway.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/gateway"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/tokenstore"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Status is the authentication state of a session scope.
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusRestoring       Status = "restoring"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

const (
	pathLogin  = "/auth/login"
	pathSignup = "/auth/signup"
	pathLogout = "/auth/logout"
	pathMe     = "/auth/me"

	opLogin          = "session.login"
	opSignup         = "session.signup"
	opLogout         = "session.logout"
	opRestore        = "session.restore"
	opRefreshProfile = "session.refresh_profile"
)

var (
	errMissingTransport   = errors.New("session: transport is required")
	errMissingCredentials = errors.New("session: credentials store is required")
	errNotAuthenticated   = errors.New("not authenticated")
)

// User is the account identity exposed to callers.
type User struct {
	ID       int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Transport is the gateway surface the manager needs.
type Transport interface {
	Send(ctx context.Context, request gateway.Request) (*gateway.Response, error)
	Refresh(ctx context.Context) (gateway.AuthResponse, error)
	Invalidate()
	SetListener(listener gateway.SessionListener)
}

// Credentials is the token store surface the manager needs.
type Credentials interface {
	Session() (tokenstore.Session, bool)
	SetSession(session tokenstore.Session)
	RefreshToken() (string, bool)
	Save(session tokenstore.Session, refreshToken string)
	ClearAll()
}

// Config wires a Manager.
type Config struct {
	Transport   Transport
	Credentials Credentials
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Manager is safe for concurrent use.
type Manager struct {
	transport   Transport
	credentials Credentials
	logger      *zap.Logger
	clock       func() time.Time
	validate    *validator.Validate
	events      *transitionDispatcher

	mu          sync.RWMutex
	status      Status
	user        *User
	accessToken string
}

// NewManager constructs a Manager and registers it as the transport's session listener.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	manager := &Manager{
		transport:   cfg.Transport,
		credentials: cfg.Credentials,
		logger:      logger,
		clock:       clock,
		validate:    newValidator(),
		events:      newTransitionDispatcher(),
		status:      StatusUnknown,
	}
	cfg.Transport.SetListener(manager)
	return manager, nil
}

// Login authenticates with email and password. Rejected credentials leave the state untouched; an
// accepted login fences off any refresh still running for the previous session.
func (m *Manager) Login(ctx context.Context, email, password string) (User, error) {
	input := loginInput{Email: strings.TrimSpace(email), Password: password}
	if err := validateInput(m.validate, opLogin, input); err != nil {
		return User{}, err
	}
	return m.authenticate(ctx, opLogin, pathLogin, input)
}

// Signup creates an account and signs it in.
func (m *Manager) Signup(ctx context.Context, username, email, password string) (User, error) {
	input := signupInput{
		Username: strings.TrimSpace(username),
		Email:    strings.TrimSpace(email),
		Password: password,
	}
	if err := validateInput(m.validate, opSignup, input); err != nil {
		return User{}, err
	}
	return m.authenticate(ctx, opSignup, pathSignup, input)
}

func (m *Manager) authenticate(ctx context.Context, op, path string, body any) (User, error) {
	response, err := m.transport.Send(ctx, gateway.Request{
		Operation: op,
		Method:    http.MethodPost,
		Path:      path,
		Body:      body,
	})
	if err != nil {
		m.logger.Info("authentication rejected",
			zap.String("operation", op),
			zap.String("kind", string(apierror.KindOf(err))))
		return User{}, err
	}
	var auth gateway.AuthResponse
	if err := response.Decode(&auth); err != nil || strings.TrimSpace(auth.Token) == "" {
		return User{}, apierror.New(apierror.KindTransient, op, "malformed auth response", err)
	}
	m.transport.Invalidate()
	m.credentials.Save(auth.Session(), auth.RefreshToken)
	user := userFromAuth(auth)
	m.setAuthenticated(user, auth.Token)
	return user, nil
}

// Logout notifies the server on a best-effort basis, then clears all local state regardless of
// the outcome. A refresh still in flight is fenced off so it cannot restore the session.
func (m *Manager) Logout(ctx context.Context) {
	var body any
	if refreshToken, ok := m.credentials.RefreshToken(); ok {
		body = map[string]string{"refreshToken": refreshToken}
	}
	if _, err := m.transport.Send(ctx, gateway.Request{
		Operation: opLogout,
		Method:    http.MethodPost,
		Path:      pathLogout,
		Body:      body,
	}); err != nil {
		m.logger.Warn("logout notification failed", zap.String("operation", opLogout), zap.Error(err))
	}
	m.transport.Invalidate()
	m.credentials.ClearAll()
	m.setUnauthenticated()
}

// RestoreSession resolves the startup state. It performs no network call when the durable refresh
// token is missing or when the session tier already holds a user and access token.
func (m *Manager) RestoreSession(ctx context.Context) Status {
	m.transition(StatusRestoring, nil, "")

	if _, ok := m.credentials.RefreshToken(); !ok {
		m.setUnauthenticated()
		return StatusUnauthenticated
	}

	if cached, ok := m.credentials.Session(); ok {
		m.setAuthenticated(userFromSession(cached), cached.AccessToken)
		return StatusAuthenticated
	}

	auth, err := m.transport.Refresh(ctx)
	if err != nil {
		m.logger.Info("session restore failed", zap.String("operation", opRestore), zap.Error(err))
		m.credentials.ClearAll()
		m.setUnauthenticated()
		return StatusUnauthenticated
	}
	m.setAuthenticated(userFromAuth(auth), auth.Token)
	return StatusAuthenticated
}

// RefreshUserProfile re-fetches the current user. Failures never change the status.
func (m *Manager) RefreshUserProfile(ctx context.Context) (User, error) {
	if !m.IsAuthenticated() {
		return User{}, apierror.New(apierror.KindAuthentication, opRefreshProfile, "not signed in", errNotAuthenticated)
	}
	response, err := m.transport.Send(ctx, gateway.Request{
		Operation: opRefreshProfile,
		Method:    http.MethodGet,
		Path:      pathMe,
	})
	if err != nil {
		m.logger.Warn("failed to refresh user", zap.String("operation", opRefreshProfile), zap.Error(err))
		return User{}, err
	}
	var user User
	if err := response.Decode(&user); err != nil {
		return User{}, apierror.New(apierror.KindTransient, opRefreshProfile, "malformed user response", err)
	}

	m.mu.Lock()
	if m.status != StatusAuthenticated {
		m.mu.Unlock()
		return user, nil
	}
	m.user = &user
	accessToken := m.accessToken
	m.mu.Unlock()

	m.credentials.SetSession(tokenstore.Session{
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		AccessToken: accessToken,
	})
	return user, nil
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsAuthenticated reports whether an in-memory user is present.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil
}

// CurrentUser returns the signed-in user.
func (m *Manager) CurrentUser() (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return User{}, false
	}
	return *m.user, true
}

// AccessTokenExpiry reads the exp claim of the current access token without verifying it.
func (m *Manager) AccessTokenExpiry() (time.Time, bool) {
	m.mu.RLock()
	token := m.accessToken
	m.mu.RUnlock()
	if token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Subscribe streams status transitions until ctx is done or cleanup is called.
func (m *Manager) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	return m.events.subscribe(ctx)
}

// SessionRefreshed implements gateway.SessionListener.
func (m *Manager) SessionRefreshed(auth gateway.AuthResponse) {
	m.setAuthenticated(userFromAuth(auth), auth.Token)
}

// SessionExpired implements gateway.SessionListener.
func (m *Manager) SessionExpired(err error) {
	m.logger.Info("session expired", zap.Error(err))
	m.setUnauthenticated()
}

func (m *Manager) setAuthenticated(user User, accessToken string) {
	m.transition(StatusAuthenticated, &user, accessToken)
}

func (m *Manager) setUnauthenticated() {
	m.transition(StatusUnauthenticated, nil, "")
}

func (m *Manager) transition(to Status, user *User, accessToken string) {
	m.mu.Lock()
	from := m.status
	m.status = to
	if to != StatusRestoring {
		m.user = user
		m.accessToken = accessToken
	}
	m.mu.Unlock()

	if from != to {
		m.logger.Debug("session status changed", zap.String("from", string(from)), zap.String("to", string(to)))
		m.events.publish(Transition{From: from, To: to, At: m.clock().UTC()})
	}
}

func userFromAuth(auth gateway.AuthResponse) User {
	return User{ID: auth.UserID, Username: auth.Username, Email: auth.Email}
}

func userFromSession(session tokenstore.Session) User {
	return User{ID: session.UserID, Username: session.Username, Email: session.Email}
}
