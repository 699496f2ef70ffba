// Package gateway sends API requests on behalf of the signed-in user. It attaches the current
// access token and, when the server answers 401, coordinates a single token refresh shared by
// every request that observed the expired token.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/tokenstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 30 * time.Second
	maxResponseBodySize = 8 << 20
	requestIDHeader     = "X-Request-ID"
	opRefresh           = "gateway.refresh"
)

var (
	errMissingBaseURL     = errors.New("gateway: base url is required")
	errMissingCredentials = errors.New("gateway: credentials store is required")
	errNoRefreshToken     = errors.New("no refresh token")
	errSessionInvalidated = errors.New("session ended while refresh was in flight")
)

// Credentials is the subset of the token store the gateway reads and writes.
type Credentials interface {
	AccessToken() string
	RefreshToken() (string, bool)
	Save(session tokenstore.Session, refreshToken string)
	ClearAll()
}

// SessionListener is told about refresh outcomes that change the session.
type SessionListener interface {
	SessionRefreshed(AuthResponse)
	SessionExpired(error)
}

// Config wires a Gateway.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials Credentials
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Gateway is safe for concurrent use. Construct one per session scope.
type Gateway struct {
	baseURL     string
	httpClient  *http.Client
	credentials Credentials
	logger      *zap.Logger
	metrics     *Metrics

	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshResult
	epoch      uint64
	listener   SessionListener
}

type refreshResult struct {
	auth AuthResponse
	err  error
}

// New validates the configuration and returns a Gateway.
func New(cfg Config) (*Gateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, err
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		baseURL:     baseURL,
		httpClient:  httpClient,
		credentials: cfg.Credentials,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

// SetListener registers the component that owns the in-memory session.
func (g *Gateway) SetListener(listener SessionListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listener = listener
}

// Invalidate fences off any refresh currently in flight: its result is discarded and its waiters
// fail, so a logout or a new login cannot be undone by a refresh that settles afterwards. The
// fenced refresh leaves the credentials untouched.
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch++
}

// Send dispatches request. Non-2xx responses are returned together with an *apierror.Error.
func (g *Gateway) Send(ctx context.Context, request Request) (*Response, error) {
	usedToken := g.credentials.AccessToken()
	response, err := g.dispatch(ctx, request, usedToken)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusUnauthorized || request.isAuthEndpoint() {
		return g.finish(request, response)
	}

	token, err := g.recoverAccess(ctx, usedToken)
	if err != nil {
		return nil, err
	}

	retried, err := g.dispatch(ctx, request, token)
	if err != nil {
		return nil, err
	}
	if retried.StatusCode == http.StatusUnauthorized {
		g.logger.Warn("request still unauthorized after refresh",
			zap.String("operation", request.operation()),
			zap.String("path", request.Path))
	}
	return g.finish(request, retried)
}

// Refresh exchanges the durable refresh token for a new pair, joining a refresh already in flight
// instead of starting another one.
func (g *Gateway) Refresh(ctx context.Context) (AuthResponse, error) {
	result := g.sharedRefresh(ctx)
	return result.auth, result.err
}

// recoverAccess returns the token a 401'd request should be retried with.
func (g *Gateway) recoverAccess(ctx context.Context, usedToken string) (string, error) {
	g.mu.Lock()
	current := g.credentials.AccessToken()
	if !g.refreshing && current != "" && current != usedToken {
		g.mu.Unlock()
		g.metrics.observeStaleRetry()
		return current, nil
	}
	g.mu.Unlock()

	result := g.sharedRefresh(ctx)
	if result.err != nil {
		return "", result.err
	}
	return result.auth.Token, nil
}

func (g *Gateway) sharedRefresh(ctx context.Context) refreshResult {
	g.mu.Lock()
	if g.refreshing {
		waiter := make(chan refreshResult, 1)
		g.waiters = append(g.waiters, waiter)
		g.mu.Unlock()
		g.metrics.addWaiters(1)
		defer g.metrics.addWaiters(-1)

		select {
		case result := <-waiter:
			return result
		case <-ctx.Done():
			return refreshResult{err: apierror.New(apierror.KindTransient, opRefresh, "cancelled while waiting for refresh", ctx.Err())}
		}
	}
	g.refreshing = true
	epoch := g.epoch
	g.mu.Unlock()

	auth, refreshErr := g.exchangeRefreshToken(context.WithoutCancel(ctx))

	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	invalidated := g.epoch != epoch
	listener := g.listener

	var result refreshResult
	switch {
	case invalidated:
		// The session that started this refresh is gone; whatever the store holds now belongs to
		// its successor.
		result.err = apierror.New(apierror.KindSessionExpired, opRefresh, "session ended", errSessionInvalidated)
		g.metrics.observeRefresh(refreshOutcomeInvalidated)
	case refreshErr != nil:
		g.credentials.ClearAll()
		result.err = apierror.New(apierror.KindSessionExpired, opRefresh, "token refresh failed", refreshErr)
		g.metrics.observeRefresh(refreshOutcomeFailure)
	default:
		g.credentials.Save(auth.Session(), auth.RefreshToken)
		result.auth = auth
		g.metrics.observeRefresh(refreshOutcomeSuccess)
	}
	for _, waiter := range waiters {
		waiter <- result
	}
	g.refreshing = false
	g.mu.Unlock()

	switch {
	case invalidated:
		g.logger.Info("discarded refresh that settled after session end", zap.Int("waiters", len(waiters)))
	case refreshErr != nil:
		g.logger.Warn("token refresh failed",
			zap.String("operation", opRefresh),
			zap.Int("waiters", len(waiters)),
			zap.Error(refreshErr))
		if listener != nil {
			listener.SessionExpired(result.err)
		}
	default:
		g.logger.Debug("token refreshed", zap.Int64("user_id", auth.UserID), zap.Int("waiters", len(waiters)))
		if listener != nil {
			listener.SessionRefreshed(auth)
		}
	}
	return result
}

func (g *Gateway) exchangeRefreshToken(ctx context.Context) (AuthResponse, error) {
	refreshToken, ok := g.credentials.RefreshToken()
	if !ok {
		return AuthResponse{}, errNoRefreshToken
	}
	request := Request{
		Operation: opRefresh,
		Method:    http.MethodPost,
		Path:      RefreshPath,
		Body:      refreshRequestPayload{RefreshToken: refreshToken},
	}
	response, err := g.dispatch(ctx, request, "")
	if err != nil {
		return AuthResponse{}, err
	}
	if _, err := g.finish(request, response); err != nil {
		return AuthResponse{}, err
	}
	var auth AuthResponse
	if err := response.Decode(&auth); err != nil {
		return AuthResponse{}, err
	}
	if strings.TrimSpace(auth.Token) == "" {
		return AuthResponse{}, errors.New("refresh response missing access token")
	}
	if strings.TrimSpace(auth.RefreshToken) == "" {
		return AuthResponse{}, errors.New("refresh response missing refresh token")
	}
	return auth, nil
}

func (g *Gateway) dispatch(ctx context.Context, request Request, token string) (*Response, error) {
	var body io.Reader = http.NoBody
	if request.Body != nil {
		encoded, err := json.Marshal(request.Body)
		if err != nil {
			return nil, apierror.New(apierror.KindRequest, request.operation(), "encode request body", err)
		}
		body = bytes.NewReader(encoded)
	}

	target := g.baseURL + request.Path
	if len(request.Query) > 0 {
		target += "?" + request.Query.Encode()
	}
	httpRequest, err := http.NewRequestWithContext(ctx, request.Method, target, body)
	if err != nil {
		return nil, apierror.New(apierror.KindRequest, request.operation(), "build request", err)
	}
	for name, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	httpRequest.Header.Set("Accept", "application/json")
	if request.Body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	httpRequest.Header.Set(requestIDHeader, uuid.NewString())
	if token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+token)
	}

	httpResponse, err := g.httpClient.Do(httpRequest)
	if err != nil {
		g.logger.Debug("request failed",
			zap.String("operation", request.operation()),
			zap.String("method", request.Method),
			zap.String("path", request.Path),
			zap.Error(err))
		return nil, apierror.New(apierror.KindTransient, request.operation(), "request failed", err)
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBodySize))
	if err != nil {
		return nil, apierror.New(apierror.KindTransient, request.operation(), "read response", err)
	}
	g.metrics.observeRequest(request.Method, httpResponse.StatusCode)

	return &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header,
		Body:       payload,
	}, nil
}

func (g *Gateway) finish(request Request, response *Response) (*Response, error) {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	return response, apierror.FromResponse(request.operation(), response.StatusCode, response.Body)
}
