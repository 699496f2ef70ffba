package devapi_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/client/internal/apierror"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/devapi"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/gateway"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/obfuscation"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/session"
	"github.com/MarcoPoloResearchLab/gravity/client/internal/tokenstore"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const accessTTL = 15 * time.Minute

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type apiHarness struct {
	baseURL       string
	clock         *manualClock
	refreshCalls  atomic.Int32
	refreshGate   atomic.Pointer[chan struct{}]
	refreshEnters chan struct{}
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	harness := &apiHarness{
		clock:         &manualClock{current: time.Now().UTC()},
		refreshEnters: make(chan struct{}, 8),
	}
	server, err := devapi.NewServer(devapi.ServerConfig{
		SigningSecret: "integration-secret",
		AccessTTL:     accessTTL,
		BcryptCost:    bcrypt.MinCost,
		Clock:         harness.clock.Now,
		Hooks: devapi.Hooks{BeforeRefresh: func() {
			harness.refreshCalls.Add(1)
			if gate := harness.refreshGate.Load(); gate != nil {
				harness.refreshEnters <- struct{}{}
				<-*gate
			}
		}},
	})
	if err != nil {
		t.Fatalf("failed to start api: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		_ = server.Close()
	})
	harness.baseURL = httpServer.URL
	return harness
}

// holdRefreshes makes every refresh block until the returned release function runs.
func (h *apiHarness) holdRefreshes() func() {
	gate := make(chan struct{})
	h.refreshGate.Store(&gate)
	var once sync.Once
	return func() {
		once.Do(func() {
			h.refreshGate.Store(nil)
			close(gate)
		})
	}
}

type clientStack struct {
	store   *tokenstore.Store
	gateway *gateway.Gateway
	manager *session.Manager
	notes   *notes.Client
}

func newClientStack(t *testing.T, baseURL string, durable tokenstore.Tier) *clientStack {
	t.Helper()
	if durable == nil {
		durable = tokenstore.NewMemoryTier()
	}
	store, err := tokenstore.NewStore(tokenstore.Config{
		SessionTier: tokenstore.NewMemoryTier(),
		DurableTier: durable,
		Codec:       obfuscation.NewCodec("integration-key"),
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	transport, err := gateway.New(gateway.Config{BaseURL: baseURL, Credentials: store})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	manager, err := session.NewManager(session.Config{Transport: transport, Credentials: store})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	client, err := notes.NewClient(notes.ClientConfig{Sender: transport})
	if err != nil {
		t.Fatalf("failed to build notes client: %v", err)
	}
	return &clientStack{store: store, gateway: transport, manager: manager, notes: client}
}

func mustSignedIn(t *testing.T, stack *clientStack) session.User {
	t.Helper()
	ctx := context.Background()
	if _, err := stack.manager.Signup(ctx, "ada", "ada@example.com", "secret1"); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	stack.manager.Logout(ctx)
	user, err := stack.manager.Login(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return user
}

func mustCreateNote(t *testing.T, client *notes.Client, title string) notes.Note {
	t.Helper()
	note, err := client.Create(context.Background(), notes.Draft{Title: title, Content: "body of " + title})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return note
}

func TestLoginThenListUsesIssuedToken(t *testing.T) {
	harness := newAPIHarness(t)
	stack := newClientStack(t, harness.baseURL, nil)
	user := mustSignedIn(t, stack)

	if user.Username != "ada" || !stack.manager.IsAuthenticated() {
		t.Fatalf("expected authenticated user, got %+v", user)
	}
	if _, ok := stack.store.RefreshToken(); !ok {
		t.Fatalf("expected refresh token to be stored")
	}

	mustCreateNote(t, stack.notes, "Groceries")
	page, err := stack.notes.List(context.Background(), notes.DefaultFilters())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.TotalElements != 1 || page.Notes[0].Title != "Groceries" {
		t.Fatalf("unexpected page %+v", page)
	}
	if harness.refreshCalls.Load() != 0 {
		t.Fatalf("expected no refresh with a fresh token")
	}
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	harness := newAPIHarness(t)
	stack := newClientStack(t, harness.baseURL, nil)
	mustSignedIn(t, stack)
	first := mustCreateNote(t, stack.notes, "First note")
	second := mustCreateNote(t, stack.notes, "Second note")
	staleToken := stack.store.AccessToken()

	harness.clock.Advance(accessTTL + time.Minute)

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		return stack.notes.Delete(ctx, first.ID)
	})
	group.Go(func() error {
		_, err := stack.notes.Update(ctx, second.ID, notes.Draft{Title: "Second note", Content: "edited"}, second.Version)
		return err
	})
	if err := group.Wait(); err != nil {
		t.Fatalf("expected both requests to succeed after refresh, got %v", err)
	}

	if calls := harness.refreshCalls.Load(); calls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", calls)
	}
	if stack.store.AccessToken() == staleToken {
		t.Fatalf("expected a new access token after refresh")
	}
	if !stack.manager.IsAuthenticated() {
		t.Fatalf("expected session to stay authenticated")
	}
}

func TestConcurrentRequestsJoinRefreshInFlight(t *testing.T) {
	harness := newAPIHarness(t)
	stack := newClientStack(t, harness.baseURL, nil)
	mustSignedIn(t, stack)
	note := mustCreateNote(t, stack.notes, "Shared note")

	harness.clock.Advance(accessTTL + time.Minute)
	release := harness.holdRefreshes()
	defer release()

	errs := make(chan error, 3)
	go func() {
		_, err := stack.notes.Get(context.Background(), note.ID)
		errs <- err
	}()
	<-harness.refreshEnters
	for range 2 {
		go func() {
			_, err := stack.notes.List(context.Background(), notes.DefaultFilters())
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	release()

	for range 3 {
		if err := <-errs; err != nil {
			t.Fatalf("expected request to succeed, got %v", err)
		}
	}
	if calls := harness.refreshCalls.Load(); calls != 1 {
		t.Fatalf("expected one refresh, got %d", calls)
	}
}

func TestLogoutDuringRefreshStaysSignedOut(t *testing.T) {
	harness := newAPIHarness(t)
	stack := newClientStack(t, harness.baseURL, nil)
	mustSignedIn(t, stack)

	harness.clock.Advance(accessTTL + time.Minute)
	release := harness.holdRefreshes()
	defer release()

	errs := make(chan error, 1)
	go func() {
		_, err := stack.notes.List(context.Background(), notes.DefaultFilters())
		errs <- err
	}()
	<-harness.refreshEnters

	stack.manager.Logout(context.Background())
	release()

	err := <-errs
	if !apierror.IsKind(err, apierror.KindSessionExpired) {
		t.Fatalf("expected session expired error, got %v", err)
	}
	if stack.manager.Status() != session.StatusUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", stack.manager.Status())
	}
	if _, ok := stack.store.RefreshToken(); ok {
		t.Fatalf("expected refresh token to stay cleared")
	}
	if stack.store.AccessToken() != "" {
		t.Fatalf("expected access token to stay cleared")
	}
}

func TestLoginDuringRefreshKeepsNewSession(t *testing.T) {
	for name, logoutFirst := range map[string]bool{"after logout": true, "without logout": false} {
		t.Run(name, func(t *testing.T) {
			harness := newAPIHarness(t)
			stack := newClientStack(t, harness.baseURL, nil)
			mustSignedIn(t, stack)
			ctx := context.Background()

			harness.clock.Advance(accessTTL + time.Minute)
			release := harness.holdRefreshes()
			defer release()

			errs := make(chan error, 1)
			go func() {
				_, err := stack.notes.List(ctx, notes.DefaultFilters())
				errs <- err
			}()
			<-harness.refreshEnters

			if logoutFirst {
				stack.manager.Logout(ctx)
			}
			if _, err := stack.manager.Login(ctx, "ada@example.com", "secret1"); err != nil {
				t.Fatalf("login failed: %v", err)
			}
			loginRefreshToken, _ := stack.store.RefreshToken()
			loginAccessToken := stack.store.AccessToken()
			release()

			if err := <-errs; !apierror.IsKind(err, apierror.KindSessionExpired) {
				t.Fatalf("expected the superseded request to fail with session expired, got %v", err)
			}
			if token, ok := stack.store.RefreshToken(); !ok || token != loginRefreshToken {
				t.Fatalf("expected the login refresh token to survive, got %q (present=%v)", token, ok)
			}
			if stack.store.AccessToken() != loginAccessToken {
				t.Fatalf("expected the login access token to survive")
			}
			if !stack.manager.IsAuthenticated() {
				t.Fatalf("expected to stay signed in, got %s", stack.manager.Status())
			}
			if _, err := stack.notes.List(ctx, notes.DefaultFilters()); err != nil {
				t.Fatalf("list with the new session failed: %v", err)
			}
		})
	}
}

func TestStaleVersionUpdateIsConflict(t *testing.T) {
	harness := newAPIHarness(t)
	stack := newClientStack(t, harness.baseURL, nil)
	mustSignedIn(t, stack)
	note := mustCreateNote(t, stack.notes, "Shared draft")
	ctx := context.Background()

	if _, err := stack.notes.Update(ctx, note.ID, notes.Draft{Title: "Shared draft", Content: "mine"}, note.Version); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	_, err := stack.notes.Update(ctx, note.ID, notes.Draft{Title: "Shared draft", Content: "theirs"}, note.Version)
	if !apierror.IsKind(err, apierror.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	current, err := stack.notes.Get(ctx, note.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current.Content != "mine" || current.Version != 2 {
		t.Fatalf("expected the first write to win, got %+v", current)
	}
}

func TestRestoreSessionAfterRestart(t *testing.T) {
	harness := newAPIHarness(t)
	path := filepath.Join(t.TempDir(), "credentials.db")

	durable, err := tokenstore.OpenDurableTier(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open durable tier: %v", err)
	}
	first := newClientStack(t, harness.baseURL, durable)
	user := mustSignedIn(t, first)
	if err := durable.Close(); err != nil {
		t.Fatalf("failed to close durable tier: %v", err)
	}

	reopened, err := tokenstore.OpenDurableTier(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to reopen durable tier: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	second := newClientStack(t, harness.baseURL, reopened)

	if status := second.manager.RestoreSession(context.Background()); status != session.StatusAuthenticated {
		t.Fatalf("expected restored session, got %s", status)
	}
	restored, ok := second.manager.CurrentUser()
	if !ok || restored.ID != user.ID {
		t.Fatalf("expected user %d to be restored, got %+v", user.ID, restored)
	}
	if harness.refreshCalls.Load() != 1 {
		t.Fatalf("expected restore to refresh once, got %d", harness.refreshCalls.Load())
	}
	if _, err := second.notes.List(context.Background(), notes.DefaultFilters()); err != nil {
		t.Fatalf("list after restore failed: %v", err)
	}
}

func TestRestoreSessionWithRevokedTokenSignsOut(t *testing.T) {
	harness := newAPIHarness(t)
	durable := tokenstore.NewMemoryTier()
	first := newClientStack(t, harness.baseURL, durable)
	mustSignedIn(t, first)
	refreshToken, _ := first.store.RefreshToken()

	rotated := newClientStack(t, harness.baseURL, nil)
	rotated.store.SetRefreshToken(refreshToken)
	if _, err := rotated.gateway.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	second := newClientStack(t, harness.baseURL, durable)
	if status := second.manager.RestoreSession(context.Background()); status != session.StatusUnauthenticated {
		t.Fatalf("expected reused refresh token to be rejected, got %s", status)
	}
	if _, ok := second.store.RefreshToken(); ok {
		t.Fatalf("expected rejected refresh token to be cleared")
	}
}
