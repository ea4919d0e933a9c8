package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/principal"
)

// memSessions is an in-memory SessionRepository.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*domain.Session)}
}

func (m *memSessions) Create(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessions) GetByID(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, idperrors.NotFound("session", id)
	}
	return s, nil
}

func (m *memSessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessions) DeleteByUserID(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memSessions) DeleteExpired(context.Context) error { return nil }

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type testEnv struct {
	svc       *Service
	sessions  *memSessions
	directory *memDirectory
	user      *domain.User
}

func newTestEnv() *testEnv {
	user := testUser("u1", "alice")
	dir := newMemDirectory(user)
	sessions := newMemSessions()
	svc := NewService(
		dir,
		NewVerifier(dir),
		NewSessionService(sessions),
		NewCSRFService(testCSRFSecret, false, ""),
	)
	return &testEnv{svc: svc, sessions: sessions, directory: dir, user: user}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// login performs a CSRF-protected login and returns the recorder.
func (e *testEnv) login(t *testing.T, username, password string, extra ...*http.Cookie) (*httptest.ResponseRecorder, Result) {
	t.Helper()
	csrfRec := httptest.NewRecorder()
	token, err := e.svc.CSRF().GenerateToken(csrfRec)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	form := url.Values{"username": {username}, "password": {password}, CSRFFormField: {token}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range append(csrfRec.Result().Cookies(), extra...) {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	result, err := e.svc.Login(req.Context(), w, req, username, password)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return w, result
}

func TestLoginCreatesHashedSession(t *testing.T) {
	env := newTestEnv()

	w, result := env.login(t, "alice", testPassword)
	if !result.Valid {
		t.Fatalf("Expected valid login, got %q", result.Reason)
	}

	cookie := findCookie(w.Result().Cookies(), SessionCookieName)
	if cookie == nil {
		t.Fatal("Session cookie should be set")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode || cookie.Path != "/" {
		t.Errorf("Unexpected cookie attributes: %+v", cookie)
	}

	if _, err := env.sessions.GetByID(context.Background(), cookie.Value); err == nil {
		t.Error("Sessions must not be stored under the raw cookie value")
	}

	session, err := env.svc.Sessions().GetSession(context.Background(), cookie.Value)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.UserID != "u1" || session.Username != "alice" {
		t.Errorf("Unexpected session owner: %+v", session)
	}
	if len(session.Authorities) != 3 {
		t.Errorf("Expected flattened authorities, got %v", session.Authorities)
	}
}

func TestLoginRejectedCreatesNoSession(t *testing.T) {
	env := newTestEnv()
	env.user.Enabled = false

	w, result := env.login(t, "alice", testPassword)
	if result.Valid || result.Reason != ReasonDisabled {
		t.Errorf("Expected disabled, got %+v", result)
	}
	if findCookie(w.Result().Cookies(), SessionCookieName) != nil {
		t.Error("Rejected login must not set a session cookie")
	}
	if env.sessions.count() != 0 {
		t.Error("Rejected login must not store a session")
	}
}

func TestLoginRequiresCSRF(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=alice"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := env.svc.Login(req.Context(), httptest.NewRecorder(), req, "alice", testPassword)
	if !idperrors.IsCode(err, idperrors.CodeForbidden) {
		t.Errorf("Expected forbidden error, got %v", err)
	}
}

func TestLoginRotatesSession(t *testing.T) {
	env := newTestEnv()

	first, _ := env.login(t, "alice", testPassword)
	old := findCookie(first.Result().Cookies(), SessionCookieName)

	second, _ := env.login(t, "alice", testPassword, old)
	next := findCookie(second.Result().Cookies(), SessionCookieName)

	if old.Value == next.Value {
		t.Error("Login should issue a new session value")
	}
	if _, err := env.svc.Sessions().GetSession(context.Background(), old.Value); err == nil {
		t.Error("Old session should be deleted on login")
	}
	if env.sessions.count() != 1 {
		t.Errorf("Expected exactly one session, got %d", env.sessions.count())
	}
}

func TestMiddlewareBindsPrincipal(t *testing.T) {
	env := newTestEnv()
	w, _ := env.login(t, "alice", testPassword)
	cookie := findCookie(w.Result().Cookies(), SessionCookieName)

	var got *principal.Principal
	var hasSession bool
	handler := env.svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = principal.From(r.Context())
		_, hasSession = SessionFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.AddCookie(cookie)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.UserID != "u1" || got.Kind != principal.KindUser {
		t.Fatalf("Expected user principal, got %v", got)
	}
	if !got.HasAuthority("vehicle:read") {
		t.Error("Principal should carry session authorities")
	}
	if !hasSession {
		t.Error("Session should be bound to the context")
	}
}

func TestMiddlewareDropsSessionOfDisabledAccount(t *testing.T) {
	env := newTestEnv()
	w, _ := env.login(t, "alice", testPassword)
	cookie := findCookie(w.Result().Cookies(), SessionCookieName)

	env.user.Enabled = false

	authenticated := true
	handler := env.svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authenticated = principal.Authenticated(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if authenticated {
		t.Error("Disabled account must not keep an authenticated session")
	}
	if env.sessions.count() != 0 {
		t.Error("Session of disabled account should be deleted")
	}
}

func TestInvalidateClearsContext(t *testing.T) {
	env := newTestEnv()
	w, _ := env.login(t, "alice", testPassword)
	cookie := findCookie(w.Result().Cookies(), SessionCookieName)

	var after *http.Request
	var found bool
	handler := env.svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principal.Authenticated(r.Context()) {
			t.Fatal("Expected principal before invalidation")
		}
		after, found = env.svc.Invalidate(w, r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sso-logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !found {
		t.Error("Invalidate should report the session cookie")
	}
	if principal.Authenticated(after.Context()) {
		t.Error("Principal must be cleared in the same request")
	}
	if _, ok := SessionFrom(after.Context()); ok {
		t.Error("Session must be cleared in the same request")
	}
	if env.sessions.count() != 0 {
		t.Error("Session should be deleted")
	}
	if c := findCookie(rec.Result().Cookies(), SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Error("Session cookie should be expired")
	}
}

func TestInvalidateWithoutSession(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodGet, "/sso-logout", nil)
	req = req.WithContext(principal.With(req.Context(), &principal.Principal{Kind: principal.KindUser, Subject: "x"}))

	after, found := env.svc.Invalidate(httptest.NewRecorder(), req)
	if found {
		t.Error("No session cookie was sent")
	}
	if principal.Authenticated(after.Context()) {
		t.Error("Principal must be cleared even without a session")
	}
}
