package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tendant/dealer-sso/internal/audit"
	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/domain"
	"github.com/tendant/dealer-sso/internal/oidc"
	"github.com/tendant/dealer-sso/internal/server"
	"github.com/tendant/dealer-sso/internal/store/file"
)

const (
	testIssuer      = "http://localhost:9000"
	testFrontend    = "http://localhost:3000"
	gatewayRedirect = "http://localhost:8080/login/oauth2/code/idp"
	portalRedirect  = "http://localhost:4000/callback"
	testPassword    = "Passw0rdOne"

	// RFC 7636 Appendix B
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) find(typ audit.EventType) (audit.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return e, true
		}
	}
	return audit.Event{}, false
}

// testEnv holds all the components needed for integration tests
type testEnv struct {
	server *httptest.Server
	store  *file.Store
	keys   *crypto.KeyService
	events *recordingEmitter
	user   *domain.User
}

func setupTestEnv(t *testing.T, loginRateLimit int) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := file.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keys := crypto.NewKeyService(st.Keys())
	if _, err := keys.EnsureActiveKey(ctx); err != nil {
		t.Fatalf("Failed to ensure active key: %v", err)
	}
	generator := crypto.NewTokenGenerator(keys, testIssuer)

	user, err := auth.NewUser(auth.UserSpec{
		Username:    "seller1",
		Password:    testPassword,
		Email:       "seller1@dealer.example",
		DisplayName: "Seller One",
		Roles:       []domain.Role{{Name: "ROLE_SELLER", Permissions: []string{"vehicle:read"}}},
	})
	if err != nil {
		t.Fatalf("Failed to build user: %v", err)
	}
	if err := st.Users().Create(ctx, user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	registry := oidc.NewClientRegistry(st.Clients(), oidc.WithRegistryLogger(logger))
	specs := []oidc.ClientSpec{
		{
			ID:                     "gateway",
			Secret:                 "gateway-secret",
			RedirectURIs:           []string{gatewayRedirect},
			PostLogoutRedirectURIs: []string{testFrontend},
		},
		{
			ID:             "portal",
			Name:           "Dealer Portal",
			RedirectURIs:   []string{portalRedirect},
			RequireConsent: true,
		},
	}
	for _, spec := range specs {
		if _, err := registry.RegisterIfAbsent(ctx, spec); err != nil {
			t.Fatalf("Failed to register client %s: %v", spec.ID, err)
		}
	}

	events := &recordingEmitter{}
	verifier := auth.NewVerifier(st.Users(), auth.WithLockout(auth.NewLockoutService(5, 15*time.Minute)))
	authService := auth.NewService(st.Users(), verifier,
		auth.NewSessionService(st.Sessions()),
		auth.NewCSRFService("test-cookie-secret-32-bytes-long!", false, ""),
		auth.WithLogger(logger),
	)

	logoutHandler, err := NewLogoutHandler(authService, oidc.NewLogoutService(registry, generator), testFrontend, events, logger)
	if err != nil {
		t.Fatalf("Failed to create logout handler: %v", err)
	}

	routes := &Routes{
		Auth:   authService,
		Login:  NewLoginHandler(authService, testFrontend, events, logger),
		Logout: logoutHandler,
		OIDC: NewOIDCHandler(
			authService,
			oidc.NewAuthorizeService(registry, st.AuthCodes(), 0),
			oidc.NewConsentService(st.Consents()),
			oidc.NewTokenService(registry, st.AuthCodes(), st.Tokens(), st.Users(), verifier, generator,
				oidc.WithTokenLogger(logger), oidc.WithAuditEmitter(events)),
			oidc.NewUserInfoService(st.Users(), generator),
			logger,
		),
		Discovery:      NewDiscoveryHandler(testIssuer),
		JWKS:           NewJWKSHandler(keys, logger),
		LoginRateLimit: loginRateLimit,
	}

	srv := server.NewServer(":0", server.WithLogger(logger))
	routes.Mount(srv.Router())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server: ts,
		store:  st,
		keys:   keys,
		events: events,
		user:   user,
	}
}

// Helper to create HTTP client with cookie jar
func newClientWithCookies() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse // Don't follow redirects
		},
	}
}

func (e *testEnv) cookie(client *http.Client, name string) string {
	u, _ := url.Parse(e.server.URL)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// login fetches the login page for a CSRF token and posts the credentials.
func (e *testEnv) login(t *testing.T, client *http.Client, username, password, returnURL string) *http.Response {
	t.Helper()

	resp, err := client.Get(e.server.URL + "/login")
	if err != nil {
		t.Fatalf("Failed to get login page: %v", err)
	}
	resp.Body.Close()

	form := url.Values{
		"username":         {username},
		"password":         {password},
		auth.CSRFFormField: {e.cookie(client, auth.CSRFCookieName)},
	}
	if returnURL != "" {
		form.Set("return_url", returnURL)
	}
	resp, err = client.PostForm(e.server.URL+"/login", form)
	if err != nil {
		t.Fatalf("Failed to post login: %v", err)
	}
	resp.Body.Close()
	return resp
}

func gatewayAuthorizeURL(base string) string {
	q := url.Values{
		"client_id":             {"gateway"},
		"redirect_uri":          {gatewayRedirect},
		"response_type":         {"code"},
		"scope":                 {"openid profile email"},
		"state":                 {"state-1"},
		"nonce":                 {"nonce-1"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}
	return base + "/oauth2/authorize?" + q.Encode()
}

// authorize runs the authorization step and returns the issued code.
func (e *testEnv) authorize(t *testing.T, client *http.Client) string {
	t.Helper()
	resp, err := client.Get(gatewayAuthorizeURL(e.server.URL))
	if err != nil {
		t.Fatalf("Authorize request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302 from authorize, got %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if !strings.HasPrefix(loc.String(), gatewayRedirect) {
		t.Fatalf("Expected redirect to client, got %s", loc)
	}
	if loc.Query().Get("state") != "state-1" {
		t.Errorf("Expected state to round-trip, got %q", loc.Query().Get("state"))
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("No code in redirect %s", loc)
	}
	return code
}

func (e *testEnv) postToken(t *testing.T, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, e.server.URL+"/oauth2/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("gateway", "gateway-secret")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Token request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode token response: %v", err)
	}
	return resp, body
}

func codeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {gatewayRedirect},
		"code_verifier": {testVerifier},
	}
}

func TestIntegration_HealthEndpoints(t *testing.T) {
	env := setupTestEnv(t, 0)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("%s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestIntegration_Discovery(t *testing.T) {
	env := setupTestEnv(t, 0)

	resp, err := http.Get(env.server.URL + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("Discovery request failed: %v", err)
	}
	defer resp.Body.Close()

	var doc OIDCDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("Failed to decode discovery: %v", err)
	}
	if doc.Issuer != testIssuer {
		t.Errorf("Expected issuer %s, got %s", testIssuer, doc.Issuer)
	}
	if doc.AuthorizationEndpoint != testIssuer+"/oauth2/authorize" {
		t.Errorf("Unexpected authorization endpoint %s", doc.AuthorizationEndpoint)
	}
	if doc.JwksURI != testIssuer+"/oauth2/jwks" {
		t.Errorf("Unexpected jwks uri %s", doc.JwksURI)
	}
	if doc.EndSessionEndpoint != testIssuer+"/connect/logout" {
		t.Errorf("Unexpected end session endpoint %s", doc.EndSessionEndpoint)
	}
}

func TestIntegration_JWKS(t *testing.T) {
	env := setupTestEnv(t, 0)

	resp, err := http.Get(env.server.URL + "/oauth2/jwks")
	if err != nil {
		t.Fatalf("JWKS request failed: %v", err)
	}
	defer resp.Body.Close()

	var jwks crypto.JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		t.Fatalf("Failed to decode JWKS: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("Expected 1 key, got %d", len(jwks.Keys))
	}
	if jwks.Keys[0].Alg != "RS256" || jwks.Keys[0].Kid == "" {
		t.Errorf("Unexpected key %+v", jwks.Keys[0])
	}
}

func TestIntegration_LoginFlow(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()

	resp := env.login(t, client, "seller1", testPassword, "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302 after login, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != testFrontend {
		t.Errorf("Expected redirect to %s, got %s", testFrontend, loc)
	}
	if env.cookie(client, auth.SessionCookieName) == "" {
		t.Fatal("Expected session cookie")
	}
	if _, ok := env.events.find(audit.EventLoginSucceeded); !ok {
		t.Error("Expected login_succeeded event")
	}

	// A signed-in user never sees the form again.
	resp, err := client.Get(env.server.URL + "/login")
	if err != nil {
		t.Fatalf("GET /login failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != testFrontend {
		t.Errorf("Expected redirect to frontend, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestIntegration_LoginReturnURL(t *testing.T) {
	env := setupTestEnv(t, 0)

	resp := env.login(t, newClientWithCookies(), "seller1", testPassword, "/oauth2/authorize?client_id=gateway")
	if loc := resp.Header.Get("Location"); loc != "/oauth2/authorize?client_id=gateway" {
		t.Errorf("Expected local return url, got %s", loc)
	}

	resp = env.login(t, newClientWithCookies(), "seller1", testPassword, "https://evil.example/")
	if loc := resp.Header.Get("Location"); loc != testFrontend {
		t.Errorf("Expected external return url to be dropped, got %s", loc)
	}
}

func TestIntegration_LoginFailure(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()

	resp := env.login(t, client, "seller1", "wrong-password", "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302, got %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Path != "/login" || loc.Query().Get("error") != "invalid_credentials" {
		t.Errorf("Unexpected redirect %s", loc)
	}
	if env.cookie(client, auth.SessionCookieName) != "" {
		t.Error("Expected no session cookie after failed login")
	}

	// The error page is localized.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+loc.String(), nil)
	req.Header.Set("Accept-Language", "es-MX,es;q=0.9")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET login error page failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if want := auth.Message(auth.ReasonInvalidCredentials, "es"); !strings.Contains(string(body), want) {
		t.Errorf("Expected Spanish message %q in page", want)
	}
}

func TestIntegration_LoginRequiresCSRF(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()

	resp, err := client.PostForm(env.server.URL+"/login", url.Values{
		"username": {"seller1"},
		"password": {testPassword},
	})
	if err != nil {
		t.Fatalf("POST /login failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 without CSRF token, got %d", resp.StatusCode)
	}
	if env.cookie(client, auth.SessionCookieName) != "" {
		t.Error("Expected no session without CSRF token")
	}
}

func TestIntegration_AuthorizationCodeFlow(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()

	// Anonymous users are sent to the login page with a return url.
	resp, err := client.Get(gatewayAuthorizeURL(env.server.URL))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Path != "/login" || !strings.HasPrefix(loc.Query().Get("return_url"), "/oauth2/authorize?") {
		t.Fatalf("Expected login redirect with return_url, got %s", loc)
	}

	env.login(t, client, "seller1", testPassword, "")
	code := env.authorize(t, client)

	resp, tokens := env.postToken(t, codeForm(code))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from token endpoint, got %d: %v", resp.StatusCode, tokens)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Error("Expected Cache-Control: no-store")
	}
	for _, k := range []string{"access_token", "id_token", "refresh_token"} {
		if s, _ := tokens[k].(string); s == "" {
			t.Errorf("Expected %s in response", k)
		}
	}

	// Userinfo with the access token.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens["access_token"].(string))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Userinfo failed: %v", err)
	}
	defer resp.Body.Close()
	var info oidc.UserInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode userinfo: %v", err)
	}
	if info.Sub != env.user.ID || info.PreferredUsername != "seller1" || info.Email != "seller1@dealer.example" {
		t.Errorf("Unexpected userinfo %+v", info)
	}

	// Refresh rotates the token.
	resp, refreshed := env.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens["refresh_token"].(string)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from refresh, got %d: %v", resp.StatusCode, refreshed)
	}
	if refreshed["refresh_token"] == tokens["refresh_token"] {
		t.Error("Expected a rotated refresh token")
	}
}

func TestIntegration_CodeReplay(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()

	env.login(t, client, "seller1", testPassword, "")
	code := env.authorize(t, client)

	resp, tokens := env.postToken(t, codeForm(code))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("First exchange failed: %d %v", resp.StatusCode, tokens)
	}

	resp, body := env.postToken(t, codeForm(code))
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("Expected 400 invalid_grant on replay, got %d %v", resp.StatusCode, body)
	}
	if _, ok := body["access_token"]; ok {
		t.Error("Replayed code must not issue tokens")
	}
	if _, ok := env.events.find(audit.EventCodeReplay); !ok {
		t.Error("Expected code_replay event")
	}

	// The refresh token from the first exchange belongs to the revoked grant.
	resp, body = env.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens["refresh_token"].(string)},
	})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Errorf("Expected refresh to fail after replay, got %d %v", resp.StatusCode, body)
	}
}

func TestIntegration_TokenInvalidClient(t *testing.T) {
	env := setupTestEnv(t, 0)

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/oauth2/token", strings.NewReader(codeForm("anything").Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("gateway", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Token request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("Expected WWW-Authenticate header")
	}
}

func TestIntegration_Consent(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()
	env.login(t, client, "seller1", testPassword, "")

	params := url.Values{
		"client_id":             {"portal"},
		"redirect_uri":          {portalRedirect},
		"response_type":         {"code"},
		"scope":                 {"openid profile"},
		"state":                 {"s"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}

	resp, err := client.Get(env.server.URL + "/oauth2/authorize?" + params.Encode())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(page), "Dealer Portal is requesting access") {
		t.Fatalf("Expected consent page, got %d", resp.StatusCode)
	}

	deny := url.Values{}
	for k, v := range params {
		deny[k] = v
	}
	deny.Set(auth.CSRFFormField, env.cookie(client, auth.CSRFCookieName))
	deny.Set("decision", "deny")
	resp, err = client.PostForm(env.server.URL+"/oauth2/consent", deny)
	if err != nil {
		t.Fatalf("Consent deny failed: %v", err)
	}
	resp.Body.Close()
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("error") != "access_denied" {
		t.Errorf("Expected access_denied, got %s", loc)
	}

	approve := deny
	approve.Set("decision", "approve")
	resp, err = client.PostForm(env.server.URL+"/oauth2/consent", approve)
	if err != nil {
		t.Fatalf("Consent approve failed: %v", err)
	}
	resp.Body.Close()
	loc, _ = url.Parse(resp.Header.Get("Location"))
	if loc.Query().Get("code") == "" {
		t.Fatalf("Expected code after approval, got %s", loc)
	}

	// Recorded consent skips the screen.
	resp, err = client.Get(env.server.URL + "/oauth2/authorize?" + params.Encode())
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("Expected direct redirect once consent is recorded, got %d", resp.StatusCode)
	}
}

func TestIntegration_ConsentRequiresCSRF(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()
	env.login(t, client, "seller1", testPassword, "")

	resp, err := client.PostForm(env.server.URL+"/oauth2/consent", url.Values{
		"client_id":    {"portal"},
		"redirect_uri": {portalRedirect},
		"decision":     {"approve"},
	})
	if err != nil {
		t.Fatalf("Consent failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}

func TestIntegration_ValidateCredentials(t *testing.T) {
	env := setupTestEnv(t, 0)

	tests := []struct {
		name       string
		password   string
		wantValid  bool
		wantReason any
	}{
		{"valid", testPassword, true, nil},
		{"wrong password", "nope", false, "invalid_credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"username":"seller1","password":"` + tt.password + `"}`
			resp, err := http.Post(env.server.URL+"/api/validate-credentials", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			var got map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got["valid"] != tt.wantValid {
				t.Errorf("valid = %v, want %v", got["valid"], tt.wantValid)
			}
			if reason, ok := got["reason"]; !ok || reason != tt.wantReason {
				t.Errorf("reason = %v (present %v), want %v", reason, ok, tt.wantReason)
			}
		})
	}

	// A disabled account is reported without looking at the password.
	env.user.Enabled = false
	if err := env.store.Users().Update(context.Background(), env.user); err != nil {
		t.Fatalf("Failed to update user: %v", err)
	}
	resp, err := http.Post(env.server.URL+"/api/validate-credentials", "application/json",
		strings.NewReader(`{"username":"seller1","password":"whatever"}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	var got map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&got)
	if got["reason"] != "disabled" {
		t.Errorf("Expected disabled, got %v", got["reason"])
	}
}

func TestIntegration_RateLimit(t *testing.T) {
	env := setupTestEnv(t, 2)

	var last int
	for range 3 {
		resp, err := http.Post(env.server.URL+"/api/validate-credentials", "application/json",
			strings.NewReader(`{"username":"seller1","password":"x"}`))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after exceeding the limit, got %d", last)
	}
}

func TestIntegration_SSOLogout(t *testing.T) {
	tests := []struct {
		name     string
		redirect string
		wantLoc  string
		rejected bool
	}{
		{"trusted descendant", testFrontend + "/dashboard", testFrontend + "/dashboard", false},
		{"trusted origin", testFrontend, testFrontend, false},
		{"foreign host", "https://evil.example/x", testFrontend + "/login", true},
		{"other port", "http://localhost:3001/dashboard", testFrontend + "/login", true},
		{"host suffix", "http://localhost:3000.evil.example/", testFrontend + "/login", true},
		{"userinfo", "http://attacker@localhost:3000/", testFrontend + "/login", true},
		{"scheme relative", "//evil.example/", testFrontend + "/login", true},
		{"no target", "", testFrontend + "/login", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t, 0)
			client := newClientWithCookies()
			env.login(t, client, "seller1", testPassword, "")

			target := env.server.URL + "/sso-logout"
			if tt.redirect != "" {
				target += "?redirect_uri=" + url.QueryEscape(tt.redirect)
			}
			resp, err := client.Get(target)
			if err != nil {
				t.Fatalf("sso-logout failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusFound {
				t.Fatalf("Expected 302, got %d", resp.StatusCode)
			}
			if loc := resp.Header.Get("Location"); loc != tt.wantLoc {
				t.Errorf("Location = %s, want %s", loc, tt.wantLoc)
			}
			if env.cookie(client, auth.SessionCookieName) != "" {
				t.Error("Expected session cookie to be cleared")
			}
			if _, ok := env.events.find(audit.EventOpenRedirect); ok != tt.rejected {
				t.Errorf("open_redirect event = %v, want %v", ok, tt.rejected)
			}
		})
	}
}

func TestIntegration_SSOLogoutEndsSession(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()
	env.login(t, client, "seller1", testPassword, "")
	session := env.cookie(client, auth.SessionCookieName)

	resp, err := client.Get(env.server.URL + "/sso-logout")
	if err != nil {
		t.Fatalf("sso-logout failed: %v", err)
	}
	resp.Body.Close()

	// Replaying the old cookie does not restore the session.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/login", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: session})
	resp, err = newClientWithCookies().Do(req)
	if err != nil {
		t.Fatalf("GET /login failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected the login form for a dead session, got %d", resp.StatusCode)
	}
}

func TestIntegration_ConnectLogout(t *testing.T) {
	env := setupTestEnv(t, 0)
	client := newClientWithCookies()
	env.login(t, client, "seller1", testPassword, "")
	code := env.authorize(t, client)
	_, tokens := env.postToken(t, codeForm(code))

	q := url.Values{
		"id_token_hint":            {tokens["id_token"].(string)},
		"post_logout_redirect_uri": {testFrontend},
		"state":                    {"bye"},
	}
	resp, err := client.Get(env.server.URL + "/connect/logout?" + q.Encode())
	if err != nil {
		t.Fatalf("connect/logout failed: %v", err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != testFrontend+"?state=bye" {
		t.Errorf("Unexpected redirect %s", loc)
	}
	if ev, ok := env.events.find(audit.EventLogout); !ok || ev.ClientID != "gateway" {
		t.Errorf("Expected logout event for gateway, got %+v", ev)
	}

	q.Set("post_logout_redirect_uri", "https://evil.example/")
	resp, err = client.Get(env.server.URL + "/connect/logout?" + q.Encode())
	if err != nil {
		t.Fatalf("connect/logout failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unregistered redirect, got %d", resp.StatusCode)
	}
}

func TestIntegration_ErrorPage(t *testing.T) {
	env := setupTestEnv(t, 0)

	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusInternalServerError},
		{"?status=404", http.StatusNotFound},
		{"?status=503", http.StatusServiceUnavailable},
		{"?status=200", http.StatusInternalServerError},
		{"?status=abc", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		resp, err := http.Get(env.server.URL + "/error" + tt.query)
		if err != nil {
			t.Fatalf("GET /error%s failed: %v", tt.query, err)
		}
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("/error%s: status %d, want %d", tt.query, resp.StatusCode, tt.want)
		}
		if body["path"] != "/error" {
			t.Errorf("/error%s: path = %v", tt.query, body["path"])
		}
	}
}
