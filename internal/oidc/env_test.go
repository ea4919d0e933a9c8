package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/tendant/dealer-sso/internal/audit"
	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/domain"
	"github.com/tendant/dealer-sso/internal/store/file"
)

const (
	testIssuer      = "http://localhost:9000"
	testRedirectURI = "http://localhost:8080/login/oauth2/code/idp"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
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

func (r *recordingEmitter) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	store     *file.Store
	registry  *ClientRegistry
	consent   *ConsentService
	authorize *AuthorizeService
	tokens    *TokenService
	userinfo  *UserInfoService
	logout    *LogoutService
	generator *crypto.TokenGenerator
	events    *recordingEmitter
	user      *domain.User
	session   *domain.Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := file.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	keys := crypto.NewKeyService(st.Keys())
	if _, err := keys.EnsureActiveKey(ctx); err != nil {
		t.Fatalf("Failed to create signing key: %v", err)
	}
	gen := crypto.NewTokenGenerator(keys, testIssuer)

	user, err := auth.NewUser(auth.UserSpec{
		Username:    "seller1",
		Password:    "Passw0rdOne",
		Email:       "seller1@dealer.example",
		DisplayName: "Seller One",
		Roles:       []domain.Role{{Name: "ROLE_SELLER", Permissions: []string{"vehicle:read", "purchase_sale:create"}}},
	})
	if err != nil {
		t.Fatalf("Failed to build user: %v", err)
	}
	if err := st.Users().Create(ctx, user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	now := time.Now().UTC()
	session := &domain.Session{
		ID:          "session-hash",
		UserID:      user.ID,
		Username:    user.Username,
		Authorities: user.Authorities(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}

	events := &recordingEmitter{}
	registry := NewClientRegistry(st.Clients())
	verifier := auth.NewVerifier(st.Users())

	return &testEnv{
		store:     st,
		registry:  registry,
		consent:   NewConsentService(st.Consents()),
		authorize: NewAuthorizeService(registry, st.AuthCodes(), 0),
		tokens:    NewTokenService(registry, st.AuthCodes(), st.Tokens(), st.Users(), verifier, gen, WithAuditEmitter(events)),
		userinfo:  NewUserInfoService(st.Users(), gen),
		logout:    NewLogoutService(registry, gen),
		generator: gen,
		events:    events,
		user:      user,
		session:   session,
	}
}

// registerGateway registers the confidential gateway client.
func (e *testEnv) registerGateway(t *testing.T, mutate func(*ClientSpec)) {
	t.Helper()
	spec := ClientSpec{
		ID:                     "gateway",
		Secret:                 "gateway-secret",
		RedirectURIs:           []string{testRedirectURI},
		PostLogoutRedirectURIs: []string{"http://localhost:3000"},
	}
	if mutate != nil {
		mutate(&spec)
	}
	if _, err := e.registry.RegisterIfAbsent(context.Background(), spec); err != nil {
		t.Fatalf("Failed to register client: %v", err)
	}
}

func s256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// issueCode runs the authorize step for the gateway client.
func (e *testEnv) issueCode(t *testing.T, nonce string) string {
	t.Helper()
	req := &AuthorizeRequest{
		ClientID:            "gateway",
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "openid profile email",
		State:               "xyz",
		Nonce:               nonce,
		CodeChallenge:       s256(testVerifier),
		CodeChallengeMethod: PKCEMethodS256,
	}
	if _, err := e.authorize.ValidateClient(context.Background(), req); err != nil {
		t.Fatalf("ValidateClient failed: %v", err)
	}
	code, err := e.authorize.CreateAuthCode(context.Background(), req, e.session)
	if err != nil {
		t.Fatalf("CreateAuthCode failed: %v", err)
	}
	return code
}

func (e *testEnv) exchange(code string) (*TokenResponse, error) {
	return e.tokens.HandleAuthorizationCode(context.Background(), &TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     "gateway",
		ClientSecret: "gateway-secret",
		CodeVerifier: testVerifier,
	})
}

func (e *testEnv) refresh(token string) (*TokenResponse, error) {
	return e.tokens.HandleRefreshToken(context.Background(), &TokenRequest{
		GrantType:    domain.GrantRefreshToken,
		RefreshToken: token,
		ClientID:     "gateway",
		ClientSecret: "gateway-secret",
	})
}

func requireTokenError(t *testing.T, err error, code string) {
	t.Helper()
	te, ok := AsTokenError(err)
	if !ok {
		t.Fatalf("Expected token error %s, got %v", code, err)
	}
	if te.Code != code {
		t.Fatalf("Expected token error %s, got %s (%s)", code, te.Code, te.Description)
	}
}
