package file

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s := setupTestStore(t)

	if s.Users() == nil || s.Clients() == nil || s.Consents() == nil {
		t.Error("Repositories should not be nil")
	}
	if s.Sessions() == nil || s.AuthCodes() == nil || s.Tokens() == nil || s.Keys() == nil {
		t.Error("Repositories should not be nil")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

// User Repository Tests

func TestUserRepository_CRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Users()

	user := &domain.User{
		ID:           "user-1",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "hashed-password",
		Enabled:      true,
		Roles:        []domain.Role{{Name: "ROLE_ADMIN", Permissions: []string{"user:read"}}},
	}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if user.CreatedAt.IsZero() || user.UpdatedAt.IsZero() {
		t.Error("Timestamps should be set")
	}

	found, err := repo.GetByUsername(ctx, "ALICE")
	if err != nil {
		t.Fatalf("GetByUsername failed: %v", err)
	}
	if found.ID != "user-1" || len(found.Roles) != 1 || found.Roles[0].Permissions[0] != "user:read" {
		t.Errorf("Unexpected user: %+v", found)
	}

	found.DisplayName = "Alice"
	if err := repo.Update(ctx, found); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	found, _ = repo.GetByID(ctx, "user-1")
	if found.DisplayName != "Alice" {
		t.Errorf("Expected updated name, got %q", found.DisplayName)
	}

	if err := repo.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.GetByID(ctx, "user-1"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("GetByID should return not found after delete")
	}
	if err := repo.Delete(ctx, "user-1"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("Second delete should return not found")
	}
}

func TestUserRepository_Duplicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Users()

	if err := repo.Create(ctx, &domain.User{ID: "u1", Username: "alice", Email: "a@example.com"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tests := []struct {
		name string
		user *domain.User
	}{
		{"same id", &domain.User{ID: "u1", Username: "bob"}},
		{"same username", &domain.User{ID: "u2", Username: "Alice"}},
		{"same email", &domain.User{ID: "u3", Username: "carol", Email: "a@example.com"}},
	}
	for _, tt := range tests {
		if err := repo.Create(ctx, tt.user); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
			t.Errorf("%s: expected already exists, got %v", tt.name, err)
		}
	}
}

func TestUserRepository_ListFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Users()

	admin := []domain.Role{{Name: "ROLE_ADMIN"}}
	repo.Create(ctx, &domain.User{ID: "1", Username: "sales.ana", Enabled: true, Roles: admin})
	repo.Create(ctx, &domain.User{ID: "2", Username: "sales.bob", Enabled: false})
	repo.Create(ctx, &domain.User{ID: "3", Username: "ops.carl", Enabled: true})

	enabled := true
	tests := []struct {
		name   string
		filter store.UserFilter
		want   []string
	}{
		{"all", store.UserFilter{}, []string{"ops.carl", "sales.ana", "sales.bob"}},
		{"prefix", store.UserFilter{UsernamePrefix: "sales."}, []string{"sales.ana", "sales.bob"}},
		{"enabled", store.UserFilter{Enabled: &enabled}, []string{"ops.carl", "sales.ana"}},
		{"role", store.UserFilter{Role: "ROLE_ADMIN"}, []string{"sales.ana"}},
		{"limit", store.UserFilter{Limit: 1}, []string{"ops.carl"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(users) != len(tt.want) {
				t.Fatalf("Expected %d users, got %d", len(tt.want), len(users))
			}
			for i, u := range users {
				if u.Username != tt.want[i] {
					t.Errorf("Position %d: expected %s, got %s", i, tt.want[i], u.Username)
				}
			}
		})
	}
}

// Client Repository Tests

func TestClientRepository_CRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Clients()

	client := &domain.Client{
		ID:           "client-1",
		Name:         "Test Client",
		SecretHash:   "$2a$10$hash",
		RedirectURIs: []string{"http://localhost:3000/callback"},
		Scopes:       []string{"openid", "profile"},
		TokenSettings: domain.TokenSettings{
			AccessTokenTTL:  30 * time.Minute,
			RefreshTokenTTL: 720 * time.Hour,
		},
	}
	if err := repo.Create(ctx, client); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, &domain.Client{ID: "client-1"}); !idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
		t.Errorf("Duplicate client id should fail, got %v", err)
	}

	found, err := repo.GetByID(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if found.TokenSettings.AccessTokenTTL != 30*time.Minute {
		t.Errorf("Token settings should round trip, got %v", found.TokenSettings)
	}

	found.Name = "Updated Client"
	if err := repo.Update(ctx, found); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	clients, _ := repo.List(ctx)
	if len(clients) != 1 || clients[0].Name != "Updated Client" {
		t.Errorf("Unexpected clients: %+v", clients)
	}

	if err := repo.Delete(ctx, "client-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.GetByID(ctx, "client-1"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("GetByID should return not found after delete")
	}
}

// Consent Repository Tests

func TestConsentRepository(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Consents()

	if _, err := repo.Get(ctx, "gateway", "alice"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("Missing consent should be not found")
	}

	repo.Save(ctx, &domain.Consent{ClientID: "gateway", Principal: "alice", Scopes: []string{"openid"}})
	repo.Save(ctx, &domain.Consent{ClientID: "gateway", Principal: "alice", Scopes: []string{"openid", "profile"}})
	repo.Save(ctx, &domain.Consent{ClientID: "debugger", Principal: "alice", Scopes: []string{"openid"}})

	consent, err := repo.Get(ctx, "gateway", "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(consent.Scopes) != 2 {
		t.Errorf("Save should replace scopes, got %v", consent.Scopes)
	}

	list, _ := repo.ListByPrincipal(ctx, "alice")
	if len(list) != 2 {
		t.Errorf("Expected one consent per client, got %d", len(list))
	}

	if err := repo.Delete(ctx, "gateway", "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, "gateway", "alice"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("Consent should be deleted")
	}
}

// Session Repository Tests

func TestSessionRepository(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Sessions()

	repo.Create(ctx, &domain.Session{ID: "s1", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)})
	repo.Create(ctx, &domain.Session{ID: "s2", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)})
	repo.Create(ctx, &domain.Session{ID: "s3", UserID: "user-2", ExpiresAt: time.Now().Add(time.Hour)})
	repo.Create(ctx, &domain.Session{ID: "old", UserID: "user-2", ExpiresAt: time.Now().Add(-time.Hour)})

	if err := repo.DeleteExpired(ctx); err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if _, err := repo.GetByID(ctx, "old"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("Expired session should be deleted")
	}

	if err := repo.DeleteByUserID(ctx, "user-1"); err != nil {
		t.Fatalf("DeleteByUserID failed: %v", err)
	}
	if _, err := repo.GetByID(ctx, "s1"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("Session s1 should be deleted")
	}
	if _, err := repo.GetByID(ctx, "s3"); err != nil {
		t.Error("Session s3 should still exist")
	}
}

// AuthCode Repository Tests

func TestAuthCodeRepository_ConsumeOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.AuthCodes()

	repo.Create(ctx, &domain.AuthCode{Code: "c1", ClientID: "gateway", UserID: "u1", ExpiresAt: time.Now().Add(time.Minute)})

	code, err := repo.Consume(ctx, "c1")
	if err != nil {
		t.Fatalf("First Consume failed: %v", err)
	}
	if code.UserID != "u1" {
		t.Errorf("Unexpected code: %+v", code)
	}

	code, err = repo.Consume(ctx, "c1")
	if !idperrors.IsCode(err, idperrors.CodeReplayed) {
		t.Fatalf("Second Consume should report replay, got %v", err)
	}
	if code == nil || code.ClientID != "gateway" {
		t.Error("Replayed code should still be returned for grant revocation")
	}

	if _, err := repo.Consume(ctx, "missing"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Errorf("Unknown code should be not found, got %v", err)
	}
}

func TestAuthCodeRepository_ConcurrentConsume(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.AuthCodes()

	repo.Create(ctx, &domain.AuthCode{Code: "c1", ExpiresAt: time.Now().Add(time.Minute)})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Consume(ctx, "c1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Exactly one redemption should succeed, got %d", wins.Load())
	}
}

func TestAuthCodeRepository_DeleteExpired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.AuthCodes()

	repo.Create(ctx, &domain.AuthCode{Code: "expired", ExpiresAt: time.Now().Add(-time.Minute)})
	repo.Create(ctx, &domain.AuthCode{Code: "valid", ExpiresAt: time.Now().Add(time.Minute)})

	if err := repo.DeleteExpired(ctx); err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if _, err := repo.GetByCode(ctx, "expired"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("Expired code should be deleted")
	}
	if _, err := repo.GetByCode(ctx, "valid"); err != nil {
		t.Error("Valid code should remain")
	}
}

// Token Repository Tests

func TestTokenRepository_Rotate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Tokens()

	exp := time.Now().Add(time.Hour)
	repo.Create(ctx, &domain.Token{ID: "t1", UserID: "u1", ClientID: "gateway", GrantID: "g1", ExpiresAt: exp})

	if err := repo.Rotate(ctx, "t1", &domain.Token{ID: "t2", UserID: "u1", GrantID: "g1", ParentID: "t1", ExpiresAt: exp}); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	old, _ := repo.GetByID(ctx, "t1")
	if !old.Revoked {
		t.Error("Rotated token should be revoked")
	}
	next, err := repo.GetByID(ctx, "t2")
	if err != nil || !next.IsValid() {
		t.Fatal("New token should be stored and valid")
	}

	err = repo.Rotate(ctx, "t1", &domain.Token{ID: "t3", GrantID: "g1", ExpiresAt: exp})
	if !idperrors.IsCode(err, idperrors.CodeReplayed) {
		t.Fatalf("Rotating a revoked token should report replay, got %v", err)
	}
	if _, err := repo.GetByID(ctx, "t3"); !idperrors.IsCode(err, idperrors.CodeNotFound) {
		t.Error("Failed rotation must not store a token")
	}
}

func TestTokenRepository_ConcurrentRotate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Tokens()

	exp := time.Now().Add(time.Hour)
	repo.Create(ctx, &domain.Token{ID: "t1", GrantID: "g1", ExpiresAt: exp})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := &domain.Token{ID: string(rune('a' + i)), GrantID: "g1", ExpiresAt: exp}
			if err := repo.Rotate(ctx, "t1", next); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Exactly one rotation should succeed, got %d", wins.Load())
	}
}

func TestTokenRepository_RevokeByGrantID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Tokens()

	exp := time.Now().Add(time.Hour)
	repo.Create(ctx, &domain.Token{ID: "t1", GrantID: "g1", ExpiresAt: exp})
	repo.Create(ctx, &domain.Token{ID: "t2", GrantID: "g1", ExpiresAt: exp})
	repo.Create(ctx, &domain.Token{ID: "t3", GrantID: "g2", ExpiresAt: exp})

	if err := repo.RevokeByGrantID(ctx, "g1"); err != nil {
		t.Fatalf("RevokeByGrantID failed: %v", err)
	}
	for id, want := range map[string]bool{"t1": true, "t2": true, "t3": false} {
		tok, _ := repo.GetByID(ctx, id)
		if tok.Revoked != want {
			t.Errorf("Token %s: expected revoked=%v", id, want)
		}
	}
}

func TestTokenRepository_RevokeByUserAndClient(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	repo := s.Tokens()

	exp := time.Now().Add(time.Hour)
	repo.Create(ctx, &domain.Token{ID: "t1", UserID: "u1", ClientID: "a", ExpiresAt: exp})
	repo.Create(ctx, &domain.Token{ID: "t2", UserID: "u2", ClientID: "b", ExpiresAt: exp})
	repo.Create(ctx, &domain.Token{ID: "t3", UserID: "u3", ClientID: "c", ExpiresAt: exp})

	repo.RevokeByUserID(ctx, "u1")
	repo.RevokeByClientID(ctx, "b")

	for id, want := range map[string]bool{"t1": true, "t2": true, "t3": false} {
		tok, _ := repo.GetByID(ctx, id)
		if tok.Revoked != want {
			t.Errorf("Token %s: expected revoked=%v", id, want)
		}
	}
}

// Key Repository Tests

func TestKeyRepository_WithKeyService(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	svc := crypto.NewKeyService(s.Keys())

	first, err := svc.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey failed: %v", err)
	}

	// A second store over the same directory sees the persisted key.
	reopened, err := NewStore(s.dataDir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	again, err := crypto.NewKeyService(reopened.Keys()).EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("EnsureActiveKey failed: %v", err)
	}
	if again.Kid != first.Kid {
		t.Error("Active key should persist across restarts")
	}
	if again.PrivateKey == nil {
		t.Error("Persisted key should decode its private half")
	}

	if _, err := svc.RotateKey(ctx); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	keys, _ := s.Keys().GetAll(ctx)
	active := 0
	for _, k := range keys {
		if k.Active {
			active++
		}
	}
	if len(keys) != 2 || active != 1 {
		t.Errorf("Expected 2 keys with 1 active, got %d keys and %d active", len(keys), active)
	}
}
