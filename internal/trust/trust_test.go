package trust

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/dealer-sso/internal/principal"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newFilter(t *testing.T, service, key string) *Filter {
	t.Helper()
	f, err := NewFilter(service, key, discard)
	require.NoError(t, err)
	return f
}

func serve(f *Filter, r *http.Request) *principal.Principal {
	var seen *principal.Principal
	f.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = principal.From(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), r)
	return seen
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		header  string
		service bool
	}{
		{"matching key", "s3cret", "s3cret", true},
		{"wrong key", "s3cret", "guess", false},
		{"prefix of key", "s3cret", "s3c", false},
		{"no header", "s3cret", "", false},
		{"disabled filter", "", "anything", false},
		{"disabled filter with empty header", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/users/1", nil)
			if tt.header != "" {
				r.Header.Set(HeaderName, tt.header)
			}
			p := serve(newFilter(t, "user", tt.key), r)
			if !tt.service {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.True(t, p.IsService())
			assert.True(t, p.HasAuthority("user:read"))
			assert.True(t, p.HasAuthority("user:delete"))
		})
	}
}

func TestFilter_AuthoritiesScopedToService(t *testing.T) {
	tests := []struct {
		service string
		has     []string
		lacks   []string
	}{
		{"user", []string{"user:read", "user:create", "user:update", "user:delete"}, []string{"client:read", "vehicle:read", "purchase_sale:read"}},
		{"client", []string{"client:read", "client:delete"}, []string{"user:read", "vehicle:read", "purchase_sale:read"}},
		{"vehicle", []string{"vehicle:read", "vehicle:update"}, []string{"user:read", "client:read", "purchase_sale:read", "purchase_sale:delete"}},
		{"purchase_sale", []string{"purchase_sale:read", "purchase_sale:create", "purchase_sale:update", "purchase_sale:delete"}, []string{"user:read", "client:read", "vehicle:read"}},
	}

	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set(HeaderName, "s3cret")
			p := serve(newFilter(t, tt.service, "s3cret"), r)
			require.NotNil(t, p)
			for _, a := range tt.has {
				assert.True(t, p.HasAuthority(a), a)
			}
			for _, a := range tt.lacks {
				assert.False(t, p.HasAuthority(a), a)
			}
		})
	}
}

func TestNewFilter_UnknownService(t *testing.T) {
	_, err := NewFilter("billing", "s3cret", nil)
	assert.Error(t, err)
	assert.Nil(t, ServiceAuthorities("billing"))
}

func TestServiceAuthorities_ReturnsCopy(t *testing.T) {
	auths := ServiceAuthorities("vehicle")
	auths[0] = "purchase_sale:delete"
	assert.Equal(t, "vehicle:read", ServiceAuthorities("vehicle")[0])
}

func TestFilter_KeepsExistingPrincipal(t *testing.T) {
	user := &principal.Principal{Kind: principal.KindUser, Subject: "42"}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderName, "s3cret")
	r = r.WithContext(principal.With(r.Context(), user))

	assert.Same(t, user, serve(newFilter(t, "user", "s3cret"), r))
}

func TestFilter_RecordsAuditUser(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderName, "s3cret")
	r.Header.Set("X-User-ID", "42")

	p := serve(newFilter(t, "vehicle", "s3cret"), r)
	require.NotNil(t, p)
	assert.Equal(t, "42", p.AuditUserID)
	assert.Empty(t, p.UserID, "the audit id never becomes the acting user")
}
