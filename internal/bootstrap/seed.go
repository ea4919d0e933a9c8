package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/config"
	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/oidc"
	"github.com/tendant/dealer-sso/internal/store"
)

// Data is what Seed creates.
type Data struct {
	Users   []config.BootstrapUser
	Roles   map[string][]string
	Clients []config.BootstrapClient

	// TokenSettings applies to every bootstrapped client.
	TokenSettings domain.TokenSettings
}

// FromConfig collects the bootstrap data from cfg.
func FromConfig(cfg *config.Config) Data {
	return Data{
		Users:   cfg.ParseBootstrapUsers(),
		Roles:   cfg.ParseBootstrapRoles(),
		Clients: cfg.ParseBootstrapClients(),
		TokenSettings: domain.TokenSettings{
			AccessTokenTTL:  cfg.AccessTokenTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
		},
	}
}

// Result counts what Seed created.
type Result struct {
	Users   int
	Clients int
}

// Seed creates missing users and clients. Existing records are left alone,
// so it is safe to run on every start.
func Seed(ctx context.Context, data Data, users store.UserRepository, registry *oidc.ClientRegistry, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res Result

	for _, bu := range data.Users {
		_, err := users.GetByUsername(ctx, bu.Username)
		if err == nil {
			continue
		}
		if !idperrors.IsCode(err, idperrors.CodeNotFound) {
			return res, fmt.Errorf("failed to look up user %s: %w", bu.Username, err)
		}

		u, err := auth.NewUser(auth.UserSpec{
			Username: bu.Username,
			Password: bu.Password,
			Roles:    Roles(bu.Roles, data.Roles),
		})
		if err != nil {
			return res, fmt.Errorf("invalid bootstrap user %s: %w", bu.Username, err)
		}
		if err := users.Create(ctx, u); err != nil {
			return res, fmt.Errorf("failed to create user %s: %w", bu.Username, err)
		}
		res.Users++
		logger.Info("created bootstrap user", "username", u.Username, "user_id", u.ID, "roles", bu.Roles)
	}

	for _, bc := range data.Clients {
		created, err := registry.RegisterIfAbsent(ctx, ClientSpec(bc, data.TokenSettings))
		if err != nil {
			return res, fmt.Errorf("failed to register client %s: %w", bc.ID, err)
		}
		if created {
			res.Clients++
		}
	}
	return res, nil
}

// Roles resolves role names to roles with their configured permissions.
func Roles(names []string, permissions map[string][]string) []domain.Role {
	roles := make([]domain.Role, 0, len(names))
	for _, name := range names {
		roles = append(roles, domain.Role{Name: name, Permissions: permissions[name]})
	}
	return roles
}

// ClientSpec converts a configured client to a registration spec.
func ClientSpec(bc config.BootstrapClient, settings domain.TokenSettings) oidc.ClientSpec {
	return oidc.ClientSpec{
		ID:                     bc.ID,
		Secret:                 bc.Secret,
		Name:                   bc.ID,
		RedirectURIs:           bc.RedirectURIs,
		PostLogoutRedirectURIs: bc.PostLogoutRedirectURIs,
		RequireConsent:         bc.RequireConsent,
		RequirePKCE:            bc.Public,
		TokenSettings:          settings,
	}
}
