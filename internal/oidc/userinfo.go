package oidc

import (
	"context"
	"slices"
	"strings"

	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/crypto"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// UserInfoResponse represents the userinfo endpoint response.
type UserInfoResponse struct {
	Sub                 string   `json:"sub"`
	UserID              string   `json:"userId"`
	PreferredUsername   string   `json:"preferred_username,omitempty"`
	Email               string   `json:"email,omitempty"`
	Name                string   `json:"name,omitempty"`
	RolesAndPermissions []string `json:"rolesAndPermissions,omitempty"`
}

// UserInfoService handles userinfo requests.
type UserInfoService struct {
	users     auth.Directory
	generator *crypto.TokenGenerator
}

// NewUserInfoService creates a new UserInfoService.
func NewUserInfoService(users auth.Directory, generator *crypto.TokenGenerator) *UserInfoService {
	return &UserInfoService{
		users:     users,
		generator: generator,
	}
}

// GetUserInfo returns user info for the given access token.
func (s *UserInfoService) GetUserInfo(ctx context.Context, accessToken string) (*UserInfoResponse, error) {
	claims, err := s.generator.Parse(ctx, accessToken)
	if err != nil {
		return nil, idperrors.New(idperrors.CodeTokenInvalid, "invalid access token")
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.New(idperrors.CodeTokenInvalid, "invalid token subject")
		}
		return nil, idperrors.Unavailable("user directory unavailable", err)
	}

	response := &UserInfoResponse{
		Sub:                 user.ID,
		UserID:              user.ID,
		PreferredUsername:   user.Username,
		RolesAndPermissions: user.Authorities(),
	}

	scopes := strings.Fields(claims.Scope)
	if slices.Contains(scopes, "email") {
		response.Email = user.Email
	}
	if slices.Contains(scopes, "profile") {
		response.Name = user.DisplayName
	}
	return response, nil
}

// ExtractBearerToken extracts the bearer token from the Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", idperrors.Unauthorized("missing authorization header")
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", idperrors.Unauthorized("invalid authorization header")
	}
	return strings.TrimSpace(token), nil
}
