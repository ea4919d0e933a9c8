package service

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/dealer-sso/internal/domain"
	"github.com/tendant/dealer-sso/internal/respond"
	"github.com/tendant/dealer-sso/internal/store"
)

// PublicUser is the user view returned to other services and end users.
type PublicUser struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Enabled     bool     `json:"enabled"`
	Roles       []string `json:"roles,omitempty"`
}

func publicUser(u *domain.User) PublicUser {
	pu := PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Enabled:     u.Enabled,
	}
	for _, role := range u.Roles {
		pu.Roles = append(pu.Roles, role.Name)
	}
	return pu
}

type userLookup struct {
	users  store.UserRepository
	logger *slog.Logger
}

func (h *userLookup) get(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, publicUser(u))
}
