package directory

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/principal"
	"github.com/tendant/dealer-sso/internal/respond"
	"github.com/tendant/dealer-sso/internal/store"
)

// Handler exposes user records, password hashes included, to trusted
// internal callers only.
type Handler struct {
	users  store.UserRepository
	logger *slog.Logger
}

// NewHandler creates a directory handler over users.
func NewHandler(users store.UserRepository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{users: users, logger: logger}
}

// Mount registers the lookup endpoints on r.
func (h *Handler) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireService)
		r.Get("/internal/users/{id}", h.byID)
		r.Get("/internal/users/by-username/{username}", h.byUsername)
	})
}

func (h *Handler) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal.From(r.Context())
		if !ok {
			respond.Error(w, r, h.logger, idperrors.Unauthorized("authentication required"))
			return
		}
		if !p.IsService() || !p.HasAuthority("user:read") {
			respond.Error(w, r, h.logger, idperrors.Forbidden("directory lookups are internal only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) byID(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

func (h *Handler) byUsername(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}
