package http

import (
	"log/slog"
	"net/http"

	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/respond"
)

// JWKSHandler handles JWKS endpoints.
type JWKSHandler struct {
	keyService *crypto.KeyService
	logger     *slog.Logger
}

// NewJWKSHandler creates a new JWKSHandler.
func NewJWKSHandler(keyService *crypto.KeyService, logger *slog.Logger) *JWKSHandler {
	return &JWKSHandler{
		keyService: keyService,
		logger:     logger,
	}
}

// JWKS handles GET /oauth2/jwks. Retired keys stay published until their
// retention ends so tokens they signed keep verifying.
func (h *JWKSHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.keyService.JWKS(r.Context())
	if err != nil {
		h.logger.Error("failed to get JWKS", "error", err)
		respond.Status(w, r, http.StatusServiceUnavailable, respond.MessageUnavailable)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	respond.JSON(w, http.StatusOK, jwks)
}
