package http

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/metrics"
	"github.com/tendant/dealer-sso/internal/oidc"
	"github.com/tendant/dealer-sso/internal/principal"
)

// OIDCHandler handles OIDC endpoints.
type OIDCHandler struct {
	authService      *auth.Service
	authorizeService *oidc.AuthorizeService
	consentService   *oidc.ConsentService
	tokenService     *oidc.TokenService
	userInfoService  *oidc.UserInfoService
	logger           *slog.Logger
	pages            *template.Template
}

// NewOIDCHandler creates a new OIDCHandler.
func NewOIDCHandler(
	authService *auth.Service,
	authorizeService *oidc.AuthorizeService,
	consentService *oidc.ConsentService,
	tokenService *oidc.TokenService,
	userInfoService *oidc.UserInfoService,
	logger *slog.Logger,
) *OIDCHandler {
	pages := template.Must(template.New("consent").Parse(consentTemplate))
	template.Must(pages.New("error").Parse(authErrorTemplate))
	return &OIDCHandler{
		authService:      authService,
		authorizeService: authorizeService,
		consentService:   consentService,
		tokenService:     tokenService,
		userInfoService:  userInfoService,
		logger:           logger,
		pages:            pages,
	}
}

// Authorize handles GET|POST /oauth2/authorize.
func (h *OIDCHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	authReq, client, ok := h.validate(w, r)
	if !ok {
		return
	}

	p, authenticated := principal.From(ctx)
	session, hasSession := auth.SessionFrom(ctx)
	if !authenticated || !hasSession || p.IsService() {
		loginURL := "/login?return_url=" + url.QueryEscape("/oauth2/authorize?"+authReq.Values().Encode())
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	required, err := h.consentService.Required(ctx, client, p.Subject, authReq.Scopes())
	if err != nil {
		h.logger.Error("failed to check consent", "client_id", client.ID, "error", err)
		h.redirectError(w, r, authReq, "server_error", "consent check failed")
		return
	}
	if required {
		h.renderConsent(w, r, authReq, client)
		return
	}

	h.issueCode(w, r, authReq, session)
}

// Consent handles POST /oauth2/consent, submitted from the consent page.
func (h *OIDCHandler) Consent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.authService.CSRF().ValidateToken(r); err != nil {
		h.logger.Warn("consent rejected", "reason", "csrf", "remote_addr", r.RemoteAddr)
		h.renderError(w, http.StatusForbidden, "Invalid request. Please try again.")
		return
	}

	authReq, client, ok := h.validate(w, r)
	if !ok {
		return
	}

	p, authenticated := principal.From(ctx)
	session, hasSession := auth.SessionFrom(ctx)
	if !authenticated || !hasSession {
		loginURL := "/login?return_url=" + url.QueryEscape("/oauth2/authorize?"+authReq.Values().Encode())
		http.Redirect(w, r, loginURL, http.StatusFound)
		return
	}

	if r.PostFormValue("decision") != "approve" {
		h.logger.Info("consent denied", "client_id", client.ID, "user_id", p.Subject)
		h.redirectError(w, r, authReq, "access_denied", "the user denied the request")
		return
	}

	if err := h.consentService.Grant(ctx, client, p.Subject, authReq.Scopes()); err != nil {
		h.logger.Error("failed to record consent", "client_id", client.ID, "error", err)
		h.redirectError(w, r, authReq, "server_error", "failed to record consent")
		return
	}
	h.issueCode(w, r, authReq, session)
}

// validate parses and checks the request, writing the response itself when
// it fails.
func (h *OIDCHandler) validate(w http.ResponseWriter, r *http.Request) (*oidc.AuthorizeRequest, *domain.Client, bool) {
	authReq, err := oidc.ParseAuthorizeRequest(r)
	if err != nil {
		h.renderError(w, http.StatusBadRequest, messageOf(err))
		return nil, nil, false
	}

	client, err := h.authorizeService.ValidateClient(r.Context(), authReq)
	if err != nil {
		var redirectErr *oidc.RedirectError
		switch {
		case errors.As(err, &redirectErr):
			http.Redirect(w, r, redirectErr.Location(), http.StatusFound)
		case idperrors.IsCode(err, idperrors.CodeInvalidInput):
			// The redirect URI is not trusted, so the error stays here
			h.renderError(w, http.StatusBadRequest, messageOf(err))
		default:
			h.logger.Error("failed to validate authorization request", "error", err)
			h.renderError(w, http.StatusServiceUnavailable, "The service is temporarily unavailable. Please try again later.")
		}
		return nil, nil, false
	}
	return authReq, client, true
}

func (h *OIDCHandler) issueCode(w http.ResponseWriter, r *http.Request, authReq *oidc.AuthorizeRequest, session *domain.Session) {
	code, err := h.authorizeService.CreateAuthCode(r.Context(), authReq, session)
	if err != nil {
		h.logger.Error("failed to create auth code", "error", err)
		h.redirectError(w, r, authReq, "server_error", "failed to create authorization code")
		return
	}
	metrics.RecordAuthCodeIssued()

	h.logger.Info("authorization code issued",
		"client_id", authReq.ClientID,
		"user_id", session.UserID,
	)
	http.Redirect(w, r, oidc.BuildAuthorizationResponse(authReq.RedirectURI, code, authReq.State), http.StatusFound)
}

func (h *OIDCHandler) redirectError(w http.ResponseWriter, r *http.Request, authReq *oidc.AuthorizeRequest, code, desc string) {
	http.Redirect(w, r, oidc.BuildErrorResponse(authReq.RedirectURI, code, desc, authReq.State), http.StatusFound)
}

// Token handles POST /oauth2/token.
func (h *OIDCHandler) Token(w http.ResponseWriter, r *http.Request) {
	tokenReq, err := oidc.ParseTokenRequest(r)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	response, err := h.tokenService.Exchange(r.Context(), tokenReq)
	if err != nil {
		h.logger.Info("token request failed", "grant_type", tokenReq.GrantType, "client_id", tokenReq.ClientID, "error", err)
		h.writeTokenError(w, err)
		return
	}

	h.logger.Info("tokens issued", "grant_type", tokenReq.GrantType, "client_id", tokenReq.ClientID)
	writeTokenJSON(w, http.StatusOK, response)
}

// Revoke handles POST /oauth2/revoke (RFC 7009).
func (h *OIDCHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	req, err := oidc.ParseRevocationRequest(r)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}
	if err := h.tokenService.HandleRevocation(r.Context(), req); err != nil {
		h.writeTokenError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /oauth2/introspect (RFC 7662).
func (h *OIDCHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	req, err := oidc.ParseRevocationRequest(r)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}
	resp, err := h.tokenService.HandleIntrospection(r.Context(), req)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}
	writeTokenJSON(w, http.StatusOK, resp)
}

// UserInfo handles GET|POST /userinfo.
func (h *OIDCHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	token, err := oidc.ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userInfo, err := h.userInfoService.GetUserInfo(r.Context(), token)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeServiceUnavailable) {
			h.logger.Warn("userinfo unavailable", "error", err)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		h.logger.Info("userinfo request failed", "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	writeTokenJSON(w, http.StatusOK, userInfo)
}

func (h *OIDCHandler) writeTokenError(w http.ResponseWriter, err error) {
	code, desc, status := "server_error", "the server encountered an error", http.StatusInternalServerError
	if te, ok := oidc.AsTokenError(err); ok {
		code, desc, status = te.Code, te.Description, te.Status()
		if te.Code == oidc.ErrInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="dealer-sso"`)
		}
	} else if idperrors.IsCode(err, idperrors.CodeServiceUnavailable) {
		code, desc, status = "temporarily_unavailable", "service temporarily unavailable, retry later", http.StatusServiceUnavailable
	} else {
		h.logger.Error("token endpoint error", "error", err)
	}

	writeTokenJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

func writeTokenJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func messageOf(err error) string {
	var e *idperrors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "invalid request"
}

type consentPageData struct {
	ClientName string
	Scopes     []string
	Params     url.Values
	CSRFField  string
	CSRFToken  string
}

func (h *OIDCHandler) renderConsent(w http.ResponseWriter, r *http.Request, authReq *oidc.AuthorizeRequest, client *domain.Client) {
	token, err := h.authService.CSRF().GenerateToken(w)
	if err != nil {
		h.logger.Error("failed to generate CSRF token", "error", err)
		h.renderError(w, http.StatusInternalServerError, "An unexpected error occurred.")
		return
	}

	data := consentPageData{
		ClientName: client.Name,
		Scopes:     authReq.Scopes(),
		Params:     authReq.Values(),
		CSRFField:  auth.CSRFFormField,
		CSRFToken:  token,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := h.pages.ExecuteTemplate(w, "consent", data); err != nil {
		h.logger.Error("failed to render consent page", "error", err)
	}
}

func (h *OIDCHandler) renderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.pages.ExecuteTemplate(w, "error", message); err != nil {
		h.logger.Error("failed to render error page", "error", err)
	}
}

const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Dealer SSO - Authorize</title>
</head>
<body>
    <h1>{{.ClientName}} is requesting access</h1>
    <ul>
    {{range .Scopes}}<li>{{.}}</li>{{end}}
    </ul>
    <form method="POST" action="/oauth2/consent">
        <input type="hidden" name="{{.CSRFField}}" value="{{.CSRFToken}}">
        {{range $k, $v := .Params}}<input type="hidden" name="{{$k}}" value="{{index $v 0}}">
        {{end}}
        <button type="submit" name="decision" value="approve">Allow</button>
        <button type="submit" name="decision" value="deny">Deny</button>
    </form>
</body>
</html>`

const authErrorTemplate = `<!DOCTYPE html>
<html>
<head><title>Authorization Error</title></head>
<body>
<h1>Authorization Error</h1>
<p>{{.}}</p>
</body>
</html>`
