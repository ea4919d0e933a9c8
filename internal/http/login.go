package http

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/dealer-sso/internal/audit"
	"github.com/tendant/dealer-sso/internal/auth"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/metrics"
	"github.com/tendant/dealer-sso/internal/principal"
	"github.com/tendant/dealer-sso/internal/respond"
)

// LoginHandler handles login endpoints.
type LoginHandler struct {
	authService    *auth.Service
	frontendOrigin string
	events         audit.Emitter
	logger         *slog.Logger
	template       *template.Template
}

// NewLoginHandler creates a new LoginHandler.
func NewLoginHandler(authService *auth.Service, frontendOrigin string, events audit.Emitter, logger *slog.Logger) *LoginHandler {
	tmpl := template.Must(template.New("login").Parse(loginTemplate))
	return &LoginHandler{
		authService:    authService,
		frontendOrigin: strings.TrimRight(frontendOrigin, "/"),
		events:         events,
		logger:         logger,
		template:       tmpl,
	}
}

// Root handles GET / by sending the browser to the login page.
func (h *LoginHandler) Root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/login", http.StatusFound)
}

// LoginPage handles GET /login. Signed-in users go straight to the frontend.
func (h *LoginHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if principal.Authenticated(r.Context()) {
		http.Redirect(w, r, h.frontendOrigin, http.StatusFound)
		return
	}

	q := r.URL.Query()
	lang := auth.Language(r)
	data := loginPageData{
		Lang:      lang,
		ReturnURL: q.Get("return_url"),
	}
	if q.Has("error") {
		data.Error = auth.Message(auth.ParseReason(q.Get("error")), lang)
	}
	if q.Has("logout") {
		data.Notice = logoutNotice(lang)
	}

	h.render(w, http.StatusOK, data)
}

// Login handles POST /login.
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respond.Status(w, r, http.StatusBadRequest, "invalid form data")
		return
	}

	username := strings.TrimSpace(r.PostFormValue("username"))
	returnURL := r.PostFormValue("return_url")
	if !isValidReturnURL(returnURL) {
		returnURL = ""
	}

	result, err := h.authService.Login(r.Context(), w, r, username, r.PostFormValue("password"))
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeForbidden) {
			h.logger.Warn("login rejected", "reason", "csrf", "remote_addr", r.RemoteAddr)
			h.render(w, http.StatusForbidden, loginPageData{
				Lang:      auth.Language(r),
				ReturnURL: returnURL,
				Error:     "Invalid request. Please try again.",
			})
			return
		}
		respond.Error(w, r, h.logger, err)
		return
	}

	if !result.Valid {
		metrics.RecordLogin(string(result.Reason))
		h.events.Emit(r.Context(), audit.Event{
			Type:      audit.EventLoginFailed,
			Subject:   username,
			RemoteIP:  r.RemoteAddr,
			RequestID: middleware.GetReqID(r.Context()),
			Detail:    string(result.Reason),
		})

		q := url.Values{"error": {string(result.Reason)}}
		if returnURL != "" {
			q.Set("return_url", returnURL)
		}
		http.Redirect(w, r, "/login?"+q.Encode(), http.StatusFound)
		return
	}

	metrics.RecordLogin("success")
	h.events.Emit(r.Context(), audit.Event{
		Type:      audit.EventLoginSucceeded,
		Subject:   result.User.ID,
		RemoteIP:  r.RemoteAddr,
		RequestID: middleware.GetReqID(r.Context()),
	})

	if returnURL == "" {
		returnURL = h.frontendOrigin
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// Logout handles POST /logout.
func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.From(r.Context())
	r, found := h.authService.Invalidate(w, r)
	if found && p != nil {
		h.events.Emit(r.Context(), audit.Event{
			Type:      audit.EventLogout,
			Subject:   p.Subject,
			RemoteIP:  r.RemoteAddr,
			RequestID: middleware.GetReqID(r.Context()),
		})
	}
	http.Redirect(w, r, "/login?logout", http.StatusFound)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type credentialsResponse struct {
	Valid  bool    `json:"valid"`
	Reason *string `json:"reason"`
}

// ValidateCredentials handles POST /api/validate-credentials. It checks a
// username and password without creating a session.
func (h *LoginHandler) ValidateCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		respond.Error(w, r, h.logger, idperrors.InvalidInput("request body must be JSON with username and password"))
		return
	}

	result := h.authService.Verifier().Validate(r.Context(), req.Username, req.Password)
	resp := credentialsResponse{Valid: result.Valid}
	if !result.Valid {
		reason := string(result.Reason)
		resp.Reason = &reason
		metrics.RecordCredentialCheck(reason)
	} else {
		metrics.RecordCredentialCheck("valid")
	}
	respond.JSON(w, http.StatusOK, resp)
}

func (h *LoginHandler) render(w http.ResponseWriter, status int, data loginPageData) {
	token, err := h.authService.CSRF().GenerateToken(w)
	if err != nil {
		h.logger.Error("failed to generate CSRF token", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data.CSRFToken = token
	data.CSRFField = auth.CSRFFormField

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := h.template.Execute(w, data); err != nil {
		h.logger.Error("failed to render login page", "error", err)
	}
}

func logoutNotice(lang string) string {
	if lang == "es" {
		return "Ha cerrado la sesión."
	}
	return "You have been signed out."
}

// isValidReturnURL accepts local absolute paths only.
func isValidReturnURL(returnURL string) bool {
	if !strings.HasPrefix(returnURL, "/") || strings.HasPrefix(returnURL, "//") || strings.Contains(returnURL, `\`) {
		return false
	}
	u, err := url.Parse(returnURL)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

type loginPageData struct {
	Lang      string
	CSRFField string
	CSRFToken string
	ReturnURL string
	Error     string
	Notice    string
}

const loginTemplate = `<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Dealer SSO - Sign In</title>
    <style>
        * { box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f5f5f5;
            margin: 0;
            padding: 20px;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .login-container {
            background: white;
            padding: 40px;
            border-radius: 8px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
            width: 100%;
            max-width: 400px;
        }
        h1 { margin: 0 0 30px 0; font-size: 24px; text-align: center; color: #333; }
        .form-group { margin-bottom: 20px; }
        label { display: block; margin-bottom: 8px; font-weight: 500; color: #555; }
        input[type="text"], input[type="password"] {
            width: 100%;
            padding: 12px;
            border: 1px solid #ddd;
            border-radius: 4px;
            font-size: 16px;
        }
        button {
            width: 100%;
            padding: 12px;
            background: #007bff;
            color: white;
            border: none;
            border-radius: 4px;
            font-size: 16px;
            cursor: pointer;
        }
        .error { background: #fee; color: #c00; padding: 12px; border-radius: 4px; margin-bottom: 20px; font-size: 14px; }
        .notice { background: #eef7ee; color: #264d26; padding: 12px; border-radius: 4px; margin-bottom: 20px; font-size: 14px; }
    </style>
</head>
<body>
    <div class="login-container">
        <h1>Sign In</h1>
        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
        {{if .Notice}}<div class="notice">{{.Notice}}</div>{{end}}
        <form method="POST" action="/login">
            <input type="hidden" name="{{.CSRFField}}" value="{{.CSRFToken}}">
            {{if .ReturnURL}}<input type="hidden" name="return_url" value="{{.ReturnURL}}">{{end}}
            <div class="form-group">
                <label for="username">Username</label>
                <input type="text" id="username" name="username" autocomplete="username" required autofocus>
            </div>
            <div class="form-group">
                <label for="password">Password</label>
                <input type="password" id="password" name="password" autocomplete="current-password" required>
            </div>
            <button type="submit">Sign In</button>
        </form>
    </div>
</body>
</html>`
