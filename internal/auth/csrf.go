package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// CSRFCookieName is the name of the CSRF cookie.
	CSRFCookieName = "XSRF-TOKEN"
	// CSRFHeaderName is accepted in place of the form field for scripted posts.
	CSRFHeaderName = "X-XSRF-TOKEN"
	// CSRFTokenLength is the length of the random part in bytes.
	CSRFTokenLength = 32
	// CSRFFormField is the form field name for CSRF token.
	CSRFFormField = "_csrf"
	// CSRFTTL is how long CSRF tokens are valid.
	CSRFTTL = 1 * time.Hour
)

// CSRFService issues double-submit tokens signed with HMAC-SHA256.
// Token layout: <unix-ts>:<random>.<signature>.
type CSRFService struct {
	secret       []byte
	cookieSecure bool
	cookieDomain string
}

// NewCSRFService creates a new CSRFService.
func NewCSRFService(secret string, cookieSecure bool, cookieDomain string) *CSRFService {
	return &CSRFService{
		secret:       []byte(secret),
		cookieSecure: cookieSecure,
		cookieDomain: cookieDomain,
	}
}

// GenerateToken generates a new CSRF token and sets it as a cookie.
func (s *CSRFService) GenerateToken(w http.ResponseWriter) (string, error) {
	tokenBytes := make([]byte, CSRFTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}

	data := strconv.FormatInt(time.Now().Unix(), 10) + ":" + base64.RawURLEncoding.EncodeToString(tokenBytes)
	token := data + "." + s.sign(data)

	http.SetCookie(w, s.cookie(token, int(CSRFTTL.Seconds())))
	return token, nil
}

// ValidateToken validates the submitted token against the cookie.
func (s *CSRFService) ValidateToken(r *http.Request) error {
	submitted := r.FormValue(CSRFFormField)
	if submitted == "" {
		submitted = r.Header.Get(CSRFHeaderName)
	}
	if submitted == "" {
		return fmt.Errorf("missing CSRF token")
	}

	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return fmt.Errorf("missing CSRF cookie")
	}

	if subtle.ConstantTimeCompare([]byte(submitted), []byte(cookie.Value)) != 1 {
		return fmt.Errorf("CSRF token mismatch")
	}

	return s.verify(submitted)
}

// ClearToken clears the CSRF cookie.
func (s *CSRFService) ClearToken(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie("", -1))
}

func (s *CSRFService) sign(data string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *CSRFService) verify(token string) error {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return fmt.Errorf("invalid CSRF token format")
	}
	data, signature := token[:i], token[i+1:]

	if !hmac.Equal([]byte(signature), []byte(s.sign(data))) {
		return fmt.Errorf("invalid CSRF token signature")
	}

	ts, _, ok := strings.Cut(data, ":")
	if !ok {
		return fmt.Errorf("invalid CSRF token format")
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid CSRF token timestamp")
	}
	if time.Since(time.Unix(issued, 0)) > CSRFTTL {
		return fmt.Errorf("CSRF token expired")
	}
	return nil
}

func (s *CSRFService) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CSRFCookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   maxAge,
		HttpOnly: false, // readable by scripts that post to the API
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}
