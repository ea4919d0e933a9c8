package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/oauth2"
)

// SessionName is the gateway session cookie.
const SessionName = "GATEWAY_SESSION"

const (
	keySubject      = "sub"
	keyUserID       = "user_id"
	keyUsername     = "username"
	keyIDToken      = "id_token"
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyTokenType    = "token_type"
	keyExpiry       = "expiry"

	keyState    = "state"
	keyNonce    = "nonce"
	keyVerifier = "verifier"
	keyReturnTo = "return_to"
)

// Sessions keeps the gateway's OIDC login state in server-side files keyed
// by a signed cookie.
type Sessions struct {
	store sessions.Store
}

// NewSessions creates a filesystem-backed session store under dir. An empty
// dir uses the OS temp directory.
func NewSessions(dir, secret string, maxAge time.Duration, secure bool) *Sessions {
	fs := sessions.NewFilesystemStore(dir, []byte(secret))
	// ID, access and refresh tokens together exceed the 4KB default.
	fs.MaxLength(64 * 1024)
	fs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Sessions{store: fs}
}

// Pending is the in-flight authorization request.
type Pending struct {
	State    string
	Nonce    string
	Verifier string
	ReturnTo string
}

// LoginState is what a completed login stores.
type LoginState struct {
	Subject  string
	UserID   string
	Username string
	IDToken  string
	Token    *oauth2.Token
}

func (s *Sessions) get(r *http.Request) *sessions.Session {
	// A cookie that fails to decode yields a fresh session.
	sess, _ := s.store.Get(r, SessionName)
	return sess
}

func str(sess *sessions.Session, key string) string {
	v, _ := sess.Values[key].(string)
	return v
}

// Identity returns the logged-in user, if any.
func (s *Sessions) Identity(r *http.Request) (*Identity, bool) {
	sess := s.get(r)
	sub := str(sess, keySubject)
	if sub == "" {
		return nil, false
	}
	return &Identity{
		Subject:  sub,
		UserID:   str(sess, keyUserID),
		Username: str(sess, keyUsername),
		Source:   SourceSession,
	}, true
}

// Token returns the stored OAuth2 token.
func (s *Sessions) Token(r *http.Request) (*oauth2.Token, bool) {
	return tokenFrom(s.get(r))
}

// StoredToken reloads the token from the backing store, skipping the copy
// cached for this request, so it sees a refresh saved by another request.
func (s *Sessions) StoredToken(r *http.Request) (*oauth2.Token, bool) {
	sess, err := s.store.New(r, SessionName)
	if err != nil {
		return s.Token(r)
	}
	return tokenFrom(sess)
}

// ID returns the server-side session ID, empty for a new session.
func (s *Sessions) ID(r *http.Request) string {
	return s.get(r).ID
}

func tokenFrom(sess *sessions.Session) (*oauth2.Token, bool) {
	access := str(sess, keyAccessToken)
	if access == "" {
		return nil, false
	}
	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: str(sess, keyRefreshToken),
		TokenType:    str(sess, keyTokenType),
	}
	if exp, ok := sess.Values[keyExpiry].(int64); ok && exp > 0 {
		tok.Expiry = time.Unix(exp, 0)
	}
	return tok, true
}

// SaveToken replaces the stored token after a refresh.
func (s *Sessions) SaveToken(w http.ResponseWriter, r *http.Request, tok *oauth2.Token) error {
	sess := s.get(r)
	putToken(sess, tok)
	return sess.Save(r, w)
}

func putToken(sess *sessions.Session, tok *oauth2.Token) {
	sess.Values[keyAccessToken] = tok.AccessToken
	sess.Values[keyTokenType] = tok.TokenType
	if tok.RefreshToken != "" {
		sess.Values[keyRefreshToken] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		sess.Values[keyExpiry] = tok.Expiry.Unix()
	}
}

// SavePending records a started authorization request.
func (s *Sessions) SavePending(w http.ResponseWriter, r *http.Request, p Pending) error {
	sess := s.get(r)
	sess.Values[keyState] = p.State
	sess.Values[keyNonce] = p.Nonce
	sess.Values[keyVerifier] = p.Verifier
	sess.Values[keyReturnTo] = p.ReturnTo
	return sess.Save(r, w)
}

// Pending returns the in-flight authorization request.
func (s *Sessions) Pending(r *http.Request) Pending {
	sess := s.get(r)
	return Pending{
		State:    str(sess, keyState),
		Nonce:    str(sess, keyNonce),
		Verifier: str(sess, keyVerifier),
		ReturnTo: str(sess, keyReturnTo),
	}
}

// SaveLogin stores a completed login and drops the pending request.
func (s *Sessions) SaveLogin(w http.ResponseWriter, r *http.Request, l LoginState) error {
	sess := s.get(r)
	for _, k := range []string{keyState, keyNonce, keyVerifier, keyReturnTo} {
		delete(sess.Values, k)
	}
	sess.Values[keySubject] = l.Subject
	sess.Values[keyUserID] = l.UserID
	sess.Values[keyUsername] = l.Username
	sess.Values[keyIDToken] = l.IDToken
	if l.Token != nil {
		putToken(sess, l.Token)
	}
	return sess.Save(r, w)
}

// Clear deletes the session and returns the ID token it held, for the
// end-session hint.
func (s *Sessions) Clear(w http.ResponseWriter, r *http.Request) (string, error) {
	sess := s.get(r)
	idToken := str(sess, keyIDToken)
	sess.Values = map[any]any{}
	sess.Options.MaxAge = -1
	return idToken, sess.Save(r, w)
}
