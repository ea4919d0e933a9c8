package auth

import (
	"net/http"
	"strings"
)

// DefaultLanguage is used when Accept-Language names nothing we translate.
const DefaultLanguage = "en"

var messages = map[string]map[Reason]string{
	"en": {
		ReasonInvalidCredentials: "Invalid username or password.",
		ReasonDisabled:           "Your account is disabled. Contact an administrator.",
		ReasonLocked:             "Your account is locked. Try again later or contact an administrator.",
		ReasonExpired:            "Your account has expired. Contact an administrator.",
		ReasonCredentialsExpired: "Your password has expired. Reset it before signing in.",
		ReasonServiceUnavailable: "The service is temporarily unavailable. Please try again later.",
	},
	"es": {
		ReasonInvalidCredentials: "Usuario o contraseña incorrectos.",
		ReasonDisabled:           "Su cuenta está deshabilitada. Contacte a un administrador.",
		ReasonLocked:             "Su cuenta está bloqueada. Inténtelo más tarde o contacte a un administrador.",
		ReasonExpired:            "Su cuenta ha expirado. Contacte a un administrador.",
		ReasonCredentialsExpired: "Su contraseña ha expirado. Restablézcala antes de iniciar sesión.",
		ReasonServiceUnavailable: "El servicio no está disponible temporalmente. Inténtelo más tarde.",
	},
}

// Message returns the user-facing message for reason in lang, falling back
// to English and then to the invalid credentials message.
func Message(reason Reason, lang string) string {
	table, ok := messages[lang]
	if !ok {
		table = messages[DefaultLanguage]
	}
	if msg, ok := table[reason]; ok {
		return msg
	}
	return table[ReasonInvalidCredentials]
}

// ParseReason maps an error code from a query string back to a Reason.
// Unknown codes map to ReasonInvalidCredentials.
func ParseReason(code string) Reason {
	r := Reason(code)
	if _, ok := messages[DefaultLanguage][r]; ok {
		return r
	}
	return ReasonInvalidCredentials
}

// Language picks the first supported language from Accept-Language.
func Language(r *http.Request) string {
	for _, part := range strings.Split(r.Header.Get("Accept-Language"), ",") {
		tag, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		base, _, _ := strings.Cut(strings.ToLower(tag), "-")
		if _, ok := messages[base]; ok {
			return base
		}
	}
	return DefaultLanguage
}
