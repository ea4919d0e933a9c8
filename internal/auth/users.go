package auth

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// Password policy.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// UserSpec is the input for creating an account.
type UserSpec struct {
	Username    string
	Password    string
	Email       string
	DisplayName string
	Roles       []domain.Role
}

// Validate returns a field-to-message map; an empty map means it is valid.
func (s UserSpec) Validate() map[string]string {
	fields := make(map[string]string)

	switch {
	case s.Username == "":
		fields["username"] = "is required"
	case len(s.Username) < 3 || len(s.Username) > 64:
		fields["username"] = "must be between 3 and 64 characters"
	case !validUsername(s.Username):
		fields["username"] = "may only contain letters, digits, '.', '_' and '-'"
	}

	if msg := passwordProblem(s.Password); msg != "" {
		fields["password"] = msg
	}

	if s.Email != "" {
		if _, err := mail.ParseAddress(s.Email); err != nil {
			fields["email"] = "is not a valid address"
		}
	}

	for i, role := range s.Roles {
		if strings.TrimSpace(role.Name) == "" {
			fields[fmt.Sprintf("roles[%d]", i)] = "name is required"
		}
	}

	return fields
}

func validUsername(name string) bool {
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// passwordProblem describes why password fails the policy, or returns "".
func passwordProblem(password string) string {
	if password == "" {
		return "is required"
	}
	if len(password) < MinPasswordLength {
		return fmt.Sprintf("must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Sprintf("must be at most %d characters", MaxPasswordLength)
	}

	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsSpace(r):
			return "must not contain whitespace"
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return "must contain an upper case letter, a lower case letter and a digit"
	}
	return ""
}

// NewUser validates spec and builds an enabled user with a hashed password.
// The caller persists it.
func NewUser(spec UserSpec) (*domain.User, error) {
	if err := idperrors.Invalid(spec.Validate()); err != nil {
		return nil, err
	}

	hash, err := HashPassword(spec.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	return &domain.User{
		ID:           generateUUID(),
		Username:     spec.Username,
		Email:        spec.Email,
		PasswordHash: hash,
		DisplayName:  spec.DisplayName,
		Enabled:      true,
		Roles:        spec.Roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
